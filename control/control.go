// Package control implements the runtime command channel: a
// datagram-style Unix domain socket accepting newline-terminated text
// commands and replying with a small status line.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	finitErrors "finit-go/errors"
	"finit-go/logging"
)

// SocketPath is the default control channel path.
const SocketPath = "/run/finit/ctl"

// Handler executes one parsed command and returns the reply line (without
// the trailing OK/ERR framing, which dispatch adds).
type Handler func(cmd string, args []string) (reply string, err error)

// Server owns the control socket fd and dispatches datagrams to handler.
type Server struct {
	fd      int
	path    string
	handler Handler
}

// Listen creates (or recreates) the control socket at path, creating its
// parent directory with mode 0700 if needed.
func Listen(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = SocketPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, finitErrors.Wrap(err, finitErrors.KindInternal, "control socket mkdir")
	}
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, finitErrors.Wrap(err, finitErrors.KindInternal, "control socket create")
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, finitErrors.Wrap(err, finitErrors.KindInternal, "control socket bind")
	}

	return &Server{fd: fd, path: path, handler: handler}, nil
}

// FD returns the socket fd for registration with the event loop.
func (s *Server) FD() int {
	return s.fd
}

// Poll is the fd-readiness callback: it reads every pending datagram until
// the socket would block, dispatching each and writing its reply back to
// the sender's address.
func (s *Server) Poll() {
	buf := make([]byte, 4096)
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			logging.Warn("control socket recv failed", "error", err)
			return
		}

		reply := s.dispatch(string(buf[:n]))
		if from != nil {
			if err := unix.Sendto(s.fd, []byte(reply), 0, from); err != nil {
				logging.Warn("control socket reply failed", "error", err)
			}
		}
	}
}

// dispatch parses one command line and returns a fully-framed reply.
func (s *Server) dispatch(line string) string {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command\n"
	}

	reply, err := s.handler(fields[0], fields[1:])
	if err != nil {
		return fmt.Sprintf("ERR %s\n", err)
	}
	if reply == "" {
		return "OK\n"
	}
	return fmt.Sprintf("OK %s\n", reply)
}

// Close removes the socket fd and the filesystem path.
func (s *Server) Close() error {
	err := unix.Close(s.fd)
	os.Remove(s.path)
	return err
}

// ParseTelinitArg translates a positional telinit argument into the
// equivalent control command: a digit requests that runlevel,
// q/Q requests a reload, s/S requests rescue (runlevel 1).
func ParseTelinitArg(arg string) (cmd string, args []string, err error) {
	switch arg {
	case "q", "Q":
		return "reload", nil, nil
	case "s", "S":
		return "runlevel", []string{"1"}, nil
	}
	if n, convErr := strconv.Atoi(arg); convErr == nil && n >= 0 && n <= 9 {
		return "runlevel", []string{strconv.Itoa(n)}, nil
	}
	return "", nil, finitErrors.New(finitErrors.KindConfig, "parse telinit arg", "unrecognised argument "+arg)
}

// SendCommand is the client half used by the telinit-compat CLI: it sends
// a single datagram to the control socket and waits for one reply. The
// client binds to a transient path of its own so the server has a return
// address to Sendto (unbound Unix datagram sockets have none).
func SendCommand(path, cmd string, args []string) (string, error) {
	if path == "" {
		path = SocketPath
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", finitErrors.Wrap(err, finitErrors.KindInternal, "client socket create")
	}
	defer unix.Close(fd)

	clientPath := fmt.Sprintf("/run/finit/reply.%d", os.Getpid())
	os.Remove(clientPath)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: clientPath}); err != nil {
		return "", finitErrors.Wrap(err, finitErrors.KindInternal, "client socket bind")
	}
	defer os.Remove(clientPath)

	to := &unix.SockaddrUnix{Name: path}
	line := cmd
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	line += "\n"

	if err := unix.Sendto(fd, []byte(line), 0, to); err != nil {
		return "", finitErrors.WrapDetail(err, finitErrors.KindTransient, "send command", path)
	}

	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return "", finitErrors.Wrap(err, finitErrors.KindTransient, "recv reply")
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}
