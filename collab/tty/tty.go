// Package tty acquires the system console as process 1's controlling
// terminal and configures getty-owned terminals.
package tty

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	finitErrors "finit-go/errors"
)

// Winsize mirrors the kernel's struct winsize for TIOCGWINSZ/TIOCSWINSZ.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

// AcquireConsole opens path (typically /dev/console) and makes it this
// process's controlling terminal, stealing it from any other session per
//'s console-init step. It returns the open file so the caller can
// dup it onto stdin/stdout/stderr.
func AcquireConsole(path string) (*os.File, error) {
	if path == "" {
		path = "/dev/console"
	}
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, finitErrors.WrapDetail(err, finitErrors.KindFatalFS, "open console", path)
	}
	if err := SetControllingTerminal(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// SetControllingTerminal steals f as the controlling terminal even when the
// caller is not the session leader (arg 1 to TIOCSCTTY).
func SetControllingTerminal(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), syscall.TIOCSCTTY, 1)
	if errno != 0 {
		return finitErrors.Wrap(errno, finitErrors.KindFatalFS, "TIOCSCTTY")
	}
	return nil
}

// Redirect duplicates f onto stdin, stdout and stderr, the usual shape for
// handing a getty or a rescue shell its terminal.
func Redirect(f *os.File) error {
	fd := int(f.Fd())
	for _, std := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if err := unix.Dup2(fd, std); err != nil {
			return finitErrors.Wrap(err, finitErrors.KindFatalFS, "redirect console fd")
		}
	}
	return nil
}

// GetWinsize reads the terminal window size via TIOCGWINSZ.
func GetWinsize(f *os.File) (*Winsize, error) {
	var ws Winsize
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), syscall.TIOCGWINSZ, uintptr(unsafe.Pointer(&ws)))
	if errno != 0 {
		return nil, finitErrors.Wrap(errno, finitErrors.KindTransient, "TIOCGWINSZ")
	}
	return &ws, nil
}

// SetSID creates a new session with the calling process as leader, the
// first step before a getty can claim its own controlling terminal.
func SetSID() error {
	if _, err := unix.Setsid(); err != nil {
		if err == unix.EPERM {
			return nil // already a session/process group leader, not fatal
		}
		return finitErrors.Wrap(err, finitErrors.KindTransient, "setsid")
	}
	return nil
}

// PrepareGettyTTY opens the named tty device, detaches any prior
// controlling terminal from this process, and claims the new one.
func PrepareGettyTTY(device string) (*os.File, error) {
	path := device
	if path[0] != '/' {
		path = "/dev/" + path
	}
	if err := SetSID(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, finitErrors.WrapDetail(err, finitErrors.KindSpawn, "open tty", path)
	}
	if err := SetControllingTerminal(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// RawLine puts f into raw mode for the duration of a sulogin or rescue
// shell prompt, returning a restore function the caller defers.
func RawLine(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, finitErrors.Wrap(err, finitErrors.KindTransient, "set raw mode")
	}
	return func() { term.Restore(fd, old) }, nil
}

// Banner writes msg to path, ignoring failures beyond logging-worthy ones
// the caller should surface itself; used for the boot banner hook.
func Banner(path, msg string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	_, err = f.WriteString(msg)
	return err
}
