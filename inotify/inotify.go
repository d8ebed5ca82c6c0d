// Package inotify watches configuration files and directories for changes
// and surfaces them as named-path events. Unlike a
// self-contained watcher goroutine, this Watcher registers its single
// kernel fd directly on the event loop (eventloop.Loop) so that watch
// events are dispatched on the same thread as every other state mutation.
package inotify

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	finitErrors "finit-go/errors"
	"finit-go/logging"
)

// DefaultMask covers create, delete, move-from/to, modify and attrib; Add
// uses it when the caller doesn't supply a mask of its own.
const DefaultMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM |
	unix.IN_MOVED_TO | unix.IN_MODIFY | unix.IN_ATTRIB

var inotifyEventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// Event is a single filesystem change surfaced to the caller.
type Event struct {
	Path string
	Mask uint32
}

// entry owns its path exclusively; freed only when removed from the set.
type entry struct {
	wd   int
	path string
}

// Watcher owns a kernel inotify fd and the set of active watches. Add and
// Delete called before Init has succeeded fail with a KindInvalidState
// error; FindByWD and FindByPath then report not found, and Teardown
// returns nil.
type Watcher struct {
	fd        int
	byWD      map[int]*entry
	byPath    map[string]*entry
	onEvent   func(Event)
	initDone  bool
}

// New returns an uninitialized Watcher.
func New() *Watcher {
	return &Watcher{
		fd:     -1,
		byWD:   make(map[int]*entry),
		byPath: make(map[string]*entry),
	}
}

// Init opens the kernel inotify instance. The returned fd is the one the
// caller registers on the event loop; events are pumped via Poll, invoked
// from the loop's fd-readiness callback.
func (w *Watcher) Init(onEvent func(Event)) (int, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return -1, finitErrors.Wrap(err, finitErrors.KindInternal, "inotify init")
	}
	w.fd = fd
	w.onEvent = onEvent
	w.initDone = true
	return fd, nil
}

// Add watches path with mask, defaulting to DefaultMask when mask is 0. A
// no-op returning success when the path does not exist: the caller is
// expected to retry on a parent-directory create/move-to event.
func (w *Watcher) Add(path string, mask uint32) error {
	if !w.initDone {
		return finitErrors.New(finitErrors.KindInvalidState, "add", "watcher not initialized")
	}
	if mask == 0 {
		mask = DefaultMask
	}

	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return finitErrors.WrapDetail(err, finitErrors.KindTransient, "add watch", path)
	}

	e := &entry{wd: wd, path: path}
	w.byWD[wd] = e
	w.byPath[path] = e
	return nil
}

// Delete removes the watch for path, if any.
func (w *Watcher) Delete(path string) error {
	if !w.initDone {
		return finitErrors.New(finitErrors.KindInvalidState, "delete", "watcher not initialized")
	}
	e, ok := w.byPath[path]
	if !ok {
		return nil
	}
	if _, err := unix.InotifyRmWatch(w.fd, uint32(e.wd)); err != nil && err != unix.EINVAL {
		return finitErrors.WrapDetail(err, finitErrors.KindTransient, "remove watch", path)
	}
	delete(w.byWD, e.wd)
	delete(w.byPath, path)
	return nil
}

// FindByWD returns the path owning a watch descriptor, if any.
func (w *Watcher) FindByWD(wd int) (string, bool) {
	e, ok := w.byWD[wd]
	if !ok {
		return "", false
	}
	return e.path, true
}

// FindByPath reports whether path is currently watched.
func (w *Watcher) FindByPath(path string) bool {
	_, ok := w.byPath[path]
	return ok
}

// Poll is the fd-readiness callback the event loop invokes when the
// watcher's fd becomes readable: it drains and parses every pending
// inotify event, dispatching each to onEvent.
func (w *Watcher) Poll() {
	var buf [4096]byte
	for {
		n, err := unix.Read(w.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			logging.Warn("inotify read failed", "error", err)
			return
		}
		if n <= 0 {
			return
		}
		w.parse(buf[:n])
	}
}

func (w *Watcher) parse(buf []byte) {
	offset := 0
	for offset+inotifyEventSize <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventSize

		var name string
		if raw.Len > 0 {
			if offset+int(raw.Len) > len(buf) {
				return
			}
			name = strings.TrimRight(string(buf[offset:offset+int(raw.Len)]), "\x00")
			offset += int(raw.Len)
		}

		if raw.Mask&unix.IN_Q_OVERFLOW != 0 {
			logging.Warn("inotify event queue overflowed; some changes may be missed")
			continue
		}

		path, ok := w.FindByWD(int(raw.Wd))
		if !ok {
			continue
		}
		if name != "" {
			path = path + "/" + name
		}
		if w.onEvent != nil {
			w.onEvent(Event{Path: path, Mask: raw.Mask})
		}
	}
}

// Teardown removes every kernel watch and closes the fd.
func (w *Watcher) Teardown() error {
	if !w.initDone {
		return nil
	}
	for wd := range w.byWD {
		unix.InotifyRmWatch(w.fd, uint32(wd))
	}
	w.byWD = make(map[int]*entry)
	w.byPath = make(map[string]*entry)
	err := unix.Close(w.fd)
	w.fd = -1
	w.initDone = false
	if err != nil {
		return finitErrors.Wrap(err, finitErrors.KindInternal, "teardown")
	}
	return nil
}
