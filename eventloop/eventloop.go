// Package eventloop implements the single-threaded reactor that ties
// together file-descriptor readiness, signals, timers and deferred work
// items. All mutation in the system happens on this loop's
// thread; signals are translated into loop events via a buffered channel
// the loop drains rather than being handled directly in async-signal
// context.
package eventloop

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	finitErrors "finit-go/errors"
	"finit-go/logging"
)

// FDCallback is invoked when a registered fd becomes readable.
type FDCallback func()

// SignalHandler is invoked on the loop thread once a registered signal has
// been delivered through the loop's signal channel.
type SignalHandler func(sig unix.Signal)

// ChildExitHandler is invoked once per reaped child during the SIGCHLD
// drain.
type ChildExitHandler func(pid int, status unix.WaitStatus)

// workItem is a scheduled, cancellable callback.
type workItem struct {
	id       uint64
	deadline time.Time
	fn       func()
}

// Loop is the single-threaded reactor. It is not safe for concurrent use
// from multiple goroutines; every public method is expected to be called
// either before Run or from within a callback running on the loop thread.
type Loop struct {
	fds       map[int]FDCallback
	sigHandlers map[unix.Signal]SignalHandler
	onChildExit ChildExitHandler

	// sigCh carries signal numbers from the signal.Notify pump to the
	// loop, which drains it at the top of each iteration without running
	// handler logic in async-signal context.
	sigCh chan unix.Signal

	timers   map[uint64]*workItem
	nextID   uint64
	stopped  bool
	stopCh   chan struct{}
}

// New returns a Loop ready to have fds, signals and timers registered.
func New() *Loop {
	return &Loop{
		fds:         make(map[int]FDCallback),
		sigHandlers: make(map[unix.Signal]SignalHandler),
		sigCh:       make(chan unix.Signal, 64),
		timers:      make(map[uint64]*workItem),
		stopCh:      make(chan struct{}),
	}
}

// RegisterFD registers fd for readiness notification. The loop never
// closes fd; the component that opened it does.
func (l *Loop) RegisterFD(fd int, cb FDCallback) {
	l.fds[fd] = cb
}

// UnregisterFD removes fd from the poll set.
func (l *Loop) UnregisterFD(fd int) {
	delete(l.fds, fd)
}

// RegisterSignal arranges for sig to be delivered as a loop event calling
// handler. The caller's signal.Notify pump only forwards the signal number
// into sigCh through NotifySignal; handler logic runs here, on the loop
// thread.
func (l *Loop) RegisterSignal(sig unix.Signal, handler SignalHandler) {
	l.sigHandlers[sig] = handler
}

// NotifySignal is called by the goroutine pumping os/signal's channel; it
// is the only cross-thread communication in the system and exists solely to
// get a signal number onto the loop's own channel.
func (l *Loop) NotifySignal(sig unix.Signal) {
	select {
	case l.sigCh <- sig:
	default:
		logging.Warn("signal channel full, dropping", "signal", sig)
	}
}

// OnChildExit registers the callback invoked once per reaped child after a
// SIGCHLD drain.
func (l *Loop) OnChildExit(fn ChildExitHandler) {
	l.onChildExit = fn
}

// Schedule arranges for fn to run after delay has elapsed. Re-scheduling
// with the same id cancels any prior pending instance first, keeping a
// single in-flight instance per id.
func (l *Loop) Schedule(id uint64, delay time.Duration, fn func()) uint64 {
	l.Cancel(id)
	item := &workItem{id: id, deadline: time.Now().Add(delay), fn: fn}
	l.timers[id] = item
	return id
}

// NextID allocates a fresh work-item id for one-shot, uncoalesced timers.
func (l *Loop) NextID() uint64 {
	l.nextID++
	return l.nextID
}

// Cancel removes a pending work item before it fires. O(1); guarantees the
// item will not run.
func (l *Loop) Cancel(id uint64) {
	delete(l.timers, id)
}

// Stop requests the loop to return from Run after the current iteration.
func (l *Loop) Stop() {
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
}

// Run drains signals, fires ready timers and polls fds until Stop is
// called. Ordering within one iteration: signals (including SIGCHLD
// reaping) before fd callbacks, timers whose deadline has passed fire
// after fd work.
func (l *Loop) Run() error {
	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		l.drainSignals()

		timeout := l.nextTimeout()
		ready, err := l.poll(timeout)
		if err != nil {
			return finitErrors.Wrap(err, finitErrors.KindInternal, "poll")
		}
		for _, fd := range ready {
			if cb, ok := l.fds[fd]; ok {
				cb()
			}
		}

		l.fireDueTimers()
	}
}

// drainSignals processes every signal queued since the last iteration, in
// FIFO order. SIGCHLD gets a dedicated non-blocking reap loop; every other
// registered signal invokes its handler directly.
func (l *Loop) drainSignals() {
	for {
		select {
		case sig := <-l.sigCh:
			if sig == unix.SIGCHLD {
				l.reapChildren()
				continue
			}
			if h, ok := l.sigHandlers[sig]; ok {
				h(sig)
			}
		default:
			return
		}
	}
}

// reapChildren performs the tight non-blocking wait-any drain described in
//: keep calling Wait4 until no more children are immediately
// reapable, dispatching a (pid, status) event for each.
func (l *Loop) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if l.onChildExit != nil {
			l.onChildExit(pid, status)
		}
	}
}

// nextTimeout returns how long Run should block in poll: the delay until
// the earliest pending timer, or a bounded idle timeout if none are
// pending, so the loop still wakes periodically to drain signals.
func (l *Loop) nextTimeout() time.Duration {
	const idleTimeout = 1 * time.Second
	if len(l.timers) == 0 {
		return idleTimeout
	}
	earliest := time.Time{}
	for _, item := range l.timers {
		if earliest.IsZero() || item.deadline.Before(earliest) {
			earliest = item.deadline
		}
	}
	d := time.Until(earliest)
	if d < 0 {
		return 0
	}
	if d > idleTimeout {
		return idleTimeout
	}
	return d
}

// fireDueTimers runs every timer whose deadline has passed, in deadline
// order. Due items are collected from a map and sorted with sort.Slice,
// so the order among identical deadlines is not defined.
func (l *Loop) fireDueTimers() {
	now := time.Now()
	var due []*workItem
	for id, item := range l.timers {
		if !item.deadline.After(now) {
			due = append(due, item)
			delete(l.timers, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, item := range due {
		item.fn()
	}
}

// poll waits up to timeout for any registered fd to become readable,
// returning the readable fds. A non-positive fd set with a nonzero timeout
// still blocks for the requested duration, giving timers a chance to fire.
func (l *Loop) poll(timeout time.Duration) ([]int, error) {
	if len(l.fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(l.fds))
	order := make([]int, 0, len(l.fds))
	for fd := range l.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		order = append(order, fd)
	}

	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, order[i])
		}
	}
	return ready, nil
}
