// Package sm implements the per-service supervision state machine:
// respawn, dependency and runlevel gating, driven by step/step-all.
package sm

import (
	"math/rand"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	finitErrors "finit-go/errors"
	"finit-go/condition"
	"finit-go/logging"
	"finit-go/registry"
	"finit-go/sysstate"
)

// Spawner places a freshly-started process into whatever collaborator
// resources its record names (cgroup placement). The bootstrap driver
// supplies the concrete implementation; tests supply a no-op.
type Spawner interface {
	PlaceProcess(cgroupName string, pid int) error
}

// Machine owns the registry, condition store and system state a step
// reconciles against, plus the process-launching primitives. It does not
// own the event loop; the caller (bootstrap driver) schedules calls to
// Step/StepAll from loop callbacks.
type Machine struct {
	Registry   *registry.Registry
	Conditions *condition.Store
	State      *sysstate.SystemState
	Spawner    Spawner

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New returns a Machine wired to the given collaborators.
func New(reg *registry.Registry, cond *condition.Store, state *sysstate.SystemState, spawner Spawner) *Machine {
	return &Machine{
		Registry:   reg,
		Conditions: cond,
		State:      state,
		Spawner:    spawner,
		now:        time.Now,
	}
}

// Step drives a single record through one transition: stop if it should
// stop, wait if a required condition is unmet, start if halted or waiting
// and conditions are satisfied, otherwise leave it alone.
func (m *Machine) Step(rec *registry.Record) {
	switch {
	case m.shouldStop(rec):
		m.requestStop(rec)
	case rec.State == registry.Running || rec.State == registry.Stopping:
		// Nothing to do here; exit is handled by HandleExit, stop
		// completion by the grace-period timer the driver schedules.
		return
	case !m.Conditions.Satisfied(rec.Conditions):
		if rec.State != registry.Waiting {
			rec.State = registry.Waiting
		}
	case rec.State == registry.Halted || rec.State == registry.Waiting:
		m.start(rec)
	}
}

// StepAll iterates every record whose type is in types (nil/empty means
// ANY) and steps each, in declaration order.
func (m *Machine) StepAll(types ...registry.Type) {
	pred := func(rec *registry.Record) bool {
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if rec.Type == t {
				return true
			}
		}
		return false
	}
	m.Registry.IterateByFilter(pred, m.Step)
}

// shouldStop reports whether rec should be driven toward HALTED: either an
// explicit stop request, or its runlevel mask no longer includes the
// current runlevel.
func (m *Machine) shouldStop(rec *registry.Record) bool {
	if rec.StopRequested {
		return true
	}
	if rec.Bootstrap {
		return false
	}
	if rec.State == registry.Halted || rec.State == registry.Done || rec.State == registry.Crashed {
		return false
	}
	return !rec.Mask.Contains(m.State.Runlevel)
}

// requestStop begins the two-phase stop: SIGTERM now, SIGKILL after the
// record's configured grace period. The actual SIGKILL timer is scheduled
// by the bootstrap driver, which observes State==Stopping and arms it; this
// keeps the state machine itself free of event-loop dependencies.
//
// A Sysv record has no supervised pid to signal: it runs its init script's
// "stop" verb synchronously instead and resolves straight to HALTED.
func (m *Machine) requestStop(rec *registry.Record) {
	if rec.Type == registry.Sysv {
		m.stopSysv(rec)
		return
	}
	if rec.PID == 0 {
		rec.State = registry.Halted
		rec.StopRequested = false
		m.assertStop(rec)
		return
	}
	if rec.State == registry.Stopping {
		return
	}
	rec.State = registry.Stopping
	if err := unix.Kill(rec.PID, unix.SIGTERM); err != nil {
		logging.Warn("signal failed", "service", rec.Name, "error", err)
	}
}

// start forks/execs rec's command line. On success it enters STARTING then
// RUNNING; on failure it is counted against the restart budget and may
// move straight to CRASHED.
func (m *Machine) start(rec *registry.Record) {
	rec.State = registry.Starting

	if rec.Type == registry.Sysv {
		m.startSysv(rec)
		return
	}

	cmd := exec.Command(rec.Command, rec.Args...)
	cmd.Dir = rec.Dir
	cmd.Env = buildEnv(rec, m.State)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		m.onSpawnFailure(rec, err)
		return
	}

	rec.State = registry.Running
	m.Registry.BindPID(rec, cmd.Process.Pid)
	m.assertStart(rec)

	if rec.CgroupName != "" && m.Spawner != nil {
		if err := m.Spawner.PlaceProcess(rec.CgroupName, cmd.Process.Pid); err != nil {
			logging.Warn("cgroup placement failed", "service", rec.Name, "error", err)
		}
	}

	// Prevent os/exec's Cmd from reaping on GC; the event loop's SIGCHLD
	// drain owns reaping. We intentionally never call cmd.Wait().
	_ = cmd
}

// startSysv runs rec's init script with a "start" argument, LSB/Debian
// /etc/init.d fashion, and treats its exit code as spawn success/failure.
// The script is expected to fork and return quickly, so it is run to
// completion here rather than tracked as a supervised pid.
func (m *Machine) startSysv(rec *registry.Record) {
	cmd := m.sysvCommand(rec, "start")
	if err := cmd.Run(); err != nil {
		m.onSpawnFailure(rec, err)
		return
	}
	rec.State = registry.Running
	m.assertStart(rec)
}

// stopSysv runs rec's init script with a "stop" argument and resolves the
// record to HALTED regardless of the script's exit code; a script that
// fails to stop its service cleanly still needs retrying from a clean
// HALTED state rather than wedging the record in STOPPING forever.
func (m *Machine) stopSysv(rec *registry.Record) {
	rec.State = registry.Stopping
	if err := m.sysvCommand(rec, "stop").Run(); err != nil {
		logging.Warn("sysv stop script failed", "service", rec.Name, "error", err)
	}
	rec.State = registry.Halted
	rec.StopRequested = false
	m.assertStop(rec)
}

func (m *Machine) sysvCommand(rec *registry.Record, verb string) *exec.Cmd {
	cmd := exec.Command(rec.Command, verb)
	cmd.Dir = rec.Dir
	cmd.Env = buildEnv(rec, m.State)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func (m *Machine) onSpawnFailure(rec *registry.Record, err error) {
	now := m.now()
	rec.recordRestart(now)
	logging.Warn("spawn failed", "service", rec.Name, "error", err)
	if rec.BudgetExhausted(now) {
		rec.State = registry.Crashed
		return
	}
	rec.State = registry.Waiting
}

// HandleExit applies the transition rules for a reaped (pid, status) event.
// It is invoked by the bootstrap driver from the event loop's
// ChildExitHandler after the registry has resolved pid to rec.
func (m *Machine) HandleExit(rec *registry.Record, status unix.WaitStatus) {
	now := m.now()
	rec.Exit = registry.ExitInfo{ObservedAt: now}
	if status.Signaled() {
		rec.Exit.Signaled = true
		rec.Exit.Signal = int(status.Signal())
	} else {
		rec.Exit.ExitCode = status.ExitStatus()
	}
	m.assertStop(rec)

	// Sysv is never reached here: its start/stop verbs run to completion
	// synchronously in startSysv/stopSysv rather than leaving a supervised
	// pid for the event loop to reap.
	switch rec.Type {
	case registry.Task, registry.Run:
		rec.State = registry.Done
	default: // registry.Service
		if rec.StopRequested || !rec.Mask.Contains(m.State.Runlevel) {
			rec.State = registry.Halted
			rec.StopRequested = false
			return
		}
		rec.recordRestart(now)
		if rec.BudgetExhausted(now) {
			rec.State = registry.Crashed
			return
		}
		rec.State = registry.Waiting
	}
}

// Backoff computes the respawn delay for a record's current attempt count:
// min(max_backoff, base * 2^attempts) with up to 20% jitter.
func Backoff(policy registry.RestartPolicy, attempt int) time.Duration {
	d := policy.BaseBackoff
	for i := 0; i < attempt && d < policy.MaxBackoff; i++ {
		d *= 2
	}
	if d > policy.MaxBackoff {
		d = policy.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// ServiceCompleted reports whether every run/bootstrap-tagged record has
// reached DONE or CRASHED.
func (m *Machine) ServiceCompleted() bool {
	completed := true
	m.Registry.IterateByFilter(func(rec *registry.Record) bool {
		return rec.Type == registry.Run || rec.Bootstrap
	}, func(rec *registry.Record) {
		if rec.State != registry.Done && rec.State != registry.Crashed {
			completed = false
		}
	})
	return completed
}

// Kill forcibly terminates a record past its grace period; invoked by the
// bootstrap driver's SIGKILL timer for records still Stopping.
func (m *Machine) Kill(rec *registry.Record) {
	if rec.State != registry.Stopping || rec.PID == 0 {
		return
	}
	if err := unix.Kill(rec.PID, unix.SIGKILL); err != nil {
		logging.Warn("sigkill failed", "service", rec.Name, "error", err)
	}
}

func (m *Machine) assertStart(rec *registry.Record) {
	for _, name := range rec.AssertOnStart {
		m.Conditions.Set(name)
	}
}

func (m *Machine) assertStop(rec *registry.Record) {
	for _, name := range rec.AssertOnStop {
		m.Conditions.Clear(name)
	}
}

// buildEnv composes the child environment: init's own environment (which
// carries PATH, SHELL and FSTAB_FILE) plus PWD when the record sets a
// working directory.
func buildEnv(rec *registry.Record, state *sysstate.SystemState) []string {
	env := os.Environ()
	if rec.Dir != "" {
		env = append(env, "PWD="+rec.Dir)
	}
	_ = state
	return env
}

// ErrAlreadyTerminal is the KindInvalidState error for a stop request
// against a record that is already terminal.
var ErrAlreadyTerminal = finitErrors.New(finitErrors.KindInvalidState, "stop", "record is already terminal")
