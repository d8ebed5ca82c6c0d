// Package bootstrap is the component that sequences every other package
// into a running init: filesystem bring-up, configuration parsing, the
// supervision state machine, and the control channel.
package bootstrap

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"finit-go/collab/cgroup"
	"finit-go/collab/pluginhost"
	"finit-go/collab/tty"
	"finit-go/condition"
	"finit-go/config"
	"finit-go/control"
	finitErrors "finit-go/errors"
	"finit-go/eventloop"
	"finit-go/fsinit"
	"finit-go/inotify"
	"finit-go/logging"
	"finit-go/registry"
	"finit-go/sm"
	"finit-go/sysstate"
)

// Options configures a bootstrap run. Every path has a production default;
// tests override them to point at temporary fixtures.
type Options struct {
	FstabPath          string
	ConfigFile         string
	ConfigIncludeDir   string
	CmdlinePath        string
	Console            string
	HooksDir           string
	PluginDir          string
	ControlSocket      string
	RcLocal            string
	RebootAfterSulogin bool

	// bootstrapTick overrides the 100ms bootstrap_worker period; tests set
	// this to something small so polling converges quickly.
	bootstrapTick time.Duration
}

// DefaultOptions returns the production paths.
func DefaultOptions() Options {
	return Options{
		FstabPath:          "/etc/fstab",
		ConfigFile:         "/etc/finit.conf",
		ConfigIncludeDir:   "/etc/finit.d",
		CmdlinePath:        "/proc/cmdline",
		Console:            "/dev/console",
		HooksDir:           "/etc/finit.d/hooks",
		PluginDir:          "/etc/finit.d/plugins",
		ControlSocket:      control.SocketPath,
		RcLocal:            "/etc/rc.local",
		RebootAfterSulogin: true,
		bootstrapTick:      100 * time.Millisecond,
	}
}

// Driver owns every collaborator and the timer ids it schedules work items
// under. New builds the one SystemState and hands it, with the registry
// and condition store, to the components that need them.
type Driver struct {
	opts Options

	State      *sysstate.SystemState
	Registry   *registry.Registry
	Conditions *condition.Store
	Loop       *eventloop.Loop
	Watcher    *inotify.Watcher
	Machine    *sm.Machine
	Cgroup     *cgroup.Manager
	Hooks      *pluginhost.Host
	Control    *control.Server

	bootstrapCounter int
	watchesInstalled bool
}

// Work item ids; a fixed small set since Schedule coalesces re-scheduling
// under the same id.
const (
	idBootstrapWorker uint64 = 1
	idKillGrace       uint64 = 1000 // base; per-record ids offset from here
	idRespawn         uint64 = 2000 // base; per-record ids offset from here
)

// New constructs a Driver with every collaborator wired but does not start
// bring-up; call Run to execute the full sequence.
func New(opts Options) *Driver {
	if opts.bootstrapTick == 0 {
		opts.bootstrapTick = 100 * time.Millisecond
	}
	state := sysstate.New()
	reg := registry.New()
	cond := condition.NewStore()
	loop := eventloop.New()
	cg := cgroup.New()

	d := &Driver{
		opts:       opts,
		State:      state,
		Registry:   reg,
		Conditions: cond,
		Loop:       loop,
		Watcher:    inotify.New(),
		Machine:    sm.New(reg, cond, state, cg),
		Cgroup:     cg,
		Hooks:      pluginhost.New(opts.HooksDir),
	}

	// Any condition change re-steps every service, since a required
	// condition may have just flipped.
	cond.OnChange(func(string) { d.Machine.StepAll() })

	return d
}

// Run executes the fixed bootstrap sequence and then hands
// steady-state control to the event loop. It returns only once Loop.Stop
// has been called (normally never, in production pid 1).
func (d *Driver) Run() error {
	fsinit.EarlyMount()
	parseCmdline(d.opts.CmdlinePath, d.State)
	if d.State.Debug {
		logging.SetDefault(logging.NewLogger(logging.Config{Level: logging.ParseLevel("debug"), Format: "text", Output: os.Stderr}))
	}

	console, err := tty.AcquireConsole(d.opts.Console)
	if err != nil {
		logging.Warn("console acquire failed, continuing without one", "error", err)
	} else {
		tty.Redirect(console)
	}

	d.banner()

	if d.State.Rescue {
		d.sulogin("rescue requested on kernel command line")
	}

	if _, err := pluginhost.LoadAll(d.opts.PluginDir); err != nil {
		logging.Warn("plugin load failed", "error", err)
	}

	signal.Ignore(unix.SIGPIPE, unix.SIGTTIN, unix.SIGTTOU)

	if _, err := fsinit.BringUp(d.opts.FstabPath, fsinit.Hooks{
		RootfsUp:  func() { d.Hooks.Run(pluginhost.RootfsUp, d.hookEnv("")) },
		MountErr:  func(err error) { d.Hooks.Run(pluginhost.MountErr, d.hookEnv(err.Error())) },
		MountPost: func() { d.Hooks.Run(pluginhost.MountPost, d.hookEnv("")) },
	}, d.sulogin); err != nil {
		logging.Error("filesystem bring-up failed", "error", err)
	}

	d.registerBuiltins()

	if err := config.ParseAll(d.opts.ConfigFile, d.opts.ConfigIncludeDir, d.configCtx()); err != nil {
		logging.Warn("config parse failed", "error", err)
	}

	d.setupSignals()

	d.Hooks.Run(pluginhost.BasefsUp, d.hookEnv(""))

	srv, err := control.Listen(d.opts.ControlSocket, d.handleControl)
	if err != nil {
		logging.Error("control socket setup failed", "error", err)
	} else {
		d.Control = srv
		d.Loop.RegisterFD(srv.FD(), srv.Poll)
	}

	if fd, err := d.Watcher.Init(d.onConfigEvent); err != nil {
		logging.Warn("inotify init failed", "error", err)
	} else {
		d.Loop.RegisterFD(fd, d.Watcher.Poll)
	}

	d.Loop.OnChildExit(d.onChildExit)

	d.crankWorker()
	d.bootstrapCounter = int(d.State.BootstrapTimeout / d.opts.bootstrapTick)
	d.Loop.Schedule(idBootstrapWorker, d.opts.bootstrapTick, d.bootstrapWorker)

	return d.Loop.Run()
}

// banner writes a short boot message to the console; failures are not
// fatal (no console is not fatal to booting).
func (d *Driver) banner() {
	if d.opts.Console == "" {
		return
	}
	tty.Banner(d.opts.Console, "finit-go booting\n")
}

// hookEnv builds the environment pluginhost hands to boot hook scripts.
func (d *Driver) hookEnv(detail string) pluginhost.Env {
	return pluginhost.Env{Runlevel: d.State.Runlevel, Hostname: d.State.Hostname, Detail: detail}
}

// configCtx builds the parse context shared by the initial parse and every
// reload.
func (d *Driver) configCtx() *config.Context {
	return &config.Context{
		State:      d.State,
		Registry:   d.Registry,
		Conditions: d.Conditions,
		Fsck: func(dev string) error {
			logging.Info("legacy check directive", "device", dev)
			return nil
		},
	}
}

// registerBuiltins registers the watchdog and kevent system services,
// skipping either whose binary is not present so a minimal system without
// them still boots cleanly.
func (d *Driver) registerBuiltins() {
	builtins := []struct {
		name string
		path string
	}{
		{"watchdog", "/sbin/watchdogd"},
		{"kevent", "/sbin/kevent"},
	}
	for _, b := range builtins {
		if _, err := exec.LookPath(b.path); err != nil {
			continue
		}
		rec := &registry.Record{
			Name:    b.name,
			Command: b.path,
			Type:    registry.Service,
			Mask:    sysstate.AllLevels &^ sysstate.Bit(sysstate.LevelHalt) &^ sysstate.Bit(sysstate.LevelReboot),
			Restart: registry.DefaultRestartPolicy(),
		}
		if _, err := d.Registry.Register(rec); err != nil {
			logging.Warn("builtin service registration failed", "name", b.name, "error", err)
		}
	}
}

// setupSignals installs the real signal handlers: a pumping goroutine
// forwards os/signal notifications onto the loop's self-pipe, where the
// registered handlers run.
func (d *Driver) setupSignals() {
	watched := []os.Signal{unix.SIGCHLD, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2}
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, watched...)
	go func() {
		for sig := range ch {
			if s, ok := sig.(unix.Signal); ok {
				d.Loop.NotifySignal(s)
			}
		}
	}()

	d.Loop.RegisterSignal(unix.SIGTERM, func(unix.Signal) { d.enterRunlevel(sysstate.LevelReboot) })
	d.Loop.RegisterSignal(unix.SIGINT, func(unix.Signal) { d.enterRunlevel(sysstate.LevelReboot) })
	d.Loop.RegisterSignal(unix.SIGHUP, func(unix.Signal) { d.reload() })
	d.Loop.RegisterSignal(unix.SIGUSR1, func(unix.Signal) { d.enterRunlevel(sysstate.LevelHalt) })
	d.Loop.RegisterSignal(unix.SIGUSR2, func(unix.Signal) { d.enterRunlevel(sysstate.LevelReboot) })
}

// onChildExit resolves a reaped pid to its record, applies the exit
// transition, and arms whatever follow-up timer the resulting state needs:
// a SIGKILL grace period for STOPPING, a backoff-delayed respawn for
// WAITING. Neither HandleExit nor Step on its own drives a record back to
// RUNNING after an exit, so this is the one place that reconnects an exit
// event to the next step.
func (d *Driver) onChildExit(pid int, status unix.WaitStatus) {
	rec, ok := d.Registry.MarkExited(pid)
	if !ok {
		return
	}
	d.Machine.HandleExit(rec, status)
	switch rec.State {
	case registry.Stopping:
		d.armKillTimer(rec)
	case registry.Waiting:
		d.armRespawnTimer(rec)
	}
}

// armKillTimer schedules the SIGKILL grace-period timeout for a record
// that just entered STOPPING. The
// state machine deliberately has no event-loop dependency, so the driver
// is what arms this timer.
func (d *Driver) armKillTimer(rec *registry.Record) {
	grace := rec.Restart.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	id := idKillGrace + uint64(recordTimerOffset(rec))
	d.Loop.Schedule(id, grace, func() {
		if rec.State == registry.Stopping {
			d.Machine.Kill(rec)
		}
	})
}

// armRespawnTimer schedules the backoff-delayed respawn of a record that
// just crashed or exited into WAITING. It re-invokes Step rather than
// starting the record directly, so a runlevel change or stop request
// raised while the timer is pending still takes precedence.
func (d *Driver) armRespawnTimer(rec *registry.Record) {
	delay := sm.Backoff(rec.Restart, rec.Attempts())
	id := idRespawn + uint64(recordTimerOffset(rec))
	d.Loop.Schedule(id, delay, func() {
		if rec.State == registry.Waiting {
			d.Machine.Step(rec)
		}
	})
}

// recordTimerOffset derives a stable, small per-record timer id component
// from the record's registry key so repeated kill or respawn timers for
// the same record coalesce onto a single scheduled instance instead of
// leaking new ids.
func recordTimerOffset(rec *registry.Record) uint64 {
	var h uint64
	for _, c := range rec.Key() {
		h = h*131 + uint64(c)
	}
	return h % 1_000_000
}

// onConfigEvent re-parses configuration when inotify reports a change to a
// watched file.
func (d *Driver) onConfigEvent(ev inotify.Event) {
	logging.Info("config change detected", "path", ev.Path)
	d.reload()
}

// reload re-parses configuration, steps every service so changes take
// effect, then diffs the fresh set of records against the registry: a
// record no longer present in configuration is stopped if still active,
// or removed outright once its state is terminal.
func (d *Driver) reload() {
	d.Registry.MarkAllUntouched()
	if err := config.ParseAll(d.opts.ConfigFile, d.opts.ConfigIncludeDir, d.configCtx()); err != nil {
		logging.Warn("reload parse failed", "error", err)
	}
	d.Machine.StepAll()
	d.pruneRemoved()
}

// pruneRemoved tears down and deletes every record the last parse did not
// touch. Copying the registry's slice first is required since Remove
// mutates it in place, which would otherwise corrupt this very iteration.
func (d *Driver) pruneRemoved() {
	records := append([]*registry.Record(nil), d.Registry.All()...)
	for _, rec := range records {
		if rec.Touched() {
			continue
		}
		if isTerminal(rec.State) {
			d.Registry.Remove(rec)
			continue
		}
		rec.StopRequested = true
		d.Machine.Step(rec)
	}
}

func isTerminal(s registry.State) bool {
	return s == registry.Halted || s == registry.Done || s == registry.Crashed
}

// crankWorker initializes the state machine's view of the world with a
// single step pass over every registered record.
func (d *Driver) crankWorker() {
	d.Machine.StepAll()
}

// bootstrapWorker runs every opts.bootstrapTick (100ms in production) until
// every bootstrap-tagged service has completed or the timeout elapses.
func (d *Driver) bootstrapWorker() {
	d.ensureConfigWatches()
	if err := config.ParseAll(d.opts.ConfigFile, d.opts.ConfigIncludeDir, d.configCtx()); err != nil {
		logging.Warn("bootstrap service-init failed", "error", err)
	}
	d.Machine.StepAll()

	d.bootstrapCounter--
	if !d.Machine.ServiceCompleted() && d.bootstrapCounter > 0 {
		d.Loop.Schedule(idBootstrapWorker, d.opts.bootstrapTick, d.bootstrapWorker)
		return
	}

	if d.bootstrapCounter <= 0 {
		logging.Warn("bootstrap timeout elapsed with services still pending")
	}

	d.Loop.Schedule(d.Loop.NextID(), 10*time.Millisecond, d.finalize)

	if d.State.RcSD != "" && !d.State.Rescue {
		d.runParts(d.State.RcSD)
	}
	d.enterRunlevel(d.State.EffectiveLevel())
}

// ensureConfigWatches installs inotify watches on the main config file and
// include directory; Add is a no-op if the path does not yet exist, so
// this is safe to call on every tick.
func (d *Driver) ensureConfigWatches() {
	if d.watchesInstalled {
		return
	}
	if err := d.Watcher.Add(d.opts.ConfigFile, inotify.DefaultMask); err != nil {
		logging.Warn("watch config file failed", "error", err)
	}
	if err := d.Watcher.Add(d.opts.ConfigIncludeDir, inotify.DefaultMask); err != nil {
		logging.Warn("watch config dir failed", "error", err)
	}
	d.watchesInstalled = true
}

// runParts executes every executable file in dir, in lexical order, the
// `runparts DIR` directive's behavior.
func (d *Driver) runParts(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("runparts dir unreadable", "dir", dir, "error", err)
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := exec.Command(path).Run(); err != nil {
			logging.Warn("runparts script failed", "path", path, "error", err)
		}
	}
}

// finalize completes bootstrap: prunes never-started
// bootstrap-only records, runs the SVC_UP and SYSTEM_UP hooks, runs
// /etc/rc.local, and brings up respawn-type services (TTYs included).
func (d *Driver) finalize() {
	removed := d.Registry.PruneBootstrap()
	if removed > 0 {
		logging.Info("pruned unstarted bootstrap services", "count", removed)
	}

	d.Hooks.Run(pluginhost.SvcUp, d.hookEnv(""))
	d.Machine.StepAll()

	if !d.State.Rescue {
		if info, err := os.Stat(d.opts.RcLocal); err == nil && info.Mode()&0111 != 0 {
			if err := exec.Command(d.opts.RcLocal).Run(); err != nil {
				logging.Warn("rc.local failed", "error", err)
			}
		}
	}

	d.Hooks.Run(pluginhost.SystemUp, d.hookEnv(""))
	d.State.Progress = false
	d.State.Bootstrapping = false
	d.Machine.StepAll(registry.Service)
}

// enterRunlevel transitions to a new runlevel, invoking the shutdown
// collaborator for 0/6 and stepping every service so masks are
// re-evaluated against the new level.
func (d *Driver) enterRunlevel(to int) {
	if err := sysstate.ValidateRunlevel(to); err != nil {
		logging.Warn("rejected runlevel transition", "to", to, "error", err)
		return
	}
	d.State.Transition(to)
	d.Machine.StepAll()

	if to == sysstate.LevelHalt || to == sysstate.LevelReboot {
		d.shutdown(to)
	}
}

// shutdown runs the configured shutdown script and then halts or reboots
// the kernel directly.
func (d *Driver) shutdown(to int) {
	if d.State.SDown != "" {
		if err := exec.Command("/bin/sh", "-c", d.State.SDown).Run(); err != nil {
			logging.Warn("shutdown script failed", "error", err)
		}
	}
	if to == sysstate.LevelReboot {
		d.reboot()
	} else {
		unix.Sync()
		unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	}
}

// reboot syncs and reboots the kernel; used both by the normal shutdown
// path and after a sulogin session invoked for a fatal filesystem error.
func (d *Driver) reboot() {
	unix.Sync()
	unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

// handleControl dispatches one command received on the control socket.
// It is the Handler passed to control.Listen.
func (d *Driver) handleControl(cmd string, args []string) (string, error) {
	switch cmd {
	case "runlevel":
		if len(args) == 0 {
			return fmt.Sprintf("runlevel=%d", d.State.Runlevel), nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || sysstate.ValidateRunlevel(n) != nil {
			return "", finitErrors.ErrInvalidRunlevel
		}
		d.enterRunlevel(n)
		return fmt.Sprintf("runlevel=%d", n), nil

	case "reload":
		d.reload()
		return "reloaded", nil

	case "status":
		return fmt.Sprintf("runlevel=%d services=%d", d.State.Runlevel, d.Registry.Len()), nil

	case "start", "stop", "restart":
		if len(args) == 0 {
			return "", finitErrors.ErrServiceNotFound
		}
		rec, ok := d.Registry.Find(args[0], "")
		if !ok {
			return "", finitErrors.ErrServiceNotFound
		}
		return d.controlService(cmd, rec)

	case "poweroff":
		d.enterRunlevel(sysstate.LevelHalt)
		return "poweroff", nil
	case "reboot":
		d.enterRunlevel(sysstate.LevelReboot)
		return "reboot", nil
	case "halt":
		d.enterRunlevel(sysstate.LevelHalt)
		return "halt", nil
	}
	return "", finitErrors.ErrUnknownCommand
}

func (d *Driver) controlService(cmd string, rec *registry.Record) (string, error) {
	switch cmd {
	case "start":
		rec.StopRequested = false
		d.Machine.Step(rec)
	case "stop":
		rec.StopRequested = true
		d.Machine.Step(rec)
	case "restart":
		rec.StopRequested = true
		d.Machine.Step(rec)
		rec.StopRequested = false
	}
	return rec.Name + " " + rec.State.String(), nil
}
