package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"finit-go/registry"
	"finit-go/sysstate"
)

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ConfigFile = filepath.Join(dir, "finit.conf")
	opts.ConfigIncludeDir = filepath.Join(dir, "finit.d")
	opts.HooksDir = filepath.Join(dir, "hooks")
	opts.PluginDir = filepath.Join(dir, "plugins")
	opts.ControlSocket = filepath.Join(dir, "ctl")
	opts.RcLocal = filepath.Join(dir, "rc.local")
	opts.Console = ""
	return opts
}

func TestRecordTimerOffsetStableAndDistinct(t *testing.T) {
	a := &registry.Record{Name: "sshd"}
	b := &registry.Record{Name: "sshd", Instance: "2"}

	if recordTimerOffset(a) != recordTimerOffset(a) {
		t.Error("offset should be stable across calls for the same record")
	}
	if recordTimerOffset(a) == recordTimerOffset(b) {
		t.Error("distinct records should usually hash to distinct offsets")
	}
}

func TestControlServiceStartStop(t *testing.T) {
	d := New(testOptions(t))
	rec := &registry.Record{
		Name:    "demo",
		Command: "/bin/true",
		Type:    registry.Task,
		Restart: registry.DefaultRestartPolicy(),
	}
	if _, err := d.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Stopping a never-started record is a no-op the state machine
	// resolves straight back to HALTED with StopRequested cleared.
	reply, err := d.controlService("stop", rec)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if reply == "" {
		t.Error("expected non-empty reply")
	}
	if rec.State != registry.Halted {
		t.Errorf("state = %v, want halted", rec.State)
	}

	if _, err := d.controlService("start", rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.StopRequested {
		t.Error("start should clear StopRequested")
	}
}

func TestHandleControlUnknownCommand(t *testing.T) {
	d := New(testOptions(t))
	if _, err := d.handleControl("frobnicate", nil); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestHandleControlStatus(t *testing.T) {
	d := New(testOptions(t))
	reply, err := d.handleControl("status", nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if reply == "" {
		t.Error("expected non-empty status reply")
	}
}

func TestHandleControlStopMissingService(t *testing.T) {
	d := New(testOptions(t))
	if _, err := d.handleControl("stop", []string{"nosuchservice"}); err == nil {
		t.Error("expected error for missing service")
	}
}

func TestRegisterBuiltinsSkipsMissingBinaries(t *testing.T) {
	d := New(testOptions(t))
	d.registerBuiltins()
	if _, ok := d.Registry.Find("watchdog", ""); ok {
		t.Error("watchdog should not register when /sbin/watchdogd is absent")
	}
}

func TestFinalizePrunesUnstartedBootstrapRecords(t *testing.T) {
	d := New(testOptions(t))
	rec := &registry.Record{
		Name:      "setup",
		Command:   "/bin/true",
		Type:      registry.Task,
		Bootstrap: true,
		Restart:   registry.DefaultRestartPolicy(),
	}
	if _, err := d.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	d.finalize()

	if _, ok := d.Registry.Find("setup", ""); ok {
		t.Error("unstarted bootstrap-only record should be pruned by finalize")
	}
	if d.State.Bootstrapping {
		t.Error("finalize should clear Bootstrapping")
	}
	if d.State.Progress {
		t.Error("finalize should clear Progress")
	}
}

func TestArmRespawnTimerReSteps(t *testing.T) {
	d := New(testOptions(t))
	rec := &registry.Record{
		Name:    "flappy",
		Command: "/bin/true",
		Type:    registry.Service,
		Mask:    sysstate.AllLevels,
		Restart: registry.RestartPolicy{
			MaxRestarts: 10, Window: time.Minute,
			BaseBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond,
			GracePeriod: time.Second,
		},
	}
	if _, err := d.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.State.Runlevel = 3
	rec.State = registry.Waiting

	d.armRespawnTimer(rec)
	go func() { _ = d.Loop.Run() }()
	defer d.Loop.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for rec.State == registry.Waiting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.State != registry.Running {
		t.Errorf("State = %v, want Running after the backoff-delayed respawn", rec.State)
	}
}

func TestReloadRemovesUntouchedTerminalRecord(t *testing.T) {
	d := New(testOptions(t))
	rec := &registry.Record{
		Name:    "old",
		Command: "/bin/true",
		Type:    registry.Task,
		State:   registry.Done,
		Restart: registry.DefaultRestartPolicy(),
	}
	if _, err := d.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}

	d.reload()

	if _, ok := d.Registry.Find("old", ""); ok {
		t.Error("a terminal record absent from the reparsed config should be removed on reload")
	}
}

func TestReloadStopsUntouchedActiveRecord(t *testing.T) {
	d := New(testOptions(t))
	rec := &registry.Record{
		Name:    "web",
		Command: "/bin/sleep",
		Args:    []string{"5"},
		Type:    registry.Service,
		Mask:    sysstate.AllLevels,
		Restart: registry.DefaultRestartPolicy(),
	}
	if _, err := d.Registry.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.State.Runlevel = 3
	d.Machine.Step(rec)
	if rec.State != registry.Running {
		t.Fatalf("precondition: State = %v", rec.State)
	}

	d.reload()

	if !rec.StopRequested {
		t.Error("an active record absent from the reparsed config should be requested to stop")
	}
	if rec.State != registry.Stopping {
		t.Errorf("State = %v, want Stopping", rec.State)
	}
}

func TestEnsureConfigWatchesIdempotent(t *testing.T) {
	opts := testOptions(t)
	if err := os.MkdirAll(opts.ConfigIncludeDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d := New(opts)
	d.ensureConfigWatches()
	if !d.watchesInstalled {
		t.Error("watchesInstalled should be true after first call")
	}
	d.ensureConfigWatches() // must not panic or double-install
}
