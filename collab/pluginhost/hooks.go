// Package pluginhost runs external hook scripts at the named points in the
// bootstrap sequence. It replaces the OCI
// JSON-over-stdin hook contract with a flat environment: finit's hooks are
// boot-time shell scripts, not container lifecycle callbacks, so the state
// they need (runlevel, hostname, the point's name) travels as env vars.
package pluginhost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"finit-go/logging"
)

// Point identifies a named point in the bootstrap sequence at which hook
// scripts may run.
type Point string

const (
	BasefsUp  Point = "basefs-up"
	RootfsUp  Point = "rootfs-up"
	MountErr  Point = "mount-error"
	MountPost Point = "mount-post"
	SvcUp     Point = "svc-up"
	SystemUp  Point = "system-up"
)

// defaultTimeout bounds any single hook script; a hung hook must not wedge
// bootstrap.
const defaultTimeout = 10 * time.Second

// Host runs every executable file found under dir/<point> for a given hook
// point, in lexical order, passing state as environment variables.
type Host struct {
	dir string
}

// New returns a Host rooted at dir (conventionally /etc/finit.d/hooks).
func New(dir string) *Host {
	if dir == "" {
		dir = "/etc/finit.d/hooks"
	}
	return &Host{dir: dir}
}

// Env carries the ambient state hook scripts may want; fields are
// flattened to FINIT_* environment variables.
type Env struct {
	Runlevel int
	Hostname string
	Detail   string // e.g. the error text for MountErr
}

// Run executes every hook script registered for point, stopping at the
// first one that returns a non-zero exit status. A missing directory is
// not an error: most points have no scripts registered.
func (h *Host) Run(point Point, env Env) error {
	dir := filepath.Join(h.dir, string(point))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hook dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := h.runOne(path, point, env); err != nil {
			logging.Warn("hook failed", "hook", path, "point", string(point), "error", err)
			return err
		}
	}
	return nil
}

func (h *Host) runOne(path string, point Point, env Env) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(),
		"FINIT_HOOK="+string(point),
		fmt.Sprintf("FINIT_RUNLEVEL=%d", env.Runlevel),
		"FINIT_HOSTNAME="+env.Hostname,
		"FINIT_DETAIL="+env.Detail,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
