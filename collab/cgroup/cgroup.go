// Package cgroup places supervised processes into cgroup v2 control groups.
// It is a narrow external collaborator: the core invokes
// PlaceProcess by name and never reaches into cgroup internals itself.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	finitErrors "finit-go/errors"
)

const cgroupRoot = "/sys/fs/cgroup"

// validName matches a safe cgroup leaf directory name: no path separators,
// no leading dot.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager creates and places processes into named cgroups under a single
// "finit" parent.
type Manager struct {
	root string
}

// New returns a Manager rooted at /sys/fs/cgroup/finit.
func New() *Manager {
	return &Manager{root: filepath.Join(cgroupRoot, "finit")}
}

// ensure returns the full path for a named cgroup, creating it if absent.
func (m *Manager) ensure(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", finitErrors.WrapDetail(nil, finitErrors.KindConfig, "cgroup name", name)
	}
	path := filepath.Join(m.root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", finitErrors.WrapDetail(err, finitErrors.KindTransient, "create cgroup", name)
	}
	return path, nil
}

// PlaceProcess adds pid to the named cgroup, creating it on first use. It
// implements sm.Spawner.
func (m *Manager) PlaceProcess(name string, pid int) error {
	if name == "" {
		return nil
	}
	path, err := m.ensure(name)
	if err != nil {
		return err
	}
	procsPath := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return finitErrors.WrapDetail(err, finitErrors.KindTransient, "place process", name)
	}
	return nil
}

// Limits are the subset of cgroup v2 controller files finit's service
// records can set via key:value options (e.g. a future "cgroup.mem:256M"
// option token).
type Limits struct {
	MemoryMax string
	CPUMax    string
	PidsMax   string
}

// ApplyLimits writes the named cgroup's resource controller files.
func (m *Manager) ApplyLimits(name string, limits Limits) error {
	path, err := m.ensure(name)
	if err != nil {
		return err
	}
	writes := map[string]string{
		"memory.max": limits.MemoryMax,
		"cpu.max":    limits.CPUMax,
		"pids.max":   limits.PidsMax,
	}
	for file, value := range writes {
		if value == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0644); err != nil {
			return finitErrors.WrapDetail(err, finitErrors.KindTransient, fmt.Sprintf("set %s", file), name)
		}
	}
	return nil
}

// Destroy removes a named cgroup. The cgroup must be empty (no member
// processes) for the kernel to allow removal.
func (m *Manager) Destroy(name string) error {
	return os.Remove(filepath.Join(m.root, name))
}
