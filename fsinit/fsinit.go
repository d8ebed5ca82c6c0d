// Package fsinit performs early filesystem bring-up: mount checks, fstab
// parsing, fsck pass ordering and sulogin fallback.
package fsinit

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	finitErrors "finit-go/errors"
	"finit-go/logging"
)

// FstabEntry mirrors one line of a system fstab: device spec, mount point,
// filesystem type, options, dump flag and fsck pass number.
type FstabEntry struct {
	Device  string
	Mount   string
	FSType  string
	Options string
	Dump    int
	PassNo  int
}

// candidateFstabPaths are tried in order when the primary path is missing.
var candidateFstabPaths = []string{"/etc/fstab", "/etc/fstab.d/fstab"}

// Hooks lets the bootstrap driver observe named points in the bring-up
// sequence (ROOTFS_UP, MOUNT_ERROR, MOUNT_POST) without fsinit depending on
// the hook-dispatch package directly.
type Hooks struct {
	RootfsUp  func()
	MountErr  func(error)
	MountPost func()
}

// Sulogin is invoked on unrecoverable early-boot filesystem errors. The
// bootstrap driver supplies the real implementation (spawn sulogin(8),
// reboot on exit); tests supply a stub that records the call.
type Sulogin func(reason string)

// EarlyMount brings up /proc, /sys and /dev only, early
// enough that the kernel command line and console can be read before the
// rest of bring-up runs. BringUp repeats this step; both calls are
// idempotent since ensureMounted skips already-mounted targets.
func EarlyMount() {
	unix.Umask(0022)
	ensureMounted("/proc", "proc", "proc", "")
	ensureMounted("/sys", "sysfs", "sysfs", "")
	ensureMounted("/dev", "devtmpfs", "devtmpfs", "")
}

// BringUp runs the fixed sequence of and returns the parsed
// fstab entries (useful for swap enablement and status reporting).
func BringUp(fstabPath string, hooks Hooks, sulogin Sulogin) ([]FstabEntry, error) {
	EarlyMount()

	path := fstabPath
	if path == "" {
		path = candidateFstabPaths[0]
	}
	entries, err := ReadFstab(path)
	if err != nil {
		for _, alt := range candidateFstabPaths {
			entries, err = ReadFstab(alt)
			if err == nil {
				path = alt
				break
			}
		}
	}
	if err != nil {
		logging.Error("fstab not found, invoking sulogin", "error", err)
		sulogin("fstab missing")
		return nil, finitErrors.ErrFstabMissing
	}

	os.Setenv("FSTAB_FILE", path)

	rootOK := true
	for passno := 1; passno <= 9; passno++ {
		ok, stop := runFsckPass(entries, passno, sulogin)
		if !ok {
			rootOK = false
		}
		if stop {
			break
		}
	}

	if rootOK && rootNeedsRemount(entries) {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT, ""); err != nil && err != unix.EBUSY {
			logging.Warn("remount / rw failed", "error", err)
		}
	}

	if hooks.RootfsUp != nil {
		hooks.RootfsUp()
	}

	if err := mountAll(path); err != nil {
		logging.Warn("mount -a failed", "error", err)
		if hooks.MountErr != nil {
			hooks.MountErr(err)
		}
	}

	if hooks.MountPost != nil {
		hooks.MountPost()
	}

	for _, e := range entries {
		if e.FSType == "swap" {
			if err := exec.Command("swapon", resolveDevice(e.Device)).Run(); err != nil {
				logging.Warn("swapon failed", "device", e.Device, "error", err)
			}
		}
	}

	finalizeMounts()
	return entries, nil
}

// ReadFstab parses a system-standard fstab file.
func ReadFstab(path string) ([]FstabEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []FstabEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		e := FstabEntry{
			Device:  fields[0],
			Mount:   fields[1],
			FSType:  fields[2],
			Options: fields[3],
		}
		if len(fields) > 4 {
			e.Dump, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			e.PassNo, _ = strconv.Atoi(fields[5])
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// runFsckPass fscks every entry whose PassNo matches pass, in file order.
// Returns ok=false if any entry's fsck exits non-zero, and invokes sulogin
// if one is fatal (exit code > 1); stop=true tells the caller not to run
// further passes and is set whenever ok is false.
func runFsckPass(entries []FstabEntry, pass int, sulogin Sulogin) (ok bool, stop bool) {
	ok = true
	for _, e := range entries {
		if e.PassNo != pass {
			continue
		}
		dev := resolveDevice(e.Device)
		if dev == "" {
			logging.Warn("could not resolve device", "spec", e.Device)
			continue
		}
		if alreadyMountedRW(e.Mount) {
			continue
		}

		rc := runFsck(dev)
		if rc > 1 {
			logging.Error("fsck reported uncorrectable error, invoking sulogin", "device", dev, "rc", rc)
			sulogin(fmt.Sprintf("fsck(%s) = %d", dev, rc))
			return false, true
		}
		if rc != 0 {
			ok = false
		}
	}
	return ok, !ok
}

// runFsck invokes fsck -a on dev and returns its exit code.
func runFsck(dev string) int {
	cmd := exec.Command("fsck", "-a", dev)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 8 // unknown/internal error, treated as fatal
	}
	return 0
}

// resolveDevice resolves UUID=, LABEL= and the kernel short form
// /dev/root into a concrete device path.
func resolveDevice(spec string) string {
	switch {
	case strings.HasPrefix(spec, "UUID="):
		return resolveByLink("/dev/disk/by-uuid", strings.TrimPrefix(spec, "UUID="))
	case strings.HasPrefix(spec, "LABEL="):
		return resolveByLink("/dev/disk/by-label", strings.TrimPrefix(spec, "LABEL="))
	case spec == "/dev/root":
		return resolveRootDevice()
	default:
		return spec
	}
}

func resolveByLink(dir, key string) string {
	path := filepath.Join(dir, key)
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Clean(filepath.Join(dir, target))
}

// resolveRootDevice matches /sys/block/*/dev against the root device's
// major:minor, the kernel's indirection for /dev/root.
func resolveRootDevice() string {
	var st unix.Stat_t
	if err := unix.Stat("/", &st); err != nil {
		return ""
	}
	major := unix.Major(uint64(st.Dev))
	minor := unix.Minor(uint64(st.Dev))
	want := fmt.Sprintf("%d:%d", major, minor)

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return ""
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join("/sys/block", e.Name(), "dev"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == want {
			return filepath.Join("/dev", e.Name())
		}
	}
	return ""
}

// rootNeedsRemount reports whether fstab lists / without "ro" in options.
func rootNeedsRemount(entries []FstabEntry) bool {
	for _, e := range entries {
		if e.Mount == "/" {
			return !hasOption(e.Options, "ro")
		}
	}
	return false
}

func hasOption(options, want string) bool {
	for _, o := range strings.Split(options, ",") {
		if o == want {
			return true
		}
	}
	return false
}

// ensureMounted mounts source at target with fstype if not already mounted;
// EBUSY is treated as success.
func ensureMounted(target, source, fstype, data string) {
	if alreadyMountedRW(target) {
		return
	}
	if err := unix.Mount(source, target, fstype, 0, data); err != nil && err != unix.EBUSY {
		logging.Warn("mount failed", "target", target, "error", err)
	}
}

// alreadyMountedRW reports whether target appears as a mount point in
// /proc/mounts.
func alreadyMountedRW(target string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == target {
			return true
		}
	}
	return false
}

// mountAll runs the equivalent of `mount -na -T fstab` over non-pseudo
// fstab entries not already mounted.
func mountAll(fstabPath string) error {
	entries, err := ReadFstab(fstabPath)
	if err != nil {
		return err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].PassNo < entries[j].PassNo })

	var firstErr error
	for _, e := range entries {
		if e.Mount == "/" || e.Mount == "none" || e.FSType == "swap" {
			continue
		}
		if alreadyMountedRW(e.Mount) {
			continue
		}
		dev := resolveDevice(e.Device)
		if dev == "" {
			continue
		}
		if err := unix.Mount(dev, e.Mount, e.FSType, 0, e.Options); err != nil && err != unix.EBUSY {
			logging.Warn("mount failed", "mount", e.Mount, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// finalizeMounts mounts the fixed set of late filesystems, skipping any
// already mounted.
func finalizeMounts() {
	mountTmpfs("/dev/shm", "0777", "")
	mountDevpts()
	mountTmpfs("/run", "0755", "size=10%")
	mountTmpfs("/run/lock", "1777", "size=5m")
	mountTmpfs("/tmp", "1777", "")
}

func mountTmpfs(target, mode, extra string) {
	if alreadyMountedRW(target) {
		return
	}
	data := "mode=" + mode
	if extra != "" {
		data += "," + extra
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, data); err != nil && err != unix.EBUSY {
		logging.Warn("tmpfs mount failed", "target", target, "error", err)
	}
}

func mountDevpts() {
	const target = "/dev/pts"
	if alreadyMountedRW(target) {
		return
	}
	gid := ttyGroupGID()
	data := fmt.Sprintf("mode=0620,gid=%d,ptmxmode=0666", gid)
	if err := unix.Mount("devpts", target, "devpts", 0, data); err != nil && err != unix.EBUSY {
		logging.Warn("devpts mount failed", "error", err)
	}
}

// ttyGroupGID looks up the "tty" group from /etc/group; falls back to 5,
// the conventional tty gid, if the lookup fails.
func ttyGroupGID() int {
	data, err := os.ReadFile("/etc/group")
	if err != nil {
		return 5
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 3 && fields[0] == "tty" {
			if gid, err := strconv.Atoi(fields[2]); err == nil {
				return gid
			}
		}
	}
	return 5
}
