// Package config parses the declarative configuration file into registry
// registrations and system-state scalars. Directive dispatch is
// a table of (prefix, handler) entries rather than macros or a switch, so
// new directives are a one-line addition.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"finit-go/condition"
	"finit-go/logging"
	"finit-go/registry"
	"finit-go/sysstate"
)

// Directive is one recognised configuration line handler.
type Directive struct {
	// Prefix is the leading token, e.g. "service", "runlevel".
	Prefix string
	// Handle receives the remainder of the line after the prefix and
	// whitespace, and the parse context to mutate.
	Handle func(ctx *Context, arg string) error
}

// Context bundles everything a directive handler may mutate or consult.
type Context struct {
	State      *sysstate.SystemState
	Registry   *registry.Registry
	Conditions *condition.Store
	// Fsck, when set, is invoked by the legacy `check DEV` directive.
	Fsck func(dev string) error
}

// table is the ordered list of recognised directives. Order does not affect
// semantics (each prefix is unique) but groups related directives together
// for readability.
var table = []Directive{
	{"check", handleCheck},
	{"user", handleUser},
	{"host", handleHost},
	{"module", handleModule},
	{"mknod", handleMknod},
	{"network", handleNetwork},
	{"runparts", handleRunparts},
	{"startx", handleStartx},
	{"shutdown", handleShutdown},
	{"runlevel", handleRunlevel},
	{"service", handleService},
	{"task", handleTask},
	{"run", handleRun},
	{"sysv", handleSysv},
	{"console", handleConsole},
	{"tty", handleTTY},
}

var dispatch map[string]func(ctx *Context, arg string) error

func init() {
	dispatch = make(map[string]func(ctx *Context, arg string) error, len(table))
	for _, d := range table {
		dispatch[d.Prefix] = d.Handle
	}
}

// ParseFile reads one configuration file and applies its directives to ctx.
// A missing file is not fatal: defaults apply and ParseFile returns nil.
func ParseFile(path string, ctx *Context) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn("config file not found, defaults apply", "path", path)
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		if err := applyLine(ctx, line); err != nil {
			logging.Warn("config directive failed", "path", path, "line", lineNo, "error", err)
		}
	}
	return scanner.Err()
}

// ParseAll reads the main configuration file and every *.conf file in the
// include directory, in lexical filename order, after the main file.
func ParseAll(mainFile, includeDir string, ctx *Context) error {
	if err := ParseFile(mainFile, ctx); err != nil {
		return err
	}
	if includeDir == "" {
		return nil
	}

	entries, err := os.ReadDir(includeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ParseFile(filepath.Join(includeDir, name), ctx); err != nil {
			logging.Warn("include file failed", "path", name, "error", err)
		}
	}
	return nil
}

// stripComment strips leading blanks and everything from the first '#'
// onward
func stripComment(line string) string {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimRight(line, " \t\r\n")
}

// applyLine splits off the leading directive token and dispatches it.
func applyLine(ctx *Context, line string) error {
	prefix, arg, _ := strings.Cut(line, " ")
	prefix = strings.TrimSpace(prefix)
	arg = strings.TrimSpace(arg)

	handler, ok := dispatch[prefix]
	if !ok {
		logging.Warn("unknown directive, ignored", "directive", prefix)
		return nil
	}
	return handler(ctx, arg)
}

func handleCheck(ctx *Context, arg string) error {
	if ctx.Fsck == nil || arg == "" {
		return nil
	}
	return ctx.Fsck(arg)
}

func handleUser(ctx *Context, arg string) error {
	ctx.State.User = arg
	return nil
}

func handleHost(ctx *Context, arg string) error {
	ctx.State.Hostname = arg
	return nil
}

func handleModule(ctx *Context, arg string) error {
	// Module loading is a collaborator concern (plugin/kernel module
	// loading); recorded here as a registered one-shot task so the state
	// machine drives it through the normal bootstrap sequence.
	_, err := registerSpec(ctx, registry.Task, "modprobe "+arg, true)
	return err
}

func handleMknod(ctx *Context, arg string) error {
	_, err := registerSpec(ctx, registry.Task, "mknod "+arg, true)
	return err
}

func handleNetwork(ctx *Context, arg string) error {
	ctx.State.Network = arg
	if arg == "" {
		return nil
	}
	_, err := registerSpec(ctx, registry.Run, arg, true)
	return err
}

func handleRunparts(ctx *Context, arg string) error {
	ctx.State.RcSD = arg
	return nil
}

func handleStartx(ctx *Context, arg string) error {
	ps, err := registry.ParseSpec(arg)
	if err != nil {
		return err
	}
	rec := &registry.Record{
		Name:    "startx",
		Command: ps.Command,
		Args:    ps.Args,
		Type:    registry.Service,
		User:    ctx.State.User,
		Restart: registry.DefaultRestartPolicy(),
		Mask:    sysstate.AllLevels,
	}
	_, regErr := ctx.Registry.Register(rec)
	return regErr
}

func handleShutdown(ctx *Context, arg string) error {
	ctx.State.SDown = arg
	return nil
}

func handleRunlevel(ctx *Context, arg string) error {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		ctx.State.SetCfgLevel(sysstate.DefaultCfgLevel)
		return nil
	}
	ctx.State.SetCfgLevel(n)
	return nil
}

func handleService(ctx *Context, arg string) error {
	return registerFromSpec(ctx, registry.Service, arg, false)
}

func handleTask(ctx *Context, arg string) error {
	return registerFromSpec(ctx, registry.Task, arg, false)
}

func handleRun(ctx *Context, arg string) error {
	return registerFromSpec(ctx, registry.Run, arg, false)
}

// handleSysv registers a script-style record dispatched with start/stop
// verbs LSB/Debian fashion: `sysv NAME` resolves to /etc/init.d/NAME, with
// the same optional runlevel mask, condition list and options as service.
func handleSysv(ctx *Context, arg string) error {
	ps, err := registry.ParseSpec(arg)
	if err != nil {
		return err
	}

	rec := &registry.Record{
		Command:    "/etc/init.d/" + ps.Command,
		Type:       registry.Sysv,
		Conditions: ps.Conditions,
		CgroupName: ps.CgroupName,
		Restart:    registry.DefaultRestartPolicy(),
		Name:       ps.Options["name"],
		PidFile:    ps.Options["pid"],
		User:       ps.Options["user"],
		Dir:        ps.Options["dir"],
	}
	if rec.Name == "" {
		rec.Name = ps.Command
	}
	if ps.HasMask {
		rec.Mask = ps.Mask
	} else {
		rec.Mask = sysstate.AllLevels
	}

	_, regErr := ctx.Registry.Register(rec)
	return regErr
}

func handleConsole(ctx *Context, arg string) error {
	ctx.State.Console = arg
	return nil
}

func handleTTY(ctx *Context, arg string) error {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return nil
	}
	baud := "115200"
	if len(fields) > 1 {
		baud = fields[1]
	}
	rec := &registry.Record{
		Name:    "tty-" + filepath.Base(fields[0]),
		Command: "/sbin/getty",
		Args:    []string{baud, fields[0]},
		Type:    registry.Service,
		Restart: registry.DefaultRestartPolicy(),
		Mask:    sysstate.AllLevels &^ sysstate.Bit(sysstate.LevelRescue),
	}
	_, err := ctx.Registry.Register(rec)
	return err
}

// registerFromSpec tokenizes arg as a full registration spec string (mask,
// conditions, options, cgroup, command) and registers it.
func registerFromSpec(ctx *Context, t registry.Type, arg string, bootstrap bool) error {
	ps, err := registry.ParseSpec(arg)
	if err != nil {
		return err
	}

	rec := &registry.Record{
		Command:       ps.Command,
		Args:          ps.Args,
		Type:          t,
		Conditions:    ps.Conditions,
		CgroupName:    ps.CgroupName,
		Restart:       registry.DefaultRestartPolicy(),
		Name:          ps.Options["name"],
		PidFile:       ps.Options["pid"],
		User:          ps.Options["user"],
		Dir:           ps.Options["dir"],
	}
	if rec.Name == "" {
		rec.Name = filepath.Base(ps.Command)
	}
	if ps.HasMask {
		rec.Mask = ps.Mask
	} else {
		rec.Mask = sysstate.AllLevels
	}
	if !ps.HasMask && bootstrap {
		rec.Mask = 0
		rec.Bootstrap = true
	}
	if ps.HasMask && ps.Mask == 0 {
		// "[S]": declared only for the bootstrap level.
		rec.Bootstrap = true
	}

	_, regErr := ctx.Registry.Register(rec)
	return regErr
}

// registerSpec is a convenience for directives that synthesize their own
// spec string (module/mknod) rather than taking one verbatim from config.
func registerSpec(ctx *Context, t registry.Type, spec string, bootstrap bool) (*registry.Record, error) {
	ps, err := registry.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	rec := &registry.Record{
		Name:      filepath.Base(ps.Command),
		Command:   ps.Command,
		Args:      ps.Args,
		Type:      t,
		Bootstrap: bootstrap,
		Restart:   registry.DefaultRestartPolicy(),
	}
	return ctx.Registry.Register(rec)
}
