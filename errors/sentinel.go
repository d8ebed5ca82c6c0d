// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Service lifecycle errors.
var (
	// ErrServiceNotFound indicates the named service/instance does not exist.
	ErrServiceNotFound = &Error{Kind: KindNotFound, Detail: "service not found"}

	// ErrServiceExists indicates a service with the same (name, instance) is already registered.
	ErrServiceExists = &Error{Kind: KindAlreadyExists, Detail: "service already registered"}

	// ErrServiceNotRunning indicates the service is not in the RUNNING state.
	ErrServiceNotRunning = &Error{Kind: KindInvalidState, Detail: "service is not running"}

	// ErrServiceCrashed indicates the service has exhausted its restart budget.
	ErrServiceCrashed = &Error{Kind: KindRespawnExhausted, Detail: "service restart budget exhausted"}

	// ErrEmptySpec indicates a registration spec had no command line.
	ErrEmptySpec = &Error{Kind: KindConfig, Detail: "service spec is empty"}

	// ErrMalformedSpec indicates a registration spec failed to tokenize.
	ErrMalformedSpec = &Error{Kind: KindConfig, Detail: "malformed service spec"}
)

// Configuration and validation errors.
var (
	// ErrInvalidRunlevel indicates a runlevel integer outside 0..9.
	ErrInvalidRunlevel = &Error{Kind: KindConfig, Detail: "invalid runlevel"}

	// ErrConditionUnknown indicates a condition name was never set or cleared.
	ErrConditionUnknown = &Error{Kind: KindNotFound, Detail: "condition unknown"}

	// ErrConfigMissing indicates the configuration file does not exist (not fatal; defaults apply).
	ErrConfigMissing = &Error{Kind: KindConfig, Detail: "configuration file not found"}
)

// Filesystem bring-up errors.
var (
	// ErrFstabMissing indicates fstab could not be found at any candidate path.
	ErrFstabMissing = &Error{Kind: KindFatalFS, Detail: "fstab not found"}

	// ErrFsckFatal indicates fsck returned an exit code greater than 1.
	ErrFsckFatal = &Error{Kind: KindFatalFS, Detail: "fsck reported an uncorrectable error"}

	// ErrMountFailed indicates a mount(2) call failed for a reason other than EBUSY.
	ErrMountFailed = &Error{Kind: KindTransient, Detail: "mount failed"}

	// ErrDeviceUnresolved indicates a fstab device spec (UUID=, LABEL=, /dev/root) could not be resolved.
	ErrDeviceUnresolved = &Error{Kind: KindTransient, Detail: "could not resolve device"}
)

// Process/signal errors.
var (
	// ErrSpawnFailed indicates fork/exec of a service command failed.
	ErrSpawnFailed = &Error{Kind: KindSpawn, Detail: "failed to spawn process"}

	// ErrSignalFailed indicates signal delivery to a service process failed.
	ErrSignalFailed = &Error{Kind: KindInternal, Detail: "failed to send signal"}

	// ErrNoInitProcess indicates a service record has no recorded pid to signal.
	ErrNoInitProcess = &Error{Kind: KindInvalidState, Detail: "no running process"}
)

// Control channel errors.
var (
	// ErrUnknownCommand indicates the control socket received an unrecognised command.
	ErrUnknownCommand = &Error{Kind: KindConfig, Detail: "unknown control command"}

	// ErrControlSocket indicates the control socket could not be created or bound.
	ErrControlSocket = &Error{Kind: KindInternal, Detail: "control socket error"}
)

// Collaborator adapter errors (plugin load, TTY attach, cgroup placement).
var (
	// ErrCgroupSetup indicates a cgroup placement error.
	ErrCgroupSetup = &Error{Kind: KindTransient, Detail: "failed to set up cgroup"}

	// ErrTTYSetup indicates a TTY line attach error.
	ErrTTYSetup = &Error{Kind: KindTransient, Detail: "failed to attach tty"}

	// ErrPluginLoad indicates a plugin could not be loaded.
	ErrPluginLoad = &Error{Kind: KindTransient, Detail: "failed to load plugin"}
)
