package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindNotFound, "not found"},
		{KindAlreadyExists, "already exists"},
		{KindInvalidState, "invalid state"},
		{KindConfig, "config error"},
		{KindTransient, "transient system error"},
		{KindFatalFS, "fatal filesystem error"},
		{KindSpawn, "spawn error"},
		{KindRespawnExhausted, "respawn budget exhausted"},
		{KindPermission, "permission denied"},
		{KindInternal, "internal error"},
		{KindInvariant, "invariant violation"},
		{Kind(999), "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "<nil>",
		},
		{
			name: "full error",
			err: &Error{
				Op:      "spawn",
				Service: "sshd",
				Kind:    KindNotFound,
				Detail:  "command not found",
				Err:     fmt.Errorf("exec: not found"),
			},
			expected: "service sshd: spawn: command not found: exec: not found",
		},
		{
			name: "without service",
			err: &Error{
				Op:     "mount",
				Kind:   KindFatalFS,
				Detail: "remount root failed",
			},
			expected: "mount: remount root failed",
		},
		{
			name: "kind only",
			err: &Error{
				Kind: KindPermission,
			},
			expected: "permission denied",
		},
		{
			name: "with underlying error",
			err: &Error{
				Op:   "mount",
				Kind: KindTransient,
				Err:  fmt.Errorf("device busy"),
			},
			expected: "mount: transient system error: device busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := fmt.Errorf("underlying error")
	err := &Error{
		Op:   "test",
		Kind: KindInternal,
		Err:  underlying,
	}

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}

	var nilErr *Error
	if got := nilErr.Unwrap(); got != nil {
		t.Errorf("nil.Unwrap() = %v, want nil", got)
	}
}

func TestError_Is(t *testing.T) {
	err1 := &Error{Kind: KindNotFound, Op: "test1"}
	err2 := &Error{Kind: KindNotFound, Op: "test2"}
	err3 := &Error{Kind: KindPermission, Op: "test3"}

	if !err1.Is(err2) {
		t.Error("err1.Is(err2) should be true (same kind)")
	}

	if err1.Is(err3) {
		t.Error("err1.Is(err3) should be false (different kind)")
	}

	if err1.Is(fmt.Errorf("some error")) {
		t.Error("err1.Is(fmt.Errorf(...)) should be false")
	}

	var nilErr *Error
	if !nilErr.Is(nil) {
		t.Error("nil.Is(nil) should be true")
	}
}

func TestNew(t *testing.T) {
	err := New(KindConfig, "validate", "runlevel out of range")

	if err.Kind != KindConfig {
		t.Errorf("Kind = %v, want %v", err.Kind, KindConfig)
	}
	if err.Op != "validate" {
		t.Errorf("Op = %q, want %q", err.Op, "validate")
	}
	if err.Detail != "runlevel out of range" {
		t.Errorf("Detail = %q, want %q", err.Detail, "runlevel out of range")
	}
}

func TestWrap(t *testing.T) {
	underlying := fmt.Errorf("permission denied")
	err := Wrap(underlying, KindPermission, "open file")

	if err.Err != underlying {
		t.Error("Wrapped error should preserve underlying error")
	}
	if err.Kind != KindPermission {
		t.Errorf("Kind = %v, want %v", err.Kind, KindPermission)
	}
	if err.Op != "open file" {
		t.Errorf("Op = %q, want %q", err.Op, "open file")
	}
}

func TestWrapService(t *testing.T) {
	underlying := fmt.Errorf("not found")
	err := WrapService(underlying, KindNotFound, "find", "sshd")

	if err.Service != "sshd" {
		t.Errorf("Service = %q, want %q", err.Service, "sshd")
	}
}

func TestWrapDetail(t *testing.T) {
	underlying := fmt.Errorf("syscall failed")
	err := WrapDetail(underlying, KindTransient, "mount", "device busy")

	if err.Detail != "device busy" {
		t.Errorf("Detail = %q, want %q", err.Detail, "device busy")
	}
}

func TestIsKind(t *testing.T) {
	err := &Error{Kind: KindNotFound}
	wrapped := fmt.Errorf("wrapped: %w", err)

	if !IsKind(err, KindNotFound) {
		t.Error("IsKind(err, KindNotFound) should be true")
	}
	if !IsKind(wrapped, KindNotFound) {
		t.Error("IsKind(wrapped, KindNotFound) should be true")
	}
	if IsKind(err, KindPermission) {
		t.Error("IsKind(err, KindPermission) should be false")
	}
	if IsKind(fmt.Errorf("plain error"), KindNotFound) {
		t.Error("IsKind(plain error, KindNotFound) should be false")
	}
}

func TestGetKind(t *testing.T) {
	err := &Error{Kind: KindTransient}
	wrapped := fmt.Errorf("wrapped: %w", err)

	kind, ok := GetKind(err)
	if !ok || kind != KindTransient {
		t.Errorf("GetKind(err) = (%v, %v), want (%v, true)", kind, ok, KindTransient)
	}

	kind, ok = GetKind(wrapped)
	if !ok || kind != KindTransient {
		t.Errorf("GetKind(wrapped) = (%v, %v), want (%v, true)", kind, ok, KindTransient)
	}

	_, ok = GetKind(fmt.Errorf("plain error"))
	if ok {
		t.Error("GetKind(plain error) should return false")
	}
}

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"ErrServiceNotFound", ErrServiceNotFound, KindNotFound},
		{"ErrServiceExists", ErrServiceExists, KindAlreadyExists},
		{"ErrServiceNotRunning", ErrServiceNotRunning, KindInvalidState},
		{"ErrServiceCrashed", ErrServiceCrashed, KindRespawnExhausted},
		{"ErrMalformedSpec", ErrMalformedSpec, KindConfig},
		{"ErrFstabMissing", ErrFstabMissing, KindFatalFS},
		{"ErrFsckFatal", ErrFsckFatal, KindFatalFS},
		{"ErrMountFailed", ErrMountFailed, KindTransient},
		{"ErrCgroupSetup", ErrCgroupSetup, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("%s.Kind = %v, want %v", tt.name, tt.err.Kind, tt.kind)
			}
			wrapped := Wrap(fmt.Errorf("underlying"), tt.kind, "test")
			if !errors.Is(wrapped, tt.err) {
				t.Errorf("errors.Is(wrapped, %s) should be true", tt.name)
			}
		})
	}
}

func TestErrorChain(t *testing.T) {
	underlying := fmt.Errorf("command not found")
	err1 := Wrap(underlying, KindNotFound, "spawn")
	err2 := fmt.Errorf("service operation failed: %w", err1)

	if !errors.Is(err2, ErrServiceNotFound) {
		t.Error("errors.Is should find ErrServiceNotFound in chain")
	}

	var e *Error
	if !errors.As(err2, &e) {
		t.Error("errors.As should find Error in chain")
	}
	if e.Op != "spawn" {
		t.Errorf("e.Op = %q, want %q", e.Op, "spawn")
	}

	if errors.Unwrap(err1) != underlying {
		t.Error("Unwrap should return underlying error")
	}
}
