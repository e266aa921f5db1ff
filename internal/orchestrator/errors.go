package orchestrator

import (
	"errors"
	"fmt"

	"github.com/sandboxkit/sandboxkit/internal/compiler/hostb"
)

// InvalidConfig reports that a configuration is ill-formed. It is fatal to
// the call that produced it and never changes orchestrator state.
type InvalidConfig struct {
	Field  string
	Reason string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration field %q: %s", e.Field, e.Reason)
}

// AlreadyInitializedError is returned by Initialize when the orchestrator
// is already Initialized with a structurally different configuration.
// Re-Initializing with an identical configuration is idempotent and
// returns nil instead.
type AlreadyInitializedError struct{}

func (e *AlreadyInitializedError) Error() string {
	return "orchestrator already initialized with a different configuration"
}

// ErrAlreadyInitialized is the sentinel instance callers can compare
// against with errors.Is.
var ErrAlreadyInitialized = &AlreadyInitializedError{}

// ProxyBindFailure reports that a local listener could not be bound.
// Surfaced immediately; any proxy that did start before the failure is
// closed before the error reaches the caller.
type ProxyBindFailure struct {
	Which string // "http" or "socks"
	Port  int
	Cause error
}

func (e *ProxyBindFailure) Error() string {
	return fmt.Sprintf("failed to bind %s proxy on port %d: %v", e.Which, e.Port, e.Cause)
}

func (e *ProxyBindFailure) Unwrap() error { return e.Cause }

// ErrHostNotSupported is returned when neither Host-A nor Host-B tooling
// is available on this machine.
var ErrHostNotSupported = errors.New("host not supported")

// ToolchainMissing reports that a required external binary could not be
// found. On Host-B this is the container launcher or syscall-filter
// helper (compiler/hostb.CheckToolchain); on Host-A, tooling absence
// surfaces earlier, through hostdetect.ErrHostNotSupported.
type ToolchainMissing = hostb.ToolchainMissing

// PreCommandFailed is surfaced as the wrapped command's own exit code: it
// never propagates through the orchestrator's API, it only annotates the
// exit status the caller observes after running the wrapped string.
type PreCommandFailed struct {
	ExitCode int
}

func (e *PreCommandFailed) Error() string {
	return fmt.Sprintf("pre_command failed with exit code %d", e.ExitCode)
}

// InternalError wraps an unexpected condition. It is always logged with
// its context by the caller and never silently swallowed.
type InternalError struct {
	Context string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error (%s): %v", e.Context, e.Cause)
	}
	return fmt.Sprintf("internal error (%s)", e.Context)
}

func (e *InternalError) Unwrap() error { return e.Cause }
