package sandbox

import (
	"errors"
	"fmt"
)

// Deterministic error codes for sandbox failures.
const (
	ErrResourceWouldExceed = "ERR_RESOURCE_WOULD_EXCEED"
	ErrTenantPanic         = "ERR_TENANT_PANIC"
)

var (
	// ErrSandboxFailed is returned by Execute once the crash limit is
	// reached. Restarts must go through the supervision tree.
	ErrSandboxFailed  = errors.New("sandbox: crash limit reached")
	ErrUnknownSandbox = errors.New("sandbox: unknown sandbox")
	ErrTenantExists   = errors.New("sandbox: tenant already has a sandbox")
)

// ResourceError reports that an allocation would exceed the budget. It is
// ordinary control flow, distinct from authorization failures.
type ResourceError struct {
	Resource  Resource `json:"resource"`
	Current   uint64   `json:"current"`
	Requested uint64   `json:"requested"`
	Limit     uint64   `json:"limit"`
}

// Code returns the deterministic error code.
func (e *ResourceError) Code() string { return ErrResourceWouldExceed }

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s (current=%d, requested=%d, limit=%d)",
		ErrResourceWouldExceed, e.Resource, e.Current, e.Requested, e.Limit)
}

// PanicError reports an abnormal termination of tenant code caught at the
// sandbox boundary. It is the only error family that feeds supervision.
type PanicError struct {
	SandboxID string `json:"sandbox_id"`
	TenantID  string `json:"tenant_id"`
	Message   string `json:"message"`
	// Value is the recovered panic value, nil for Goexit and aborts.
	Value any    `json:"-"`
	Stack []byte `json:"-"`
	// Cause is set when the work reported an abort rather than panicking.
	Cause error `json:"-"`
}

// Code returns the deterministic error code.
func (e *PanicError) Code() string { return ErrTenantPanic }

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: sandbox %s (tenant %s): %s", ErrTenantPanic, e.SandboxID, e.TenantID, e.Message)
}

func (e *PanicError) Unwrap() error { return e.Cause }

// AbortError marks an error returned by work as an abnormal termination,
// for payload runtimes that report traps as values instead of panicking.
type AbortError struct {
	Err error
}

// Abort wraps err so Execute records it as a crash.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &AbortError{Err: err}
}

func (e *AbortError) Error() string { return "aborted: " + e.Err.Error() }

func (e *AbortError) Unwrap() error { return e.Err }
