package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// WorkFunc is tenant code run under a sandbox.
type WorkFunc func(ctx context.Context) error

type outcome struct {
	err      error
	returned bool
	value    any
	stack    []byte
}

// Execute runs work and blocks until it finishes. Work is not preempted.
//
// A panic, a runtime.Goexit, or a returned *AbortError is recorded as a
// crash and reported as a *PanicError; the host keeps running. Any other
// error from work is passed through unchanged. Elapsed time is charged to
// the frame budget on every path.
//
// Once ExceededCrashLimit is true Execute refuses with ErrSandboxFailed.
func (s *Sandbox) Execute(ctx context.Context, work WorkFunc) error {
	if s.ExceededCrashLimit() {
		return fmt.Errorf("%w: sandbox %s has %d crashes", ErrSandboxFailed, s.id, s.crashCount)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := s.clock()
	done := make(chan outcome, 1)
	go invoke(ctx, work, done)
	out := <-done
	s.ChargeFrameTime(s.clock().Sub(start))

	switch {
	case !out.returned && out.value != nil:
		msg := fmt.Sprint(out.value)
		s.RecordCrash(msg)
		return &PanicError{SandboxID: s.id, TenantID: s.tenant, Message: msg, Value: out.value, Stack: out.stack}
	case !out.returned:
		msg := "tenant goroutine exited"
		s.RecordCrash(msg)
		return &PanicError{SandboxID: s.id, TenantID: s.tenant, Message: msg}
	}

	var abort *AbortError
	if errors.As(out.err, &abort) {
		msg := abort.Err.Error()
		s.RecordCrash(msg)
		return &PanicError{SandboxID: s.id, TenantID: s.tenant, Message: msg, Cause: abort.Err}
	}
	return out.err
}

// invoke runs work on its own goroutine so that a runtime.Goexit from
// tenant code unwinds that goroutine only.
func invoke(ctx context.Context, work WorkFunc, done chan<- outcome) {
	var out outcome
	defer func() {
		if !out.returned {
			// recover is nil for Goexit.
			if v := recover(); v != nil {
				out.value = v
				out.stack = debug.Stack()
			}
		}
		done <- out
	}()
	out.err = work(ctx)
	out.returned = true
}

// Call runs work under s and returns its result. The zero R is returned
// whenever Execute reports an error.
func Call[R any](ctx context.Context, s *Sandbox, work func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := s.Execute(ctx, func(ctx context.Context) error {
		r, err := work(ctx)
		result = r
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
