package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is matched by every pool rejection. It is retryable.
	ErrRejected = errors.New("rejected")
	// ErrOverload is matched by back-pressure failures. It is terminal.
	ErrOverload = errors.New("overload")
	// ErrIllegalState reports an API misuse.
	ErrIllegalState = errors.New("illegal state")
	// ErrSelfShutdown reports a pool asked to stop from one of its own workers.
	ErrSelfShutdown = errors.New("pool must not be stopped from within itself")
	// ErrPoolStopped is the cause of rejections from a stopped pool.
	ErrPoolStopped = errors.New("pool stopped")
	// ErrUnknownPool is returned when a route or a lookup names an unregistered pool.
	ErrUnknownPool = errors.New("unknown pool")
	// ErrRegistryStopped is returned once the registry has been stopped.
	ErrRegistryStopped = errors.New("registry stopped")
	// ErrInvalidConfig is returned by configuration validation.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrInvalidStep is returned for steps without logic.
	ErrInvalidStep = errors.New("invalid step")
	// ErrInvalidForkJoin is returned for fork/join definitions missing their split, merge or routes.
	ErrInvalidForkJoin = errors.New("invalid fork join")
	// ErrTaskPanicked is reported by a handle whose task panicked.
	ErrTaskPanicked = errors.New("task panicked")
)

// RejectedError is returned when a pool refuses a task, either saturated or stopped.
type RejectedError struct {
	Pool  string
	Cause error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("pool %s rejected task: %v", e.Pool, e.Cause)
}

// Is makes errors.Is(err, ErrRejected) match.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func (e *RejectedError) Unwrap() error { return e.Cause }

// OverloadError is the back-pressure failure surfaced to callers, distinct from a processing failure.
type OverloadError struct {
	// Pool is empty when the concurrency limit was hit before reaching any pool.
	Pool string
	// Reason describes which limit was hit.
	Reason string
	// Attempts is the number of submissions tried before giving up. 0 when no submission was tried.
	Attempts int
	Cause    error
}

func (e *OverloadError) Error() string {
	if e.Pool == "" {
		return fmt.Sprintf("overload: %s", e.Reason)
	}
	return fmt.Sprintf("overload: %s (pool=%s, attempts=%d): %v", e.Reason, e.Pool, e.Attempts, e.Cause)
}

// Is makes errors.Is(err, ErrOverload) match.
func (e *OverloadError) Is(target error) bool { return target == ErrOverload }

func (e *OverloadError) Unwrap() error { return e.Cause }

// StepFailure wraps the error returned by a step's own logic.
type StepFailure struct {
	Step  string
	Cause error
	// Info is the diagnostic context attached by the exception context providers.
	Info map[string]any
}

func (e *StepFailure) Error() string {
	if len(e.Info) == 0 {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("step %s failed: %v (context: %+v)", e.Step, e.Cause, e.Info)
}

func (e *StepFailure) Unwrap() error { return e.Cause }

// SelfShutdownError is recorded when a pool is stopped from one of its own workers. Only a Stop given the task
// context, or a context derived from it, is detected.
type SelfShutdownError struct {
	Pool string
}

func (e *SelfShutdownError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pool, ErrSelfShutdown)
}

// Is makes errors.Is(err, ErrSelfShutdown) match.
func (e *SelfShutdownError) Is(target error) bool { return target == ErrSelfShutdown }

// MessagingError is a failure which carries the event being processed when it happened.
// EventContext offers it to its exception handler before signaling the response.
type MessagingError struct {
	Event Event
	Cause error
}

func (e *MessagingError) Error() string {
	return fmt.Sprintf("messaging error: %v", e.Cause)
}

func (e *MessagingError) Unwrap() error { return e.Cause }

// IsOverload reports whether err is a back-pressure failure.
func IsOverload(err error) bool {
	return errors.Is(err, ErrOverload)
}

// IsStepFailure reports whether err was produced by a step's own logic.
func IsStepFailure(err error) bool {
	var sf *StepFailure
	return errors.As(err, &sf)
}
