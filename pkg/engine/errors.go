package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, such as a concurrent transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind names the specific failure recorded in audit history and on failed requests.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAllocation        ErrorKind = "allocation"
	KindWorkspaceConflict ErrorKind = "workspace_conflict"
	KindPlanRejected      ErrorKind = "plan_rejected"
	KindApplyFailed       ErrorKind = "apply_failed"
	KindRunnerUnavailable ErrorKind = "runner_unavailable"
	KindTimeout           ErrorKind = "timeout"
	KindStaleState        ErrorKind = "stale_state"
	KindCannotCancel      ErrorKind = "cannot_cancel"
	KindCancelled         ErrorKind = "cancelled"
	KindNotFound          ErrorKind = "not_found"
	KindInternal          ErrorKind = "internal"
)

// ErrRequestNotFound is returned when no request has the given ID.
var ErrRequestNotFound = errors.New("request not found")

// classified is implemented by every error type of this package.
type classified interface {
	error
	Kind() ErrorKind
	Class() ErrorClass
}

// ValidationError reports an input field that failed validation.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind   { return KindValidation }
func (e *ValidationError) Class() ErrorClass { return ErrorClassPermanent }

// AllocationError reports a failed IP allocation. Transient is true when
// retries were exhausted on network or server errors.
type AllocationError struct {
	Transient bool
	Message   string
	Err       error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ip allocation failed: %s: %v", e.Message, e.Err)
	}
	return "ip allocation failed: " + e.Message
}

func (e *AllocationError) Unwrap() error   { return e.Err }
func (e *AllocationError) Kind() ErrorKind { return KindAllocation }

func (e *AllocationError) Class() ErrorClass {
	if e.Transient {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// WorkspaceConflictError is returned when a sealed workspace would be rewritten
// with different content.
type WorkspaceConflictError struct {
	RequestID string
	Dir       string
}

func (e *WorkspaceConflictError) Error() string {
	return fmt.Sprintf("workspace %s for request %s is sealed with different content", e.Dir, e.RequestID)
}

func (e *WorkspaceConflictError) Kind() ErrorKind   { return KindWorkspaceConflict }
func (e *WorkspaceConflictError) Class() ErrorClass { return ErrorClassConflict }

// RunnerError is a failure reported by the plan/apply runner.
type RunnerError struct {
	// ErrKind is one of KindPlanRejected, KindApplyFailed, KindRunnerUnavailable or KindTimeout.
	ErrKind ErrorKind
	Message string

	// Output is the raw runner output, when any was produced.
	Output string
	Err    error
}

func (e *RunnerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *RunnerError) Unwrap() error   { return e.Err }
func (e *RunnerError) Kind() ErrorKind { return e.ErrKind }

func (e *RunnerError) Class() ErrorClass {
	if e.ErrKind == KindRunnerUnavailable || e.ErrKind == KindTimeout {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// NewPlanRejected creates a runner error for a failed or policy-rejected plan.
func NewPlanRejected(message, output string) *RunnerError {
	return &RunnerError{ErrKind: KindPlanRejected, Message: message, Output: output}
}

// NewApplyFailed creates a runner error for a failed apply.
func NewApplyFailed(message, output string) *RunnerError {
	return &RunnerError{ErrKind: KindApplyFailed, Message: message, Output: output}
}

// NewRunnerUnavailable creates a runner error for an unreachable runner.
func NewRunnerUnavailable(message string, err error) *RunnerError {
	return &RunnerError{ErrKind: KindRunnerUnavailable, Message: message, Err: err}
}

// NewTimeout creates a runner error for a runner call that exceeded its deadline.
func NewTimeout(message string, err error) *RunnerError {
	return &RunnerError{ErrKind: KindTimeout, Message: message, Err: err}
}

// StaleStateError is returned when a transition was attempted from a state the
// request is no longer in.
type StaleStateError struct {
	RequestID string
	Expected  State
	Actual    State
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("request %s is %s, expected %s", e.RequestID, e.Actual, e.Expected)
}

func (e *StaleStateError) Kind() ErrorKind   { return KindStaleState }
func (e *StaleStateError) Class() ErrorClass { return ErrorClassConflict }

// CannotCancelError is returned when cancellation is requested in a state that
// does not permit it.
type CannotCancelError struct {
	RequestID string
	State     State
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("request %s cannot be cancelled in state %s", e.RequestID, e.State)
}

func (e *CannotCancelError) Kind() ErrorKind   { return KindCannotCancel }
func (e *CannotCancelError) Class() ErrorClass { return ErrorClassPermanent }

// KindOf returns the error kind recorded for err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// ClassOf returns the retry classification of err.
func ClassOf(err error) ErrorClass {
	var c classified
	if errors.As(err, &c) {
		return c.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsKind returns true if err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
