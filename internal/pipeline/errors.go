package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code classifies a pipeline failure for retry routing and API responses.
type Code string

const (
	ErrAuthInvalid        Code = "auth_invalid"
	ErrValidation         Code = "validation"
	ErrBudgetExceeded     Code = "budget_exceeded"
	ErrCircuitOpen        Code = "circuit_open"
	ErrRateLimited        Code = "rate_limited"
	ErrTransientNetwork   Code = "transient_network"
	ErrLLMResponseInvalid Code = "llm_response_invalid"
	ErrDeliveryFailed     Code = "delivery_failed"
	ErrFatal              Code = "fatal"
)

var retryableCodes = map[Code]bool{
	ErrCircuitOpen:        true,
	ErrRateLimited:        true,
	ErrTransientNetwork:   true,
	ErrLLMResponseInvalid: true,
}

// PipelineError is the typed failure attached to envelopes and returned by
// stage handlers. Retryable errors are rerun by the orchestrator; the rest
// route to the error-handler branch.
type PipelineError struct {
	Code      Code      `json:"code"`
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`

	cause error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	return e.cause
}

// NewError builds a PipelineError with retryability derived from the code.
func NewError(code Code, stage Stage, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Code:      code,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Retryable: retryableCodes[code],
		Message:   fmt.Sprintf(format, args...),
	}
}

// WrapError builds a PipelineError around a cause, preserving it for Unwrap.
func WrapError(code Code, stage Stage, err error, msg string) *PipelineError {
	pe := NewError(code, stage, "%s: %v", msg, err)
	pe.cause = err
	return pe
}

// Classify normalizes any error raised inside a stage into a PipelineError.
// Typed errors pass through (stamped with the stage if they lack one);
// context timeouts become retryable transient failures; anything unexpected
// is fatal.
func Classify(stage Stage, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTransientNetwork, stage, err, "stage timed out")
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(ErrFatal, stage, err, "run canceled")
	}
	return WrapError(ErrFatal, stage, err, "unexpected failure")
}

// IsRetryable reports whether err should be retried by the orchestrator.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CodeOf extracts the error code, or fatal for untyped errors.
func CodeOf(err error) Code {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrFatal
}
