package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInProgress   = errors.New("operation already in progress")
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation failed")
	ErrLeadMissing  = errors.New("lead document missing")
)

// ValidationError reports a malformed request. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RateLimitError reports an exhausted quota or concurrency cap. It matches ErrRateLimited.
type RateLimitError struct {
	Limit  string
	Reason string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): %s", e.Limit, e.Reason)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// JobFatalError marks a condition that fails the whole job rather than one lead.
type JobFatalError struct {
	Reason string
	Err    error
}

func (e *JobFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job fatal (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("job fatal (%s)", e.Reason)
}

func (e *JobFatalError) Unwrap() error { return e.Err }
