package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the enrichment pipeline.
var (
	ErrDuplicateJob       = errors.New("duplicate job")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrUpstream           = errors.New("upstream error")
	ErrTimeout            = errors.New("upstream timeout")
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidTransition  = errors.New("invalid job transition")
	ErrUnknownResource    = errors.New("unknown resource")
	ErrMissingSalt        = errors.New("anonymizer salt not configured")
	ErrStoreNotConfigured = errors.New("store is not initialized")
)

// ErrorKind classifies an invocation outcome.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindDuplicateJob      ErrorKind = "duplicate_job"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindUpstream          ErrorKind = "upstream_error"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

// UpstreamError reports a failed external call.
type UpstreamError struct {
	Resource   string
	StatusCode int
	Timeout    bool
	Cause      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timeout: %v", e.Resource, e.Cause)
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Resource, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Resource, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Resource, e.Cause)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is matches ErrUpstream for every upstream failure and ErrTimeout for timeouts.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstream {
		return true
	}
	return e.Timeout && target == ErrTimeout
}

// KindOf maps an error onto the invocation taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDuplicateJob):
		return KindDuplicateJob
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimitExceeded
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	default:
		return KindInternal
	}
}

// Retryable reports whether the job should go back to the queue without
// counting as an attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimitExceeded || k == KindCircuitOpen
}
