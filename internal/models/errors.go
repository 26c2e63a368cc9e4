package models

import (
	"errors"
	"fmt"
)

// FailureReason classifies why a build attempt, fix attempt or run failed.
type FailureReason string

const (
	ReasonInvalidProject        FailureReason = "invalid_project"
	ReasonCompileError          FailureReason = "compile_error"
	ReasonFixServiceUnavailable FailureReason = "fix_service_unavailable"
	ReasonFixServiceRejected    FailureReason = "fix_service_rejected"
	ReasonTimeout               FailureReason = "timeout"
	ReasonArtifactMissing       FailureReason = "artifact_missing"
	ReasonArtifactCorrupt       FailureReason = "artifact_corrupt"
	ReasonVerificationFailed    FailureReason = "verification_failed"
	ReasonCancelled             FailureReason = "cancelled"
	ReasonRetriesExhausted      FailureReason = "retries_exhausted"
	ReasonInternal              FailureReason = "internal"
)

// Recoverable reports whether the retry loop absorbs a failure of this kind.
func (r FailureReason) Recoverable() bool {
	switch r {
	case ReasonCompileError, ReasonFixServiceUnavailable, ReasonFixServiceRejected,
		ReasonTimeout, ReasonArtifactMissing, ReasonArtifactCorrupt:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks; they match any BuildError with the same reason.
var (
	ErrInvalidProject        = &BuildError{Reason: ReasonInvalidProject}
	ErrCompile               = &BuildError{Reason: ReasonCompileError}
	ErrFixServiceUnavailable = &BuildError{Reason: ReasonFixServiceUnavailable}
	ErrFixServiceRejected    = &BuildError{Reason: ReasonFixServiceRejected}
	ErrTimeout               = &BuildError{Reason: ReasonTimeout}
	ErrArtifactMissing       = &BuildError{Reason: ReasonArtifactMissing}
	ErrArtifactCorrupt       = &BuildError{Reason: ReasonArtifactCorrupt}
	ErrCancelled             = &BuildError{Reason: ReasonCancelled}
)

// BuildError carries a FailureReason together with the failing operation.
type BuildError struct {
	Reason FailureReason
	Op     string
	Err    error
}

// NewError creates a BuildError. err may be nil.
func NewError(reason FailureReason, op string, err error) *BuildError {
	return &BuildError{Reason: reason, Op: op, Err: err}
}

// Errorf creates a BuildError with a formatted cause.
func Errorf(reason FailureReason, op, format string, args ...any) *BuildError {
	return &BuildError{Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *BuildError) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	default:
		return string(e.Reason)
	}
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches another BuildError by reason.
func (e *BuildError) Is(target error) bool {
	var other *BuildError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

// ReasonOf returns the FailureReason carried by err, ReasonInternal for
// unclassified errors and "" for nil.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ""
	}
	var be *BuildError
	if errors.As(err, &be) {
		return be.Reason
	}
	return ReasonInternal
}
