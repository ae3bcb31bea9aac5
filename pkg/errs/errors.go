// Package errs defines the sentinel and typed errors shared across the
// harness, grounded on the error-kind taxonomy of spec.md §7.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity (problem, agent, session) is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrClusterUnreachable is returned when the cluster control plane cannot be reached.
	ErrClusterUnreachable = errors.New("cluster unreachable")

	// ErrClusterConflict is returned on a conflicting cluster write.
	ErrClusterConflict = errors.New("cluster conflict")

	// ErrClusterTimeout is returned when a bounded cluster wait elapses.
	ErrClusterTimeout = errors.New("cluster operation timed out")

	// ErrCollectTimeout is returned by the workload generator's collect() on timeout (spec.md §4.4).
	ErrCollectTimeout = errors.New("collect timed out waiting for workload entries")

	// ErrFaultInjection marks a failed inject(); the session aborts and cleans up without grading.
	ErrFaultInjection = errors.New("fault injection failed")

	// ErrShutdownRequested marks an external signal or operator interrupt.
	ErrShutdownRequested = errors.New("shutdown requested")

	// ErrWrongStage is returned when a submission targets a stage that is not
	// currently the active grading stage.
	ErrWrongStage = errors.New("submission does not match current grading stage")
)

// ParseError marks a malformed submission string (spec.md §7: surfaced as 400, stage unchanged).
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s (input: %q)", e.Reason, e.Input)
}

// IsParseError reports whether err is a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// FormatError marks a submission that parsed but has the wrong shape for its
// stage. Recorded as score="Invalid Format", success=false, stage unchanged.
type FormatError struct {
	Stage  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid format for stage %s: %s", e.Stage, e.Reason)
}

// IsFormatError reports whether err is a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// OracleError marks an oracle that could not evaluate a submission (e.g. an
// unreachable LLM judge backend). The stage is recorded as skipped/null, not failed.
type OracleError struct {
	Stage  string
	Reason string
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle error for stage %s: %s", e.Stage, e.Reason)
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
