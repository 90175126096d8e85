package contract

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports that a call's input did not satisfy its registered
// contract. It is always raised before any handler runs.
type ValidationError struct {
	SchemaID string   `json:"schemaId"`
	Errors   []string `json:"errors"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contract validation failed for %s: %s", e.SchemaID, strings.Join(e.Errors, "; "))
}

// RuntimeError wraps an unexpected collaborator failure or a broken invariant.
// It is fatal to the operation that raised it.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("runtime execution error: %v", e.Err)
	}
	return fmt.Sprintf("runtime execution error in %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Runtimef builds a RuntimeError for op with a formatted cause.
func Runtimef(op, format string, args ...any) error {
	return &RuntimeError{Op: op, Err: fmt.Errorf(format, args...)}
}

// AsRuntime wraps err in a RuntimeError unless it already is a contract error.
func AsRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var re *RuntimeError
	if errors.As(err, &ve) || errors.As(err, &re) {
		return err
	}
	return &RuntimeError{Op: op, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRuntime reports whether err carries a RuntimeError.
func IsRuntime(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}
