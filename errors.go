package main

import "fmt"

// ValidationError marks malformed correction input. It is surfaced to
// the caller before anything is persisted and is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// NotFoundError marks a missing referenced entity (teacher, element,
// model version). Surfaced to the caller, not retried.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// TransientError wraps storage failures worth retrying through the
// queue's retry_count mechanism.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvariantViolation marks a broken structural guarantee, e.g. a
// promotion that would leave two active model versions. Callers must
// treat it as fatal and never swallow it.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Msg
}
