package shared

import "fmt"

// ValidationError reports malformed input to a mutating operation.
type ValidationError struct {
	Msg string
}

func NewValidationError(msg string) *ValidationError { return &ValidationError{Msg: msg} }

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// NotFoundError reports an unknown id. Control-state scopes are exempt:
// kill switches must always be settable, so unknown scope tuples are created.
type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFoundError(kind, id string) *NotFoundError { return &NotFoundError{Kind: kind, ID: id} }

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// ConflictError reports an invalid state transition, such as resolving an
// already-resolved checkpoint or cancelling a running task.
type ConflictError struct {
	Msg string
}

func NewConflictError(msg string) *ConflictError { return &ConflictError{Msg: msg} }

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// OperationDisabledError reports that the kill switch is active for the
// requested scope. New autonomous work is refused there.
type OperationDisabledError struct {
	Scope  Scope
	Reason string
}

func (e *OperationDisabledError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("autonomy disabled for scope %s", e.Scope.Key())
	}
	return fmt.Sprintf("autonomy disabled for scope %s: %s", e.Scope.Key(), e.Reason)
}

// AuditWriteError wraps a failed audit-log write. It is captured and
// reported internally, never propagated to the triggering operation.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string { return "audit write: " + e.Err.Error() }

func (e *AuditWriteError) Unwrap() error { return e.Err }
