package memory

import "errors"

// ErrorType categorizes recoverable failures at the engine boundary.
// CRDT-law violations are deliberately absent: those are programming errors
// and panic instead of surfacing here.
type ErrorType string

const (
	// ErrorTypeValidation covers malformed entries, signature mismatches,
	// and roster membership violations. Rejected at the boundary, never
	// partially applied.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeScopeViolation covers tier or namespace writes outside the
	// permitted boundary. Rejected, logged, and reported to the caller.
	ErrorTypeScopeViolation ErrorType = "scope_violation"
	// ErrorTypeMergeUnresolved covers duplicate-detection scores landing
	// exactly on the threshold under the manual-review policy. Surfaced to
	// a reviewer collaborator rather than auto-resolved.
	ErrorTypeMergeUnresolved ErrorType = "merge_unresolved"
)

// Error is a recoverable engine error with a machine-readable category.
type Error struct {
	Type    ErrorType
	Message string
	EntryID string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a boundary validation error.
func NewValidationError(message, entryID string) *Error {
	return &Error{Type: ErrorTypeValidation, Message: message, EntryID: entryID}
}

// NewScopeViolation creates a tier/namespace access-scope error.
func NewScopeViolation(message, entryID string) *Error {
	return &Error{Type: ErrorTypeScopeViolation, Message: message, EntryID: entryID}
}

// NewMergeUnresolved creates a manual-review duplicate-detection error.
func NewMergeUnresolved(message, entryID string) *Error {
	return &Error{Type: ErrorTypeMergeUnresolved, Message: message, EntryID: entryID}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsScopeViolation reports whether err is an access-scope error.
func IsScopeViolation(err error) bool {
	return isType(err, ErrorTypeScopeViolation)
}

// IsMergeUnresolved reports whether err is an unresolved-merge error.
func IsMergeUnresolved(err error) bool {
	return isType(err, ErrorTypeMergeUnresolved)
}

func isType(err error, t ErrorType) bool {
	var memErr *Error
	if errors.As(err, &memErr) {
		return memErr.Type == t
	}
	return false
}
