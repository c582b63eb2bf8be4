package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel error kinds converted to structured results at the service
// boundary. Nothing below is thrown past the handlers.
var (
	ErrUnauthenticated  = errors.New("authentication required")
	ErrForbidden        = errors.New("insufficient permission")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("time slot already booked or pending")
	ErrReservationEnded = errors.New("reservation has already ended")
)

// ValidationError carries field-scoped messages for malformed input.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("validation failed: %s", strings.Join(keys, ", "))
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: {msg}}}
}

// TxError wraps a store-level transaction failure. The transaction wrapper
// guarantees full rollback, so callers may safely retry.
type TxError struct {
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction failed: %v", e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// ActionResult is the structured outcome returned across the core boundary:
// success flag, user-facing message and optional field errors.
type ActionResult struct {
	Success     bool                `json:"success"`
	Message     string              `json:"message"`
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
}

// ResultFromError converts any error produced by the services into the
// user-facing result shape.
func ResultFromError(err error) ActionResult {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return ActionResult{
			Success:     false,
			Message:     "Validation failed. Please correct the highlighted fields.",
			FieldErrors: validation.Fields,
		}
	}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return ActionResult{Success: false, Message: "Authentication required. Please sign in again."}
	case errors.Is(err, ErrForbidden):
		return ActionResult{Success: false, Message: "Access denied: insufficient permission."}
	case errors.Is(err, ErrNotFound):
		return ActionResult{Success: false, Message: "The requested record was not found."}
	case errors.Is(err, ErrConflict):
		return ActionResult{
			Success:     false,
			Message:     "Scheduling conflict.",
			FieldErrors: map[string][]string{"general": {"This time slot is already booked or pending approval."}},
		}
	case errors.Is(err, ErrReservationEnded):
		return ActionResult{Success: false, Message: "This reservation has already ended and can no longer be cancelled."}
	default:
		return ActionResult{Success: false, Message: "Server error. The operation could not be completed."}
	}
}
