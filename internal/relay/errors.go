package relay

import (
	"errors"
	"fmt"

	"gpio-relay/internal/store"
)

// ValidationError reports a required field missing from an inbound message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return e.Reason
}

// AuthorizationError reports a caller acting on a device it does not own or
// a connection speaking for another device.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

// NotFoundError reports a device with no live session.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func missing(field string) error { return &ValidationError{Field: field} }

// fromStore maps registry errors onto the relay error taxonomy.
func fromStore(err error, deviceID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDeviceNotFound):
		return &NotFoundError{Kind: "device", ID: deviceID}
	case errors.Is(err, store.ErrOwnerMismatch):
		return &AuthorizationError{Reason: "Unauthorized: device belongs to another user"}
	case errors.Is(err, store.ErrHandleMismatch):
		return &AuthorizationError{Reason: "Unauthorized: device is registered to another connection"}
	default:
		return err
	}
}

// errorKind names the error class for logging.
func errorKind(err error) string {
	var v *ValidationError
	var a *AuthorizationError
	var n *NotFoundError
	switch {
	case errors.As(err, &v):
		return "validation"
	case errors.As(err, &a):
		return "authorization"
	case errors.As(err, &n):
		return "not_found"
	default:
		return "internal"
	}
}
