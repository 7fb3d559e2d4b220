package errorkinds

import (
	"errors"
	"fmt"
)

// The different device operation error types.
var (
	ErrBusy             = errors.New("operation already in progress")
	ErrInProgress       = fmt.Errorf("%w: in progress", ErrBusy)
	ErrNotReady         = errors.New("resource not ready")
	ErrNotPowered       = errors.New("adapter not powered")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidArguments = errors.New("invalid arguments in method call")
	ErrNotSupported     = errors.New("operation is not supported")
	ErrAlreadyExists    = errors.New("already exists")
	ErrDoesNotExist     = errors.New("does not exist")
	ErrFailed           = errors.New("operation failed")
	ErrCanceled         = errors.New("operation canceled")
	ErrKeyMissing       = errors.New("key missing")

	ErrProfileUnavailable = errors.New("exhausted the list of BR/EDR profiles to connect to")

	ErrInvalidAddress = errors.New("invalid Bluetooth address")
	ErrDeviceNotFound = errors.New("device not found")
)

// The authentication error family.
var (
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrAuthenticationTimeout   = errors.New("authentication timeout")
	ErrAuthenticationRejected  = errors.New("authentication rejected")
	ErrAuthenticationCanceled  = errors.New("authentication canceled")
	ErrConnectionAttemptFailed = errors.New("page timeout")
)

// The collaborator (link, transport and discovery) failure classes.
var (
	ErrHostDown          = errors.New("host is down")
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrConnectionAborted = errors.New("software caused connection abort")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimedOut          = errors.New("connection timed out")
	ErrAlready           = errors.New("operation already in progress")
	ErrIO                = errors.New("input/output error")
	ErrNoDevice          = errors.New("no such device")
	ErrNotPermitted      = errors.New("operation not permitted")
)

// GenericError represents a standard error message.
type GenericError struct {
	// Errors stores all associated errors.
	Errors error `json:"errors,omitempty" codec:"errors,omitempty"`
}

// Error returns the formatted error as string.
func (e GenericError) Error() string {
	return e.Errors.Error()
}

// Unwrap unwraps all errors associated with this error.
func (e GenericError) Unwrap() error {
	return e.Errors
}

// IsHostDown reports whether err belongs to the host-down class of
// connection failures, which trigger the LE fallback.
func IsHostDown(err error) bool {
	return errors.Is(err, ErrHostDown)
}

// IsLinkLoss reports whether err is one of the disconnect reasons after which
// background auto-connection is re-armed.
func IsLinkLoss(err error) bool {
	return errors.Is(err, ErrTimedOut) ||
		errors.Is(err, ErrConnectionReset) ||
		errors.Is(err, ErrConnectionAborted)
}
