package ipc

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

const errorPrefix = "org.bluez.Error."

// errorNames maps the error taxonomy to D-Bus error names. Wrapping
// errors are listed before the errors they wrap.
var errorNames = []struct {
	err  error
	name string
}{
	{errorkinds.ErrInProgress, "InProgress"},
	{errorkinds.ErrBusy, "InProgress"},
	{errorkinds.ErrAlready, "AlreadyConnected"},
	{errorkinds.ErrNotReady, "NotReady"},
	{errorkinds.ErrNotPowered, "NotReady"},
	{errorkinds.ErrNotConnected, "NotConnected"},
	{errorkinds.ErrInvalidArguments, "InvalidArguments"},
	{errorkinds.ErrInvalidAddress, "InvalidArguments"},
	{errorkinds.ErrNotSupported, "NotSupported"},
	{errorkinds.ErrAlreadyExists, "AlreadyExists"},
	{errorkinds.ErrDoesNotExist, "DoesNotExist"},
	{errorkinds.ErrDeviceNotFound, "DoesNotExist"},
	{errorkinds.ErrNotPermitted, "NotPermitted"},
	{errorkinds.ErrAuthenticationFailed, "AuthenticationFailed"},
	{errorkinds.ErrAuthenticationTimeout, "AuthenticationTimeout"},
	{errorkinds.ErrAuthenticationRejected, "AuthenticationRejected"},
	{errorkinds.ErrAuthenticationCanceled, "AuthenticationCanceled"},
	{errorkinds.ErrConnectionAttemptFailed, "ConnectionAttemptFailed"},
	{errorkinds.ErrProfileUnavailable, "ProfileUnavailable"},
}

// Error converts err into the D-Bus error replied to a caller.
// Errors outside the taxonomy are replied as org.bluez.Error.Failed.
func Error(err error) *dbus.Error {
	if err == nil {
		return nil
	}

	name := "Failed"
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			name = e.name
			break
		}
	}

	return dbus.NewError(errorPrefix+name, []any{err.Error()})
}

// agentError converts the reply of an external agent into the
// authentication error family.
func agentError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return errorkinds.ErrAuthenticationTimeout
	}

	var name string

	var derr dbus.Error
	var pderr *dbus.Error

	switch {
	case errors.As(err, &derr):
		name = derr.Name

	case errors.As(err, &pderr):
		name = pderr.Name
	}

	switch name {
	case errorPrefix + "Rejected":
		return errorkinds.ErrAuthenticationRejected

	case errorPrefix + "Canceled":
		return errorkinds.ErrAuthenticationCanceled

	case "org.freedesktop.DBus.Error.NoReply":
		return errorkinds.ErrAuthenticationTimeout
	}

	return errorkinds.ErrAuthenticationFailed
}

// publishError logs err and publishes it to the error event stream.
func (s *Session) publishError(err error, message string, metadata ...string) {
	log.Warningf("%s: %v", message, err)

	bluetooth.ErrorEvents(s.bus).PublishAdded(errorkinds.GenericError{
		Errors: fault.Wrap(err,
			fctx.With(context.Background(), metadata...),
			ftag.With(ftag.Internal),
			fmsg.With(message),
		),
	})
}

func wrapError(err error, at, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
