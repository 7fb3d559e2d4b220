package device

import (
	"context"

	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Method names an IPC method whose reply may be deferred.
type Method string

// The different device methods.
const (
	MethodConnect           Method = "Connect"
	MethodDisconnect        Method = "Disconnect"
	MethodConnectProfile    Method = "ConnectProfile"
	MethodDisconnectProfile Method = "DisconnectProfile"
	MethodPair              Method = "Pair"
	MethodCancelPairing     Method = "CancelPairing"
	MethodRemoveDevice      Method = "RemoveDevice"
)

// Call is the handle of a pending method invocation.
// It is replied to exactly once, either synchronously by the operation or
// later when the operation completes.
type Call struct {
	ID     xid.ID
	Method Method
	Sender string
	UUID   string

	replied *atomic.Bool
	done    chan struct{}
	err     error

	// resolved is set once a service resolution ran on behalf of the call.
	resolved bool
}

// NewCall returns a new call handle.
func NewCall(method Method, sender string) *Call {
	return &Call{
		ID:      xid.New(),
		Method:  method,
		Sender:  sender,
		replied: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// WithUUID sets the profile UUID argument of the call.
func (c *Call) WithUUID(uuid string) *Call {
	c.UUID = uuid

	return c
}

// reply completes the call. Only the first reply is delivered.
func (c *Call) reply(err error) bool {
	if c == nil || !c.replied.CompareAndSwap(false, true) {
		return false
	}

	c.err = err
	close(c.done)

	return true
}

// Replied reports whether the call has been completed.
func (c *Call) Replied() bool {
	return c.replied.Load()
}

// Done returns a channel that is closed when the call is completed.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the reply of a completed call.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err

	default:
		return nil
	}
}

// Wait blocks until the call is completed or the context is done.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) is(method Method) bool {
	return c != nil && c.Method == method
}
