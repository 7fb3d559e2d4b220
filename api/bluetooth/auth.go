package bluetooth

import (
	"context"
	"time"
)

// IOCapability describes the input/output capability an agent announces
// for pairing.
type IOCapability uint8

// The different IO capabilities.
const (
	IOCapabilityDisplayOnly IOCapability = iota
	IOCapabilityDisplayYesNo
	IOCapabilityKeyboardOnly
	IOCapabilityNoInputNoOutput
	IOCapabilityKeyboardDisplay
)

// ParseIOCapability parses an agent capability string.
func ParseIOCapability(s string) (IOCapability, bool) {
	switch s {
	case "DisplayOnly":
		return IOCapabilityDisplayOnly, true
	case "DisplayYesNo":
		return IOCapabilityDisplayYesNo, true
	case "KeyboardOnly":
		return IOCapabilityKeyboardOnly, true
	case "NoInputNoOutput":
		return IOCapabilityNoInputNoOutput, true
	case "KeyboardDisplay", "":
		return IOCapabilityKeyboardDisplay, true
	}

	return IOCapabilityNoInputNoOutput, false
}

// AuthTimeout describes an authentication timeout duration.
// The context value is created with 'context.WithTimeout()'.
type AuthTimeout struct {
	context.Context
	cancel context.CancelFunc
}

// NewAuthTimeout returns a new authentication timeout token.
func NewAuthTimeout(timeout time.Duration) AuthTimeout {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return AuthTimeout{ctx, cancel}
}

// Cancel cancels the inner context.
func (a *AuthTimeout) Cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}

// Agent describes an authentication agent, which prompts a user (or a peer
// policy) for pairing secrets and confirmations.
// All methods block until the agent replies or the timeout is done.
type Agent interface {
	// Capability returns the IO capability used for bonding.
	Capability() IOCapability

	RequestPinCode(timeout AuthTimeout, address MacAddress, secure bool) (string, error)
	RequestPasskey(timeout AuthTimeout, address MacAddress) (uint32, error)
	DisplayPinCode(timeout AuthTimeout, address MacAddress, pincode string) error
	DisplayPasskey(timeout AuthTimeout, address MacAddress, passkey uint32, entered uint16) error
	ConfirmPasskey(timeout AuthTimeout, address MacAddress, passkey uint32) error
	AuthorizePairing(timeout AuthTimeout, address MacAddress) error
}

// AgentProvider looks up the agent registered by an IPC sender.
// An empty sender returns the default agent. A nil Agent is returned
// if there is none.
type AgentProvider interface {
	Agent(sender string) Agent
}

const (
	defaultPinCode        = "0000"
	defaultPassKey uint32 = 1024
)

// DefaultAuthorizer describes a default authentication handler, which accepts
// every request.
type DefaultAuthorizer struct{}

// Capability returns the IO capability of the authorizer.
func (DefaultAuthorizer) Capability() IOCapability {
	return IOCapabilityNoInputNoOutput
}

// RequestPinCode returns a predefined pincode.
func (DefaultAuthorizer) RequestPinCode(AuthTimeout, MacAddress, bool) (string, error) {
	return defaultPinCode, nil
}

// RequestPasskey returns a predefined passkey.
func (DefaultAuthorizer) RequestPasskey(AuthTimeout, MacAddress) (uint32, error) {
	return defaultPassKey, nil
}

// DisplayPinCode accepts all display pincode requests.
func (DefaultAuthorizer) DisplayPinCode(AuthTimeout, MacAddress, string) error {
	return nil
}

// DisplayPasskey accepts all display passkey requests.
func (DefaultAuthorizer) DisplayPasskey(AuthTimeout, MacAddress, uint32, uint16) error {
	return nil
}

// ConfirmPasskey accepts all passkey confirmation requests.
func (DefaultAuthorizer) ConfirmPasskey(AuthTimeout, MacAddress, uint32) error {
	return nil
}

// AuthorizePairing accepts all pairing authorization requests.
func (DefaultAuthorizer) AuthorizePairing(AuthTimeout, MacAddress) error {
	return nil
}
