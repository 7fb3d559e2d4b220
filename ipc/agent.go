package ipc

import (
	"context"
	"sync"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

// caller issues method calls on a remote object. dbus.BusObject implements it.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call
}

// remoteAgent forwards authentication requests to an Agent1 object
// registered by a caller.
type remoteAgent struct {
	sender     string
	path       dbus.ObjectPath
	capability bluetooth.IOCapability

	obj        caller
	devicePath func(bluetooth.MacAddress) dbus.ObjectPath
}

var _ bluetooth.Agent = (*remoteAgent)(nil)

// Capability returns the IO capability the agent registered with.
func (a *remoteAgent) Capability() bluetooth.IOCapability {
	return a.capability
}

// call invokes an agent method and stores its reply in dst. If the
// request times out, the agent is told to cancel it.
func (a *remoteAgent) call(timeout bluetooth.AuthTimeout, method string, dst any, args ...any) error {
	c := a.obj.CallWithContext(timeout, agentIface+"."+method, 0, args...)

	err := c.Err
	if err == nil && dst != nil {
		err = c.Store(dst)
	}

	if err != nil && timeout.Err() != nil {
		a.cancel()
	}

	return agentError(timeout, err)
}

func (a *remoteAgent) cancel() {
	a.obj.CallWithContext(context.Background(), agentIface+".Cancel", dbus.FlagNoReplyExpected)
}

func (a *remoteAgent) release() {
	a.obj.CallWithContext(context.Background(), agentIface+".Release", dbus.FlagNoReplyExpected)
}

// RequestPinCode asks the agent for a PIN code.
func (a *remoteAgent) RequestPinCode(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, _ bool) (string, error) {
	var pin string
	if err := a.call(timeout, "RequestPinCode", &pin, a.devicePath(address)); err != nil {
		return "", err
	}

	if pin == "" || len(pin) > 16 {
		return "", errorkinds.ErrAuthenticationRejected
	}

	return pin, nil
}

// RequestPasskey asks the agent for a passkey.
func (a *remoteAgent) RequestPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress) (uint32, error) {
	var passkey uint32
	if err := a.call(timeout, "RequestPasskey", &passkey, a.devicePath(address)); err != nil {
		return 0, err
	}

	if passkey > 999999 {
		return 0, errorkinds.ErrAuthenticationRejected
	}

	return passkey, nil
}

// DisplayPinCode asks the agent to show the PIN code.
func (a *remoteAgent) DisplayPinCode(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, pincode string) error {
	return a.call(timeout, "DisplayPinCode", nil, a.devicePath(address), pincode)
}

// DisplayPasskey asks the agent to show the passkey and the number of
// digits entered on the remote.
func (a *remoteAgent) DisplayPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, passkey uint32, entered uint16) error {
	return a.call(timeout, "DisplayPasskey", nil, a.devicePath(address), passkey, entered)
}

// ConfirmPasskey asks the agent to confirm the passkey.
func (a *remoteAgent) ConfirmPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, passkey uint32) error {
	return a.call(timeout, "RequestConfirmation", nil, a.devicePath(address), passkey)
}

// AuthorizePairing asks the agent to authorize an incoming pairing.
func (a *remoteAgent) AuthorizePairing(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress) error {
	return a.call(timeout, "RequestAuthorization", nil, a.devicePath(address))
}

// agentRegistry holds one agent per caller, and the default agent.
type agentRegistry struct {
	agents       map[string]*remoteAgent
	defaultAgent string

	mu sync.Mutex
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{agents: make(map[string]*remoteAgent)}
}

func (r *agentRegistry) add(a *remoteAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[a.sender]; ok {
		return errorkinds.ErrAlreadyExists
	}

	r.agents[a.sender] = a

	return nil
}

// get returns the agent of sender, or the default agent if sender is empty.
func (r *agentRegistry) get(sender string) *remoteAgent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender == "" {
		sender = r.defaultAgent
	}

	return r.agents[sender]
}

func (r *agentRegistry) setDefault(sender string, path dbus.ObjectPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[sender]
	if !ok || a.path != path {
		return errorkinds.ErrDoesNotExist
	}

	r.defaultAgent = sender

	return nil
}

// unregister removes the agent of sender at path.
func (r *agentRegistry) unregister(sender string, path dbus.ObjectPath) (*remoteAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[sender]
	if !ok || a.path != path {
		return nil, errorkinds.ErrDoesNotExist
	}

	r.drop(sender)

	return a, nil
}

// remove drops the agent of a caller that left the bus.
func (r *agentRegistry) remove(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[sender]; !ok {
		return false
	}

	r.drop(sender)

	return true
}

func (r *agentRegistry) drop(sender string) {
	delete(r.agents, sender)

	if r.defaultAgent == sender {
		r.defaultAgent = ""
	}
}

func (r *agentRegistry) releaseAll() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*remoteAgent)
	r.defaultAgent = ""
	r.mu.Unlock()

	for _, a := range agents {
		a.release()
	}
}

// agentManager is the exported AgentManager1 object.
type agentManager struct {
	s *Session
}

// RegisterAgent registers the agent object of the caller.
func (m *agentManager) RegisterAgent(sender dbus.Sender, path dbus.ObjectPath, capability string) *dbus.Error {
	io, ok := bluetooth.ParseIOCapability(capability)
	if !ok || !path.IsValid() {
		return Error(errorkinds.ErrInvalidArguments)
	}

	a := &remoteAgent{
		sender:     string(sender),
		path:       path,
		capability: io,
		obj:        m.s.conn.Object(string(sender), path),
		devicePath: m.s.DevicePath,
	}

	if err := m.s.agents.add(a); err != nil {
		return Error(err)
	}

	log.Infof("Agent registered for %s at %s", sender, path)

	return nil
}

// UnregisterAgent unregisters the agent object of the caller.
func (m *agentManager) UnregisterAgent(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	a, err := m.s.agents.unregister(string(sender), path)
	if err != nil {
		return Error(err)
	}

	a.release()
	log.Infof("Agent unregistered for %s", sender)

	return nil
}

// RequestDefaultAgent makes the agent of the caller the default agent.
func (m *agentManager) RequestDefaultAgent(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	if err := m.s.agents.setDefault(string(sender), path); err != nil {
		return Error(err)
	}

	log.Infof("Default agent set to %s", sender)

	return nil
}
