package device

import (
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
)

type authKind uint8

const (
	authPinCode authKind = iota
	authPasskey
	authConfirm
	authNotifyPasskey
	authNotifyPinCode
)

func (k authKind) String() string {
	switch k {
	case authPinCode:
		return "pincode"

	case authPasskey:
		return "passkey"

	case authConfirm:
		return "confirm"

	case authNotifyPasskey:
		return "notify-passkey"
	}

	return "notify-pincode"
}

// authRequest is the single outstanding authentication of a device.
// The agent is asked from its own goroutine; its answer is posted back.
type authRequest struct {
	kind        authKind
	addressType bluetooth.AddressType
	agent       bluetooth.Agent
	timeout     bluetooth.AuthTimeout
	secure      bool

	passkey uint32
	pincode string

	answered bool
	reply    *continuation[agentReply]
}

type agentReply struct {
	pincode string
	passkey uint32
	err     error
}

func (c *Controller) newAuth(d *Device, addressType bluetooth.AddressType, kind authKind, secure bool) (*authRequest, error) {
	if d.auth != nil {
		log.Errorf("%s: authentication already requested", d.Address)
		return nil, errorkinds.ErrNotPermitted
	}

	var agent bluetooth.Agent
	if d.bonding != nil && d.bonding.agent != nil {
		agent = d.bonding.agent
	} else {
		agent = c.agentFor("")
	}

	if agent == nil {
		log.Errorf("%s: no agent available for %s request", d.Address, kind)
		return nil, errorkinds.ErrNotPermitted
	}

	a := &authRequest{
		kind:        kind,
		addressType: addressType,
		agent:       agent,
		timeout:     bluetooth.NewAuthTimeout(c.opts.AuthTimeout),
		secure:      secure,
	}
	d.auth = a

	return a, nil
}

// prompt runs ask against the agent and handles its answer on the loop.
func (c *Controller) prompt(d *Device, a *authRequest, ask func(bluetooth.Agent, bluetooth.AuthTimeout) agentReply) {
	h := d.handle

	a.reply.abort()
	a.reply = newContinuation(c.loop, func(r agentReply) {
		c.agentReplied(h, a, r)
	})

	reply := a.reply
	go func() {
		reply.resolve(ask(a.agent, a.timeout))
	}()
}

func (c *Controller) agentReplied(h Handle, a *authRequest, r agentReply) {
	d, err := c.arena.get(h)
	if err != nil || d.auth != a || a.answered {
		return
	}

	if a.kind == authNotifyPasskey {
		if r.err != nil {
			log.Debugf("%s: agent cannot display passkey: %v", d.Address, r.err)
		}

		return
	}

	a.answered = true
	a.timeout.Cancel()

	if r.err != nil {
		log.Debugf("%s: agent %s request failed: %v", d.Address, a.kind, r.err)
	}

	switch a.kind {
	case authPinCode:
		if b := d.bonding; b != nil && r.err == nil {
			b.restartTimer(c.now())
		}

		err = c.link.PinCodeReply(d.Address, a.addressType, r.pincode, r.err == nil)

	case authNotifyPinCode:
		err = c.link.PinCodeReply(d.Address, a.addressType, a.pincode, true)

	case authPasskey:
		err = c.link.PasskeyReply(d.Address, a.addressType, r.passkey, r.err == nil)

	case authConfirm:
		err = c.link.ConfirmReply(d.Address, a.addressType, r.err == nil)
	}

	if err != nil {
		c.publishError(d, "device-auth-reply", "Cannot reply to authentication request", err)
	}
}

// cancelAuthentication drops the authentication request. Unless the
// bonding was aborted, the link layer is answered negatively.
func (c *Controller) cancelAuthentication(d *Device, aborted bool) {
	a := d.auth
	if a == nil {
		return
	}

	log.Debugf("%s: cancelling %s authentication", d.Address, a.kind)

	a.timeout.Cancel()
	a.reply.abort()
	d.auth = nil

	if aborted || a.answered {
		return
	}

	a.answered = true

	var err error

	switch a.kind {
	case authPinCode, authNotifyPinCode:
		err = c.link.PinCodeReply(d.Address, a.addressType, "", false)

	case authPasskey:
		err = c.link.PasskeyReply(d.Address, a.addressType, 0, false)

	case authConfirm:
		err = c.link.ConfirmReply(d.Address, a.addressType, false)
	}

	if err != nil {
		log.Debugf("%s: cannot reject authentication: %v", d.Address, err)
	}
}

func (c *Controller) freeAuth(d *Device) {
	a := d.auth
	if a == nil {
		return
	}

	a.timeout.Cancel()
	a.reply.abort()
	d.auth = nil
}

func canDisplay(io bluetooth.IOCapability) bool {
	switch io {
	case bluetooth.IOCapabilityDisplayOnly, bluetooth.IOCapabilityDisplayYesNo,
		bluetooth.IOCapabilityKeyboardDisplay:
		return true
	}

	return false
}

// PinCodeRequest handles a legacy PIN request from the link layer.
func (c *Controller) PinCodeRequest(address bluetooth.MacAddress, secure bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, bluetooth.AddressBREDR)
		c.pinCodeRequest(d, secure)
	})
}

func (c *Controller) pinCodeRequest(d *Device, secure bool) {
	b := d.bonding
	if b != nil {
		b.pinRequested = true
	}

	c.setTemporary(d, false)

	if b != nil {
		if pin, ok := b.pins.Next(); ok && (!secure || len(pin) == 16) {
			if canDisplay(b.io) {
				if err := c.notifyPinCode(d, secure, pin); err != nil {
					c.rejectPinCode(d)
				}

				return
			}

			b.restartTimer(c.now())

			if err := c.link.PinCodeReply(d.Address, bluetooth.AddressBREDR, pin, true); err != nil {
				c.publishError(d, "device-auth-pincode", "Cannot reply to PIN request", err)
			}

			return
		}
	}

	a, err := c.newAuth(d, bluetooth.AddressBREDR, authPinCode, secure)
	if err != nil {
		c.rejectPinCode(d)
		return
	}

	address := d.Address

	c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
		pin, err := agent.RequestPinCode(timeout, address, secure)
		return agentReply{pincode: pin, err: err}
	})
}

func (c *Controller) rejectPinCode(d *Device) {
	if err := c.link.PinCodeReply(d.Address, bluetooth.AddressBREDR, "", false); err != nil {
		log.Debugf("%s: cannot reject PIN request: %v", d.Address, err)
	}
}

func (c *Controller) notifyPinCode(d *Device, secure bool, pin string) error {
	a, err := c.newAuth(d, bluetooth.AddressBREDR, authNotifyPinCode, secure)
	if err != nil {
		return err
	}

	a.pincode = pin
	address := d.Address

	c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
		return agentReply{err: agent.DisplayPinCode(timeout, address, pin)}
	})

	return nil
}

// PasskeyRequest handles a passkey entry request from the link layer.
func (c *Controller) PasskeyRequest(address bluetooth.MacAddress, addressType bluetooth.AddressType) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		a, err := c.newAuth(d, addressType, authPasskey, false)
		if err != nil {
			if err := c.link.PasskeyReply(address, addressType, 0, false); err != nil {
				log.Debugf("%s: cannot reject passkey request: %v", address, err)
			}

			return
		}

		c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
			passkey, err := agent.RequestPasskey(timeout, address)
			return agentReply{passkey: passkey, err: err}
		})
	})
}

// ConfirmRequest handles a numeric comparison request from the link layer.
// With hint set, the remote asks for a just-works confirmation.
func (c *Controller) ConfirmRequest(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, hint bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)
		c.confirmRequest(d, addressType, passkey, hint)
	})
}

func (c *Controller) confirmRequest(d *Device, addressType bluetooth.AddressType, passkey uint32, hint bool) {
	reply := func(accept bool) {
		if err := c.link.ConfirmReply(d.Address, addressType, accept); err != nil {
			log.Debugf("%s: cannot reply to confirmation: %v", d.Address, err)
		}
	}

	if hint && d.isPaired(bearerOf(addressType)) {
		switch c.opts.JustWorksRepairing {
		case config.RepairingNever:
			log.Debugf("%s: rejecting repairing", d.Address)
			reply(false)

			return

		case config.RepairingAlways:
			reply(true)
			return
		}
	}

	a, err := c.newAuth(d, addressType, authConfirm, false)
	if err != nil {
		reply(false)
		return
	}

	a.passkey = passkey
	address := d.Address

	if !hint {
		c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
			return agentReply{err: agent.ConfirmPasskey(timeout, address, passkey)}
		})

		return
	}

	// A local pairing request is outstanding.
	if d.bonding != nil && c.opts.ConfirmHint == config.ConfirmHintAutoAccept {
		log.Debugf("%s: accepting just-works confirmation", d.Address)

		a.answered = true
		reply(true)

		return
	}

	c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
		return agentReply{err: agent.AuthorizePairing(timeout, address)}
	})
}

// PasskeyNotify asks the agent to display a passkey, and the number of
// digits the user has entered on the remote.
func (c *Controller) PasskeyNotify(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, entered uint16) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		a := d.auth
		if a != nil && a.kind != authNotifyPasskey {
			log.Errorf("%s: authentication already requested", address)
			return
		}

		if a == nil {
			var err error
			if a, err = c.newAuth(d, addressType, authNotifyPasskey, false); err != nil {
				return
			}
		}

		a.passkey = passkey

		c.prompt(d, a, func(agent bluetooth.Agent, timeout bluetooth.AuthTimeout) agentReply {
			return agentReply{err: agent.DisplayPasskey(timeout, address, passkey, entered)}
		})
	})
}
