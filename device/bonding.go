package device

import (
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/internal/eventloop"
	"github.com/rs/xid"
)

// pinIterator hands out the configured PIN codes, one per attempt.
// Once it runs out the agent is asked, and no further retry is made.
type pinIterator struct {
	pins  []string
	next  int
	ended bool
}

func newPinIterator(pins []string) *pinIterator {
	return &pinIterator{pins: pins}
}

func (it *pinIterator) Next() (string, bool) {
	if it.next < len(it.pins) {
		pin := it.pins[it.next]
		it.next++

		return pin, true
	}

	it.ended = true

	return "", false
}

func (it *pinIterator) End() bool {
	return it.ended
}

// bondingRequest is the single outstanding pairing of a device.
type bondingRequest struct {
	id   xid.ID
	call *Call

	bearer bluetooth.Bearer
	agent  bluetooth.Agent
	io     bluetooth.IOCapability

	pins         *pinIterator
	pinRequested bool
	status       errorkinds.Status

	started      time.Time
	lastDuration time.Duration
	retryTimer   *eventloop.Timer
}

func (b *bondingRequest) restartTimer(now time.Time) {
	b.started = now
}

func (b *bondingRequest) stopTimer(now time.Time) {
	if b.started.IsZero() {
		return
	}

	b.lastDuration = now.Sub(b.started)
	b.started = time.Time{}
}

func (c *Controller) agentFor(sender string) bluetooth.Agent {
	if c.agents == nil {
		return bluetooth.DefaultAuthorizer{}
	}

	return c.agents.Agent(sender)
}

// pair starts bonding with the device.
func (c *Controller) pair(d *Device, call *Call) {
	c.setTemporary(d, false)

	if d.bonding != nil || d.connect != nil {
		call.reply(errorkinds.ErrInProgress)
		return
	}

	// Steer to the bearer that is not bonded yet.
	var bearer bluetooth.Bearer
	switch {
	case d.bredr && d.le:
		switch {
		case d.bredrState.Bonded:
			bearer = bluetooth.BearerLE

		case d.leState.Bonded:
			bearer = bluetooth.BearerBREDR

		default:
			bearer = SelectBearer(d.selection(c.adapter.BREDREnabled()), c.now())
		}

	default:
		bearer = bearerOf(d.AddressType)
	}

	state := d.state(bearer)
	if state.Bonded {
		call.reply(errorkinds.ErrAlreadyExists)
		return
	}

	agent := c.agentFor(call.Sender)

	io := bluetooth.IOCapabilityNoInputNoOutput
	if agent != nil {
		io = agent.Capability()
	}

	b := &bondingRequest{
		id:      xid.New(),
		call:    call,
		bearer:  bearer,
		agent:   agent,
		io:      io,
		pins:    newPinIterator(c.opts.PinCodes),
		started: c.now(),
	}
	d.bonding = b

	log.Debugf("%s: requesting bonding over %s (%s)", d.Address, bearer, b.id)

	var err error

	if bearer == bluetooth.BearerLE {
		if d.disableAutoConnect {
			d.disableAutoConnect = false
			c.setAutoConnect(d, true)
		}

		// Connecting first keeps the attribute channel from racing
		// with the pairing procedure.
		switch {
		case !state.Connected && c.opts.LEConnectBeforePairing:
			err = c.connectLE(d)

		case !state.Connected || d.att == nil || d.att.ch.SetSecurity(SecurityMedium) != nil:
			err = c.link.CreateBonding(d.Address, d.addressTypeOf(bearer), io)
		}
	} else {
		err = c.link.CreateBonding(d.Address, bluetooth.AddressBREDR, io)
	}

	if err != nil {
		c.freeBonding(d)
		call.reply(wrapError(err, "device-pair", d.Address, "Cannot pair with device"))
	}
}

func (c *Controller) freeBonding(d *Device) {
	b := d.bonding
	if b == nil {
		return
	}

	b.retryTimer.Stop()
	b.retryTimer = nil

	d.bonding = nil
}

// cancelBonding aborts the bonding request and replies to its caller.
func (c *Controller) cancelBonding(d *Device, status errorkinds.Status) {
	b := d.bonding
	if b == nil {
		return
	}

	log.Debugf("%s: cancelling bonding (%s)", d.Address, status)

	if d.auth != nil {
		c.cancelAuthentication(d, false)
	}

	b.call.reply(errorkinds.FromStatus(status))

	if err := c.link.CancelBonding(d.Address, d.addressTypeOf(b.bearer)); err != nil {
		log.Debugf("%s: cancel bonding: %v", d.Address, err)
	}

	c.freeBonding(d)
}

func (c *Controller) cancelPairing(d *Device, call *Call) {
	if d.bonding == nil {
		// Abort a bonding started by the remote, unless a bond exists.
		if !d.bonded() {
			if err := c.link.RemoveBonding(d.Address, d.AddressType); err != nil {
				log.Debugf("%s: remove bonding: %v", d.Address, err)
			}
		}

		call.reply(errorkinds.ErrDoesNotExist)

		return
	}

	c.cancelBonding(d, errorkinds.StatusCancelled)
	call.reply(nil)
}

// BondingComplete reports the result of a bonding attempt.
func (c *Controller) BondingComplete(address bluetooth.MacAddress, addressType bluetooth.AddressType, status errorkinds.Status) {
	c.loop.Post(func() {
		d, ok := c.arena.lookup(address)
		if !ok {
			return
		}

		c.bondingResult(d, bearerOf(addressType), status)
	})
}

func (c *Controller) bondingResult(d *Device, bearer bluetooth.Bearer, status errorkinds.Status) {
	if b := d.bonding; b != nil && status == errorkinds.StatusAuthFailed && b.pinRequested {
		if c.retryBonding(d, status) {
			return
		}
	}

	// Disconnects are expected while retrying.
	if status == errorkinds.StatusDisconnected && d.isRetrying() {
		return
	}

	c.bondingComplete(d, bearer, status)
}

// retryBonding schedules a new attempt if the PIN codes are not exhausted.
func (c *Controller) retryBonding(d *Device, status errorkinds.Status) bool {
	b := d.bonding

	if d.isRetrying() {
		return true
	}

	b.stopTimer(c.now())

	if b.pins.End() {
		return false
	}

	log.Debugf("%s: retrying bonding in %s", d.Address, c.opts.BondingRetryDelay)

	b.status = status

	h := d.handle
	b.retryTimer = c.loop.AfterFunc(c.opts.BondingRetryDelay, func() {
		c.bondingRetry(h, b)
	})

	return true
}

func (c *Controller) bondingRetry(h Handle, b *bondingRequest) {
	d, err := c.arena.get(h)
	if err != nil || d.bonding != b {
		return
	}

	b.retryTimer = nil
	b.pinRequested = false
	b.restartTimer(c.now())

	if err := c.link.CreateBonding(d.Address, d.addressTypeOf(b.bearer), b.io); err != nil {
		log.Debugf("%s: bonding retry failed: %v", d.Address, err)
		c.bondingComplete(d, b.bearer, b.status)
	}
}

func (c *Controller) bondingFailed(d *Device, status errorkinds.Status) {
	b := d.bonding
	if b == nil {
		return
	}

	if d.auth != nil {
		c.cancelAuthentication(d, false)
	}

	b.call.reply(wrapError(errorkinds.FromStatus(status), "device-pair", d.Address, "Cannot pair with device"))
	c.freeBonding(d)
}

func (c *Controller) bondingComplete(d *Device, bearer bluetooth.Bearer, status errorkinds.Status) {
	b := d.bonding
	state := d.state(bearer)

	log.Debugf("%s: bonding complete over %s: %s", d.Address, bearer, status)

	if b != nil {
		b.stopTimer(c.now())
		d.bondingDuration = b.lastDuration
	}

	d.bondingStatus = status

	if status != errorkinds.StatusSuccess {
		c.cancelAuthentication(d, true)

		if !d.bearerConnected() && !d.isPaired(bearer) && !d.trusted {
			c.setTemporary(d, true)
		}

		c.bondingFailed(d, status)

		// The remote rejected authentication over an established link.
		if status == errorkinds.StatusAuthFailed {
			c.requestDisconnect(d, nil)
		}

		return
	}

	c.freeAuth(d)

	if d.wakeOverride == wakeEnabled {
		if err := c.setWakeAllowed(d, true); err != nil {
			log.Debugf("%s: cannot allow wake: %v", d.Address, err)
		}
	}

	if state.Paired {
		if b != nil && b.bearer == bearer {
			b.call.reply(nil)
			c.freeBonding(d)
		}

		return
	}

	c.setPaired(d, bearer)

	switch {
	case state.ServiceResolved:
		if b != nil {
			c.storeCache(d)
			b.call.reply(nil)
			c.freeBonding(d)
		}

	case b != nil:
		d.discovTimer.Stop()
		d.discovTimer = nil

		call := b.call
		c.freeBonding(d)

		var err error
		if bearer == bluetooth.BearerBREDR {
			err = c.browseSDP(d, call)
		} else {
			err = c.browseGATT(d, call)
		}

		if err != nil {
			log.Debugf("%s: service resolution after pairing not started: %v", d.Address, err)
			call.reply(nil)
		}

	default:
		// Defer discovery when the remote initiated the bonding, some
		// devices do not cope with simultaneous searches.
		if d.browse == nil && !d.discovTimer.Pending() && c.opts.ReverseDiscovery {
			h := d.handle
			d.discovTimer = c.loop.AfterFunc(c.opts.DiscoveryDefer, func() {
				c.startDiscovery(h)
			})
		}
	}
}

func (c *Controller) setPaired(d *Device, bearer bluetooth.Bearer) {
	state := d.state(bearer)
	if state.Paired {
		return
	}

	state.Paired = true

	// The other bearer is already paired.
	if d.bredrState.Paired && d.leState.Paired {
		return
	}

	if !state.ServiceResolved {
		d.pendingPaired = true
		return
	}

	c.propertyChanged(d, "Paired", true)
}

func (c *Controller) setUnpaired(d *Device, bearer bluetooth.Bearer) {
	state := d.state(bearer)
	if !state.Paired {
		return
	}

	state.Paired = false
	state.Bonded = false

	if d.bredrState.Paired || d.leState.Paired {
		return
	}

	d.pendingPaired = false
	c.setTemporary(d, true)

	c.propertyChanged(d, "Paired", false)
	c.propertyChanged(d, "Bonded", false)
	c.storeDevice(d)
}

func (c *Controller) setBonded(d *Device, bearer bluetooth.Bearer) {
	state := d.state(bearer)
	if state.Bonded {
		return
	}

	state.Bonded = true
	c.setTemporary(d, false)

	// The other bearer is already bonded.
	if d.bredrState.Bonded && d.leState.Bonded {
		return
	}

	c.propertyChanged(d, "Bonded", true)
}

// DeviceUnpaired reports that the keys of a bearer were removed.
func (c *Controller) DeviceUnpaired(address bluetooth.MacAddress, addressType bluetooth.AddressType) {
	c.loop.Post(func() {
		if d, ok := c.arena.lookup(address); ok {
			c.setUnpaired(d, bearerOf(addressType))
		}
	})
}

// NewLinkKey reports a BR/EDR link key. Persistent keys bond the device.
func (c *Controller) NewLinkKey(address bluetooth.MacAddress, persistent bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, bluetooth.AddressBREDR)

		if persistent {
			c.setBonded(d, bluetooth.BearerBREDR)
		}

		c.bondingComplete(d, bluetooth.BearerBREDR, errorkinds.StatusSuccess)
	})
}

// NewLongTermKey reports an LE long-term key.
func (c *Controller) NewLongTermKey(address bluetooth.MacAddress, addressType bluetooth.AddressType, key LongTermKey, persistent bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		if persistent {
			k := key
			d.ltk = &k

			c.setBonded(d, bluetooth.BearerLE)
			c.storeDevice(d)
		}

		if t := d.att; t != nil {
			t.ch.SetEncKeySize(key.EncSize)
		}

		c.bondingComplete(d, bluetooth.BearerLE, errorkinds.StatusSuccess)
	})
}

// NewSignatureKey reports a local or remote CSRK.
func (c *Controller) NewSignatureKey(address bluetooth.MacAddress, addressType bluetooth.AddressType, local bool, key SignatureKey, persistent bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		if local {
			d.localCSRK = newSigningKey(key)
		} else {
			d.remoteCSRK = newSigningKey(key)
		}

		if persistent {
			c.storeDevice(d)
		}
	})
}
