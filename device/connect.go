package device

import (
	"errors"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/google/uuid"
)

// connect connects the device over the bearer it is most likely reachable on.
func (c *Controller) connect(d *Device, call *Call) {
	if d.bonding != nil {
		call.reply(errorkinds.ErrInProgress)
		return
	}

	if !c.adapter.Powered() {
		call.reply(errorkinds.ErrNotPowered)
		return
	}

	var bearer bluetooth.Bearer

	switch {
	case d.bredrState.Connected:
		// Switch to LE once the BR/EDR profiles are up.
		bearer = bluetooth.BearerBREDR
		if d.le && d.bredrState.ServiceResolved && d.findServiceWithState(ServiceConnected) != nil {
			bearer = bluetooth.BearerLE
		}

	case d.leState.Connected && d.bredr:
		bearer = bluetooth.BearerBREDR

	default:
		bearer = SelectBearer(d.selection(c.adapter.BREDREnabled()), c.now())
	}

	switch c.opts.Mode {
	case config.ModeLE:
		bearer = bluetooth.BearerLE

	case config.ModeBREDR:
		bearer = bluetooth.BearerBREDR
	}

	if bearer == bluetooth.BearerBREDR {
		c.connectProfiles(d, bluetooth.BearerBREDR, call, "")
		return
	}

	if d.connect != nil || d.browse != nil {
		call.reply(errorkinds.ErrBusy)
		return
	}

	if d.leState.Connected {
		call.reply(nil)
		return
	}

	c.setTemporary(d, false)

	if d.disableAutoConnect {
		d.disableAutoConnect = false
		c.setAutoConnect(d, true)
	}

	if err := c.connectLE(d); err != nil {
		call.reply(wrapError(err, "device-connect-le", d.Address, "Cannot connect to device"))
		return
	}

	d.connect = call
}

// connectProfile connects the single profile named by the call's UUID.
func (c *Controller) connectProfile(d *Device, call *Call) {
	id, ok := parseProfileUUID(call.UUID)
	if !ok {
		call.reply(wrapError(errorkinds.ErrInvalidArguments, "device-connect-profile", d.Address, "Invalid profile UUID"))
		return
	}

	c.connectProfiles(d, bluetooth.BearerBREDR, call, id)
}

func parseProfileUUID(s string) (string, bool) {
	id := bluetooth.UUIDString(s)
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}

	return id, true
}

func (c *Controller) connectProfiles(d *Device, bearer bluetooth.Bearer, call *Call, uuid string) {
	log.Debugf("%s: connecting profiles %q, client %s", d.Address, uuid, call.Sender)

	if len(d.pending) > 0 || d.connect != nil || d.browse != nil {
		call.reply(errorkinds.ErrBusy)
		return
	}

	if !c.adapter.Powered() {
		call.reply(errorkinds.ErrNotPowered)
		return
	}

	c.setTemporary(d, false)

	if d.state(bearer).ServiceResolved {
		c.createPendingList(d, uuid)

		if len(d.pending) > 0 {
			if err := c.connectNext(d); err != nil {
				if errors.Is(err, errorkinds.ErrAlready) {
					call.reply(nil)
					return
				}

				call.reply(wrapError(err, "device-connect-profiles", d.Address, "Cannot connect profiles"))

				return
			}

			d.connect = call

			return
		}

		// A call that already went through a resolution is not sent
		// around again.
		if d.svcRefreshed || call.resolved {
			if call.is(MethodConnect) && d.findServiceWithState(ServiceConnected) != nil {
				call.reply(nil)
			} else {
				call.reply(errorkinds.ErrProfileUnavailable)
			}

			return
		}
	}

	log.Debugf("%s: resolving services", d.Address)

	var err error
	if bearer == bluetooth.BearerBREDR {
		err = c.browseSDP(d, call)
	} else {
		err = c.browseGATT(d, call)
	}

	if err != nil {
		call.reply(wrapError(err, "device-connect-profiles", d.Address, "Cannot resolve services"))
	}
}

// createPendingList queues the services to connect. With a UUID only the
// matching service is queued, otherwise every auto-connectable service in
// descending priority order.
func (c *Controller) createPendingList(d *Device, uuid string) {
	if uuid != "" {
		s := d.findConnectableService(uuid)
		if s == nil {
			return
		}

		if !s.allowed {
			log.Infof("%s: service %s is blocked", d.Address, uuid)
			return
		}

		d.pending = append([]*Service{s}, d.pending...)

		return
	}

	for _, s := range d.services {
		if !s.autoConnect() {
			continue
		}

		if !s.allowed {
			log.Infof("%s: service %s is blocked", d.Address, s.profile.RemoteUUID())
			continue
		}

		if s.state != ServiceDisconnected || containsService(d.pending, s) {
			continue
		}

		i := 0
		for i < len(d.pending) && d.pending[i].profile.Priority() > s.profile.Priority() {
			i++
		}

		d.pending = append(d.pending, nil)
		copy(d.pending[i+1:], d.pending[i:])
		d.pending[i] = s
	}
}

func containsService(list []*Service, s *Service) bool {
	for _, svc := range list {
		if svc == s {
			return true
		}
	}

	return false
}

// connectNext starts the first queued service that accepts the request,
// dropping the ones that fail.
func (c *Controller) connectNext(d *Device) error {
	err := errorkinds.ErrDoesNotExist

	for len(d.pending) > 0 {
		s := d.pending[0]

		if err = s.connect(); err == nil {
			return nil
		}

		log.Debugf("%s: %s connect failed: %v", d.Address, s.profile.Name(), err)
		d.pending = d.pending[1:]
	}

	return err
}

func (c *Controller) profileConnected(d *Device, s *Service, err error) {
	log.Debugf("%s: %s connected: %v", d.Address, s.profile.Name(), err)

	if err == nil {
		c.setTemporary(d, false)
	}

	if len(d.pending) > 0 {
		// Page timeouts and power loss end the whole sequence.
		cut := !d.isConnected() && isError(err,
			errorkinds.ErrHostDown,
			errorkinds.ErrNotPowered,
			errorkinds.ErrConnectionAborted,
		)

		if !cut {
			first := d.pending[0]
			d.removePending(s)

			// Only the head of the queue advances it.
			if s != first {
				return
			}

			if c.connectNext(d) == nil {
				return
			}
		}
	}

	d.pending = nil

	call := d.connect
	if call == nil {
		return
	}

	if call.is(MethodConnect) {
		switch {
		case err == nil:
			d.generalConnect = true

		case d.findServiceWithState(ServiceConnected) != nil:
			err = nil
		}
	}

	if err != nil {
		if errorkinds.IsHostDown(err) && d.le && !d.leState.Connected {
			// The pending call is answered once the LE link is up.
			if c.connectLE(d) == nil {
				return
			}
		}

		d.connect = nil
		call.reply(wrapError(err, "device-connect-profiles", d.Address, "Cannot connect profiles"))

		return
	}

	if d.bredr && !d.svcRefreshed && c.opts.RefreshDiscovery {
		if berr := c.browseSDP(d, nil); berr != nil {
			log.Debugf("%s: service refresh not started: %v", d.Address, berr)
		}
	}

	d.connect = nil
	call.reply(nil)
}

func (c *Controller) profileDisconnected(d *Device, s *Service, err error) {
	log.Debugf("%s: %s disconnected: %v", d.Address, s.profile.Name(), err)

	call := d.disconnect
	if call == nil {
		return
	}

	d.disconnect = nil

	if err != nil {
		err = wrapError(err, "device-disconnect-profile", d.Address, "Cannot disconnect profile")
	}

	call.reply(err)
}

// disconnectProfile disconnects the single profile named by the call's UUID.
func (c *Controller) disconnectProfile(d *Device, call *Call) {
	id, ok := parseProfileUUID(call.UUID)
	if !ok {
		call.reply(errorkinds.ErrInvalidArguments)
		return
	}

	s := d.findConnectableService(id)
	if s == nil {
		call.reply(errorkinds.ErrInvalidArguments)
		return
	}

	if d.disconnect != nil {
		call.reply(errorkinds.ErrInProgress)
		return
	}

	if s.state == ServiceDisconnected {
		call.reply(nil)
		return
	}

	d.disconnect = call

	err := s.disconnect()
	if err == nil {
		return
	}

	d.disconnect = nil

	switch {
	case errors.Is(err, errorkinds.ErrNotSupported):
		call.reply(errorkinds.ErrNotSupported)

	case errors.Is(err, errorkinds.ErrAlready):
		call.reply(nil)

	default:
		call.reply(wrapError(err, "device-disconnect-profile", d.Address, "Cannot disconnect profile"))
	}
}

func (c *Controller) updateLastSeen(d *Device, bearer bluetooth.Bearer, connectable bool) {
	d.seen(bearer, connectable, c.now())

	if d.temporary {
		c.setTemporaryTimer(d)
	}
}

func (c *Controller) updateLastUsed(d *Device, bearer bluetooth.Bearer) {
	state := d.state(bearer)
	state.LastUsed = c.now()

	if d.prefer != bluetooth.PreferLastUsed {
		return
	}

	state.Prefer = true

	if bearer == bluetooth.BearerBREDR {
		if d.leState.Prefer {
			d.leState.Prefer = false

			// Keep the kernel from connecting LE when the device
			// starts advertising.
			c.setAutoConnect(d, false)
		}
	} else if d.bredrState.Prefer {
		d.bredrState.Prefer = false
		c.setAutoConnect(d, true)
	}

	c.storeDevice(d)
}

// addConnection marks a bearer connected.
func (c *Controller) addConnection(d *Device, bearer bluetooth.Bearer, initiator bool) {
	state := d.state(bearer)

	c.updateLastSeen(d, bearer, true)
	c.updateLastUsed(d, bearer)

	if state.Connected {
		log.Errorf("%s: already connected over %s", d.Address, bearer)
		return
	}

	if bearer == bluetooth.BearerBREDR {
		c.setBREDRSupport(d)
	} else {
		c.setLESupport(d, d.addressTypeOf(bluetooth.BearerLE))
	}

	state.Connected = true
	state.Initiator = initiator

	if d.bredrState.Connected && d.leState.Connected {
		return
	}

	d.temporaryTimer.Stop()
	d.temporaryTimer = nil

	c.propertyChanged(d, "Connected", true)
}

// removeConnection marks a bearer disconnected. Operations waiting on the
// bearer are finalized before the Connected property changes.
func (c *Controller) removeConnection(d *Device, bearer bluetooth.Bearer, reason bluetooth.DisconnectReason) {
	state := d.state(bearer)
	if !state.Connected {
		return
	}

	log.Debugf("%s: %s disconnected (%s)", d.Address, bearer, reason.Name())

	state.Connected = false
	state.Initiator = false
	d.generalConnect = false

	c.setSvcRefreshed(d, false)

	d.disconnTimer.Stop()
	d.disconnTimer = nil

	if bearer == bluetooth.BearerLE {
		if t := d.att; t != nil {
			c.attDisconnected(d.handle, t, reasonError(reason))
		}

		if req := d.browse; req != nil && req.kind == browseGATT {
			c.attCleanup(d)
			c.browseComplete(d, browseGATT, bluetooth.BearerLE, errorkinds.ErrIO)
		}
	} else if req := d.browse; req != nil && req.kind == browseSDP {
		c.browseComplete(d, browseSDP, bluetooth.BearerBREDR, errorkinds.ErrIO)
	}

	if b := d.bonding; b != nil && b.bearer == bearer && !d.isRetrying() {
		c.bondingComplete(d, bearer, errorkinds.StatusDisconnected)
	}

	// A connect falling back to LE is answered by the attribute channel.
	if call := d.connect; call != nil && (bearer == bluetooth.BearerLE || !d.attConnect.pending()) {
		log.Debugf("%s: connection removed while connect is waiting", d.Address)

		d.connect = nil
		call.reply(wrapError(errorkinds.ErrCanceled, "device-connect", d.Address, "Connection canceled"))
	}

	// Bearers can be paired without being connected after key conversion.
	var unpaired bool

	for _, b := range []bluetooth.Bearer{bluetooth.BearerBREDR, bluetooth.BearerLE} {
		st := d.state(b)
		if st.Connected || !st.Paired || st.Bonded {
			continue
		}

		if err := c.link.RemoveBonding(d.Address, d.addressTypeOf(b)); err != nil {
			log.Debugf("%s: remove bonding: %v", d.Address, err)
		}

		st.Paired = false
		unpaired = true
	}

	if unpaired && !d.paired() {
		c.propertyChanged(d, "Paired", false)
	}

	if d.bearerConnected() {
		return
	}

	c.updateLastSeen(d, bearer, true)
	d.eirUUIDs.Clear()

	if !d.removed {
		c.emitter.Disconnected(d.handle, d.Address, reason)
		bluetooth.DisconnectedEvents(c.bus).PublishAdded(bluetooth.DisconnectedEventData{
			Address: d.Address,
			Reason:  reason,
		})
	}

	c.propertyChanged(d, "Connected", false)

	var remove bool

	disconnects := d.disconnects
	d.disconnects = nil

	for _, call := range disconnects {
		if call.is(MethodRemoveDevice) {
			remove = true
		}

		call.reply(nil)
	}

	if remove {
		c.removeDevice(d, true)
	}
}

// reasonError maps a disconnect reason to the error class seen by the
// attribute transport.
func reasonError(reason bluetooth.DisconnectReason) error {
	switch reason {
	case bluetooth.ReasonTimeout:
		return errorkinds.ErrTimedOut

	case bluetooth.ReasonRemote:
		return errorkinds.ErrConnectionReset

	case bluetooth.ReasonLocal, bluetooth.ReasonSuspend:
		return errorkinds.ErrConnectionAborted
	}

	return errorkinds.ErrIO
}

// DeviceConnected reports a new link to the device.
func (c *Controller) DeviceConnected(address bluetooth.MacAddress, addressType bluetooth.AddressType, initiator bool) {
	c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		if addressType.IsLE() {
			c.setLESupport(d, addressType)
		}

		c.addConnection(d, bearerOf(addressType), initiator)
	})
}

// DeviceDisconnected reports that a link to the device went down.
func (c *Controller) DeviceDisconnected(address bluetooth.MacAddress, addressType bluetooth.AddressType, reason bluetooth.DisconnectReason) {
	c.loop.Post(func() {
		if d, ok := c.arena.lookup(address); ok {
			c.removeConnection(d, bearerOf(addressType), reason)
		}
	})
}

func (c *Controller) setAutoConnect(d *Device, enable bool) {
	if !d.le || d.isPrivate() {
		return
	}

	if d.autoConnect == enable {
		return
	}

	log.Debugf("%s: auto connect %t", d.Address, enable)

	d.autoConnect = enable

	if !enable {
		c.adapter.ConnectListRemove(d.Address)
		c.adapter.AutoConnectRemove(d.Address)

		return
	}

	if d.preferredBearer() == bluetooth.PreferBREDR {
		return
	}

	addressType := d.addressTypeOf(bluetooth.BearerLE)
	c.adapter.AutoConnectAdd(d.Address, addressType)

	if d.att != nil {
		return
	}

	c.adapter.ConnectListAdd(d.Address, addressType)
}

func (c *Controller) autoConnectEnabled(d *Device) bool {
	return d.autoConnect
}
