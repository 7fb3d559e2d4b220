package device

import (
	"errors"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

type browseKind uint8

const (
	browseSDP browseKind = iota
	browseGATT
)

func (k browseKind) String() string {
	if k == browseGATT {
		return "gatt"
	}

	return "sdp"
}

// sdpSequence is the list of UUIDs searched, in order, by an SDP browse.
var sdpSequence = []uint32{
	bluetooth.UUIDL2CAP,
	bluetooth.UUIDPnPInformation,
	bluetooth.UUIDPublicBrowseGroup,
}

// browseRequest is the single outstanding service resolution of a device.
type browseRequest struct {
	kind browseKind
	call *Call

	records []ServiceRecord
	added   []string

	next     int
	attempts int
	flags    uint16

	search *continuation[sdpResult]
}

func (r *browseRequest) addUUID(d *Device, uuid string) {
	if uuid == "" || d.uuids.Has(uuid) {
		return
	}

	for _, u := range r.added {
		if u == uuid {
			return
		}
	}

	r.added = append(r.added, uuid)
}

func (c *Controller) newBrowse(d *Device, kind browseKind, call *Call) (*browseRequest, error) {
	if d.browse != nil {
		return nil, errorkinds.ErrBusy
	}

	req := &browseRequest{kind: kind, call: call}
	d.browse = req

	return req, nil
}

// freeBrowse drops the browse request. Its completion will not be invoked.
func (c *Controller) freeBrowse(d *Device) {
	req := d.browse
	if req == nil {
		return
	}

	req.search.abort()
	d.browse = nil
}

// cancelBrowse aborts the browse request and replies to its caller.
func (c *Controller) cancelBrowse(d *Device) {
	req := d.browse
	if req == nil {
		return
	}

	log.Debugf("%s: cancelling %s browse", d.Address, req.kind)

	if req.kind == browseGATT {
		c.attCleanup(d)
	}

	c.freeBrowse(d)
	req.call.reply(errorkinds.ErrCanceled)
}

// discoverServices starts a caller-less service resolution.
func (c *Controller) discoverServices(d *Device) error {
	var err error

	if d.bredr {
		err = c.browseSDP(d, nil)
	} else {
		err = c.browseGATT(d, nil)
	}

	if err == nil {
		d.discovTimer.Stop()
		d.discovTimer = nil
	}

	return err
}

func (c *Controller) startDiscovery(h Handle) {
	d, err := c.arena.get(h)
	if err != nil {
		return
	}

	d.discovTimer = nil

	if err := c.discoverServices(d); err != nil {
		log.Debugf("%s: reverse discovery not started: %v", d.Address, err)
	}
}

func (c *Controller) sdpFlags(d *Device) uint16 {
	const (
		vendorSony    = 0x054c
		productDS4    = 0x05c4
		classGamepad  = 0x2508
		controllerTag = "Wireless Controller"
	)

	if d.pnp.Vendor == vendorSony && d.pnp.Product == productDS4 {
		return SDPFlagLargeMTU
	}

	if d.name == controllerTag && d.class == classGamepad {
		return SDPFlagLargeMTU
	}

	return 0
}

// browseSDP resolves the BR/EDR services of the device.
func (c *Controller) browseSDP(d *Device, call *Call) error {
	req, err := c.newBrowse(d, browseSDP, call)
	if err != nil {
		return err
	}

	req.flags = c.sdpFlags(d)
	c.searchNext(d, req)

	return nil
}

func (c *Controller) searchNext(d *Device, req *browseRequest) {
	h := d.handle
	service := bluetooth.ShortUUID(sdpSequence[req.next])
	req.next++

	search := newContinuation(c.loop, func(r sdpResult) {
		c.sdpSearched(h, req, r)
	})
	req.search = search

	c.sdp.Search(search.ctx, d.Address, service, req.flags, func(records []ServiceRecord, err error) {
		search.resolve(sdpResult{records: records, err: err})
	})
}

func (c *Controller) sdpSearched(h Handle, req *browseRequest, r sdpResult) {
	d, err := c.arena.get(h)
	if err != nil || d.browse != req {
		return
	}

	req.search = nil

	// The L2CAP and PnP searches are enough if they returned anything.
	if r.err != nil || (req.next == 2 && len(req.records) > 0) {
		if !errors.Is(r.err, errorkinds.ErrConnectionReset) || req.attempts >= 1 {
			c.searchComplete(d, req, r.records, r.err)
			return
		}

		req.next--
		req.attempts++
	}

	c.updateRecords(d, req, r.records)

	if req.next < len(sdpSequence) {
		c.searchNext(d, req)
		return
	}

	c.searchComplete(d, req, nil, nil)
}

func (c *Controller) updateRecords(d *Device, req *browseRequest, records []ServiceRecord) {
	pnpUUID := bluetooth.ShortUUID(bluetooth.UUIDPnPInformation).String()

	for _, rec := range records {
		class := bluetooth.UUIDString(rec.Class)
		if class == "" {
			continue
		}

		if class == pnpUUID {
			if pnp := pnpFromRecord(rec); !pnp.IsZero() {
				c.setPnPID(d, pnp)
			}
		}

		duplicate := false
		for _, existing := range req.records {
			if existing.Handle == rec.Handle {
				duplicate = true
				break
			}
		}

		if duplicate {
			continue
		}

		req.records = append(req.records, rec)
		req.addUUID(d, class)
	}
}

func (c *Controller) searchComplete(d *Device, req *browseRequest, records []ServiceRecord, err error) {
	if err != nil {
		log.Errorf("%s: error updating services: %v", d.Address, err)

		if call := d.connect; call != nil {
			d.connect = nil
			call.reply(wrapError(err, "device-browse-sdp", d.Address, "Service discovery failed"))
		}

		c.svcResolved(d, browseSDP, bluetooth.BearerBREDR, err)

		return
	}

	c.updateRecords(d, req, records)
	d.records = req.records

	if len(req.added) == 0 {
		log.Debugf("%s: no service update", d.Address)
	} else {
		for _, rec := range d.records {
			if p, ok := rec.primary(); ok {
				c.registerPrimary(d, p)
			}
		}

		c.probeProfiles(d, req.added)
	}

	c.storeCache(d)
	c.svcResolved(d, browseSDP, bluetooth.BearerBREDR, nil)
}

func (c *Controller) registerPrimary(d *Device, p Primary) {
	for _, existing := range d.primaries {
		if existing == p {
			return
		}
	}

	d.primaries = append(d.primaries, p)
}

// svcResolved finishes a service resolution on a bearer.
func (c *Controller) svcResolved(d *Device, kind browseKind, bearer bluetooth.Bearer, err error) {
	state := d.state(bearer)

	log.Debugf("%s: services resolved on %s: %v", d.Address, bearer, err)

	state.ServiceResolved = true
	if state.Connected {
		c.setSvcRefreshed(d, true)
	}

	d.eirUUIDs.Clear()

	if d.pendingPaired {
		d.pendingPaired = false
		c.propertyChanged(d, "Paired", true)
	}

	if !d.temporary {
		c.storeDevice(d)

		if bearer != bluetooth.BearerBREDR && err == nil {
			c.storeCache(d)
		}
	}

	if d.browse != nil {
		c.browseComplete(d, kind, bearer, err)
	}

	waiters := d.svcWaiters
	d.svcWaiters = nil

	for _, w := range waiters {
		w.fn(d.handle, err)
	}
}

func (c *Controller) setSvcRefreshed(d *Device, refreshed bool) {
	if d.svcRefreshed == refreshed {
		return
	}

	d.svcRefreshed = refreshed
	c.propertyChanged(d, "ServicesResolved", refreshed)
}

// browseComplete resolves the caller of the browse request and continues
// the operation that started it.
func (c *Controller) browseComplete(d *Device, kind browseKind, bearer bluetooth.Bearer, err error) {
	req := d.browse
	if req == nil || req.kind != kind {
		return
	}

	c.freeBrowse(d)

	call := req.call
	if call == nil {
		return
	}

	if call.is(MethodPair) {
		if !d.isPaired(bearer) {
			call.reply(wrapError(errorkinds.ErrFailed, "device-pair", d.Address, "Not paired"))
			return
		}

		if d.pendingPaired {
			d.pendingPaired = false
			c.propertyChanged(d, "Paired", true)
		}

		// Browse errors do not fail a pairing.
		call.reply(nil)

		return
	}

	if err != nil {
		if errorkinds.IsHostDown(err) && bearer == bluetooth.BearerBREDR &&
			d.le && !d.leState.Connected && d.connect == nil {
			if c.connectLE(d) == nil {
				d.connect = call
				return
			}
		}

		call.reply(wrapError(err, "device-browse-"+kind.String(), d.Address, "Cannot resolve services"))

		return
	}

	call.resolved = true

	switch call.Method {
	case MethodConnect:
		c.connect(d, call)

	case MethodConnectProfile:
		c.connectProfile(d, call)

	default:
		call.reply(nil)
	}
}

// browseGATT resolves the LE services of the device.
func (c *Controller) browseGATT(d *Device, call *Call) error {
	if _, err := c.newBrowse(d, browseGATT, call); err != nil {
		return err
	}

	if t := d.att; t != nil && t.client != nil {
		// The client is already initialized; if it is ready the services
		// are resolved, otherwise its ready signal completes the browse.
		if t.client.IsReady() {
			c.svcResolved(d, browseGATT, bluetooth.BearerLE, nil)
		}

		return nil
	}

	if d.att != nil {
		// Transport attached without a client.
		c.freeBrowse(d)
		return errorkinds.ErrNotSupported
	}

	if d.attConnect.pending() {
		return nil
	}

	level := SecurityLow
	if d.isPaired(bluetooth.BearerLE) {
		level = SecurityMedium
	}

	c.startATT(d, level)

	return nil
}

// WaitForServices calls fn once the BR/EDR services of the device are
// resolved, or right away if they already are. It returns an id that
// can be passed to RemoveServiceWaiter.
func (c *Controller) WaitForServices(h Handle, fn func(h Handle, err error)) uint {
	id := c.nextID()

	c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			fn(h, errorkinds.ErrNoDevice)
			return
		}

		d.svcWaiters = append(d.svcWaiters, svcWaiter{id: id, fn: fn})

		switch {
		case d.bredrState.ServiceResolved || !c.opts.ReverseDiscovery:
			c.loop.Post(func() {
				if c.dropServiceWaiter(h, id) {
					fn(h, nil)
				}
			})

		case d.discovTimer.Pending():
			d.discovTimer.Stop()
			d.discovTimer = c.loop.AfterFunc(0, func() {
				c.startDiscovery(h)
			})
		}
	})

	return id
}

// RemoveServiceWaiter cancels a waiter registered with WaitForServices.
func (c *Controller) RemoveServiceWaiter(h Handle, id uint) {
	c.loop.Post(func() {
		c.dropServiceWaiter(h, id)
	})
}

func (c *Controller) dropServiceWaiter(h Handle, id uint) bool {
	d, err := c.arena.get(h)
	if err != nil {
		return false
	}

	for i, w := range d.svcWaiters {
		if w.id == id {
			d.svcWaiters = append(d.svcWaiters[:i], d.svcWaiters[i+1:]...)
			return true
		}
	}

	return false
}
