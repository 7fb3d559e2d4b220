package device

import (
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

// setTemporary marks the device temporary or persistent. Devices with a
// private address always stay temporary.
func (c *Controller) setTemporary(d *Device, temporary bool) {
	if d.temporary == temporary || d.isPrivate() {
		return
	}

	log.Debugf("%s: temporary %t", d.Address, temporary)

	d.temporary = temporary

	if temporary {
		if d.bredr {
			c.adapter.AcceptListRemove(d.Address)
		}

		c.adapter.ConnectListRemove(d.Address)

		if d.autoConnect {
			d.disableAutoConnect = true
			c.setAutoConnect(d, false)
		}

		c.setTemporaryTimer(d)

		return
	}

	d.temporaryTimer.Stop()
	d.temporaryTimer = nil

	if d.bredr && !d.blocked {
		c.adapter.AcceptListAdd(d.Address)
	}

	c.storeDevice(d)

	// Attributes were not stored while the device was temporary.
	if d.AddressType.IsLE() && d.leState.ServiceResolved && len(d.primaries) > 0 {
		c.storeCache(d)
	}
}

// setTemporaryTimer (re)arms the eviction of a temporary device.
func (c *Controller) setTemporaryTimer(d *Device) {
	d.temporaryTimer.Stop()
	d.temporaryTimer = nil

	if c.opts.TemporaryTimeout <= 0 {
		return
	}

	h := d.handle
	d.temporaryTimer = c.loop.AfterFunc(c.opts.TemporaryTimeout, func() {
		c.deviceDisappeared(h)
	})
}

func (c *Controller) deviceDisappeared(h Handle) {
	d, err := c.arena.get(h)
	if err != nil {
		return
	}

	d.temporaryTimer = nil

	// Give connected services more time to finish.
	if d.serviceConnected() {
		c.setTemporaryTimer(d)
		return
	}

	log.Debugf("%s: temporary device disappeared", d.Address)

	c.removeDevice(d, true)
}

// storeDevice schedules a write of the device record. Writes are coalesced
// until the loop is idle.
func (c *Controller) storeDevice(d *Device) {
	if c.store == nil || d.temporary || d.storeScheduled {
		return
	}

	if d.isPrivate() {
		log.Debugf("%s: not storing private addressed device", d.Address)
		return
	}

	d.storeScheduled = true

	h := d.handle
	c.loop.Post(func() {
		if d, err := c.arena.get(h); err == nil {
			c.writeDevice(d)
		}
	})
}

// storeHandle schedules a write of the device record from outside a
// device callback.
func (c *Controller) storeHandle(h Handle) {
	if d, err := c.arena.get(h); err == nil {
		c.storeDevice(d)
	}
}

func (c *Controller) writeDevice(d *Device) {
	if !d.storeScheduled {
		return
	}

	d.storeScheduled = false

	if d.isPrivate() {
		return
	}

	if err := c.store.StoreDevice(c.adapter.Address, d.record()); err != nil {
		c.publishError(d, "device-store", "Cannot store device", err)
	}
}

// storeCache persists the service records and the attribute cache.
func (c *Controller) storeCache(d *Device) {
	if c.store == nil || d.temporary || d.isPrivate() {
		return
	}

	cache := CacheRecord{Records: d.records}
	if c.cacheEnabled(d) {
		cache.Primaries = d.gattDB
	}

	if err := c.store.StoreCache(c.adapter.Address, d.Address, cache); err != nil {
		c.publishError(d, "device-store-cache", "Cannot store service cache", err)
	}
}

func (c *Controller) loadCache(d *Device) {
	if c.store == nil || !c.cacheEnabled(d) {
		return
	}

	cache, err := c.store.LoadCache(c.adapter.Address, d.Address)
	if err != nil {
		log.Debugf("%s: no attribute cache: %v", d.Address, err)
		return
	}

	d.gattDB = cache.Primaries

	if len(d.records) == 0 {
		d.records = cache.Records
	}
}

func (c *Controller) removeStored(d *Device) {
	if d.isPrivate() {
		return
	}

	if d.bredrState.Bonded {
		if err := c.link.RemoveBonding(d.Address, bluetooth.AddressBREDR); err != nil {
			log.Debugf("%s: remove bonding: %v", d.Address, err)
		}
	}

	if d.leState.Bonded {
		if err := c.link.RemoveBonding(d.Address, d.addressTypeOf(bluetooth.BearerLE)); err != nil {
			log.Debugf("%s: remove bonding: %v", d.Address, err)
		}
	}

	if c.store == nil {
		return
	}

	if err := c.store.RemoveDevice(c.adapter.Address, d.Address); err != nil {
		c.publishError(d, "device-remove-stored", "Cannot remove stored device", err)
	}
}

// removeDevice destroys the device. Every operation in flight is
// cancelled and every waiting caller answered.
func (c *Controller) removeDevice(d *Device, removeStored bool) {
	if d.removed {
		return
	}

	log.Debugf("%s: removing device", d.Address)

	if d.autoConnect {
		d.disableAutoConnect = true
		c.setAutoConnect(d, false)
	}

	if d.bonding != nil {
		status := errorkinds.StatusConnectFailed
		if d.bredrState.Connected {
			status = errorkinds.StatusDisconnected
		}

		c.cancelBonding(d, status)
	}

	c.cancelAuthentication(d, true)
	c.cancelBrowse(d)
	c.removeServices(d)

	if d.bearerConnected() {
		c.disconnectAll(d)
	}

	c.attCleanup(d)

	d.disconnTimer.Stop()
	d.discovTimer.Stop()
	d.temporaryTimer.Stop()

	if d.storeScheduled && !removeStored {
		c.writeDevice(d)
	}

	d.storeScheduled = false

	if removeStored {
		c.removeStored(d)
	}

	d.removed = true

	if call := d.connect; call != nil {
		d.connect = nil
		call.reply(errorkinds.ErrCanceled)
	}

	if call := d.disconnect; call != nil {
		d.disconnect = nil
		call.reply(errorkinds.ErrCanceled)
	}

	for _, call := range d.disconnects {
		call.reply(nil)
	}

	d.disconnects = nil

	waiters := d.svcWaiters
	d.svcWaiters = nil

	for _, w := range waiters {
		w.fn(d.handle, errorkinds.ErrNoDevice)
	}

	d.watches = nil

	c.adapter.AcceptListRemove(d.Address)
	c.adapter.ConnectListRemove(d.Address)

	c.arena.remove(d.handle)

	c.emitter.DeviceRemoved(d.handle, d.Address)
	bluetooth.DeviceEvents(c.bus).PublishRemoved(d.eventData(c.adapter.Address))
}

// removeDeviceRequest handles a removal requested by a caller. A connected
// device is removed once its links are down.
func (c *Controller) removeDeviceRequest(d *Device, call *Call) {
	c.setTemporary(d, true)

	if !d.bearerConnected() {
		c.removeDevice(d, true)
		call.reply(nil)

		return
	}

	c.requestDisconnect(d, call)
}
