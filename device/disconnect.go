package device

import (
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

// disconnect handles the Disconnect method.
func (c *Controller) disconnect(d *Device, call *Call) {
	// Untrusted devices are not reconnected by passive scanning until
	// the next Connect.
	if d.autoConnect && !d.trusted {
		d.disableAutoConnect = true
		c.setAutoConnect(d, false)
	}

	c.requestDisconnect(d, call)
}

// requestDisconnect cancels every operation in flight, asks the services
// and disconnect watchers to let go of the device, and tears the links
// down after a grace period. A nil call is a disconnect nobody waits for.
func (c *Controller) requestDisconnect(d *Device, call *Call) {
	if d.bonding != nil {
		c.cancelBonding(d, errorkinds.StatusCancelled)
	}

	if d.browse != nil {
		c.cancelBrowse(d)
	}

	if d.attConnect.pending() {
		d.attConnect.abort()
		d.attConnect = nil
	}

	if connect := d.connect; connect != nil {
		err := errorkinds.ErrCanceled
		if d.bondingStatus == errorkinds.StatusAuthFailed {
			err = errorkinds.ErrKeyMissing
		}

		d.bondingStatus = errorkinds.StatusSuccess
		d.connect = nil

		connect.reply(wrapError(err, "device-connect", d.Address, "Connection canceled"))
	}

	if call != nil && d.bearerConnected() {
		d.disconnects = append(d.disconnects, call)
	}

	if d.disconnTimer.Pending() {
		return
	}

	for _, s := range d.services {
		if err := s.disconnect(); err != nil {
			log.Debugf("%s: %s disconnect: %v", d.Address, s.profile.Name(), err)
		}
	}

	d.pending = nil

	// Watches may remove each other while running.
	for len(d.watches) > 0 {
		w := d.watches[0]
		d.watches = d.watches[1:]

		// The temporary flag tells the watch the device is going away.
		w.fn(d.handle, d.temporary)
	}

	if !d.bearerConnected() {
		if call != nil {
			call.reply(nil)
		}

		return
	}

	h := d.handle
	d.disconnTimer = c.loop.AfterFunc(c.opts.DisconnectGrace, func() {
		if d, err := c.arena.get(h); err == nil {
			c.disconnectAll(d)
		}
	})
}

// disconnectAll drops every connected link of the device.
func (c *Controller) disconnectAll(d *Device) {
	d.disconnTimer.Stop()
	d.disconnTimer = nil

	for _, bearer := range []bluetooth.Bearer{bluetooth.BearerBREDR, bluetooth.BearerLE} {
		if !d.state(bearer).Connected {
			continue
		}

		if err := c.link.Disconnect(d.Address, d.addressTypeOf(bearer)); err != nil {
			log.Warningf("%s: cannot disconnect %s: %v", d.Address, bearer, err)
		}
	}
}

// AddDisconnectWatch registers fn to be called when a disconnection of the
// device is requested. It returns an id for RemoveDisconnectWatch.
func (c *Controller) AddDisconnectWatch(h Handle, fn func(h Handle, removing bool)) uint {
	id := c.nextID()

	c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			return
		}

		d.watches = append(d.watches, disconnectWatch{id: id, fn: fn})
	})

	return id
}

// RemoveDisconnectWatch removes a watch added with AddDisconnectWatch.
func (c *Controller) RemoveDisconnectWatch(h Handle, id uint) {
	c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			return
		}

		for i, w := range d.watches {
			if w.id == id {
				d.watches = append(d.watches[:i], d.watches[i+1:]...)
				return
			}
		}
	})
}
