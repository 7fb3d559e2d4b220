package device

import (
	"context"
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

// invoke runs op for the call on the loop and waits for its reply.
// If ctx is done first its error is returned and the operation keeps
// running; its reply is then dropped.
func (c *Controller) invoke(ctx context.Context, h Handle, call *Call, op func(d *Device, call *Call)) error {
	posted := c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			call.reply(err)
			return
		}

		op(d, call)
	})
	if !posted {
		return errorkinds.ErrNotReady
	}

	return call.Wait(ctx)
}

// Connect connects the device over its preferred bearer, and then its
// auto-connectable services.
func (c *Controller) Connect(ctx context.Context, h Handle, sender string) error {
	return c.invoke(ctx, h, NewCall(MethodConnect, sender), c.connect)
}

// ConnectProfile connects the service with the remote UUID.
func (c *Controller) ConnectProfile(ctx context.Context, h Handle, sender, uuid string) error {
	return c.invoke(ctx, h, NewCall(MethodConnectProfile, sender).WithUUID(uuid), c.connectProfile)
}

// Disconnect disconnects every service and link of the device.
func (c *Controller) Disconnect(ctx context.Context, h Handle, sender string) error {
	return c.invoke(ctx, h, NewCall(MethodDisconnect, sender), c.disconnect)
}

// DisconnectProfile disconnects the service with the remote UUID.
func (c *Controller) DisconnectProfile(ctx context.Context, h Handle, sender, uuid string) error {
	return c.invoke(ctx, h, NewCall(MethodDisconnectProfile, sender).WithUUID(uuid), c.disconnectProfile)
}

// Pair bonds with the device. The agent registered by sender is used for
// authentication, if any.
func (c *Controller) Pair(ctx context.Context, h Handle, sender string) error {
	return c.invoke(ctx, h, NewCall(MethodPair, sender), c.pair)
}

// CancelPairing aborts an outstanding Pair.
func (c *Controller) CancelPairing(ctx context.Context, h Handle, sender string) error {
	return c.invoke(ctx, h, NewCall(MethodCancelPairing, sender), c.cancelPairing)
}

// RemoveDevice disconnects the device and removes it with its stored data.
func (c *Controller) RemoveDevice(ctx context.Context, h Handle, sender string) error {
	return c.invoke(ctx, h, NewCall(MethodRemoveDevice, sender), c.removeDeviceRequest)
}

// GetServiceRecords returns the service records found on the BR/EDR bearer.
func (c *Controller) GetServiceRecords(ctx context.Context, h Handle) ([]ServiceRecord, error) {
	var records []ServiceRecord

	err := c.withDevice(ctx, h, func(d *Device) error {
		switch {
		case !c.adapter.Powered():
			return errorkinds.ErrNotReady

		case !d.bredrState.Connected:
			return errorkinds.ErrNotConnected

		case !d.bredrState.ServiceResolved:
			return errorkinds.ErrNotReady

		case len(d.records) == 0:
			return errorkinds.ErrDoesNotExist
		}

		records = append(records, d.records...)

		return nil
	})

	return records, err
}

// CallerExited drops the operations owned by a caller that went away.
func (c *Controller) CallerExited(sender string) {
	if sender == "" {
		return
	}

	c.loop.Post(func() {
		c.arena.each(func(d *Device) bool {
			if d.browse != nil && d.browse.call != nil && d.browse.call.Sender == sender {
				log.Debugf("%s: browse requestor %s exited", d.Address, sender)
				c.cancelBrowse(d)
			}

			if d.bonding != nil && d.bonding.call.Sender == sender {
				log.Debugf("%s: bonding requestor %s exited", d.Address, sender)
				c.cancelBonding(d, errorkinds.StatusCancelled)
			}

			return true
		})
	})
}

// Properties returns the exported property set of the device.
func (c *Controller) Properties(ctx context.Context, h Handle) (bluetooth.DeviceData, error) {
	var data bluetooth.DeviceData

	err := c.withDevice(ctx, h, func(d *Device) error {
		data = d.data(c.adapter.Address)
		return nil
	})

	return data, err
}

// Devices returns the property sets of every device.
func (c *Controller) Devices(ctx context.Context) (map[Handle]bluetooth.DeviceData, error) {
	devices := make(map[Handle]bluetooth.DeviceData, c.arena.size())

	err := c.loop.Call(ctx, func() {
		c.arena.each(func(d *Device) bool {
			devices[d.handle] = d.data(c.adapter.Address)
			return true
		})
	})

	return devices, err
}

// Lookup returns the handle of the device with the address.
func (c *Controller) Lookup(address bluetooth.MacAddress) (Handle, bool) {
	d, ok := c.arena.lookup(address)
	if !ok {
		return 0, false
	}

	return d.Handle(), true
}

// BondingDuration returns how long the user took to authenticate the
// last bonding of the device.
func (c *Controller) BondingDuration(ctx context.Context, h Handle) (time.Duration, error) {
	var duration time.Duration

	err := c.withDevice(ctx, h, func(d *Device) error {
		duration = d.bondingDuration
		return nil
	})

	return duration, err
}
