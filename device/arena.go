package device

import (
	"fmt"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// Handle is a stable reference to a device owned by the controller.
// Handles are never reused, so a stale handle simply fails to resolve.
type Handle uint64

// arena owns every device record of an adapter.
type arena struct {
	devices *xsync.MapOf[Handle, *Device]
	byAddr  *xsync.MapOf[bluetooth.MacAddress, Handle]

	next *atomic.Uint64
}

func newArena() arena {
	return arena{
		devices: xsync.NewMapOf[Handle, *Device](),
		byAddr:  xsync.NewMapOf[bluetooth.MacAddress, Handle](),
		next:    atomic.NewUint64(0),
	}
}

// add stores a new device and assigns its handle.
func (a *arena) add(d *Device) Handle {
	d.handle = Handle(a.next.Inc())

	a.devices.Store(d.handle, d)
	a.byAddr.Store(d.Address, d.handle)

	return d.handle
}

// get resolves a handle.
func (a *arena) get(h Handle) (*Device, error) {
	d, ok := a.devices.Load(h)
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, errorkinds.ErrDeviceNotFound)
	}

	return d, nil
}

// lookup resolves a device by its address.
func (a *arena) lookup(address bluetooth.MacAddress) (*Device, bool) {
	h, ok := a.byAddr.Load(address)
	if !ok {
		return nil, false
	}

	return a.devices.Load(h)
}

// remove drops the device from the arena.
func (a *arena) remove(h Handle) {
	d, ok := a.devices.LoadAndDelete(h)
	if !ok {
		return
	}

	a.byAddr.Compute(d.Address, func(old Handle, loaded bool) (Handle, bool) {
		return old, !loaded || old == h
	})
}

// each calls fn for every device until it returns false.
func (a *arena) each(fn func(*Device) bool) {
	a.devices.Range(func(_ Handle, d *Device) bool {
		return fn(d)
	})
}

func (a *arena) size() int {
	return a.devices.Size()
}
