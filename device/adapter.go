package device

import (
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// Adapter holds the adapter-level state shared by every device: power and
// bearer availability, and the connection lists registered with the link
// layer. The lists may be changed from any device callback.
type Adapter struct {
	Address bluetooth.MacAddress
	Name    string

	powered      *atomic.Bool
	bredrEnabled *atomic.Bool

	acceptList  *xsync.MapOf[bluetooth.MacAddress, bluetooth.AddressType]
	connectList *xsync.MapOf[bluetooth.MacAddress, bluetooth.AddressType]
	autoConnect *xsync.MapOf[bluetooth.MacAddress, bluetooth.AddressType]

	link LinkLayer
}

// NewAdapter returns a new adapter.
func NewAdapter(address bluetooth.MacAddress, name string, link LinkLayer) *Adapter {
	return &Adapter{
		Address:      address,
		Name:         name,
		powered:      atomic.NewBool(false),
		bredrEnabled: atomic.NewBool(true),
		acceptList:   xsync.NewMapOf[bluetooth.MacAddress, bluetooth.AddressType](),
		connectList:  xsync.NewMapOf[bluetooth.MacAddress, bluetooth.AddressType](),
		autoConnect:  xsync.NewMapOf[bluetooth.MacAddress, bluetooth.AddressType](),
		link:         link,
	}
}

// SetPowered sets the power state of the adapter.
func (a *Adapter) SetPowered(powered bool) {
	a.powered.Store(powered)
}

// Powered reports whether the adapter is powered.
func (a *Adapter) Powered() bool {
	return a.powered.Load()
}

// SetBREDREnabled sets whether the BR/EDR bearer is enabled.
func (a *Adapter) SetBREDREnabled(enabled bool) {
	a.bredrEnabled.Store(enabled)
}

// BREDREnabled reports whether the BR/EDR bearer is enabled.
func (a *Adapter) BREDREnabled() bool {
	return a.bredrEnabled.Load()
}

// AcceptListAdd allows incoming BR/EDR connections from the device.
func (a *Adapter) AcceptListAdd(address bluetooth.MacAddress) {
	if _, loaded := a.acceptList.LoadOrStore(address, bluetooth.AddressBREDR); loaded {
		return
	}

	if err := a.link.AddDevice(address, bluetooth.AddressBREDR, ActionAllowIncoming); err != nil {
		log.Warningf("%s: cannot add to accept list: %v", address, err)
	}
}

// AcceptListRemove removes the device from the accept list.
func (a *Adapter) AcceptListRemove(address bluetooth.MacAddress) {
	if _, loaded := a.acceptList.LoadAndDelete(address); !loaded {
		return
	}

	if err := a.link.RemoveDevice(address, bluetooth.AddressBREDR); err != nil {
		log.Warningf("%s: cannot remove from accept list: %v", address, err)
	}
}

// ConnectListAdd arms background scanning for the device, so that it is
// reconnected when it starts advertising.
func (a *Adapter) ConnectListAdd(address bluetooth.MacAddress, addressType bluetooth.AddressType) {
	if _, loaded := a.connectList.LoadOrStore(address, addressType); loaded {
		return
	}

	if _, auto := a.autoConnect.Load(address); auto {
		return
	}

	if err := a.link.AddDevice(address, addressType, ActionBackgroundScan); err != nil {
		log.Warningf("%s: cannot add to connect list: %v", address, err)
	}
}

// ConnectListRemove removes the device from the connect list.
func (a *Adapter) ConnectListRemove(address bluetooth.MacAddress) {
	addressType, loaded := a.connectList.LoadAndDelete(address)
	if !loaded {
		return
	}

	if _, auto := a.autoConnect.Load(address); auto {
		return
	}

	if err := a.link.RemoveDevice(address, addressType); err != nil {
		log.Warningf("%s: cannot remove from connect list: %v", address, err)
	}
}

// AutoConnectAdd registers the device for kernel-driven auto connection.
func (a *Adapter) AutoConnectAdd(address bluetooth.MacAddress, addressType bluetooth.AddressType) {
	if _, loaded := a.autoConnect.LoadOrStore(address, addressType); loaded {
		return
	}

	if err := a.link.AddDevice(address, addressType, ActionAutoConnect); err != nil {
		a.autoConnect.Delete(address)
		log.Warningf("%s: cannot enable auto connection: %v", address, err)
	}
}

// AutoConnectRemove removes the device from the auto-connect list.
func (a *Adapter) AutoConnectRemove(address bluetooth.MacAddress) {
	addressType, loaded := a.autoConnect.LoadAndDelete(address)
	if !loaded {
		return
	}

	if err := a.link.RemoveDevice(address, addressType); err != nil {
		log.Warningf("%s: cannot disable auto connection: %v", address, err)
	}
}

// InAcceptList reports whether the device is in the accept list.
func (a *Adapter) InAcceptList(address bluetooth.MacAddress) bool {
	_, ok := a.acceptList.Load(address)
	return ok
}

// InConnectList reports whether the device is in the connect list.
func (a *Adapter) InConnectList(address bluetooth.MacAddress) bool {
	_, ok := a.connectList.Load(address)
	return ok
}

// InAutoConnect reports whether the device is registered for auto connection.
func (a *Adapter) InAutoConnect(address bluetooth.MacAddress) bool {
	_, ok := a.autoConnect.Load(address)
	return ok
}
