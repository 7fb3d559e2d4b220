package device

import (
	"context"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/google/uuid"
)

// ConnectAction is the action registered with the link layer for a device in
// the adapter's accept or auto-connect list.
type ConnectAction uint8

// The different connection list actions.
const (
	ActionBackgroundScan ConnectAction = iota
	ActionAllowIncoming
	ActionAutoConnect
)

// LinkLayer is the kernel link/management layer.
// Results of bonding arrive through Controller.BondingComplete.
type LinkLayer interface {
	CreateBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType, io bluetooth.IOCapability) error
	CancelBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType) error
	RemoveBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType) error
	Disconnect(address bluetooth.MacAddress, addressType bluetooth.AddressType) error

	AddDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType, action ConnectAction) error
	RemoveDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType) error
	SetDeviceFlags(address bluetooth.MacAddress, addressType bluetooth.AddressType, flags uint32) error
	Block(address bluetooth.MacAddress, addressType bluetooth.AddressType) error
	Unblock(address bluetooth.MacAddress, addressType bluetooth.AddressType) error

	PinCodeReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, pin string, accept bool) error
	ConfirmReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, accept bool) error
	PasskeyReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, accept bool) error
}

// SDPSearcher performs a single SDP service search.
// done is called once with the records found or an error. Cancelling ctx
// aborts the search.
type SDPSearcher interface {
	Search(ctx context.Context, dst bluetooth.MacAddress, service uuid.UUID, flags uint16, done func([]ServiceRecord, error))
}

// SecurityLevel is the security level of an ATT channel.
type SecurityLevel uint8

// The different security levels.
const (
	SecurityLow SecurityLevel = iota + 1
	SecurityMedium
	SecurityHigh
	SecurityFIPS
)

// SignCounter is consulted when a signed write is sent (local) or received
// (remote). It reports whether the counter is acceptable.
type SignCounter func(counter *uint32) bool

// ATTChannel is a connected attribute protocol bearer.
type ATTChannel interface {
	SecurityLevel() SecurityLevel
	SetSecurity(level SecurityLevel) error
	MTU() uint16
	Channels() int

	// Attach folds an additional enhanced channel into this bearer.
	Attach(ch ATTChannel) error

	OnDisconnect(fn func(err error)) uint
	RemoveDisconnect(id uint)

	SetSigning(local, remote SignCounter)
	SetEncKeySize(size uint8)

	Close() error
}

// ATTConnector opens outgoing ATT channels.
type ATTConnector interface {
	Connect(ctx context.Context, dst bluetooth.MacAddress, addressType bluetooth.AddressType, level SecurityLevel, done func(ATTChannel, error))
}

// Primary describes a primary GATT service range.
type Primary struct {
	UUID  string `codec:"UUID"`
	Start uint16 `codec:"Start"`
	End   uint16 `codec:"End"`
}

// The GATT client features requested at client creation.
const (
	ClientFeatureRobustCaching uint8 = 1 << iota
	ClientFeatureEATT
	ClientFeatureNotifyMultiple
)

// GattClient is a client-role GATT instance bound to an ATT channel.
type GattClient interface {
	IsReady() bool

	// OnReady registers fn to be called once discovery completes.
	OnReady(fn func(success bool, attErr uint8))
	OnServiceChanged(added, removed func(Primary))

	Services() []Primary
	ConnectEATT()
	CancelAll()
	Close()
}

// GattServer is a server-role GATT instance exposing the adapter's shared
// database over an ATT channel.
type GattServer interface {
	Close()
}

// GattProvider creates GATT clients and servers.
type GattProvider interface {
	NewClient(ch ATTChannel, mtu uint16, features uint8, cache []Primary) (GattClient, error)
	NewServer(ch ATTChannel, mtu uint16, keySize uint8) (GattServer, error)
}

// Storage persists device records and their service caches.
type Storage interface {
	LoadDevices(adapter bluetooth.MacAddress) ([]Record, error)
	StoreDevice(adapter bluetooth.MacAddress, record Record) error
	RemoveDevice(adapter, address bluetooth.MacAddress) error

	LoadCache(adapter, address bluetooth.MacAddress) (CacheRecord, error)
	StoreCache(adapter, address bluetooth.MacAddress, cache CacheRecord) error
}

// Emitter is the IPC session handle that exposes devices to callers.
type Emitter interface {
	DeviceAdded(h Handle, data bluetooth.DeviceData)
	DeviceRemoved(h Handle, address bluetooth.MacAddress)
	PropertyChanged(h Handle, address bluetooth.MacAddress, name string, value any)
	Disconnected(h Handle, address bluetooth.MacAddress, reason bluetooth.DisconnectReason)
}
