package bluetooth

// DeviceData holds the static bluetooth device information.
type DeviceData struct {
	// Name holds the name of the device.
	Name string `json:"name,omitempty" codec:"Name,omitempty"`

	// Alias holds the user-assigned name for the device, or its name
	// if no alias was set.
	Alias string `json:"alias,omitempty" codec:"Alias,omitempty"`

	// Class holds the device type class specifier.
	Class uint32 `json:"class,omitempty" codec:"Class,omitempty"`

	// Appearance holds the LE appearance value.
	Appearance uint16 `json:"appearance,omitempty" codec:"Appearance,omitempty"`

	// AddressType holds the address type of the device.
	AddressType string `json:"address_type,omitempty" codec:"AddressType,omitempty"`

	// PreferredBearer holds the bearer preference of a dual-mode device.
	PreferredBearer PreferredBearer `json:"preferred_bearer,omitempty" codec:"PreferredBearer,omitempty"`

	// Icon holds the icon name derived from the class or appearance.
	Icon string `json:"icon,omitempty" codec:"Icon,omitempty"`

	// Modalias holds the remote device ID information.
	Modalias string `json:"modalias,omitempty" codec:"Modalias,omitempty"`

	// LegacyPairing indicates whether the device only supports the pre-2.1 pairing mechanism.
	LegacyPairing bool `json:"legacy_pairing,omitempty" codec:"LegacyPairing,omitempty"`

	// CablePairing indicates whether the device was paired over a cable.
	CablePairing bool `json:"cable_pairing,omitempty" codec:"CablePairing,omitempty"`

	// TxPower holds the advertised transmit power level, or
	// TxPowerInvalid if none was advertised.
	TxPower int16 `json:"tx_power,omitempty" codec:"TxPower,omitempty"`

	// ManufacturerData holds the advertised manufacturer specific data,
	// keyed by company identifier.
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty" codec:"ManufacturerData,omitempty"`

	// ServiceData holds the advertised service data, keyed by UUID.
	ServiceData map[string][]byte `json:"service_data,omitempty" codec:"ServiceData,omitempty"`

	// AdvertisingFlags holds the advertised flags.
	AdvertisingFlags []byte `json:"advertising_flags,omitempty" codec:"AdvertisingFlags,omitempty"`

	// AdvertisingData holds other advertised data, keyed by data type.
	AdvertisingData map[uint8][]byte `json:"advertising_data,omitempty" codec:"AdvertisingData,omitempty"`

	// Sets holds the coordinated sets the device is a member of.
	Sets []DeviceSet `json:"sets,omitempty" codec:"Sets,omitempty"`

	DeviceEventData
}

// TxPowerInvalid is the transmit power of a device that did not advertise one.
const TxPowerInvalid int16 = 127

// DeviceSet is the membership of a device in a coordinated set.
type DeviceSet struct {
	// ID identifies the set. It is the hex encoded set identity key.
	ID string `json:"id" codec:"ID"`

	// Rank holds the rank of the device within the set.
	Rank uint8 `json:"rank" codec:"Rank"`
}

// DeviceEventData holds the dynamic (variable) bluetooth device information.
// This is primarily used to send device event related data.
type DeviceEventData struct {
	// Address holds the Bluetooth MAC address of the device.
	Address MacAddress `json:"address,omitempty" codec:"Address,omitempty"`

	// AssociatedAdapter holds the Bluetooth MAC address of the adapter
	// the device is associated with.
	AssociatedAdapter MacAddress `json:"associated_adapter,omitempty" codec:"AssociatedAdapter,omitempty"`

	// Paired indicates if the device is paired.
	Paired bool `json:"paired,omitempty" codec:"Paired,omitempty"`

	// Bonded indicates if the device is bonded.
	Bonded bool `json:"bonded,omitempty" codec:"Bonded,omitempty"`

	// Connected indicates if the device is connected.
	Connected bool `json:"connected,omitempty" codec:"Connected,omitempty"`

	// ServicesResolved indicates if service discovery has completed for the
	// current connection.
	ServicesResolved bool `json:"services_resolved,omitempty" codec:"ServicesResolved,omitempty"`

	// Trusted indicates if the device is marked as trusted.
	Trusted bool `json:"trusted,omitempty" codec:"Trusted,omitempty"`

	// Blocked indicates if the device is marked as blocked.
	Blocked bool `json:"blocked,omitempty" codec:"Blocked,omitempty"`

	// RSSI indicates the signal strength of the device. Zero means unknown.
	RSSI int16 `json:"rssi,omitempty" codec:"RSSI,omitempty"`

	// WakeAllowed indicates if the device may wake the host.
	WakeAllowed bool `json:"wake_allowed,omitempty" codec:"WakeAllowed,omitempty"`

	// UUIDs holds the device-supported Bluetooth profile UUIDs.
	UUIDs []string `json:"uuids,omitempty" codec:"UUIDs,omitempty"`
}

// DisconnectReason describes why a device was disconnected.
type DisconnectReason uint8

// The different disconnect reasons.
const (
	ReasonUnknown DisconnectReason = iota
	ReasonTimeout
	ReasonLocal
	ReasonRemote
	ReasonAuthentication
	ReasonSuspend
)

var disconnectReasons = map[DisconnectReason][2]string{
	ReasonUnknown:        {"org.bluez.Reason.Unknown", "Possible disconnect reason: unknown"},
	ReasonTimeout:        {"org.bluez.Reason.Timeout", "Connection timeout"},
	ReasonLocal:          {"org.bluez.Reason.Local", "Connection terminated by local host"},
	ReasonRemote:         {"org.bluez.Reason.Remote", "Connection terminated by remote user"},
	ReasonAuthentication: {"org.bluez.Reason.Authentication", "Connection terminated due to authentication failure"},
	ReasonSuspend:        {"org.bluez.Reason.Suspend", "Connection terminated by local host for suspend"},
}

// Name returns the IPC name of the reason.
func (r DisconnectReason) Name() string {
	if v, ok := disconnectReasons[r]; ok {
		return v[0]
	}

	return disconnectReasons[ReasonUnknown][0]
}

// Message returns a human-readable description of the reason.
func (r DisconnectReason) Message() string {
	if v, ok := disconnectReasons[r]; ok {
		return v[1]
	}

	return disconnectReasons[ReasonUnknown][1]
}

// DisconnectedEventData is published when both bearers of a device have
// gone down.
type DisconnectedEventData struct {
	Address MacAddress       `json:"address,omitempty" codec:"Address,omitempty"`
	Reason  DisconnectReason `json:"reason" codec:"Reason"`
}

// PropertyEventData is published when a single device property changes.
type PropertyEventData struct {
	Address  MacAddress `json:"address,omitempty" codec:"Address,omitempty"`
	Property string     `json:"property" codec:"Property"`
	Value    any        `json:"value,omitempty" codec:"Value,omitempty"`
}
