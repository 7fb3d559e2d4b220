package device

import (
	"encoding/hex"
	"maps"
	"slices"
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/internal/eventloop"
)

// Device flags reported by the link layer.
const (
	FlagRemoteWakeup uint32 = 1 << 0
)

type wakeOverride uint8

const (
	wakeDefault wakeOverride = iota
	wakeEnabled
	wakeDisabled
)

// disconnectWatch is notified when a disconnection of the device is requested.
type disconnectWatch struct {
	id uint
	fn func(h Handle, removing bool)
}

// svcWaiter is notified once services of the device are resolved.
type svcWaiter struct {
	id uint
	fn func(h Handle, err error)
}

// Device is the state of one remote device.
// Its fields are only accessed from the event loop.
type Device struct {
	handle Handle

	Address     bluetooth.MacAddress
	AddressType bluetooth.AddressType

	name          string
	alias         string
	class         uint32
	appearance    uint16
	legacyPairing bool
	cablePairing  bool
	trusted       bool
	blocked       bool
	temporary     bool

	rssi             int16
	txPower          int16
	adFlags          []byte
	manufacturerData map[uint16][]byte
	serviceData      map[string][]byte
	adData           map[uint8][]byte

	bredr, le           bool
	bredrState, leState BearerState
	prefer              bluetooth.PreferredBearer
	autoConnect         bool
	disableAutoConnect  bool
	generalConnect      bool
	svcRefreshed        bool
	pendingPaired       bool
	bondingStatus       errorkinds.Status

	uuids     bluetooth.UUIDSet
	eirUUIDs  bluetooth.UUIDSet
	services  []*Service
	pending   []*Service
	primaries []Primary
	records   []ServiceRecord
	gattDB    []Primary
	pnp       PnPID

	browse     *browseRequest
	bonding    *bondingRequest
	auth       *authRequest
	connect    *Call
	disconnect *Call

	disconnects []*Call
	watches     []disconnectWatch
	svcWaiters  []svcWaiter

	att        *attTransport
	attConnect *continuation[attResult]

	ltk        *LongTermKey
	localCSRK  *signingKey
	remoteCSRK *signingKey
	sirks      []SetIdentityKey

	wakeSupport        bool
	wakeAllowed        bool
	pendingWakeAllowed bool
	wakeOverride       wakeOverride
	supportedFlags     uint32
	currentFlags       uint32
	pendingFlags       uint32

	disconnTimer    *eventloop.Timer
	discovTimer     *eventloop.Timer
	temporaryTimer  *eventloop.Timer
	storeScheduled  bool
	removed         bool
	lastUsedIsLE    bool
	lastUsedRestore bool
	bondingDuration time.Duration
}

func newDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType) *Device {
	d := &Device{
		Address:     address,
		AddressType: addressType,
		temporary:   true,
		prefer:      bluetooth.PreferLastUsed,
		txPower:     bluetooth.TxPowerInvalid,
	}

	if addressType.IsLE() {
		d.le = true
	} else {
		d.bredr = true
	}

	return d
}

// Handle returns the handle of the device.
func (d *Device) Handle() Handle {
	return d.handle
}

func (d *Device) state(bearer bluetooth.Bearer) *BearerState {
	if bearer == bluetooth.BearerLE {
		return &d.leState
	}

	return &d.bredrState
}

// addressTypeOf returns the link address type used for the bearer.
func (d *Device) addressTypeOf(bearer bluetooth.Bearer) bluetooth.AddressType {
	if bearer == bluetooth.BearerBREDR {
		return bluetooth.AddressBREDR
	}

	if d.AddressType.IsLE() {
		return d.AddressType
	}

	return bluetooth.AddressLEPublic
}

func bearerOf(addressType bluetooth.AddressType) bluetooth.Bearer {
	if addressType.IsLE() {
		return bluetooth.BearerLE
	}

	return bluetooth.BearerBREDR
}

func (d *Device) isPrivate() bool {
	return bluetooth.IsPrivate(d.Address, d.AddressType)
}

func (d *Device) isPaired(bearer bluetooth.Bearer) bool {
	return d.state(bearer).Paired
}

func (d *Device) paired() bool {
	return d.bredrState.Paired || d.leState.Paired
}

func (d *Device) bonded() bool {
	return d.bredrState.Bonded || d.leState.Bonded
}

func (d *Device) bearerConnected() bool {
	return d.bredrState.Connected || d.leState.Connected
}

func (d *Device) isConnected() bool {
	return d.bearerConnected() || d.findServiceWithState(ServiceConnected) != nil
}

func (d *Device) serviceConnected() bool {
	return d.findServiceWithState(ServiceConnecting) != nil ||
		d.findServiceWithState(ServiceConnected) != nil
}

func (d *Device) isInitiator() bool {
	switch {
	case d.leState.Connected:
		return d.leState.Initiator

	case d.bredrState.Connected:
		return d.bredrState.Initiator

	case d.bonding != nil:
		return true
	}

	return d.attConnect.pending()
}

func (d *Device) isRetrying() bool {
	return d.bonding != nil && d.bonding.retryTimer.Pending()
}

func (d *Device) selection(bredrEnabled bool) Selection {
	return Selection{
		BREDR:         d.bredrState,
		LE:            d.leState,
		SupportsBREDR: d.bredr,
		SupportsLE:    d.le,
		AddressType:   d.AddressType,
		BREDREnabled:  bredrEnabled,
	}
}

// preferredBearer returns the bearer preference, which only exists for
// dual-mode devices.
func (d *Device) preferredBearer() bluetooth.PreferredBearer {
	if !d.bredr || !d.le {
		return ""
	}

	return d.prefer
}

func (d *Device) setPreferBearer(prefer bluetooth.PreferredBearer) {
	d.prefer = prefer

	switch prefer {
	case bluetooth.PreferLE:
		d.leState.Prefer = true
		d.bredrState.Prefer = false

	case bluetooth.PreferBREDR:
		d.bredrState.Prefer = true
		d.leState.Prefer = false

	case bluetooth.PreferLastSeen:
		d.bredrState.Prefer = false
		d.leState.Prefer = false
	}
}

func (d *Device) displayAlias() string {
	switch {
	case d.alias != "":
		return d.alias

	case d.name != "":
		return d.name
	}

	return d.Address.PathString()
}

func (d *Device) findService(profile Profile) *Service {
	for _, s := range d.services {
		if s.profile == profile {
			return s
		}
	}

	return nil
}

func (d *Device) findServiceWithState(state ServiceState) *Service {
	for _, s := range d.services {
		if s.state == state {
			return s
		}
	}

	return nil
}

func (d *Device) findConnectableService(uuid string) *Service {
	for _, s := range d.services {
		if !s.connectable() {
			continue
		}

		if bluetooth.UUIDString(s.profile.RemoteUUID()) == uuid {
			return s
		}
	}

	return nil
}

func (d *Device) removePending(s *Service) bool {
	for i, p := range d.pending {
		if p == s {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return true
		}
	}

	return false
}

func (d *Device) technologies() []string {
	var techs []string

	if d.bredr {
		techs = append(techs, "BR/EDR")
	}

	if d.le {
		techs = append(techs, "LE")
	}

	return techs
}

// data returns the exported property set of the device.
func (d *Device) data(adapter bluetooth.MacAddress) bluetooth.DeviceData {
	return bluetooth.DeviceData{
		Name:             d.name,
		Alias:            d.displayAlias(),
		Class:            d.class,
		Appearance:       d.appearance,
		AddressType:      d.AddressType.String(),
		PreferredBearer:  d.preferredBearer(),
		Icon:             bluetooth.Icon(d.class, d.appearance),
		Modalias:         d.pnp.Modalias(),
		LegacyPairing:    d.legacyPairing,
		CablePairing:     d.cablePairing,
		TxPower:          d.txPower,
		ManufacturerData: maps.Clone(d.manufacturerData),
		ServiceData:      maps.Clone(d.serviceData),
		AdvertisingFlags: slices.Clone(d.adFlags),
		AdvertisingData:  maps.Clone(d.adData),
		Sets:             d.sets(),
		DeviceEventData:  d.eventData(adapter),
	}
}

// sets returns the coordinated sets the device is a member of.
func (d *Device) sets() []bluetooth.DeviceSet {
	if len(d.sirks) == 0 {
		return nil
	}

	sets := make([]bluetooth.DeviceSet, 0, len(d.sirks))
	for _, sirk := range d.sirks {
		sets = append(sets, bluetooth.DeviceSet{
			ID:   hex.EncodeToString(sirk.Key[:]),
			Rank: sirk.Rank,
		})
	}

	return sets
}

func (d *Device) eventData(adapter bluetooth.MacAddress) bluetooth.DeviceEventData {
	return bluetooth.DeviceEventData{
		Address:           d.Address,
		AssociatedAdapter: adapter,
		Paired:            d.paired(),
		Bonded:            d.bonded(),
		Connected:         d.bearerConnected(),
		ServicesResolved:  d.svcRefreshed,
		RSSI:              d.rssi,
		Trusted:           d.trusted,
		Blocked:           d.blocked,
		WakeAllowed:       d.wakeAllowed,
		UUIDs:             d.uuids.Slice(),
	}
}

// record returns the persisted form of the device.
func (d *Device) record() Record {
	rec := Record{
		Address:               d.Address,
		AddressType:           d.AddressType,
		Name:                  d.name,
		Alias:                 d.alias,
		Class:                 d.class,
		Appearance:            d.appearance,
		SupportedTechnologies: d.technologies(),
		Trusted:               d.trusted,
		Blocked:               d.blocked,
		CablePairing:          d.cablePairing,
		BondedBREDR:           d.bredrState.Bonded,
		BondedLE:              d.leState.Bonded,
		Services:              d.uuids.Slice(),
		LongTermKey:           d.ltk,
		SetIdentityKeys:       slices.Clone(d.sirks),
	}

	if prefer := d.preferredBearer(); prefer != "" {
		rec.PreferredBearer = string(prefer)

		if prefer == bluetooth.PreferLastUsed {
			rec.LastUsedBearer = bluetooth.BearerBREDR.String()
			if d.leState.Prefer {
				rec.LastUsedBearer = bluetooth.BearerLE.String()
			}
		}
	}

	if d.wakeSupport {
		wake := d.wakeAllowed
		rec.WakeAllowed = &wake
	}

	if !d.pnp.IsZero() {
		pnp := d.pnp
		rec.DeviceID = &pnp
	}

	if d.localCSRK != nil {
		key := d.localCSRK.snapshot()
		rec.LocalSignatureKey = &key
	}

	if d.remoteCSRK != nil {
		key := d.remoteCSRK.snapshot()
		rec.RemoteSignatureKey = &key
	}

	return rec
}

// restore loads a persisted record into a new device.
func (d *Device) restore(rec Record) {
	d.name = rec.Name
	d.alias = rec.Alias
	d.class = rec.Class
	d.appearance = rec.Appearance
	d.trusted = rec.Trusted
	d.blocked = rec.Blocked
	d.cablePairing = rec.CablePairing
	d.temporary = false

	d.bredr, d.le = false, false
	for _, tech := range rec.SupportedTechnologies {
		switch tech {
		case "BR/EDR":
			d.bredr = true

		case "LE":
			d.le = true
		}
	}

	if !d.bredr && !d.le {
		d.bredr = !rec.AddressType.IsLE()
		d.le = rec.AddressType.IsLE()
	}

	if rec.BondedBREDR {
		d.bredrState.Paired, d.bredrState.Bonded = true, true
	}

	if rec.BondedLE {
		d.leState.Paired, d.leState.Bonded = true, true
	}

	if prefer, ok := bluetooth.ParsePreferredBearer(rec.PreferredBearer); ok {
		d.setPreferBearer(prefer)

		if prefer == bluetooth.PreferLastUsed {
			switch rec.LastUsedBearer {
			case bluetooth.BearerLE.String():
				d.leState.Prefer = true

			case bluetooth.BearerBREDR.String():
				d.bredrState.Prefer = true
			}
		}
	}

	if rec.WakeAllowed != nil {
		d.wakeOverride = wakeDisabled
		if *rec.WakeAllowed {
			d.wakeOverride = wakeEnabled
		}
	}

	if rec.DeviceID != nil {
		d.pnp = *rec.DeviceID
	}

	d.ltk = rec.LongTermKey
	d.sirks = rec.SetIdentityKeys

	if rec.LocalSignatureKey != nil {
		d.localCSRK = newSigningKey(*rec.LocalSignatureKey)
	}

	if rec.RemoteSignatureKey != nil {
		d.remoteCSRK = newSigningKey(*rec.RemoteSignatureKey)
	}

	d.uuids = bluetooth.NewUUIDSet(rec.Services...)
}

// seen records an observation of the device on a bearer.
func (d *Device) seen(bearer bluetooth.Bearer, connectable bool, now time.Time) {
	state := d.state(bearer)
	state.LastSeen = now
	state.Connectable = connectable
}
