package device

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

func TestDeviceFound(t *testing.T) {
	h := newHarness(t)

	h.ctrl.DeviceFound(FoundInfo{
		Address:       addrBREDR,
		AddressType:   bluetooth.AddressBREDR,
		Name:          "Cafe\u0301",
		Class:         0x240404,
		LegacyPairing: true,
		Connectable:   true,
		UUIDs:         []string{"110b"},
	})

	h.do(func() {})

	handle, ok := h.ctrl.Lookup(addrBREDR)
	if !ok {
		t.Fatal("found device not created")
	}

	props, err := h.ctrl.Properties(t.Context(), handle)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}

	if props.Name != "Caf\u00e9" || props.Alias != props.Name {
		t.Errorf("name/alias = %q/%q, want normalized name", props.Name, props.Alias)
	}

	if props.Class != 0x240404 || !props.LegacyPairing {
		t.Errorf("class %#x legacy %t", props.Class, props.LegacyPairing)
	}

	if len(props.UUIDs) != 1 || props.UUIDs[0] != uuidAudioSink {
		t.Errorf("UUIDs = %v", props.UUIDs)
	}

	if props.Icon != "audio-headset" {
		t.Errorf("icon = %q", props.Icon)
	}

	// The same name again is not a change.
	h.ctrl.DeviceFound(FoundInfo{
		Address:     addrBREDR,
		AddressType: bluetooth.AddressBREDR,
		Name:        "Caf\u00e9",
		Connectable: true,
	})
	h.do(func() {})

	if got := h.emitter.values("Name"); len(got) != 1 {
		t.Errorf("Name changes = %v, want one", got)
	}

	if got := h.emitter.values("Icon"); len(got) != 1 || got[0] != "audio-headset" {
		t.Errorf("Icon changes = %v", got)
	}

	h.inspect(handle, func(d *Device) {
		if !d.bredrState.Connectable || d.bredrState.LastSeen.IsZero() {
			t.Error("observation not recorded")
		}
	})
}

func TestDeviceFoundAdvertisingData(t *testing.T) {
	h := newHarness(t)

	h.ctrl.DeviceFound(FoundInfo{
		Address:          addrLE,
		AddressType:      bluetooth.AddressLEPublic,
		Appearance:       0x03c1,
		Connectable:      true,
		RSSI:             -60,
		TxPower:          -8,
		HasTxPower:       true,
		Flags:            []byte{0x06},
		ManufacturerData: map[uint16][]byte{0x004c: {0x02, 0x15}},
		ServiceData:      map[string][]byte{"180f": {0x55}},
		Data:             map[uint8][]byte{0x2b: {0x00}},
	})
	h.do(func() {})

	handle, ok := h.ctrl.Lookup(addrLE)
	if !ok {
		t.Fatal("found device not created")
	}

	// Small signal strength changes are not reported.
	h.ctrl.DeviceFound(FoundInfo{Address: addrLE, AddressType: bluetooth.AddressLEPublic, Connectable: true, RSSI: -64})
	h.ctrl.DeviceFound(FoundInfo{
		Address:          addrLE,
		AddressType:      bluetooth.AddressLEPublic,
		Connectable:      true,
		RSSI:             -70,
		Flags:            []byte{0x06},
		ManufacturerData: map[uint16][]byte{0x0075: {0x01}},
	})
	h.do(func() {})

	if got := h.emitter.values("RSSI"); len(got) != 2 || got[0] != int16(-60) || got[1] != int16(-70) {
		t.Errorf("RSSI changes = %v", got)
	}

	if got := h.emitter.values("TxPower"); len(got) != 1 || got[0] != int16(-8) {
		t.Errorf("TxPower changes = %v", got)
	}

	if got := h.emitter.values("AdvertisingFlags"); len(got) != 1 {
		t.Errorf("AdvertisingFlags changes = %v, want one", got)
	}

	if got := h.emitter.values("Icon"); len(got) != 1 || got[0] != "input-keyboard" {
		t.Errorf("Icon changes = %v", got)
	}

	props, err := h.ctrl.Properties(t.Context(), handle)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}

	if props.RSSI != -70 || props.TxPower != -8 {
		t.Errorf("rssi = %d tx power = %d", props.RSSI, props.TxPower)
	}

	if len(props.ManufacturerData) != 2 || !bytes.Equal(props.ManufacturerData[0x004c], []byte{0x02, 0x15}) {
		t.Errorf("manufacturer data = %v", props.ManufacturerData)
	}

	if !bytes.Equal(props.ServiceData[uuidBattery], []byte{0x55}) {
		t.Errorf("service data = %v", props.ServiceData)
	}

	if !bytes.Equal(props.AdvertisingData[0x2b], []byte{0x00}) {
		t.Errorf("advertising data = %v", props.AdvertisingData)
	}

	if !slices.Contains(props.UUIDs, uuidBattery) {
		t.Errorf("UUIDs = %v, want the service data UUID", props.UUIDs)
	}
}

func TestDeviceFoundNoTxPower(t *testing.T) {
	h := newHarness(t)

	h.ctrl.DeviceFound(FoundInfo{Address: addrLE, AddressType: bluetooth.AddressLEPublic, Connectable: true})
	h.do(func() {})

	handle, _ := h.ctrl.Lookup(addrLE)

	props, err := h.ctrl.Properties(t.Context(), handle)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}

	if props.TxPower != bluetooth.TxPowerInvalid || props.RSSI != 0 || props.Icon != "" {
		t.Errorf("tx power = %d rssi = %d icon = %q", props.TxPower, props.RSSI, props.Icon)
	}

	if got := h.emitter.values("TxPower"); len(got) != 0 {
		t.Errorf("TxPower changes = %v", got)
	}
}

func TestSetCablePairing(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	for range 2 {
		if err := h.ctrl.SetCablePairing(t.Context(), handle, true); err != nil {
			t.Fatalf("SetCablePairing: %v", err)
		}
	}

	if got := h.emitter.values("CablePairing"); len(got) != 1 || got[0] != true {
		t.Errorf("CablePairing changes = %v", got)
	}

	props, err := h.ctrl.Properties(t.Context(), handle)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}

	if !props.CablePairing {
		t.Error("cable pairing not recorded")
	}
}

func TestAddSet(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrLE, bluetooth.AddressLEPublic)

	key := SetIdentityKey{Key: [16]byte{0x0a, 0x0b}, Encrypted: true, Size: 2, Rank: 1}

	if err := h.ctrl.AddSet(t.Context(), handle, key); !errors.Is(err, errorkinds.ErrKeyMissing) {
		t.Fatalf("AddSet without a long term key = %v", err)
	}

	if got := h.emitter.values("Sets"); len(got) != 0 {
		t.Errorf("Sets changes = %v", got)
	}

	h.inspect(handle, func(d *Device) {
		d.ltk = &LongTermKey{EncSize: 16}
	})

	for range 2 {
		if err := h.ctrl.AddSet(t.Context(), handle, key); err != nil {
			t.Fatalf("AddSet: %v", err)
		}
	}

	key.Rank = 2
	if err := h.ctrl.AddSet(t.Context(), handle, key); err != nil {
		t.Fatalf("AddSet: %v", err)
	}

	got := h.emitter.values("Sets")
	if len(got) != 2 {
		t.Fatalf("Sets changes = %v, want two", got)
	}

	want := []bluetooth.DeviceSet{{ID: "0a0b0000000000000000000000000000", Rank: 2}}
	if sets, _ := got[1].([]bluetooth.DeviceSet); !slices.Equal(sets, want) {
		t.Errorf("sets = %v, want %v", got[1], want)
	}
}

func TestSetAlias(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	if err := h.ctrl.SetAlias(t.Context(), handle, "Kitchen"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}

	if err := h.ctrl.SetAlias(t.Context(), handle, ""); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}

	got := h.emitter.values("Alias")
	if len(got) != 2 || got[0] != "Kitchen" || got[1] != addrBREDR.PathString() {
		t.Errorf("Alias changes = %v", got)
	}
}

func TestSetBlocked(t *testing.T) {
	h := newHarness(t)

	sink := &fakeProfile{name: "a2dp-sink", uuid: uuidAudioSink, auto: true}
	h.addProfile(sink)

	handle := h.device(addrBREDR, bluetooth.AddressBREDR)
	h.inspect(handle, func(d *Device) {
		h.ctrl.probeProfiles(d, []string{uuidAudioSink})
	})

	if err := h.ctrl.SetBlocked(t.Context(), handle, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}

	if !h.link.isBlocked(addrBREDR) {
		t.Error("link layer not told to block")
	}

	h.inspect(handle, func(d *Device) {
		if !d.blocked || len(d.services) != 0 {
			t.Errorf("blocked %t services %d", d.blocked, len(d.services))
		}

		if d.temporary {
			t.Error("blocked device is temporary")
		}
	})

	if h.ctrl.Adapter().InAcceptList(addrBREDR) {
		t.Error("blocked device in accept list")
	}

	if err := h.ctrl.SetBlocked(t.Context(), handle, false); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}

	if h.link.isBlocked(addrBREDR) {
		t.Error("link layer not told to unblock")
	}

	h.inspect(handle, func(d *Device) {
		if len(d.services) != 1 {
			t.Errorf("services after unblock = %d, want 1", len(d.services))
		}
	})

	if got := h.emitter.values("Blocked"); len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("Blocked changes = %v", got)
	}
}

func TestSetPreferredBearer(t *testing.T) {
	h := newHarness(t)

	single := h.device(addrBREDR, bluetooth.AddressBREDR)
	if err := h.ctrl.SetPreferredBearer(t.Context(), single, "le"); !errors.Is(err, errorkinds.ErrNotSupported) {
		t.Errorf("single mode = %v, want not supported", err)
	}

	dual := h.device(addrLE, bluetooth.AddressLEPublic)
	h.inspect(dual, func(d *Device) {
		d.bredr = true
	})

	if err := h.ctrl.SetPreferredBearer(t.Context(), dual, "classic"); !errors.Is(err, errorkinds.ErrInvalidArguments) {
		t.Errorf("invalid value = %v, want invalid arguments", err)
	}

	if err := h.ctrl.SetPreferredBearer(t.Context(), dual, "le"); err != nil {
		t.Fatalf("SetPreferredBearer: %v", err)
	}

	if !h.ctrl.Adapter().InAutoConnect(addrLE) {
		t.Error("LE preference did not enable auto connection")
	}

	if err := h.ctrl.SetPreferredBearer(t.Context(), dual, "bredr"); err != nil {
		t.Fatalf("SetPreferredBearer: %v", err)
	}

	if h.ctrl.Adapter().InAutoConnect(addrLE) {
		t.Error("BR/EDR preference kept auto connection")
	}

	got := h.emitter.values("PreferredBearer")
	if len(got) != 2 || got[0] != bluetooth.PreferLE || got[1] != bluetooth.PreferBREDR {
		t.Errorf("PreferredBearer changes = %v", got)
	}
}

func TestWakeAllowed(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrLE, bluetooth.AddressLEPublic)

	if err := h.ctrl.SetWakeAllowed(t.Context(), handle, true); !errors.Is(err, errorkinds.ErrNotSupported) {
		t.Fatalf("SetWakeAllowed without support = %v, want not supported", err)
	}

	h.ctrl.SetWakeSupport(handle, true)

	if err := h.ctrl.SetWakeAllowed(t.Context(), handle, true); err != nil {
		t.Fatalf("SetWakeAllowed: %v", err)
	}

	if got := h.emitter.values("WakeAllowed"); len(got) != 1 || got[0] != true {
		t.Errorf("WakeAllowed changes = %v, want [true]", got)
	}

	if err := h.ctrl.SetWakeAllowed(t.Context(), handle, false); err != nil {
		t.Fatalf("SetWakeAllowed: %v", err)
	}

	flags := h.link.snapshot().flags
	if len(flags) != 2 || flags[0] != FlagRemoteWakeup || flags[1] != 0 {
		t.Errorf("device flags = %v", flags)
	}

	h.inspect(handle, func(d *Device) {
		if d.wakeAllowed || d.wakeOverride != wakeDisabled {
			t.Errorf("wake allowed %t override %d", d.wakeAllowed, d.wakeOverride)
		}
	})
}

func TestWakeAllowedLinkFailure(t *testing.T) {
	h := newHarness(t)
	h.link.flagsErr = errorkinds.ErrNotPermitted

	handle := h.device(addrLE, bluetooth.AddressLEPublic)
	h.ctrl.SetWakeSupport(handle, true)

	if err := h.ctrl.SetWakeAllowed(t.Context(), handle, true); !errors.Is(err, errorkinds.ErrNotPermitted) {
		t.Fatalf("SetWakeAllowed = %v, want not permitted", err)
	}

	h.inspect(handle, func(d *Device) {
		if d.pendingFlags != 0 || d.wakeAllowed {
			t.Error("failed flags kept as pending")
		}
	})
}

func TestGetServiceRecords(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	if _, err := h.ctrl.GetServiceRecords(t.Context(), handle); !errors.Is(err, errorkinds.ErrNotConnected) {
		t.Errorf("not connected = %v", err)
	}

	h.ctrl.DeviceConnected(addrBREDR, bluetooth.AddressBREDR, false)

	if _, err := h.ctrl.GetServiceRecords(t.Context(), handle); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Errorf("unresolved = %v", err)
	}

	h.inspect(handle, func(d *Device) {
		d.bredrState.ServiceResolved = true
		d.records = []ServiceRecord{{Handle: 0x10001, Class: uuidAudioSink}}
	})

	records, err := h.ctrl.GetServiceRecords(t.Context(), handle)
	if err != nil || len(records) != 1 {
		t.Fatalf("GetServiceRecords = %v, %v", records, err)
	}

	h.ctrl.SetPowered(false)

	if _, err := h.ctrl.GetServiceRecords(t.Context(), handle); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Errorf("not powered = %v", err)
	}
}

func TestModalias(t *testing.T) {
	tests := []struct {
		pnp  PnPID
		want string
	}{
		{PnPID{Source: 1, Vendor: 0x000a, Product: 0x0001, Version: 0x0100}, "bluetooth:v000Ap0001d0100"},
		{PnPID{Source: 2, Vendor: 0x046d, Product: 0xc52b, Version: 0x1201}, "usb:v046DpC52Bd1201"},
		{PnPID{Source: 3}, ""},
	}

	for _, test := range tests {
		if got := test.pnp.Modalias(); got != test.want {
			t.Errorf("Modalias(%+v) = %q, want %q", test.pnp, got, test.want)
		}
	}
}

func TestDevices(t *testing.T) {
	h := newHarness(t)

	first := h.device(addrBREDR, bluetooth.AddressBREDR)
	second := h.device(addrLE, bluetooth.AddressLEPublic)

	devices, err := h.ctrl.Devices(t.Context())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}

	if devices[first].Address != addrBREDR || devices[second].Address != addrLE {
		t.Errorf("devices = %+v", devices)
	}

	if devices[second].AddressType != "public" {
		t.Errorf("address type = %q", devices[second].AddressType)
	}
}
