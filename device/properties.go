package device

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
	"golang.org/x/text/unicode/norm"
)

// FoundInfo is an inquiry result or advertising report.
type FoundInfo struct {
	Address     bluetooth.MacAddress
	AddressType bluetooth.AddressType

	Name          string
	Class         uint32
	Appearance    uint16
	LegacyPairing bool
	Connectable   bool

	// RSSI is zero when the report carried no signal strength.
	RSSI int16

	TxPower    int16
	HasTxPower bool

	// Flags is nil when no flags were advertised.
	Flags []byte

	UUIDs []string

	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	Data             map[uint8][]byte
}

// rssiThreshold is the smallest signal strength change that is reported.
const rssiThreshold = 8

// DeviceFound records an observation of a device by inquiry or scanning.
func (c *Controller) DeviceFound(info FoundInfo) {
	c.loop.Post(func() {
		d := c.ensureDevice(info.Address, info.AddressType)
		bearer := bearerOf(info.AddressType)

		if bearer == bluetooth.BearerLE {
			c.setLESupport(d, info.AddressType)
		} else {
			c.setBREDRSupport(d)
		}

		c.updateLastSeen(d, bearer, info.Connectable)

		if info.Name != "" {
			c.setName(d, info.Name)
		}

		icon := bluetooth.Icon(d.class, d.appearance)

		if info.Class != 0 && info.Class != d.class {
			d.class = info.Class
			c.propertyChanged(d, "Class", d.class)
			c.storeDevice(d)
		}

		if info.Appearance != 0 && info.Appearance != d.appearance {
			d.appearance = info.Appearance
			c.propertyChanged(d, "Appearance", d.appearance)
			c.storeDevice(d)
		}

		if newIcon := bluetooth.Icon(d.class, d.appearance); newIcon != icon {
			c.propertyChanged(d, "Icon", newIcon)
		}

		if bearer == bluetooth.BearerBREDR && info.LegacyPairing != d.legacyPairing {
			d.legacyPairing = info.LegacyPairing
			c.propertyChanged(d, "LegacyPairing", d.legacyPairing)
		}

		if info.RSSI != 0 {
			c.setRSSI(d, info.RSSI)
		}

		if info.HasTxPower && info.TxPower != d.txPower {
			d.txPower = info.TxPower
			c.propertyChanged(d, "TxPower", d.txPower)
		}

		if info.Flags != nil && !bytes.Equal(info.Flags, d.adFlags) {
			d.adFlags = bytes.Clone(info.Flags)
			c.propertyChanged(d, "AdvertisingFlags", slices.Clone(d.adFlags))
		}

		if data, changed := mergeData(d.manufacturerData, info.ManufacturerData); changed {
			d.manufacturerData = data
			c.propertyChanged(d, "ManufacturerData", maps.Clone(data))
		}

		serviceData := normalizeServiceData(info.ServiceData)
		if data, changed := mergeData(d.serviceData, serviceData); changed {
			d.serviceData = data
			c.propertyChanged(d, "ServiceData", maps.Clone(data))
		}

		if data, changed := mergeData(d.adData, info.Data); changed {
			d.adData = data
			c.propertyChanged(d, "AdvertisingData", maps.Clone(data))
		}

		uuids := append(slices.Clone(info.UUIDs), slices.Sorted(maps.Keys(serviceData))...)

		if len(uuids) > 0 {
			c.addEIRUUIDs(d, uuids)
		}
	})
}

// setRSSI updates the signal strength. Changes from a known strength
// smaller than rssiThreshold are not reported.
func (c *Controller) setRSSI(d *Device, rssi int16) {
	if d.rssi != 0 && rssi != 0 {
		delta := d.rssi - rssi
		if delta < 0 {
			delta = -delta
		}

		if delta < rssiThreshold {
			return
		}
	} else if d.rssi == rssi {
		return
	}

	d.rssi = rssi
	c.propertyChanged(d, "RSSI", rssi)
}

// mergeData adds the entries of src to dst, and reports whether an
// entry was added or replaced.
func mergeData[K comparable](dst, src map[K][]byte) (map[K][]byte, bool) {
	var changed bool

	for k, v := range src {
		if old, ok := dst[k]; ok && bytes.Equal(old, v) {
			continue
		}

		if dst == nil {
			dst = make(map[K][]byte, len(src))
		}

		dst[k] = bytes.Clone(v)
		changed = true
	}

	return dst, changed
}

func normalizeServiceData(data map[string][]byte) map[string][]byte {
	if len(data) == 0 {
		return nil
	}

	normalized := make(map[string][]byte, len(data))
	for u, v := range data {
		normalized[bluetooth.UUIDString(u)] = v
	}

	return normalized
}

func (c *Controller) setName(d *Device, name string) {
	name = norm.NFC.String(name)
	if name == d.name {
		return
	}

	d.name = name
	c.propertyChanged(d, "Name", name)

	if d.alias == "" {
		c.propertyChanged(d, "Alias", d.displayAlias())
	}

	c.storeDevice(d)
}

func (c *Controller) setBREDRSupport(d *Device) {
	if c.opts.Mode == config.ModeLE || d.bredr {
		return
	}

	d.bredr = true

	if d.le {
		c.propertyChanged(d, "PreferredBearer", d.preferredBearer())
	}

	c.storeDevice(d)
}

func (c *Controller) setLESupport(d *Device, addressType bluetooth.AddressType) {
	if c.opts.Mode == config.ModeBREDR || d.le {
		return
	}

	d.le = true
	d.AddressType = addressType

	c.propertyChanged(d, "AddressType", addressType.String())

	if d.bredr {
		c.propertyChanged(d, "PreferredBearer", d.preferredBearer())
	}

	c.storeDevice(d)
}

// addEIRUUIDs probes the profiles of advertised UUIDs until the services
// of the device are resolved.
func (c *Controller) addEIRUUIDs(d *Device, uuids []string) {
	if d.bredrState.ServiceResolved || d.leState.ServiceResolved {
		return
	}

	var added []string

	for _, u := range uuids {
		if d.eirUUIDs.Add(u) {
			added = append(added, bluetooth.UUIDString(u))
		}
	}

	c.probeProfiles(d, added)
}

func (c *Controller) setPnPID(d *Device, pnp PnPID) {
	if d.pnp == pnp {
		return
	}

	d.pnp = pnp

	c.propertyChanged(d, "Modalias", pnp.Modalias())
	c.storeDevice(d)
}

// Modalias returns the modalias string of the identification.
func (p PnPID) Modalias() string {
	var bus string

	switch p.Source {
	case 0x0001:
		bus = "bluetooth"

	case 0x0002:
		bus = "usb"

	default:
		return ""
	}

	return fmt.Sprintf("%s:v%04Xp%04Xd%04X", bus, p.Vendor, p.Product, p.Version)
}

// withDevice runs fn against the device on the loop and returns its error.
func (c *Controller) withDevice(ctx context.Context, h Handle, fn func(d *Device) error) error {
	errc := make(chan error, 1)

	posted := c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			errc <- err
			return
		}

		errc <- fn(d)
	})
	if !posted {
		return errorkinds.ErrNotReady
	}

	select {
	case err := <-errc:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAlias sets the user-assigned name of the device. An empty alias
// reverts to the device name.
func (c *Controller) SetAlias(ctx context.Context, h Handle, alias string) error {
	alias = norm.NFC.String(alias)

	return c.withDevice(ctx, h, func(d *Device) error {
		if alias == d.alias {
			return nil
		}

		d.alias = alias

		c.storeDevice(d)
		c.propertyChanged(d, "Alias", d.displayAlias())

		return nil
	})
}

// SetTrusted sets whether the device is trusted.
func (c *Controller) SetTrusted(ctx context.Context, h Handle, trusted bool) error {
	return c.withDevice(ctx, h, func(d *Device) error {
		if d.trusted == trusted {
			return nil
		}

		log.Debugf("%s: trusted %t", d.Address, trusted)

		d.trusted = trusted

		c.storeDevice(d)
		c.propertyChanged(d, "Trusted", trusted)

		return nil
	})
}

// SetBlocked blocks or unblocks the device. A blocked device is
// disconnected and loses its services.
func (c *Controller) SetBlocked(ctx context.Context, h Handle, blocked bool) error {
	return c.withDevice(ctx, h, func(d *Device) error {
		var err error

		if blocked {
			err = c.block(d)
		} else {
			err = c.unblock(d)
		}

		if err != nil {
			return wrapError(err, "device-set-blocked", d.Address, "Cannot change blocked state")
		}

		return nil
	})
}

func (c *Controller) block(d *Device) error {
	if d.blocked {
		return nil
	}

	c.disconnectAll(d)
	c.removeServices(d)

	var err error

	if d.le {
		err = c.link.Block(d.Address, d.addressTypeOf(bluetooth.BearerLE))
	}

	if err == nil && d.bredr {
		err = c.link.Block(d.Address, bluetooth.AddressBREDR)
	}

	if err != nil {
		return err
	}

	d.blocked = true

	c.storeDevice(d)
	c.setTemporary(d, false)
	c.propertyChanged(d, "Blocked", true)

	return nil
}

func (c *Controller) unblock(d *Device) error {
	if !d.blocked {
		return nil
	}

	var err error

	if d.le {
		err = c.link.Unblock(d.Address, d.addressTypeOf(bluetooth.BearerLE))
	}

	if err == nil && d.bredr {
		err = c.link.Unblock(d.Address, bluetooth.AddressBREDR)
	}

	if err != nil {
		return err
	}

	d.blocked = false

	c.storeDevice(d)
	c.propertyChanged(d, "Blocked", false)
	c.probeProfiles(d, d.uuids.Slice())

	return nil
}

// SetPreferredBearer sets the bearer preference of a dual-mode device.
func (c *Controller) SetPreferredBearer(ctx context.Context, h Handle, value string) error {
	prefer, ok := bluetooth.ParsePreferredBearer(value)
	if !ok {
		return errorkinds.ErrInvalidArguments
	}

	return c.withDevice(ctx, h, func(d *Device) error {
		current := d.preferredBearer()

		switch current {
		case "":
			return errorkinds.ErrNotSupported

		case prefer:
			return nil
		}

		d.setPreferBearer(prefer)

		switch prefer {
		case bluetooth.PreferBREDR:
			c.setAutoConnect(d, false)

		case bluetooth.PreferLE:
			c.setAutoConnect(d, true)
		}

		c.storeDevice(d)
		c.propertyChanged(d, "PreferredBearer", prefer)

		return nil
	})
}

// SetCablePairing records whether the device was paired over a cable
// by a profile.
func (c *Controller) SetCablePairing(ctx context.Context, h Handle, cable bool) error {
	return c.withDevice(ctx, h, func(d *Device) error {
		if d.cablePairing == cable {
			return nil
		}

		log.Debugf("%s: cable pairing %t", d.Address, cable)

		d.cablePairing = cable

		c.storeDevice(d)
		c.propertyChanged(d, "CablePairing", cable)

		return nil
	})
}

// AddSet adds the device to the coordinated set identified by the key.
// An encrypted key needs the long term key of the device.
func (c *Controller) AddSet(ctx context.Context, h Handle, key SetIdentityKey) error {
	return c.withDevice(ctx, h, func(d *Device) error {
		if key.Encrypted && d.ltk == nil {
			return wrapError(errorkinds.ErrKeyMissing, "device-add-set", d.Address, "No long term key for an encrypted set key")
		}

		i := slices.IndexFunc(d.sirks, func(k SetIdentityKey) bool {
			return k.Key == key.Key
		})

		switch {
		case i < 0:
			d.sirks = append(d.sirks, key)

		case d.sirks[i] == key:
			return nil

		default:
			d.sirks[i] = key
		}

		c.storeDevice(d)
		c.propertyChanged(d, "Sets", d.sets())

		return nil
	})
}

// SetWakeAllowed sets whether the device may wake the host.
func (c *Controller) SetWakeAllowed(ctx context.Context, h Handle, allowed bool) error {
	return c.withDevice(ctx, h, func(d *Device) error {
		if !d.wakeSupport {
			return errorkinds.ErrNotSupported
		}

		c.setWakeOverride(d, allowed)

		return c.setWakeAllowed(d, allowed)
	})
}

func (c *Controller) setWakeOverride(d *Device, enabled bool) {
	d.wakeOverride = wakeDisabled
	if enabled {
		d.wakeOverride = wakeEnabled
	}
}

// setWakeAllowed asks the link layer to update the remote wakeup flag.
// Flags still pending are kept.
func (c *Controller) setWakeAllowed(d *Device, wake bool) error {
	flags := d.currentFlags | d.pendingFlags

	if wake {
		flags |= FlagRemoteWakeup
	} else {
		flags &^= FlagRemoteWakeup
	}

	d.pendingWakeAllowed = wake
	d.pendingFlags = flags

	if err := c.link.SetDeviceFlags(d.Address, d.AddressType, flags); err != nil {
		log.Errorf("%s: set device flags: %v", d.Address, err)

		d.pendingWakeAllowed = false
		d.pendingFlags = 0

		return wrapError(err, "device-set-wake", d.Address, "Cannot set device flags")
	}

	c.flagsChanged(d, d.supportedFlags, flags)

	return nil
}

func (c *Controller) wakeAllowedComplete(d *Device) {
	d.wakeAllowed = d.pendingWakeAllowed

	c.propertyChanged(d, "WakeAllowed", d.wakeAllowed)
	c.storeDevice(d)
}

// FlagsChanged reports the supported and current device flags.
func (c *Controller) FlagsChanged(address bluetooth.MacAddress, supported, current uint32) {
	c.loop.Post(func() {
		if d, ok := c.arena.lookup(address); ok {
			c.flagsChanged(d, supported, current)
		}
	})
}

func (c *Controller) flagsChanged(d *Device, supported, current uint32) {
	changed := d.currentFlags ^ current

	d.supportedFlags = supported
	d.currentFlags = current
	d.pendingFlags &^= current

	if changed&FlagRemoteWakeup == 0 || !d.wakeSupport {
		return
	}

	value := current&FlagRemoteWakeup != 0
	d.pendingWakeAllowed = value

	// An override that does not match is applied. This enables wake for
	// devices paired before the override existed.
	if d.wakeOverride != wakeDefault {
		if want := d.wakeOverride == wakeEnabled; want != value {
			if err := c.setWakeAllowed(d, want); err != nil {
				c.publishError(d, "device-flags-changed", "Cannot apply wake override", err)
			}

			return
		}
	}

	c.wakeAllowedComplete(d)
}

// SetWakeSupport is called by profiles that can wake the host.
func (c *Controller) SetWakeSupport(h Handle, support bool) {
	c.loop.Post(func() {
		d, err := c.arena.get(h)
		if err != nil {
			return
		}

		d.wakeSupport = support

		if support {
			d.supportedFlags |= FlagRemoteWakeup
		} else {
			d.supportedFlags &^= FlagRemoteWakeup
		}

		if d.wakeOverride == wakeDefault {
			c.setWakeOverride(d, support)
		}

		// New devices in range are left alone.
		if d.state(bearerOf(d.AddressType)).Bonded {
			if err := c.setWakeAllowed(d, d.wakeOverride == wakeEnabled); err != nil {
				log.Debugf("%s: cannot set wake: %v", d.Address, err)
			}
		}
	})
}

// SetPowered changes the power state of the adapter. Powering off drops
// every link.
func (c *Controller) SetPowered(powered bool) {
	c.loop.Post(func() {
		c.adapter.SetPowered(powered)

		if powered {
			return
		}

		c.arena.each(func(d *Device) bool {
			c.removeConnection(d, bluetooth.BearerBREDR, bluetooth.ReasonLocal)
			c.removeConnection(d, bluetooth.BearerLE, bluetooth.ReasonLocal)

			return true
		})
	})
}
