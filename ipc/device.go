package ipc

import (
	"reflect"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/device"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// deviceObject is an exported device. Its methods form the Device1
// interface.
type deviceObject struct {
	s     *Session
	h     device.Handle
	path  dbus.ObjectPath
	props *prop.Properties
}

var disconnectedSignal = introspect.Signal{
	Name: "Disconnected",
	Args: []introspect.Arg{
		{Name: "name", Type: "s"},
		{Name: "message", Type: "s"},
	},
}

func (s *Session) exportDevice(h device.Handle, data bluetooth.DeviceData) (*deviceObject, error) {
	obj := &deviceObject{
		s:    s,
		h:    h,
		path: s.DevicePath(data.Address),
	}

	props, err := prop.Export(s.conn, obj.path, obj.propertyMap(data))
	if err != nil {
		return nil, wrapError(err, "ipc-export-device", "Cannot export device properties")
	}

	obj.props = props

	err = s.export(obj, obj.path, deviceIface, func(iface *introspect.Interface) {
		iface.Properties = props.Introspection(deviceIface)
		iface.Signals = []introspect.Signal{disconnectedSignal}
	})
	if err != nil {
		return nil, err
	}

	return obj, nil
}

// propertyMap returns the exported properties of the device.
func (o *deviceObject) propertyMap(data bluetooth.DeviceData) prop.Map {
	uuids := data.UUIDs
	if uuids == nil {
		uuids = []string{}
	}

	flags := data.AdvertisingFlags
	if flags == nil {
		flags = []byte{}
	}

	return prop.Map{
		deviceIface: {
			"Address":          {Value: data.Address.String(), Emit: prop.EmitConst},
			"Adapter":          {Value: o.s.adapterPath, Emit: prop.EmitConst},
			"AddressType":      {Value: data.AddressType, Emit: prop.EmitTrue},
			"Name":             {Value: data.Name, Emit: prop.EmitTrue},
			"Alias":            {Value: data.Alias, Emit: prop.EmitTrue, Writable: true, Callback: o.setAlias},
			"Class":            {Value: data.Class, Emit: prop.EmitTrue},
			"Appearance":       {Value: data.Appearance, Emit: prop.EmitTrue},
			"Icon":             {Value: data.Icon, Emit: prop.EmitTrue},
			"Modalias":         {Value: data.Modalias, Emit: prop.EmitTrue},
			"LegacyPairing":    {Value: data.LegacyPairing, Emit: prop.EmitTrue},
			"CablePairing":     {Value: data.CablePairing, Emit: prop.EmitTrue},
			"RSSI":             {Value: data.RSSI, Emit: prop.EmitTrue},
			"TxPower":          {Value: data.TxPower, Emit: prop.EmitTrue},
			"ManufacturerData": {Value: variants(data.ManufacturerData), Emit: prop.EmitTrue},
			"ServiceData":      {Value: variants(data.ServiceData), Emit: prop.EmitTrue},
			"AdvertisingFlags": {Value: flags, Emit: prop.EmitTrue},
			"AdvertisingData":  {Value: variants(data.AdvertisingData), Emit: prop.EmitTrue},
			"Sets":             {Value: o.s.setsValue(data.Sets), Emit: prop.EmitTrue},
			"Paired":           {Value: data.Paired, Emit: prop.EmitTrue},
			"Bonded":           {Value: data.Bonded, Emit: prop.EmitTrue},
			"Connected":        {Value: data.Connected, Emit: prop.EmitTrue},
			"ServicesResolved": {Value: data.ServicesResolved, Emit: prop.EmitTrue},
			"Trusted":          {Value: data.Trusted, Emit: prop.EmitTrue, Writable: true, Callback: o.setTrusted},
			"Blocked":          {Value: data.Blocked, Emit: prop.EmitTrue, Writable: true, Callback: o.setBlocked},
			"WakeAllowed":      {Value: data.WakeAllowed, Emit: prop.EmitTrue, Writable: true, Callback: o.setWakeAllowed},
			"UUIDs":            {Value: uuids, Emit: prop.EmitTrue},
			"PreferredBearer":  {Value: string(data.PreferredBearer), Emit: prop.EmitTrue, Writable: true, Callback: o.setPreferredBearer},
		},
	}
}

// update stores a property reported by the controller. Values that do not
// change the exported property are not emitted.
func (o *deviceObject) update(name string, value any) {
	if _, err := o.props.Get(deviceIface, name); err != nil {
		log.Debugf("%s: property %s is not exported", o.path, name)
		return
	}

	current := o.props.GetMust(deviceIface, name)

	if sets, ok := value.([]bluetooth.DeviceSet); ok {
		value = o.s.setsValue(sets)
	}

	v, ok := exportedValue(value, current)
	if !ok {
		log.Warningf("%s: property %s has type %T, want %T", o.path, name, value, current)
		return
	}

	if reflect.DeepEqual(current, v) {
		return
	}

	o.props.SetMust(deviceIface, name, v)
}

// exportedValue converts a controller value to the type of the exported
// property.
func exportedValue(value, current any) (any, bool) {
	switch v := value.(type) {
	case bluetooth.PreferredBearer:
		value = string(v)

	case bluetooth.MacAddress:
		value = v.String()

	case []string:
		if v == nil {
			value = []string{}
		}

	case []byte:
		if v == nil {
			value = []byte{}
		}

	case map[uint16][]byte:
		value = variants(v)

	case map[string][]byte:
		value = variants(v)

	case map[uint8][]byte:
		value = variants(v)
	}

	vt, ct := reflect.TypeOf(value), reflect.TypeOf(current)
	switch {
	case vt == ct:
		return value, true

	case vt != nil && vt.ConvertibleTo(ct) && vt.Kind() == ct.Kind():
		return reflect.ValueOf(value).Convert(ct).Interface(), true
	}

	return nil, false
}

// variants wraps each advertised data value in a variant. A nil map is
// exported as an empty dictionary.
func variants[K comparable](data map[K][]byte) map[K]dbus.Variant {
	m := make(map[K]dbus.Variant, len(data))
	for k, v := range data {
		m[k] = dbus.MakeVariant(v)
	}

	return m
}

// setsValue returns the coordinated sets keyed by their object path.
func (s *Session) setsValue(sets []bluetooth.DeviceSet) map[dbus.ObjectPath]map[string]dbus.Variant {
	m := make(map[dbus.ObjectPath]map[string]dbus.Variant, len(sets))
	for _, set := range sets {
		m[s.SetPath(set.ID)] = map[string]dbus.Variant{
			"Rank": dbus.MakeVariant(set.Rank),
		}
	}

	return m
}

func (o *deviceObject) setAlias(c *prop.Change) *dbus.Error {
	alias, ok := c.Value.(string)
	if !ok {
		return Error(errorkinds.ErrInvalidArguments)
	}

	return Error(o.s.ctrl.SetAlias(o.s.ctx, o.h, alias))
}

func (o *deviceObject) setTrusted(c *prop.Change) *dbus.Error {
	trusted, ok := c.Value.(bool)
	if !ok {
		return Error(errorkinds.ErrInvalidArguments)
	}

	return Error(o.s.ctrl.SetTrusted(o.s.ctx, o.h, trusted))
}

func (o *deviceObject) setBlocked(c *prop.Change) *dbus.Error {
	blocked, ok := c.Value.(bool)
	if !ok {
		return Error(errorkinds.ErrInvalidArguments)
	}

	return Error(o.s.ctrl.SetBlocked(o.s.ctx, o.h, blocked))
}

func (o *deviceObject) setWakeAllowed(c *prop.Change) *dbus.Error {
	allowed, ok := c.Value.(bool)
	if !ok {
		return Error(errorkinds.ErrInvalidArguments)
	}

	return Error(o.s.ctrl.SetWakeAllowed(o.s.ctx, o.h, allowed))
}

func (o *deviceObject) setPreferredBearer(c *prop.Change) *dbus.Error {
	prefer, ok := c.Value.(string)
	if !ok {
		return Error(errorkinds.ErrInvalidArguments)
	}

	return Error(o.s.ctrl.SetPreferredBearer(o.s.ctx, o.h, prefer))
}

// Connect connects the device and its auto-connectable profiles.
func (o *deviceObject) Connect(sender dbus.Sender) *dbus.Error {
	return Error(o.s.ctrl.Connect(o.s.ctx, o.h, string(sender)))
}

// ConnectProfile connects the profile with the UUID.
func (o *deviceObject) ConnectProfile(sender dbus.Sender, uuid string) *dbus.Error {
	return Error(o.s.ctrl.ConnectProfile(o.s.ctx, o.h, string(sender), uuid))
}

// Disconnect disconnects the device.
func (o *deviceObject) Disconnect(sender dbus.Sender) *dbus.Error {
	return Error(o.s.ctrl.Disconnect(o.s.ctx, o.h, string(sender)))
}

// DisconnectProfile disconnects the profile with the UUID.
func (o *deviceObject) DisconnectProfile(sender dbus.Sender, uuid string) *dbus.Error {
	return Error(o.s.ctrl.DisconnectProfile(o.s.ctx, o.h, string(sender), uuid))
}

// Pair pairs with the device, using the agent of the caller if registered.
func (o *deviceObject) Pair(sender dbus.Sender) *dbus.Error {
	return Error(o.s.ctrl.Pair(o.s.ctx, o.h, string(sender)))
}

// CancelPairing cancels an outstanding Pair.
func (o *deviceObject) CancelPairing(sender dbus.Sender) *dbus.Error {
	return Error(o.s.ctrl.CancelPairing(o.s.ctx, o.h, string(sender)))
}

// GetServiceRecords returns the raw service records of the device.
func (o *deviceObject) GetServiceRecords() ([][]byte, *dbus.Error) {
	records, err := o.s.ctrl.GetServiceRecords(o.s.ctx, o.h)
	if err != nil {
		return nil, Error(err)
	}

	raw := make([][]byte, 0, len(records))
	for _, record := range records {
		raw = append(raw, record.Raw)
	}

	return raw, nil
}
