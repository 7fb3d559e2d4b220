package device

import (
	"context"
	"errors"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/api/eventbus"
	"github.com/darkhz/btdevd/internal/eventloop"
	logging "github.com/op/go-logging"
	"go.uber.org/atomic"
	"golang.org/x/text/unicode/norm"
)

var log = logging.MustGetLogger("device")

// Config holds the collaborators of a controller.
type Config struct {
	Adapter *Adapter
	Options config.Options

	Link    LinkLayer
	SDP     SDPSearcher
	ATT     ATTConnector
	Gatt    GattProvider
	Storage Storage

	// Agents resolves authentication agents. If nil, every request
	// is accepted by bluetooth.DefaultAuthorizer.
	Agents bluetooth.AgentProvider

	// Emitter is the IPC session handle. It may be nil.
	Emitter Emitter

	// Bus receives device, property and error events. It may be nil.
	Bus eventbus.EventHandler

	Profiles []Profile
}

// Controller owns every device of one adapter and drives their state
// machines. Device state is only touched from the event loop; the exported
// methods may be called from any goroutine.
type Controller struct {
	loop    *eventloop.Loop
	adapter *Adapter
	opts    config.Options

	link    LinkLayer
	sdp     SDPSearcher
	att     ATTConnector
	gatt    GattProvider
	store   Storage
	agents  bluetooth.AgentProvider
	emitter Emitter
	bus     eventbus.EventHandler

	profiles []Profile
	arena    arena

	ids *atomic.Uint64
	now func() time.Time
}

// New returns a new controller, which runs on the provided loop.
func New(loop *eventloop.Loop, cfg Config) (*Controller, error) {
	switch {
	case loop == nil:
		return nil, wrapError(errorkinds.ErrInvalidArguments, "controller-new", bluetooth.MacAddress{}, "No event loop provided")

	case cfg.Adapter == nil, cfg.Link == nil:
		return nil, wrapError(errorkinds.ErrInvalidArguments, "controller-new", bluetooth.MacAddress{}, "No adapter or link layer provided")

	case cfg.SDP == nil, cfg.ATT == nil, cfg.Gatt == nil:
		return nil, wrapError(errorkinds.ErrInvalidArguments, "controller-new", cfg.Adapter.Address, "No service discovery provided")
	}

	c := &Controller{
		loop:     loop,
		adapter:  cfg.Adapter,
		opts:     cfg.Options,
		link:     cfg.Link,
		sdp:      cfg.SDP,
		att:      cfg.ATT,
		gatt:     cfg.Gatt,
		store:    cfg.Storage,
		agents:   cfg.Agents,
		emitter:  cfg.Emitter,
		bus:      cfg.Bus,
		profiles: append([]Profile(nil), cfg.Profiles...),
		arena:    newArena(),
		ids:      atomic.NewUint64(0),
		now:      time.Now,
	}

	if c.emitter == nil {
		c.emitter = nopEmitter{}
	}

	if c.bus == nil {
		c.bus = eventbus.NilHandler()
	}

	return c, nil
}

// Adapter returns the adapter the controller belongs to.
func (c *Controller) Adapter() *Adapter {
	return c.adapter
}

// SetOptions replaces the policy options. Running operations keep
// the values they started with where they were captured.
func (c *Controller) SetOptions(opts config.Options) {
	c.loop.Post(func() {
		c.opts = opts
	})
}

// Load restores every stored device of the adapter.
func (c *Controller) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	records, err := c.store.LoadDevices(c.adapter.Address)
	if err != nil {
		return wrapError(err, "controller-load", c.adapter.Address, "Cannot load stored devices")
	}

	return c.loop.Call(ctx, func() {
		for _, rec := range records {
			c.restoreDevice(rec)
		}
	})
}

// RegisterProfile adds a profile driver and probes it against every
// known device.
func (c *Controller) RegisterProfile(p Profile) {
	c.loop.Post(func() {
		c.profiles = append(c.profiles, p)

		c.arena.each(func(d *Device) bool {
			c.probeProfile(d, p)
			return true
		})
	})
}

// UnregisterProfile removes a profile driver and unbinds its services.
func (c *Controller) UnregisterProfile(p Profile) {
	c.loop.Post(func() {
		for i, registered := range c.profiles {
			if registered == p {
				c.profiles = append(c.profiles[:i], c.profiles[i+1:]...)
				break
			}
		}

		c.arena.each(func(d *Device) bool {
			c.removeProfile(d, p)
			return true
		})
	})
}

func (c *Controller) nextID() uint {
	return uint(c.ids.Inc())
}

func (c *Controller) restoreDevice(rec Record) {
	if _, ok := c.arena.lookup(rec.Address); ok {
		return
	}

	d := newDevice(rec.Address, rec.AddressType)
	d.restore(rec)
	d.name = norm.NFC.String(d.name)
	d.alias = norm.NFC.String(d.alias)

	if c.store != nil {
		if cache, err := c.store.LoadCache(c.adapter.Address, d.Address); err == nil {
			d.records = cache.Records
			d.gattDB = cache.Primaries
		}
	}

	c.arena.add(d)
	c.emitter.DeviceAdded(d.handle, d.data(c.adapter.Address))
	bluetooth.DeviceEvents(c.bus).PublishAdded(d.data(c.adapter.Address))

	if d.bredr && !d.blocked {
		c.adapter.AcceptListAdd(d.Address)
	}

	c.probeProfiles(d, d.uuids.Slice())
}

// ensureDevice returns the device with the address, creating a temporary
// one on first observation.
func (c *Controller) ensureDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType) *Device {
	if d, ok := c.arena.lookup(address); ok {
		return d
	}

	d := newDevice(address, addressType)
	if !d.isPrivate() {
		d.setPreferBearer(c.opts.DefaultPrefer)
	}

	c.arena.add(d)
	log.Debugf("%s: created (%s)", address, addressType)

	c.emitter.DeviceAdded(d.handle, d.data(c.adapter.Address))
	bluetooth.DeviceEvents(c.bus).PublishAdded(d.data(c.adapter.Address))

	c.setTemporaryTimer(d)

	return d
}

func (c *Controller) propertyChanged(d *Device, name string, value any) {
	if d.removed {
		return
	}

	c.emitter.PropertyChanged(d.handle, d.Address, name, value)

	bluetooth.PropertyEvents(c.bus).PublishAdded(bluetooth.PropertyEventData{
		Address:  d.Address,
		Property: name,
		Value:    value,
	})
	bluetooth.DeviceEvents(c.bus).PublishUpdated(d.eventData(c.adapter.Address))
}

// publishError logs an error that has no waiting caller.
func (c *Controller) publishError(d *Device, at, msg string, err error) {
	err = wrapError(err, at, d.Address, msg)
	log.Errorf("%s: %v", d.Address, err)

	bluetooth.ErrorEvents(c.bus).PublishAdded(errorkinds.GenericError{Errors: err})
}

// profile binding

func matchProfile(p Profile, uuids []string) bool {
	remote := bluetooth.UUIDString(p.RemoteUUID())
	for _, u := range uuids {
		if bluetooth.UUIDString(u) == remote {
			return true
		}
	}

	return false
}

func (c *Controller) probeService(d *Device, p Profile, uuids []string) *Service {
	if !matchProfile(p, uuids) || d.findService(p) != nil {
		return nil
	}

	s := &Service{
		ctrl:    c,
		device:  d.handle,
		address: d.Address,
		profile: p,
		state:   ServiceDisconnected,
		allowed: true,
	}

	if pr, ok := p.(Probeable); ok {
		if err := pr.Probe(s); err != nil {
			log.Errorf("%s: %s probe failed: %v", d.Address, p.Name(), err)
			return nil
		}
	}

	if s.autoConnect() && s.acceptor() {
		if d.temporary {
			d.disableAutoConnect = true
		} else {
			c.setAutoConnect(d, true)
		}
	}

	return s
}

// probeProfiles binds the registered profiles matching the UUIDs and adds
// the UUIDs to the device.
func (c *Controller) probeProfiles(d *Device, uuids []string) {
	if len(uuids) == 0 {
		return
	}

	if d.blocked {
		log.Debugf("%s: blocked, skipping profile probe", d.Address)
	} else {
		for _, p := range c.profiles {
			if s := c.probeService(d, p, uuids); s != nil {
				d.services = append(d.services, s)
			}
		}
	}

	c.addUUIDs(d, uuids...)
}

func (c *Controller) probeProfile(d *Device, p Profile) {
	if d.blocked {
		return
	}

	s := c.probeService(d, p, d.uuids.Slice())
	if s == nil {
		return
	}

	d.services = append(d.services, s)

	if !s.autoConnect() || (!d.isConnected() && !d.generalConnect) {
		return
	}

	d.pending = append(d.pending, s)
	if len(d.pending) == 1 {
		if err := c.connectNext(d); err != nil {
			d.pending = nil
		}
	}
}

func (c *Controller) removeProfile(d *Device, p Profile) {
	s := d.findService(p)
	if s == nil {
		return
	}

	d.removePending(s)
	c.removeService(d, s)
}

func (c *Controller) removeService(d *Device, s *Service) {
	for i, svc := range d.services {
		if svc == s {
			d.services = append(d.services[:i], d.services[i+1:]...)
			break
		}
	}

	s.remove()
}

func (c *Controller) removeServices(d *Device) {
	services := d.services

	d.services = nil
	d.pending = nil

	for _, s := range services {
		s.remove()
	}
}

func (c *Controller) addUUIDs(d *Device, uuids ...string) {
	if d.uuids.Add(uuids...) {
		c.propertyChanged(d, "UUIDs", d.uuids.Slice())
	}
}

// serviceStateChanged is called by services on every state transition.
func (c *Controller) serviceStateChanged(s *Service, old, state ServiceState, err error) {
	d, derr := c.arena.get(s.device)
	if derr != nil {
		return
	}

	switch state {
	case ServiceConnecting, ServiceDisconnecting:
		return
	}

	switch old {
	case ServiceConnecting:
		c.profileConnected(d, s, err)

	case ServiceDisconnecting:
		c.profileDisconnected(d, s, err)
	}
}

// wrapError attaches the operation and device to an error.
func wrapError(err error, at string, address bluetooth.MacAddress, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"address", address.String(),
		),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

// isError reports whether err is one of targets.
func isError(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

type nopEmitter struct{}

func (nopEmitter) DeviceAdded(Handle, bluetooth.DeviceData)                              {}
func (nopEmitter) DeviceRemoved(Handle, bluetooth.MacAddress)                            {}
func (nopEmitter) PropertyChanged(Handle, bluetooth.MacAddress, string, any)             {}
func (nopEmitter) Disconnected(Handle, bluetooth.MacAddress, bluetooth.DisconnectReason) {}
