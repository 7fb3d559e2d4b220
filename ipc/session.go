// Package ipc exports the devices of a controller on D-Bus, and forwards
// authentication requests to agents registered by callers.
package ipc

import (
	"context"
	"fmt"
	"strings"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/api/eventbus"
	"github.com/darkhz/btdevd/device"
	"github.com/darkhz/btdevd/internal/eventloop"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
)

// The names and paths of the exported objects.
const (
	BusName  = "org.btdevd"
	RootPath = dbus.ObjectPath("/org/btdevd")

	deviceIface       = "org.bluez.Device1"
	adapterIface      = "org.bluez.Adapter1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"

	dbusIface          = "org.freedesktop.DBus"
	introspectableName = "org.freedesktop.DBus.Introspectable"
)

var log = logging.MustGetLogger("ipc")

// Controller is the device controller the session exports.
// *device.Controller implements it.
type Controller interface {
	Connect(ctx context.Context, h device.Handle, sender string) error
	ConnectProfile(ctx context.Context, h device.Handle, sender, uuid string) error
	Disconnect(ctx context.Context, h device.Handle, sender string) error
	DisconnectProfile(ctx context.Context, h device.Handle, sender, uuid string) error
	Pair(ctx context.Context, h device.Handle, sender string) error
	CancelPairing(ctx context.Context, h device.Handle, sender string) error
	RemoveDevice(ctx context.Context, h device.Handle, sender string) error
	GetServiceRecords(ctx context.Context, h device.Handle) ([]device.ServiceRecord, error)

	SetAlias(ctx context.Context, h device.Handle, alias string) error
	SetTrusted(ctx context.Context, h device.Handle, trusted bool) error
	SetBlocked(ctx context.Context, h device.Handle, blocked bool) error
	SetPreferredBearer(ctx context.Context, h device.Handle, value string) error
	SetWakeAllowed(ctx context.Context, h device.Handle, allowed bool) error

	Lookup(address bluetooth.MacAddress) (device.Handle, bool)
	CallerExited(sender string)
}

var (
	_ Controller              = (*device.Controller)(nil)
	_ device.Emitter          = (*Session)(nil)
	_ bluetooth.AgentProvider = (*Session)(nil)
)

// Session is the D-Bus session handle of one adapter. It is shared by
// reference with the controller, which reports device changes to it.
type Session struct {
	conn *dbus.Conn
	ctrl Controller
	bus  eventbus.EventHandler

	adapter     string
	adapterPath dbus.ObjectPath

	// exports applies object changes in order, off the controller loop.
	exports *eventloop.Loop
	objects map[device.Handle]*deviceObject

	agents *agentRegistry

	ctx context.Context
}

// NewSession returns a session for the adapter (for example, hci0).
// The bus may be nil.
func NewSession(conn *dbus.Conn, adapter string, bus eventbus.EventHandler) *Session {
	if bus == nil {
		bus = eventbus.NilHandler()
	}

	return &Session{
		conn:        conn,
		bus:         bus,
		adapter:     adapter,
		adapterPath: RootPath + dbus.ObjectPath("/"+adapter),
		exports:     eventloop.New(),
		objects:     make(map[device.Handle]*deviceObject),
		agents:      newAgentRegistry(),
		ctx:         context.Background(),
	}
}

// Attach sets the controller whose devices are exported.
// It must be called before Start.
func (s *Session) Attach(ctrl Controller) {
	s.ctrl = ctrl
}

// Start claims the bus name and exports the adapter and agent manager objects.
func (s *Session) Start(ctx context.Context) error {
	if s.ctrl == nil {
		return wrapError(errorkinds.ErrNotReady, "ipc-start", "No controller attached")
	}

	s.ctx = ctx

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return wrapError(err, "ipc-request-name", "Cannot request bus name")
	}

	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return wrapError(errorkinds.ErrAlreadyExists, "ipc-request-name", BusName+" is owned by another process")
	}

	manager := &agentManager{s}
	if err := s.export(manager, RootPath, agentManagerIface, nil); err != nil {
		return err
	}

	return s.export(&adapterObject{s}, s.adapterPath, adapterIface, nil)
}

// Run applies exported object changes, and watches for callers leaving
// the bus, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.exports.Run(gctx)
	})

	g.Go(func() error {
		return s.watchCallers(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// Close releases the agents and the bus name.
func (s *Session) Close() error {
	s.agents.releaseAll()

	if _, err := s.conn.ReleaseName(BusName); err != nil {
		return wrapError(err, "ipc-release-name", "Cannot release bus name")
	}

	return nil
}

// DevicePath returns the object path of the device.
func (s *Session) DevicePath(address bluetooth.MacAddress) dbus.ObjectPath {
	return s.adapterPath + dbus.ObjectPath("/dev_"+address.PathString())
}

// SetPath returns the object path of the coordinated set with the ID.
func (s *Session) SetPath(id string) dbus.ObjectPath {
	return s.adapterPath + dbus.ObjectPath("/set_"+id)
}

// deviceAddress parses the address of a device object path.
func (s *Session) deviceAddress(path dbus.ObjectPath) (bluetooth.MacAddress, error) {
	name, ok := strings.CutPrefix(string(path), string(s.adapterPath)+"/dev_")
	if !ok {
		return bluetooth.MacAddress{}, errorkinds.ErrInvalidArguments
	}

	return bluetooth.ParseMAC(strings.ReplaceAll(name, "_", ":"))
}

// DeviceAdded exports the device.
func (s *Session) DeviceAdded(h device.Handle, data bluetooth.DeviceData) {
	s.exports.Post(func() {
		if _, ok := s.objects[h]; ok {
			return
		}

		obj, err := s.exportDevice(h, data)
		if err != nil {
			s.publishError(err, "Cannot export device", "address", data.Address.String())
			return
		}

		s.objects[h] = obj
	})
}

// DeviceRemoved removes the device object.
func (s *Session) DeviceRemoved(h device.Handle, address bluetooth.MacAddress) {
	s.exports.Post(func() {
		obj, ok := s.objects[h]
		if !ok {
			return
		}

		delete(s.objects, h)

		for _, iface := range []string{deviceIface, "org.freedesktop.DBus.Properties", introspectableName} {
			if err := s.conn.Export(nil, obj.path, iface); err != nil {
				log.Debugf("%s: cannot unexport %s: %v", address, iface, err)
			}
		}
	})
}

// PropertyChanged updates a device property and emits PropertiesChanged.
func (s *Session) PropertyChanged(h device.Handle, address bluetooth.MacAddress, name string, value any) {
	s.exports.Post(func() {
		if obj, ok := s.objects[h]; ok {
			obj.update(name, value)
		}
	})
}

// Disconnected emits the Disconnected signal of the device.
func (s *Session) Disconnected(h device.Handle, address bluetooth.MacAddress, reason bluetooth.DisconnectReason) {
	s.exports.Post(func() {
		obj, ok := s.objects[h]
		if !ok {
			return
		}

		if err := s.conn.Emit(obj.path, deviceIface+".Disconnected", reason.Name(), reason.Message()); err != nil {
			log.Debugf("%s: cannot emit disconnect reason: %v", address, err)
		}
	})
}

// Agent returns the agent registered by sender, or the default agent
// for an empty sender.
func (s *Session) Agent(sender string) bluetooth.Agent {
	a := s.agents.get(sender)
	if a == nil {
		return nil
	}

	return a
}

// export exports v with its introspection data at path.
func (s *Session) export(v any, path dbus.ObjectPath, iface string, extra func(*introspect.Interface)) error {
	if err := s.conn.Export(v, path, iface); err != nil {
		return wrapError(err, "ipc-export", fmt.Sprintf("Cannot export %s at %s", iface, path))
	}

	data := introspect.Interface{
		Name:    iface,
		Methods: introspect.Methods(v),
	}
	if extra != nil {
		extra(&data)
	}

	node := &introspect.Node{
		Interfaces: []introspect.Interface{introspect.IntrospectData, data},
	}

	if err := s.conn.Export(introspect.NewIntrospectable(node), path, introspectableName); err != nil {
		return wrapError(err, "ipc-export", fmt.Sprintf("Cannot export introspection data at %s", path))
	}

	return nil
}

// watchCallers reports callers that leave the bus to the controller and
// drops their agents.
func (s *Session) watchCallers(ctx context.Context) error {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(dbusIface),
		dbus.WithMatchMember("NameOwnerChanged"),
	}

	if err := s.conn.AddMatchSignal(match...); err != nil {
		return wrapError(err, "ipc-watch-callers", "Cannot watch bus names")
	}
	defer s.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case signal, ok := <-signals:
			if !ok {
				return nil
			}

			if name, gone := exitedCaller(signal); gone {
				s.callerExited(name)
			}
		}
	}
}

func (s *Session) callerExited(name string) {
	if s.agents.remove(name) {
		log.Infof("Agent of %s unregistered on exit", name)
	}

	s.ctrl.CallerExited(name)
}

// exitedCaller reports whether the signal is a unique bus name losing
// its owner.
func exitedCaller(signal *dbus.Signal) (string, bool) {
	if signal == nil || signal.Name != dbusIface+".NameOwnerChanged" || len(signal.Body) != 3 {
		return "", false
	}

	name, _ := signal.Body[0].(string)
	newOwner, _ := signal.Body[2].(string)

	return name, strings.HasPrefix(name, ":") && newOwner == ""
}

// adapterObject holds the device removal method of the adapter.
type adapterObject struct {
	s *Session
}

// RemoveDevice removes the device at path with its stored data.
func (a *adapterObject) RemoveDevice(sender dbus.Sender, path dbus.ObjectPath) *dbus.Error {
	address, err := a.s.deviceAddress(path)
	if err != nil {
		return Error(errorkinds.ErrInvalidArguments)
	}

	h, ok := a.s.ctrl.Lookup(address)
	if !ok {
		return Error(errorkinds.ErrDoesNotExist)
	}

	return Error(a.s.ctrl.RemoveDevice(a.s.ctx, h, string(sender)))
}
