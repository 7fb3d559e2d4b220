package ipc

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Southclaws/fault"
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/godbus/dbus/v5"
)

var headset = mustMAC("00:11:22:33:44:55")

func mustMAC(s string) bluetooth.MacAddress {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		panic(err)
	}

	return mac
}

func TestError(t *testing.T) {
	tests := []struct {
		err  error
		name string
	}{
		{errorkinds.ErrInProgress, "org.bluez.Error.InProgress"},
		{errorkinds.ErrBusy, "org.bluez.Error.InProgress"},
		{errorkinds.ErrNotPowered, "org.bluez.Error.NotReady"},
		{errorkinds.ErrAuthenticationTimeout, "org.bluez.Error.AuthenticationTimeout"},
		{errorkinds.ErrConnectionAttemptFailed, "org.bluez.Error.ConnectionAttemptFailed"},
		{fault.Wrap(errorkinds.ErrDoesNotExist), "org.bluez.Error.DoesNotExist"},
		{errorkinds.ErrIO, "org.bluez.Error.Failed"},
		{context.DeadlineExceeded, "org.bluez.Error.Failed"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			derr := Error(test.err)
			if derr == nil || derr.Name != test.name {
				t.Errorf("Error(%v) = %v, want %s", test.err, derr, test.name)
			}
		})
	}

	if Error(nil) != nil {
		t.Error("Error(nil) is not nil")
	}
}

func TestAgentError(t *testing.T) {
	ctx := t.Context()

	tests := []struct {
		err  error
		want error
	}{
		{dbus.Error{Name: "org.bluez.Error.Rejected"}, errorkinds.ErrAuthenticationRejected},
		{dbus.NewError("org.bluez.Error.Canceled", nil), errorkinds.ErrAuthenticationCanceled},
		{dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}, errorkinds.ErrAuthenticationTimeout},
		{errors.New("broken pipe"), errorkinds.ErrAuthenticationFailed},
	}

	for _, test := range tests {
		if got := agentError(ctx, test.err); !errors.Is(got, test.want) {
			t.Errorf("agentError(%v) = %v, want %v", test.err, got, test.want)
		}
	}

	if agentError(ctx, nil) != nil {
		t.Error("agentError(nil) is not nil")
	}

	expired, cancel := context.WithCancel(ctx)
	cancel()

	if got := agentError(expired, errors.New("closed")); !errors.Is(got, errorkinds.ErrAuthenticationTimeout) {
		t.Errorf("expired agentError = %v", got)
	}
}

// fakeCaller records agent calls and replies with reply.
type fakeCaller struct {
	mu      sync.Mutex
	methods []string
	args    [][]any

	reply func(ctx context.Context, method string) *dbus.Call
}

func (f *fakeCaller) CallWithContext(ctx context.Context, method string, _ dbus.Flags, args ...any) *dbus.Call {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.args = append(f.args, args)
	f.mu.Unlock()

	if f.reply == nil {
		return &dbus.Call{}
	}

	return f.reply(ctx, method)
}

func (f *fakeCaller) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.methods)
}

func newAgent(s *Session, obj caller) *remoteAgent {
	return &remoteAgent{
		sender:     ":1.5",
		path:       "/agent",
		capability: bluetooth.IOCapabilityKeyboardDisplay,
		obj:        obj,
		devicePath: s.DevicePath,
	}
}

func TestRemoteAgentPinCode(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &fakeCaller{
		reply: func(context.Context, string) *dbus.Call {
			return &dbus.Call{Body: []any{"1234"}}
		},
	}

	timeout := bluetooth.NewAuthTimeout(time.Second)
	defer timeout.Cancel()

	pin, err := newAgent(s, obj).RequestPinCode(timeout, headset, false)
	if err != nil || pin != "1234" {
		t.Fatalf("RequestPinCode = %q, %v", pin, err)
	}

	if got := obj.called(); !slices.Equal(got, []string{"org.bluez.Agent1.RequestPinCode"}) {
		t.Errorf("calls = %v", got)
	}

	want := dbus.ObjectPath("/org/btdevd/hci0/dev_00_11_22_33_44_55")
	if path, _ := obj.args[0][0].(dbus.ObjectPath); path != want {
		t.Errorf("device path = %s, want %s", path, want)
	}
}

func TestRemoteAgentRejects(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &fakeCaller{
		reply: func(context.Context, string) *dbus.Call {
			return &dbus.Call{Err: dbus.Error{Name: "org.bluez.Error.Rejected"}}
		},
	}

	timeout := bluetooth.NewAuthTimeout(time.Second)
	defer timeout.Cancel()

	if err := newAgent(s, obj).ConfirmPasskey(timeout, headset, 123456); !errors.Is(err, errorkinds.ErrAuthenticationRejected) {
		t.Errorf("ConfirmPasskey = %v", err)
	}

	if got := obj.called(); !slices.Equal(got, []string{"org.bluez.Agent1.RequestConfirmation"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestRemoteAgentTimeout(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &fakeCaller{
		reply: func(ctx context.Context, method string) *dbus.Call {
			if method != "org.bluez.Agent1.RequestPasskey" {
				return &dbus.Call{}
			}

			<-ctx.Done()

			return &dbus.Call{Err: ctx.Err()}
		},
	}

	timeout := bluetooth.NewAuthTimeout(20 * time.Millisecond)
	defer timeout.Cancel()

	if _, err := newAgent(s, obj).RequestPasskey(timeout, headset); !errors.Is(err, errorkinds.ErrAuthenticationTimeout) {
		t.Errorf("RequestPasskey = %v", err)
	}

	want := []string{"org.bluez.Agent1.RequestPasskey", "org.bluez.Agent1.Cancel"}
	if got := obj.called(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRemoteAgentInvalidPasskey(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &fakeCaller{
		reply: func(context.Context, string) *dbus.Call {
			return &dbus.Call{Body: []any{uint32(1000000)}}
		},
	}

	timeout := bluetooth.NewAuthTimeout(time.Second)
	defer timeout.Cancel()

	if _, err := newAgent(s, obj).RequestPasskey(timeout, headset); !errors.Is(err, errorkinds.ErrAuthenticationRejected) {
		t.Errorf("RequestPasskey = %v", err)
	}
}

func TestAgentRegistry(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	r := s.agents

	first := newAgent(s, &fakeCaller{})
	second := newAgent(s, &fakeCaller{})
	second.sender = ":1.6"

	for _, a := range []*remoteAgent{first, second} {
		if err := r.add(a); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if err := r.add(first); !errors.Is(err, errorkinds.ErrAlreadyExists) {
		t.Errorf("duplicate add = %v", err)
	}

	if s.Agent("") != nil {
		t.Error("default agent set without a request")
	}

	if s.Agent(":1.6") != second {
		t.Error("caller agent not returned")
	}

	if err := r.setDefault(":1.5", "/other"); !errors.Is(err, errorkinds.ErrDoesNotExist) {
		t.Errorf("setDefault with wrong path = %v", err)
	}

	if err := r.setDefault(":1.5", "/agent"); err != nil {
		t.Fatalf("setDefault: %v", err)
	}

	if s.Agent("") != first {
		t.Error("default agent not returned")
	}

	if !r.remove(":1.5") {
		t.Error("exited caller agent not removed")
	}

	if s.Agent("") != nil {
		t.Error("default agent kept after its caller exited")
	}

	if _, err := r.unregister(":1.6", "/agent"); err != nil {
		t.Errorf("unregister: %v", err)
	}

	if s.Agent(":1.6") != nil {
		t.Error("agent kept after unregister")
	}
}

func TestReleaseAll(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &fakeCaller{}

	if err := s.agents.add(newAgent(s, obj)); err != nil {
		t.Fatal(err)
	}

	s.agents.releaseAll()

	if got := obj.called(); !slices.Equal(got, []string{"org.bluez.Agent1.Release"}) {
		t.Errorf("calls = %v", got)
	}

	if s.Agent(":1.5") != nil {
		t.Error("agent kept after release")
	}
}

func TestDeviceAddress(t *testing.T) {
	s := NewSession(nil, "hci1", nil)

	path := s.DevicePath(headset)
	if path != "/org/btdevd/hci1/dev_00_11_22_33_44_55" {
		t.Fatalf("path = %s", path)
	}

	address, err := s.deviceAddress(path)
	if err != nil || address != headset {
		t.Errorf("deviceAddress = %s, %v", address, err)
	}

	if _, err := s.deviceAddress("/org/btdevd/hci0/dev_00_11_22_33_44_55"); err == nil {
		t.Error("path of another adapter accepted")
	}
}

func TestExitedCaller(t *testing.T) {
	tests := []struct {
		body []any
		name string
		gone bool
	}{
		{[]any{":1.5", ":1.5", ""}, ":1.5", true},
		{[]any{":1.5", "", ":1.5"}, ":1.5", false},
		{[]any{"org.example", ":1.5", ""}, "org.example", false},
	}

	for _, test := range tests {
		signal := &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: test.body}

		name, gone := exitedCaller(signal)
		if name != test.name || gone != test.gone {
			t.Errorf("exitedCaller(%v) = %q, %v", test.body, name, gone)
		}
	}

	if _, gone := exitedCaller(&dbus.Signal{Name: "org.freedesktop.DBus.NameAcquired", Body: []any{":1.5"}}); gone {
		t.Error("unrelated signal reported an exit")
	}
}

func TestExportedValue(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		current any
		want    any
		ok      bool
	}{
		{"bearer", bluetooth.PreferLE, "last-used", "le", true},
		{"nil uuids", []string(nil), []string{"a"}, []string{}, true},
		{"class", uint32(0x240404), uint32(0), uint32(0x240404), true},
		{"mismatch", "yes", false, nil, false},
		{"widening", uint16(7), uint32(0), nil, false},
		{"rssi", int16(-60), int16(0), int16(-60), true},
		{"nil flags", []byte(nil), []byte{0x06}, []byte{}, true},
		{
			"manufacturer data",
			map[uint16][]byte{0x004c: {0x02, 0x15}},
			map[uint16]dbus.Variant{},
			map[uint16]dbus.Variant{0x004c: dbus.MakeVariant([]byte{0x02, 0x15})},
			true,
		},
		{
			"nil service data",
			map[string][]byte(nil),
			map[string]dbus.Variant{"0000180f-0000-1000-8000-00805f9b34fb": dbus.MakeVariant([]byte{0x55})},
			map[string]dbus.Variant{},
			true,
		},
		{
			"advertising data",
			map[uint8][]byte{0x2b: {0x00}},
			map[uint8]dbus.Variant{},
			map[uint8]dbus.Variant{0x2b: dbus.MakeVariant([]byte{0x00})},
			true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := exportedValue(test.value, test.current)
			if ok != test.ok {
				t.Fatalf("ok = %v, want %v", ok, test.ok)
			}

			if ok && !equal(got, test.want) {
				t.Errorf("value = %#v, want %#v", got, test.want)
			}
		})
	}
}

func equal(a, b any) bool {
	if as, ok := a.([]string); ok {
		bs, ok := b.([]string)
		return ok && slices.Equal(as, bs) && (as == nil) == (bs == nil)
	}

	return reflect.DeepEqual(a, b)
}

func TestPropertyMap(t *testing.T) {
	s := NewSession(nil, "hci0", nil)
	obj := &deviceObject{s: s, path: s.DevicePath(headset)}

	data := bluetooth.DeviceData{
		Name:            "Headset",
		Alias:           "Headset",
		AddressType:     "public",
		PreferredBearer: bluetooth.PreferLastUsed,
		Icon:            "audio-headset",
		Modalias:        "usb:v046DpC52Bd1201",
		TxPower:         bluetooth.TxPowerInvalid,
		Sets:            []bluetooth.DeviceSet{{ID: "0a0b", Rank: 2}},
	}
	data.Address = headset
	data.RSSI = -60

	props := obj.propertyMap(data)[deviceIface]

	for _, name := range []string{"Alias", "Trusted", "Blocked", "WakeAllowed", "PreferredBearer"} {
		if p, ok := props[name]; !ok || !p.Writable || p.Callback == nil {
			t.Errorf("%s is not writable", name)
		}
	}

	for _, name := range []string{"Address", "Name", "Paired", "Connected", "UUIDs"} {
		if p, ok := props[name]; !ok || p.Writable {
			t.Errorf("%s is missing or writable", name)
		}
	}

	if uuids, _ := props["UUIDs"].Value.([]string); uuids == nil {
		t.Error("UUIDs exported as a nil slice")
	}

	if props["Address"].Value != "00:11:22:33:44:55" || props["Adapter"].Value != dbus.ObjectPath("/org/btdevd/hci0") {
		t.Errorf("address = %v adapter = %v", props["Address"].Value, props["Adapter"].Value)
	}

	if props["Modalias"].Value != "usb:v046DpC52Bd1201" || props["Icon"].Value != "audio-headset" {
		t.Errorf("modalias = %v icon = %v", props["Modalias"].Value, props["Icon"].Value)
	}

	if props["RSSI"].Value != int16(-60) || props["TxPower"].Value != int16(127) {
		t.Errorf("rssi = %v tx power = %v", props["RSSI"].Value, props["TxPower"].Value)
	}

	if flags, _ := props["AdvertisingFlags"].Value.([]byte); flags == nil {
		t.Error("AdvertisingFlags exported as a nil slice")
	}

	for _, name := range []string{"ManufacturerData", "ServiceData", "AdvertisingData"} {
		if v := reflect.ValueOf(props[name].Value); v.Kind() != reflect.Map || v.IsNil() || v.Len() != 0 {
			t.Errorf("%s = %#v, want an empty map", name, props[name].Value)
		}
	}

	want := map[dbus.ObjectPath]map[string]dbus.Variant{
		"/org/btdevd/hci0/set_0a0b": {"Rank": dbus.MakeVariant(uint8(2))},
	}
	if !reflect.DeepEqual(props["Sets"].Value, want) {
		t.Errorf("sets = %#v", props["Sets"].Value)
	}
}
