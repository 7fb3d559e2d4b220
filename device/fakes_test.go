package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/internal/eventloop"
	"github.com/google/uuid"
)

const waitTimeout = 2 * time.Second

var (
	addrBREDR   = mustMAC("00:11:22:33:44:55")
	addrLE      = mustMAC("00:11:22:33:44:66")
	addrPrivate = mustMAC("4A:11:22:33:44:77")
	adapterAddr = mustMAC("AA:BB:CC:DD:EE:FF")

	uuidAudioSink = bluetooth.ShortUUID(0x110b).String()
	uuidHID       = bluetooth.ShortUUID(0x1124).String()
	uuidBattery   = bluetooth.ShortUUID(0x180f).String()
)

func mustMAC(s string) bluetooth.MacAddress {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		panic(err)
	}

	return mac
}

// link layer

type pinReply struct {
	pin    string
	accept bool
}

type fakeLink struct {
	mu sync.Mutex

	bondings    []bluetooth.AddressType
	cancels     int
	removed     []bluetooth.AddressType
	disconnects []bluetooth.AddressType
	added       map[bluetooth.MacAddress]ConnectAction
	blocked     map[bluetooth.MacAddress]bool
	flags       []uint32

	pins     []pinReply
	confirms []bool
	passkeys []uint32
	rejects  int

	bondErr  error
	flagsErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		added:   make(map[bluetooth.MacAddress]ConnectAction),
		blocked: make(map[bluetooth.MacAddress]bool),
	}
}

func (l *fakeLink) CreateBonding(_ bluetooth.MacAddress, typ bluetooth.AddressType, _ bluetooth.IOCapability) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bondErr != nil {
		return l.bondErr
	}

	l.bondings = append(l.bondings, typ)

	return nil
}

func (l *fakeLink) CancelBonding(bluetooth.MacAddress, bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancels++

	return nil
}

func (l *fakeLink) RemoveBonding(_ bluetooth.MacAddress, typ bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removed = append(l.removed, typ)

	return nil
}

func (l *fakeLink) Disconnect(_ bluetooth.MacAddress, typ bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnects = append(l.disconnects, typ)

	return nil
}

func (l *fakeLink) AddDevice(address bluetooth.MacAddress, _ bluetooth.AddressType, action ConnectAction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.added[address] = action

	return nil
}

func (l *fakeLink) RemoveDevice(address bluetooth.MacAddress, _ bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.added, address)

	return nil
}

func (l *fakeLink) SetDeviceFlags(_ bluetooth.MacAddress, _ bluetooth.AddressType, flags uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flagsErr != nil {
		return l.flagsErr
	}

	l.flags = append(l.flags, flags)

	return nil
}

func (l *fakeLink) Block(address bluetooth.MacAddress, _ bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocked[address] = true

	return nil
}

func (l *fakeLink) Unblock(address bluetooth.MacAddress, _ bluetooth.AddressType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.blocked, address)

	return nil
}

func (l *fakeLink) PinCodeReply(_ bluetooth.MacAddress, _ bluetooth.AddressType, pin string, accept bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pins = append(l.pins, pinReply{pin, accept})

	return nil
}

func (l *fakeLink) ConfirmReply(_ bluetooth.MacAddress, _ bluetooth.AddressType, accept bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.confirms = append(l.confirms, accept)

	return nil
}

func (l *fakeLink) PasskeyReply(_ bluetooth.MacAddress, _ bluetooth.AddressType, passkey uint32, accept bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if accept {
		l.passkeys = append(l.passkeys, passkey)
	} else {
		l.rejects++
	}

	return nil
}

// linkCalls is a copy of the calls recorded by a fakeLink.
type linkCalls struct {
	bondings    []bluetooth.AddressType
	cancels     int
	removed     []bluetooth.AddressType
	disconnects []bluetooth.AddressType
	flags       []uint32

	pins     []pinReply
	confirms []bool
	passkeys []uint32
	rejects  int
}

func (l *fakeLink) snapshot() linkCalls {
	l.mu.Lock()
	defer l.mu.Unlock()

	return linkCalls{
		bondings:    append([]bluetooth.AddressType(nil), l.bondings...),
		cancels:     l.cancels,
		removed:     append([]bluetooth.AddressType(nil), l.removed...),
		disconnects: append([]bluetooth.AddressType(nil), l.disconnects...),
		flags:       append([]uint32(nil), l.flags...),
		pins:        append([]pinReply(nil), l.pins...),
		confirms:    append([]bool(nil), l.confirms...),
		passkeys:    append([]uint32(nil), l.passkeys...),
		rejects:     l.rejects,
	}
}

func (l *fakeLink) isBlocked(address bluetooth.MacAddress) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.blocked[address]
}

// service discovery

type sdpSearch struct {
	ctx     context.Context
	service uuid.UUID
	done    func([]ServiceRecord, error)
}

type fakeSDP struct {
	mu sync.Mutex

	// records are returned per service class searched, unless hold is set.
	records []ServiceRecord
	err     error
	hold    bool

	searches []sdpSearch
}

func (s *fakeSDP) Search(ctx context.Context, _ bluetooth.MacAddress, service uuid.UUID, _ uint16, done func([]ServiceRecord, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searches = append(s.searches, sdpSearch{ctx, service, done})
	if s.hold {
		return
	}

	if s.err != nil {
		done(nil, s.err)
		return
	}

	if service == bluetooth.ShortUUID(bluetooth.UUIDL2CAP) {
		done(s.records, nil)
		return
	}

	done(nil, nil)
}

func (s *fakeSDP) pending() []sdpSearch {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sdpSearch(nil), s.searches...)
}

func (s *fakeSDP) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.searches)
}

// attribute protocol

type fakeChannel struct {
	mu sync.Mutex

	level    SecurityLevel
	mtu      uint16
	channels int
	closed   bool
	keySize  uint8

	watches map[uint]func(error)
	nextID  uint

	local, remote SignCounter
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		level:    SecurityLow,
		mtu:      247,
		channels: 1,
		watches:  make(map[uint]func(error)),
	}
}

func (ch *fakeChannel) SecurityLevel() SecurityLevel {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.level
}

func (ch *fakeChannel) SetSecurity(level SecurityLevel) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.level = level

	return nil
}

func (ch *fakeChannel) MTU() uint16 { return ch.mtu }

func (ch *fakeChannel) Channels() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.channels
}

func (ch *fakeChannel) Attach(ATTChannel) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.channels++

	return nil
}

func (ch *fakeChannel) OnDisconnect(fn func(err error)) uint {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.nextID++
	ch.watches[ch.nextID] = fn

	return ch.nextID
}

func (ch *fakeChannel) RemoveDisconnect(id uint) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	delete(ch.watches, id)
}

func (ch *fakeChannel) SetSigning(local, remote SignCounter) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.local, ch.remote = local, remote
}

func (ch *fakeChannel) SetEncKeySize(size uint8) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.keySize = size
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.closed = true

	return nil
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closed
}

func (ch *fakeChannel) signing() (SignCounter, SignCounter) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.local, ch.remote
}

// drop simulates the channel going down.
func (ch *fakeChannel) drop(err error) {
	ch.mu.Lock()
	watches := make([]func(error), 0, len(ch.watches))
	for _, fn := range ch.watches {
		watches = append(watches, fn)
	}
	ch.mu.Unlock()

	for _, fn := range watches {
		fn(err)
	}
}

type attConnect struct {
	ctx  context.Context
	done func(ATTChannel, error)
}

type fakeATT struct {
	mu sync.Mutex

	// If hold is unset, connects succeed with a new channel, or fail
	// with err.
	hold bool
	err  error

	connects []attConnect
	channels []*fakeChannel
}

func (a *fakeATT) Connect(ctx context.Context, _ bluetooth.MacAddress, _ bluetooth.AddressType, _ SecurityLevel, done func(ATTChannel, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connects = append(a.connects, attConnect{ctx, done})
	if a.hold {
		return
	}

	if a.err != nil {
		done(nil, a.err)
		return
	}

	ch := newFakeChannel()
	a.channels = append(a.channels, ch)
	done(ch, nil)
}

func (a *fakeATT) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.connects)
}

func (a *fakeATT) last() attConnect {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.connects[len(a.connects)-1]
}

func (a *fakeATT) lastChannel() *fakeChannel {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.channels) == 0 {
		return nil
	}

	return a.channels[len(a.channels)-1]
}

// GATT

type fakeClient struct {
	mu sync.Mutex

	ready    bool
	services []Primary
	closed   bool

	onReady func(bool, uint8)
}

func (cl *fakeClient) IsReady() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.ready
}

func (cl *fakeClient) OnReady(fn func(success bool, attErr uint8)) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.onReady = fn
}

func (cl *fakeClient) OnServiceChanged(_, _ func(Primary)) {}

func (cl *fakeClient) Services() []Primary {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return append([]Primary(nil), cl.services...)
}

func (cl *fakeClient) ConnectEATT() {}
func (cl *fakeClient) CancelAll()   {}

func (cl *fakeClient) Close() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.closed = true
}

// finish completes the discovery of the client.
func (cl *fakeClient) finish(success bool, services ...Primary) {
	cl.mu.Lock()
	cl.ready = success
	cl.services = services
	fn := cl.onReady
	cl.mu.Unlock()

	if fn != nil {
		fn(success, 0)
	}
}

type fakeServer struct{}

func (fakeServer) Close() {}

type fakeGatt struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (g *fakeGatt) NewClient(ATTChannel, uint16, uint8, []Primary) (GattClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	client := &fakeClient{}
	g.clients = append(g.clients, client)

	return client, nil
}

func (g *fakeGatt) NewServer(ATTChannel, uint16, uint8) (GattServer, error) {
	return fakeServer{}, nil
}

func (g *fakeGatt) lastClient() *fakeClient {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.clients) == 0 {
		return nil
	}

	return g.clients[len(g.clients)-1]
}

// storage

type fakeStore struct {
	mu sync.Mutex

	devices map[bluetooth.MacAddress]Record
	caches  map[bluetooth.MacAddress]CacheRecord
	writes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[bluetooth.MacAddress]Record),
		caches:  make(map[bluetooth.MacAddress]CacheRecord),
	}
}

func (s *fakeStore) LoadDevices(bluetooth.MacAddress) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, len(s.devices))
	for _, rec := range s.devices {
		records = append(records, rec)
	}

	return records, nil
}

func (s *fakeStore) StoreDevice(_ bluetooth.MacAddress, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[rec.Address] = rec
	s.writes++

	return nil
}

func (s *fakeStore) RemoveDevice(_, address bluetooth.MacAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, address)
	delete(s.caches, address)

	return nil
}

func (s *fakeStore) LoadCache(_, address bluetooth.MacAddress) (CacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.caches[address]
	if !ok {
		return CacheRecord{}, errorkinds.ErrDoesNotExist
	}

	return cache, nil
}

func (s *fakeStore) StoreCache(_, address bluetooth.MacAddress, cache CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.caches[address] = cache

	return nil
}

func (s *fakeStore) device(address bluetooth.MacAddress) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.devices[address]

	return rec, ok
}

func (s *fakeStore) cache(address bluetooth.MacAddress) (CacheRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, ok := s.caches[address]

	return cache, ok
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes
}

// agents

type fakeAgent struct {
	mu sync.Mutex

	capability bluetooth.IOCapability
	pincode    string
	passkey    uint32
	err        error

	// block makes every request wait for its timeout.
	block bool

	requests []string
}

func (a *fakeAgent) record(kind string, timeout bluetooth.AuthTimeout) error {
	a.mu.Lock()
	a.requests = append(a.requests, kind)
	block, err := a.block, a.err
	a.mu.Unlock()

	if block {
		<-timeout.Done()
		return errorkinds.ErrAuthenticationTimeout
	}

	return err
}

func (a *fakeAgent) Capability() bluetooth.IOCapability { return a.capability }

func (a *fakeAgent) RequestPinCode(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ bool) (string, error) {
	return a.pincode, a.record("pincode", timeout)
}

func (a *fakeAgent) RequestPasskey(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress) (uint32, error) {
	return a.passkey, a.record("passkey", timeout)
}

func (a *fakeAgent) DisplayPinCode(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ string) error {
	return a.record("display-pincode", timeout)
}

func (a *fakeAgent) DisplayPasskey(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ uint32, _ uint16) error {
	return a.record("display-passkey", timeout)
}

func (a *fakeAgent) ConfirmPasskey(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress, _ uint32) error {
	return a.record("confirm", timeout)
}

func (a *fakeAgent) AuthorizePairing(timeout bluetooth.AuthTimeout, _ bluetooth.MacAddress) error {
	return a.record("authorize", timeout)
}

func (a *fakeAgent) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.requests...)
}

type fakeAgents struct {
	agent bluetooth.Agent
}

func (f fakeAgents) Agent(string) bluetooth.Agent {
	return f.agent
}

// profiles

type fakeProfile struct {
	name     string
	uuid     string
	priority int
	auto     bool

	mu sync.Mutex

	// connectErr is reported once the connection completes. With hold
	// set, the test completes connections itself.
	connectErr error
	hold       bool

	// order, if set, records the connection order across profiles.
	order *connectOrder

	connects    int
	disconnects int
	removes     int
	services    []*Service
}

type connectOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *connectOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.names = append(o.names, name)
}

func (o *connectOrder) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]string(nil), o.names...)
}

func (p *fakeProfile) Name() string       { return p.name }
func (p *fakeProfile) RemoteUUID() string { return p.uuid }
func (p *fakeProfile) Priority() int      { return p.priority }
func (p *fakeProfile) AutoConnect() bool  { return p.auto }

func (p *fakeProfile) Probe(s *Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.services = append(p.services, s)

	return nil
}

func (p *fakeProfile) Remove(*Service) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removes++
}

func (p *fakeProfile) Connect(s *Service) error {
	p.mu.Lock()
	p.connects++
	hold, err, order := p.hold, p.connectErr, p.order
	p.mu.Unlock()

	if order != nil {
		order.add(p.name)
	}

	if !hold {
		s.ConnectingComplete(err)
	}

	return nil
}

func (p *fakeProfile) Disconnect(s *Service) error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()

	s.DisconnectingComplete(nil)

	return nil
}

func (p *fakeProfile) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connects
}

func (p *fakeProfile) removeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.removes
}

func (p *fakeProfile) service() *Service {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.services) == 0 {
		return nil
	}

	return p.services[len(p.services)-1]
}

// emitter

type propertyChange struct {
	name  string
	value any
}

type fakeEmitter struct {
	mu sync.Mutex

	added        []bluetooth.MacAddress
	removed      []bluetooth.MacAddress
	changes      []propertyChange
	disconnected []bluetooth.DisconnectReason
}

func (e *fakeEmitter) DeviceAdded(_ Handle, data bluetooth.DeviceData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.added = append(e.added, data.Address)
}

func (e *fakeEmitter) DeviceRemoved(_ Handle, address bluetooth.MacAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removed = append(e.removed, address)
}

func (e *fakeEmitter) PropertyChanged(_ Handle, _ bluetooth.MacAddress, name string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.changes = append(e.changes, propertyChange{name, value})
}

func (e *fakeEmitter) Disconnected(_ Handle, _ bluetooth.MacAddress, reason bluetooth.DisconnectReason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.disconnected = append(e.disconnected, reason)
}

// values returns every value emitted for the property, in order.
func (e *fakeEmitter) values(name string) []any {
	e.mu.Lock()
	defer e.mu.Unlock()

	var values []any
	for _, ch := range e.changes {
		if ch.name == name {
			values = append(values, ch.value)
		}
	}

	return values
}

func (e *fakeEmitter) removedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.removed)
}

// harness

type harness struct {
	t *testing.T

	ctrl *Controller
	loop *eventloop.Loop

	link    *fakeLink
	sdp     *fakeSDP
	att     *fakeATT
	gatt    *fakeGatt
	store   *fakeStore
	agent   *fakeAgent
	emitter *fakeEmitter
}

func testOptions() config.Options {
	opts := config.New()

	opts.AuthTimeout = time.Second
	opts.TemporaryTimeout = 0
	opts.DisconnectGrace = 10 * time.Millisecond
	opts.DiscoveryDefer = 10 * time.Millisecond
	opts.BondingRetryDelay = 10 * time.Millisecond

	return opts
}

func newHarness(t *testing.T, modify ...func(*config.Options)) *harness {
	t.Helper()

	opts := testOptions()
	for _, fn := range modify {
		fn(&opts)
	}

	h := &harness{
		t:       t,
		loop:    eventloop.New(),
		link:    newFakeLink(),
		sdp:     &fakeSDP{},
		att:     &fakeATT{},
		gatt:    &fakeGatt{},
		store:   newFakeStore(),
		agent:   &fakeAgent{capability: bluetooth.IOCapabilityKeyboardDisplay},
		emitter: &fakeEmitter{},
	}

	adapter := NewAdapter(adapterAddr, "hci0", h.link)
	adapter.SetPowered(true)

	ctrl, err := New(h.loop, Config{
		Adapter: adapter,
		Options: opts,
		Link:    h.link,
		SDP:     h.sdp,
		ATT:     h.att,
		Gatt:    h.gatt,
		Storage: h.store,
		Agents:  fakeAgents{h.agent},
		Emitter: h.emitter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(cancel)

	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	if err := h.loop.Call(ctx, fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

// device returns the device with the address, creating it if needed.
func (h *harness) device(address bluetooth.MacAddress, addressType bluetooth.AddressType) Handle {
	h.t.Helper()

	var handle Handle
	h.do(func() {
		handle = h.ctrl.ensureDevice(address, addressType).handle
	})

	return handle
}

// inspect runs fn against the device on the loop.
func (h *harness) inspect(handle Handle, fn func(d *Device)) {
	h.t.Helper()

	h.do(func() {
		d, err := h.ctrl.arena.get(handle)
		if err != nil {
			h.t.Errorf("device %d: %v", handle, err)
			return
		}

		fn(d)
	})
}

// eventually polls cond on the loop until it holds.
func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		var ok bool
		h.do(func() { ok = cond() })

		if ok {
			return
		}

		time.Sleep(2 * time.Millisecond)
	}

	h.t.Fatalf("timed out waiting for %s", what)
}

// start runs op for the call on the loop without waiting for its reply.
func (h *harness) start(handle Handle, call *Call, op func(*Device, *Call)) *Call {
	h.t.Helper()

	h.do(func() {
		d, err := h.ctrl.arena.get(handle)
		if err != nil {
			call.reply(err)
			return
		}

		op(d, call)
	})

	return call
}

func (h *harness) wait(call *Call) error {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	err := call.Wait(ctx)
	if ctx.Err() != nil {
		h.t.Fatalf("%s call not replied", call.Method)
	}

	return err
}

// addProfile registers the profile and waits until it is probed.
func (h *harness) addProfile(p *fakeProfile) {
	h.ctrl.RegisterProfile(p)
	h.do(func() {})
}
