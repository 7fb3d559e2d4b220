package device

import (
	"errors"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
	"go.uber.org/atomic"
)

// attTransport is the attached attribute protocol bearer of a device,
// with the GATT client and server bound to it.
type attTransport struct {
	ch    ATTChannel
	mtu   uint16
	watch uint

	client GattClient
	server GattServer
}

// signingKey is a CSRK with its sign counter. The counter is consulted
// from the attribute channel, outside the event loop.
type signingKey struct {
	key           [16]byte
	authenticated bool
	counter       *atomic.Uint32
}

func newSigningKey(k SignatureKey) *signingKey {
	return &signingKey{
		key:           k.Key,
		authenticated: k.Authenticated,
		counter:       atomic.NewUint32(k.Counter),
	}
}

func (k *signingKey) snapshot() SignatureKey {
	return SignatureKey{
		Key:           k.key,
		Counter:       k.counter.Load(),
		Authenticated: k.authenticated,
	}
}

// next hands out the counter for an outgoing signed write.
func (k *signingKey) next(cnt *uint32) bool {
	*cnt = k.counter.Inc() - 1

	return true
}

// accept validates the counter of an incoming signed write. Counters must
// never go backwards.
func (k *signingKey) accept(cnt *uint32) bool {
	for {
		current := k.counter.Load()
		if *cnt < current {
			return false
		}

		if k.counter.CompareAndSwap(current, *cnt) {
			return true
		}
	}
}

// ATTConnected attaches an incoming attribute channel to the device.
func (c *Controller) ATTConnected(address bluetooth.MacAddress, addressType bluetooth.AddressType, ch ATTChannel) {
	posted := c.loop.Post(func() {
		d := c.ensureDevice(address, addressType)

		if err := c.attach(d, ch); err != nil {
			log.Warningf("%s: cannot attach attribute channel: %v", address, err)
			ch.Close()
		}
	})
	if !posted {
		ch.Close()
	}
}

// connectLE opens the LE attribute transport to the device.
func (c *Controller) connectLE(d *Device) error {
	if d.attConnect.pending() || d.att != nil {
		return errorkinds.ErrAlready
	}

	log.Debugf("%s: connecting over LE", d.Address)

	d.leState.Initiator = true

	level := SecurityLow
	if d.isPaired(bluetooth.BearerLE) {
		level = SecurityMedium
	}

	c.startATT(d, level)

	if d.temporary {
		c.setTemporaryTimer(d)
	}

	return nil
}

func (c *Controller) startATT(d *Device, level SecurityLevel) {
	h := d.handle

	conn := newContinuation(c.loop, func(r attResult) {
		c.attConnected(h, r)
	})
	conn.dropped = func(r attResult) {
		if r.ch != nil {
			r.ch.Close()
		}
	}
	d.attConnect = conn

	c.att.Connect(conn.ctx, d.Address, d.addressTypeOf(bluetooth.BearerLE), level, func(ch ATTChannel, err error) {
		conn.resolve(attResult{ch: ch, err: err})
	})
}

func (c *Controller) attConnected(h Handle, r attResult) {
	d, err := c.arena.get(h)
	if err != nil {
		if r.ch != nil {
			r.ch.Close()
		}

		return
	}

	d.attConnect = nil

	err = r.err
	if err != nil {
		log.Debugf("%s: attribute connection failed: %v", d.Address, err)

		if !errors.Is(err, errorkinds.ErrConnectionAborted) && c.autoConnectEnabled(d) {
			log.Debugf("%s: enabling automatic connections", d.Address)
			c.adapter.ConnectListAdd(d.Address, d.addressTypeOf(bluetooth.BearerLE))
		}

		c.browseComplete(d, browseGATT, bluetooth.BearerLE, errorkinds.ErrConnectionAborted)
	} else {
		if !d.leState.Connected {
			c.addConnection(d, bluetooth.BearerLE, true)
		}

		if aerr := c.attach(d, r.ch); aerr != nil {
			log.Errorf("%s: cannot attach attribute channel: %v", d.Address, aerr)

			r.ch.Close()
			err = errorkinds.ErrIO
		} else if b := d.bonding; b != nil {
			b.restartTimer(c.now())
			err = c.link.CreateBonding(d.Address, d.addressTypeOf(bluetooth.BearerLE), b.io)
		}
	}

	if b := d.bonding; b != nil && err != nil {
		b.call.reply(wrapError(err, "device-pair", d.Address, "Cannot pair with device"))

		if cerr := c.link.CancelBonding(d.Address, d.addressTypeOf(b.bearer)); cerr != nil {
			log.Debugf("%s: cancel bonding: %v", d.Address, cerr)
		}

		c.freeBonding(d)
	}

	if call := d.connect; call != nil {
		d.connect = nil

		if err != nil {
			err = wrapError(err, "device-connect-le", d.Address, "Cannot connect to device")
		}

		call.reply(err)
	}
}

// attach binds a connected channel to the device, either as its
// attribute transport or as an additional enhanced channel.
func (c *Controller) attach(d *Device, ch ATTChannel) error {
	if t := d.att; t != nil {
		if c.opts.GattChannels <= t.ch.Channels() {
			log.Debugf("%s: EATT channel limit reached", d.Address)
			return errorkinds.ErrNotPermitted
		}

		if err := t.ch.Attach(ch); err != nil {
			return err
		}

		log.Debugf("%s: EATT channel connected", d.Address)

		return nil
	}

	if ch.SecurityLevel() == SecurityLow && d.leState.Paired {
		log.Debugf("%s: elevating security level since LTK is available", d.Address)

		if err := ch.SetSecurity(SecurityMedium); err != nil {
			return err
		}
	}

	t := &attTransport{
		ch:  ch,
		mtu: min(ch.MTU(), c.opts.GattMTU),
	}
	d.att = t

	h := d.handle
	t.watch = ch.OnDisconnect(func(err error) {
		c.loop.Post(func() {
			c.attDisconnected(h, t, err)
		})
	})

	var local, remote SignCounter

	if key := d.localCSRK; key != nil {
		local = func(cnt *uint32) bool {
			key.next(cnt)
			c.loop.Post(func() { c.storeHandle(h) })

			return true
		}
	}

	if key := d.remoteCSRK; key != nil {
		remote = func(cnt *uint32) bool {
			if !key.accept(cnt) {
				return false
			}

			c.loop.Post(func() { c.storeHandle(h) })

			return true
		}
	}

	ch.SetSigning(local, remote)

	if len(d.gattDB) == 0 {
		c.loadCache(d)
	}

	c.gattClientInit(d)
	c.gattServerInit(d)

	// Give passive scanning a chance to restart for other devices.
	c.adapter.ConnectListRemove(d.Address)

	return nil
}

func (c *Controller) cacheEnabled(d *Device) bool {
	switch c.opts.GattCache {
	case config.CacheNever:
		return false

	case config.CacheIfPaired:
		return d.isPaired(bluetooth.BearerLE)
	}

	return true
}

func (c *Controller) gattCacheCleanup(d *Device, client GattClient) {
	if c.cacheEnabled(d) {
		return
	}

	client.CancelAll()
	d.gattDB = nil
	d.leState.ServiceResolved = false
}

func (c *Controller) gattClientCleanup(d *Device) {
	t := d.att
	if t == nil || t.client == nil {
		return
	}

	client := t.client
	t.client = nil

	c.gattCacheCleanup(d, client)
	client.Close()
}

func (c *Controller) gattClientInit(d *Device) {
	c.gattClientCleanup(d)

	t := d.att
	initiator := d.isInitiator()

	if !initiator && !c.opts.ReverseDiscovery {
		log.Debugf("%s: reverse service discovery disabled, skipping GATT client", d.Address)
		return
	}

	if !initiator && !c.opts.GattClient {
		log.Debugf("%s: GATT client disabled", d.Address)
		return
	}

	features := ClientFeatureRobustCaching | ClientFeatureNotifyMultiple
	if c.opts.GattChannels > 1 {
		features |= ClientFeatureEATT
	}

	if d.bonding != nil {
		log.Debugf("%s: elevating security level since bonding is in progress", d.Address)

		if err := t.ch.SetSecurity(SecurityMedium); err != nil {
			log.Debugf("%s: cannot elevate security: %v", d.Address, err)
		}
	}

	client, err := c.gatt.NewClient(t.ch, t.mtu, features, d.gattDB)
	if err != nil {
		log.Errorf("%s: cannot initialize GATT client: %v", d.Address, err)
		return
	}

	t.client = client

	// Services from the cache may handle notifications while the
	// discovery runs.
	if len(d.gattDB) > 0 {
		c.acceptGattProfiles(d)
	}

	h := d.handle

	client.OnReady(func(success bool, attErr uint8) {
		c.loop.Post(func() {
			c.gattReady(h, client, success, attErr)
		})
	})

	client.OnServiceChanged(
		func(p Primary) {
			c.loop.Post(func() { c.gattServiceAdded(h, client, p) })
		},
		func(p Primary) {
			c.loop.Post(func() { c.gattServiceRemoved(h, client, p) })
		},
	)

	if initiator {
		client.ConnectEATT()
	}
}

func (c *Controller) gattServerInit(d *Device) {
	t := d.att

	if t.server != nil {
		t.server.Close()
		t.server = nil
	}

	server, err := c.gatt.NewServer(t.ch, t.mtu, c.opts.KeySize)
	if err != nil {
		log.Errorf("%s: cannot initialize GATT server: %v", d.Address, err)
		return
	}

	t.server = server

	if d.ltk != nil {
		t.ch.SetEncKeySize(d.ltk.EncSize)
	}
}

// liveClient returns the device if client is still its GATT client.
func (c *Controller) liveClient(h Handle, client GattClient) (*Device, bool) {
	d, err := c.arena.get(h)
	if err != nil || d.att == nil || d.att.client != client {
		return nil, false
	}

	return d, true
}

func (c *Controller) gattReady(h Handle, client GattClient, success bool, attErr uint8) {
	d, ok := c.liveClient(h, client)
	if !ok {
		return
	}

	log.Debugf("%s: GATT client ready: %t (ATT error 0x%02x)", d.Address, success, attErr)

	if !success {
		c.svcResolved(d, browseGATT, bluetooth.BearerLE, errorkinds.ErrIO)
		return
	}

	c.registerGattServices(d, client)
	c.svcResolved(d, browseGATT, bluetooth.BearerLE, nil)
	c.storeCache(d)
}

func (c *Controller) registerGattServices(d *Device, client GattClient) {
	services := client.Services()

	c.setTemporary(d, false)

	if req := d.browse; req != nil {
		for _, p := range services {
			if !containsPrimary(d.primaries, p) {
				req.addUUID(d, bluetooth.UUIDString(p.UUID))
			}
		}
	}

	d.primaries = append([]Primary(nil), services...)
	d.gattDB = append([]Primary(nil), services...)

	if d.blocked {
		log.Debugf("%s: skipping profiles for blocked device", d.Address)
		return
	}

	for _, p := range d.primaries {
		c.addGattService(d, p)
	}
}

func (c *Controller) addGattService(d *Device, p Primary) {
	uuid := bluetooth.UUIDString(p.UUID)

	s := d.findServiceWithUUID(uuid)
	if s == nil {
		c.probeProfiles(d, []string{uuid})

		if s = d.findServiceWithUUID(uuid); s == nil {
			return
		}
	}

	if !s.acceptor() {
		return
	}

	if err := s.accept(); err != nil && !errors.Is(err, errorkinds.ErrAlready) {
		log.Debugf("%s: %s accept failed: %v", d.Address, s.profile.Name(), err)
	}
}

func (c *Controller) acceptGattProfiles(d *Device) {
	log.Debugf("%s: accepting GATT profiles, initiator %t", d.Address, d.isInitiator())

	for _, s := range d.services {
		if !s.acceptor() {
			continue
		}

		if err := s.accept(); err != nil && !errors.Is(err, errorkinds.ErrAlready) {
			log.Debugf("%s: %s accept failed: %v", d.Address, s.profile.Name(), err)
		}
	}
}

func (c *Controller) gattServiceAdded(h Handle, client GattClient, p Primary) {
	d, ok := c.liveClient(h, client)
	if !ok || !client.IsReady() || containsPrimary(d.primaries, p) {
		return
	}

	log.Debugf("%s: service added 0x%04x-0x%04x", d.Address, p.Start, p.End)

	d.primaries = append(d.primaries, p)
	d.gattDB = append(d.gattDB, p)

	if !d.blocked {
		c.addGattService(d, p)
	}

	c.storeCache(d)
}

func (c *Controller) gattServiceRemoved(h Handle, client GattClient, p Primary) {
	d, ok := c.liveClient(h, client)
	if !ok {
		return
	}

	log.Debugf("%s: service removed 0x%04x-0x%04x", d.Address, p.Start, p.End)

	i := indexPrimary(d.primaries, p)
	if i < 0 {
		return
	}

	d.primaries = append(d.primaries[:i], d.primaries[i+1:]...)
	if j := indexPrimary(d.gattDB, p); j >= 0 {
		d.gattDB = append(d.gattDB[:j], d.gattDB[j+1:]...)
	}

	uuid := bluetooth.UUIDString(p.UUID)
	if !d.uuids.Has(uuid) {
		return
	}

	for _, other := range d.primaries {
		if bluetooth.UUIDString(other.UUID) == uuid {
			return
		}
	}

	// Keep the service of a device whose database was only cleared, so
	// the profile is not probed again when it reconnects.
	if s := d.findServiceWithUUID(uuid); s != nil && (d.att.client != nil || d.temporary) {
		d.removePending(s)
		c.removeService(d, s)
	}

	d.uuids.Remove(uuid)
	c.propertyChanged(d, "UUIDs", d.uuids.Slice())

	c.storeCache(d)
}

func (c *Controller) attDisconnected(h Handle, t *attTransport, err error) {
	d, derr := c.arena.get(h)
	if derr != nil || d.att != t {
		return
	}

	log.Debugf("%s: attribute transport disconnected: %v", d.Address, err)

	if d.browse != nil {
		c.attCleanup(d)
		c.browseComplete(d, browseGATT, bluetooth.BearerLE, errorkinds.ErrIO)

		return
	}

	for _, s := range d.services {
		if s.acceptor() {
			s.disconnect()
		}
	}

	if c.autoConnectEnabled(d) && errorkinds.IsLinkLoss(err) {
		c.adapter.ConnectListAdd(d.Address, d.addressTypeOf(bluetooth.BearerLE))
	} else {
		log.Debugf("%s: automatic connection not re-armed", d.Address)
	}

	c.attCleanup(d)
}

// attCleanup releases the attribute transport and any pending connect.
func (c *Controller) attCleanup(d *Device) {
	d.attConnect.abort()
	d.attConnect = nil

	t := d.att
	if t == nil {
		return
	}

	t.ch.RemoveDisconnect(t.watch)

	c.gattClientCleanup(d)

	if t.server != nil {
		t.server.Close()
		t.server = nil
	}

	d.att = nil

	if err := t.ch.Close(); err != nil {
		log.Debugf("%s: closing attribute channel: %v", d.Address, err)
	}
}

func (d *Device) findServiceWithUUID(uuid string) *Service {
	for _, s := range d.services {
		if bluetooth.UUIDString(s.profile.RemoteUUID()) == uuid {
			return s
		}
	}

	return nil
}

func containsPrimary(list []Primary, p Primary) bool {
	return indexPrimary(list, p) >= 0
}

func indexPrimary(list []Primary, p Primary) int {
	for i, existing := range list {
		if existing == p {
			return i
		}
	}

	return -1
}
