package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/darkhz/btdevd/api/eventbus"
	"github.com/darkhz/btdevd/config"
	"github.com/darkhz/btdevd/device"
	"github.com/darkhz/btdevd/internal/eventloop"
	"github.com/darkhz/btdevd/ipc"
	"github.com/darkhz/btdevd/logger"
	"github.com/darkhz/btdevd/mgmt"
	"github.com/darkhz/btdevd/storage"
	"github.com/godbus/dbus/v5"
	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
)

var log = logging.MustGetLogger("btdevd")

// daemon holds the running components of one adapter.
type daemon struct {
	cfg *config.Config

	link  *mgmt.Link
	info  mgmt.Info
	store *storage.Store

	conn    *dbus.Conn
	session *ipc.Session

	bus  *eventbus.Bus
	loop *eventloop.Loop
	ctrl *device.Controller
}

// linkHandler dispatches link-layer events to the controller, and applies
// controller setting changes to its adapter.
type linkHandler struct {
	*device.Controller
}

var _ mgmt.Handler = linkHandler{}

func (h linkHandler) SettingsChanged(settings mgmt.Settings) {
	h.Adapter().SetBREDREnabled(settings.BREDR())
	h.SetPowered(settings.Powered())
}

// startDaemon opens the management channel and the message bus, and
// builds the controller of the configured adapter.
func startDaemon(cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.link, err = mgmt.Open(cfg.Values.AdapterIndex)
	if err != nil {
		return nil, err
	}

	d.info, err = d.link.ReadInfo()
	if err != nil {
		return nil, err
	}

	d.store, err = storage.New(cfg.StorageDir(), 0)
	if err != nil {
		return nil, err
	}

	d.conn, err = connectBus(cfg.Values.Bus)
	if err != nil {
		return nil, err
	}

	d.bus = eventbus.New(0)
	d.loop = eventloop.New()
	d.session = ipc.NewSession(d.conn, adapterName(cfg.Values.AdapterIndex), d.bus)

	adapter := device.NewAdapter(d.info.Address, d.info.Name, d.link)
	adapter.SetBREDREnabled(d.info.Current.BREDR())

	d.ctrl, err = device.New(d.loop, device.Config{
		Adapter: adapter,
		Options: cfg.Values.Options,
		Link:    d.link,
		SDP:     mgmt.Unavailable{},
		ATT:     mgmt.Unavailable{},
		Gatt:    mgmt.Unavailable{},
		Storage: d.store,
		Agents:  d.session,
		Emitter: d.session,
		Bus:     d.bus,
	})
	if err != nil {
		return nil, err
	}

	d.session.Attach(d.ctrl)
	d.ctrl.SetPowered(d.info.Current.Powered())

	return d, nil
}

// run runs every component until a termination signal is received or
// one of them fails.
func (d *daemon) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.session.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.loop.Run(gctx)
	})
	g.Go(func() error {
		return d.session.Run(gctx)
	})
	g.Go(func() error {
		if err := d.ctrl.Load(gctx); err != nil {
			return err
		}

		log.Infof("Managing devices of %s (%s)", adapterName(d.link.Index()), d.info.Address)

		if err := d.link.Run(gctx, linkHandler{d.ctrl}); err != nil || gctx.Err() != nil {
			return err
		}

		return errors.New("the management channel was closed")
	})

	if err := d.cfg.Watch(func(values config.Values) {
		d.ctrl.SetOptions(values.Options)
		logging.SetLevel(logger.Level(values.Level), "")
	}); err != nil {
		log.Warningf("Configuration changes are not watched: %v", err)
	}
	defer d.cfg.Unwatch()

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		log.Notice("Shutting down")
		return nil
	}

	return err
}

// close releases every opened component.
func (d *daemon) close() {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			log.Warningf("Cannot close session: %v", err)
		}
	}

	if d.conn != nil {
		d.conn.Close()
	}

	if d.link != nil {
		d.link.Close()
	}

	if d.bus != nil {
		d.bus.Close()
	}

	d.session, d.conn, d.link, d.bus = nil, nil, nil, nil
}

// connectBus connects to the named message bus.
func connectBus(name string) (*dbus.Conn, error) {
	switch name {
	case "session":
		return dbus.ConnectSessionBus()

	case "system", "":
		return dbus.ConnectSystemBus()
	}

	return nil, fmt.Errorf("%s: unknown message bus", name)
}

func adapterName(index uint16) string {
	return "hci" + strconv.Itoa(int(index))
}

// printStartupWarnings prints the conditions which limit what the daemon
// can do with the adapter.
func printStartupWarnings(cfg *config.Config, d *daemon) {
	if cfg.Values.NoWarning {
		return
	}

	if !d.info.Current.Powered() {
		printWarn(adapterName(d.link.Index()) + " is not powered, devices cannot be connected")
	}

	if cfg.Values.Mode != "le" && !d.info.Current.BREDR() {
		printWarn("BR/EDR is disabled on " + adapterName(d.link.Index()))
	}

	printWarn("service discovery and attribute transports are not available, services of devices will not be resolved")
}

// listDevices prints the stored devices of every adapter.
func listDevices(w io.Writer, store *storage.Store) error {
	adapters, err := store.Adapters()
	if err != nil {
		return err
	}

	if len(adapters) == 0 {
		fmt.Fprintln(w, "No stored devices.")
		return nil
	}

	for _, adapter := range adapters {
		records, err := store.LoadDevices(adapter)
		if err != nil {
			return err
		}

		printRecords(w, adapter.String(), records)
	}

	return nil
}
