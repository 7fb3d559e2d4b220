package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/darkhz/btdevd/config"
	"github.com/darkhz/btdevd/logger"
	"github.com/darkhz/btdevd/storage"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

// These values are set at compile-time.
var (
	Version  = ""
	Revision = ""
)

// Run runs the commandline application.
func Run() error {
	return newApp().Run(os.Args)
}

// newApp returns a new commandline application.
func newApp() *cli.App {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Fprintf(cCtx.App.Writer, "%s (%s)\n", Version, Revision)
	}

	return &cli.App{
		Name:                   "btdevd",
		Usage:                  "Bluetooth device daemon.",
		Version:                Version + " (" + Revision + ")",
		Description:            "Manages the remote devices of a Bluetooth adapter, and exports them on D-Bus.",
		Copyright:              "(c) darkhz.",
		Compiled:               time.Now(),
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Suggest:                true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "list-devices",
				Aliases: []string{"l"},
				Usage:   "List the stored devices of every adapter.",
				Action: func(cliCtx *cli.Context, _ bool) error {
					cfg, err := loadConfig(cliCtx)
					if err != nil {
						return err
					}

					store, err := storage.New(cfg.StorageDir(), 0)
					if err != nil {
						return err
					}

					return listDevices(cliCtx.App.Writer, store)
				},
			},
			&cli.StringFlag{
				Name:    "adapter",
				Aliases: []string{"a"},
				EnvVars: []string{"BTDEVD_ADAPTER"},
				Usage:   "Specify an adapter to use. (For example, hci0)",
			},
			&cli.StringFlag{
				Name:    "storage-dir",
				Aliases: []string{"d"},
				EnvVars: []string{"BTDEVD_STORAGE_DIR"},
				Usage:   "Specify a directory to store device records.",
			},
			&cli.StringFlag{
				Name:    "bus",
				Aliases: []string{"b"},
				EnvVars: []string{"BTDEVD_BUS"},
				Usage:   "Specify the message bus to export devices on. (system, session)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"BTDEVD_LOG_LEVEL"},
				Usage:   "Specify the log level. (critical, error, warning, notice, info, debug)",
			},
			&cli.BoolFlag{
				Name:    "syslog",
				EnvVars: []string{"BTDEVD_SYSLOG"},
				Usage:   "Log to syslog when it is available.",
			},
			&cli.BoolFlag{
				Name:    "no-warning",
				Aliases: []string{"w"},
				EnvVars: []string{"BTDEVD_NO_WARNING"},
				Usage:   "Do not display warnings when the daemon has started.",
			},
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				EnvVars: []string{"BTDEVD_MODE"},
				Usage:   "Specify the bearers to use. (dual, bredr, le)",
			},
			&cli.StringFlag{
				Name:    "gatt-cache",
				EnvVars: []string{"BTDEVD_GATT_CACHE"},
				Usage:   "Specify when the attribute cache is kept. (always, yes, no)",
			},
			&cli.IntFlag{
				Name:    "gatt-channels",
				EnvVars: []string{"BTDEVD_GATT_CHANNELS"},
				Usage:   "Specify the number of attribute channels to open. (1-5)",
			},
			&cli.IntFlag{
				Name:    "gatt-mtu",
				EnvVars: []string{"BTDEVD_GATT_MTU"},
				Usage:   "Specify the largest attribute MTU to negotiate. (23-517)",
			},
			&cli.IntFlag{
				Name:    "key-size",
				EnvVars: []string{"BTDEVD_KEY_SIZE"},
				Usage:   "Specify the minimum encryption key size for attribute access. (7-16, 0 to disable)",
			},
			&cli.BoolFlag{
				Name:    "reverse-discovery",
				EnvVars: []string{"BTDEVD_REVERSE_DISCOVERY"},
				Usage:   "Discover services of devices that connect to the adapter.",
			},
			&cli.BoolFlag{
				Name:    "refresh-discovery",
				EnvVars: []string{"BTDEVD_REFRESH_DISCOVERY"},
				Usage:   "Refresh services on every connection.",
			},
			&cli.BoolFlag{
				Name:    "gatt-client",
				EnvVars: []string{"BTDEVD_GATT_CLIENT"},
				Usage:   "Act as an attribute client of connected LE devices.",
			},
			&cli.BoolFlag{
				Name:    "le-connect-before-pairing",
				EnvVars: []string{"BTDEVD_LE_CONNECT_BEFORE_PAIRING"},
				Usage:   "Connect over LE before pairing with an LE device.",
			},
			&cli.StringFlag{
				Name:    "just-works-repairing",
				EnvVars: []string{"BTDEVD_JUST_WORKS_REPAIRING"},
				Usage:   "Specify how just-works repairing is handled. (never, confirm, always)",
			},
			&cli.StringFlag{
				Name:    "confirm-hint-policy",
				EnvVars: []string{"BTDEVD_CONFIRM_HINT_POLICY"},
				Usage:   "Specify how confirmation hints during local pairing are handled. (auto-accept, ask)",
			},
			&cli.DurationFlag{
				Name:    "temporary-timeout",
				EnvVars: []string{"BTDEVD_TEMPORARY_TIMEOUT"},
				Usage:   "Specify how long unused temporary devices are kept. (0 to keep them)",
			},
			&cli.DurationFlag{
				Name:    "disconnect-grace",
				EnvVars: []string{"BTDEVD_DISCONNECT_GRACE"},
				Usage:   "Specify the time profiles are given to disconnect.",
			},
			&cli.DurationFlag{
				Name:    "discovery-defer",
				EnvVars: []string{"BTDEVD_DISCOVERY_DEFER"},
				Usage:   "Specify the delay before services of an incoming bonding are discovered.",
			},
			&cli.DurationFlag{
				Name:    "bonding-retry-delay",
				EnvVars: []string{"BTDEVD_BONDING_RETRY_DELAY"},
				Usage:   "Specify the delay before a failed bonding is retried.",
			},
			&cli.DurationFlag{
				Name:    "auth-timeout",
				EnvVars: []string{"BTDEVD_AUTH_TIMEOUT"},
				Usage:   "Specify how long an agent is given to answer a request.",
			},
			&cli.StringFlag{
				Name:    "pin-codes",
				Aliases: []string{"p"},
				EnvVars: []string{"BTDEVD_PIN_CODES"},
				Usage:   "Specify PIN codes to try before asking an agent. (For example, '0000,1234')",
			},
			&cli.StringFlag{
				Name:    "default-prefer",
				EnvVars: []string{"BTDEVD_DEFAULT_PREFER"},
				Usage:   "Specify the bearer preference of dual-mode devices. (last-used, le, bredr, last-seen)",
			},
			&cli.BoolFlag{
				Name:    "generate",
				Aliases: []string{"g"},
				Usage:   "Generate configuration.",
				Action: func(cliCtx *cli.Context, _ bool) error {
					k := koanf.New(".")

					cliCtx.Command.Name = "global"

					conf := config.NewConfig()
					if err := conf.Load(k, cliCtx); err != nil {
						return err
					}

					imported, err := conf.GenerateAndSave(k)
					if imported {
						printInfo("imported settings from main.conf")
					}

					return err
				},
			},
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.Bool("list-devices") || cliCtx.Bool("generate") {
				return nil
			}

			cfg, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}

			logger.Setup("btdevd", cfg.Values.Level, cliCtx.Bool("syslog"))

			d, err := startDaemon(cfg)
			if err != nil {
				return err
			}
			defer d.close()

			printStartupWarnings(cfg, d)

			return d.run(cliCtx.Context)
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}

			printError(err)
		},
	}
}

// loadConfig loads and validates the configuration.
func loadConfig(cliCtx *cli.Context) (*config.Config, error) {
	// required for koanf to merge all global flags under the root namespace.
	cliCtx.Command.Name = "global"

	k, cfg := koanf.New("."), config.NewConfig()
	if err := cfg.Load(k, cliCtx); err != nil {
		return nil, err
	}

	if err := cfg.ValidateValues(); err != nil {
		return nil, err
	}

	return cfg, nil
}
