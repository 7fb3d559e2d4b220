package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/op/go-logging"
)

// Values describes the possible configuration values that a user can
// modify and supply to the daemon.
type Values struct {
	Adapter    string `koanf:"adapter"`
	StorageDir string `koanf:"storage-dir"`
	Bus        string `koanf:"bus"`
	LogLevel   string `koanf:"log-level"`
	NoWarning  bool   `koanf:"no-warning"`

	Mode                   string        `koanf:"mode"`
	GattCache              string        `koanf:"gatt-cache"`
	GattChannels           int           `koanf:"gatt-channels"`
	GattMTU                int           `koanf:"gatt-mtu"`
	KeySize                int           `koanf:"key-size"`
	ReverseDiscovery       bool          `koanf:"reverse-discovery"`
	RefreshDiscovery       bool          `koanf:"refresh-discovery"`
	GattClient             bool          `koanf:"gatt-client"`
	LEConnectBeforePairing bool          `koanf:"le-connect-before-pairing"`
	JustWorksRepairing     string        `koanf:"just-works-repairing"`
	ConfirmHintPolicy      string        `koanf:"confirm-hint-policy"`
	TemporaryTimeout       time.Duration `koanf:"temporary-timeout"`
	DisconnectGrace        time.Duration `koanf:"disconnect-grace"`
	DiscoveryDefer         time.Duration `koanf:"discovery-defer"`
	BondingRetryDelay      time.Duration `koanf:"bonding-retry-delay"`
	AuthTimeout            time.Duration `koanf:"auth-timeout"`
	PinCodes               []string      `koanf:"pin-codes"`
	DefaultPrefer          string        `koanf:"default-prefer"`

	AdapterIndex uint16
	Level        logging.Level
	Options      config.Options
}

// DefaultValues returns the values used for keys that are not configured.
func DefaultValues() Values {
	opts := config.New()

	return Values{
		Adapter:            "hci0",
		Bus:                "system",
		LogLevel:           "notice",
		Mode:               "dual",
		GattCache:          "always",
		GattChannels:       opts.GattChannels,
		GattMTU:            int(opts.GattMTU),
		KeySize:            16,
		ReverseDiscovery:   opts.ReverseDiscovery,
		RefreshDiscovery:   opts.RefreshDiscovery,
		GattClient:         opts.GattClient,
		JustWorksRepairing: "never",
		ConfirmHintPolicy:  "auto-accept",
		TemporaryTimeout:   opts.TemporaryTimeout,
		DisconnectGrace:    opts.DisconnectGrace,
		DiscoveryDefer:     opts.DiscoveryDefer,
		BondingRetryDelay:  opts.BondingRetryDelay,
		AuthTimeout:        opts.AuthTimeout,
		DefaultPrefer:      string(opts.DefaultPrefer),
	}
}

// validateValues validates all configuration values, and builds the
// controller options from them.
func (v *Values) validateValues() error {
	v.Options = config.New()

	for _, validate := range []func() error{
		v.validateAdapter,
		v.validateStorageDir,
		v.validateBus,
		v.validateLogLevel,
		v.validateMode,
		v.validateGatt,
		v.validatePolicies,
		v.validateTimeouts,
		v.validatePinCodes,
		v.validateDefaultPrefer,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

// validateAdapter validates the controller, given as "hciN" or its index.
func (v *Values) validateAdapter() error {
	index, err := strconv.ParseUint(strings.TrimPrefix(v.Adapter, "hci"), 10, 16)
	if err != nil || index >= 0xffff {
		return fmt.Errorf("%s: invalid adapter (for example, hci0)", v.Adapter)
	}

	v.AdapterIndex = uint16(index)

	return nil
}

// validateStorageDir validates the directory that holds device records.
func (v *Values) validateStorageDir() error {
	if v.StorageDir == "" {
		return nil
	}

	if statpath, err := os.Stat(v.StorageDir); err == nil && !statpath.IsDir() {
		return fmt.Errorf("%s: storage path is not a directory", v.StorageDir)
	}

	return nil
}

// validateBus validates the message bus to export devices on.
func (v *Values) validateBus() error {
	switch v.Bus {
	case "system", "session":
		return nil
	}

	return fmt.Errorf("provided bus '%s' is incorrect.\nValid buses are 'system, session'", v.Bus)
}

// validateLogLevel validates the default log level.
func (v *Values) validateLogLevel() error {
	level, err := logging.LogLevel(strings.ToUpper(v.LogLevel))
	if err != nil {
		return fmt.Errorf("provided log level '%s' is incorrect", v.LogLevel)
	}

	v.Level = level

	return nil
}

// validateMode validates the bearers the controller may use.
func (v *Values) validateMode() error {
	switch v.Mode {
	case "dual", "":
		v.Options.Mode = config.ModeDual

	case "bredr":
		v.Options.Mode = config.ModeBREDR

	case "le":
		v.Options.Mode = config.ModeLE

	default:
		return fmt.Errorf("provided mode '%s' is incorrect.\nValid modes are 'dual, bredr, le'", v.Mode)
	}

	return nil
}

// validateGatt validates the attribute protocol settings.
func (v *Values) validateGatt() error {
	cache, ok := config.ParseCachePolicy(v.GattCache)
	if !ok {
		return fmt.Errorf("provided gatt cache policy '%s' is incorrect.\nValid policies are 'always, yes, no'", v.GattCache)
	}

	if v.GattChannels < 1 || v.GattChannels > 5 {
		return fmt.Errorf("gatt channels must be between 1 and 5, got %d", v.GattChannels)
	}

	if v.GattMTU < config.MinGattMTU || v.GattMTU > config.DefaultGattMTU {
		return fmt.Errorf("gatt mtu must be between %d and %d, got %d", config.MinGattMTU, config.DefaultGattMTU, v.GattMTU)
	}

	if v.KeySize != 0 && (v.KeySize < 7 || v.KeySize > 16) {
		return fmt.Errorf("key size must be between 7 and 16, got %d", v.KeySize)
	}

	v.Options.GattCache = cache
	v.Options.GattChannels = v.GattChannels
	v.Options.GattMTU = uint16(v.GattMTU)
	v.Options.KeySize = uint8(v.KeySize)
	v.Options.GattClient = v.GattClient
	v.Options.ReverseDiscovery = v.ReverseDiscovery
	v.Options.RefreshDiscovery = v.RefreshDiscovery
	v.Options.LEConnectBeforePairing = v.LEConnectBeforePairing

	return nil
}

// validatePolicies validates the pairing policies.
func (v *Values) validatePolicies() error {
	repairing, ok := config.ParseRepairingPolicy(v.JustWorksRepairing)
	if !ok {
		return fmt.Errorf("provided repairing policy '%s' is incorrect.\nValid policies are 'never, confirm, always'", v.JustWorksRepairing)
	}

	hint, ok := config.ParseConfirmHintPolicy(v.ConfirmHintPolicy)
	if !ok {
		return fmt.Errorf("provided confirm hint policy '%s' is incorrect.\nValid policies are 'auto-accept, ask'", v.ConfirmHintPolicy)
	}

	v.Options.JustWorksRepairing = repairing
	v.Options.ConfirmHint = hint

	return nil
}

// validateTimeouts validates every duration knob.
func (v *Values) validateTimeouts() error {
	for _, t := range []struct {
		name  string
		value time.Duration
		dst   *time.Duration
	}{
		{"temporary-timeout", v.TemporaryTimeout, &v.Options.TemporaryTimeout},
		{"disconnect-grace", v.DisconnectGrace, &v.Options.DisconnectGrace},
		{"discovery-defer", v.DiscoveryDefer, &v.Options.DiscoveryDefer},
		{"bonding-retry-delay", v.BondingRetryDelay, &v.Options.BondingRetryDelay},
		{"auth-timeout", v.AuthTimeout, &v.Options.AuthTimeout},
	} {
		if t.value < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", t.name, t.value)
		}

		*t.dst = t.value
	}

	if v.AuthTimeout == 0 {
		return fmt.Errorf("auth-timeout must be positive")
	}

	return nil
}

// validatePinCodes validates the PIN codes tried for legacy pairing.
func (v *Values) validatePinCodes() error {
	pins := make([]string, 0, len(v.PinCodes))

	// A flag value arrives as a single comma separated entry.
	for _, entry := range v.PinCodes {
		for pin := range strings.SplitSeq(entry, ",") {
			pin = strings.TrimSpace(pin)
			if pin == "" {
				continue
			}

			if len(pin) > 16 {
				return fmt.Errorf("pin code '%s' is longer than 16 characters", pin)
			}

			pins = append(pins, pin)
		}
	}

	v.Options.PinCodes = pins

	return nil
}

// validateDefaultPrefer validates the bearer preference of dual-mode devices.
func (v *Values) validateDefaultPrefer() error {
	prefer, ok := bluetooth.ParsePreferredBearer(v.DefaultPrefer)
	if !ok {
		return fmt.Errorf("provided bearer preference '%s' is incorrect.\nValid preferences are 'last-used, le, bredr, last-seen'", v.DefaultPrefer)
	}

	v.Options.DefaultPrefer = prefer

	return nil
}
