package config

import (
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
)

const (
	// DefaultAuthTimeout is the default timeout duration for authentication requests.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultTemporaryTimeout is how long an unused temporary device is kept.
	DefaultTemporaryTimeout = 30 * time.Second

	// DefaultDisconnectGrace is the time given to profiles to disconnect
	// before the link itself is torn down.
	DefaultDisconnectGrace = 2 * time.Second

	// DefaultDiscoveryDefer delays reverse service discovery after an
	// incoming bonding completes.
	DefaultDiscoveryDefer = 1 * time.Second

	// DefaultBondingRetryDelay is the delay before a failed bonding attempt is retried.
	DefaultBondingRetryDelay = 3 * time.Second

	// DefaultGattMTU is the largest ATT MTU negotiated by default.
	DefaultGattMTU = 517

	// MinGattMTU is the smallest valid ATT MTU.
	MinGattMTU = 23
)

// CachePolicy decides whether the client-role attribute cache persists
// across disconnects.
type CachePolicy uint8

// The different cache policies.
const (
	CacheAlways CachePolicy = iota
	CacheIfPaired
	CacheNever
)

// ParseCachePolicy parses a cache policy string.
func ParseCachePolicy(s string) (CachePolicy, bool) {
	switch s {
	case "always", "":
		return CacheAlways, true

	case "yes":
		return CacheIfPaired, true

	case "no":
		return CacheNever, true
	}

	return CacheAlways, false
}

// RepairingPolicy decides how a just-works confirmation from an already
// paired device is handled.
type RepairingPolicy uint8

// The different repairing policies.
const (
	RepairingNever RepairingPolicy = iota
	RepairingConfirm
	RepairingAlways
)

// ParseRepairingPolicy parses a repairing policy string.
func ParseRepairingPolicy(s string) (RepairingPolicy, bool) {
	switch s {
	case "never", "":
		return RepairingNever, true

	case "confirm":
		return RepairingConfirm, true

	case "always":
		return RepairingAlways, true
	}

	return RepairingNever, false
}

// ConfirmHintPolicy decides how a remote-initiated just-works confirmation
// is handled while a local pairing request is outstanding.
type ConfirmHintPolicy uint8

// The different confirmation hint policies.
const (
	ConfirmHintAutoAccept ConfirmHintPolicy = iota
	ConfirmHintAsk
)

// ParseConfirmHintPolicy parses a confirmation hint policy string.
func ParseConfirmHintPolicy(s string) (ConfirmHintPolicy, bool) {
	switch s {
	case "auto-accept", "":
		return ConfirmHintAutoAccept, true

	case "ask":
		return ConfirmHintAsk, true
	}

	return ConfirmHintAutoAccept, false
}

// Mode restricts which bearers the controller may use.
type Mode uint8

// The different controller modes.
const (
	ModeDual Mode = iota
	ModeBREDR
	ModeLE
)

// Options holds every policy knob of the device controller.
type Options struct {
	Mode Mode

	// AuthTimeout holds the timeout for authentication requests.
	AuthTimeout time.Duration

	TemporaryTimeout  time.Duration
	DisconnectGrace   time.Duration
	DiscoveryDefer    time.Duration
	BondingRetryDelay time.Duration

	GattCache    CachePolicy
	GattChannels int
	GattMTU      uint16
	KeySize      uint8

	ReverseDiscovery       bool
	RefreshDiscovery       bool
	GattClient             bool
	LEConnectBeforePairing bool

	JustWorksRepairing RepairingPolicy
	ConfirmHint        ConfirmHintPolicy

	// PinCodes are tried, in order, for legacy PIN requests before the
	// agent is asked. Each one allows one bonding retry.
	PinCodes []string

	DefaultPrefer bluetooth.PreferredBearer
}

// New returns a new set of options with default values.
func New() Options {
	return Options{
		Mode:              ModeDual,
		AuthTimeout:       DefaultAuthTimeout,
		TemporaryTimeout:  DefaultTemporaryTimeout,
		DisconnectGrace:   DefaultDisconnectGrace,
		DiscoveryDefer:    DefaultDiscoveryDefer,
		BondingRetryDelay: DefaultBondingRetryDelay,
		GattCache:         CacheAlways,
		GattChannels:      1,
		GattMTU:           DefaultGattMTU,
		ReverseDiscovery:  true,
		RefreshDiscovery:  true,
		GattClient:        true,
		DefaultPrefer:     bluetooth.PreferLastUsed,
	}
}
