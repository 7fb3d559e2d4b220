package device

import (
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
)

// SeenThreshold is the age after which a bearer's last-seen time is
// treated as unknown by the bearer selection policy.
const SeenThreshold = 300 * time.Second

// BearerState holds the link state of one bearer of a device.
type BearerState struct {
	Paired          bool
	Bonded          bool
	Connected       bool
	ServiceResolved bool
	Initiator       bool
	Connectable     bool
	Prefer          bool

	LastSeen time.Time
	LastUsed time.Time
}

// Selection is the input of SelectBearer.
type Selection struct {
	BREDR, LE BearerState

	SupportsBREDR bool
	SupportsLE    bool

	// AddressType is the current address type of the device.
	AddressType bluetooth.AddressType

	// BREDREnabled reports whether the adapter has BR/EDR enabled.
	BREDREnabled bool
}

// SelectBearer picks the bearer an operation on the device should target.
// It is pure and never mutates its input.
func SelectBearer(s Selection, now time.Time) bluetooth.Bearer {
	current := bluetooth.BearerBREDR
	if s.AddressType.IsLE() {
		current = bluetooth.BearerLE
	}

	switch {
	case s.BREDR.Prefer || (s.BREDR.Bonded && !s.LE.Bonded):
		return bluetooth.BearerBREDR

	case s.LE.Prefer || (!s.BREDR.Bonded && s.LE.Bonded):
		return bluetooth.BearerLE
	}

	// Random addresses can only be reached over LE.
	if s.AddressType == bluetooth.AddressLERandom {
		return bluetooth.BearerLE
	}

	bredrAge, bredrKnown := seenAge(s.BREDR, now)
	leAge, leKnown := seenAge(s.LE, now)

	switch {
	case !bredrKnown && !leKnown:
		return current

	case s.SupportsBREDR && (!s.SupportsLE || !leKnown):
		return bluetooth.BearerBREDR

	case s.SupportsLE && (!s.SupportsBREDR || !bredrKnown):
		return bluetooth.BearerLE
	}

	// Equal ages usually come from an advertisement with the BR/EDR flag set.
	if bredrAge <= leAge && s.BREDREnabled {
		return bluetooth.BearerBREDR
	}

	return bluetooth.BearerLE
}

func seenAge(state BearerState, now time.Time) (time.Duration, bool) {
	if !state.Connectable || state.LastSeen.IsZero() {
		return 0, false
	}

	age := now.Sub(state.LastSeen)
	if age > SeenThreshold {
		return 0, false
	}

	return age, true
}
