package bluetooth

import (
	"strconv"
	"strings"

	"github.com/darkhz/btdevd/api/errorkinds"
)

// MacAddress represents a Bluetooth address.
// The bytes are kept in over-the-air (little-endian) order, so index 5
// holds the most significant byte.
type MacAddress [NumAddressBytes]byte

const (
	// MaxAddressStringLength is the maximum length of a Bluetooth address string (with ':').
	MaxAddressStringLength = 17

	// NumAddressBytes is the total number of bytes in a MacAddress byte array.
	NumAddressBytes = 6
)

const hexDigits = "0123456789ABCDEF"

// ParseMAC parses the given address, which must be in 11:22:33:AA:BB:CC
// format. If it cannot be parsed, an error is returned.
func ParseMAC(s string) (MacAddress, error) {
	var mac MacAddress

	if len(s) != MaxAddressStringLength {
		return mac, errorkinds.ErrInvalidAddress
	}

	parts := strings.Split(s, ":")
	if len(parts) != NumAddressBytes {
		return mac, errorkinds.ErrInvalidAddress
	}

	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil || len(part) != 2 {
			return mac, errorkinds.ErrInvalidAddress
		}

		mac[NumAddressBytes-1-i] = byte(b)
	}

	return mac, nil
}

// String returns a human-readable version of this address, such as
// 11:22:33:AA:BB:CC.
func (m MacAddress) String() string {
	var sb strings.Builder

	sb.Grow(MaxAddressStringLength)
	for i := NumAddressBytes - 1; i >= 0; i-- {
		sb.WriteByte(hexDigits[m[i]>>4])
		sb.WriteByte(hexDigits[m[i]&0x0f])

		if i != 0 {
			sb.WriteByte(':')
		}
	}

	return sb.String()
}

// PathString returns the address with ':' replaced by '_', for use in
// object paths and file names.
func (m MacAddress) PathString() string {
	return strings.ReplaceAll(m.String(), ":", "_")
}

// IsNil checks if the MacAddress byte array is empty.
func (m MacAddress) IsNil() bool {
	return m == MacAddress{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MacAddress) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MacAddress) UnmarshalText(data []byte) error {
	mac, err := ParseMAC(string(data))
	if err != nil {
		return err
	}

	*m = mac

	return nil
}

// AddressType is the link-layer address type of a device.
type AddressType uint8

// The different address types.
const (
	AddressBREDR AddressType = iota
	AddressLEPublic
	AddressLERandom
)

// String returns the name of the address type.
func (t AddressType) String() string {
	switch t {
	case AddressBREDR:
		return "bredr"

	case AddressLEPublic:
		return "public"

	case AddressLERandom:
		return "random"
	}

	return "unknown"
}

// IsLE reports whether the address type belongs to the LE bearer.
func (t AddressType) IsLE() bool {
	return t == AddressLEPublic || t == AddressLERandom
}

// IsPrivate reports whether a device with this address and address type uses
// a private (resolvable or non-resolvable random) address.
// Static random addresses are not private.
func IsPrivate(address MacAddress, addressType AddressType) bool {
	if addressType != AddressLERandom {
		return false
	}

	switch address[5] & 0xc0 {
	case 0x00, 0x40:
		return true
	}

	return false
}

// Bearer is one of the two physical link types of a dual-mode device.
type Bearer uint8

// The different bearers.
const (
	BearerBREDR Bearer = iota
	BearerLE
)

// String returns the name of the bearer.
func (b Bearer) String() string {
	if b == BearerLE {
		return "le"
	}

	return "bredr"
}

// PreferredBearer describes which bearer a dual-mode device should use.
type PreferredBearer string

// The different bearer preferences.
const (
	PreferLastUsed PreferredBearer = "last-used"
	PreferLE       PreferredBearer = "le"
	PreferBREDR    PreferredBearer = "bredr"
	PreferLastSeen PreferredBearer = "last-seen"
)

// ParsePreferredBearer validates a bearer preference string.
func ParsePreferredBearer(s string) (PreferredBearer, bool) {
	switch p := PreferredBearer(s); p {
	case PreferLastUsed, PreferLE, PreferBREDR, PreferLastSeen:
		return p, true
	}

	return "", false
}
