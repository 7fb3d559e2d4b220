package device

import (
	"github.com/darkhz/btdevd/api/bluetooth"
)

// SDP attribute identifiers of the device identification record.
const (
	AttrSpecificationID uint16 = 0x0200
	AttrVendorID        uint16 = 0x0201
	AttrProductID       uint16 = 0x0202
	AttrVersion         uint16 = 0x0203
	AttrVendorIDSource  uint16 = 0x0205
)

// SDP search flags.
const (
	SDPFlagLargeMTU uint16 = 1 << 0
)

// ProtocolDescriptor is one entry of a record's protocol descriptor list.
type ProtocolDescriptor struct {
	UUID   string   `codec:"UUID"`
	Params []uint16 `codec:"Params,omitempty"`
}

// ServiceRecord is a decoded SDP service record.
type ServiceRecord struct {
	Handle uint32 `codec:"Handle"`

	// Class is the first service class UUID of the record.
	Class string `codec:"Class"`

	Protocols  []ProtocolDescriptor `codec:"Protocols,omitempty"`
	Attributes map[uint16]uint32    `codec:"Attributes,omitempty"`

	// Raw holds the record as it was received.
	Raw []byte `codec:"Raw,omitempty"`
}

// primary extracts a GATT primary service range from a record that
// carries the ATT protocol.
func (r ServiceRecord) primary() (Primary, bool) {
	attUUID := bluetooth.ShortUUID(bluetooth.UUIDATT).String()

	for _, proto := range r.Protocols {
		if bluetooth.UUIDString(proto.UUID) != attUUID {
			continue
		}

		if len(proto.Params) < 2 || r.Class == "" {
			return Primary{}, false
		}

		return Primary{
			UUID:  bluetooth.UUIDString(r.Class),
			Start: proto.Params[0],
			End:   proto.Params[1],
		}, true
	}

	return Primary{}, false
}

// PnPID is the device identification of a device.
type PnPID struct {
	Source  uint16 `codec:"Source"`
	Vendor  uint16 `codec:"Vendor"`
	Product uint16 `codec:"Product"`
	Version uint16 `codec:"Version"`
}

// IsZero reports whether no identification is known.
func (p PnPID) IsZero() bool {
	return p == PnPID{}
}

func pnpFromRecord(r ServiceRecord) PnPID {
	return PnPID{
		Source:  uint16(r.Attributes[AttrVendorIDSource]),
		Vendor:  uint16(r.Attributes[AttrVendorID]),
		Product: uint16(r.Attributes[AttrProductID]),
		Version: uint16(r.Attributes[AttrVersion]),
	}
}

// LongTermKey is an LE long-term key.
type LongTermKey struct {
	Key           [16]byte `codec:"Key"`
	Central       bool     `codec:"Central"`
	Authenticated bool     `codec:"Authenticated"`
	EncSize       uint8    `codec:"EncSize"`
	EDiv          uint16   `codec:"EDiv"`
	Rand          uint64   `codec:"Rand"`
}

// SignatureKey is a connection signature resolving key and its counter.
type SignatureKey struct {
	Key           [16]byte `codec:"Key"`
	Counter       uint32   `codec:"Counter"`
	Authenticated bool     `codec:"Authenticated"`
}

// SetIdentityKey is a set identity resolving key.
type SetIdentityKey struct {
	Key       [16]byte `codec:"Key"`
	Encrypted bool     `codec:"Encrypted"`
	Size      uint8    `codec:"Size"`
	Rank      uint8    `codec:"Rank"`
}

// Record is the persisted state of a device.
type Record struct {
	Address     bluetooth.MacAddress  `codec:"Address"`
	AddressType bluetooth.AddressType `codec:"AddressType"`

	Name       string `codec:"Name,omitempty"`
	Alias      string `codec:"Alias,omitempty"`
	Class      uint32 `codec:"Class,omitempty"`
	Appearance uint16 `codec:"Appearance,omitempty"`

	SupportedTechnologies []string `codec:"SupportedTechnologies,omitempty"`
	PreferredBearer       string   `codec:"PreferredBearer,omitempty"`
	LastUsedBearer        string   `codec:"LastUsedBearer,omitempty"`

	Trusted      bool  `codec:"Trusted"`
	Blocked      bool  `codec:"Blocked"`
	CablePairing bool  `codec:"CablePairing,omitempty"`
	WakeAllowed  *bool `codec:"WakeAllowed,omitempty"`

	BondedBREDR bool `codec:"BondedBREDR,omitempty"`
	BondedLE    bool `codec:"BondedLE,omitempty"`

	Services []string `codec:"Services,omitempty"`
	DeviceID *PnPID   `codec:"DeviceID,omitempty"`

	LongTermKey        *LongTermKey     `codec:"LongTermKey,omitempty"`
	LocalSignatureKey  *SignatureKey    `codec:"LocalSignatureKey,omitempty"`
	RemoteSignatureKey *SignatureKey    `codec:"RemoteSignatureKey,omitempty"`
	SetIdentityKeys    []SetIdentityKey `codec:"SetIdentityKeys,omitempty"`
}

// CacheRecord is the persisted service cache of a device.
type CacheRecord struct {
	Records   []ServiceRecord `codec:"Records,omitempty"`
	Primaries []Primary       `codec:"Primaries,omitempty"`
}
