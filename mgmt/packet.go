package mgmt

import (
	"encoding/binary"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

// IndexNone addresses no controller.
const IndexNone uint16 = 0xffff

const headerSize = 6

// Opcode is a management command code.
type Opcode uint16

// The management commands used by the link layer.
const (
	OpReadInfo            Opcode = 0x0004
	OpDisconnect          Opcode = 0x0014
	OpPinCodeReply        Opcode = 0x0016
	OpPinCodeNegReply     Opcode = 0x0017
	OpPairDevice          Opcode = 0x0019
	OpCancelPairDevice    Opcode = 0x001a
	OpUnpairDevice        Opcode = 0x001b
	OpUserConfirmReply    Opcode = 0x001c
	OpUserConfirmNegReply Opcode = 0x001d
	OpUserPasskeyReply    Opcode = 0x001e
	OpUserPasskeyNegReply Opcode = 0x001f
	OpBlockDevice         Opcode = 0x0026
	OpUnblockDevice       Opcode = 0x0027
	OpAddDevice           Opcode = 0x0033
	OpRemoveDevice        Opcode = 0x0034
	OpSetDeviceFlags      Opcode = 0x0050
)

// EventCode is a management event code.
type EventCode uint16

// The management events handled by the link layer.
const (
	EvCmdComplete        EventCode = 0x0001
	EvCmdStatus          EventCode = 0x0002
	EvNewSettings        EventCode = 0x0006
	EvNewLinkKey         EventCode = 0x0009
	EvNewLongTermKey     EventCode = 0x000a
	EvDeviceConnected    EventCode = 0x000b
	EvDeviceDisconnected EventCode = 0x000c
	EvConnectFailed      EventCode = 0x000d
	EvPinCodeRequest     EventCode = 0x000e
	EvUserConfirmRequest EventCode = 0x000f
	EvUserPasskeyRequest EventCode = 0x0010
	EvAuthFailed         EventCode = 0x0011
	EvDeviceFound        EventCode = 0x0012
	EvPasskeyNotify      EventCode = 0x0017
	EvNewCSRK            EventCode = 0x0019
	EvDeviceUnpaired     EventCode = 0x001a
	EvDeviceFlagsChanged EventCode = 0x0031
)

// Settings are the current settings of a controller.
type Settings uint32

// The controller settings bits.
const (
	SettingPowered Settings = 1 << 0
	SettingBREDR   Settings = 1 << 7
	SettingLE      Settings = 1 << 9
)

// Powered reports whether the controller is powered.
func (s Settings) Powered() bool {
	return s&SettingPowered != 0
}

// BREDR reports whether the BR/EDR bearer is enabled.
func (s Settings) BREDR() bool {
	return s&SettingBREDR != 0
}

// Device found flags.
const (
	foundLegacyPairing  uint32 = 1 << 1
	foundNotConnectable uint32 = 1 << 2
)

// rssiInvalid is reported when the signal strength is unavailable.
const rssiInvalid int8 = 127

// Device connected flags.
const (
	connectedInitiated uint32 = 1 << 3
)

// Signature key types.
const (
	csrkLocalUnauthenticated uint8 = iota
	csrkRemoteUnauthenticated
	csrkLocalAuthenticated
	csrkRemoteAuthenticated
)

// Long term key types with an authenticated (MITM protected) pairing.
const (
	ltkAuthenticated     uint8 = 0x01
	ltkP256Authenticated uint8 = 0x03
)

// Packet is a management command or event.
type Packet struct {
	Code   uint16
	Index  uint16
	Params []byte
}

// Marshal encodes the packet with its header.
func (p Packet) Marshal() []byte {
	b := make([]byte, headerSize+len(p.Params))

	binary.LittleEndian.PutUint16(b[0:], p.Code)
	binary.LittleEndian.PutUint16(b[2:], p.Index)
	binary.LittleEndian.PutUint16(b[4:], uint16(len(p.Params)))
	copy(b[headerSize:], p.Params)

	return b
}

// Unmarshal decodes a packet. The parameter length must match the header.
func Unmarshal(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return Packet{}, errorkinds.ErrInvalidArguments
	}

	length := int(binary.LittleEndian.Uint16(b[4:]))
	if len(b)-headerSize != length {
		return Packet{}, errorkinds.ErrInvalidArguments
	}

	return Packet{
		Code:   binary.LittleEndian.Uint16(b[0:]),
		Index:  binary.LittleEndian.Uint16(b[2:]),
		Params: append([]byte(nil), b[headerSize:]...),
	}, nil
}

// reader decodes little-endian fields from event parameters.
// Reading past the end sets short, and yields zero values.
type reader struct {
	b     []byte
	short bool
}

func (r *reader) take(n int) []byte {
	if len(r.b) < n {
		r.short = true
		r.b = nil

		return make([]byte, n)
	}

	v := r.b[:n]
	r.b = r.b[n:]

	return v
}

func (r *reader) u8() uint8 {
	return r.take(1)[0]
}

func (r *reader) u16() uint16 {
	return binary.LittleEndian.Uint16(r.take(2))
}

func (r *reader) u32() uint32 {
	return binary.LittleEndian.Uint32(r.take(4))
}

func (r *reader) u64() uint64 {
	return binary.LittleEndian.Uint64(r.take(8))
}

func (r *reader) key() [16]byte {
	var k [16]byte
	copy(k[:], r.take(16))

	return k
}

func (r *reader) addr() (bluetooth.MacAddress, bluetooth.AddressType) {
	var address bluetooth.MacAddress
	copy(address[:], r.take(bluetooth.NumAddressBytes))

	return address, bluetooth.AddressType(r.u8())
}

func (r *reader) err() error {
	if r.short {
		return errorkinds.ErrInvalidArguments
	}

	return nil
}

// writer encodes command parameters.
type writer struct {
	b []byte
}

func (w *writer) u8(v uint8) *writer {
	w.b = append(w.b, v)
	return w
}

func (w *writer) u32(v uint32) *writer {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
	return w
}

func (w *writer) bytes(v []byte) *writer {
	w.b = append(w.b, v...)
	return w
}

func (w *writer) addr(address bluetooth.MacAddress, addressType bluetooth.AddressType) *writer {
	w.b = append(w.b, address[:]...)
	w.b = append(w.b, byte(addressType))

	return w
}

func addrParams(address bluetooth.MacAddress, addressType bluetooth.AddressType) []byte {
	return (&writer{}).addr(address, addressType).b
}
