// Package mgmt implements the device controller's link layer over the
// kernel Bluetooth management channel.
package mgmt

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/device"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("mgmt")

// maxPacketSize holds a header and the largest parameter length.
const maxPacketSize = headerSize + 0xffff

// Handler receives the link-layer events of one controller.
// *device.Controller implements every method but SettingsChanged.
type Handler interface {
	DeviceFound(info device.FoundInfo)
	DeviceConnected(address bluetooth.MacAddress, addressType bluetooth.AddressType, initiator bool)
	DeviceDisconnected(address bluetooth.MacAddress, addressType bluetooth.AddressType, reason bluetooth.DisconnectReason)
	DeviceUnpaired(address bluetooth.MacAddress, addressType bluetooth.AddressType)

	BondingComplete(address bluetooth.MacAddress, addressType bluetooth.AddressType, status errorkinds.Status)
	PinCodeRequest(address bluetooth.MacAddress, secure bool)
	PasskeyRequest(address bluetooth.MacAddress, addressType bluetooth.AddressType)
	ConfirmRequest(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, hint bool)
	PasskeyNotify(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, entered uint16)

	NewLinkKey(address bluetooth.MacAddress, persistent bool)
	NewLongTermKey(address bluetooth.MacAddress, addressType bluetooth.AddressType, key device.LongTermKey, persistent bool)
	NewSignatureKey(address bluetooth.MacAddress, addressType bluetooth.AddressType, local bool, key device.SignatureKey, persistent bool)
	FlagsChanged(address bluetooth.MacAddress, supported, current uint32)

	SettingsChanged(settings Settings)
}

// Info is the controller information returned by ReadInfo.
type Info struct {
	Address   bluetooth.MacAddress
	Version   uint8
	Supported Settings
	Current   Settings
	Class     uint32
	Name      string
}

type addrInfo struct {
	address     bluetooth.MacAddress
	addressType bluetooth.AddressType
}

// Link sends management commands for one controller index and dispatches
// the events it receives. It implements device.LinkLayer.
type Link struct {
	index uint16
	conn  io.ReadWriteCloser

	wmu sync.Mutex

	// Pairing requests waiting for their completion, in command order.
	pairing   []addrInfo
	pairingMu sync.Mutex
}

var _ device.LinkLayer = (*Link)(nil)

// NewLink returns a link for the controller index over conn, which must be
// bound to the management channel.
func NewLink(conn io.ReadWriteCloser, index uint16) *Link {
	return &Link{
		index: index,
		conn:  conn,
	}
}

// Index returns the controller index of the link.
func (l *Link) Index() uint16 {
	return l.index
}

// Close closes the management channel.
func (l *Link) Close() error {
	return l.conn.Close()
}

// ReadInfo reads the controller information. It must be called before Run.
func (l *Link) ReadInfo() (Info, error) {
	if err := l.send(OpReadInfo, nil); err != nil {
		return Info{}, err
	}

	buf := make([]byte, maxPacketSize)

	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			return Info{}, wrapError(err, "mgmt-read-info", "Cannot read controller information")
		}

		p, err := Unmarshal(buf[:n])
		if err != nil || p.Index != l.index {
			continue
		}

		switch EventCode(p.Code) {
		case EvCmdComplete, EvCmdStatus:
		default:
			continue
		}

		r := reader{b: p.Params}
		if Opcode(r.u16()) != OpReadInfo {
			continue
		}

		if status := errorkinds.Status(r.u8()); status != errorkinds.StatusSuccess {
			return Info{}, wrapError(errorkinds.FromStatus(status), "mgmt-read-info", "Cannot read controller information")
		}

		return decodeInfo(&r)
	}
}

func decodeInfo(r *reader) (Info, error) {
	var info Info

	copy(info.Address[:], r.take(bluetooth.NumAddressBytes))
	info.Version = r.u8()
	r.u16()

	info.Supported = Settings(r.u32())
	info.Current = Settings(r.u32())

	class := r.take(3)
	info.Class = uint32(class[0]) | uint32(class[1])<<8 | uint32(class[2])<<16
	info.Name = eirString(r.take(249))

	return info, r.err()
}

// Run reads events and dispatches them to h until ctx is done or the
// channel fails.
func (l *Link) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		l.conn.Close()
	})
	defer stop()

	buf := make([]byte, maxPacketSize)

	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			return wrapError(err, "mgmt-run", "Cannot read management event")
		}

		p, err := Unmarshal(buf[:n])
		if err != nil {
			log.Warningf("Dropping malformed management packet (%d bytes)", n)
			continue
		}

		if p.Index != l.index {
			continue
		}

		if err := l.dispatch(p, h); err != nil {
			log.Warningf("Malformed event 0x%04x: %v", p.Code, err)
		}
	}
}

func (l *Link) dispatch(p Packet, h Handler) error {
	r := reader{b: p.Params}

	switch EventCode(p.Code) {
	case EvCmdComplete, EvCmdStatus:
		opcode, status := Opcode(r.u16()), errorkinds.Status(r.u8())
		if err := r.err(); err != nil {
			return err
		}

		l.commandDone(opcode, status, &r, h)

		return nil

	case EvNewSettings:
		settings := Settings(r.u32())
		if err := r.err(); err != nil {
			return err
		}

		h.SettingsChanged(settings)

	case EvNewLinkKey:
		store := r.u8() != 0
		address, _ := r.addr()
		if err := r.err(); err != nil {
			return err
		}

		h.NewLinkKey(address, store)

	case EvNewLongTermKey:
		store := r.u8() != 0
		address, addressType := r.addr()

		typ := r.u8()
		key := device.LongTermKey{
			Authenticated: typ == ltkAuthenticated || typ == ltkP256Authenticated,
			Central:       r.u8() != 0,
			EncSize:       r.u8(),
			EDiv:          r.u16(),
			Rand:          r.u64(),
			Key:           r.key(),
		}
		if err := r.err(); err != nil {
			return err
		}

		h.NewLongTermKey(address, addressType, key, store)

	case EvNewCSRK:
		store := r.u8() != 0
		address, addressType := r.addr()
		typ := r.u8()
		value := r.key()
		if err := r.err(); err != nil {
			return err
		}

		key := device.SignatureKey{
			Key:           value,
			Authenticated: typ == csrkLocalAuthenticated || typ == csrkRemoteAuthenticated,
		}
		local := typ == csrkLocalUnauthenticated || typ == csrkLocalAuthenticated

		h.NewSignatureKey(address, addressType, local, key, store)

	case EvDeviceConnected:
		address, addressType := r.addr()
		flags := r.u32()
		eir := r.take(int(r.u16()))
		if err := r.err(); err != nil {
			return err
		}

		h.DeviceConnected(address, addressType, flags&connectedInitiated != 0)

		if len(eir) > 0 {
			info := device.FoundInfo{Address: address, AddressType: addressType, Connectable: true}
			parseEIR(eir, &info)
			h.DeviceFound(info)
		}

	case EvDeviceDisconnected:
		address, addressType := r.addr()
		reason := bluetooth.DisconnectReason(r.u8())
		if err := r.err(); err != nil {
			return err
		}

		h.DeviceDisconnected(address, addressType, reason)

	case EvConnectFailed, EvAuthFailed:
		address, addressType := r.addr()
		status := errorkinds.Status(r.u8())
		if err := r.err(); err != nil {
			return err
		}

		h.BondingComplete(address, addressType, status)

	case EvPinCodeRequest:
		address, _ := r.addr()
		secure := r.u8() != 0
		if err := r.err(); err != nil {
			return err
		}

		h.PinCodeRequest(address, secure)

	case EvUserConfirmRequest:
		address, addressType := r.addr()
		hint := r.u8() != 0
		value := r.u32()
		if err := r.err(); err != nil {
			return err
		}

		h.ConfirmRequest(address, addressType, value, hint)

	case EvUserPasskeyRequest:
		address, addressType := r.addr()
		if err := r.err(); err != nil {
			return err
		}

		h.PasskeyRequest(address, addressType)

	case EvPasskeyNotify:
		address, addressType := r.addr()
		passkey := r.u32()
		entered := r.u8()
		if err := r.err(); err != nil {
			return err
		}

		h.PasskeyNotify(address, addressType, passkey, uint16(entered))

	case EvDeviceFound:
		address, addressType := r.addr()
		rssi := int8(r.u8())
		flags := r.u32()
		eir := r.take(int(r.u16()))
		if err := r.err(); err != nil {
			return err
		}

		info := device.FoundInfo{
			Address:       address,
			AddressType:   addressType,
			LegacyPairing: flags&foundLegacyPairing != 0,
			Connectable:   flags&foundNotConnectable == 0,
		}
		if rssi != rssiInvalid {
			info.RSSI = int16(rssi)
		}
		parseEIR(eir, &info)

		h.DeviceFound(info)

	case EvDeviceUnpaired:
		address, addressType := r.addr()
		if err := r.err(); err != nil {
			return err
		}

		h.DeviceUnpaired(address, addressType)

	case EvDeviceFlagsChanged:
		address, _ := r.addr()
		supported, current := r.u32(), r.u32()
		if err := r.err(); err != nil {
			return err
		}

		h.FlagsChanged(address, supported, current)
	}

	return nil
}

// commandDone handles the completion of a command. Only pairing has a
// waiter; other failures are logged.
func (l *Link) commandDone(opcode Opcode, status errorkinds.Status, r *reader, h Handler) {
	if opcode != OpPairDevice {
		if status != errorkinds.StatusSuccess {
			log.Debugf("Command 0x%04x failed: %s", uint16(opcode), status)
		}

		return
	}

	pending, ok := l.popPairing()

	address, addressType := r.addr()
	if r.err() != nil {
		if !ok {
			log.Warningf("Pairing completed without a pending request")
			return
		}

		address, addressType = pending.address, pending.addressType
	}

	h.BondingComplete(address, addressType, status)
}

func (l *Link) pushPairing(address bluetooth.MacAddress, addressType bluetooth.AddressType) {
	l.pairingMu.Lock()
	defer l.pairingMu.Unlock()

	l.pairing = append(l.pairing, addrInfo{address, addressType})
}

func (l *Link) popPairing() (addrInfo, bool) {
	l.pairingMu.Lock()
	defer l.pairingMu.Unlock()

	if len(l.pairing) == 0 {
		return addrInfo{}, false
	}

	a := l.pairing[0]
	l.pairing = l.pairing[1:]

	return a, true
}

func (l *Link) send(opcode Opcode, params []byte) error {
	b := Packet{Code: uint16(opcode), Index: l.index, Params: params}.Marshal()

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if _, err := l.conn.Write(b); err != nil {
		return wrapError(err, "mgmt-send", "Cannot send management command")
	}

	return nil
}

// CreateBonding starts pairing with the device. The result is reported
// through Handler.BondingComplete.
func (l *Link) CreateBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType, capability bluetooth.IOCapability) error {
	l.pushPairing(address, addressType)

	params := (&writer{}).addr(address, addressType).u8(uint8(capability)).b
	if err := l.send(OpPairDevice, params); err != nil {
		l.popPairing()
		return err
	}

	return nil
}

// CancelBonding cancels a pairing started with CreateBonding.
func (l *Link) CancelBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	return l.send(OpCancelPairDevice, addrParams(address, addressType))
}

// RemoveBonding removes the keys of the device and disconnects it.
func (l *Link) RemoveBonding(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	params := (&writer{}).addr(address, addressType).u8(1).b
	return l.send(OpUnpairDevice, params)
}

// Disconnect disconnects the bearer of the address type.
func (l *Link) Disconnect(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	return l.send(OpDisconnect, addrParams(address, addressType))
}

// AddDevice adds the device to the accept or auto-connect list.
func (l *Link) AddDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType, action device.ConnectAction) error {
	params := (&writer{}).addr(address, addressType).u8(uint8(action)).b
	return l.send(OpAddDevice, params)
}

// RemoveDevice removes the device from the connection lists.
func (l *Link) RemoveDevice(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	return l.send(OpRemoveDevice, addrParams(address, addressType))
}

// SetDeviceFlags sets the current flags of the device.
func (l *Link) SetDeviceFlags(address bluetooth.MacAddress, addressType bluetooth.AddressType, flags uint32) error {
	params := (&writer{}).addr(address, addressType).u32(flags).b
	return l.send(OpSetDeviceFlags, params)
}

// Block adds the device to the block list.
func (l *Link) Block(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	return l.send(OpBlockDevice, addrParams(address, addressType))
}

// Unblock removes the device from the block list.
func (l *Link) Unblock(address bluetooth.MacAddress, addressType bluetooth.AddressType) error {
	return l.send(OpUnblockDevice, addrParams(address, addressType))
}

// PinCodeReply answers a PIN code request.
func (l *Link) PinCodeReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, pin string, accept bool) error {
	if !accept {
		return l.send(OpPinCodeNegReply, addrParams(address, addressType))
	}

	if len(pin) > 16 {
		return errorkinds.ErrInvalidArguments
	}

	var value [16]byte
	copy(value[:], pin)

	params := (&writer{}).addr(address, addressType).u8(uint8(len(pin))).bytes(value[:]).b

	return l.send(OpPinCodeReply, params)
}

// ConfirmReply answers a user confirmation request.
func (l *Link) ConfirmReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, accept bool) error {
	opcode := OpUserConfirmReply
	if !accept {
		opcode = OpUserConfirmNegReply
	}

	return l.send(opcode, addrParams(address, addressType))
}

// PasskeyReply answers a passkey request.
func (l *Link) PasskeyReply(address bluetooth.MacAddress, addressType bluetooth.AddressType, passkey uint32, accept bool) error {
	if !accept {
		return l.send(OpUserPasskeyNegReply, addrParams(address, addressType))
	}

	params := (&writer{}).addr(address, addressType).u32(passkey).b

	return l.send(OpUserPasskeyReply, params)
}

func wrapError(err error, at, msg string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
