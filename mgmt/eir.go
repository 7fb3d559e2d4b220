package mgmt

import (
	"encoding/binary"
	"slices"
	"strings"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/device"
	"github.com/google/uuid"
)

// EIR and advertising data types.
const (
	eirFlags              = 0x01
	eirUUID16Some         = 0x02
	eirUUID16All          = 0x03
	eirUUID32Some         = 0x04
	eirUUID32All          = 0x05
	eirUUID128Some        = 0x06
	eirUUID128All         = 0x07
	eirNameShort          = 0x08
	eirNameComplete       = 0x09
	eirTxPower            = 0x0a
	eirClassOfDevice      = 0x0d
	eirServiceData16      = 0x16
	eirAppearance         = 0x19
	eirServiceData32      = 0x20
	eirServiceData128     = 0x21
	eirTransportDiscovery = 0x26
	eirMeshProvisioning   = 0x29
	eirMeshMessage        = 0x2a
	eirMeshBeacon         = 0x2b
	eirManufacturerData   = 0xff
)

// parseEIR fills the found info with the fields of the extended inquiry
// response or advertising data. Malformed trailing fields are ignored.
func parseEIR(data []byte, info *device.FoundInfo) {
	var shortName string

	for len(data) > 1 {
		length := int(data[0])
		if length == 0 || length >= len(data) {
			break
		}

		typ, field := data[1], data[2:length+1]
		data = data[length+1:]

		switch typ {
		case eirUUID16Some, eirUUID16All:
			for ; len(field) >= 2; field = field[2:] {
				addUUID(info, bluetooth.ShortUUID(uint32(binary.LittleEndian.Uint16(field))).String())
			}

		case eirUUID32Some, eirUUID32All:
			for ; len(field) >= 4; field = field[4:] {
				addUUID(info, bluetooth.ShortUUID(binary.LittleEndian.Uint32(field)).String())
			}

		case eirUUID128Some, eirUUID128All:
			for ; len(field) >= 16; field = field[16:] {
				addUUID(info, uuid128(field).String())
			}

		case eirNameShort:
			shortName = eirString(field)

		case eirNameComplete:
			info.Name = eirString(field)

		case eirClassOfDevice:
			if len(field) >= 3 {
				info.Class = uint32(field[0]) | uint32(field[1])<<8 | uint32(field[2])<<16
			}

		case eirAppearance:
			if len(field) >= 2 {
				info.Appearance = binary.LittleEndian.Uint16(field)
			}

		case eirFlags:
			if len(field) > 0 {
				info.Flags = slices.Clone(field)
			}

		case eirTxPower:
			if len(field) > 0 {
				info.TxPower, info.HasTxPower = int16(int8(field[0])), true
			}

		case eirServiceData16:
			if len(field) >= 2 {
				id := bluetooth.ShortUUID(uint32(binary.LittleEndian.Uint16(field))).String()
				addServiceData(info, id, field[2:])
			}

		case eirServiceData32:
			if len(field) >= 4 {
				id := bluetooth.ShortUUID(binary.LittleEndian.Uint32(field)).String()
				addServiceData(info, id, field[4:])
			}

		case eirServiceData128:
			if len(field) >= 16 {
				addServiceData(info, uuid128(field).String(), field[16:])
			}

		case eirManufacturerData:
			if len(field) >= 2 {
				if info.ManufacturerData == nil {
					info.ManufacturerData = make(map[uint16][]byte)
				}

				info.ManufacturerData[binary.LittleEndian.Uint16(field)] = slices.Clone(field[2:])
			}

		case eirTransportDiscovery, eirMeshProvisioning, eirMeshMessage, eirMeshBeacon:
			if info.Data == nil {
				info.Data = make(map[uint8][]byte)
			}

			info.Data[typ] = slices.Clone(field)
		}
	}

	if info.Name == "" {
		info.Name = shortName
	}
}

func addServiceData(info *device.FoundInfo, id string, data []byte) {
	if info.ServiceData == nil {
		info.ServiceData = make(map[string][]byte)
	}

	info.ServiceData[id] = slices.Clone(data)
}

// uuid128 reads a little-endian 128-bit UUID.
func uuid128(field []byte) uuid.UUID {
	var id uuid.UUID
	for i := range id {
		id[i] = field[15-i]
	}

	return id
}

func addUUID(info *device.FoundInfo, id string) {
	if !slices.Contains(info.UUIDs, id) {
		info.UUIDs = append(info.UUIDs, id)
	}
}

// eirString returns the field up to its first NUL byte.
func eirString(field []byte) string {
	s := string(field)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}

	return strings.ToValidUTF8(s, "")
}
