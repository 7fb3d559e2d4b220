package mgmt

import (
	"context"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
	"github.com/darkhz/btdevd/device"
	"github.com/google/uuid"
)

// Unavailable stands in for the SDP and attribute transports when the
// daemon runs without them. Every request fails with ErrNotSupported, so
// service resolution and LE connections report an error instead of hanging.
type Unavailable struct{}

var (
	_ device.SDPSearcher  = Unavailable{}
	_ device.ATTConnector = Unavailable{}
	_ device.GattProvider = Unavailable{}
)

// Search fails the service search.
func (Unavailable) Search(_ context.Context, dst bluetooth.MacAddress, _ uuid.UUID, _ uint16, done func([]device.ServiceRecord, error)) {
	log.Debugf("%s: no SDP transport, failing search", dst)
	done(nil, errorkinds.ErrNotSupported)
}

// Connect fails the attribute channel connection.
func (Unavailable) Connect(_ context.Context, dst bluetooth.MacAddress, _ bluetooth.AddressType, _ device.SecurityLevel, done func(device.ATTChannel, error)) {
	log.Debugf("%s: no ATT transport, failing connection", dst)
	done(nil, errorkinds.ErrNotSupported)
}

// NewClient fails the GATT client creation.
func (Unavailable) NewClient(device.ATTChannel, uint16, uint8, []device.Primary) (device.GattClient, error) {
	return nil, errorkinds.ErrNotSupported
}

// NewServer fails the GATT server creation.
func (Unavailable) NewServer(device.ATTChannel, uint16, uint8) (device.GattServer, error) {
	return nil, errorkinds.ErrNotSupported
}
