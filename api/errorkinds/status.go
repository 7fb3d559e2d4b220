package errorkinds

import "fmt"

// Status is a link-layer (management protocol) command or event status code.
type Status uint8

// The link-layer status codes.
const (
	StatusSuccess          Status = 0x00
	StatusUnknownCommand   Status = 0x01
	StatusNotConnected     Status = 0x02
	StatusFailed           Status = 0x03
	StatusConnectFailed    Status = 0x04
	StatusAuthFailed       Status = 0x05
	StatusNotPaired        Status = 0x06
	StatusNoResources      Status = 0x07
	StatusTimeout          Status = 0x08
	StatusAlreadyConnected Status = 0x09
	StatusBusy             Status = 0x0a
	StatusRejected         Status = 0x0b
	StatusNotSupported     Status = 0x0c
	StatusInvalidParams    Status = 0x0d
	StatusDisconnected     Status = 0x0e
	StatusNotPowered       Status = 0x0f
	StatusCancelled        Status = 0x10
	StatusInvalidIndex     Status = 0x11
	StatusRFKilled         Status = 0x12
	StatusAlreadyPaired    Status = 0x13
	StatusPermissionDenied Status = 0x14
)

var statusNames = map[Status]string{
	StatusSuccess:          "Success",
	StatusUnknownCommand:   "Unknown Command",
	StatusNotConnected:     "Not Connected",
	StatusFailed:           "Failed",
	StatusConnectFailed:    "Connect Failed",
	StatusAuthFailed:       "Authentication Failed",
	StatusNotPaired:        "Not Paired",
	StatusNoResources:      "No Resources",
	StatusTimeout:          "Timeout",
	StatusAlreadyConnected: "Already Connected",
	StatusBusy:             "Busy",
	StatusRejected:         "Rejected",
	StatusNotSupported:     "Not Supported",
	StatusInvalidParams:    "Invalid Parameters",
	StatusDisconnected:     "Disconnected",
	StatusNotPowered:       "Not Powered",
	StatusCancelled:        "Cancelled",
	StatusInvalidIndex:     "Invalid Index",
	StatusRFKilled:         "Blocked through rfkill",
	StatusAlreadyPaired:    "Already Paired",
	StatusPermissionDenied: "Permission Denied",
}

// String returns the name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Unknown (0x%02x)", uint8(s))
}

// FromStatus maps a bonding status to the error returned to the caller of Pair.
func FromStatus(status Status) error {
	switch status {
	case StatusSuccess:
		return nil

	case StatusConnectFailed:
		return ErrConnectionAttemptFailed

	case StatusTimeout:
		return ErrAuthenticationTimeout

	case StatusBusy, StatusRejected:
		return ErrAuthenticationRejected

	case StatusCancelled, StatusNoResources, StatusDisconnected:
		return ErrAuthenticationCanceled

	case StatusAlreadyPaired:
		return ErrAlreadyExists
	}

	return ErrAuthenticationFailed
}
