//go:build linux

package mgmt

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenSocket opens a raw HCI socket bound to the management control
// channel. The socket is non-blocking and handed to the runtime poller,
// so closing it wakes a pending Read.
func OpenSocket() (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_HCI)
	if err != nil {
		return nil, wrapError(err, "mgmt-socket", "Cannot create management socket")
	}

	sa := unix.SockaddrHCI{Dev: IndexNone, Channel: unix.HCI_CHANNEL_CONTROL}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, wrapError(err, "mgmt-socket", "Cannot bind to the management channel")
	}

	return os.NewFile(uintptr(fd), "mgmt"), nil
}

// Open returns a link for the controller index over a new management socket.
func Open(index uint16) (*Link, error) {
	f, err := OpenSocket()
	if err != nil {
		return nil, err
	}

	return NewLink(f, index), nil
}
