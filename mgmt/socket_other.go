//go:build !linux

package mgmt

import "github.com/darkhz/btdevd/api/errorkinds"

// Open is only supported on Linux.
func Open(uint16) (*Link, error) {
	return nil, wrapError(errorkinds.ErrNotSupported, "mgmt-socket", "The management channel is only available on Linux")
}
