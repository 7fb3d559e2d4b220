package bluetooth

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// BaseUUID is the Bluetooth base UUID that 16 and 32 bit UUIDs are
// expanded into.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// The short UUIDs used by the service discovery sequence and record parsing.
const (
	UUIDL2CAP             uint32 = 0x0100
	UUIDATT               uint32 = 0x0007
	UUIDPublicBrowseGroup uint32 = 0x1002
	UUIDPnPInformation    uint32 = 0x1200
	UUIDGenericAccess     uint32 = 0x1800
	UUIDGenericAttribute  uint32 = 0x1801
)

// ShortUUID expands a 16 or 32 bit UUID into a full UUID.
func ShortUUID(short uint32) uuid.UUID {
	u := BaseUUID
	u[0] = byte(short >> 24)
	u[1] = byte(short >> 16)
	u[2] = byte(short >> 8)
	u[3] = byte(short)

	return u
}

// UUIDString returns the canonical (lowercase) form of a UUID string,
// expanding 16/32 bit forms. Invalid strings are returned lowercased.
func UUIDString(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	switch len(s) {
	case 4, 8:
		var short uint32
		for _, c := range s {
			switch {
			case c >= '0' && c <= '9':
				short = short<<4 | uint32(c-'0')
			case c >= 'a' && c <= 'f':
				short = short<<4 | uint32(c-'a'+10)
			default:
				return s
			}
		}

		return ShortUUID(short).String()
	}

	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}

	return s
}

// UUIDSet is an ordered set of UUID strings.
// Entries are unique and kept in lexicographic order of their canonical form.
type UUIDSet struct {
	items []string
}

// NewUUIDSet returns a set holding the provided UUIDs.
func NewUUIDSet(uuids ...string) UUIDSet {
	var s UUIDSet
	s.Add(uuids...)

	return s
}

// Add inserts UUIDs into the set, and reports whether the set changed.
func (s *UUIDSet) Add(uuids ...string) bool {
	var changed bool

	for _, u := range uuids {
		u = UUIDString(u)

		i := sort.SearchStrings(s.items, u)
		if i < len(s.items) && s.items[i] == u {
			continue
		}

		s.items = append(s.items, "")
		copy(s.items[i+1:], s.items[i:])
		s.items[i] = u
		changed = true
	}

	return changed
}

// Remove deletes a UUID from the set, and reports whether it was present.
func (s *UUIDSet) Remove(u string) bool {
	u = UUIDString(u)

	i := sort.SearchStrings(s.items, u)
	if i == len(s.items) || s.items[i] != u {
		return false
	}

	s.items = append(s.items[:i], s.items[i+1:]...)

	return true
}

// Has reports whether the set contains the UUID.
func (s UUIDSet) Has(u string) bool {
	u = UUIDString(u)

	i := sort.SearchStrings(s.items, u)
	return i < len(s.items) && s.items[i] == u
}

// Len returns the number of UUIDs in the set.
func (s UUIDSet) Len() int {
	return len(s.items)
}

// Clear empties the set.
func (s *UUIDSet) Clear() {
	s.items = nil
}

// Slice returns a copy of the ordered UUIDs.
func (s UUIDSet) Slice() []string {
	return append([]string(nil), s.items...)
}
