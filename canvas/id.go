package canvas

import (
	"bytes"

	"github.com/oklog/ulid/v2"
)

// comparable
// session ids are assigned by the coordinator. Ulids order by create time,
// so ids from the same coordinator sort in connect order.
// Peers only ever see the string form and treat it as opaque.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
