package tripsync

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// ids are ulids, so ids created by the same client are ordered by creation time.
// On the wire an id is the uuid string form. Ids from other clients are treated as opaque strings.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
