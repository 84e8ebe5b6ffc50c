package keys

import (
	"bytes"

	"github.com/google/uuid"
)

// UUID is the 16-byte opaque identifier of a dataset, generated randomly on
// dataset creation.
type UUID [UUIDSize]byte

// NewUUID returns a freshly generated random UUID.
func NewUUID() UUID {
	return UUID(uuid.New())
}

// ParseUUID parses the canonical textual form.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID(u), nil
}

// IsZero reports whether the UUID is all zero bytes.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Compare orders UUIDs byte-wise.
func (u UUID) Compare(o UUID) int {
	return bytes.Compare(u[:], o[:])
}
