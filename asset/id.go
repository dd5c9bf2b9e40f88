// Package asset defines the identity model shared by every piece of the
// content system: asset ids, type tags, registry rows, the factory
// capability set, and the error kinds surfaced by the storage layers.
package asset

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// IDSize is the length of an asset id in bytes.
const IDSize = 16

// An ID uniquely identifies an asset across the whole project. It is a
// 128-bit value, immutable from the moment the asset is first written.
// The zero value means "no asset".
type ID [IDSize]byte

// NewID returns a freshly generated, globally unique id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID decodes an id from its 32 character hex form. The dashed UUID
// form is also accepted.
func ParseID(s string) (ID, error) {
	if len(s) == 2*IDSize {
		var id ID
		_, err := hex.Decode(id[:], []byte(s))
		if err != nil {
			return ID{}, errors.Wrap(err, "parse asset id")
		}
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, errors.Wrap(err, "parse asset id")
	}
	return ID(u), nil
}

// String returns the hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsNil returns true if this is the "no asset" value.
func (id ID) IsNil() bool {
	return id == ID{}
}

// MarshalText renders the id as hex, so JSON carries ids as strings.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes either the hex or the dashed form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
