package tunnel

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newIdentifier generates a fresh 128-bit identifier, hex-encoded for use on
// the wire. It is a version-4 UUID, so 122 of its 128 bits are random and the
// remaining 6 are fixed version and variant bits. It is used both for
// pending-handoff identifiers and for handshake nonces.
func newIdentifier() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
