package routing

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// KUIDLength is the size of a node identifier in bytes.
const KUIDLength = 20

// ErrInvalidKUID is returned when parsing a malformed identifier.
var ErrInvalidKUID = errors.New("invalid KUID")

// KUID is a 160-bit Kademlia identifier.
type KUID [KUIDLength]byte

// RandomKUID returns a cryptographically random identifier.
func RandomKUID() KUID {
	var id KUID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("routing: reading random bytes: %v", err))
	}
	return id
}

// ParseKUID parses a 40 character hex string.
func ParseKUID(s string) (KUID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KUID{}, fmt.Errorf("%w: %v", ErrInvalidKUID, err)
	}
	return KUIDFromBytes(raw)
}

// KUIDFromBytes copies b into a KUID. b must be exactly KUIDLength bytes.
func KUIDFromBytes(b []byte) (KUID, error) {
	var id KUID
	if len(b) != KUIDLength {
		return id, fmt.Errorf("%w: length %d, want %d", ErrInvalidKUID, len(b), KUIDLength)
	}
	copy(id[:], b)
	return id, nil
}

// Xor returns the XOR distance between k and o.
func (k KUID) Xor(o KUID) KUID {
	var d KUID
	for i := range k {
		d[i] = k[i] ^ o[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits k and o share.
func (k KUID) CommonPrefixLen(o KUID) int {
	for i := range k {
		if x := k[i] ^ o[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KUIDLength * 8
}

// Less orders identifiers as unsigned big-endian integers.
func (k KUID) Less(o KUID) bool {
	return bytes.Compare(k[:], o[:]) < 0
}

// Bytes returns a copy of the identifier bytes.
func (k KUID) Bytes() []byte {
	out := make([]byte, KUIDLength)
	copy(out, k[:])
	return out
}

// IsZero reports whether every bit is zero.
func (k KUID) IsZero() bool {
	return k == KUID{}
}

func (k KUID) String() string {
	return hex.EncodeToString(k[:])
}

// closer reports whether a is closer to target than b.
func closer(target, a, b KUID) bool {
	return a.Xor(target).Less(b.Xor(target))
}
