package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// IDBits is the length of a Kademlia ID in bits.
// We'll use 160 bits (20 bytes), similar to SHA-1.
const IDBits = 160

// IDBytes is the length of an ID in bytes.
const IDBytes = IDBits / 8

// ID represents a Kademlia node or key identifier.
// It's a fixed-size 160-bit big-endian value. Smaller identifier spaces
// (see Config.IDBits) only use the low-order bits.
type ID [IDBytes]byte

// NewRandomID generates a cryptographically random 160-bit ID.
func NewRandomID() (ID, error) {
	return NewRandomIDBits(IDBits)
}

// NewRandomIDBits generates a random ID that fits in the given width.
// Every bit at or above position bits is cleared.
func NewRandomIDBits(bits int) (ID, error) {
	if bits <= 0 || bits > IDBits {
		return ID{}, fmt.Errorf("NewRandomIDBits: %w: width %d", ErrInvalidIdentifier, bits)
	}
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("NewRandomIDBits: %w", err)
	}
	return id.mask(bits), nil
}

// MustRandomID is a helper for tests or places where you want to panic on error.
func MustRandomID() ID {
	id, err := NewRandomID()
	if err != nil {
		panic(err)
	}
	return id
}

// IDFromBytes constructs an ID from a byte slice.
// Returns ErrInvalidIdentifier if the slice length is not IDBytes.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDBytes {
		return ID{}, fmt.Errorf("IDFromBytes: %w: length %d, want %d", ErrInvalidIdentifier, len(b), IDBytes)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IDFromHex constructs an ID from a hex string.
// The hex string must decode to IDBytes bytes.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("IDFromHex: %w: %v", ErrInvalidIdentifier, err)
	}
	return IDFromBytes(raw)
}

// IDFromUint64 places v in the low-order 64 bits of an ID.
func IDFromUint64(v uint64) ID {
	var id ID
	for i := 0; i < 8; i++ {
		id[IDBytes-1-i] = byte(v >> (8 * i))
	}
	return id
}

// HashKey maps arbitrary key bytes into an identifier space of the given
// width: blake3, truncated to IDBytes and masked to bits.
func HashKey(data []byte, bits int) ID {
	sum := blake3.Sum256(data)
	var id ID
	copy(id[:], sum[:IDBytes])
	return id.mask(bits)
}

// String returns the hex encoding of the ID (for logging/debugging).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR computes the bitwise XOR distance between two IDs.
// In Kademlia, "distance" is defined as XOR of the two node IDs.
func (id ID) XOR(other ID) ID {
	var out ID
	for i := 0; i < IDBytes; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Distance returns the XOR distance between a and b.
func Distance(a, b ID) ID {
	return a.XOR(b)
}

// Equals reports whether two IDs are identical.
func (id ID) Equals(other ID) bool {
	return id == other
}

// Cmp compares two IDs as unsigned big-endian integers.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id is numerically less than other.
func (id ID) Less(other ID) bool {
	return id.Cmp(other) < 0
}

// IsZero reports whether every bit is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// PrefixLen returns the number of leading zero bits in the ID.
//
// Example:
//
//	ID: 00010010.... (in bits)
//	PrefixLen = 3    (first 3 bits are zero, 4th is 1)
func (id ID) PrefixLen() int {
	count := 0
	for i := 0; i < IDBytes; i++ {
		b := id[i]
		if b == 0x00 {
			count += 8
			continue
		}
		for j := 7; j >= 0; j-- {
			if (b & (1 << uint(j))) != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// BitLen returns the minimum number of bits needed to represent the ID,
// i.e. the position of the highest set bit plus one. Zero has BitLen 0.
func (id ID) BitLen() int {
	return IDBits - id.PrefixLen()
}

// Fits reports whether the ID lies within an identifier space of the
// given width.
func (id ID) Fits(bits int) bool {
	return bits > 0 && bits <= IDBits && id.BitLen() <= bits
}

// Bit reports whether the bit at position p (0 = least significant) is set.
func (id ID) Bit(p int) bool {
	return id[IDBytes-1-p/8]&(1<<uint(p%8)) != 0
}

func (id ID) setBit(p int) ID {
	id[IDBytes-1-p/8] |= 1 << uint(p%8)
	return id
}

func (id ID) clearBit(p int) ID {
	id[IDBytes-1-p/8] &^= 1 << uint(p%8)
	return id
}

// mask clears every bit at or above position bits.
func (id ID) mask(bits int) ID {
	for p := bits; p < IDBits; p++ {
		id = id.clearBit(p)
	}
	return id
}

// BucketIndex returns the position of the highest set bit of the distance
// between local and other, counting from 0 at the least-significant bit.
// Contacts with index i are at a distance in [2^i, 2^(i+1)).
//
// It returns -1 when other == local; callers never store the local ID.
func BucketIndex(local, other ID) int {
	return local.XOR(other).BitLen() - 1
}

// RandomIDInBucket returns a random ID whose BucketIndex relative to self
// is i. Every distance in [2^i, 2^(i+1)) maps to exactly one such ID.
func RandomIDInBucket(self ID, i, bits int) (ID, error) {
	if i < 0 || i >= bits {
		return ID{}, fmt.Errorf("RandomIDInBucket: bucket %d outside width %d", i, bits)
	}
	d, err := NewRandomIDBits(bits)
	if err != nil {
		return ID{}, fmt.Errorf("RandomIDInBucket: %w", err)
	}
	d = d.mask(i).setBit(i)
	return self.XOR(d), nil
}
