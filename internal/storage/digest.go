package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Digest is the SHA-256 of a shard or value. Two blobs with identical
// bytes have the same Digest.
type Digest [32]byte

// NewDigest hashes data.
func NewDigest(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// String returns the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// DigestFromHex parses a 64-char hex string into a Digest.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("DigestFromHex: decode error: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("DigestFromHex: invalid length: got %d, want %d", len(b), len(d))
	}
	copy(d[:], b)
	return d, nil
}

// Equal reports whether two digests are identical.
func (d Digest) Equal(other Digest) bool {
	return d == other
}
