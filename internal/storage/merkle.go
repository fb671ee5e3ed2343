package storage

import (
	"crypto/sha256"
	"fmt"
)

// MerkleRoot computes a Merkle root over an ordered list of digests.
// Internal nodes are SHA256(left || right); on a level with an odd number
// of nodes the last one is promoted unchanged.
func MerkleRoot(leaves []Digest) (Digest, error) {
	if len(leaves) == 0 {
		return Digest{}, fmt.Errorf("MerkleRoot: no leaves provided")
	}

	cur := make([]Digest, len(leaves))
	copy(cur, leaves)

	buf := make([]byte, 0, 64)
	for len(cur) > 1 {
		next := make([]Digest, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 >= len(cur) {
				next = append(next, cur[i])
				continue
			}
			buf = append(buf[:0], cur[i][:]...)
			buf = append(buf, cur[i+1][:]...)
			next = append(next, Digest(sha256.Sum256(buf)))
		}
		cur = next
	}
	return cur[0], nil
}
