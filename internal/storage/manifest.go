package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ShardManifest describes a value that was erasure-coded into shards and
// stored under separate keys. It is itself stored under the value's key.
type ShardManifest struct {
	Params       ECParams `msgpack:"params"`
	Size         int      `msgpack:"size"`
	ShardDigests []Digest `msgpack:"shards"`
	Root         Digest   `msgpack:"root"`
}

// Validate checks internal consistency: shard count matches the params and
// Root is the Merkle root of the shard digests.
func (m *ShardManifest) Validate() error {
	if err := m.Params.Validate(); err != nil {
		return fmt.Errorf("ShardManifest: %w", err)
	}
	if m.Size < 0 {
		return fmt.Errorf("ShardManifest: negative size %d", m.Size)
	}
	if len(m.ShardDigests) != m.Params.TotalShards() {
		return fmt.Errorf("ShardManifest: %d shard digests, want %d",
			len(m.ShardDigests), m.Params.TotalShards())
	}
	root, err := MerkleRoot(m.ShardDigests)
	if err != nil {
		return fmt.Errorf("ShardManifest: %w", err)
	}
	if !root.Equal(m.Root) {
		return fmt.Errorf("ShardManifest: root mismatch: got %s, want %s", root, m.Root)
	}
	return nil
}

// SplitValue erasure-codes value and returns its manifest with the shards,
// in manifest order.
func SplitValue(value []byte, params ECParams) (*ShardManifest, [][]byte, error) {
	shards, err := EncodeShards(value, params)
	if err != nil {
		return nil, nil, fmt.Errorf("SplitValue: %w", err)
	}

	digests := make([]Digest, len(shards))
	for i, s := range shards {
		digests[i] = NewDigest(s)
	}
	root, err := MerkleRoot(digests)
	if err != nil {
		return nil, nil, fmt.Errorf("SplitValue: %w", err)
	}

	return &ShardManifest{
		Params:       params,
		Size:         len(value),
		ShardDigests: digests,
		Root:         root,
	}, shards, nil
}

// JoinValue reassembles the value described by m. Shards that are nil or
// whose digest does not match the manifest are treated as missing.
func JoinValue(m *ShardManifest, shards [][]byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("JoinValue: %w", err)
	}
	if len(shards) != len(m.ShardDigests) {
		return nil, fmt.Errorf("JoinValue: got %d shards, want %d", len(shards), len(m.ShardDigests))
	}

	verified := make([][]byte, len(shards))
	for i, s := range shards {
		if s == nil {
			continue
		}
		if !NewDigest(s).Equal(m.ShardDigests[i]) {
			continue
		}
		verified[i] = s
	}

	value, err := ReconstructValue(verified, m.Params, m.Size)
	if err != nil {
		return nil, fmt.Errorf("JoinValue: %w", err)
	}
	return value, nil
}

// EncodeManifest serializes m with msgpack.
func EncodeManifest(m *ShardManifest) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("EncodeManifest: %w", err)
	}
	return b, nil
}

// DecodeManifest parses and validates a manifest produced by EncodeManifest.
func DecodeManifest(b []byte) (*ShardManifest, error) {
	var m ShardManifest
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("DecodeManifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("DecodeManifest: %w", err)
	}
	return &m, nil
}
