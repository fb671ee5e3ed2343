package storage

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ECParams defines how many data and parity shards a sharded value uses.
type ECParams struct {
	DataShards   int `msgpack:"data"`
	ParityShards int `msgpack:"parity"`
}

// DefaultECParams tolerates the loss of any two of six shards.
var DefaultECParams = ECParams{DataShards: 4, ParityShards: 2}

func (p ECParams) TotalShards() int {
	return p.DataShards + p.ParityShards
}

// Validate checks that the parameters make sense.
func (p ECParams) Validate() error {
	if p.DataShards <= 0 {
		return fmt.Errorf("ECParams: DataShards must be > 0")
	}
	if p.ParityShards <= 0 {
		return fmt.Errorf("ECParams: ParityShards must be > 0")
	}
	if p.TotalShards() > 255 {
		return fmt.Errorf("ECParams: total shards must be <= 255")
	}
	return nil
}

func (p ECParams) String() string {
	return fmt.Sprintf("%d+%d", p.DataShards, p.ParityShards)
}

// EncodeShards splits value into DataShards equal-sized data shards (the
// last one zero-padded) and computes ParityShards parity shards.
func EncodeShards(value []byte, params ECParams) ([][]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("EncodeShards: %w", err)
	}

	total := params.TotalShards()
	if len(value) == 0 {
		shards := make([][]byte, total)
		for i := range shards {
			shards[i] = []byte{}
		}
		return shards, nil
	}

	enc, err := reedsolomon.New(params.DataShards, params.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("EncodeShards: create encoder: %w", err)
	}

	shardSize := (len(value) + params.DataShards - 1) / params.DataShards

	// One backing buffer; the tail beyond len(value) is the zero padding.
	buf := make([]byte, shardSize*total)
	copy(buf, value)

	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = buf[i*shardSize : (i+1)*shardSize : (i+1)*shardSize]
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("EncodeShards: encode: %w", err)
	}
	return shards, nil
}

// ReconstructValue rebuilds a value of length size from shards. Missing
// shards are nil; at least DataShards of them must be present.
func ReconstructValue(shards [][]byte, params ECParams, size int) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("ReconstructValue: %w", err)
	}
	if len(shards) != params.TotalShards() {
		return nil, fmt.Errorf("ReconstructValue: expected %d shards, got %d",
			params.TotalShards(), len(shards))
	}
	if size < 0 {
		return nil, fmt.Errorf("ReconstructValue: invalid size %d", size)
	}
	if size == 0 {
		return []byte{}, nil
	}

	shardSize := -1
	present := 0
	for _, s := range shards {
		if s == nil {
			continue
		}
		present++
		if shardSize == -1 {
			shardSize = len(s)
		} else if len(s) != shardSize {
			return nil, fmt.Errorf("ReconstructValue: inconsistent shard sizes")
		}
	}
	if present < params.DataShards {
		return nil, fmt.Errorf("ReconstructValue: only %d of %d required shards present",
			present, params.DataShards)
	}

	enc, err := reedsolomon.New(params.DataShards, params.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("ReconstructValue: create encoder: %w", err)
	}

	// reedsolomon treats nil entries as missing and fills them in place.
	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("ReconstructValue: reconstruct: %w", err)
	}

	value := make([]byte, 0, params.DataShards*shardSize)
	for i := 0; i < params.DataShards; i++ {
		value = append(value, shards[i]...)
	}
	if size > len(value) {
		return nil, fmt.Errorf("ReconstructValue: size %d > reconstructed %d", size, len(value))
	}
	return value[:size], nil
}
