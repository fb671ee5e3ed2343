package dht

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kunal-geeks/kaddht/internal/storage"
)

// ShardKey derives the key under which shard i of the value stored at key
// is kept.
func ShardKey(key ID, i, bits int) ID {
	buf := make([]byte, 0, IDBytes+len("#shard")+4)
	buf = append(buf, key[:]...)
	buf = append(buf, "#shard"...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(i))
	return HashKey(buf, bits)
}

// StoreSharded erasure-codes value with params, stores every shard under
// its ShardKey and stores the manifest under key. A shard that could not
// be placed anywhere only costs redundancy; the call fails when more than
// ParityShards shards, or the manifest, could not be stored.
func (n *Node) StoreSharded(ctx context.Context, key ID, value []byte, params storage.ECParams) (*storage.ShardManifest, error) {
	if !key.Fits(n.cfg.IDBits) {
		return nil, fmt.Errorf("StoreSharded: %w: %s", ErrInvalidIdentifier, key)
	}

	m, shards, err := storage.SplitValue(value, params)
	if err != nil {
		return nil, fmt.Errorf("StoreSharded: %w", err)
	}

	failed := 0
	for i, shard := range shards {
		if err := n.Store(ctx, ShardKey(key, i, n.cfg.IDBits), shard); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("StoreSharded: %w", ctx.Err())
			}
			log.Printf("[dht] StoreSharded: shard %d of %s not stored: %v\n", i, key, err)
			failed++
		}
	}
	if failed > params.ParityShards {
		return nil, fmt.Errorf("StoreSharded: %d of %d shards could not be stored", failed, len(shards))
	}

	encoded, err := storage.EncodeManifest(m)
	if err != nil {
		return nil, fmt.Errorf("StoreSharded: %w", err)
	}
	if err := n.Store(ctx, key, encoded); err != nil {
		return nil, fmt.Errorf("StoreSharded: manifest: %w", err)
	}

	log.Printf("[dht] StoreSharded: %s stored as %s shards (%d bytes, root %s)\n",
		key, params, len(value), m.Root)
	return m, nil
}

// GetSharded fetches the manifest stored under key and reassembles the
// value from its shards, fetching up to Alpha shards concurrently.
func (n *Node) GetSharded(ctx context.Context, key ID) ([]byte, error) {
	encoded, err := n.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("GetSharded: manifest: %w", err)
	}
	m, err := storage.DecodeManifest(encoded)
	if err != nil {
		return nil, fmt.Errorf("GetSharded: %w", err)
	}

	shards := make([][]byte, len(m.ShardDigests))
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(n.cfg.Alpha))

	for i := range shards {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			shard, err := n.Get(ctx, ShardKey(key, i, n.cfg.IDBits))
			if err != nil {
				log.Printf("[dht] GetSharded: shard %d of %s missing: %v\n", i, key, err)
				return
			}
			shards[i] = shard
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("GetSharded: %w", err)
	}

	value, err := storage.JoinValue(m, shards)
	if err != nil {
		return nil, fmt.Errorf("GetSharded: %w", err)
	}
	return value, nil
}
