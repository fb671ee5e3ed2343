package dht

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Refresh looks up the local ID and then a random ID in the range of every
// non-empty bucket, so the table learns about nodes it has not heard from.
// Individual lookup failures are logged; only cancellation stops it early.
func (n *Node) Refresh(ctx context.Context) error {
	if _, err := n.Lookup(ctx, n.self.ID); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("Refresh: %w", ctx.Err())
		}
		log.Printf("[dht] (%s) refresh: self lookup failed: %v\n", n.self.ID, err)
	}

	refreshed := 0
	for i := 0; i < n.rt.NumBuckets(); i++ {
		if len(n.rt.Bucket(i)) == 0 {
			continue
		}
		target, err := RandomIDInBucket(n.self.ID, i, n.cfg.IDBits)
		if err != nil {
			return fmt.Errorf("Refresh: %w", err)
		}
		if _, err := n.Lookup(ctx, target); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("Refresh: %w", ctx.Err())
			}
			log.Printf("[dht] (%s) refresh: bucket %d lookup failed: %v\n", n.self.ID, i, err)
			continue
		}
		refreshed++
	}

	log.Printf("[dht] (%s) refresh: %d buckets refreshed, %d contacts in table\n",
		n.self.ID, refreshed, n.rt.Len())
	return nil
}

// RunRefresher calls Refresh every interval until ctx is done.
func (n *Node) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Refresh(ctx); err != nil {
				log.Printf("[dht] (%s) refresher stopping: %v\n", n.self.ID, err)
				return
			}
		}
	}
}
