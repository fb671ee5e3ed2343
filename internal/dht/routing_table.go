package dht

import (
	"context"
	"fmt"
	"log"
	"time"
)

// PingFunc checks whether a contact is still alive.
type PingFunc func(ctx context.Context, c Contact) error

// RoutingTable is a Kademlia routing table for a single node.
// Bucket i holds contacts whose distance to the local ID has its highest
// set bit at position i. The bucket slice never changes after
// construction, so there is no table-wide lock: each bucket guards itself.
type RoutingTable struct {
	self    ID
	bits    int
	buckets []*bucket

	// ping, if set, is used to check the least recently seen contact of
	// a full bucket before dropping a newcomer.
	ping        PingFunc
	pingTimeout time.Duration
}

// NewRoutingTable initializes a routing table for the given local ID with
// bucket size k and an identifier space of the given width.
func NewRoutingTable(self ID, k, bits int) *RoutingTable {
	rt := &RoutingTable{
		self:        self,
		bits:        bits,
		buckets:     make([]*bucket, bits),
		pingTimeout: DefaultQueryTimeout,
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(k)
	}
	return rt
}

// SetPinger enables ping-then-evict for full buckets.
func (rt *RoutingTable) SetPinger(ping PingFunc, timeout time.Duration) {
	rt.ping = ping
	if timeout > 0 {
		rt.pingTimeout = timeout
	}
}

// Self returns the local ID.
func (rt *RoutingTable) Self() ID {
	return rt.self
}

// BucketIndexOf returns the index of the bucket for the given ID, or -1
// for the local ID.
func (rt *RoutingTable) BucketIndexOf(id ID) int {
	return BucketIndex(rt.self, id)
}

// Observe records a successful exchange with c. It is the only way the
// table learns about the network.
func (rt *RoutingTable) Observe(c Contact) error {
	if !c.ID.Fits(rt.bits) {
		return fmt.Errorf("Observe: %w: %s does not fit in %d bits", ErrInvalidIdentifier, c.ID, rt.bits)
	}
	// Don't add ourselves to the table.
	if rt.self.Equals(c.ID) {
		return nil
	}

	idx := rt.BucketIndexOf(c.ID)
	b := rt.buckets[idx]

	switch b.insert(c) {
	case refreshed:
		log.Printf("[dht] refreshed contact %s at %s in bucket %d\n", c.ID, c.Address, idx)
	case inserted:
		log.Printf("[dht] added contact %s at %s to bucket %d\n", c.ID, c.Address, idx)
	case bucketFull:
		if rt.ping == nil {
			log.Printf("[dht] bucket %d full, dropping contact %s\n", idx, c.ID)
			return nil
		}
		rt.pingAndEvict(b, idx, c)
	}
	return nil
}

// pingAndEvict pings the oldest entry of a full bucket without holding
// the bucket lock and replaces it with c only if the ping fails.
func (rt *RoutingTable) pingAndEvict(b *bucket, idx int, c Contact) {
	stale, ok := b.oldest()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.pingTimeout)
	defer cancel()

	if err := rt.ping(ctx, stale); err == nil {
		b.insert(stale)
		log.Printf("[dht] bucket %d full, %s still alive, dropping %s\n", idx, stale.ID, c.ID)
		return
	}

	if b.replace(stale.ID, c) {
		log.Printf("[dht] bucket %d: evicted unresponsive %s for %s\n", idx, stale.ID, c.ID)
	}
}

// FindClosest returns up to n contacts closest to the target ID, sorted
// ascending by XOR distance.
//
// The search starts at the bucket whose index matches the target's
// distance from the local ID and expands outward. All buckets below that
// index share one distance band relative to the target, so they are taken
// together before moving up; each higher bucket is a band of its own.
func (rt *RoutingTable) FindClosest(target ID, n int) []Contact {
	if n <= 0 {
		return nil
	}

	var candidates []Contact
	collect := func(i int) {
		candidates = append(candidates, rt.buckets[i].closest(target, n)...)
	}

	start := rt.BucketIndexOf(target)
	if start >= 0 {
		collect(start)
		if len(candidates) < n {
			for i := start - 1; i >= 0; i-- {
				collect(i)
			}
		}
	}
	for i := start + 1; i < len(rt.buckets) && len(candidates) < n; i++ {
		collect(i)
	}

	if len(candidates) == 0 {
		return nil
	}

	sortByDistance(candidates, target)
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

// Contacts returns every contact in the table.
func (rt *RoutingTable) Contacts() []Contact {
	var out []Contact
	for _, b := range rt.buckets {
		out = append(out, b.all()...)
	}
	return out
}

// Bucket returns a copy of bucket i, least recently seen first.
func (rt *RoutingTable) Bucket(i int) []Contact {
	if i < 0 || i >= len(rt.buckets) {
		return nil
	}
	return rt.buckets[i].all()
}

// Len returns the number of contacts in the table.
func (rt *RoutingTable) Len() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.len()
	}
	return total
}

// NumBuckets returns the number of buckets (the identifier width).
func (rt *RoutingTable) NumBuckets() int {
	return len(rt.buckets)
}
