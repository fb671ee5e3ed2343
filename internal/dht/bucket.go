package dht

import (
	"sync"
	"time"
)

type insertResult int

const (
	inserted insertResult = iota
	refreshed
	bucketFull
)

// bucket holds up to k contacts ordered by recency: least recently seen
// at the front, most recently seen at the back. Each bucket carries its
// own lock; it is the unit of mutual exclusion in the routing table.
type bucket struct {
	mu       sync.Mutex
	k        int
	contacts []Contact
}

func newBucket(k int) *bucket {
	return &bucket{k: k, contacts: make([]Contact, 0, k)}
}

// insert adds c or refreshes it. An existing contact moves to the back
// and takes the new address. A full bucket drops the newcomer.
func (b *bucket) insert(c Contact) insertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	c.LastSeen = time.Now()

	if i := b.indexOf(c.ID); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		b.contacts = append(b.contacts, c)
		return refreshed
	}
	if len(b.contacts) >= b.k {
		return bucketFull
	}
	b.contacts = append(b.contacts, c)
	return inserted
}

// oldest returns the least recently seen contact.
func (b *bucket) oldest() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	return b.contacts[0], true
}

// replace evicts stale and appends c, but only while stale is still the
// least recently seen entry. Someone may have refreshed it meanwhile.
func (b *bucket) replace(stale ID, c Contact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.contacts) == 0 || !b.contacts[0].ID.Equals(stale) {
		return false
	}
	if b.indexOf(c.ID) >= 0 {
		return false
	}
	c.LastSeen = time.Now()
	b.contacts = append(b.contacts[1:], c)
	return true
}

// closest returns up to n contacts ordered by distance to target.
func (b *bucket) closest(target ID, n int) []Contact {
	out := b.all()
	sortByDistance(out, target)
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// all returns a copy of all contacts in this bucket, oldest first.
func (b *bucket) all() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// indexOf must be called with b.mu held.
func (b *bucket) indexOf(id ID) int {
	for i, c := range b.contacts {
		if c.ID.Equals(id) {
			return i
		}
	}
	return -1
}
