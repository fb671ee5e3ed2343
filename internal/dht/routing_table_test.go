package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTable_ObservePlacesContactInItsBucket(t *testing.T) {
	self := MustRandomID()
	// Large enough that no bucket fills up: about half the contacts share bucket 159.
	rt := NewRoutingTable(self, 64, IDBits)

	for i := 0; i < 50; i++ {
		other := MustRandomID()
		require.NoError(t, rt.Observe(Contact{ID: other, Address: fmt.Sprintf("127.0.0.1:%d", 9000+i)}))

		idx := BucketIndex(self, other)
		found := false
		for _, c := range rt.Bucket(idx) {
			if c.ID.Equals(other) {
				found = true
			}
		}
		assert.True(t, found, "contact %s not in bucket %d", other, idx)
	}
}

func TestRoutingTable_DoesNotStoreSelf(t *testing.T) {
	self := MustRandomID()
	rt := NewRoutingTable(self, K, IDBits)

	require.NoError(t, rt.Observe(Contact{ID: self, Address: "127.0.0.1:9000"}))
	assert.Equal(t, 0, rt.Len(), "routing table should not store self")
}

func TestRoutingTable_RejectsIDOutsideWidth(t *testing.T) {
	rt := NewRoutingTable(id8(1), K, 8)

	err := rt.Observe(Contact{ID: IDFromUint64(0x1FF), Address: "x"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.Equal(t, 0, rt.Len())
}

func TestRoutingTable_BucketCapacityAndRecency(t *testing.T) {
	self := id8(0x00)
	rt := NewRoutingTable(self, 4, 8)

	// 0x80..0xFF all land in bucket 7.
	for v := 0x80; v < 0x90; v++ {
		require.NoError(t, rt.Observe(contactN(byte(v))))
	}
	b := rt.Bucket(7)
	require.Len(t, b, 4, "bucket should not exceed capacity")

	oldest := b[0]
	require.NoError(t, rt.Observe(oldest))

	b = rt.Bucket(7)
	require.Len(t, b, 4)
	assert.True(t, b[len(b)-1].ID.Equals(oldest.ID), "re-observed contact should move to the back")
}

func TestRoutingTable_FindClosestSortedAndUnique(t *testing.T) {
	self := MustRandomID()
	rt := NewRoutingTable(self, K, IDBits)

	for i := 0; i < 200; i++ {
		require.NoError(t, rt.Observe(Contact{ID: MustRandomID(), Address: fmt.Sprintf("n%d", i)}))
	}

	for i := 0; i < 20; i++ {
		target := MustRandomID()
		closest := rt.FindClosest(target, 10)
		require.Len(t, closest, 10)

		seen := make(map[ID]bool)
		for j, c := range closest {
			assert.False(t, seen[c.ID], "duplicate contact %s", c.ID)
			seen[c.ID] = true
			if j > 0 {
				prev := Distance(target, closest[j-1].ID)
				assert.True(t, prev.Less(Distance(target, c.ID)), "not strictly ascending")
			}
		}
	}
}

// With every 8-bit ID known, FindClosest must agree with a brute-force
// sort of the whole table for every target.
func TestRoutingTable_FindClosestMatchesBruteForce(t *testing.T) {
	self := id8(0x5A)
	rt := NewRoutingTable(self, 128, 8)

	var all []Contact
	for v := 0; v < 256; v++ {
		c := contactN(byte(v))
		if c.ID.Equals(self) {
			continue
		}
		require.NoError(t, rt.Observe(c))
		all = append(all, c)
	}
	require.Equal(t, 255, rt.Len())

	for tv := 0; tv < 256; tv++ {
		target := id8(byte(tv))

		want := make([]Contact, len(all))
		copy(want, all)
		sort.Slice(want, func(i, j int) bool {
			return Distance(target, want[i].ID).Less(Distance(target, want[j].ID))
		})

		for _, n := range []int{1, 3, 20} {
			got := rt.FindClosest(target, n)
			require.Len(t, got, n)
			for i := range got {
				require.Equal(t, want[i].ID, got[i].ID, "target=%s n=%d i=%d", target, n, i)
			}
		}
	}
}

func TestRoutingTable_FindClosestFewerThanN(t *testing.T) {
	rt := NewRoutingTable(id8(0), K, 8)
	assert.Empty(t, rt.FindClosest(id8(7), 5))

	require.NoError(t, rt.Observe(contactN(1)))
	require.NoError(t, rt.Observe(contactN(200)))

	got := rt.FindClosest(id8(7), 5)
	require.Len(t, got, 2)
	assert.Equal(t, id8(1), got[0].ID)
	assert.Equal(t, id8(200), got[1].ID)
}

func TestRoutingTable_ConcurrentObserve(t *testing.T) {
	self := id8(0)
	rt := NewRoutingTable(self, 8, 8)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := 1; v < 256; v++ {
				_ = rt.Observe(contactN(byte(v)))
				_ = rt.FindClosest(id8(byte(v)), 4)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < rt.NumBuckets(); i++ {
		b := rt.Bucket(i)
		assert.LessOrEqual(t, len(b), 8)
		seen := make(map[ID]bool)
		for _, c := range b {
			assert.False(t, seen[c.ID], "duplicate in bucket %d", i)
			seen[c.ID] = true
			assert.Equal(t, i, BucketIndex(self, c.ID))
		}
	}
}

func TestRoutingTable_PingEvictsUnresponsive(t *testing.T) {
	rt := NewRoutingTable(id8(0), 2, 8)

	alive := map[ID]bool{id8(0x80): false, id8(0x81): true}
	rt.SetPinger(func(ctx context.Context, c Contact) error {
		if alive[c.ID] {
			return nil
		}
		return errors.New("no answer")
	}, 50*time.Millisecond)

	require.NoError(t, rt.Observe(contactN(0x80)))
	require.NoError(t, rt.Observe(contactN(0x81)))

	// 0x80 is oldest and dead: it is replaced.
	require.NoError(t, rt.Observe(contactN(0x82)))
	b := rt.Bucket(7)
	require.Len(t, b, 2)
	assert.Equal(t, id8(0x81), b[0].ID)
	assert.Equal(t, id8(0x82), b[1].ID)

	// 0x81 is oldest and alive: the newcomer is dropped and 0x81 refreshed.
	alive[id8(0x82)] = true
	require.NoError(t, rt.Observe(contactN(0x83)))
	b = rt.Bucket(7)
	require.Len(t, b, 2)
	assert.Equal(t, id8(0x82), b[0].ID)
	assert.Equal(t, id8(0x81), b[1].ID)
}
