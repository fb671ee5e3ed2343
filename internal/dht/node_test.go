package dht

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/kaddht/internal/storage"
)

func TestNewNode_Validation(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	tr := &memTransport{network: nw}

	_, err := NewNode(NodeOpts{ID: id8(1), Config: smallConfig()})
	assert.Error(t, err, "transport is required")

	_, err = NewNode(NodeOpts{ID: IDFromUint64(0x100), Config: smallConfig(), Transport: tr})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	bad := smallConfig()
	bad.Alpha = 0
	_, err = NewNode(NodeOpts{ID: id8(1), Config: bad, Transport: tr})
	assert.Error(t, err)
}

// A lookup with an empty routing table yields an empty shortlist, not an error.
func TestNode_LookupWithEmptyTable(t *testing.T) {
	nw := newTestNetwork(t, DefaultConfig())
	n, err := nw.CreateNode()
	require.NoError(t, err)

	contacts, err := n.Lookup(context.Background(), MustRandomID())
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestNode_LookupRejectsWideTarget(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	n := addNode(t, nw, id8(1))

	_, err := n.Lookup(context.Background(), IDFromUint64(0x1000))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = n.Get(context.Background(), IDFromUint64(0x1000))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	assert.ErrorIs(t, n.Store(context.Background(), IDFromUint64(0x1000), []byte("x")), ErrInvalidIdentifier)
}

// 8-bit space, five nodes bootstrapped pairwise in a chain: a value stored
// from A is readable from E.
func TestNode_ChainScenario(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	ctx := context.Background()

	ids := []byte{0x01, 0x02, 0x04, 0x08, 0x10}
	nodes := make([]*Node, len(ids))
	for i, v := range ids {
		nodes[i] = addNode(t, nw, id8(v))
	}
	for i := 1; i < len(nodes); i++ {
		require.NoError(t, nodes[i].Bootstrap(ctx, nodes[i-1].Contact()))
	}

	a, e := nodes[0], nodes[4]
	key := id8(0xC3)
	value := []byte("stored from A")

	require.NoError(t, a.Store(ctx, key, value))

	got, err := e.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestNode_BootstrapPopulatesBothSides(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	ctx := context.Background()

	a := addNode(t, nw, id8(0x01))
	b := addNode(t, nw, id8(0x02))
	c := addNode(t, nw, id8(0x04))

	require.NoError(t, b.Bootstrap(ctx, a.Contact()))
	require.NoError(t, c.Bootstrap(ctx, b.Contact()))

	assert.NotNil(t, findContactInRT(a.RoutingTable(), b.ID()))
	assert.NotNil(t, findContactInRT(a.RoutingTable(), c.ID()), "A learns about C through C's lookup")
	assert.NotNil(t, findContactInRT(c.RoutingTable(), a.ID()), "C learns about A from B")

	assert.Error(t, a.Bootstrap(ctx, a.Contact()), "cannot bootstrap from self")
}

func TestNode_StoreGetRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 500 * time.Millisecond
	nw := newTestNetwork(t, cfg)
	ctx := context.Background()

	var nodes []*Node
	for i := 0; i < 12; i++ {
		n, err := nw.CreateNode()
		require.NoError(t, err)
		if i > 0 {
			require.NoError(t, n.Bootstrap(ctx, nodes[0].Contact()))
		}
		nodes = append(nodes, n)
	}

	// The bootstrap node has seen every other node, so its replica set
	// covers the whole network.
	key := nodes[0].KeyFor("greeting")
	value := []byte("hello, kademlia")
	require.NoError(t, nodes[0].Store(ctx, key, value))

	for _, n := range nodes {
		got, err := n.Get(ctx, key)
		require.NoError(t, err, "get from %s", n.ID())
		assert.Equal(t, value, got)
	}

	// A node joining after the store finds the value over the network.
	late, err := nw.CreateNode()
	require.NoError(t, err)
	require.NoError(t, late.Bootstrap(ctx, nodes[5].Contact()))

	_, err = late.ValueStore().Get(key.String())
	require.ErrorIs(t, err, fs.ErrNotExist)

	got, err := late.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestNode_GetMissingKeyTerminates(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var nodes []*Node
	for v := 1; v <= 6; v++ {
		nodes = append(nodes, addNode(t, nw, id8(byte(v*17))))
	}
	fullMesh(t, nodes)

	_, err := nodes[0].Get(ctx, id8(0x42))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, ctx.Err(), "lookup must terminate on its own")
}

func TestNode_GetOnLoneNode(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	n := addNode(t, nw, id8(9))

	_, err := n.Get(context.Background(), id8(10))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Store on a lone node keeps the only replica locally.
	require.NoError(t, n.Store(context.Background(), id8(10), []byte("v")))
	got, err := n.Get(context.Background(), id8(10))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestNode_StoreSurvivesDownNodes(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	ctx := context.Background()

	var nodes []*Node
	for v := 1; v <= 8; v++ {
		nodes = append(nodes, addNode(t, nw, id8(byte(v*29))))
	}
	fullMesh(t, nodes)

	nw.SetDown(nodes[1].Contact().Address, true)
	nw.SetDown(nodes[2].Contact().Address, true)

	key := id8(0x77)
	require.NoError(t, nodes[0].Store(ctx, key, []byte("resilient")))

	for _, n := range nodes[3:] {
		got, err := n.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("resilient"), got)
	}

	_, err := nodes[1].ValueStore().Get(key.String())
	assert.ErrorIs(t, err, fs.ErrNotExist, "down nodes receive nothing")
}

func TestNode_HandleFindValue(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	a := addNode(t, nw, id8(1))
	b := addNode(t, nw, id8(2))
	c := addNode(t, nw, id8(3))
	require.NoError(t, a.Observe(c.Contact()))

	res, err := a.HandleFindValue(b.Contact(), id8(9))
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Len(t, res.Contacts, 2, "C plus the sender B")
	assert.NotNil(t, findContactInRT(a.RoutingTable(), b.ID()), "sender is observed")

	require.NoError(t, a.HandleStore(b.Contact(), id8(9), []byte("nine")))
	res, err = a.HandleFindValue(b.Contact(), id8(9))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []byte("nine"), res.Value)
	assert.Empty(t, res.Contacts)
}

func TestNode_HandlersRejectInvalidSender(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	a := addNode(t, nw, id8(1))
	bogus := Contact{ID: IDFromUint64(0x1234), Address: "bogus"}

	assert.ErrorIs(t, a.HandlePing(bogus), ErrInvalidIdentifier)
	_, err := a.HandleFindNode(bogus, id8(2))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.ErrorIs(t, a.HandleStore(bogus, id8(2), []byte("x")), ErrInvalidIdentifier)
}

func TestNode_UsesProvidedStore(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	nw := newTestNetwork(t, smallConfig())
	n, err := NewNode(NodeOpts{
		ID:        id8(5),
		Address:   "fs-node",
		Config:    smallConfig(),
		Transport: &memTransport{network: nw, self: Contact{ID: id8(5), Address: "fs-node"}},
		Store:     store,
	})
	require.NoError(t, err)

	require.NoError(t, n.Store(context.Background(), id8(6), []byte("on disk")))
	got, err := store.Get(id8(6).String())
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)
}

func TestNode_ConcurrentStoresAndGets(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())
	ctx := context.Background()

	var nodes []*Node
	for v := 1; v <= 10; v++ {
		nodes = append(nodes, addNode(t, nw, id8(byte(v*23))))
	}
	fullMesh(t, nodes)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := nodes[i%len(nodes)]
			key := id8(byte(3 + i*11))
			if err := n.Store(ctx, key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
				errs <- err
				return
			}
			other := nodes[(i+5)%len(nodes)]
			got, err := other.Get(ctx, key)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != fmt.Sprintf("value-%d", i) {
				errs <- fmt.Errorf("key %s: got %q, want value-%d", key, got, i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNode_GetSkipsPastRoundOfDownNodes(t *testing.T) {
	nw := newTestNetwork(t, smallConfig())

	x := addNode(t, nw, id8(0x01))
	var down []*Node
	for _, v := range []byte{0x81, 0x82, 0x83} {
		down = append(down, addNode(t, nw, id8(v)))
	}
	holder := addNode(t, nw, id8(0x90))
	require.NoError(t, holder.ValueStore().Put(id8(0x80).String(), []byte("behind the outage")))

	for _, n := range append(down, holder) {
		require.NoError(t, x.Observe(n.Contact()))
	}
	for _, n := range down {
		nw.SetDown(n.Contact().Address, true)
	}

	// The three closest contacts fill the first round and all fail.
	got, err := x.Get(context.Background(), id8(0x80))
	require.NoError(t, err)
	assert.Equal(t, []byte("behind the outage"), got)
}
