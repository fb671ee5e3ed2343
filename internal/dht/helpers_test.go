package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// findContactInRT searches the routing table for a contact with the given ID.
// Returns a pointer to the Contact if found, or nil otherwise.
func findContactInRT(rt *RoutingTable, id ID) *Contact {
	for _, c := range rt.Contacts() {
		if c.ID.Equals(id) {
			c := c
			return &c
		}
	}
	return nil
}

// smallConfig is an 8-bit identifier space with short timeouts.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.IDBits = 8
	cfg.QueryTimeout = 200 * time.Millisecond
	return cfg
}

func id8(v byte) ID {
	return IDFromUint64(uint64(v))
}

func newTestNetwork(t *testing.T, cfg Config) *Network {
	t.Helper()
	nw, err := NewNetwork(cfg)
	require.NoError(t, err)
	return nw
}

func addNode(t *testing.T, nw *Network, id ID) *Node {
	t.Helper()
	n, err := nw.AddNode(id)
	require.NoError(t, err)
	return n
}

// fullMesh makes every node observe every other node.
func fullMesh(t *testing.T, nodes []*Node) {
	t.Helper()
	for _, a := range nodes {
		for _, b := range nodes {
			require.NoError(t, a.Observe(b.Contact()))
		}
	}
}
