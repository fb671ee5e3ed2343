package dht

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Network is an in-memory DHT network. It owns the set of active nodes
// and delivers requests between them by direct method calls, so tests and
// demos can run many nodes in one process without sockets.
//
// Nodes can be marked down or slowed down to exercise timeouts.
type Network struct {
	cfg Config

	mu      sync.RWMutex
	nodes   map[string]*Node
	down    map[string]bool
	latency map[string]time.Duration
}

// NewNetwork creates an empty in-memory network whose nodes share cfg.
func NewNetwork(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("NewNetwork: %w", err)
	}
	return &Network{
		cfg:     cfg,
		nodes:   make(map[string]*Node),
		down:    make(map[string]bool),
		latency: make(map[string]time.Duration),
	}, nil
}

// CreateNode adds a node with a fresh random ID.
func (nw *Network) CreateNode() (*Node, error) {
	id, err := NewRandomIDBits(nw.cfg.IDBits)
	if err != nil {
		return nil, fmt.Errorf("CreateNode: %w", err)
	}
	return nw.AddNode(id)
}

// AddNode adds a node with the given ID. Its address is derived from the ID.
func (nw *Network) AddNode(id ID) (*Node, error) {
	addr := "mem://" + id.String()

	n, err := NewNode(NodeOpts{
		ID:        id,
		Address:   addr,
		Config:    nw.cfg,
		Transport: &memTransport{network: nw, self: Contact{ID: id, Address: addr}},
	})
	if err != nil {
		return nil, fmt.Errorf("AddNode: %w", err)
	}

	nw.mu.Lock()
	defer nw.mu.Unlock()

	if _, ok := nw.nodes[addr]; ok {
		return nil, fmt.Errorf("AddNode: node %s already in network", id)
	}
	nw.nodes[addr] = n
	return n, nil
}

// Node returns the node listening on addr.
func (nw *Network) Node(addr string) (*Node, bool) {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	n, ok := nw.nodes[addr]
	return n, ok
}

// Nodes returns every node, ordered by ID.
func (nw *Network) Nodes() []*Node {
	nw.mu.RLock()
	out := make([]*Node, 0, len(nw.nodes))
	for _, n := range nw.nodes {
		out = append(out, n)
	}
	nw.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return out
}

// Remove takes a node out of the network for good.
func (nw *Network) Remove(addr string) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.nodes, addr)
	delete(nw.down, addr)
	delete(nw.latency, addr)
}

// SetDown makes every request to addr fail (or succeed again).
func (nw *Network) SetDown(addr string, down bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.down[addr] = down
}

// SetLatency delays every request delivered to addr by d.
func (nw *Network) SetLatency(addr string, d time.Duration) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.latency[addr] = d
}

// memTransport is the Transport of one node in a Network.
type memTransport struct {
	network *Network
	self    Contact
}

func (t *memTransport) deliver(ctx context.Context, to Contact) (*Node, error) {
	t.network.mu.RLock()
	n, ok := t.network.nodes[to.Address]
	down := t.network.down[to.Address]
	delay := t.network.latency[to.Address]
	t.network.mu.RUnlock()

	if !ok || down {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, to.Address)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, to.Address, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, to.Address, err)
	}
	if !n.ID().Equals(to.ID) {
		log.Printf("[dht] memnet: %s answered as %s, expected %s\n", to.Address, n.ID(), to.ID)
		return nil, fmt.Errorf("%w: %s has a different id", ErrNodeUnreachable, to.Address)
	}
	return n, nil
}

func (t *memTransport) Ping(ctx context.Context, to Contact) error {
	n, err := t.deliver(ctx, to)
	if err != nil {
		return err
	}
	return n.HandlePing(t.self)
}

func (t *memTransport) FindNode(ctx context.Context, to Contact, target ID) ([]Contact, error) {
	n, err := t.deliver(ctx, to)
	if err != nil {
		return nil, err
	}
	return n.HandleFindNode(t.self, target)
}

func (t *memTransport) FindValue(ctx context.Context, to Contact, key ID) (FindValueResult, error) {
	n, err := t.deliver(ctx, to)
	if err != nil {
		return FindValueResult{}, err
	}
	return n.HandleFindValue(t.self, key)
}

func (t *memTransport) Store(ctx context.Context, to Contact, key ID, value []byte) error {
	n, err := t.deliver(ctx, to)
	if err != nil {
		return err
	}
	return n.HandleStore(t.self, key, value)
}
