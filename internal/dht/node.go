package dht

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kunal-geeks/kaddht/internal/storage"
)

// Node represents a DHT node:
// - has a local ID and advertised address
// - maintains a routing table
// - holds replicas of the values stored on it
// - talks to other nodes through a Transport
type Node struct {
	self      Contact
	cfg       Config
	rt        *RoutingTable
	store     storage.ValueStore
	transport Transport
}

// NodeOpts configures a Node.
type NodeOpts struct {
	ID        ID
	Address   string // advertised address, opaque to the DHT
	Config    Config
	Transport Transport
	Store     storage.ValueStore // optional, defaults to an in-memory store
}

// NewNode creates a DHT Node.
func NewNode(opts NodeOpts) (*Node, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("NewNode: %w", err)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("NewNode: no transport configured")
	}
	self, err := NewContact(opts.ID, opts.Address, opts.Config.IDBits)
	if err != nil {
		return nil, fmt.Errorf("NewNode: %w", err)
	}

	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}

	n := &Node{
		self:      self,
		cfg:       opts.Config,
		rt:        NewRoutingTable(self.ID, opts.Config.K, opts.Config.IDBits),
		store:     store,
		transport: opts.Transport,
	}
	if opts.Config.EvictUnresponsive {
		n.rt.SetPinger(n.transport.Ping, opts.Config.QueryTimeout)
	}
	return n, nil
}

// ID returns the node's ID.
func (n *Node) ID() ID {
	return n.self.ID
}

// Contact returns the node's own contact.
func (n *Node) Contact() Contact {
	return n.self
}

// Config returns the node's configuration.
func (n *Node) Config() Config {
	return n.cfg
}

// RoutingTable returns the node's routing table (for tests/inspection).
func (n *Node) RoutingTable() *RoutingTable {
	return n.rt
}

// ValueStore returns the node's local value store.
func (n *Node) ValueStore() storage.ValueStore {
	return n.store
}

// KeyFor maps an application key into this node's identifier space.
func (n *Node) KeyFor(name string) ID {
	return HashKey([]byte(name), n.cfg.IDBits)
}

// Observe adds or refreshes a contact in the routing table.
func (n *Node) Observe(c Contact) error {
	return n.rt.Observe(c)
}

func (n *Node) observe(c Contact) {
	if err := n.rt.Observe(c); err != nil {
		log.Printf("[dht] (%s) ignoring contact %s: %v\n", n.self.ID, c.Address, err)
	}
}

// Bootstrap seeds the routing table from one known contact: it observes
// the contact, then looks up the local ID so that the nodes nearest to us
// learn about us and we learn about them.
func (n *Node) Bootstrap(ctx context.Context, known Contact) error {
	if known.ID.Equals(n.self.ID) {
		return fmt.Errorf("Bootstrap: cannot bootstrap from self")
	}
	if err := n.rt.Observe(known); err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}

	contacts, err := n.Lookup(ctx, n.self.ID)
	if err != nil {
		return fmt.Errorf("Bootstrap: %w", err)
	}

	log.Printf("[dht] (%s) bootstrap via %s done: %d contacts found, %d in table\n",
		n.self.ID, known.Address, len(contacts), n.rt.Len())
	return nil
}

// Lookup performs an iterative FIND_NODE for target and returns up to K
// contacts closest to it, ascending by distance. An empty routing table
// yields an empty result, not an error.
func (n *Node) Lookup(ctx context.Context, target ID) ([]Contact, error) {
	if !target.Fits(n.cfg.IDBits) {
		return nil, fmt.Errorf("Lookup: %w: %s", ErrInvalidIdentifier, target)
	}
	res, err := n.newLookup(target, modeFindNode).run(ctx)
	if err != nil {
		return res.contacts, fmt.Errorf("Lookup: %w", err)
	}
	return res.contacts, nil
}

// Store replicates value under key on the K nodes closest to key. It is
// best-effort: failures to reach individual replicas are logged. The local
// node keeps a replica when it is itself among the K closest.
func (n *Node) Store(ctx context.Context, key ID, value []byte) error {
	if !key.Fits(n.cfg.IDBits) {
		return fmt.Errorf("Store: %w: %s", ErrInvalidIdentifier, key)
	}

	closest, err := n.Lookup(ctx, key)
	if err != nil {
		return fmt.Errorf("Store: %w", err)
	}

	storedLocally := false
	if n.isAmongClosest(key, closest) {
		if err := n.store.Put(key.String(), value); err != nil {
			return fmt.Errorf("Store: local put: %w", err)
		}
		storedLocally = true
	}

	var (
		wg       sync.WaitGroup
		replicas int32
	)
	sem := semaphore.NewWeighted(int64(n.cfg.Alpha))

	for _, c := range closest {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			defer sem.Release(1)

			qctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
			defer cancel()

			if err := n.transport.Store(qctx, c, key, value); err != nil {
				log.Printf("[dht] Store: STORE(%s) to %s failed: %v\n", key, c.Address, err)
				return
			}
			n.observe(c)
			atomic.AddInt32(&replicas, 1)
		}(c)
	}
	wg.Wait()

	log.Printf("[dht] Store: key %s replicated to %d/%d remote nodes (local=%v)\n",
		key, replicas, len(closest), storedLocally)

	if replicas == 0 && !storedLocally {
		return fmt.Errorf("Store: no replica accepted key %s", key)
	}
	return nil
}

// isAmongClosest reports whether the local node belongs to the K closest
// nodes to key given the lookup result.
func (n *Node) isAmongClosest(key ID, closest []Contact) bool {
	if len(closest) < n.cfg.K {
		return true
	}
	farthest := closest[len(closest)-1]
	return key.XOR(n.self.ID).Less(key.XOR(farthest.ID))
}

// Get returns the value stored under key. It checks the local store first
// and then runs an iterative FIND_VALUE. ErrKeyNotFound means the lookup
// terminated without any contact returning the value.
func (n *Node) Get(ctx context.Context, key ID) ([]byte, error) {
	if !key.Fits(n.cfg.IDBits) {
		return nil, fmt.Errorf("Get: %w: %s", ErrInvalidIdentifier, key)
	}

	if value, ok := n.localValue(key); ok {
		return value, nil
	}

	res, err := n.newLookup(key, modeFindValue).run(ctx)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if !res.found {
		return nil, fmt.Errorf("Get: %w: %s", ErrKeyNotFound, key)
	}
	return res.value, nil
}

func (n *Node) localValue(key ID) ([]byte, bool) {
	value, err := n.store.Get(key.String())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[dht] (%s) local store error for %s: %v\n", n.self.ID, key, err)
		}
		return nil, false
	}
	return value, true
}

// HandlePing answers a PING from a remote node.
func (n *Node) HandlePing(from Contact) error {
	return n.observeSender(from)
}

// HandleFindNode answers FIND_NODE(target) with the K closest contacts
// the local node knows.
func (n *Node) HandleFindNode(from Contact, target ID) ([]Contact, error) {
	if err := n.observeSender(from); err != nil {
		return nil, err
	}
	if !target.Fits(n.cfg.IDBits) {
		return nil, fmt.Errorf("HandleFindNode: %w: %s", ErrInvalidIdentifier, target)
	}
	return n.rt.FindClosest(target, n.cfg.K), nil
}

// HandleFindValue answers FIND_VALUE(key) with the value if it is held
// locally, else with the K closest contacts.
func (n *Node) HandleFindValue(from Contact, key ID) (FindValueResult, error) {
	if err := n.observeSender(from); err != nil {
		return FindValueResult{}, err
	}
	if !key.Fits(n.cfg.IDBits) {
		return FindValueResult{}, fmt.Errorf("HandleFindValue: %w: %s", ErrInvalidIdentifier, key)
	}
	if value, ok := n.localValue(key); ok {
		return FindValueResult{Value: value, Found: true}, nil
	}
	return FindValueResult{Contacts: n.rt.FindClosest(key, n.cfg.K)}, nil
}

// HandleStore keeps a replica of value under key.
func (n *Node) HandleStore(from Contact, key ID, value []byte) error {
	if err := n.observeSender(from); err != nil {
		return err
	}
	if !key.Fits(n.cfg.IDBits) {
		return fmt.Errorf("HandleStore: %w: %s", ErrInvalidIdentifier, key)
	}
	if err := n.store.Put(key.String(), value); err != nil {
		return fmt.Errorf("HandleStore: %w", err)
	}
	log.Printf("[dht] (%s) stored %d bytes under %s for %s\n", n.self.ID, len(value), key, from.Address)
	return nil
}

func (n *Node) observeSender(from Contact) error {
	if err := n.rt.Observe(from); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	return nil
}
