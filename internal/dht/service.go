package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kunal-geeks/kaddht/internal/p2p"
	"github.com/kunal-geeks/kaddht/internal/storage"
)

// Service ties together a DHT Node and a p2p.Transport.
// It implements Transport for the Node by sending request messages and
// matching responses by RequestID, and it answers incoming requests by
// dispatching them to the Node.
type Service struct {
	node      *Node
	transport p2p.Transport

	mu      sync.Mutex
	pending map[string]chan *Message

	done      chan struct{}
	closeOnce sync.Once
}

// ServiceOpts configures a DHT Service.
type ServiceOpts struct {
	ID        ID
	Transport p2p.Transport      // must already be listening
	Store     storage.ValueStore // optional, defaults to an in-memory store
	Config    Config
}

// NewService creates a new DHT Service and starts its read loop in a goroutine.
// The node advertises the transport's listening address.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("NewService: no transport configured")
	}

	s := &Service{
		transport: opts.Transport,
		pending:   make(map[string]chan *Message),
		done:      make(chan struct{}),
	}

	n, err := NewNode(NodeOpts{
		ID:        opts.ID,
		Address:   opts.Transport.Addr(),
		Config:    opts.Config,
		Transport: s,
		Store:     opts.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("NewService: %w", err)
	}
	s.node = n

	go s.readLoop()
	return s, nil
}

// Node returns the underlying DHT Node.
func (s *Service) Node() *Node {
	return s.node
}

// Close stops the read loop and shuts the transport down.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.transport.Close()
	})
	return err
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func (s *Service) registerPending(reqID string) chan *Message {
	ch := make(chan *Message, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[reqID] = ch
	return ch
}

func (s *Service) takePending(reqID string) chan *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	return ch
}

// roundTrip sends msg to addr and waits for the matching response. Every
// failure to obtain a response is reported as ErrNodeUnreachable; an
// error carried in the response is returned as is.
func (s *Service) roundTrip(ctx context.Context, addr string, expect ID, msg *Message) (*Message, error) {
	msg.From = s.node.ID()
	msg.NodeAddr = s.transport.Addr()
	msg.RequestID = newRequestID()
	msg.Timestamp = time.Now().Unix()

	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	respCh := s.registerPending(msg.RequestID)

	if err := s.transport.Send(addr, p2p.RPC{Payload: payload}); err != nil {
		s.takePending(msg.RequestID)
		return nil, fmt.Errorf("%w: %s: send: %v", ErrNodeUnreachable, addr, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s to %s: remote error: %s", msg.Type, addr, resp.Error)
		}
		if !expect.IsZero() && !resp.From.Equals(expect) {
			return nil, fmt.Errorf("%w: %s answered as %s, expected %s",
				ErrNodeUnreachable, addr, resp.From, expect)
		}
		return resp, nil

	case <-ctx.Done():
		s.takePending(msg.RequestID)
		return nil, fmt.Errorf("%w: %s: %s: %v", ErrNodeUnreachable, addr, msg.Type, ctx.Err())

	case <-s.done:
		return nil, fmt.Errorf("%w: %s: service closed", ErrNodeUnreachable, addr)
	}
}

// Ping implements Transport.
func (s *Service) Ping(ctx context.Context, to Contact) error {
	_, err := s.roundTrip(ctx, to.Address, to.ID, &Message{Type: MsgPing})
	return err
}

// FindNode implements Transport.
func (s *Service) FindNode(ctx context.Context, to Contact, target ID) ([]Contact, error) {
	resp, err := s.roundTrip(ctx, to.Address, to.ID, &Message{Type: MsgFindNode, Target: &target})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// FindValue implements Transport.
func (s *Service) FindValue(ctx context.Context, to Contact, key ID) (FindValueResult, error) {
	resp, err := s.roundTrip(ctx, to.Address, to.ID, &Message{Type: MsgFindValue, Key: &key})
	if err != nil {
		return FindValueResult{}, err
	}
	return FindValueResult{Value: resp.Value, Found: resp.Found, Contacts: resp.Nodes}, nil
}

// Store implements Transport.
func (s *Service) Store(ctx context.Context, to Contact, key ID, value []byte) error {
	_, err := s.roundTrip(ctx, to.Address, to.ID, &Message{Type: MsgStore, Key: &key, Value: value})
	return err
}

// Discover pings addr without knowing the ID behind it and returns the
// contact it answers with. The contact is recorded in the routing table.
func (s *Service) Discover(ctx context.Context, addr string) (Contact, error) {
	resp, err := s.roundTrip(ctx, addr, ID{}, &Message{Type: MsgPing})
	if err != nil {
		return Contact{}, fmt.Errorf("Discover: %w", err)
	}

	c := Contact{ID: resp.From, Address: addr, LastSeen: time.Now()}
	if resp.NodeAddr != "" {
		c.Address = resp.NodeAddr
	}
	if err := s.node.Observe(c); err != nil {
		return Contact{}, fmt.Errorf("Discover: %w", err)
	}
	return c, nil
}

// readLoop consumes RPCs from the transport. Responses are handed to the
// goroutine waiting on them; requests are answered concurrently so that a
// handler which itself waits on the network cannot block the loop.
func (s *Service) readLoop() {
	rpcs := s.transport.Consume()
	for {
		var rpc p2p.RPC
		select {
		case <-s.done:
			return
		case r, ok := <-rpcs:
			if !ok {
				return
			}
			rpc = r
		}

		msg, err := DecodeMessage(rpc.Payload)
		if err != nil {
			log.Printf("[dht] decode error from %s: %v\n", rpc.From, err)
			continue
		}

		if msg.Type.IsResponse() {
			if ch := s.takePending(msg.RequestID); ch != nil {
				ch <- msg
			} else {
				log.Printf("[dht] dropping late %s from %s\n", msg.Type, rpc.From)
			}
			continue
		}

		go s.handleRequest(rpc.From, msg)
	}
}

func (s *Service) handleRequest(connAddr string, msg *Message) {
	respType, ok := responseTo(msg.Type)
	if !ok {
		log.Printf("[dht] unknown message type %q from %s\n", msg.Type, connAddr)
		return
	}

	addr := connAddr
	if msg.NodeAddr != "" {
		addr = msg.NodeAddr
	}
	from := Contact{ID: msg.From, Address: addr, LastSeen: time.Now()}

	resp := &Message{
		Type:      respType,
		From:      s.node.ID(),
		NodeAddr:  s.transport.Addr(),
		RequestID: msg.RequestID,
		Timestamp: time.Now().Unix(),
	}

	if err := s.dispatch(from, msg, resp); err != nil {
		log.Printf("[dht] (%s) %s from %s failed: %v\n", s.node.ID(), msg.Type, addr, err)
		resp.Error = err.Error()
	}

	payload, err := resp.Encode()
	if err != nil {
		log.Printf("[dht] encode response error to %s: %v\n", connAddr, err)
		return
	}
	if err := s.transport.Send(connAddr, p2p.RPC{Payload: payload}); err != nil {
		log.Printf("[dht] send response error to %s: %v\n", connAddr, err)
	}
}

func (s *Service) dispatch(from Contact, msg, resp *Message) error {
	switch msg.Type {
	case MsgPing:
		return s.node.HandlePing(from)

	case MsgFindNode:
		if msg.Target == nil {
			return errors.New("FIND_NODE missing target")
		}
		nodes, err := s.node.HandleFindNode(from, *msg.Target)
		resp.Nodes = nodes
		return err

	case MsgFindValue:
		if msg.Key == nil {
			return errors.New("FIND_VALUE missing key")
		}
		res, err := s.node.HandleFindValue(from, *msg.Key)
		resp.Key = msg.Key
		resp.Value, resp.Found, resp.Nodes = res.Value, res.Found, res.Contacts
		return err

	case MsgStore:
		if msg.Key == nil {
			return errors.New("STORE missing key")
		}
		resp.Key = msg.Key
		return s.node.HandleStore(from, *msg.Key, msg.Value)
	}
	return fmt.Errorf("unhandled message type %q", msg.Type)
}
