package p2p

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// DefaultDialTimeout bounds how long Dial waits for a TCP connection.
const DefaultDialTimeout = 3 * time.Second

// TCPPeer is a concrete implementation of Peer over a net.Conn (TCP or TLS).
type TCPPeer struct {
	conn     net.Conn
	outbound bool

	// sendMu serializes frames written by concurrent requests.
	sendMu sync.Mutex
}

// NewTCPPeer constructs a TCPPeer from a net.Conn and outbound flag.
func NewTCPPeer(conn net.Conn, outbound bool) *TCPPeer {
	return &TCPPeer{
		conn:     conn,
		outbound: outbound,
	}
}

// Addr returns the remote address as a string, e.g. "127.0.0.1:9000".
func (p *TCPPeer) Addr() string {
	return p.conn.RemoteAddr().String()
}

// Send writes raw bytes to the underlying connection.
func (p *TCPPeer) Send(b []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

func (p *TCPPeer) encode(enc Encoder, rpc *RPC) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return enc.Encode(p.conn, rpc)
}

// Close closes the connection.
func (p *TCPPeer) Close() error {
	return p.conn.Close()
}

// Outbound indicates whether we dialed this peer (true) or accepted it (false).
func (p *TCPPeer) Outbound() bool {
	return p.outbound
}

// TCPTransportOpts holds configuration for TCPTransport.
type TCPTransportOpts struct {
	ListenAddr    string        // e.g. "127.0.0.1:9000" or ":0" for random free port
	HandshakeFunc HandshakeFunc // optional handshake callback
	Decoder       Decoder       // how to decode incoming RPCs
	Encoder       Encoder       // how to encode outgoing RPCs
	OnPeer        func(Peer) error
	DialTimeout   time.Duration // defaults to DefaultDialTimeout

	// Optional TLS configuration.
	// If non-nil, Dial() uses tls.Dial, and inbound conns are wrapped with tls.Server.
	TLSConfig *tls.Config
}

// TCPTransport is a concrete Transport implementation using TCP (and optional TLS).
type TCPTransport struct {
	TCPTransportOpts              // embed options for direct field access
	listener         net.Listener // TCP listener
	rpcCh            chan RPC     // channel for incoming RPCs
	done             chan struct{}
	closeOnce        sync.Once

	// Outbound peers are keyed by the address we dialed, inbound peers by
	// their remote address.
	peers   map[string]*TCPPeer
	peersMu sync.RWMutex
}

// NewTCPTransport creates a new TCPTransport with the given options.
func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &TCPTransport{
		TCPTransportOpts: opts,
		rpcCh:            make(chan RPC, 1024),
		done:             make(chan struct{}),
		peers:            make(map[string]*TCPPeer),
	}
}

// Addr returns the transport's listening address.
//
// If ListenAddr was ":0", after ListenAndAccept() this will be updated to
// the actual address chosen by the OS (e.g. "127.0.0.1:54321").
func (t *TCPTransport) Addr() string {
	return t.ListenAddr
}

// Consume returns a receive-only channel of incoming RPCs.
func (t *TCPTransport) Consume() <-chan RPC {
	return t.rpcCh
}

// Close stops the listener and closes every peer connection.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			err = t.listener.Close()
		}

		t.peersMu.Lock()
		for addr, p := range t.peers {
			_ = p.Close()
			delete(t.peers, addr)
		}
		t.peersMu.Unlock()
	})
	return err
}

// ListenAndAccept starts listening on the configured address and launches
// the accept loop in a background goroutine.
func (t *TCPTransport) ListenAndAccept() error {
	var err error

	t.listener, err = net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return err
	}

	// If ListenAddr was ":0", update it to the actual address selected.
	t.ListenAddr = t.listener.Addr().String()

	go t.startAcceptLoop()

	log.Printf("[p2p] TCP transport listening on %s\n", t.ListenAddr)
	return nil
}

// Dial connects to a remote address. The peer is registered under addr
// before Dial returns, so a following Send reuses the connection.
func (t *TCPTransport) Dial(addr string) error {
	_, err := t.dial(addr)
	return err
}

func (t *TCPTransport) dial(addr string) (*TCPPeer, error) {
	dialer := &net.Dialer{Timeout: t.DialTimeout}

	var conn net.Conn
	var err error
	if t.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, t.TLSConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	peer := NewTCPPeer(conn, true)
	if err := t.setup(peer); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.peersMu.Lock()
	if old, ok := t.peers[addr]; ok {
		// Lost a dial race; keep the registered connection.
		t.peersMu.Unlock()
		_ = conn.Close()
		return old, nil
	}
	t.peers[addr] = peer
	t.peersMu.Unlock()

	go t.readLoop(addr, peer)
	return peer, nil
}

// Send encodes and sends an RPC to the peer at the given address.
// If there is no existing connection, it dials first.
func (t *TCPTransport) Send(addr string, rpc RPC) error {
	if t.Encoder == nil {
		return fmt.Errorf("no encoder configured")
	}
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}

	t.peersMu.RLock()
	peer, ok := t.peers[addr]
	t.peersMu.RUnlock()

	if !ok {
		var err error
		if peer, err = t.dial(addr); err != nil {
			return fmt.Errorf("could not connect to %s: %w", addr, err)
		}
	}

	return peer.encode(t.Encoder, &rpc)
}

// startAcceptLoop continuously accepts new connections until the listener is closed.
func (t *TCPTransport) startAcceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("[p2p] TCP accept error: %s\n", err)
			continue
		}

		// Wrap inbound connection with TLS if configured.
		if t.TLSConfig != nil {
			tlsConn := tls.Server(conn, t.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				log.Printf("[p2p] TLS handshake error: %v\n", err)
				_ = conn.Close()
				continue
			}
			conn = tlsConn
		}

		go t.handleConn(conn)
	}
}

// handleConn registers an inbound connection and enters its read loop.
func (t *TCPTransport) handleConn(conn net.Conn) {
	peer := NewTCPPeer(conn, false)
	if err := t.setup(peer); err != nil {
		log.Printf("[p2p] dropping peer %s due to error: %v\n", peer.Addr(), err)
		_ = peer.Close()
		return
	}

	key := peer.Addr()
	t.peersMu.Lock()
	t.peers[key] = peer
	t.peersMu.Unlock()

	t.readLoop(key, peer)
}

// setup runs the handshake and OnPeer callbacks.
func (t *TCPTransport) setup(peer *TCPPeer) error {
	if t.HandshakeFunc != nil {
		if err := t.HandshakeFunc(peer); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}
	if t.OnPeer != nil {
		if err := t.OnPeer(peer); err != nil {
			return fmt.Errorf("on peer: %w", err)
		}
	}
	return nil
}

// readLoop decodes RPCs from peer until the connection breaks, tagging
// each with key so replies can be routed back over the same connection.
func (t *TCPTransport) readLoop(key string, peer *TCPPeer) {
	var err error

	defer func() {
		t.peersMu.Lock()
		if t.peers[key] == peer {
			delete(t.peers, key)
		}
		t.peersMu.Unlock()

		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[p2p] dropping peer %s: %v\n", key, err)
		}
		_ = peer.Close()
	}()

	if t.Decoder == nil {
		err = fmt.Errorf("no decoder configured")
		return
	}

	for {
		rpc := RPC{}
		if err = t.Decoder.Decode(peer.conn, &rpc); err != nil {
			return
		}
		rpc.From = key

		select {
		case t.rpcCh <- rpc:
		case <-t.done:
			return
		}
	}
}
