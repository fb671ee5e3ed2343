package p2p

import (
	"net"
)

// Peer represents a remote node in our P2P network.
// It is an interface so the DHT can run over TCP, TLS or a mock in tests.
type Peer interface {
	// Addr returns the remote peer's network address as a string,
	// e.g. "127.0.0.1:9000".
	Addr() string

	// Send writes raw bytes to this peer.
	Send([]byte) error

	// Close closes the connection to this peer.
	Close() error

	// Outbound tells us whether this peer was:
	// - true: we dialed out to them
	// - false: we accepted their incoming connection
	Outbound() bool
}

// Transport defines the behavior any network transport must implement.
// The DHT service interacts with this interface, not with concrete TCP types.
type Transport interface {
	// Addr returns the local address this transport is bound to, e.g. "127.0.0.1:9000".
	Addr() string

	// ListenAndAccept starts listening on Addr() and accepting connections.
	// It returns quickly, with the accept loop running in a goroutine.
	ListenAndAccept() error

	// Dial connects to a remote address and sets up a Peer.
	Dial(addr string) error

	// Consume returns a receive-only channel of RPC messages.
	Consume() <-chan RPC

	// Send sends an RPC message to the given address, dialing if needed.
	Send(addr string, rpc RPC) error

	// Close shuts down the listener and every open connection.
	Close() error
}

// RPC is one envelope over the wire.
type RPC struct {
	// From is filled in by the Transport on receipt: the key of the
	// connection the RPC arrived on. Replies sent to From reuse it.
	From string `msgpack:"-"`

	// Payload is the raw message body; the DHT decides its structure.
	Payload []byte `msgpack:"payload"`
}

// Decoder reads from a net.Conn and decodes a single RPC message from it.
// It is responsible for framing and deserialization.
type Decoder interface {
	Decode(conn net.Conn, rpc *RPC) error
}

// Encoder is the dual of Decoder.
type Encoder interface {
	Encode(conn net.Conn, rpc *RPC) error
}

// HandshakeFunc runs right after a connection is established, before any
// RPC is read. Returning an error drops the connection.
type HandshakeFunc func(Peer) error
