package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize defines an upper bound on a single RPC message size.
// This protects us from a peer sending a gigantic length and causing
// our node to allocate huge memory.
const MaxMessageSize = 4 << 20 // 4 MiB

// LengthPrefixedCodec implements Encoder and Decoder.
// It encodes an RPC with msgpack and frames each message as:
//
//	[4-byte big-endian length][msgpack bytes...]
type LengthPrefixedCodec struct{}

// NewLengthPrefixedCodec is a ctor helper.
func NewLengthPrefixedCodec() *LengthPrefixedCodec {
	return &LengthPrefixedCodec{}
}

// Encode writes prefix and body with a single Write, so concurrent
// writers serialized by the caller never interleave frames.
func (c *LengthPrefixedCodec) Encode(conn net.Conn, rpc *RPC) error {
	data, err := msgpack.Marshal(rpc)
	if err != nil {
		return fmt.Errorf("encode: msgpack marshal error: %w", err)
	}

	if len(data) > MaxMessageSize {
		return fmt.Errorf("encode: message too large (%d > %d)", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("encode: write error: %w", err)
	}
	return nil
}

// Decode reads one frame and unmarshals it into rpc.
func (c *LengthPrefixedCodec) Decode(conn net.Conn, rpc *RPC) error {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(conn, lengthPrefix[:]); err != nil {
		return fmt.Errorf("decode: read length error: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length == 0 {
		return fmt.Errorf("decode: zero-length message")
	}
	if length > uint32(MaxMessageSize) {
		return fmt.Errorf("decode: message too large (%d > %d)", length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("decode: read payload error: %w", err)
	}

	*rpc = RPC{}
	if err := msgpack.Unmarshal(buf, rpc); err != nil {
		return fmt.Errorf("decode: msgpack unmarshal error: %w", err)
	}
	return nil
}
