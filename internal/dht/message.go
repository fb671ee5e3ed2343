package dht

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType represents the type of a DHT message.
type MessageType string

const (
	MsgPing     MessageType = "PING"
	MsgPong     MessageType = "PONG"
	MsgFindNode MessageType = "FIND_NODE"
	MsgNodes    MessageType = "NODES"

	MsgFindValue MessageType = "FIND_VALUE"
	MsgValue     MessageType = "VALUE"

	MsgStore       MessageType = "STORE"
	MsgStoreResult MessageType = "STORE_RESULT"
)

// IsResponse reports whether t answers a request.
func (t MessageType) IsResponse() bool {
	switch t {
	case MsgPong, MsgNodes, MsgValue, MsgStoreResult:
		return true
	default:
		return false
	}
}

// responseTo maps a request type to the type of its answer.
func responseTo(t MessageType) (MessageType, bool) {
	switch t {
	case MsgPing:
		return MsgPong, true
	case MsgFindNode:
		return MsgNodes, true
	case MsgFindValue:
		return MsgValue, true
	case MsgStore:
		return MsgStoreResult, true
	default:
		return "", false
	}
}

// Message is the wire format for DHT messages.
// It is msgpack-encoded into p2p.RPC.Payload.
type Message struct {
	Type      MessageType `msgpack:"type"`
	From      ID          `msgpack:"from"`
	Timestamp int64       `msgpack:"ts"`

	// NodeAddr is the sender's listening address (e.g. "127.0.0.1:4102"),
	// so receivers record a stable address instead of the ephemeral
	// connection port.
	NodeAddr string `msgpack:"node_addr,omitempty"`

	// Request/response correlation
	RequestID string `msgpack:"req_id,omitempty"`

	// FIND_NODE / NODES
	Target *ID       `msgpack:"target,omitempty"`
	Nodes  []Contact `msgpack:"nodes,omitempty"`

	// FIND_VALUE / VALUE / STORE
	Key   *ID    `msgpack:"key,omitempty"`
	Value []byte `msgpack:"value,omitempty"`
	Found bool   `msgpack:"found,omitempty"`

	// Error for responses
	Error string `msgpack:"error,omitempty"`
}

// Encode encodes the DHT message as msgpack bytes.
func (m *Message) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("Message.Encode: %w", err)
	}
	return b, nil
}

// DecodeMessage decodes msgpack bytes into a DHT Message.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("DecodeMessage: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("DecodeMessage: missing message type")
	}
	return &m, nil
}
