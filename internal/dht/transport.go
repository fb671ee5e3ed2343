package dht

import "context"

// FindValueResult is the answer to FIND_VALUE: either the value itself or
// the contacts the remote node knows closest to the key.
type FindValueResult struct {
	Value    []byte
	Found    bool
	Contacts []Contact
}

// Transport sends DHT requests to remote contacts on behalf of one local
// node. Implementations return an error wrapping ErrNodeUnreachable when
// the contact does not answer within ctx.
//
// Two implementations ship with this package: Network (in-memory direct
// calls, for tests and demos) and Service (over a p2p.Transport).
type Transport interface {
	Ping(ctx context.Context, to Contact) error
	FindNode(ctx context.Context, to Contact, target ID) ([]Contact, error)
	FindValue(ctx context.Context, to Contact, key ID) (FindValueResult, error)
	Store(ctx context.Context, to Contact, key ID, value []byte) error
}
