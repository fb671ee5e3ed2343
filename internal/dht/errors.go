package dht

import "errors"

var (
	// ErrNodeUnreachable means a query timed out or the transport failed.
	// Lookups treat it as "no candidates from this contact".
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrInvalidIdentifier is returned for IDs of the wrong width or
	// malformed encodings.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrKeyNotFound is the empty result of Get once the lookup terminates.
	ErrKeyNotFound = errors.New("key not found")
)
