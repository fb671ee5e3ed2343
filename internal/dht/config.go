package dht

import (
	"fmt"
	"time"
)

const (
	// K is the maximum number of contacts in a single Kademlia bucket.
	// Classic Kademlia uses K=20, we'll stick with that.
	K     = 20
	Alpha = 3 // parallelism factor for Kademlia lookups

	DefaultQueryTimeout   = 2 * time.Second
	DefaultStallThreshold = 1
)

// Config holds the tunables shared by every node of one network.
type Config struct {
	// K is the bucket size and the width of lookup results / replica sets.
	K int
	// Alpha is the number of contacts queried concurrently per round.
	Alpha int
	// IDBits is the width of the identifier space, 1..IDBits.
	IDBits int
	// QueryTimeout bounds a single remote query.
	QueryTimeout time.Duration
	// StallThreshold is the number of consecutive rounds without an
	// improvement of the closest distance after which a lookup stops.
	StallThreshold int
	// EvictUnresponsive enables ping-then-evict on full buckets. When
	// false, contacts arriving at a full bucket are dropped.
	EvictUnresponsive bool
}

// DefaultConfig returns the classic parameters: k=20, alpha=3, 160-bit ids.
func DefaultConfig() Config {
	return Config{
		K:              K,
		Alpha:          Alpha,
		IDBits:         IDBits,
		QueryTimeout:   DefaultQueryTimeout,
		StallThreshold: DefaultStallThreshold,
	}
}

// Validate checks that the parameters make sense.
func (c Config) Validate() error {
	if c.K <= 0 {
		return fmt.Errorf("Config: K must be > 0")
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("Config: Alpha must be > 0")
	}
	if c.IDBits <= 0 || c.IDBits > IDBits {
		return fmt.Errorf("Config: IDBits must be in [1, %d], got %d", IDBits, c.IDBits)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("Config: QueryTimeout must be > 0")
	}
	if c.StallThreshold <= 0 {
		return fmt.Errorf("Config: StallThreshold must be > 0")
	}
	return nil
}
