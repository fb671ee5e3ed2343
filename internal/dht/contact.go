package dht

import (
	"fmt"
	"sort"
	"time"
)

// Contact represents a remote node in the DHT: its ID plus an opaque
// transport address. Two contacts are the same peer iff their IDs match.
type Contact struct {
	ID       ID        `msgpack:"id"`
	Address  string    `msgpack:"addr"`
	LastSeen time.Time `msgpack:"last_seen"`
}

// NewContact builds a contact after checking that id fits in the
// identifier space of the given width.
func NewContact(id ID, addr string, bits int) (Contact, error) {
	if !id.Fits(bits) {
		return Contact{}, fmt.Errorf("NewContact: %w: %s does not fit in %d bits", ErrInvalidIdentifier, id, bits)
	}
	return Contact{ID: id, Address: addr}, nil
}

// Equals reports whether c and other identify the same node.
func (c Contact) Equals(other Contact) bool {
	return c.ID.Equals(other.ID)
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%s", c.ID.String(), c.Address)
}

// sortByDistance orders contacts ascending by XOR distance to target.
func sortByDistance(contacts []Contact, target ID) {
	sort.Slice(contacts, func(i, j int) bool {
		return target.XOR(contacts[i].ID).Less(target.XOR(contacts[j].ID))
	})
}
