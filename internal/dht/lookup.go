package dht

import (
	"context"
	"fmt"
	"log"
)

type lookupMode int

const (
	modeFindNode lookupMode = iota
	modeFindValue
)

func (m lookupMode) String() string {
	if m == modeFindValue {
		return "FIND_VALUE"
	}
	return "FIND_NODE"
}

// lookupResult is what a finished lookup hands back to the facade.
type lookupResult struct {
	contacts []Contact
	value    []byte
	found    bool
	holder   Contact
}

// lookup is the state of one in-flight iterative lookup. It is owned by
// the goroutine running it and shares nothing with other lookups except
// the routing table it feeds.
type lookup struct {
	node   *Node
	target ID
	mode   lookupMode

	shortlist []Contact
	queried   map[ID]bool

	best     ID
	haveBest bool
	stalls   int
}

type queryResponse struct {
	from     Contact
	contacts []Contact
	value    []byte
	found    bool
	err      error
}

func (n *Node) newLookup(target ID, mode lookupMode) *lookup {
	l := &lookup{
		node:      n,
		target:    target,
		mode:      mode,
		shortlist: n.rt.FindClosest(target, n.cfg.K),
		queried:   make(map[ID]bool),
	}
	if len(l.shortlist) > 0 {
		l.best = target.XOR(l.shortlist[0].ID)
		l.haveBest = true
	}
	return l
}

// run iterates rounds of up to Alpha concurrent queries until the
// shortlist is exhausted, a round with responses fails to improve the
// closest distance, or a FIND_VALUE query returns the value.
func (l *lookup) run(ctx context.Context) (lookupResult, error) {
	cfg := l.node.cfg

	log.Printf("[dht] lookup: %s(%s) starting with %d candidates\n",
		l.mode, l.target, len(l.shortlist))

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return lookupResult{contacts: l.result()}, fmt.Errorf("lookup: %w", err)
		}

		batch := l.nextBatch()
		if len(batch) == 0 {
			log.Printf("[dht] lookup: round %d, every candidate queried, stopping\n", round)
			break
		}

		log.Printf("[dht] lookup: round %d, querying %d of %d candidates\n",
			round, len(batch), len(l.shortlist))

		roundCtx, cancel := context.WithCancel(ctx)
		respCh := make(chan queryResponse, len(batch))
		for _, c := range batch {
			go func(c Contact) {
				respCh <- l.query(roundCtx, c)
			}(c)
		}

		responded := 0
		for i := 0; i < len(batch); i++ {
			resp := <-respCh
			if resp.err != nil {
				log.Printf("[dht] lookup: %s to %s failed: %v\n", l.mode, resp.from.Address, resp.err)
				continue
			}
			responded++

			l.node.observe(resp.from)

			if resp.found {
				// Remaining answers land in the buffered channel and are dropped.
				cancel()
				log.Printf("[dht] lookup: value for %s found at %s in round %d\n",
					l.target, resp.from.Address, round)
				return lookupResult{
					contacts: l.result(),
					value:    resp.value,
					found:    true,
					holder:   resp.from,
				}, nil
			}

			l.merge(resp.contacts)
		}
		cancel()

		// A round without responses is not a stall.
		if responded == 0 {
			log.Printf("[dht] lookup: round %d, no responses\n", round)
			continue
		}
		l.checkProgress()
		if l.stalls >= cfg.StallThreshold {
			log.Printf("[dht] lookup: converged after round %d (no closer contact)\n", round)
			break
		}
	}

	out := l.result()
	log.Printf("[dht] lookup: %s(%s) finished with %d contacts\n", l.mode, l.target, len(out))
	return lookupResult{contacts: out}, nil
}

// nextBatch picks up to Alpha unqueried contacts, nearest first, and
// marks them as queried whatever the outcome of the query.
func (l *lookup) nextBatch() []Contact {
	out := make([]Contact, 0, l.node.cfg.Alpha)
	for _, c := range l.shortlist {
		if len(out) >= l.node.cfg.Alpha {
			break
		}
		if l.queried[c.ID] {
			continue
		}
		l.queried[c.ID] = true
		out = append(out, c)
	}
	return out
}

func (l *lookup) query(ctx context.Context, c Contact) queryResponse {
	ctx, cancel := context.WithTimeout(ctx, l.node.cfg.QueryTimeout)
	defer cancel()

	resp := queryResponse{from: c}
	switch l.mode {
	case modeFindValue:
		res, err := l.node.transport.FindValue(ctx, c, l.target)
		resp.err = err
		resp.value, resp.found, resp.contacts = res.Value, res.Found, res.Contacts
	default:
		resp.contacts, resp.err = l.node.transport.FindNode(ctx, c, l.target)
	}
	return resp
}

// merge folds returned contacts into the shortlist, deduplicated by ID,
// and keeps the K closest.
func (l *lookup) merge(contacts []Contact) {
	self := l.node.self.ID
	bits := l.node.cfg.IDBits

	for _, c := range contacts {
		if c.ID.Equals(self) || !c.ID.Fits(bits) {
			continue
		}
		if l.inShortlist(c.ID) {
			continue
		}
		l.shortlist = append(l.shortlist, c)
	}

	sortByDistance(l.shortlist, l.target)
	if len(l.shortlist) > l.node.cfg.K {
		l.shortlist = l.shortlist[:l.node.cfg.K]
	}
}

func (l *lookup) inShortlist(id ID) bool {
	for _, c := range l.shortlist {
		if c.ID.Equals(id) {
			return true
		}
	}
	return false
}

// checkProgress resets the stall counter when the closest known distance
// improved during the last round and increments it otherwise.
func (l *lookup) checkProgress() {
	if len(l.shortlist) > 0 {
		d := l.target.XOR(l.shortlist[0].ID)
		if !l.haveBest || d.Less(l.best) {
			l.best = d
			l.haveBest = true
			l.stalls = 0
			return
		}
	}
	l.stalls++
}

func (l *lookup) result() []Contact {
	out := make([]Contact, len(l.shortlist))
	copy(out, l.shortlist)
	return out
}
