package cli

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunal-geeks/kaddht/internal/dht"
)

func newDemoCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through XOR distance, buckets, lookups and replication on an in-memory network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				log.SetOutput(io.Discard)
				defer log.SetOutput(os.Stderr)
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "keep the DHT log output")
	return cmd
}

// runDemo runs every demo scenario in order, writing a report to w.
func runDemo(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	steps := []struct {
		title string
		run   func(context.Context, io.Writer) error
	}{
		{"XOR DISTANCE", demoXORDistance},
		{"K-BUCKET LAYOUT", demoBucketLayout},
		{"LOOKUP", demoLookup},
		{"ROUTING EFFICIENCY", demoRoutingEfficiency},
		{"FAULT TOLERANCE", demoFaultTolerance},
	}
	for _, s := range steps {
		fmt.Fprintf(w, "=== %s ===\n", s.title)
		if err := s.run(ctx, w); err != nil {
			return fmt.Errorf("demo %s: %w", s.title, err)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// small returns the low 64 bits of id, enough to print ids of narrow spaces.
func small(id dht.ID) uint64 {
	return binary.BigEndian.Uint64(id[dht.IDBytes-8:])
}

func demoConfig(bits, k int) dht.Config {
	cfg := dht.DefaultConfig()
	cfg.IDBits = bits
	cfg.K = k
	cfg.QueryTimeout = 200 * time.Millisecond
	return cfg
}

func meshNetwork(cfg dht.Config, ids []uint64) (*dht.Network, []*dht.Node, error) {
	nw, err := dht.NewNetwork(cfg)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]*dht.Node, 0, len(ids))
	for _, v := range ids {
		n, err := nw.AddNode(dht.IDFromUint64(v))
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if err := a.Observe(b.Contact()); err != nil {
				return nil, nil, err
			}
		}
	}
	return nw, nodes, nil
}

func holders(nodes []*dht.Node, key dht.ID) []*dht.Node {
	var out []*dht.Node
	for _, n := range nodes {
		if _, err := n.ValueStore().Get(key.String()); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func demoXORDistance(_ context.Context, w io.Writer) error {
	pairs := [][2]uint64{{0b1010, 0b1100}, {0b0000, 0b1111}, {0b1001, 0b1001}, {0b0101, 0b1010}}
	for _, p := range pairs {
		a, b := dht.IDFromUint64(p[0]), dht.IDFromUint64(p[1])
		d := small(dht.Distance(a, b))
		fmt.Fprintf(w, "  %04b XOR %04b = %04b (distance %d)\n", p[0], p[1], d, d)
	}

	// Check the metric laws over a 4-bit space.
	for x := uint64(0); x < 16; x++ {
		a := dht.IDFromUint64(x)
		if !dht.Distance(a, a).IsZero() {
			return fmt.Errorf("d(%d,%d) is not zero", x, x)
		}
		seen := make(map[uint64]bool)
		for y := uint64(0); y < 16; y++ {
			b := dht.IDFromUint64(y)
			if dht.Distance(a, b) != dht.Distance(b, a) {
				return fmt.Errorf("d(%d,%d) is not symmetric", x, y)
			}
			seen[small(dht.Distance(a, b))] = true
		}
		if len(seen) != 16 {
			return fmt.Errorf("distances from %d are not unique", x)
		}
	}
	fmt.Fprintln(w, "  symmetric, d(a,a) = 0, and each distance from a names exactly one node")
	return nil
}

func demoBucketLayout(_ context.Context, w io.Writer) error {
	self := dht.IDFromUint64(0b10000000)
	rt := dht.NewRoutingTable(self, 3, 8)

	fmt.Fprintf(w, "  local id %08b, k=3\n", small(self))
	for _, v := range []uint64{0b10000001, 0b10000010, 0b10000100, 0b10001000, 0b10010000, 0b11000000, 0b00000000} {
		id := dht.IDFromUint64(v)
		if err := rt.Observe(dht.Contact{ID: id, Address: fmt.Sprintf("mem://%02x", v)}); err != nil {
			return err
		}
		fmt.Fprintf(w, "  %08b distance %3d -> bucket %d\n",
			v, small(dht.Distance(self, id)), rt.BucketIndexOf(id))
	}

	for i := 0; i < rt.NumBuckets(); i++ {
		contacts := rt.Bucket(i)
		if len(contacts) == 0 {
			continue
		}
		fmt.Fprintf(w, "  bucket %d:", i)
		for _, c := range contacts {
			fmt.Fprintf(w, " %08b", small(c.ID))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func demoLookup(ctx context.Context, w io.Writer) error {
	_, nodes, err := meshNetwork(demoConfig(8, 3), []uint64{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80})
	if err != nil {
		return err
	}

	key := dht.IDFromUint64(0x35)
	if err := nodes[0].Store(ctx, key, []byte("example_value")); err != nil {
		return err
	}
	fmt.Fprintf(w, "  key 0x%02x stored from 0x%02x on:", small(key), small(nodes[0].ID()))
	for _, n := range holders(nodes, key) {
		fmt.Fprintf(w, " 0x%02x", small(n.ID()))
	}
	fmt.Fprintln(w)

	from := nodes[len(nodes)-1]
	closest, err := from.Lookup(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  lookup from 0x%02x, closest contacts:\n", small(from.ID()))
	for _, c := range closest {
		fmt.Fprintf(w, "    0x%02x distance %d\n", small(c.ID), small(dht.Distance(c.ID, key)))
	}

	value, err := from.Get(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  get 0x%02x -> %q\n", small(key), value)
	return nil
}

func demoRoutingEfficiency(ctx context.Context, w io.Writer) error {
	const (
		size = 64
		bits = 16
	)
	cfg := demoConfig(bits, 4)
	nw, err := dht.NewNetwork(cfg)
	if err != nil {
		return err
	}

	var nodes []*dht.Node
	for attempts := 0; len(nodes) < size; attempts++ {
		n, err := nw.CreateNode()
		if err != nil {
			// Random 16-bit ids can collide; draw again.
			if attempts > 4*size {
				return err
			}
			continue
		}
		if len(nodes) > 0 {
			seed := nodes[rand.IntN(len(nodes))]
			if err := n.Bootstrap(ctx, seed.Contact()); err != nil {
				return err
			}
		}
		nodes = append(nodes, n)
	}

	target := dht.HashKey([]byte("test_key"), bits)
	from := nodes[0]
	fmt.Fprintf(w, "  %d nodes, %d-bit ids, k=%d; node 0x%04x knows %d of them\n",
		size, bits, cfg.K, small(from.ID()), from.RoutingTable().Len())

	found, err := from.Lookup(ctx, target)
	if err != nil {
		return err
	}

	all := nw.Nodes()
	sort.Slice(all, func(i, j int) bool {
		return dht.Distance(all[i].ID(), target).Less(dht.Distance(all[j].ID(), target))
	})
	best := make(map[dht.ID]bool)
	for _, n := range all {
		if len(best) == cfg.K {
			break
		}
		if !n.ID().Equals(from.ID()) {
			best[n.ID()] = true
		}
	}

	hits := 0
	fmt.Fprintf(w, "  lookup 0x%04x:\n", small(target))
	for _, c := range found {
		mark := ""
		if best[c.ID] {
			hits++
			mark = " (true closest)"
		}
		fmt.Fprintf(w, "    0x%04x distance %d%s\n", small(c.ID), small(dht.Distance(c.ID, target)), mark)
	}
	fmt.Fprintf(w, "  %d of the %d closest nodes found\n", hits, len(best))
	return nil
}

func demoFaultTolerance(ctx context.Context, w io.Writer) error {
	ids := make([]uint64, 16)
	for i := range ids {
		ids[i] = uint64(i*16 + 1)
	}
	nw, nodes, err := meshNetwork(demoConfig(8, 4), ids)
	if err != nil {
		return err
	}

	key := nodes[0].KeyFor("important_data")
	value := []byte("critical_information")
	if err := nodes[0].Store(ctx, key, value); err != nil {
		return err
	}

	replicas := holders(nodes, key)
	if len(replicas) < 2 {
		return fmt.Errorf("only %d replicas of %s", len(replicas), key)
	}
	sort.Slice(replicas, func(i, j int) bool {
		return dht.Distance(replicas[i].ID(), key).Less(dht.Distance(replicas[j].ID(), key))
	})
	fmt.Fprintf(w, "  key 0x%02x replicated on %d nodes:\n", small(key), len(replicas))
	for _, n := range replicas {
		fmt.Fprintf(w, "    0x%02x distance %d\n", small(n.ID()), small(dht.Distance(n.ID(), key)))
	}

	failed := replicas[0]
	nw.SetDown(failed.Contact().Address, true)
	fmt.Fprintf(w, "  node 0x%02x goes down\n", small(failed.ID()))

	var reader *dht.Node
	for _, n := range nodes {
		if len(holders([]*dht.Node{n}, key)) == 0 {
			reader = n
			break
		}
	}
	if reader == nil {
		return errors.New("every node holds a replica")
	}

	got, err := reader.Get(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  get from 0x%02x -> %q\n", small(reader.ID()), got)
	return nil
}
