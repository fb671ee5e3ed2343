// Package cli implements the kaddht command line.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunal-geeks/kaddht/internal/dht"
)

// nodeFlags are shared by every command that starts a node.
type nodeFlags struct {
	bootstrap []string
	k         int
	alpha     int
	bits      int
	timeout   time.Duration
	evict     bool
}

func (f *nodeFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringSliceVar(&f.bootstrap, "bootstrap", nil, "bootstrap peers (host:port), comma-separated")
	pf.IntVar(&f.k, "k", dht.K, "bucket size and replication width")
	pf.IntVar(&f.alpha, "alpha", dht.Alpha, "lookup concurrency")
	pf.IntVar(&f.bits, "bits", dht.IDBits, "identifier width in bits")
	pf.DurationVar(&f.timeout, "timeout", dht.DefaultQueryTimeout, "per-query timeout")
	pf.BoolVar(&f.evict, "evict", false, "ping the oldest contact of a full bucket and evict it if dead")
}

// config maps the flags onto a validated dht.Config.
func (f *nodeFlags) config() (dht.Config, error) {
	cfg := dht.DefaultConfig()
	cfg.K = f.k
	cfg.Alpha = f.alpha
	cfg.IDBits = f.bits
	cfg.QueryTimeout = f.timeout
	cfg.EvictUnresponsive = f.evict
	if err := cfg.Validate(); err != nil {
		return dht.Config{}, err
	}
	return cfg, nil
}

func (f *nodeFlags) peers() []string {
	var out []string
	for _, p := range f.bootstrap {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewRootCmd builds the kaddht command tree.
func NewRootCmd() *cobra.Command {
	flags := &nodeFlags{}

	root := &cobra.Command{
		Use:           "kaddht",
		Short:         "Kademlia DHT node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)

	root.AddCommand(
		newServeCmd(flags),
		newPutCmd(flags),
		newGetCmd(flags),
		newDemoCmd(),
		newVersionCmd(),
	)
	return root
}

func requirePeers(flags *nodeFlags) error {
	if len(flags.peers()) == 0 {
		return fmt.Errorf("--bootstrap is required")
	}
	return nil
}
