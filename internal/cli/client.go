package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kunal-geeks/kaddht/internal/dht"
	"github.com/kunal-geeks/kaddht/internal/storage"
)

type clientFlags struct {
	listen  string
	sharded bool
}

func (cf *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cf.listen, "listen", "127.0.0.1:0", "listen address of the short-lived client node")
	cmd.Flags().BoolVar(&cf.sharded, "sharded", false, "erasure-code the value across shard keys")
}

// withClientNode starts a short-lived node, joins the network and runs fn.
func withClientNode(ctx context.Context, flags *nodeFlags, cf *clientFlags, fn func(*dht.Node) error) error {
	if err := requirePeers(flags); err != nil {
		return err
	}
	svc, err := startNode(flags, cf.listen, "")
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := joinNetwork(ctx, svc, flags.peers()); err != nil {
		return err
	}
	return fn(svc.Node())
}

func newPutCmd(flags *nodeFlags) *cobra.Command {
	cf := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value in the DHT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientNode(cmd.Context(), flags, cf, func(n *dht.Node) error {
				key := n.KeyFor(args[0])
				if cf.sharded {
					m, err := n.StoreSharded(cmd.Context(), key, []byte(args[1]), storage.DefaultECParams)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s (%s shards, root %s)\n",
						args[0], key, m.Params, m.Root)
					return nil
				}
				if err := n.Store(cmd.Context(), key, []byte(args[1])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s as %s\n", args[0], key)
				return nil
			})
		},
	}
	cf.register(cmd)
	return cmd
}

func newGetCmd(flags *nodeFlags) *cobra.Command {
	cf := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a value from the DHT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClientNode(cmd.Context(), flags, cf, func(n *dht.Node) error {
				key := n.KeyFor(args[0])

				var (
					value []byte
					err   error
				)
				if cf.sharded {
					value, err = n.GetSharded(cmd.Context(), key)
				} else {
					value, err = n.Get(cmd.Context(), key)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
	cf.register(cmd)
	return cmd
}
