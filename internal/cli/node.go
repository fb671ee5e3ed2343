package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kunal-geeks/kaddht/internal/dht"
	"github.com/kunal-geeks/kaddht/internal/p2p"
	"github.com/kunal-geeks/kaddht/internal/storage"
)

// bootstrapMaxElapsed bounds the retries against one bootstrap peer.
var bootstrapMaxElapsed = 30 * time.Second

// startNode listens on listenAddr and wraps the transport in a DHT service.
// An empty dataDir keeps values in memory.
func startNode(flags *nodeFlags, listenAddr, dataDir string) (*dht.Service, error) {
	cfg, err := flags.config()
	if err != nil {
		return nil, err
	}

	id, err := dht.NewRandomIDBits(cfg.IDBits)
	if err != nil {
		return nil, err
	}

	var store storage.ValueStore
	if dataDir != "" {
		fsStore, err := storage.NewFSStore(dataDir)
		if err != nil {
			return nil, err
		}
		store = fsStore
	}

	codec := p2p.NewLengthPrefixedCodec()
	transport := p2p.NewTCPTransport(p2p.TCPTransportOpts{
		ListenAddr: listenAddr,
		Decoder:    codec,
		Encoder:    codec,
		OnPeer: func(peer p2p.Peer) error {
			log.Printf("[p2p] new peer connected: %s (outbound=%v)\n", peer.Addr(), peer.Outbound())
			return nil
		},
	})
	if err := transport.ListenAndAccept(); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	svc, err := dht.NewService(dht.ServiceOpts{
		ID:        id,
		Transport: transport,
		Store:     store,
		Config:    cfg,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	log.Printf("[node] %s listening on %s (k=%d alpha=%d bits=%d)\n",
		id, transport.Addr(), cfg.K, cfg.Alpha, cfg.IDBits)
	return svc, nil
}

// bootstrapWithRetry discovers the node behind addr, retrying with
// exponential backoff while it is not up yet, then joins through it.
func bootstrapWithRetry(ctx context.Context, svc *dht.Service, addr string, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	timeout := svc.Node().Config().QueryTimeout

	var seed dht.Contact
	err := backoff.Retry(func() error {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c, err := svc.Discover(qctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Printf("[node] bootstrap peer %s not reachable yet: %v\n", addr, err)
			return err
		}
		seed = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("bootstrap via %s: %w", addr, err)
	}

	if err := svc.Node().Bootstrap(ctx, seed); err != nil {
		return fmt.Errorf("bootstrap via %s: %w", addr, err)
	}
	return nil
}

// joinNetwork bootstraps from every peer and succeeds if at least one worked.
func joinNetwork(ctx context.Context, svc *dht.Service, peers []string) error {
	joined := 0
	for _, addr := range peers {
		if err := bootstrapWithRetry(ctx, svc, addr, bootstrapMaxElapsed); err != nil {
			log.Printf("[node] %v\n", err)
			continue
		}
		joined++
	}
	if len(peers) > 0 && joined == 0 {
		return fmt.Errorf("could not join through any of %d bootstrap peers", len(peers))
	}
	return nil
}
