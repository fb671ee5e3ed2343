package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunal-geeks/kaddht/internal/api"
)

type serveFlags struct {
	listen  string
	http    string
	dataDir string
	refresh time.Duration
}

func newServeCmd(flags *nodeFlags) *cobra.Command {
	sf := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, sf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sf.listen, "listen", "127.0.0.1:4000", "DHT listen address (host:port)")
	f.StringVar(&sf.http, "http", "", "HTTP API listen address; empty disables the API")
	f.StringVar(&sf.dataDir, "data-dir", "", "directory for stored values; empty keeps them in memory")
	f.DurationVar(&sf.refresh, "refresh", 0, "routing table refresh interval; 0 disables it")
	return cmd
}

// runServe runs a node until ctx is cancelled.
func runServe(ctx context.Context, flags *nodeFlags, sf *serveFlags) error {
	svc, err := startNode(flags, sf.listen, sf.dataDir)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := joinNetwork(ctx, svc, flags.peers()); err != nil {
		return err
	}

	if sf.refresh > 0 {
		go svc.Node().RunRefresher(ctx, sf.refresh)
	}

	var srv *http.Server
	if sf.http != "" {
		srv = &http.Server{
			Addr:              sf.http,
			Handler:           api.NewHandler(svc.Node(), 0),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("[api] listening on %s\n", sf.http)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[api] server error: %v\n", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("[node] shutting down\n")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[api] shutdown error: %v\n", err)
		}
	}
	return nil
}
