package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kunal-geeks/kaddht/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cli.NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("[node] %v", err)
	}
}
