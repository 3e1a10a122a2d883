package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/cmd/evict"
	"github.com/threadvault/threadvault/internal/cmd/migrate"
	"github.com/threadvault/threadvault/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "threadvault",
		Usage: "Durable conversation memory store for AI agents",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
			evict.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
