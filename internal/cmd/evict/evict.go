package evict

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/config"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	"github.com/threadvault/threadvault/internal/service"
	"github.com/urfave/cli/v3"

	// Import plugins needed to open the store directly.
	_ "github.com/threadvault/threadvault/internal/plugin/authz/local"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/awskms"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/dek"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/plain"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/vault"
	_ "github.com/threadvault/threadvault/internal/plugin/store/mongo"
	_ "github.com/threadvault/threadvault/internal/plugin/store/postgres"
)

// Command returns the evict sub-command. It runs a single eviction pass and
// exits, for use from cron jobs instead of the in-process eviction loop.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "evict",
		Usage: "Run one eviction pass over soft-deleted records and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("THREADVAULT_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:        "db-kind",
				Sources:     cli.EnvVars("THREADVAULT_DB_KIND"),
				Destination: &cfg.DatastoreType,
				Value:       cfg.DatastoreType,
				Usage:       "Store backend (postgres|mongo)",
			},
			&cli.StringFlag{
				Name:        "db-mongo-database",
				Sources:     cli.EnvVars("THREADVAULT_DB_MONGO_DATABASE"),
				Destination: &cfg.MongoDatabase,
				Value:       cfg.MongoDatabase,
				Usage:       "Database name used by the mongo backend",
			},
			&cli.DurationFlag{
				Name:        "retention",
				Sources:     cli.EnvVars("THREADVAULT_EVICTION_RETENTION"),
				Destination: &cfg.EvictionRetention,
				Value:       cfg.EvictionRetention,
				Usage:       "How long soft-deleted records are kept before hard deletion",
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Sources:     cli.EnvVars("THREADVAULT_EVICTION_BATCH_SIZE"),
				Destination: &cfg.EvictionBatchSize,
				Value:       cfg.EvictionBatchSize,
				Usage:       "Records deleted per eviction batch",
			},
			&cli.IntFlag{
				Name:        "batch-delay-ms",
				Sources:     cli.EnvVars("THREADVAULT_EVICTION_BATCH_DELAY_MS"),
				Destination: &cfg.EvictionBatchDelay,
				Value:       cfg.EvictionBatchDelay,
				Usage:       "Pause between eviction batches in milliseconds",
			},
			&cli.StringFlag{
				Name:        "kinds",
				Sources:     cli.EnvVars("THREADVAULT_EVICTION_KINDS"),
				Destination: &cfg.EvictionKinds,
				Usage:       "Comma-separated eviction kinds; empty runs all",
			},
			&cli.StringFlag{
				Name:        "encryption-provider",
				Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_PROVIDER"),
				Destination: &cfg.EncryptionProvider,
				Value:       cfg.EncryptionProvider,
				Usage:       "At-rest encryption provider (plain|dek|vault|kms)",
			},
			&cli.StringFlag{
				Name:        "encryption-key",
				Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_KEY"),
				Destination: &cfg.EncryptionKey,
				Usage:       "Comma-separated AES keys for the dek provider",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.DBURL = cmd.String("db-url")
			ctx = config.WithContext(ctx, &cfg)

			kinds, err := service.ParseEvictionKinds(cfg.EvictionKinds)
			if err != nil {
				return err
			}

			storeLoader, err := registrystore.Select(cfg.DatastoreType)
			if err != nil {
				return err
			}
			store, err := storeLoader(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			start := time.Now()
			err = store.Evict(ctx, cfg.EvictionRetention, kinds, func(percent int) {
				log.Info("Eviction progress", "percent", percent)
			})
			if err != nil {
				return err
			}
			log.Info("Eviction completed", "elapsed", time.Since(start))
			return nil
		},
	}
}
