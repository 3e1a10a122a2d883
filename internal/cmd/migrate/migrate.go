package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/config"
	registrymigrate "github.com/threadvault/threadvault/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/threadvault/threadvault/internal/plugin/store/mongo"
	_ "github.com/threadvault/threadvault/internal/plugin/store/postgres"
	_ "github.com/threadvault/threadvault/internal/plugin/vector/pgvector"
	_ "github.com/threadvault/threadvault/internal/plugin/vector/qdrant"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("THREADVAULT_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("THREADVAULT_DB_KIND"),
				Usage:   "Store backend (postgres|mongo)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "db-mongo-database",
				Sources: cli.EnvVars("THREADVAULT_DB_MONGO_DATABASE"),
				Usage:   "Database name used by the mongo backend",
				Value:   "threadvault",
			},
			&cli.StringFlag{
				Name:    "vector-kind",
				Sources: cli.EnvVars("THREADVAULT_VECTOR_KIND"),
				Usage:   "Vector store (pgvector|qdrant); empty skips vector migrations",
			},
			&cli.StringFlag{
				Name:    "vector-qdrant-host",
				Sources: cli.EnvVars("THREADVAULT_QDRANT_HOST"),
				Usage:   "Qdrant gRPC host",
				Value:   "localhost",
			},
			&cli.IntFlag{
				Name:    "vector-qdrant-port",
				Sources: cli.EnvVars("THREADVAULT_QDRANT_PORT"),
				Usage:   "Qdrant gRPC port",
				Value:   6334,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.MongoDatabase = cmd.String("db-mongo-database")
			cfg.VectorType = cmd.String("vector-kind")
			cfg.QdrantHost = cmd.String("vector-qdrant-host")
			cfg.QdrantPort = cmd.Int("vector-qdrant-port")
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
