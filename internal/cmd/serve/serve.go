package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadvault/threadvault/internal/config"
	registryauthz "github.com/threadvault/threadvault/internal/registry/authz"
	registrycache "github.com/threadvault/threadvault/internal/registry/cache"
	registryembed "github.com/threadvault/threadvault/internal/registry/embed"
	registryencrypt "github.com/threadvault/threadvault/internal/registry/encrypt"
	registrymigrate "github.com/threadvault/threadvault/internal/registry/migrate"
	registrystore "github.com/threadvault/threadvault/internal/registry/store"
	registryvector "github.com/threadvault/threadvault/internal/registry/vector"
	"github.com/threadvault/threadvault/internal/security"
	"github.com/threadvault/threadvault/internal/service"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/threadvault/threadvault/internal/plugin/authz/local"
	_ "github.com/threadvault/threadvault/internal/plugin/authz/opa"
	_ "github.com/threadvault/threadvault/internal/plugin/cache/local"
	_ "github.com/threadvault/threadvault/internal/plugin/cache/noop"
	_ "github.com/threadvault/threadvault/internal/plugin/cache/redis"
	_ "github.com/threadvault/threadvault/internal/plugin/embed/disabled"
	_ "github.com/threadvault/threadvault/internal/plugin/embed/openai"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/awskms"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/dek"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/plain"
	_ "github.com/threadvault/threadvault/internal/plugin/encrypt/vault"
	_ "github.com/threadvault/threadvault/internal/plugin/store/mongo"
	_ "github.com/threadvault/threadvault/internal/plugin/store/postgres"
	_ "github.com/threadvault/threadvault/internal/plugin/vector/pgvector"
	_ "github.com/threadvault/threadvault/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the memory store engine and its background services",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(config.WithContext(ctx, &cfg), &cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "db-mongo-database",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "Database name used by the mongo backend",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("THREADVAULT_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run datastore schema migrations on startup",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADVAULT_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADVAULT_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-epoch-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADVAULT_CACHE_EPOCH_TTL"),
			Destination: &cfg.CacheEpochTTL,
			Value:       cfg.CacheEpochTTL,
			Usage:       "TTL for cached latest-epoch memory entries",
		},
		&cli.Int64Flag{
			Name:        "local-cache-max-cost",
			Category:    "Cache:",
			Sources:     cli.EnvVars("THREADVAULT_LOCAL_CACHE_MAX_COST"),
			Destination: &cfg.LocalCacheMaxCost,
			Value:       cfg.LocalCacheMaxCost,
			Usage:       "Memory budget in bytes for the local in-process cache",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "authz-kind",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("THREADVAULT_AUTHZ_KIND"),
			Destination: &cfg.AuthzType,
			Value:       cfg.AuthzType,
			Usage:       "Authorizer (" + strings.Join(registryauthz.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "authz-policy-dir",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("THREADVAULT_AUTHZ_POLICY_DIR"),
			Destination: &cfg.AuthzPolicyDir,
			Usage:       "Directory of Rego policies for the opa authorizer; empty uses the built-in default",
		},

		// ── Encryption ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-provider",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_PROVIDER"),
			Destination: &cfg.EncryptionProvider,
			Value:       cfg.EncryptionProvider,
			Usage:       "At-rest encryption provider (" + strings.Join(registryencrypt.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "encryption-key",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_KEY"),
			Destination: &cfg.EncryptionKey,
			Usage:       "Comma-separated AES keys (hex or base64, 16/24/32 bytes) for the dek provider; first key encrypts, the rest decrypt",
		},
		&cli.StringFlag{
			Name:        "encryption-vault-transit-key",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_VAULT_TRANSIT_KEY"),
			Destination: &cfg.EncryptionVaultTransitKey,
			Usage:       "Vault Transit key name for the vault provider",
		},
		&cli.StringFlag{
			Name:        "encryption-kms-key-id",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("THREADVAULT_ENCRYPTION_KMS_KEY_ID"),
			Destination: &cfg.EncryptionKMSKeyID,
			Usage:       "AWS KMS key ID or ARN for the kms provider",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Vector store (" + strings.Join(registryvector.Names(), "|") + ")",
		},
		&cli.BoolFlag{
			Name:        "vector-migrate-at-start",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_VECTOR_MIGRATE_AT_START"),
			Destination: &cfg.VectorMigrateAtStart,
			Value:       cfg.VectorMigrateAtStart,
			Usage:       "Run vector store migrations on startup",
		},
		&cli.IntFlag{
			Name:        "vector-indexer-batch-size",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_VECTOR_INDEXER_BATCH_SIZE"),
			Destination: &cfg.VectorIndexerBatchSize,
			Value:       cfg.VectorIndexerBatchSize,
			Usage:       "Number of entries to embed and index per background indexer tick",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant gRPC host",
		},
		&cli.IntFlag{
			Name:        "vector-qdrant-port",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "vector-qdrant-tls",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_QDRANT_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Usage:       "Use TLS for the Qdrant gRPC connection",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-collection-name",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("THREADVAULT_QDRANT_COLLECTION_NAME"),
			Destination: &cfg.QdrantCollectionName,
			Usage:       "Override the derived Qdrant collection name",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("THREADVAULT_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("THREADVAULT_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("THREADVAULT_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("THREADVAULT_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},

		// ── Eviction ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "eviction-interval",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADVAULT_EVICTION_INTERVAL"),
			Destination: &cfg.EvictionInterval,
			Value:       cfg.EvictionInterval,
			Usage:       "How often the background eviction pass runs",
		},
		&cli.DurationFlag{
			Name:        "eviction-retention",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADVAULT_EVICTION_RETENTION"),
			Destination: &cfg.EvictionRetention,
			Value:       cfg.EvictionRetention,
			Usage:       "How long soft-deleted records are kept before hard deletion",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-size",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADVAULT_EVICTION_BATCH_SIZE"),
			Destination: &cfg.EvictionBatchSize,
			Value:       cfg.EvictionBatchSize,
			Usage:       "Records deleted per eviction batch",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-delay-ms",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADVAULT_EVICTION_BATCH_DELAY_MS"),
			Destination: &cfg.EvictionBatchDelay,
			Value:       cfg.EvictionBatchDelay,
			Usage:       "Pause between eviction batches in milliseconds",
		},
		&cli.StringFlag{
			Name:        "eviction-kinds",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("THREADVAULT_EVICTION_KINDS"),
			Destination: &cfg.EvictionKinds,
			Usage:       "Comma-separated eviction kinds (conversation_groups,conversation_memberships,memory_epochs); empty runs all",
		},

		// ── Management ────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management:",
			Sources:     cli.EnvVars("THREADVAULT_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Value:       cfg.ManagementPort,
			Usage:       "Port for health and metrics endpoints",
		},
		&cli.DurationFlag{
			Name:        "management-read-header-timeout",
			Category:    "Management:",
			Sources:     cli.EnvVars("THREADVAULT_MANAGEMENT_READ_HEADER_TIMEOUT"),
			Destination: &cfg.ManagementReadHeaderTimeout,
			Value:       cfg.ManagementReadHeaderTimeout,
			Usage:       "HTTP read header timeout for the management listener",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Management:",
			Sources:     cli.EnvVars("THREADVAULT_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Management:",
			Sources:     cli.EnvVars("THREADVAULT_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=threadvault",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	labels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return err
	}
	security.InitMetrics(labels)

	// The cache goes into the context before the store loads so the store
	// engine can pick it up while wiring itself together.
	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		return err
	}
	entriesCache, err := cacheLoader(ctx)
	if err != nil {
		return err
	}
	ctx = registrycache.WithEntriesCacheContext(ctx, entriesCache)

	if cfg.DatastoreMigrateAtStart || cfg.VectorMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return err
		}
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
	log.Info("Store ready", "kind", cfg.DatastoreType, "cache", cfg.CacheType, "encryption", cfg.EncryptionProvider)

	var vectorStore registryvector.VectorStore
	if cfg.VectorType != "" {
		vectorLoader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			return err
		}
		if vectorStore, err = vectorLoader(ctx); err != nil {
			return err
		}
		log.Info("Vector store ready", "kind", cfg.VectorType)
	}

	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return err
	}

	eviction, err := service.NewEvictionService(store, cfg)
	if err != nil {
		return err
	}
	go eviction.Start(ctx)
	go service.NewTaskProcessor(store, vectorStore).Start(ctx)
	go service.NewBackgroundIndexer(store, embedder, vectorStore, cfg.VectorIndexerBatchSize).Start(ctx)

	mgmt, err := startManagementServer(cfg)
	if err != nil {
		return err
	}
	markReady()

	<-ctx.Done()
	log.Info("Shutting down...")
	markNotReady()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := mgmt.Shutdown(drainCtx); err != nil {
		log.Error("Management server shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
