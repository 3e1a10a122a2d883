package config

import (
	"context"
	"fmt"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the memory store engine.
type Config struct {
	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type: "postgres" or "mongo".
	DatastoreType string

	// MongoDatabase is the database name used by the mongo backend.
	MongoDatabase string

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type: "redis", "local", or "none".
	CacheType string

	// Redis
	RedisURL string

	// Memory entries cache TTL.
	CacheEpochTTL time.Duration

	// LocalCacheMaxCost is the ristretto cost budget (bytes) for the local cache.
	LocalCacheMaxCost int64

	// Authorizer type: "local" or "opa".
	AuthzType string

	// AuthzPolicyDir holds the Rego policy for the opa authorizer.
	// Empty uses the built-in default policy.
	AuthzPolicyDir string

	// Vector store type: "pgvector", "qdrant", or "" (disabled).
	VectorType string

	// Run vector migrations on startup.
	VectorMigrateAtStart bool

	// Number of entries to embed and index per background indexer tick.
	VectorIndexerBatchSize int

	// Qdrant
	QdrantHost             string
	QdrantPort             int
	QdrantCollectionPrefix string
	QdrantCollectionName   string
	QdrantAPIKey           string
	QdrantUseTLS           bool
	QdrantStartupTimeout   time.Duration

	// Embedding type: "none" or "openai".
	EmbedType string

	// OpenAI
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Management listener (health, readiness, metrics).
	ManagementPort              int
	ManagementReadHeaderTimeout time.Duration
	ManagementAccessLog         bool

	// Encryption provider: "plain", "dek", "vault", or "kms".
	EncryptionProvider string
	// EncryptionKey is a comma-separated list of AES keys for the "dek" provider.
	// The first key is primary (used for new encryptions); subsequent keys are legacy
	// (decryption-only, for zero-downtime key rotation).
	EncryptionKey string
	// EncryptionVaultTransitKey is the Vault Transit key name used by the "vault" provider.
	EncryptionVaultTransitKey string
	// EncryptionKMSKeyID is the AWS KMS key ID or ARN used by the "kms" provider.
	EncryptionKMSKeyID string

	// Eviction
	EvictionInterval   time.Duration
	EvictionRetention  time.Duration
	EvictionBatchSize  int
	EvictionBatchDelay int // milliseconds
	// EvictionKinds is a comma-separated subset of
	// conversation_groups,conversation_memberships,memory_epochs.
	// Empty runs all kinds.
	EvictionKinds string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:               "postgres",
		DatastoreMigrateAtStart:     true,
		MongoDatabase:               "threadvault",
		DBMaxOpenConns:              25,
		DBMaxIdleConns:              5,
		CacheType:                   "none",
		CacheEpochTTL:               10 * time.Minute,
		LocalCacheMaxCost:           64 * 1024 * 1024, // 64 MB
		AuthzType:                   "local",
		VectorType:                  "",
		VectorMigrateAtStart:        true,
		VectorIndexerBatchSize:      500,
		EmbedType:                   "none",
		OpenAIModelName:             "text-embedding-3-small",
		OpenAIBaseURL:               "https://api.openai.com/v1",
		ManagementPort:              9090,
		ManagementReadHeaderTimeout: 5 * time.Second,
		EncryptionProvider:          "plain",
		EvictionInterval:            1 * time.Hour,
		EvictionRetention:           30 * 24 * time.Hour,
		EvictionBatchSize:           1000,
		EvictionBatchDelay:          100,
		QdrantHost:                  "localhost",
		QdrantPort:                  6334,
		QdrantCollectionPrefix:      "threadvault",
		QdrantStartupTimeout:        30 * time.Second,
	}
}

// QdrantAddress returns the host:port target for the Qdrant gRPC client.
func (c *Config) QdrantAddress() string {
	return fmt.Sprintf("%s:%d", c.QdrantHost, c.QdrantPort)
}
