package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "postgres", cfg.DatastoreType)
	require.Equal(t, "none", cfg.CacheType)
	require.Equal(t, "local", cfg.AuthzType)
	require.Equal(t, "plain", cfg.EncryptionProvider)
	require.Positive(t, cfg.EvictionBatchSize)
	require.Positive(t, cfg.EvictionRetention)
}

func TestQdrantAddress(t *testing.T) {
	cfg := Config{QdrantHost: "qdrant.internal", QdrantPort: 6334}
	require.Equal(t, "qdrant.internal:6334", cfg.QdrantAddress())
}

func TestDecodeEncryptionKeysCSV_SkipsBlanksAndKeepsOrder(t *testing.T) {
	keys, err := DecodeEncryptionKeysCSV("00112233445566778899aabbccddeeff, ,ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.NotEqual(t, keys[0], keys[1])
}
