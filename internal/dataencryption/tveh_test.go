package dataencryption_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threadvault/threadvault/internal/dataencryption"
)

// TestRoundTrip verifies that WriteHeader and ReadHeader are inverses.
func TestRoundTrip(t *testing.T) {
	headers := []dataencryption.Header{
		{Version: 1, ProviderID: "dek", Nonce: make([]byte, 12)},
		{Version: 1, ProviderID: "vault", Nonce: make([]byte, 12)},
		{Version: 1, ProviderID: "kms", Nonce: bytes.Repeat([]byte{0xAB}, 12)},
		{Version: 1, ProviderID: "vault"},
	}
	for _, h := range headers {
		var buf bytes.Buffer
		require.NoError(t, dataencryption.WriteHeader(&buf, h))

		got, hasMagic, err := dataencryption.ReadHeader(&buf)
		require.NoError(t, err)
		require.True(t, hasMagic)
		require.Equal(t, h.Version, got.Version)
		require.Equal(t, h.ProviderID, got.ProviderID)
		require.Equal(t, h.Nonce, got.Nonce)
	}
}

// TestHasMagic checks that HasMagic correctly identifies TVEH-prefixed data.
func TestHasMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version: 1, ProviderID: "dek", Nonce: make([]byte, 12),
	}))
	ciphertext := append(buf.Bytes(), []byte("payload")...)

	require.True(t, dataencryption.HasMagic(ciphertext))
	require.False(t, dataencryption.HasMagic([]byte("not TVEH")))
	require.False(t, dataencryption.HasMagic(nil))
	require.False(t, dataencryption.HasMagic([]byte{0x54, 0x56})) // too short
}

// TestReadHeaderNoMagic verifies that ReadHeader returns (nil, false, nil) for
// plaintext that never went through an encryption provider.
func TestReadHeaderNoMagic(t *testing.T) {
	h, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader([]byte("plaintext data")))
	require.NoError(t, err)
	require.False(t, hasMagic)
	require.Nil(t, h)
}

// TestWireFormat pins the byte layout: magic, varint length, JSON header.
func TestWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version:    1,
		ProviderID: "dek",
		Nonce:      make([]byte, 12),
	}))
	b := buf.Bytes()

	require.Equal(t, []byte{0x54, 0x56, 0x45, 0x48}, b[:4])

	// Header is small, so the varint length is a single byte.
	headerLen := int(b[4])
	require.Less(t, headerLen, 128)
	require.Len(t, b, 5+headerLen)

	var h map[string]interface{}
	require.NoError(t, json.Unmarshal(b[5:5+headerLen], &h))
	require.Equal(t, float64(1), h["v"])
	require.Equal(t, "dek", h["p"])
}

// TestReadHeaderRejectsOversizedLength guards the header length limit.
func TestReadHeaderRejectsOversizedLength(t *testing.T) {
	payload := []byte{0x54, 0x56, 0x45, 0x48, 0xFF, 0xFF, 0x7F} // length 2097151
	_, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader(payload))
	require.True(t, hasMagic)
	require.Error(t, err)
}
