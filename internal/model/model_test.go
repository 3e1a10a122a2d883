package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTripEntry(t *testing.T, in Entry) Entry {
	t.Helper()
	data, err := json.Marshal(in)
	require.NoError(t, err)
	var out Entry
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestEntryJSONRoundTripPlaintext(t *testing.T) {
	clientID := "agent-1"
	epoch := int64(2)
	in := Entry{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		ClientID:       &clientID,
		Channel:        ChannelMemory,
		Epoch:          &epoch,
		ContentType:    "facts",
		Content:        []byte(`[{"f":1},{"g":2}]`),
		CreatedAt:      time.Now().Truncate(time.Millisecond),
	}

	out := roundTripEntry(t, in)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Channel, out.Channel)
	require.NotNil(t, out.Epoch)
	assert.Equal(t, epoch, *out.Epoch)
	assert.Equal(t, in.Content, out.Content)
}

func TestEntryJSONRoundTripCiphertext(t *testing.T) {
	// Encrypted content is arbitrary bytes, including invalid UTF-8 and NULs.
	// The round trip through the cache must preserve it byte for byte or
	// every later decrypt fails.
	cipher := []byte{0x54, 0x56, 0x45, 0x48, 0x0a, 0xff, 0xfe, 0x00, 0x81, 0x99}
	in := Entry{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		Channel:        ChannelMemory,
		ContentType:    "facts",
		Content:        append([]byte(nil), cipher...),
	}

	out := roundTripEntry(t, in)
	assert.Equal(t, cipher, out.Content)
}

func TestEntryJSONRoundTripEmptyContent(t *testing.T) {
	in := Entry{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		Channel:        ChannelHistory,
		ContentType:    "history",
	}
	out := roundTripEntry(t, in)
	assert.Nil(t, out.Content)
}
