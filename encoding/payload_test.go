package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayload_Small(t *testing.T) {
	payload := map[string]interface{}{
		"title":        "Follow up with vendor",
		"entity_type":  "task",
		"workspace_id": int64(7),
	}

	blob, err := EncodePayload(payload)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.Equal(t, formatMsgpack, blob[0])

	decoded, err := DecodePayload(blob)
	require.NoError(t, err)
	assert.Equal(t, "Follow up with vendor", decoded["title"])
	assert.Equal(t, "task", decoded["entity_type"])
}

func TestEncodeDecodePayload_LargeCompresses(t *testing.T) {
	payload := map[string]interface{}{
		"transcript": strings.Repeat("the quick brown fox jumps over the lazy dog ", 200),
	}

	blob, err := EncodePayload(payload)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.Equal(t, formatMsgpackZstd, blob[0])

	// Compression must actually pay for itself on repetitive text
	assert.Less(t, len(blob), 2000)

	decoded, err := DecodePayload(blob)
	require.NoError(t, err)
	assert.Equal(t, payload["transcript"], decoded["transcript"])
}

func TestEncodePayload_Nil(t *testing.T) {
	blob, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)

	decoded, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodePayload_UnknownTag(t *testing.T) {
	_, err := DecodePayload([]byte{0x7f, 0x00})
	assert.Error(t, err)
}

func TestUnmarshal_LooseStrings(t *testing.T) {
	blob, err := Marshal(map[string]interface{}{"key": "value"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(blob, &out))

	// Strings must decode as strings, not []byte
	_, ok := out["key"].(string)
	assert.True(t, ok, "expected string, got %T", out["key"])
}
