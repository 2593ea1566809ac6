package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMetadata_RoundTrip(t *testing.T) {
	md := map[string]string{"region": "eu-west-1", "az": "eu-west-1a"}

	raw, err := encodeMetadata(md)
	require.NoError(t, err)

	decoded, err := decodeMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, md, decoded)
}

func TestEncodeMetadata_NilBecomesEmptyObject(t *testing.T) {
	raw, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestDecodeMetadata_EmptyBytesIsEmptyMap(t *testing.T) {
	decoded, err := decodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, decoded)
}

func TestDecodeMetadata_InvalidJSONErrors(t *testing.T) {
	_, err := decodeMetadata([]byte("not json"))
	assert.Error(t, err)
}
