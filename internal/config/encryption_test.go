package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncryptionKey(t *testing.T) {
	key, err := DecodeEncryptionKey("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	require.Len(t, key, 16)

	raw := []byte("0123456789abcdef0123456789abcdef")
	key, err = DecodeEncryptionKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, key)

	key, err = DecodeEncryptionKey(base64.RawStdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, key)

	_, err = DecodeEncryptionKey("too-short")
	require.Error(t, err)
	_, err = DecodeEncryptionKey("  ")
	require.Error(t, err)
}

func TestDecodeEncryptionKeysCSV(t *testing.T) {
	keys, err := DecodeEncryptionKeysCSV("00112233445566778899aabbccddeeff, ffeeddccbbaa99887766554433221100 ,")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.NotEqual(t, keys[0], keys[1])
}

func TestAttachmentSigningKeys(t *testing.T) {
	cfg := Config{}
	keys, err := cfg.AttachmentSigningKeys()
	require.NoError(t, err)
	require.Nil(t, keys)

	cfg.EncryptionKey = "00112233445566778899aabbccddeeff,ffeeddccbbaa99887766554433221100"
	keys, err = cfg.AttachmentSigningKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Len(t, keys[0], 32)
	require.NotEqual(t, keys[0], keys[1])

	// Derivation is deterministic so verification across restarts works.
	again, err := cfg.AttachmentSigningKeys()
	require.NoError(t, err)
	require.Equal(t, keys, again)
}
