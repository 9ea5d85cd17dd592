package dataencryption_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recallio/recall/internal/dataencryption"
)

// TestHeaderRoundTrip verifies WriteHeader and ReadHeader are inverses.
func TestHeaderRoundTrip(t *testing.T) {
	headers := []dataencryption.Header{
		{Version: 1, ProviderID: "dek", Nonce: make([]byte, 12)},
		{Version: 1, ProviderID: "vault", Nonce: bytes.Repeat([]byte{0xAB}, 12)},
		{Version: 1, ProviderID: "kms", Nonce: nil},
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

func TestHasMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version: 1, ProviderID: "dek", Nonce: make([]byte, 12),
	}))
	ciphertext := append(buf.Bytes(), []byte("payload")...)

	require.True(t, dataencryption.HasMagic(ciphertext))
	require.False(t, dataencryption.HasMagic([]byte("not MSEH")))
	require.False(t, dataencryption.HasMagic(nil))
	require.False(t, dataencryption.HasMagic([]byte{0x4D, 0x53})) // too short
}

// Non-MSEH data must come back as (nil, false, nil) so callers treat it as
// plaintext instead of failing.
func TestReadHeaderNoMagic(t *testing.T) {
	h, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader([]byte("plaintext data")))
	require.NoError(t, err)
	require.False(t, hasMagic)
	require.Nil(t, h)

	h, hasMagic, err = dataencryption.ReadHeader(bytes.NewReader(nil))
	require.NoError(t, err)
	require.False(t, hasMagic)
	require.Nil(t, h)
}

// TestWireFormat pins the exact byte layout so other readers of the column can
// rely on it.
func TestWireFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version:    1,
		ProviderID: "dek",
		Nonce:      make([]byte, 12),
	}))
	b := buf.Bytes()

	require.Equal(t, []byte{0x4D, 0x53, 0x45, 0x48}, b[:4]) // "MSEH"
	require.Equal(t, byte(21), b[4])                        // header byte length

	hdr := []byte{0x08, 0x01}                       // field 1 varint: version 1
	hdr = append(hdr, 0x12, 0x03, 'd', 'e', 'k')    // field 2 bytes: provider id
	hdr = append(hdr, 0x1A, 0x0C)                   // field 3 bytes: 12-byte nonce
	hdr = append(hdr, make([]byte, 12)...)
	require.Equal(t, hdr, b[5:])
	require.Len(t, b, 26)
}

// Magic followed by a truncated header is an error, not plaintext: the magic
// was present so the caller must know the envelope is corrupt.
func TestReadHeaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version: 1, ProviderID: "dek", Nonce: make([]byte, 12),
	}))
	truncated := buf.Bytes()[:7]

	h, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader(truncated))
	require.Error(t, err)
	require.True(t, hasMagic)
	require.Nil(t, h)
}

func TestReadHeaderUnknownVersion(t *testing.T) {
	// magic + length 2 + field 1 varint: version 9
	raw := []byte{0x4D, 0x53, 0x45, 0x48, 0x02, 0x08, 0x09}
	h, hasMagic, err := dataencryption.ReadHeader(bytes.NewReader(raw))
	require.Error(t, err)
	require.True(t, hasMagic)
	require.Nil(t, h)
}
