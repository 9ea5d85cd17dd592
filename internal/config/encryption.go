package config

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Download tokens are signed with keys derived from the data encryption keys,
// so rotating RECALL_ENCRYPTION_KEY rotates both surfaces together.
const signingKeyInfo = "attachment-download-tokens"

// DecodeEncryptionKey accepts an AES key encoded as hex or base64 (padded or
// raw). The decoded length selects AES-128/192/256.
func DecodeEncryptionKey(raw string) ([]byte, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
	}
	for _, decode := range decoders {
		b, err := decode(value)
		if err != nil {
			continue
		}
		switch len(b) {
		case 16, 24, 32:
			return b, nil
		}
	}
	return nil, fmt.Errorf("key must be hex or base64 encoded 16/24/32-byte value")
}

// DecodeEncryptionKeysCSV parses a comma-separated key list, primary first.
func DecodeEncryptionKeysCSV(raw string) ([][]byte, error) {
	var keys [][]byte
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := DecodeEncryptionKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// AttachmentSigningKeys derives one 32-byte HMAC key per configured encryption
// key via HKDF-SHA256, primary first. Token verification walks the whole list,
// so tokens signed before a key rotation stay valid until they expire.
// Returns (nil, nil) when EncryptionKey is unset.
func (c *Config) AttachmentSigningKeys() ([][]byte, error) {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return nil, nil
	}
	raws, err := DecodeEncryptionKeysCSV(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key list: %w", err)
	}
	keys := make([][]byte, 0, len(raws))
	for _, raw := range raws {
		derived, err := hkdf.Key(sha256.New, raw, nil, signingKeyInfo, 32)
		if err != nil {
			return nil, fmt.Errorf("HKDF derivation failed: %w", err)
		}
		keys = append(keys, derived)
	}
	return keys, nil
}
