// Package dataencryption provides the MSEH envelope format and the Service
// that routes field encryption to the configured providers.
//
// Wire format:
//
//	[4 bytes: 0x4D 0x53 0x45 0x48]  "MSEH" magic
//	[uvarint: header byte length]
//	[header bytes]                   protobuf wire format, fields below
//	[ciphertext bytes]               AES-256-GCM, additional data = field id
//
// Header fields: 1 = version (varint), 2 = provider id (bytes),
// 3 = nonce (bytes). Values without the magic prefix are treated as
// plaintext, which lets columns be encrypted in place without a rewrite
// migration.
package dataencryption

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

var magic = [4]byte{0x4D, 0x53, 0x45, 0x48} // "MSEH"

// Envelope header version written by current providers.
const HeaderVersion = 1

const (
	fieldNumVersion    protowire.Number = 1
	fieldNumProviderID protowire.Number = 2
	fieldNumNonce      protowire.Number = 3
)

// Field ids bound into the AEAD additional data. A ciphertext decrypts only
// under the id it was sealed with.
const (
	FieldConversationTitle = "conversation.title"
	FieldEntryContent      = "entry.content"
	FieldAttachmentBlob    = "attachment.blob"
	FieldMemoryValue       = "memory.value"
	FieldMemoryAttributes  = "memory.attributes"
)

// Header is the decoded MSEH envelope header.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// HasMagic reports whether b starts with the MSEH magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// WriteHeader encodes h as an MSEH envelope prefix and writes it to w in a
// single Write call.
func WriteHeader(w io.Writer, h Header) error {
	hdr := appendHeader(nil, h)
	buf := make([]byte, 0, 4+protowire.SizeVarint(uint64(len(hdr)))+len(hdr))
	buf = append(buf, magic[:]...)
	buf = protowire.AppendVarint(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	_, err := w.Write(buf)
	return err
}

func appendHeader(b []byte, h Header) []byte {
	if h.Version != 0 {
		b = protowire.AppendTag(b, fieldNumVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.Version))
	}
	if h.ProviderID != "" {
		b = protowire.AppendTag(b, fieldNumProviderID, protowire.BytesType)
		b = protowire.AppendString(b, h.ProviderID)
	}
	if len(h.Nonce) > 0 {
		b = protowire.AppendTag(b, fieldNumNonce, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Nonce)
	}
	return b
}

// ReadHeader reads the MSEH magic + length + header fields from r.
// Returns (header, true, nil) on success, (nil, false, nil) if the magic is
// absent, or (nil, true, err) on a decode error after the magic has been
// confirmed present. On success r is positioned at the ciphertext.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var mgc [4]byte
	if _, err := io.ReadFull(r, mgc[:]); err != nil {
		return nil, false, nil // shorter than the magic — plaintext
	}
	if mgc != magic {
		return nil, false, nil
	}
	hdrLen, err := readUvarint(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading header length: %w", err)
	}
	// Providers write a version, a short provider id, and a 12-byte AES-GCM
	// nonce — well under 64 bytes. 4 KiB rejects crafted lengths.
	const maxHeaderLen = 4096
	if hdrLen > maxHeaderLen {
		return nil, true, fmt.Errorf("mseh: header length %d exceeds maximum %d", hdrLen, maxHeaderLen)
	}
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, true, fmt.Errorf("mseh: reading header bytes: %w", err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, true, err
	}
	if h.Version != HeaderVersion {
		return nil, true, fmt.Errorf("mseh: unsupported header version %d", h.Version)
	}
	return h, true, nil
}

func parseHeader(raw []byte) (*Header, error) {
	var h Header
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("mseh: decoding header tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		switch {
		case num == fieldNumVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, fmt.Errorf("mseh: decoding version: %w", protowire.ParseError(n))
			}
			h.Version = uint32(v)
			raw = raw[n:]
		case num == fieldNumProviderID && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("mseh: decoding provider id: %w", protowire.ParseError(n))
			}
			h.ProviderID = string(b)
			raw = raw[n:]
		case num == fieldNumNonce && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("mseh: decoding nonce: %w", protowire.ParseError(n))
			}
			h.Nonce = append([]byte(nil), b...)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("mseh: skipping header field %d: %w", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return &h, nil
}

func readUvarint(r io.Reader) (uint64, error) {
	var v uint64
	var buf [1]byte
	for i := 0; i < 10; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v |= uint64(buf[0]&0x7F) << (7 * uint(i))
		if buf[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("mseh: length varint overflow")
}
