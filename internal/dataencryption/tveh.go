// Package dataencryption provides the TVEH envelope format shared by the
// encryption providers.
//
// Wire format:
//
//	[4 bytes: 0x54 0x56 0x45 0x48]  "TVEH" magic
//	[varint32: header byte length]
//	[JSON header bytes]              {"v":1,"p":"dek","n":"<base64 nonce>"}
//	[ciphertext bytes]
//
// The header is JSON so that any provider, in any language, can inspect an
// envelope without a schema compiler. Nonce is base64 via encoding/json's
// []byte handling.
package dataencryption

import (
	"encoding/json"
	"fmt"
	"io"
)

var magic = [4]byte{0x54, 0x56, 0x45, 0x48} // "TVEH"

// Header is the decoded TVEH envelope header.
type Header struct {
	Version    uint32 `json:"v"`
	ProviderID string `json:"p"`
	Nonce      []byte `json:"n,omitempty"`
}

// HasMagic reports whether b starts with the TVEH magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// WriteHeader encodes h as a TVEH envelope prefix and writes it to w.
func WriteHeader(w io.Writer, h Header) error {
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("tveh: encoding header: %w", err)
	}
	buf := make([]byte, 4+varintLen(uint32(len(headerBytes)))+len(headerBytes))
	copy(buf[:4], magic[:])
	n := putVarint32(buf[4:], uint32(len(headerBytes)))
	copy(buf[4+n:], headerBytes)
	_, err = w.Write(buf)
	return err
}

// ReadHeader reads the TVEH magic + varint + JSON header from r.
// Returns (header, true, nil) on success, (nil, false, nil) if magic is absent,
// or (nil, true, err) on a read error after the magic has been confirmed present.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var mgc [4]byte
	if _, err := io.ReadFull(r, mgc[:]); err != nil {
		return nil, false, nil // not enough bytes, treat as no magic
	}
	if mgc != magic {
		return nil, false, nil
	}
	headerLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("tveh: reading header length: %w", err)
	}
	// Guard against a crafted envelope advertising a huge header length.
	// Legitimate headers carry a version, a short provider ID, and a 12-byte
	// AES-GCM nonce, all well under 4 KiB.
	const maxHeaderLen = 4096
	if headerLen > maxHeaderLen {
		return nil, true, fmt.Errorf("tveh: header length %d exceeds maximum %d", headerLen, maxHeaderLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, true, fmt.Errorf("tveh: reading header bytes: %w", err)
	}
	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, true, fmt.Errorf("tveh: decoding header: %w", err)
	}
	return &h, true, nil
}

// varint32 helpers for the outer TVEH framing.

func putVarint32(b []byte, v uint32) int {
	n := 0
	for v >= 0x80 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

func varintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readVarint32(r io.Reader) (uint32, error) {
	var v uint32
	var buf [1]byte
	for i := range 5 {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v |= uint32(buf[0]&0x7F) << (7 * uint(i))
		if buf[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("tveh: varint32 overflow")
}
