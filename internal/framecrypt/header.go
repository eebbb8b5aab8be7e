// Package framecrypt implements the per-frame AEAD cipher of the encrypted
// media path. Each frame carries a fixed header followed by AES-GCM
// ciphertext; the header minus its nonce is authenticated as associated
// data, so key id, sender, and timestamp cannot be forged without detection.
package framecrypt

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// Version is the wire format version byte every encrypted frame starts with.
	Version = 0x01

	// HeaderSize is the full per-frame header length in bytes.
	HeaderSize = 26

	// NonceSize is the AEAD nonce length.
	NonceSize = 12

	// adSize is the length of the authenticated prefix (header minus nonce).
	adSize = HeaderSize - NonceSize
)

// header is the parsed per-frame prefix. All integers are big-endian on
// the wire:
//
//	[0]     version
//	[1]     key id (low byte of the sender's current key id)
//	[2:10]  truncated SHA-256 of the sender id
//	[10:14] wall-clock milliseconds, truncated to 32 bits
//	[14:26] nonce
type header struct {
	version    byte
	keyID      uint8
	senderHash uint64
	timestamp  uint32
	nonce      [NonceSize]byte
}

func (h *header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.version
	buf[1] = h.keyID
	binary.BigEndian.PutUint64(buf[2:10], h.senderHash)
	binary.BigEndian.PutUint32(buf[10:14], h.timestamp)
	copy(buf[14:], h.nonce[:])
	return buf
}

func parseHeader(payload []byte) (*header, error) {
	if len(payload) < HeaderSize {
		return nil, fmt.Errorf("payload too short for header: %d bytes", len(payload))
	}
	h := &header{
		version:    payload[0],
		keyID:      payload[1],
		senderHash: binary.BigEndian.Uint64(payload[2:10]),
		timestamp:  binary.BigEndian.Uint32(payload[10:14]),
	}
	copy(h.nonce[:], payload[14:HeaderSize])
	return h, nil
}

// SenderHash returns the truncated sender identifier carried in frame
// headers: the first 8 bytes of a SHA-256 of the sender id string.
func SenderHash(senderID string) uint64 {
	sum := sha256.Sum256([]byte(senderID))
	return binary.BigEndian.Uint64(sum[:8])
}

// IsEncrypted reports whether a payload looks like one of our encrypted
// frames. Anything shorter than the header or with a foreign version byte
// is treated as unencrypted passthrough media.
func IsEncrypted(payload []byte) bool {
	return len(payload) >= HeaderSize && payload[0] == Version
}
