package framecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCryptoFailure wraps AEAD failures, including authentication-tag
// mismatches on decrypt.
var ErrCryptoFailure = errors.New("frame crypto failure")

// KeyFetch returns the current encryption key and key id for the local
// sender, or ok=false if no key exists yet (before key exchange completes).
type KeyFetch func() (key []byte, keyID uint32, ok bool)

// ErrorFunc receives per-frame errors. Called from the frame path; must not
// block.
type ErrorFunc func(err error)

// Encryptor seals outbound media frames. One instance serves one peer
// connection's send path; the nonce is derived from a per-instance frame
// counter that resets on every key update, so frames must be encrypted in
// order by a single goroutine (the transform context guarantees this; the
// mutex only guards key swaps against in-flight frames).
type Encryptor struct {
	mu         sync.Mutex
	senderHash uint64
	aead       cipher.AEAD
	keyID      uint32
	key        []byte
	counter    uint64
	fetch      KeyFetch
	onError    ErrorFunc
}

// NewEncryptor creates an encryptor for the given sender. fetch supplies
// the current key when none is cached yet; onError may be nil.
func NewEncryptor(senderID string, fetch KeyFetch, onError ErrorFunc) *Encryptor {
	return &Encryptor{
		senderHash: SenderHash(senderID),
		fetch:      fetch,
		onError:    onError,
	}
}

// UpdateKey replaces the current key and resets the frame counter. Called
// by the orchestration layer on every rotation. Re-pushing the key already
// in use is a no-op: the counter must keep advancing, since resetting it
// under an unchanged key would reuse GCM nonces.
func (e *Encryptor) UpdateKey(keyID uint32, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateKeyLocked(keyID, key)
}

// KeyID returns the current key id.
func (e *Encryptor) KeyID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyID
}

// Encrypt seals one frame payload and returns header || ciphertext.
//
// With no key available the original payload is returned untouched: an
// explicit degraded-mode fallback during call ramp-up, not an error. On any
// cryptographic failure the original payload is also returned untouched and
// the error is reported through the callback; a bad frame must never
// corrupt the media path.
func (e *Encryptor) Encrypt(payload []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aead == nil {
		if e.fetch != nil {
			if key, keyID, ok := e.fetch(); ok {
				if err := e.updateKeyLocked(keyID, key); err != nil {
					e.report(err)
					return payload
				}
			}
		}
		if e.aead == nil {
			slog.Debug("framecrypt: no key yet, passing frame through unencrypted",
				slog.Uint64("sender_hash", e.senderHash))
			return payload
		}
	}

	h := header{
		version:    Version,
		keyID:      uint8(e.keyID),
		senderHash: e.senderHash,
		timestamp:  uint32(time.Now().UnixMilli()),
	}
	// Monotonic counter in the low-order bytes of the nonce.
	binary.BigEndian.PutUint64(h.nonce[NonceSize-8:], e.counter)
	e.counter++

	hdr := h.marshal()
	out := make([]byte, 0, HeaderSize+len(payload)+e.aead.Overhead())
	out = append(out, hdr...)
	return e.aead.Seal(out, h.nonce[:], payload, hdr[:adSize])
}

func (e *Encryptor) updateKeyLocked(keyID uint32, key []byte) error {
	if e.aead != nil && keyID == e.keyID && bytes.Equal(key, e.key) {
		return nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	e.aead = aead
	e.keyID = keyID
	e.key = append(e.key[:0], key...)
	e.counter = 0
	return nil
}

func (e *Encryptor) report(err error) {
	if e.onError != nil {
		e.onError(err)
	}
}
