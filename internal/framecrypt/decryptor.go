package framecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"
)

// ErrKeyMiss marks frames received under a key id the decryptor does not
// hold yet.
var ErrKeyMiss = errors.New("no key for received key id")

// KeyLookup resolves a key by id when the local cache misses, typically
// straight from the group key service. ok=false if the key is unknown there
// too.
type KeyLookup func(keyID uint8) (key []byte, ok bool)

// KeyRequestFunc is invoked when a frame arrives under a key the decryptor
// cannot resolve, so the orchestration layer can solicit it out of band.
// Invoked at most once per distinct missing key id until that key arrives.
type KeyRequestFunc func(senderHash uint64, keyID uint8)

// Decryptor opens inbound media frames. It holds a small key cache because
// frames can arrive out of order across rotation boundaries; keys are added
// explicitly and never evicted here (eviction is an orchestration policy).
type Decryptor struct {
	mu           sync.Mutex
	keys         map[uint8]cipher.AEAD
	requested    map[uint8]bool
	lookup       KeyLookup
	onKeyRequest KeyRequestFunc
	onError      ErrorFunc
}

// NewDecryptor creates a decryptor. lookup, onKeyRequest, and onError may
// each be nil.
func NewDecryptor(lookup KeyLookup, onKeyRequest KeyRequestFunc, onError ErrorFunc) *Decryptor {
	return &Decryptor{
		keys:         make(map[uint8]cipher.AEAD),
		requested:    make(map[uint8]bool),
		lookup:       lookup,
		onKeyRequest: onKeyRequest,
		onError:      onError,
	}
}

// AddKey installs a key for the given id, additively. Clears any pending
// key request for that id.
func (d *Decryptor) AddKey(keyID uint8, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	d.mu.Lock()
	d.keys[keyID] = aead
	delete(d.requested, keyID)
	d.mu.Unlock()
	return nil
}

// HasKey reports whether a key is cached for the id.
func (d *Decryptor) HasKey(keyID uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[keyID]
	return ok
}

// Decrypt opens one frame payload.
//
// Payloads without a valid header pass through unchanged, which keeps mixed
// encrypted/unencrypted streams working during ramp-up. A key miss or an
// authentication failure drops the frame: ok=false tells the caller to
// discard it rather than deliver undecryptable media. The plaintext cannot
// serve as the drop signal because a sealed zero-length frame opens to an
// empty slice. Errors never propagate past this boundary.
func (d *Decryptor) Decrypt(payload []byte) ([]byte, bool) {
	if !IsEncrypted(payload) {
		return payload, true
	}

	h, err := parseHeader(payload)
	if err != nil {
		// IsEncrypted guarantees the length; treat as foreign anyway.
		return payload, true
	}

	d.mu.Lock()
	aead, ok := d.keys[h.keyID]
	if !ok && d.lookup != nil {
		if key, found := d.lookup(h.keyID); found {
			d.mu.Unlock()
			if err := d.AddKey(h.keyID, key); err != nil {
				d.report(err)
				return nil, false
			}
			d.mu.Lock()
			aead, ok = d.keys[h.keyID]
		}
	}
	if !ok {
		request := !d.requested[h.keyID]
		if request {
			d.requested[h.keyID] = true
		}
		d.mu.Unlock()
		if request && d.onKeyRequest != nil {
			d.onKeyRequest(h.senderHash, h.keyID)
		}
		d.report(fmt.Errorf("%w: key id %d, sender %#x", ErrKeyMiss, h.keyID, h.senderHash))
		return nil, false
	}
	d.mu.Unlock()

	plaintext, err := aead.Open(nil, h.nonce[:], payload[HeaderSize:], payload[:adSize])
	if err != nil {
		d.report(fmt.Errorf("%w: key id %d, sender %#x: %v", ErrCryptoFailure, h.keyID, h.senderHash, err))
		return nil, false
	}
	return plaintext, true
}

func (d *Decryptor) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}
