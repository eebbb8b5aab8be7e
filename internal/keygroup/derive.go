package keygroup

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AEAD key length used for epoch and member keys (AES-256).
const KeySize = 32

// newEpochKey draws a fresh random group secret.
func newEpochKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate epoch key: %w", err)
	}
	return key, nil
}

// deriveMemberKey derives a member-specific AEAD key from the epoch key.
// Every member derives a distinct key from the shared epoch secret, so a
// rotation costs one HKDF expansion per member.
func deriveMemberKey(epochKey []byte, memberID string) ([]byte, error) {
	r := hkdf.New(sha256.New, epochKey, nil, []byte("member-"+memberID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive member key: %w", err)
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
