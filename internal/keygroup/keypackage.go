package keygroup

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPackageVersion is the serialization version byte appended to the
// signed payload of every key package.
const KeyPackageVersion = 0x01

const ephemeralKeySize = 32

// KeyPackage is a signed bundle proving identity and offering an ephemeral
// X25519 public key. It is consumed once by the receiving key service to
// admit a member to a group.
//
// Data layout: identity bytes || 32-byte ephemeral public key || version byte.
type KeyPackage struct {
	Data       []byte     `json:"data"`
	Signature  []byte     `json:"signature"`
	Credential Credential `json:"credential"`
}

// newKeyPackage builds and signs a key package for the identity. A fresh
// ephemeral key-exchange pair is generated per package; the private half is
// retained by the issuing service so a later welcome message can be opened.
func newKeyPackage(id *Identity) (*KeyPackage, []byte, error) {
	ephPriv := make([]byte, ephemeralKeySize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	// Clamp per RFC 7748.
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	identity := []byte(id.ID())
	data := make([]byte, 0, len(identity)+ephemeralKeySize+1)
	data = append(data, identity...)
	data = append(data, ephPub...)
	data = append(data, KeyPackageVersion)

	kp := &KeyPackage{
		Data:       data,
		Signature:  id.sign(data),
		Credential: id.Credential(),
	}
	return kp, ephPriv, nil
}

// Verify checks the package's structure and its signature against the
// embedded credential's verification key.
func (kp *KeyPackage) Verify() error {
	if len(kp.Data) < ephemeralKeySize+2 {
		return fmt.Errorf("%w: truncated data (%d bytes)", ErrInvalidSignature, len(kp.Data))
	}
	if kp.Data[len(kp.Data)-1] != KeyPackageVersion {
		return fmt.Errorf("%w: unsupported version %#x", ErrInvalidSignature, kp.Data[len(kp.Data)-1])
	}
	if len(kp.Credential.SignatureKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad verification key size", ErrInvalidSignature)
	}
	identity := kp.Data[:len(kp.Data)-ephemeralKeySize-1]
	if !kp.Credential.matches(identity) {
		return fmt.Errorf("%w: identity does not match credential", ErrInvalidSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(kp.Credential.SignatureKey), kp.Data, kp.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// MemberID returns the identity string carried in the package data.
func (kp *KeyPackage) MemberID() string {
	if len(kp.Data) < ephemeralKeySize+1 {
		return ""
	}
	return string(kp.Data[:len(kp.Data)-ephemeralKeySize-1])
}

// EphemeralKey returns the offered X25519 public key.
func (kp *KeyPackage) EphemeralKey() []byte {
	if len(kp.Data) < ephemeralKeySize+1 {
		return nil
	}
	start := len(kp.Data) - ephemeralKeySize - 1
	return kp.Data[start : start+ephemeralKeySize]
}
