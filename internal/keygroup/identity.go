package keygroup

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/rs/xid"
)

// Credential binds an opaque member identity to an Ed25519 verification key.
// It travels inside every KeyPackage so the receiver can verify the package
// signature without any out-of-band key directory.
type Credential struct {
	Identity     []byte `json:"identity"`
	SignatureKey []byte `json:"signature_key"`
}

// Identity is the local client's long-term signing identity. Created once
// per session; immutable afterwards.
type Identity struct {
	id       string
	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey
}

// NewIdentity generates a fresh Ed25519 signing key pair for the given id.
// An empty id gets an auto-generated one.
func NewIdentity(id string) (*Identity, error) {
	if id == "" {
		id = xid.New().String()
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Identity{id: id, signPriv: priv, signPub: pub}, nil
}

// ID returns the identity's opaque string id.
func (i *Identity) ID() string { return i.id }

// Credential returns the public credential for this identity.
func (i *Identity) Credential() Credential {
	return Credential{
		Identity:     []byte(i.id),
		SignatureKey: append([]byte(nil), i.signPub...),
	}
}

func (i *Identity) sign(msg []byte) []byte {
	return ed25519.Sign(i.signPriv, msg)
}

// matches reports whether the credential carries the given identity bytes.
func (c Credential) matches(identity []byte) bool {
	return bytes.Equal(c.Identity, identity)
}
