package keygroup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// EncryptionContext identifies the key material used for an out-of-band
// payload. It is carried alongside the ciphertext and authenticated as
// associated data.
type EncryptionContext struct {
	GroupID   string `json:"group_id"`
	SenderID  string `json:"sender_id"`
	KeyID     uint32 `json:"key_id"`
	Timestamp int64  `json:"timestamp"`
}

// GroupMessage is an encrypted non-frame payload (chat, control messages)
// exchanged between group members outside the media path.
type GroupMessage struct {
	Context    EncryptionContext `json:"context"`
	Epoch      uint64            `json:"epoch"`
	Nonce      []byte            `json:"nonce"`
	Ciphertext []byte            `json:"ciphertext"`
}

// EncryptGroupMessage seals a payload under the local member's current
// derived key. The serialized EncryptionContext is the associated data.
func (s *Service) EncryptGroupMessage(groupID string, plaintext []byte) (*GroupMessage, error) {
	if s.identity == nil {
		return nil, ErrNotInitialized
	}
	senderID := s.identity.ID()

	s.mu.RLock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	epoch := g.Epoch
	m, err := s.memberLocked(groupID, senderID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	key := append([]byte(nil), m.encryptionKey...)
	keyID := m.CurrentKeyID
	s.mu.RUnlock()

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	msg := &GroupMessage{
		Context: EncryptionContext{
			GroupID:   groupID,
			SenderID:  senderID,
			KeyID:     keyID,
			Timestamp: time.Now().UnixMilli(),
		},
		Epoch: epoch,
		Nonce: make([]byte, aead.NonceSize()),
	}
	if _, err := rand.Read(msg.Nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ad, err := json.Marshal(msg.Context)
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = aead.Seal(nil, msg.Nonce, plaintext, ad)
	return msg, nil
}

// DecryptGroupMessage opens a payload sealed by another member. The sender
// and key are resolved from the message's EncryptionContext.
func (s *Service) DecryptGroupMessage(groupID string, msg *GroupMessage) ([]byte, error) {
	key, err := s.GetEncryptionKey(groupID, msg.Context.SenderID)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ad, err := json.Marshal(msg.Context)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("open group message from %q (key id %d): %w",
			msg.Context.SenderID, msg.Context.KeyID, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
