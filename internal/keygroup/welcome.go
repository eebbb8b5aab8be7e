package keygroup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/veilmeet/veilmeet/pkg/events"
)

// Welcome carries a group's post-admission secrets to a newly added member,
// sealed to the ephemeral key of the key package the member offered. Only
// the holder of that package's private half can open it.
type Welcome struct {
	GroupID      string `json:"group_id"`
	To           string `json:"to"`
	SenderKey    []byte `json:"sender_key"`
	RecipientKey []byte `json:"recipient_key"`
	Nonce        []byte `json:"nonce"`
	Sealed       []byte `json:"sealed"`
}

// Commit propagates one membership change to the members that were already
// in the group. The new epoch key is sealed per recipient under the key that
// member held in the previous epoch; removed members get no entry.
type Commit struct {
	GroupID string               `json:"group_id"`
	Epoch   uint64               `json:"epoch"`
	Added   []string             `json:"added,omitempty"`
	Removed []string             `json:"removed,omitempty"`
	Sealed  map[string]SealedKey `json:"sealed"`
}

// SealedKey is one recipient's encrypted copy of an epoch key.
type SealedKey struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// groupSecrets is the plaintext of a welcome.
type groupSecrets struct {
	EpochKey []byte       `json:"epoch_key"`
	Epoch    uint64       `json:"epoch"`
	Members  []MemberInfo `json:"members"`
}

// JoinGroup installs group state received in a welcome. The welcome is
// opened with the retained private half of the key package it was sealed
// to; the pending entry is consumed either way the open goes.
func (s *Service) JoinGroup(ctx context.Context, w *Welcome) error {
	if s.identity == nil {
		return ErrNotInitialized
	}
	if w == nil {
		return fmt.Errorf("%w: nil welcome", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := hex.EncodeToString(w.RecipientKey)
	ephPriv, ok := s.pendingEphemeral[ref]
	if !ok {
		return fmt.Errorf("%w: no pending key package for welcome", ErrNotFound)
	}
	delete(s.pendingEphemeral, ref)
	defer zero(ephPriv)

	shared, err := curve25519.X25519(ephPriv, w.SenderKey)
	if err != nil {
		return fmt.Errorf("welcome key agreement: %w", err)
	}
	key, err := deriveWelcomeKey(shared)
	zero(shared)
	if err != nil {
		return err
	}
	plaintext, err := openWithKey(key, w.Nonce, w.Sealed, welcomeAD(w.GroupID, w.To))
	zero(key)
	if err != nil {
		return fmt.Errorf("open welcome: %w", err)
	}

	var secrets groupSecrets
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		zero(plaintext)
		return fmt.Errorf("decode welcome: %w", err)
	}
	zero(plaintext)

	localID := s.identity.ID()
	g := &Group{
		ID:       w.GroupID,
		Epoch:    secrets.Epoch,
		epochKey: secrets.EpochKey,
		members:  make(map[string]*Member, len(secrets.Members)),
	}
	for _, mi := range secrets.Members {
		memberKey, err := deriveMemberKey(g.epochKey, mi.ID)
		if err != nil {
			return err
		}
		g.members[mi.ID] = &Member{
			ID:            mi.ID,
			encryptionKey: memberKey,
			CurrentKeyID:  mi.CurrentKeyID,
			AddedAtEpoch:  mi.AddedAtEpoch,
		}
	}
	if _, ok := g.members[localID]; !ok {
		for _, m := range g.members {
			zero(m.encryptionKey)
		}
		zero(g.epochKey)
		return fmt.Errorf("%w: welcome roster omits local member %q", ErrNotFound, localID)
	}

	if old, ok := s.groups[w.GroupID]; ok {
		for _, m := range old.members {
			zero(m.encryptionKey)
		}
		zero(old.epochKey)
	}
	s.groups[w.GroupID] = g

	slog.InfoContext(ctx, "keygroup: joined group",
		slog.String("group_id", w.GroupID),
		slog.Uint64("epoch", g.Epoch),
		slog.Int("members", len(g.members)))
	s.emit(ctx, events.KeysRotated, w.GroupID, &events.KeysRotatedData{Epoch: g.Epoch, Members: len(g.members)})
	return nil
}

// ApplyCommit advances local group state to the epoch announced by a commit
// from another member. The new epoch key is recovered from the entry sealed
// to the local member under its previous key.
func (s *Service) ApplyCommit(ctx context.Context, c *Commit) error {
	if s.identity == nil {
		return ErrNotInitialized
	}
	if c == nil {
		return fmt.Errorf("%w: nil commit", ErrNotFound)
	}

	s.mu.Lock()
	g, ok := s.groups[c.GroupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %q", ErrNotFound, c.GroupID)
	}
	if c.Epoch != g.Epoch+1 {
		s.mu.Unlock()
		return fmt.Errorf("commit epoch %d does not follow local epoch %d in group %q", c.Epoch, g.Epoch, c.GroupID)
	}

	localID := s.identity.ID()
	local, ok := g.members[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: member %q in group %q", ErrNotFound, localID, c.GroupID)
	}
	sealed, ok := c.Sealed[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: commit carries no key for member %q", ErrNotFound, localID)
	}

	epochKey, err := openWithKey(local.encryptionKey, sealed.Nonce, sealed.Ciphertext, commitAD(c.GroupID, c.Epoch))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open commit: %w", err)
	}

	for _, id := range c.Removed {
		if m, ok := g.members[id]; ok {
			zero(m.encryptionKey)
			delete(g.members, id)
		}
	}
	for _, id := range c.Added {
		g.members[id] = &Member{ID: id, AddedAtEpoch: c.Epoch - 1}
	}

	rotated := make(map[string]*Member, len(g.members))
	for id, m := range g.members {
		memberKey, err := deriveMemberKey(epochKey, id)
		if err != nil {
			s.mu.Unlock()
			zero(epochKey)
			return err
		}
		rotated[id] = &Member{
			ID:            m.ID,
			KeyPackage:    m.KeyPackage,
			encryptionKey: memberKey,
			CurrentKeyID:  uint32(c.Epoch),
			AddedAtEpoch:  m.AddedAtEpoch,
		}
	}
	for _, m := range g.members {
		zero(m.encryptionKey)
	}
	zero(g.epochKey)
	g.epochKey = epochKey
	g.Epoch = c.Epoch
	g.members = rotated
	size := len(g.members)
	s.mu.Unlock()

	slog.InfoContext(ctx, "keygroup: commit applied",
		slog.String("group_id", c.GroupID),
		slog.Uint64("epoch", c.Epoch),
		slog.Int("members", size))
	for _, id := range c.Added {
		s.emit(ctx, events.MemberAdded, c.GroupID, &events.MembershipData{MemberID: id, Epoch: c.Epoch, Members: size})
	}
	for _, id := range c.Removed {
		s.emit(ctx, events.MemberRemoved, c.GroupID, &events.MembershipData{MemberID: id, Epoch: c.Epoch, Members: size})
	}
	s.emit(ctx, events.KeysRotated, c.GroupID, &events.KeysRotatedData{Epoch: c.Epoch, Members: size})
	return nil
}

func buildWelcomeLocked(g *Group, memberID string, kp *KeyPackage) (*Welcome, error) {
	roster := make([]MemberInfo, 0, len(g.members))
	for _, m := range g.members {
		roster = append(roster, MemberInfo{ID: m.ID, CurrentKeyID: m.CurrentKeyID, AddedAtEpoch: m.AddedAtEpoch})
	}
	plaintext, err := json.Marshal(&groupSecrets{
		EpochKey: g.epochKey,
		Epoch:    g.Epoch,
		Members:  roster,
	})
	if err != nil {
		return nil, fmt.Errorf("encode group secrets: %w", err)
	}
	defer zero(plaintext)

	ephPriv := make([]byte, ephemeralKeySize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("generate welcome key: %w", err)
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	defer zero(ephPriv)

	senderKey, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive welcome public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv, kp.EphemeralKey())
	if err != nil {
		return nil, fmt.Errorf("welcome key agreement: %w", err)
	}
	key, err := deriveWelcomeKey(shared)
	zero(shared)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	nonce, ct, err := sealWithKey(key, plaintext, welcomeAD(g.ID, memberID))
	if err != nil {
		return nil, err
	}
	return &Welcome{
		GroupID:      g.ID,
		To:           memberID,
		SenderKey:    senderKey,
		RecipientKey: append([]byte(nil), kp.EphemeralKey()...),
		Nonce:        nonce,
		Sealed:       ct,
	}, nil
}

func buildCommitLocked(g *Group, prev map[string][]byte, added, removed []string) (*Commit, error) {
	sealed := make(map[string]SealedKey, len(prev))
	for id, oldKey := range prev {
		nonce, ct, err := sealWithKey(oldKey, g.epochKey, commitAD(g.ID, g.Epoch))
		if err != nil {
			return nil, err
		}
		sealed[id] = SealedKey{Nonce: nonce, Ciphertext: ct}
	}
	return &Commit{
		GroupID: g.ID,
		Epoch:   g.Epoch,
		Added:   added,
		Removed: removed,
		Sealed:  sealed,
	}, nil
}

func deriveWelcomeKey(shared []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte("welcome"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive welcome key: %w", err)
	}
	return key, nil
}

func welcomeAD(groupID, memberID string) []byte {
	return []byte(groupID + "|" + memberID)
}

func commitAD(groupID string, epoch uint64) []byte {
	return fmt.Appendf([]byte(groupID), "|%d", epoch)
}

func sealWithKey(key, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

func openWithKey(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

func zeroAll(keys map[string][]byte) {
	for _, k := range keys {
		zero(k)
	}
}
