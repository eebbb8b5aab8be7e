package keygroup

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veilmeet/veilmeet/pkg/events"
)

// Member is one participant of a group. A Member record is immutable once
// written; rotations replace the record rather than mutating it.
type Member struct {
	ID            string
	KeyPackage    *KeyPackage
	encryptionKey []byte
	CurrentKeyID  uint32
	AddedAtEpoch  uint64
}

// Group holds per-meeting cryptographic state: the epoch counter, the
// current epoch key, and every member's derived key.
type Group struct {
	ID       string
	Epoch    uint64
	epochKey []byte
	members  map[string]*Member
}

// GroupInfo is a read-only snapshot of a group for external reporting.
type GroupInfo struct {
	ID      string       `json:"id"`
	Epoch   uint64       `json:"epoch"`
	Members []MemberInfo `json:"members"`
}

// MemberInfo is a read-only snapshot of one member.
type MemberInfo struct {
	ID           string `json:"id"`
	CurrentKeyID uint32 `json:"current_key_id"`
	AddedAtEpoch uint64 `json:"added_at_epoch"`
}

// Service owns all group key state for the local client. Membership
// mutations are serialized by a single writer lock so epoch increments stay
// monotonic; key lookups take the read lock and return copies.
type Service struct {
	mu       sync.RWMutex
	identity *Identity
	groups   map[string]*Group
	// pendingEphemeral maps the public half of an issued key package's
	// ephemeral key to its private half, kept until a welcome arrives.
	pendingEphemeral map[string][]byte
	pub              *events.Publisher
}

// NewService creates a key service for the given local identity.
// The publisher may be nil; membership events are then skipped.
func NewService(identity *Identity, pub *events.Publisher) *Service {
	return &Service{
		identity:         identity,
		groups:           make(map[string]*Group),
		pendingEphemeral: make(map[string][]byte),
		pub:              pub,
	}
}

// Identity returns the local identity, or nil before initialization.
func (s *Service) Identity() *Identity { return s.identity }

// LocalMemberID returns the local member id, or "" before initialization.
func (s *Service) LocalMemberID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.ID()
}

// CreateGroup initializes group state for a new meeting: a fresh epoch key
// at epoch 0 with the local member as the only participant.
func (s *Service) CreateGroup(ctx context.Context, groupID string) error {
	if s.identity == nil {
		return ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[groupID]; exists {
		return fmt.Errorf("%w: %q", ErrGroupExists, groupID)
	}

	epochKey, err := newEpochKey()
	if err != nil {
		return err
	}

	kp, ephPriv, err := newKeyPackage(s.identity)
	if err != nil {
		return err
	}
	zero(ephPriv)

	localID := s.identity.ID()
	memberKey, err := deriveMemberKey(epochKey, localID)
	if err != nil {
		return err
	}

	g := &Group{
		ID:       groupID,
		Epoch:    0,
		epochKey: epochKey,
		members: map[string]*Member{
			localID: {
				ID:            localID,
				KeyPackage:    kp,
				encryptionKey: memberKey,
				CurrentKeyID:  0,
				AddedAtEpoch:  0,
			},
		},
	}
	s.groups[groupID] = g

	slog.InfoContext(ctx, "keygroup: group created",
		slog.String("group_id", groupID), slog.String("member_id", localID))
	s.emit(ctx, events.GroupCreated, groupID, &events.GroupCreatedData{LocalMemberID: localID})
	return nil
}

// GenerateKeyPackage builds a fresh signed key package for the local
// identity, for handing to a new peer during connection setup. The private
// half of the package's ephemeral key is retained so the welcome sealed to
// this package can later be opened by JoinGroup.
func (s *Service) GenerateKeyPackage() (*KeyPackage, error) {
	if s.identity == nil {
		return nil, ErrNotInitialized
	}
	kp, ephPriv, err := newKeyPackage(s.identity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pendingEphemeral[hex.EncodeToString(kp.EphemeralKey())] = ephPriv
	s.mu.Unlock()
	return kp, nil
}

// ExportKeyPackage re-exposes GenerateKeyPackage under the name used by the
// key-exchange handshake.
func (s *Service) ExportKeyPackage() (*KeyPackage, error) {
	return s.GenerateKeyPackage()
}

// AddMember verifies the key package, admits the member, and rotates the
// group so the new member cannot decrypt frames from earlier epochs. It
// returns a Welcome for the new member carrying the post-rotation group
// secrets sealed to the package's ephemeral key, and a Commit for the
// remaining members carrying the new epoch key sealed under each member's
// previous key.
func (s *Service) AddMember(ctx context.Context, groupID, memberID string, kp *KeyPackage) (*Welcome, *Commit, error) {
	if kp == nil {
		return nil, nil, fmt.Errorf("%w: nil key package", ErrInvalidSignature)
	}
	if err := kp.Verify(); err != nil {
		slog.WarnContext(ctx, "keygroup: key package rejected",
			slog.String("group_id", groupID),
			slog.String("member_id", memberID),
			slog.String("error", err.Error()))
		return nil, nil, err
	}

	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}

	prev := s.snapshotMemberKeysLocked(g, memberID)

	memberKey, err := deriveMemberKey(g.epochKey, memberID)
	if err != nil {
		s.mu.Unlock()
		zeroAll(prev)
		return nil, nil, err
	}

	if old, ok := g.members[memberID]; ok {
		zero(old.encryptionKey)
	}
	g.members[memberID] = &Member{
		ID:            memberID,
		KeyPackage:    kp,
		encryptionKey: memberKey,
		CurrentKeyID:  uint32(g.Epoch),
		AddedAtEpoch:  g.Epoch,
	}

	if err := s.rotateKeysLocked(g); err != nil {
		delete(g.members, memberID)
		s.mu.Unlock()
		zeroAll(prev)
		return nil, nil, err
	}

	welcome, err := buildWelcomeLocked(g, memberID, kp)
	if err != nil {
		s.mu.Unlock()
		zeroAll(prev)
		return nil, nil, err
	}
	commit, err := buildCommitLocked(g, prev, []string{memberID}, nil)
	zeroAll(prev)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	epoch := g.Epoch
	size := len(g.members)
	s.mu.Unlock()

	slog.InfoContext(ctx, "keygroup: member added",
		slog.String("group_id", groupID),
		slog.String("member_id", memberID),
		slog.Uint64("epoch", epoch))
	s.emit(ctx, events.MemberAdded, groupID, &events.MembershipData{MemberID: memberID, Epoch: epoch, Members: size})
	s.emit(ctx, events.KeysRotated, groupID, &events.KeysRotatedData{Epoch: epoch, Members: size})
	return welcome, commit, nil
}

// RemoveMember deletes the member and rotates the group so the departed
// member cannot decrypt frames from later epochs. The returned Commit
// carries the new epoch key for the remaining members; the removed member
// gets no entry.
func (s *Service) RemoveMember(ctx context.Context, groupID, memberID string) (*Commit, error) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	m, ok := g.members[memberID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: member %q in group %q", ErrNotFound, memberID, groupID)
	}

	prev := s.snapshotMemberKeysLocked(g, memberID)

	zero(m.encryptionKey)
	delete(g.members, memberID)

	if err := s.rotateKeysLocked(g); err != nil {
		s.mu.Unlock()
		zeroAll(prev)
		return nil, err
	}
	commit, err := buildCommitLocked(g, prev, nil, []string{memberID})
	zeroAll(prev)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	epoch := g.Epoch
	size := len(g.members)
	s.mu.Unlock()

	slog.InfoContext(ctx, "keygroup: member removed",
		slog.String("group_id", groupID),
		slog.String("member_id", memberID),
		slog.Uint64("epoch", epoch))
	s.emit(ctx, events.MemberRemoved, groupID, &events.MembershipData{MemberID: memberID, Epoch: epoch, Members: size})
	s.emit(ctx, events.KeysRotated, groupID, &events.KeysRotatedData{Epoch: epoch, Members: size})
	return commit, nil
}

// snapshotMemberKeysLocked copies the current derived keys of every member
// except the local member and the given ids, for sealing a commit before the
// rotation replaces them.
func (s *Service) snapshotMemberKeysLocked(g *Group, except ...string) map[string][]byte {
	skip := map[string]bool{s.identity.ID(): true}
	for _, id := range except {
		skip[id] = true
	}
	prev := make(map[string][]byte, len(g.members))
	for id, m := range g.members {
		if skip[id] {
			continue
		}
		prev[id] = append([]byte(nil), m.encryptionKey...)
	}
	return prev
}

// rotateKeysLocked generates a new epoch key, increments the epoch, and
// re-derives every remaining member's key. Unconditional and total: every
// rotation touches every member's effective key, which is what bounds
// decryption ability to a single epoch.
func (s *Service) rotateKeysLocked(g *Group) error {
	epochKey, err := newEpochKey()
	if err != nil {
		return err
	}

	rotated := make(map[string]*Member, len(g.members))
	for id, m := range g.members {
		key, err := deriveMemberKey(epochKey, id)
		if err != nil {
			return err
		}
		rotated[id] = &Member{
			ID:            m.ID,
			KeyPackage:    m.KeyPackage,
			encryptionKey: key,
			CurrentKeyID:  m.CurrentKeyID + 1,
			AddedAtEpoch:  m.AddedAtEpoch,
		}
	}
	for _, m := range g.members {
		zero(m.encryptionKey)
	}
	zero(g.epochKey)

	g.epochKey = epochKey
	g.Epoch++
	g.members = rotated
	return nil
}

// GetEncryptionKey returns a copy of the member's current derived key, or
// ErrNotFound if the group or member is absent.
func (s *Service) GetEncryptionKey(groupID, memberID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.memberLocked(groupID, memberID)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.encryptionKey...), nil
}

// GetCurrentKeyID returns the member's current key id.
func (s *Service) GetCurrentKeyID(groupID, memberID string) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.memberLocked(groupID, memberID)
	if err != nil {
		return 0, err
	}
	return m.CurrentKeyID, nil
}

// Epoch returns the group's current epoch.
func (s *Service) Epoch(groupID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	return g.Epoch, nil
}

// GroupInfo returns a snapshot of the group's membership.
func (s *Service) GroupInfo(groupID string) (*GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	info := &GroupInfo{ID: g.ID, Epoch: g.Epoch, Members: make([]MemberInfo, 0, len(g.members))}
	for _, m := range g.members {
		info.Members = append(info.Members, MemberInfo{
			ID:           m.ID,
			CurrentKeyID: m.CurrentKeyID,
			AddedAtEpoch: m.AddedAtEpoch,
		})
	}
	return info, nil
}

// CloseGroup discards all key material for the group.
func (s *Service) CloseGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	for _, m := range g.members {
		zero(m.encryptionKey)
	}
	zero(g.epochKey)
	delete(s.groups, groupID)
	s.mu.Unlock()

	slog.InfoContext(ctx, "keygroup: group closed", slog.String("group_id", groupID))
	s.emit(ctx, events.GroupClosed, groupID, nil)
	return nil
}

func (s *Service) memberLocked(groupID, memberID string) (*Member, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %q", ErrNotFound, groupID)
	}
	m, ok := g.members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: member %q in group %q", ErrNotFound, memberID, groupID)
	}
	return m, nil
}

func (s *Service) emit(ctx context.Context, t events.EventType, groupID string, data interface{}) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Emit(ctx, t, groupID, data); err != nil {
		slog.WarnContext(ctx, "keygroup: emit event failed",
			slog.String("event_type", string(t)), slog.String("error", err.Error()))
	}
}
