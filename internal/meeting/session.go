// Package meeting ties the key service, the per-peer transform
// orchestrators, and signaling together into meeting-scoped sessions.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pitabwire/frame/workerpool"

	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/perfmon"
	"github.com/veilmeet/veilmeet/internal/transform"
	"github.com/veilmeet/veilmeet/pkg/events"
)

// ErrSessionClosed is returned for operations on a session that has ended.
var ErrSessionClosed = errors.New("meeting session closed")

// SessionStats is a point-in-time view of one session's health.
type SessionStats struct {
	GroupID       string                              `json:"group_id"`
	Epoch         uint64                              `json:"epoch"`
	Members       int                                 `json:"members"`
	Peers         map[string]string                   `json:"peers"`
	DroppedFrames uint64                              `json:"dropped_frames"`
	Performance   map[perfmon.Operation]perfmon.Stats `json:"performance"`
}

// Session is one meeting on the local client: the group's key state plus
// one transform orchestrator per connected peer.
type Session struct {
	groupID       string
	allowFallback bool

	keys    *keygroup.Service
	sig     transform.Signaler
	pub     *events.Publisher
	monitor *perfmon.Monitor
	pool    workerpool.WorkerPool

	mu     sync.Mutex
	peers  map[string]*transform.Orchestrator
	closed bool
}

func newSession(groupID string, allowFallback bool, keys *keygroup.Service, sig transform.Signaler, pub *events.Publisher, monitor *perfmon.Monitor, pool workerpool.WorkerPool) *Session {
	return &Session{
		groupID:       groupID,
		allowFallback: allowFallback,
		keys:          keys,
		sig:           sig,
		pub:           pub,
		monitor:       monitor,
		pool:          pool,
		peers:         make(map[string]*transform.Orchestrator),
	}
}

// GroupID returns the meeting's group id.
func (s *Session) GroupID() string { return s.groupID }

// HandlePeerJoined stands up the transform pipelines for a newly connected
// peer. When the peer is already a group member the connection activates on
// the shared epoch directly; otherwise the side that dialed initiates the
// key exchange and the other side waits for the offer.
func (s *Session) HandlePeerJoined(ctx context.Context, peerID string, tr transform.FrameTransport, initiate bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := s.peers[peerID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("meeting: peer %q already connected to group %q", peerID, s.groupID)
	}

	o := transform.New(transform.Options{
		GroupID:                  s.groupID,
		PeerID:                   peerID,
		AllowUnencryptedFallback: s.allowFallback,
		Keys:                     s.keys,
		Transport:                tr,
		Signaler:                 s.sig,
		BroadcastCommit:          s.broadcastCommit,
		Publisher:                s.pub,
		Monitor:                  s.monitor,
		Pool:                     s.pool,
	})
	s.peers[peerID] = o
	s.mu.Unlock()

	if err := o.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.peers, peerID)
		s.mu.Unlock()
		return err
	}

	if _, err := s.keys.GetCurrentKeyID(s.groupID, peerID); err == nil {
		// Already sharing the group's epoch through a welcome or commit.
		o.Activate(ctx)
		return nil
	}
	if initiate {
		return o.InitiateKeyExchange(ctx)
	}
	return nil
}

// HandlePeerLeft removes the peer from the group, rotates, tells the
// remaining members, and tears the connection's pipelines down.
func (s *Session) HandlePeerLeft(ctx context.Context, peerID string) error {
	s.mu.Lock()
	o, ok := s.peers[peerID]
	delete(s.peers, peerID)
	s.mu.Unlock()
	if ok {
		o.Close(ctx)
	}

	commit, err := s.keys.RemoveMember(ctx, s.groupID, peerID)
	if err != nil {
		if errors.Is(err, keygroup.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("meeting: remove member %q: %w", peerID, err)
	}
	s.broadcastCommit(ctx, commit)
	s.refreshPeerKeys()
	return nil
}

// HandleKeyExchange routes a handshake message to the peer's orchestrator.
func (s *Session) HandleKeyExchange(ctx context.Context, msg transform.KeyExchangeMessage) error {
	o, err := s.peer(msg.FromPeerID)
	if err != nil {
		return err
	}
	return o.HandleKeyExchange(ctx, msg)
}

// HandleKeyResend routes a key-resend request to the peer's orchestrator.
func (s *Session) HandleKeyResend(ctx context.Context, req transform.KeyResendRequest) error {
	o, err := s.peer(req.FromPeerID)
	if err != nil {
		return err
	}
	return o.HandleKeyResend(ctx, req)
}

// HandleCommit applies a membership change announced by another member and
// re-feeds the rotated keys into every connection.
func (s *Session) HandleCommit(ctx context.Context, msg transform.CommitMessage) error {
	if err := s.keys.ApplyCommit(ctx, msg.Commit); err != nil {
		return fmt.Errorf("meeting: apply commit from %q: %w", msg.FromPeerID, err)
	}
	s.refreshPeerKeys()
	return nil
}

// PeerState reports the encryption state of one peer connection.
func (s *Session) PeerState(peerID string) (transform.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.peers[peerID]
	if !ok {
		return transform.StateUninitialized, false
	}
	return o.State(), true
}

// PeerEncrypted reports whether media to and from the peer is sealed.
func (s *Session) PeerEncrypted(peerID string) bool {
	state, ok := s.PeerState(peerID)
	return ok && state == transform.StateActive
}

// Stats snapshots the session's group and pipeline health.
func (s *Session) Stats() SessionStats {
	stats := SessionStats{
		GroupID: s.groupID,
		Peers:   make(map[string]string),
	}
	if info, err := s.keys.GroupInfo(s.groupID); err == nil {
		stats.Epoch = info.Epoch
		stats.Members = len(info.Members)
	}
	s.mu.Lock()
	for id, o := range s.peers {
		stats.Peers[id] = o.State().String()
	}
	s.mu.Unlock()
	if s.monitor != nil {
		stats.DroppedFrames = s.monitor.DroppedFrames()
		stats.Performance = s.monitor.Snapshot()
	}
	return stats
}

// Close ends the meeting locally: every connection is torn down and the
// group's key material is discarded.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*transform.Orchestrator, 0, len(s.peers))
	for _, o := range s.peers {
		peers = append(peers, o)
	}
	s.peers = make(map[string]*transform.Orchestrator)
	s.mu.Unlock()

	for _, o := range peers {
		o.Close(ctx)
	}
	if err := s.keys.CloseGroup(ctx, s.groupID); err != nil && !errors.Is(err, keygroup.ErrNotFound) {
		return err
	}
	slog.InfoContext(ctx, "meeting: session closed", slog.String("group_id", s.groupID))
	return nil
}

func (s *Session) peer(peerID string) (*transform.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	o, ok := s.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: no connection to peer %q in group %q", keygroup.ErrNotFound, peerID, s.groupID)
	}
	return o, nil
}

// broadcastCommit delivers a membership commit to every member it was
// sealed for.
func (s *Session) broadcastCommit(ctx context.Context, c *keygroup.Commit) {
	localID := s.keys.LocalMemberID()
	for recipient := range c.Sealed {
		if recipient == localID {
			continue
		}
		msg := transform.CommitMessage{
			FromPeerID: localID,
			ToPeerID:   recipient,
			GroupID:    s.groupID,
			Commit:     c,
		}
		if err := s.sig.SendCommit(ctx, msg); err != nil {
			slog.WarnContext(ctx, "meeting: commit delivery failed",
				slog.String("group_id", s.groupID),
				slog.String("recipient", recipient),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Session) refreshPeerKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.peers {
		o.RefreshKeys()
	}
}
