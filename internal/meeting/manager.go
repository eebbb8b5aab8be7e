package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/perfmon"
	"github.com/veilmeet/veilmeet/internal/transform"
	"github.com/veilmeet/veilmeet/pkg/events"
)

// Signal kinds carried by the signaling channel's envelope.
const (
	SignalKeyExchange = "key_exchange"
	SignalKeyResend   = "key_resend"
	SignalCommit      = "commit"
)

// SignalEnvelope is the wire wrapper for inbound signaling payloads.
type SignalEnvelope struct {
	Kind    string          `json:"kind"`
	GroupID string          `json:"group_id"`
	Payload json.RawMessage `json:"payload"`
}

// ManagerConfig carries the collaborators shared by every session.
type ManagerConfig struct {
	AllowUnencryptedFallback bool

	Keys      *keygroup.Service
	Signaler  transform.Signaler
	Publisher *events.Publisher
	Monitor   *perfmon.Monitor
	Pool      workerpool.WorkerPool
}

// Manager owns the client's meeting sessions, one per group.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// CreateSession starts a new meeting with the local member as the group's
// first participant.
func (m *Manager) CreateSession(ctx context.Context, groupID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[groupID]; exists {
		return nil, fmt.Errorf("%w: %q", keygroup.ErrGroupExists, groupID)
	}
	if err := m.cfg.Keys.CreateGroup(ctx, groupID); err != nil {
		return nil, err
	}
	s := m.newSessionLocked(groupID)
	return s, nil
}

// JoinSession prepares a session for a meeting someone else created. The
// group state itself arrives with the welcome during the first key exchange.
func (m *Manager) JoinSession(_ context.Context, groupID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[groupID]; exists {
		return nil, fmt.Errorf("%w: %q", keygroup.ErrGroupExists, groupID)
	}
	return m.newSessionLocked(groupID), nil
}

// GetSession returns the session for the group, if any.
func (m *Manager) GetSession(groupID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[groupID]
	return s, ok
}

// CloseSession ends one meeting.
func (m *Manager) CloseSession(ctx context.Context, groupID string) error {
	m.mu.Lock()
	s, ok := m.sessions[groupID]
	delete(m.sessions, groupID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: group %q", keygroup.ErrNotFound, groupID)
	}
	return s.Close(ctx)
}

// Close ends every meeting.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			util.Log(ctx).WithError(err).Error("meeting: session close failed")
		}
	}
}

// Stats snapshots every session.
func (m *Manager) Stats() map[string]SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SessionStats, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.Stats()
	}
	return out
}

// HandleSignal decodes one signaling envelope and routes it to the session
// it belongs to.
func (m *Manager) HandleSignal(ctx context.Context, raw []byte) error {
	log := util.Log(ctx)

	var env SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.WithError(err).Error("meeting: malformed signal envelope")
		return fmt.Errorf("decode signal envelope: %w", err)
	}

	s, ok := m.GetSession(env.GroupID)
	if !ok {
		return fmt.Errorf("%w: group %q", keygroup.ErrNotFound, env.GroupID)
	}

	switch env.Kind {
	case SignalKeyExchange:
		var msg transform.KeyExchangeMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.WithError(err).Error("meeting: malformed key exchange payload")
			return fmt.Errorf("decode key exchange: %w", err)
		}
		return s.HandleKeyExchange(ctx, msg)
	case SignalKeyResend:
		var req transform.KeyResendRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.WithError(err).Error("meeting: malformed key resend payload")
			return fmt.Errorf("decode key resend: %w", err)
		}
		return s.HandleKeyResend(ctx, req)
	case SignalCommit:
		var msg transform.CommitMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			log.WithError(err).Error("meeting: malformed commit payload")
			return fmt.Errorf("decode commit: %w", err)
		}
		return s.HandleCommit(ctx, msg)
	default:
		return fmt.Errorf("unknown signal kind %q", env.Kind)
	}
}

func (m *Manager) newSessionLocked(groupID string) *Session {
	s := newSession(groupID, m.cfg.AllowUnencryptedFallback, m.cfg.Keys, m.cfg.Signaler, m.cfg.Publisher, m.cfg.Monitor, m.cfg.Pool)
	m.sessions[groupID] = s
	return s
}
