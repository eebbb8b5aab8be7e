package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	GroupCreated    EventType = "group.created"
	GroupClosed     EventType = "group.closed"
	MemberAdded     EventType = "member.added"
	MemberRemoved   EventType = "member.removed"
	KeysRotated     EventType = "keys.rotated"
	EncryptionState EventType = "encryption.state"
	FrameDropped    EventType = "frame.dropped"
	SystemError     EventType = "error"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	GroupID   string            `json:"group_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// GroupCreatedData is the payload for group.created events.
type GroupCreatedData struct {
	LocalMemberID string `json:"local_member_id"`
}

// MembershipData is the payload for member.added and member.removed events.
type MembershipData struct {
	MemberID string `json:"member_id"`
	Epoch    uint64 `json:"epoch"`
	Members  int    `json:"members"`
}

// KeysRotatedData is the payload for keys.rotated events.
type KeysRotatedData struct {
	Epoch   uint64 `json:"epoch"`
	Members int    `json:"members"`
}

// EncryptionStateData is the payload for encryption.state events. It carries
// the per-peer `encrypted` flag surfaced to UI-facing collaborators.
type EncryptionStateData struct {
	PeerID    string `json:"peer_id"`
	Encrypted bool   `json:"encrypted"`
	Reason    string `json:"reason,omitempty"`
}

// FrameDroppedData is the payload for frame.dropped events.
type FrameDroppedData struct {
	PeerID string `json:"peer_id"`
	KeyID  uint32 `json:"key_id"`
	Reason string `json:"reason"`
}
