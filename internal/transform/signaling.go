package transform

import (
	"context"

	"github.com/veilmeet/veilmeet/internal/keygroup"
)

// KeyExchangeMessage carries one step of the key-exchange handshake over
// the signaling channel. An offer carries only the sender's key package; the
// admitting side's reply additionally carries the welcome that lets the
// offerer install the shared group state.
type KeyExchangeMessage struct {
	FromPeerID string               `json:"from_peer_id"`
	ToPeerID   string               `json:"to_peer_id"`
	GroupID    string               `json:"group_id"`
	KeyPackage *keygroup.KeyPackage `json:"key_package,omitempty"`
	Welcome    *keygroup.Welcome    `json:"welcome,omitempty"`
}

// KeyResendRequest asks a peer to re-offer its key package because frames
// arrived under a key id the receiver cannot resolve.
type KeyResendRequest struct {
	FromPeerID string `json:"from_peer_id"`
	ToPeerID   string `json:"to_peer_id"`
	GroupID    string `json:"group_id"`
	KeyID      uint32 `json:"key_id"`
}

// CommitMessage propagates a membership change to a member that was already
// in the group when the change happened.
type CommitMessage struct {
	FromPeerID string           `json:"from_peer_id"`
	ToPeerID   string           `json:"to_peer_id"`
	GroupID    string           `json:"group_id"`
	Commit     *keygroup.Commit `json:"commit"`
}

// Signaler sends key-distribution messages to remote peers. Implementations
// wrap whatever signaling transport the meeting uses; delivery is expected
// but not guaranteed, and the key-resend path recovers from losses.
type Signaler interface {
	SendKeyExchange(ctx context.Context, msg KeyExchangeMessage) error
	SendKeyResend(ctx context.Context, req KeyResendRequest) error
	SendCommit(ctx context.Context, msg CommitMessage) error
}
