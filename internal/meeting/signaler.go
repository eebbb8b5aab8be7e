package meeting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/veilmeet/veilmeet/internal/transform"
)

// QueueSignaler delivers signaling messages through the service's queue.
// The signaling server forwards each envelope to the peer its payload
// names; delivery is best effort and the key-resend path recovers losses.
type QueueSignaler struct {
	queueMgr queue.Manager
	ref      string
}

// NewQueueSignaler creates a signaler publishing to the given queue
// reference, which must be registered with the service.
func NewQueueSignaler(queueMgr queue.Manager, ref string) *QueueSignaler {
	return &QueueSignaler{queueMgr: queueMgr, ref: ref}
}

func (s *QueueSignaler) SendKeyExchange(ctx context.Context, msg transform.KeyExchangeMessage) error {
	return s.publish(ctx, SignalKeyExchange, msg.GroupID, msg)
}

func (s *QueueSignaler) SendKeyResend(ctx context.Context, req transform.KeyResendRequest) error {
	return s.publish(ctx, SignalKeyResend, req.GroupID, req)
}

func (s *QueueSignaler) SendCommit(ctx context.Context, msg transform.CommitMessage) error {
	return s.publish(ctx, SignalCommit, msg.GroupID, msg)
}

func (s *QueueSignaler) publish(ctx context.Context, kind, groupID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s signal: %w", kind, err)
	}
	env := SignalEnvelope{Kind: kind, GroupID: groupID, Payload: raw}
	return s.queueMgr.Publish(ctx, s.ref, env)
}

// Subscriber implements queue.SubscribeWorker to feed inbound signaling
// envelopes into the session manager. Messages are handled in arrival
// order; a key exchange must not overtake the commit it depends on.
type Subscriber struct {
	// Manager is bound after service construction, before Run.
	Manager *Manager
}

// Handle is called by frame's pub/sub for each signaling message.
func (s *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	if s.Manager == nil {
		return nil
	}
	if err := s.Manager.HandleSignal(ctx, message); err != nil {
		util.Log(ctx).WithError(err).Error("meeting: signal handling failed")
		return err
	}
	return nil
}
