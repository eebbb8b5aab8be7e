// Package transform coordinates end-to-end frame encryption for a single
// peer connection. Each direction of media runs in its own isolated
// pipeline owning its cipher; the orchestrator drives the key-exchange
// handshake, feeds rotated keys into the pipelines, and relays key-miss
// signals back over signaling.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/rs/xid"

	"github.com/veilmeet/veilmeet/internal/framecrypt"
	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/perfmon"
	"github.com/veilmeet/veilmeet/pkg/events"
)

// ErrUnsupportedTransform is returned when the transport exposes no frame
// taps and the configuration forbids running unencrypted.
var ErrUnsupportedTransform = errors.New("transport does not support frame transforms")

// State tracks where a peer connection sits in the encryption lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateKeyExchangePending
	StateActive
	StateUnencrypted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateKeyExchangePending:
		return "key_exchange_pending"
	case StateActive:
		return "active"
	case StateUnencrypted:
		return "unencrypted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an Orchestrator.
type Options struct {
	GroupID string
	PeerID  string

	// AllowUnencryptedFallback permits media to flow in the clear when the
	// transport has no frame taps or the handshake fails.
	AllowUnencryptedFallback bool

	Keys      *keygroup.Service
	Transport FrameTransport
	Signaler  Signaler

	// BroadcastCommit fans a membership commit out to the group's other
	// members. Optional; a two-party call has nobody else to tell.
	BroadcastCommit func(ctx context.Context, c *keygroup.Commit)

	Publisher *events.Publisher
	Monitor   *perfmon.Monitor
	Pool      workerpool.WorkerPool
}

// Orchestrator manages frame encryption for one peer connection: two
// pipelines, the key-exchange handshake with that peer, and the reaction
// to group key rotations.
type Orchestrator struct {
	groupID       string
	peerID        string
	allowFallback bool

	keys      *keygroup.Service
	transport FrameTransport
	signaler  Signaler
	broadcast func(ctx context.Context, c *keygroup.Commit)
	pub       *events.Publisher
	monitor   *perfmon.Monitor
	pool      workerpool.WorkerPool

	mu             sync.Mutex
	state          State
	sentKeyPackage bool

	encodePipe *pipeline
	decodePipe *pipeline
	cancel     context.CancelFunc
	subID      string
	closeOnce  sync.Once
}

// New builds an orchestrator for one peer connection. Start must be called
// before any frames flow.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		groupID:       opts.GroupID,
		peerID:        opts.PeerID,
		allowFallback: opts.AllowUnencryptedFallback,
		keys:          opts.Keys,
		transport:     opts.Transport,
		signaler:      opts.Signaler,
		broadcast:     opts.BroadcastCommit,
		pub:           opts.Publisher,
		monitor:       opts.Monitor,
		pool:          opts.Pool,
		state:         StateUninitialized,
		subID:         "transform-" + xid.New().String(),
	}
}

// State returns the connection's current encryption state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start probes the transport and spins up the per-direction pipelines.
// Without frame taps the connection either falls back to unencrypted media
// or fails with ErrUnsupportedTransform, per configuration.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateUninitialized {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("transform: orchestrator for peer %q already %s", o.peerID, state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if !o.transport.FrameTransformSupported() {
		if !o.allowFallback {
			o.mu.Unlock()
			cancel()
			return fmt.Errorf("%w: peer %q", ErrUnsupportedTransform, o.peerID)
		}
		o.state = StateUnencrypted
		o.mu.Unlock()

		o.submit(runCtx, func() { o.runPassthrough(runCtx, o.transport.OutboundFrames(), o.transport.DeliverOutbound) })
		o.submit(runCtx, func() { o.runPassthrough(runCtx, o.transport.InboundFrames(), o.transport.DeliverInbound) })

		slog.WarnContext(ctx, "transform: frame transform unsupported, running unencrypted",
			slog.String("peer_id", o.peerID))
		o.emitEncryptionState(ctx, false, "frame transform unsupported")
		return nil
	}

	o.encodePipe = newPipeline("encode")
	o.decodePipe = newPipeline("decode")

	enc := framecrypt.NewEncryptor(o.keys.LocalMemberID(), o.fetchLocalKey, func(err error) {
		o.encodePipe.emit(Event{Kind: EventError, Err: err})
	})
	dec := framecrypt.NewDecryptor(o.lookupPeerKey, func(senderHash uint64, keyID uint8) {
		o.decodePipe.emit(Event{Kind: EventKeyRequest, SenderHash: senderHash, KeyID: keyID})
	}, func(err error) {
		o.decodePipe.emit(Event{Kind: EventError, Err: err})
	})

	o.state = StateKeyExchangePending
	o.mu.Unlock()

	o.submit(runCtx, func() { o.runEncode(runCtx, enc) })
	o.submit(runCtx, func() { o.runDecode(runCtx, dec) })
	o.submit(runCtx, func() { o.eventLoop(runCtx) })
	if o.pub != nil {
		o.submit(runCtx, func() { o.rotationLoop(runCtx) })
	}

	slog.InfoContext(ctx, "transform: pipelines started",
		slog.String("peer_id", o.peerID), slog.String("group_id", o.groupID))
	return nil
}

// InitiateKeyExchange offers the local key package to the peer. The peer is
// expected to admit the local member and reply with a welcome.
func (o *Orchestrator) InitiateKeyExchange(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateKeyExchangePending {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("transform: cannot start key exchange while %s", state)
	}
	o.sentKeyPackage = true
	o.mu.Unlock()

	kp, err := o.keys.GenerateKeyPackage()
	if err != nil {
		return fmt.Errorf("transform: generate key package: %w", err)
	}
	msg := KeyExchangeMessage{
		FromPeerID: o.keys.LocalMemberID(),
		ToPeerID:   o.peerID,
		GroupID:    o.groupID,
		KeyPackage: kp,
	}
	if err := o.signaler.SendKeyExchange(ctx, msg); err != nil {
		return fmt.Errorf("transform: send key package: %w", err)
	}
	slog.InfoContext(ctx, "transform: key exchange initiated",
		slog.String("peer_id", o.peerID), slog.String("group_id", o.groupID))
	return nil
}

// HandleKeyExchange processes one handshake message from the peer. An offer
// admits the peer into the group and replies with a welcome; a reply joins
// the group announced by the welcome. Either way both sides end up on the
// same epoch and the connection goes active.
func (o *Orchestrator) HandleKeyExchange(ctx context.Context, msg KeyExchangeMessage) error {
	if msg.Welcome != nil {
		if msg.KeyPackage != nil {
			if err := msg.KeyPackage.Verify(); err != nil {
				o.failKeyExchange(ctx, err)
				return err
			}
		}
		if err := o.keys.JoinGroup(ctx, msg.Welcome); err != nil {
			o.failKeyExchange(ctx, err)
			return fmt.Errorf("transform: join group: %w", err)
		}
		o.pushKeys()
		o.setActive(ctx)
		return nil
	}

	welcome, commit, err := o.keys.AddMember(ctx, o.groupID, msg.FromPeerID, msg.KeyPackage)
	if err != nil {
		o.failKeyExchange(ctx, err)
		return fmt.Errorf("transform: admit peer %q: %w", msg.FromPeerID, err)
	}
	if o.broadcast != nil && len(commit.Sealed) > 0 {
		o.broadcast(ctx, commit)
	}

	reply := KeyExchangeMessage{
		FromPeerID: o.keys.LocalMemberID(),
		ToPeerID:   msg.FromPeerID,
		GroupID:    o.groupID,
		Welcome:    welcome,
	}
	if err := o.signaler.SendKeyExchange(ctx, reply); err != nil {
		return fmt.Errorf("transform: send welcome: %w", err)
	}
	o.pushKeys()
	o.setActive(ctx)
	return nil
}

// HandleKeyResend reacts to the peer failing to resolve one of our key ids:
// re-offer the local key package so the peer re-admits us onto a fresh
// shared epoch, and re-push whatever keys we currently hold.
func (o *Orchestrator) HandleKeyResend(ctx context.Context, req KeyResendRequest) error {
	slog.InfoContext(ctx, "transform: peer requested key resend",
		slog.String("peer_id", req.FromPeerID),
		slog.Uint64("key_id", uint64(req.KeyID)))

	o.pushKeys()

	kp, err := o.keys.GenerateKeyPackage()
	if err != nil {
		return fmt.Errorf("transform: generate key package: %w", err)
	}
	msg := KeyExchangeMessage{
		FromPeerID: o.keys.LocalMemberID(),
		ToPeerID:   req.FromPeerID,
		GroupID:    o.groupID,
		KeyPackage: kp,
	}
	if err := o.signaler.SendKeyExchange(ctx, msg); err != nil {
		return fmt.Errorf("transform: resend key package: %w", err)
	}
	return nil
}

// Activate marks the connection active without a handshake, for peers that
// already share the group state through an earlier welcome or commit.
func (o *Orchestrator) Activate(ctx context.Context) {
	o.pushKeys()
	o.setActive(ctx)
}

// RefreshKeys re-pushes the current group keys into both pipelines, for
// callers that applied a membership change out of band.
func (o *Orchestrator) RefreshKeys() {
	o.pushKeys()
}

// Close tears the pipelines down and releases the transport. Group
// membership is left to the caller, which knows whether the peer left one
// connection or the whole meeting.
func (o *Orchestrator) Close(ctx context.Context) {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.state = StateClosed
		encode, decode := o.encodePipe, o.decodePipe
		o.mu.Unlock()

		if encode != nil {
			encode.post(keyMsg{kind: msgCleanup})
		}
		if decode != nil {
			decode.post(keyMsg{kind: msgCleanup})
		}
		if o.cancel != nil {
			o.cancel()
		}
		if o.pub != nil {
			o.pub.Unsubscribe(o.subID)
		}
		_ = o.transport.Close()

		slog.InfoContext(ctx, "transform: orchestrator closed",
			slog.String("peer_id", o.peerID), slog.String("group_id", o.groupID))
	})
}

// fetchLocalKey lets the encode pipeline pull the current local key when a
// frame arrives before the rotation push did.
func (o *Orchestrator) fetchLocalKey() ([]byte, uint32, bool) {
	localID := o.keys.LocalMemberID()
	key, err := o.keys.GetEncryptionKey(o.groupID, localID)
	if err != nil {
		return nil, 0, false
	}
	id, err := o.keys.GetCurrentKeyID(o.groupID, localID)
	if err != nil {
		return nil, 0, false
	}
	return key, id, true
}

// lookupPeerKey resolves a wire key id against the peer's current key.
func (o *Orchestrator) lookupPeerKey(keyID uint8) ([]byte, bool) {
	id, err := o.keys.GetCurrentKeyID(o.groupID, o.peerID)
	if err != nil || uint8(id) != keyID {
		return nil, false
	}
	key, err := o.keys.GetEncryptionKey(o.groupID, o.peerID)
	if err != nil {
		return nil, false
	}
	return key, true
}

// pushKeys feeds the pipelines the current keys: the local member's key to
// the encode side, the peer's key to the decode side. Pushes are
// fire-and-forget; the fetch and lookup fallbacks cover lost ones.
func (o *Orchestrator) pushKeys() {
	o.mu.Lock()
	encode, decode := o.encodePipe, o.decodePipe
	o.mu.Unlock()
	if encode == nil || decode == nil {
		return
	}

	localID := o.keys.LocalMemberID()
	if key, err := o.keys.GetEncryptionKey(o.groupID, localID); err == nil {
		if id, err := o.keys.GetCurrentKeyID(o.groupID, localID); err == nil {
			encode.post(keyMsg{kind: msgUpdateKey, keyID: id, key: key})
		}
	}
	if key, err := o.keys.GetEncryptionKey(o.groupID, o.peerID); err == nil {
		if id, err := o.keys.GetCurrentKeyID(o.groupID, o.peerID); err == nil {
			decode.post(keyMsg{kind: msgAddKey, keyID: id, key: key})
		}
	}
}

func (o *Orchestrator) setActive(ctx context.Context) {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	already := o.state == StateActive
	o.state = StateActive
	o.mu.Unlock()
	if already {
		return
	}

	slog.InfoContext(ctx, "transform: encryption active",
		slog.String("peer_id", o.peerID), slog.String("group_id", o.groupID))
	o.emitEncryptionState(ctx, true, "")
}

// failKeyExchange downgrades the connection after a failed handshake when
// fallback is permitted; otherwise the connection stays pending and the
// caller decides.
func (o *Orchestrator) failKeyExchange(ctx context.Context, cause error) {
	slog.WarnContext(ctx, "transform: key exchange failed",
		slog.String("peer_id", o.peerID),
		slog.String("error", cause.Error()))
	if !o.allowFallback {
		return
	}

	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = StateUnencrypted
	o.mu.Unlock()
	o.emitEncryptionState(ctx, false, "key exchange failed")
}

func (o *Orchestrator) emitEncryptionState(ctx context.Context, encrypted bool, reason string) {
	if o.pub == nil {
		return
	}
	err := o.pub.Emit(ctx, events.EncryptionState, o.groupID, &events.EncryptionStateData{
		PeerID:    o.peerID,
		Encrypted: encrypted,
		Reason:    reason,
	})
	if err != nil {
		slog.WarnContext(ctx, "transform: emit encryption state failed",
			slog.String("peer_id", o.peerID), slog.String("error", err.Error()))
	}
}

// runEncode is the encode pipeline's goroutine: it owns the encryptor and
// seals every outbound frame in arrival order.
func (o *Orchestrator) runEncode(ctx context.Context, enc *framecrypt.Encryptor) {
	p := o.encodePipe
	frames := o.transport.OutboundFrames()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.inbox:
			switch m.kind {
			case msgUpdateKey, msgKeyResponse:
				if err := enc.UpdateKey(m.keyID, m.key); err != nil {
					p.emit(Event{Kind: EventError, Err: err})
				}
			case msgCleanup:
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			start := time.Now()
			f.Payload = enc.Encrypt(f.Payload)
			p.emit(Event{Kind: EventPerformance, Operation: perfmon.OpEncrypt, Elapsed: time.Since(start)})
			if err := o.transport.DeliverOutbound(ctx, f); err != nil {
				p.emit(Event{Kind: EventError, Err: err})
			}
		}
	}
}

// runDecode is the decode pipeline's goroutine: it owns the decryptor,
// opens inbound frames, and drops the ones it cannot open.
func (o *Orchestrator) runDecode(ctx context.Context, dec *framecrypt.Decryptor) {
	p := o.decodePipe
	frames := o.transport.InboundFrames()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.inbox:
			switch m.kind {
			case msgAddKey, msgKeyResponse:
				if err := dec.AddKey(uint8(m.keyID), m.key); err != nil {
					p.emit(Event{Kind: EventError, Err: err})
				}
			case msgCleanup:
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			start := time.Now()
			opened, ok := dec.Decrypt(f.Payload)
			p.emit(Event{Kind: EventPerformance, Operation: perfmon.OpDecrypt, Elapsed: time.Since(start)})
			if !ok {
				p.emit(Event{Kind: EventFrameDropped})
				continue
			}
			f.Payload = opened
			if err := o.transport.DeliverInbound(ctx, f); err != nil {
				p.emit(Event{Kind: EventError, Err: err})
			}
		}
	}
}

// runPassthrough moves frames unchanged, for connections running without
// frame transforms.
func (o *Orchestrator) runPassthrough(ctx context.Context, frames <-chan *Frame, deliver func(context.Context, *Frame) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := deliver(ctx, f); err != nil {
				slog.DebugContext(ctx, "transform: passthrough delivery failed",
					slog.String("peer_id", o.peerID), slog.String("error", err.Error()))
			}
		}
	}
}

// eventLoop drains both pipelines' event streams and turns them into
// monitor samples, key-resend signaling, and logs.
func (o *Orchestrator) eventLoop(ctx context.Context) {
	o.mu.Lock()
	encode, decode := o.encodePipe, o.decodePipe
	o.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-encode.events:
			o.handleEvent(ctx, ev)
		case ev := <-decode.events:
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPerformance:
		if o.monitor != nil {
			o.monitor.Record(ev.Operation, ev.Elapsed)
		}
	case EventFrameDropped:
		if o.monitor != nil {
			o.monitor.RecordDrop()
		}
	case EventKeyRequest:
		o.resolveKeyRequest(ctx, ev)
	case EventError:
		if errors.Is(ev.Err, framecrypt.ErrKeyMiss) {
			slog.DebugContext(ctx, "transform: frame arrived before its key",
				slog.String("peer_id", o.peerID))
			return
		}
		slog.WarnContext(ctx, "transform: pipeline error",
			slog.String("peer_id", o.peerID), slog.String("error", ev.Err.Error()))
	}
}

// resolveKeyRequest answers a decode-side key miss: first from the local
// group state, and only then by asking the peer to re-offer its key package.
func (o *Orchestrator) resolveKeyRequest(ctx context.Context, ev Event) {
	if key, ok := o.lookupPeerKey(ev.KeyID); ok {
		id, err := o.keys.GetCurrentKeyID(o.groupID, o.peerID)
		if err == nil {
			o.mu.Lock()
			decode := o.decodePipe
			o.mu.Unlock()
			if decode != nil {
				decode.post(keyMsg{kind: msgKeyResponse, keyID: id, key: key})
			}
			return
		}
	}

	if o.pub != nil {
		_ = o.pub.Emit(ctx, events.FrameDropped, o.groupID, &events.FrameDroppedData{
			PeerID: o.peerID,
			KeyID:  uint32(ev.KeyID),
			Reason: "missing decryption key",
		})
	}
	req := KeyResendRequest{
		FromPeerID: o.keys.LocalMemberID(),
		ToPeerID:   o.peerID,
		GroupID:    o.groupID,
		KeyID:      uint32(ev.KeyID),
	}
	if err := o.signaler.SendKeyResend(ctx, req); err != nil {
		slog.WarnContext(ctx, "transform: key resend request failed",
			slog.String("peer_id", o.peerID), slog.String("error", err.Error()))
	}
}

// rotationLoop re-pushes keys whenever the group rotates, so both pipelines
// converge on the new epoch without waiting for a key miss.
func (o *Orchestrator) rotationLoop(ctx context.Context) {
	ch := o.pub.Subscribe(o.subID, 16)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Type != events.KeysRotated || env.GroupID != o.groupID {
				continue
			}
			o.pushKeys()
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, fn func()) {
	if o.pool != nil {
		_ = o.pool.Submit(ctx, fn)
		return
	}
	go fn()
}
