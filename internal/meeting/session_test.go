package meeting

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/perfmon"
	"github.com/veilmeet/veilmeet/internal/transform"
)

// meshSignaler routes signaling between sessions by member id, standing in
// for the meeting's signaling server.
type meshSignaler struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMeshSignaler() *meshSignaler {
	return &meshSignaler{sessions: make(map[string]*Session)}
}

func (s *meshSignaler) register(id string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

func (s *meshSignaler) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *meshSignaler) SendKeyExchange(ctx context.Context, msg transform.KeyExchangeMessage) error {
	if sess := s.session(msg.ToPeerID); sess != nil {
		return sess.HandleKeyExchange(ctx, msg)
	}
	return nil
}

func (s *meshSignaler) SendKeyResend(ctx context.Context, req transform.KeyResendRequest) error {
	if sess := s.session(req.ToPeerID); sess != nil {
		return sess.HandleKeyResend(ctx, req)
	}
	return nil
}

func (s *meshSignaler) SendCommit(ctx context.Context, msg transform.CommitMessage) error {
	if sess := s.session(msg.ToPeerID); sess != nil {
		return sess.HandleCommit(ctx, msg)
	}
	return nil
}

type testClient struct {
	id      string
	keys    *keygroup.Service
	manager *Manager
	session *Session
}

func newTestClient(t *testing.T, id string, sig *meshSignaler) *testClient {
	t.Helper()
	ident, err := keygroup.NewIdentity(id)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	keys := keygroup.NewService(ident, nil)
	return &testClient{
		id:   id,
		keys: keys,
		manager: NewManager(ManagerConfig{
			Keys:     keys,
			Signaler: sig,
			Monitor:  perfmon.New(0, 0),
		}),
	}
}

// connect wires a direct frame transport pair between two clients and
// registers the connection on both sessions. The from side dials.
func connect(t *testing.T, ctx context.Context, from, to *testClient) (fromT, toT *transform.ChannelTransport) {
	t.Helper()
	fromT = transform.NewChannelTransport(8, true)
	toT = transform.NewChannelTransport(8, true)
	if err := to.session.HandlePeerJoined(ctx, from.id, toT, false); err != nil {
		t.Fatalf("%s HandlePeerJoined(%s): %v", to.id, from.id, err)
	}
	if err := from.session.HandlePeerJoined(ctx, to.id, fromT, true); err != nil {
		t.Fatalf("%s HandlePeerJoined(%s): %v", from.id, to.id, err)
	}
	return fromT, toT
}

// relay moves one sealed frame from the sender's wire to the receiver and
// returns the opened payload.
func relay(t *testing.T, ctx context.Context, fromT, toT *transform.ChannelTransport, payload []byte) []byte {
	t.Helper()
	f := &transform.Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: append([]byte(nil), payload...)}
	if err := fromT.WriteFrame(ctx, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	var sealed *transform.Frame
	select {
	case sealed = <-fromT.WireFrames():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sealed frame")
	}
	if err := toT.ReceiveWireFrame(ctx, sealed); err != nil {
		t.Fatalf("ReceiveWireFrame: %v", err)
	}
	select {
	case opened := <-toT.DecodedFrames():
		return opened.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for opened frame")
		return nil
	}
}

func TestThreePartyMeeting(t *testing.T) {
	ctx := context.Background()
	sig := newMeshSignaler()

	alice := newTestClient(t, "alice", sig)
	bob := newTestClient(t, "bob", sig)
	carol := newTestClient(t, "carol", sig)

	var err error
	if alice.session, err = alice.manager.CreateSession(ctx, "standup"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if bob.session, err = bob.manager.JoinSession(ctx, "standup"); err != nil {
		t.Fatalf("bob JoinSession: %v", err)
	}
	if carol.session, err = carol.manager.JoinSession(ctx, "standup"); err != nil {
		t.Fatalf("carol JoinSession: %v", err)
	}
	sig.register("alice", alice.session)
	sig.register("bob", bob.session)
	sig.register("carol", carol.session)
	t.Cleanup(func() { alice.manager.Close(ctx); bob.manager.Close(ctx); carol.manager.Close(ctx) })

	// Bob dials Alice and is admitted into the group.
	bobToAlice, aliceToBob := connect(t, ctx, bob, alice)
	if !alice.session.PeerEncrypted("bob") || !bob.session.PeerEncrypted("alice") {
		t.Fatal("alice/bob connection not encrypted after handshake")
	}

	// Carol joins through Alice; Bob learns of it from the commit.
	carolToAlice, aliceToCarol := connect(t, ctx, carol, alice)
	if !alice.session.PeerEncrypted("carol") || !carol.session.PeerEncrypted("alice") {
		t.Fatal("alice/carol connection not encrypted after handshake")
	}

	epochs := make(map[string]uint64)
	for _, c := range []*testClient{alice, bob, carol} {
		e, err := c.keys.Epoch("standup")
		if err != nil {
			t.Fatalf("%s Epoch: %v", c.id, err)
		}
		epochs[c.id] = e
	}
	if epochs["alice"] != 2 || epochs["bob"] != 2 || epochs["carol"] != 2 {
		t.Fatalf("epochs diverge: %v", epochs)
	}

	// Bob and Carol already share the epoch, so their direct connection
	// activates without a handshake.
	bobToCarol, carolToBob := connect(t, ctx, bob, carol)
	if !bob.session.PeerEncrypted("carol") || !carol.session.PeerEncrypted("bob") {
		t.Fatal("bob/carol connection not encrypted despite shared epoch")
	}

	// Media flows sealed on every edge of the mesh.
	if got := relay(t, ctx, bobToAlice, aliceToBob, []byte("bob to alice")); !bytes.Equal(got, []byte("bob to alice")) {
		t.Errorf("bob->alice payload = %q", got)
	}
	if got := relay(t, ctx, carolToAlice, aliceToCarol, []byte("carol to alice")); !bytes.Equal(got, []byte("carol to alice")) {
		t.Errorf("carol->alice payload = %q", got)
	}
	if got := relay(t, ctx, bobToCarol, carolToBob, []byte("bob to carol")); !bytes.Equal(got, []byte("bob to carol")) {
		t.Errorf("bob->carol payload = %q", got)
	}

	// Carol leaves; Alice rotates and Bob follows via the commit.
	if err := alice.session.HandlePeerLeft(ctx, "carol"); err != nil {
		t.Fatalf("HandlePeerLeft: %v", err)
	}
	ea, _ := alice.keys.Epoch("standup")
	eb, _ := bob.keys.Epoch("standup")
	if ea != 3 || eb != 3 {
		t.Fatalf("epochs after removal: alice %d, bob %d, want 3", ea, eb)
	}
	if _, err := bob.keys.GetEncryptionKey("standup", "carol"); !errors.Is(err, keygroup.ErrNotFound) {
		t.Errorf("carol's key on bob after removal: got %v, want ErrNotFound", err)
	}

	// The surviving edge still carries sealed media on the new epoch.
	if got := relay(t, ctx, bobToAlice, aliceToBob, []byte("after rotation")); !bytes.Equal(got, []byte("after rotation")) {
		t.Errorf("post-rotation payload = %q", got)
	}
}

func TestManagerSignalRouting(t *testing.T) {
	ctx := context.Background()
	sig := newMeshSignaler()
	alice := newTestClient(t, "alice", sig)

	var err error
	if alice.session, err = alice.manager.CreateSession(ctx, "standup"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	t.Cleanup(func() { alice.manager.Close(ctx) })

	if err := alice.manager.HandleSignal(ctx, []byte("{not json")); err == nil {
		t.Error("malformed envelope must be rejected")
	}
	if err := alice.manager.HandleSignal(ctx, []byte(`{"kind":"key_exchange","group_id":"ghost","payload":{}}`)); !errors.Is(err, keygroup.ErrNotFound) {
		t.Errorf("unknown group: got %v, want ErrNotFound", err)
	}
	if err := alice.manager.HandleSignal(ctx, []byte(`{"kind":"bogus","group_id":"standup","payload":{}}`)); err == nil {
		t.Error("unknown signal kind must be rejected")
	}
}

func TestManagerSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	alice := newTestClient(t, "alice", newMeshSignaler())

	s, err := alice.manager.CreateSession(ctx, "standup")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := alice.manager.CreateSession(ctx, "standup"); !errors.Is(err, keygroup.ErrGroupExists) {
		t.Fatalf("duplicate session: got %v, want ErrGroupExists", err)
	}
	if got, ok := alice.manager.GetSession("standup"); !ok || got != s {
		t.Fatal("GetSession did not return the created session")
	}

	stats := alice.manager.Stats()
	if stats["standup"].Members != 1 {
		t.Errorf("members = %d, want 1", stats["standup"].Members)
	}

	if err := alice.manager.CloseSession(ctx, "standup"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := alice.manager.CloseSession(ctx, "standup"); !errors.Is(err, keygroup.ErrNotFound) {
		t.Fatalf("second close: got %v, want ErrNotFound", err)
	}
	if _, err := alice.keys.Epoch("standup"); !errors.Is(err, keygroup.ErrNotFound) {
		t.Errorf("group after close: got %v, want ErrNotFound", err)
	}
}
