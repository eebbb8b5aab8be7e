package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/veilmeet/veilmeet/internal/framecrypt"
	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/perfmon"
)

// loopbackSignaler routes signaling messages straight to the target
// orchestrator, standing in for the meeting's signaling channel.
type loopbackSignaler struct {
	mu    sync.Mutex
	peers map[string]*Orchestrator
}

func newLoopbackSignaler() *loopbackSignaler {
	return &loopbackSignaler{peers: make(map[string]*Orchestrator)}
}

func (s *loopbackSignaler) register(id string, o *Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[id] = o
}

func (s *loopbackSignaler) peer(id string) *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *loopbackSignaler) SendKeyExchange(ctx context.Context, msg KeyExchangeMessage) error {
	o := s.peer(msg.ToPeerID)
	if o == nil {
		return fmt.Errorf("no peer %q", msg.ToPeerID)
	}
	return o.HandleKeyExchange(ctx, msg)
}

func (s *loopbackSignaler) SendKeyResend(ctx context.Context, req KeyResendRequest) error {
	o := s.peer(req.ToPeerID)
	if o == nil {
		return fmt.Errorf("no peer %q", req.ToPeerID)
	}
	return o.HandleKeyResend(ctx, req)
}

func (s *loopbackSignaler) SendCommit(context.Context, CommitMessage) error { return nil }

func testKeys(t *testing.T, id string) *keygroup.Service {
	t.Helper()
	ident, err := keygroup.NewIdentity(id)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return keygroup.NewService(ident, nil)
}

// testPair wires alice (group owner) and bob through channel transports and
// a loopback signaler. Both orchestrators are started but the handshake is
// left to the test.
func testPair(t *testing.T, ctx context.Context) (alice, bob *Orchestrator, aliceT, bobT *ChannelTransport) {
	t.Helper()

	aliceKeys := testKeys(t, "alice")
	bobKeys := testKeys(t, "bob")
	if err := aliceKeys.CreateGroup(ctx, "g1"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	sig := newLoopbackSignaler()
	aliceT = NewChannelTransport(8, true)
	bobT = NewChannelTransport(8, true)

	alice = New(Options{
		GroupID:   "g1",
		PeerID:    "bob",
		Keys:      aliceKeys,
		Transport: aliceT,
		Signaler:  sig,
		Monitor:   perfmon.New(0, 0),
	})
	bob = New(Options{
		GroupID:   "g1",
		PeerID:    "alice",
		Keys:      bobKeys,
		Transport: bobT,
		Signaler:  sig,
		Monitor:   perfmon.New(0, 0),
	})
	sig.register("alice", alice)
	sig.register("bob", bob)

	if err := alice.Start(ctx); err != nil {
		t.Fatalf("alice Start: %v", err)
	}
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("bob Start: %v", err)
	}
	t.Cleanup(func() {
		alice.Close(ctx)
		bob.Close(ctx)
	})
	return alice, bob, aliceT, bobT
}

func recvFrame(t *testing.T, ch <-chan *Frame) *Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHandshakeActivatesBothSides(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}
	if got := alice.State(); got != StateActive {
		t.Errorf("alice state = %s, want %s", got, StateActive)
	}
	if got := bob.State(); got != StateActive {
		t.Errorf("bob state = %s, want %s", got, StateActive)
	}
}

func TestFrameRoundTripBothDirections(t *testing.T) {
	ctx := context.Background()
	_, bob, aliceT, bobT := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}

	// Bob to Alice.
	plaintext := []byte("opus frame from bob")
	if err := bobT.WriteFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: append([]byte(nil), plaintext...)}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	sealed := recvFrame(t, bobT.WireFrames())
	if !framecrypt.IsEncrypted(sealed.Payload) {
		t.Fatal("outbound frame left unsealed")
	}
	if bytes.Contains(sealed.Payload, plaintext) {
		t.Fatal("sealed frame leaks plaintext")
	}
	if err := aliceT.ReceiveWireFrame(ctx, sealed); err != nil {
		t.Fatalf("ReceiveWireFrame: %v", err)
	}
	opened := recvFrame(t, aliceT.DecodedFrames())
	if !bytes.Equal(opened.Payload, plaintext) {
		t.Errorf("opened payload = %q, want %q", opened.Payload, plaintext)
	}

	// Alice to Bob.
	reply := []byte("vp8 frame from alice")
	if err := aliceT.WriteFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeVideo, Payload: append([]byte(nil), reply...)}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	sealed = recvFrame(t, aliceT.WireFrames())
	if err := bobT.ReceiveWireFrame(ctx, sealed); err != nil {
		t.Fatalf("ReceiveWireFrame: %v", err)
	}
	opened = recvFrame(t, bobT.DecodedFrames())
	if !bytes.Equal(opened.Payload, reply) {
		t.Errorf("opened payload = %q, want %q", opened.Payload, reply)
	}
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, bob, aliceT, bobT := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}

	// Zero-length payloads (padding-only packets) must survive the
	// pipeline, not be mistaken for dropped frames.
	if err := bobT.WriteFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: []byte{}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	sealed := recvFrame(t, bobT.WireFrames())
	if !framecrypt.IsEncrypted(sealed.Payload) {
		t.Fatal("empty frame left unsealed")
	}
	if err := aliceT.ReceiveWireFrame(ctx, sealed); err != nil {
		t.Fatalf("ReceiveWireFrame: %v", err)
	}
	opened := recvFrame(t, aliceT.DecodedFrames())
	if len(opened.Payload) != 0 {
		t.Errorf("opened payload = %q, want empty", opened.Payload)
	}
}

func TestKeyRefreshKeepsNoncesFresh(t *testing.T) {
	ctx := context.Background()
	_, bob, aliceT, bobT := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}

	// Refreshing keys without a rotation re-pushes the same key id and
	// material. The frame counter must keep advancing across re-pushes;
	// a reset would reuse GCM nonces under the unchanged key.
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		bob.RefreshKeys()

		payload := []byte("steady stream frame")
		if err := bobT.WriteFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: append([]byte(nil), payload...)}); err != nil {
			t.Fatalf("frame %d: WriteFrame: %v", i, err)
		}
		sealed := recvFrame(t, bobT.WireFrames())
		if !framecrypt.IsEncrypted(sealed.Payload) {
			t.Fatalf("frame %d: left unsealed", i)
		}
		nonce := string(sealed.Payload[14:framecrypt.HeaderSize])
		if seen[nonce] {
			t.Fatalf("frame %d: nonce reused after key refresh", i)
		}
		seen[nonce] = true

		if err := aliceT.ReceiveWireFrame(ctx, sealed); err != nil {
			t.Fatalf("frame %d: ReceiveWireFrame: %v", i, err)
		}
		opened := recvFrame(t, aliceT.DecodedFrames())
		if !bytes.Equal(opened.Payload, payload) {
			t.Fatalf("frame %d: payload = %q, want %q", i, opened.Payload, payload)
		}
	}
}

func TestPlaintextInboundPassesThrough(t *testing.T) {
	ctx := context.Background()
	_, bob, aliceT, _ := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}

	plain := []byte("plain old rtp payload")
	if err := aliceT.ReceiveWireFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: append([]byte(nil), plain...)}); err != nil {
		t.Fatalf("ReceiveWireFrame: %v", err)
	}
	opened := recvFrame(t, aliceT.DecodedFrames())
	if !bytes.Equal(opened.Payload, plain) {
		t.Errorf("payload = %q, want %q", opened.Payload, plain)
	}
}

func TestUnsupportedTransportRejectedWithoutFallback(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t, "alice")
	_ = keys.CreateGroup(ctx, "g1")

	o := New(Options{
		GroupID:   "g1",
		PeerID:    "bob",
		Keys:      keys,
		Transport: NewChannelTransport(4, false),
		Signaler:  newLoopbackSignaler(),
	})
	if err := o.Start(ctx); !errors.Is(err, ErrUnsupportedTransform) {
		t.Fatalf("got %v, want ErrUnsupportedTransform", err)
	}
}

func TestUnsupportedTransportFallsBackUnencrypted(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t, "alice")
	_ = keys.CreateGroup(ctx, "g1")

	tr := NewChannelTransport(4, false)
	o := New(Options{
		GroupID:                  "g1",
		PeerID:                   "bob",
		AllowUnencryptedFallback: true,
		Keys:                     keys,
		Transport:                tr,
		Signaler:                 newLoopbackSignaler(),
	})
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Close(ctx) })

	if got := o.State(); got != StateUnencrypted {
		t.Fatalf("state = %s, want %s", got, StateUnencrypted)
	}

	payload := []byte("clear media")
	if err := tr.WriteFrame(ctx, &Frame{Kind: webrtc.RTPCodecTypeAudio, Payload: payload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out := recvFrame(t, tr.WireFrames())
	if !bytes.Equal(out.Payload, payload) {
		t.Errorf("fallback altered payload: %q", out.Payload)
	}
}

func TestInvalidKeyPackageFailsExchange(t *testing.T) {
	ctx := context.Background()
	aliceKeys := testKeys(t, "alice")
	bobKeys := testKeys(t, "bob")
	_ = aliceKeys.CreateGroup(ctx, "g1")

	tr := NewChannelTransport(4, true)
	alice := New(Options{
		GroupID:                  "g1",
		PeerID:                   "bob",
		AllowUnencryptedFallback: true,
		Keys:                     aliceKeys,
		Transport:                tr,
		Signaler:                 newLoopbackSignaler(),
	})
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { alice.Close(ctx) })

	kp, err := bobKeys.ExportKeyPackage()
	if err != nil {
		t.Fatalf("ExportKeyPackage: %v", err)
	}
	kp.Signature[0] ^= 0x01

	err = alice.HandleKeyExchange(ctx, KeyExchangeMessage{
		FromPeerID: "bob",
		ToPeerID:   "alice",
		GroupID:    "g1",
		KeyPackage: kp,
	})
	if !errors.Is(err, keygroup.ErrInvalidSignature) {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
	if got := alice.State(); got != StateUnencrypted {
		t.Errorf("state = %s, want %s after failed exchange with fallback", got, StateUnencrypted)
	}
}

func TestCloseStopsFrameFlow(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, bobT := testPair(t, ctx)

	if err := bob.InitiateKeyExchange(ctx); err != nil {
		t.Fatalf("InitiateKeyExchange: %v", err)
	}
	bob.Close(ctx)
	alice.Close(ctx)

	if got := bob.State(); got != StateClosed {
		t.Errorf("state = %s, want %s", got, StateClosed)
	}
	if err := bobT.WriteFrame(ctx, &Frame{Payload: []byte("late")}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("got %v, want ErrTransportClosed", err)
	}
}
