package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pitabwire/frame/workerpool"
)

// RTPTransport binds a FrameTransport onto a pion track pair. Outbound
// frames handed in by the local capture path are written to the sending
// track after sealing; packets read from the remote track surface as
// inbound frames and land on the playout track after opening.
type RTPTransport struct {
	kind    webrtc.RTPCodecType
	remote  *webrtc.TrackRemote
	wire    *webrtc.TrackLocalStaticRTP
	playout *webrtc.TrackLocalStaticRTP

	outbound chan *Frame
	inbound  chan *Frame

	pool      workerpool.WorkerPool
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewRTPTransport wires one media direction pair. remote and playout may be
// nil for a send-only transport, wire may be nil for a receive-only one.
func NewRTPTransport(kind webrtc.RTPCodecType, remote *webrtc.TrackRemote, wire, playout *webrtc.TrackLocalStaticRTP, pool workerpool.WorkerPool) *RTPTransport {
	return &RTPTransport{
		kind:     kind,
		remote:   remote,
		wire:     wire,
		playout:  playout,
		outbound: make(chan *Frame, 32),
		inbound:  make(chan *Frame, 32),
		pool:     pool,
		done:     make(chan struct{}),
	}
}

// Start begins reading the remote track, if there is one.
func (t *RTPTransport) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	if t.remote == nil {
		return
	}
	fn := func() { t.readLoop(runCtx) }
	if t.pool != nil {
		_ = t.pool.Submit(runCtx, fn)
	} else {
		go fn()
	}
}

func (t *RTPTransport) FrameTransformSupported() bool { return true }

func (t *RTPTransport) OutboundFrames() <-chan *Frame { return t.outbound }

// WriteFrame submits a locally captured payload for sealing and sending.
func (t *RTPTransport) WriteFrame(ctx context.Context, f *Frame) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.outbound <- f:
		return nil
	}
}

// DeliverOutbound writes the sealed payload to the sending track, keeping
// the frame's original RTP header when it has one.
func (t *RTPTransport) DeliverOutbound(_ context.Context, f *Frame) error {
	if t.wire == nil {
		return fmt.Errorf("rtp transport: no sending track for %s", t.kind)
	}
	if f.rtpHeader != nil {
		return t.wire.WriteRTP(&rtp.Packet{Header: *f.rtpHeader, Payload: f.Payload})
	}
	_, err := t.wire.Write(f.Payload)
	return err
}

func (t *RTPTransport) InboundFrames() <-chan *Frame { return t.inbound }

// DeliverInbound writes the opened payload to the playout track.
func (t *RTPTransport) DeliverInbound(_ context.Context, f *Frame) error {
	if t.playout == nil {
		return fmt.Errorf("rtp transport: no playout track for %s", t.kind)
	}
	if f.rtpHeader != nil {
		return t.playout.WriteRTP(&rtp.Packet{Header: *f.rtpHeader, Payload: f.Payload})
	}
	_, err := t.playout.Write(f.Payload)
	return err
}

func (t *RTPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

// readLoop pulls packets off the remote track and surfaces their payloads
// as inbound frames.
func (t *RTPTransport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.DebugContext(ctx, "rtp transport: read failed",
					slog.String("kind", t.kind.String()), slog.String("error", err.Error()))
			}
			return
		}

		hdr := pkt.Header
		f := &Frame{Kind: t.kind, Payload: pkt.Payload, rtpHeader: &hdr}
		select {
		case t.inbound <- f:
		default:
			// Media beats stale frames; drop rather than stall the reader.
		}
	}
}
