package transform

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrTransportClosed is returned when a frame is offered to a transport
// that has shut down.
var ErrTransportClosed = errors.New("frame transport closed")

// Frame is one unit of media payload crossing a transform boundary. The
// payload is replaced in place by the pipelines; everything else rides
// along untouched.
type Frame struct {
	Kind    webrtc.RTPCodecType
	Payload []byte

	// rtpHeader is set when the frame came off an RTP track, so the
	// delivering side can rebuild the packet around the new payload.
	rtpHeader *rtp.Header
}

// FrameTransport exposes the per-frame taps of one peer connection, one
// stream in each direction. The outbound pair sits between the local
// encoder and the wire; the inbound pair sits between the wire and the
// local decoder.
type FrameTransport interface {
	// FrameTransformSupported reports whether this transport can intercept
	// frames at all. When false the connection can only run unencrypted.
	FrameTransformSupported() bool

	// OutboundFrames yields plaintext frames produced by the local encoder.
	OutboundFrames() <-chan *Frame
	// DeliverOutbound hands a sealed frame to the wire.
	DeliverOutbound(ctx context.Context, f *Frame) error

	// InboundFrames yields wire frames received from the peer.
	InboundFrames() <-chan *Frame
	// DeliverInbound hands an opened frame to the local decoder.
	DeliverInbound(ctx context.Context, f *Frame) error

	Close() error
}

// ChannelTransport is an in-process FrameTransport backed by channels. It
// serves local wiring and tests; the RTP binding covers live connections.
type ChannelTransport struct {
	supported bool

	outbound chan *Frame
	wireOut  chan *Frame
	wireIn   chan *Frame
	decoded  chan *Frame

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelTransport builds a channel transport with the given buffer per
// direction. supported=false models a connection without frame taps.
func NewChannelTransport(buf int, supported bool) *ChannelTransport {
	return &ChannelTransport{
		supported: supported,
		outbound:  make(chan *Frame, buf),
		wireOut:   make(chan *Frame, buf),
		wireIn:    make(chan *Frame, buf),
		decoded:   make(chan *Frame, buf),
		done:      make(chan struct{}),
	}
}

func (t *ChannelTransport) FrameTransformSupported() bool { return t.supported }

func (t *ChannelTransport) OutboundFrames() <-chan *Frame { return t.outbound }

func (t *ChannelTransport) DeliverOutbound(ctx context.Context, f *Frame) error {
	return t.send(ctx, t.wireOut, f)
}

func (t *ChannelTransport) InboundFrames() <-chan *Frame { return t.wireIn }

func (t *ChannelTransport) DeliverInbound(ctx context.Context, f *Frame) error {
	return t.send(ctx, t.decoded, f)
}

// WriteFrame submits a locally produced plaintext frame for sealing.
func (t *ChannelTransport) WriteFrame(ctx context.Context, f *Frame) error {
	return t.send(ctx, t.outbound, f)
}

// ReceiveWireFrame injects a frame received from the peer.
func (t *ChannelTransport) ReceiveWireFrame(ctx context.Context, f *Frame) error {
	return t.send(ctx, t.wireIn, f)
}

// WireFrames yields the sealed frames headed to the peer.
func (t *ChannelTransport) WireFrames() <-chan *Frame { return t.wireOut }

// DecodedFrames yields the opened frames headed to the local decoder.
func (t *ChannelTransport) DecodedFrames() <-chan *Frame { return t.decoded }

func (t *ChannelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *ChannelTransport) send(ctx context.Context, ch chan *Frame, f *Frame) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case ch <- f:
		return nil
	}
}
