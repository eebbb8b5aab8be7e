package transform

import (
	"log/slog"
	"time"

	"github.com/veilmeet/veilmeet/internal/perfmon"
)

// msgKind enumerates the control messages a pipeline accepts on its inbox.
type msgKind int

const (
	// msgUpdateKey replaces the sealing key of an encode pipeline.
	msgUpdateKey msgKind = iota
	// msgAddKey admits a decryption key into a decode pipeline.
	msgAddKey
	// msgKeyResponse answers an earlier key request on a decode pipeline.
	msgKeyResponse
	// msgCleanup tears the pipeline down.
	msgCleanup
)

type keyMsg struct {
	kind  msgKind
	keyID uint32
	key   []byte
}

// EventKind enumerates what a pipeline reports back to its orchestrator.
type EventKind int

const (
	// EventKeyRequest signals frames arriving under an unresolvable key id.
	EventKeyRequest EventKind = iota
	// EventPerformance carries one frame's transform timing.
	EventPerformance
	// EventError carries a transform failure.
	EventError
	// EventFrameDropped signals a frame discarded instead of delivered.
	EventFrameDropped
)

// Event is one report from a pipeline to the orchestration layer.
type Event struct {
	Kind       EventKind
	SenderHash uint64
	KeyID      uint8
	Operation  perfmon.Operation
	Elapsed    time.Duration
	Err        error
}

// pipeline is one direction's isolated execution context. A single
// goroutine owns the cipher instance; key material arrives only through the
// inbox, and observations leave only through the event stream. The cipher
// is never touched from outside the owning goroutine.
type pipeline struct {
	name   string
	inbox  chan keyMsg
	events chan Event
}

func newPipeline(name string) *pipeline {
	return &pipeline{
		name:   name,
		inbox:  make(chan keyMsg, 16),
		events: make(chan Event, 128),
	}
}

// post delivers a control message without blocking. Key pushes are
// fire-and-forget; a full inbox drops the message and the key-request path
// recovers the key later.
func (p *pipeline) post(m keyMsg) {
	if m.key != nil {
		m.key = append([]byte(nil), m.key...)
	}
	select {
	case p.inbox <- m:
	default:
		slog.Warn("transform: pipeline inbox full, dropping message",
			slog.String("pipeline", p.name), slog.Int("kind", int(m.kind)))
	}
}

// emit reports an event without blocking the frame path.
func (p *pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		slog.Warn("transform: pipeline event buffer full, dropping event",
			slog.String("pipeline", p.name), slog.Int("kind", int(ev.Kind)))
	}
}
