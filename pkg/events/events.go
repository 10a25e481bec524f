package events

import (
	"github.com/contexa/ragengine/pkg/domain"
)

// Type discriminates the events emitted over a conversation run.
type Type string

const (
	TypeNodeStart    Type = "node_start"
	TypeNodeProgress Type = "node_progress"
	TypeNodeComplete Type = "node_complete"
	TypeChunk        Type = "chunk"
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
)

// Event is one item in a run's event stream. Exactly one terminal event
// (complete or error) closes every stream.
type Event struct {
	Type   Type            `json:"type"`
	RunID  string          `json:"run_id"`
	Node   domain.NodeKind `json:"node,omitempty"`
	Detail string          `json:"detail,omitempty"`

	// ProgressPercent is set on node_progress events when the node can
	// quantify how far along it is.
	ProgressPercent int `json:"progress_percent,omitempty"`

	// Chunk carries one generation delta for chunk events.
	Chunk string `json:"chunk,omitempty"`

	// Result is set on complete events only.
	Result *Result `json:"result,omitempty"`

	// Error is set on error events only.
	Error string `json:"error,omitempty"`
}

// Result is the payload of the terminal complete event.
type Result struct {
	Answer          string                  `json:"answer"`
	RetrievedChunks []domain.RetrievedChunk `json:"retrieved_chunks"`
	NodeTrace       []domain.NodeKind       `json:"node_trace"`
	TokensUsed      int                     `json:"tokens_used"`
	RetryCount      int                     `json:"retry_count"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Emitter publishes run events onto a buffered channel. Progress events are
// dropped when the consumer lags; terminal events always block until
// delivered so a slow reader never loses the outcome.
type Emitter struct {
	ch     chan Event
	closed bool
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events is the receive side handed to the consumer.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Publish delivers a non-terminal event best effort.
func (e *Emitter) Publish(ev Event) {
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

// Finish delivers the terminal event and closes the stream.
func (e *Emitter) Finish(ev Event) {
	if e.closed {
		return
	}
	e.ch <- ev
	e.closed = true
	close(e.ch)
}
