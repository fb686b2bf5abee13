// Package bus provides the per-search append-only event channel that
// connects producers (tools, driver, logger) to consumers (SSE gateway,
// JSONL audit writer, replay).
//
// Every observable event of a search flows through exactly one Bus. The
// bus keeps two views of the same stream: a pending queue consumed by
// Drain (the SSE polling path) and a full log returned by Replay (the
// reconnect path). Emission order is the only order; both views preserve
// it.
package bus

import (
	"errors"
	"sync"
	"time"
)

// Event kinds. The terminal kinds latch the bus: after one of them is
// emitted no further event on that bus is meaningful downstream.
const (
	KindMetadata     = "metadata"
	KindIteration    = "iteration"
	KindSubIteration = "sub_iteration"
	KindToolStart    = "tool_start"
	KindToolEnd      = "tool_end"
	KindToolError    = "tool_error"
	KindProgress     = "progress"
	KindDone         = "done"
	KindError        = "error"
	KindCancelled    = "cancelled"
)

// ErrCancelled is returned by Err after Cancel has been called. The
// driver and long-running tools check it at iteration and retry
// boundaries and unwind without emitting further output.
var ErrCancelled = errors.New("search cancelled")

// IsTerminal reports whether a kind closes the bus.
func IsTerminal(kind string) bool {
	return kind == KindDone || kind == KindError || kind == KindCancelled
}

// Event is a single typed record on the bus.
type Event struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus is the append-only event channel for one search.
//
// Safe for concurrent producers and consumers. The done and cancelled
// flags are latched: once set they stay set.
type Bus struct {
	mu        sync.Mutex
	pending   []Event
	log       []Event
	done      bool
	cancelled bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Emit appends an event with the current wall-clock timestamp. Emitting
// a terminal kind latches the done flag. Events emitted after done are
// still recorded (JSONL keeps full detail) but consumers treat the first
// terminal event as the end of the stream.
func (b *Bus) Emit(kind string, payload map[string]any) {
	evt := Event{Kind: kind, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, evt)
	b.log = append(b.log, evt)
	if IsTerminal(kind) {
		b.done = true
	}
}

// Drain returns and clears the pending queue, in emission order.
func (b *Bus) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Replay returns a copy of the full log from bus creation without
// clearing anything. Replay always contains every previously drained
// event in its original position.
func (b *Bus) Replay() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// Catchup returns the full log and clears the pending queue in one
// step. Used by a reconnecting stream consumer: the snapshot covers
// everything pending, and events emitted afterwards land in pending for
// the regular drain loop. Nothing is delivered twice or lost.
func (b *Bus) Catchup() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// Cancel sets the latched cancellation flag. It does not emit; the
// driver observes the flag and emits the terminal cancelled event
// itself so the event keeps its position in the iteration order.
func (b *Bus) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
}

// Cancelled reports whether Cancel has been called.
func (b *Bus) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Done reports whether a terminal event has been emitted.
func (b *Bus) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns ErrCancelled when the cancellation flag is set, nil
// otherwise. Callers check it before each iteration and between tool
// calls.
func (b *Bus) Err() error {
	if b.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Len returns the total number of events emitted so far.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}
