package bus

// Emitter is the producer-side surface shared by Bus and ChildView.
// The driver and the tool layer hold an Emitter; only the SSE gateway
// and the audit reader need the concrete *Bus for Drain/Replay.
type Emitter interface {
	Emit(kind string, payload map[string]any)
	Cancel()
	Cancelled() bool
	Err() error
}

var (
	_ Emitter = (*Bus)(nil)
	_ Emitter = (*ChildView)(nil)
)
