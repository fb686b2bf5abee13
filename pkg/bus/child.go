package bus

// ChildView is the bus handed to a delegated sub-driver. Everything the
// child emits lands on the parent bus, with iteration records re-kinded
// to sub_iteration so SSE clients see nested progress in-band. Terminal
// kinds from the child are swallowed: the child finishing must not close
// the parent's stream.
//
// Cancellation is shared by construction — the child reads the parent's
// latch directly, so cancelling the parent stops the child at its next
// iteration boundary.
type ChildView struct {
	parent *Bus
	depth  int
}

// NewChildView wraps a parent bus for a delegation at the given depth.
func NewChildView(parent *Bus, depth int) *ChildView {
	return &ChildView{parent: parent, depth: depth}
}

// Emit forwards to the parent, translating kinds.
func (c *ChildView) Emit(kind string, payload map[string]any) {
	switch kind {
	case KindIteration, KindSubIteration:
		if payload == nil {
			payload = map[string]any{}
		}
		payload["depth"] = c.depth
		c.parent.Emit(KindSubIteration, payload)
	case KindDone, KindError, KindCancelled, KindMetadata:
		// Child lifecycle events stay off the parent stream; the
		// delegation tool reports the outcome in its own tool_end.
	default:
		c.parent.Emit(kind, payload)
	}
}

// Cancel forwards to the parent latch.
func (c *ChildView) Cancel() { c.parent.Cancel() }

// Cancelled reads the parent latch.
func (c *ChildView) Cancelled() bool { return c.parent.Cancelled() }

// Err reads the parent latch.
func (c *ChildView) Err() error { return c.parent.Err() }
