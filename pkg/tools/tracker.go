package tools

import (
	"fmt"
	"time"

	"github.com/cascade-search/rlm/pkg/bus"
)

// ToolCall is one recorded tool invocation. Calls form a shallow tree:
// parents hold child indices into the tracker's append-only list.
type ToolCall struct {
	Tool          string         `json:"tool"`
	Args          map[string]any `json:"args,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
	DurationMS    float64        `json:"duration_ms"`
	Children      []int          `json:"children,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Tracker records tool calls and emits their lifecycle events. Nested
// calls attach to the innermost active call; the active stack is
// maintained by the dynamic begin/finish scope and is exception-safe
// because finish always runs in the tool wrapper's defer.
type Tracker struct {
	bus    bus.Emitter
	calls  []ToolCall
	active []int
	onCall func()
}

// NewTracker creates a tracker emitting on the given bus. onCall, when
// non-nil, is invoked once per begin (the sandbox's nested-call
// counter).
func NewTracker(b bus.Emitter, onCall func()) *Tracker {
	return &Tracker{bus: b, onCall: onCall}
}

// begin records a call start, attaches it to the enclosing call, and
// emits tool_start. Returns the call's index.
func (t *Tracker) begin(tool string, args map[string]any) int {
	idx := len(t.calls)
	t.calls = append(t.calls, ToolCall{Tool: tool, Args: args})
	if len(t.active) > 0 {
		parent := t.active[len(t.active)-1]
		t.calls[parent].Children = append(t.calls[parent].Children, idx)
	}
	t.active = append(t.active, idx)
	if t.onCall != nil {
		t.onCall()
	}
	if t.bus != nil {
		t.bus.Emit(bus.KindToolStart, map[string]any{"tool": tool, "args": args, "index": idx})
	}
	return idx
}

// finish closes a call with its outcome and emits tool_end or
// tool_error.
func (t *Tracker) finish(idx int, summary string, started time.Time, err error) {
	t.calls[idx].DurationMS = float64(time.Since(started).Microseconds()) / 1000
	t.calls[idx].ResultSummary = summary
	if len(t.active) > 0 && t.active[len(t.active)-1] == idx {
		t.active = t.active[:len(t.active)-1]
	}
	if err != nil {
		t.calls[idx].Error = err.Error()
		if t.bus != nil {
			t.bus.Emit(bus.KindToolError, map[string]any{
				"tool": t.calls[idx].Tool, "index": idx, "error": err.Error(),
			})
		}
		return
	}
	if t.bus != nil {
		t.bus.Emit(bus.KindToolEnd, map[string]any{
			"tool": t.calls[idx].Tool, "index": idx,
			"result_summary": summary, "duration_ms": t.calls[idx].DurationMS,
		})
	}
}

// Calls returns a copy of the recorded call list.
func (t *Tracker) Calls() []ToolCall {
	out := make([]ToolCall, len(t.calls))
	copy(out, t.calls)
	return out
}

// Roots returns the indices of top-level calls (no parent).
func (t *Tracker) Roots() []int {
	child := make(map[int]bool)
	for _, c := range t.calls {
		for _, idx := range c.Children {
			child[idx] = true
		}
	}
	var roots []int
	for i := range t.calls {
		if !child[i] {
			roots = append(roots, i)
		}
	}
	return roots
}

// tracked wraps a tool body with begin/finish. The body's returned map
// is passed through; an error is recorded and also folded into the
// returned map so sandbox callers always get a value.
func (sc *SearchContext) tracked(tool string, args map[string]any, body func() (map[string]any, string, error)) map[string]any {
	started := time.Now()
	idx := sc.Tracker.begin(tool, args)

	var (
		result  map[string]any
		summary string
		err     error
	)
	// finish runs even when the body panics, so the active-call stack
	// stays balanced and the call is closed with an error.
	defer func() {
		if r := recover(); r != nil {
			sc.Tracker.finish(idx, "", started, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		sc.Tracker.finish(idx, summary, started, err)
	}()

	result, summary, err = body()

	if err != nil {
		if result == nil {
			result = map[string]any{}
		}
		if _, ok := result["error"]; !ok {
			result["error"] = err.Error()
		}
	}
	return result
}

// summarize renders a short human summary for the call list.
func summarize(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
