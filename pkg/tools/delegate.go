package tools

import (
	"fmt"

	"github.com/cascade-search/rlm/pkg/bus"
)

// ChildBudget is the iteration budget for a delegated sub-driver. The
// first level keeps the configured sub-iteration count; deeper levels
// lose one, and nothing goes below two.
func ChildBudget(depth, subIterations int) int {
	budget := subIterations
	if depth > 1 {
		budget = subIterations - 1
	}
	if budget < 2 {
		budget = 2
	}
	return budget
}

// Delegate runs a focused sub-question in a child driver with its own
// sandbox and evidence store, then merges the child's evidence into the
// parent registry. The child emits sub_iteration events on the parent
// bus and shares its cancellation latch.
//
// At the configured maximum depth the call returns a structured error
// instead of recursing. When delegation is disabled outright the tool
// is never installed in the sandbox, so this path only handles the
// depth limit.
func (sc *SearchContext) Delegate(subQuestion string) map[string]any {
	return sc.tracked("rlm_query", map[string]any{"sub_question": subQuestion}, func() (map[string]any, string, error) {
		if sc.Spawn == nil {
			return nil, "", fmt.Errorf("delegation is not available in this session")
		}
		childDepth := sc.Depth + 1
		if childDepth > sc.MaxDelegationDepth {
			return nil, "", fmt.Errorf(
				"delegation depth limit reached (%d), answer from evidence already gathered",
				sc.MaxDelegationDepth)
		}

		childBus := sc.childEmitter(childDepth)
		result, err := sc.Spawn(sc.Ctx, subQuestion, childDepth, childBus)
		if err != nil {
			return nil, "", fmt.Errorf("sub-query failed: %w", err)
		}

		merged := sc.Store.Merge(result.Store)

		return map[string]any{
			"answer":         result.Answer,
			"sub_question":   subQuestion,
			"searches_run":   result.SearchesRun,
			"sources_merged": len(merged),
		}, summarize("%d sources merged, %d searches", len(merged), result.SearchesRun), nil
	})
}

// childEmitter wraps the session bus for a child at the given depth.
// When the session bus is itself a child view, the grandchild still
// re-kinds through the root bus.
func (sc *SearchContext) childEmitter(depth int) bus.Emitter {
	if b, ok := sc.Bus.(*bus.Bus); ok {
		return bus.NewChildView(b, depth)
	}
	// Already a ChildView: events pass through it, which re-kinds
	// iterations and swallows terminals the same way.
	return sc.Bus
}
