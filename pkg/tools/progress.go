package tools

import (
	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/evidence"
)

// CheckProgress reports where the session stands without touching any
// state. It emits a progress event so stream consumers see the same
// numbers the model does.
func (sc *SearchContext) CheckProgress() map[string]any {
	return sc.tracked("check_progress", nil, func() (map[string]any, string, error) {
		counts := sc.Store.RatingCounts()
		phase := sc.Gate.Phase()
		confidence := sc.Gate.Confidence()

		out := map[string]any{
			"phase":               phase,
			"confidence":          confidence,
			"relevant":            counts[evidence.RatingRelevant],
			"partial":             counts[evidence.RatingPartial],
			"top_score":           sc.Store.TopScore(),
			"searches_run":        sc.Store.SearchCount(),
			"unique_sources":      sc.Store.Count(),
			"query_diversity":     sc.Store.QueryDiversity(),
			"categories_explored": sc.Store.CategoriesExplored(),
			"guidance":            sc.Gate.Guidance(phase, sc.strategy()),
		}

		sc.Bus.Emit(bus.KindProgress, map[string]any{
			"phase":      phase,
			"confidence": confidence,
			"relevant":   counts[evidence.RatingRelevant],
			"searches":   sc.Store.SearchCount(),
		})

		return out, summarize("phase=%s confidence=%d", phase, confidence), nil
	})
}

func (sc *SearchContext) strategy() string {
	if sc.Classification != nil {
		return sc.Classification.Strategy
	}
	return ""
}
