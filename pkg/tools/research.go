package tools

import (
	"github.com/cascade-search/rlm/pkg/evidence"
)

// ResearchSpec is one research request: a query with optional filters,
// result budget, and follow-on queries.
type ResearchSpec struct {
	Query        string
	Filters      map[string]any
	TopK         int
	ExtraQueries []string
}

// Research is the deduplicating search-and-evaluate compositor. It runs
// one retrieval per spec plus one per extra query, merges the hits with
// higher score winning, evaluates only results not yet rated (or
// previously rated OFF-TOPIC, since a different query may rehabilitate
// them), and returns the merged set with OFF-TOPIC hits filtered out.
// Individual retrieval failures are tallied into "errors"; when every
// retrieval fails the result set is empty but the call still succeeds.
func (sc *SearchContext) Research(question string, specs []ResearchSpec) map[string]any {
	return sc.tracked("research", map[string]any{"specs": len(specs)}, func() (map[string]any, string, error) {
		merged := make(map[string]evidence.Hit)
		var errors []any
		searches := 0

		runOne := func(query string, filters map[string]any, topK int) {
			searches++
			var result map[string]any
			if sc.MultiMode {
				result = sc.SearchMulti(query, topK, filters)
			} else {
				result = sc.Search(query, topK, filters)
			}
			if errMsg, ok := result["error"].(string); ok {
				errors = append(errors, errMsg)
				return
			}
			if hits, ok := result["results"].([]any); ok {
				for _, raw := range hits {
					hm, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					h := evidence.Hit{
						ID:       hm["id"].(string),
						Score:    hm["score"].(float64),
						Question: hm["question"].(string),
						Answer:   hm["answer"].(string),
					}
					if meta, ok := hm["metadata"].(map[string]any); ok {
						h.Metadata = meta
					}
					if prev, seen := merged[h.ID]; !seen || h.Score > prev.Score {
						merged[h.ID] = h
					}
				}
			}
		}

		for _, spec := range specs {
			runOne(spec.Query, spec.Filters, spec.TopK)
			for _, extra := range spec.ExtraQueries {
				runOne(extra, spec.Filters, spec.TopK)
			}
		}

		all := make([]evidence.Hit, 0, len(merged))
		for _, h := range merged {
			all = append(all, h)
		}
		sortHitsByScore(all)

		// Partition: "new" means unrated or previously OFF-TOPIC.
		var toEval []string
		for _, h := range all {
			r, rated := sc.Store.GetRating(h.ID)
			if !rated || r.Rating == evidence.RatingOffTopic {
				toEval = append(toEval, h.ID)
			}
		}
		if len(toEval) > maxEvalBatch {
			toEval = toEval[:maxEvalBatch]
		}

		evalSummary := "no new results to evaluate"
		if len(toEval) > 0 {
			evalResult := sc.EvaluateResults(question, toEval, len(toEval))
			if s, ok := evalResult["suggestion"].(string); ok {
				evalSummary = s
			}
		}

		// Filter OFF-TOPIC from the returned set; they stay registered.
		var results []any
		ratings := make(map[string]any)
		for _, h := range all {
			if r, rated := sc.Store.GetRating(h.ID); rated {
				if r.Rating == evidence.RatingOffTopic {
					continue
				}
				ratings[h.ID] = map[string]any{"rating": r.Rating, "confidence": r.Confidence}
			}
			results = append(results, hitMap(h))
		}

		out := map[string]any{
			"results":      results,
			"ratings":      ratings,
			"search_count": searches,
			"eval_summary": evalSummary,
		}
		if len(errors) > 0 {
			out["errors"] = errors
		}
		return out, summarize("%d results from %d searches", len(results), searches), nil
	})
}
