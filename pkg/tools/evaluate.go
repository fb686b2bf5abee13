package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cascade-search/rlm/pkg/evidence"
	"github.com/cascade-search/rlm/pkg/llm"
)

// llmBatch fans prompts out on the sub-model completer.
func llmBatch(sc *SearchContext, prompts []string) ([]string, error) {
	return llm.CompleteBatched(sc.Ctx, sc.Sub, prompts)
}

// ratingLine matches one "[id] RATING CONFIDENCE:N" line. OFF_TOPIC is
// accepted as a spelling of OFF-TOPIC; confidence is optional.
var ratingLine = regexp.MustCompile(
	`(?m)^\s*\[([^\]]+)\]\s*(RELEVANT|PARTIAL|OFF-TOPIC|OFF_TOPIC|UNKNOWN)\b(?:\s+CONFIDENCE\s*:\s*(\d+))?`)

const defaultConfidence = 3

// EvaluateResults rates up to topN registered hits for relevance
// against the question. It first tries one batch prompt; when fewer
// than half the expected ids parse, it falls back to one prompt per
// candidate via the batched completer.
func (sc *SearchContext) EvaluateResults(question string, ids []string, topN int) map[string]any {
	return sc.tracked("evaluate_results", map[string]any{"question": question, "count": len(ids)}, func() (map[string]any, string, error) {
		if topN <= 0 {
			topN = 10
		}
		candidates := sc.resolveCandidates(ids, topN)
		if len(candidates) == 0 {
			return map[string]any{"ratings": map[string]any{}, "suggestion": "Refine the query"}, "no candidates", nil
		}

		parsed := sc.evaluateBatch(question, candidates)
		if len(parsed)*2 < len(candidates) {
			parsed = sc.evaluatePerResult(question, candidates)
		}

		ratings := make(map[string]any, len(parsed))
		for id, r := range parsed {
			sc.Store.SetRating(id, r.Rating, r.Confidence)
			ratings[id] = map[string]any{"rating": r.Rating, "confidence": r.Confidence}
		}

		suggestion := suggestFromCounts(sc.Store.RatingCounts())
		out := map[string]any{"ratings": ratings, "suggestion": suggestion}
		return out, summarize("rated %d/%d", len(parsed), len(candidates)), nil
	})
}

// resolveCandidates picks the hits to evaluate: the explicit ids when
// given, otherwise the top-scored registered hits.
func (sc *SearchContext) resolveCandidates(ids []string, topN int) []evidence.Hit {
	var hits []evidence.Hit
	if len(ids) > 0 {
		for _, id := range ids {
			if h, ok := sc.Store.Get(id); ok {
				hits = append(hits, h)
			}
		}
	} else {
		for _, h := range sc.Store.Snapshot() {
			hits = append(hits, h)
		}
		sortHitsByScore(hits)
	}
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits
}

// evaluateBatch issues one prompt covering all candidates and parses
// one rating line per hit.
func (sc *SearchContext) evaluateBatch(question string, candidates []evidence.Hit) map[string]evidence.Rating {
	var b strings.Builder
	b.WriteString("Rate each result's relevance to the question.\n")
	b.WriteString("Question: " + question + "\n\n")
	for _, h := range candidates {
		fmt.Fprintf(&b, "[%s] Q: %s\nA: %s\n\n", h.ID, clip(h.Question, 200), clip(h.Answer, 500))
	}
	b.WriteString("Respond with one line per result, exactly:\n[id] RELEVANT|PARTIAL|OFF-TOPIC|UNKNOWN CONFIDENCE:1-5\n")

	resp, err := sc.Sub.Complete(sc.Ctx, b.String())
	if err != nil {
		return nil
	}
	return parseRatings(resp, candidates)
}

// evaluatePerResult falls back to one prompt per candidate, preserving
// order via the batched completer.
func (sc *SearchContext) evaluatePerResult(question string, candidates []evidence.Hit) map[string]evidence.Rating {
	prompts := make([]string, len(candidates))
	for i, h := range candidates {
		prompts[i] = fmt.Sprintf(
			"Question: %s\n\nResult [%s]:\nQ: %s\nA: %s\n\nRespond with exactly one line:\n[%s] RELEVANT|PARTIAL|OFF-TOPIC|UNKNOWN CONFIDENCE:1-5",
			question, h.ID, clip(h.Question, 200), clip(h.Answer, 500), h.ID)
	}

	responses, err := llmBatch(sc, prompts)
	if err != nil {
		return nil
	}

	out := make(map[string]evidence.Rating)
	for i, resp := range responses {
		if strings.HasPrefix(resp, "Error:") {
			continue
		}
		for id, r := range parseRatings(resp, candidates[i:i+1]) {
			out[id] = r
		}
	}
	return out
}

// parseRatings extracts rating lines for known candidate ids.
func parseRatings(response string, candidates []evidence.Hit) map[string]evidence.Rating {
	known := make(map[string]bool, len(candidates))
	for _, h := range candidates {
		known[h.ID] = true
	}

	out := make(map[string]evidence.Rating)
	for _, m := range ratingLine.FindAllStringSubmatch(response, -1) {
		id := strings.TrimSpace(m[1])
		if !known[id] {
			continue
		}
		rating := strings.ReplaceAll(m[2], "_", "-")
		confidence := defaultConfidence
		if m[3] != "" {
			if n, err := strconv.Atoi(m[3]); err == nil {
				confidence = n
			}
		}
		if confidence < 1 {
			confidence = 1
		} else if confidence > 5 {
			confidence = 5
		}
		out[id] = evidence.Rating{HitID: id, Rating: rating, Confidence: confidence}
	}
	return out
}

// suggestFromCounts derives the next-step suggestion algorithmically.
func suggestFromCounts(counts map[string]int) string {
	relevant := counts[evidence.RatingRelevant]
	partial := counts[evidence.RatingPartial]
	switch {
	case relevant >= 3:
		return "Proceed to synthesis"
	case relevant >= 1 || partial >= 2:
		return "Consider examining partial matches or refining"
	default:
		return "Refine the query"
	}
}

func sortHitsByScore(hits []evidence.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// clip truncates a string to at most n runes with an ellipsis, never
// splitting a multi-byte character.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
