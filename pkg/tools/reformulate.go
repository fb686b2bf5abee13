package tools

import (
	"fmt"
	"strings"
)

// maxReformulations caps how many alternative queries one call returns.
const maxReformulations = 3

// Reformulate asks the sub-model for alternative phrasings of a query.
// Bridge vocabulary from the retrieval API, when available, seeds the
// prompt so suggestions use terms the collection actually contains.
// The response is split on newlines, blanks dropped, capped at three.
func (sc *SearchContext) Reformulate(query string) map[string]any {
	return sc.tracked("reformulate", map[string]any{"query": query}, func() (map[string]any, string, error) {
		var related []string
		if bridge, err := sc.Cascade.Bridge(sc.Ctx, query); err == nil {
			related = append(related, bridge.Bridges...)
			related = append(related, bridge.Related...)
		}

		prompt := fmt.Sprintf(
			"The search query %q is not finding relevant results. "+
				"Suggest up to %d alternative phrasings that might match how the knowledge base words this topic. ",
			query, maxReformulations)
		if len(related) > 0 {
			prompt += fmt.Sprintf("Terms known to occur in the collection: %s. ", strings.Join(related, ", "))
		}
		prompt += "Respond with one query per line, nothing else."

		resp, err := sc.Sub.Complete(sc.Ctx, prompt)
		if err != nil {
			return nil, "", fmt.Errorf("reformulate failed: %w", err)
		}

		var queries []any
		for _, line := range strings.Split(resp, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
			if line == "" {
				continue
			}
			queries = append(queries, line)
			if len(queries) == maxReformulations {
				break
			}
		}
		result := map[string]any{"queries": queries}
		if len(related) > 0 {
			result["related_terms"] = toAnySlice(related)
		}
		return result, summarize("%d alternatives", len(queries)), nil
	})
}
