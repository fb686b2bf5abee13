package tools

import (
	"fmt"
	"strings"

	"github.com/cascade-search/rlm/pkg/cascade"
	"github.com/cascade-search/rlm/pkg/evidence"
)

// truncateQuery enforces the query length cap. The returned warning is
// non-empty when truncation happened; callers surface it to the model.
func truncateQuery(query string) (string, string) {
	if len(query) <= maxQueryLen {
		return query, ""
	}
	return query[:maxQueryLen], fmt.Sprintf(
		"WARNING: query truncated from %d to %d characters", len(query), maxQueryLen)
}

// normalizeHit converts a raw API hit into the canonical shape.
func normalizeHit(raw cascade.RawHit) evidence.Hit {
	meta := raw.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return evidence.Hit{
		ID:       evidence.CoerceID(raw.ID),
		Score:    raw.Score,
		Question: raw.Question,
		Answer:   raw.Answer,
		Metadata: meta,
	}
}

// hitMap renders a hit for the sandbox.
func hitMap(h evidence.Hit) map[string]any {
	return map[string]any{
		"id":       h.ID,
		"score":    h.Score,
		"question": h.Question,
		"answer":   h.Answer,
		"metadata": h.Metadata,
	}
}

// Search runs one retrieval query, registers the hits, and logs the
// search. Returned map: {results, total, query, warning?}.
func (sc *SearchContext) Search(query string, topK int, filters map[string]any) map[string]any {
	return sc.tracked("search", map[string]any{"query": query, "top_k": topK}, func() (map[string]any, string, error) {
		query, warning := truncateQuery(query)
		if topK <= 0 {
			topK = 10
		}

		resp, err := sc.Cascade.Search(sc.Ctx, cascade.SearchRequest{
			Query:      query,
			Collection: sc.Collection,
			TopK:       topK,
			Filters:    filters,
		})
		if err != nil {
			return nil, "", fmt.Errorf("search failed: %w", err)
		}

		hits := sc.registerAll(resp.Hits)
		sc.Store.LogSearch(evidence.SearchLogEntry{
			Kind: "search", Query: query, Filters: filters, NumResults: len(hits),
		})

		out := map[string]any{"results": hits, "total": resp.Total, "query": query}
		if warning != "" {
			out["warning"] = warning
		}
		return out, summarize("%d hits for %q", len(hits), query), nil
	})
}

// SearchMulti merges candidates from multiple collections with
// server-side rerank. Used instead of Search inside research when the
// session is in multi mode.
func (sc *SearchContext) SearchMulti(query string, topK int, filters map[string]any) map[string]any {
	return sc.tracked("search_multi", map[string]any{"query": query, "top_k": topK}, func() (map[string]any, string, error) {
		query, warning := truncateQuery(query)
		if topK <= 0 {
			topK = 10
		}

		resp, err := sc.Cascade.SearchMulti(sc.Ctx, cascade.MultiSearchRequest{
			Query:             query,
			Collections:       sc.Collections,
			TopKPerCollection: topK,
			TopK:              topK,
			Filters:           filters,
		})
		if err != nil {
			return nil, "", fmt.Errorf("search_multi failed: %w", err)
		}

		hits := sc.registerAll(resp.Hits)
		sc.Store.LogSearch(evidence.SearchLogEntry{
			Kind: "search_multi", Query: query, Filters: filters, NumResults: len(hits),
		})

		out := map[string]any{"results": hits, "total": resp.Total, "query": query}
		if warning != "" {
			out["warning"] = warning
		}
		return out, summarize("%d merged hits for %q", len(hits), query), nil
	})
}

// Browse pages through a collection with filters, sorting, and optional
// group_by clustering. Grouped hits are normalized and registered the
// same way as search hits.
func (sc *SearchContext) Browse(filters map[string]any, offset, limit int, sortBy, groupBy string, groupLimit int) map[string]any {
	args := map[string]any{"offset": offset, "limit": limit}
	if groupBy != "" {
		args["group_by"] = groupBy
	}
	return sc.tracked("browse", args, func() (map[string]any, string, error) {
		if limit <= 0 {
			limit = 20
		}

		resp, err := sc.Cascade.Browse(sc.Ctx, cascade.BrowseRequest{
			Collection:    sc.Collection,
			Filters:       filters,
			Offset:        offset,
			Limit:         limit,
			SortBy:        sortBy,
			GroupBy:       groupBy,
			GroupLimit:    groupLimit,
			IncludeFacets: true,
		})
		if err != nil {
			return nil, "", fmt.Errorf("browse failed: %w", err)
		}

		hits := sc.registerAll(resp.Hits)

		var filterDesc strings.Builder
		for k := range filters {
			if filterDesc.Len() > 0 {
				filterDesc.WriteString(",")
			}
			filterDesc.WriteString(k)
		}
		sc.Store.LogSearch(evidence.SearchLogEntry{
			Kind: "browse", Query: "browse:" + filterDesc.String(),
			Filters: filters, NumResults: len(hits),
		})

		out := map[string]any{
			"results":  hits,
			"total":    resp.Total,
			"has_more": resp.HasMore,
		}
		if resp.Facets != nil {
			out["facets"] = resp.Facets
		}
		if len(resp.GroupedResults) > 0 {
			grouped := make(map[string]any, len(resp.GroupedResults))
			for label, raws := range resp.GroupedResults {
				grouped[label] = sc.registerAll(raws)
			}
			out["grouped_results"] = grouped
		}
		return out, summarize("%d hits, %d groups", len(hits), len(resp.GroupedResults)), nil
	})
}

// registerAll normalizes and registers raw hits, returning their
// sandbox renderings.
func (sc *SearchContext) registerAll(raws []cascade.RawHit) []any {
	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		h := normalizeHit(raw)
		sc.Store.RegisterHit(h)
		out = append(out, hitMap(h))
	}
	return out
}
