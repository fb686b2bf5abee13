package tools

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/cascade-search/rlm/pkg/llm"
	"github.com/cascade-search/rlm/pkg/sandbox"
)

// Builtins assembles the predeclared namespace for a session's sandbox.
// Every tool becomes a callable; rlm_query is installed only when
// delegation is both enabled and available at this depth, so a sandbox
// at the depth limit simply has no such name.
func Builtins(sc *SearchContext) starlark.StringDict {
	env := starlark.StringDict{
		"search":           toolFn("search", sc.searchBuiltin),
		"browse":           toolFn("browse", sc.browseBuiltin),
		"research":         toolFn("research", sc.researchBuiltin),
		"evaluate_results": toolFn("evaluate_results", sc.evaluateBuiltin),
		"reformulate":      toolFn("reformulate", sc.reformulateBuiltin),
		"critique_answer":  toolFn("critique_answer", sc.critiqueBuiltin),
		"draft_answer":     toolFn("draft_answer", sc.draftBuiltin),
		"check_progress":   toolFn("check_progress", sc.progressBuiltin),
	}
	if sc.MultiMode {
		env["search_multi"] = toolFn("search_multi", sc.searchMultiBuiltin)
	}
	if sc.MaxDelegationDepth > 0 && sc.Depth < sc.MaxDelegationDepth {
		env["rlm_query"] = toolFn("rlm_query", sc.delegateBuiltin)
	}

	// Raw LM access plus the private emit hook. The underscore name is
	// filtered from the locals snapshot but stays callable.
	env["llm"] = starlark.NewBuiltin("llm", sc.llmBuiltin)
	env["llm_batch"] = starlark.NewBuiltin("llm_batch", sc.llmBatchBuiltin)
	env["_emit"] = starlark.NewBuiltin("_emit", sc.emitBuiltin)
	return env
}

func (sc *SearchContext) llmBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt string
	if err := starlark.UnpackArgs("llm", args, kwargs, "prompt", &prompt); err != nil {
		return nil, err
	}
	resp, err := sc.Sub.Complete(sc.Ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return starlark.String(resp), nil
}

func (sc *SearchContext) llmBatchBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var promptsArg starlark.Value
	if err := starlark.UnpackArgs("llm_batch", args, kwargs, "prompts", &promptsArg); err != nil {
		return nil, err
	}
	var prompts []string
	if list, ok := sandbox.FromStarlark(promptsArg).([]any); ok {
		for _, v := range list {
			prompts = append(prompts, fmt.Sprintf("%v", v))
		}
	}
	responses, err := llm.CompleteBatched(sc.Ctx, sc.Sub, prompts)
	if err != nil {
		return nil, fmt.Errorf("llm_batch: %w", err)
	}
	return sandbox.ToStarlark(toAnySlice(responses)), nil
}

func (sc *SearchContext) emitBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind string
	var payloadArg starlark.Value
	if err := starlark.UnpackArgs("_emit", args, kwargs, "kind", &kind, "payload?", &payloadArg); err != nil {
		return nil, err
	}
	payload, _ := sandbox.FromStarlark(orNone(payloadArg)).(map[string]any)
	sc.Bus.Emit(kind, payload)
	return starlark.None, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// toolFn wraps a builtin body, converting its result map for Starlark.
func toolFn(name string, body func(*starlark.Thread, starlark.Tuple, []starlark.Tuple) (map[string]any, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		result, err := body(thread, args, kwargs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return sandbox.ToStarlark(result), nil
	})
}

// printWarning surfaces a tool warning in the captured stdout so the
// model sees it next iteration.
func printWarning(thread *starlark.Thread, result map[string]any) {
	if w, ok := result["warning"].(string); ok && thread.Print != nil {
		thread.Print(thread, w)
	}
}

func (sc *SearchContext) searchBuiltin(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var query string
	var topK = 10
	var filters starlark.Value
	if err := starlark.UnpackArgs("search", args, kwargs,
		"query", &query, "top_k?", &topK, "filters?", &filters); err != nil {
		return nil, err
	}
	result := sc.Search(query, topK, toFilters(filters))
	printWarning(thread, result)
	return result, nil
}

func (sc *SearchContext) searchMultiBuiltin(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var query string
	var topK = 10
	var filters starlark.Value
	if err := starlark.UnpackArgs("search_multi", args, kwargs,
		"query", &query, "top_k?", &topK, "filters?", &filters); err != nil {
		return nil, err
	}
	result := sc.SearchMulti(query, topK, toFilters(filters))
	printWarning(thread, result)
	return result, nil
}

func (sc *SearchContext) browseBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var filters starlark.Value
	var offset, groupLimit int
	var limit = 20
	var sortBy, groupBy string
	if err := starlark.UnpackArgs("browse", args, kwargs,
		"filters?", &filters, "offset?", &offset, "limit?", &limit,
		"sort_by?", &sortBy, "group_by?", &groupBy, "group_limit?", &groupLimit); err != nil {
		return nil, err
	}
	return sc.Browse(toFilters(filters), offset, limit, sortBy, groupBy, groupLimit), nil
}

func (sc *SearchContext) researchBuiltin(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var specsArg starlark.Value
	if err := starlark.UnpackArgs("research", args, kwargs, "queries", &specsArg); err != nil {
		return nil, err
	}
	specs, err := toResearchSpecs(specsArg)
	if err != nil {
		return nil, err
	}
	result := sc.Research(sc.Question, specs)
	printWarning(thread, result)
	return result, nil
}

func (sc *SearchContext) evaluateBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var idsArg starlark.Value
	var topN = 10
	if err := starlark.UnpackArgs("evaluate_results", args, kwargs,
		"ids?", &idsArg, "top_n?", &topN); err != nil {
		return nil, err
	}
	var ids []string
	if list, ok := sandbox.FromStarlark(orNone(idsArg)).([]any); ok {
		for _, v := range list {
			ids = append(ids, fmt.Sprintf("%v", v))
		}
	}
	return sc.EvaluateResults(sc.Question, ids, topN), nil
}

func (sc *SearchContext) reformulateBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var query string
	if err := starlark.UnpackArgs("reformulate", args, kwargs, "query", &query); err != nil {
		return nil, err
	}
	return sc.Reformulate(query), nil
}

func (sc *SearchContext) critiqueBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var draft string
	var evidenceArg starlark.Value
	if err := starlark.UnpackArgs("critique_answer", args, kwargs,
		"draft", &draft, "evidence?", &evidenceArg); err != nil {
		return nil, err
	}
	var lines []string
	if list, ok := sandbox.FromStarlark(orNone(evidenceArg)).([]any); ok {
		for _, v := range list {
			lines = append(lines, fmt.Sprintf("%v", v))
		}
	}
	return sc.CritiqueAnswer(sc.Question, draft, lines), nil
}

func (sc *SearchContext) draftBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if err := starlark.UnpackArgs("draft_answer", args, kwargs); err != nil {
		return nil, err
	}
	return sc.DraftAnswer(sc.Question), nil
}

func (sc *SearchContext) progressBuiltin(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	if err := starlark.UnpackArgs("check_progress", args, kwargs); err != nil {
		return nil, err
	}
	result := sc.CheckProgress()
	if g, ok := result["guidance"].(string); ok && thread.Print != nil {
		thread.Print(thread, fmt.Sprintf("[progress] phase=%v confidence=%v: %s",
			result["phase"], result["confidence"], g))
	}
	return result, nil
}

func (sc *SearchContext) delegateBuiltin(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]any, error) {
	var subQuestion string
	if err := starlark.UnpackArgs("rlm_query", args, kwargs, "sub_question", &subQuestion); err != nil {
		return nil, err
	}
	return sc.Delegate(subQuestion), nil
}

// toFilters converts an optional filters argument. None and missing
// both mean no filters.
func toFilters(v starlark.Value) map[string]any {
	if m, ok := sandbox.FromStarlark(orNone(v)).(map[string]any); ok {
		return m
	}
	return nil
}

func orNone(v starlark.Value) starlark.Value {
	if v == nil {
		return starlark.None
	}
	return v
}

// toResearchSpecs accepts the flexible research argument: one query
// string, one spec dict, or a list mixing both.
func toResearchSpecs(v starlark.Value) ([]ResearchSpec, error) {
	switch x := sandbox.FromStarlark(orNone(v)).(type) {
	case string:
		return []ResearchSpec{{Query: x}}, nil
	case map[string]any:
		spec, err := toResearchSpec(x)
		if err != nil {
			return nil, err
		}
		return []ResearchSpec{spec}, nil
	case []any:
		specs := make([]ResearchSpec, 0, len(x))
		for _, item := range x {
			switch it := item.(type) {
			case string:
				specs = append(specs, ResearchSpec{Query: it})
			case map[string]any:
				spec, err := toResearchSpec(it)
				if err != nil {
					return nil, err
				}
				specs = append(specs, spec)
			default:
				return nil, fmt.Errorf("queries entries must be strings or dicts, got %T", item)
			}
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("queries must not be empty")
		}
		return specs, nil
	default:
		return nil, fmt.Errorf("queries must be a string, dict, or list")
	}
}

func toResearchSpec(m map[string]any) (ResearchSpec, error) {
	query, _ := m["query"].(string)
	if query == "" {
		return ResearchSpec{}, fmt.Errorf("research spec needs a query")
	}
	spec := ResearchSpec{Query: query}
	if f, ok := m["filters"].(map[string]any); ok {
		spec.Filters = f
	}
	switch k := m["top_k"].(type) {
	case int64:
		spec.TopK = int(k)
	case int:
		spec.TopK = k
	}
	if extras, ok := m["extra_queries"].([]any); ok {
		for _, e := range extras {
			if s, ok := e.(string); ok {
				spec.ExtraQueries = append(spec.ExtraQueries, s)
			}
		}
	}
	return spec, nil
}
