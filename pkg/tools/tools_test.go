package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/cascade"
	"github.com/cascade-search/rlm/pkg/evidence"
	"github.com/cascade-search/rlm/pkg/quality"
)

// fakeLLM replays scripted responses in order and records prompts.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	fn        func(prompt string) (string, error)
	prompts   []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.fn != nil {
		return f.fn(prompt)
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fakeLLM: no scripted response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) Model() string { return "fake" }

func (f *fakeLLM) allPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func hitsHandler(hits []cascade.RawHit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cascade.SearchResponse{Hits: hits, Total: len(hits)})
	}
}

func newTestContext(t *testing.T, handler http.Handler) (*SearchContext, *bus.Bus) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := evidence.NewStore()
	b := bus.New()
	sc := &SearchContext{
		Ctx:      context.Background(),
		Question: "how do I reset my password",
		Cascade:  cascade.NewClient(server.URL, ""),
		Bus:      b,
		Store:    store,
		Gate:     quality.NewGate(store),
		Sub:      &fakeLLM{},
	}
	sc.Tracker = NewTracker(b, nil)
	return sc, b
}

func rawHit(id string, score float64) cascade.RawHit {
	return cascade.RawHit{
		ID: id, Score: score,
		Question: "q " + id, Answer: "a " + id,
		Metadata: map[string]any{"parent_category": "accounts"},
	}
}

func TestSearchRegistersAndLogs(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler([]cascade.RawHit{rawHit("h1", 0.9), rawHit("h2", 0.7)}))

	result := sc.Search("password reset", 5, nil)

	require.NotContains(t, result, "error")
	assert.Len(t, result["results"], 2)
	assert.Equal(t, 2, result["total"])
	assert.Equal(t, 2, sc.Store.Count())
	assert.Equal(t, 1, sc.Store.SearchCount())
	assert.NotContains(t, result, "warning")
}

func TestSearchTruncatesLongQuery(t *testing.T) {
	var gotQuery string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cascade.SearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotQuery = req.Query
		_ = json.NewEncoder(w).Encode(cascade.SearchResponse{})
	})
	sc, _ := newTestContext(t, handler)

	long := strings.Repeat("x", maxQueryLen+100)
	result := sc.Search(long, 5, nil)

	assert.Len(t, gotQuery, maxQueryLen)
	assert.Contains(t, result["warning"], "truncated")
}

func TestSearchErrorFoldedIntoResult(t *testing.T) {
	sc, _ := newTestContext(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))

	result := sc.Search("anything", 5, nil)

	require.Contains(t, result, "error")
	assert.Contains(t, result["error"], "search failed")

	calls := sc.Tracker.Calls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].Error)
}

func TestResearchEvaluatesOnlyNewResults(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler([]cascade.RawHit{
		rawHit("a", 0.9), rawHit("b", 0.8), rawHit("c", 0.7),
	}))
	// a already judged relevant, c already judged off-topic. Only b and
	// c should go to evaluation: c's prior OFF-TOPIC may be stale.
	sc.Store.RegisterHit(evidence.Hit{ID: "a", Score: 0.5})
	sc.Store.SetRating("a", evidence.RatingRelevant, 5)
	sc.Store.RegisterHit(evidence.Hit{ID: "c", Score: 0.5})
	sc.Store.SetRating("c", evidence.RatingOffTopic, 4)

	sub := &fakeLLM{responses: []string{"[b] RELEVANT CONFIDENCE:4\n[c] OFF-TOPIC CONFIDENCE:5"}}
	sc.Sub = sub

	result := sc.Research(sc.Question, []ResearchSpec{{Query: "reset password"}})

	prompts := sub.allPrompts()
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "[a]")
	assert.Contains(t, prompts[0], "[b]")
	assert.Contains(t, prompts[0], "[c]")

	// a's original judgment stands untouched.
	r, ok := sc.Store.GetRating("a")
	require.True(t, ok)
	assert.Equal(t, 5, r.Confidence)

	// c stays registered but is filtered from the returned set.
	_, registered := sc.Store.Get("c")
	assert.True(t, registered)
	var ids []string
	for _, raw := range result["results"].([]any) {
		ids = append(ids, raw.(map[string]any)["id"].(string))
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	assert.Equal(t, 1, result["search_count"])
}

func TestResearchRunsExtraQueries(t *testing.T) {
	var queries []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cascade.SearchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		queries = append(queries, req.Query)
		_ = json.NewEncoder(w).Encode(cascade.SearchResponse{})
	})
	sc, _ := newTestContext(t, handler)

	result := sc.Research(sc.Question, []ResearchSpec{
		{Query: "reset password", ExtraQueries: []string{"forgot password", "change credentials"}},
	})

	assert.Equal(t, []string{"reset password", "forgot password", "change credentials"}, queries)
	assert.Equal(t, 3, result["search_count"])
}

func TestResearchAllSearchesFailReturnsEmpty(t *testing.T) {
	sc, _ := newTestContext(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	result := sc.Research(sc.Question, []ResearchSpec{{Query: "one"}, {Query: "two"}})

	require.NotContains(t, result, "error")
	assert.Empty(t, result["results"])
	assert.Len(t, result["errors"], 2)
	assert.Equal(t, 2, result["search_count"])
}

// Evaluation candidates are exactly the unrated ids plus any previously
// judged OFF-TOPIC, regardless of how prior ratings are distributed.
func TestResearchEvaluationSetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	ratingOf := []string{"", evidence.RatingRelevant, evidence.RatingPartial, evidence.RatingOffTopic}

	properties.Property("evaluates unrated and off-topic only", prop.ForAll(
		func(priors []int) bool {
			var hits []cascade.RawHit
			for i := range priors {
				hits = append(hits, rawHit(fmt.Sprintf("h%d", i), 0.9-float64(i)*0.01))
			}
			sc, _ := newTestContext(t, hitsHandler(hits))
			want := map[string]bool{}
			for i, p := range priors {
				id := fmt.Sprintf("h%d", i)
				rating := ratingOf[p%len(ratingOf)]
				if rating == "" {
					want[id] = true
					continue
				}
				sc.Store.RegisterHit(evidence.Hit{ID: id, Score: 0.5})
				sc.Store.SetRating(id, rating, 3)
				if rating == evidence.RatingOffTopic {
					want[id] = true
				}
			}
			sub := &fakeLLM{fn: func(string) (string, error) { return "", nil }}
			sc.Sub = sub

			sc.Research(sc.Question, []ResearchSpec{{Query: "q"}})

			prompts := sub.allPrompts()
			if len(want) == 0 {
				return len(prompts) == 0
			}
			if len(prompts) == 0 {
				return false
			}
			for i := range priors {
				id := fmt.Sprintf("h%d", i)
				mentioned := strings.Contains(prompts[0], "["+id+"]")
				if mentioned != want[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

func TestEvaluateParsesRatingLines(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))
	for _, id := range []string{"x", "y", "z"} {
		sc.Store.RegisterHit(evidence.Hit{ID: id, Score: 0.5, Question: "q", Answer: "a"})
	}
	sc.Sub = &fakeLLM{responses: []string{
		"Here are my ratings:\n" +
			"[x] RELEVANT CONFIDENCE:4\n" +
			"[y] OFF_TOPIC CONFIDENCE:9\n" + // alternate spelling, clamped
			"[z] PARTIAL\n" + // no confidence: default
			"[ghost] RELEVANT CONFIDENCE:5\n", // unknown id: ignored
	}}

	result := sc.EvaluateResults(sc.Question, []string{"x", "y", "z"}, 10)

	ratings := result["ratings"].(map[string]any)
	require.Len(t, ratings, 3)

	rx, _ := sc.Store.GetRating("x")
	assert.Equal(t, evidence.RatingRelevant, rx.Rating)
	assert.Equal(t, 4, rx.Confidence)

	ry, _ := sc.Store.GetRating("y")
	assert.Equal(t, evidence.RatingOffTopic, ry.Rating)
	assert.Equal(t, 5, ry.Confidence)

	rz, _ := sc.Store.GetRating("z")
	assert.Equal(t, evidence.RatingPartial, rz.Rating)
	assert.Equal(t, defaultConfidence, rz.Confidence)

	_, ok := sc.Store.GetRating("ghost")
	assert.False(t, ok)
}

func TestEvaluateFallsBackPerResult(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))
	for _, id := range []string{"x", "y"} {
		sc.Store.RegisterHit(evidence.Hit{ID: id, Score: 0.5, Question: "q", Answer: "a"})
	}
	calls := 0
	sc.Sub = &fakeLLM{fn: func(prompt string) (string, error) {
		calls++
		if calls == 1 {
			// Batch response that parses nothing.
			return "I cannot rate these.", nil
		}
		if strings.Contains(prompt, "[x]") {
			return "[x] RELEVANT CONFIDENCE:4", nil
		}
		return "[y] PARTIAL CONFIDENCE:2", nil
	}}

	result := sc.EvaluateResults(sc.Question, []string{"x", "y"}, 10)

	ratings := result["ratings"].(map[string]any)
	assert.Len(t, ratings, 2)
	assert.Equal(t, 3, calls)
}

func TestSuggestionThresholds(t *testing.T) {
	tests := []struct {
		name     string
		relevant int
		partial  int
		want     string
	}{
		{"enough relevant", 3, 0, "Proceed to synthesis"},
		{"some signal", 1, 0, "Consider examining partial matches or refining"},
		{"partials only", 0, 2, "Consider examining partial matches or refining"},
		{"nothing", 0, 1, "Refine the query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts := map[string]int{
				evidence.RatingRelevant: tt.relevant,
				evidence.RatingPartial:  tt.partial,
			}
			assert.Equal(t, tt.want, suggestFromCounts(counts))
		})
	}
}

func TestVerdictPassed(t *testing.T) {
	assert.True(t, VerdictPassed("PASS"))
	assert.True(t, VerdictPassed("pass, looks well supported"))
	assert.True(t, VerdictPassed("**PASS** citations check out"))
	assert.True(t, VerdictPassed("  # Passed review"))
	assert.False(t, VerdictPassed("FAIL: claim 2 is unsupported"))
	assert.False(t, VerdictPassed("The draft would PASS with fixes"))
}

func TestDraftAnswerRevisesOnceOnFailedCritique(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))
	sc.Store.RegisterHit(evidence.Hit{ID: "e1", Score: 0.9, Question: "q", Answer: "a"})
	sc.Store.SetRating("e1", evidence.RatingRelevant, 5)

	sc.Sub = &fakeLLM{responses: []string{
		"first draft",
		"FAIL: missing citation",
		"second draft",
		"PASS",
	}}

	result := sc.DraftAnswer(sc.Question)

	assert.Equal(t, "second draft", result["answer"])
	assert.Equal(t, true, result["passed"])
	assert.Equal(t, true, result["revised"])
	assert.True(t, sc.Gate.DraftRecorded())
	assert.True(t, sc.Gate.LastCritiquePassed())
}

func TestDraftAnswerNoEvidence(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))

	result := sc.DraftAnswer(sc.Question)

	require.Contains(t, result, "error")
	assert.Contains(t, result["error"], "no evidence")
}

func TestCheckProgressEmitsEventAndReadsOnly(t *testing.T) {
	sc, b := newTestContext(t, hitsHandler(nil))
	sc.Store.RegisterHit(evidence.Hit{ID: "e1", Score: 0.3, Metadata: map[string]any{"parent_category": "accounts"}})
	sc.Store.SetRating("e1", evidence.RatingRelevant, 4)
	before := sc.Store.SearchCount()

	result := sc.CheckProgress()

	assert.Equal(t, quality.PhaseContinue, result["phase"])
	assert.Equal(t, 1, result["relevant"])
	assert.Equal(t, []string{"accounts"}, result["categories_explored"])
	assert.NotEmpty(t, result["guidance"])
	assert.Equal(t, before, sc.Store.SearchCount())

	var kinds []string
	for _, evt := range b.Replay() {
		kinds = append(kinds, evt.Kind)
	}
	assert.Contains(t, kinds, bus.KindProgress)
}

func TestDelegateDepthLimit(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))
	sc.MaxDelegationDepth = 2
	sc.Depth = 2
	spawned := false
	sc.Spawn = func(context.Context, string, int, bus.Emitter) (*ChildResult, error) {
		spawned = true
		return nil, nil
	}

	result := sc.Delegate("sub question")

	require.Contains(t, result, "error")
	assert.Contains(t, result["error"], "depth limit")
	assert.False(t, spawned)
}

func TestDelegateMergesChildEvidence(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))
	sc.MaxDelegationDepth = 2
	sc.Store.RegisterHit(evidence.Hit{ID: "shared", Score: 0.5})

	childStore := evidence.NewStore()
	childStore.RegisterHit(evidence.Hit{ID: "shared", Score: 0.9})
	childStore.RegisterHit(evidence.Hit{ID: "fresh", Score: 0.8})

	var gotDepth int
	sc.Spawn = func(_ context.Context, sub string, depth int, _ bus.Emitter) (*ChildResult, error) {
		gotDepth = depth
		return &ChildResult{Answer: "child answer", Store: childStore, SearchesRun: 3}, nil
	}

	result := sc.Delegate("sub question")

	require.NotContains(t, result, "error")
	assert.Equal(t, 1, gotDepth)
	assert.Equal(t, "child answer", result["answer"])
	assert.Equal(t, 3, result["searches_run"])
	assert.Equal(t, 1, result["sources_merged"])

	merged, _ := sc.Store.Get("shared")
	assert.Equal(t, 0.9, merged.Score)
}

func TestChildBudget(t *testing.T) {
	assert.Equal(t, 5, ChildBudget(1, 5))
	assert.Equal(t, 4, ChildBudget(2, 5))
	assert.Equal(t, 2, ChildBudget(1, 1))
	assert.Equal(t, 2, ChildBudget(3, 2))
}

func TestTrackerNestsResearchCalls(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler([]cascade.RawHit{rawHit("h1", 0.9)}))
	sc.Sub = &fakeLLM{responses: []string{"[h1] RELEVANT CONFIDENCE:4"}}

	sc.Research(sc.Question, []ResearchSpec{{Query: "q"}})

	calls := sc.Tracker.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "research", calls[0].Tool)
	assert.Len(t, calls[0].Children, 2) // search + evaluate_results

	roots := sc.Tracker.Roots()
	assert.Equal(t, []int{0}, roots)
}

func TestParseClassification(t *testing.T) {
	resp := "Looking at the taxonomy:\n" +
		"CATEGORY: Account Management\n" +
		"CONFIDENCE: HIGH\n" +
		"CLUSTERS: password-reset, billing\n" +
		"FILTERS: parent_code=AM\n" +
		"STRATEGY: start with the password-reset cluster\n"

	c := parseClassification(resp)
	require.NotNil(t, c)
	assert.Equal(t, "Account Management", c.Category)
	assert.Equal(t, "HIGH", c.Confidence)
	assert.Equal(t, []string{"password-reset", "billing"}, c.Clusters)
	assert.Equal(t, map[string]any{"parent_code": "AM"}, c.Filters)
	assert.NotEmpty(t, c.Strategy)
}

func TestParseClassificationNoCategory(t *testing.T) {
	assert.Nil(t, parseClassification("I am not sure how to classify this."))
}

func TestKnownClustersFiltersHallucinated(t *testing.T) {
	ov := &cascade.Overview{Categories: []cascade.Category{{
		Name:     "Accounts",
		Clusters: []cascade.Cluster{{Label: "password-reset"}},
	}}}
	kept := knownClusters([]string{"password-reset", "made-up-cluster"}, ov)
	assert.Equal(t, []string{"password-reset"}, kept)
}

func TestBuiltinsNamespace(t *testing.T) {
	sc, _ := newTestContext(t, hitsHandler(nil))

	env := Builtins(sc)
	assert.Contains(t, env, "search")
	assert.Contains(t, env, "research")
	assert.Contains(t, env, "check_progress")
	assert.Contains(t, env, "llm")
	assert.Contains(t, env, "llm_batch")
	assert.Contains(t, env, "_emit")
	assert.NotContains(t, env, "search_multi")
	assert.NotContains(t, env, "rlm_query")

	sc.MultiMode = true
	sc.MaxDelegationDepth = 1
	env = Builtins(sc)
	assert.Contains(t, env, "search_multi")
	assert.Contains(t, env, "rlm_query")

	sc.Depth = 1
	env = Builtins(sc)
	assert.NotContains(t, env, "rlm_query")
}

func TestReformulateParsesLines(t *testing.T) {
	sc, _ := newTestContext(t, http.NotFoundHandler())
	sc.Sub = &fakeLLM{responses: []string{"1. reset two-factor\n- disable mfa\n\nextra query\nfourth one"}}

	result := sc.Reformulate("reset 2fa")

	require.NotContains(t, result, "error")
	assert.Equal(t, []any{"reset two-factor", "disable mfa", "extra query"}, result["queries"])
	assert.NotContains(t, result, "related_terms")
}

func TestReformulateSeedsBridgeTerms(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cascade.BridgeResponse{
			Bridges: []string{"mfa"},
			Related: []string{"two-factor"},
		})
	})
	lm := &fakeLLM{responses: []string{"disable mfa"}}
	sc, _ := newTestContext(t, mux)
	sc.Sub = lm

	result := sc.Reformulate("2fa")

	require.NotContains(t, result, "error")
	assert.Equal(t, []any{"mfa", "two-factor"}, result["related_terms"])
	prompts := lm.allPrompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "mfa, two-factor")
}

func TestTrackedClosesCallOnPanic(t *testing.T) {
	sc, b := newTestContext(t, http.NotFoundHandler())

	require.Panics(t, func() {
		sc.tracked("explode", nil, func() (map[string]any, string, error) {
			panic("boom")
		})
	})

	calls := sc.Tracker.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Error, "boom")

	// The active-call stack is balanced: the next call is a root, not a
	// child of the panicked one.
	sc.tracked("next", nil, func() (map[string]any, string, error) {
		return map[string]any{}, "", nil
	})
	assert.Equal(t, []int{0, 1}, sc.Tracker.Roots())
	assert.Empty(t, sc.Tracker.Calls()[0].Children)

	events := b.Replay()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, bus.KindToolStart, events[0].Kind)
	assert.Equal(t, bus.KindToolError, events[1].Kind)
}

func TestClipKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))

	arabic := strings.Repeat("ما", 10) // 20 runes, 40 bytes
	clipped := clip(arabic, 7)
	assert.True(t, utf8.ValidString(clipped))
	assert.Equal(t, strings.Repeat("ما", 3)+"م…", clipped)

	// Multi-byte but within the rune budget stays untouched.
	assert.Equal(t, "ééé", clip("ééé", 4))
}
