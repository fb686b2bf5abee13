// Package quality computes a scalar confidence score and a phase
// classification over the session's evidence, driving the progress
// advisor's guidance.
package quality

import (
	"fmt"
	"strings"

	"github.com/cascade-search/rlm/pkg/evidence"
)

// ReadyThreshold is the confidence at which the session may move to
// synthesis. Always compare against this constant, never the literal.
const ReadyThreshold = 60

// StallSearchCount is the number of searches after which a session with
// fewer than two relevant results counts as stalled.
const StallSearchCount = 6

// Phases, derived from confidence and critique/draft state.
const (
	PhaseContinue = "continue"
	PhaseReady    = "ready"
	PhaseFinalize = "finalize"
	PhaseStalled  = "stalled"
)

// Gate tracks draft and critique state and scores session progress.
// Owned by one session; not safe for concurrent use.
type Gate struct {
	store *evidence.Store

	draftRecorded     bool
	draftLength       int
	critiqueRecorded  bool
	lastCritiquePass  bool
	lastCritiqueNotes string
}

// NewGate creates a gate over the given evidence store.
func NewGate(store *evidence.Store) *Gate {
	return &Gate{store: store}
}

// RecordDraft notes that a draft answer of the given length exists.
func (g *Gate) RecordDraft(length int) {
	g.draftRecorded = true
	g.draftLength = length
}

// RecordCritique notes the outcome of the last critique.
func (g *Gate) RecordCritique(passed bool, notes string) {
	g.critiqueRecorded = true
	g.lastCritiquePass = passed
	g.lastCritiqueNotes = notes
}

// DraftRecorded reports whether a draft has been recorded.
func (g *Gate) DraftRecorded() bool { return g.draftRecorded }

// LastCritiquePassed reports whether the last recorded critique passed.
func (g *Gate) LastCritiquePassed() bool {
	return g.critiqueRecorded && g.lastCritiquePass
}

// Confidence computes the weighted score in [0,100].
//
//	relevance  35  35·(relevant + 0.3·partial)/rated, 0 if none rated
//	top score  25  25·min(1, top/0.5)
//	breadth    10  min(10, 3·searches)
//	draft      15  present or not
//	critique   15  15 pass, 5 fail, 0 none
func (g *Gate) Confidence() int {
	counts := g.store.RatingCounts()
	relevant := counts[evidence.RatingRelevant]
	partial := counts[evidence.RatingPartial]
	rated := g.store.RatedCount()

	score := 0.0

	if rated > 0 {
		score += 35 * (float64(relevant) + 0.3*float64(partial)) / float64(rated)
	}

	topRatio := g.store.TopScore() / 0.5
	if topRatio > 1 {
		topRatio = 1
	}
	score += 25 * topRatio

	breadth := 3 * g.store.SearchCount()
	if breadth > 10 {
		breadth = 10
	}
	score += float64(breadth)

	if g.draftRecorded {
		score += 15
	}

	if g.critiqueRecorded {
		if g.lastCritiquePass {
			score += 15
		} else {
			score += 5
		}
	}

	if score > 100 {
		score = 100
	}
	return int(score)
}

// Phase classifies the session state.
func (g *Gate) Phase() string {
	counts := g.store.RatingCounts()
	relevant := counts[evidence.RatingRelevant]

	if g.store.SearchCount() >= StallSearchCount && relevant < 2 {
		return PhaseStalled
	}

	conf := g.Confidence()
	if conf >= ReadyThreshold && g.draftRecorded && g.LastCritiquePassed() {
		return PhaseFinalize
	}
	if conf >= ReadyThreshold {
		return PhaseReady
	}
	return PhaseContinue
}

// Guidance returns copy-paste-ready advice for a phase. When an overview
// strategy is supplied, a taxonomy-aware line is appended.
func (g *Gate) Guidance(phase, strategy string) string {
	var b strings.Builder
	switch phase {
	case PhaseFinalize:
		b.WriteString("Your draft passed critique. Call FINAL_VAR(answer) to finish.")
	case PhaseReady:
		if !g.draftRecorded {
			b.WriteString("Evidence looks sufficient. Call draft_answer(...) to synthesize, then finish with FINAL_VAR(answer).")
		} else {
			b.WriteString("You have a draft but the critique has not passed. Call critique_answer(...) and revise before finishing.")
		}
	case PhaseStalled:
		b.WriteString(fmt.Sprintf(
			"You have run %d searches with fewer than 2 relevant results. "+
				"Stop repeating similar queries: call reformulate(...) for fresh phrasings, "+
				"or browse(...) a different category.", g.store.SearchCount()))
	default:
		b.WriteString("Keep gathering evidence: call research(...) with a focused query, then check_progress().")
	}
	if strategy != "" {
		b.WriteString(" Suggested strategy: ")
		b.WriteString(strategy)
	}
	return b.String()
}
