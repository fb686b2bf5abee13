package quality

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cascade-search/rlm/pkg/evidence"
)

func newGateWith(t *testing.T, relevant, partial, offTopic int, topScore float64, searches int) (*Gate, *evidence.Store) {
	t.Helper()
	store := evidence.NewStore()
	id := 0
	add := func(n int, rating string) {
		for i := 0; i < n; i++ {
			id++
			hid := fmt.Sprintf("h%d", id)
			score := 0.1
			if id == 1 {
				score = topScore
			}
			store.RegisterHit(evidence.Hit{ID: hid, Score: score})
			store.SetRating(hid, rating, 3)
		}
	}
	add(relevant, evidence.RatingRelevant)
	add(partial, evidence.RatingPartial)
	add(offTopic, evidence.RatingOffTopic)
	for i := 0; i < searches; i++ {
		store.LogSearch(evidence.SearchLogEntry{Kind: "search", Query: fmt.Sprintf("q%d", i)})
	}
	return NewGate(store), store
}

func TestConfidence_EmptySession(t *testing.T) {
	g, _ := newGateWith(t, 0, 0, 0, 0, 0)
	assert.Equal(t, 0, g.Confidence())
	assert.Equal(t, PhaseContinue, g.Phase())
}

func TestConfidence_Weights(t *testing.T) {
	// 3 relevant of 3 rated → 35; top 0.8 capped → 25; 2 searches → 6;
	// draft → 15; critique pass → 15. Total 96.
	g, _ := newGateWith(t, 3, 0, 0, 0.8, 2)
	g.RecordDraft(1200)
	g.RecordCritique(true, "PASS")
	assert.Equal(t, 96, g.Confidence())
}

func TestConfidence_PartialAndFailedCritique(t *testing.T) {
	// 1 relevant + 2 partial of 3 → 35·(1+0.6)/3 ≈ 18.67; top 0.25 →
	// 12.5; 4 searches → 10; no draft; critique fail → 5. Total 46.
	g, _ := newGateWith(t, 1, 2, 0, 0.25, 4)
	g.RecordCritique(false, "FAIL: unsupported claim")
	assert.Equal(t, 46, g.Confidence())
}

func TestPhase_Transitions(t *testing.T) {
	g, _ := newGateWith(t, 3, 0, 0, 0.9, 3)
	assert.Equal(t, PhaseReady, g.Phase(), "confidence above threshold without draft")

	g.RecordDraft(900)
	g.RecordCritique(false, "FAIL")
	assert.Equal(t, PhaseReady, g.Phase(), "failed critique keeps ready")

	g.RecordCritique(true, "PASS")
	assert.Equal(t, PhaseFinalize, g.Phase())
}

func TestPhase_Stalled(t *testing.T) {
	g, _ := newGateWith(t, 1, 0, 4, 0.2, StallSearchCount)
	assert.Equal(t, PhaseStalled, g.Phase())

	// A second relevant result unsticks the session.
	g2, _ := newGateWith(t, 2, 0, 4, 0.2, StallSearchCount)
	assert.NotEqual(t, PhaseStalled, g2.Phase())
}

func TestGuidance(t *testing.T) {
	g, _ := newGateWith(t, 0, 0, 0, 0, 0)

	assert.Contains(t, g.Guidance(PhaseContinue, ""), "research")
	assert.Contains(t, g.Guidance(PhaseReady, ""), "draft_answer")
	g.RecordDraft(100)
	assert.Contains(t, g.Guidance(PhaseReady, ""), "critique_answer")
	assert.Contains(t, g.Guidance(PhaseFinalize, ""), "FINAL_VAR")
	assert.Contains(t, g.Guidance(PhaseStalled, ""), "reformulate")

	withStrategy := g.Guidance(PhaseContinue, "narrow to cluster 'ritual purity'")
	assert.Contains(t, withStrategy, "ritual purity")
}
