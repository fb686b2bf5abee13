package tools

import (
	"fmt"
	"strings"
)

// CritiqueAnswer reviews a draft against evidence. When evidence
// strings are passed explicitly they are used as-is; otherwise the
// current registry's contents ground the review. Returns
// {verdict, passed}; passed is true iff the verdict begins with "PASS"
// after stripping emphasis markers, case-insensitively.
func (sc *SearchContext) CritiqueAnswer(question, draft string, evidenceLines []string) map[string]any {
	return sc.tracked("critique_answer", map[string]any{"question": question}, func() (map[string]any, string, error) {
		lines := evidenceLines
		if len(lines) == 0 {
			lines = sc.evidenceFromRegistry(20)
		}

		var b strings.Builder
		b.WriteString("Review this draft answer against the evidence.\n\n")
		b.WriteString("Question: " + question + "\n\nDraft:\n" + draft + "\n\nEvidence:\n")
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\nEvaluate: citation accuracy, attribution fidelity, completeness, " +
			"unsupported claims, and whether claims are stated declaratively only when the evidence supports it.\n" +
			"Begin your verdict with PASS or FAIL, then explain briefly.")

		resp, err := sc.Sub.Complete(sc.Ctx, b.String())
		if err != nil {
			return nil, "", fmt.Errorf("critique failed: %w", err)
		}

		passed := VerdictPassed(resp)
		sc.Gate.RecordCritique(passed, resp)

		return map[string]any{"verdict": resp, "passed": passed},
			summarize("passed=%v", passed), nil
	})
}

// VerdictPassed reports whether a critique verdict begins with PASS,
// ignoring case and markdown emphasis markers.
func VerdictPassed(verdict string) bool {
	v := strings.TrimSpace(verdict)
	v = strings.TrimLeft(v, "*_#` \t")
	return strings.HasPrefix(strings.ToUpper(v), "PASS")
}

// evidenceFromRegistry renders the registry's best hits as evidence
// lines.
func (sc *SearchContext) evidenceFromRegistry(n int) []string {
	hits := sc.Store.TopRated(n)
	if len(hits) == 0 {
		// Nothing rated yet — fall back to everything registered.
		for _, h := range sc.Store.Live() {
			hits = append(hits, h)
			if len(hits) == n {
				break
			}
		}
	}
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, fmt.Sprintf("[Source: %s] Q: %s A: %s",
			h.ID, clip(h.Question, 200), clip(h.Answer, 1500)))
	}
	return lines
}
