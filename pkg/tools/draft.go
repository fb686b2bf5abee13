package tools

import (
	"fmt"
	"strings"
)

// maxDraftEvidence caps how many evidence lines ground a synthesis call.
const maxDraftEvidence = 20

// DraftAnswer synthesizes an answer from the best registered evidence,
// critiques it, and revises once when the critique fails. Returned map:
// {answer, critique, passed, revised}. The draft and final critique
// outcome are recorded on the quality gate either way.
func (sc *SearchContext) DraftAnswer(question string) map[string]any {
	return sc.tracked("draft_answer", map[string]any{"question": question}, func() (map[string]any, string, error) {
		lines := sc.evidenceFromRegistry(maxDraftEvidence)
		if len(lines) == 0 {
			return nil, "", fmt.Errorf("no evidence gathered yet, search before drafting")
		}

		answer, err := sc.Sub.Complete(sc.Ctx, draftPrompt(question, lines))
		if err != nil {
			return nil, "", fmt.Errorf("draft failed: %w", err)
		}
		sc.Gate.RecordDraft(len(answer))

		critique := sc.CritiqueAnswer(question, answer, lines)
		passed, _ := critique["passed"].(bool)
		verdict, _ := critique["verdict"].(string)
		revised := false

		if !passed {
			revision, err := sc.Sub.Complete(sc.Ctx, revisePrompt(question, answer, verdict, lines))
			if err == nil {
				answer = revision
				revised = true
				sc.Gate.RecordDraft(len(answer))
				critique = sc.CritiqueAnswer(question, answer, lines)
				passed, _ = critique["passed"].(bool)
				verdict, _ = critique["verdict"].(string)
			}
		}

		return map[string]any{
			"answer":   answer,
			"critique": verdict,
			"passed":   passed,
			"revised":  revised,
		}, summarize("passed=%v revised=%v", passed, revised), nil
	})
}

func draftPrompt(question string, lines []string) string {
	var b strings.Builder
	b.WriteString("Write an answer to the question using only the evidence below.\n")
	b.WriteString("Cite sources inline as [Source: id]. State only what the evidence supports.\n\n")
	b.WriteString("Question: " + question + "\n\nEvidence:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func revisePrompt(question, draft, verdict string, lines []string) string {
	var b strings.Builder
	b.WriteString("Revise this draft to address the critique. Keep citations accurate.\n\n")
	b.WriteString("Question: " + question + "\n\nDraft:\n" + draft + "\n\nCritique:\n" + verdict + "\n\nEvidence:\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
