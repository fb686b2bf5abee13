package services

import (
	"fmt"
	"strings"

	"github.com/cascade-search/rlm/pkg/tools"
)

// rootPrompt builds the anchored instruction block for a search. It is
// embedded verbatim in every iteration's message, so it carries the
// question, the tool inventory, and the loop protocol.
func rootPrompt(question string, sc *tools.SearchContext) string {
	var b strings.Builder

	b.WriteString("You are a research agent answering a question from a curated knowledge base.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", question)

	b.WriteString("Work in iterations. In each reply, run code inside a ```repl fenced block. Available tools:\n")
	b.WriteString("- research(queries): search, deduplicate, and auto-evaluate. queries is a string, a dict {query, filters, top_k, extra_queries}, or a list of either.\n")
	b.WriteString("- search(query, top_k=10, filters=None): one raw retrieval call.\n")
	if sc.MultiMode {
		b.WriteString("- search_multi(query, top_k=10, filters=None): retrieval across all collections with rerank.\n")
	}
	b.WriteString("- browse(filters=None, offset=0, limit=20, sort_by='', group_by='', group_limit=0): page through the collection.\n")
	b.WriteString("- evaluate_results(ids=None, top_n=10): rate registered hits for relevance.\n")
	b.WriteString("- reformulate(query): alternative phrasings when results are poor.\n")
	b.WriteString("- draft_answer(): synthesize an answer from rated evidence, with automatic critique and one revision.\n")
	b.WriteString("- critique_answer(draft, evidence=None): review a draft against the evidence.\n")
	b.WriteString("- check_progress(): confidence, phase, and guidance for the next step.\n")
	if sc.MaxDelegationDepth > 0 && sc.Depth < sc.MaxDelegationDepth {
		b.WriteString("- rlm_query(sub_question): delegate a focused sub-question to a sub-agent; its evidence merges into yours.\n")
	}
	b.WriteString("- llm(prompt), llm_batch(prompts): raw model calls for ad-hoc reasoning.\n\n")

	b.WriteString("Cite evidence as [Source: id], using only ids from your search results.\n")
	b.WriteString("When your answer is ready, finish with FINAL(your answer) or assign it to a variable and finish with FINAL_VAR(name), on its own line outside any code fence.\n")

	if c := sc.Classification; c != nil {
		fmt.Fprintf(&b, "\nThe question was classified as %q (confidence %s).", c.Category, c.Confidence)
		if len(c.Clusters) > 0 {
			fmt.Fprintf(&b, " Likely clusters: %s.", strings.Join(c.Clusters, ", "))
		}
		if c.Strategy != "" {
			fmt.Fprintf(&b, " Suggested strategy: %s", c.Strategy)
		}
		b.WriteString("\n")
	}

	return b.String()
}
