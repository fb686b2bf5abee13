package tools

import (
	"fmt"
	"strings"

	"github.com/cascade-search/rlm/pkg/cascade"
)

// ClassifyQuestion routes a question into the taxonomy overview with a
// single model call at session bootstrap. Failure is soft: any error or
// unparseable response yields nil and the session proceeds unrouted.
func ClassifyQuestion(sc *SearchContext, question string) *Classification {
	if sc.Overview == nil || sc.Classify == nil {
		return nil
	}

	resp, err := sc.Classify.Complete(sc.Ctx, classifyPrompt(question, sc.Overview))
	if err != nil {
		return nil
	}

	c := parseClassification(resp)
	if c == nil {
		return nil
	}
	c.Clusters = knownClusters(c.Clusters, sc.Overview)
	return c
}

func classifyPrompt(question string, ov *cascade.Overview) string {
	var b strings.Builder
	b.WriteString("Classify this question into the knowledge base taxonomy.\n\n")
	b.WriteString("Question: " + question + "\n\nCategories:\n")
	for _, cat := range ov.Categories {
		fmt.Fprintf(&b, "- %s (%d questions)\n", cat.Name, cat.QuestionCount)
		for _, cl := range cat.Clusters {
			fmt.Fprintf(&b, "  - %s\n", cl.Label)
		}
		if len(cat.SampleQuestions) > 0 {
			fmt.Fprintf(&b, "  e.g. %s\n", clip(cat.SampleQuestions[0], 120))
		}
	}
	b.WriteString("\nRespond with exactly these lines:\n" +
		"CATEGORY: <category name>\n" +
		"CONFIDENCE: HIGH|MEDIUM|LOW\n" +
		"CLUSTERS: <comma-separated cluster names, or none>\n" +
		"FILTERS: <key=value pairs, or none>\n" +
		"STRATEGY: <one-sentence search strategy>\n")
	return b.String()
}

// parseClassification reads the labeled lines tolerantly: lines may
// arrive in any order, with extra prose around them. A response with no
// CATEGORY line is a failure.
func parseClassification(resp string) *Classification {
	c := &Classification{Raw: resp, Confidence: "LOW"}
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "CATEGORY":
			c.Category = value
		case "CONFIDENCE":
			switch v := strings.ToUpper(value); v {
			case "HIGH", "MEDIUM", "LOW":
				c.Confidence = v
			}
		case "CLUSTERS":
			if !strings.EqualFold(value, "none") {
				for _, name := range strings.Split(value, ",") {
					if name = strings.TrimSpace(name); name != "" {
						c.Clusters = append(c.Clusters, name)
					}
				}
			}
		case "FILTERS":
			if !strings.EqualFold(value, "none") {
				filters := map[string]any{}
				for _, pair := range strings.Split(value, ",") {
					if k, v, ok := strings.Cut(pair, "="); ok {
						filters[strings.TrimSpace(k)] = strings.TrimSpace(v)
					}
				}
				if len(filters) > 0 {
					c.Filters = filters
				}
			}
		case "STRATEGY":
			c.Strategy = value
		}
	}
	if c.Category == "" {
		return nil
	}
	return c
}

// knownClusters drops cluster names the overview does not define. The
// model occasionally invents plausible-sounding ones.
func knownClusters(names []string, ov *cascade.Overview) []string {
	known := ov.ClusterNames()
	var kept []string
	for _, name := range names {
		if known[name] {
			kept = append(kept, name)
		}
	}
	return kept
}
