package cascade

import (
	"encoding/json"
	"fmt"
	"os"
)

// Overview is the knowledge-base taxonomy summary consumed by the
// classification step and the progress advisor. It is built by an
// external tool and loaded from disk at startup.
type Overview struct {
	Categories []Category `json:"categories"`
}

// Category is one top-level taxonomy bucket.
type Category struct {
	Name            string    `json:"name"`
	Code            string    `json:"code,omitempty"`
	QuestionCount   int       `json:"question_count,omitempty"`
	Clusters        []Cluster `json:"clusters,omitempty"`
	SampleQuestions []string  `json:"sample_questions,omitempty"`
}

// Cluster is a sub-grouping inside a category.
type Cluster struct {
	Label string `json:"label"`
	Size  int    `json:"size,omitempty"`
}

// LoadOverview reads an overview JSON file. A missing path returns
// (nil, nil) — classification simply stays disabled.
func LoadOverview(path string) (*Overview, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overview: %w", err)
	}
	var ov Overview
	if err := json.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("parse overview: %w", err)
	}
	return &ov, nil
}

// ClusterNames returns the set of known cluster labels, used to filter
// hallucinated names out of classification output.
func (o *Overview) ClusterNames() map[string]bool {
	names := make(map[string]bool)
	for _, cat := range o.Categories {
		for _, cl := range cat.Clusters {
			names[cl.Label] = true
		}
	}
	return names
}

// CategoryNames returns the known category names in order.
func (o *Overview) CategoryNames() []string {
	out := make([]string, 0, len(o.Categories))
	for _, cat := range o.Categories {
		out = append(out, cat.Name)
	}
	return out
}
