// Package tools is the sandbox's standard library: retrieval wrappers,
// the deduplicating research compositor, evaluation, critique, drafting,
// the progress advisor, classification, and sub-agent delegation.
//
// All tools share one SearchContext per session and record themselves
// through the ToolCall tracker, which emits tool_start/tool_end/
// tool_error events on the session bus.
package tools

import (
	"context"

	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/cascade"
	"github.com/cascade-search/rlm/pkg/evidence"
	"github.com/cascade-search/rlm/pkg/llm"
	"github.com/cascade-search/rlm/pkg/quality"
)

// maxQueryLen is the hard cap on query length sent upstream. Longer
// queries are truncated with a visible warning.
const maxQueryLen = 500

// maxEvalBatch caps how many new results one research call evaluates.
const maxEvalBatch = 15

// ChildResult is what a delegated sub-driver hands back to rlm_query.
type ChildResult struct {
	Answer      string
	Store       *evidence.Store
	SearchesRun int
}

// SpawnFunc creates and runs a child driver for a sub-question. Wired
// by the orchestration layer; nil disables delegation regardless of
// depth configuration.
type SpawnFunc func(ctx context.Context, subQuestion string, depth int, childBus bus.Emitter) (*ChildResult, error)

// SearchContext carries everything the tool layer needs for one
// session. Owned by the session's sandbox; never shared across
// sessions.
type SearchContext struct {
	Ctx context.Context

	// Question is the root question for this session (the sub-question
	// when this context belongs to a delegated child). Tools that
	// evaluate or synthesize default to it.
	Question string

	Cascade     *cascade.Client
	Collection  string
	Collections []string
	MultiMode   bool

	Bus     bus.Emitter
	Store   *evidence.Store
	Gate    *quality.Gate
	Tracker *Tracker

	Root     llm.Completer
	Sub      llm.Completer
	Classify llm.Completer

	Classification *Classification
	Overview       *cascade.Overview

	Depth              int
	MaxDelegationDepth int
	SubIterations      int

	Spawn SpawnFunc
}

// Classification is the one-shot category routing computed at session
// bootstrap. Nil when no taxonomy overview is configured or the
// classify call failed.
type Classification struct {
	Category   string         `json:"category"`
	Confidence string         `json:"confidence"` // HIGH | MEDIUM | LOW
	Clusters   []string       `json:"clusters,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Raw        string         `json:"raw,omitempty"`
}
