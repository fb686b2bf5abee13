// Package llm defines the language-model callable contract and its
// backends. The rest of the system sees only Completer; backend and
// model selection happen once at startup.
package llm

import (
	"context"
	"fmt"
)

// Completer is the single-prompt LM callable.
type Completer interface {
	// Complete sends one prompt and returns the full text response.
	Complete(ctx context.Context, prompt string) (string, error)
	// Model returns the configured model identifier, for audit metadata.
	Model() string
}

// Backend selectors accepted by New.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendClaudeCLI = "claude_cli"
)

// New creates a completer for the given backend and model.
func New(backend, model, apiKey string) (Completer, error) {
	switch backend {
	case BackendAnthropic:
		return newAnthropic(model, apiKey), nil
	case BackendOpenAI:
		return newOpenAI(model, apiKey), nil
	case BackendClaudeCLI:
		return newClaudeCLI(model), nil
	default:
		return nil, fmt.Errorf("unknown LM backend %q", backend)
	}
}
