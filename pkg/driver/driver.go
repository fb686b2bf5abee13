// Package driver runs the bounded reasoning loop: prompt the model,
// extract fenced code fragments, execute them in the session sandbox,
// and stop on a termination sentinel, cancellation, or budget
// exhaustion.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/llm"
	"github.com/cascade-search/rlm/pkg/sandbox"
)

// nudgeMessage is injected into the prompt after two consecutive
// iterations produced no code.
const nudgeMessage = "You have not executed any code in your last replies. " +
	"Use a ```repl fenced block to call the tools, or finish with FINAL(...) / FINAL_VAR(name)."

// CodeBlock pairs one extracted fragment with its execution result.
type CodeBlock struct {
	Code   string              `json:"code"`
	Result *sandbox.REPLResult `json:"result"`
}

// IterationRecord is the full account of one loop iteration.
type IterationRecord struct {
	Prompt        string      `json:"prompt"`
	Response      string      `json:"response"`
	CodeBlocks    []CodeBlock `json:"code_blocks"`
	FinalAnswer   string      `json:"final_answer,omitempty"`
	IterationTime float64     `json:"iteration_time"`
}

func (r *IterationRecord) payload(index int) map[string]any {
	blocks := make([]any, len(r.CodeBlocks))
	for i, cb := range r.CodeBlocks {
		blocks[i] = map[string]any{"code": cb.Code, "result": cb.Result}
	}
	return map[string]any{
		"iteration":      index,
		"response":       r.Response,
		"code_blocks":    blocks,
		"final_answer":   r.FinalAnswer,
		"iteration_time": r.IterationTime,
	}
}

// Driver is the loop state for one search. All evidence and namespace
// state lives in the sandbox; the driver carries only the budget, the
// history, and the circuit-breaker counters.
type Driver struct {
	LM            llm.Completer
	Sandbox       *sandbox.Sandbox
	Bus           bus.Emitter
	Logger        Logger
	MaxIterations int

	// RootPrompt anchors every iteration when non-empty.
	RootPrompt string

	// NoExec records fragments without running them. Set when the
	// nesting configuration disables code execution entirely.
	NoExec bool

	// ContextCount and PriorSearches annotate follow-up searches on a
	// persistent session.
	ContextCount  int
	PriorSearches int

	history     []string
	emptyStreak int
	nudge       bool
}

// Run executes the loop and returns the final answer. A cancelled bus
// returns bus.ErrCancelled after the cancelled event; an LM failure
// returns the error after the error event. Budget exhaustion falls back
// to one last completion call.
func (d *Driver) Run(ctx context.Context) (string, error) {
	for i := 0; i < d.MaxIterations; i++ {
		if err := d.Bus.Err(); err != nil {
			d.Logger.Cancelled()
			return "", err
		}

		prompt := d.buildPrompt()
		started := time.Now()

		response, err := d.LM.Complete(ctx, prompt)
		if err != nil {
			// A cancel that lands mid-call aborts the call; report it as
			// cancellation, not as a model failure.
			if cancelErr := d.Bus.Err(); cancelErr != nil {
				d.Logger.Cancelled()
				return "", cancelErr
			}
			d.Logger.Error(fmt.Sprintf("model call failed: %v", err))
			return "", err
		}

		record := &IterationRecord{Prompt: prompt, Response: response}
		fragments := ExtractFragments(response)
		record.CodeBlocks = d.executeFragments(fragments)

		answer, sentinelNote := d.resolveSentinel(response)
		record.FinalAnswer = answer
		record.IterationTime = time.Since(started).Seconds()

		d.Logger.Iteration(i, record)

		if answer != "" {
			d.Logger.Done(answer, map[string]any{"iterations": i + 1})
			return answer, nil
		}

		d.pushHistory(i, response, record.CodeBlocks, sentinelNote)

		if len(fragments) == 0 {
			d.emptyStreak++
			if d.emptyStreak == 2 {
				d.nudge = true
				d.emptyStreak = 0
			}
		} else {
			d.emptyStreak = 0
		}
	}

	answer, err := d.fallbackCompletion(ctx)
	if err != nil {
		if cancelErr := d.Bus.Err(); cancelErr != nil {
			d.Logger.Cancelled()
			return "", cancelErr
		}
		d.Logger.Error(fmt.Sprintf("fallback completion failed: %v", err))
		return "", err
	}
	d.Logger.Done(answer, map[string]any{"iterations": d.MaxIterations, "fallback": true})
	return answer, nil
}

// buildPrompt assembles the user message: anchored root prompt,
// persistence annotations, accumulated history, and a pending nudge.
func (d *Driver) buildPrompt() string {
	var b strings.Builder
	if d.RootPrompt != "" {
		b.WriteString(d.RootPrompt)
		b.WriteString("\n")
	}
	if d.ContextCount > 0 || d.PriorSearches > 0 {
		fmt.Fprintf(&b, "\n(Session state: %d context payload(s) bound, %d prior search(es) in this session.)\n",
			d.ContextCount, d.PriorSearches)
	}
	for _, entry := range d.history {
		b.WriteString("\n")
		b.WriteString(entry)
	}
	if d.nudge {
		b.WriteString("\n")
		b.WriteString(nudgeMessage)
		d.nudge = false
	}
	return b.String()
}

// pushHistory appends this iteration's exchange so the model sees its
// own output and the execution results next turn.
func (d *Driver) pushHistory(index int, response string, blocks []CodeBlock, sentinelNote string) {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Iteration %d ---\nYour reply:\n%s\n", index+1, response)
	for j, cb := range blocks {
		fmt.Fprintf(&b, "Execution %d:\n", j+1)
		if cb.Result.Stdout != "" {
			b.WriteString(cb.Result.Stdout)
			if !strings.HasSuffix(cb.Result.Stdout, "\n") {
				b.WriteString("\n")
			}
		}
		if cb.Result.Stderr != "" {
			b.WriteString(cb.Result.Stderr)
			b.WriteString("\n")
		}
	}
	if sentinelNote != "" {
		b.WriteString(sentinelNote)
		b.WriteString("\n")
	}
	d.history = append(d.history, b.String())
}

// executeFragments runs fragments sequentially with cascade skipping:
// two consecutive runtime errors, or any syntax error, skip the rest of
// the iteration's fragments. A success resets the error streak.
func (d *Driver) executeFragments(fragments []string) []CodeBlock {
	blocks := make([]CodeBlock, 0, len(fragments))
	if d.NoExec {
		for _, code := range fragments {
			blocks = append(blocks, CodeBlock{Code: code, Result: &sandbox.REPLResult{
				Stderr: "code execution is disabled",
			}})
		}
		return blocks
	}
	consecutive := 0
	skipReason := ""

	for _, code := range fragments {
		if skipReason != "" {
			blocks = append(blocks, CodeBlock{Code: code, Result: &sandbox.REPLResult{
				Stderr: fmt.Sprintf("[Skipped: %s]", skipReason),
			}})
			continue
		}

		result, err := d.Sandbox.Execute(code)
		if err != nil {
			// Closed sandbox: nothing further can run this iteration.
			result = &sandbox.REPLResult{Stderr: fmt.Sprintf("EvalError: %v", err)}
			skipReason = "sandbox unavailable, cascading failures likely"
		}
		blocks = append(blocks, CodeBlock{Code: code, Result: result})

		switch {
		case result.SyntaxError:
			skipReason = "syntax error above, cascading failures likely"
		case result.Failed():
			consecutive++
			if consecutive >= 2 {
				skipReason = "2 consecutive errors, cascading failures likely"
			}
		default:
			consecutive = 0
		}
	}
	return blocks
}

// resolveSentinel maps a detected sentinel to the final answer. A
// FINAL_VAR naming an undefined variable records a note instead of
// terminating.
func (d *Driver) resolveSentinel(response string) (answer, note string) {
	s := DetectSentinel(response)
	if s == nil {
		return "", ""
	}
	if s.Var == "" {
		return s.Text, ""
	}
	if value, ok := d.Sandbox.Lookup(s.Var); ok {
		return value, ""
	}
	return "", fmt.Sprintf("FINAL_VAR(%s) failed: variable %q is not defined in the sandbox.", s.Var, s.Var)
}

// fallbackCompletion asks for a final answer once the budget runs out.
func (d *Driver) fallbackCompletion(ctx context.Context) (string, error) {
	prompt := "The iteration budget is exhausted. Provide your final answer now, based on the work so far."
	if d.RootPrompt != "" {
		prompt = fmt.Sprintf(
			"The iteration budget is exhausted. Based on the evidence gathered so far, give your best final answer to the original question:\n%s",
			d.RootPrompt)
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, entry := range d.history {
		b.WriteString("\n")
		b.WriteString(entry)
	}
	return d.LM.Complete(ctx, b.String())
}
