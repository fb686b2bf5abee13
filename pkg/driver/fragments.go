package driver

import (
	"strings"
)

// ExtractFragments returns the contents of ```repl fenced blocks in
// order. An unclosed fence runs to the end of the response.
func ExtractFragments(response string) []string {
	var fragments []string
	var current []string
	inFence := false

	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inFence {
			if trimmed == "```repl" {
				inFence = true
				current = current[:0]
			}
			continue
		}
		if trimmed == "```" {
			inFence = false
			fragments = append(fragments, strings.Join(current, "\n"))
			continue
		}
		current = append(current, line)
	}
	if inFence {
		fragments = append(fragments, strings.Join(current, "\n"))
	}
	return fragments
}

// Sentinel is a detected termination marker.
type Sentinel struct {
	// Var is the variable name for FINAL_VAR; empty for FINAL.
	Var string
	// Text is the literal argument of FINAL.
	Text string
}

// DetectSentinel scans the response for a FINAL(...) or FINAL_VAR(name)
// invocation at the start of a line, outside code fences. Fenced
// occurrences belong to the sandbox, not the driver. The first match
// wins.
func DetectSentinel(response string) *Sentinel {
	inFence := false
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if arg, ok := parenArg(trimmed, "FINAL_VAR"); ok {
			return &Sentinel{Var: strings.Trim(arg, `"' `)}
		}
		if arg, ok := parenArg(trimmed, "FINAL"); ok {
			return &Sentinel{Text: strings.Trim(arg, `"' `)}
		}
	}
	return nil
}

// parenArg extracts the parenthesized argument of name(...) when the
// line starts with it. The argument runs to the last closing paren on
// the line so embedded parentheses survive.
func parenArg(line, name string) (string, bool) {
	if !strings.HasPrefix(line, name+"(") {
		return "", false
	}
	rest := line[len(name)+1:]
	end := strings.LastIndex(rest, ")")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
