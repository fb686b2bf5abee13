package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// claudeCLICompleter shells out to the `claude` binary in print mode.
// Useful for local development where no API key is provisioned.
type claudeCLICompleter struct {
	model string
}

func newClaudeCLI(model string) *claudeCLICompleter {
	return &claudeCLICompleter{model: model}
}

func (c *claudeCLICompleter) Model() string { return c.model }

func (c *claudeCLICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	args := []string{"-p"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("claude cli: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
