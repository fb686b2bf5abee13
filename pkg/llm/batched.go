package llm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds the parallel fan-out of CompleteBatched.
const batchConcurrency = 4

// CompleteBatched runs one completion per prompt, in parallel, and
// returns results in prompt order. Per-item failures are surfaced as
// strings beginning with "Error:" so batched consumers can skip them;
// the function itself only fails on context cancellation.
func CompleteBatched(ctx context.Context, c Completer, prompts []string) ([]string, error) {
	results := make([]string, len(prompts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, prompt := range prompts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text, err := c.Complete(gctx, prompt)
			if err != nil {
				results[i] = fmt.Sprintf("Error: %v", err)
				return nil
			}
			results[i] = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
