package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner is one independent session invocation.
type Runner func(ctx context.Context) (*Outcome, error)

// RunAll starts every runner concurrently and waits for all of them to settle. Outcomes are returned
// in runner order. If any runner fails, the first error is returned after the rest have finished;
// siblings are not cancelled.
func RunAll(ctx context.Context, runners ...Runner) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(runners))
	var g errgroup.Group
	for i, run := range runners {
		g.Go(func() error {
			out, err := run(ctx)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
