package graph

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/stategraph/stategraph/types"
)

// Run is one unit of work for RunMany: a thread id and its initial state.
type Run struct {
	ThreadID string
	Initial  types.State
}

// RunMany starts the given threads concurrently against the shared compiled
// graph and waits for all of them. Results keep the order of the input
// runs. Execution failures land in the individual Result; only usage errors
// (a busy thread id, a failed checkpoint write) abort the batch.
func (e *Executor) RunMany(ctx context.Context, runs []Run) ([]*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	if e.maxConcurrent > 0 {
		g.SetLimit(e.maxConcurrent)
	}

	results := make([]*Result, len(runs))
	for i, r := range runs {
		g.Go(func() error {
			res, err := e.Start(ctx, r.ThreadID, r.Initial)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
