package stage

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/source-pipeline/internal/source"
)

// Task processes one source. It must report failures inside its result.
type Task[R any] func(ctx context.Context, id source.ID) R

// PanicFunc turns a recovered task panic into the result for its source.
type PanicFunc[R any] func(id source.ID, err error) R

// ForEach runs task for every id with at most workers in flight, each under
// its own timeout. A panicking task is recovered and its result comes from
// onPanic, or is the zero value when onPanic is nil. The only error is a
// context already done at entry.
func ForEach[R any](ctx context.Context, ids []source.ID, workers int, timeout time.Duration, task Task[R], onPanic PanicFunc[R]) (map[source.ID]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "stage not started")
	}
	if workers <= 0 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		results = make(map[source.ID]R, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var result R
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					result = onPanic(id, recovered(id, r))
				}
				mu.Lock()
				results[id] = result
				mu.Unlock()
			}()

			taskCtx := gctx
			if timeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(gctx, timeout)
				defer cancel()
			}
			result = task(taskCtx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// recovered wraps a panic value as an error carrying the panic site's stack.
func recovered(id source.ID, r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrapf(err, "panic while processing %s", id)
	}
	return errors.Newf("panic while processing %s: %v", id, r)
}
