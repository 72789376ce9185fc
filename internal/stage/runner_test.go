package stage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/source-pipeline/internal/source"
)

func TestForEachCollectsEveryResult(t *testing.T) {
	ids := []source.ID{"a.json", "b.json", "c.json", "d.json"}
	results, err := ForEach(context.Background(), ids, 2, time.Second, func(ctx context.Context, id source.ID) string {
		return id.Base()
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[source.ID]string{"a.json": "a", "b.json": "b", "c.json": "c", "d.json": "d"}, results)
}

func TestForEachRespectsWorkerLimit(t *testing.T) {
	var inFlight, peak int32
	ids := []source.ID{"1", "2", "3", "4", "5", "6"}
	_, err := ForEach(context.Background(), ids, 2, 0, func(ctx context.Context, id source.ID) bool {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return true
	}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestForEachIsolatesPanics(t *testing.T) {
	ids := []source.ID{"good", "bad"}
	results, err := ForEach(context.Background(), ids, 2, 0, func(ctx context.Context, id source.ID) CacheResult {
		if id == "bad" {
			panic("boom")
		}
		return CacheResult{Cache: "minio://b/good"}
	}, func(id source.ID, err error) CacheResult {
		return CacheResult{Err: err}
	})
	require.NoError(t, err)
	assert.True(t, results["good"].Cached())
	assert.NoError(t, results["good"].Err)
	bad, ok := results["bad"]
	require.True(t, ok)
	assert.False(t, bad.Cached())
	require.Error(t, bad.Err)
	assert.Contains(t, bad.Err.Error(), "panic while processing bad: boom")
	assert.NotNil(t, errors.GetReportableStackTrace(bad.Err))
}

func TestForEachPanicWithoutHandlerYieldsZeroResult(t *testing.T) {
	results, err := ForEach(context.Background(), []source.ID{"bad"}, 1, 0, func(ctx context.Context, id source.ID) int {
		panic(errors.New("nil map"))
	}, nil)
	require.NoError(t, err)
	v, ok := results["bad"]
	assert.True(t, ok)
	assert.Zero(t, v)
}

func TestForEachAppliesTimeout(t *testing.T) {
	results, err := ForEach(context.Background(), []source.ID{"slow"}, 1, 20*time.Millisecond, func(ctx context.Context, id source.ID) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, results["slow"], context.DeadlineExceeded)
}

func TestForEachCancelledAtEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ForEach(ctx, []source.ID{"a"}, 1, 0, func(ctx context.Context, id source.ID) int { return 1 }, nil)
	assert.Error(t, err)
}
