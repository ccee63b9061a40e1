package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	res := Run(context.Background(), 3, items, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.Equal(t, 20, res.Completed)
	assert.Zero(t, res.Failed)
	assert.NoError(t, res.Err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_FailuresDoNotCancelSiblings(t *testing.T) {
	var ran atomic.Int32
	items := []int{0, 1, 2, 3, 4, 5}

	res := Run(context.Background(), 2, items, func(ctx context.Context, i int) error {
		ran.Add(1)
		if i%2 == 0 {
			return errors.Errorf("unit %d broke", i)
		}
		assert.NoError(t, ctx.Err())
		return nil
	})

	assert.Equal(t, int32(6), ran.Load())
	assert.Equal(t, 3, res.Completed)
	assert.Equal(t, 3, res.Failed)

	var merr *multierror.Error
	require.True(t, errors.As(res.Err, &merr))
	assert.Len(t, merr.Errors, 3)
}

func TestRun_RecoversPanics(t *testing.T) {
	res := Run(context.Background(), 2, []string{"ok", "boom"}, func(_ context.Context, s string) error {
		if s == "boom" {
			panic("kaboom")
		}
		return nil
	})

	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestRun_CancelledContextSkipsUnstarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	res := Run(ctx, 2, []int{1, 2, 3}, func(context.Context, int) error {
		ran.Add(1)
		return nil
	})

	assert.Zero(t, ran.Load())
	assert.Equal(t, 3, res.Failed)
	assert.True(t, errors.Is(res.Err, context.Canceled))
}

func TestRun_Empty(t *testing.T) {
	res := Run(context.Background(), 4, []int{}, func(context.Context, int) error { return nil })
	assert.Equal(t, Result{}, res)
}

func TestBatches(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, Batches([]int{1, 2, 3, 4, 5}, 2))
	assert.Nil(t, Batches([]int{}, 3))
	assert.Equal(t, [][]int{{1}, {2}}, Batches([]int{1, 2}, 0))
}
