package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRunsAllSubmittedWork(t *testing.T) {
	p := New(2, nil)
	var ran int64
	for i := 0; i < 10; i++ {
		p.Go(context.Background(), "task", func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}
	p.Wait()
	require.EqualValues(t, 10, ran)
	require.EqualValues(t, 10, p.Stats().Completed)
}

func TestGoBoundsConcurrency(t *testing.T) {
	p := New(2, nil)
	var concurrent, maxConcurrent int64

	for i := 0; i < 8; i++ {
		p.Go(context.Background(), "task", func(ctx context.Context) error {
			n := atomic.AddInt64(&concurrent, 1)
			for {
				cur := atomic.LoadInt64(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt64(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&concurrent, -1)
			return nil
		})
	}
	p.Wait()
	require.LessOrEqual(t, maxConcurrent, int64(2))
}

func TestGoRecordsFailures(t *testing.T) {
	p := New(1, nil)
	p.Go(context.Background(), "task", func(ctx context.Context) error {
		return errors.New("boom")
	})
	p.Wait()
	stats := p.Stats()
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 0, stats.Completed)
}

func TestGoSkipsWorkWhenContextAlreadyCanceled(t *testing.T) {
	p := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int64
	p.Go(ctx, "task", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	p.Wait()
	require.EqualValues(t, 0, ran)
}
