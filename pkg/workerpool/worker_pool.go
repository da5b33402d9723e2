// Package workerpool bounds how many stat-binary invocations ScanProcess
// runs concurrently across a scan's unprocessed pairs (spec §4.E step 4:
// pairs are processed independently, but not unboundedly in parallel).
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool runs labeled units of work with bounded concurrency. Unlike a
// queue-backed pool, Go blocks the caller once the pool is saturated
// rather than buffering submissions — ScanProcess already knows its full
// batch of pairs up front and wants backpressure, not a growing queue.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *logrus.Logger

	completed int64
	failed    int64
}

// New returns a Pool that runs at most maxWorkers units of work
// concurrently. maxWorkers <= 0 defaults to runtime.NumCPU().
func New(maxWorkers int, logger *logrus.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	return &Pool{
		sem:    make(chan struct{}, maxWorkers),
		logger: logger,
	}
}

// Go runs fn in a goroutine once a slot is free, or returns immediately
// without running fn if ctx is canceled first. label identifies the unit
// of work in logs (e.g. a pair's key).
func (p *Pool) Go(ctx context.Context, label string, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()

		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start)

		fields := logrus.Fields{"label": label, "duration": duration}
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			if p.logger != nil {
				p.logger.WithFields(fields).WithError(err).Error("worker task failed")
			}
			return
		}
		atomic.AddInt64(&p.completed, 1)
		if p.logger != nil {
			p.logger.WithFields(fields).Debug("worker task completed")
		}
	}()
}

// Wait blocks until every submitted unit of work has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats reports cumulative completed/failed counts across the pool's
// lifetime.
type Stats struct {
	Completed int64
	Failed    int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
