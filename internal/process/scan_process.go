// Package process implements ScanProcess: the worker that turns
// unprocessed data/weights pairs into stat files by invoking the
// external statistics binary, and finalizes a scan's metadata document
// once scan_completed is observed and every pair has been processed
// (spec §4.E).
package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"pst-send/internal/metrics"
	"pst-send/pkg/backoff"
	"pst-send/pkg/ledger"
	"pst-send/pkg/quiescence"
	"pst-send/pkg/scan"
	"pst-send/pkg/stats"
	"pst-send/pkg/workerpool"
)

// DefaultConcurrency is the number of distinct pairs ScanProcess will
// invoke the statistics binary for at once, within a single scan (spec
// §2.E: "default concurrency 2").
const DefaultConcurrency = 2

// DefaultStatTimeout bounds a single statistics-binary invocation.
const DefaultStatTimeout = 5 * time.Minute

// ScanProcess consumes triples from a CurrentForProcess-shaped channel
// and drives them through the processing half of the scan lifecycle.
type ScanProcess struct {
	localRoot   string
	invoker     *stats.Invoker
	concurrency int
	tracker     *quiescence.Tracker
	ledger      *ledger.Ledger
	logger      *logrus.Logger
	subsystem   string
}

// Config collects ScanProcess's dependencies.
type Config struct {
	LocalRoot   string
	Subsystem   string
	Invoker     *stats.Invoker
	Concurrency int
	Tracker     *quiescence.Tracker
	Ledger      *ledger.Ledger
	Logger      *logrus.Logger
}

// New returns a ScanProcess. Concurrency <= 0 uses DefaultConcurrency.
func New(cfg Config) *ScanProcess {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Tracker == nil {
		cfg.Tracker = quiescence.New(quiescence.DefaultStableReads)
	}
	return &ScanProcess{
		localRoot:   cfg.LocalRoot,
		invoker:     cfg.Invoker,
		concurrency: cfg.Concurrency,
		tracker:     cfg.Tracker,
		ledger:      cfg.Ledger,
		logger:      cfg.Logger,
		subsystem:   cfg.Subsystem,
	}
}

// Run consumes triples from current until ctx is canceled, processing
// each one's unprocessed pairs and finalizing its metadata document once
// complete.
func (p *ScanProcess) Run(ctx context.Context, current <-chan scan.Triple) {
	for {
		select {
		case <-ctx.Done():
			return
		case triple := <-current:
			p.processScan(ctx, triple)
		}
	}
}

func (p *ScanProcess) processScan(ctx context.Context, triple scan.Triple) {
	s := scan.New(p.localRoot, triple)

	unprocessed, err := s.UnprocessedPairs(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).WithField("scan", triple).Warn("failed to enumerate unprocessed pairs")
		}
		return
	}

	pool := workerpool.New(p.concurrency, p.logger)
	for _, pair := range unprocessed {
		if !p.pairIsStable(pair) {
			continue
		}
		pair := pair
		pool.Go(ctx, pair.Key, func(ctx context.Context) error {
			return p.processPair(ctx, s, pair)
		})
	}
	pool.Wait()

	p.finalizeIfComplete(ctx, s, triple)
}

// pairIsStable requires both halves of the pair to have reported the
// same size across the tracker's configured number of consecutive
// observations (spec §3
// invariant 1, §4.E step 3).
func (p *ScanProcess) pairIsStable(pair scan.Pair) bool {
	dataStable := p.tracker.Observe(pair.Data.Path, pair.Data.Size)
	weightsStable := p.tracker.Observe(pair.Weights.Path, pair.Weights.Size)
	return dataStable && weightsStable
}

func (p *ScanProcess) processPair(ctx context.Context, s *scan.VoltageRecorderScan, pair scan.Pair) error {
	statPath := filepath.Join(s.Dir(), "stat", pair.Key+".h5")

	err := backoff.Retry(ctx, backoff.Default, func(attempt int) (bool, error) {
		res := p.invoker.Run(ctx, pair.Data.Path, pair.Weights.Path, statPath)
		metrics.StatInvocations.WithLabelValues(p.subsystem, outcomeLabel(res.Outcome)).Inc()

		switch res.Outcome {
		case stats.Ok:
			return false, nil
		case stats.Retryable:
			metrics.RetriesTotal.WithLabelValues(p.subsystem, "process").Inc()
			return true, res.Err
		default:
			return false, res.Err
		}
	})
	if err != nil {
		// A Retryable outcome can still leave a partial stat file behind
		// (the binary may write before exiting nonzero); once retries are
		// exhausted, clear it the same way invoker.Run does for a Fatal
		// outcome so a later poll never mistakes it for a finished stat
		// file via HasStat's existence check.
		if removeErr := os.Remove(statPath); removeErr != nil && !os.IsNotExist(removeErr) && p.logger != nil {
			p.logger.WithError(removeErr).WithField("path", statPath).Warn("failed to remove partial stat file")
		}
		if p.ledger != nil {
			_ = p.ledger.Record(s.Triple(), "process", fmt.Sprintf("pair %s: %v", pair.Key, err))
		}
		return err
	}

	p.tracker.Forget(pair.Data.Path)
	p.tracker.Forget(pair.Weights.Path)
	metrics.PairsProcessed.WithLabelValues(p.subsystem).Inc()

	return p.recordPairProcessed(s, pair, statPath)
}

func (p *ScanProcess) recordPairProcessed(s *scan.VoltageRecorderScan, pair scan.Pair, statPath string) error {
	doc, err := scan.LoadMetadata(s.Dir())
	if err != nil {
		doc = &scan.Document{EBID: s.Triple().EBID, SubsystemID: s.Triple().SubsystemID, ScanID: s.Triple().ScanID}
	}
	relStatPath, err := filepath.Rel(s.Dir(), statPath)
	if err != nil {
		relStatPath = statPath
	}
	doc.RecordPairProcessed(pair.Key, relStatPath, time.Now())
	return doc.Save(s.Dir())
}

// finalizeIfComplete sets the metadata document's processing.complete
// once scan_completed has been observed and every pair now has a stat
// file (spec §4.E step 6, §5 Open Question: zero-pair scans finalize
// immediately).
func (p *ScanProcess) finalizeIfComplete(ctx context.Context, s *scan.VoltageRecorderScan, triple scan.Triple) {
	if !s.IsScanCompleted() {
		return
	}

	pairs, err := s.EnumeratePairs(ctx)
	if err != nil {
		return
	}
	for _, pair := range pairs {
		if !pair.HasStat() {
			return
		}
	}

	doc, err := scan.LoadMetadata(s.Dir())
	if err != nil {
		doc = &scan.Document{EBID: triple.EBID, SubsystemID: triple.SubsystemID, ScanID: triple.ScanID}
	}
	if doc.Processing.Complete {
		return
	}
	doc.Processing.ExpectedPairs = len(pairs)
	doc.Processing.Complete = true
	if err := doc.Save(s.Dir()); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("scan", triple).Warn("failed to finalize metadata document")
	}
}

func outcomeLabel(o stats.Outcome) string {
	switch o {
	case stats.Ok:
		return "ok"
	case stats.Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}
