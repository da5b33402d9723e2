// Package transfer implements ScanTransfer: the worker that copies a
// scan's artifacts to the remote root in chunks, verifies each copy by
// checksum, and marks the scan transfer-complete once processing has
// also finished locally (spec §4.F).
package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"pst-send/internal/metrics"
	"pst-send/pkg/artifact"
	"pst-send/pkg/backoff"
	"pst-send/pkg/quiescence"
	"pst-send/pkg/scan"
)

// checksumRetrySchedule bounds checksum-mismatch retries within a single
// pass (spec §2.F: "capped at 3 attempts per §4.F step 3c").
var checksumRetrySchedule = backoff.Schedule{
	Initial:     1 * time.Second,
	Factor:      2,
	Cap:         10 * time.Second,
	MaxAttempts: 3,
}

// ScanTransfer consumes triples from a CurrentForTransfer-shaped channel
// and copies each one's untransferred artifacts to the remote root.
type ScanTransfer struct {
	localRoot  string
	remoteRoot string
	subsystem  string
	tracker    *quiescence.Tracker
	logger     *logrus.Logger
}

// Config collects ScanTransfer's dependencies.
type Config struct {
	LocalRoot  string
	RemoteRoot string
	Subsystem  string
	Tracker    *quiescence.Tracker
	Logger     *logrus.Logger
}

// New returns a ScanTransfer.
func New(cfg Config) *ScanTransfer {
	if cfg.Tracker == nil {
		cfg.Tracker = quiescence.New(quiescence.DefaultStableReads)
	}
	return &ScanTransfer{
		localRoot:  cfg.LocalRoot,
		remoteRoot: cfg.RemoteRoot,
		subsystem:  cfg.Subsystem,
		tracker:    cfg.Tracker,
		logger:     cfg.Logger,
	}
}

// Run consumes triples from current until ctx is canceled.
func (t *ScanTransfer) Run(ctx context.Context, current <-chan scan.Triple) {
	for {
		select {
		case <-ctx.Done():
			return
		case triple := <-current:
			t.transferScan(ctx, triple)
		}
	}
}

func (t *ScanTransfer) transferScan(ctx context.Context, triple scan.Triple) {
	local := scan.New(t.localRoot, triple)
	remote := scan.New(t.remoteRoot, triple)

	if err := os.MkdirAll(remote.Dir(), 0o755); err != nil {
		if t.logger != nil {
			t.logger.WithError(err).WithField("scan", triple).Warn("failed to create remote scan directory")
		}
		return
	}

	files, err := local.UntransferredFiles(ctx, remote)
	if err != nil {
		if t.logger != nil {
			t.logger.WithError(err).WithField("scan", triple).Warn("failed to compute untransferred files")
		}
		return
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return
		}
		if isGrowingArtifact(f.Kind) && !t.tracker.Observe(f.Path, f.Size) {
			continue
		}
		if err := t.transferFile(ctx, local, remote, f); err != nil {
			if t.logger != nil {
				t.logger.WithError(err).WithFields(logrus.Fields{"scan": triple, "file": f.Path}).Warn("failed to transfer file")
			}
			continue
		}
		t.tracker.Forget(f.Path)
		metrics.FilesTransferred.WithLabelValues(t.subsystem, string(f.Kind)).Inc()
		metrics.BytesTransferred.WithLabelValues(t.subsystem, string(f.Kind)).Add(float64(f.Size))
	}

	t.maybeMarkTransferCompleted(ctx, local, remote)
}

// remainingUntransferred re-verifies UntransferredFiles after the copy
// loop has run, rather than trusting the loop's own bookkeeping: a file
// skipped for quiescence or left behind after exhausting its retry
// budget must still block transfer_completed (spec §3 invariant 4,
// Testable Property 1).
func (t *ScanTransfer) remainingUntransferred(ctx context.Context, local, remote *scan.VoltageRecorderScan) (bool, error) {
	files, err := local.UntransferredFiles(ctx, remote)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func isGrowingArtifact(kind artifact.Kind) bool {
	return kind == artifact.Data || kind == artifact.Weights
}

// transferFile copies one artifact via a .part temp name, verifies it by
// checksum, and renames atomically on success; on a checksum mismatch the
// copy is retried, for at most checksumRetrySchedule.MaxAttempts attempts
// in all.
func (t *ScanTransfer) transferFile(ctx context.Context, local, remote *scan.VoltageRecorderScan, f *artifact.File) error {
	relPath, err := filepath.Rel(local.Dir(), f.Path)
	if err != nil {
		return err
	}
	destPath := filepath.Join(remote.Dir(), relPath)
	partPath := destPath + ".part"

	return backoff.Retry(ctx, checksumRetrySchedule, func(attempt int) (bool, error) {
		if err := copyFile(ctx, f.Path, partPath); err != nil {
			return true, err
		}

		srcFile := artifact.New(f.Path, f.Kind)
		if err := srcFile.Stat(); err != nil {
			os.Remove(partPath)
			return true, err
		}
		destFile := artifact.New(partPath, f.Kind)
		if err := destFile.Stat(); err != nil {
			os.Remove(partPath)
			return true, err
		}

		equal, err := srcFile.Equals(ctx, destFile)
		if err != nil {
			os.Remove(partPath)
			return true, err
		}
		if !equal {
			os.Remove(partPath)
			metrics.ChecksumMismatches.WithLabelValues(t.subsystem).Inc()
			metrics.RetriesTotal.WithLabelValues(t.subsystem, "transfer").Inc()
			return true, errChecksumMismatch{path: f.Path}
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			os.Remove(partPath)
			return true, err
		}
		if err := os.Rename(partPath, destPath); err != nil {
			return true, err
		}
		return false, nil
	})
}

type errChecksumMismatch struct{ path string }

func (e errChecksumMismatch) Error() string {
	return "checksum mismatch after copy: " + e.path
}

func copyFile(ctx context.Context, srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dest.Close()

	buf := make([]byte, artifact.ChunkSize)
	reader := &contextReader{ctx: ctx, r: src}
	if _, err := io.CopyBuffer(dest, reader, buf); err != nil {
		return err
	}
	return dest.Sync()
}

// contextReader wraps an io.Reader with a per-chunk cancellation check
// (spec §5: transfer copies, like checksum reads, check ctx every chunk).
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// maybeMarkTransferCompleted writes transfer_completed locally then
// remotely once the local scan's processing is complete (spec §4.F step
// 4, §3 invariant 5: transfer_completed must never precede processing
// completion).
func (t *ScanTransfer) maybeMarkTransferCompleted(ctx context.Context, local, remote *scan.VoltageRecorderScan) {
	if local.IsTransferCompleted() {
		return
	}
	processingDone, err := local.IsProcessingCompleted(ctx)
	if err != nil || !processingDone {
		return
	}

	pending, err := t.remainingUntransferred(ctx, local, remote)
	if err != nil || pending {
		return
	}

	localSentinel := filepath.Join(local.Dir(), "transfer_completed")
	if err := os.WriteFile(localSentinel, nil, 0o644); err != nil {
		if t.logger != nil {
			t.logger.WithError(err).WithField("scan", local.Triple()).Warn("failed to write local transfer_completed")
		}
		return
	}

	remoteSentinel := filepath.Join(remote.Dir(), "transfer_completed")
	if err := os.WriteFile(remoteSentinel, nil, 0o644); err != nil {
		if t.logger != nil {
			t.logger.WithError(err).WithField("scan", local.Triple()).Warn("failed to write remote transfer_completed")
		}
	}
}
