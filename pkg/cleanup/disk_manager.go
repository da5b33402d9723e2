// Package cleanup guards local disk space while a scan directory is
// captured and transferred: it polls free space on the configured
// filesystem and logs (and optionally reports via metrics) once free
// space drops below warning/critical thresholds (spec §3 supplemented
// feature: disk-space guard).
package cleanup

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// MetricsRecorder receives free-space observations. internal/metrics
// implements this; tests can use a stub.
type MetricsRecorder interface {
	SetFreeSpaceBytes(path string, free uint64)
}

// Config tunes the guard's thresholds and poll cadence.
type Config struct {
	Path                   string
	CheckInterval          time.Duration
	WarningSpaceThreshold  float64 // percent free
	CriticalSpaceThreshold float64 // percent free
}

// DiskSpaceGuard polls free space on Config.Path and logs when it
// crosses the configured thresholds.
type DiskSpaceGuard struct {
	config  Config
	logger  *logrus.Logger
	metrics MetricsRecorder
}

// New returns a DiskSpaceGuard. metrics may be nil to skip metrics
// reporting.
func New(config Config, logger *logrus.Logger, metrics MetricsRecorder) *DiskSpaceGuard {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	if config.WarningSpaceThreshold <= 0 {
		config.WarningSpaceThreshold = 15
	}
	if config.CriticalSpaceThreshold <= 0 {
		config.CriticalSpaceThreshold = 5
	}
	return &DiskSpaceGuard{config: config, logger: logger, metrics: metrics}
}

// Run polls until ctx is canceled, checking immediately on entry.
func (g *DiskSpaceGuard) Run(ctx context.Context) {
	g.checkOnce()

	ticker := time.NewTicker(g.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkOnce()
		}
	}
}

func (g *DiskSpaceGuard) checkOnce() {
	usage, err := disk.Usage(g.config.Path)
	if err != nil {
		if g.logger != nil {
			g.logger.WithError(err).WithField("path", g.config.Path).Warn("failed to read disk usage")
		}
		return
	}

	if g.metrics != nil {
		g.metrics.SetFreeSpaceBytes(g.config.Path, usage.Free)
	}

	freePercent := 100 - usage.UsedPercent
	fields := logrus.Fields{
		"path":         g.config.Path,
		"free_percent": freePercent,
		"free_bytes":   usage.Free,
		"total_bytes":  usage.Total,
	}

	if g.logger == nil {
		return
	}
	switch {
	case freePercent < g.config.CriticalSpaceThreshold:
		g.logger.WithFields(fields).Error("disk space critically low")
	case freePercent < g.config.WarningSpaceThreshold:
		g.logger.WithFields(fields).Warn("disk space low")
	default:
		g.logger.WithFields(fields).Debug("disk space check")
	}
}
