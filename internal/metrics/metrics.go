// Package metrics exposes the prometheus vectors for the scan lifecycle:
// discovery, processing, transfer, dashboard registration, and disk
// space, mirroring the teacher's package-level promauto vector style
// (internal/metrics/metrics.go), renamed and rescoped to this domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sdp_transfer"

var (
	ScansDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_discovered_total",
			Help:      "Total number of scan directories discovered by ScanManager.",
		},
		[]string{"subsystem"},
	)

	ScansDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_deleted_total",
			Help:      "Total number of scan directories removed after reaching the deletable state.",
		},
		[]string{"subsystem"},
	)

	ScansErrored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_errored",
			Help:      "Current number of scans recorded in the errored-scan ledger.",
		},
		[]string{"subsystem"},
	)

	PairsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_processed_total",
			Help:      "Total number of data/weights pairs successfully processed into a stat file.",
		},
		[]string{"subsystem"},
	)

	StatInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_invocations_total",
			Help:      "Total number of statistics-binary invocations, labeled by outcome.",
		},
		[]string{"subsystem", "outcome"},
	)

	StatInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stat_invocation_duration_seconds",
			Help:      "Wall-clock duration of a single statistics-binary invocation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"subsystem"},
	)

	FilesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_transferred_total",
			Help:      "Total number of artifacts copied to the remote root, labeled by kind.",
		},
		[]string{"subsystem", "kind"},
	)

	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total bytes copied to the remote root, labeled by artifact kind.",
		},
		[]string{"subsystem", "kind"},
	)

	ChecksumMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Total number of post-copy checksum verification failures.",
		},
		[]string{"subsystem"},
	)

	DashboardRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_registrations_total",
			Help:      "Total number of Dashboard registration attempts, labeled by outcome.",
		},
		[]string{"subsystem", "outcome"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts, labeled by the component that retried.",
		},
		[]string{"subsystem", "component"},
	)

	DiskFreeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_free_bytes",
			Help:      "Free space, in bytes, on the filesystem backing a monitored root.",
		},
		[]string{"path"},
	)
)

// DiskFreeRecorder adapts the DiskFreeBytes gauge vector to
// pkg/cleanup.MetricsRecorder without that package depending on
// prometheus directly.
type DiskFreeRecorder struct{}

func (DiskFreeRecorder) SetFreeSpaceBytes(path string, free uint64) {
	DiskFreeBytes.WithLabelValues(path).Set(float64(free))
}
