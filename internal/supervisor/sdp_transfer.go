// Package supervisor implements SdpTransfer (spec §4.G): the top-level
// component that owns ScanManager and both workers, registers completed
// scans with the Data Product Dashboard, and drives graceful shutdown —
// grounded on the teacher's internal/app.App lifecycle shape (New,
// Start/Run, Stop), adapted from an HTTP-log-pipeline app to this scan
// lifecycle engine.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pst-send/internal/dashboard"
	"pst-send/internal/manager"
	"pst-send/internal/metrics"
	"pst-send/internal/process"
	"pst-send/internal/transfer"
	"pst-send/pkg/cleanup"
	"pst-send/pkg/ledger"
	"pst-send/pkg/quiescence"
	"pst-send/pkg/registry"
	"pst-send/pkg/scan"
	"pst-send/pkg/stats"
)

// Config collects everything SdpTransfer needs to wire up ScanManager,
// ScanProcess, ScanTransfer, and the Dashboard client.
type Config struct {
	LocalRoot    string
	RemoteRoot   string
	Subsystem    string
	PollInterval time.Duration

	QuiescenceReads        int
	StatBinaryPath         string
	StatTimeout            time.Duration
	ProcessWorkers         int
	StatRetryableExitCodes map[int]struct{}

	DashboardURL string
	LedgerPath   string
	RegistryPath string

	Logger *logrus.Logger
}

// SdpTransfer is the supervisor: it owns ScanManager and both workers as
// goroutines, consumes ScanManager's pending-registration notifications,
// and reports errored scans on shutdown (spec §4.G, §7).
type SdpTransfer struct {
	cfg       Config
	manager   *manager.ScanManager
	process   *process.ScanProcess
	transfer  *transfer.ScanTransfer
	dashboard *dashboard.Client
	ledger    *ledger.Ledger
	diskGuard *cleanup.DiskSpaceGuard
	logger    *logrus.Logger
}

// New constructs an SdpTransfer. If cfg.LedgerPath or cfg.RegistryPath is
// empty, the corresponding durable store still works, just in-memory
// only (no durability across restarts).
func New(cfg Config) (*SdpTransfer, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = manager.DefaultPollInterval
	}
	if cfg.ProcessWorkers <= 0 {
		cfg.ProcessWorkers = process.DefaultConcurrency
	}
	if cfg.StatTimeout <= 0 {
		cfg.StatTimeout = process.DefaultStatTimeout
	}

	led, err := ledger.Open(cfg.LedgerPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.RegistryPath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	tracker := quiescence.New(cfg.QuiescenceReads)
	mgr := manager.New(cfg.LocalRoot, cfg.Subsystem, cfg.PollInterval, cfg.Logger, led, reg)
	invoker := stats.New(cfg.StatBinaryPath, cfg.StatTimeout, cfg.Logger)
	if cfg.StatRetryableExitCodes != nil {
		invoker.RetryableExitCodes = cfg.StatRetryableExitCodes
	}

	proc := process.New(process.Config{
		LocalRoot:   cfg.LocalRoot,
		Subsystem:   cfg.Subsystem,
		Invoker:     invoker,
		Concurrency: cfg.ProcessWorkers,
		Tracker:     tracker,
		Ledger:      led,
		Logger:      cfg.Logger,
	})

	xfer := transfer.New(transfer.Config{
		LocalRoot:  cfg.LocalRoot,
		RemoteRoot: cfg.RemoteRoot,
		Subsystem:  cfg.Subsystem,
		Tracker:    tracker,
		Logger:     cfg.Logger,
	})

	var dash *dashboard.Client
	if cfg.DashboardURL != "" {
		dash = dashboard.New(cfg.DashboardURL, nil)
	}

	diskGuard := cleanup.New(cleanup.Config{
		Path: cfg.LocalRoot,
	}, cfg.Logger, metrics.DiskFreeRecorder{})

	return &SdpTransfer{
		cfg:       cfg,
		manager:   mgr,
		process:   proc,
		transfer:  xfer,
		dashboard: dash,
		ledger:    led,
		diskGuard: diskGuard,
		logger:    cfg.Logger,
	}, nil
}

// Manager exposes the underlying ScanManager, e.g. for
// internal/diagserver's /scans endpoint.
func (s *SdpTransfer) Manager() *manager.ScanManager { return s.manager }

// Ledger exposes the underlying errored-scan ledger, e.g. for
// internal/diagserver's /scans endpoint.
func (s *SdpTransfer) Ledger() *ledger.Ledger { return s.ledger }

// Run starts ScanManager and both workers, registers completed scans
// with the Dashboard as they appear, and blocks until ctx is canceled.
// On cancellation it waits for in-flight file/subprocess operations to
// finish (the workers' blocking loops check ctx between units of work —
// spec §5) and then logs the shutdown report before returning.
func (s *SdpTransfer) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(4)
	go func() { defer wg.Done(); s.manager.Run(ctx) }()
	go func() { defer wg.Done(); s.process.Run(ctx, s.manager.CurrentForProcess()) }()
	go func() { defer wg.Done(); s.transfer.Run(ctx, s.manager.CurrentForTransfer()) }()
	go func() { defer wg.Done(); s.diskGuard.Run(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.registrationLoop(ctx) }()

	<-ctx.Done()
	wg.Wait()
	s.logShutdownReport()
}

// registrationLoop drains ScanManager.PendingRegistration, POSTing each
// scan's metadata document to the Dashboard (spec §4.G). With no
// Dashboard configured, registration is authorized unconditionally.
func (s *SdpTransfer) registrationLoop(ctx context.Context) {
	erroredTicker := time.NewTicker(s.cfg.PollInterval)
	defer erroredTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-erroredTicker.C:
			erroredScans := make(map[scan.Triple]struct{})
			for _, e := range s.ledger.Entries() {
				erroredScans[e.Triple] = struct{}{}
			}
			metrics.ScansErrored.WithLabelValues(s.cfg.Subsystem).Set(float64(len(erroredScans)))
		case triple := <-s.manager.PendingRegistration():
			s.register(ctx, triple)
		}
	}
}

// register POSTs triple's metadata document to the Dashboard, unless it
// has already been registered — the manager's pendingReg channel can
// carry a duplicate notification for the same triple if a first
// registration attempt is still outstanding when a later poll observes
// the scan again, so the check here is the backstop that keeps a slow
// or racing attempt from ever producing two Dashboard POSTs for one
// scan (spec §8 Testable Property 4). ClearInFlight runs on every exit
// path so a failed attempt is eligible for retry on the next tick.
func (s *SdpTransfer) register(ctx context.Context, triple scan.Triple) {
	defer s.manager.ClearInFlight(triple)

	if s.manager.IsRegistered(triple) {
		return
	}

	if s.dashboard == nil {
		s.manager.MarkDashboardRegistered(triple)
		return
	}

	local := scan.New(s.cfg.LocalRoot, triple)
	doc, err := scan.LoadMetadata(local.Dir())
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithField("scan", triple).Warn("failed to load metadata document for dashboard registration")
		}
		return
	}

	remotePath := triple.PathUnder(s.cfg.RemoteRoot)
	if err := s.dashboard.Register(ctx, triple, doc, remotePath); err != nil {
		metrics.DashboardRegistrations.WithLabelValues(s.cfg.Subsystem, "failure").Inc()
		if s.logger != nil {
			s.logger.WithError(err).WithField("scan", triple).Warn("dashboard registration failed; scan remains undeleted")
		}
		return
	}

	metrics.DashboardRegistrations.WithLabelValues(s.cfg.Subsystem, "success").Inc()
	s.manager.MarkDashboardRegistered(triple)
	if s.logger != nil {
		s.logger.WithField("scan", triple).Info("registered scan with dashboard")
	}
}

// logShutdownReport lists every scan recorded in the errored-scan ledger
// (spec §7: "errored scans are listed on shutdown").
func (s *SdpTransfer) logShutdownReport() {
	entries := s.ledger.Entries()
	if s.logger == nil {
		return
	}
	if len(entries) == 0 {
		s.logger.Info("shutdown complete; no errored scans")
		return
	}
	s.logger.WithField("count", len(entries)).Warn("shutdown complete with errored scans")
	for _, e := range entries {
		s.logger.WithFields(logrus.Fields{
			"scan":  e.Triple,
			"stage": e.Stage,
			"at":    e.At,
		}).Warn(e.Message)
	}
}
