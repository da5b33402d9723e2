// Package manager discovers scan directories under a subsystem root and
// hands the single most relevant one to each of the two workers
// (ScanProcess, ScanTransfer) via independent, single-slot "refresh
// latest" channels (spec §4.D, §9: "not a queue — each worker always
// sees the current best candidate, never a backlog").
package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"pst-send/internal/metrics"
	"pst-send/pkg/scan"
)

// DefaultPollInterval is the poll-loop backstop cadence; fsnotify only
// ever wakes the loop early, it never replaces this tick (spec §2.D:
// correctness must hold with fsnotify entirely absent).
const DefaultPollInterval = 10 * time.Second

// ErroredChecker reports whether a scan has been given up on by a
// worker (pkg/ledger.Ledger implements this). A scan marked errored is
// treated as terminal for ScanProcess selection, the same way a
// processing-complete scan is, so a Fatal stat failure doesn't wedge
// ScanProcess on that scan forever (spec §4.E: "the worker advances";
// §5: "never begins scan N+1 until scan N ... has been marked errored").
type ErroredChecker interface {
	Has(scan.Triple) bool
}

// Registrar tracks which scans have been registered with the Dashboard,
// durably (pkg/registry.Registry implements this) so a restart does not
// forget a successful registration and re-POST it (spec §8 Testable
// Property 4, Property 5). A nil Registrar falls back to an in-memory-
// only set, matching prior behavior for callers (and tests) that don't
// need durability.
type Registrar interface {
	Has(scan.Triple) bool
	Mark(scan.Triple) error
	Forget(scan.Triple)
}

// ScanManager discovers scans under <localRoot>/<subsystem> and serves
// each worker the oldest scan that is not yet terminal from that
// worker's point of view.
type ScanManager struct {
	localRoot    string
	subsystem    string
	pollInterval time.Duration
	logger       *logrus.Logger
	errored      ErroredChecker
	registry     Registrar

	forProcess  chan scan.Triple
	forTransfer chan scan.Triple
	pendingReg  chan scan.Triple

	mu         sync.Mutex
	registered map[scan.Triple]bool // fallback set, used only when registry == nil
	inFlight   map[scan.Triple]bool
	seen       map[scan.Triple]bool
}

// pendingRegistrationBacklog bounds the pendingReg channel. A full
// channel simply drops the newest notification for this tick; the scan
// is recomputed as complete-and-unregistered on every subsequent tick
// until the supervisor drains one and registers it, so nothing is lost,
// only delayed.
const pendingRegistrationBacklog = 64

// New returns a ScanManager for the given local root and subsystem.
// pollInterval <= 0 uses DefaultPollInterval. errored may be nil, in
// which case no scan is ever considered errored (matching prior
// behavior). registry may be nil, in which case registration state is
// kept in memory only (not durable across restarts) — production
// wiring (internal/supervisor) always supplies a pkg/registry.Registry.
func New(localRoot, subsystem string, pollInterval time.Duration, logger *logrus.Logger, errored ErroredChecker, registry Registrar) *ScanManager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &ScanManager{
		localRoot:    localRoot,
		subsystem:    subsystem,
		pollInterval: pollInterval,
		logger:       logger,
		errored:      errored,
		registry:     registry,
		forProcess:   make(chan scan.Triple, 1),
		forTransfer:  make(chan scan.Triple, 1),
		pendingReg:   make(chan scan.Triple, pendingRegistrationBacklog),
		registered:   make(map[scan.Triple]bool),
		inFlight:     make(map[scan.Triple]bool),
		seen:         make(map[scan.Triple]bool),
	}
}

// isErrored reports whether triple has been recorded as errored, safe
// to call with a nil errored checker.
func (m *ScanManager) isErrored(triple scan.Triple) bool {
	return m.errored != nil && m.errored.Has(triple)
}

// CurrentForProcess is the single-slot handoff consulted by ScanProcess:
// refreshed whenever the oldest not-yet-processing-complete scan changes.
func (m *ScanManager) CurrentForProcess() <-chan scan.Triple { return m.forProcess }

// CurrentForTransfer is the single-slot handoff consulted by
// ScanTransfer: refreshed whenever the oldest not-yet-transfer-complete
// scan changes.
func (m *ScanManager) CurrentForTransfer() <-chan scan.Triple { return m.forTransfer }

// PendingRegistration is consumed by internal/supervisor: it receives a
// triple each time a tick observes a scan that is IsComplete() but not
// yet MarkDashboardRegistered (spec §4.G). The supervisor registers it
// with the Dashboard and calls MarkDashboardRegistered on success; on
// failure it only calls ClearInFlight, and the same triple reappears on
// the next tick that still finds it unregistered.
func (m *ScanManager) PendingRegistration() <-chan scan.Triple { return m.pendingReg }

// ScanState is a point-in-time snapshot of one tracked scan's lifecycle
// state, for the read-only /scans diagnostics endpoint (SPEC_FULL.md
// §2.H).
type ScanState struct {
	Triple              scan.Triple
	ScanCompleted       bool
	ProcessingCompleted bool
	TransferCompleted   bool
	Complete            bool
	DashboardRegistered bool
}

// Snapshot reports the current state of every scan this manager has
// discovered and not yet garbage-collected, ordered by eb_id then scan_id
// for a stable diagnostics listing.
func (m *ScanManager) Snapshot(ctx context.Context) []ScanState {
	m.mu.Lock()
	triples := make([]scan.Triple, 0, len(m.seen))
	for t := range m.seen {
		triples = append(triples, t)
	}
	m.mu.Unlock()

	sort.Slice(triples, func(i, j int) bool {
		if triples[i].EBID != triples[j].EBID {
			return triples[i].EBID < triples[j].EBID
		}
		return triples[i].ScanID < triples[j].ScanID
	})

	out := make([]ScanState, 0, len(triples))
	for _, t := range triples {
		s := scan.New(m.localRoot, t)
		processingDone, _ := s.IsProcessingCompleted(ctx)
		complete, _ := s.IsComplete(ctx)
		out = append(out, ScanState{
			Triple:              t,
			ScanCompleted:       s.IsScanCompleted(),
			ProcessingCompleted: processingDone,
			TransferCompleted:   s.IsTransferCompleted(),
			Complete:            complete,
			DashboardRegistered: m.isRegistered(t),
		})
	}
	return out
}

// MarkDashboardRegistered records that triple has been registered with
// the Dashboard (or that no Dashboard is configured), authorizing GC to
// delete it once it is otherwise complete. Persisted via the durable
// Registrar when one was supplied to New, so a restart between a
// successful registration and GC deletion does not re-register the
// scan (spec §8 Testable Property 4, Property 5).
func (m *ScanManager) MarkDashboardRegistered(triple scan.Triple) {
	if m.registry != nil {
		if err := m.registry.Mark(triple); err != nil && m.logger != nil {
			m.logger.WithError(err).WithField("scan", triple).Warn("failed to persist dashboard registration")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[triple] = true
	delete(m.inFlight, triple)
}

// IsRegistered reports whether triple has already been registered with
// the Dashboard. internal/supervisor consults this immediately before
// POSTing a registration, so a triple that was enqueued twice (e.g.
// because the first registration attempt outlived one poll cycle) is
// never registered with the Dashboard a second time (spec §8 Testable
// Property 4).
func (m *ScanManager) IsRegistered(triple scan.Triple) bool {
	return m.isRegistered(triple)
}

// ClearInFlight releases the in-flight marker set when a triple was
// handed to PendingRegistration, so a registration attempt that failed
// is eligible to be re-enqueued on a later tick instead of being stuck
// forever behind a stale in-flight marker.
func (m *ScanManager) ClearInFlight(triple scan.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, triple)
}

// Run polls until ctx is canceled, refreshing both handoff channels and
// running the GC step on each pass.
func (m *ScanManager) Run(ctx context.Context) {
	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		defer watcher.Close()
		if err := os.MkdirAll(m.localRoot, 0o755); err == nil {
			_ = watcher.Add(m.localRoot)
			m.watchExistingEBDirs(watcher)
		}
	} else if m.logger != nil {
		m.logger.WithError(watchErr).Warn("fsnotify watcher unavailable, falling back to poll-only")
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
			m.watchExistingEBDirs(watcher)
		case event := <-watcherEvents(watcher):
			if event.Op&fsnotify.Create != 0 {
				m.tick(ctx)
				m.watchExistingEBDirs(watcher)
			}
		}
	}
}

// watcherEvents returns w.Events, or a nil channel (which blocks
// forever in a select) when w is nil — keeping Run's select simple
// whether or not fsnotify initialized successfully.
func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (m *ScanManager) tick(ctx context.Context) {
	triples, err := m.discover()
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("scan discovery failed")
		}
		return
	}

	var nextForProcess, nextForTransfer *scan.Triple
	var toDelete []scan.Triple

	for _, triple := range triples {
		if !m.hasSeen(triple) {
			m.markSeen(triple)
			metrics.ScansDiscovered.WithLabelValues(m.subsystem).Inc()
		}

		s := scan.New(m.localRoot, triple)

		processingDone, err := s.IsProcessingCompleted(ctx)
		if err != nil && m.logger != nil {
			m.logger.WithError(err).WithField("scan", triple).Warn("failed to evaluate processing state")
		}
		if nextForProcess == nil && !processingDone && !m.isErrored(triple) {
			t := triple
			nextForProcess = &t
		}

		if nextForTransfer == nil && !s.IsTransferCompleted() {
			t := triple
			nextForTransfer = &t
		}

		complete, err := s.IsComplete(ctx)
		if err != nil {
			continue
		}
		if !complete {
			continue
		}
		if m.isRegistered(triple) {
			toDelete = append(toDelete, triple)
			continue
		}
		if m.isInFlight(triple) {
			continue
		}
		select {
		case m.pendingReg <- triple:
			m.markInFlight(triple)
		default:
		}
	}

	if nextForProcess != nil {
		refreshSend(m.forProcess, *nextForProcess)
	}
	if nextForTransfer != nil {
		refreshSend(m.forTransfer, *nextForTransfer)
	}

	for _, triple := range toDelete {
		s := scan.New(m.localRoot, triple)
		if err := s.Delete(); err != nil {
			if m.logger != nil {
				m.logger.WithError(err).WithField("scan", triple).Warn("failed to delete completed scan")
			}
			continue
		}
		m.forgetRegistered(triple)
		m.forgetSeen(triple)
		metrics.ScansDeleted.WithLabelValues(m.subsystem).Inc()
		if m.logger != nil {
			m.logger.WithField("scan", triple).Info("deleted completed scan")
		}
	}
}

func (m *ScanManager) isRegistered(triple scan.Triple) bool {
	if m.registry != nil {
		return m.registry.Has(triple)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered[triple]
}

func (m *ScanManager) forgetRegistered(triple scan.Triple) {
	if m.registry != nil {
		m.registry.Forget(triple)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, triple)
}

func (m *ScanManager) isInFlight(triple scan.Triple) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[triple]
}

func (m *ScanManager) markInFlight(triple scan.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[triple] = true
}

func (m *ScanManager) hasSeen(triple scan.Triple) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[triple]
}

func (m *ScanManager) markSeen(triple scan.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[triple] = true
}

func (m *ScanManager) forgetSeen(triple scan.Triple) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, triple)
}

// watchExistingEBDirs arms the watcher on every eb_id directory already
// present under localRoot, so a new scan_id appearing under
// <eb_id>/<subsystem>/ is observed without waiting for the poll tick.
// Run calls it again after every tick, so eb_id directories that appear
// later are armed too. A nil watcher is a no-op.
func (m *ScanManager) watchExistingEBDirs(watcher *fsnotify.Watcher) {
	if watcher == nil {
		return
	}
	ebEntries, err := os.ReadDir(m.localRoot)
	if err != nil {
		return
	}
	for _, ebEntry := range ebEntries {
		if !ebEntry.IsDir() {
			continue
		}
		subsystemDir := filepath.Join(m.localRoot, ebEntry.Name(), m.subsystem)
		_ = watcher.Add(subsystemDir)
	}
}

// discover walks <localRoot>/<eb_id>/<subsystem>/<scan_id> (spec §3, §6:
// scan identity is <eb_id>/<subsystem_id>/<scan_id> beneath the root),
// ordering by directory modification time then name (spec §4.D.1).
func (m *ScanManager) discover() ([]scan.Triple, error) {
	ebEntries, err := os.ReadDir(m.localRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type discovered struct {
		triple  scan.Triple
		modTime time.Time
	}
	var all []discovered

	for _, ebEntry := range ebEntries {
		if !ebEntry.IsDir() {
			continue
		}
		subsystemDir := filepath.Join(m.localRoot, ebEntry.Name(), m.subsystem)
		scanEntries, err := os.ReadDir(subsystemDir)
		if err != nil {
			continue
		}
		for _, scanEntry := range scanEntries {
			if !scanEntry.IsDir() {
				continue
			}
			info, err := scanEntry.Info()
			if err != nil {
				continue
			}
			all = append(all, discovered{
				triple: scan.Triple{
					EBID:        ebEntry.Name(),
					SubsystemID: m.subsystem,
					ScanID:      scanEntry.Name(),
				},
				modTime: info.ModTime(),
			})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].modTime.Equal(all[j].modTime) {
			return all[i].modTime.Before(all[j].modTime)
		}
		return all[i].triple.ScanID < all[j].triple.ScanID
	})

	out := make([]scan.Triple, len(all))
	for i, d := range all {
		out[i] = d.triple
	}
	return out, nil
}

// refreshSend drains a stale value (if present) then sends the newest
// one, implementing the single-slot "refresh latest" handoff (spec §9).
func refreshSend(ch chan scan.Triple, t scan.Triple) {
	select {
	case <-ch:
	default:
	}
	ch <- t
}
