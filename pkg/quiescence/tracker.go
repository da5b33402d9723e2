// Package quiescence decides whether a file has stopped growing: a
// data/weights pair is only safe to process or transfer once it has
// reported the same size across a run of consecutive polls (spec §4.A
// "pair not yet stable", §4.E/§4.F quiescence checks before acting).
package quiescence

import (
	"sync"
)

// DefaultStableReads is the number of consecutive unchanged observations
// required before a path is considered stable.
const DefaultStableReads = 3

type entry struct {
	size           int64
	unchangedPolls int
}

// Tracker holds one size-history entry per path. It is the only state
// ScanProcess and ScanTransfer keep about "is this file still growing" —
// everything else is recomputed fresh from the filesystem on each pass
// (spec §4.B: scans are not restartable state, but quiescence tracking is
// deliberately kept in memory only; losing it on restart just costs one
// extra stable-read wait, never a correctness violation).
type Tracker struct {
	mu          sync.Mutex
	stableReads int
	entries     map[string]*entry
}

// New returns a Tracker that considers a path stable after stableReads
// consecutive unchanged Observe calls. stableReads <= 0 uses
// DefaultStableReads.
func New(stableReads int) *Tracker {
	if stableReads <= 0 {
		stableReads = DefaultStableReads
	}
	return &Tracker{
		stableReads: stableReads,
		entries:     make(map[string]*entry),
	}
}

// Observe records a size reading for path and reports whether the path
// has now been observed unchanged for stableReads consecutive calls. A
// size change resets the run to 1 (this observation).
func (t *Tracker) Observe(path string, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok {
		e = &entry{size: size, unchangedPolls: 1}
		t.entries[path] = e
	} else if e.size != size {
		e.size = size
		e.unchangedPolls = 1
	} else {
		e.unchangedPolls++
	}

	return e.unchangedPolls >= t.stableReads
}

// Forget drops tracked history for path. Call this once a file has been
// processed or transferred so the map doesn't grow across a long-running
// process's lifetime.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, path)
}

// Reset clears every tracked path, e.g. when a scan directory disappears
// out from under the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry)
}
