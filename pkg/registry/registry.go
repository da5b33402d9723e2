// Package registry records scans that have been successfully registered
// with the Data Product Dashboard, so a crash between a successful
// registration and the scan's GC deletion does not cause the next run
// to register the same scan with the external Dashboard a second time
// (spec §8 Testable Property 4: "no duplicate Dashboard registrations";
// Property 5: crash safety). Entries are appended to a JSON-lines file
// for durability across restarts, mirroring pkg/ledger's errored-scan
// record.
package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pst-send/pkg/scan"
)

// Entry is one recorded Dashboard registration.
type Entry struct {
	Triple scan.Triple `json:"triple"`
	At     time.Time   `json:"at"`
}

// Registry is a durable, idempotent record of scans registered with the
// Dashboard.
type Registry struct {
	path   string
	logger *logrus.Logger

	mu  sync.Mutex
	set map[scan.Triple]bool
}

// Open loads any existing entries from path (if it exists) and returns a
// Registry that will append new entries there. An empty path keeps the
// registry in-memory only, matching pkg/ledger.Open's behavior.
func Open(path string, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger, set: make(map[scan.Triple]bool)}

	if path == "" {
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			if logger != nil {
				logger.WithError(err).Warn("skipping malformed registry entry")
			}
			continue
		}
		r.set[e.Triple] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Mark records triple as registered, both in memory and on disk.
// Idempotent: a triple already marked is not written again.
func (r *Registry) Mark(triple scan.Triple) error {
	r.mu.Lock()
	if r.set[triple] {
		r.mu.Unlock()
		return nil
	}
	r.set[triple] = true
	r.mu.Unlock()

	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(Entry{Triple: triple, At: time.Now()})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Has reports whether triple has already been registered with the
// Dashboard.
func (r *Registry) Has(triple scan.Triple) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set[triple]
}

// Forget removes triple from the in-memory set, called once the scan's
// local directory has been deleted so a later scan reusing the same
// triple (not expected in practice, but not precluded by the identity
// scheme) is not mistaken for already registered. The on-disk record is
// left in place; Mark's idempotence check only ever needs the in-memory
// set to be authoritative.
func (r *Registry) Forget(triple scan.Triple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, triple)
}

// Len reports the number of currently tracked registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set)
}
