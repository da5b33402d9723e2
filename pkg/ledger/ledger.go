// Package ledger records scans that failed processing or transfer badly
// enough to give up on, so SdpTransfer can print a shutdown report (spec
// §3 supplemented feature: shutdown report of errored scans) instead of
// silently leaving a scan stuck. Entries are appended to a JSON-lines
// file for durability across restarts and kept in memory for the
// diagnostics endpoint.
package ledger

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

// Entry is one recorded failure.
type Entry struct {
	Triple    scan.Triple `json:"triple"`
	Stage     string      `json:"stage"` // "process" or "transfer"
	Message   string      `json:"message"`
	At        time.Time   `json:"at"`
}

// Ledger is an append-only record of scans a worker gave up on.
type Ledger struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	entries []Entry
}

// Open loads any existing entries from path (if it exists) and returns a
// Ledger that will append new entries there.
func Open(path string, logger *logrus.Logger) (*Ledger, error) {
	l := &Ledger{path: path, logger: logger}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
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
				logger.WithError(err).Warn("skipping malformed ledger entry")
			}
			continue
		}
		l.entries = append(l.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Record appends an entry both to memory and to the on-disk log.
func (l *Ledger) Record(triple scan.Triple, stage, message string) error {
	entry := Entry{Triple: triple, Stage: stage, Message: message, At: time.Now()}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Entries returns a snapshot of every recorded entry, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Has reports whether triple has been recorded as errored. ScanManager
// uses this to treat an errored scan as terminal for ScanProcess, the
// same way a processing-complete scan is, so the worker advances past
// it instead of retrying it forever (spec §4.E, §5).
func (l *Ledger) Has(triple scan.Triple) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Triple == triple {
			return true
		}
	}
	return false
}
