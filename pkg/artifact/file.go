// Package artifact models a single file belonging to a scan: its kind,
// its filesystem metadata, and a lazily computed, cacheable checksum that
// is stable across the local and remote sides of a transfer.
package artifact

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	scanerrors "pst-send/pkg/errors"
)

// Kind is the logical role a file plays inside a scan directory (spec §3).
type Kind string

const (
	Data     Kind = "data"
	Weights  Kind = "weights"
	Stat     Kind = "stat"
	Config   Kind = "config"
	Metadata Kind = "metadata"
	Sentinel Kind = "sentinel"
)

// ChunkSize is the default read size for checksum computation and for
// ScanTransfer's copy loop (spec §5: "default chunk 1 MiB").
const ChunkSize = 1 << 20

// File represents one artifact on one side (local or remote) of a scan.
type File struct {
	Path    string
	Kind    Kind
	Size    int64
	ModTime time.Time

	mu       sync.Mutex
	checksum *uint64
}

// New wraps a path without touching the filesystem; call Stat to populate
// Size/ModTime.
func New(path string, kind Kind) *File {
	return &File{Path: path, Kind: kind}
}

// scanCtx carries the scan triple through error construction; callers that
// don't have one yet (e.g. discovery) may pass zero values.
type scanCtx struct {
	EBID, SubsystemID, ScanID string
}

// Stat refreshes Size and ModTime from the filesystem.
func (f *File) Stat() error {
	info, err := os.Stat(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return scanerrors.New(scanerrors.NotFound, "", "", "", f.Path, err)
		}
		return scanerrors.New(scanerrors.IoError, "", "", "", f.Path, err)
	}
	f.Size = info.Size()
	f.ModTime = info.ModTime()
	return nil
}

// Checksum computes (once) and caches an xxhash64 digest of the file
// contents, streamed in ChunkSize reads so large .dada payloads never need
// to be fully buffered in memory. Safe for concurrent callers: the first
// caller wins, the rest observe the cached value.
func (f *File) Checksum(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.checksum != nil {
		return *f.checksum, nil
	}

	sum, err := f.computeChecksum(ctx)
	if err != nil {
		return 0, err
	}
	f.checksum = &sum
	return sum, nil
}

func (f *File) computeChecksum(ctx context.Context) (uint64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, scanerrors.New(scanerrors.NotFound, "", "", "", f.Path, err)
		}
		return 0, scanerrors.New(scanerrors.IoError, "", "", "", f.Path, err)
	}
	defer file.Close()

	h := xxhash.New()
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return 0, scanerrors.New(scanerrors.Cancelled, "", "", "", f.Path, err)
		}
		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return 0, scanerrors.New(scanerrors.IoError, "", "", "", f.Path, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, scanerrors.New(scanerrors.IoError, "", "", "", f.Path, readErr)
		}
	}
	return h.Sum64(), nil
}

// Equals reports whether f and other have the same size and checksum.
// ModTime is never compared — spec §4.A: "mtime is advisory only".
func (f *File) Equals(ctx context.Context, other *File) (bool, error) {
	if f.Size != other.Size {
		return false, nil
	}
	sumA, err := f.Checksum(ctx)
	if err != nil {
		return false, err
	}
	sumB, err := other.Checksum(ctx)
	if err != nil {
		return false, err
	}
	return sumA == sumB, nil
}

// InvalidateChecksum drops the cached digest, forcing the next Checksum
// call to recompute. Used after a file is rewritten in place (it never
// is for data/weights/stat, but metadata.yaml is rewritten atomically via
// rename, which also invalidates any stale *File referencing the old path).
func (f *File) InvalidateChecksum() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checksum = nil
}
