package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pst-send/pkg/artifact"
	scanerrors "pst-send/pkg/errors"
)

const (
	dataDir    = "data"
	weightsDir = "weights"
	statDir    = "stat"

	scanConfigurationFile = "scan_configuration.json"
	obsHeaderFile         = "obs.header"

	scanCompletedSentinel     = "scan_completed"
	transferCompletedSentinel = "transfer_completed"

	dadaExt = ".dada"
	statExt = ".h5"
)

// topLevelConfigFiles lists the root-level config files in the order they
// are transferred (spec §4.C: "config/header" before the metadata document).
var topLevelConfigFiles = []string{scanConfigurationFile, obsHeaderFile}

// VoltageRecorderScan is the concrete Scan for the PST layout (spec §4.C),
// specialized by root for either the local capture tree or the mounted
// remote tree. The same type serves both sides: a local VoltageRecorderScan
// computes UntransferredFiles against a remote one built from the same
// Triple.
type VoltageRecorderScan struct {
	root   string
	triple Triple
}

// New returns a Scan view of triple rooted at root.
func New(root string, triple Triple) *VoltageRecorderScan {
	return &VoltageRecorderScan{root: root, triple: triple}
}

func (s *VoltageRecorderScan) Triple() Triple { return s.triple }

func (s *VoltageRecorderScan) Dir() string { return s.triple.PathUnder(s.root) }

func (s *VoltageRecorderScan) dataDir() string    { return filepath.Join(s.Dir(), dataDir) }
func (s *VoltageRecorderScan) weightsDir() string { return filepath.Join(s.Dir(), weightsDir) }
func (s *VoltageRecorderScan) statDir() string    { return filepath.Join(s.Dir(), statDir) }

func (s *VoltageRecorderScan) errf(kind scanerrors.Kind, path string, cause error) error {
	return scanerrors.New(kind, s.triple.EBID, s.triple.SubsystemID, s.triple.ScanID, path, cause)
}

// EnumeratePairs returns the lazy (materialized here; the directory is
// finite and re-enumerated fresh on every call — spec §4.B "not
// restartable") sequence of data/weights pairs keyed by suffix, in
// lexicographic key order.
func (s *VoltageRecorderScan) EnumeratePairs(ctx context.Context) ([]Pair, error) {
	dataKeys, err := listDadaKeys(s.dataDir())
	if err != nil {
		return nil, s.errf(scanerrors.IoError, s.dataDir(), err)
	}
	weightsKeys, err := listDadaKeys(s.weightsDir())
	if err != nil {
		return nil, s.errf(scanerrors.IoError, s.weightsDir(), err)
	}
	statKeys, err := listStatKeys(s.statDir())
	if err != nil {
		return nil, s.errf(scanerrors.IoError, s.statDir(), err)
	}

	keys := make(map[string]struct{}, len(dataKeys))
	for k := range dataKeys {
		keys[k] = struct{}{}
	}
	for k := range weightsKeys {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	pairs := make([]Pair, 0, len(sorted))
	for _, key := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, s.errf(scanerrors.Cancelled, s.Dir(), err)
		}

		// A pair is only yielded once both halves exist (spec §3
		// invariant 1: "a pair is processable once both members exist").
		// A one-sided suffix (data without weights, or vice versa) is
		// still mid-write and is skipped until its partner appears.
		if _, ok := dataKeys[key]; !ok {
			continue
		}
		if _, ok := weightsKeys[key]; !ok {
			continue
		}

		pair := Pair{
			Key:     key,
			Data:    artifact.New(filepath.Join(s.dataDir(), key+dadaExt), artifact.Data),
			Weights: artifact.New(filepath.Join(s.weightsDir(), key+dadaExt), artifact.Weights),
		}
		if err := pair.Data.Stat(); err != nil {
			return nil, err
		}
		if err := pair.Weights.Stat(); err != nil {
			return nil, err
		}
		if _, ok := statKeys[key]; ok {
			stat := artifact.New(filepath.Join(s.statDir(), key+statExt), artifact.Stat)
			if err := stat.Stat(); err != nil {
				return nil, err
			}
			pair.Stat = stat
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// UnprocessedPairs returns the pairs for which no stat file exists yet.
func (s *VoltageRecorderScan) UnprocessedPairs(ctx context.Context) ([]Pair, error) {
	all, err := s.EnumeratePairs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Pair, 0, len(all))
	for _, p := range all {
		if !p.HasStat() {
			out = append(out, p)
		}
	}
	return out, nil
}

// IsScanCompleted reports whether the local scan_completed sentinel
// exists (spec §4.C).
func (s *VoltageRecorderScan) IsScanCompleted() bool {
	return fileExists(filepath.Join(s.Dir(), scanCompletedSentinel))
}

// IsProcessingCompleted reports whether every pair has a stat file and
// the metadata document's processing section reports completion (spec
// §4.C; schema fixed in SPEC_FULL.md §2.B/2.C).
func (s *VoltageRecorderScan) IsProcessingCompleted(ctx context.Context) (bool, error) {
	doc, err := LoadMetadata(s.Dir())
	if err != nil {
		if scanerrors.As(err, scanerrors.NotFound) {
			return false, nil
		}
		return false, err
	}
	if !doc.IsProcessingComplete() {
		return false, nil
	}

	pairs, err := s.EnumeratePairs(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pairs {
		if !p.HasStat() {
			return false, nil
		}
	}
	return true, nil
}

// IsTransferCompleted reports whether the transfer_completed sentinel
// exists in this view (spec §4.C).
func (s *VoltageRecorderScan) IsTransferCompleted() bool {
	return fileExists(filepath.Join(s.Dir(), transferCompletedSentinel))
}

// IsComplete is the local-side terminal predicate (spec §4.C):
// scan_completed ∧ processing-completed ∧ transfer-completed.
func (s *VoltageRecorderScan) IsComplete(ctx context.Context) (bool, error) {
	if !s.IsScanCompleted() {
		return false, nil
	}
	processed, err := s.IsProcessingCompleted(ctx)
	if err != nil {
		return false, err
	}
	if !processed {
		return false, nil
	}
	return s.IsTransferCompleted(), nil
}

// Delete removes the scan directory tree. It refuses unless IsComplete
// holds (spec §4.C).
func (s *VoltageRecorderScan) Delete() error {
	complete, err := s.IsComplete(context.Background())
	if err != nil {
		return err
	}
	if !complete {
		return s.errf(scanerrors.InvariantViolation, s.Dir(), errNotDeletable)
	}
	if err := os.RemoveAll(s.Dir()); err != nil {
		return s.errf(scanerrors.IoError, s.Dir(), err)
	}
	return nil
}

// UntransferredFiles returns every artifact present locally on s whose
// counterpart under remote is missing, size-differs, or checksum-differs,
// in the order spec §4.C fixes: data/weights pairs first, then stat
// files, then config/header, then the metadata document, then
// scan_completed. transfer_completed is never included — it is written
// as a terminal step by ScanTransfer itself.
func (s *VoltageRecorderScan) UntransferredFiles(ctx context.Context, remote *VoltageRecorderScan) ([]*artifact.File, error) {
	var out []*artifact.File

	pairs, err := s.EnumeratePairs(ctx)
	if err != nil {
		return nil, err
	}

	add := func(local *artifact.File) error {
		if err := ctx.Err(); err != nil {
			return s.errf(scanerrors.Cancelled, local.Path, err)
		}
		stale, err := s.isStaleOnRemote(ctx, local, remote)
		if err != nil {
			return err
		}
		if stale {
			out = append(out, local)
		}
		return nil
	}

	for _, p := range pairs {
		if err := add(p.Data); err != nil {
			return nil, err
		}
		if err := add(p.Weights); err != nil {
			return nil, err
		}
	}
	for _, p := range pairs {
		if p.Stat != nil {
			if err := add(p.Stat); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range topLevelConfigFiles {
		path := filepath.Join(s.Dir(), name)
		if !fileExists(path) {
			continue
		}
		f := artifact.New(path, artifact.Config)
		if err := f.Stat(); err != nil {
			return nil, err
		}
		if err := add(f); err != nil {
			return nil, err
		}
	}

	metaPath := filepath.Join(s.Dir(), MetadataFilename)
	if fileExists(metaPath) {
		f := artifact.New(metaPath, artifact.Metadata)
		if err := f.Stat(); err != nil {
			return nil, err
		}
		if err := add(f); err != nil {
			return nil, err
		}
	}

	sentinelPath := filepath.Join(s.Dir(), scanCompletedSentinel)
	if fileExists(sentinelPath) {
		f := artifact.New(sentinelPath, artifact.Sentinel)
		if err := f.Stat(); err != nil {
			return nil, err
		}
		if err := add(f); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// isStaleOnRemote reports whether local needs to be (re)copied: the
// remote counterpart is missing, or its size or checksum differs.
func (s *VoltageRecorderScan) isStaleOnRemote(ctx context.Context, local *artifact.File, remote *VoltageRecorderScan) (bool, error) {
	relPath, err := filepath.Rel(s.Dir(), local.Path)
	if err != nil {
		return false, s.errf(scanerrors.InvariantViolation, local.Path, err)
	}
	remotePath := filepath.Join(remote.Dir(), relPath)

	remoteFile := artifact.New(remotePath, local.Kind)
	if err := remoteFile.Stat(); err != nil {
		if scanerrors.As(err, scanerrors.NotFound) {
			return true, nil
		}
		return false, err
	}

	equal, err := local.Equals(ctx, remoteFile)
	if err != nil {
		return false, err
	}
	return !equal, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func listDadaKeys(dir string) (map[string]struct{}, error) {
	return listKeysWithExt(dir, dadaExt)
}

func listStatKeys(dir string) (map[string]struct{}, error) {
	return listKeysWithExt(dir, statExt)
}

func listKeysWithExt(dir, ext string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, err
	}
	keys := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}
		keys[strings.TrimSuffix(name, ext)] = struct{}{}
	}
	return keys, nil
}

var errNotDeletable = notDeletableError{}

type notDeletableError struct{}

func (notDeletableError) Error() string { return "scan is not complete; refusing to delete" }
