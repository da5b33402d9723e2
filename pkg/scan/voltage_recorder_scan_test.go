package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, contents, 0o644))
}

func newTriple() Triple {
	return Triple{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
}

func TestEnumeratePairsOnlyYieldsCompletePairs(t *testing.T) {
	root := t.TempDir()
	triple := newTriple()
	s := New(root, triple)

	writeFile(t, filepath.Join(s.dataDir(), "0001.dada"), []byte("data-0001"))
	writeFile(t, filepath.Join(s.weightsDir(), "0001.dada"), []byte("weights-0001"))
	// 0002 has data only — must not be yielded.
	writeFile(t, filepath.Join(s.dataDir(), "0002.dada"), []byte("data-0002"))
	writeFile(t, filepath.Join(s.dataDir(), "0000.dada"), []byte("data-0000"))
	writeFile(t, filepath.Join(s.weightsDir(), "0000.dada"), []byte("weights-0000"))

	pairs, err := s.EnumeratePairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, "0000", pairs[0].Key)
	require.Equal(t, "0001", pairs[1].Key)
	require.False(t, pairs[0].HasStat())
}

func TestEnumeratePairsAttachesStat(t *testing.T) {
	root := t.TempDir()
	s := New(root, newTriple())

	writeFile(t, filepath.Join(s.dataDir(), "0001.dada"), []byte("data"))
	writeFile(t, filepath.Join(s.weightsDir(), "0001.dada"), []byte("weights"))
	writeFile(t, filepath.Join(s.statDir(), "0001.h5"), []byte("stat"))

	pairs, err := s.EnumeratePairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.True(t, pairs[0].HasStat())
}

func TestUnprocessedPairsFiltersStatted(t *testing.T) {
	root := t.TempDir()
	s := New(root, newTriple())

	writeFile(t, filepath.Join(s.dataDir(), "0001.dada"), []byte("data"))
	writeFile(t, filepath.Join(s.weightsDir(), "0001.dada"), []byte("weights"))
	writeFile(t, filepath.Join(s.statDir(), "0001.h5"), []byte("stat"))

	writeFile(t, filepath.Join(s.dataDir(), "0002.dada"), []byte("data"))
	writeFile(t, filepath.Join(s.weightsDir(), "0002.dada"), []byte("weights"))

	unprocessed, err := s.UnprocessedPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, "0002", unprocessed[0].Key)
}

func TestScanCompletionPredicates(t *testing.T) {
	root := t.TempDir()
	s := New(root, newTriple())
	ctx := context.Background()

	require.False(t, s.IsScanCompleted())
	writeFile(t, filepath.Join(s.Dir(), scanCompletedSentinel), nil)
	require.True(t, s.IsScanCompleted())

	processed, err := s.IsProcessingCompleted(ctx)
	require.NoError(t, err)
	require.False(t, processed)

	doc := &Document{EBID: s.Triple().EBID, SubsystemID: s.Triple().SubsystemID, ScanID: s.Triple().ScanID}
	doc.Processing.Complete = true
	require.NoError(t, doc.Save(s.Dir()))

	processed, err = s.IsProcessingCompleted(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	require.False(t, s.IsTransferCompleted())
	writeFile(t, filepath.Join(s.Dir(), transferCompletedSentinel), nil)
	require.True(t, s.IsTransferCompleted())

	complete, err := s.IsComplete(ctx)
	require.NoError(t, err)
	require.True(t, complete)
}

func TestDeleteRefusesIncompleteScan(t *testing.T) {
	root := t.TempDir()
	s := New(root, newTriple())
	writeFile(t, filepath.Join(s.Dir(), "marker"), nil)

	err := s.Delete()
	require.Error(t, err)
	require.DirExists(t, s.Dir())
}

func TestDeleteRemovesCompleteScan(t *testing.T) {
	root := t.TempDir()
	s := New(root, newTriple())
	writeFile(t, filepath.Join(s.Dir(), scanCompletedSentinel), nil)
	writeFile(t, filepath.Join(s.Dir(), transferCompletedSentinel), nil)
	doc := &Document{EBID: s.Triple().EBID, SubsystemID: s.Triple().SubsystemID, ScanID: s.Triple().ScanID}
	doc.Processing.Complete = true
	require.NoError(t, doc.Save(s.Dir()))

	require.NoError(t, s.Delete())
	require.NoDirExists(t, s.Dir())
}

func TestUntransferredFilesOrderingAndDiffDetection(t *testing.T) {
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()
	triple := newTriple()
	local := New(localRoot, triple)
	remote := New(remoteRoot, triple)

	writeFile(t, filepath.Join(local.dataDir(), "0001.dada"), []byte("data-0001-local"))
	writeFile(t, filepath.Join(local.weightsDir(), "0001.dada"), []byte("weights-0001"))
	writeFile(t, filepath.Join(local.statDir(), "0001.h5"), []byte("stat-0001"))
	writeFile(t, filepath.Join(local.Dir(), scanConfigurationFile), []byte("{}"))
	writeFile(t, filepath.Join(local.Dir(), obsHeaderFile), []byte("header"))
	writeFile(t, filepath.Join(local.Dir(), scanCompletedSentinel), nil)

	doc := &Document{EBID: triple.EBID, SubsystemID: triple.SubsystemID, ScanID: triple.ScanID}
	require.NoError(t, doc.Save(local.Dir()))

	// Remote already has an identical copy of weights, so only weights
	// should be skipped; everything else is missing or differs.
	writeFile(t, filepath.Join(remote.weightsDir(), "0001.dada"), []byte("weights-0001"))
	writeFile(t, filepath.Join(remote.dataDir(), "0001.dada"), []byte("different-content-entirely"))

	ctx := context.Background()
	files, err := local.UntransferredFiles(ctx, remote)
	require.NoError(t, err)

	var gotPaths []string
	for _, f := range files {
		gotPaths = append(gotPaths, f.Path)
	}

	require.Equal(t, []string{
		filepath.Join(local.dataDir(), "0001.dada"),
		filepath.Join(local.statDir(), "0001.h5"),
		filepath.Join(local.Dir(), scanConfigurationFile),
		filepath.Join(local.Dir(), obsHeaderFile),
		filepath.Join(local.Dir(), MetadataFilename),
		filepath.Join(local.Dir(), scanCompletedSentinel),
	}, gotPaths)
}

func TestUntransferredFilesCancellation(t *testing.T) {
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()
	triple := newTriple()
	local := New(localRoot, triple)
	remote := New(remoteRoot, triple)

	writeFile(t, filepath.Join(local.dataDir(), "0001.dada"), []byte("data"))
	writeFile(t, filepath.Join(local.weightsDir(), "0001.dada"), []byte("weights"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := local.UntransferredFiles(ctx, remote)
	require.Error(t, err)
}
