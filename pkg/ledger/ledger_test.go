package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pst-send/pkg/scan"
)

func testTriple() scan.Triple {
	return scan.Triple{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
}

func TestOpenOnMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)
	require.Zero(t, l.Len())
}

func TestRecordAppendsToMemoryAndDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, l.Record(testTriple(), "process", "stat binary exited 1"))
	require.Equal(t, 1, l.Len())

	reloaded, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	require.Equal(t, "process", reloaded.Entries()[0].Stage)
	require.Equal(t, testTriple(), reloaded.Entries()[0].Triple)
}

func TestRecordAccumulatesMultipleEntriesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, l.Record(testTriple(), "process", "first"))
	require.NoError(t, l.Record(testTriple(), "transfer", "second"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Message)
	require.Equal(t, "second", entries[1].Message)
}

func TestOpenSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(testTriple(), "process", "ok"))

	// Corrupt the file with a trailing malformed line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
}
