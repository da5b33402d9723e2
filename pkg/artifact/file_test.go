package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, contents, 0o644))
	return p
}

func TestStatPopulatesSizeAndModTime(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.dada", []byte("hello world"))

	f := New(p, Data)
	require.NoError(t, f.Stat())
	assert.EqualValues(t, 11, f.Size)
	assert.False(t, f.ModTime.IsZero())
}

func TestStatMissingFileIsNotFound(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.dada"), Data)
	err := f.Stat()
	require.Error(t, err)
}

func TestChecksumIsStableAndCached(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.dada", []byte("voltage payload"))
	f := New(p, Data)

	sum1, err := f.Checksum(context.Background())
	require.NoError(t, err)

	sum2, err := f.Checksum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
}

func TestEqualsComparesSizeAndChecksumOnly(t *testing.T) {
	dir := t.TempDir()
	pA := writeFile(t, dir, "a.dada", []byte("same bytes"))
	pB := writeFile(t, dir, "b.dada", []byte("same bytes"))

	a := New(pA, Data)
	b := New(pB, Data)
	require.NoError(t, a.Stat())
	require.NoError(t, b.Stat())

	eq, err := a.Equals(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, eq)
}

func TestEqualsDetectsSizeMismatchWithoutHashing(t *testing.T) {
	dir := t.TempDir()
	pA := writeFile(t, dir, "a.dada", []byte("short"))
	pB := writeFile(t, dir, "b.dada", []byte("much much longer contents"))

	a := New(pA, Data)
	b := New(pB, Data)
	require.NoError(t, a.Stat())
	require.NoError(t, b.Stat())

	eq, err := a.Equals(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestEqualsDetectsChecksumMismatchSameSize(t *testing.T) {
	dir := t.TempDir()
	pA := writeFile(t, dir, "a.dada", []byte("aaaaaaaaaa"))
	pB := writeFile(t, dir, "b.dada", []byte("bbbbbbbbbb"))

	a := New(pA, Data)
	b := New(pB, Data)
	require.NoError(t, a.Stat())
	require.NoError(t, b.Stat())

	eq, err := a.Equals(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestChecksumCancellation(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.dada", []byte("payload"))
	f := New(p, Data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Checksum(ctx)
	require.Error(t, err)
}
