package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pst-send/pkg/scan"
)

const fakeStatScript = "#!/bin/sh\necho ok > \"$3\"\n"

func writeFile(t *testing.T, path string, contents []byte, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, contents, perm))
}

// TestHappyPathEndToEnd exercises spec §8 scenario 1: a scan_completed
// local scan with one pair is processed, transferred, registered (no
// Dashboard configured, so registration is authorized unconditionally),
// and garbage-collected.
func TestHappyPathEndToEnd(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()

	triple := scan.Triple{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
	s := scan.New(local, triple)
	writeFile(t, filepath.Join(s.Dir(), "data", "0001.dada"), []byte("voltage-data"), 0o644)
	writeFile(t, filepath.Join(s.Dir(), "weights", "0001.dada"), []byte("weights-data"), 0o644)
	writeFile(t, filepath.Join(s.Dir(), "scan_configuration.json"), []byte(`{"k":"v"}`), 0o644)
	writeFile(t, filepath.Join(s.Dir(), "obs.header"), []byte("HDR"), 0o644)
	doc := &scan.Document{EBID: triple.EBID, SubsystemID: triple.SubsystemID, ScanID: triple.ScanID}
	require.NoError(t, doc.Save(s.Dir()))
	writeFile(t, filepath.Join(s.Dir(), "scan_completed"), nil, 0o644)

	scriptPath := filepath.Join(t.TempDir(), "fake_stat.sh")
	writeFile(t, scriptPath, []byte(fakeStatScript), 0o755)

	sup, err := New(Config{
		LocalRoot:       local,
		RemoteRoot:      remote,
		Subsystem:       "pst",
		PollInterval:    20 * time.Millisecond,
		QuiescenceReads: 1,
		StatBinaryPath:  scriptPath,
		StatTimeout:     2 * time.Second,
		ProcessWorkers:  1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.Dir()); os.IsNotExist(err) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoDirExists(t, s.Dir(), "local scan should be deleted once complete and registered")

	remoteScan := scan.New(remote, triple)
	require.FileExists(t, filepath.Join(remoteScan.Dir(), "data", "0001.dada"))
	require.FileExists(t, filepath.Join(remoteScan.Dir(), "weights", "0001.dada"))
	require.FileExists(t, filepath.Join(remoteScan.Dir(), "stat", "0001.h5"))
	require.FileExists(t, filepath.Join(remoteScan.Dir(), "transfer_completed"))
	require.Equal(t, 0, sup.Ledger().Len())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after cancellation")
	}
}

// TestRegistrationIsNotDuplicatedAcrossOverlappingPollCycles exercises
// spec §8 Testable Property 4 directly against a slow Dashboard: a
// scan that is already complete and unregistered is observed on every
// poll tick, so if the first registration attempt is still in flight
// when a later tick fires, the Dashboard must never receive a second
// POST for the same scan.
func TestRegistrationIsNotDuplicatedAcrossOverlappingPollCycles(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()

	triple := scan.Triple{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
	s := scan.New(local, triple)
	writeFile(t, filepath.Join(s.Dir(), "scan_completed"), nil, 0o644)
	writeFile(t, filepath.Join(s.Dir(), "transfer_completed"), nil, 0o644)
	doc := &scan.Document{EBID: triple.EBID, SubsystemID: triple.SubsystemID, ScanID: triple.ScanID}
	doc.Processing.Complete = true
	require.NoError(t, doc.Save(s.Dir()))

	var posts int32
	dashboardServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer dashboardServer.Close()

	sup, err := New(Config{
		LocalRoot:    local,
		RemoteRoot:   remote,
		Subsystem:    "pst",
		PollInterval: 20 * time.Millisecond,
		DashboardURL: dashboardServer.URL,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.Dir()); os.IsNotExist(err) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoDirExists(t, s.Dir(), "scan should be deleted once registered")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after cancellation")
	}

	require.Equal(t, int32(1), atomic.LoadInt32(&posts), "the same scan must never be POSTed to the dashboard twice")
}
