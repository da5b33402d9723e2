package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"pst-send/pkg/scan"
)

func testTriple() scan.Triple {
	return scan.Triple{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
}

func testDoc() *scan.Document {
	return &scan.Document{EBID: "eb01", SubsystemID: "pst", ScanID: "scan01"}
}

func TestRegisterSucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, addDataProductPath, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.Register(context.Background(), testTriple(), testDoc(), "/remote/eb01/pst/scan01")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)
}

func TestRegisterRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.Register(context.Background(), testTriple(), testDoc(), "/remote/eb01/pst/scan01")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls)
}

func TestRegisterBodyFlattensDocumentAndRemotePath(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	doc := testDoc()
	doc.Extra = map[string]interface{}{"notes": "first light"}
	doc.Processing.ExpectedPairs = 3

	c := New(srv.URL, nil)
	err := c.Register(context.Background(), testTriple(), doc, "/remote/eb01/pst/scan01")
	require.NoError(t, err)

	require.Equal(t, "eb01", body["eb_id"])
	require.Equal(t, "pst", body["subsystem_id"])
	require.Equal(t, "scan01", body["scan_id"])
	require.Equal(t, "/remote/eb01/pst/scan01", body["remote_path"])
	require.Equal(t, "first light", body["notes"])
	processing, ok := body["processing"].(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 3, processing["expected_pairs"])
}

func TestRegisterFailsAfterExhaustingRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.Register(context.Background(), testTriple(), testDoc(), "/remote/eb01/pst/scan01")
	require.Error(t, err)
	require.EqualValues(t, registrationSchedule.MaxAttempts, calls)
}
