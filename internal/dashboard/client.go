// Package dashboard implements the HTTP client that registers a finished
// data product with the operator's Dashboard service (spec §4.G). It is
// the one outbound network dependency in the whole module: instrumented
// for tracing, retried with backoff, and circuit-broken so a dead
// Dashboard is not called again until the breaker's cool-down has
// passed. A scan whose registration fails stays undeleted.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pst-send/pkg/backoff"
	"pst-send/pkg/circuit"
	"pst-send/pkg/scan"
)

const addDataProductPath = "/dataproduct/api/addDataProduct"

// registrationSchedule is the Dashboard-specific retry budget (spec
// §2.G: "3-attempt backoff"), distinct from pkg/backoff.Default used
// elsewhere.
var registrationSchedule = backoff.Schedule{
	Initial:     1 * time.Second,
	Factor:      2,
	Cap:         10 * time.Second,
	MaxAttempts: 3,
}

// Client registers completed scans with the Dashboard. A nil *Client is
// a valid zero value representing "no Dashboard configured" — callers
// must check for nil before use (internal/supervisor does this once, at
// startup).
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuit.Breaker
	tracer     trace.Tracer
}

// New returns a Client targeting baseURL, wired through otelhttp
// instrumentation and a breaker that opens after 5 consecutive failures.
func New(baseURL string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   10 * time.Second,
		},
		breaker: circuit.New(circuit.Config{
			Name:             "dashboard",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      60 * time.Second,
			HalfOpenMaxCalls: 1,
		}, nil),
		tracer: otel.Tracer("pst-send/dashboard"),
	}
}

// registrationPayload wraps the scan's metadata document with the remote
// path the Dashboard should treat as the product's location (spec §6:
// "POST ... with the metadata document as the JSON body").
type registrationPayload struct {
	doc        *scan.Document
	remotePath string
}

// MarshalJSON flattens doc's fields (via its own MarshalJSON) and adds
// remote_path alongside them, rather than embedding — Document already
// defines MarshalJSON to flatten its own Extra map, and embedding it here
// would let that promoted method shadow remotePath entirely.
func (p registrationPayload) MarshalJSON() ([]byte, error) {
	docJSON, err := json.Marshal(p.doc)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(docJSON, &out); err != nil {
		return nil, err
	}
	out["remote_path"] = p.remotePath
	return json.Marshal(out)
}

// Register POSTs doc (the scan's metadata document) plus remotePath to
// the Dashboard through the circuit breaker, making at most
// registrationSchedule.MaxAttempts (3) attempts with backoff between
// them. On exhaustion it returns the last attempt's error; when the
// breaker is open it returns the *circuit.ErrOpen at once.
func (c *Client) Register(ctx context.Context, triple scan.Triple, doc *scan.Document, remotePath string) error {
	ctx, span := c.tracer.Start(ctx, "dashboard.Register")
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.eb_id", triple.EBID),
		attribute.String("scan.subsystem_id", triple.SubsystemID),
		attribute.String("scan.scan_id", triple.ScanID),
	)

	payload, err := json.Marshal(registrationPayload{doc: doc, remotePath: remotePath})
	if err != nil {
		return fmt.Errorf("marshal dashboard registration payload: %w", err)
	}

	return backoff.Retry(ctx, registrationSchedule, func(attempt int) (bool, error) {
		err := c.breaker.Execute(func() error {
			return c.post(ctx, payload)
		})
		if err == nil {
			return false, nil
		}
		if _, open := err.(*circuit.ErrOpen); open {
			return false, err
		}
		return true, err
	})
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+addDataProductPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dashboard returned status %d", resp.StatusCode)
	}
	return nil
}
