// Package config resolves sdp_transfer's command-line arguments and
// environment overrides into a validated Config, following the
// teacher's load-then-validate shape (LoadConfig / ValidateConfig in
// internal/config/config.go) adapted from a YAML file plus env vars to
// the spec's flag.FlagSet plus positional arguments (spec §6 CLI).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pst-send/internal/manager"
	"pst-send/pkg/backoff"
	"pst-send/pkg/quiescence"
	"pst-send/pkg/stats"
)

// EnvLocalRootOverride is the environment variable that overrides
// LOCAL_PATH for containerized deployments (spec §6 Environment).
const EnvLocalRootOverride = "PST_DSP_MOUNT"

// Config is sdp_transfer's fully resolved, validated configuration.
type Config struct {
	LocalRoot       string
	RemoteRoot      string
	Subsystem       string
	DashboardURL    string
	Verbose         bool
	PollInterval    time.Duration
	QuiescenceReads int
	StatBackoff     backoff.Schedule
	DiagserverAddr  string

	// StatRetryableExitCodes overrides stats.DefaultRetryableExitCodes
	// (spec §5 Open Question: "known transient signals") when non-nil.
	StatRetryableExitCodes map[int]struct{}
}

// defaultDiagserverAddr is the address internal/diagserver binds when
// not overridden.
const defaultDiagserverAddr = "127.0.0.1:8090"

// Parse parses args (typically os.Args[1:]) into a Config, applying the
// PST_DSP_MOUNT environment override and validating that both roots
// exist. A flag.ErrHelp or flag-parsing error is returned unwrapped so
// the caller can distinguish "print usage, exit 0" from "exit 1" (spec
// §6 exit codes).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sdp_transfer", flag.ContinueOnError)
	dashboardURL := fs.String("data_product_dashboard", "", "Data Product Dashboard base URL")
	verbose := fs.Bool("v", false, "raise log level to debug")
	fs.BoolVar(verbose, "verbose", false, "raise log level to debug (alias of -v)")
	pollInterval := fs.Duration("poll-interval", manager.DefaultPollInterval, "scan discovery poll interval")
	quiescenceReads := fs.Int("quiescence-reads", quiescence.DefaultStableReads, "consecutive unchanged polls before a file is considered stable")
	diagAddr := fs.String("diag-addr", defaultDiagserverAddr, "listen address for the /healthz, /metrics, /scans diagnostics server")
	statRetryableExitCodes := fs.String("stat-retryable-exit-codes", "75", "comma-separated statistics binary exit codes treated as transient")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: sdp_transfer [-h] [--data_product_dashboard URL] [-v] LOCAL_PATH REMOTE_PATH SUBSYSTEM\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() != 3 {
		fs.Usage()
		return nil, fmt.Errorf("expected LOCAL_PATH REMOTE_PATH SUBSYSTEM, got %d positional argument(s)", fs.NArg())
	}

	retryableExitCodes, err := parseExitCodes(*statRetryableExitCodes)
	if err != nil {
		return nil, fmt.Errorf("--stat-retryable-exit-codes: %w", err)
	}

	cfg := &Config{
		LocalRoot:              fs.Arg(0),
		RemoteRoot:             fs.Arg(1),
		Subsystem:              fs.Arg(2),
		DashboardURL:           *dashboardURL,
		Verbose:                *verbose,
		PollInterval:           *pollInterval,
		QuiescenceReads:        *quiescenceReads,
		StatBackoff:            backoff.Default,
		DiagserverAddr:         *diagAddr,
		StatRetryableExitCodes: retryableExitCodes,
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides mirrors the teacher's
// applyEnvironmentOverrides pattern (internal/config/config.go): an
// explicit env var overrides a CLI-resolved field.
func applyEnvironmentOverrides(cfg *Config) {
	if mount := os.Getenv(EnvLocalRootOverride); mount != "" {
		cfg.LocalRoot = mount
	}
}

// Validate checks that both roots exist and are directories, and that
// the subsystem name is non-empty (spec §6: "LOCAL_PATH (existing
// directory), REMOTE_PATH (existing directory, writable)").
func (c *Config) Validate() error {
	if c.Subsystem == "" {
		return fmt.Errorf("SUBSYSTEM must not be empty")
	}
	if err := requireDir(c.LocalRoot, "LOCAL_PATH"); err != nil {
		return err
	}
	if err := requireDir(c.RemoteRoot, "REMOTE_PATH"); err != nil {
		return err
	}
	return nil
}

// parseExitCodes turns a comma-separated list of exit codes into the set
// shape pkg/stats.Invoker expects. An empty string falls back to
// stats.DefaultRetryableExitCodes.
func parseExitCodes(csv string) (map[int]struct{}, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return stats.DefaultRetryableExitCodes, nil
	}
	out := make(map[int]struct{})
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer exit code", part)
		}
		out[code] = struct{}{}
	}
	return out, nil
}

func requireDir(path, argName string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %q: %w", argName, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %q is not a directory", argName, path)
	}
	return nil
}
