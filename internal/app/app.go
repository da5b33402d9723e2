// Package app wires a parsed internal/config.Config into a running
// internal/supervisor.SdpTransfer plus its internal/diagserver, and
// owns the process-level signal handling — grounded on the teacher's
// internal/app.App (New/Run/Stop lifecycle, signal.Notify shape), cut
// down to this module's single top-level component instead of a dozen
// independently-started subsystems.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"pst-send/internal/config"
	"pst-send/internal/diagserver"
	"pst-send/internal/supervisor"
)

// App is the process-level wiring: logger, supervisor, diagnostics
// server, and signal-driven shutdown.
type App struct {
	cfg        *config.Config
	logger     *logrus.Logger
	supervisor *supervisor.SdpTransfer
	diag       *diagserver.Server
}

// New builds an App from a validated Config. logger lets tests inject
// a custom logger; production code should pass nil to get
// NewLogger(cfg.Verbose).
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg.Verbose)
	}

	sup, err := supervisor.New(supervisor.Config{
		LocalRoot:              cfg.LocalRoot,
		RemoteRoot:             cfg.RemoteRoot,
		Subsystem:              cfg.Subsystem,
		PollInterval:           cfg.PollInterval,
		QuiescenceReads:        cfg.QuiescenceReads,
		StatBinaryPath:         statBinaryPath(),
		StatRetryableExitCodes: cfg.StatRetryableExitCodes,
		DashboardURL:           cfg.DashboardURL,
		LedgerPath:             ledgerPath(cfg.LocalRoot, cfg.Subsystem),
		RegistryPath:           registryPath(cfg.LocalRoot, cfg.Subsystem),
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}

	diag := diagserver.New(cfg.DiagserverAddr, cfg.Subsystem, sup.Manager(), sup.Ledger(), logger)

	return &App{cfg: cfg, logger: logger, supervisor: sup, diag: diag}, nil
}

// NewLogger returns a logrus.Logger configured the way every component
// in this module expects to receive one: text-formatted, Info by
// default, Debug when verbose is requested (spec §6 "-v/--verbose
// raises log level").
func NewLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func statBinaryPath() string {
	if p := os.Getenv("PST_STAT_BINARY"); p != "" {
		return p
	}
	return "pst_dsp_stat"
}

func ledgerPath(localRoot, subsystem string) string {
	return localRoot + string(os.PathSeparator) + "." + subsystem + "_errored_scans.jsonl"
}

func registryPath(localRoot, subsystem string) string {
	return localRoot + string(os.PathSeparator) + "." + subsystem + "_registered_scans.jsonl"
}

// Run starts the supervisor and diagnostics server, blocks until a
// SIGINT/SIGTERM is received, then shuts down gracefully (spec §4.G
// "Handles shutdown: on signal ... workers complete their in-flight
// file operation and exit").
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			a.logger.WithField("signal", sig.String()).Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	diagDone := make(chan struct{})
	go func() {
		a.diag.Run(ctx)
		close(diagDone)
	}()

	a.logger.WithFields(logrus.Fields{
		"local_root":  a.cfg.LocalRoot,
		"remote_root": a.cfg.RemoteRoot,
		"subsystem":   a.cfg.Subsystem,
	}).Info("sdp_transfer starting")

	a.supervisor.Run(ctx)
	<-diagDone

	a.logger.Info("sdp_transfer stopped")
	return nil
}
