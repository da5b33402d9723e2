// Package stats wraps invocation of the external per-pair statistics
// binary that post-processes a data/weights pair into a stat file (spec
// §4.E step 4; grounded on the exec.CommandContext health-check pattern
// used elsewhere in the domain stack for exec-based checks).
package stats

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome classifies the result of one invocation.
type Outcome int

const (
	// Ok means the binary exited 0 and the stat file is ready to adopt.
	Ok Outcome = iota
	// Retryable means the binary failed with an exit code the operator
	// has declared transient (spec §5 Open Question: default {75},
	// EX_TEMPFAIL, overridable via --stat-retryable-exit-codes).
	Retryable
	// Fatal means the binary failed with a non-retryable exit code, or
	// could not be started at all.
	Fatal
)

// DefaultRetryableExitCodes is the default set of exit codes treated as
// transient (spec §5 Open Question resolution: EX_TEMPFAIL only).
var DefaultRetryableExitCodes = map[int]struct{}{75: {}}

// Invoker runs the statistics binary against a single pair.
type Invoker struct {
	// BinaryPath is the path to the statistics executable.
	BinaryPath string
	// Timeout bounds a single invocation; zero means no timeout.
	Timeout time.Duration
	// RetryableExitCodes overrides DefaultRetryableExitCodes when non-nil.
	RetryableExitCodes map[int]struct{}
	Logger             *logrus.Logger
}

// New returns an Invoker with the default retryable exit code set.
func New(binaryPath string, timeout time.Duration, logger *logrus.Logger) *Invoker {
	return &Invoker{
		BinaryPath:         binaryPath,
		Timeout:            timeout,
		RetryableExitCodes: DefaultRetryableExitCodes,
		Logger:             logger,
	}
}

// Result carries the invocation's outcome alongside its raw exit code, or
// -1 if the process never started.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Err      error
}

// Run invokes the statistics binary as: <binary> <dataPath> <weightsPath>
// <statPath>, streaming both stdout and stderr line-by-line into the
// logger at debug level so a long-running invocation's progress is
// observable without buffering its full output in memory.
func (inv *Invoker) Run(ctx context.Context, dataPath, weightsPath, statPath string) Result {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.BinaryPath, dataPath, weightsPath, statPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Outcome: Fatal, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Outcome: Fatal, ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: Fatal, ExitCode: -1, Err: err}
	}

	done := make(chan struct{})
	go inv.streamToLog(stdout, "stdout", done)
	go inv.streamToLog(stderr, "stderr", done)
	<-done
	<-done

	err = cmd.Wait()
	if err == nil {
		return Result{Outcome: Ok, ExitCode: 0}
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	retryable := inv.RetryableExitCodes
	if retryable == nil {
		retryable = DefaultRetryableExitCodes
	}
	if _, ok := retryable[exitCode]; ok {
		return Result{Outcome: Retryable, ExitCode: exitCode, Err: err}
	}

	// A non-retryable exit or a context-canceled kill may leave statPath
	// partially written; never let a processed pair adopt it (spec §5:
	// "subprocess children are killed on cancellation; the partial output
	// file is deleted").
	inv.removePartialStat(statPath)
	return Result{Outcome: Fatal, ExitCode: exitCode, Err: err}
}

func (inv *Invoker) removePartialStat(statPath string) {
	if err := os.Remove(statPath); err != nil && !os.IsNotExist(err) {
		if inv.Logger != nil {
			inv.Logger.WithError(err).WithField("path", statPath).Warn("failed to remove partial stat file")
		}
	}
}

func (inv *Invoker) streamToLog(r interface {
	Read([]byte) (int, error)
}, stream string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if inv.Logger != nil {
			inv.Logger.WithField("stream", stream).Debug(scanner.Text())
		}
	}
}
