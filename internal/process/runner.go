// Package process runs external commands with bounded lifetimes.
//
// Every command is started in its own process group. When a timeout fires or
// the caller's context is cancelled, the whole group receives SIGTERM and,
// after a grace period, SIGKILL. Once the leader has exited, for whatever
// reason, members of its group that are still running are killed, so no
// zombie or orphaned process outlives a call.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// ExitInternalError is reported when the command could not be run at all.
	ExitInternalError = -1
	// ExitTimedOut is reported when the command was killed after its timeout.
	ExitTimedOut = -2

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second

	// defaultMaxCapture caps the amount of output kept in memory per run.
	defaultMaxCapture = 1 << 20
)

// Outcome labels passed to an Observer.
const (
	OutcomeSuccess  = "success"
	OutcomeExit     = "exit"
	OutcomeTimeout  = "timeout"
	OutcomeLaunch   = "launch"
	OutcomeCanceled = "canceled"
)

// Invocation describes one command run. Args is passed to the command as-is;
// nothing is interpreted by a shell.
type Invocation struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration // zero means no timeout

	// Output receives combined stdout and stderr. When nil the output is
	// captured into Result.Output instead.
	Output io.Writer
}

// Result is the outcome of a run.
type Result struct {
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
}

// Observer is notified after every run.
type Observer interface {
	ObserveProcess(command, outcome string, d time.Duration)
}

// Runner executes invocations.
type Runner struct {
	logger     *slog.Logger
	grace      time.Duration
	maxCapture int
	observer   Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithGracePeriod sets the delay between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithMaxCapture sets how many bytes of output are kept in memory.
func WithMaxCapture(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxCapture = n
		}
	}
}

// WithObserver registers an observer for run outcomes.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a Runner logging to logger.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		logger:     logger,
		grace:      defaultGracePeriod,
		maxCapture: defaultMaxCapture,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts inv and waits for it to exit, time out, or be cancelled.
//
// The returned error is a *LaunchError, *TimeoutError or *ExitError (or a
// cancellation error wrapping ctx.Err()); Result.ExitCode is always set,
// using ExitInternalError and ExitTimedOut for runs without a real exit code.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	label := filepath.Base(inv.Name)
	logger := r.logger.With("command", label)

	if inv.Name == "" {
		return r.done(label, OutcomeLaunch, Result{ExitCode: ExitInternalError},
			&LaunchError{Command: label, Err: errors.New("empty command")})
	}
	if err := ctx.Err(); err != nil {
		return r.done(label, OutcomeCanceled, Result{ExitCode: ExitInternalError},
			fmt.Errorf("%s not started: %w", label, err))
	}

	// Don't use CommandContext: termination is managed here so the whole
	// process group is signalled, not just the leader.
	cmd := exec.Command(inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var capture *cappedBuffer
	sink := inv.Output
	if sink == nil {
		capture = newCappedBuffer(r.maxCapture)
		sink = capture
	}

	// The child writes to a pipe we own, so Wait returns when the leader
	// exits even if a background member of its group still holds the pipe.
	pr, pw, err := os.Pipe()
	if err != nil {
		return r.done(label, OutcomeLaunch, Result{ExitCode: ExitInternalError},
			&LaunchError{Command: label, Err: fmt.Errorf("create output pipe: %w", err)})
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	logger.Debug("starting process", "args", inv.Args, "timeout", inv.Timeout)

	start := time.Now()
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		return r.done(label, OutcomeLaunch, Result{ExitCode: ExitInternalError, Duration: time.Since(start)},
			&LaunchError{Command: label, Err: err})
	}
	pgid := cmd.Process.Pid

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := io.Copy(sink, pr); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Warn("output sink failed, discarding remaining output", "error", err)
			_, _ = io.Copy(io.Discard, pr)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	// finish runs once the leader has been reaped: it kills what is left of
	// the group and waits for the output to drain.
	finish := func(code int) Result {
		r.reapGroup(pgid, pr, copied, logger)
		res := Result{ExitCode: code, Duration: time.Since(start)}
		if capture != nil {
			res.Output = capture.String()
			res.Truncated = capture.truncated
		}
		return res
	}

	select {
	case err := <-waitErr:
		code, werr := exitCode(err)
		if werr != nil {
			return r.done(label, OutcomeLaunch, finish(ExitInternalError),
				&LaunchError{Command: label, Err: fmt.Errorf("wait for process: %w", werr)})
		}
		res := finish(code)
		if code != 0 {
			logger.Warn("process exited with non-zero status", "exit_code", code)
			return r.done(label, OutcomeExit, res, &ExitError{Command: label, Code: code, Output: res.Output})
		}
		logger.Debug("process completed", "duration", res.Duration)
		return r.done(label, OutcomeSuccess, res, nil)

	case <-timeoutC:
		logger.Warn("process timed out, terminating process group", "timeout", inv.Timeout)
		r.terminate(pgid, waitErr, logger)
		return r.done(label, OutcomeTimeout, finish(ExitTimedOut),
			&TimeoutError{Command: label, Timeout: inv.Timeout})

	case <-ctx.Done():
		logger.Warn("context done, terminating process group", "error", ctx.Err())
		r.terminate(pgid, waitErr, logger)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.done(label, OutcomeTimeout, finish(ExitTimedOut),
				&TimeoutError{Command: label, Timeout: time.Since(start)})
		}
		return r.done(label, OutcomeCanceled, finish(ExitInternalError),
			fmt.Errorf("%s interrupted: %w", label, ctx.Err()))
	}
}

// RunToFile runs inv with its output written to path, which is created or
// truncated. The file is closed before RunToFile returns.
func (r *Runner) RunToFile(ctx context.Context, inv Invocation, path string) (res Result, err error) {
	label := filepath.Base(inv.Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return r.done(label, OutcomeLaunch, Result{ExitCode: ExitInternalError},
			&LaunchError{Command: label, Err: fmt.Errorf("open output file: %w", err)})
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			res.ExitCode = ExitInternalError
			err = fmt.Errorf("close output file %s: %w", path, cerr)
		}
	}()

	inv.Output = f
	return r.Run(ctx, inv)
}

// terminate sends SIGTERM to the process group, escalates to SIGKILL after
// the grace period, and waits for the leader to be reaped.
func (r *Runner) terminate(pgid int, waitErr <-chan error, logger *slog.Logger) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to send SIGTERM", "pgid", pgid, "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("process exited after SIGTERM")
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Error("failed to send SIGKILL", "pgid", pgid, "error", err)
		}
		<-waitErr
	}
}

// reapGroup kills members of the group that outlived the leader and waits
// for the output pipe to drain. A descendant that left the group can keep
// the pipe open; reading stops after the grace period in that case.
func (r *Runner) reapGroup(pgid int, pr *os.File, copied <-chan struct{}, logger *slog.Logger) {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err == nil {
		logger.Debug("killed remaining process group members", "pgid", pgid)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-copied:
	case <-grace.C:
		logger.Warn("output still open after process exit, closing pipe")
		_ = pr.Close()
		<-copied
	}
	_ = pr.Close()
}

func (r *Runner) done(label, outcome string, res Result, err error) (Result, error) {
	if r.observer != nil {
		r.observer.ObserveProcess(label, outcome, res.Duration)
	}
	return res, err
}

// exitCode maps a Wait error to an exit status. Signal deaths are reported
// as 128+signal, like a shell does. A non-nil error means no status exists.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
