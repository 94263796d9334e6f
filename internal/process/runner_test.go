package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observation struct {
	command, outcome string
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *fakeObserver) ObserveProcess(command, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observation{command: command, outcome: outcome})
}

func newTestRunner(t *testing.T, opts ...Option) (*Runner, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRunner(logger, opts...), &buf
}

// processGone reports whether pid no longer exists or is a zombie awaiting
// its new parent.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return errors.Is(err, syscall.ESRCH)
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return os.IsNotExist(err)
	}
	// Format: pid (comm) state ...
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

func TestRunSuccessCapturesCombinedOutput(t *testing.T) {
	obs := &fakeObserver{}
	r, _ := newTestRunner(t, WithObserver(obs))

	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "err\n")
	assert.False(t, res.Truncated)
	assert.Equal(t, []observation{{command: "sh", outcome: OutcomeSuccess}}, obs.seen)
}

func TestRunArgumentsAreNotShellInterpreted(t *testing.T) {
	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Invocation{
		Name: "echo",
		Args: []string{"$(id)", "; rm -rf /", "`whoami`"},
	})
	require.NoError(t, err)
	assert.Equal(t, "$(id) ; rm -rf / `whoami`\n", res.Output)
}

func TestRunNonZeroExit(t *testing.T) {
	obs := &fakeObserver{}
	r, _ := newTestRunner(t, WithObserver(obs))

	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", "echo 'Error from server (NotFound)'; exit 3"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExit)
	assert.Equal(t, 3, res.ExitCode)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "Error from server (NotFound)")
	assert.Equal(t, OutcomeExit, obs.seen[0].outcome)
}

func TestRunLaunchFailure(t *testing.T) {
	obs := &fakeObserver{}
	r, _ := newTestRunner(t, WithObserver(obs))

	res, err := r.Run(context.Background(), Invocation{Name: "/nonexistent/lbsync-test-binary"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, ExitInternalError, res.ExitCode)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "lbsync-test-binary", launchErr.Command)
	assert.Equal(t, OutcomeLaunch, obs.seen[0].outcome)
}

func TestRunEmptyCommand(t *testing.T) {
	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Invocation{})
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, ExitInternalError, res.ExitCode)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	obs := &fakeObserver{}
	r, logs := newTestRunner(t, WithObserver(obs), WithGracePeriod(time.Second))

	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	timeout := 300 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{
		Name:    "sh",
		Args:    []string{"-c", `sleep 30 & echo $! > "$1"; wait`, "sh", pidFile},
		Timeout: timeout,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+2*time.Second)
	assert.Equal(t, OutcomeTimeout, obs.seen[0].outcome)
	assert.Contains(t, logs.String(), "process timed out")

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return processGone(pid) }, 3*time.Second, 50*time.Millisecond,
		"grandchild %d still running", pid)
}

func TestRunSuccessKillsBackgroundGroupMembers(t *testing.T) {
	obs := &fakeObserver{}
	r, logs := newTestRunner(t, WithObserver(obs), WithGracePeriod(3*time.Second))

	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", "sleep 30 & echo $!"},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Less(t, elapsed, 2*time.Second, "Run should not wait for the background member")
	assert.Equal(t, []observation{{command: "sh", outcome: OutcomeSuccess}}, obs.seen)
	assert.Contains(t, logs.String(), "killed remaining process group members")

	pid, err := strconv.Atoi(strings.TrimSpace(res.Output))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processGone(pid) }, 2*time.Second, 50*time.Millisecond,
		"background process %d still running", pid)
}

func TestRunNonZeroExitKillsBackgroundGroupMembers(t *testing.T) {
	r, _ := newTestRunner(t, WithGracePeriod(3*time.Second))
	pidFile := filepath.Join(t.TempDir(), "bg.pid")

	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", `sleep 30 & echo $! > "$1"; exit 4`, "sh", pidFile},
	})
	require.ErrorIs(t, err, ErrExit)
	assert.Equal(t, 4, res.ExitCode)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processGone(pid) }, 2*time.Second, 50*time.Millisecond,
		"background process %d still running", pid)
}

func TestRunTimeoutEscalatesToSIGKILL(t *testing.T) {
	r, logs := newTestRunner(t, WithGracePeriod(200*time.Millisecond))

	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{
		Name:    "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Contains(t, logs.String(), "sending SIGKILL")
}

func TestRunContextCancel(t *testing.T) {
	obs := &fakeObserver{}
	r, _ := newTestRunner(t, WithObserver(obs), WithGracePeriod(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := r.Run(ctx, Invocation{Name: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitInternalError, res.ExitCode)
	assert.Equal(t, OutcomeCanceled, obs.seen[0].outcome)
}

func TestRunContextDeadlineIsTimeout(t *testing.T) {
	r, _ := newTestRunner(t, WithGracePeriod(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := r.Run(ctx, Invocation{Name: "sleep", Args: []string{"30"}})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, Invocation{Name: "true"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitInternalError, res.ExitCode)
}

func TestRunWritesToSuppliedSink(t *testing.T) {
	r, _ := newTestRunner(t)
	var sink bytes.Buffer

	res, err := r.Run(context.Background(), Invocation{
		Name:   "sh",
		Args:   []string{"-c", "printf hello; printf ' world' >&2"},
		Output: &sink,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.Equal(t, "hello world", sink.String())
}

func TestRunTruncatesCapturedOutput(t *testing.T) {
	r, _ := newTestRunner(t, WithMaxCapture(8))
	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", "printf 0123456789abcdef"},
	})
	require.NoError(t, err)
	assert.Equal(t, "01234567", res.Output)
	assert.True(t, res.Truncated)
}

func TestRunSignalledChildReportsShellStyleCode(t *testing.T) {
	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", "kill -KILL $$"},
	})
	require.ErrorIs(t, err, ErrExit)
	assert.Equal(t, 128+int(syscall.SIGKILL), res.ExitCode)
}

func TestRunToFile(t *testing.T) {
	r, _ := newTestRunner(t)
	path := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, os.WriteFile(path, []byte("stale content that is longer"), 0o600))

	res, err := r.RunToFile(context.Background(), Invocation{
		Name: "sh",
		Args: []string{"-c", `echo '{"data":{}}'`},
	}, path)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"data\":{}}\n", string(b))
}

func TestRunToFileOpenFailure(t *testing.T) {
	r, _ := newTestRunner(t)
	path := filepath.Join(t.TempDir(), "missing", "dump.json")

	res, err := r.RunToFile(context.Background(), Invocation{Name: "true"}, path)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, ExitInternalError, res.ExitCode)
}

func TestRunToFileTimeout(t *testing.T) {
	r, _ := newTestRunner(t, WithGracePeriod(time.Second))
	path := filepath.Join(t.TempDir(), "dump.json")

	res, err := r.RunToFile(context.Background(), Invocation{
		Name:    "sh",
		Args:    []string{"-c", "echo partial; sleep 30"},
		Timeout: 200 * time.Millisecond,
	}, path)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ExitTimedOut, res.ExitCode)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(b))
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []string
		wantErr bool
	}{
		{name: "single", line: "kubectl", want: []string{"kubectl"}},
		{name: "flags", line: "kubectl --context prod", want: []string{"kubectl", "--context", "prod"}},
		{name: "quoted", line: `kubectl --kubeconfig "/etc/kube/my config"`, want: []string{"kubectl", "--kubeconfig", "/etc/kube/my config"}},
		{name: "empty", line: "   ", wantErr: true},
		{name: "unterminated quote", line: `kubectl "oops`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
