package process

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLaunch marks commands that could not be started.
	ErrLaunch = errors.New("process launch failed")
	// ErrTimeout marks commands killed after exceeding their timeout.
	ErrTimeout = errors.New("process timed out")
	// ErrExit marks commands that exited with a non-zero status.
	ErrExit = errors.New("process exited with non-zero status")
)

// LaunchError reports a command that could not be started or waited for.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("run %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// TimeoutError reports a command that was terminated after its timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Command, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ExitError) Unwrap() error { return ErrExit }

// lastLine returns the last non-empty line of s, which for most CLIs is the
// error message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
