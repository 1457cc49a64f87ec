package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecutionError reports that the git binary could not be launched at all.
type ExecutionError struct {
	Binary string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("git binary %q unavailable: %v", e.Binary, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TimeoutError reports a git invocation that exceeded its time budget and was
// killed.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("git %s: timed out after %s", strings.Join(e.Args, " "), e.Timeout)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

// Unwrap lets callers match timeouts with errors.Is(err, context.DeadlineExceeded).
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// RepositoryStateError wraps a git invocation that ran but exited non-zero.
type RepositoryStateError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *RepositoryStateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output())
}

func (e *RepositoryStateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Output returns stdout and stderr joined, which is where git prints its
// conflict markers and fatal messages.
func (e *RepositoryStateError) Output() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Stdout == "":
		return e.Stderr
	case e.Stderr == "":
		return e.Stdout
	default:
		return e.Stdout + "\n" + e.Stderr
	}
}

func stateErrorOutput(err error) string {
	var stateErr *RepositoryStateError
	if errors.As(err, &stateErr) {
		return stateErr.Output()
	}
	return ""
}

func isMissingRemoteBranch(err error) bool {
	out := stateErrorOutput(err)
	return strings.Contains(out, "couldn't find remote ref") ||
		strings.Contains(out, "invalid refspec") ||
		strings.Contains(out, "unknown revision")
}

func isNoUpstream(err error) bool {
	out := strings.ToLower(stateErrorOutput(err))
	return strings.Contains(out, "no upstream") ||
		strings.Contains(out, "does not point to a branch") ||
		strings.Contains(out, "not stored as a remote-tracking branch")
}

// hasConflictMarker reports whether git output announces a content conflict.
func hasConflictMarker(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "Automatic merge failed") ||
		strings.Contains(output, "could not apply")
}
