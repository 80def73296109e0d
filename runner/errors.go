package runner

import (
	"errors"
	"fmt"
	"time"
)

// ErrToolingUnavailable is matched by ToolingUnavailableError via errors.Is.
var ErrToolingUnavailable = errors.New("runner: tooling unavailable")

// Failure kinds reported by Kind. They label metrics and summary lines.
const (
	KindTooling  = "tooling"
	KindLaunch   = "launch"
	KindFailed   = "failed"
	KindTimeout  = "timeout"
	KindCanceled = "canceled"
	KindUnknown  = "unknown"
)

// ToolingUnavailableError reports a missing binary or workspace.
type ToolingUnavailableError struct {
	Tool string
	Err  error
}

func (e ToolingUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Tool, e.Err)
}

func (e ToolingUnavailableError) Unwrap() error { return e.Err }

func (e ToolingUnavailableError) Is(target error) bool {
	return target == ErrToolingUnavailable
}

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Err error
}

func (e LaunchError) Error() string {
	return fmt.Sprintf("launch failed: %v", e.Err)
}

func (e LaunchError) Unwrap() error { return e.Err }

// ActionFailedError reports a non-zero exit. Tail holds the last output lines.
type ActionFailedError struct {
	ExitCode int
	Tail     []string
}

func (e ActionFailedError) Error() string {
	return fmt.Sprintf("action exited with status %d", e.ExitCode)
}

// ActionTimedOutError reports a process killed at its deadline.
type ActionTimedOutError struct {
	Timeout time.Duration
	Tail    []string
}

func (e ActionTimedOutError) Error() string {
	return fmt.Sprintf("action timed out after %s", e.Timeout)
}

// ActionCanceledError reports a process killed because the caller went away.
type ActionCanceledError struct {
	Err  error
	Tail []string
}

func (e ActionCanceledError) Error() string {
	return fmt.Sprintf("action canceled: %v", e.Err)
}

func (e ActionCanceledError) Unwrap() error { return e.Err }

// Kind classifies a Run error.
func Kind(err error) string {
	var (
		tooling  ToolingUnavailableError
		launch   LaunchError
		failed   ActionFailedError
		timedOut ActionTimedOutError
		canceled ActionCanceledError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timedOut):
		return KindTimeout
	case errors.As(err, &failed):
		return KindFailed
	case errors.As(err, &tooling):
		return KindTooling
	case errors.As(err, &launch):
		return KindLaunch
	case errors.As(err, &canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Tail returns the captured tail carried by err, if any.
func Tail(err error) []string {
	var (
		failed   ActionFailedError
		timedOut ActionTimedOutError
		canceled ActionCanceledError
	)
	switch {
	case errors.As(err, &timedOut):
		return timedOut.Tail
	case errors.As(err, &failed):
		return failed.Tail
	case errors.As(err, &canceled):
		return canceled.Tail
	default:
		return nil
	}
}
