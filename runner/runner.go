package runner

import (
	"context"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// DefaultTailLines is how many trailing output lines failure errors carry.
const DefaultTailLines = 20

// Invocation is one action run against one target.
type Invocation struct {
	Spec    catalog.ActionSpec
	Target  catalog.Target
	Timeout time.Duration
	// OnStart, when set, runs once the process has started and before any
	// output is delivered. An error aborts the run with a LaunchError.
	OnStart func() error
	// OnLine, when set, receives every output line as it is produced, in order.
	OnLine func(line string)
}

// Result describes a finished process. Lines holds the combined stdout and
// stderr in production order.
type Result struct {
	ExitCode int
	Lines    []string
	Duration time.Duration
}

// Runner launches one external provisioning command and blocks until it exits,
// times out, or ctx is canceled. Runners hold no state across calls and never retry.
//
// Run returns the captured Result alongside any error so callers can persist
// partial output.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

func tail(lines []string, n int) []string {
	if n <= 0 || len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}
