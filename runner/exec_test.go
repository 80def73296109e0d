package runner

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

type shellBuilder struct {
	path   string
	script string
}

func (b shellBuilder) Build(inv Invocation) (Command, func(), error) {
	path := b.path
	if path == "" {
		path = "sh"
	}
	return Command{Path: path, Args: []string{"-c", b.script}}, func() {}, nil
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func testInvocation(timeout time.Duration) Invocation {
	spec, _ := catalog.ActionInstallDocker.Spec()
	return Invocation{
		Spec:    spec,
		Target:  catalog.Target{ID: "backend-a", Kind: catalog.TargetKindBackend},
		Timeout: timeout,
	}
}

func TestExecRunnerCapturesInterleavedOutput(t *testing.T) {
	skipWithoutShell(t)
	r := NewExecRunner(shellBuilder{script: "echo one; echo two 1>&2; echo three"}, ExecConfig{})

	var (
		mu       sync.Mutex
		streamed []string
	)
	inv := testInvocation(10 * time.Second)
	inv.OnLine = func(line string) {
		mu.Lock()
		defer mu.Unlock()
		streamed = append(streamed, line)
	}

	res, err := r.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"one", "two", "three"}
	if strings.Join(res.Lines, ",") != strings.Join(want, ",") {
		t.Fatalf("expected lines %v, got %v", want, res.Lines)
	}
	if strings.Join(streamed, ",") != strings.Join(want, ",") {
		t.Fatalf("expected streamed %v, got %v", want, streamed)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
}

func TestExecRunnerReportsNonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	r := NewExecRunner(shellBuilder{script: "for i in 1 2 3 4 5; do echo line$i; done; exit 3"}, ExecConfig{TailLines: 2})

	res, err := r.Run(context.Background(), testInvocation(10*time.Second))
	var failed ActionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ActionFailedError, got %v", err)
	}
	if failed.ExitCode != 3 || res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d / %d", failed.ExitCode, res.ExitCode)
	}
	if strings.Join(failed.Tail, ",") != "line4,line5" {
		t.Fatalf("unexpected tail %v", failed.Tail)
	}
	if len(res.Lines) != 5 {
		t.Fatalf("expected all lines kept, got %v", res.Lines)
	}
	if Kind(err) != KindFailed {
		t.Fatalf("expected kind failed, got %s", Kind(err))
	}
}

func TestExecRunnerTimeoutKillsProcessGroup(t *testing.T) {
	skipWithoutShell(t)
	// The backgrounded sleep keeps the output pipe open unless the group dies.
	r := NewExecRunner(shellBuilder{script: "echo started; sleep 30 & wait"}, ExecConfig{DrainTimeout: 10 * time.Second})

	start := time.Now()
	res, err := r.Run(context.Background(), testInvocation(200*time.Millisecond))
	elapsed := time.Since(start)

	var timedOut ActionTimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("expected ActionTimedOutError, got %v", err)
	}
	if timedOut.Timeout != 200*time.Millisecond {
		t.Fatalf("unexpected timeout %s", timedOut.Timeout)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("run took %s, child processes were not killed", elapsed)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "started" {
		t.Fatalf("expected partial output, got %v", res.Lines)
	}
	if Kind(err) != KindTimeout {
		t.Fatalf("expected kind timeout, got %s", Kind(err))
	}
}

func TestExecRunnerCallerCancellation(t *testing.T) {
	skipWithoutShell(t)
	r := NewExecRunner(shellBuilder{script: "sleep 30"}, ExecConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := r.Run(ctx, testInvocation(time.Minute))
	if Kind(err) != KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(shellBuilder{path: "/nonexistent/kubeprov-tool"}, ExecConfig{})

	_, err := r.Run(context.Background(), testInvocation(time.Second))
	if !errors.Is(err, ErrToolingUnavailable) {
		t.Fatalf("expected tooling unavailable, got %v", err)
	}
	if Kind(err) != KindTooling {
		t.Fatalf("expected kind tooling, got %s", Kind(err))
	}
}

func TestTail(t *testing.T) {
	lines := []string{"a", "b", "c"}
	if got := tail(lines, 2); strings.Join(got, "") != "bc" {
		t.Fatalf("unexpected tail %v", got)
	}
	if got := tail(lines, 10); len(got) != 3 {
		t.Fatalf("unexpected tail %v", got)
	}
	got := tail(lines, 0)
	got[0] = "z"
	if lines[0] != "a" {
		t.Fatalf("tail must copy")
	}
}

func TestExecRunnerOnStartErrorAborts(t *testing.T) {
	skipWithoutShell(t)
	r := NewExecRunner(shellBuilder{script: "sleep 30"}, ExecConfig{})

	inv := testInvocation(time.Minute)
	inv.OnStart = func() error { return errors.New("ledger unavailable") }

	start := time.Now()
	_, err := r.Run(context.Background(), inv)
	var launch LaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed")
	}
}
