package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/izavyalov-dev/kubeprov/internal/observability"
)

// Command is a fully resolved process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// CommandBuilder turns an invocation into a Command. The returned cleanup
// removes any temporary files and must be called once the process has exited.
type CommandBuilder interface {
	Build(inv Invocation) (Command, func(), error)
}

// ExecConfig tunes ExecRunner. Zero values pick defaults.
type ExecConfig struct {
	TailLines int
	// DrainTimeout bounds how long output is read after the process exits,
	// for descendants that keep the pipe open.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// ExecRunner runs commands as local child processes.
type ExecRunner struct {
	builder      CommandBuilder
	tailLines    int
	drainTimeout time.Duration
	logger       *slog.Logger
}

func NewExecRunner(builder CommandBuilder, cfg ExecConfig) *ExecRunner {
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("runner")
	}
	return &ExecRunner{
		builder:      builder,
		tailLines:    cfg.TailLines,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
}

var _ Runner = (*ExecRunner)(nil)

// Run starts the command, streams stdout and stderr through one pipe so their
// interleaving is preserved, and kills the whole process group on deadline.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	command, cleanup, err := r.builder.Build(inv)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer cleanup()

	if _, err := exec.LookPath(command.Path); err != nil {
		return Result{ExitCode: -1}, ToolingUnavailableError{Tool: command.Path, Err: err}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{ExitCode: -1}, LaunchError{Err: err}
	}
	defer pr.Close()

	cmd := exec.CommandContext(runCtx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	killProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return Result{ExitCode: -1}, LaunchError{Err: err}
	}
	// The child owns its copy of the write end; ours must go so EOF arrives.
	_ = pw.Close()

	if inv.OnStart != nil {
		if err := inv.OnStart(); err != nil {
			_ = cmd.Cancel()
			_ = cmd.Wait()
			return Result{ExitCode: -1, Duration: time.Since(start)}, LaunchError{Err: err}
		}
	}

	r.logger.Info("process started",
		"event", "process_started",
		"action", inv.Spec.Action,
		"target_id", inv.Target.ID,
		"pid", cmd.Process.Pid,
		"timeout", inv.Timeout.String(),
	)

	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		lines = readLines(pr, inv.OnLine)
	}()

	waitErr := cmd.Wait()
	select {
	case <-done:
	case <-time.After(r.drainTimeout):
		r.logger.Warn("output still open after exit", "event", "process_drain_timeout", "action", inv.Spec.Action)
		_ = pr.Close()
		<-done
	}

	result := Result{Lines: lines, Duration: time.Since(start)}
	if waitErr == nil {
		return result, nil
	}
	result.ExitCode = exitCode(waitErr)

	switch {
	case ctx.Err() != nil:
		return result, ActionCanceledError{Err: ctx.Err(), Tail: tail(lines, r.tailLines)}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, ActionTimedOutError{Timeout: inv.Timeout, Tail: tail(lines, r.tailLines)}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return result, ActionFailedError{ExitCode: result.ExitCode, Tail: tail(lines, r.tailLines)}
	}
	return result, LaunchError{Err: waitErr}
}

func readLines(r io.Reader, onLine func(string)) []string {
	var lines []string
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			lines = append(lines, line)
			if onLine != nil {
				onLine(line)
			}
		}
		if err != nil {
			return lines
		}
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}
