package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/probe"
	"github.com/izavyalov-dev/kubeprov/runner"
	"github.com/izavyalov-dev/kubeprov/state"
)

const defaultLogBatchSize = 50

// ErrShuttingDown rejects invocations once Shutdown has been called.
var ErrShuttingDown = errors.New("service is shutting down")

// Config carries the optional collaborators of a Service. Nil fields get
// no-op defaults.
type Config struct {
	Prober     probe.Prober
	Archiver   LogArchiver
	Summarizer FailureSummarizer
	Timeouts   catalog.TimeoutPolicy
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	// LogBatchSize is how many output lines are buffered before they are
	// appended to a RUNNING request.
	LogBatchSize int
	// ReaperGrace is added to an action's timeout before ReapStale gives up on it.
	ReaperGrace time.Duration
	Now         func() time.Time
}

// Service runs catalog actions against fleet targets and records every
// attempt in the ledger.
type Service struct {
	ledger     state.Ledger
	runner     runner.Runner
	fleet      Fleet
	prober     probe.Prober
	archiver   LogArchiver
	summarizer FailureSummarizer
	timeouts   catalog.TimeoutPolicy
	metrics    *observability.Metrics
	logger     *slog.Logger
	batchSize  int
	grace      time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[int64]struct{}
	running  sync.WaitGroup
	stopping bool

	// stop is canceled by Shutdown and interrupts every running action.
	stop       context.Context
	cancelStop context.CancelFunc
}

// NewService constructs an orchestration service with sensible defaults.
func NewService(ledger state.Ledger, run runner.Runner, fleet Fleet, cfg Config) *Service {
	if cfg.Prober == nil {
		cfg.Prober = probe.Noop{}
	}
	if cfg.Archiver == nil {
		cfg.Archiver = NoopArchiver{}
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = NewRuleBasedSummarizer()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("orchestrator")
	}
	if cfg.LogBatchSize <= 0 {
		cfg.LogBatchSize = defaultLogBatchSize
	}
	if cfg.ReaperGrace <= 0 {
		cfg.ReaperGrace = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	stop, cancelStop := context.WithCancel(context.Background())
	return &Service{
		stop:       stop,
		cancelStop: cancelStop,
		ledger:     ledger,
		runner:     run,
		fleet:      fleet,
		prober:     cfg.Prober,
		archiver:   cfg.Archiver,
		summarizer: cfg.Summarizer,
		timeouts:   cfg.Timeouts,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		batchSize:  cfg.LogBatchSize,
		grace:      cfg.ReaperGrace,
		now:        cfg.Now,
		inFlight:   make(map[int64]struct{}),
	}
}

// Outcome is the terminal result of one invocation. Logs are the request's
// persisted log lines, returned whether the action succeeded or failed.
type Outcome struct {
	Request        state.ProvisioningRequest
	Logs           []string
	ShortCircuited bool
	ArchiveURI     string
}

// Invoke resolves the action and target, claims the target's conflict slot,
// and runs the action to a terminal state. Unknown actions, unknown targets
// and conflicts are returned as errors before any ledger row is written.
// Runner failures are not errors: they finish the request FAILED and the
// logs say why.
func (s *Service) Invoke(ctx context.Context, name, targetID string) (Outcome, error) {
	spec, err := catalog.ResolveEndpoint(name)
	if err != nil {
		return Outcome{}, err
	}
	target, err := s.fleet.Resolve(targetID)
	if err != nil {
		return Outcome{}, err
	}

	logger := observability.WithAction(observability.WithTarget(s.logger, target.ID), string(spec.Action))

	if !s.begin() {
		return Outcome{}, ErrShuttingDown
	}
	defer s.running.Done()

	req, err := s.ledger.Create(ctx, state.NewRequest{
		TargetID:      target.ID,
		TargetKind:    target.Kind,
		Action:        spec.Action,
		Family:        spec.Family,
		ConflictsWith: spec.ConflictsWith,
	})
	if err != nil {
		if errors.Is(err, state.ErrConflict) {
			s.metrics.IncConflict(string(spec.Action))
			logger.Info("request rejected", "event", "request_conflict", "error", err)
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	logger = observability.WithRequest(logger, req.ID)
	logger.Info("request created", "event", "request_created", "family", spec.Family)

	s.track(req.ID)
	defer s.untrack(req.ID)

	// From here on the request must reach a terminal state even if the caller
	// goes away. Only Shutdown interrupts the work itself; ledger writes keep
	// the detached context.
	ctx = context.WithoutCancel(ctx)
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stop, cancel)()

	if outcome, ok := s.shortCircuit(ctx, workCtx, logger, spec, target, req); ok {
		return outcome, nil
	}

	return s.execute(ctx, workCtx, logger, spec, target, req)
}

// begin registers an invocation unless Shutdown has started.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.running.Add(1)
	return true
}

// Shutdown rejects new invocations, kills the processes of running actions
// and waits until their requests are finalized or ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	active := len(s.inFlight)
	s.mu.Unlock()

	if active > 0 {
		s.logger.Warn("interrupting running actions", "event", "service_shutdown", "active", active)
	}
	s.cancelStop()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running actions: %w", ctx.Err())
	}
}

func (s *Service) shortCircuit(ctx, workCtx context.Context, logger *slog.Logger, spec catalog.ActionSpec, target catalog.Target, req state.ProvisioningRequest) (Outcome, bool) {
	observed, err := s.prober.Check(workCtx, target.Select(spec.Hosts), spec.Probe.Command)
	if err != nil {
		logger.Warn("probe failed", "event", "probe_failed", "error", err)
		return Outcome{}, false
	}
	if !probe.Satisfied(observed, spec.Idempotency) {
		logger.Debug("probe inconclusive or unsatisfied", "event", "probe_checked", "state", observed.String())
		return Outcome{}, false
	}

	line := fmt.Sprintf("[skipped] %s: already %s on %s", spec.Action, observed, target.ID)
	final, err := s.ledger.Transition(ctx, req.ID, state.StatusSucceeded, []string{line})
	if err != nil {
		logger.Error("finish short-circuited request", "event", "request_transition_failed", "error", err)
		return Outcome{}, false
	}

	s.metrics.IncShortCircuit(string(spec.Action))
	s.metrics.IncRequest(string(spec.Action), string(final.Status))
	logger.Info("request short-circuited", "event", "request_short_circuited", "state", observed.String())

	return Outcome{
		Request:        final,
		Logs:           final.Logs,
		ShortCircuited: true,
		ArchiveURI:     s.archive(ctx, logger, final),
	}, true
}

func (s *Service) execute(ctx, workCtx context.Context, logger *slog.Logger, spec catalog.ActionSpec, target catalog.Target, req state.ProvisioningRequest) (Outcome, error) {
	timeout := s.timeouts.For(spec)
	buffer := &lineBuffer{
		ledger:    s.ledger,
		requestID: req.ID,
		size:      s.batchSize,
		logger:    logger,
	}

	started := false
	result, runErr := s.runner.Run(workCtx, runner.Invocation{
		Spec:    spec,
		Target:  target,
		Timeout: timeout,
		OnStart: func() error {
			if _, err := s.ledger.Transition(ctx, req.ID, state.StatusRunning, []string{
				fmt.Sprintf("[start] %s on %s (timeout %s)", spec.Action, target.ID, timeout),
			}); err != nil {
				return fmt.Errorf("mark request running: %w", err)
			}
			started = true
			logger.Info("request running", "event", "request_running", "timeout", timeout.String())
			return nil
		},
		OnLine: buffer.add,
	})

	lines := buffer.drain()
	next := state.StatusSucceeded
	outcome := "succeeded"
	if runErr == nil {
		lines = append(lines, fmt.Sprintf("[success] %s completed on %s in %s", spec.Action, target.ID, result.Duration.Round(time.Second)))
	} else {
		summary := s.summarizer.Summarize(FailureInput{
			Action:   string(spec.Action),
			TargetID: target.ID,
			Err:      runErr,
			Lines:    result.Lines,
		})
		if s.stop.Err() != nil {
			summary = interruptedSummary(string(spec.Action), target.ID, started)
		}
		lines = append(lines, summary.Line)
		next = state.StatusFailed
		outcome = summary.Kind
		s.metrics.IncFailure(summary.Kind)
		logger.Warn("action failed", "event", "action_failed", "kind", summary.Kind, "exit_code", result.ExitCode, "error", runErr)
	}

	final, err := s.ledger.Transition(ctx, req.ID, next, lines)
	if err != nil {
		logger.Error("finish request", "event", "request_transition_failed", "started", started, "error", err)
		return Outcome{}, fmt.Errorf("finish request %d: %w", req.ID, err)
	}

	if started {
		s.metrics.ObserveDuration(string(spec.Action), outcome, result.Duration)
	}
	s.metrics.IncRequest(string(spec.Action), string(final.Status))
	logger.Info("request finished", "event", "request_finished", "status", final.Status, "duration", result.Duration.String())

	return Outcome{
		Request:    final,
		Logs:       final.Logs,
		ArchiveURI: s.archive(ctx, logger, final),
	}, nil
}

// archive never affects the outcome; failures are only logged.
func (s *Service) archive(ctx context.Context, logger *slog.Logger, req state.ProvisioningRequest) string {
	uri, err := s.archiver.Archive(ctx, req)
	if err != nil {
		logger.Warn("archive logs", "event", "archive_failed", "error", err)
		return ""
	}
	if uri != "" {
		logger.Info("logs archived", "event", "archive_uploaded", "uri", uri)
	}
	return uri
}

func (s *Service) track(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[id] = struct{}{}
}

func (s *Service) untrack(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Service) isInFlight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

// Get returns a request with its logs.
func (s *Service) Get(ctx context.Context, id int64) (state.ProvisioningRequest, error) {
	return s.ledger.Get(ctx, id)
}

// List returns requests newest first.
func (s *Service) List(ctx context.Context, filter state.ListFilter) ([]state.ProvisioningRequest, error) {
	return s.ledger.ListAll(ctx, filter)
}

// Active returns the latest PENDING/RUNNING request on a configured target, or nil.
func (s *Service) Active(ctx context.Context, targetID string) (*state.ProvisioningRequest, error) {
	target, err := s.fleet.Resolve(targetID)
	if err != nil {
		return nil, err
	}
	return s.ledger.FindActive(ctx, target.ID)
}

// Targets returns the configured fleet.
func (s *Service) Targets() []catalog.Target {
	return append([]catalog.Target(nil), s.fleet.Targets...)
}

// lineBuffer batches streamed output into AppendLogs calls. Lines whose
// append failed stay buffered and go out with the terminal transition.
type lineBuffer struct {
	ledger    state.Ledger
	requestID int64
	size      int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []string
}

func (b *lineBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, line)
	if len(b.pending) < b.size {
		return
	}
	// The runner's reader goroutine has no caller context.
	if err := b.ledger.AppendLogs(context.Background(), b.requestID, b.pending); err != nil {
		b.logger.Warn("append logs", "event", "append_logs_failed", "lines", len(b.pending), "error", err)
		return
	}
	b.pending = nil
}

func (b *lineBuffer) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.pending
	b.pending = nil
	return lines
}
