package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/state"
)

// ReapStale fails PENDING/RUNNING requests that have outlived their action
// timeout plus the grace period, typically left behind by a crashed process.
// Requests this service is still executing are never touched.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	now := s.now()
	var active []state.ProvisioningRequest
	for _, status := range []state.RequestStatus{state.StatusPending, state.StatusRunning} {
		rows, err := s.ledger.ListAll(ctx, state.ListFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("list %s requests: %w", status, err)
		}
		active = append(active, rows...)
	}

	reaped := 0
	for _, req := range active {
		if s.isInFlight(req.ID) {
			continue
		}
		spec, err := req.Action.Spec()
		if err != nil {
			continue
		}
		timeout := s.timeouts.For(spec)
		since := req.CreatedAt
		if req.StartedAt != nil {
			since = *req.StartedAt
		}
		if now.Sub(since) <= timeout+s.grace {
			continue
		}

		logger := observability.WithRequest(observability.WithTarget(s.logger, req.TargetID), req.ID)
		line := fmt.Sprintf("[abandoned] %s on %s did not finish within %s plus %s grace", req.Action, req.TargetID, timeout, s.grace)
		if _, err := s.ledger.Transition(ctx, req.ID, state.StatusFailed, []string{line}); err != nil {
			if state.IsTransitionError(err) {
				// Finished between the listing and the transition.
				continue
			}
			return reaped, fmt.Errorf("reap request %d: %w", req.ID, err)
		}
		reaped++
		s.metrics.IncFailure("abandoned")
		s.metrics.IncRequest(string(req.Action), string(state.StatusFailed))
		logger.Warn("request abandoned", "event", "request_abandoned", "action", req.Action, "age", now.Sub(since).Round(time.Second).String())
	}
	return reaped, nil
}

// RunReaper calls ReapStale every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReapStale(ctx); err != nil {
				s.logger.Error("reap stale requests", "event", "reaper_failed", "error", err)
			} else if n > 0 {
				s.logger.Info("stale requests reaped", "event", "reaper_completed", "count", n)
			}
		}
	}
}

// Actions lists the catalog in endpoint order.
func (s *Service) Actions() []catalog.ActionSpec {
	return catalog.All()
}
