package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// TimeoutScanner periodically looks for saga instances whose current step
// missed its deadline and drives them into compensation, protecting against
// a crashed step that never called back.
type TimeoutScanner struct {
	store        Store
	orchestrator *Orchestrator
	interval     time.Duration
	log          *slog.Logger
	metrics      *metrics.SagaMetrics
}

// NewTimeoutScanner builds a scanner bound to one saga type's orchestrator.
func NewTimeoutScanner(store Store, orchestrator *Orchestrator, interval time.Duration, log *slog.Logger, m *metrics.SagaMetrics) *TimeoutScanner {
	return &TimeoutScanner{store: store, orchestrator: orchestrator, interval: interval, log: log, metrics: m}
}

// Run scans on an interval until ctx is cancelled.
func (s *TimeoutScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *TimeoutScanner) scan(ctx context.Context) {
	timedOut, err := s.store.ListTimedOut(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error("saga timeout scan failed", "error", err)
		return
	}

	for _, inst := range timedOut {
		stepName := "unknown"
		if inst.CurrentStep < len(s.orchestrator.steps) {
			stepName = s.orchestrator.steps[inst.CurrentStep].Name
		}
		s.log.Warn("saga step timed out", "saga_id", inst.ID, "saga_type", inst.SagaType, "step", stepName)
		if s.metrics != nil {
			s.metrics.TimedOut.WithLabelValues(stepName).Inc()
		}

		inst.State = StateCompensating
		inst.LastError = "step deadline exceeded"
		inst.StepDeadline = nil
		if err := s.orchestrator.save(ctx, &inst); err != nil {
			s.log.Error("saga timeout save failed", "saga_id", inst.ID, "error", err)
			continue
		}
		if _, err := s.orchestrator.runCompensation(ctx, inst); err != nil {
			s.log.Error("saga timeout compensation failed", "saga_id", inst.ID, "error", err)
		}
	}
}
