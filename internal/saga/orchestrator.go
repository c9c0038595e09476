package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// Orchestrator runs one saga type's fixed step sequence against a Store,
// advancing forward on success and compensating in reverse order on
// failure. A single failed step never leaves completed steps un-compensated.
type Orchestrator struct {
	sagaType string
	steps    []Step
	store    Store
	log      *slog.Logger
	metrics  *metrics.SagaMetrics
}

// NewOrchestrator builds an Orchestrator for a fixed step sequence.
func NewOrchestrator(sagaType string, steps []Step, store Store, log *slog.Logger, m *metrics.SagaMetrics) *Orchestrator {
	return &Orchestrator{sagaType: sagaType, steps: steps, store: store, log: log, metrics: m}
}

// Start creates a new saga instance and runs it to completion or failure.
func (o *Orchestrator) Start(ctx context.Context, correlationID string, data map[string]interface{}) (Instance, error) {
	now := time.Now().UTC()
	inst := Instance{
		ID:            uuid.NewString(),
		SagaType:      o.sagaType,
		State:         StateRunning,
		CurrentStep:   0,
		Data:          data,
		Version:       0,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.store.Create(ctx, inst); err != nil {
		return Instance{}, fmt.Errorf("create saga instance: %w", err)
	}

	return o.Resume(ctx, inst.ID)
}

// Resume drives a saga instance forward from wherever it left off — the
// entry point both for a freshly created instance and for crash recovery.
func (o *Orchestrator) Resume(ctx context.Context, id string) (Instance, error) {
	inst, err := o.store.Load(ctx, id)
	if err != nil {
		return Instance{}, fmt.Errorf("load saga instance: %w", err)
	}

	switch inst.State {
	case StateRunning:
		return o.runForward(ctx, inst)
	case StateCompensating:
		return o.runCompensation(ctx, inst)
	default:
		return inst, nil
	}
}

func (o *Orchestrator) runForward(ctx context.Context, inst Instance) (Instance, error) {
	for inst.CurrentStep < len(o.steps) {
		step := o.steps[inst.CurrentStep]

		// Persist the deadline before running the step so a crash mid-step
		// leaves a row TimeoutScanner can find via ListTimedOut — the
		// context deadline below only protects this in-process call.
		deadline := time.Now().UTC().Add(step.Timeout)
		inst.StepDeadline = &deadline
		if err := o.save(ctx, &inst); err != nil {
			return inst, err
		}

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		err := step.Execute(stepCtx, inst.Data)
		cancel()

		if err != nil {
			o.log.Warn("saga step failed, compensating", "saga_id", inst.ID, "saga_type", o.sagaType, "step", step.Name, "error", err)
			if o.metrics != nil {
				o.metrics.StepsAttempted.WithLabelValues(step.Name, "failure").Inc()
			}
			inst.LastError = err.Error()
			inst.State = StateCompensating
			inst.StepDeadline = nil
			if saveErr := o.save(ctx, &inst); saveErr != nil {
				return inst, saveErr
			}
			return o.runCompensation(ctx, inst)
		}

		if o.metrics != nil {
			o.metrics.StepsAttempted.WithLabelValues(step.Name, "success").Inc()
		}
		inst.CurrentStep++
		inst.StepDeadline = nil
		if err := o.save(ctx, &inst); err != nil {
			return inst, err
		}
	}

	inst.State = StateCompleted
	inst.StepDeadline = nil
	if err := o.save(ctx, &inst); err != nil {
		return inst, err
	}
	if o.metrics != nil {
		o.metrics.Completed.Inc()
	}
	return inst, nil
}

func (o *Orchestrator) runCompensation(ctx context.Context, inst Instance) (Instance, error) {
	// Compensate every completed step in reverse order. CurrentStep is the
	// index of the step that failed (or would run next), so everything
	// before it already executed forward and needs undoing.
	for i := inst.CurrentStep - 1; i >= 0; i-- {
		step := o.steps[i]
		if step.Compensate == nil {
			continue
		}

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		err := step.Compensate(stepCtx, inst.Data)
		cancel()

		if err != nil {
			o.log.Error("saga compensation failed", "saga_id", inst.ID, "saga_type", o.sagaType, "step", step.Name, "error", err)
			if o.metrics != nil {
				o.metrics.Compensations.WithLabelValues(step.Name, "failure").Inc()
			}
			inst.State = StateFailed
			inst.LastError = err.Error()
			inst.StepDeadline = nil
			if o.metrics != nil {
				o.metrics.Failed.Inc()
			}
			if saveErr := o.save(ctx, &inst); saveErr != nil {
				return inst, saveErr
			}
			return inst, fmt.Errorf("compensation failed at step %s: %w", step.Name, err)
		}

		if o.metrics != nil {
			o.metrics.Compensations.WithLabelValues(step.Name, "success").Inc()
		}
	}

	inst.State = StateCompensated
	inst.StepDeadline = nil
	if err := o.save(ctx, &inst); err != nil {
		return inst, err
	}
	if o.metrics != nil {
		o.metrics.Compensated.Inc()
	}
	return inst, nil
}

// save persists inst and bumps its in-memory version to match the store,
// retrying the caller's view on conflict is left to the caller (ListTimedOut
// recovery path reloads before resuming).
func (o *Orchestrator) save(ctx context.Context, inst *Instance) error {
	expected := inst.Version
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(ctx, *inst, expected); err != nil {
		return fmt.Errorf("save saga instance: %w", err)
	}
	return nil
}
