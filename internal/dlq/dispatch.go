package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// Dispatcher reprocesses or discards quarantined entries, routing
// reprocessing to the handler registered for the entry's consumer.
type Dispatcher struct {
	store    Store
	handlers map[string]Handler
	log      *slog.Logger
	metrics  *metrics.DLQMetrics
}

// NewDispatcher builds a Dispatcher with an empty handler registry.
func NewDispatcher(store Store, log *slog.Logger, m *metrics.DLQMetrics) *Dispatcher {
	return &Dispatcher{store: store, handlers: map[string]Handler{}, log: log, metrics: m}
}

// Register binds a consumer name to the handler that should replay its
// quarantined payloads.
func (d *Dispatcher) Register(consumer string, h Handler) {
	d.handlers[consumer] = h
}

// Reprocess looks up the handler for entry's consumer and replays its
// payload, transitioning the entry to reprocessed on success.
func (d *Dispatcher) Reprocess(ctx context.Context, id string) error {
	entry, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}

	handler, ok := d.handlers[entry.Consumer]
	if !ok {
		return fmt.Errorf("no dlq handler registered for consumer %q", entry.Consumer)
	}

	if err := handler(ctx, entry.Payload); err != nil {
		d.log.Warn("dlq reprocess attempt failed", "id", id, "consumer", entry.Consumer, "error", err)
		if d.metrics != nil {
			d.metrics.Reprocessed.WithLabelValues(entry.Consumer, "failure").Inc()
		}
		return fmt.Errorf("reprocess handler: %w", err)
	}

	if err := d.store.Resolve(ctx, id, StatusReprocessed, "replayed by handler"); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.Reprocessed.WithLabelValues(entry.Consumer, "success").Inc()
	}
	return nil
}

// Discard marks an entry as permanently abandoned without replay.
func (d *Dispatcher) Discard(ctx context.Context, id, note string) error {
	entry, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.Resolve(ctx, id, StatusDiscarded, note); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.Discarded.WithLabelValues(entry.Consumer).Inc()
	}
	return nil
}
