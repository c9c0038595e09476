package inbox

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Kumar2022/distributedcommerce/internal/bus"
	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/envelope"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// Engine drains a bus queue, deduplicates deliveries against Store, and
// dispatches first-seen events to Handler, quarantining to the DLQ once
// maxRetries is exhausted for an event.
type Engine struct {
	store      Store
	dlqStore   dlq.Store
	consumer   string
	handler    Handler
	maxRetries int
	log        *slog.Logger
	metrics    *metrics.InboxMetrics
}

// NewEngine builds an Engine for one consumer name bound to one handler. It
// panics if consumer is empty, since deduplication is keyed on it.
func NewEngine(store Store, dlqStore dlq.Store, consumer string, handler Handler, maxRetries int, log *slog.Logger, m *metrics.InboxMetrics) *Engine {
	if consumer == "" {
		panic("inbox: NewEngine requires a non-empty consumer name")
	}
	return &Engine{store: store, dlqStore: dlqStore, consumer: consumer, handler: handler, maxRetries: maxRetries, log: log, metrics: m}
}

// Run ranges over deliveries until the channel closes (on consumer cancel
// or connection loss).
func (e *Engine) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		e.handle(ctx, d)
	}
}

func (e *Engine) handle(ctx context.Context, d amqp.Delivery) {
	ctx = bus.ExtractTraceContext(ctx, d.Headers)

	evt, err := envelope.Unmarshal(d.Body)
	if err != nil {
		e.log.Error("inbox: malformed envelope, dropping", "error", err)
		d.Nack(false, false)
		return
	}

	inserted, err := e.store.TryReceive(ctx, evt.EventID, e.consumer, evt.EventType, d.Body)
	if err != nil {
		e.log.Error("inbox: receive failed", "event_id", evt.EventID, "error", err)
		d.Nack(false, true)
		return
	}
	if !inserted {
		// The unique (eventId, consumer) constraint already fired: this is
		// a redelivery of something already tracked. Fetch the existing
		// row and branch on its status per the retry contract — only a
		// Processed or already-Poison row is a true duplicate to absorb;
		// a Received or still-retryable Failed row means the handler
		// itself never finished and must run again.
		existing, getErr := e.store.Get(ctx, evt.EventID, e.consumer)
		if getErr != nil {
			e.log.Error("inbox: fetch existing row failed", "event_id", evt.EventID, "error", getErr)
			d.Nack(false, true)
			return
		}
		switch {
		case existing.Status == StatusProcessed:
			e.log.Debug("inbox: duplicate delivery absorbed", "event_id", evt.EventID, "consumer", e.consumer)
			if e.metrics != nil {
				e.metrics.Duplicates.WithLabelValues(evt.EventType, e.consumer).Inc()
			}
			d.Ack(false)
			return
		case existing.Status == StatusPoison:
			e.log.Debug("inbox: duplicate delivery of poisoned event absorbed", "event_id", evt.EventID, "consumer", e.consumer)
			d.Ack(false)
			return
		case existing.Status == StatusFailed && existing.RetryCount >= e.maxRetries:
			// Retries were exhausted by a prior delivery but quarantine
			// didn't record before this redelivery landed; treat as
			// terminal rather than retrying forever.
			e.quarantine(ctx, evt, errors.New(existing.LastError))
			d.Ack(false)
			return
		}
		// Received or Failed-with-retries-remaining: fall through and run
		// the handler again.
	}

	if err := e.handler(ctx, evt.EventType, evt.Payload); err != nil {
		e.onHandlerError(ctx, d, evt, err)
		return
	}

	if err := e.store.MarkProcessed(ctx, evt.EventID, e.consumer); err != nil {
		e.log.Error("inbox: mark processed failed", "event_id", evt.EventID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.Processed.WithLabelValues(evt.EventType, e.consumer).Inc()
	}
	d.Ack(false)
}

func (e *Engine) onHandlerError(ctx context.Context, d amqp.Delivery, evt envelope.Event, cause error) {
	msg, getErr := e.store.Get(ctx, evt.EventID, e.consumer)
	retryCount := 0
	if getErr == nil {
		retryCount = msg.RetryCount
	}

	if retryCount+1 >= e.maxRetries {
		e.quarantine(ctx, evt, cause)
		d.Ack(false) // terminal: recorded in the DLQ, don't let the queue redeliver it
		return
	}

	if err := e.store.MarkFailed(ctx, evt.EventID, e.consumer, cause.Error()); err != nil {
		e.log.Error("inbox: mark failed failed", "event_id", evt.EventID, "error", err)
	}
	e.log.Warn("inbox: handler failed, will retry", "event_id", evt.EventID, "consumer", e.consumer, "retry_count", retryCount+1, "error", cause)
	d.Nack(false, true)
}

func (e *Engine) quarantine(ctx context.Context, evt envelope.Event, cause error) {
	if err := e.store.MarkPoison(ctx, evt.EventID, e.consumer, cause.Error()); err != nil {
		e.log.Error("inbox: mark poison failed", "event_id", evt.EventID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.Poisoned.WithLabelValues(evt.EventType, e.consumer).Inc()
	}

	if e.dlqStore == nil {
		e.log.Error("inbox: retries exhausted but no dlq store configured", "event_id", evt.EventID)
		return
	}

	body, err := evt.Marshal()
	if err != nil {
		e.log.Error("inbox: re-marshal for quarantine failed", "event_id", evt.EventID, "error", err)
		return
	}

	entry := dlq.Message{
		OriginalID: evt.EventID,
		Consumer:   e.consumer,
		EventType:  evt.EventType,
		Payload:    body,
		Reason:     cause.Error(),
	}
	if err := e.dlqStore.Quarantine(ctx, entry); err != nil {
		e.log.Error("inbox: quarantine failed", "event_id", evt.EventID, "error", err)
	}
}
