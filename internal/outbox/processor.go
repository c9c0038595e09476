package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// Publisher is the minimal bus capability the processor needs, satisfied by
// *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error
}

// Processor polls the outbox table on an interval, publishes claimed rows to
// the bus, and quarantines a row to the DLQ once it has failed maxRetries
// times.
type Processor struct {
	store      Store
	publisher  Publisher
	dlqStore   dlq.Store
	log        *slog.Logger
	metrics    *metrics.OutboxMetrics
	batchSize  int
	maxRetries int
	interval   time.Duration
}

// NewProcessor builds a Processor. dlqStore may be nil only in tests that
// don't exercise the quarantine path.
func NewProcessor(store Store, publisher Publisher, dlqStore dlq.Store, log *slog.Logger, m *metrics.OutboxMetrics, batchSize, maxRetries int, interval time.Duration) *Processor {
	return &Processor{
		store: store, publisher: publisher, dlqStore: dlqStore, log: log, metrics: m,
		batchSize: batchSize, maxRetries: maxRetries, interval: interval,
	}
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Error("outbox tick failed", "error", err)
			}
		}
	}
}

func (p *Processor) tick(ctx context.Context) error {
	batch, err := p.store.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(batch)))
	}

	for _, msg := range batch {
		p.publishOne(ctx, msg)
	}
	return nil
}

func (p *Processor) publishOne(ctx context.Context, msg Message) {
	headers := map[string]string{
		"event-type": msg.EventType,
		"event-id":   msg.ID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	err := p.publisher.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Payload, headers)
	if err == nil {
		if mErr := p.store.MarkPublished(ctx, msg.ID); mErr != nil {
			p.log.Error("mark outbox published failed", "id", msg.ID, "error", mErr)
			return
		}
		if p.metrics != nil {
			p.metrics.Published.WithLabelValues(msg.EventType).Inc()
		}
		return
	}

	p.log.Warn("outbox publish failed", "id", msg.ID, "event_type", msg.EventType, "retry_count", msg.RetryCount, "error", err)
	if p.metrics != nil {
		p.metrics.Failed.WithLabelValues(msg.EventType).Inc()
	}

	if msg.RetryCount+1 >= p.maxRetries {
		p.quarantine(ctx, msg, err)
		return
	}

	if mErr := p.store.MarkFailed(ctx, msg.ID, err.Error()); mErr != nil {
		p.log.Error("mark outbox failed failed", "id", msg.ID, "error", mErr)
	}
}

func (p *Processor) quarantine(ctx context.Context, msg Message, cause error) {
	if p.dlqStore == nil {
		p.log.Error("outbox retries exhausted but no dlq store configured", "id", msg.ID)
		return
	}

	entry := dlq.Message{
		OriginalID: msg.ID,
		Consumer:   "outbox:" + msg.Exchange,
		EventType:  msg.EventType,
		Payload:    msg.Payload,
		Reason:     cause.Error(),
	}
	if err := p.dlqStore.Quarantine(ctx, entry); err != nil {
		p.log.Error("quarantine outbox row failed", "id", msg.ID, "error", err)
		return
	}
	if err := p.store.MarkPublished(ctx, msg.ID); err != nil {
		// The row is now represented in the DLQ; mark it published so the
		// processor stops retrying it from the outbox table.
		p.log.Error("mark outbox row terminal after quarantine failed", "id", msg.ID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.Quarantined.Inc()
	}
}

// Cleanup periodically purges published rows older than retention.
type Cleanup struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
}

// NewCleanup builds a Cleanup task.
func NewCleanup(store Store, retention, interval time.Duration, log *slog.Logger) *Cleanup {
	return &Cleanup{store: store, retention: retention, interval: interval, log: log}
}

// Run purges on an interval until ctx is cancelled.
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.retention)
			n, err := c.store.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				c.log.Error("outbox cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				c.log.Info("outbox cleanup purged rows", "count", n)
			}
		}
	}
}
