// Package metrics exposes the Prometheus instrumentation for every engine
// in the core: outbox, inbox, DLQ, saga, reservation, and circuit breaker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// factory returns a promauto.Factory bound to reg, or the default global
// registry when reg is nil. Tests pass their own prometheus.NewRegistry()
// so repeated construction under the same service name doesn't panic on
// duplicate registration.
func factory(reg prometheus.Registerer) promauto.Factory {
	if reg == nil {
		return promauto.With(prometheus.DefaultRegisterer)
	}
	return promauto.With(reg)
}

// OutboxMetrics tracks the per-service outbox processor.
type OutboxMetrics struct {
	Published   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	Quarantined prometheus.Counter
	BatchSize   prometheus.Histogram
}

// NewOutboxMetrics creates the outbox processor's metrics.
func NewOutboxMetrics(reg prometheus.Registerer, serviceName string) *OutboxMetrics {
	f := factory(reg)
	return &OutboxMetrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_outbox_published_total",
			Help: "Outbox rows successfully published to the bus.",
		}, []string{"event_type"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_outbox_publish_failures_total",
			Help: "Outbox publish attempts that errored.",
		}, []string{"event_type"}),
		Quarantined: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_outbox_quarantined_total",
			Help: "Outbox rows routed to the DLQ after exhausting retries.",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    serviceName + "_outbox_batch_size",
			Help:    "Number of rows selected per outbox poll.",
			Buckets: prometheus.LinearBuckets(0, 10, 10),
		}),
	}
}

// InboxMetrics tracks consumption and deduplication.
type InboxMetrics struct {
	Processed  *prometheus.CounterVec
	Duplicates *prometheus.CounterVec
	Poisoned   *prometheus.CounterVec
}

// NewInboxMetrics creates the inbox engine's metrics.
func NewInboxMetrics(reg prometheus.Registerer, serviceName string) *InboxMetrics {
	f := factory(reg)
	return &InboxMetrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_inbox_processed_total",
			Help: "Events processed exactly once per (eventId, consumer).",
		}, []string{"event_type", "consumer"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_inbox_duplicates_total",
			Help: "Redeliveries absorbed because the event was already processed.",
		}, []string{"event_type", "consumer"}),
		Poisoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_inbox_poisoned_total",
			Help: "Events that exhausted their handler retry budget.",
		}, []string{"event_type", "consumer"}),
	}
}

// DLQMetrics tracks quarantine/reprocess/discard activity.
type DLQMetrics struct {
	Quarantined *prometheus.CounterVec
	Reprocessed *prometheus.CounterVec
	Discarded   *prometheus.CounterVec
}

// NewDLQMetrics creates the dead-letter queue's metrics.
func NewDLQMetrics(reg prometheus.Registerer, serviceName string) *DLQMetrics {
	f := factory(reg)
	return &DLQMetrics{
		Quarantined: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_dlq_quarantined_total",
			Help: "Messages quarantined to the DLQ.",
		}, []string{"consumer"}),
		Reprocessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_dlq_reprocessed_total",
			Help: "DLQ reprocessing attempts, by outcome.",
		}, []string{"consumer", "outcome"}),
		Discarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_dlq_discarded_total",
			Help: "DLQ entries discarded without recovery.",
		}, []string{"consumer"}),
	}
}

// SagaMetrics tracks orchestrator step and compensation activity.
type SagaMetrics struct {
	StepsAttempted *prometheus.CounterVec
	Compensations  *prometheus.CounterVec
	Completed      prometheus.Counter
	Compensated    prometheus.Counter
	Failed         prometheus.Counter
	TimedOut       *prometheus.CounterVec
}

// NewSagaMetrics creates the saga orchestrator's metrics.
func NewSagaMetrics(reg prometheus.Registerer, sagaType string) *SagaMetrics {
	f := factory(reg)
	return &SagaMetrics{
		StepsAttempted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_steps_attempted_total",
			Help: "Saga forward-step attempts, by outcome.",
		}, []string{"step", "outcome"}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_compensations_total",
			Help: "Saga compensation attempts, by outcome.",
		}, []string{"step", "outcome"}),
		Completed: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_completed_total",
			Help: "Sagas that reached Completed.",
		}),
		Compensated: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_compensated_total",
			Help: "Sagas that reached Compensated.",
		}),
		Failed: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_failed_total",
			Help: "Sagas that reached Failed (compensation itself failed).",
		}),
		TimedOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_" + sagaType + "_timeouts_total",
			Help: "Saga steps that missed their deadline.",
		}, []string{"step"}),
	}
}

// ReservationMetrics tracks the inventory reservation engine.
type ReservationMetrics struct {
	Reserved             prometheus.Counter
	Confirmed            prometheus.Counter
	Released             prometheus.Counter
	Expired              prometheus.Counter
	LowStockEvents       prometheus.Counter
	ConcurrencyRetries   prometheus.Counter
	ConcurrencyConflicts prometheus.Counter
}

// NewReservationMetrics creates the reservation engine's metrics.
func NewReservationMetrics(reg prometheus.Registerer, serviceName string) *ReservationMetrics {
	f := factory(reg)
	return &ReservationMetrics{
		Reserved: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_created_total",
			Help: "Stock reservations created.",
		}),
		Confirmed: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_confirmed_total",
			Help: "Stock reservations confirmed (deducted from stock).",
		}),
		Released: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_released_total",
			Help: "Stock reservations released.",
		}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_expired_total",
			Help: "Stock reservations expired by the background scanner.",
		}),
		LowStockEvents: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_low_stock_events_total",
			Help: "LowStockDetected events emitted.",
		}),
		ConcurrencyRetries: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservation_concurrency_retries_total",
			Help: "Optimistic concurrency retries on the product aggregate.",
		}),
		ConcurrencyConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservation_concurrency_conflicts_total",
			Help: "Optimistic concurrency retries exhausted without success.",
		}),
	}
}

// BreakerMetrics tracks circuit breaker state transitions.
type BreakerMetrics struct {
	Transitions *prometheus.CounterVec
}

// NewBreakerMetrics creates the circuit breaker's metrics.
func NewBreakerMetrics(reg prometheus.Registerer, name string) *BreakerMetrics {
	f := factory(reg)
	return &BreakerMetrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_" + name + "_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
	}
}
