package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kumar2022/distributedcommerce/internal/bus"
	"github.com/Kumar2022/distributedcommerce/internal/config"
	"github.com/Kumar2022/distributedcommerce/internal/discovery"
	"github.com/Kumar2022/distributedcommerce/internal/discovery/consul"
	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/envelope"
	"github.com/Kumar2022/distributedcommerce/internal/inbox"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
)

// orderEventsQueue is this service's bound queue on the order service's own
// topic exchange, carrying the three order lifecycle events a notification
// service must react to per the minimum service-to-service event contract.
const orderEventsQueue = "notification.order_events.consumer"

// App wires the notification service: an Inbox-deduped consumer of order
// lifecycle events, and nothing else. Template rendering and the actual
// SMS/email gateway call are external collaborators out of scope for this
// core (spec §1 Non-goals); this service's job ends at "decide exactly once
// that a customer-facing notification should fire for this event."
type App struct {
	cfg         config.Core
	log         *slog.Logger
	pgDB        *sql.DB
	bus         *bus.Bus
	registry    discovery.Registry
	instanceID  string
	metricsAddr string
	metricsSrv  *http.Server
}

// NewApp returns a ready-to-Start App.
func NewApp(cfg config.Core, log *slog.Logger, pgDB *sql.DB, b *bus.Bus) *App {
	return &App{cfg: cfg, log: log, pgDB: pgDB, bus: b, metricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9104")}
}

// Start declares the order topic binding and runs the Inbox consumer until
// ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	orderExchange := bus.TopicName(a.cfg.BusTopicPrefix, "order")
	if err := a.bus.DeclareTopic(orderExchange); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}
	routingKeys := []string{envelope.EventOrderCreated, envelope.EventOrderConfirmed, envelope.EventOrderCancelled}
	if err := a.bus.DeclareQueue(orderExchange, orderEventsQueue, routingKeys); err != nil {
		return fmt.Errorf("declare order events queue: %w", err)
	}

	inboxStore := inbox.NewPostgresStore(a.pgDB)
	dlqStore := dlq.NewPostgresStore(a.pgDB)
	inboxMetrics := metrics.NewInboxMetrics(nil, serviceName)
	orderEvents := inbox.NewEngine(inboxStore, dlqStore, serviceName, orderEventHandler(a.log), a.cfg.InboxMaxHandlerRetries, a.log, inboxMetrics)

	orderDeliveries, err := a.bus.Consume(orderEventsQueue, serviceName)
	if err != nil {
		return fmt.Errorf("consume order events queue: %w", err)
	}

	a.registry, a.instanceID = registerWithConsul(a.log, serviceName)
	a.metricsSrv = startMetricsServer(a.metricsAddr, a.log)

	orderEvents.Run(ctx, orderDeliveries)
	return nil
}

// Shutdown deregisters from Consul and stops the metrics server.
func (a *App) Shutdown(ctx context.Context) error {
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.log.Error("metrics server shutdown failed", "error", err)
		}
	}
	if a.registry != nil {
		return a.registry.Deregister(ctx, a.instanceID, serviceName)
	}
	return nil
}

type orderCreatedPayload struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

type orderConfirmedPayload struct {
	OrderID string `json:"orderId"`
}

type orderCancelledPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// orderEventHandler dispatches on eventType since this service binds one
// queue to all three order lifecycle events it cares about, rather than
// running a separate Inbox engine per routing key.
func orderEventHandler(log *slog.Logger) inbox.Handler {
	return func(ctx context.Context, eventType string, payload []byte) error {
		switch eventType {
		case envelope.EventOrderCreated:
			var evt orderCreatedPayload
			if err := json.Unmarshal(payload, &evt); err != nil {
				return fmt.Errorf("decode order created payload: %w", err)
			}
			log.Info("notify: order placed", "order_id", evt.OrderID, "customer_id", evt.CustomerID)
			return nil
		case envelope.EventOrderConfirmed:
			var evt orderConfirmedPayload
			if err := json.Unmarshal(payload, &evt); err != nil {
				return fmt.Errorf("decode order confirmed payload: %w", err)
			}
			log.Info("notify: order confirmed", "order_id", evt.OrderID)
			return nil
		case envelope.EventOrderCancelled:
			var evt orderCancelledPayload
			if err := json.Unmarshal(payload, &evt); err != nil {
				return fmt.Errorf("decode order cancelled payload: %w", err)
			}
			log.Info("notify: order cancelled", "order_id", evt.OrderID, "reason", evt.Reason)
			return nil
		default:
			log.Warn("notification: ignoring unrecognized event type", "event_type", eventType)
			return nil
		}
	}
}

func startMetricsServer(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func registerWithConsul(log *slog.Logger, name string) (discovery.Registry, string) {
	consulAddr := config.GetEnv("CONSUL_ADDR", "")
	if consulAddr == "" {
		return nil, ""
	}

	registry, err := consul.NewRegistry(consulAddr)
	if err != nil {
		log.Warn("consul unavailable, continuing without service discovery", "error", err)
		return nil, ""
	}

	instanceID := discovery.GenerateInstanceID(name)
	hostPort := config.GetEnv("SERVICE_ADDR", "localhost:9004")
	ctx := context.Background()
	if err := registry.Register(ctx, instanceID, name, hostPort); err != nil {
		log.Warn("consul registration failed", "error", err)
		return nil, ""
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := registry.HealthCheck(instanceID, name); err != nil {
				log.Error("consul health check failed", "error", err)
			}
		}
	}()

	return registry, instanceID
}
