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
// topic exchange, carrying OrderConfirmed: shipping only has work to do
// once a confirmed order exists to fulfill.
const orderEventsQueue = "shipping.order_events.consumer"

// App wires the shipping service: an Inbox-deduped consumer of
// OrderConfirmed, and nothing else. The actual carrier integration is an
// external collaborator out of scope for this core (spec §1 Non-goals);
// this service's job ends at "decide exactly once that a confirmed order
// needs a shipment scheduled."
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
	return &App{cfg: cfg, log: log, pgDB: pgDB, bus: b, metricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9105")}
}

// Start declares the order topic binding and runs the Inbox consumer until
// ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	orderExchange := bus.TopicName(a.cfg.BusTopicPrefix, "order")
	if err := a.bus.DeclareTopic(orderExchange); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}
	if err := a.bus.DeclareQueue(orderExchange, orderEventsQueue, []string{envelope.EventOrderConfirmed}); err != nil {
		return fmt.Errorf("declare order events queue: %w", err)
	}

	inboxStore := inbox.NewPostgresStore(a.pgDB)
	dlqStore := dlq.NewPostgresStore(a.pgDB)
	inboxMetrics := metrics.NewInboxMetrics(nil, serviceName)
	orderEvents := inbox.NewEngine(inboxStore, dlqStore, serviceName, orderConfirmedHandler(a.log), a.cfg.InboxMaxHandlerRetries, a.log, inboxMetrics)

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

type orderConfirmedPayload struct {
	OrderID string `json:"orderId"`
}

func orderConfirmedHandler(log *slog.Logger) inbox.Handler {
	return func(ctx context.Context, eventType string, payload []byte) error {
		if eventType != envelope.EventOrderConfirmed {
			log.Warn("shipping: ignoring unrecognized event type", "event_type", eventType)
			return nil
		}
		var evt orderConfirmedPayload
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode order confirmed payload: %w", err)
		}
		log.Info("shipping: schedule shipment", "order_id", evt.OrderID)
		return nil
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
	hostPort := config.GetEnv("SERVICE_ADDR", "localhost:9005")
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
