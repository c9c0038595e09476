package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kumar2022/distributedcommerce/internal/bus"
	"github.com/Kumar2022/distributedcommerce/internal/config"
	"github.com/Kumar2022/distributedcommerce/internal/discovery"
	"github.com/Kumar2022/distributedcommerce/internal/discovery/consul"
	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/inbox"
	"github.com/Kumar2022/distributedcommerce/internal/inventory"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/outbox"
	"github.com/Kumar2022/distributedcommerce/internal/rpc"
)

// orderEventsQueue is this service's bound queue on the order service's own
// topic exchange, carrying the subset of order lifecycle events Inventory
// cares about (currently just cancellation).
const orderEventsQueue = "inventory.order_events.consumer"

// App wires the inventory service's Postgres-backed reservation engine, its
// outbox processor, its reservation-expiry scanner, and the RPC servers the
// order-creation saga calls for reserve_stock/release_stock.
type App struct {
	cfg         config.Core
	log         *slog.Logger
	pgDB        *sql.DB
	bus         *bus.Bus
	registry    discovery.Registry
	instanceID  string
	metricsAddr string
	metricsSrv  *http.Server
	cache       *inventory.CachedStore
}

// NewApp returns a ready-to-Start App.
func NewApp(cfg config.Core, log *slog.Logger, pgDB *sql.DB, b *bus.Bus) *App {
	return &App{cfg: cfg, log: log, pgDB: pgDB, bus: b, metricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9102")}
}

// Start declares topology, launches the outbox processor, the cleanup task
// and the reservation-expiry scanner, and runs the reserve/release RPC
// servers until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	pgStore := inventory.NewPostgresStore(a.pgDB)

	var store inventory.Store = pgStore
	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		cached, err := inventory.NewCachedStore(pgStore, redisAddr, 30*time.Second)
		if err != nil {
			a.log.Warn("redis unavailable, serving reservation reads uncached", "error", err)
		} else {
			store = cached
			a.cache = cached
		}
	}

	exchange := bus.TopicName(a.cfg.BusTopicPrefix, serviceName)
	if err := a.bus.DeclareTopic(exchange); err != nil {
		return fmt.Errorf("declare topic: %w", err)
	}

	resMetrics := metrics.NewReservationMetrics(nil, serviceName)
	engine := inventory.NewEngine(store, a.log, resMetrics, 3, a.cfg.ReservationDefaultTTL).
		EnableOutbox(pgStore, exchange, serviceName)

	outboxStore := outbox.NewPostgresStore(a.pgDB)
	outboxMetrics := metrics.NewOutboxMetrics(nil, serviceName)
	dlqStore := dlq.NewPostgresStore(a.pgDB)
	processor := outbox.NewProcessor(outboxStore, a.bus, dlqStore, a.log, outboxMetrics, a.cfg.OutboxBatchSize, a.cfg.OutboxMaxRetries, a.cfg.OutboxPollInterval)
	cleanupTask := outbox.NewCleanup(outboxStore, time.Duration(a.cfg.OutboxRetentionDays)*24*time.Hour, time.Hour, a.log)
	go processor.Run(ctx)
	go cleanupTask.Run(ctx)

	expirer := inventory.NewExpirer(engine, a.cfg.ReservationScanInterval, a.log)
	go expirer.Run(ctx)

	orderExchange := bus.TopicName(a.cfg.BusTopicPrefix, "order")
	if err := a.bus.DeclareTopic(orderExchange); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}
	if err := a.bus.DeclareQueue(orderExchange, orderEventsQueue, []string{"order.cancelled"}); err != nil {
		return fmt.Errorf("declare order events queue: %w", err)
	}

	inboxStore := inbox.NewPostgresStore(a.pgDB)
	inboxMetrics := metrics.NewInboxMetrics(nil, serviceName)
	orderEvents := inbox.NewEngine(inboxStore, dlqStore, serviceName, orderCancelledHandler(engine), a.cfg.InboxMaxHandlerRetries, a.log, inboxMetrics)
	orderDeliveries, err := a.bus.Consume(orderEventsQueue, serviceName)
	if err != nil {
		return fmt.Errorf("consume order events queue: %w", err)
	}
	go orderEvents.Run(ctx, orderDeliveries)

	rpcCh, err := a.bus.NewChannel()
	if err != nil {
		return fmt.Errorf("open rpc channel: %w", err)
	}

	reserveServer, err := rpc.NewServer(rpcCh, rpc.QueueReserveStock, reserveStockHandler(engine), a.log)
	if err != nil {
		return fmt.Errorf("start reserve stock server: %w", err)
	}
	releaseServer, err := rpc.NewServer(rpcCh, rpc.QueueReleaseStock, releaseStockHandler(engine), a.log)
	if err != nil {
		return fmt.Errorf("start release stock server: %w", err)
	}
	confirmServer, err := rpc.NewServer(rpcCh, rpc.QueueConfirmStock, confirmStockHandler(engine), a.log)
	if err != nil {
		return fmt.Errorf("start confirm stock server: %w", err)
	}

	a.registry, a.instanceID = registerWithConsul(a.log, serviceName)
	a.metricsSrv = startMetricsServer(a.metricsAddr, a.log)

	errCh := make(chan error, 3)
	go func() { errCh <- reserveServer.Run(ctx) }()
	go func() { errCh <- releaseServer.Run(ctx) }()
	go func() { errCh <- confirmServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown deregisters from Consul, stops the metrics server, and closes
// the Redis cache connection if one was opened.
func (a *App) Shutdown(ctx context.Context) error {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Error("redis cache close failed", "error", err)
		}
	}
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

// reserveStockItem mirrors order.Item's wire shape for decoding the
// saga's ReserveStockRequest.Items, which travels as interface{} on the
// request so the rpc package doesn't need to import the order package.
type reserveStockItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// reserveStockHandler reserves every line item of the order, returning a
// comma-separated list of reservation ids as the reply's ReservationID
// since the saga only has one string field to carry them in. Any item that
// fails rolls back the items already reserved in this call.
func reserveStockHandler(engine *inventory.Engine) rpc.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req struct {
			OrderID    string            `json:"orderId"`
			CustomerID string            `json:"customerId"`
			Items      []reserveStockItem `json:"items"`
		}
		if err := rpc.DecodeRequest(body, &req); err != nil {
			return nil, fmt.Errorf("decode reserve stock request: %w", err)
		}

		var reservationIDs []string
		for _, item := range req.Items {
			r, err := engine.Reserve(ctx, item.ProductID, req.OrderID, item.Quantity)
			if err != nil {
				for _, id := range reservationIDs {
					_ = engine.Release(ctx, id)
				}
				return nil, fmt.Errorf("reserve product %s: %w", item.ProductID, err)
			}
			reservationIDs = append(reservationIDs, r.ID)
		}

		return rpc.EncodeReply(rpc.ReserveStockReply{ReservationID: strings.Join(reservationIDs, ",")})
	}
}

// releaseStockHandler releases every reservation id in the (possibly
// comma-joined) ReservationID the saga's compensation step sends back.
func releaseStockHandler(engine *inventory.Engine) rpc.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req rpc.ReleaseStockRequest
		if err := rpc.DecodeRequest(body, &req); err != nil {
			return nil, fmt.Errorf("decode release stock request: %w", err)
		}

		for _, id := range strings.Split(req.ReservationID, ",") {
			if id == "" {
				continue
			}
			if err := engine.Release(ctx, id); err != nil {
				return nil, fmt.Errorf("release reservation %s: %w", id, err)
			}
		}
		return json.Marshal(struct{}{})
	}
}

// confirmStockHandler confirms every reservation id in the (possibly
// comma-joined) ReservationID the saga's confirm_order step sends once
// payment has cleared, permanently deducting the held stock.
func confirmStockHandler(engine *inventory.Engine) rpc.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req rpc.ConfirmStockRequest
		if err := rpc.DecodeRequest(body, &req); err != nil {
			return nil, fmt.Errorf("decode confirm stock request: %w", err)
		}

		for _, id := range strings.Split(req.ReservationID, ",") {
			if id == "" {
				continue
			}
			if err := engine.Confirm(ctx, id); err != nil {
				return nil, fmt.Errorf("confirm reservation %s: %w", id, err)
			}
		}
		return json.Marshal(struct{}{})
	}
}

// orderCancelledPayload mirrors the order service's OrderCancelled event
// shape; this service only needs the order id to release its hold.
type orderCancelledPayload struct {
	OrderID string `json:"orderId"`
}

// orderCancelledHandler releases every reservation the cancelled order
// still holds. This is the genuinely asynchronous counterpart to the
// saga's own synchronous ReleaseStock compensation call: an order can be
// cancelled independently of the saga (e.g. after it already reached
// Confirmed), and this is the path spec's OrderCancelled → Inventory
// contract describes. ReleaseByOrder is a no-op when the saga's
// compensation already released everything, so redelivery and the two
// paths racing each other are both safe.
func orderCancelledHandler(engine *inventory.Engine) inbox.Handler {
	return func(ctx context.Context, eventType string, payload []byte) error {
		var evt orderCancelledPayload
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode order cancelled payload: %w", err)
		}
		return engine.ReleaseByOrder(ctx, evt.OrderID)
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
	hostPort := config.GetEnv("SERVICE_ADDR", "localhost:9001")
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
