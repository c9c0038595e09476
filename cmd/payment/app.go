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
	"github.com/Kumar2022/distributedcommerce/internal/inbox"
	"github.com/Kumar2022/distributedcommerce/internal/outbox"
	"github.com/redis/go-redis/v9"

	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/payment"
	"github.com/Kumar2022/distributedcommerce/internal/resilience"
	"github.com/Kumar2022/distributedcommerce/internal/rpc"
)

// orderEventsQueue is this service's bound queue on the order service's
// topic exchange, carrying OrderCancelled so a confirmed-but-later-cancelled
// order still gets refunded even outside the saga's own compensation path.
const orderEventsQueue = "payment.order_events.consumer"

// App wires the payment service's Postgres-backed Payment store, its
// circuit-broken Stripe processor, and the RPC servers the order-creation
// saga calls for authorize_payment/refund_payment.
type App struct {
	cfg         config.Core
	log         *slog.Logger
	pgDB        *sql.DB
	bus         *bus.Bus
	registry     discovery.Registry
	instanceID   string
	metricsAddr  string
	metricsSrv   *http.Server
	redisClient  *redis.Client
}

// NewApp returns a ready-to-Start App.
func NewApp(cfg config.Core, log *slog.Logger, pgDB *sql.DB, b *bus.Bus) *App {
	return &App{cfg: cfg, log: log, pgDB: pgDB, bus: b, metricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9103")}
}

// Start declares topology and runs the authorize/refund RPC servers until
// ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	pgStore := payment.NewPostgresStore(a.pgDB)
	processor := payment.NewStripeProcessor(config.MustGetEnv("STRIPE_API_KEY"))

	breakerMetrics := metrics.NewBreakerMetrics(nil, serviceName)
	resetTimeout := time.Duration(a.cfg.BreakerResetSeconds) * time.Second

	logAndCount := func(name string, from, to resilience.State) {
		a.log.Info("circuit breaker transitioned", "breaker", name, "from", from, "to", to)
		breakerMetrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	onChange := logAndCount

	if redisAddr := config.GetEnv("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			a.log.Warn("redis unavailable, breaker state stays local to this replica", "error", err)
		} else {
			a.redisClient = client
			state := resilience.NewSharedState(client, "payment")
			mirror := state.Observer(resetTimeout)
			onChange = func(name string, from, to resilience.State) {
				logAndCount(name, from, to)
				mirror(name, from, to)
			}
		}
	}

	breaker := resilience.NewBreaker("stripe", a.cfg.BreakerFailureThreshold, resetTimeout, onChange)

	exchange := bus.TopicName(a.cfg.BusTopicPrefix, serviceName)
	if err := a.bus.DeclareTopic(exchange); err != nil {
		return fmt.Errorf("declare topic: %w", err)
	}

	service := payment.NewService(pgStore, processor, breaker, exchange, serviceName)

	outboxStore := outbox.NewPostgresStore(a.pgDB)
	outboxMetrics := metrics.NewOutboxMetrics(nil, serviceName)
	dlqStore := dlq.NewPostgresStore(a.pgDB)
	outboxProcessor := outbox.NewProcessor(outboxStore, a.bus, dlqStore, a.log, outboxMetrics, a.cfg.OutboxBatchSize, a.cfg.OutboxMaxRetries, a.cfg.OutboxPollInterval)
	cleanupTask := outbox.NewCleanup(outboxStore, time.Duration(a.cfg.OutboxRetentionDays)*24*time.Hour, time.Hour, a.log)
	go outboxProcessor.Run(ctx)
	go cleanupTask.Run(ctx)

	orderExchange := bus.TopicName(a.cfg.BusTopicPrefix, "order")
	if err := a.bus.DeclareTopic(orderExchange); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}
	if err := a.bus.DeclareQueue(orderExchange, orderEventsQueue, []string{"order.cancelled"}); err != nil {
		return fmt.Errorf("declare order events queue: %w", err)
	}

	inboxStore := inbox.NewPostgresStore(a.pgDB)
	inboxMetrics := metrics.NewInboxMetrics(nil, serviceName)
	orderEvents := inbox.NewEngine(inboxStore, dlqStore, serviceName, orderCancelledHandler(service), a.cfg.InboxMaxHandlerRetries, a.log, inboxMetrics)
	orderDeliveries, err := a.bus.Consume(orderEventsQueue, serviceName)
	if err != nil {
		return fmt.Errorf("consume order events queue: %w", err)
	}
	go orderEvents.Run(ctx, orderDeliveries)

	rpcCh, err := a.bus.NewChannel()
	if err != nil {
		return fmt.Errorf("open rpc channel: %w", err)
	}

	authorizeServer, err := rpc.NewServer(rpcCh, rpc.QueueAuthorizePayment, authorizePaymentHandler(service), a.log)
	if err != nil {
		return fmt.Errorf("start authorize payment server: %w", err)
	}
	refundServer, err := rpc.NewServer(rpcCh, rpc.QueueRefundPayment, refundPaymentHandler(service, pgStore), a.log)
	if err != nil {
		return fmt.Errorf("start refund payment server: %w", err)
	}

	a.registry, a.instanceID = registerWithConsul(a.log, serviceName)
	a.metricsSrv = startMetricsServer(a.metricsAddr, a.log)

	errCh := make(chan error, 2)
	go func() { errCh <- authorizeServer.Run(ctx) }()
	go func() { errCh <- refundServer.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown deregisters from Consul and stops the metrics server.
func (a *App) Shutdown(ctx context.Context) error {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis client close failed", "error", err)
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

func authorizePaymentHandler(service *payment.Service) rpc.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req rpc.AuthorizePaymentRequest
		if err := rpc.DecodeRequest(body, &req); err != nil {
			return nil, fmt.Errorf("decode authorize payment request: %w", err)
		}

		p, err := service.Authorize(ctx, req.OrderID, req.CustomerID, req.AmountCents, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("authorize payment for order %s: %w", req.OrderID, err)
		}
		if p.Status != payment.StatusAuthorized {
			return nil, fmt.Errorf("payment declined for order %s: %s", req.OrderID, p.FailureReason)
		}

		return rpc.EncodeReply(rpc.AuthorizePaymentReply{PaymentID: p.ID})
	}
}

// orderCancelledPayload mirrors the order service's OrderCancelled event
// shape; this service only needs the order id to find the payment to
// refund.
type orderCancelledPayload struct {
	OrderID string `json:"orderId"`
}

// orderCancelledHandler refunds the order's payment if one was authorized.
// Service.Refund is itself a no-op once the payment is already Refunded (or
// never Authorized), so this is safe whether the saga's own RefundPayment
// compensation already ran or this cancellation happened independently of
// the saga (e.g. a customer-initiated cancellation after confirmation).
func orderCancelledHandler(service *payment.Service) inbox.Handler {
	return func(ctx context.Context, eventType string, payload []byte) error {
		var evt orderCancelledPayload
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode order cancelled payload: %w", err)
		}
		return service.Refund(ctx, evt.OrderID)
	}
}

// refundPaymentHandler looks the payment up by the saga's paymentID to
// recover the order it belongs to, since Service.Refund keys off order id
// the way Authorize produces a Payment keyed by order id.
func refundPaymentHandler(service *payment.Service, store *payment.PostgresStore) rpc.Handler {
	return func(ctx context.Context, body []byte) ([]byte, error) {
		var req rpc.RefundPaymentRequest
		if err := rpc.DecodeRequest(body, &req); err != nil {
			return nil, fmt.Errorf("decode refund payment request: %w", err)
		}

		orderID, err := store.OrderIDByPaymentID(ctx, req.PaymentID)
		if err != nil {
			return nil, err
		}
		if err := service.Refund(ctx, orderID); err != nil {
			return nil, fmt.Errorf("refund payment %s: %w", req.PaymentID, err)
		}
		return json.Marshal(struct{}{})
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
	hostPort := config.GetEnv("SERVICE_ADDR", "localhost:9002")
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
