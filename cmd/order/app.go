package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Kumar2022/distributedcommerce/internal/bus"
	"github.com/Kumar2022/distributedcommerce/internal/config"
	"github.com/Kumar2022/distributedcommerce/internal/discovery"
	"github.com/Kumar2022/distributedcommerce/internal/discovery/consul"
	"github.com/Kumar2022/distributedcommerce/internal/envelope"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/order"
	"github.com/Kumar2022/distributedcommerce/internal/outbox"
	"github.com/Kumar2022/distributedcommerce/internal/rpc"
	"github.com/Kumar2022/distributedcommerce/internal/saga"
)

const sagaType = "order_creation"

const serviceName = "order"

// submitQueue is bound to the external checkout/storefront's exchange; the
// order service never exposes an HTTP surface itself, only reacts to the
// commerce.order_submitted command that kicks off order creation.
const submitQueue = "order.order_submitted.consumer"

// App wires the order service's MongoDB-backed aggregate, its outbox
// processor, and the inbound command consumer that creates orders.
type App struct {
	cfg         config.Core
	log         *slog.Logger
	mongoClient *mongo.Client
	pgDB        *sql.DB
	bus         *bus.Bus
	registry    discovery.Registry
	instanceID  string
	metricsAddr string
	metricsSrv  *http.Server
}

// NewApp connects to MongoDB and the bus and returns a ready-to-Start App.
// The saga's own state lives in Postgres even though the Order aggregate it
// drives lives in Mongo, since saga progress is a relational, heavily
// conflict-checked write pattern distinct from the aggregate it orchestrates.
func NewApp(cfg config.Core, log *slog.Logger, mongoClient *mongo.Client, pgDB *sql.DB, b *bus.Bus) *App {
	return &App{cfg: cfg, log: log, mongoClient: mongoClient, pgDB: pgDB, bus: b, metricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9101")}
}

// Start declares topology, launches the outbox processor and cleanup task,
// registers with Consul, and runs the inbound command consumer until ctx is
// cancelled.
func (a *App) Start(ctx context.Context) error {
	databaseName := config.GetEnv("MONGO_DATABASE", "orders")
	orderStore := order.NewMongoStore(a.mongoClient, databaseName)
	outboxStore := outbox.NewMongoStore(a.mongoClient, databaseName)

	exchange := bus.TopicName(a.cfg.BusTopicPrefix, serviceName)
	if err := a.bus.DeclareTopic(exchange); err != nil {
		return fmt.Errorf("declare topic: %w", err)
	}

	externalExchange := fmt.Sprintf("%s.commerce.commands", a.cfg.BusTopicPrefix)
	if err := a.bus.DeclareTopic(externalExchange); err != nil {
		return fmt.Errorf("declare commerce commands exchange: %w", err)
	}
	if err := a.bus.DeclareQueue(externalExchange, submitQueue, []string{"commerce.order_submitted"}); err != nil {
		return fmt.Errorf("declare submit queue: %w", err)
	}

	outboxMetrics := metrics.NewOutboxMetrics(nil, serviceName)
	processor := outbox.NewProcessor(outboxStore, a.bus, nil, a.log, outboxMetrics, a.cfg.OutboxBatchSize, a.cfg.OutboxMaxRetries, a.cfg.OutboxPollInterval)
	cleanupTask := outbox.NewCleanup(outboxStore, time.Duration(a.cfg.OutboxRetentionDays)*24*time.Hour, time.Hour, a.log)

	go processor.Run(ctx)
	go cleanupTask.Run(ctx)

	sagaStore := saga.NewPostgresStore(a.pgDB)
	sagaMetrics := metrics.NewSagaMetrics(nil, sagaType)

	rpcCh, err := a.bus.NewChannel()
	if err != nil {
		return fmt.Errorf("open rpc channel: %w", err)
	}
	rpcClient, err := rpc.NewClient(rpcCh)
	if err != nil {
		return fmt.Errorf("start rpc client: %w", err)
	}

	steps := saga.NewOrderCreationSteps(orderCreationDeps(rpcClient, orderStore, outboxStore, exchange, serviceName), a.cfg.SagaDefaultStepTimeout)
	orchestrator := saga.NewOrchestrator(sagaType, steps, sagaStore, a.log, sagaMetrics)
	timeoutScanner := saga.NewTimeoutScanner(sagaStore, orchestrator, 30*time.Second, a.log, sagaMetrics)
	go timeoutScanner.Run(ctx)

	a.registry, a.instanceID = registerWithConsul(a.log, serviceName)

	a.metricsSrv = startMetricsServer(a.metricsAddr, a.log)

	submitter := &orderSubmitHandler{
		orderStore:   orderStore,
		outboxStore:  outboxStore,
		orchestrator: orchestrator,
		exchange:     exchange,
		producer:     serviceName,
	}

	deliveries, err := a.bus.Consume(submitQueue, serviceName)
	if err != nil {
		return fmt.Errorf("consume submit queue: %w", err)
	}

	for d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		handleSubmit(ctx, submitter, d, a.log)
	}
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

type orderSubmitHandler struct {
	orderStore   order.Store
	outboxStore  *outbox.MongoStore
	orchestrator *saga.Orchestrator
	exchange     string
	producer     string
}

// orderCreationDeps wires the order-creation saga's three steps to RPC calls
// against the inventory and payment services, using the direct reply-to
// pattern instead of a generated gRPC client. ConfirmOrder additionally
// commits the order's Confirmed transition and its order.confirmed outbox
// row in the same Mongo transaction, since that transition is part of the
// step's forward action and no separate service call carries it.
func orderCreationDeps(client *rpc.Client, orderStore order.Store, outboxStore *outbox.MongoStore, exchange, producer string) saga.OrderCreationDeps {
	return saga.OrderCreationDeps{
		ReserveStock: func(ctx context.Context, orderID, customerID string, items interface{}) (string, error) {
			body, err := rpc.EncodeReply(rpc.ReserveStockRequest{OrderID: orderID, CustomerID: customerID, Items: items})
			if err != nil {
				return "", err
			}
			reply, err := client.Call(ctx, "", rpc.QueueReserveStock, body)
			if err != nil {
				return "", err
			}
			var out rpc.ReserveStockReply
			if err := rpc.DecodeRequest(reply, &out); err != nil {
				return "", err
			}
			return out.ReservationID, nil
		},
		ReleaseStock: func(ctx context.Context, reservationID string) error {
			body, err := rpc.EncodeReply(rpc.ReleaseStockRequest{ReservationID: reservationID})
			if err != nil {
				return err
			}
			_, err = client.Call(ctx, "", rpc.QueueReleaseStock, body)
			return err
		},
		AuthorizePayment: func(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (string, error) {
			body, err := rpc.EncodeReply(rpc.AuthorizePaymentRequest{OrderID: orderID, CustomerID: customerID, AmountCents: amountCents, Currency: currency})
			if err != nil {
				return "", err
			}
			reply, err := client.Call(ctx, "", rpc.QueueAuthorizePayment, body)
			if err != nil {
				return "", err
			}
			var out rpc.AuthorizePaymentReply
			if err := rpc.DecodeRequest(reply, &out); err != nil {
				return "", err
			}
			return out.PaymentID, nil
		},
		RefundPayment: func(ctx context.Context, paymentID string) error {
			body, err := rpc.EncodeReply(rpc.RefundPaymentRequest{PaymentID: paymentID})
			if err != nil {
				return err
			}
			_, err = client.Call(ctx, "", rpc.QueueRefundPayment, body)
			return err
		},
		ConfirmOrder: func(ctx context.Context, orderID, reservationID string) error {
			body, err := rpc.EncodeReply(rpc.ConfirmStockRequest{ReservationID: reservationID})
			if err != nil {
				return err
			}
			if _, err := client.Call(ctx, "", rpc.QueueConfirmStock, body); err != nil {
				return fmt.Errorf("confirm stock: %w", err)
			}

			return outboxStore.WithTx(ctx, func(ctx context.Context, tx outbox.TxAppender) error {
				if err := orderStore.UpdateStatus(ctx, orderID, order.StatusConfirmed, ""); err != nil {
					return fmt.Errorf("mark order confirmed: %w", err)
				}
				evt, err := envelope.New(orderID, envelope.EventOrderConfirmed, envelope.SchemaVersion1, producer, orderConfirmedEvent{OrderID: orderID})
				if err != nil {
					return err
				}
				evtBody, err := evt.Marshal()
				if err != nil {
					return err
				}
				return tx.Append(ctx, outbox.Message{
					ID: evt.EventID, AggregateID: orderID, EventType: evt.EventType,
					Exchange: exchange, RoutingKey: evt.EventType, Payload: evtBody,
				})
			})
		},
	}
}

// finalizeFailedSaga marks the order Cancelled and emits order.cancelled
// when the order-creation saga didn't end Completed — covering both a
// reported compensation failure and a successful compensation, since either
// way the order itself never reaches Confirmed. A Completed saga needs no
// further action here: the confirm_order step already committed the
// Confirmed transition as its forward action.
func (h *orderSubmitHandler) finalizeFailedSaga(ctx context.Context, log *slog.Logger, orderID string, inst saga.Instance) {
	if inst.State != saga.StateCompensated && inst.State != saga.StateFailed {
		return
	}

	err := h.outboxStore.WithTx(ctx, func(ctx context.Context, tx outbox.TxAppender) error {
		if err := h.orderStore.UpdateStatus(ctx, orderID, order.StatusCancelled, inst.ID); err != nil {
			return fmt.Errorf("mark order cancelled: %w", err)
		}
		evt, err := envelope.New(orderID, envelope.EventOrderCancelled, envelope.SchemaVersion1, h.producer, orderCancelledEvent{OrderID: orderID, Reason: inst.LastError})
		if err != nil {
			return err
		}
		body, err := evt.Marshal()
		if err != nil {
			return err
		}
		return tx.Append(ctx, outbox.Message{
			ID: evt.EventID, AggregateID: orderID, EventType: evt.EventType,
			Exchange: h.exchange, RoutingKey: evt.EventType, Payload: body,
		})
	})
	if err != nil {
		log.Error("order cancellation transaction failed", "order_id", orderID, "saga_id", inst.ID, "error", err)
	}
}

type orderConfirmedEvent struct {
	OrderID string `json:"orderId"`
}

type orderCancelledEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// orderSubmitted is the command payload the storefront publishes to request
// a new order; creating the order and its order.created event commit
// together in one Mongo transaction.
type orderSubmitted struct {
	CustomerID string      `json:"customerId"`
	Items      []order.Item `json:"items"`
}

func handleSubmit(ctx context.Context, h *orderSubmitHandler, d amqp.Delivery, log *slog.Logger) {
	ctx = bus.ExtractTraceContext(ctx, d.Headers)

	cmd, err := envelope.Unmarshal(d.Body)
	if err != nil {
		log.Error("malformed order submission command", "error", err)
		d.Nack(false, false)
		return
	}

	var req orderSubmitted
	if err := cmd.Unmarshal(&req); err != nil {
		log.Error("malformed order submission payload", "event_id", cmd.EventID, "error", err)
		d.Nack(false, false)
		return
	}

	var orderID string
	err = h.outboxStore.WithTx(ctx, func(ctx context.Context, tx outbox.TxAppender) error {
		id, err := h.orderStore.Create(ctx, order.Order{CustomerID: req.CustomerID, Items: req.Items, Status: order.StatusPending})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		orderID = id

		evt, err := envelope.New(orderID, envelope.EventOrderCreated, envelope.SchemaVersion1, h.producer, orderCreatedPayload(orderID, req))
		if err != nil {
			return err
		}
		evt = evt.WithCausation(cmd)

		body, err := evt.Marshal()
		if err != nil {
			return err
		}

		return tx.Append(ctx, outbox.Message{
			ID: evt.EventID, AggregateID: orderID, EventType: evt.EventType,
			Exchange: h.exchange, RoutingKey: evt.EventType, Payload: body,
		})
	})
	if err != nil {
		log.Error("order creation transaction failed", "error", err)
		d.Nack(false, true)
		return
	}

	log.Info("order created", "order_id", orderID, "customer_id", req.CustomerID)
	d.Ack(false)

	sagaData := map[string]interface{}{
		saga.DataOrderID:     orderID,
		saga.DataCustomerID:  req.CustomerID,
		saga.DataItems:       req.Items,
		saga.DataAmountCents: totalAmountCents(req.Items),
		saga.DataCurrency:    "usd",
	}
	inst, err := h.orchestrator.Start(ctx, cmd.EventID, sagaData)
	if err != nil {
		log.Error("order-creation saga ended with error", "order_id", orderID, "error", err)
	}
	h.finalizeFailedSaga(ctx, log, orderID, inst)
}

type orderCreatedEvent struct {
	OrderID    string       `json:"orderId"`
	CustomerID string       `json:"customerId"`
	Items      []order.Item `json:"items"`
}

func orderCreatedPayload(orderID string, req orderSubmitted) orderCreatedEvent {
	return orderCreatedEvent{OrderID: orderID, CustomerID: req.CustomerID, Items: req.Items}
}

func totalAmountCents(items []order.Item) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPriceCents * int64(item.Quantity)
	}
	return total
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
	hostPort := config.GetEnv("SERVICE_ADDR", "localhost:9000")
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
