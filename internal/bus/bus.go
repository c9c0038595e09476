// Package bus is the RabbitMQ transport every outbox processor publishes
// through and every inbox consumer reads from. One topic exchange per
// service ("<prefix>.<service>.events"), routed by event type, with a
// shared dead-letter exchange for messages that exhaust their retry budget
// before the inbox layer even sees them (transport-level poison, not the
// application-level DLQ in internal/dlq).
package bus

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DLX is the exchange RabbitMQ routes a message to when it's Nacked with
// requeue=false. Unlike the application DLQ, this only catches transport
// failures (unroutable messages, channel errors) — the inbox engine owns
// the retry-then-quarantine decision for handler failures.
const DLX = "core.dlx"

// Publisher publishes an envelope to a service's topic exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error
}

// Bus wraps a single AMQP channel shared by a service's publisher and its
// consumers. It is not safe for concurrent Publish from many goroutines
// without external serialization, matching amqp091-go's channel contract.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial opens a connection and channel to the broker at url and declares the
// shared dead-letter exchange.
func Dial(url string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(DLX, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dlx: %w", err)
	}

	return &Bus{conn: conn, ch: ch}, nil
}

// NewChannel opens an additional channel on the same connection, for
// callers (like internal/rpc) that need a channel of their own rather than
// sharing the publish/consume channel.
func (b *Bus) NewChannel() (*amqp.Channel, error) {
	return b.conn.Channel()
}

// Close closes the channel and connection in order.
func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

// TopicName builds the exchange name a service publishes to:
// "<prefix>.<service>.events".
func TopicName(prefix, service string) string {
	return fmt.Sprintf("%s.%s.events", prefix, service)
}

// DeclareTopic declares a durable topic exchange for a service. Queues,
// their bindings and their dead-letter policy are declared by DeclareQueue.
func (b *Bus) DeclareTopic(exchange string) error {
	return b.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// DeclareQueue declares a durable queue bound to exchange for each of
// routingKeys, under consumer group queueName, with unacked messages that
// are Nacked routed to DLX.
func (b *Bus) DeclareQueue(exchange, queueName string, routingKeys []string) error {
	args := amqp.Table{"x-dead-letter-exchange": DLX}
	q, err := b.ch.QueueDeclare(queueName, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	for _, key := range routingKeys {
		if err := b.ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", queueName, key, err)
		}
	}
	return nil
}

// Publish sends body to exchange under routingKey, carrying the W3C
// trace-context from ctx and any extra headers, as a persistent message.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(table))

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.ch.PublishWithContext(publishCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      table,
		Body:         body,
		Timestamp:    time.Now().UTC(),
	})
}

// Consume starts delivering messages from queueName. Callers must Ack or
// Nack every delivery; this layer does not auto-ack.
func (b *Bus) Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	return b.ch.Consume(queueName, consumerTag, false, false, false, false, nil)
}

// ExtractTraceContext recovers the W3C trace-context carried in an AMQP
// delivery's headers, for a consumer to continue the producer's trace.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}

// headerCarrier adapts amqp.Table to propagation.TextMapCarrier.
type headerCarrier amqp.Table

func (h headerCarrier) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}
