// Package rpc implements synchronous request/reply over the bus using
// RabbitMQ's direct reply-to pseudo-queue, so the saga orchestrator's coded
// steps can call into another service without pulling in gRPC.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const directReplyTo = "amq.rabbitmq.reply-to"

// Client issues request/reply calls against RPC queues declared by a server.
type Client struct {
	ch *amqp.Channel

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
	started bool
}

// NewClient wraps a channel for outbound calls. The channel must not be
// shared with a consumer that acks/nacks manually on other queues; AMQP
// channels are not safe for concurrent publish and consume misuse beyond
// what the library itself serializes.
func NewClient(ch *amqp.Channel) (*Client, error) {
	c := &Client{ch: ch, pending: map[string]chan amqp.Delivery{}}
	deliveries, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume direct reply-to: %w", err)
	}
	go c.dispatch(deliveries)
	return c, nil
}

func (c *Client) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.mu.Lock()
		ch, ok := c.pending[d.CorrelationId]
		if ok {
			delete(c.pending, d.CorrelationId)
		}
		c.mu.Unlock()
		if ok {
			ch <- d
		}
	}
}

// Call publishes body to routingKey on exchange and blocks for the matching
// reply, or until ctx is cancelled.
func (c *Client) Call(ctx context.Context, exchange, routingKey string, body []byte) ([]byte, error) {
	correlationID := uuid.NewString()
	replyCh := make(chan amqp.Delivery, 1)

	c.mu.Lock()
	c.pending[correlationID] = replyCh
	c.mu.Unlock()

	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		ReplyTo:       directReplyTo,
		CorrelationId: correlationID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, fmt.Errorf("publish rpc request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case d := <-replyCh:
		if len(d.Headers) > 0 {
			if errMsg, ok := d.Headers["error"].(string); ok && errMsg != "" {
				return nil, fmt.Errorf("rpc error: %s", errMsg)
			}
		}
		return d.Body, nil
	}
}

// Reply sends body back to the caller named in d's ReplyTo/CorrelationId. A
// non-empty failureReason is carried in the "error" header instead of the
// body, letting Call surface it as an error.
func Reply(ch *amqp.Channel, d amqp.Delivery, body []byte, failureReason string) error {
	if d.ReplyTo == "" {
		return nil
	}
	headers := amqp.Table{}
	if failureReason != "" {
		headers["error"] = failureReason
	}
	return ch.Publish("", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
	})
}
