// Package testutil provides in-memory doubles for every store interface
// and the bus publisher, so package tests exercise real logic without a
// Postgres, MongoDB, or RabbitMQ instance.
package testutil

import (
	"context"
	"sync"
)

// PublishedMessage records one call to FakeBus.Publish.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// FakeBus is an in-memory outbox.Publisher / bus.Publisher double.
type FakeBus struct {
	mu        sync.Mutex
	Published []PublishedMessage
	// FailNext, when > 0, causes that many subsequent Publish calls to
	// return FailErr before succeeding again.
	FailNext int
	FailErr  error
}

// Publish records the call, failing FailNext times first if configured.
func (b *FakeBus) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailNext > 0 {
		b.FailNext--
		return b.FailErr
	}

	b.Published = append(b.Published, PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Body: body, Headers: headers})
	return nil
}

// Len returns the number of successfully published messages.
func (b *FakeBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}
