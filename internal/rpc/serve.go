package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler answers one RPC request body with a reply body, or an error that
// gets carried back to the caller in the envelope's error header.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// Server drains a single RPC queue bound via the default exchange and
// dispatches each delivery to Handler, replying through the delivery's
// ReplyTo/CorrelationId.
type Server struct {
	ch      *amqp.Channel
	queue   string
	handler Handler
	log     *slog.Logger
}

// NewServer declares queue on ch and returns a Server ready to Run.
func NewServer(ch *amqp.Channel, queue string, handler Handler, log *slog.Logger) (*Server, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare rpc queue %s: %w", queue, err)
	}
	return &Server{ch: ch, queue: queue, handler: handler, log: log}, nil
}

// Run consumes queue until ctx is cancelled or the channel closes.
func (s *Server) Run(ctx context.Context) error {
	deliveries, err := s.ch.Consume(s.queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume rpc queue %s: %w", s.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Server) handle(ctx context.Context, d amqp.Delivery) {
	reply, err := s.handler(ctx, d.Body)
	if err != nil {
		s.log.Error("rpc handler failed", "queue", s.queue, "error", err)
		if replyErr := Reply(s.ch, d, nil, err.Error()); replyErr != nil {
			s.log.Error("rpc reply failed", "queue", s.queue, "error", replyErr)
		}
		return
	}
	if replyErr := Reply(s.ch, d, reply, ""); replyErr != nil {
		s.log.Error("rpc reply failed", "queue", s.queue, "error", replyErr)
	}
}

// DecodeRequest is a small helper for handlers to unmarshal their typed
// request out of the raw body.
func DecodeRequest(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}

// EncodeReply is a small helper for handlers to marshal their typed reply.
func EncodeReply(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
