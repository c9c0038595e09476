package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the Store backend used by the Order service, whose
// aggregate lives in MongoDB. Atomicity between the order document write
// and the outbox_messages insert comes from a multi-document transaction
// on a replica-set session, not from sharing a SQL transaction.
type MongoStore struct {
	client      *mongo.Client
	outboxColl  *mongo.Collection
	databaseName string
}

// NewMongoStore wraps the "orders" database's outbox_messages collection.
func NewMongoStore(client *mongo.Client, databaseName string) *MongoStore {
	return &MongoStore{
		client:       client,
		outboxColl:   client.Database(databaseName).Collection("outbox_messages"),
		databaseName: databaseName,
	}
}

type mongoDoc struct {
	ID          string    `bson:"_id"`
	AggregateID string    `bson:"aggregateId"`
	EventType   string    `bson:"eventType"`
	Exchange    string    `bson:"exchange"`
	RoutingKey  string    `bson:"routingKey"`
	Payload     []byte    `bson:"payload"`
	Status      Status    `bson:"status"`
	RetryCount  int       `bson:"retryCount"`
	LastError   string    `bson:"lastError,omitempty"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
	PublishedAt *time.Time `bson:"publishedAt,omitempty"`
}

type mongoTxAppender struct {
	sessCtx mongo.SessionContext
	coll    *mongo.Collection
}

func (a *mongoTxAppender) Append(ctx context.Context, msg Message) error {
	now := time.Now().UTC()
	doc := mongoDoc{
		ID:          msg.ID,
		AggregateID: msg.AggregateID,
		EventType:   msg.EventType,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		Payload:     msg.Payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := a.coll.InsertOne(a.sessCtx, doc)
	if err != nil {
		return fmt.Errorf("append outbox doc: %w", err)
	}
	return nil
}

// WithTx runs fn inside a session.WithTransaction callback so the caller's
// aggregate write (executed against the same sessCtx it receives via ctx)
// and the outbox insert commit as one multi-document transaction.
func (s *MongoStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxAppender) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		appender := &mongoTxAppender{sessCtx: sessCtx, coll: s.outboxColl}
		return nil, fn(sessCtx, appender)
	})
	if err != nil {
		return fmt.Errorf("outbox transaction: %w", err)
	}
	return nil
}

// ClaimBatch relies on a unique "claimedBy" not being needed: find-and-
// iterate is safe here because publication is performed by a single
// replica of the order service's outbox processor (no horizontal fan-out
// for the Mongo-backed service), unlike the Postgres backend's SKIP LOCKED
// batch claim.
func (s *MongoStore) ClaimBatch(ctx context.Context, limit int) ([]Message, error) {
	filter := bson.M{"status": bson.M{"$in": []Status{StatusPending, StatusFailed}}}
	opts := options.Find().SetSort(bson.M{"createdAt": 1}).SetLimit(int64(limit))

	cur, err := s.outboxColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []Message
	for cur.Next(ctx) {
		var d mongoDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode outbox doc: %w", err)
		}
		msgs = append(msgs, Message{
			ID: d.ID, AggregateID: d.AggregateID, EventType: d.EventType,
			Exchange: d.Exchange, RoutingKey: d.RoutingKey, Payload: d.Payload,
			Status: d.Status, RetryCount: d.RetryCount, LastError: d.LastError,
			CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, PublishedAt: d.PublishedAt,
		})
	}
	return msgs, cur.Err()
}

func (s *MongoStore) MarkPublished(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.outboxColl.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": StatusPublished, "publishedAt": now, "updatedAt": now,
	}})
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, cause string) error {
	_, err := s.outboxColl.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": StatusFailed, "lastError": cause, "updatedAt": time.Now().UTC()},
		"$inc": bson.M{"retryCount": 1},
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.outboxColl.DeleteMany(ctx, bson.M{
		"status":      StatusPublished,
		"publishedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old outbox docs: %w", err)
	}
	return res.DeletedCount, nil
}

var _ Store = (*MongoStore)(nil)
