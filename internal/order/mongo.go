package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrNotFound is returned when an order id doesn't resolve to a document.
var ErrNotFound = errors.New("order not found")

// MongoStore persists Order documents in the "orders" database's "orders"
// collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore wraps an existing *mongo.Client.
func NewMongoStore(client *mongo.Client, databaseName string) *MongoStore {
	return &MongoStore{collection: client.Database(databaseName).Collection("orders")}
}

// Create inserts o, generating an id if the caller didn't ctx supply one.
// When called with a mongo.SessionContext (via outbox.MongoStore.WithTx),
// the insert participates in that transaction.
func (s *MongoStore) Create(ctx context.Context, o Order) (string, error) {
	if o.ID == "" {
		o.ID = primitive.NewObjectID().Hex()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, o)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	return o.ID, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (Order, error) {
	var o Order
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status Status, sagaID string) error {
	update := bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()}}
	if sagaID != "" {
		update["$set"].(bson.M)["sagaId"] = sagaID
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
