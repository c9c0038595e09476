package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a Store with a Redis cache-aside layer over GetProduct:
// reads check the cache first and fill it on miss, writes go straight
// through to the backing Store and then invalidate the cached copy so the
// next read observes the fresh row_version instead of serving a stale one
// that would make every reservation look like a conflict.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
}

// NewCachedStore wraps store with a Redis cache at addr.
func NewCachedStore(store Store, addr string, ttl time.Duration) (*CachedStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &CachedStore{Store: store, client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *CachedStore) Close() error {
	return c.client.Close()
}

func productKey(id string) string {
	return fmt.Sprintf("product:%s", id)
}

// GetProduct serves from cache when present, falling through to the
// backing Store and populating the cache on a miss.
func (c *CachedStore) GetProduct(ctx context.Context, productID string) (Product, error) {
	data, err := c.client.Get(ctx, productKey(productID)).Bytes()
	if err == nil {
		var p Product
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			return p, nil
		}
	}

	p, err := c.Store.GetProduct(ctx, productID)
	if err != nil {
		return Product{}, err
	}

	if body, marshalErr := json.Marshal(p); marshalErr == nil {
		_ = c.client.Set(ctx, productKey(productID), body, c.ttl).Err()
	}
	return p, nil
}

// UpdateProduct writes through to the backing Store, then drops the cached
// copy rather than rewriting it, since the caller's fn only sees the
// version it already had and a stale cache write would race a concurrent
// updater.
func (c *CachedStore) UpdateProduct(ctx context.Context, productID string, expectedVersion int, fn func(p *Product) error) error {
	err := c.Store.UpdateProduct(ctx, productID, expectedVersion, fn)
	_ = c.client.Del(ctx, productKey(productID)).Err()
	return err
}

var _ Store = (*CachedStore)(nil)
