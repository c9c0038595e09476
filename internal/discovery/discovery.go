// Package discovery is the ambient service-registry concern every service
// uses to announce itself and observe peers — not a request path, just
// operational visibility (health TTLs, instance counts).
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry is implemented by the Consul-backed registry for production and
// the in-memory registry used in tests and local runs.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique instance id for registry purposes.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
