// Package inmem is a process-local Registry for unit tests and local runs
// without a Consul agent.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/discovery"
)

const staleAfter = 5 * time.Second

type instance struct {
	hostPort   string
	lastActive time.Time
}

// Registry implements discovery.Registry entirely in memory.
type Registry struct {
	mu    sync.RWMutex
	addrs map[string]map[string]*instance
}

// NewRegistry builds an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*instance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		r.addrs[serviceName] = map[string]*instance{}
	}
	r.addrs[serviceName][instanceID] = &instance{hostPort: hostPort, lastActive: time.Now()}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.addrs[serviceName], instanceID)
	return nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.addrs[serviceName]
	if !ok {
		return errors.New("service is not registered")
	}
	inst, ok := svc[instanceID]
	if !ok {
		return errors.New("instance is not registered")
	}
	inst.lastActive = time.Now()
	return nil
}

// Discover returns every live instance for serviceName, filtering out ones
// that haven't health-checked within staleAfter (mirrors Consul's
// DeregisterCriticalServiceAfter behavior).
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.addrs[serviceName]) == 0 {
		return nil, errors.New("no service address found")
	}

	cutoff := time.Now().Add(-staleAfter)
	var res []string
	for _, inst := range r.addrs[serviceName] {
		if inst.lastActive.Before(cutoff) {
			continue
		}
		res = append(res, inst.hostPort)
	}
	if len(res) == 0 {
		return nil, errors.New("no service address found")
	}
	return res, nil
}

var _ discovery.Registry = (*Registry)(nil)
