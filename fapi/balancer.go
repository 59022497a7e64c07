// Package fapi holds the selection strategies the Registry HTTP
// Surface's resolveOne operation delegates to, behind a pluggable
// LoadBalancer interface so a deployment can swap round-robin for
// weighted/least-connections/consistent-hash/IP-hash without
// touching the registry store.
package fapi

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradeflow/ctrlplane/errs"
)

// Service is the balancer's view of a candidate: a stable Key (the
// instanceId) and an open metadata bag for weight lookups.
type Service struct {
	Key  string
	Meta map[string]any
}

// LoadBalancer selects one Service from a candidate slice. All
// implementations must be safe for concurrent use.
type LoadBalancer interface {
	Select(services []Service) (*Service, error)
	Name() string
}

func errNoneAvailable() error {
	return errs.New(errs.Gone, "no available service instances")
}

// RoundRobinBalancer cycles through candidates with a monotonically
// advancing cursor modulo the candidate count.
type RoundRobinBalancer struct {
	counter uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer { return &RoundRobinBalancer{} }

func (r *RoundRobinBalancer) Select(services []Service) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}
	idx := atomic.AddUint64(&r.counter, 1) % uint64(len(services))
	return &services[idx], nil
}

func (r *RoundRobinBalancer) Name() string { return "round_robin" }

// WeightedRoundRobinBalancer distributes selections proportionally
// to each service's "weight" metadata entry (default 1).
type WeightedRoundRobinBalancer struct {
	mu             sync.Mutex
	currentWeights map[string]int
}

func NewWeightedRoundRobinBalancer() *WeightedRoundRobinBalancer {
	return &WeightedRoundRobinBalancer{currentWeights: make(map[string]int)}
}

func (w *WeightedRoundRobinBalancer) Select(services []Service) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var selected *Service
	total := 0
	for i := range services {
		svc := &services[i]
		weight := serviceWeight(svc)
		total += weight
		w.currentWeights[svc.Key] += weight
		if selected == nil || w.currentWeights[svc.Key] > w.currentWeights[selected.Key] {
			selected = svc
		}
	}
	if selected != nil {
		w.currentWeights[selected.Key] -= total
	}
	return selected, nil
}

func serviceWeight(svc *Service) int {
	if svc.Meta == nil {
		return 1
	}
	switch v := svc.Meta["weight"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func (w *WeightedRoundRobinBalancer) Name() string { return "weighted_round_robin" }

// LeastConnectionsBalancer tracks a connection counter per Key and
// always picks the minimum. Counters are maintained purely by
// Select/Release; callers that never call Release effectively get
// round-robin-by-count.
type LeastConnectionsBalancer struct {
	mu          sync.Mutex
	connections map[string]int64
}

func NewLeastConnectionsBalancer() *LeastConnectionsBalancer {
	return &LeastConnectionsBalancer{connections: make(map[string]int64)}
}

func (l *LeastConnectionsBalancer) Select(services []Service) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var selected *Service
	min := int64(-1)
	for i := range services {
		svc := &services[i]
		n := l.connections[svc.Key]
		if min == -1 || n < min {
			min = n
			selected = svc
		}
	}
	l.connections[selected.Key]++
	return selected, nil
}

func (l *LeastConnectionsBalancer) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connections[key] > 0 {
		l.connections[key]--
	}
}

func (l *LeastConnectionsBalancer) Name() string { return "least_connections" }

// ConsistentHashBalancer routes a given key to the same candidate
// across calls via SelectWithKey; the plain Select uses the current
// time as key, which is only useful as a last-resort filler.
type ConsistentHashBalancer struct {
	hash func([]byte) uint32
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{hash: fnv1a}
}

func (c *ConsistentHashBalancer) Select(services []Service) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}
	return c.SelectWithKey(services, time.Now().String())
}

func (c *ConsistentHashBalancer) SelectWithKey(services []Service, key string) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}
	idx := c.hash([]byte(key)) % uint32(len(services))
	return &services[idx], nil
}

func (c *ConsistentHashBalancer) Name() string { return "consistent_hash" }

func fnv1a(data []byte) uint32 {
	h := uint32(2166136261)
	for _, b := range data {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// IPHashBalancer provides client-IP session affinity. Select always
// fails; callers must use SelectWithIP.
type IPHashBalancer struct {
	hash func([]byte) uint32
}

func NewIPHashBalancer() *IPHashBalancer { return &IPHashBalancer{hash: fnv1a} }

func (i *IPHashBalancer) Select([]Service) (*Service, error) {
	return nil, errs.New(errs.BadRequest, "IPHashBalancer requires SelectWithIP")
}

func (i *IPHashBalancer) SelectWithIP(services []Service, clientIP string) (*Service, error) {
	if len(services) == 0 {
		return nil, errNoneAvailable()
	}
	idx := i.hash([]byte(clientIP)) % uint32(len(services))
	return &services[idx], nil
}

func (i *IPHashBalancer) Name() string { return "ip_hash" }

type BalancerType string

const (
	RoundRobin         BalancerType = "round_robin"
	WeightedRoundRobin BalancerType = "weighted_round_robin"
	LeastConnections   BalancerType = "least_connections"
	ConsistentHash     BalancerType = "consistent_hash"
	IPHash             BalancerType = "ip_hash"
)

func NewLoadBalancer(t BalancerType) LoadBalancer {
	switch t {
	case WeightedRoundRobin:
		return NewWeightedRoundRobinBalancer()
	case LeastConnections:
		return NewLeastConnectionsBalancer()
	case ConsistentHash:
		return NewConsistentHashBalancer()
	case IPHash:
		return NewIPHashBalancer()
	default:
		return NewRoundRobinBalancer()
	}
}
