// Package registry implements the Registry Store and the Lease
// Manager: an in-memory index of service instances keyed by
// (serviceName, instanceId), their leases, and the side table of
// per-instance tokens.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/fapi"
	"github.com/tradeflow/ctrlplane/identity"
)

// Instance is a registered Service Instance.
type Instance struct {
	ServiceName   string            `json:"serviceName"`
	InstanceID    string            `json:"instanceId"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Protocol      string            `json:"protocol"`
	Env           string            `json:"env,omitempty"`
	Role          string            `json:"role,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	TTL           time.Duration     `json:"ttl"`
}

func (i Instance) expired(now time.Time) bool {
	return now.Sub(i.LastHeartbeat) > i.TTL
}

// RegisterInput is the subset of Instance fields a caller supplies;
// identity and lifecycle timestamps are server-assigned.
type RegisterInput struct {
	ServiceName string
	InstanceID  string // optional; generated when empty
	IP          string
	Port        int
	Protocol    string
	Env         string
	Role        string
	Metadata    map[string]string
}

const DefaultTTL = 20 * time.Second

// Store is the mapping serviceName -> (instanceId -> Instance) plus
// the token side table. It enforces a closed catalog of allowed
// service names when one is configured.
type Store struct {
	mu      sync.RWMutex
	byName  map[string]map[string]Instance
	allowed map[string]struct{} // nil means any name is allowed
	tokens  *identity.Table
	clk     clock.Clock
	ttl     time.Duration

	balancersMu sync.Mutex
	balancers   map[string]fapi.LoadBalancer // one balancer per serviceName
	newBalancer func() fapi.LoadBalancer
}

func NewStore(clk clock.Clock, ttl time.Duration, allowedNames []string) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		byName:      make(map[string]map[string]Instance),
		tokens:      identity.NewTable(),
		clk:         clk,
		ttl:         ttl,
		balancers:   make(map[string]fapi.LoadBalancer),
		newBalancer: func() fapi.LoadBalancer { return fapi.NewRoundRobinBalancer() },
	}
	if len(allowedNames) > 0 {
		s.allowed = make(map[string]struct{}, len(allowedNames))
		for _, n := range allowedNames {
			s.allowed[n] = struct{}{}
		}
	}
	return s
}

// SetBalancerFactory overrides the selection strategy resolveOne
// uses; the default is round-robin.
func (s *Store) SetBalancerFactory(f func() fapi.LoadBalancer) {
	s.newBalancer = f
}

func (s *Store) nameAllowed(name string) bool {
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[name]
	return ok
}

// Register merges over an existing (serviceName, instanceId) entry
// or inserts a new one. Returns the effective instance and its
// (possibly rotated) token.
func (s *Store) Register(in RegisterInput) (Instance, string, error) {
	if !s.nameAllowed(in.ServiceName) {
		return Instance{}, "", errs.New(errs.BadRequest, "unknown service name: "+in.ServiceName)
	}

	instanceID := in.InstanceID
	if instanceID == "" {
		instanceID = identity.GenerateInstanceID(in.ServiceName, in.IP, in.Port)
	}

	now := s.clk.Now()

	s.mu.Lock()
	bucket, ok := s.byName[in.ServiceName]
	if !ok {
		bucket = make(map[string]Instance)
		s.byName[in.ServiceName] = bucket
	}

	existing, had := bucket[instanceID]
	effective := Instance{
		ServiceName:  in.ServiceName,
		InstanceID:   instanceID,
		IP:           in.IP,
		Port:         in.Port,
		Protocol:     in.Protocol,
		Env:          in.Env,
		Role:         in.Role,
		Metadata:     in.Metadata,
		RegisteredAt: now,
		TTL:          s.ttl,
	}
	if had {
		effective.RegisteredAt = existing.RegisteredAt
		effective.Metadata = mergeMetadata(existing.Metadata, in.Metadata)
		if effective.Protocol == "" {
			effective.Protocol = existing.Protocol
		}
		if effective.Env == "" {
			effective.Env = existing.Env
		}
		if effective.Role == "" {
			effective.Role = existing.Role
		}
	}
	effective.LastHeartbeat = now
	bucket[instanceID] = effective
	s.mu.Unlock()

	token, err := s.tokens.Issue(instanceID)
	if err != nil {
		return Instance{}, "", errs.New(errs.Unknown, "token issuance failed", err)
	}
	return effective, token, nil
}

// mergeMetadata merges newer keys over the existing map using
// mapstructure for the decode step.
func mergeMetadata(existing, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	if len(incoming) > 0 {
		decoded := make(map[string]string)
		_ = mapstructure.Decode(incoming, &decoded)
		for k, v := range decoded {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// Heartbeat resets lastHeartbeat to now and returns the effective
// ttl.
func (s *Store) Heartbeat(serviceName, instanceID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.byName[serviceName]
	if !ok {
		return 0, errs.New(errs.NotFound, "service not found: "+serviceName)
	}
	inst, ok := bucket[instanceID]
	if !ok {
		return 0, errs.New(errs.NotFound, "instance not found: "+instanceID)
	}
	inst.LastHeartbeat = s.clk.Now()
	bucket[instanceID] = inst
	return inst.TTL, nil
}

// RotateToken atomically replaces the stored token for instanceID.
func (s *Store) RotateToken(instanceID string) (string, error) {
	if !s.tokens.Has(instanceID) {
		return "", errs.New(errs.NotFound, "instance not found: "+instanceID)
	}
	token, err := s.tokens.Rotate(instanceID)
	if err != nil {
		return "", errs.New(errs.Unknown, "token rotation failed", err)
	}
	return token, nil
}

// ValidateToken checks token against the current value for
// instanceID using a constant-time comparison.
func (s *Store) ValidateToken(instanceID, token string) bool {
	return s.tokens.Validate(instanceID, token)
}

// Resolve returns all live instances under serviceName, evicting any
// found expired during the scan.
func (s *Store) Resolve(serviceName string) ([]Instance, error) {
	now := s.clk.Now()

	s.mu.Lock()
	bucket, ok := s.byName[serviceName]
	if !ok {
		s.mu.Unlock()
		return nil, errs.New(errs.NotFound, "service not found: "+serviceName)
	}

	live := make([]Instance, 0, len(bucket))
	var expiredIDs []string
	for id, inst := range bucket {
		if inst.expired(now) {
			expiredIDs = append(expiredIDs, id)
			continue
		}
		live = append(live, inst)
	}
	for _, id := range expiredIDs {
		delete(bucket, id)
	}
	if len(bucket) == 0 {
		delete(s.byName, serviceName)
	}
	s.mu.Unlock()

	for _, id := range expiredIDs {
		s.tokens.Evict(id)
	}

	if len(live) == 0 {
		return nil, errs.New(errs.Gone, "no live instances for service: "+serviceName)
	}
	return live, nil
}

// ResolveOne selects a single instance under serviceName via the
// configured load balancer, over the instances matching an optional
// filter.
func (s *Store) ResolveOne(serviceName string, filter Filter) (Instance, error) {
	candidates, err := s.Resolve(serviceName)
	if err != nil {
		return Instance{}, err
	}
	candidates = filter.apply(candidates)
	if len(candidates) == 0 {
		return Instance{}, errs.New(errs.Gone, "no matching instances for service: "+serviceName)
	}
	// Resolve walks a map, so fix the candidate order before the
	// balancer's cursor indexes into it.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].InstanceID < candidates[j].InstanceID })

	services := make([]fapi.Service, len(candidates))
	for i, inst := range candidates {
		services[i] = fapi.Service{Key: inst.InstanceID, Meta: metaAsAny(inst.Metadata)}
	}

	s.balancersMu.Lock()
	b, ok := s.balancers[serviceName]
	if !ok {
		b = s.newBalancer()
		s.balancers[serviceName] = b
	}
	s.balancersMu.Unlock()

	selected, err := b.Select(services)
	if err != nil {
		return Instance{}, err
	}
	for _, inst := range candidates {
		if inst.InstanceID == selected.Key {
			return inst, nil
		}
	}
	return Instance{}, errs.New(errs.Unknown, "balancer selected an unknown instance")
}

func metaAsAny(meta map[string]string) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// Filter is the optional role/env/metadata.version selector for
// resolveOne and the strict-equality metadata filter for query.
type Filter struct {
	Role     string
	Env      string
	Metadata map[string]string
}

func (f Filter) apply(in []Instance) []Instance {
	if f.Role == "" && f.Env == "" && len(f.Metadata) == 0 {
		return in
	}
	out := make([]Instance, 0, len(in))
	for _, inst := range in {
		if f.Role != "" && inst.Role != f.Role {
			continue
		}
		if f.Env != "" && inst.Env != f.Env {
			continue
		}
		if !metadataMatches(inst.Metadata, f.Metadata) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func metadataMatches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Get returns a single instance without mutating expiry state.
func (s *Store) Get(serviceName, instanceID string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.byName[serviceName]
	if !ok {
		return Instance{}, false
	}
	inst, ok := bucket[instanceID]
	return inst, ok
}

// List returns a snapshot of every live-or-not instance grouped by
// service name. Ghost (empty) buckets never appear.
func (s *Store) List() map[string][]Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Instance, len(s.byName))
	for name, bucket := range s.byName {
		if len(bucket) == 0 {
			continue
		}
		list := make([]Instance, 0, len(bucket))
		for _, inst := range bucket {
			list = append(list, inst)
		}
		out[name] = list
	}
	return out
}

// Query returns, for each requested name, matching instances,
// optionally restricted to live ones.
func (s *Store) Query(names []string, filter Filter, onlyAlive bool) map[string][]Instance {
	result := make(map[string][]Instance)
	for _, name := range names {
		var instances []Instance
		if onlyAlive {
			live, err := s.Resolve(name)
			if err != nil {
				continue
			}
			instances = live
		} else {
			s.mu.RLock()
			bucket := s.byName[name]
			for _, inst := range bucket {
				instances = append(instances, inst)
			}
			s.mu.RUnlock()
		}
		matched := filter.apply(instances)
		if len(matched) > 0 {
			result[name] = matched
		}
	}
	return result
}

// Remove deletes (serviceName, instanceId) and its token, dropping
// the bucket if it becomes empty.
func (s *Store) Remove(serviceName, instanceID string) {
	s.mu.Lock()
	bucket, ok := s.byName[serviceName]
	if ok {
		delete(bucket, instanceID)
		if len(bucket) == 0 {
			delete(s.byName, serviceName)
		}
	}
	s.mu.Unlock()
	s.tokens.Evict(instanceID)
}

// Names returns every service name currently known, used to build
// the query catalog when a caller omits serviceNames.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}
