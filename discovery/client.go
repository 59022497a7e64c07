// Package discovery implements a client-side cache in front of the
// Registry HTTP Surface, backed by a liveness probe,
// singleflight-deduplicated lookups, and transient retry.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/flog"
)

// Instance is the minimal addressable shape the Discovery Client
// hands back to a caller.
type Instance struct {
	ServiceName string
	InstanceID  string
	IP          string
	Port        int
}

func (i Instance) baseURL() string {
	return fmt.Sprintf("https://%s:%d", i.IP, i.Port)
}

type cacheEntry struct {
	instance  Instance
	expiresAt time.Time
}

// Client caches resolved instances and probes them before handing
// them out, falling back to the registry on a stale or dead cache
// entry.
type Client struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry

	registryBaseURL string
	httpClient      *http.Client
	clk             clock.Clock
	cacheTTL        time.Duration
	probeTimeout    time.Duration
	group           singleflight.Group
	log             *flog.Logger
}

// Config wires the client's tunables.
type Config struct {
	RegistryBaseURL string
	HTTPClient      *http.Client // expected to carry mtls.ClientConfig
	Clock           clock.Clock
	CacheTTL        time.Duration // 0 disables caching entirely
	ProbeTimeout    time.Duration
	Log             *flog.Logger
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = flog.Default()
	}
	return &Client{
		cache:           make(map[string]cacheEntry),
		registryBaseURL: cfg.RegistryBaseURL,
		httpClient:      cfg.HTTPClient,
		clk:             cfg.Clock,
		cacheTTL:        cfg.CacheTTL,
		probeTimeout:    cfg.ProbeTimeout,
		log:             log.With("discovery"),
	}
}

// FindService resolves name to a live instance: cache -> probe ->
// invalidate -> registry lookup -> probe -> cache-or-error.
func (c *Client) FindService(ctx context.Context, name string) (Instance, error) {
	if cached, ok := c.lookupCache(name); ok {
		if c.probe(ctx, cached) {
			return cached, nil
		}
		c.Invalidate(name)
	}

	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		return c.resolveAndProbe(ctx, name)
	})
	if err != nil {
		return Instance{}, err
	}
	return v.(Instance), nil
}

func (c *Client) lookupCache(name string) (Instance, bool) {
	if c.cacheTTL <= 0 {
		return Instance{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[name]
	if !ok {
		return Instance{}, false
	}
	if c.now().After(entry.expiresAt) {
		return Instance{}, false
	}
	return entry.instance, true
}

func (c *Client) now() time.Time {
	if c.clk != nil {
		return c.clk.Now()
	}
	return time.Now()
}

// Invalidate drops name's cache entry.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}

// Clear empties the entire cache.
func (c *Client) Clear() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Client) store(name string, inst Instance) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[name] = cacheEntry{instance: inst, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
}

type registryInstance struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
}

func (c *Client) resolveAndProbe(ctx context.Context, name string) (Instance, error) {
	inst, err := c.lookupRegistry(ctx, name)
	if err != nil {
		return Instance{}, err
	}

	if !c.probe(ctx, inst) {
		return Instance{}, errs.New(errs.Gone, "service unreachable: "+name)
	}

	c.store(name, inst)
	return inst, nil
}

// lookupRegistry queries the Registry HTTP Surface with transient
// retry; network errors and non-OK statuses other than 404/410 are
// retried, everything else is unrecoverable.
func (c *Client) lookupRegistry(ctx context.Context, name string) (Instance, error) {
	var result Instance
	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("%s/services/%s", c.registryBaseURL, name)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err // transient: network error, retried
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
				return retry.Unrecoverable(errs.New(errs.NotFound, "service not found: "+name))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registry lookup %s: status %d", name, resp.StatusCode)
			}

			var body struct {
				Result struct {
					Instances []registryInstance `json:"instances"`
				} `json:"result"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return retry.Unrecoverable(err)
			}
			if len(body.Result.Instances) == 0 {
				return retry.Unrecoverable(errs.New(errs.NotFound, "service not found: "+name))
			}

			picked := body.Result.Instances[0]
			result = Instance{ServiceName: picked.ServiceName, InstanceID: picked.InstanceID, IP: picked.IP, Port: picked.Port}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		c.log.Warn("registry lookup failed", flog.String("service", name), flog.Err(err))
		if errs.KindOf(err) == errs.NotFound {
			return Instance{}, err
		}
		return Instance{}, errs.New(errs.NotFound, "service not found: "+name, err)
	}
	return result, nil
}

// probe performs a GET /ping liveness check. Any non-2xx status or
// network/timeout error maps to false with no further retry at this
// layer.
func (c *Client) probe(ctx context.Context, inst Instance) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, inst.baseURL()+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
