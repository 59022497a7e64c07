package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/flog"
)

// LeaseManager is the cooperative background eviction loop of spec
// §4.C: on every tick it snapshots expired candidates under a short
// lock, releases it, then evicts each one individually so removals
// never hold the registry lock across I/O.
type LeaseManager struct {
	store    *Store
	clk      clock.Clock
	interval time.Duration
	jitter   time.Duration
	log      *flog.Logger

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

func NewLeaseManager(store *Store, clk clock.Clock, interval, jitter time.Duration, log *flog.Logger) *LeaseManager {
	return &LeaseManager{store: store, clk: clk, interval: interval, jitter: jitter, log: log}
}

// Start launches the sweep loop. It is a no-op if already running.
func (m *LeaseManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.quit, m.done)
}

// Stop cancels pending timers; the current scan cycle, if any, is
// allowed to complete, but no new cycle begins.
func (m *LeaseManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	quit, done := m.quit, m.done
	m.mu.Unlock()

	close(quit)
	<-done
}

func (m *LeaseManager) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		wait := m.interval
		if m.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(m.jitter)))
		}
		select {
		case <-quit:
			return
		case <-m.clk.After(wait):
			m.Sweep()
		}
	}
}

// Sweep runs a single eviction pass and is also exposed so tests can
// call it directly instead of waiting on the background timer.
func (m *LeaseManager) Sweep() {
	now := m.clk.Now()

	type target struct{ serviceName, instanceID string }
	var victims []target

	for name, instances := range m.store.List() {
		for _, inst := range instances {
			if now.Sub(inst.LastHeartbeat) > inst.TTL {
				victims = append(victims, target{name, inst.InstanceID})
			}
		}
	}

	for _, v := range victims {
		func() {
			defer func() {
				if r := recover(); r != nil && m.log != nil {
					m.log.Error("lease sweep removal panicked", flog.String("instanceId", v.instanceID))
				}
			}()
			m.store.Remove(v.serviceName, v.instanceID)
		}()
	}
}
