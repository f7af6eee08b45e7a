package health

import (
	"context"
	"log"
	"sync"
	"time"
)

// Prober issues a minimal request against the upstream endpoint.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) error
}

// Monitor memoizes upstream availability with a TTL so a live probe is not
// paid on every request. State is process-wide and lost on restart.
type Monitor struct {
	prober       Prober
	ttl          time.Duration
	probeTimeout time.Duration

	mu        sync.Mutex
	healthy   bool
	lastCheck time.Time
}

const DefaultTTL = 60 * time.Second

func NewMonitor(prober Prober, ttl, probeTimeout time.Duration) *Monitor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Monitor{prober: prober, ttl: ttl, probeTimeout: probeTimeout}
}

// Healthy returns the cached flag, refreshing it with a probe when stale. A
// probe failure is recorded as unhealthy and never propagated.
func (m *Monitor) Healthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.ttl {
		return m.healthy
	}
	err := m.prober.Probe(ctx, m.probeTimeout)
	if err != nil {
		log.Printf("upstream health probe failed: %v", err)
	}
	m.healthy = err == nil
	m.lastCheck = time.Now()
	return m.healthy
}

// Status exposes the cached state without triggering a probe.
func (m *Monitor) Status() (healthy bool, lastCheck time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy, m.lastCheck
}
