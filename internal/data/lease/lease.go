// Package lease tracks which session nodes are live from a data node's view.
// Sessions renew by heartbeat; a lease that outlives its TTL expires and the
// session drops out of sync fan-outs.
package lease

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/task"
)

const sweepInterval = time.Second

// Manager holds the session leases.
type Manager struct {
	ttl  time.Duration
	log  *zap.Logger
	loop *task.Loop

	mu     sync.RWMutex
	leases map[string]time.Time
}

// NewManager starts the lease sweeper.
func NewManager(ttl time.Duration, log *zap.Logger) *Manager {
	m := &Manager{
		ttl:    ttl,
		log:    log.Named("lease"),
		leases: make(map[string]time.Time),
	}
	m.loop = task.NewLoop(sweepInterval, m.sweep)
	return m
}

// Renew records a heartbeat from the session.
func (m *Manager) Renew(sessionIP string) {
	m.mu.Lock()
	_, known := m.leases[sessionIP]
	m.leases[sessionIP] = time.Now()
	count := len(m.leases)
	m.mu.Unlock()
	if !known {
		m.log.Info("session lease added", zap.String("session", sessionIP))
		metrics.SessionLeases.Set(float64(count))
	}
}

// LiveSessions returns the live session IPs in stable order.
func (m *Manager) LiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.leases))
	for ip := range m.leases {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) sweep() {
	deadline := time.Now().Add(-m.ttl)
	var expired []string
	m.mu.Lock()
	for ip, renewed := range m.leases {
		if renewed.Before(deadline) {
			delete(m.leases, ip)
			expired = append(expired, ip)
		}
	}
	count := len(m.leases)
	m.mu.Unlock()
	for _, ip := range expired {
		m.log.Warn("session lease expired", zap.String("session", ip))
	}
	if len(expired) > 0 {
		metrics.SessionLeases.Set(float64(count))
	}
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.loop.Close()
}
