// Package netmon tracks relay reachability as an explicit binary
// online/offline state and publishes transition edges on the bus. The
// sync engine and inbound pipeline key their loops off those edges.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/pigeonmsg/pigeon/internal/bus"
	"go.uber.org/zap"
)

// DefaultProbeInterval is the cadence of relay health probes.
const DefaultProbeInterval = 10 * time.Second

const probeTimeout = 5 * time.Second

// Pinger checks relay reachability. Satisfied by relay.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the connectivity state. State lives on the instance,
// not in package globals, so tests can run independent monitors.
type Monitor struct {
	pinger   Pinger
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	online bool

	cancel context.CancelFunc
}

// NewMonitor creates a monitor starting offline; the first successful
// probe (or SetOnline from a platform signal) flips it online.
func NewMonitor(p Pinger, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		pinger:   p,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start begins probing the relay. The first probe runs immediately so
// the daemon does not wait a full interval to come online.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops probing. The last known state remains readable.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline applies a connectivity observation. Only an actual flip
// publishes an edge event; repeated observations of the same state are
// no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

func (m *Monitor) loop(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	m.SetOnline(m.pinger.Ping(ctx) == nil)
}
