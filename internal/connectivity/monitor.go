// Package connectivity tracks whether the workflow engine can be reached.
package connectivity

import (
	"context"
	"sync"
	"time"

	"onepyme/internal/log"

	"go.uber.org/zap"
)

const DefaultProbeInterval = 5 * time.Second

// ProbeFunc returns nil when the remote is reachable.
type ProbeFunc func(ctx context.Context) error

// Monitor starts optimistic: it reports online until a probe fails.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *log.Logger

	mu          sync.RWMutex
	online      bool
	onReconnect []func()
	onChange    []func(online bool)
}

func NewMonitor(probe ProbeFunc, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{probe: probe, interval: interval, logger: logger, online: true}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnReconnect registers fn to run on every offline to online transition.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

// OnChange registers fn to run on every transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// SetOnline forces the state. Callbacks run as for a probed transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	changed := append([]func(bool){}, m.onChange...)
	var reconnect []func()
	if online {
		reconnect = append(reconnect, m.onReconnect...)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}
	for _, fn := range changed {
		fn(online)
	}
	for _, fn := range reconnect {
		fn()
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(pctx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil && m.Online() {
		m.logger.Debug("Connectivity probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
