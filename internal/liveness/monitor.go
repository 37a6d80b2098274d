// Package liveness detects unresponsive sessions. Active probing sends
// heartbeats to each tracked session; the passive sweep evicts sessions whose
// last activity is too old. Either can be disabled by a zero interval.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gpio-relay/internal/model"
)

type Config struct {
	Probe ProbeConfig

	SweepInterval time.Duration
	// DeviceTimeout is the lastSeen age after which the sweep evicts a device.
	DeviceTimeout time.Duration
}

type Hooks struct {
	OnStateChange StateFunc
	Evict         func(cutoff time.Time)
}

// Monitor owns every liveness timer: one prober per tracked session and the
// global sweep. Stop releases all of them.
type Monitor struct {
	cfg   Config
	hooks Hooks
	now   func() time.Time
	log   logrus.FieldLogger

	mu      sync.Mutex
	probers map[string]*Prober
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg Config, hooks Hooks, log logrus.FieldLogger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		cfg:     cfg,
		hooks:   hooks,
		now:     now,
		log:     log,
		probers: make(map[string]*Prober),
	}
}

func (m *Monitor) ProbingEnabled() bool { return m.cfg.Probe.Interval > 0 }

// Start launches the passive sweep. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.cfg.SweepInterval <= 0 || m.hooks.Evict == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	sweeper := &Sweeper{
		Interval: m.cfg.SweepInterval,
		Timeout:  m.cfg.DeviceTimeout,
		Evict:    m.hooks.Evict,
		Now:      m.now,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sweeper.Run(ctx)
	}()
	m.log.WithFields(logrus.Fields{
		"interval": m.cfg.SweepInterval,
		"timeout":  m.cfg.DeviceTimeout,
	}).Info("liveness sweep started")
}

// Track starts probing t. Tracking an id again replaces its prober.
func (m *Monitor) Track(t Target) *Prober {
	if !m.ProbingEnabled() {
		return nil
	}
	p := NewProber(t, m.cfg.Probe, m.hooks.OnStateChange, m.now)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	old := m.probers[t.ID()]
	m.probers[t.ID()] = p
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go func() {
		defer m.wg.Done()
		p.run()
	}()
	return p
}

// Untrack stops and forgets the prober for id, if any.
func (m *Monitor) Untrack(id string) {
	m.mu.Lock()
	p := m.probers[id]
	delete(m.probers, id)
	m.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (m *Monitor) Prober(id string) *Prober {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probers[id]
}

// Ack forwards a heartbeat acknowledgement to the prober of id. Without a
// prober the session counts as connected.
func (m *Monitor) Ack(id string) (model.ConnectionState, time.Duration) {
	p := m.Prober(id)
	if p == nil {
		return model.StateConnected, 0
	}
	state, latency, _ := p.Ack()
	return state, latency
}

func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probers)
}

// Stop cancels the sweep and every prober and waits for their goroutines.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	probers := m.probers
	m.probers = make(map[string]*Prober)
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range probers {
		p.Stop()
	}
	m.wg.Wait()
}
