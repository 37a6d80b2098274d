package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gpio-relay/internal/model"
)

type fakeTarget struct {
	mu      sync.Mutex
	id      string
	events  []string
	payload []any
	reasons []string
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.payload = append(f.payload, payload)
	return nil
}

func (f *fakeTarget) Disconnect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeTarget) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeTarget) statuses() []model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConnectionState
	for i, e := range f.events {
		if e == EventConnectionStatus {
			out = append(out, f.payload[i].(connectionStatus).State)
		}
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newClock() *clock { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestProber_MissesEscalate(t *testing.T) {
	target := &fakeTarget{id: "sock-1"}
	clk := newClock()
	var changes []model.ConnectionState
	p := NewProber(target, DefaultProbeConfig(), func(id string, st model.ConnectionState, _ time.Duration) {
		assert.Equal(t, "sock-1", id)
		changes = append(changes, st)
	}, clk.now)

	p.Tick()
	assert.Equal(t, 1, target.count(EventHeartbeat))
	assert.Equal(t, 0, p.Misses())
	assert.Equal(t, model.StateConnected, p.State())

	p.Tick()
	assert.Equal(t, 1, p.Misses())
	assert.Equal(t, model.StateConnected, p.State())
	assert.Empty(t, target.statuses(), "no report without a state change")

	p.Tick()
	assert.Equal(t, model.StateUnstable, p.State())
	assert.Equal(t, []model.ConnectionState{model.StateUnstable}, target.statuses())

	p.Tick()
	assert.Equal(t, model.StateDisconnected, p.State())
	assert.Equal(t, []string{ReasonHeartbeatTimeout}, target.reasons)
	assert.True(t, p.Stopped())
	assert.Equal(t, []model.ConnectionState{model.StateUnstable, model.StateDisconnected}, changes)

	p.Tick()
	assert.Len(t, target.reasons, 1, "a stopped prober never fires again")
	assert.Equal(t, 3, target.count(EventHeartbeat))
}

func TestProber_AckResetsAndMeasuresLatency(t *testing.T) {
	target := &fakeTarget{id: "sock-1"}
	clk := newClock()
	p := NewProber(target, DefaultProbeConfig(), nil, clk.now)

	p.Tick()
	p.Tick()
	p.Tick()
	require.Equal(t, model.StateUnstable, p.State())

	clk.t = clk.t.Add(200 * time.Millisecond)
	state, latency, changed := p.Ack()
	assert.Equal(t, model.StateConnected, state)
	assert.Equal(t, 200*time.Millisecond, latency)
	assert.True(t, changed)
	assert.Equal(t, 0, p.Misses())

	p.Tick()
	clk.t = clk.t.Add(1500 * time.Millisecond)
	state, latency, changed = p.Ack()
	assert.Equal(t, model.StateUnstable, state, "slow acks keep the session unstable")
	assert.Equal(t, 1500*time.Millisecond, latency)
	assert.True(t, changed)

	p.Tick()
	clk.t = clk.t.Add(1200 * time.Millisecond)
	_, _, changed = p.Ack()
	assert.False(t, changed)
	assert.Equal(t, []model.ConnectionState{model.StateUnstable, model.StateConnected, model.StateUnstable}, target.statuses())
}

func TestProber_AckWithoutOutstandingHeartbeatIsConnected(t *testing.T) {
	target := &fakeTarget{id: "sock-1"}
	clk := newClock()
	p := NewProber(target, DefaultProbeConfig(), nil, clk.now)

	p.Tick()
	clk.t = clk.t.Add(1500 * time.Millisecond)
	state, _, _ := p.Ack()
	require.Equal(t, model.StateUnstable, state)

	state, latency, changed := p.Ack()
	assert.Equal(t, model.StateConnected, state, "an earlier slow round trip is not held against later acks")
	assert.Equal(t, time.Duration(0), latency)
	assert.True(t, changed)
	assert.Equal(t, []model.ConnectionState{model.StateUnstable, model.StateConnected}, target.statuses())
}

func TestProber_StopIsIdempotent(t *testing.T) {
	p := NewProber(&fakeTarget{id: "x"}, DefaultProbeConfig(), nil, nil)
	p.Stop()
	p.Stop()
	assert.True(t, p.Stopped())
}

func TestSweeper_SweepOnceUsesTimeout(t *testing.T) {
	clk := newClock()
	var cutoff time.Time
	s := &Sweeper{
		Interval: time.Minute,
		Timeout:  90 * time.Second,
		Evict:    func(c time.Time) { cutoff = c },
		Now:      clk.now,
	}
	s.SweepOnce()
	assert.Equal(t, clk.t.Add(-90*time.Second), cutoff)
}

func TestMonitor_SweepRunsAndStops(t *testing.T) {
	var mu sync.Mutex
	sweeps := 0
	m := NewMonitor(Config{SweepInterval: 5 * time.Millisecond, DeviceTimeout: time.Second}, Hooks{
		Evict: func(time.Time) {
			mu.Lock()
			sweeps++
			mu.Unlock()
		},
	}, nil, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sweeps >= 2
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	mu.Lock()
	after := sweeps
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, sweeps, "no sweep after Stop")
}

func TestMonitor_TrackUntrack(t *testing.T) {
	cfg := Config{Probe: DefaultProbeConfig()}
	cfg.Probe.Interval = time.Hour
	m := NewMonitor(cfg, Hooks{}, nil, nil)

	first := m.Track(&fakeTarget{id: "a"})
	require.NotNil(t, first)
	second := m.Track(&fakeTarget{id: "a"})
	assert.True(t, first.Stopped(), "replaced prober is stopped")
	assert.Equal(t, 1, m.Tracked())

	m.Track(&fakeTarget{id: "b"})
	m.Untrack("a")
	m.Untrack("a")
	assert.True(t, second.Stopped())
	assert.Equal(t, 1, m.Tracked())

	m.Stop()
	assert.Equal(t, 0, m.Tracked())
	assert.Nil(t, m.Track(&fakeTarget{id: "c"}), "no new probers after Stop")
}

func TestMonitor_DisabledProbing(t *testing.T) {
	m := NewMonitor(Config{}, Hooks{}, nil, nil)
	assert.False(t, m.ProbingEnabled())
	assert.Nil(t, m.Track(&fakeTarget{id: "a"}))
	state, _ := m.Ack("a")
	assert.Equal(t, model.StateConnected, state)
	m.Start(context.Background())
	m.Stop()
}
