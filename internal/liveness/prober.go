package liveness

import (
	"sync"
	"time"

	"gpio-relay/internal/model"
)

const (
	EventHeartbeat        = "heartbeat"
	EventConnectionStatus = "connection-status"

	// ReasonHeartbeatTimeout is the close reason used when a prober gives up
	// on a session.
	ReasonHeartbeatTimeout = "heartbeat-timeout"
)

// Target is the session a Prober watches.
type Target interface {
	ID() string
	Emit(event string, payload any) error
	Disconnect(reason string)
}

// StateFunc is called on every connection state change of a probed session.
type StateFunc func(id string, state model.ConnectionState, latency time.Duration)

type ProbeConfig struct {
	Interval         time.Duration
	UnstableAfter    int
	DisconnectAfter  int
	LatencyThreshold time.Duration
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Interval:         30 * time.Second,
		UnstableAfter:    2,
		DisconnectAfter:  3,
		LatencyThreshold: time.Second,
	}
}

type heartbeatProbe struct {
	Timestamp int64 `json:"timestamp"`
}

type connectionStatus struct {
	State   model.ConnectionState `json:"state"`
	Latency *int64                `json:"latency,omitempty"`
}

// Prober sends periodic heartbeat probes to one session and counts the ones
// left unanswered. Two consecutive misses mark the session unstable, three
// disconnect it.
type Prober struct {
	cfg     ProbeConfig
	target  Target
	onState StateFunc
	now     func() time.Time

	mu       sync.Mutex
	misses   int
	awaiting bool
	sentAt   time.Time
	state    model.ConnectionState
	latency  time.Duration
	measured bool

	stopOnce sync.Once
	done     chan struct{}
}

func NewProber(target Target, cfg ProbeConfig, onState StateFunc, now func() time.Time) *Prober {
	if now == nil {
		now = time.Now
	}
	return &Prober{
		cfg:     cfg,
		target:  target,
		onState: onState,
		now:     now,
		state:   model.StateConnected,
		done:    make(chan struct{}),
	}
}

func (p *Prober) run() {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick runs one probe period: it counts a miss when the previous probe is
// still unanswered, applies the resulting state and sends the next probe.
func (p *Prober) Tick() {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}

	now := p.now()
	if p.awaiting {
		p.misses++
	}
	next := p.state
	switch {
	case p.misses >= p.cfg.DisconnectAfter:
		next = model.StateDisconnected
	case p.misses >= p.cfg.UnstableAfter:
		next = model.StateUnstable
	}
	changed := next != p.state
	p.state = next
	latency, measured := p.latency, p.measured
	giveUp := next == model.StateDisconnected
	if !giveUp {
		p.awaiting = true
		p.sentAt = now
	}
	p.mu.Unlock()

	if changed {
		p.report(next, latency, measured)
	}
	if giveUp {
		p.Stop()
		p.target.Disconnect(ReasonHeartbeatTimeout)
		return
	}
	_ = p.target.Emit(EventHeartbeat, heartbeatProbe{Timestamp: now.UnixMilli()})
}

// Ack records a heartbeat acknowledgement. It resets the miss counter. When
// a probe was outstanding its round trip decides the state: above the latency
// threshold the session stays unstable. An ack with nothing outstanding
// measures nothing and marks the session connected.
func (p *Prober) Ack() (state model.ConnectionState, latency time.Duration, changed bool) {
	p.mu.Lock()
	roundTrip := p.awaiting
	if roundTrip {
		p.latency = p.now().Sub(p.sentAt)
		p.measured = true
		latency = p.latency
	}
	p.awaiting = false
	p.misses = 0

	next := model.StateConnected
	if roundTrip && latency > p.cfg.LatencyThreshold {
		next = model.StateUnstable
	}
	changed = next != p.state
	p.state = next
	p.mu.Unlock()

	if changed {
		p.report(next, latency, roundTrip)
	}
	return next, latency, changed
}

func (p *Prober) report(state model.ConnectionState, latency time.Duration, measured bool) {
	status := connectionStatus{State: state}
	if measured {
		ms := latency.Milliseconds()
		status.Latency = &ms
	}
	_ = p.target.Emit(EventConnectionStatus, status)
	if p.onState != nil {
		p.onState(p.target.ID(), state, latency)
	}
}

func (p *Prober) State() model.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Prober) Misses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.misses
}

// Stop ends probing. It is safe to call more than once.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Prober) Stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
