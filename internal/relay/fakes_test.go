package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gpio-relay/internal/liveness"
	"gpio-relay/internal/store"
)

type delivery struct {
	event   string
	payload any
}

type roomSend struct {
	room    string
	event   string
	payload any
	except  string
}

// fakeNet is an in-memory transport: sessions, rooms and a log of room sends.
type fakeNet struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	rooms    map[string]map[string]bool
	sends    []roomSend
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		sessions: make(map[string]*fakeSession),
		rooms:    make(map[string]map[string]bool),
	}
}

func (n *fakeNet) EmitTo(id string, event string, payload any) bool {
	n.mu.Lock()
	s := n.sessions[id]
	n.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Emit(event, payload) == nil
}

func (n *fakeNet) EmitToRoom(room string, event string, payload any, exceptID string) int {
	n.mu.Lock()
	n.sends = append(n.sends, roomSend{room: room, event: event, payload: payload, except: exceptID})
	var members []*fakeSession
	for id := range n.rooms[room] {
		if id == exceptID {
			continue
		}
		if s := n.sessions[id]; s != nil {
			members = append(members, s)
		}
	}
	n.mu.Unlock()

	for _, s := range members {
		_ = s.Emit(event, payload)
	}
	return len(members)
}

func (n *fakeNet) roomSends(event string) []roomSend {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []roomSend
	for _, s := range n.sends {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type fakeSession struct {
	id     string
	net    *fakeNet
	engine *Engine

	mu       sync.Mutex
	received []delivery
	reasons  []string
	closed   bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, delivery{event: event, payload: payload})
	return nil
}

func (s *fakeSession) Join(room string) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.net.rooms[room] == nil {
		s.net.rooms[room] = make(map[string]bool)
	}
	s.net.rooms[room][s.id] = true
}

func (s *fakeSession) Leave(room string) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	delete(s.net.rooms[room], s.id)
}

func (n *fakeNet) inRoom(room, id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rooms[room][id]
}

// Disconnect behaves like the transport: it drops the session and delivers
// the disconnect notification once.
func (s *fakeSession) Disconnect(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reasons = append(s.reasons, reason)
	s.mu.Unlock()

	s.net.mu.Lock()
	delete(s.net.sessions, s.id)
	for _, members := range s.net.rooms {
		delete(members, s.id)
	}
	s.net.mu.Unlock()

	s.engine.HandleDisconnect(s, reason)
}

func (s *fakeSession) events(event string) []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery
	for _, d := range s.received {
		if d.event == event {
			out = append(out, d)
		}
	}
	return out
}

func (s *fakeSession) last(event string) any {
	got := s.events(event)
	if len(got) == 0 {
		return nil
	}
	return got[len(got)-1].payload
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMirror) Publish(ownerID, event string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ownerID+"/"+event)
}

type harness struct {
	t      *testing.T
	net    *fakeNet
	store  *store.Store
	engine *Engine
	clock  *clock
	logs   *logtest.Hook
	mirror *recordingMirror
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	probe := liveness.DefaultProbeConfig()
	probe.Interval = time.Hour
	net := newFakeNet()
	st := store.New()
	mirror := &recordingMirror{}
	engine := NewEngine(st, net, Options{
		Liveness: liveness.Config{Probe: probe, DeviceTimeout: 90 * time.Second},
		Mirror:   mirror,
		Logger:   logger,
		Now:      clk.now,
	})
	t.Cleanup(engine.Stop)
	return &harness{t: t, net: net, store: st, engine: engine, clock: clk, logs: hook, mirror: mirror}
}

// connect opens a session the way the transport does after a handshake.
func (h *harness) connect(id string) *fakeSession {
	s := &fakeSession{id: id, net: h.net, engine: h.engine}
	h.net.mu.Lock()
	h.net.sessions[id] = s
	h.net.mu.Unlock()
	s.Join(id)
	h.engine.HandleConnect(s)
	return s
}

func (h *harness) send(s *fakeSession, event string, payload any) {
	h.t.Helper()
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case string:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		raw = data
	}
	h.engine.Dispatch(s, event, raw)
}
