package socketio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket is one Engine.IO connection on the default namespace.
type Socket struct {
	server *Server
	ws     *websocket.Conn
	id     string

	connected    atomic.Bool
	unregistered atomic.Bool

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time

	reasonMu sync.Mutex
	reason   string

	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(server *Server, ws *websocket.Conn) *Socket {
	return &Socket{
		server: server,
		ws:     ws,
		id:     uuid.NewString(),
		done:   make(chan struct{}),
	}
}

func (s *Socket) ID() string { return s.id }

// Emit sends an event to this socket only.
func (s *Socket) Emit(event string, payload any) error {
	msg, err := encodeEvent("/", event, payload)
	if err != nil {
		return err
	}
	return s.writeText(msg)
}

func (s *Socket) Join(room string) { s.server.rooms.Join(room, s) }

func (s *Socket) Leave(room string) { s.server.rooms.Leave(room, s) }

// Disconnect closes the connection and records reason as the close reason
// unless one was already recorded.
func (s *Socket) Disconnect(reason string) {
	s.setReason(reason)
	s.close()
}

// Write implements hub.Writer with an already encoded engine message.
func (s *Socket) Write(message []byte) error { return s.writeText(string(message)) }

// Close implements hub.Writer.
func (s *Socket) Close() error {
	s.close()
	return nil
}

func (s *Socket) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *Socket) closeReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		return ReasonTransportClose
	}
	return s.reason
}

func (s *Socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *Socket) writeText(msg string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Socket) readLoop(onMessage func(string)) {
	defer s.close()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

// pingLoop drives Engine.IO heartbeats: a ping every interval, and the
// connection is dropped when a pong does not arrive within timeout.
func (s *Socket) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.pingMu.Lock()
			if s.awaitingPong && now.Sub(s.pingSentAt) > timeout {
				s.pingMu.Unlock()
				s.Disconnect(ReasonPingTimeout)
				return
			}
			if s.awaitingPong {
				s.pingMu.Unlock()
				continue
			}
			s.awaitingPong = true
			s.pingSentAt = now
			s.pingMu.Unlock()
			_ = s.writeText(string(enginePing))
		}
	}
}

func (s *Socket) markPong() {
	s.pingMu.Lock()
	s.awaitingPong = false
	s.pingMu.Unlock()
}
