package socketio

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gpio-relay/internal/hub"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// Close reasons reported to Handler.OnDisconnect.
const (
	ReasonTransportClose   = "transport close"
	ReasonClientDisconnect = "client namespace disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonServerShutdown   = "server shutting down"
)

// Handler receives the lifecycle and events of connected sockets. Callbacks
// run on the socket's read goroutine.
type Handler interface {
	OnConnect(s *Socket)
	OnEvent(s *Socket, event string, payload json.RawMessage)
	OnDisconnect(s *Socket, reason string)
}

type Options struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       logrus.FieldLogger
}

// Server speaks the Engine.IO v4 websocket transport with Socket.IO v5
// framing on the default namespace. Rooms are kept in a hub.Hub; every socket
// is joined to a room named by its own id so it can be addressed directly.
type Server struct {
	handler Handler
	rooms   *hub.Hub
	log     logrus.FieldLogger

	pingInterval time.Duration
	pingTimeout  time.Duration

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	sockets map[string]*Socket
}

func NewServer(handler Handler, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Server{
		handler:      handler,
		rooms:        hub.New(),
		log:          opts.Logger,
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sockets: make(map[string]*Socket),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t := r.URL.Query().Get("transport"); t != "" && t != "websocket" {
		http.Error(w, "only the websocket transport is supported", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	sock := newSocket(s, ws)
	s.register(sock)
	defer s.unregister(sock)

	open := map[string]any{
		"sid":          sock.id,
		"upgrades":     []string{},
		"pingInterval": s.pingInterval.Milliseconds(),
		"pingTimeout":  s.pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	if err := sock.writeText(string(engineOpen) + string(openBytes)); err != nil {
		return
	}

	go sock.pingLoop(s.pingInterval, s.pingTimeout)
	sock.readLoop(func(msg string) {
		s.handleMessage(sock, msg)
	})
}

func (s *Server) register(sock *Socket) {
	s.mu.Lock()
	s.sockets[sock.id] = sock
	s.mu.Unlock()
	s.rooms.Join(sock.id, sock)
}

func (s *Server) unregister(sock *Socket) {
	if !sock.unregistered.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	delete(s.sockets, sock.id)
	s.mu.Unlock()
	s.rooms.LeaveAll(sock)
	sock.close()

	if sock.connected.Load() {
		s.handler.OnDisconnect(sock, sock.closeReason())
	}
}

func (s *Server) socket(id string) *Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sockets[id]
}

// Count returns the number of open engine connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// EmitTo sends an event to the socket with the given id. It reports false
// when the socket is gone or the write failed.
func (s *Server) EmitTo(id string, event string, payload any) bool {
	msg, err := encodeEvent("/", event, payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Warn("socketio: encode failed")
		return false
	}
	return s.rooms.Broadcast(id, []byte(msg), nil) > 0
}

// EmitToRoom sends an event to every socket in room except the socket whose
// id is exceptID, and returns the number of sockets reached.
func (s *Server) EmitToRoom(room string, event string, payload any, exceptID string) int {
	msg, err := encodeEvent("/", event, payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Warn("socketio: encode failed")
		return 0
	}
	var except hub.Writer
	if exceptID != "" {
		if sock := s.socket(exceptID); sock != nil {
			except = sock
		}
	}
	return s.rooms.Broadcast(room, []byte(msg), except)
}

// CloseAll disconnects every open socket.
func (s *Server) CloseAll(reason string) {
	s.mu.RLock()
	socks := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.RUnlock()

	for _, sock := range socks {
		sock.Disconnect(reason)
	}
}

func (s *Server) handleMessage(sock *Socket, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		sock.markPong()
	case engineMessage:
		s.handleSocketPayload(sock, msg[1:])
	case engineClose:
		sock.Disconnect(ReasonTransportClose)
	}
}

func (s *Server) handleSocketPayload(sock *Socket, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(sock, payload)
	case socketDisconnect:
		sock.Disconnect(ReasonClientDisconnect)
	case socketEvent:
		s.handleEvent(sock, payload)
	}
}

func (s *Server) handleConnect(sock *Socket, payload string) {
	if sock.connected.Load() {
		return
	}

	ns, _ := parseOptionalNamespace(payload[1:])
	if ns != "/" {
		if pkt, err := encodeConnectError(ns, "Invalid namespace"); err == nil {
			_ = sock.writeText(pkt)
		}
		return
	}

	pkt, err := encodeConnect(ns, sock.id)
	if err != nil {
		return
	}
	if err := sock.writeText(pkt); err != nil {
		return
	}
	sock.connected.Store(true)
	s.handler.OnConnect(sock)
}

func (s *Server) handleEvent(sock *Socket, payload string) {
	if !sock.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		s.log.WithError(err).WithField("socket", sock.id).Debug("socketio: dropping malformed event")
		return
	}

	if pkt.Event == "ping" {
		if pkt.ID != nil {
			if ack, err := encodeAck(pkt.Namespace, *pkt.ID); err == nil {
				_ = sock.writeText(ack)
			}
		}
		return
	}

	s.handler.OnEvent(sock, pkt.Event, pkt.Payload())
}
