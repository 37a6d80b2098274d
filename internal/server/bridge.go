package server

import (
	"encoding/json"

	"gpio-relay/internal/relay"
	"gpio-relay/internal/socketio"
)

// socketBridge feeds socket lifecycle callbacks into the relay engine.
type socketBridge struct {
	engine *relay.Engine
}

func (b *socketBridge) OnConnect(s *socketio.Socket) {
	b.engine.HandleConnect(s)
}

func (b *socketBridge) OnEvent(s *socketio.Socket, event string, payload json.RawMessage) {
	b.engine.Dispatch(s, event, payload)
}

func (b *socketBridge) OnDisconnect(s *socketio.Socket, reason string) {
	b.engine.HandleDisconnect(s, reason)
}
