package model

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateUnstable     ConnectionState = "unstable"
	StateDisconnected ConnectionState = "disconnected"
)

// PinState maps a pin identifier to its last reported or commanded value.
type PinState map[string]any

func (p PinState) Clone() PinState {
	out := make(PinState, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge overwrites the keys present in update and keeps the rest.
func (p PinState) Merge(update PinState) {
	for k, v := range update {
		p[k] = v
	}
}

type DeviceSession struct {
	DeviceID string
	OwnerID  string
	PinState PinState
	LastSeen int64
	State    ConnectionState
	Handle   string
}

type UserSession struct {
	OwnerID  string
	LastSeen int64
	State    ConnectionState
	Handle   string
}
