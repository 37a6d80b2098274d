package relay

// Transport is the slice of the messaging layer the relay sends through:
// direct delivery to one connection and group delivery to a room.
type Transport interface {
	EmitTo(id string, event string, payload any) bool
	EmitToRoom(room string, event string, payload any, exceptID string) int
}

// Mirror receives a copy of every owner broadcast, for example to republish
// it on a message broker. Implementations must not block.
type Mirror interface {
	Publish(ownerID string, event string, payload any)
}

// Broadcaster turns "notify the owner's subscribers" into a room send on the
// transport, plus an optional mirror copy.
type Broadcaster struct {
	transport Transport
	mirror    Mirror
}

func NewBroadcaster(transport Transport, mirror Mirror) *Broadcaster {
	return &Broadcaster{transport: transport, mirror: mirror}
}

// ToOwner sends to every connection subscribed to ownerID except exceptID
// and returns how many were reached.
func (b *Broadcaster) ToOwner(ownerID, event string, payload any, exceptID string) int {
	n := b.transport.EmitToRoom(ownerRoom(ownerID), event, payload, exceptID)
	if b.mirror != nil {
		b.mirror.Publish(ownerID, event, payload)
	}
	return n
}

// ToConnection delivers directly to a single connection.
func (b *Broadcaster) ToConnection(id, event string, payload any) bool {
	if id == "" {
		return false
	}
	return b.transport.EmitTo(id, event, payload)
}
