// Package relay implements the message handling between GPIO devices and the
// users that control them: registration, status fan-out, ownership-checked
// control commands, queries and disconnect cleanup.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"gpio-relay/internal/liveness"
	"gpio-relay/internal/model"
	"gpio-relay/internal/store"
)

// Session is one client connection as seen by the relay.
type Session interface {
	ID() string
	Emit(event string, payload any) error
	Join(room string)
	Leave(room string)
	Disconnect(reason string)
}

type handlerFunc func(e *Engine, s Session, payload json.RawMessage) error

// routes maps every accepted inbound event name to its handler. Older client
// revisions use the second name of each pair.
var routes = map[string]handlerFunc{
	"register-device":    (*Engine).register,
	"device-online":      (*Engine).register,
	"gpio-status-update": (*Engine).updatePinStatus,
	"pin-status-update":  (*Engine).updatePinStatus,
	"user-connect":       (*Engine).connectUser,
	"gpio-control":       (*Engine).control,
	"control-command":    (*Engine).control,
	"get-device-status":  (*Engine).deviceStatus,
	"get-user-devices":   (*Engine).userDevices,
	"heartbeat-ack":      (*Engine).heartbeatAck,
}

type Options struct {
	DefaultOwnerID string
	Liveness       liveness.Config
	Mirror         Mirror
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

type Engine struct {
	store        *store.Store
	broadcast    *Broadcaster
	monitor      *liveness.Monitor
	log          logrus.FieldLogger
	now          func() time.Time
	defaultOwner string
}

func NewEngine(st *store.Store, transport Transport, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DefaultOwnerID == "" {
		opts.DefaultOwnerID = DefaultOwnerID
	}

	e := &Engine{
		store:        st,
		broadcast:    NewBroadcaster(transport, opts.Mirror),
		log:          opts.Logger.WithField("component", "relay"),
		now:          opts.Now,
		defaultOwner: opts.DefaultOwnerID,
	}
	e.monitor = liveness.NewMonitor(opts.Liveness, liveness.Hooks{
		OnStateChange: e.onStateChange,
		Evict:         func(cutoff time.Time) { e.SweepStale(cutoff) },
	}, opts.Logger.WithField("component", "liveness"), opts.Now)
	return e
}

// Start launches background liveness work. Stop must be called on shutdown.
func (e *Engine) Start(ctx context.Context) { e.monitor.Start(ctx) }

// Stop cancels the sweep and every per-connection prober.
func (e *Engine) Stop() { e.monitor.Stop() }

func (e *Engine) Monitor() *liveness.Monitor { return e.monitor }

func (e *Engine) nowMillis() int64 { return e.now().UnixMilli() }

// HandleConnect starts heartbeat probing for a new connection.
func (e *Engine) HandleConnect(s Session) {
	e.monitor.Track(s)
	e.log.WithField("socket", s.ID()).Debug("connection opened")
}

// Dispatch routes one inbound event. Unknown events are ignored; handler
// errors are answered to the caller only.
func (e *Engine) Dispatch(s Session, event string, payload json.RawMessage) {
	h, ok := routes[event]
	if !ok {
		e.log.WithFields(logrus.Fields{"socket": s.ID(), "event": event}).Debug("ignoring unknown event")
		return
	}
	if err := h(e, s, payload); err != nil {
		e.replyError(s, event, err)
	}
}

// HandleDisconnect cleans up after a closed connection. It removes at most
// one device and one user session and announces the device as offline. A
// connection that owns nothing is a no-op.
func (e *Engine) HandleDisconnect(s Session, reason string) {
	id := s.ID()
	e.monitor.Untrack(id)

	offlineReason := ReasonDisconnect
	if reason == liveness.ReasonHeartbeatTimeout {
		offlineReason = liveness.ReasonHeartbeatTimeout
	}

	if dev, ok := e.store.RemoveDeviceByHandle(id); ok {
		e.broadcast.ToOwner(dev.OwnerID, EventDeviceOffline, deviceOffline{
			MacAddress: dev.DeviceID,
			Timestamp:  e.nowMillis(),
			Reason:     offlineReason,
		}, id)
		e.log.WithFields(logrus.Fields{
			"device": dev.DeviceID,
			"owner":  dev.OwnerID,
			"reason": reason,
		}).Info("device disconnected")
	}
	if user, ok := e.store.RemoveUserByHandle(id); ok {
		e.log.WithFields(logrus.Fields{"owner": user.OwnerID, "reason": reason}).Info("user disconnected")
	}
}

// SweepStale evicts every device last seen before cutoff and announces each
// one as offline with reason timeout. It returns the evicted device ids.
func (e *Engine) SweepStale(cutoff time.Time) []string {
	evicted := e.store.EvictStaleDevices(cutoff.UnixMilli())
	ids := make([]string, 0, len(evicted))
	now := e.nowMillis()
	for _, dev := range evicted {
		e.broadcast.ToOwner(dev.OwnerID, EventDeviceOffline, deviceOffline{
			MacAddress: dev.DeviceID,
			Timestamp:  now,
			Reason:     ReasonTimeout,
		}, dev.Handle)
		ids = append(ids, dev.DeviceID)
		e.log.WithFields(logrus.Fields{
			"device":   dev.DeviceID,
			"owner":    dev.OwnerID,
			"lastSeen": dev.LastSeen,
		}).Warn("device evicted after heartbeat timeout")
	}
	return ids
}

func (e *Engine) onStateChange(id string, state model.ConnectionState, latency time.Duration) {
	e.store.SetStateByHandle(id, state)
	e.log.WithFields(logrus.Fields{
		"socket":  id,
		"state":   state,
		"latency": latency,
	}).Info("connection state changed")
}

func (e *Engine) emit(s Session, event string, payload any) {
	if err := s.Emit(event, payload); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"socket": s.ID(), "event": event}).Debug("emit failed")
	}
}

func (e *Engine) replyError(s Session, event string, err error) {
	kind := errorKind(err)
	message := err.Error()
	if kind == "internal" {
		message = "internal error"
		e.log.WithError(err).WithField("event", event).Error("handler failed")
	} else {
		e.log.WithFields(logrus.Fields{
			"socket": s.ID(),
			"event":  event,
			"kind":   kind,
		}).Info(message)
	}
	e.emit(s, EventError, errorReply{Message: message})
}
