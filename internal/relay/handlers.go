package relay

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
	"gpio-relay/internal/store"
)

func (e *Engine) register(s Session, payload json.RawMessage) error {
	var req registerRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	deviceID := req.deviceRef.id()
	ownerID := firstNonEmpty(req.ownerRef.id(), e.defaultOwner)
	before := e.store.HandleOwners(s.ID())
	dev, dropped := e.store.UpsertDevice(deviceID, ownerID, req.PinState, s.ID(), e.nowMillis())
	e.leaveOwnerRooms(s, before)
	s.Join(ownerRoom(ownerID))

	e.emit(s, EventDeviceRegistered, deviceRegistered{MacAddress: deviceID})
	for _, old := range dropped {
		e.broadcast.ToOwner(old.OwnerID, EventDeviceOffline, deviceOffline{
			MacAddress: old.DeviceID,
			Timestamp:  dev.LastSeen,
			Reason:     ReasonReplaced,
		}, s.ID())
	}
	e.broadcast.ToOwner(ownerID, EventDeviceOnline, deviceOnline{
		MacAddress: deviceID,
		PinState:   dev.PinState,
		Timestamp:  dev.LastSeen,
	}, s.ID())

	e.log.WithFields(logrus.Fields{
		"device": deviceID,
		"owner":  ownerID,
		"socket": s.ID(),
	}).Info("device registered")
	return nil
}

func (e *Engine) updatePinStatus(s Session, payload json.RawMessage) error {
	var req pinStatusRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	deviceID := req.deviceRef.id()
	dev, err := e.store.MergePinState(deviceID, s.ID(), req.PinState, e.nowMillis())
	if errors.Is(err, store.ErrDeviceNotFound) {
		return &AuthorizationError{Reason: "Unauthorized: device is not registered"}
	}
	if err != nil {
		return fromStore(err, deviceID)
	}

	e.broadcast.ToOwner(dev.OwnerID, EventStatusChanged, statusChanged{
		MacAddress: dev.DeviceID,
		PinState:   dev.PinState,
	}, "")
	return nil
}

func (e *Engine) connectUser(s Session, payload json.RawMessage) error {
	var req userConnectRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	ownerID := req.ownerRef.id()
	before := e.store.HandleOwners(s.ID())
	_, dropped := e.store.UpsertUser(ownerID, s.ID(), e.nowMillis())
	e.leaveOwnerRooms(s, before)
	s.Join(ownerRoom(ownerID))
	for _, old := range dropped {
		e.log.WithFields(logrus.Fields{"owner": old.OwnerID, "socket": s.ID()}).Debug("user session replaced")
	}

	devices := e.store.OwnerDevices(ownerID)
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, viewOf(dev, false))
	}
	e.emit(s, EventUserConnected, userConnected{Devices: views})

	e.log.WithFields(logrus.Fields{
		"owner":   ownerID,
		"socket":  s.ID(),
		"devices": len(views),
	}).Info("user connected")
	return nil
}

// leaveOwnerRooms removes s from the room of every owner in before that it
// no longer holds a device or user session under.
func (e *Engine) leaveOwnerRooms(s Session, before []string) {
	held := make(map[string]bool)
	for _, id := range e.store.HandleOwners(s.ID()) {
		held[id] = true
	}
	for _, id := range before {
		if !held[id] {
			s.Leave(ownerRoom(id))
		}
	}
}

// control relays a pin command to the device without waiting for it to
// confirm; the pin state is updated optimistically.
func (e *Engine) control(s Session, payload json.RawMessage) error {
	var req controlRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	cmd, err := req.validate()
	if err != nil {
		return err
	}

	now := e.nowMillis()
	dev, err := e.store.ApplyCommand(cmd.DeviceID, cmd.OwnerID, cmd.Pin, cmd.State, now)
	if err != nil {
		return fromStore(err, cmd.DeviceID)
	}

	msg := controlMessage{
		MacAddress: cmd.DeviceID,
		PinNumber:  cmd.PinNumber,
		State:      cmd.State,
		Timestamp:  now,
	}
	if !e.broadcast.ToConnection(dev.Handle, EventControlCommand, msg) {
		e.log.WithFields(logrus.Fields{"device": dev.DeviceID, "socket": dev.Handle}).Debug("control command not delivered")
	}

	e.broadcast.ToOwner(dev.OwnerID, EventStatusChanged, statusChanged{
		MacAddress: dev.DeviceID,
		PinState:   dev.PinState,
	}, "")

	msg.UserID = cmd.OwnerID
	e.emit(s, EventControlSent, msg)
	e.emit(s, EventControlSentLegacy, msg)

	e.log.WithFields(logrus.Fields{
		"device": cmd.DeviceID,
		"owner":  cmd.OwnerID,
		"pin":    cmd.Pin,
		"state":  cmd.State,
	}).Info("control command relayed")
	return nil
}

func (e *Engine) deviceStatus(s Session, payload json.RawMessage) error {
	var req deviceStatusRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	deviceID := req.deviceRef.id()
	dev, err := e.store.DeviceStatus(deviceID, req.ownerRef.id())
	if err != nil {
		return fromStore(err, deviceID)
	}
	e.emit(s, EventDeviceStatus, deviceStatus{
		MacAddress: dev.DeviceID,
		PinState:   dev.PinState,
		LastSeen:   dev.LastSeen,
		IsOnline:   true,
	})
	return nil
}

func (e *Engine) userDevices(s Session, payload json.RawMessage) error {
	var req userDevicesRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	ownerID := req.ownerRef.id()
	devices := e.store.OwnerDevices(ownerID)
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, viewOf(dev, true))
	}
	e.emit(s, EventUserDevices, userDevices{OwnerID: ownerID, Devices: views})
	return nil
}

// heartbeatAck refreshes whichever session the connection owns. Acks from a
// connection that owns nothing, for example after eviction, are dropped.
func (e *Engine) heartbeatAck(s Session, _ json.RawMessage) error {
	state, _ := e.monitor.Ack(s.ID())
	if !e.store.TouchByHandle(s.ID(), state, e.nowMillis()) {
		e.log.WithField("socket", s.ID()).Debug("heartbeat ack from unknown connection")
	}
	return nil
}
