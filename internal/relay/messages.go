package relay

import (
	"bytes"
	"encoding/json"
	"strconv"

	"gpio-relay/internal/model"
)

// Outbound event names.
const (
	EventDeviceRegistered  = "device-registered"
	EventDeviceOnline      = "device-online"
	EventDeviceOffline     = "device-offline"
	EventStatusChanged     = "gpio-status-changed"
	EventUserConnected     = "user-connected"
	EventControlCommand    = "gpio-control-command"
	EventControlSent       = "gpio-control-sent"
	EventControlSentLegacy = "gpio-control-response"
	EventDeviceStatus      = "device-status"
	EventUserDevices       = "user-devices"
	EventError             = "error"
)

// device-offline reasons.
const (
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
	ReasonReplaced   = "replaced"
)

const DefaultOwnerID = "unowned"

const (
	ownerRoomPrefix         = "owner:"
	invalidPayloadMessage   = "invalid payload"
	invalidPinNumberMessage = "pinNumber must be a number or a string"
)

// present reports whether a JSON value was supplied. false and 0 count as
// present; only an absent key or null does not.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decode(payload json.RawMessage, v any) error {
	if !present(payload) {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Reason: invalidPayloadMessage}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// deviceRef carries the device identifier under its current key and the
// older deviceId key.
type deviceRef struct {
	MacAddress string `json:"macAddress"`
	DeviceID   string `json:"deviceId"`
}

func (d deviceRef) id() string { return firstNonEmpty(d.MacAddress, d.DeviceID) }

type ownerRef struct {
	UserID  string `json:"userId"`
	OwnerID string `json:"ownerId"`
}

func (o ownerRef) id() string { return firstNonEmpty(o.UserID, o.OwnerID) }

type registerRequest struct {
	deviceRef
	ownerRef
	PinState model.PinState `json:"pinState"`
}

func (r registerRequest) validate() error {
	if r.deviceRef.id() == "" {
		return missing("macAddress")
	}
	return nil
}

type pinStatusRequest struct {
	deviceRef
	PinState model.PinState `json:"pinState"`
}

func (r pinStatusRequest) validate() error {
	if r.deviceRef.id() == "" {
		return missing("macAddress")
	}
	if r.PinState == nil {
		return missing("pinState")
	}
	return nil
}

type userConnectRequest struct {
	ownerRef
}

func (r userConnectRequest) validate() error {
	if r.ownerRef.id() == "" {
		return missing("userId")
	}
	return nil
}

type controlRequest struct {
	deviceRef
	ownerRef
	PinNumber json.RawMessage `json:"pinNumber"`
	State     json.RawMessage `json:"state"`
}

// command is a validated control request.
type command struct {
	DeviceID  string
	OwnerID   string
	Pin       string
	PinNumber any
	State     any
}

func (r controlRequest) validate() (command, error) {
	switch {
	case r.deviceRef.id() == "":
		return command{}, missing("macAddress")
	case !present(r.PinNumber):
		return command{}, missing("pinNumber")
	case !present(r.State):
		return command{}, missing("state")
	case r.ownerRef.id() == "":
		return command{}, missing("userId")
	}

	var pinNumber, state any
	if err := json.Unmarshal(r.PinNumber, &pinNumber); err != nil {
		return command{}, &ValidationError{Reason: invalidPayloadMessage}
	}
	if err := json.Unmarshal(r.State, &state); err != nil {
		return command{}, &ValidationError{Reason: invalidPayloadMessage}
	}

	var pin string
	switch v := pinNumber.(type) {
	case float64:
		pin = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		pin = v
	default:
		return command{}, &ValidationError{Reason: invalidPinNumberMessage}
	}
	if pin == "" {
		return command{}, missing("pinNumber")
	}

	return command{
		DeviceID:  r.deviceRef.id(),
		OwnerID:   r.ownerRef.id(),
		Pin:       pin,
		PinNumber: pinNumber,
		State:     state,
	}, nil
}

type deviceStatusRequest struct {
	deviceRef
	ownerRef
}

func (r deviceStatusRequest) validate() error {
	if r.deviceRef.id() == "" {
		return missing("macAddress")
	}
	if r.ownerRef.id() == "" {
		return missing("userId")
	}
	return nil
}

type userDevicesRequest struct {
	ownerRef
}

func (r userDevicesRequest) validate() error {
	if r.ownerRef.id() == "" {
		return missing("userId")
	}
	return nil
}

type deviceRegistered struct {
	MacAddress string `json:"macAddress"`
}

type deviceOnline struct {
	MacAddress string         `json:"macAddress"`
	PinState   model.PinState `json:"pinState"`
	Timestamp  int64          `json:"timestamp"`
}

type deviceOffline struct {
	MacAddress string `json:"macAddress"`
	Timestamp  int64  `json:"timestamp"`
	Reason     string `json:"reason,omitempty"`
}

type statusChanged struct {
	MacAddress string         `json:"macAddress"`
	PinState   model.PinState `json:"pinState"`
}

// DeviceView is the client-facing snapshot of a live device.
type DeviceView struct {
	MacAddress string         `json:"macAddress"`
	PinState   model.PinState `json:"pinState"`
	LastSeen   int64          `json:"lastSeen"`
	IsOnline   bool           `json:"isOnline,omitempty"`
}

func viewOf(dev model.DeviceSession, online bool) DeviceView {
	return DeviceView{
		MacAddress: dev.DeviceID,
		PinState:   dev.PinState,
		LastSeen:   dev.LastSeen,
		IsOnline:   online,
	}
}

type userConnected struct {
	Devices []DeviceView `json:"devices"`
}

type controlMessage struct {
	MacAddress string `json:"macAddress"`
	PinNumber  any    `json:"pinNumber"`
	State      any    `json:"state"`
	UserID     string `json:"userId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type deviceStatus struct {
	MacAddress string         `json:"macAddress"`
	PinState   model.PinState `json:"pinState"`
	LastSeen   int64          `json:"lastSeen"`
	IsOnline   bool           `json:"isOnline"`
}

type userDevices struct {
	OwnerID string       `json:"ownerId"`
	Devices []DeviceView `json:"devices"`
}

type errorReply struct {
	Message string `json:"message"`
}

func ownerRoom(ownerID string) string { return ownerRoomPrefix + ownerID }
