package store

import (
	"errors"
	"sort"
	"sync"

	"gpio-relay/internal/model"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrHandleMismatch = errors.New("device is registered to another connection")
	ErrOwnerMismatch  = errors.New("device belongs to another owner")
)

// Store is the in-memory registry of live device and user sessions plus the
// owner index. It is volatile and rebuilt as clients reconnect.
type Store struct {
	mu sync.RWMutex

	devicesByID map[string]model.DeviceSession
	usersByID   map[string]model.UserSession
	owners      *ownerIndex
}

func New() *Store {
	return &Store{
		devicesByID: make(map[string]model.DeviceSession),
		usersByID:   make(map[string]model.UserSession),
		owners:      newOwnerIndex(),
	}
}

func cloneDevice(d model.DeviceSession) model.DeviceSession {
	d.PinState = d.PinState.Clone()
	return d
}

// UpsertDevice creates or replaces the session for deviceID and indexes it
// under ownerID. A previous session for the same id is dropped along with its
// handle. A handle serves at most one device: any other device session held
// by handle is removed and returned.
func (s *Store) UpsertDevice(deviceID, ownerID string, pins model.PinState, handle string, nowMillis int64) (model.DeviceSession, []model.DeviceSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []model.DeviceSession
	if handle != "" {
		for id, dev := range s.devicesByID {
			if id != deviceID && dev.Handle == handle {
				delete(s.devicesByID, id)
				dropped = append(dropped, cloneDevice(dev))
			}
		}
		sort.Slice(dropped, func(i, j int) bool { return dropped[i].DeviceID < dropped[j].DeviceID })
	}

	dev := model.DeviceSession{
		DeviceID: deviceID,
		OwnerID:  ownerID,
		PinState: pins.Clone(),
		LastSeen: nowMillis,
		State:    model.StateConnected,
		Handle:   handle,
	}
	s.devicesByID[deviceID] = dev
	s.owners.add(ownerID, deviceID)
	return cloneDevice(dev), dropped
}

func (s *Store) GetDevice(deviceID string) (model.DeviceSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devicesByID[deviceID]
	if !ok {
		return model.DeviceSession{}, false
	}
	return cloneDevice(dev), true
}

func (s *Store) RemoveDeviceByHandle(handle string) (model.DeviceSession, bool) {
	if handle == "" {
		return model.DeviceSession{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, dev := range s.devicesByID {
		if dev.Handle == handle {
			delete(s.devicesByID, id)
			return dev, true
		}
	}
	return model.DeviceSession{}, false
}

// MergePinState applies a partial pin update sent by the device's own
// connection. Updates from any other connection are rejected untouched.
func (s *Store) MergePinState(deviceID, handle string, update model.PinState, nowMillis int64) (model.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devicesByID[deviceID]
	if !ok {
		return model.DeviceSession{}, ErrDeviceNotFound
	}
	if dev.Handle != handle {
		return model.DeviceSession{}, ErrHandleMismatch
	}

	dev.PinState.Merge(update)
	dev.LastSeen = nowMillis
	s.devicesByID[deviceID] = dev
	return cloneDevice(dev), nil
}

// ApplyCommand records the commanded pin value for an owner-checked control
// command so queries reflect it before the device confirms.
func (s *Store) ApplyCommand(deviceID, ownerID, pin string, value any, nowMillis int64) (model.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devicesByID[deviceID]
	if !ok {
		return model.DeviceSession{}, ErrDeviceNotFound
	}
	if dev.OwnerID != ownerID {
		return model.DeviceSession{}, ErrOwnerMismatch
	}

	dev.PinState[pin] = value
	dev.LastSeen = nowMillis
	s.devicesByID[deviceID] = dev
	return cloneDevice(dev), nil
}

func (s *Store) DeviceStatus(deviceID, ownerID string) (model.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devicesByID[deviceID]
	if !ok {
		return model.DeviceSession{}, ErrDeviceNotFound
	}
	if dev.OwnerID != ownerID {
		return model.DeviceSession{}, ErrOwnerMismatch
	}
	return cloneDevice(dev), nil
}

// EvictStaleDevices removes every device session last seen before cutoff and
// returns them. A device already removed is simply not returned again.
func (s *Store) EvictStaleDevices(cutoffMillis int64) []model.DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []model.DeviceSession
	for id, dev := range s.devicesByID {
		if dev.LastSeen < cutoffMillis {
			delete(s.devicesByID, id)
			evicted = append(evicted, dev)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].DeviceID < evicted[j].DeviceID })
	return evicted
}

func (s *Store) ListDevices() []model.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.DeviceSession, 0, len(s.devicesByID))
	for _, dev := range s.devicesByID {
		result = append(result, cloneDevice(dev))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// UpsertUser records handle as the connection of ownerID. Like devices, a
// handle holds at most one user session; one it held for another owner is
// removed and returned.
func (s *Store) UpsertUser(ownerID, handle string, nowMillis int64) (model.UserSession, []model.UserSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []model.UserSession
	if handle != "" {
		for id, user := range s.usersByID {
			if id != ownerID && user.Handle == handle {
				delete(s.usersByID, id)
				dropped = append(dropped, user)
			}
		}
	}

	user := model.UserSession{
		OwnerID:  ownerID,
		LastSeen: nowMillis,
		State:    model.StateConnected,
		Handle:   handle,
	}
	s.usersByID[ownerID] = user
	return user, dropped
}

func (s *Store) GetUser(ownerID string) (model.UserSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[ownerID]
	return user, ok
}

func (s *Store) RemoveUserByHandle(handle string) (model.UserSession, bool) {
	if handle == "" {
		return model.UserSession{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, user := range s.usersByID {
		if user.Handle == handle {
			delete(s.usersByID, id)
			return user, true
		}
	}
	return model.UserSession{}, false
}

// HandleOwners lists, sorted, the owners under which handle currently holds
// a device or user session.
func (s *Store) HandleOwners(handle string) []string {
	if handle == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, dev := range s.devicesByID {
		if dev.Handle == handle {
			seen[dev.OwnerID] = true
		}
	}
	for _, user := range s.usersByID {
		if user.Handle == handle {
			seen[user.OwnerID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TouchByHandle refreshes lastSeen and sets the connection state of the
// session owned by handle, checking devices before users. It reports false
// when no session matches.
func (s *Store) TouchByHandle(handle string, state model.ConnectionState, nowMillis int64) bool {
	if handle == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, dev := range s.devicesByID {
		if dev.Handle == handle {
			dev.LastSeen = nowMillis
			dev.State = state
			s.devicesByID[id] = dev
			return true
		}
	}
	for id, user := range s.usersByID {
		if user.Handle == handle {
			user.LastSeen = nowMillis
			user.State = state
			s.usersByID[id] = user
			return true
		}
	}
	return false
}

// SetStateByHandle changes only the connection state, leaving lastSeen alone.
func (s *Store) SetStateByHandle(handle string, state model.ConnectionState) bool {
	if handle == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for id, dev := range s.devicesByID {
		if dev.Handle == handle {
			dev.State = state
			s.devicesByID[id] = dev
			found = true
			break
		}
	}
	for id, user := range s.usersByID {
		if user.Handle == handle {
			user.State = state
			s.usersByID[id] = user
			found = true
			break
		}
	}
	return found
}

func (s *Store) Counts() (devices int, users int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devicesByID), len(s.usersByID)
}
