package store

import (
	"sort"

	"gpio-relay/internal/model"
)

// ownerIndex maps an owner to every device id registered under it during the
// process lifetime. Entries are never removed so a reconnecting device keeps
// showing up for its owner. Callers hold Store.mu.
type ownerIndex struct {
	devices map[string]map[string]struct{}
}

func newOwnerIndex() *ownerIndex {
	return &ownerIndex{devices: make(map[string]map[string]struct{})}
}

func (o *ownerIndex) add(ownerID, deviceID string) {
	set, ok := o.devices[ownerID]
	if !ok {
		set = make(map[string]struct{})
		o.devices[ownerID] = set
	}
	set[deviceID] = struct{}{}
}

func (o *ownerIndex) list(ownerID string) []string {
	set := o.devices[ownerID]
	result := make([]string, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

func (s *Store) AddDeviceToOwner(ownerID, deviceID string) {
	if ownerID == "" || deviceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners.add(ownerID, deviceID)
}

// DevicesOf returns the indexed device ids for ownerID, live or not.
func (s *Store) DevicesOf(ownerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owners.list(ownerID)
}

// OwnerDevices joins the owner index against the live device sessions.
// Indexed devices without a live session are skipped.
func (s *Store) OwnerDevices(ownerID string) []model.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.owners.list(ownerID)
	result := make([]model.DeviceSession, 0, len(ids))
	for _, id := range ids {
		dev, ok := s.devicesByID[id]
		if !ok || dev.OwnerID != ownerID {
			continue
		}
		result = append(result, cloneDevice(dev))
	}
	return result
}
