// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"iot-telemetry-hub/internal/data"
)

type bindingKey struct {
	deviceID, sensorID int64
}

// MemoryStore keeps everything in process memory. It backs the "memory"
// database driver and the package tests.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[int64]data.Device
	credentials map[string]data.DeviceCredential
	bindings    map[bindingKey]data.SensorBinding
	users       map[string]data.User
	readings    []data.Reading
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[int64]data.Device),
		credentials: make(map[string]data.DeviceCredential),
		bindings:    make(map[bindingKey]data.SensorBinding),
		users:       make(map[string]data.User),
	}
}

func (s *MemoryStore) PutDevice(d data.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

func (s *MemoryStore) PutCredential(c data.DeviceCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.Token] = c
}

func (s *MemoryStore) PutBinding(b data.SensorBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[bindingKey{b.DeviceID, b.SensorID}] = b
}

func (s *MemoryStore) DeleteBinding(deviceID, sensorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, bindingKey{deviceID, sensorID})
}

func (s *MemoryStore) PutUser(u data.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Email] = u
}

func (s *MemoryStore) CredentialByToken(_ context.Context, token string) (*data.DeviceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) TouchCredential(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[token]
	if !ok {
		return ErrNotFound
	}
	c.LastUsedAt = &at
	s.credentials[token] = c
	return nil
}

func (s *MemoryStore) Device(_ context.Context, id int64) (*data.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) TouchDevice(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastSeen = &at
	s.devices[id] = d
	return nil
}

func (s *MemoryStore) SensorIDsForDevice(_ context.Context, deviceID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for k := range s.bindings {
		if k.deviceID == deviceID {
			ids = append(ids, k.sensorID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) Binding(_ context.Context, deviceID, sensorID int64) (*data.SensorBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[bindingKey{deviceID, sensorID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) AppendReading(_ context.Context, r *data.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	s.readings = append(s.readings, *r)
	return nil
}

func (s *MemoryStore) ReadingsSince(_ context.Context, organizationID int64, since time.Time) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.Reading
	for _, r := range s.readings {
		if !s.ownedBy(r.DeviceID, organizationID) || r.CapturedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// ListReadings returns the newest matching readings first.
func (s *MemoryStore) ListReadings(_ context.Context, f ReadingFilter) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := clampLimit(f.Limit)
	out := make([]data.Reading, 0, limit)
	// Walk backwards; IDs grow with insertion order.
	for i := len(s.readings) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.readings[i]
		if !s.ownedBy(r.DeviceID, f.OrganizationID) {
			continue
		}
		if f.DeviceID != nil && r.DeviceID != *f.DeviceID {
			continue
		}
		if f.Since != nil && r.CapturedAt.Before(*f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (*data.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// ownedBy must be called with mu held.
func (s *MemoryStore) ownedBy(deviceID, organizationID int64) bool {
	d, ok := s.devices[deviceID]
	return ok && d.OrganizationID == organizationID
}
