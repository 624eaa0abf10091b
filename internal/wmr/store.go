package wmr

import (
	"sort"
	"sync"
)

type slotKey struct {
	kind   Kind
	sensor int
}

func keyOf(r Reading) slotKey {
	k := slotKey{kind: r.Kind}
	if r.Kind == KindTemperature && r.Temp != nil {
		k.sensor = r.Temp.SensorID
	}
	return k
}

// Store keeps the latest Reading per sensor. A slot only moves forward in
// time: an update older than the stored reading is ignored, one with an
// equal timestamp replaces it.
type Store struct {
	mu    sync.RWMutex
	slots map[slotKey]Reading
}

func NewStore() *Store {
	return &Store{slots: make(map[slotKey]Reading)}
}

// Update commits r if it is at least as new as the stored reading and
// reports whether it did.
func (s *Store) Update(r Reading) bool {
	k := keyOf(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.slots[k]; ok && r.Time.Before(old.Time) {
		return false
	}
	s.slots[k] = r
	return true
}

// Latest returns the stored reading of a non-temperature kind.
func (s *Store) Latest(kind Kind) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.slots[slotKey{kind: kind}]
	return r, ok
}

// Temperature returns the stored reading of one temperature sensor.
func (s *Store) Temperature(sensorID int) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.slots[slotKey{kind: KindTemperature, sensor: sensorID}]
	return r, ok
}

// Snapshot returns every stored reading ordered by kind, then sensor id.
func (s *Store) Snapshot() []Reading {
	s.mu.RLock()
	keys := make([]slotKey, 0, len(s.slots))
	for k := range s.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].sensor < keys[j].sensor
	})
	out := make([]Reading, len(keys))
	for i, k := range keys {
		out[i] = s.slots[k]
	}
	s.mu.RUnlock()
	return out
}
