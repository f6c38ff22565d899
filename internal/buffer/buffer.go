// internal/buffer/buffer.go
package buffer

import (
	"sync"

	"instrument-service/internal/model"
)

// DefaultCapacity matches the live-display depth used on the bench.
const DefaultCapacity = 1000

// Ring is a fixed-capacity sample buffer. Push never blocks and never
// fails: when full, the oldest sample is evicted. Recency beats
// completeness for live display; durable logging is a separate append
// path fed from the same sample stream.
type Ring struct {
	mutex    sync.RWMutex
	samples  []model.MeasurementSample
	capacity int
	head     int
	size     int
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		samples:  make([]model.MeasurementSample, capacity),
		capacity: capacity,
	}
}

// Push appends a sample, evicting the oldest when full.
func (r *Ring) Push(sample model.MeasurementSample) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.samples[(r.head+r.size)%r.capacity] = sample
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

// Snapshot returns the buffered samples oldest-first. The result is a
// deep copy; later pushes never mutate it.
func (r *Ring) Snapshot() []model.MeasurementSample {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]model.MeasurementSample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.samples[(r.head+i)%r.capacity].Clone()
	}
	return out
}

// Latest returns the newest sample, if any.
func (r *Ring) Latest() (model.MeasurementSample, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.size == 0 {
		return model.MeasurementSample{}, false
	}
	return r.samples[(r.head+r.size-1)%r.capacity].Clone(), true
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.size
}

// Clear discards all buffered samples.
func (r *Ring) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.head = 0
	r.size = 0
}

// Manager keeps one ring per device, created lazily on first push.
type Manager struct {
	mutex    sync.RWMutex
	rings    map[string]*Ring
	capacity int
}

// NewManager creates a buffer manager with per-device capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		rings:    make(map[string]*Ring),
		capacity: capacity,
	}
}

// Push routes a sample to its device's ring.
func (m *Manager) Push(sample model.MeasurementSample) {
	m.ring(sample.DeviceID).Push(sample)
}

// ring returns the device's ring, creating it if needed.
func (m *Manager) ring(deviceID string) *Ring {
	m.mutex.RLock()
	ring, ok := m.rings[deviceID]
	m.mutex.RUnlock()
	if ok {
		return ring
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if ring, ok = m.rings[deviceID]; ok {
		return ring
	}
	ring = NewRing(m.capacity)
	m.rings[deviceID] = ring
	return ring
}

// Snapshot returns the device's buffered samples oldest-first.
func (m *Manager) Snapshot(deviceID string) []model.MeasurementSample {
	m.mutex.RLock()
	ring, ok := m.rings[deviceID]
	m.mutex.RUnlock()
	if !ok {
		return nil
	}
	return ring.Snapshot()
}

// Latest returns the device's newest sample.
func (m *Manager) Latest(deviceID string) (model.MeasurementSample, bool) {
	m.mutex.RLock()
	ring, ok := m.rings[deviceID]
	m.mutex.RUnlock()
	if !ok {
		return model.MeasurementSample{}, false
	}
	return ring.Latest()
}

// Len returns the number of samples buffered for a device.
func (m *Manager) Len(deviceID string) int {
	m.mutex.RLock()
	ring, ok := m.rings[deviceID]
	m.mutex.RUnlock()
	if !ok {
		return 0
	}
	return ring.Len()
}

// Remove drops a device's ring entirely.
func (m *Manager) Remove(deviceID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.rings, deviceID)
}

// Clear empties a device's ring without removing it.
func (m *Manager) Clear(deviceID string) {
	m.mutex.RLock()
	ring, ok := m.rings[deviceID]
	m.mutex.RUnlock()
	if ok {
		ring.Clear()
	}
}
