// Package registry tracks when each device was last heard from.
package registry

import (
	"maps"
	"sync"
	"time"
)

// DeviceStatus is the last packet observed from a device. The JSON keys
// match the /api/device-status response the dashboard reads.
type DeviceStatus struct {
	LastSeen      time.Time `json:"lastSeen"`
	RemoteAddress string    `json:"remoteAddress"`
	RemotePort    int       `json:"remotePort"`
	PacketNumber  int64     `json:"packetNumber"`
}

// Registry maps device identifiers to their latest status. Records are
// never evicted; the device population is small and operator controlled.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceStatus
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]DeviceStatus)}
}

// RecordSeen overwrites the record for deviceID. Sequence numbers are not
// compared, so a late or duplicated packet replaces a newer one; the record
// reflects the last packet observed rather than the highest sequence seen.
// The previous record is returned so callers can spot repeats.
func (r *Registry) RecordSeen(deviceID, address string, port int, sequence int64, now time.Time) (previous DeviceStatus, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, existed = r.devices[deviceID]
	r.devices[deviceID] = DeviceStatus{
		LastSeen:      now,
		RemoteAddress: address,
		RemotePort:    port,
		PacketNumber:  sequence,
	}
	return previous, existed
}

// Get returns the record for a single device.
func (r *Registry) Get(deviceID string) (DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.devices[deviceID]
	return s, ok
}

// Snapshot returns a copy of every record. The result is never nil.
func (r *Registry) Snapshot() map[string]DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.devices)
}

// Len returns the number of devices seen since start.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
