package cxsdr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cxsdr/cxsdr/cx2388x"
)

// DeviceID is an opaque handle naming one registered card.
type DeviceID uint64

// DeviceRegistry tracks the active devices for multi-card support. One
// registry, one lock; device lifetimes are managed by the callers.
type DeviceRegistry struct {
	mu      sync.Mutex
	nextID  DeviceID
	devices map[DeviceID]*cx2388x.Device
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{nextID: 1, devices: make(map[DeviceID]*cx2388x.Device)}
}

// ActiveDevices is the process-wide registry.
var ActiveDevices = NewDeviceRegistry()

// Add registers a device and returns its handle.
func (r *DeviceRegistry) Add(dev *cx2388x.Device) DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.devices[id] = dev
	return id
}

// Lookup returns the device for a handle.
func (r *DeviceRegistry) Lookup(id DeviceID) (*cx2388x.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("no device registered with id %d", id)
	}
	return dev, nil
}

// Remove unregisters a handle. It does not tear the device down.
func (r *DeviceRegistry) Remove(id DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// IDs returns the registered handles in ascending order.
func (r *DeviceRegistry) IDs() []DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]DeviceID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
