package device

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Device is an in-memory device that accepts canonical events.
type Device interface {
	ID() string
	ProcessEvent(Event)
}

// Router delivers canonical events to the device with the matching ID.
// Delivery is at-most-once: events for unknown devices are dropped.
type Router struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRouter creates a router over the given devices.
func NewRouter(devices ...Device) *Router {
	r := &Router{devices: make(map[string]Device, len(devices))}
	for _, d := range devices {
		r.devices[d.ID()] = d
	}
	return r
}

// Replace swaps the device set, e.g. after the inventory changed.
func (r *Router) Replace(devices []Device) {
	m := make(map[string]Device, len(devices))
	for _, d := range devices {
		m[d.ID()] = d
	}
	r.mu.Lock()
	r.devices = m
	r.mu.Unlock()
}

// Lookup returns the device with id.
func (r *Router) Lookup(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// IDs returns the routed device IDs.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch forwards e to its device and reports whether one was found.
func (r *Router) Dispatch(e Event) bool {
	d, ok := r.Lookup(e.DeviceID)
	if !ok {
		log.Trace().Str("device_id", e.DeviceID).Msg("Event for unknown device dropped")
		return false
	}
	d.ProcessEvent(e)
	return true
}
