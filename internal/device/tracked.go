package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is one component of a cloud device and its capabilities.
type Component struct {
	ID           string
	Capabilities []string
}

// Info describes a cloud device as listed by the platform.
type Info struct {
	ID         string
	Label      string
	Components []Component
}

// Capabilities returns the distinct capability names across all components,
// in first-seen order.
func (i Info) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range i.Components {
		for _, capability := range c.Capabilities {
			if seen[capability] {
				continue
			}
			seen[capability] = true
			out = append(out, capability)
		}
	}
	return out
}

// Attribute is the last reported value of one attribute.
type Attribute struct {
	Value     any
	UpdatedAt time.Time
}

// Tracked keeps the latest attribute values reported for a device.
type Tracked struct {
	info Info

	mu       sync.RWMutex
	state    map[string]Attribute
	handlers []Listener
}

// NewTracked creates a tracked device.
func NewTracked(info Info) *Tracked {
	return &Tracked{
		info:  info,
		state: make(map[string]Attribute),
	}
}

// ID implements Device.
func (t *Tracked) ID() string {
	return t.info.ID
}

// Info returns the device description.
func (t *Tracked) Info() Info {
	return t.info
}

// OnEvent registers a handler called after the state is updated.
func (t *Tracked) OnEvent(h Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// ProcessEvent implements Device.
func (t *Tracked) ProcessEvent(e Event) {
	t.mu.Lock()
	t.state[e.Key()] = Attribute{Value: e.Value, UpdatedAt: time.Now()}
	handlers := t.handlers
	t.mu.Unlock()

	log.Debug().
		Str("device_id", t.info.ID).
		Str("label", t.info.Label).
		Str("component", e.ComponentID).
		Str("capability", e.Capability).
		Str("attribute", e.Attribute).
		Interface("value", e.Value).
		Msg("Device state updated")

	for _, h := range handlers {
		h(e)
	}
}

// Get returns the last value of component/capability.attribute.
func (t *Tracked) Get(component, capability, attribute string) (Attribute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.state[Event{ComponentID: component, Capability: capability, Attribute: attribute}.Key()]
	return a, ok
}
