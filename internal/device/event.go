// Package device holds the in-memory view of cloud devices and routes
// canonical events to them.
package device

import (
	"encoding/json"
	"fmt"
)

// Event is the canonical form of a device state change. Every inbound wire
// shape is converted to it before reaching a device.
type Event struct {
	DeviceID    string `json:"deviceId"`
	ComponentID string `json:"componentId"`
	Capability  string `json:"capability"`
	Attribute   string `json:"attribute"`
	Value       any    `json:"value"`

	// EventID is the platform's event identifier when one was supplied. It is
	// used for redelivery suppression only.
	EventID string `json:"eventId,omitempty"`
}

// Key returns "component/capability.attribute".
func (e Event) Key() string {
	return fmt.Sprintf("%s/%s.%s", e.ComponentID, e.Capability, e.Attribute)
}

// String renders the value for logs.
func (e Event) String() string {
	value, err := json.Marshal(e.Value)
	if err != nil {
		value = []byte(fmt.Sprint(e.Value))
	}
	return fmt.Sprintf("%s %s.%s = %s", e.DeviceID, e.Capability, e.Attribute, value)
}

// Listener receives canonical events.
type Listener func(Event)
