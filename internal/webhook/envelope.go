package webhook

import (
	"encoding/json"

	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/smartthings"
)

// Lifecycle is the sub-type of an enveloped platform request.
type Lifecycle string

const (
	LifecyclePing          Lifecycle = "PING"
	LifecycleConfirmation  Lifecycle = "CONFIRMATION"
	LifecycleEvent         Lifecycle = "EVENT"
	LifecycleInstall       Lifecycle = "INSTALL"
	LifecycleConfiguration Lifecycle = "CONFIGURATION"
	LifecycleUpdate        Lifecycle = "UPDATE"
	LifecycleUninstall     Lifecycle = "UNINSTALL"
)

// envelope covers both the enveloped lifecycle shape and the legacy direct event shape.
type envelope struct {
	Lifecycle   Lifecycle `json:"lifecycle"`
	MessageType Lifecycle `json:"messageType"`

	PingData *struct {
		Challenge string `json:"challenge"`
	} `json:"pingData"`

	ConfirmationData *struct {
		AppID           string `json:"appId"`
		ConfirmationURL string `json:"confirmationUrl"`
	} `json:"confirmationData"`

	EventData *struct {
		InstalledApp *installedApp  `json:"installedApp"`
		Events       json.RawMessage `json:"events"`
	} `json:"eventData"`

	InstallData *struct {
		InstalledApp *installedApp `json:"installedApp"`
	} `json:"installData"`

	// legacy direct shape
	DeviceID    string `json:"deviceId"`
	ComponentID string `json:"componentId"`
	Capability  string `json:"capability"`
	Attribute   string `json:"attribute"`
	Value       any    `json:"value"`
}

type installedApp struct {
	InstalledAppID string `json:"installedAppId"`
	LocationID     string `json:"locationId"`
}

func (a *installedApp) identity() smartthings.Identity {
	if a == nil {
		return smartthings.Identity{}
	}
	return smartthings.Identity{InstalledAppID: a.InstalledAppID, LocationID: a.LocationID}
}

// lifecycle returns the sub-type; messageType is an alias used by API-only apps.
func (e *envelope) lifecycle() Lifecycle {
	if e.Lifecycle != "" {
		return e.Lifecycle
	}
	return e.MessageType
}

func (e *envelope) isLegacyEvent() bool {
	return e.DeviceID != "" && e.Capability != ""
}

func (e *envelope) legacyEvent() device.Event {
	return device.Event{
		DeviceID:    e.DeviceID,
		ComponentID: e.ComponentID,
		Capability:  e.Capability,
		Attribute:   e.Attribute,
		Value:       e.Value,
	}
}

type eventItem struct {
	EventType   string `json:"eventType"`
	DeviceEvent *struct {
		EventID     string `json:"eventId"`
		DeviceID    string `json:"deviceId"`
		ComponentID string `json:"componentId"`
		Capability  string `json:"capability"`
		Attribute   string `json:"attribute"`
		Value       any    `json:"value"`
	} `json:"deviceEvent"`
}

// deviceEvents converts DEVICE_EVENT entries to canonical events in order.
// Entries that fail to decode or lack a device, capability or attribute are skipped.
// Anything other than an array yields no events.
func deviceEvents(data json.RawMessage) (events []device.Event, skipped int) {
	var items []json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &items) != nil {
		return nil, 0
	}
	for _, raw := range items {
		var item eventItem
		if err := json.Unmarshal(raw, &item); err != nil {
			skipped++
			continue
		}
		if item.EventType != "DEVICE_EVENT" {
			continue
		}
		de := item.DeviceEvent
		if de == nil || de.DeviceID == "" || de.Capability == "" || de.Attribute == "" {
			skipped++
			continue
		}
		events = append(events, device.Event{
			DeviceID:    de.DeviceID,
			ComponentID: de.ComponentID,
			Capability:  de.Capability,
			Attribute:   de.Attribute,
			Value:       de.Value,
			EventID:     de.EventID,
		})
	}
	return events, skipped
}
