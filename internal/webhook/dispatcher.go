package webhook

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/smartthings"
)

// Deduper records delivered event IDs. MarkDelivered returns false for an ID
// that was delivered before.
type Deduper interface {
	MarkDelivered(eventID, source string, payload map[string]any) (bool, error)
}

// IdentitySink receives installed app identities seen in lifecycle envelopes.
type IdentitySink interface {
	Update(id smartthings.Identity) (bool, error)
}

// Dispatcher fans canonical events out to listeners, in order, at most once per event ID.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []device.Listener

	dedupe   Deduper
	identity IdentitySink
}

// NewDispatcher creates a dispatcher. dedupe and identity may be nil.
func NewDispatcher(dedupe Deduper, identity IdentitySink) *Dispatcher {
	return &Dispatcher{dedupe: dedupe, identity: identity}
}

// AddListener registers l for every dispatched event.
func (d *Dispatcher) AddListener(l device.Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch delivers e to all listeners unless its event ID was already delivered.
// It reports whether the event was delivered.
func (d *Dispatcher) Dispatch(e device.Event, source string) bool {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	if d.dedupe != nil {
		fresh, err := d.dedupe.MarkDelivered(e.EventID, source, map[string]any{
			"device_id":  e.DeviceID,
			"capability": e.Capability,
			"attribute":  e.Attribute,
		})
		if err != nil {
			log.Warn().Err(err).Str("event_id", e.EventID).Msg("Failed to record event, delivering anyway")
		} else if !fresh {
			log.Debug().Str("event_id", e.EventID).Str("source", source).Msg("Duplicate event ignored")
			return false
		}
	}

	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	log.Debug().Str("source", source).Msgf("Device event: %s", e)

	for _, l := range listeners {
		notify(l, e)
	}
	return true
}

func notify(l device.Listener, e device.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("device_id", e.DeviceID).Msg("Event listener panicked")
		}
	}()
	l(e)
}

// CaptureIdentity forwards a non-empty identity to the sink.
func (d *Dispatcher) CaptureIdentity(id smartthings.Identity) {
	if d.identity == nil || (id.InstalledAppID == "" && id.LocationID == "") {
		return
	}
	if _, err := d.identity.Update(id); err != nil {
		log.Error().Err(err).Msg("Failed to persist installed app identity")
	}
}
