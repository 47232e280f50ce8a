package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/config"
	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/kv"
	"github.com/dokzlo13/stbridge/internal/samsung"
)

// TVStatus is the last art mode read from a TV.
type TVStatus struct {
	ArtMode   samsung.ArtMode `json:"artMode"`
	CheckedAt time.Time       `json:"checkedAt"`
	Error     string          `json:"error,omitempty"`
	Power     string          `json:"power,omitempty"` // last switch value of the cloud device
}

// TVService owns the local control connections of the configured TVs.
type TVService struct {
	cfg      *config.Config
	Registry *samsung.Registry
	status   kv.Bucket

	mu       sync.Mutex
	debounce map[string]*device.Coalescer
	devices  map[string]*device.Tracked // by TV name
}

// NewTVService creates the service. Tokens are stored as files under the storage dir.
func NewTVService(cfg *config.Config, status kv.Bucket, dialer samsung.Dialer) *TVService {
	store := samsung.NewFileTokenStore(cfg.Storage.Dir)
	return &TVService{
		cfg:      cfg,
		Registry: samsung.NewRegistry(cfg.Samsung.Client(), store, dialer),
		status:   status,
		debounce: make(map[string]*device.Coalescer),
		devices:  make(map[string]*device.Tracked),
	}
}

// Conn returns the connection of the named TV.
func (s *TVService) Conn(name string) (*samsung.Conn, error) {
	tv, ok := s.cfg.TV(name)
	if !ok {
		return nil, fmt.Errorf("unknown tv %q", name)
	}
	return s.Registry.Get(tv.Address, tv.Token), nil
}

// Attach re-reads a TV's art mode whenever its cloud device reports a power change.
func (s *TVService) Attach(ctx context.Context, devices []*device.Tracked) {
	byID := make(map[string]*device.Tracked, len(devices))
	for _, d := range devices {
		byID[d.ID()] = d
	}

	for _, tv := range s.cfg.TVs {
		if tv.DeviceID == "" {
			continue
		}
		d, ok := byID[tv.DeviceID]
		if !ok {
			log.Warn().Str("tv", tv.Name).Str("device_id", tv.DeviceID).Msg("TV device not found in inventory")
			continue
		}

		name := tv.Name
		s.mu.Lock()
		s.devices[name] = d
		s.mu.Unlock()

		c := s.coalescer(ctx, name)
		d.OnEvent(func(e device.Event) {
			if e.Capability != "switch" || e.Attribute != "switch" {
				return
			}
			c.Add(e)
		})
		log.Debug().Str("tv", name).Str("device_id", tv.DeviceID).Msg("Attached TV to cloud device")
	}
}

// coalescer returns the per-TV batcher of power events, reused across inventory refreshes.
func (s *TVService) coalescer(ctx context.Context, name string) *device.Coalescer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.debounce[name]; ok {
		return c
	}
	c := device.NewCoalescer(s.cfg.Samsung.StatusDebounce.Duration(), func(events []device.Event) {
		st := s.RefreshStatus(ctx, name)
		log.Debug().
			Str("tv", name).
			Int("events", len(events)).
			Str("art_mode", string(st.ArtMode)).
			Msg("TV status refreshed after power change")
	})
	s.debounce[name] = c
	return c
}

// RefreshStatus queries the art mode of the named TV and stores it.
func (s *TVService) RefreshStatus(ctx context.Context, name string) TVStatus {
	conn, err := s.Conn(name)
	if err != nil {
		return TVStatus{ArtMode: samsung.ArtModeOff, CheckedAt: time.Now().UTC(), Error: err.Error()}
	}

	st := TVStatus{ArtMode: conn.QueryArtMode(ctx), CheckedAt: time.Now().UTC()}
	if err := conn.LastStatusError(); err != nil {
		st.Error = err.Error()
	}

	if s.status != nil {
		if err := kv.PutJSON(s.status, name, st); err != nil {
			log.Warn().Err(err).Str("tv", name).Msg("Failed to store TV status")
		}
	}
	return st
}

// Status returns the last stored status of the named TV.
func (s *TVService) Status(name string) (TVStatus, bool) {
	var st TVStatus
	if s.status == nil {
		return st, false
	}
	ok, err := kv.GetJSON(s.status, name, &st)
	if err != nil {
		log.Warn().Err(err).Str("tv", name).Msg("Failed to read TV status")
		return st, false
	}
	return st, ok
}

// Snapshot returns the stored status of every configured TV, with the power
// state of its cloud device when one is attached.
func (s *TVService) Snapshot() map[string]TVStatus {
	out := make(map[string]TVStatus, len(s.cfg.TVs))
	for _, tv := range s.cfg.TVs {
		st, _ := s.Status(tv.Name)

		s.mu.Lock()
		d := s.devices[tv.Name]
		s.mu.Unlock()
		if d != nil {
			if a, ok := d.Get("main", "switch", "switch"); ok {
				st.Power = fmt.Sprint(a.Value)
			}
		}
		out[tv.Name] = st
	}
	return out
}

// Close drops pending refreshes and shuts down every TV connection.
func (s *TVService) Close() {
	s.mu.Lock()
	for _, c := range s.debounce {
		c.Close()
	}
	s.mu.Unlock()

	s.Registry.Shutdown()
}
