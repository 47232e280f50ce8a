package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/capability"
	"github.com/dokzlo13/stbridge/internal/config"
	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/ledger"
	"github.com/dokzlo13/stbridge/internal/smartthings"
	"github.com/dokzlo13/stbridge/internal/subscription"
)

// DeviceLister lists the devices visible to the token.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]device.Info, error)
}

// InventoryService keeps the device router and the capability subscriptions
// in line with the devices of the location.
type InventoryService struct {
	cfg      *config.Config
	devices  DeviceLister
	subs     subscription.API
	identity *smartthings.IdentityStore
	router   *device.Router
	tvs      *TVService
	ledger   *ledger.Ledger
	health   *HealthService

	trigger chan struct{}

	mu       sync.Mutex
	lastCaps []string
	passed   bool
}

// NewInventoryService creates a new InventoryService.
func NewInventoryService(
	cfg *config.Config,
	devices DeviceLister,
	subs subscription.API,
	identity *smartthings.IdentityStore,
	router *device.Router,
	tvs *TVService,
	l *ledger.Ledger,
	health *HealthService,
) *InventoryService {
	return &InventoryService{
		cfg:      cfg,
		devices:  devices,
		subs:     subs,
		identity: identity,
		router:   router,
		tvs:      tvs,
		ledger:   l,
		health:   health,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a sync pass that re-creates subscriptions even if the
// capability set did not change. Non-blocking.
func (s *InventoryService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the initial pass and the refresh loop in the background.
func (s *InventoryService) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *InventoryService) run(ctx context.Context) {
	if err := s.Sync(ctx, false); err != nil {
		log.Error().Err(err).Msg("Initial inventory sync failed")
	}
	if s.health != nil {
		s.health.SetReady()
	}

	interval := s.cfg.SmartThings.RefreshInterval.Duration()
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := s.Sync(ctx, false); err != nil {
				log.Error().Err(err).Msg("Inventory sync failed")
			}
		case <-s.trigger:
			if err := s.Sync(ctx, true); err != nil {
				log.Error().Err(err).Msg("Triggered inventory sync failed")
			}
		}
	}
}

// Sync refreshes the inventory and, when the capability set changed or
// force is set, runs a subscription pass.
func (s *InventoryService) Sync(ctx context.Context, force bool) error {
	counts, err := s.Refresh(ctx)
	if err != nil {
		return err
	}

	if !s.cfg.Subscriptions.Enabled {
		return nil
	}

	id := s.identity.Get()
	if !id.Complete() {
		log.Warn().Msg("Installed app identity unknown, waiting for a lifecycle event before subscribing")
		return nil
	}

	selection := subscription.Prioritize(counts)
	if len(s.cfg.Subscriptions.Capabilities) > 0 {
		selection = s.cfg.Subscriptions.Capabilities
	}

	s.mu.Lock()
	unchanged := s.passed && slices.Equal(selection, s.lastCaps)
	s.mu.Unlock()
	if unchanged && !force {
		log.Debug().Int("capabilities", len(selection)).Msg("Capability set unchanged, keeping subscriptions")
		return nil
	}

	res, err := RunSubscriptionPass(ctx, s.cfg, s.subs, id, selection, s.ledger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastCaps = slices.Clone(selection)
	s.passed = !res.Aborted
	s.mu.Unlock()
	return nil
}

// Refresh lists devices, swaps the router's device set and writes the
// capability artifact. It returns the per-capability device counts.
func (s *InventoryService) Refresh(ctx context.Context) (*subscription.Counts, error) {
	infos, err := s.devices.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	tracked := make([]*device.Tracked, 0, len(infos))
	routed := make([]device.Device, 0, len(infos))
	for _, info := range infos {
		t := device.NewTracked(info)
		tracked = append(tracked, t)
		routed = append(routed, t)
	}

	if s.tvs != nil {
		s.tvs.Attach(ctx, tracked)
	}
	s.router.Replace(routed)

	counts := subscription.CountDevices(infos)
	path := capability.Path(s.cfg.Storage.Dir)
	if err := capability.Write(path, capability.FromCounts(counts, time.Now())); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to write capability list")
	}

	log.Info().
		Int("devices", len(infos)).
		Int("capabilities", counts.Len()).
		Msg("Device inventory refreshed")

	return counts, nil
}

// RunSubscriptionPass flushes and recreates the subscriptions for selection
// and records the pass in the ledger. l may be nil.
func RunSubscriptionPass(
	ctx context.Context,
	cfg *config.Config,
	api subscription.API,
	id smartthings.Identity,
	selection []string,
	l *ledger.Ledger,
) (subscription.Result, error) {
	if !id.Complete() {
		return subscription.Result{}, errors.New("installed app identity is incomplete")
	}

	m := subscription.NewManager(api, id.InstalledAppID, id.LocationID, cfg.Subscriptions.Limit, cfg.Subscriptions.RateLimitRPS)
	res, err := m.Initialize(ctx, selection)

	if l != nil {
		payload := map[string]any{
			"requested":    res.Requested,
			"succeeded":    res.Succeeded,
			"failed":       res.Failed,
			"polling_only": res.Overflow,
			"aborted":      res.Aborted,
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		if lerr := l.Append(ledger.EventSubscriptionPass, "", "subscriptions", payload); lerr != nil {
			log.Warn().Err(lerr).Msg("Failed to record subscription pass")
		}
	}

	return res, err
}

// identityTrigger persists identities and requests a sync once the identity
// becomes complete or changes.
type identityTrigger struct {
	store     *smartthings.IdentityStore
	inventory *InventoryService
}

func (t *identityTrigger) Update(id smartthings.Identity) (bool, error) {
	changed, err := t.store.Update(id)
	if err != nil {
		return changed, err
	}
	if changed && t.store.Get().Complete() {
		t.inventory.Trigger()
	}
	return changed, nil
}
