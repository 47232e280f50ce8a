package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/config"
	"github.com/dokzlo13/stbridge/internal/db"
	"github.com/dokzlo13/stbridge/internal/device"
	"github.com/dokzlo13/stbridge/internal/eventbus"
	"github.com/dokzlo13/stbridge/internal/kv"
	"github.com/dokzlo13/stbridge/internal/ledger"
	"github.com/dokzlo13/stbridge/internal/smartthings"
	"github.com/dokzlo13/stbridge/internal/webhook"
)

// Bucket names in the kv store.
const (
	BucketSmartThings = "smartthings"
	BucketTVState     = "tv_state"
)

// Services holds all application services and manages their lifecycle.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// Cloud side
	Identity   *smartthings.IdentityStore
	API        *smartthings.Client
	Router     *device.Router
	Dispatcher *webhook.Dispatcher

	// Services
	Health    *HealthService
	Webhook   *WebhookService
	Relay     *RelayService
	Inventory *InventoryService
	TVs       *TVService
}

// NewServices creates all services without starting them.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.DB = database
	s.Ledger = ledger.New(database.DB)

	s.Identity = smartthings.NewIdentityStore(
		kv.NewSQLiteBucket(database.DB, BucketSmartThings),
		smartthings.Identity{
			InstalledAppID: cfg.SmartThings.InstalledAppID,
			LocationID:     cfg.SmartThings.LocationID,
		},
	)
	s.API = smartthings.NewClient(cfg.SmartThings.BaseURL, cfg.SmartThings.Token, cfg.SmartThings.Timeout.Duration())

	// Webhook and relay events go through the dispatcher (dedupe) onto the bus,
	// whose single worker hands them to the router in arrival order.
	s.Router = device.NewRouter()
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize)
	s.Bus.Subscribe(func(e device.Event) {
		s.Router.Dispatch(e)
	})

	s.Health = NewHealthService(cfg)
	s.TVs = NewTVService(cfg, kv.NewSQLiteBucket(database.DB, BucketTVState), nil)
	s.Inventory = NewInventoryService(cfg, s.API, s.API, s.Identity, s.Router, s.TVs, s.Ledger, s.Health)

	s.Dispatcher = webhook.NewDispatcher(s.Ledger, &identityTrigger{store: s.Identity, inventory: s.Inventory})
	s.Dispatcher.AddListener(func(e device.Event) {
		s.Bus.Publish(e)
	})

	s.Health.SetStatus(s.statusReport)

	s.Webhook = NewWebhookService(cfg, s.Dispatcher)
	s.Relay = NewRelayService(cfg, s.Dispatcher, s.Router.IDs)

	return s, nil
}

// Start starts all background services.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if s.cfg.SmartThings.Token == "" {
		log.Warn().Msg("No SmartThings token configured, device inventory disabled")
		s.Health.SetReady()
	} else {
		s.Inventory.Start(ctx)
	}

	s.Health.Start(ctx)
	s.Webhook.Start(ctx)
	s.Relay.Start(ctx, onFatalError)
	s.startLedgerCleanup(ctx)

	return nil
}

// startLedgerCleanup periodically removes old ledger entries.
func (s *Services) startLedgerCleanup(ctx context.Context) {
	retentionDays := s.cfg.Ledger.RetentionDays
	if retentionDays <= 0 {
		log.Debug().Msg("Ledger cleanup disabled (retention_days <= 0)")
		return
	}

	retention := time.Duration(retentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	cleanup := func() {
		deleted, err := s.Ledger.DeleteOlderThan(retention)
		if err != nil {
			log.Error().Err(err).Msg("Ledger cleanup failed")
			return
		}
		if deleted > 0 {
			log.Info().Int64("deleted", deleted).Int("retention_days", retentionDays).Msg("Ledger cleanup completed")
		}
	}

	go func() {
		cleanup()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanup()
			}
		}
	}()
}

// statusReport is served on /status.
func (s *Services) statusReport() any {
	report := map[string]any{
		"identity": s.Identity.Get(),
		"tvs":      s.TVs.Snapshot(),
	}

	passes, err := s.Ledger.GetByType(ledger.EventSubscriptionPass, 1)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last subscription pass")
	} else if len(passes) > 0 {
		report["last_subscription_pass"] = map[string]any{
			"at":     passes[0].Timestamp,
			"source": passes[0].Source,
			"result": passes[0].Payload,
		}
	}
	return report
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.TVs != nil {
		s.TVs.Close()
	}
	return s.Close()
}

// Close releases the database.
func (s *Services) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
