package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/config"
	"github.com/dokzlo13/stbridge/internal/relay"
	"github.com/dokzlo13/stbridge/internal/webhook"
)

// WebhookService wraps the webhook HTTP server.
type WebhookService struct {
	cfg    *config.Config
	Server *webhook.Server
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(cfg *config.Config, dispatcher *webhook.Dispatcher) *WebhookService {
	return &WebhookService{
		cfg:    cfg,
		Server: webhook.NewServer(cfg.Webhook.Host, cfg.Webhook.Port, cfg.Webhook.TargetURL, dispatcher),
	}
}

// Start begins the webhook server if enabled.
func (s *WebhookService) Start(ctx context.Context) {
	if !s.cfg.Webhook.Enabled {
		log.Debug().Msg("Webhook server disabled")
		return
	}

	go func() {
		if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Webhook server error")
		}
	}()
}

// RelayService wraps the long-poll relay client.
type RelayService struct {
	cfg    *config.Config
	Client *relay.Client
	sink   relay.Sink
}

// NewRelayService creates a new RelayService polling for the routed devices.
func NewRelayService(cfg *config.Config, sink relay.Sink, deviceIDs func() []string) *RelayService {
	rc := relay.Config{
		URL:           cfg.Relay.URL,
		Token:         cfg.Relay.Token,
		PollTimeout:   cfg.Relay.PollTimeout.Duration(),
		MinBackoff:    cfg.Relay.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Relay.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Relay.RetryMultiplier,
		MaxReconnects: cfg.Relay.MaxReconnects,
	}
	return &RelayService{
		cfg:    cfg,
		Client: relay.NewClient(rc, deviceIDs),
		sink:   sink,
	}
}

// Start begins polling if enabled. Exceeding max reconnects is fatal.
func (s *RelayService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.Relay.Enabled {
		log.Debug().Msg("Relay polling disabled")
		return
	}

	go func() {
		if err := s.Client.Run(ctx, s.sink); err != nil {
			if err == relay.ErrMaxReconnectsExceeded && onFatalError != nil {
				onFatalError(err)
				return
			}
			log.Error().Err(err).Msg("Relay error")
		}
	}()
}
