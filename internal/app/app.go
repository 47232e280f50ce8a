package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/config"
)

// App owns the services of one bridge process.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds every service. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start launches the background services. A fatal service error (relay
// giving up) cancels the app context.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	fatal := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}
	if err := a.services.Start(a.ctx, fatal); err != nil {
		a.cancel()
		return err
	}

	log.Info().
		Bool("webhook", a.cfg.Webhook.Enabled).
		Bool("relay", a.cfg.Relay.Enabled).
		Bool("subscriptions", a.cfg.Subscriptions.Enabled).
		Int("tvs", len(a.cfg.TVs)).
		Msg("stbridge started")
	return nil
}

// Run starts the app, blocks until ctx ends or a fatal error occurs, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Wait()
	return a.Stop()
}

// Stop cancels the app context and releases services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")
	if a.cancel != nil {
		a.cancel()
	}
	return a.services.Stop()
}

// Wait blocks until the app context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
		log.Warn().Msg("Received shutdown signal")
	}()
	return ctx
}
