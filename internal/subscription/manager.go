package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/stbridge/internal/smartthings"
)

// ErrPermission matches any PermissionError.
var ErrPermission = errors.New("insufficient permissions")

// PermissionError means the credential lacks the scope to manage subscriptions.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: insufficient permissions: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// API is the part of the REST client the manager needs.
type API interface {
	DeleteSubscriptions(ctx context.Context, installedAppID string) error
	CreateSubscription(ctx context.Context, installedAppID string, sub smartthings.CapabilitySubscription) error
}

// Result aggregates one initialization pass.
type Result struct {
	Requested []string
	Succeeded int
	Failed    []string
	Overflow  []string
	// Aborted is set when a permission failure stopped the creation loop.
	Aborted bool
}

// Manager resets and recreates the push subscriptions of one installed app.
type Manager struct {
	api            API
	installedAppID string
	locationID     string
	ceiling        int
	limiter        *rate.Limiter
}

// NewManager creates a manager. rateLimitRPS paces create calls; zero means 5/s.
func NewManager(api API, installedAppID, locationID string, ceiling int, rateLimitRPS float64) *Manager {
	if ceiling <= 0 {
		ceiling = MaxSubscriptions
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 5.0
	}
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Manager{
		api:            api,
		installedAppID: installedAppID,
		locationID:     locationID,
		ceiling:        ceiling,
		limiter:        rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// Flush removes every existing subscription of the installed app.
func (m *Manager) Flush(ctx context.Context) error {
	log.Info().Str("installed_app_id", m.installedAppID).Msg("Flushing existing subscriptions")

	if err := m.api.DeleteSubscriptions(ctx, m.installedAppID); err != nil {
		if smartthings.IsForbidden(err) {
			log.Warn().Err(err).Msg("Cannot flush subscriptions, the token lacks the installedapps scope")
			return &PermissionError{Op: "flush subscriptions", Err: err}
		}
		log.Error().Err(err).Msg("Failed to flush subscriptions")
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	log.Info().Msg("Flushed existing subscriptions")
	return nil
}

// Initialize flushes all subscriptions, then creates one per capability.
// Capabilities past the ceiling are reported as overflow and not created.
// Individual create failures are counted; a permission failure stops the loop.
func (m *Manager) Initialize(ctx context.Context, capabilities []string) (Result, error) {
	budget := Split(capabilities, m.ceiling)
	res := Result{Requested: budget.Subscribed, Overflow: budget.Overflow}

	if err := m.Flush(ctx); err != nil {
		return res, err
	}

	if len(budget.Overflow) > 0 {
		log.Warn().
			Int("capabilities", len(capabilities)).
			Int("limit", m.ceiling).
			Str("polling_only", strings.Join(budget.Overflow, ", ")).
			Msg("Capability budget exceeded, remaining capabilities are polling-only")
	}

	log.Info().Int("count", len(budget.Subscribed)).Msg("Creating capability subscriptions")

	for _, capability := range budget.Subscribed {
		if err := m.limiter.Wait(ctx); err != nil {
			return res, err
		}

		err := m.api.CreateSubscription(ctx, m.installedAppID, smartthings.CapabilitySubscription{
			LocationID:       m.locationID,
			Capability:       capability,
			Attribute:        "*",
			Value:            "*",
			StateChangeOnly:  true,
			SubscriptionName: Name(capability),
		})
		if err == nil {
			res.Succeeded++
			log.Debug().Str("capability", capability).Msg("Subscribed to capability")
			continue
		}

		res.Failed = append(res.Failed, capability)
		if smartthings.IsForbidden(err) {
			log.Error().Err(err).Msg("Cannot create subscriptions, insufficient permissions. Aborting remaining subscriptions")
			res.Aborted = true
			break
		}
		log.Warn().Err(err).Str("capability", capability).Msg("Failed to subscribe to capability")
	}

	ev := log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Failed)).
		Int("polling_only", len(res.Overflow))
	if len(res.Failed) > 0 {
		ev = ev.Str("failed_capabilities", strings.Join(res.Failed, ", "))
	}
	ev.Msg("Subscription setup complete")

	return res, nil
}
