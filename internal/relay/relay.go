// Package relay long-polls a hosted webhook relay for device events, for
// installations that cannot expose an inbound webhook endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/device"
)

// authScheme is the relay's own bearer format, colon included.
const authScheme = "Bearer: "

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// Config contains the relay endpoint and reconnection policy.
type Config struct {
	URL           string
	Token         string
	PollTimeout   time.Duration // server-side hold time requested per poll
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	MaxReconnects int // 0 = infinite
}

// DefaultConfig returns the default polling and backoff settings.
func DefaultConfig() Config {
	return Config{
		PollTimeout: 85 * time.Second,
		MinBackoff:  1 * time.Second,
		MaxBackoff:  5 * time.Minute,
		Multiplier:  2.0,
	}
}

// Sink receives relayed events.
type Sink interface {
	Dispatch(e device.Event, source string) bool
}

type pollRequest struct {
	Timeout   int64    `json:"timeout"`
	DeviceIDs []string `json:"deviceIds"`
}

type pollResponse struct {
	Timeout bool           `json:"timeout"`
	Events  []device.Event `json:"events"`
}

// Client polls the relay's clientrequest endpoint in a loop.
type Client struct {
	config     Config
	httpClient *http.Client
	deviceIDs  func() []string
}

// NewClient creates a relay client. deviceIDs is consulted before every poll.
func NewClient(config Config, deviceIDs func() []string) *Client {
	d := DefaultConfig()
	if config.PollTimeout == 0 {
		config.PollTimeout = d.PollTimeout
	}
	if config.MinBackoff == 0 {
		config.MinBackoff = d.MinBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = d.MaxBackoff
	}
	if config.Multiplier == 0 {
		config.Multiplier = d.Multiplier
	}

	return &Client{
		config: config,
		// the relay holds each request up to PollTimeout
		httpClient: &http.Client{Timeout: config.PollTimeout + 5*time.Second},
		deviceIDs:  deviceIDs,
	}
}

// Run polls until ctx is cancelled, dispatching every returned event to sink.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	log.Info().Str("url", c.config.URL).Msg("Starting relay polling")

	retryCount := 0
	currentBackoff := c.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.poll(ctx, sink)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			retryCount++

			if c.config.MaxReconnects > 0 && retryCount > c.config.MaxReconnects {
				log.Error().
					Int("max_reconnects", c.config.MaxReconnects).
					Msg("Relay: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Msg("Could not reach relay, will retry")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			nextBackoff := time.Duration(float64(currentBackoff) * c.config.Multiplier)
			if nextBackoff > c.config.MaxBackoff {
				nextBackoff = c.config.MaxBackoff
			}
			currentBackoff = nextBackoff
			continue
		}

		log.Trace().Int("events", n).Msg("Relay poll completed")
		retryCount = 0
		currentBackoff = c.config.MinBackoff
	}
}

func (c *Client) poll(ctx context.Context, sink Sink) (int, error) {
	body, err := json.Marshal(pollRequest{
		Timeout:   c.config.PollTimeout.Milliseconds(),
		DeviceIDs: c.deviceIDs(),
	})
	if err != nil {
		return 0, err
	}

	url := strings.TrimSuffix(c.config.URL, "/") + "/clientrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", authScheme+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode relay response: %w", err)
	}

	delivered := 0
	for _, e := range out.Events {
		if e.DeviceID == "" || e.Capability == "" {
			continue
		}
		if sink.Dispatch(e, "relay") {
			delivered++
		}
	}
	return delivered, nil
}
