// Package smartthings is a small REST client for the SmartThings cloud API.
package smartthings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/device"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.smartthings.com/v1/"

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("smartthings: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("smartthings: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsForbidden reports whether err is a 403 from the API.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// Client talks to the SmartThings REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CapabilitySubscription is the body of a capability-scoped subscription.
type CapabilitySubscription struct {
	LocationID       string `json:"locationId"`
	Capability       string `json:"capability"`
	Attribute        string `json:"attribute"`
	Value            string `json:"value"`
	StateChangeOnly  bool   `json:"stateChangeOnly"`
	SubscriptionName string `json:"subscriptionName"`
}

type subscriptionRequest struct {
	SourceType string                  `json:"sourceType"`
	Capability *CapabilitySubscription `json:"capability"`
}

// DeleteSubscriptions removes every subscription of an installed app.
func (c *Client) DeleteSubscriptions(ctx context.Context, installedAppID string) error {
	path := fmt.Sprintf("installedapps/%s/subscriptions", installedAppID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CreateSubscription registers one capability subscription for an installed app.
func (c *Client) CreateSubscription(ctx context.Context, installedAppID string, sub CapabilitySubscription) error {
	path := fmt.Sprintf("installedapps/%s/subscriptions", installedAppID)
	return c.do(ctx, http.MethodPost, path, subscriptionRequest{
		SourceType: "CAPABILITY",
		Capability: &sub,
	}, nil)
}

type devicePage struct {
	Items []struct {
		DeviceID   string `json:"deviceId"`
		Label      string `json:"label"`
		Name       string `json:"name"`
		Components []struct {
			ID           string `json:"id"`
			Capabilities []struct {
				ID string `json:"id"`
			} `json:"capabilities"`
		} `json:"components"`
	} `json:"items"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// ListDevices returns every device visible to the token, following pages.
func (c *Client) ListDevices(ctx context.Context) ([]device.Info, error) {
	var out []device.Info
	path := "devices"

	for path != "" {
		var page devicePage
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			info := device.Info{ID: item.DeviceID, Label: item.Label}
			if info.Label == "" {
				info.Label = item.Name
			}
			for _, comp := range item.Components {
				dc := device.Component{ID: comp.ID}
				for _, capability := range comp.Capabilities {
					dc.Capabilities = append(dc.Capabilities, capability.ID)
				}
				info.Components = append(info.Components, dc)
			}
			out = append(out, info)
		}

		path = ""
		if page.Links.Next != nil && page.Links.Next.Href != "" {
			path = page.Links.Next.Href
		}
	}

	log.Debug().Int("devices", len(out)).Msg("Listed SmartThings devices")
	return out, nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + strings.TrimPrefix(path, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
			Error   struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &msg) == nil {
			apiErr.Message = msg.Message
			if apiErr.Message == "" {
				apiErr.Message = msg.Error.Message
			}
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
