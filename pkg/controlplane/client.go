// Package controlplane implements the REST client for the marketplace
// control-plane API. The client is stateless: it holds credentials and an
// HTTP client, never a cache of control-plane objects.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/crossgate/crossgate/pkg/engine"
)

// Config holds the control-plane connection settings.
type Config struct {
	// BaseURL is the API root, for example "https://marketplace.example.com/api".
	BaseURL string `json:"base_url" yaml:"base_url" validate:"required,url"`

	// Token authenticates the agent.
	Token string `json:"token" yaml:"token" validate:"required"`

	// EventsURL is the WebSocket endpoint of the event bus. When empty it
	// is derived from BaseURL.
	EventsURL string `json:"events_url" yaml:"events_url" validate:"omitempty,url"`

	// Timeout bounds a single request attempt.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryMax bounds automatic retries of idempotent requests.
	RetryMax int `json:"retry_max" yaml:"retry_max"`
}

// EventBusURL returns the configured event-bus endpoint, deriving one
// from the API root when none is set.
func (c Config) EventBusURL() string {
	if c.EventsURL != "" {
		return c.EventsURL
	}
	derived := c.BaseURL
	switch {
	case strings.HasPrefix(derived, "https://"):
		derived = "wss://" + strings.TrimPrefix(derived, "https://")
	case strings.HasPrefix(derived, "http://"):
		derived = "ws://" + strings.TrimPrefix(derived, "http://")
	}
	return strings.TrimRight(derived, "/") + "/events"
}

// Client is the HTTP implementation of engine.ControlPlane.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a control-plane client. Transport-level retries cover
// connection failures and 5xx responses on idempotent requests; everything
// above that is the engine's cycle-level retry.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, engine.NewConfigurationError("control plane base URL is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.RetryMax
	if retry.RetryMax == 0 {
		retry.RetryMax = 3
	}
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 5 * time.Second
	retry.Logger = nil
	if cfg.Timeout > 0 {
		retry.HTTPClient.Timeout = cfg.Timeout
	} else {
		retry.HTTPClient.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    retry.StandardClient(),
	}, nil
}

// ListPendingOrders implements engine.ControlPlane.
func (c *Client) ListPendingOrders(ctx context.Context, offeringID string) ([]engine.Order, error) {
	var orders []engine.Order
	path := fmt.Sprintf("/offerings/%s/orders?state=pending", url.PathEscape(offeringID))
	if err := c.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// SetOrderState implements engine.ControlPlane.
func (c *Client) SetOrderState(ctx context.Context, orderID string, state engine.OrderState, message string) error {
	body := map[string]string{
		"state":         string(state),
		"error_message": message,
	}
	path := fmt.Sprintf("/orders/%s/state", url.PathEscape(orderID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// SetOrderCorrelationID implements engine.ControlPlane.
func (c *Client) SetOrderCorrelationID(ctx context.Context, orderID, correlationID string) error {
	body := map[string]string{"correlation_id": correlationID}
	path := fmt.Sprintf("/orders/%s/correlation", url.PathEscape(orderID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// GetResource implements engine.ControlPlane.
func (c *Client) GetResource(ctx context.Context, resourceID string) (*engine.Resource, error) {
	var resource engine.Resource
	path := fmt.Sprintf("/resources/%s", url.PathEscape(resourceID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

// ListResources implements engine.ControlPlane.
func (c *Client) ListResources(ctx context.Context, offeringID string) ([]engine.Resource, error) {
	var resources []engine.Resource
	path := fmt.Sprintf("/offerings/%s/resources", url.PathEscape(offeringID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// SetResourceBackendID implements engine.ControlPlane.
func (c *Client) SetResourceBackendID(ctx context.Context, resourceID, backendID string) error {
	body := map[string]string{"backend_id": backendID}
	path := fmt.Sprintf("/resources/%s/backend_id", url.PathEscape(resourceID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// SetResourceState implements engine.ControlPlane.
func (c *Client) SetResourceState(ctx context.Context, resourceID string, state engine.ResourceState) error {
	body := map[string]string{"state": string(state)}
	path := fmt.Sprintf("/resources/%s/state", url.PathEscape(resourceID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// UpdateResourceLimits implements engine.ControlPlane.
func (c *Client) UpdateResourceLimits(ctx context.Context, resourceID string, limits map[string]float64) error {
	body := map[string]interface{}{"limits": limits}
	path := fmt.Sprintf("/resources/%s/limits", url.PathEscape(resourceID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// ListOfferingUsers implements engine.ControlPlane.
func (c *Client) ListOfferingUsers(ctx context.Context, offeringID string) ([]engine.OfferingUser, error) {
	var users []engine.OfferingUser
	path := fmt.Sprintf("/offerings/%s/users", url.PathEscape(offeringID))
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateOfferingUser implements engine.ControlPlane.
func (c *Client) UpdateOfferingUser(ctx context.Context, user *engine.OfferingUser) error {
	path := fmt.Sprintf("/offering-users/%s", url.PathEscape(user.ID))
	return c.do(ctx, http.MethodPatch, path, user, nil)
}

// ListEventSubscriptions implements engine.ControlPlane.
func (c *Client) ListEventSubscriptions(ctx context.Context, offeringID string) ([]engine.EventSubscription, error) {
	var subs []engine.EventSubscription
	path := fmt.Sprintf("/offerings/%s/event-subscriptions", url.PathEscape(offeringID))
	if err := c.do(ctx, http.MethodGet, path, nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// TouchEventSubscription implements engine.ControlPlane.
func (c *Client) TouchEventSubscription(ctx context.Context, subscriptionID string) error {
	path := fmt.Sprintf("/event-subscriptions/%s/touch", url.PathEscape(subscriptionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SubmitUsage implements engine.ControlPlane.
func (c *Client) SubmitUsage(ctx context.Context, report *engine.UsageReport) error {
	return c.do(ctx, http.MethodPost, "/usage", report, nil)
}

// do performs one API call: marshal, authenticate, classify the outcome
// and decode into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.NewTransientError("control plane request failed", err).
			WithOperation(method + " " + path).
			WithCode(engine.ErrCodeControlPlaneFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := fmt.Sprintf("control plane returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))

	// Retries exhausted on 5xx still leave a transient error; the cycle
	// will come back. Client-side status codes are deterministic.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return engine.NewTransientError(message, nil).
			WithOperation(method + " " + path).
			WithCode(engine.ErrCodeControlPlaneFailed)
	}
	if resp.StatusCode == http.StatusNotFound {
		return engine.NewBackendError(message, nil).
			WithOperation(method + " " + path).
			WithCode(engine.ErrCodeNotFound)
	}
	return engine.NewBackendError(message, nil).
		WithOperation(method + " " + path).
		WithCode(engine.ErrCodeControlPlaneFailed)
}
