// Package restplugin adapts plugins exposed over plain HTTP/JSON to the
// plugin.Plugin contract.
//
// Endpoints, relative to the plugin base URL:
//
//	POST /initialize  {"config": {...}}
//	POST /start
//	POST /stop
//	POST /events      plugin.Event
//	GET  /health      plugin.Health
package restplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ExtensionHub/pkg/plugin"
)

// DefaultTimeout bounds calls made by clients without a custom http.Client.
const DefaultTimeout = 10 * time.Second

// Client is a plugin handle that speaks HTTP.
type Client struct {
	plugin.Base

	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client for the plugin described by desc at baseURL.
func New(desc plugin.Descriptor, baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse plugin endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("plugin endpoint %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{Base: plugin.Base{Descriptor: desc.Clone()}, baseURL: parsed, httpClient: httpClient}, nil
}

// NewLoader returns a loader that builds Clients from artifact references.
func NewLoader(httpClient *http.Client) plugin.Loader {
	return plugin.LoaderFunc(func(_ context.Context, ref plugin.ArtifactRef) (plugin.Plugin, error) {
		if ref.Location == "" {
			return nil, errors.New("rest plugin requires an endpoint location")
		}
		desc := ref.Descriptor
		if desc.Name == "" {
			desc.Name = ref.Name
		}
		return New(desc, ref.Location, httpClient)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	endpoint := c.baseURL.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Initialize posts the plugin configuration.
func (c *Client) Initialize(ctx *plugin.ExecutionContext) error {
	return c.do(ctx.Context(), http.MethodPost, "/initialize", map[string]any{"config": ctx.Config}, nil)
}

// Start implements plugin.Plugin.
func (c *Client) Start(ctx *plugin.ExecutionContext) error {
	return c.do(ctx.Context(), http.MethodPost, "/start", nil, nil)
}

// Stop implements plugin.Plugin.
func (c *Client) Stop(ctx *plugin.ExecutionContext) error {
	return c.do(ctx.Context(), http.MethodPost, "/stop", nil, nil)
}

// HealthCheck reads /health. Transport errors count as UNHEALTHY.
func (c *Client) HealthCheck(ctx context.Context) plugin.Health {
	var health plugin.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return plugin.Health{State: plugin.Unhealthy, Message: err.Error()}
	}
	switch health.State {
	case plugin.Healthy, plugin.Degraded, plugin.Unhealthy:
	default:
		health.State = plugin.Degraded
		health.Message = "unrecognised health state"
	}
	return health
}

// HandleEvent posts the event to the plugin.
func (c *Client) HandleEvent(ctx context.Context, evt plugin.Event) error {
	return c.do(ctx, http.MethodPost, "/events", evt, nil)
}
