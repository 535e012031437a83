// Package classline provides the official Go SDK for the Classline Cloud
// educator portal API.
//
// The package centres on the conversation synchronization core: cached
// conversation lists, message channels, read-state reconciliation,
// archive/delete lifecycle flows, ephemeral presence and typing state, and
// the realtime-event-to-cache-invalidation pipeline shared by every
// messaging surface of the portal.
//
// Example:
//
//	client := classline.NewClient("sk-classline-...")
//
//	// Remote store surface
//	convs, _ := client.Comms().ListConversations(ctx, "user-123", classline.RoleEducator, false)
//
//	// Synchronization core
//	ws := client.Comms().Realtime.ConnectWS(&classline.RealtimeConfig{Token: token})
//	m := classline.NewMessenger(client.Comms(), ws, session, nil)
//	defer m.Close()
package classline

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

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://classline.cloud",
}

const (
	DefaultBaseURL = "https://classline.cloud"
	DefaultTimeout = 30 * time.Second

	// DefaultAuthRetries bounds how many session refreshes are attempted
	// before an auth failure is surfaced to the caller.
	DefaultAuthRetries = 2
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token       string
	baseURL     string
	httpClient  *http.Client
	log         zerolog.Logger
	authRetries int
	comms       *CommsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. The default is a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithAuthRetries sets the session-refresh retry budget for expired tokens.
func WithAuthRetries(n int) ClientOption {
	return func(c *Client) { c.authRetries = n }
}

// NewClient creates a new Classline client.
// token may be a portal session token or an API key.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:         zerolog.Nop(),
		authRetries: DefaultAuthRetries,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.comms = newCommsClient(c)
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Comms returns the conversation API sub-client.
func (c *Client) Comms() *CommsClient {
	return c.comms
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
