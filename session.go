package classline

import (
	"context"
	"errors"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrAuthRequired is returned once the bounded session-refresh budget
	// is exhausted. The caller must obtain a fresh session and retry.
	ErrAuthRequired = errors.New("classline: authentication required")

	// ErrNotConnected is returned when a realtime command is issued on a
	// closed connection.
	ErrNotConnected = errors.New("classline: not connected")

	// ErrNoSelection is returned when a message operation needs an open
	// conversation and none is selected.
	ErrNoSelection = errors.New("classline: no conversation selected")

	// ErrConfirmationRequired is returned when a delete flow is started
	// without the user-facing confirmation step.
	ErrConfirmationRequired = errors.New("classline: deletion requires confirmation")
)

// isAuthError reports whether an API error is a recoverable session failure.
func isAuthError(e *APIError) bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case "AUTH_EXPIRED", "TOKEN_INVALID", "UNAUTHORIZED":
		return true
	}
	return false
}

// ============================================================================
// Authenticated request path
// ============================================================================

// callWithAuth performs a request, transparently refreshing the session on
// transient auth failures. Refreshes are bounded by authRetries; once the
// budget is spent the failure surfaces as ErrAuthRequired.
func (c *Client) callWithAuth(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	for attempt := 0; ; attempt++ {
		data, err := c.doRequest(ctx, method, path, body, query)
		if err != nil {
			return nil, err
		}
		res, err := decodeJSON[APIResult](data)
		if err != nil {
			return nil, err
		}
		if res.Error == nil || !isAuthError(res.Error) {
			return res, nil
		}
		if attempt >= c.authRetries {
			return nil, ErrAuthRequired
		}
		c.log.Debug().Str("path", path).Int("attempt", attempt+1).Msg("session expired, refreshing")
		if _, err := c.refreshSession(ctx); err != nil {
			return nil, ErrAuthRequired
		}
	}
}

// refreshSession exchanges the current token for a fresh one. It goes
// through the raw request path so a refresh can never recurse into itself.
func (c *Client) refreshSession(ctx context.Context) (*Session, error) {
	data, err := c.doRequest(ctx, "POST", "/api/auth/refresh", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if err := errFromResult(res, "classline: session refresh failed"); err != nil {
		return nil, err
	}
	var s Session
	if err := res.Decode(&s); err != nil {
		return nil, err
	}
	if s.Token != "" {
		c.SetToken(s.Token)
	}
	return &s, nil
}

// ============================================================================
// Account sub-client
// ============================================================================

// AccountClient handles identity and session state. It implements
// AuthProvider.
type AccountClient struct{ comms *CommsClient }

// CurrentUser returns the logged-in user, or nil when no session exists.
func (a *AccountClient) CurrentUser(ctx context.Context) (*Session, error) {
	res, err := a.comms.do(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return nil, nil
		}
		return nil, err
	}
	if !res.OK {
		return nil, nil
	}
	var s Session
	if err := res.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RefreshSession forces a token refresh and returns the new session.
func (a *AccountClient) RefreshSession(ctx context.Context) (*Session, error) {
	return a.comms.client.refreshSession(ctx)
}
