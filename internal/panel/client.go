// Package panel is the HTTP client for the remote VPN panel's account
// management API. It knows nothing about subscriptions; callers get typed
// errors that separate retryable panel conditions from terminal ones.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the panel has no account for the given
// handle or tag. Terminal for renew/revoke, expected for create probes.
var ErrNotFound = errors.New("panel: account not found")

// APIError is a non-2xx panel response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel api error: %s (status: %d)", e.Body, e.StatusCode)
}

// Retryable reports whether the call may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable classifies an error from any Client method: timeouts, transport
// failures, rate limits and 5xx are retryable; everything else is terminal.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint, idemKey string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// CreateUser provisions a new panel account. The idempotency key makes a
// replayed create return the already-created account instead of a duplicate.
func (c *Client) CreateUser(ctx context.Context, reqBody CreateUserRequest, idemKey string) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/users", idemKey, reqBody)
	if err != nil {
		return nil, err
	}

	var wrapped apiResponse
	if err := json.Unmarshal(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &wrapped.Response, nil
}

// UserByTag looks an account up by the external reference supplied at
// creation time. Returns ErrNotFound when no such account exists.
func (c *Client) UserByTag(ctx context.Context, tag string) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/users/by-tag/"+url.PathEscape(tag), "", nil)
	if err != nil {
		return nil, err
	}

	var wrapped apiResponse
	if err := json.Unmarshal(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if wrapped.Response.UUID == "" {
		return nil, ErrNotFound
	}
	return &wrapped.Response, nil
}

// UpdateExpiry moves an account's expiry to the given instant.
func (c *Client) UpdateExpiry(ctx context.Context, handle string, expireAt time.Time) error {
	reqBody := ExtendRequest{ExpireAt: expireAt.UTC().Format(time.RFC3339)}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/users/"+url.PathEscape(handle)+"/extend", "", reqBody)
	return err
}

// DisableUser cuts access for an account without deleting it, keeping the
// panel-side history.
func (c *Client) DisableUser(ctx context.Context, handle string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/users/"+url.PathEscape(handle)+"/disable", "", nil)
	return err
}
