// Package remote implements the drive.Service boundary against an HTTP
// bridge in front of the actual sharing provider. The bridge owns provider
// credentials; this client only speaks JSON.
package remote

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

	"membersync.org/internal/drive"
)

// Client talks to the provider bridge.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client with sensible defaults. token may be empty when the
// bridge is reachable only from trusted networks.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ drive.Service = (*Client)(nil)

type listResponse struct {
	Grants        []drive.Grant `json:"grants"`
	NextPageToken string        `json:"next_page_token"`
}

type grantRequest struct {
	Principal string      `json:"principal"`
	Level     drive.Level `json:"level"`
}

type grantResponse struct {
	PermissionID string `json:"permission_id"`
}

func (c *Client) ListGrants(ctx context.Context, resourceID, pageToken string) ([]drive.Grant, string, error) {
	u := fmt.Sprintf("%s/v1/resources/%s/grants", c.baseURL, url.PathEscape(resourceID))
	if pageToken != "" {
		u += "?page_token=" + url.QueryEscape(pageToken)
	}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Grants, out.NextPageToken, nil
}

func (c *Client) Grant(ctx context.Context, resourceID, principal string, level drive.Level) (string, error) {
	u := fmt.Sprintf("%s/v1/resources/%s/grants", c.baseURL, url.PathEscape(resourceID))
	var out grantResponse
	if err := c.do(ctx, http.MethodPost, u, grantRequest{Principal: principal, Level: level}, &out); err != nil {
		return "", err
	}
	if out.PermissionID == "" {
		return "", drive.Permanent(fmt.Errorf("bridge returned empty permission id"))
	}
	return out.PermissionID, nil
}

func (c *Client) Revoke(ctx context.Context, resourceID, permissionID string) error {
	u := fmt.Sprintf("%s/v1/resources/%s/grants/%s",
		c.baseURL, url.PathEscape(resourceID), url.PathEscape(permissionID))
	return c.do(ctx, http.MethodDelete, u, nil, nil)
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return drive.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return drive.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return drive.Transient(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return drive.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return drive.ErrGrantNotFound
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return drive.Transient(fmt.Errorf("bridge status %d", resp.StatusCode))
	default:
		return drive.Permanent(fmt.Errorf("bridge status %d", resp.StatusCode))
	}
}
