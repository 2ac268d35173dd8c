// Package client provides HTTP client functionality for communicating
// with the gate's management API and its check endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/ratelimit"
	"github.com/sofatutor/ipgate/internal/whitelist"
)

// APIError is a non-success response of the management API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client handles communication with the management API.
type Client struct {
	baseURL        string
	token          string
	identitySecret string
	httpClient     *http.Client
}

// New creates a management API client.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetIdentitySecret makes Check vouch for its identity headers with secret.
func (c *Client) SetIdentitySecret(secret string) {
	c.identitySecret = secret
}

// AddWhitelistEntry creates an entry.
func (c *Client) AddWhitelistEntry(ctx context.Context, req whitelist.AddRequest) (whitelist.Entry, error) {
	var entry whitelist.Entry
	err := c.do(ctx, http.MethodPost, "/manage/whitelist", req, &entry)
	return entry, err
}

// RemoveWhitelistEntry deletes an entry.
func (c *Client) RemoveWhitelistEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/manage/whitelist/"+url.PathEscape(id), nil, nil)
}

// DeactivateWhitelistEntry disables an entry.
func (c *Client) DeactivateWhitelistEntry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/manage/whitelist/"+url.PathEscape(id)+"/deactivate", nil, nil)
}

// ListWhitelistEntries lists entries matching f.
func (c *Client) ListWhitelistEntries(ctx context.Context, f whitelist.Filter) ([]whitelist.Entry, error) {
	q := url.Values{}
	if f.Scope != "" {
		q.Set("scope", string(f.Scope))
	}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if f.ActiveOnly {
		q.Set("active", "true")
	}
	setPaging(q, f.Limit, f.Offset)

	var entries []whitelist.Entry
	err := c.do(ctx, http.MethodGet, withQuery("/manage/whitelist", q), nil, &entries)
	return entries, err
}

// RecordFailedAttempt counts a failure against address and userID.
func (c *Client) RecordFailedAttempt(ctx context.Context, address, userID string) error {
	body := map[string]string{"address": address, "user_id": userID}
	return c.do(ctx, http.MethodPost, "/manage/failures", body, nil)
}

// CounterStatus fetches a rate limit counter.
func (c *Client) CounterStatus(ctx context.Context, scope ratelimit.Scope, key string) (ratelimit.Status, error) {
	var st ratelimit.Status
	err := c.do(ctx, http.MethodGet, counterPath(scope, key), nil, &st)
	return st, err
}

// ResetCounter lifts a rate limit block.
func (c *Client) ResetCounter(ctx context.Context, scope ratelimit.Scope, key string) error {
	return c.do(ctx, http.MethodDelete, counterPath(scope, key), nil, nil)
}

// AccessLog queries recorded decisions.
func (c *Client) AccessLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	q := url.Values{}
	if f.Address != "" {
		q.Set("address", f.Address)
	}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if f.Granted != nil {
		q.Set("granted", strconv.FormatBool(*f.Granted))
	}
	if f.Since != nil {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	setPaging(q, f.Limit, f.Offset)

	var records []audit.Record
	err := c.do(ctx, http.MethodGet, withQuery("/manage/access-log", q), nil, &records)
	return records, err
}

// Check asks the gate about a client address and identity. Denials are
// returned as decisions, not errors.
func (c *Client) Check(ctx context.Context, address string, id gate.Identity) (gate.Decision, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/gate/check", nil)
	if err != nil {
		return gate.Decision{}, err
	}
	req.Header.Del("Authorization")
	req.Header.Set("X-Forwarded-For", address)
	if id.UserID != "" {
		req.Header.Set("X-User-ID", id.UserID)
	}
	if id.Email != "" {
		req.Header.Set("X-User-Email", id.Email)
	}
	if id.IsAdmin {
		req.Header.Set("X-User-Role", "admin")
	}
	if c.identitySecret != "" {
		req.Header.Set("X-Gate-Secret", c.identitySecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gate.Decision{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return gate.Decision{}, readError(resp)
	}
	var d gate.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return gate.Decision{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return d, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

func counterPath(scope ratelimit.Scope, key string) string {
	return "/manage/ratelimit/" + url.PathEscape(string(scope)) + "/" + url.PathEscape(key)
}

func setPaging(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
