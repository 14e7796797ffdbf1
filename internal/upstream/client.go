// Package upstream is the JSON-over-HTTP client shared by the charity and
// grants integrations. Transient failures are retried with exponential
// backoff; everything else surfaces as an *Error.
package upstream

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

	"github.com/cenkalti/backoff/v5"
)

// ErrNotFound is returned when the upstream answers 404.
var ErrNotFound = errors.New("upstream: not found")

// Error wraps a failed upstream call. Callers map it to a generic
// "service unavailable" response and never show Err to end users.
type Error struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Options struct {
	Service    string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxTries   uint
	HTTPClient *http.Client
}

type Client struct {
	service  string
	baseURL  string
	apiKey   string
	maxTries uint
	http     *http.Client
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	return &Client{
		service:  opts.Service,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		maxTries: maxTries,
		http:     httpClient,
	}
}

// Configured reports whether a base URL was supplied.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, op, path, query, nil, out)
}

// Post sends body as JSON and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, op, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, op, path, nil, body, out)
}

// Ping checks that the upstream answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, op, path string, query url.Values, body, out any) error {
	if !c.Configured() {
		return &Error{Service: c.service, Op: op, Err: errors.New("not configured")}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Service: c.service, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		payload = encoded
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.attempt(ctx, method, endpoint, payload)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		var upstreamErr *Error
		if errors.As(err, &upstreamErr) {
			upstreamErr.Service = c.service
			upstreamErr.Op = op
			return upstreamErr
		}
		return &Error{Service: c.service, Op: op, Err: err}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Service: c.service, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(&Error{Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))})
	}
	return raw, nil
}
