// Package caller performs the external HTTP requests described by job
// payloads.
package caller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridlens/gridlens/internal/core"
)

// DefaultMaxBodyBytes caps how much of a response body is kept.
const DefaultMaxBodyBytes = 1 << 20

// HTTPCaller issues GET requests against per-resource base URLs. Payload
// params are sent as query parameters.
type HTTPCaller struct {
	Client       *http.Client
	BaseURLs     map[string]string
	UserAgent    string
	MaxBodyBytes int64
	Clock        func() time.Time
}

// New builds a caller for the configured resource base URLs. Timeouts come
// from the request context, so the client carries none of its own.
func New(baseURLs map[string]string, userAgent string) *HTTPCaller {
	normalized := make(map[string]string, len(baseURLs))
	for name, base := range baseURLs {
		normalized[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(base)
	}
	return &HTTPCaller{
		Client:    &http.Client{},
		BaseURLs:  normalized,
		UserAgent: userAgent,
	}
}

// Call performs the request. Any received response is returned with a nil
// error, whatever its status; the caller decides what counts as failure.
func (c *HTTPCaller) Call(ctx context.Context, payload core.Payload) (*core.Response, error) {
	target, err := c.resolve(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &core.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After"), c.now()),
	}, nil
}

// resolve joins the resource base URL with the payload endpoint. Absolute
// endpoints are used as given.
func (c *HTTPCaller) resolve(payload core.Payload) (string, error) {
	endpoint := strings.TrimSpace(payload.Endpoint)
	if endpoint == "" {
		return "", errors.New("payload endpoint is required")
	}

	var target *url.URL
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		target = ref
	} else {
		resource := strings.ToLower(strings.TrimSpace(payload.Resource))
		base := c.BaseURLs[resource]
		if base == "" {
			return "", fmt.Errorf("no base_url configured for resource %s", resource)
		}
		baseURL, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("parse base_url for %s: %w", resource, err)
		}
		target = baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(ref.Path, "/"), RawQuery: ref.RawQuery})
	}

	if len(payload.Params) > 0 {
		query := target.Query()
		for key, value := range payload.Params {
			query.Set(key, value)
		}
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

func (c *HTTPCaller) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// retryAfter parses delay-seconds or an HTTP date.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil && seconds > 0 {
		return seconds
	}
	if parsed, err := http.ParseTime(value); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}
