// Package transport issues the client's HTTP calls, carrying
// cookie-based credentials, and recovers transparently when the service
// reports them expired.
//
// Recovery is deliberately simple: a boolean single-flight guard. The
// call that first observes the expiry drives a bounded refresh loop and
// replays itself once; calls failing concurrently lose the race and fail
// fast, to be retried by their own caller on the next cycle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/logger"
)

const (
	defaultTimeout = 5 * time.Second
	minTimeout     = 1 * time.Second

	// refreshAttempts and refreshDelay bound the forced re-login loop
	// run when a tagged request comes back unauthorized.
	refreshAttempts = 3
	refreshDelay    = 3 * time.Second
)

var (
	// ErrUnauthorized reports a credential-expiry failure that this call
	// did not recover from, either because no refresher is configured or
	// because another call is already driving a refresh.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRefreshFailed reports an exhausted refresh loop. The session
	// stays stale; a later unauthorized response triggers a new attempt.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// ReloginFunc performs a full forced re-login for a logical service,
// writing fresh credentials into the shared session in place.
type ReloginFunc func(ctx context.Context, service account.Service) error

// Request is one protocol call. Cookies are attached in slice order.
//
// Service tags the request with its logical service identity at
// construction time; expiry detection switches on this tag. Untagged
// requests (login handshake, arbitrary URLs) are never refreshed.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    string
	Headers map[string]string
	Cookies []*http.Cookie

	Service account.Service
	Session *account.Session
}

// Response is the raw outcome of a call. Status interpretation beyond
// the unauthorized check is left to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Client wraps an HTTP client with cookie injection, a per-call timeout,
// and the refresh-and-retry path.
type Client struct {
	httpc   *http.Client
	timeout time.Duration
	relogin ReloginFunc

	// refreshing is the single-flight guard: true while one call drives
	// the refresh loop.
	refreshing atomic.Bool

	attempts int
	delay    time.Duration
}

// New creates a Client. timeout bounds every call and is clamped to at
// least one second; zero selects the five-second default. relogin may be
// nil, in which case unauthorized responses are surfaced as-is.
func New(timeout time.Duration, relogin ReloginFunc) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout < minTimeout {
		timeout = minTimeout
	}
	return &Client{
		httpc:    &http.Client{},
		timeout:  timeout,
		relogin:  relogin,
		attempts: refreshAttempts,
		delay:    refreshDelay,
	}
}

// Do executes the request. A 401 on a service-tagged request triggers
// the single-flight refresh path; every other failure propagates as-is.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && req.Service != "" {
		return c.refreshAndRetry(ctx, req)
	}
	return resp, nil
}

// refreshAndRetry re-authenticates the request's service and replays the
// request exactly once. Only the first call to observe the expiry runs
// this; concurrent losers fail immediately.
func (c *Client) refreshAndRetry(ctx context.Context, req *Request) (*Response, error) {
	if c.relogin == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, req.Method, req.URL)
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: refresh already in flight", ErrUnauthorized)
	}
	defer c.refreshing.Store(false)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		logger.Warnf("credentials expired for %s, refreshing token (attempt %d/%d)", req.Service, attempt, c.attempts)
		err := c.relogin(ctx, req.Service)
		if err == nil {
			c.patchCookies(req)
			return c.roundTrip(ctx, req)
		}
		logger.Debugf("refresh attempt %d for %s failed: %v", attempt, req.Service, err)
		if attempt == c.attempts {
			break
		}
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	logger.Errorf("refreshing credentials for %s failed after %d attempts; check that the account is still valid", req.Service, c.attempts)
	return nil, fmt.Errorf("%w: service %s", ErrRefreshFailed, req.Service)
}

// patchCookies rewrites the token and device-profile cookies of the
// failed request from the refreshed session before the replay.
func (c *Client) patchCookies(req *Request) {
	s := req.Session
	if s == nil {
		return
	}
	for _, ck := range req.Cookies {
		switch ck.Name {
		case "serviceToken", "yetAnotherServiceToken":
			if s.ServiceToken != "" {
				ck.Value = s.ServiceToken
			}
		case "deviceSNProfile":
			if s.Device != nil && s.Device.DeviceSNProfile != "" {
				ck.Value = s.Device.DeviceSNProfile
			}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Body != "" {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	for _, ck := range req.Cookies {
		hr.AddCookie(ck)
	}

	resp, err := c.httpc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
