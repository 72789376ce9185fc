// Package httpclient fetches upstream source data over HTTP with a per-host
// rate limit, bounded bodies and retries on throttling and server errors.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultRetries      = 3
	defaultRate         = 10.0
	defaultBurst        = 5
	defaultBackoff      = 100 * time.Millisecond
	defaultUserAgent    = "source-pipeline/1.0"
	defaultMaxBodyBytes = 2 << 30
	maxRetryAfter       = 30 * time.Second
)

// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Config tunes the client. Zero fields take defaults.
type Config struct {
	// Timeout bounds one request including the body read (default 60s).
	Timeout time.Duration
	// MaxRetries after the first attempt (default 3). Negative disables retries.
	MaxRetries int
	// RateLimit is requests per second per upstream host (default 10).
	RateLimit float64
	RateBurst int
	// Backoff is the first retry delay; it doubles per attempt (default 100ms).
	Backoff time.Duration
	// MaxBodyBytes caps a single download (default 2 GiB).
	MaxBodyBytes int64
	Headers      map[string]string
	UserAgent    string
	Transport    http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	switch {
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	case c.MaxRetries == 0:
		c.MaxRetries = defaultRetries
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRate
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultBurst
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// Client is safe for concurrent use by every cache worker.
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a client. A nil config uses the defaults.
func New(cfg *Config) *Client {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()
	return &Client{
		cfg:      c,
		http:     &http.Client{Timeout: c.Timeout, Transport: c.Transport},
		limiters: make(map[string]*rate.Limiter),
	}
}

// Request is a single upstream request.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON decodes the body into target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// Get fetches rawURL with optional query parameters.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL, Query: query})
}

// Do sends req, retrying 429, 5xx and transient network failures with
// exponential backoff. A Retry-After header overrides the backoff.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid URL %q", req.URL)
	}
	if len(req.Query) > 0 {
		// Parameters already on the URL are kept unless req.Query sets them.
		merged := target.Query()
		for k, vs := range req.Query {
			merged[k] = vs
		}
		target.RawQuery = merged.Encode()
	}
	limiter := c.limiter(target.Host)

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "waiting to fetch %s", req.URL)
		}
		resp, err := c.once(ctx, req, target.String())
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			if attempt == 0 {
				return nil, err
			}
			return nil, errors.Wrapf(err, "max retries exceeded for %s", req.URL)
		}

		timer := time.NewTimer(c.delay(attempt, resp))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, req *Request, target string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", req.URL)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", req.URL)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "reading body of %s", req.URL)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%s is larger than %d bytes", req.URL, c.cfg.MaxBodyBytes)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Headers: httpResp.Header, Body: body}
	if httpResp.StatusCode >= 400 {
		return resp, &HTTPError{URL: req.URL, StatusCode: httpResp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

// delay is the wait before retry number attempt+1.
func (c *Client) delay(attempt int, resp *Response) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Headers.Get("Retry-After")); err == nil && secs >= 0 {
			return min(time.Duration(secs)*time.Second, maxRetryAfter)
		}
	}
	return c.cfg.Backoff << attempt
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.RateBurst)
		c.limiters[host] = l
	}
	return l
}

// HTTPError is a 4xx or 5xx upstream response.
type HTTPError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, msg)
}

// IsRateLimited reports a 429 response.
func (e *HTTPError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsServerError reports a 5xx response.
func (e *HTTPError) IsServerError() bool { return e.StatusCode >= 500 }

// IsRetryable reports whether err is worth another attempt: throttling,
// server errors and network timeouts.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRateLimited() || httpErr.IsServerError()
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
