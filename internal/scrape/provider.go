package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"
)

const (
	defaultUserAgent    = "bidwatch/1.0 (+https://github.com/bidwatch/bidwatch)"
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 8 << 20 // 8 MiB
	maxRedirects        = 10
)

// SessionConfig carries the per-source fetch policy.
type SessionConfig struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxAttempts       int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	MaxBodyBytes      int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 4 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// Provider opens scraping handles. The production implementation is plain
// HTTP; tests substitute an in-memory one.
type Provider interface {
	Open(ctx context.Context, cfg SessionConfig) (Handle, error)
}

// Handle is one browsing context: cookies and the last fetched page live for
// its lifetime and are released by Close.
type Handle interface {
	// Navigate fetches url and retains the body for Content. The returned
	// error is marked Transient or Permanent based on the failure class.
	Navigate(ctx context.Context, url string) (status int, err error)
	// Content returns the body of the last successful Navigate.
	Content(ctx context.Context) (string, error)
	Close() error
}

// HTTPProvider is the default Provider backed by net/http with a cookie jar
// per handle.
type HTTPProvider struct{}

func NewHTTPProvider() *HTTPProvider { return &HTTPProvider{} }

func (p *HTTPProvider) Open(_ context.Context, cfg SessionConfig) (Handle, error) {
	cfg = cfg.withDefaults()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &httpHandle{client: client, cfg: cfg}, nil
}

type httpHandle struct {
	client *http.Client
	cfg    SessionConfig
	body   string
	haveIt bool
}

func (h *httpHandle) Navigate(ctx context.Context, url string) (int, error) {
	h.haveIt = false

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, Transient(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return resp.StatusCode, ctx.Err()
		}
		return resp.StatusCode, Transient(fmt.Errorf("read %s: %w", url, err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, Transient(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	case resp.StatusCode >= 400:
		return resp.StatusCode, Permanent(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}

	h.body = string(b)
	h.haveIt = true
	return resp.StatusCode, nil
}

func (h *httpHandle) Content(_ context.Context) (string, error) {
	if !h.haveIt {
		return "", errors.New("no page loaded")
	}
	return h.body, nil
}

func (h *httpHandle) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
