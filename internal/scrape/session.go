// Package scrape fetches source pages through a rate-limited, retrying
// session and extracts tender rows from the HTML.
package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	logx "bidwatch/pkg/logx"
)

// Session paces and retries fetches against one handle. Not safe for
// concurrent use; a session belongs to a single collection run.
type Session struct {
	cfg     SessionConfig
	handle  Handle
	limiter *rate.Limiter
	log     logx.Logger

	requests int

	// sleep is swappable so tests can observe pacing without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// With opens a handle, runs fn with a session wrapping it, and closes the
// handle on every path. The session must not escape fn.
func With(ctx context.Context, p Provider, cfg SessionConfig, log logx.Logger, fn func(*Session) error) error {
	cfg = cfg.withDefaults()
	h, err := p.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			log.Warn("session close failed", logx.Err(cerr))
		}
	}()

	s := &Session{
		cfg:     cfg,
		handle:  h,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		log:     log,
		sleep:   sleepCtx,
	}
	return fn(s)
}

// Requests reports how many fetch attempts the session has issued,
// including retries.
func (s *Session) Requests() int { return s.requests }

// Fetch navigates to url under the pacing floor and retry policy and parses
// the body. Transient failures are retried with exponential backoff up to
// MaxAttempts; permanent failures and cancellation return immediately.
func (s *Session) Fetch(ctx context.Context, url string) (*goquery.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.pace(ctx); err != nil {
			return nil, err
		}

		s.requests++
		status, err := s.handle.Navigate(ctx, url)
		if err == nil {
			html, cerr := s.handle.Content(ctx)
			if cerr != nil {
				return nil, Permanent(fmt.Errorf("read content %s: %w", url, cerr))
			}
			doc, perr := goquery.NewDocumentFromReader(strings.NewReader(html))
			if perr != nil {
				return nil, Permanent(fmt.Errorf("parse %s: %w", url, perr))
			}
			return doc, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(s.cfg.RetryBase, s.cfg.RetryMaxDelay, attempt)
		s.log.Warn("fetch failed, retrying",
			logx.String("url", url),
			logx.Int("status", status),
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err))
		if serr := s.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("fetch %s: %d attempts exhausted: %w", url, s.cfg.MaxAttempts, lastErr)
}

// pace enforces the per-source request floor of 60/RequestsPerMinute seconds
// between attempts. The first request of a session is not delayed.
func (s *Session) pace(ctx context.Context) error {
	r := s.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate limiter rejected reservation")
	}
	if d := r.Delay(); d > 0 {
		return s.sleep(ctx, d)
	}
	return nil
}

// backoffDelay doubles per attempt: base, 2*base, 4*base ... capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
