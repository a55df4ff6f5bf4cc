package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"

	logx "bidwatch/pkg/logx"
)

type fakeHandle struct {
	pages    map[string]string
	failures int // initial Navigate calls that fail transiently
	calls    int
	closed   bool
	current  string
	loaded   bool
}

func (h *fakeHandle) Navigate(_ context.Context, url string) (int, error) {
	h.calls++
	h.loaded = false
	if h.calls <= h.failures {
		return 503, Transient(fmt.Errorf("fetch %s: status 503", url))
	}
	body, ok := h.pages[url]
	if !ok {
		return 404, Permanent(fmt.Errorf("fetch %s: status 404", url))
	}
	h.current = body
	h.loaded = true
	return 200, nil
}

func (h *fakeHandle) Content(_ context.Context) (string, error) {
	if !h.loaded {
		return "", errors.New("no page loaded")
	}
	return h.current, nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

type fakeProvider struct {
	handle *fakeHandle
}

func (p *fakeProvider) Open(_ context.Context, _ SessionConfig) (Handle, error) {
	return p.handle, nil
}

// newTestSession builds a session around a fake handle with a recording
// sleep so pacing and backoff are observable without real waiting.
func newTestSession(h *fakeHandle, cfg SessionConfig, slept *[]time.Duration) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		handle:  h,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		log:     logx.Nop(),
		sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestFetchParsesDocument(t *testing.T) {
	h := &fakeHandle{pages: map[string]string{
		"https://portal.example/tenders": `<html><body><h1 id="hd">Open Tenders</h1></body></html>`,
	}}
	var slept []time.Duration
	s := newTestSession(h, SessionConfig{RequestsPerMinute: 60000}, &slept)

	doc, err := s.Fetch(context.Background(), "https://portal.example/tenders")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := doc.Find("#hd").Text(); got != "Open Tenders" {
		t.Fatalf("parsed text = %q", got)
	}
	if s.Requests() != 1 {
		t.Fatalf("requests = %d, want 1", s.Requests())
	}
}

func TestPacingFloorBetweenRequests(t *testing.T) {
	h := &fakeHandle{pages: map[string]string{
		"https://portal.example/a": "<html></html>",
	}}
	var slept []time.Duration
	// 60 rpm -> at least one second between requests.
	s := newTestSession(h, SessionConfig{RequestsPerMinute: 60}, &slept)

	for i := 0; i < 3; i++ {
		if _, err := s.Fetch(context.Background(), "https://portal.example/a"); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}

	// First request is free; the two that follow must each have been paced.
	if len(slept) != 2 {
		t.Fatalf("pacing sleeps = %d, want 2 (%v)", len(slept), slept)
	}
	minDelay := time.Second
	for i, d := range slept {
		if d < minDelay*9/10 {
			t.Fatalf("pacing sleep %d = %v, want >= ~%v", i, d, minDelay)
		}
	}
}

func TestTransientRetryWithBackoff(t *testing.T) {
	h := &fakeHandle{
		pages:    map[string]string{"https://portal.example/a": "<html></html>"},
		failures: 2,
	}
	var slept []time.Duration
	s := newTestSession(h, SessionConfig{
		RequestsPerMinute: 60000, // pacing negligible
		MaxAttempts:       3,
		RetryBase:         4 * time.Second,
		RetryMaxDelay:     10 * time.Second,
	}, &slept)

	if _, err := s.Fetch(context.Background(), "https://portal.example/a"); err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if h.calls != 3 {
		t.Fatalf("navigate calls = %d, want 3", h.calls)
	}

	// Two backoff sleeps: base, then doubled.
	var backoffs []time.Duration
	for _, d := range slept {
		if d >= time.Second {
			backoffs = append(backoffs, d)
		}
	}
	if len(backoffs) != 2 {
		t.Fatalf("backoff sleeps = %v, want 2 entries", backoffs)
	}
	if backoffs[0] != 4*time.Second || backoffs[1] != 8*time.Second {
		t.Fatalf("backoffs = %v, want [4s 8s]", backoffs)
	}
}

func TestPermanentErrorFailsFast(t *testing.T) {
	h := &fakeHandle{pages: map[string]string{}}
	var slept []time.Duration
	s := newTestSession(h, SessionConfig{RequestsPerMinute: 60000, MaxAttempts: 3}, &slept)

	_, err := s.Fetch(context.Background(), "https://portal.example/missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsPermanent(err) {
		t.Fatalf("error not marked permanent: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("navigate calls = %d, want 1 (no retry)", h.calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := &fakeHandle{
		pages:    map[string]string{"https://portal.example/a": "<html></html>"},
		failures: 10,
	}
	var slept []time.Duration
	s := newTestSession(h, SessionConfig{RequestsPerMinute: 60000, MaxAttempts: 3}, &slept)

	_, err := s.Fetch(context.Background(), "https://portal.example/a")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !IsTransient(err) {
		t.Fatalf("exhaustion should keep the transient cause: %v", err)
	}
	if h.calls != 3 {
		t.Fatalf("navigate calls = %d, want 3", h.calls)
	}
}

func TestBackoffDelayCap(t *testing.T) {
	base, max := 4*time.Second, 10*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{4, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, max, tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestWithClosesHandle(t *testing.T) {
	h := &fakeHandle{pages: map[string]string{}}
	p := &fakeProvider{handle: h}

	err := With(context.Background(), p, SessionConfig{}, logx.Nop(), func(s *Session) error {
		return errors.New("run failed")
	})
	if err == nil || err.Error() != "run failed" {
		t.Fatalf("With err = %v", err)
	}
	if !h.closed {
		t.Fatal("handle not closed on error path")
	}
}
