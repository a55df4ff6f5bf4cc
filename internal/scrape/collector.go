package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/eventbus"
	"bidwatch/internal/source"
	"bidwatch/internal/storage"
	logx "bidwatch/pkg/logx"
)

// Summary is the result payload of one collection run.
type Summary struct {
	Source   string        `json:"source"`
	Fetched  int           `json:"fetched"`
	Saved    int           `json:"saved"`
	Updated  int           `json:"updated"`
	Errors   int           `json:"errors"`
	Pages    int           `json:"pages"`
	Requests int           `json:"requests"`
	Duration time.Duration `json:"duration"`
}

// Collector drives a full fetch → extract → normalize → persist pass for one
// source. It is stateless across runs; every run opens its own session.
type Collector struct {
	registry *source.Registry
	provider Provider
	store    storage.Store
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.RWMutex
	defaults SessionConfig
}

// SetDefaults swaps the session defaults (config hot reload). Runs already
// in flight keep the config they started with.
func (c *Collector) SetDefaults(d SessionConfig) {
	c.mu.Lock()
	c.defaults = d.withDefaults()
	c.mu.Unlock()
}

func NewCollector(reg *source.Registry, p Provider, st storage.Store, defaults SessionConfig, log logx.Logger, bus eventbus.Bus) *Collector {
	if p == nil {
		p = NewHTTPProvider()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		registry: reg,
		provider: p,
		store:    st,
		defaults: defaults.withDefaults(),
		log:      log,
		bus:      bus,
	}
}

// SessionDefaults resolves the file-level scrape section into session
// defaults. Bad duration strings are configuration errors.
func SessionDefaults(fc config.ScrapeConfig) (SessionConfig, error) {
	timeout, err := config.ParseDurationOrDefault("scrape.timeout", fc.Timeout, defaultTimeout)
	if err != nil {
		return SessionConfig{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("scrape.retry_base", fc.RetryBase, 4*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("scrape.retry_max_delay", fc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		UserAgent:         fc.UserAgent,
		Timeout:           timeout,
		RequestsPerMinute: fc.RequestsPerMinute,
		MaxAttempts:       fc.MaxAttempts,
		RetryBase:         retryBase,
		RetryMaxDelay:     retryMax,
		MaxBodyBytes:      fc.MaxBodyBytes,
	}.withDefaults(), nil
}

// Run collects one source and returns the summary. Unknown ids fail before
// any network traffic. Cancellation surfaces as ctx.Err so callers can map
// the run to a cancelled rather than failed outcome.
func (c *Collector) Run(ctx context.Context, sourceID string) (Summary, error) {
	src, ok := c.registry.Get(sourceID)
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", source.ErrUnknown, sourceID)
	}
	if src.Selectors.Rows == "" {
		return Summary{}, fmt.Errorf("source %s: selectors.rows is not configured", sourceID)
	}

	c.mu.RLock()
	cfg := c.defaults
	c.mu.RUnlock()
	if src.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = src.RequestsPerMinute
	}
	if src.Timeout > 0 {
		cfg.Timeout = src.Timeout
	}

	started := time.Now()
	sum := Summary{Source: sourceID}

	err := With(ctx, c.provider, cfg, c.log.With(logx.String("source", sourceID)), func(s *Session) error {
		pageURL := src.URL
		for page := 1; page <= src.MaxPages && pageURL != ""; page++ {
			doc, err := s.Fetch(ctx, pageURL)
			if err != nil {
				sum.Requests = s.Requests()
				return fmt.Errorf("page %d: %w", page, err)
			}
			sum.Pages++

			rows, next := ExtractListing(doc, pageURL, src.Selectors)
			sum.Fetched += len(rows)

			now := time.Now()
			for i := range rows {
				rec := rows[i]
				rec.Source = sourceID
				if !rec.Normalize(now) {
					sum.Errors++
					c.log.Debug("row without identity skipped",
						logx.String("source", sourceID), logx.Int("page", page))
					continue
				}
				if c.store == nil {
					continue
				}
				res, err := c.store.UpsertTender(ctx, &rec)
				if err != nil {
					// A bad row must not sink the rest of the run; only
					// cancellation aborts here.
					if ctx.Err() != nil {
						sum.Requests = s.Requests()
						return fmt.Errorf("persist %s/%s: %w", rec.Source, rec.ExternalID, err)
					}
					sum.Errors++
					c.log.Warn("tender persist failed",
						logx.String("source", rec.Source),
						logx.String("external_id", rec.ExternalID),
						logx.Err(err))
					continue
				}
				if res.Inserted {
					sum.Saved++
				} else {
					sum.Updated++
				}
			}
			pageURL = next
		}
		sum.Requests = s.Requests()
		return nil
	})

	sum.Duration = time.Since(started)
	if err != nil {
		return sum, err
	}

	c.log.Info("collection finished",
		logx.String("source", sourceID),
		logx.Int("fetched", sum.Fetched),
		logx.Int("saved", sum.Saved),
		logx.Int("updated", sum.Updated),
		logx.Int("errors", sum.Errors),
		logx.Int("pages", sum.Pages),
		logx.Int("requests", sum.Requests),
		logx.Duration("dur", sum.Duration))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeCollectFinished, Data: sum})
	}
	return sum, nil
}
