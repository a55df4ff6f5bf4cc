// Package source holds the registry of procurement portals the collector
// knows how to walk. Entries come from the config file and can be replaced
// wholesale on hot reload; consumers always read through the registry so
// updates take effect at the next scheduling evaluation.
package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bidwatch/internal/config"
)

var ErrUnknown = errors.New("unknown source")

// Config describes one portal, with session overrides already resolved
// against the global scrape defaults.
type Config struct {
	ID      string
	Name    string
	URL     string
	Enabled bool

	// Schedule is the raw spec string ("2h", "02:30", or a cron expression).
	Schedule string

	RequestsPerMinute int
	Timeout           time.Duration
	MaxPages          int

	Selectors Selectors
}

// Selectors drive listing extraction. Rows is a document-level selector;
// the rest resolve relative to each row.
type Selectors struct {
	Rows         string
	Title        string
	Link         string
	ExternalID   string
	Organization string
	Location     string
	Category     string
	ClosingDate  string
	Description  string
	NextPage     string
}

type Registry struct {
	mu      sync.RWMutex
	sources map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Config{}}
}

func (r *Registry) Get(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sources[id]
	return c, ok
}

// All returns every source sorted by id.
func (r *Registry) All() []Config {
	r.mu.RLock()
	out := make([]Config, 0, len(r.sources))
	for _, c := range r.sources {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Put(c Config) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("source id required")
	}
	r.mu.Lock()
	r.sources[c.ID] = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sources[id]
	if !ok {
		return false
	}
	c.Enabled = enabled
	r.sources[id] = c
	return true
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return false
	}
	delete(r.sources, id)
	return true
}

// Replace swaps the whole source set (config hot reload).
func (r *Registry) Replace(cfgs []Config) {
	next := make(map[string]Config, len(cfgs))
	for _, c := range cfgs {
		if strings.TrimSpace(c.ID) == "" {
			continue
		}
		next[c.ID] = c
	}
	r.mu.Lock()
	r.sources = next
	r.mu.Unlock()
}

// FromFile resolves a raw file entry against the global scrape defaults.
func FromFile(id string, fc config.SourceConfig, defaults config.ScrapeConfig) (Config, error) {
	c := Config{
		ID:                id,
		Name:              fc.Name,
		URL:               fc.URL,
		Enabled:           fc.Enabled,
		Schedule:          fc.Schedule,
		RequestsPerMinute: fc.RequestsPerMinute,
		MaxPages:          fc.MaxPages,
		Selectors: Selectors{
			Rows:         fc.Selectors.Rows,
			Title:        fc.Selectors.Title,
			Link:         fc.Selectors.Link,
			ExternalID:   fc.Selectors.ExternalID,
			Organization: fc.Selectors.Organization,
			Location:     fc.Selectors.Location,
			Category:     fc.Selectors.Category,
			ClosingDate:  fc.Selectors.ClosingDate,
			Description:  fc.Selectors.Description,
			NextPage:     fc.Selectors.NextPage,
		},
	}
	if c.Name == "" {
		c.Name = id
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}

	timeout, err := config.ParseDurationField(fmt.Sprintf("sources.%s.timeout", id), fc.Timeout)
	if err != nil {
		return Config{}, err
	}
	if timeout <= 0 {
		timeout, err = config.ParseDurationOrDefault("scrape.timeout", defaults.Timeout, 30*time.Second)
		if err != nil {
			return Config{}, err
		}
	}
	c.Timeout = timeout

	if c.MaxPages <= 0 {
		c.MaxPages = 1
	}
	return c, nil
}
