package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const yamlConfig = `
logging:
  level: DEBUG
  console: true
scheduler:
  enabled: true
  tick: 30s
  job_history_size: 500
scrape:
  requests_per_minute: 30
  timeout: 15s
storage:
  driver: sqlite
  path: ./test.db
sources:
  city:
    name: City Portal
    url: https://portal.example/tenders
    enabled: true
    schedule: 1h
    selectors:
      rows: "tr.row"
      title: "td.t a"
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", yamlConfig))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Tick != "30s" || cfg.Scheduler.JobHistorySize != 500 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	src, ok := cfg.Sources["city"]
	if !ok || src.URL != "https://portal.example/tenders" || src.Selectors.Rows != "tr.row" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "config.json",
		`{"logging":{"level":"INFO"},"scheduler":{"enabled":true}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "INFO" || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseTrimsSourceIDs(t *testing.T) {
	m := NewManager(writeFile(t, "config.json",
		`{"sources":{"  city  ":{"name":"City","url":"https://portal.example","schedule":"1h","selectors":{"rows":"tr"}}}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := cfg.Sources["city"]; !ok {
		t.Fatalf("padded source id not trimmed: %v", cfg.Sources)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("sources = %v, want one trimmed entry", cfg.Sources)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"loging":{"level":"INFO"}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("typo'd key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"logging":{"level":"INFO"}}{"extra":1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestParseMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Scheduler: SchedulerConfig{Tick: "60s"},
			Scrape:    ScrapeConfig{Timeout: "30s"},
			Sources: map[string]SourceConfig{
				"city": {
					URL:       "https://portal.example",
					Schedule:  "1h",
					Selectors: SelectorConfig{Rows: "tr"},
				},
			},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := Validate(nil); err == nil {
		t.Fatal("nil config accepted")
	}

	bad := base()
	bad.Scheduler.Tick = "sixty seconds"
	if err := Validate(bad); err == nil {
		t.Fatal("bad tick accepted")
	}

	bad = base()
	bad.Scrape.RequestsPerMinute = -1
	if err := Validate(bad); err == nil {
		t.Fatal("negative rpm accepted")
	}

	bad = base()
	src := bad.Sources["city"]
	src.URL = ""
	bad.Sources["city"] = src
	if err := Validate(bad); err == nil {
		t.Fatal("source without url accepted")
	}

	bad = base()
	src = bad.Sources["city"]
	src.Selectors.Rows = ""
	bad.Sources["city"] = src
	if err := Validate(bad); err == nil {
		t.Fatal("source without rows selector accepted")
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a, b := &Config{}, &Config{Scheduler: SchedulerConfig{Enabled: true}}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got != b {
		t.Fatal("subscriber did not receive the newest config")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config: %+v", extra)
	default:
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "90s"); err != nil || d.Seconds() != 90 {
		t.Fatalf("90s -> %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty -> %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "later"); err == nil {
		t.Fatal("junk duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 42); err != nil || d != 42 {
		t.Fatalf("default -> %v, %v", d, err)
	}
}
