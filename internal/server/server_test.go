package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/job"
	"bidwatch/internal/schedule"
	"bidwatch/internal/source"
	"bidwatch/internal/storage"
	"bidwatch/internal/tender"
)

type stubOrchestrator struct {
	jobs      map[string]job.Job
	running   bool
	triggered []string
	updated   map[string]config.SourceConfig
	tenders   []tender.Record
	storeOff  bool
}

func newStub() *stubOrchestrator {
	now := time.Now()
	return &stubOrchestrator{
		jobs: map[string]job.Job{
			"j1": {ID: "j1", Source: "city", Status: job.StatusRunning, CreatedAt: now},
			"j2": {ID: "j2", Source: "city", Status: job.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
		},
		running: true,
		updated: map[string]config.SourceConfig{},
		tenders: []tender.Record{{Source: "city", ExternalID: "T-1", Title: "Road resurfacing"}},
	}
}

func (s *stubOrchestrator) TriggerNow(_ context.Context, target string) ([]job.Job, error) {
	if target != "all" && target != "city" {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknown, target)
	}
	s.triggered = append(s.triggered, target)
	return []job.Job{{ID: "j-new", Source: "city", Status: job.StatusRunning}}, nil
}

func (s *stubOrchestrator) GetJob(id string) (job.Job, bool) {
	j, ok := s.jobs[id]
	return j, ok
}

func (s *stubOrchestrator) ListJobs(status job.Status, limit, offset int) ([]job.Job, int) {
	var out []job.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, len(out)
}

func (s *stubOrchestrator) CancelJob(id string) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return false
	}
	j.Status = job.StatusCancelled
	s.jobs[id] = j
	return true
}

func (s *stubOrchestrator) SchedulerStatus() schedule.Snapshot {
	return schedule.Snapshot{Running: s.running, Tasks: []schedule.TaskInfo{{Name: "city", Enabled: true}}}
}

func (s *stubOrchestrator) SchedulerStart() { s.running = true }

func (s *stubOrchestrator) SchedulerStop(context.Context) error {
	s.running = false
	return nil
}

func (s *stubOrchestrator) Sources(context.Context) []SourceStatus {
	return []SourceStatus{{ID: "city", Name: "City Portal", Enabled: true, TotalTenders: 3}}
}

func (s *stubOrchestrator) UpdateSource(id string, fc config.SourceConfig) error {
	if id == "bad" {
		return fmt.Errorf("selectors.rows is required")
	}
	s.updated[id] = fc
	return nil
}

func (s *stubOrchestrator) ListTenders(_ context.Context, f storage.Filter) ([]tender.Record, int, error) {
	if s.storeOff {
		return nil, 0, storage.ErrDisabled
	}
	return s.tenders, len(s.tenders), nil
}

func newTestServer(t *testing.T) (*stubOrchestrator, http.Handler) {
	t.Helper()
	stub := newStub()
	srv := New(stub, Options{})
	return stub, srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad json %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec, body := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", rec.Code, body)
	}
}

func TestGetJob(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/jobs/j1", "")
	if rec.Code != http.StatusOK || body["id"] != "j1" {
		t.Fatalf("get job: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	_, h := newTestServer(t)
	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/jobs?status=running", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: %d", rec.Code)
	}
	if body["total"].(float64) != 1 {
		t.Fatalf("total = %v, want 1 running", body["total"])
	}
}

func TestCancelJob(t *testing.T) {
	stub, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/jobs/j1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	if stub.jobs["j1"].Status != job.StatusCancelled {
		t.Fatal("job not cancelled")
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/jobs/j2/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: %d, want conflict", rec.Code)
	}
}

func TestTriggerSource(t *testing.T) {
	stub, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/sources/city/trigger", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d %v", rec.Code, body)
	}
	if len(stub.triggered) != 1 || stub.triggered[0] != "city" {
		t.Fatalf("triggered = %v", stub.triggered)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/sources/nowhere/trigger", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source trigger: %d", rec.Code)
	}
}

func TestTriggerAll(t *testing.T) {
	stub, h := newTestServer(t)
	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/sources/trigger-all", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger-all: %d", rec.Code)
	}
	if len(stub.triggered) != 1 || stub.triggered[0] != "all" {
		t.Fatalf("triggered = %v", stub.triggered)
	}
}

func TestUpdateSource(t *testing.T) {
	stub, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/sources/city",
		`{"name":"City","url":"https://portal.example","schedule":"2h","selectors":{"rows":"tr"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d", rec.Code)
	}
	if stub.updated["city"].Schedule != "2h" {
		t.Fatalf("update not applied: %+v", stub.updated)
	}

	rec, _ = doJSON(t, h, http.MethodPut, "/api/v1/sources/city", `{"bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field accepted: %d", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPut, "/api/v1/sources/bad", `{"url":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid source accepted: %d", rec.Code)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	stub, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/scheduler/status", "")
	if rec.Code != http.StatusOK || body["running"] != true {
		t.Fatalf("status: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/stop", "")
	if rec.Code != http.StatusOK || body["running"] != false || stub.running {
		t.Fatalf("stop: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/start", "")
	if rec.Code != http.StatusOK || body["running"] != true || !stub.running {
		t.Fatalf("start: %d %v", rec.Code, body)
	}
}

func TestListSources(t *testing.T) {
	_, h := newTestServer(t)
	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/sources", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sources: %d", rec.Code)
	}
	list, ok := body["sources"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("sources body = %v", body)
	}
}

func TestListTenders(t *testing.T) {
	stub, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/tenders?source=city", "")
	if rec.Code != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("tenders: %d %v", rec.Code, body)
	}

	stub.storeOff = true
	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/tenders", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("tenders with storage off: %d", rec.Code)
	}
}
