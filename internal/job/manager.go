package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bidwatch/internal/eventbus"
	logx "bidwatch/pkg/logx"
)

const defaultHistorySize = 1000

// Options configures a Manager.
type Options struct {
	// HistorySize bounds how many terminal jobs are retained (FIFO eviction).
	// Defaults to 1000.
	HistorySize int

	Log logx.Logger
	Bus eventbus.Bus
}

// record is the live, manager-owned state behind a Job snapshot.
type record struct {
	job     Job
	payload Payload
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the job table. All state is guarded by mu; payload execution
// happens on per-job goroutines that re-enter the lock only to record the
// outcome, so operations on one id are totally ordered.
type Manager struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	base       context.Context
	baseCancel context.CancelFunc

	jobs        map[string]*record
	history     []string // terminal job ids, oldest first
	historySize int

	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:         opts.Log,
		bus:         opts.Bus,
		base:        base,
		baseCancel:  cancel,
		jobs:        map[string]*record{},
		historySize: opts.HistorySize,
	}
}

// SetHistorySize adjusts the retention cap at runtime (config reload).
func (m *Manager) SetHistorySize(n int) {
	if n <= 0 {
		n = defaultHistorySize
	}
	m.mu.Lock()
	m.historySize = n
	m.trimHistoryLocked()
	m.mu.Unlock()
}

// Create allocates a PENDING job. It always succeeds.
func (m *Manager) Create(source string, payload Payload, metadata map[string]string) Job {
	r := &record{
		job: Job{
			ID:        uuid.NewString(),
			Source:    source,
			Status:    StatusPending,
			CreatedAt: time.Now(),
			Metadata:  metadata,
		},
		payload: payload,
	}

	m.mu.Lock()
	m.jobs[r.job.ID] = r
	m.mu.Unlock()

	m.log.Debug("job created", logx.String("job", r.job.ID), logx.String("source", source))
	return r.job
}

// Start transitions a PENDING job to RUNNING and spawns its payload.
// Returns false if the id is unknown or not PENDING; nothing is mutated then.
func (m *Manager) Start(id string) bool {
	m.mu.Lock()
	r, ok := m.jobs[id]
	if !ok || r.job.Status != StatusPending || m.closed {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	r.job.Status = StatusRunning
	r.job.StartedAt = &now

	ctx, cancel := context.WithCancel(m.base)
	r.cancel = cancel
	r.done = make(chan struct{})
	payload := r.payload
	r.payload = nil
	snap := r.job
	m.mu.Unlock()

	m.publish(eventbus.TypeJobStarted, snap, 0)
	go m.execute(id, ctx, cancel, payload, r.done)
	return true
}

// Cancel requests cooperative cancellation of a RUNNING job. The record
// turns CANCELLED immediately; the payload observes the cancelled context at
// its next suspension point. Returns false for unknown or non-RUNNING ids.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.jobs[id]
	if !ok || r.job.Status != StatusRunning {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	r.job.Status = StatusCancelled
	r.job.CompletedAt = &now
	cancel := r.cancel
	m.appendHistoryLocked(id)
	snap := r.job
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.log.Info("job cancelled", logx.String("job", id), logx.String("source", snap.Source))
	m.publish(eventbus.TypeJobCancelled, snap, durationOf(snap))
	return true
}

// execute runs the payload and records the outcome. A payload panic becomes
// a FAILED job; nothing propagates past the manager.
func (m *Manager) execute(id string, ctx context.Context, cancel context.CancelFunc, payload Payload, done chan struct{}) {
	defer close(done)
	defer cancel()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				m.log.Error("job panicked", logx.String("job", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if payload == nil {
			err = errors.New("job has no payload")
			return
		}
		result, err = payload(ctx)
	}()

	finish := time.Now()

	m.mu.Lock()
	r, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r.job.Status != StatusRunning {
		// Cancelled while we were finishing; the terminal state is already
		// recorded and must not be overwritten.
		m.mu.Unlock()
		return
	}

	r.job.CompletedAt = &finish
	eventType := eventbus.TypeJobCompleted
	switch {
	case err == nil:
		r.job.Status = StatusCompleted
		r.job.Result = Sanitize(result)
	case errors.Is(err, context.Canceled):
		// Parent shutdown reached the payload before anyone called Cancel.
		r.job.Status = StatusCancelled
		eventType = eventbus.TypeJobCancelled
	default:
		r.job.Status = StatusFailed
		r.job.ErrorMessage = err.Error()
		eventType = eventbus.TypeJobFailed
	}
	m.appendHistoryLocked(id)
	snap := r.job
	m.mu.Unlock()

	dur := durationOf(snap)
	if snap.Status == StatusFailed {
		m.log.Warn("job failed", logx.String("job", id), logx.String("source", snap.Source), logx.String("err", snap.ErrorMessage), logx.Duration("dur", dur))
	} else {
		m.log.Info("job finished", logx.String("job", id), logx.String("source", snap.Source), logx.String("status", string(snap.Status)), logx.Duration("dur", dur))
	}
	m.publish(eventType, snap, dur)
}

// Get returns a snapshot.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return r.job, true
}

// List returns a newest-first page of jobs plus the total matching count.
// An empty status matches everything.
func (m *Manager) List(status Status, limit, offset int) ([]Job, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	m.mu.Lock()
	all := make([]Job, 0, len(m.jobs))
	for _, r := range m.jobs {
		if status != "" && r.job.Status != status {
			continue
		}
		all = append(all, r.job)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []Job{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// Running returns snapshots of all RUNNING jobs.
func (m *Manager) Running() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, 4)
	for _, r := range m.jobs {
		if r.job.Status == StatusRunning {
			out = append(out, r.job)
		}
	}
	return out
}

// Cleanup prunes terminal jobs whose completion is older than maxAge and
// returns how many were removed.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.history[:0]
	for _, id := range m.history {
		r, ok := m.jobs[id]
		if !ok {
			continue
		}
		if r.job.CompletedAt != nil && r.job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.history = kept
	return removed
}

// Wait blocks until the job's execution goroutine has exited, the job is
// terminal without a live execution, or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("wait: unknown job %s", id)
	}
	done := r.done
	terminal := r.job.Status.Terminal()
	m.mu.Unlock()

	if done == nil {
		if terminal {
			return nil
		}
		return fmt.Errorf("wait: job %s never started", id)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close cancels all running payloads and rejects future starts. It does not
// wait for payload goroutines; callers that need that should Wait on ids.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()
}

// appendHistoryLocked records a terminal id and evicts past capacity, oldest
// first. Evicted jobs leave the table entirely.
func (m *Manager) appendHistoryLocked(id string) {
	m.history = append(m.history, id)
	m.trimHistoryLocked()
}

func (m *Manager) trimHistoryLocked() {
	for len(m.history) > m.historySize {
		old := m.history[0]
		m.history = m.history[1:]
		delete(m.jobs, old)
	}
}

func (m *Manager) publish(eventType string, j Job, dur time.Duration) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Data: Event{
		ID:       j.ID,
		Source:   j.Source,
		Status:   j.Status,
		Duration: dur,
		Error:    j.ErrorMessage,
	}})
}

func durationOf(j Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
