// Package schedule runs named tasks on fixed intervals or cron expressions.
//
// The evaluation model is deliberately coarse: a single ticker wakes the
// service (default every 60s), and every enabled task whose next_run has
// passed is dispatched on its own goroutine. next_run is recomputed from the
// task's completion time, so intervals measure completion-to-start, and a
// slow run can never stack a second dispatch of the same task behind itself.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"bidwatch/internal/eventbus"
	logx "bidwatch/pkg/logx"
)

const (
	defaultTick        = time.Minute
	defaultMaintenance = time.Hour
)

// TaskFunc is the unit of scheduled work. Errors are logged and the task
// stays armed; the schedule does not back off on failure.
type TaskFunc func(ctx context.Context) error

// MaintenanceFunc runs on the separate maintenance loop.
type MaintenanceFunc func(ctx context.Context)

// TaskInfo is a read-only view of one registered task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Interval time.Duration `json:"interval,omitempty"`
	Enabled  bool          `json:"enabled"`
	InFlight bool          `json:"in_flight"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	NextRun  time.Time     `json:"next_run"`
}

// Snapshot is the service status surface.
type Snapshot struct {
	Running bool       `json:"running"`
	Tasks   []TaskInfo `json:"tasks"`
}

// Options configures a Service.
type Options struct {
	// Tick is how often due tasks are evaluated. Defaults to one minute.
	Tick time.Duration
	// MaintenanceInterval is how often maintenance hooks fire. Defaults to
	// one hour.
	MaintenanceInterval time.Duration

	Log logx.Logger
	Bus eventbus.Bus
}

type task struct {
	name     string
	fn       TaskFunc
	spec     Spec
	enabled  bool
	inflight bool
	lastRun  time.Time
	nextRun  time.Time
}

// Service evaluates and dispatches tasks. Zero value is not usable; use New.
type Service struct {
	mu sync.Mutex

	tick        time.Duration
	maintenance time.Duration
	log         logx.Logger
	bus         eventbus.Bus

	tasks map[string]*task
	maint []MaintenanceFunc

	running    bool
	runCtx     context.Context
	runCancel  context.CancelFunc
	loopsDone  chan struct{}
	dispatchWG sync.WaitGroup
}

func New(opts Options) *Service {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = defaultMaintenance
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Service{
		tick:        opts.Tick,
		maintenance: opts.MaintenanceInterval,
		log:         opts.Log,
		bus:         opts.Bus,
		tasks:       map[string]*task{},
	}
}

// Add registers (or replaces) a task. The first next_run is computed from
// now, so a fresh task waits one full interval before its first dispatch.
func (s *Service) Add(name string, spec Spec, enabled bool, fn TaskFunc) {
	now := time.Now()
	s.mu.Lock()
	s.tasks[name] = &task{
		name:    name,
		fn:      fn,
		spec:    spec,
		enabled: enabled,
		nextRun: spec.Next(now),
	}
	s.mu.Unlock()
	s.log.Debug("task registered",
		logx.String("task", name),
		logx.String("schedule", spec.Raw),
		logx.Bool("enabled", enabled))
}

// Remove unregisters a task. An in-flight run finishes on its own.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	_, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	return ok
}

// SetEnabled flips dispatch eligibility. Disabling does not interrupt an
// in-flight run. Re-enabling pushes next_run forward so a long-disabled task
// does not fire immediately with a stale deadline.
func (s *Service) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	if enabled && !t.enabled {
		t.nextRun = t.spec.Next(time.Now())
	}
	t.enabled = enabled
	return true
}

// SetSpec swaps the schedule. The new spec takes effect at the next
// recomputation of next_run; a deadline already set is left alone.
func (s *Service) SetSpec(name string, spec Spec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.spec = spec
	return true
}

// RunNow dispatches a task immediately, bypassing both the enabled flag and
// the tick, and rearms next_run from now. Returns false for unknown names or
// when the task is already in flight.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	t, ok := s.tasks[name]
	if !ok || t.inflight {
		s.mu.Unlock()
		return false
	}
	t.inflight = true
	t.nextRun = t.spec.Next(time.Now())
	ctx := s.runCtx
	s.dispatchWG.Add(1)
	s.mu.Unlock()

	s.log.Info("task triggered manually", logx.String("task", name))
	go s.run(ctx, name)
	return true
}

// Rearm pushes next_run forward from now, as if a run had just completed.
// Used when something outside the scheduler ran the task's work.
func (s *Service) Rearm(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.nextRun = t.spec.Next(time.Now())
	return true
}

// Start launches the evaluation and maintenance loops. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loopsDone = make(chan struct{}, 2)
	runCtx := s.runCtx
	s.mu.Unlock()

	go s.evalLoop(runCtx)
	go s.maintenanceLoop(runCtx)
	s.log.Info("scheduler started",
		logx.Duration("tick", s.tick),
		logx.Duration("maintenance", s.maintenance))
	s.publish(eventbus.TypeSchedulerStarted, nil)
}

// Stop cancels both loops and waits for them, plus any dispatched task
// wrappers, bounded by ctx. Task payloads that ignore cancellation keep
// their goroutines; everything the scheduler owns is accounted for.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.runCancel
	done := s.loopsDone
	s.mu.Unlock()

	cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler stop: %w", ctx.Err())
		}
	}

	wgDone := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(wgDone)
	}()
	select {
	case <-wgDone:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	s.log.Info("scheduler stopped")
	s.publish(eventbus.TypeSchedulerStopped, nil)
	return nil
}

// Running reports whether the loops are live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the current service and task state, tasks sorted by name.
func (s *Service) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.running, Tasks: make([]TaskInfo, 0, len(s.tasks))}
	for _, t := range s.tasks {
		info := TaskInfo{
			Name:     t.name,
			Schedule: t.spec.Raw,
			Interval: t.spec.Every,
			Enabled:  t.enabled,
			InFlight: t.inflight,
			NextRun:  t.nextRun,
		}
		if !t.lastRun.IsZero() {
			lr := t.lastRun
			info.LastRun = &lr
		}
		snap.Tasks = append(snap.Tasks, info)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Service) evalLoop(ctx context.Context) {
	defer func() { s.loopsDone <- struct{}{} }()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatchDue(ctx, now)
		}
	}
}

func (s *Service) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []string
	for _, t := range s.tasks {
		if !t.enabled || t.inflight || t.nextRun.After(now) {
			continue
		}
		t.inflight = true
		due = append(due, t.name)
	}
	s.dispatchWG.Add(len(due))
	s.mu.Unlock()

	for _, name := range due {
		go s.run(ctx, name)
	}
}

// run executes a single task and rearms it from its completion time. A task
// panic is contained here; the loop never dies with it.
func (s *Service) run(ctx context.Context, name string) {
	defer s.dispatchWG.Done()

	s.mu.Lock()
	t, ok := s.tasks[name]
	var fn TaskFunc
	if ok {
		fn = t.fn
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	started := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked",
					logx.String("task", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		err = fn(ctx)
	}()
	finished := time.Now()

	s.mu.Lock()
	if t, ok := s.tasks[name]; ok {
		t.inflight = false
		t.lastRun = started
		t.nextRun = t.spec.Next(finished)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("task run failed",
			logx.String("task", name),
			logx.Err(err),
			logx.Duration("dur", finished.Sub(started)))
		s.publish(eventbus.TypeTaskFailed, map[string]any{"task": name, "error": err.Error()})
		return
	}
	s.log.Debug("task run finished",
		logx.String("task", name),
		logx.Duration("dur", finished.Sub(started)))
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer func() { s.loopsDone <- struct{}{} }()

	ticker := time.NewTicker(s.maintenance)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// AddMaintenance registers a hook for the maintenance loop.
func (s *Service) AddMaintenance(fn MaintenanceFunc) {
	s.mu.Lock()
	s.maint = append(s.maint, fn)
	s.mu.Unlock()
}

func (s *Service) runMaintenance(ctx context.Context) {
	s.mu.Lock()
	hooks := make([]MaintenanceFunc, len(s.maint))
	copy(hooks, s.maint)
	s.mu.Unlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("maintenance panicked", logx.Any("panic", r))
				}
			}()
			fn(ctx)
		}()
	}
}

func (s *Service) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
