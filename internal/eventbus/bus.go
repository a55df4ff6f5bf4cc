// Package eventbus is the in-process signal fabric between the job manager,
// the scheduler, the collector, and the log alert sink. Publish never blocks:
// a subscriber that cannot keep up loses events, it does not slow producers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by bidwatch components. The payload shape is owned by
// the producer: job.* events carry a job.Event snapshot, collect.finished a
// scrape.Summary, scheduler.task_failed a task/error map, log.alert the
// decoded log record.
const (
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"

	TypeSchedulerStarted = "scheduler.started"
	TypeSchedulerStopped = "scheduler.stopped"
	TypeTaskFailed       = "scheduler.task_failed"

	TypeCollectFinished = "collect.finished"

	TypeLogAlert = "log.alert"
)

// Event is one published signal. Data should stay small and
// JSON-serializable; the app's debug mirror logs it as-is.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{sinks: map[uint64]chan Event{}}
}

type fanout struct {
	mu     sync.RWMutex
	sinks  map[uint64]chan Event
	nextID atomic.Uint64
}

// Publish stamps the event time if unset and offers the event to every
// subscriber without blocking.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.sinks))
	for _, ch := range f.sinks {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		f.offer(ch, e)
	}
}

// offer is a non-blocking send. A concurrent unsubscribe may close the
// channel mid-send; the recover absorbs that race instead of locking the
// publish path.
func (f *fanout) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := f.nextID.Add(1)

	f.mu.Lock()
	f.sinks[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.sinks, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
