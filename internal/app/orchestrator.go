package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/job"
	"bidwatch/internal/schedule"
	"bidwatch/internal/server"
	"bidwatch/internal/source"
	"bidwatch/internal/storage"
	"bidwatch/internal/tender"
	logx "bidwatch/pkg/logx"
)

// createAndStart allocates and launches a collection job for one source.
// Unknown sources fail synchronously; no job record is created for them.
func (a *App) createAndStart(sourceID string) (job.Job, error) {
	src, ok := a.registry.Get(sourceID)
	if !ok {
		return job.Job{}, fmt.Errorf("%w: %s", source.ErrUnknown, sourceID)
	}

	j := a.jobs.Create(src.ID, func(ctx context.Context) (any, error) {
		sum, err := a.collector.Run(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		return sum, nil
	}, map[string]string{"source_name": src.Name})

	if !a.jobs.Start(j.ID) {
		return job.Job{}, fmt.Errorf("job %s could not be started", j.ID)
	}
	started, _ := a.jobs.Get(j.ID)
	return started, nil
}

// sourceTask adapts a source's collection run into a scheduler task: create
// the job, wait it out, and surface a failed run as the task error so the
// scheduler logs it.
func (a *App) sourceTask(id string) schedule.TaskFunc {
	return func(ctx context.Context) error {
		j, err := a.createAndStart(id)
		if err != nil {
			return err
		}
		if err := a.jobs.Wait(ctx, j.ID); err != nil {
			return err
		}
		if final, ok := a.jobs.Get(j.ID); ok && final.Status == job.StatusFailed {
			return errors.New(final.ErrorMessage)
		}
		return nil
	}
}

// TriggerNow implements the manual trigger: one source by id, or every
// enabled source for "all". Each triggered source also has its schedule
// rearmed so the next automatic run is a full interval away.
func (a *App) TriggerNow(_ context.Context, target string) ([]job.Job, error) {
	if target == "all" {
		var jobs []job.Job
		for _, src := range a.registry.All() {
			if !src.Enabled {
				continue
			}
			j, err := a.createAndStart(src.ID)
			if err != nil {
				return jobs, err
			}
			a.sched.Rearm(src.ID)
			jobs = append(jobs, j)
		}
		return jobs, nil
	}

	j, err := a.createAndStart(target)
	if err != nil {
		return nil, err
	}
	a.sched.Rearm(target)
	return []job.Job{j}, nil
}

func (a *App) GetJob(id string) (job.Job, bool) { return a.jobs.Get(id) }

func (a *App) ListJobs(status job.Status, limit, offset int) ([]job.Job, int) {
	return a.jobs.List(status, limit, offset)
}

func (a *App) CancelJob(id string) bool { return a.jobs.Cancel(id) }

func (a *App) SchedulerStatus() schedule.Snapshot { return a.sched.Status() }

func (a *App) SchedulerStart() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	a.sched.Start(ctx)
	a.mu.Lock()
	a.schedEnabled = true
	a.mu.Unlock()
}

func (a *App) SchedulerStop(ctx context.Context) error {
	a.mu.Lock()
	a.schedEnabled = false
	a.mu.Unlock()
	return a.sched.Stop(ctx)
}

// Sources merges the registry, the scheduler state, and persistence counts
// into the status rows the API serves.
func (a *App) Sources(ctx context.Context) []server.SourceStatus {
	tasks := map[string]schedule.TaskInfo{}
	for _, t := range a.sched.Status().Tasks {
		tasks[t.Name] = t
	}

	all := a.registry.All()
	out := make([]server.SourceStatus, 0, len(all))
	for _, src := range all {
		st := server.SourceStatus{
			ID:       src.ID,
			Name:     src.Name,
			URL:      src.URL,
			Enabled:  src.Enabled,
			Schedule: src.Schedule,
		}
		if t, ok := tasks[src.ID]; ok {
			st.LastRun = t.LastRun
			if !t.NextRun.IsZero() {
				nr := t.NextRun
				st.NextRun = &nr
			}
		}
		if a.store != nil {
			if n, err := a.store.CountTenders(ctx, src.ID, time.Time{}); err == nil {
				st.TotalTenders = n
			}
			if n, err := a.store.CountTenders(ctx, src.ID, time.Now().Add(-24*time.Hour)); err == nil {
				st.RecentTenders = n
			}
		}
		out = append(out, st)
	}
	return out
}

// UpdateSource applies a runtime source edit: the registry entry is replaced
// and its scheduler task re-registered with a fresh next run. The change is
// not written back to the config file.
func (a *App) UpdateSource(id string, fc config.SourceConfig) error {
	scrapeCfg := config.ScrapeConfig{}
	if cfg := a.cfgm.Get(); cfg != nil {
		scrapeCfg = cfg.Scrape
	}
	resolved, err := source.FromFile(id, fc, scrapeCfg)
	if err != nil {
		return err
	}
	spec, err := schedule.ParseSpec(resolved.Schedule)
	if err != nil {
		return err
	}
	if resolved.Selectors.Rows == "" {
		return fmt.Errorf("selectors.rows is required")
	}
	if err := a.registry.Put(resolved); err != nil {
		return err
	}
	a.sched.Add(id, spec, resolved.Enabled, a.sourceTask(id))
	a.log.Info("source updated",
		logx.String("source", id),
		logx.Bool("enabled", resolved.Enabled),
		logx.String("schedule", resolved.Schedule))
	return nil
}

func (a *App) ListTenders(ctx context.Context, f storage.Filter) ([]tender.Record, int, error) {
	if a.store == nil {
		return nil, 0, storage.ErrDisabled
	}
	return a.store.ListTenders(ctx, f)
}
