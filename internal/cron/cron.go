package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cairnlabs/cairn/internal/events"
)

// FireFunc is called when a job's schedule is met. It should submit
// the job's payload as an isolated lane event and block until the
// turn completes.
type FireFunc func(ctx context.Context, job *Job) error

// Config bounds the fire loop.
type Config struct {
	// MaxConcurrent caps simultaneously running job instances across
	// the whole process. Default: 4.
	MaxConcurrent int

	// FireTimeout caps one firing. Default: 5 minutes.
	FireTimeout time.Duration
}

// DefaultConfig returns the fire-loop bounds.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4, FireTimeout: 5 * time.Minute}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = d.FireTimeout
	}
}

// Engine arms one timer per enabled job and fires through a
// process-wide concurrency gate.
type Engine struct {
	store  *Store
	fire   FireFunc
	bus    *events.Bus
	logger *slog.Logger
	config Config

	sem chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// NewEngine creates a fire loop over the given store.
func NewEngine(store *Store, fire FireFunc, bus *events.Bus, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		fire:   fire,
		bus:    bus,
		logger: logger.With("component", "cron"),
		config: cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		timers: make(map[string]*time.Timer),
	}
}

// Start loads persisted jobs, marks lapsed one-shots, and arms timers
// for everything still due in the future.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	jobs, err := e.store.ListAll(true)
	if err != nil {
		return err
	}

	armed := 0
	for _, j := range jobs {
		if e.markLapsed(j) {
			continue
		}
		e.arm(j)
		armed++
	}

	e.logger.Info("cron engine started", "jobs", len(jobs), "armed", armed)
	return nil
}

// markLapsed handles a one-shot whose time passed while the process
// was down: it is disabled and audited, never fired late.
func (e *Engine) markLapsed(j *Job) bool {
	if j.Schedule.Kind != ScheduleOneShot || j.Schedule.At == nil || j.Schedule.At.After(time.Now()) {
		return false
	}

	_ = e.store.SetEnabled(j.IdentityID, j.JobID, false)
	_ = e.store.CreateExecution(&Execution{
		JobID:       j.JobID,
		ScheduledAt: *j.Schedule.At,
		Status:      StatusLapsed,
		Result:      "firing time passed while process was down",
	})
	e.bus.Publish(events.Event{
		Source: events.SourceCron,
		Kind:   events.KindJobLapsed,
		Data:   map[string]any{"job": j.JobID, "scheduled": j.Schedule.At.Format(time.RFC3339)},
	})
	e.logger.Warn("one-shot lapsed while down, not firing", "job", j.JobID, "scheduled", j.Schedule.At)
	return true
}

// Stop cancels all timers and waits for in-flight firings.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("cron engine stopped")
}

// Write validates and persists a job, then (re)arms its timer. Locked
// field and duplicate-id rejections come back from the store
// unchanged so the calling agent sees an explicit error.
func (e *Engine) Write(caller Creator, j *Job) error {
	if err := e.store.Write(caller, j); err != nil {
		return err
	}

	e.disarm(j.JobID)
	if j.Enabled && !e.markLapsed(j) {
		e.arm(j)
	}

	e.logger.Info("job written",
		"job", j.JobID,
		"caller", caller,
		"kind", j.Schedule.Kind,
		"enabled", j.Enabled,
	)
	return nil
}

// Delete removes a job and its timer.
func (e *Engine) Delete(identityID, jobID string) error {
	e.disarm(jobID)
	return e.store.Delete(identityID, jobID)
}

// SetEnabled flips a job and arms or disarms accordingly.
func (e *Engine) SetEnabled(identityID, jobID string, enabled bool) error {
	if err := e.store.SetEnabled(identityID, jobID, enabled); err != nil {
		return err
	}
	e.disarm(jobID)
	if enabled {
		j, err := e.store.Get(identityID, jobID)
		if err != nil {
			return err
		}
		e.arm(j)
	}
	return nil
}

// Get retrieves one job within its identity scope.
func (e *Engine) Get(identityID, jobID string) (*Job, error) {
	return e.store.Get(identityID, jobID)
}

// List returns an identity's jobs.
func (e *Engine) List(identityID string, enabledOnly bool) ([]*Job, error) {
	return e.store.List(identityID, enabledOnly)
}

// Executions returns a job's audit trail.
func (e *Engine) Executions(jobID string, limit int) ([]*Execution, error) {
	return e.store.Executions(jobID, limit)
}

func (e *Engine) arm(j *Job) {
	next, ok := j.NextRun(time.Now())
	if !ok {
		e.logger.Debug("job has no future runs", "job", j.JobID)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if timer, ok := e.timers[j.JobID]; ok {
		timer.Stop()
	}
	jobID := j.JobID
	e.timers[jobID] = time.AfterFunc(delay, func() {
		e.onFire(jobID, next)
	})
	e.logger.Debug("job armed", "job", jobID, "next", next, "delay", delay.Round(time.Second))
}

func (e *Engine) disarm(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[jobID]; ok {
		timer.Stop()
		delete(e.timers, jobID)
	}
}

func (e *Engine) onFire(jobID string, scheduledAt time.Time) {
	// The Add must happen under mu while running is still true:
	// Stop flips running under the same lock before it waits, so it
	// either sees this fire or this fire sees the shutdown.
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	delete(e.timers, jobID)
	e.mu.Unlock()
	defer e.wg.Done()

	// Re-read: the job may have been disabled or rewritten since the
	// timer was armed.
	j, err := e.store.get(jobID)
	if err != nil {
		e.logger.Error("job vanished before firing", "job", jobID, "error", err)
		return
	}
	if !j.Enabled {
		return
	}

	// Process-wide cap: when saturated, this firing is skipped and
	// audited, and recurring jobs catch the next occurrence.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		_ = e.store.CreateExecution(&Execution{
			JobID:       jobID,
			ScheduledAt: scheduledAt,
			Status:      StatusSkipped,
			Result:      "concurrent-run cap reached",
		})
		e.bus.Publish(events.Event{
			Source: events.SourceCron,
			Kind:   events.KindJobSkipped,
			Data:   map[string]any{"job": jobID},
		})
		e.logger.Warn("firing skipped, concurrent-run cap reached", "job", jobID)
		e.rearm(j)
		return
	}

	e.execute(j, scheduledAt)
	e.rearm(j)
}

func (e *Engine) rearm(j *Job) {
	if j.Schedule.Kind == ScheduleRecurring {
		e.arm(j)
		return
	}
	// Fired one-shots are disabled, not deleted; the record and its
	// audit trail stay visible.
	_ = e.store.SetEnabled(j.IdentityID, j.JobID, false)
}

func (e *Engine) execute(j *Job, scheduledAt time.Time) {
	exec := &Execution{
		JobID:       j.JobID,
		ScheduledAt: scheduledAt,
		Status:      StatusRunning,
	}
	now := time.Now().UTC()
	exec.StartedAt = &now
	if err := e.store.CreateExecution(exec); err != nil {
		e.logger.Error("failed to record execution", "job", j.JobID, "error", err)
		return
	}

	e.bus.Publish(events.Event{
		Source: events.SourceCron,
		Kind:   events.KindJobFired,
		Data:   map[string]any{"job": j.JobID, "identity": j.IdentityID},
	})

	ctx, cancel := context.WithTimeout(context.Background(), e.config.FireTimeout)
	defer cancel()

	var fireErr error
	if e.fire != nil {
		fireErr = e.fire(ctx, j)
	}

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	if fireErr != nil {
		exec.Status = StatusFailed
		exec.Result = fireErr.Error()
		e.logger.Error("job firing failed", "job", j.JobID, "error", fireErr)
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		e.logger.Error("failed to update execution", "job", j.JobID, "error", err)
	}
}

// Stats reports engine state for the status endpoint.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs, _ := e.store.ListAll(false)
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"running":      e.running,
		"total_jobs":   len(jobs),
		"enabled_jobs": enabled,
		"armed_timers": len(e.timers),
		"in_flight":    len(e.sem),
	}
}
