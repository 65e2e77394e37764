package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/btli/remote-dev-sub002/internal/database"
	"github.com/robfig/cron/v3"
)

// ScheduleStore is the narrow read contract onto the persisted schedule
// and session tables. The store is the sole source of truth for command
// content: the orchestrator re-reads it on every fire.
type ScheduleStore interface {
	GetScheduleByID(id uint) (*database.Schedule, error)
	ListEnabledSchedules() ([]database.Schedule, error)
	GetSession(id string) (*database.Session, error)
}

// DBStore implements ScheduleStore over the database package.
type DBStore struct{}

func (DBStore) GetScheduleByID(id uint) (*database.Schedule, error) {
	return database.GetScheduleByID(id)
}
func (DBStore) ListEnabledSchedules() ([]database.Schedule, error) {
	return database.ListEnabledSchedules()
}
func (DBStore) GetSession(id string) (*database.Session, error) {
	return database.GetSession(id)
}

// ActiveJob is the in-memory trigger for one registered schedule: a cron
// entry for recurring schedules or a one-shot timer, plus a cached copy
// of the schedule row for indexing. At most one ActiveJob exists per
// schedule id.
type ActiveJob struct {
	Schedule database.Schedule
	entryID  cron.EntryID // recurring triggers
	timer    *time.Timer  // one-time triggers
	paused   bool
}

// Orchestrator keeps in-memory cron triggers synchronized with enabled,
// persisted schedules and hands each fire off to the Engine.
type Orchestrator struct {
	store  ScheduleStore
	engine *Engine

	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[uint]*ActiveJob
	running bool
}

func NewOrchestrator(store ScheduleStore, engine *Engine) *Orchestrator {
	return &Orchestrator{
		store:  store,
		engine: engine,
		cron:   cron.New(),
		jobs:   make(map[uint]*ActiveJob),
	}
}

// Start loads every enabled schedule and registers it. Individual
// registration failures are logged and skipped; they never abort startup.
// Idempotent.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.cron.Start()
	o.mu.Unlock()

	schedules, err := o.store.ListEnabledSchedules()
	if err != nil {
		return fmt.Errorf("load enabled schedules: %w", err)
	}
	for i := range schedules {
		if err := o.Register(&schedules[i]); err != nil {
			log.Printf("[scheduler] skipping schedule %d: %v", schedules[i].ID, err)
		}
	}
	log.Printf("[scheduler] started with %d active jobs", o.JobCount())
	return nil
}

// Stop halts every trigger and clears the index. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.cron.Stop()
	for id, job := range o.jobs {
		o.teardownLocked(job)
		delete(o.jobs, id)
	}
	log.Printf("[scheduler] stopped")
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) JobCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

// Register builds a trigger for the schedule. No-op when the schedule is
// disabled, a one-time schedule already completed or lies in the past, or
// its target session is missing or closed. Registering over an existing
// ActiveJob tears the old one down first.
func (o *Orchestrator) Register(sched *database.Schedule) error {
	if !sched.Enabled {
		return nil
	}
	if sched.ScheduleType == "once" && sched.Completed {
		return nil
	}

	sess, err := o.store.GetSession(sched.SessionID)
	if err != nil {
		log.Printf("[scheduler] schedule %d: target session %s not found, not registering", sched.ID, sched.SessionID)
		return nil
	}
	if sess.Status == "closed" {
		log.Printf("[scheduler] schedule %d: target session %s is closed, not registering", sched.ID, sched.SessionID)
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if old, ok := o.jobs[sched.ID]; ok {
		o.teardownLocked(old)
		delete(o.jobs, sched.ID)
	}

	job := &ActiveJob{Schedule: *sched}
	id := sched.ID

	switch sched.ScheduleType {
	case "once":
		if sched.ScheduledAt == nil {
			return fmt.Errorf("one-time schedule %d has no scheduled_at", id)
		}
		delay := time.Until(*sched.ScheduledAt)
		if delay <= 0 {
			log.Printf("[scheduler] schedule %d: fire time already passed, not registering", id)
			return nil
		}
		job.timer = time.AfterFunc(delay, func() { o.fire(id) })
	default:
		spec := sched.CronExpression
		if sched.Timezone != "" {
			spec = "CRON_TZ=" + sched.Timezone + " " + spec
		}
		entryID, err := o.cron.AddFunc(spec, func() { o.fire(id) })
		if err != nil {
			return fmt.Errorf("parse cron expression %q: %w", sched.CronExpression, err)
		}
		job.entryID = entryID
	}

	o.jobs[id] = job
	log.Printf("[scheduler] registered schedule %d (%s, type=%s)", id, sched.Name, sched.ScheduleType)
	return nil
}

// fire runs when a trigger goes off. It re-reads the schedule from the
// store so edits made since registration take effect, then hands off to
// the engine. All errors are contained here.
func (o *Orchestrator) fire(id uint) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] panic in schedule %d trigger: %v", id, r)
		}
	}()

	sched, err := o.store.GetScheduleByID(id)
	if err != nil {
		log.Printf("[scheduler] schedule %d fired but could not be loaded: %v", id, err)
		return
	}
	if !sched.Enabled {
		log.Printf("[scheduler] schedule %d fired but is now disabled, skipping", id)
		return
	}

	sess, err := o.store.GetSession(sched.SessionID)
	if err != nil {
		log.Printf("[scheduler] schedule %d fired but target session %s is gone", id, sched.SessionID)
		return
	}

	if _, err := o.engine.Execute(context.Background(), sched, sess.TmuxSessionName); err != nil {
		log.Printf("[scheduler] schedule %d: %v", id, err)
	}

	if sched.ScheduleType == "once" {
		o.Remove(id)
	}
}

// Add registers a schedule by id, reading it from the store.
func (o *Orchestrator) Add(id uint) error {
	sched, err := o.store.GetScheduleByID(id)
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", id, err)
	}
	return o.Register(sched)
}

// Update re-registers a schedule (remove + add).
func (o *Orchestrator) Update(id uint) error {
	o.Remove(id)
	return o.Add(id)
}

// Remove tears down the ActiveJob for a schedule, if any.
func (o *Orchestrator) Remove(id uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.jobs[id]; ok {
		o.teardownLocked(job)
		delete(o.jobs, id)
		log.Printf("[scheduler] removed schedule %d", id)
	}
}

// Pause stops the trigger but keeps the job indexed so it can be resumed.
func (o *Orchestrator) Pause(id uint) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("schedule %d is not registered", id)
	}
	if job.paused {
		return nil
	}
	o.teardownLocked(job)
	job.paused = true
	log.Printf("[scheduler] paused schedule %d", id)
	return nil
}

// Resume rebuilds the trigger for a paused job from fresh store state.
// When re-registration fails or declines (schedule disabled since, target
// session gone, bad cron expression), the paused entry is kept so the job
// is never silently dropped.
func (o *Orchestrator) Resume(id uint) error {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || !job.paused {
		o.mu.Unlock()
		return fmt.Errorf("schedule %d is not paused", id)
	}
	o.mu.Unlock()

	err := o.Add(id)

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.jobs[id]; !ok || cur == job {
		// Register either dropped the entry (error path) or never got far
		// enough to replace it (no-op rules). Restore the paused job.
		o.jobs[id] = job
		if err == nil {
			err = fmt.Errorf("schedule %d cannot be resumed: registration declined", id)
		}
		return err
	}
	return err
}

// RemoveSessionJobs removes every ActiveJob targeting the given session.
// Called when a session is torn down so orphaned triggers cannot fire
// against a dead target.
func (o *Orchestrator) RemoveSessionJobs(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, job := range o.jobs {
		if job.Schedule.SessionID == sessionID {
			o.teardownLocked(job)
			delete(o.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[scheduler] removed %d jobs for session %s", removed, sessionID)
	}
	return removed
}

func (o *Orchestrator) teardownLocked(job *ActiveJob) {
	if job.entryID != 0 {
		o.cron.Remove(job.entryID)
		job.entryID = 0
	}
	if job.timer != nil {
		job.timer.Stop()
		job.timer = nil
	}
}

// JobStatus is one row of the control plane's status report.
type JobStatus struct {
	ScheduleID     uint       `json:"scheduleId"`
	Name           string     `json:"name"`
	ScheduleType   string     `json:"scheduleType"`
	CronExpression string     `json:"cronExpression,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	IsRunning      bool       `json:"isRunning"`
	IsPaused       bool       `json:"isPaused"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
	LastRun        *time.Time `json:"lastRun,omitempty"`
	LastStatus     string     `json:"lastStatus,omitempty"`
}

// Status snapshots the active job index.
func (o *Orchestrator) Status() []JobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]JobStatus, 0, len(o.jobs))
	for id, job := range o.jobs {
		js := JobStatus{
			ScheduleID:     id,
			Name:           job.Schedule.Name,
			ScheduleType:   job.Schedule.ScheduleType,
			CronExpression: job.Schedule.CronExpression,
			ScheduledAt:    job.Schedule.ScheduledAt,
			IsRunning:      o.engine.IsExecuting(id),
			IsPaused:       job.paused,
			LastRun:        job.Schedule.LastRunAt,
			LastStatus:     job.Schedule.LastRunStatus,
		}
		if job.entryID != 0 {
			if next := o.cron.Entry(job.entryID).Next; !next.IsZero() {
				js.NextRun = &next
			}
		} else if job.Schedule.ScheduleType == "once" {
			js.NextRun = job.Schedule.ScheduledAt
		}
		out = append(out, js)
	}
	return out
}

// NextRun computes the next fire time of a cron expression in a timezone.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	spec := expr
	if tz != "" {
		spec = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
