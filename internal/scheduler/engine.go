package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/btli/remote-dev-sub002/internal/database"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// ErrAlreadyExecuting is returned when a run is requested for a schedule
// that is still mid-run. There is no queueing: overlapping fires fail fast.
var ErrAlreadyExecuting = errors.New("schedule is already executing")

const (
	// settleDelay gives tmux time to process injected keystrokes after a send.
	settleDelay = 100 * time.Millisecond
	// minDeliveryWait is the floor for the per-send context deadline derived
	// from the remaining run budget.
	minDeliveryWait = 1 * time.Second
	// outputCap bounds stored per-command output/error text.
	outputCap = 4096
)

// KeySender is the slice of the tmux client the engine needs. Command
// delivery is keystroke injection: "success" means the keys were
// delivered, not that the triggered command succeeded.
type KeySender interface {
	SessionExists(ctx context.Context, name string) bool
	SendKeys(ctx context.Context, name, text string) error
}

// Recorder persists run outcomes. The production implementation writes
// through the database package; tests substitute an in-memory one.
type Recorder interface {
	RecordExecution(exec *database.ScheduleExecution, commands []database.CommandExecution) error
	UpdateScheduleRun(id uint, status string, ranAt time.Time, nextRun *time.Time, markCompleted bool) error
}

// Engine runs one schedule's command list against a target tmux session
// with single-flight, overall-timeout, and per-command retry semantics.
type Engine struct {
	tmux KeySender
	rec  Recorder

	mu        sync.Mutex
	executing map[uint]struct{}

	settle time.Duration
}

func NewEngine(tmux KeySender, rec Recorder) *Engine {
	return &Engine{
		tmux:      tmux,
		rec:       rec,
		executing: make(map[uint]struct{}),
		settle:    settleDelay,
	}
}

// IsExecuting reports whether a run for the schedule id is in flight.
func (e *Engine) IsExecuting(id uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.executing[id]
	return ok
}

func (e *Engine) acquire(id uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.executing[id]; ok {
		return false
	}
	e.executing[id] = struct{}{}
	return true
}

func (e *Engine) release(id uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
}

// Execute runs the schedule's commands in order against tmuxName.
//
// The overall timeout is cooperative: it is checked at command
// boundaries, so a slow delivery attempt can overrun the nominal budget.
// That bounds engine-side delivery, not the runtime of whatever the
// keystrokes trigger.
func (e *Engine) Execute(ctx context.Context, sched *database.Schedule, tmuxName string) (runStatus string, err error) {
	if !e.acquire(sched.ID) {
		return "", fmt.Errorf("schedule %d: %w", sched.ID, ErrAlreadyExecuting)
	}
	defer e.release(sched.ID)

	start := time.Now()
	timeout := time.Duration(sched.TimeoutMs) * time.Millisecond
	retryDelay := time.Duration(sched.RetryDelayMs) * time.Millisecond

	execRec := &database.ScheduleExecution{
		ID:         uuid.New().String(),
		ScheduleID: sched.ID,
		StartedAt:  start,
	}
	var cmdRecs []database.CommandExecution

	// A missing target means every command fails without an attempt.
	if !e.tmux.SessionExists(ctx, tmuxName) {
		for _, cmd := range sched.Commands {
			cmdRecs = append(cmdRecs, database.CommandExecution{
				Position: cmd.Position,
				Command:  cmd.Command,
				Status:   "failed",
				Output:   truncate(fmt.Sprintf("tmux session %q not found", tmuxName), outputCap),
			})
		}
		execRec.Error = fmt.Sprintf("tmux session %q not found", tmuxName)
		e.finish(sched, execRec, cmdRecs, "failed", start)
		return "failed", nil
	}

	status := "success"
	timedOut := false

	for _, cmd := range sched.Commands {
		elapsed := time.Since(start)
		if timeout > 0 && elapsed >= timeout {
			now := time.Now()
			cmdRecs = append(cmdRecs, database.CommandExecution{
				Position:  cmd.Position,
				Command:   cmd.Command,
				Status:    "timeout",
				StartedAt: now,
			})
			timedOut = true
			break
		}

		if cmd.PreDelayMs > 0 {
			select {
			case <-time.After(time.Duration(cmd.PreDelayMs) * time.Millisecond):
			case <-ctx.Done():
			}
		}

		rec := e.deliver(ctx, sched, cmd, tmuxName, start, timeout, retryDelay)
		cmdRecs = append(cmdRecs, rec)

		if rec.Status != "success" {
			status = "failed"
			if !cmd.ContinueOnError {
				break
			}
		}
	}

	if timedOut {
		status = "timeout"
	}

	e.finish(sched, execRec, cmdRecs, status, start)
	return status, nil
}

// deliver sends one command's keystrokes with up to MaxRetries+1 attempts.
func (e *Engine) deliver(ctx context.Context, sched *database.Schedule, cmd database.ScheduleCommand, tmuxName string, runStart time.Time, timeout, retryDelay time.Duration) database.CommandExecution {
	rec := database.CommandExecution{
		Position:  cmd.Position,
		Command:   cmd.Command,
		StartedAt: time.Now(),
	}

	// Bound each send by the remaining run budget, with a floor so a
	// nearly-exhausted budget still allows one real attempt.
	wait := minDeliveryWait
	if timeout > 0 {
		if remaining := timeout - time.Since(runStart); remaining > wait {
			wait = remaining
		}
	}

	backoff := retry.WithMaxRetries(uint64(sched.MaxRetries), retry.NewConstant(max(retryDelay, time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec.Attempts++
		sendCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := e.tmux.SendKeys(sendCtx, tmuxName, cmd.Command); err != nil {
			return retry.RetryableError(err)
		}
		// Let tmux process the keystrokes before the next command.
		time.Sleep(e.settle)
		return nil
	})

	now := time.Now()
	rec.FinishedAt = &now
	if err != nil {
		rec.Status = "failed"
		rec.Output = truncate(err.Error(), outputCap)
	} else {
		rec.Status = "success"
	}
	return rec
}

// finish persists the execution audit trail and the schedule's run
// bookkeeping. Persistence failures are logged, never propagated: one
// schedule's troubles must not reach the orchestrator.
func (e *Engine) finish(sched *database.Schedule, execRec *database.ScheduleExecution, cmdRecs []database.CommandExecution, status string, start time.Time) {
	now := time.Now()
	execRec.Status = status
	execRec.FinishedAt = &now

	if err := e.rec.RecordExecution(execRec, cmdRecs); err != nil {
		log.Printf("[scheduler] record execution for schedule %d: %v", sched.ID, err)
	}

	var nextRun *time.Time
	markCompleted := false
	if sched.ScheduleType == "once" {
		markCompleted = true
	} else if next, err := NextRun(sched.CronExpression, sched.Timezone, now); err == nil {
		nextRun = &next
	}

	if err := e.rec.UpdateScheduleRun(sched.ID, status, start, nextRun, markCompleted); err != nil {
		log.Printf("[scheduler] update run bookkeeping for schedule %d: %v", sched.ID, err)
	}

	log.Printf("[scheduler] schedule %d run finished: status=%s commands=%d duration=%s",
		sched.ID, status, len(cmdRecs), now.Sub(start).Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
