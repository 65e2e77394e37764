package database

import "time"

// Session mirrors the web application's terminal session records. The
// gateway updates status/last-active on attach and detach; the scheduler
// resolves schedule targets through it.
type Session struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	UserID          string    `gorm:"not null;index;size:64" json:"user_id"`
	TmuxSessionName string    `gorm:"uniqueIndex;not null;size:128" json:"tmux_session_name"`
	Kind            string    `gorm:"not null;default:shell" json:"kind"` // shell | agent | file | other
	Status          string    `gorm:"not null;default:active" json:"status"`
	WorkingDir      string    `json:"working_dir"`
	LastActiveAt    time.Time `json:"last_active_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Schedule is a persisted cron or one-time command schedule. The
// orchestrator mirrors enabled rows into in-memory triggers; command
// content is always re-read from here at fire time.
type Schedule struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string `gorm:"not null;index;size:64" json:"user_id"`
	SessionID string `gorm:"not null;index;size:64" json:"session_id"`
	Name      string `gorm:"not null" json:"name"`

	// ScheduleType is "recurring" (CronExpression+Timezone) or "once" (ScheduledAt).
	ScheduleType   string     `gorm:"not null;default:recurring" json:"schedule_type"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `gorm:"default:UTC" json:"timezone"`
	ScheduledAt    *time.Time `json:"scheduled_at"`

	Enabled bool `gorm:"not null;default:true" json:"enabled"`

	// Retry/timeout policy for one run.
	MaxRetries   int `gorm:"not null;default:0" json:"max_retries"`
	RetryDelayMs int `gorm:"not null;default:1000" json:"retry_delay_ms"`
	TimeoutMs    int `gorm:"not null;default:300000" json:"timeout_ms"`

	// Run bookkeeping.
	LastRunAt           *time.Time `json:"last_run_at"`
	LastRunStatus       string     `json:"last_run_status"`
	NextRunAt           *time.Time `json:"next_run_at"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	Completed           bool       `gorm:"not null;default:false" json:"completed"` // one-time schedules only

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Commands []ScheduleCommand `gorm:"foreignKey:ScheduleID" json:"commands"`
}

type ScheduleCommand struct {
	ID              uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ScheduleID      uint   `gorm:"not null;index" json:"schedule_id"`
	Position        int    `gorm:"not null;default:0" json:"position"`
	Command         string `gorm:"not null;type:text" json:"command"`
	PreDelayMs      int    `gorm:"not null;default:0" json:"pre_delay_ms"`
	ContinueOnError bool   `gorm:"not null;default:false" json:"continue_on_error"`
}

// ScheduleExecution is an audit record for one run. It is never read back
// to make control decisions within a run.
type ScheduleExecution struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	ScheduleID uint       `gorm:"not null;index" json:"schedule_id"`
	Status     string     `gorm:"not null" json:"status"` // success | failed | timeout
	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Error      string     `gorm:"type:text" json:"error"`

	Commands []CommandExecution `gorm:"foreignKey:ExecutionID" json:"commands"`
}

type CommandExecution struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecutionID string     `gorm:"not null;index;size:64" json:"execution_id"`
	Position    int        `gorm:"not null" json:"position"`
	Command     string     `gorm:"not null;type:text" json:"command"`
	Status      string     `gorm:"not null" json:"status"` // success | failed | timeout
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	Output      string     `gorm:"type:text" json:"output"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
