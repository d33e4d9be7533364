package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution or execution stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known execution status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is one of completed, failed or cancelled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses by lifecycle progress. Terminal states share the
// highest rank; unknown statuses rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusQueued:
		return 2
	case StatusRunning:
		return 3
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 4
	default:
		return 0
	}
}

// CorrelationKeyField is the trigger metadata key carrying the caller-supplied
// correlation key of an optimistic insert.
const CorrelationKeyField = "correlation_key"

// ExecutionStage is the per-stage state of one execution.
type ExecutionStage struct {
	StageName string  `json:"stage_name"`
	Status    Status  `json:"status"`
	Error     *string `json:"error,omitempty"`
}

// Execution is one run of a pipeline.
type Execution struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipeline_id"`
	Status      Status            `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Trigger     map[string]string `json:"trigger,omitempty"`
	Stages      []ExecutionStage  `json:"stages,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// CorrelationKey returns the optimistic correlation key carried in the
// trigger metadata, or "" when absent.
func (e *Execution) CorrelationKey() string {
	if e.Trigger == nil {
		return ""
	}
	return e.Trigger[CorrelationKeyField]
}

// Duration returns completed_at - started_at and true when both are set.
func (e *Execution) Duration() (time.Duration, bool) {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0, false
	}
	return e.CompletedAt.Sub(*e.StartedAt), true
}

// Validate enforces the execution invariants: a known status, completed_at
// set exactly when the status is terminal, and started_at <= completed_at.
func (e *Execution) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("execution: id is required")
	}
	if e.PipelineID == "" {
		return fmt.Errorf("execution %q: pipeline_id is required", e.ID)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("execution %q: unknown status %q", e.ID, e.Status)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("execution %q: created_at is required", e.ID)
	}
	if e.Status.Terminal() != (e.CompletedAt != nil) {
		return fmt.Errorf("execution %q: completed_at must be set iff status is terminal (status %q)", e.ID, e.Status)
	}
	if e.StartedAt != nil && e.CompletedAt != nil && e.CompletedAt.Before(*e.StartedAt) {
		return fmt.Errorf("execution %q: completed_at precedes started_at", e.ID)
	}
	for _, st := range e.Stages {
		if st.Status == StatusQueued || !st.Status.Valid() {
			return fmt.Errorf("execution %q: stage %q has invalid status %q", e.ID, st.StageName, st.Status)
		}
	}
	return nil
}

// Level is a log severity.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known log level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// LogEntry is an append-only log line. ExecutionID is nil for system logs.
type LogEntry struct {
	ID          string    `json:"id"`
	ExecutionID *string   `json:"execution_id,omitempty"`
	Level       Level     `json:"level"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the required log fields.
func (l *LogEntry) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("log: id is required")
	}
	if !l.Level.Valid() {
		return fmt.Errorf("log %q: unknown level %q", l.ID, l.Level)
	}
	if l.CreatedAt.IsZero() {
		return fmt.Errorf("log %q: created_at is required", l.ID)
	}
	return nil
}
