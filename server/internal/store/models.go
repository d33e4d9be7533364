package store

import (
	"time"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Row models. Timestamps are owned by pipewatch, not gorm, so the
// auto-time hooks are disabled.

type executionRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	PipelineID  string `gorm:"size:64;not null;index"`
	Status      string `gorm:"size:16;not null;index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	Trigger     map[string]string      `gorm:"serializer:json"`
	Stages      []types.ExecutionStage `gorm:"serializer:json"`
	CreatedAt   time.Time              `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt   time.Time              `gorm:"autoUpdateTime:false"`
}

func (executionRow) TableName() string { return "executions" }

type logRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	ExecutionID *string   `gorm:"size:64;index"`
	Level       string    `gorm:"size:16;not null;index"`
	Message     string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;index;autoCreateTime:false"`
}

func (logRow) TableName() string { return "logs" }

type pipelineRow struct {
	ID        string        `gorm:"primaryKey;size:64"`
	Name      string        `gorm:"size:200;not null;index"`
	Active    bool          `gorm:"not null"`
	Stages    []types.Stage `gorm:"serializer:json"`
	Owner     string        `gorm:"size:200;index"`
	CreatedAt time.Time     `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime:false"`
}

func (pipelineRow) TableName() string { return "pipelines" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toExecutionRow(e *types.Execution) executionRow {
	return executionRow{
		ID:          e.ID,
		PipelineID:  e.PipelineID,
		Status:      string(e.Status),
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Trigger:     e.Trigger,
		Stages:      e.Stages,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt,
	}
}

func (r executionRow) toDomain() *types.Execution {
	return &types.Execution{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Status:      types.Status(r.Status),
		StartedAt:   utcPtr(r.StartedAt),
		CompletedAt: utcPtr(r.CompletedAt),
		Trigger:     r.Trigger,
		Stages:      r.Stages,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func toLogRow(l *types.LogEntry) logRow {
	return logRow{
		ID:          l.ID,
		ExecutionID: l.ExecutionID,
		Level:       string(l.Level),
		Message:     l.Message,
		CreatedAt:   l.CreatedAt.UTC(),
	}
}

func (r logRow) toDomain() *types.LogEntry {
	return &types.LogEntry{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		Level:       types.Level(r.Level),
		Message:     r.Message,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func toPipelineRow(p *types.Pipeline) pipelineRow {
	return pipelineRow{
		ID:        p.ID,
		Name:      p.Name,
		Active:    p.Active,
		Stages:    p.Stages,
		Owner:     p.Owner,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt,
	}
}

func (r pipelineRow) toDomain() *types.Pipeline {
	return &types.Pipeline{
		ID:        r.ID,
		Name:      r.Name,
		Active:    r.Active,
		Stages:    r.Stages,
		Owner:     r.Owner,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// filterColumns lists the filterable columns per table. The boolean marks
// nullable columns, where an empty value matches NULL.
var filterColumns = map[types.Table]map[string]bool{
	types.TableExecutions: {"id": false, "pipeline_id": false, "status": false},
	types.TableLogs:       {"id": false, "execution_id": true, "level": false},
	types.TablePipelines:  {"id": false, "owner": false, "name": false},
}
