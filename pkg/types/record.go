package types

import "time"

// Table names a watched collection.
type Table string

const (
	TableExecutions Table = "executions"
	TableLogs       Table = "logs"
	TablePipelines  Table = "pipelines"
)

// Valid reports whether t is a collection pipewatch knows how to decode.
func (t Table) Valid() bool {
	switch t {
	case TableExecutions, TableLogs, TablePipelines:
		return true
	}
	return false
}

// Record is a tagged union over the watched entity types. Exactly one of the
// pointer fields is set, matching Table.
type Record struct {
	Table     Table
	Execution *Execution
	Log       *LogEntry
	Pipeline  *Pipeline
}

// ID returns the identity of the wrapped entity.
func (r Record) ID() string {
	switch {
	case r.Execution != nil:
		return r.Execution.ID
	case r.Log != nil:
		return r.Log.ID
	case r.Pipeline != nil:
		return r.Pipeline.ID
	}
	return ""
}

// CreatedAt returns the creation time of the wrapped entity.
func (r Record) CreatedAt() time.Time {
	switch {
	case r.Execution != nil:
		return r.Execution.CreatedAt
	case r.Log != nil:
		return r.Log.CreatedAt
	case r.Pipeline != nil:
		return r.Pipeline.CreatedAt
	}
	return time.Time{}
}

// Field returns the string value of a filterable column and whether the
// column exists for this record's table.
func (r Record) Field(column string) (string, bool) {
	if column == "id" {
		return r.ID(), true
	}
	switch {
	case r.Execution != nil:
		switch column {
		case "pipeline_id":
			return r.Execution.PipelineID, true
		case "status":
			return string(r.Execution.Status), true
		}
	case r.Log != nil:
		switch column {
		case "execution_id":
			if r.Log.ExecutionID == nil {
				return "", true
			}
			return *r.Log.ExecutionID, true
		case "level":
			return string(r.Log.Level), true
		}
	case r.Pipeline != nil:
		switch column {
		case "owner":
			return r.Pipeline.Owner, true
		case "name":
			return r.Pipeline.Name, true
		}
	}
	return "", false
}

// Matches reports whether r satisfies f. A nil filter matches everything.
func (r Record) Matches(f *Filter) bool {
	if f == nil {
		return true
	}
	v, ok := r.Field(f.Column)
	return ok && v == f.Value
}

// ChangeKind tags a change-feed event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one decoded change-feed event. For deletes Record carries the
// old row (only its identity is guaranteed).
type Change struct {
	Kind   ChangeKind
	Record Record
}

// Filter is a single equality predicate, e.g. execution_id = X.
type Filter struct {
	Column string `json:"column" yaml:"column"`
	Value  string `json:"value" yaml:"value"`
}

// Query is one page request against the storage collaborator. Results are
// ordered by created_at descending, id ascending on ties.
type Query struct {
	Table  Table
	Filter *Filter
	Limit  int
	Offset int
	// After, when set, starts the page at the first row ordered after the
	// cursor. Unlike Offset it does not shift when earlier rows are inserted
	// or deleted between pages.
	After *Cursor
}

// Cursor is a position in the created_at desc, id asc ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of r.
func CursorOf(r Record) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt(), ID: r.ID()}
}

// Before reports whether r sorts strictly before the cursor position, that is
// r was already covered by a page ending at c.
func (c *Cursor) Before(r Record) bool {
	created := r.CreatedAt()
	if !created.Equal(c.CreatedAt) {
		return created.After(c.CreatedAt)
	}
	return r.ID() <= c.ID
}
