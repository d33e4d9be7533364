package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/feed"
)

// ErrNotFound is returned when a row to update or delete does not exist.
var ErrNotFound = errors.New("store: not found")

// Publisher receives every committed change as an encoded wire event.
// feed.Broker implements it.
type Publisher interface {
	Publish(table types.Table, payload []byte)
}

// Store is a gorm-backed implementation of feed.Fetcher plus the writes
// pipewatch itself performs. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	pub Publisher
	now func() time.Time // injectable for deterministic tests
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher publishes committed writes to p.
func WithPublisher(p Publisher) Option { return func(s *Store) { s.pub = p } }

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open connects to the database and migrates the schema. driver must be
// "sqlite" (or empty); dsn is the sqlite file path or URI.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&pipelineRow{}, &executionRow{}, &logRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FetchPage implements feed.Fetcher: rows ordered by created_at descending
// (id ascending on ties), limited as requested and starting after q.After or
// at q.Offset. A filter on a column the table does not have matches nothing.
func (s *Store) FetchPage(ctx context.Context, q types.Query) ([]types.Record, error) {
	cols, ok := filterColumns[q.Table]
	if !ok {
		return nil, fmt.Errorf("store: unknown table %q", q.Table)
	}

	tx := s.db.WithContext(ctx).Order("created_at desc").Order("id asc")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if c := q.After; c != nil {
		at := c.CreatedAt.UTC()
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id > ?))", at, at, c.ID)
	}
	if f := q.Filter; f != nil {
		nullable, known := cols[f.Column]
		if !known {
			return []types.Record{}, nil
		}
		if nullable && f.Value == "" {
			tx = tx.Where("(" + f.Column + " IS NULL OR " + f.Column + " = '')")
		} else {
			tx = tx.Where(f.Column+" = ?", f.Value)
		}
	}

	var out []types.Record
	switch q.Table {
	case types.TableExecutions:
		var rows []executionRow
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("store: fetch executions: %w", err)
		}
		out = make([]types.Record, 0, len(rows))
		for _, r := range rows {
			out = append(out, types.Record{Table: q.Table, Execution: r.toDomain()})
		}
	case types.TableLogs:
		var rows []logRow
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("store: fetch logs: %w", err)
		}
		out = make([]types.Record, 0, len(rows))
		for _, r := range rows {
			out = append(out, types.Record{Table: q.Table, Log: r.toDomain()})
		}
	case types.TablePipelines:
		var rows []pipelineRow
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("store: fetch pipelines: %w", err)
		}
		out = make([]types.Record, 0, len(rows))
		for _, r := range rows {
			out = append(out, types.Record{Table: q.Table, Pipeline: r.toDomain()})
		}
	}
	return out, nil
}

// Execution loads one execution by id.
func (s *Store) Execution(ctx context.Context, id string) (*types.Execution, error) {
	var row executionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load execution %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// CreateExecution inserts e and publishes the insert. Missing id, status and
// timestamps are filled in; the stored execution is returned.
func (s *Store) CreateExecution(ctx context.Context, e *types.Execution) (*types.Execution, error) {
	out := cloneExecution(e)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Status == "" {
		out.Status = types.StatusPending
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now().UTC()
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = out.CreatedAt
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("store: create execution: %w", err)
	}

	row := toExecutionRow(out)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("store: create execution: %w", err)
	}
	s.publish(types.ChangeInsert, types.Record{Table: types.TableExecutions, Execution: out})
	return out, nil
}

// UpdateExecution replaces the mutable fields of an existing execution and
// publishes the update. updated_at is stamped strictly after the stored
// value so every write is an advance.
func (s *Store) UpdateExecution(ctx context.Context, e *types.Execution) (*types.Execution, error) {
	cur, err := s.Execution(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	out := cloneExecution(e)
	out.CreatedAt = cur.CreatedAt
	out.UpdatedAt = s.now().UTC()
	if !out.UpdatedAt.After(cur.UpdatedAt) {
		out.UpdatedAt = cur.UpdatedAt.Add(time.Millisecond)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("store: update execution: %w", err)
	}

	row := toExecutionRow(out)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, fmt.Errorf("store: update execution %s: %w", e.ID, err)
	}
	s.publish(types.ChangeUpdate, types.Record{Table: types.TableExecutions, Execution: out})
	return out, nil
}

// DeleteExecution removes an execution and publishes the delete.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&executionRow{})
	if res.Error != nil {
		return fmt.Errorf("store: delete execution %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.publish(types.ChangeDelete, types.Record{Table: types.TableExecutions, Execution: &types.Execution{ID: id}})
	return nil
}

// AppendLog inserts a log entry and publishes the insert. Logs are never
// updated.
func (s *Store) AppendLog(ctx context.Context, l *types.LogEntry) (*types.LogEntry, error) {
	out := *l
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.now().UTC()
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("store: append log: %w", err)
	}
	row := toLogRow(&out)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("store: append log: %w", err)
	}
	s.publish(types.ChangeInsert, types.Record{Table: types.TableLogs, Log: &out})
	return &out, nil
}

// UpsertPipeline creates or replaces a pipeline definition.
func (s *Store) UpsertPipeline(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	out := *p
	out.Stages = slices.Clone(p.Stages)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("store: upsert pipeline: %w", err)
	}

	kind := types.ChangeInsert
	var cur pipelineRow
	err := s.db.WithContext(ctx).Where("id = ?", out.ID).Take(&cur).Error
	switch {
	case err == nil:
		kind = types.ChangeUpdate
		out.CreatedAt = cur.CreatedAt.UTC()
	case errors.Is(err, gorm.ErrRecordNotFound):
		if out.CreatedAt.IsZero() {
			out.CreatedAt = s.now().UTC()
		}
	default:
		return nil, fmt.Errorf("store: load pipeline %s: %w", out.ID, err)
	}
	out.UpdatedAt = s.now().UTC()

	row := toPipelineRow(&out)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, fmt.Errorf("store: upsert pipeline %s: %w", out.ID, err)
	}
	s.publish(kind, types.Record{Table: types.TablePipelines, Pipeline: &out})
	return &out, nil
}

// PurgeLogs deletes log rows created at or before cutoff. Deletes are not
// published; the reconciler applies the same retention on its own.
func (s *Store) PurgeLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at <= ?", cutoff).Delete(&logRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: purge logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Run purges logs older than retention on a ticker. It ticks at a tenth of
// the retention (minimum 1 minute, maximum 1 hour) and blocks until ctx is
// cancelled. A non-positive retention returns immediately.
func (s *Store) Run(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := min(max(retention/10, time.Minute), time.Hour)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.PurgeLogs(ctx, s.now().Add(-retention))
			if err != nil {
				slog.Warn("store: log purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("store: purged expired logs", "count", n)
			}
		}
	}
}

func (s *Store) publish(kind types.ChangeKind, rec types.Record) {
	if s.pub == nil {
		return
	}
	payload, err := feed.Encode(types.Change{Kind: kind, Record: rec})
	if err != nil {
		slog.Error("store: encode change", "table", rec.Table, "id", rec.ID(), "err", err)
		return
	}
	s.pub.Publish(rec.Table, payload)
}

func cloneExecution(e *types.Execution) *types.Execution {
	out := *e
	out.Trigger = maps.Clone(e.Trigger)
	out.Stages = slices.Clone(e.Stages)
	return &out
}
