package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQuery is the threshold above which a statement is logged as slow.
const slowQuery = 200 * time.Millisecond

// gormLogger routes gorm's logging through slog.
type gormLogger struct {
	level gormlogger.LogLevel
}

func newGormLogger() gormlogger.Interface { return &gormLogger{level: gormlogger.Warn} }

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		slog.InfoContext(ctx, "store: "+fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		slog.WarnContext(ctx, "store: "+fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		slog.ErrorContext(ctx, "store: "+fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		slog.ErrorContext(ctx, "store: query failed", "sql", sql, "rows", rows, "duration", elapsed, "err", err)
	case elapsed > slowQuery && l.level >= gormlogger.Warn:
		sql, rows := fc()
		slog.WarnContext(ctx, "store: slow query", "sql", sql, "rows", rows, "duration", elapsed)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		slog.DebugContext(ctx, "store: query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}
