package logger

import (
	"context"
	"maps"

	"github.com/sirupsen/logrus"
)

// Entry carries metric fields (duration_ms, count, generation) for a single log line.
type Entry struct {
	logger *Logger
	fields Fields
}

// With creates a new Entry with the given metric fields.
// Example: logger.With(logger.Fields{"duration_ms": 12}).Info(ctx, "index swapped")
func With(fields Fields) *Entry {
	return &Entry{
		logger: GetDefault(),
		fields: fields,
	}
}

// With adds more fields to an existing Entry.
func (e *Entry) With(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	maps.Copy(merged, e.fields)
	maps.Copy(merged, fields)
	return &Entry{logger: e.logger, fields: merged}
}

// WithField adds a single field to the Entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.With(Fields{key: value})
}

// WithDuration adds a duration_ms field to the Entry.
func (e *Entry) WithDuration(ms int64) *Entry {
	return e.WithField(FieldDurationMs, ms)
}

// WithCount adds a count field to the Entry.
func (e *Entry) WithCount(count int) *Entry {
	return e.WithField(FieldCount, count)
}

// WithSize adds a size field to the Entry.
func (e *Entry) WithSize(size int) *Entry {
	return e.WithField(FieldSize, size)
}

// WithGeneration adds a generation field to the Entry.
func (e *Entry) WithGeneration(gen uint64) *Entry {
	return e.WithField(FieldGeneration, gen)
}

// WithStatus adds a status field to the Entry.
func (e *Entry) WithStatus(status string) *Entry {
	return e.WithField(FieldStatus, status)
}

// logf writes one line through the context logger, or the entry's own
// logger when ctx is nil.
func (e *Entry) logf(ctx context.Context, level logrus.Level, format string, args ...interface{}) {
	l := e.logger
	if ctx != nil {
		l = FromContext(ctx)
	}
	l.WithFields(e.fields).Logf(level, format, args...)
}

func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.logf(ctx, logrus.DebugLevel, format, args...)
}

func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.logf(ctx, logrus.InfoLevel, format, args...)
}

func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.logf(ctx, logrus.WarnLevel, format, args...)
}

func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	e.logf(ctx, logrus.ErrorLevel, format, args...)
}

// Fatal logs and exits the process.
func (e *Entry) Fatal(ctx context.Context, format string, args ...interface{}) {
	e.logf(ctx, logrus.FatalLevel, format, args...)
	e.logger.Logger.Exit(1)
}
