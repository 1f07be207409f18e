package expander

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/renovolabs/renovo/internal/observability/context"
	obslogger "github.com/renovolabs/renovo/internal/observability/logger"
	obsmetrics "github.com/renovolabs/renovo/internal/observability/metrics"
	"go.uber.org/zap"
)

// runLog tracks one run's counters. Fanout workers update it concurrently,
// so the counters are atomic and the joined error is guarded.
type runLog struct {
	runID       string
	strategy    string
	dryRun      bool
	batchSize   int
	executeTime time.Time
	startedAt   time.Time

	scanned      atomic.Int64
	materialized atomic.Int64
	errorCount   atomic.Int64

	mu     sync.Mutex
	joined error
}

func (r *runLog) AddScanned(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.scanned.Add(int64(count))
}

func (r *runLog) AddMaterialized(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.materialized.Add(int64(count))
}

func (r *runLog) RecordError(err error) {
	if r == nil || err == nil {
		return
	}
	r.errorCount.Add(1)
	r.mu.Lock()
	r.joined = errors.Join(r.joined, err)
	r.mu.Unlock()
}

func (r *runLog) Scanned() int      { return int(r.scanned.Load()) }
func (r *runLog) Materialized() int { return int(r.materialized.Load()) }
func (r *runLog) Errors() int       { return int(r.errorCount.Load()) }

// JoinedError returns every per-item error of the run as one joined error.
func (r *runLog) JoinedError() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

func (r *runLog) eventMode() string {
	if r.dryRun {
		return obsmetrics.EventModeDry
	}
	return obsmetrics.EventModeReal
}

func (e *Expander) withLogContext(ctx context.Context, run *runLog) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return obscontext.WithRunID(ctx, run.runID)
}

func (e *Expander) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, e.log)
}

func (e *Expander) logRunStart(ctx context.Context, run *runLog, win Window) {
	e.logger(ctx).Info("expand.run.start",
		zap.String("strategy", run.strategy),
		zap.Bool("dry_run", run.dryRun),
		zap.Int("batch_size", run.batchSize),
		zap.Time("window_start", win.Lower),
		zap.Time("window_end", win.Upper),
	)
}

func (e *Expander) logRunFinish(ctx context.Context, run *runLog, summary RunSummary) {
	fields := []zap.Field{
		zap.String("strategy", run.strategy),
		zap.Int64("duration_ms", summary.DurationMS),
		zap.Int("recurrences_scanned", summary.RecurrencesScanned),
		zap.Int("events_materialized", summary.EventsMaterialized),
		zap.Int("error_count", summary.ErrorCount),
		zap.Bool("cursor_advanced", summary.CursorAdvanced),
	}
	log := e.logger(ctx)
	if summary.ErrorCount > 0 {
		log.Warn("expand.run.finish", append(fields, zap.Error(run.JoinedError()))...)
		return
	}
	log.Info("expand.run.finish", fields...)
}

func (e *Expander) logExpandError(ctx context.Context, run *runLog, msg string, recurrenceID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.RecordError(err)
	baseFields := []zap.Field{
		zap.String("recurrence_id", idString(recurrenceID)),
		zap.String("error_type", obsmetrics.ClassifyExpandErrorType(err)),
		zap.String("reason", obsmetrics.ClassifyExpandReason(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsExpandErrorRetryable(err)),
	}
	e.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
