package expander

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/renovolabs/renovo/internal/clock"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander/guard"
	"github.com/renovolabs/renovo/internal/lock"
	obsmetrics "github.com/renovolabs/renovo/internal/observability/metrics"
	pricingdomain "github.com/renovolabs/renovo/internal/pricing/domain"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_config")

// RunParams are per-invocation knobs. Zero values fall back to the
// configured defaults. CursorOverride applies to this run only and is never
// persisted; the checkpoint guard always compares against the stored value.
type RunParams struct {
	DryRun         bool       `json:"dry_run"`
	CursorOverride *time.Time `json:"cursor_time"`
	BatchSize      int        `json:"batch_size"`
	Strategy       string     `json:"strategy"`
	Workers        int        `json:"workers"`
}

// RunSummary reports what one run did. It is always produced, including for
// aborted runs.
type RunSummary struct {
	RunID              string    `json:"run_id"`
	Strategy           string    `json:"strategy"`
	DryRun             bool      `json:"dry_run"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	RecurrencesScanned int       `json:"recurrences_scanned"`
	EventsMaterialized int       `json:"events_materialized"`
	ErrorCount         int       `json:"error_count"`
	CursorAdvanced     bool      `json:"cursor_advanced"`
	DurationMS         int64     `json:"duration_ms"`
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	RegistrySvc registrydomain.Service
	PricingSvc  pricingdomain.Service
	Cursors     cursor.Store
	RunLock     *lock.RunLock `optional:"true"`
	Config      Config        `optional:"true"`
}

// Expander materializes one-time billing events from recurring billing
// definitions, exactly once each, and advances the global checkpoint when a
// run completes without errors.
type Expander struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	registrySvc registrydomain.Service
	pricingSvc  pricingdomain.Service
	cursors     cursor.Store
	runLock     *lock.RunLock

	running atomic.Bool
}

func New(p Params) (*Expander, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.RegistrySvc == nil || p.PricingSvc == nil || p.Cursors == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Expander{
		db:          p.DB,
		log:         p.Log.Named("expander").With(zap.String("component", "expander")),
		cfg:         cfg,
		genID:       p.GenID,
		clock:       p.Clock,
		registrySvc: p.RegistrySvc,
		pricingSvc:  p.PricingSvc,
		cursors:     p.Cursors,
		runLock:     p.RunLock,
	}, nil
}

// RunOnce executes one expansion run. Partial completion is not an error:
// per-item failures surface through the summary's error count and leave the
// checkpoint untouched. The returned error is reserved for preconditions,
// checkpoint conflicts, and run-level storage failures.
func (e *Expander) RunOnce(parent context.Context, params RunParams) (RunSummary, error) {
	summary, err := e.runOnce(parent, params)
	if err != nil {
		obsmetrics.Expander().IncRunError(summary.Strategy, err)
	}
	return summary, err
}

func (e *Expander) runOnce(parent context.Context, params RunParams) (RunSummary, error) {
	strategy := params.Strategy
	if strategy == "" {
		strategy = e.cfg.Strategy
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	workers := params.Workers
	if workers <= 0 {
		workers = e.cfg.Workers
	}

	summary := RunSummary{
		RunID:    e.genID.Generate().String(),
		Strategy: strategy,
		DryRun:   params.DryRun,
	}

	if strategy != StrategyPaged && strategy != StrategyFanout {
		return summary, fmt.Errorf("%w: %q", guard.ErrInvalidStrategy, strategy)
	}
	if err := guard.ValidateBatchSize(batchSize); err != nil {
		return summary, err
	}
	if strategy == StrategyFanout {
		if err := guard.ValidateWorkerCount(workers); err != nil {
			return summary, err
		}
	}

	if !e.running.CompareAndSwap(false, true) {
		return summary, guard.ErrRunInProgress
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, e.cfg.RunTimeout)
	defer cancel()

	executeTime := e.clock.Now().UTC()
	persisted, err := e.cursors.Read(ctx, cursor.CursorTypeRecurringBilling)
	if err != nil {
		return summary, err
	}
	cursorTime := persisted
	if params.CursorOverride != nil {
		cursorTime = params.CursorOverride.UTC()
	}
	if err := guard.ValidateCursorPosition(cursorTime, executeTime); err != nil {
		return summary, err
	}

	token, acquired, err := e.runLock.TryLockRun(ctx, cursor.CursorTypeRecurringBilling)
	if err != nil {
		return summary, err
	}
	if !acquired {
		return summary, fmt.Errorf("%w: another replica holds the run lock", guard.ErrRunInProgress)
	}
	if token != "" {
		defer func() {
			if err := e.runLock.ReleaseRun(context.WithoutCancel(ctx), cursor.CursorTypeRecurringBilling, token); err != nil {
				e.log.Warn("run lock release failed", zap.Error(err))
			}
		}()
	}

	expMetrics := obsmetrics.Expander()
	expMetrics.IncRun(strategy)
	wallStart := time.Now()

	run := &runLog{
		runID:       summary.RunID,
		strategy:    strategy,
		dryRun:      params.DryRun,
		batchSize:   batchSize,
		executeTime: executeTime,
		startedAt:   executeTime,
	}
	win := Window{Lower: cursorTime, Upper: executeTime}
	regs := newRegistrySnapshot(e.registrySvc)
	ctx = e.withLogContext(ctx, run)
	e.logRunStart(ctx, run, win)

	switch strategy {
	case StrategyFanout:
		e.runFanout(ctx, run, regs, win, batchSize, workers, params.DryRun)
	default:
		e.runPaged(ctx, run, regs, win, batchSize, params.DryRun)
	}

	if ctx.Err() != nil {
		expMetrics.IncRunTimeout(strategy)
	}

	advanced, finalErr := e.finalize(ctx, run, params.DryRun, persisted, executeTime)

	duration := time.Since(wallStart)
	summary.WindowStart = win.Lower
	summary.WindowEnd = win.Upper
	summary.RecurrencesScanned = run.Scanned()
	summary.EventsMaterialized = run.Materialized()
	summary.ErrorCount = run.Errors()
	summary.CursorAdvanced = advanced
	summary.DurationMS = duration.Milliseconds()

	expMetrics.ObserveRunDuration(strategy, duration)
	e.logRunFinish(ctx, run, summary)
	return summary, finalErr
}

// finalize decides what happens to the checkpoint. Any per-item error leaves
// it untouched so the next run re-scans the same window. A dry run only
// verifies nobody moved it mid-run. Otherwise the advance is guarded against
// the value persisted at init, never the override; a conflict means the
// committed materializations stand and re-detect as existing next run.
func (e *Expander) finalize(ctx context.Context, run *runLog, dryRun bool, persisted, executeTime time.Time) (bool, error) {
	expMetrics := obsmetrics.Expander()

	if run.Errors() > 0 {
		e.logger(ctx).Warn("expand.cursor.held",
			zap.Int("error_count", run.Errors()),
			zap.Time("cursor_time", persisted),
		)
		return false, nil
	}

	if dryRun {
		current, err := e.cursors.Read(ctx, cursor.CursorTypeRecurringBilling)
		if err != nil {
			return false, err
		}
		if !current.Equal(persisted) {
			expMetrics.IncCursorConflict()
			return false, fmt.Errorf("%w: cursor moved from %s to %s during dry run",
				cursor.ErrCursorConflict, persisted.Format(time.RFC3339), current.Format(time.RFC3339))
		}
		return false, nil
	}

	lockStart := time.Now()
	err := e.cursors.GuardedAdvance(ctx, cursor.CursorTypeRecurringBilling, persisted, executeTime)
	expMetrics.ObserveDBLockWait(obsmetrics.LockResourceCursor, time.Since(lockStart))
	if err != nil {
		if errors.Is(err, cursor.ErrCursorConflict) {
			expMetrics.IncCursorConflict()
		}
		return false, err
	}

	expMetrics.IncCursorAdvance()
	return true, nil
}

// RunForever runs expansions on the configured interval until the context
// ends. A zero interval disables the loop.
func (e *Expander) RunForever(ctx context.Context) {
	interval := e.cfg.RunInterval
	if interval <= 0 {
		e.log.Info("expansion loop disabled", zap.Duration("interval", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expMetrics := obsmetrics.Expander()
	nextRun := e.clock.Now().Add(interval)

	if e.cfg.RunOnStart {
		if _, err := e.RunOnce(ctx, RunParams{}); err != nil {
			e.log.Warn("expansion run failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runLag := time.Since(nextRun)
		if runLag > 0 {
			expMetrics.ObserveRunLoopLag(runLag)
		}
		if _, err := e.RunOnce(ctx, RunParams{}); err != nil {
			e.log.Warn("expansion run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(interval)
	}
}
