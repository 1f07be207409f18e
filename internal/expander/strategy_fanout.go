package expander

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
	obsmetrics "github.com/renovolabs/renovo/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runFanout streams candidate ids to a bounded worker pool. Workers claim
// disjoint recurrences off one channel and run one transaction per item, so
// they share no mutable state except the store and the run counters. The
// WaitGroup join guarantees the caller finalizes exactly once, after every
// claimed item has settled.
func (e *Expander) runFanout(ctx context.Context, run *runLog, regs *registrySnapshot, win Window, batchSize, workers int, dryRun bool) {
	ids := make(chan snowflake.ID)
	var wg sync.WaitGroup

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for id := range ids {
				e.processFanoutItem(ctx, run, regs, id, win, dryRun)
			}
		}()
	}

	e.produceCandidates(ctx, run, win, batchSize, ids)
	close(ids)
	wg.Wait()
}

// produceCandidates pages candidate ids in id order into the channel. A
// transient fetch failure is retried from the last handed-out id.
func (e *Expander) produceCandidates(ctx context.Context, run *runLog, win Window, batchSize int, out chan<- snowflake.ID) {
	expMetrics := obsmetrics.Expander()
	var afterID snowflake.ID
	retries := 0

	for {
		if ctx.Err() != nil {
			e.logExpandError(ctx, run, "expand.run.aborted", 0, ctx.Err())
			return
		}

		var page []snowflake.ID
		err := e.db.WithContext(ctx).
			Model(&billingdomain.Recurrence{}).
			Where("event_time <= ? AND event_time < recurrence_end_time AND recurrence_end_time > ? AND id > ?",
				win.Upper, win.Lower, afterID).
			Order("id ASC").
			Limit(batchSize).
			Pluck("id", &page).Error
		if err != nil {
			if obsmetrics.IsExpandErrorRetryable(err) && retries < maxPageRetries {
				retries++
				expMetrics.IncPageRetry(run.strategy)
				e.logger(ctx).Warn("expand.page.retry",
					zap.String("after_id", idString(afterID)),
					zap.Int("attempt", retries),
					zap.Error(err),
				)
				continue
			}
			e.logExpandError(ctx, run, "expand.page.failed", 0, err,
				zap.String("after_id", idString(afterID)),
			)
			return
		}
		retries = 0
		if len(page) == 0 {
			return
		}

		for _, id := range page {
			select {
			case out <- id:
			case <-ctx.Done():
				e.logExpandError(ctx, run, "expand.run.aborted", 0, ctx.Err())
				return
			}
		}
		run.AddScanned(len(page))
		afterID = page[len(page)-1]
	}
}

// processFanoutItem expands one recurrence: the row is re-read and planned
// first, then applied in the item's own transaction. A cancelled context
// surfaces as an item error, which keeps the checkpoint from advancing past
// unprocessed work.
func (e *Expander) processFanoutItem(ctx context.Context, run *runLog, regs *registrySnapshot, id snowflake.ID, win Window, dryRun bool) {
	fail := func(err error) {
		obsmetrics.Expander().IncItemError(err)
		e.logExpandError(ctx, run, "expand.recurrence.failed", id, err)
	}

	var rec billingdomain.Recurrence
	if err := e.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		fail(err)
		return
	}
	plans, err := e.planRecurrence(ctx, regs, rec, win)
	if err != nil {
		fail(err)
		return
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.applyItem(ctx, run, tx, rec, plans, dryRun)
	})
	if err != nil {
		fail(err)
	}
}
