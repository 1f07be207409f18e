package expander

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
	obsmetrics "github.com/renovolabs/renovo/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxPageRetries bounds in-run retries of a transient page failure before
// the run gives up and leaves the rest to the next scheduled run.
const maxPageRetries = 3

// fetchCandidatePage loads the next id-ordered page of recurrences that can
// contribute to the window. The filter is deliberately coarse: an end at or
// before the cursor can contribute nothing new, and a degenerate recurrence
// whose end precedes its start contributes nothing ever. The pure evaluator
// decides per instant.
func (e *Expander) fetchCandidatePage(ctx context.Context, win Window, afterID snowflake.ID, limit int) ([]billingdomain.Recurrence, error) {
	var page []billingdomain.Recurrence
	err := e.db.WithContext(ctx).
		Where("event_time <= ? AND event_time < recurrence_end_time AND recurrence_end_time > ? AND id > ?",
			win.Upper, win.Lower, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&page).Error
	return page, err
}

// runPaged processes candidates in id-ordered pages, one write transaction
// per page. Items run in savepoints so a bad recurrence cannot poison its
// page; a transient page failure resumes from maxProcessedID, not from zero.
func (e *Expander) runPaged(ctx context.Context, run *runLog, regs *registrySnapshot, win Window, batchSize int, dryRun bool) {
	expMetrics := obsmetrics.Expander()
	var maxProcessedID snowflake.ID
	retries := 0

	for {
		if ctx.Err() != nil {
			e.logExpandError(ctx, run, "expand.run.aborted", 0, ctx.Err())
			return
		}

		count, lastID, err := e.processPage(ctx, run, regs, win, maxProcessedID, batchSize, dryRun)
		if err != nil {
			if obsmetrics.IsExpandErrorRetryable(err) && retries < maxPageRetries {
				retries++
				expMetrics.IncPageRetry(run.strategy)
				e.logger(ctx).Warn("expand.page.retry",
					zap.String("after_id", idString(maxProcessedID)),
					zap.Int("attempt", retries),
					zap.Error(err),
				)
				continue
			}
			e.logExpandError(ctx, run, "expand.page.failed", 0, err,
				zap.String("after_id", idString(maxProcessedID)),
			)
			return
		}
		retries = 0
		if count == 0 {
			return
		}
		maxProcessedID = lastID
	}
}

type pageItem struct {
	rec   billingdomain.Recurrence
	plans []plannedEvent
}

// processPage plans one page outside the write transaction, then applies it
// inside a single transaction with a savepoint per item. Per-item errors are
// logged and counted but do not fail the page; only a fetch or commit error
// does.
func (e *Expander) processPage(ctx context.Context, run *runLog, regs *registrySnapshot, win Window, afterID snowflake.ID, limit int, dryRun bool) (int, snowflake.ID, error) {
	expMetrics := obsmetrics.Expander()

	page, err := e.fetchCandidatePage(ctx, win, afterID, limit)
	if err != nil {
		return 0, afterID, err
	}
	if len(page) == 0 {
		return 0, afterID, nil
	}

	items := make([]pageItem, 0, len(page))
	lastID := afterID
	for _, rec := range page {
		lastID = rec.ID
		plans, planErr := e.planRecurrence(ctx, regs, rec, win)
		if planErr != nil {
			expMetrics.IncItemError(planErr)
			e.logExpandError(ctx, run, "expand.recurrence.failed", rec.ID, planErr)
			continue
		}
		items = append(items, pageItem{rec: rec, plans: plans})
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			itemErr := tx.Transaction(func(itemTx *gorm.DB) error {
				return e.applyItem(ctx, run, itemTx, item.rec, item.plans, dryRun)
			})
			if itemErr != nil {
				expMetrics.IncItemError(itemErr)
				e.logExpandError(ctx, run, "expand.recurrence.failed", item.rec.ID, itemErr)
			}
		}
		return nil
	})
	if err != nil {
		return 0, afterID, err
	}

	run.AddScanned(len(page))
	return len(page), lastID, nil
}

// applyItem applies one planned recurrence inside the given transaction and
// records counters. Paged passes a savepoint, fanout a top-level
// transaction.
func (e *Expander) applyItem(ctx context.Context, run *runLog, tx *gorm.DB, rec billingdomain.Recurrence, plans []plannedEvent, dryRun bool) error {
	created, err := e.applyPlan(ctx, tx, rec, plans, run.executeTime, dryRun)
	if err != nil {
		return err
	}

	expMetrics := obsmetrics.Expander()
	expMetrics.AddItemsProcessed(run.strategy, 1)
	if created > 0 {
		run.AddMaterialized(created)
		expMetrics.AddEventsMaterialized(run.strategy, run.eventMode(), created)
	}
	return nil
}
