package expander

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
	pricingdomain "github.com/renovolabs/renovo/internal/pricing/domain"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"github.com/renovolabs/renovo/internal/recurrence"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// renewalYears is the period of an autorenewal. Annual recurrences always
// renew for one year at a time.
const renewalYears = 1

// Window is the half-open interval [Lower, Upper) a run materializes billing
// instants into. Lower is the cursor position, Upper the execute time.
type Window struct {
	Lower time.Time
	Upper time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Lower) && t.Before(w.Upper)
}

// billingTimesInScope maps each anniversary to its billing instant one grace
// period later and keeps the ones inside the window, in order. Anniversaries
// arrive ascending, so iteration stops at the first instant past the window;
// that is what keeps open-ended recurrences cheap to expand.
func billingTimesInScope(anniversaries iter.Seq[time.Time], grace time.Duration, win Window) []time.Time {
	var out []time.Time
	for a := range anniversaries {
		billingTime := a.Add(grace)
		if billingTime.Before(win.Lower) {
			continue
		}
		if !billingTime.Before(win.Upper) {
			break
		}
		out = append(out, billingTime)
	}
	return out
}

// registrySnapshot memoizes per-TLD registry config for the duration of one
// run. A grace period change mid-run affects the next run, never the one in
// flight.
type registrySnapshot struct {
	svc   registrydomain.Service
	mu    sync.Mutex
	byTLD map[string]*registrydomain.Registry
}

func newRegistrySnapshot(svc registrydomain.Service) *registrySnapshot {
	return &registrySnapshot{svc: svc, byTLD: make(map[string]*registrydomain.Registry)}
}

func (s *registrySnapshot) Get(ctx context.Context, tld string) (*registrydomain.Registry, error) {
	s.mu.Lock()
	reg, ok := s.byTLD[tld]
	s.mu.Unlock()
	if ok {
		return reg, nil
	}
	reg, err := s.svc.GetRegistry(ctx, tld)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.byTLD[tld] = reg
	s.mu.Unlock()
	return reg, nil
}

// plannedEvent is one priced billing instant awaiting persistence.
type plannedEvent struct {
	billingTime       time.Time
	eventTime         time.Time
	cost              pricingdomain.Money
	suppressReporting bool
}

// planRecurrence evaluates and prices the billing instants of one recurrence
// that fall inside the window. It is read-only and runs outside any write
// transaction, so collaborator lookups never tie up the write connection.
func (e *Expander) planRecurrence(ctx context.Context, regs *registrySnapshot, rec billingdomain.Recurrence, win Window) ([]plannedEvent, error) {
	reg, err := regs.Get(ctx, rec.TLD)
	if err != nil {
		return nil, err
	}
	grace := reg.AutorenewGracePeriod()

	toy := recurrence.TimeOfYearOf(rec.EventTime)
	inScope := billingTimesInScope(toy.Instances(rec.EventTime, rec.RecurrenceEndTime), grace, win)
	if len(inScope) == 0 {
		return nil, nil
	}

	plans := make([]plannedEvent, 0, len(inScope))
	for _, billingTime := range inScope {
		eventTime := billingTime.Add(-grace)
		cost, err := e.pricingSvc.RenewCost(ctx, rec.DomainName, eventTime, renewalYears)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plannedEvent{
			billingTime: billingTime,
			eventTime:   eventTime,
			cost:        cost,
			// The recurrence ended between the anniversary and its billing
			// instant: the renewal still bills, but no longer counts toward
			// registrar reporting.
			suppressReporting: rec.RecurrenceEndTime.Before(billingTime),
		})
	}
	return plans, nil
}

// existingBillingTimes returns the billing instants already materialized for
// a recurrence, keyed by microsecond timestamp. This lookup is the sole
// idempotence check; the unique index on (recurrence_id, billing_time) backs
// it up at the storage level.
func existingBillingTimes(ctx context.Context, tx *gorm.DB, recurrenceID snowflake.ID) (map[int64]struct{}, error) {
	var times []time.Time
	err := tx.WithContext(ctx).
		Model(&billingdomain.BillingEvent{}).
		Where("recurrence_id = ?", recurrenceID).
		Pluck("billing_time", &times).Error
	if err != nil {
		return nil, err
	}
	existing := make(map[int64]struct{}, len(times))
	for _, t := range times {
		existing[t.UTC().UnixMicro()] = struct{}{}
	}
	return existing, nil
}

// applyPlan materializes the planned instants not already present. It runs
// inside the caller's transaction; dry runs perform the same lookup and
// return the would-be count without writing.
func (e *Expander) applyPlan(ctx context.Context, tx *gorm.DB, rec billingdomain.Recurrence, plans []plannedEvent, executeTime time.Time, dryRun bool) (int, error) {
	if len(plans) == 0 {
		return 0, nil
	}

	existing, err := existingBillingTimes(ctx, tx, rec.ID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, plan := range plans {
		if _, ok := existing[plan.billingTime.UTC().UnixMicro()]; ok {
			continue
		}
		if !dryRun {
			if err := e.materializeEvent(ctx, tx, rec, plan, executeTime); err != nil {
				return 0, err
			}
		}
		created++
	}
	return created, nil
}

// materializeEvent writes the audit record and the billing event for one
// planned instant. The pair commits or rolls back together with the caller's
// transaction.
func (e *Expander) materializeEvent(ctx context.Context, tx *gorm.DB, rec billingdomain.Recurrence, plan plannedEvent, executeTime time.Time) error {
	history := billingdomain.DomainHistory{
		ID:               e.genID.Generate(),
		DomainID:         rec.DomainID,
		DomainName:       rec.DomainName,
		RegistrarID:      rec.RegistrarID,
		Type:             billingdomain.HistoryTypeAutorenew,
		Reason:           billingdomain.AutorenewHistoryReason,
		PeriodYears:      renewalYears,
		ModificationTime: plan.billingTime,
	}
	if !plan.suppressReporting {
		history.TransactionRecords = datatypes.NewJSONSlice([]billingdomain.TransactionRecord{{
			TLD:           rec.TLD,
			ReportingTime: plan.billingTime,
			Field:         billingdomain.TransactionFieldNetRenews1Yr,
			Amount:        renewalYears,
		}})
	}
	if err := tx.WithContext(ctx).Create(&history).Error; err != nil {
		return err
	}

	event := billingdomain.BillingEvent{
		ID:                    e.genID.Generate(),
		RecurrenceID:          rec.ID,
		HistoryID:             history.ID,
		DomainID:              rec.DomainID,
		DomainName:            rec.DomainName,
		RegistrarID:           rec.RegistrarID,
		Reason:                rec.Reason,
		Flags:                 syntheticFlags(rec.Flags),
		PeriodYears:           renewalYears,
		CostCurrency:          plan.cost.Currency,
		CostAmount:            plan.cost.Amount,
		EventTime:             plan.eventTime,
		BillingTime:           plan.billingTime,
		SyntheticCreationTime: executeTime,
	}
	return tx.WithContext(ctx).Create(&event).Error
}

// syntheticFlags copies the recurrence flags and marks the event as produced
// by expansion rather than a registrar request.
func syntheticFlags(flags []billingdomain.BillingFlag) datatypes.JSONSlice[billingdomain.BillingFlag] {
	out := make([]billingdomain.BillingFlag, 0, len(flags)+1)
	for _, f := range flags {
		if f == billingdomain.FlagSynthetic {
			continue
		}
		out = append(out, f)
	}
	out = append(out, billingdomain.FlagSynthetic)
	return datatypes.NewJSONSlice(out)
}
