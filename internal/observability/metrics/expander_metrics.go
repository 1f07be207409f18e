package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander/guard"
	pricingdomain "github.com/renovolabs/renovo/internal/pricing/domain"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"gorm.io/gorm"
)

const (
	expandErrorTypeDeadlineExceeded = "deadline_exceeded"
	expandErrorTypeBusinessRule     = "business_rule"
	expandErrorTypeDB               = "db"
)

const (
	ExpandErrorTypeDeadlineExceeded = expandErrorTypeDeadlineExceeded
	ExpandErrorTypeBusinessRule     = expandErrorTypeBusinessRule
	ExpandErrorTypeDB               = expandErrorTypeDB
	ExpandErrorTypeUnknown          = "unknown"
)

const (
	ExpandReasonDeadlineExceeded     = "deadline_exceeded"
	ExpandReasonDBLockTimeout        = "db_lock_timeout"
	ExpandReasonSerializationFailure = "serialization_failure"
	ExpandReasonUniqueViolation      = "unique_violation"
	ExpandReasonCursorConflict       = "cursor_conflict"
	ExpandReasonPrecondition         = "precondition"
	ExpandReasonPriceNotFound        = "price_not_found"
	ExpandReasonRegistryNotFound     = "registry_not_found"
	ExpandReasonUnknown              = "unknown"
)

const (
	EventModeReal = "real"
	EventModeDry  = "dry"
)

const (
	LockResourceCursor = "cursor"
)

// ExpanderMetrics captures billing expansion health signals.
type ExpanderMetrics struct {
	runs               *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	runTimeouts        *prometheus.CounterVec
	runErrors          *prometheus.CounterVec
	itemsProcessed     *prometheus.CounterVec
	itemErrors         *prometheus.CounterVec
	eventsMaterialized *prometheus.CounterVec
	pageRetries        *prometheus.CounterVec
	cursorAdvances     prometheus.Counter
	cursorConflicts    prometheus.Counter
	runLoopLag         prometheus.Observer
	dbLockWait         *prometheus.HistogramVec
	lockWaitObserver   map[string]prometheus.Observer
}

var (
	expanderMetricsOnce sync.Once
	expanderMetrics     *ExpanderMetrics
)

// Expander returns the singleton expander metrics registry.
func Expander() *ExpanderMetrics {
	return ExpanderWithConfig(Config{})
}

// ExpanderWithConfig returns the singleton expander metrics registry using config labels.
func ExpanderWithConfig(cfg Config) *ExpanderMetrics {
	expanderMetricsOnce.Do(func() {
		expanderMetrics = newExpanderMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return expanderMetrics
}

// ResetExpanderMetricsForTest resets the expander metrics singleton for tests.
func ResetExpanderMetricsForTest() {
	expanderMetricsOnce = sync.Once{}
	expanderMetrics = nil
}

func newExpanderMetrics(registerer prometheus.Registerer, cfg Config) *ExpanderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "renovo"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_runs_total",
		Help:        "Expansion runs by strategy.",
		ConstLabels: constLabels,
	}, []string{"strategy"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "renovo_expand_run_duration_seconds",
		Help:        "Expansion run latency to protect billing freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"strategy"})
	runTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_run_timeouts_total",
		Help:        "Expansion runs that exceeded their deadline.",
		ConstLabels: constLabels,
	}, []string{"strategy"})
	runErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_run_errors_total",
		Help:        "Expansion run errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"strategy", "reason"})
	itemsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_recurrences_total",
		Help:        "Candidate recurrences processed, to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"strategy"})
	itemErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_item_errors_total",
		Help:        "Per-recurrence failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	eventsMaterialized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_events_total",
		Help:        "Billing events materialized (mode=dry counts would-be writes).",
		ConstLabels: constLabels,
	}, []string{"strategy", "mode"})
	pageRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renovo_expand_page_retries_total",
		Help:        "Transient page or shard retries.",
		ConstLabels: constLabels,
	}, []string{"strategy"})
	cursorAdvances := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "renovo_expand_cursor_advances_total",
		Help:        "Successful checkpoint advances.",
		ConstLabels: constLabels,
	})
	cursorConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "renovo_expand_cursor_conflicts_total",
		Help:        "Checkpoint conflicts detected at finalize.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "renovo_expand_runloop_lag_seconds",
		Help:        "Run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "renovo_expand_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE work.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		runs,
		runDuration,
		runTimeouts,
		runErrors,
		itemsProcessed,
		itemErrors,
		eventsMaterialized,
		pageRetries,
		cursorAdvances,
		cursorConflicts,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceCursor: dbLockWait.WithLabelValues(LockResourceCursor),
	}

	return &ExpanderMetrics{
		runs:               runs,
		runDuration:        runDuration,
		runTimeouts:        runTimeouts,
		runErrors:          runErrors,
		itemsProcessed:     itemsProcessed,
		itemErrors:         itemErrors,
		eventsMaterialized: eventsMaterialized,
		pageRetries:        pageRetries,
		cursorAdvances:     cursorAdvances,
		cursorConflicts:    cursorConflicts,
		runLoopLag:         runLoopLag,
		dbLockWait:         dbLockWait,
		lockWaitObserver:   lockWaitObserver,
	}
}

// IncRun increments the run counter for a strategy.
func (m *ExpanderMetrics) IncRun(strategy string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(strategy).Inc()
}

// ObserveRunDuration records run latency in seconds.
func (m *ExpanderMetrics) ObserveRunDuration(strategy string, duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// IncRunTimeout increments the timeout counter for a strategy.
func (m *ExpanderMetrics) IncRunTimeout(strategy string) {
	if m == nil || m.runTimeouts == nil {
		return
	}
	m.runTimeouts.WithLabelValues(strategy).Inc()
}

// IncRunError increments the run error counter with classification.
func (m *ExpanderMetrics) IncRunError(strategy string, err error) {
	if m == nil || err == nil || m.runErrors == nil {
		return
	}
	m.runErrors.WithLabelValues(strategy, ClassifyExpandReason(err)).Inc()
}

// AddItemsProcessed adds processed candidate counts for a strategy.
func (m *ExpanderMetrics) AddItemsProcessed(strategy string, count int) {
	if m == nil || count <= 0 || m.itemsProcessed == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(strategy).Add(float64(count))
}

// IncItemError increments the per-item error counter with classification.
func (m *ExpanderMetrics) IncItemError(err error) {
	if m == nil || err == nil || m.itemErrors == nil {
		return
	}
	m.itemErrors.WithLabelValues(ClassifyExpandReason(err)).Inc()
}

// AddEventsMaterialized adds materialized (or would-be, for dry runs) event counts.
func (m *ExpanderMetrics) AddEventsMaterialized(strategy, mode string, count int) {
	if m == nil || count <= 0 || m.eventsMaterialized == nil {
		return
	}
	m.eventsMaterialized.WithLabelValues(strategy, mode).Add(float64(count))
}

// IncPageRetry increments the transient retry counter for a strategy.
func (m *ExpanderMetrics) IncPageRetry(strategy string) {
	if m == nil || m.pageRetries == nil {
		return
	}
	m.pageRetries.WithLabelValues(strategy).Inc()
}

// IncCursorAdvance increments the checkpoint advance counter.
func (m *ExpanderMetrics) IncCursorAdvance() {
	if m == nil || m.cursorAdvances == nil {
		return
	}
	m.cursorAdvances.Inc()
}

// IncCursorConflict increments the checkpoint conflict counter.
func (m *ExpanderMetrics) IncCursorConflict() {
	if m == nil || m.cursorConflicts == nil {
		return
	}
	m.cursorConflicts.Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *ExpanderMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *ExpanderMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyExpandErrorType returns a low-cardinality error type for logging.
func ClassifyExpandErrorType(err error) string {
	if err == nil {
		return ExpandErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ExpandErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return ExpandErrorTypeDB
	}
	return ExpandErrorTypeBusinessRule
}

// IsExpandErrorRetryable reports whether the failed unit is worth retrying in-process.
func IsExpandErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, cursor.ErrCursorConflict) || guard.IsPrecondition(err) {
		return false
	}
	return isDBLockTimeout(err) || isSerializationFailure(err) || isDeadlockDetected(err)
}

// ClassifyExpandReason maps expansion errors to low-cardinality reasons.
func ClassifyExpandReason(err error) string {
	if err == nil {
		return ExpandReasonUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ExpandReasonDeadlineExceeded
	case errors.Is(err, cursor.ErrCursorConflict):
		return ExpandReasonCursorConflict
	case guard.IsPrecondition(err):
		return ExpandReasonPrecondition
	case errors.Is(err, pricingdomain.ErrPriceNotFound):
		return ExpandReasonPriceNotFound
	case errors.Is(err, registrydomain.ErrRegistryNotFound):
		return ExpandReasonRegistryNotFound
	case isDBLockTimeout(err):
		return ExpandReasonDBLockTimeout
	case isSerializationFailure(err):
		return ExpandReasonSerializationFailure
	case isUniqueViolation(err):
		return ExpandReasonUniqueViolation
	default:
		return ExpandReasonUnknown
	}
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isDeadlockDetected(err error) bool {
	return hasPGCode(err, "40P01")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
