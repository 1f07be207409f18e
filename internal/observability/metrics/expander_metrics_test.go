package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander/guard"
	pricingdomain "github.com/renovolabs/renovo/internal/pricing/domain"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"gorm.io/gorm"
)

func TestClassifyExpandReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: ExpandReasonDeadlineExceeded,
		},
		{
			name: "cursor_conflict",
			err:  cursor.ErrCursorConflict,
			want: ExpandReasonCursorConflict,
		},
		{
			name: "precondition",
			err:  guard.ErrInvalidBatchSize,
			want: ExpandReasonPrecondition,
		},
		{
			name: "price_not_found",
			err:  pricingdomain.ErrPriceNotFound,
			want: ExpandReasonPriceNotFound,
		},
		{
			name: "registry_not_found",
			err:  registrydomain.ErrRegistryNotFound,
			want: ExpandReasonRegistryNotFound,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: ExpandReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: ExpandReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: ExpandReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: ExpandReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyExpandReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsExpandErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "cursor_conflict", err: cursor.ErrCursorConflict, want: false},
		{name: "precondition", err: guard.ErrInvalidCursorPosition, want: false},
		{name: "unique_violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsExpandErrorRetryable(tc.err); got != tc.want {
				t.Fatalf("expected retryable=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestAddEventsMaterialized(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newExpanderMetrics(registry, Config{
		ServiceName: "renovo",
		Environment: "test",
	})

	metrics.AddEventsMaterialized("paged", EventModeReal, 3)
	metrics.AddEventsMaterialized("paged", EventModeDry, 2)

	if got := testutil.ToFloat64(metrics.eventsMaterialized.WithLabelValues("paged", EventModeReal)); got != 3 {
		t.Fatalf("expected real count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.eventsMaterialized.WithLabelValues("paged", EventModeDry)); got != 2 {
		t.Fatalf("expected dry count 2, got %v", got)
	}
}

func TestObserveDBLockWait(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newExpanderMetrics(registry, Config{
		ServiceName: "renovo",
		Environment: "test",
	})

	metrics.ObserveDBLockWait(LockResourceCursor, 0)
	metrics.ObserveDBLockWait("unmapped_resource", 0)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "renovo_expand_db_lock_wait_seconds" {
			if got := len(family.GetMetric()); got != 2 {
				t.Fatalf("expected 2 lock wait series, got %d", got)
			}
			return
		}
	}
	t.Fatal("lock wait histogram not registered")
}
