package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/renovolabs/renovo/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const CursorTypeRecurringBilling = "RECURRING_BILLING"

// EpochStart is what an absent cursor row reads as. A fresh deployment scans
// from the beginning of time on its first run.
var EpochStart = time.Unix(0, 0).UTC()

// ErrCursorConflict means the stored checkpoint no longer matches the value
// this run loaded at start. Another writer moved it mid-run; the advance is
// refused and nothing is written.
var ErrCursorConflict = errors.New("cursor_conflict")

type Cursor struct {
	CursorType string    `json:"cursor_type" gorm:"primaryKey"`
	CursorTime time.Time `json:"cursor_time"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Cursor) TableName() string {
	return "cursors"
}

// Store is the checkpoint for incremental scans. Read never fails on an
// absent row; GuardedAdvance is compare-and-set against the value the caller
// read before doing its work.
type Store interface {
	Read(ctx context.Context, cursorType string) (time.Time, error)
	GuardedAdvance(ctx context.Context, cursorType string, expectedPrior, next time.Time) error
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewStore(p Params) Store {
	return &store{
		db:    p.DB,
		log:   p.Log.Named("cursor.store"),
		clock: p.Clock,
	}
}

func (s *store) Read(ctx context.Context, cursorType string) (time.Time, error) {
	var row Cursor
	err := s.db.WithContext(ctx).Where("cursor_type = ?", cursorType).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EpochStart, nil
		}
		return time.Time{}, err
	}
	return row.CursorTime.UTC(), nil
}

func (s *store) GuardedAdvance(ctx context.Context, cursorType string, expectedPrior, next time.Time) error {
	expectedPrior = expectedPrior.UTC()
	next = next.UTC()
	if next.Before(expectedPrior) {
		return fmt.Errorf("cursor %s cannot move backwards: %s -> %s",
			cursorType, expectedPrior.Format(time.RFC3339Nano), next.Format(time.RFC3339Nano))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Cursor
		err := tx.Raw(
			`SELECT cursor_type, cursor_time FROM cursors WHERE cursor_type = ? FOR UPDATE`,
			cursorType,
		).Scan(&row).Error
		if err != nil {
			return err
		}

		exists := row.CursorType != ""
		observed := EpochStart
		if exists {
			observed = row.CursorTime.UTC()
		}
		if !observed.Equal(expectedPrior) {
			return fmt.Errorf("%w: cursor %s is at %s, run started from %s",
				ErrCursorConflict, cursorType,
				observed.Format(time.RFC3339Nano), expectedPrior.Format(time.RFC3339Nano))
		}

		now := s.clock.Now()
		if exists {
			return tx.Exec(
				`UPDATE cursors SET cursor_time = ?, updated_at = ? WHERE cursor_type = ?`,
				next, now, cursorType,
			).Error
		}
		return tx.Exec(
			`INSERT INTO cursors (cursor_type, cursor_time, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			cursorType, next, now, now,
		).Error
	})
}
