package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/renovolabs/renovo/internal/config"
	"github.com/renovolabs/renovo/internal/pricing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupPricingDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
		CREATE TABLE registry_renew_prices (
			id INTEGER PRIMARY KEY,
			tld TEXT NOT NULL,
			effective_from DATETIME NOT NULL,
			currency TEXT NOT NULL,
			amount NUMERIC NOT NULL
		)
	`).Error)
	return db
}

func seedRenewPrice(t *testing.T, db *gorm.DB, id int64, tld string, from time.Time, amount string) {
	t.Helper()
	require.NoError(t, db.Exec(`
		INSERT INTO registry_renew_prices (id, tld, effective_from, currency, amount)
		VALUES (?, ?, ?, 'USD', ?)
	`, id, tld, from, amount).Error)
}

func newTestPricingService(t *testing.T, db *gorm.DB, premiums *config.PremiumListHolder) domain.Service {
	t.Helper()
	if premiums == nil {
		var err error
		premiums, err = config.NewStaticPremiumList(config.PremiumList{})
		require.NoError(t, err)
	}
	return New(Params{DB: db, Log: zap.NewNop(), Premiums: premiums})
}

func TestRenewCostSchedule(t *testing.T) {
	db := setupPricingDB(t)
	svc := newTestPricingService(t, db, nil)

	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	raise := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRenewPrice(t, db, 1, "dev", epoch, "10.00")
	seedRenewPrice(t, db, 2, "dev", raise, "12.50")

	t.Run("picks latest effective row", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "brioche.dev", raise.Add(time.Hour), 1)
		require.NoError(t, err)
		assert.Equal(t, "USD", cost.Currency)
		assert.True(t, cost.Amount.Equal(decimal.RequireFromString("12.50")), "got %s", cost.Amount)
	})

	t.Run("price before a raise uses the old row", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "brioche.dev", raise.Add(-time.Second), 1)
		require.NoError(t, err)
		assert.True(t, cost.Amount.Equal(decimal.RequireFromString("10.00")), "got %s", cost.Amount)
	})

	t.Run("multi year multiplies", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "brioche.dev", raise.Add(time.Hour), 3)
		require.NoError(t, err)
		assert.True(t, cost.Amount.Equal(decimal.RequireFromString("37.50")), "got %s", cost.Amount)
	})

	t.Run("no schedule row yet", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "brioche.dev", epoch.Add(-time.Hour), 1)
		assert.ErrorIs(t, err, domain.ErrPriceNotFound)
		assert.True(t, cost.Amount.IsZero())
	})

	t.Run("unknown tld", func(t *testing.T) {
		_, err := svc.RenewCost(context.Background(), "brioche.example", raise, 1)
		assert.ErrorIs(t, err, domain.ErrPriceNotFound)
	})

	t.Run("invalid years", func(t *testing.T) {
		_, err := svc.RenewCost(context.Background(), "brioche.dev", raise, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
	})
}

func TestRenewCostPremium(t *testing.T) {
	db := setupPricingDB(t)
	seedRenewPrice(t, db, 1, "dev", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), "10.00")

	premiums, err := config.NewStaticPremiumList(config.PremiumList{
		Entries: []config.PremiumEntry{
			{Domain: "Rich.dev", Currency: "USD", Renew: "100.00"},
		},
	})
	require.NoError(t, err)
	svc := newTestPricingService(t, db, premiums)
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("premium overrides schedule", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "rich.dev", at, 1)
		require.NoError(t, err)
		assert.True(t, cost.Amount.Equal(decimal.RequireFromString("100.00")), "got %s", cost.Amount)
	})

	t.Run("non premium still uses schedule", func(t *testing.T) {
		cost, err := svc.RenewCost(context.Background(), "plain.dev", at, 1)
		require.NoError(t, err)
		assert.True(t, cost.Amount.Equal(decimal.RequireFromString("10.00")), "got %s", cost.Amount)
	})
}
