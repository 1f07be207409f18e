package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPriceNotFound = errors.New("price_not_found")
	ErrInvalidPeriod = errors.New("invalid_period")
)

// Money is an amount in a registry currency. Amounts are held as exact
// decimals; rounding policy belongs to whoever renders them.
type Money struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Service resolves the cost of renewing a domain name for a number of years
// as of a given instant. Premium names are priced from the premium list,
// everything else from the per-TLD renew price schedule effective at that
// instant.
type Service interface {
	RenewCost(ctx context.Context, domainName string, at time.Time, years int) (Money, error)
}
