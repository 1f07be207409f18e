package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/renovolabs/renovo/internal/config"
	"github.com/renovolabs/renovo/internal/pricing/domain"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Premiums *config.PremiumListHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	premiums *config.PremiumListHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("pricing.service"),
		premiums: p.Premiums,
	}
}

func (s *Service) RenewCost(ctx context.Context, domainName string, at time.Time, years int) (domain.Money, error) {
	if years <= 0 {
		return domain.Money{}, fmt.Errorf("%w: years=%d", domain.ErrInvalidPeriod, years)
	}
	name := strings.ToLower(strings.TrimSpace(domainName))

	if premium, ok := s.premiums.Lookup(name); ok {
		return domain.Money{
			Currency: premium.Currency,
			Amount:   premium.Amount.Mul(decimal.NewFromInt(int64(years))),
		}, nil
	}

	tld := tldOf(name)
	if tld == "" {
		return domain.Money{}, fmt.Errorf("%w: %q", domain.ErrPriceNotFound, domainName)
	}

	// Latest schedule row effective at the pricing instant.
	var price registrydomain.RenewPrice
	err := s.db.WithContext(ctx).
		Where("tld = ? AND effective_from <= ?", tld, at).
		Order("effective_from DESC").
		First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Money{}, fmt.Errorf("%w: tld=%s at=%s", domain.ErrPriceNotFound, tld, at.Format(time.RFC3339))
		}
		return domain.Money{}, err
	}

	return domain.Money{
		Currency: price.Currency,
		Amount:   price.Amount.Mul(decimal.NewFromInt(int64(years))),
	}, nil
}

func tldOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}
