package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/renovolabs/renovo/internal/clock"
	"github.com/renovolabs/renovo/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("registry.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) GetRegistry(ctx context.Context, tld string) (*domain.Registry, error) {
	tld = normalizeTLD(tld)
	if tld == "" {
		return nil, domain.ErrRegistryNotFound
	}

	var registry domain.Registry
	err := s.db.WithContext(ctx).Where("tld = ?", tld).First(&registry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRegistryNotFound, tld)
		}
		return nil, err
	}
	return &registry, nil
}

func (s *Service) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	name = normalizeDomainName(name)
	if name == "" {
		return nil, domain.ErrDomainNotFound
	}

	var dom domain.Domain
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&dom).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDomainNotFound, name)
		}
		return nil, err
	}
	return &dom, nil
}

func (s *Service) CreateDomain(ctx context.Context, req domain.CreateDomainRequest) (*domain.Domain, error) {
	name := normalizeDomainName(req.Name)
	tld := tldOf(name)
	if name == "" || tld == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDomain, req.Name)
	}
	registrarID := strings.TrimSpace(req.RegistrarID)
	if registrarID == "" {
		return nil, fmt.Errorf("%w: registrar_id is required", domain.ErrInvalidDomain)
	}

	// Names can only live under a configured TLD.
	if _, err := s.GetRegistry(ctx, tld); err != nil {
		return nil, err
	}

	creationTime := s.clock.Now()
	if req.CreationTime != nil {
		creationTime = req.CreationTime.UTC()
	}

	dom := domain.Domain{
		ID:           s.genID.Generate(),
		Name:         name,
		TLD:          tld,
		RegistrarID:  registrarID,
		CreationTime: creationTime,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Domain
		err := tx.Where("name = ?", name).First(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: %s", domain.ErrDomainExists, name)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&dom).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("domain created",
		zap.String("name", dom.Name),
		zap.String("tld", dom.TLD),
		zap.String("registrar_id", dom.RegistrarID),
	)
	return &dom, nil
}

func normalizeTLD(tld string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tld, ".")))
}

func normalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// tldOf extracts the TLD from a fully qualified name. Multi-label TLDs are
// not modeled; the last label wins.
func tldOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}
