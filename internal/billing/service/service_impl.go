package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/renovolabs/renovo/internal/billing/domain"
	"github.com/renovolabs/renovo/internal/clock"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	"github.com/renovolabs/renovo/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	RegistrySvc registrydomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	registrySvc registrydomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("billing.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		registrySvc: p.RegistrySvc,
	}
}

func (s *Service) CreateRecurrence(ctx context.Context, req domain.CreateRecurrenceRequest) (*domain.Recurrence, error) {
	name := strings.ToLower(strings.TrimSpace(req.DomainName))
	if name == "" {
		return nil, fmt.Errorf("%w: domain_name is required", domain.ErrInvalidRecurrence)
	}

	dom, err := s.registrySvc.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonRenew
	}
	switch reason {
	case domain.ReasonCreate, domain.ReasonRenew, domain.ReasonTransfer, domain.ReasonRestore:
	default:
		return nil, fmt.Errorf("%w: unknown reason %q", domain.ErrInvalidRecurrence, reason)
	}

	flags := req.Flags
	if len(flags) == 0 {
		flags = []domain.BillingFlag{domain.FlagAutoRenew}
	}

	// The series anchor. Absent an explicit instant, renewals recur on the
	// registration anniversary starting one year after creation.
	eventTime := dom.CreationTime.AddDate(1, 0, 0)
	if req.EventTime != nil {
		eventTime = req.EventTime.UTC()
	}

	endTime := domain.EndOfTime
	if req.RecurrenceEndTime != nil {
		endTime = req.RecurrenceEndTime.UTC()
	}
	if !endTime.After(eventTime) {
		return nil, fmt.Errorf("%w: recurrence_end_time %s is not after event_time %s",
			domain.ErrInvalidRecurrence,
			endTime.Format(time.RFC3339), eventTime.Format(time.RFC3339))
	}

	rec := domain.Recurrence{
		ID:                s.genID.Generate(),
		DomainID:          dom.ID,
		DomainName:        dom.Name,
		TLD:               dom.TLD,
		RegistrarID:       dom.RegistrarID,
		Reason:            reason,
		Flags:             datatypes.NewJSONSlice(flags),
		EventTime:         eventTime,
		RecurrenceEndTime: endTime,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&domain.Recurrence{}).
			Where("domain_id = ? AND recurrence_end_time >= ?", dom.ID, domain.EndOfTime).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: domain %s already has an open recurrence", domain.ErrRecurrenceExists, dom.Name)
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("recurrence created",
		zap.String("recurrence_id", rec.ID.String()),
		zap.String("domain_name", rec.DomainName),
		zap.Time("event_time", rec.EventTime),
		zap.Time("recurrence_end_time", rec.RecurrenceEndTime),
	)
	return &rec, nil
}

func (s *Service) GetRecurrence(ctx context.Context, id snowflake.ID) (domain.GetRecurrenceResponse, error) {
	var rec domain.Recurrence
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.GetRecurrenceResponse{}, fmt.Errorf("%w: %s", domain.ErrRecurrenceNotFound, id)
		}
		return domain.GetRecurrenceResponse{}, err
	}

	var events []domain.BillingEvent
	err = s.db.WithContext(ctx).
		Where("recurrence_id = ?", id).
		Order("billing_time ASC").
		Find(&events).Error
	if err != nil {
		return domain.GetRecurrenceResponse{}, err
	}

	return domain.GetRecurrenceResponse{Recurrence: rec, Events: events}, nil
}

func (s *Service) ListBillingEvents(ctx context.Context, req domain.ListBillingEventsRequest) (domain.ListBillingEventsResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	query := s.db.WithContext(ctx).Model(&domain.BillingEvent{})
	if name := strings.ToLower(strings.TrimSpace(req.DomainName)); name != "" {
		query = query.Where("domain_name = ?", name)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cur, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListBillingEventsResponse{}, fmt.Errorf("%w: %v", domain.ErrInvalidPageToken, err)
		}
		afterID, err := strconv.ParseInt(cur.ID, 10, 64)
		if err != nil {
			return domain.ListBillingEventsResponse{}, fmt.Errorf("%w: %v", domain.ErrInvalidPageToken, err)
		}
		query = query.Where("id > ?", afterID)
	}

	// Snowflake ids are time ordered, so id order is creation order.
	var items []*domain.BillingEvent
	err := query.Order("id ASC").Limit(int(pageSize) + 1).Find(&items).Error
	if err != nil {
		return domain.ListBillingEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *domain.BillingEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]domain.BillingEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := domain.ListBillingEventsResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
