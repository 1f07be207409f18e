package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/renovolabs/renovo/pkg/db/pagination"
)

type CreateRecurrenceRequest struct {
	DomainName        string        `json:"domain_name"`
	Reason            BillingReason `json:"reason,omitempty"`
	Flags             []BillingFlag `json:"flags,omitempty"`
	EventTime         *time.Time    `json:"event_time,omitempty"`
	RecurrenceEndTime *time.Time    `json:"recurrence_end_time,omitempty"`
}

type GetRecurrenceResponse struct {
	Recurrence Recurrence     `json:"recurrence"`
	Events     []BillingEvent `json:"billing_events"`
}

type ListBillingEventsRequest struct {
	DomainName string
	PageToken  string
	PageSize   int32
}

type ListBillingEventsResponse struct {
	pagination.PageInfo
	Events []BillingEvent `json:"billing_events"`
}

type Service interface {
	CreateRecurrence(context.Context, CreateRecurrenceRequest) (*Recurrence, error)
	GetRecurrence(ctx context.Context, id snowflake.ID) (GetRecurrenceResponse, error)
	ListBillingEvents(context.Context, ListBillingEventsRequest) (ListBillingEventsResponse, error)
}
