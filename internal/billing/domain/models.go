// Package domain contains persistence models for recurring billing and the
// one-time events materialized from it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BillingReason classifies why a billing event exists.
type BillingReason string

const (
	ReasonCreate   BillingReason = "CREATE"
	ReasonRenew    BillingReason = "RENEW"
	ReasonTransfer BillingReason = "TRANSFER"
	ReasonRestore  BillingReason = "RESTORE"
)

// BillingFlag carries event qualifiers copied from the recurrence, plus
// SYNTHETIC for events produced by expansion rather than a registrar request.
type BillingFlag string

const (
	FlagAutoRenew    BillingFlag = "AUTO_RENEW"
	FlagSynthetic    BillingFlag = "SYNTHETIC"
	FlagAnchorTenant BillingFlag = "ANCHOR_TENANT"
)

const (
	HistoryTypeAutorenew = "DOMAIN_AUTORENEW"

	// AutorenewHistoryReason is stamped on every audit record this engine writes.
	AutorenewHistoryReason = "Domain autorenewal by recurring billing expansion"

	TransactionFieldNetRenews1Yr = "NET_RENEWS_1_YR"
)

// EndOfTime encodes an open-ended recurrence. Far enough out for any real
// registration, near enough to fit a timestamptz.
var EndOfTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Recurrence describes an open-ended series of annual renewal obligations
// for one domain. Immutable once created, except RecurrenceEndTime, which an
// external cancellation may shorten.
type Recurrence struct {
	ID                snowflake.ID                     `gorm:"primaryKey" json:"id"`
	DomainID          snowflake.ID                     `gorm:"not null;index" json:"domain_id"`
	DomainName        string                           `gorm:"type:text;not null;index" json:"domain_name"`
	TLD               string                           `gorm:"type:text;not null" json:"tld"`
	RegistrarID       string                           `gorm:"type:text;not null" json:"registrar_id"`
	Reason            BillingReason                    `gorm:"type:text;not null" json:"reason"`
	Flags             datatypes.JSONSlice[BillingFlag] `gorm:"type:jsonb" json:"flags"`
	EventTime         time.Time                        `gorm:"not null;index" json:"event_time"`
	RecurrenceEndTime time.Time                        `gorm:"not null;index" json:"recurrence_end_time"`
	CreatedAt         time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Recurrence) TableName() string { return "billing_recurrences" }

// OpenEnded reports whether the recurrence has no effective end.
func (r Recurrence) OpenEnded() bool {
	return !r.RecurrenceEndTime.Before(EndOfTime)
}

// BillingEvent is one materialized renewal charge. Exactly one exists per
// (RecurrenceID, BillingTime) pair; the unique index backs that up at the
// storage level. Rows are never updated or deleted by this engine.
type BillingEvent struct {
	ID                    snowflake.ID                     `gorm:"primaryKey" json:"id"`
	RecurrenceID          snowflake.ID                     `gorm:"not null;index;uniqueIndex:ux_billing_events_recurrence_billing_time,priority:1" json:"recurrence_id"`
	HistoryID             snowflake.ID                     `gorm:"not null" json:"history_id"`
	DomainID              snowflake.ID                     `gorm:"not null;index" json:"domain_id"`
	DomainName            string                           `gorm:"type:text;not null;index" json:"domain_name"`
	RegistrarID           string                           `gorm:"type:text;not null" json:"registrar_id"`
	Reason                BillingReason                    `gorm:"type:text;not null" json:"reason"`
	Flags                 datatypes.JSONSlice[BillingFlag] `gorm:"type:jsonb" json:"flags"`
	PeriodYears           int                              `gorm:"not null;default:1" json:"period_years"`
	CostCurrency          string                           `gorm:"type:text;not null" json:"cost_currency"`
	CostAmount            decimal.Decimal                  `gorm:"type:numeric(19,4);not null" json:"cost_amount"`
	EventTime             time.Time                        `gorm:"not null" json:"event_time"`
	BillingTime           time.Time                        `gorm:"not null;uniqueIndex:ux_billing_events_recurrence_billing_time,priority:2" json:"billing_time"`
	SyntheticCreationTime time.Time                        `gorm:"not null" json:"synthetic_creation_time"`
	CreatedAt             time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

// TransactionRecord is one reporting line attached to an audit record.
type TransactionRecord struct {
	TLD           string    `json:"tld"`
	ReportingTime time.Time `json:"reporting_time"`
	Field         string    `json:"field"`
	Amount        int       `json:"amount"`
}

// DomainHistory is the audit record paired 1:1 with a BillingEvent. The
// transaction records are suppressed when the recurrence had already ended
// before the billing instant.
type DomainHistory struct {
	ID                   snowflake.ID                           `gorm:"primaryKey" json:"id"`
	DomainID             snowflake.ID                           `gorm:"not null;index" json:"domain_id"`
	DomainName           string                                 `gorm:"type:text;not null" json:"domain_name"`
	RegistrarID          string                                 `gorm:"type:text;not null" json:"registrar_id"`
	Type                 string                                 `gorm:"type:text;not null" json:"type"`
	Reason               string                                 `gorm:"type:text;not null" json:"reason"`
	PeriodYears          int                                    `gorm:"not null;default:1" json:"period_years"`
	ModificationTime     time.Time                              `gorm:"not null" json:"modification_time"`
	RequestedByRegistrar bool                                   `gorm:"not null;default:false" json:"requested_by_registrar"`
	TransactionRecords   datatypes.JSONSlice[TransactionRecord] `gorm:"type:jsonb" json:"transaction_records,omitempty"`
	CreatedAt            time.Time                              `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (DomainHistory) TableName() string { return "domain_histories" }
