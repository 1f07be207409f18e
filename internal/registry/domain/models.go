// Package domain contains persistence models for TLD registries and the
// domains registered under them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DefaultAutorenewGrace applies to registries created without an explicit
// grace window.
const DefaultAutorenewGrace = 45 * 24 * time.Hour

// Registry is the per-TLD configuration consulted during expansion. The
// autorenew grace period offsets anniversaries into billing instants, so a
// configuration change here affects only future materializations.
type Registry struct {
	TLD                   string    `gorm:"primaryKey;type:text" json:"tld"`
	Currency              string    `gorm:"type:text;not null" json:"currency"`
	AutorenewGraceSeconds int64     `gorm:"not null" json:"autorenew_grace_seconds"`
	CreatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Registry) TableName() string { return "registries" }

// AutorenewGracePeriod returns the grace window as a duration.
func (r Registry) AutorenewGracePeriod() time.Duration {
	if r.AutorenewGraceSeconds <= 0 {
		return DefaultAutorenewGrace
	}
	return time.Duration(r.AutorenewGraceSeconds) * time.Second
}

// RenewPrice is one step of a TLD's standard renew price schedule. The price
// effective at an instant is the row with the greatest EffectiveFrom at or
// before it.
type RenewPrice struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	TLD           string          `gorm:"type:text;not null;uniqueIndex:ux_registry_renew_prices_tld_effective,priority:1" json:"tld"`
	EffectiveFrom time.Time       `gorm:"not null;uniqueIndex:ux_registry_renew_prices_tld_effective,priority:2" json:"effective_from"`
	Currency      string          `gorm:"type:text;not null" json:"currency"`
	Amount        decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"amount"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (RenewPrice) TableName() string { return "registry_renew_prices" }

// Domain is the registered name a recurrence bills for.
type Domain struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"type:text;not null;uniqueIndex" json:"name"`
	TLD          string       `gorm:"type:text;not null;index" json:"tld"`
	RegistrarID  string       `gorm:"type:text;not null" json:"registrar_id"`
	CreationTime time.Time    `gorm:"not null" json:"creation_time"`
	DeletionTime *time.Time   `gorm:"" json:"deletion_time,omitempty"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Domain) TableName() string { return "domains" }
