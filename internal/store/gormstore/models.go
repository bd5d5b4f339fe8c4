package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the accounts table: one row per user, the unit of
// contention for every balance mutation.
type Account struct {
	AccountID         string     `gorm:"type:uuid;primaryKey"`
	UserID            string     `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	SubscriptionState string     `gorm:"not null;default:none"`
	GraceExpiresAt    *time.Time `gorm:""`
	TrialUnits        int64      `gorm:"not null;default:0"`
	TokenUnits        int64      `gorm:"not null;default:0"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// ChargeRecord mirrors the charge_records table.
type ChargeRecord struct {
	ChargeID        string         `gorm:"type:uuid;primaryKey"`
	RequestID       string         `gorm:"not null;uniqueIndex:uniq_charges_request"`
	AccountID       string         `gorm:"type:uuid;not null;index:idx_charges_account_created,priority:1"`
	Method          string         `gorm:"not null"`
	UnitsCharged    int64          `gorm:"not null"`
	RefundableUnits int64          `gorm:"not null"`
	Status          string         `gorm:"not null;index:idx_charges_status_created,priority:1"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_charges_account_created,priority:2;index:idx_charges_status_created,priority:2"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (ChargeRecord) TableName() string { return "charge_records" }

// ProcessedEvent mirrors the processed_events table; the primary key on the
// processor's event id is the idempotency guard.
type ProcessedEvent struct {
	EventID   string         `gorm:"primaryKey"`
	EventType string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	AppliedAt time.Time      `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
