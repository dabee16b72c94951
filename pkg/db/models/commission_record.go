package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// CommissionRecord is the ledger entry for an attributed order.
type CommissionRecord struct {
	ID               uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	LinkID           uuid.UUID              `gorm:"column:link_id;type:uuid;not null;uniqueIndex:ux_commission_records_link_order,priority:1"`
	ClickID          uuid.UUID              `gorm:"column:click_id;type:uuid;not null;index"`
	OrderID          string                 `gorm:"column:order_id;not null;uniqueIndex:ux_commission_records_order;uniqueIndex:ux_commission_records_link_order,priority:2"`
	CustomerID       string                 `gorm:"column:customer_id;not null;default:''"`
	OrderAmount      decimal.Decimal        `gorm:"column:order_amount;type:numeric(12,2);not null"`
	EligibleAmount   decimal.Decimal        `gorm:"column:eligible_amount;type:numeric(12,2);not null"`
	CommissionAmount decimal.Decimal        `gorm:"column:commission_amount;type:numeric(12,2);not null"`
	Status           enums.CommissionStatus `gorm:"column:status;type:text;not null;index"`
	ConversionDate   time.Time              `gorm:"column:conversion_date;not null;index"`
	PaidDate         *time.Time             `gorm:"column:paid_date"`
	CancelReason     *string                `gorm:"column:cancel_reason"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (CommissionRecord) TableName() string { return "commission_records" }

func (r *CommissionRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// CommissionStatusTransition is the audit row written for every status change.
// (record_id, to_status) is unique and doubles as the transition idempotency key.
type CommissionStatusTransition struct {
	ID         uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	RecordID   uuid.UUID               `gorm:"column:record_id;type:uuid;not null;uniqueIndex:ux_commission_history_record_status,priority:1"`
	FromStatus *enums.CommissionStatus `gorm:"column:from_status;type:text"`
	ToStatus   enums.CommissionStatus  `gorm:"column:to_status;type:text;not null;uniqueIndex:ux_commission_history_record_status,priority:2"`
	Reason     *string                 `gorm:"column:reason"`
	OccurredAt time.Time               `gorm:"column:occurred_at;not null"`
}

func (CommissionStatusTransition) TableName() string { return "commission_status_history" }

func (t *CommissionStatusTransition) BeforeCreate(*gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
