package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// CommissionEvent is published for every commission lifecycle step.
type CommissionEvent struct {
	RecordID         uuid.UUID              `json:"record_id"`
	LinkID           uuid.UUID              `json:"link_id"`
	LinkCode         string                 `json:"link_code"`
	ClickID          uuid.UUID              `json:"click_id"`
	OrderID          string                 `json:"order_id"`
	CustomerID       string                 `json:"customer_id,omitempty"`
	OrderAmount      decimal.Decimal        `json:"order_amount"`
	EligibleAmount   decimal.Decimal        `json:"eligible_amount"`
	CommissionAmount decimal.Decimal        `json:"commission_amount"`
	Status           enums.CommissionStatus `json:"status"`
	PreviousStatus   enums.CommissionStatus `json:"previous_status,omitempty"`
	ConversionDate   time.Time              `json:"conversion_date"`
	PaidDate         *time.Time             `json:"paid_date,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
}

// LinkExpiredEvent is published once when a link's expiry is persisted.
type LinkExpiredEvent struct {
	LinkID       uuid.UUID  `json:"link_id"`
	Code         string     `json:"code"`
	Reason       string     `json:"reason"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	MaxUsage     int        `json:"max_usage"`
	CurrentUsage int        `json:"current_usage"`
	ExpiredAt    time.Time  `json:"expired_at"`
}
