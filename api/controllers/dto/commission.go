package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// Commission is the public shape of a commission record.
type Commission struct {
	ID               uuid.UUID              `json:"id"`
	LinkID           uuid.UUID              `json:"link_id"`
	ClickID          uuid.UUID              `json:"click_id"`
	OrderID          string                 `json:"order_id"`
	CustomerID       string                 `json:"customer_id,omitempty"`
	OrderAmount      decimal.Decimal        `json:"order_amount"`
	EligibleAmount   decimal.Decimal        `json:"eligible_amount"`
	CommissionAmount decimal.Decimal        `json:"commission_amount"`
	Status           enums.CommissionStatus `json:"status"`
	ConversionDate   time.Time              `json:"conversion_date"`
	PaidDate         *time.Time             `json:"paid_date,omitempty"`
	CancelReason     *string                `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func NewCommission(record models.CommissionRecord) Commission {
	return Commission{
		ID:               record.ID,
		LinkID:           record.LinkID,
		ClickID:          record.ClickID,
		OrderID:          record.OrderID,
		CustomerID:       record.CustomerID,
		OrderAmount:      record.OrderAmount,
		EligibleAmount:   record.EligibleAmount,
		CommissionAmount: record.CommissionAmount,
		Status:           record.Status,
		ConversionDate:   record.ConversionDate,
		PaidDate:         record.PaidDate,
		CancelReason:     record.CancelReason,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

// StatusTransition is one row of a commission's audit history.
type StatusTransition struct {
	From       *enums.CommissionStatus `json:"from_status"`
	To         enums.CommissionStatus  `json:"to_status"`
	Reason     *string                 `json:"reason,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
}

func NewStatusTransitions(rows []models.CommissionStatusTransition) []StatusTransition {
	out := make([]StatusTransition, 0, len(rows))
	for _, row := range rows {
		out = append(out, StatusTransition{
			From:       row.FromStatus,
			To:         row.ToStatus,
			Reason:     row.Reason,
			OccurredAt: row.OccurredAt,
		})
	}
	return out
}
