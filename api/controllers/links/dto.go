package links

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	internallinks "github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	"github.com/angelmondragon/affiliate-ledger/pkg/types"
)

// createLinkRequest accepts commission_rate as a legacy alias for a
// percentage commission_value.
type createLinkRequest struct {
	Code                  string           `json:"code" validate:"required,max=64"`
	Name                  string           `json:"name" validate:"required,max=200"`
	Description           string           `json:"description" validate:"max=2000"`
	CommissionType        string           `json:"commission_type" validate:"omitempty,oneof=percentage fixed"`
	CommissionValue       *decimal.Decimal `json:"commission_value"`
	CommissionRate        *decimal.Decimal `json:"commission_rate"`
	Status                string           `json:"status" validate:"omitempty,oneof=active inactive"`
	StartDate             *time.Time       `json:"start_date"`
	EndDate               *time.Time       `json:"end_date"`
	PromotionType         string           `json:"promotion_type" validate:"omitempty,oneof=general specific"`
	ApplicableProducts    []string         `json:"applicable_products" validate:"omitempty,dive,required,max=128"`
	MaxUsage              *int             `json:"max_usage"`
	AttributionWindowDays *int             `json:"attribution_window_days" validate:"omitempty,gt=0"`
}

func (r createLinkRequest) input() internallinks.CreateLinkInput {
	return internallinks.CreateLinkInput{
		Code:                  r.Code,
		Name:                  r.Name,
		Description:           r.Description,
		CommissionType:        enums.CommissionType(r.CommissionType),
		CommissionValue:       r.CommissionValue,
		CommissionRate:        r.CommissionRate,
		Status:                enums.LinkStatus(r.Status),
		StartDate:             r.StartDate,
		EndDate:               r.EndDate,
		PromotionType:         enums.PromotionType(r.PromotionType),
		ApplicableProducts:    r.ApplicableProducts,
		MaxUsage:              r.MaxUsage,
		AttributionWindowDays: r.AttributionWindowDays,
	}
}

// updateLinkRequest is a partial update. Dates accept null to clear them.
type updateLinkRequest struct {
	Code                  *string            `json:"code"`
	Name                  *string            `json:"name" validate:"omitempty,max=200"`
	Description           *string            `json:"description" validate:"omitempty,max=2000"`
	CommissionType        *string            `json:"commission_type" validate:"omitempty,oneof=percentage fixed"`
	CommissionValue       *decimal.Decimal   `json:"commission_value"`
	CommissionRate        *decimal.Decimal   `json:"commission_rate"`
	StartDate             types.NullableTime `json:"start_date"`
	EndDate               types.NullableTime `json:"end_date"`
	PromotionType         *string            `json:"promotion_type" validate:"omitempty,oneof=general specific"`
	ApplicableProducts    *[]string          `json:"applicable_products"`
	MaxUsage              *int               `json:"max_usage"`
	AttributionWindowDays *int               `json:"attribution_window_days" validate:"omitempty,gt=0"`
}

func (r updateLinkRequest) input() internallinks.UpdateLinkInput {
	input := internallinks.UpdateLinkInput{
		Code:                  r.Code,
		Name:                  r.Name,
		Description:           r.Description,
		CommissionValue:       r.CommissionValue,
		CommissionRate:        r.CommissionRate,
		StartDate:             r.StartDate.Value,
		ClearStartDate:        r.StartDate.Cleared(),
		EndDate:               r.EndDate.Value,
		ClearEndDate:          r.EndDate.Cleared(),
		ApplicableProducts:    r.ApplicableProducts,
		MaxUsage:              r.MaxUsage,
		AttributionWindowDays: r.AttributionWindowDays,
	}
	if r.CommissionType != nil {
		ct := enums.CommissionType(*r.CommissionType)
		input.CommissionType = &ct
	}
	if r.PromotionType != nil {
		pt := enums.PromotionType(*r.PromotionType)
		input.PromotionType = &pt
	}
	return input
}

type linkResponse struct {
	ID                    uuid.UUID            `json:"id"`
	Code                  string               `json:"code"`
	Name                  string               `json:"name"`
	Description           string               `json:"description"`
	CommissionType        enums.CommissionType `json:"commission_type"`
	CommissionValue       decimal.Decimal      `json:"commission_value"`
	Status                enums.LinkStatus     `json:"status"`
	StoredStatus          enums.LinkStatus     `json:"stored_status"`
	StartDate             *time.Time           `json:"start_date,omitempty"`
	EndDate               *time.Time           `json:"end_date,omitempty"`
	PromotionType         enums.PromotionType  `json:"promotion_type"`
	ApplicableProducts    []string             `json:"applicable_products"`
	MaxUsage              int                  `json:"max_usage"`
	CurrentUsage          int                  `json:"current_usage"`
	AttributionWindowDays *int                 `json:"attribution_window_days,omitempty"`
	ClickCount            int64                `json:"click_count"`
	ConversionCount       int64                `json:"conversion_count"`
	TotalCommission       decimal.Decimal      `json:"total_commission"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

type linkListResponse struct {
	Items  []linkResponse `json:"items"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func toLinkResponse(link models.AffiliateLink, effective enums.LinkStatus) linkResponse {
	products := []string(link.ApplicableProducts)
	if products == nil {
		products = []string{}
	}
	return linkResponse{
		ID:                    link.ID,
		Code:                  link.Code,
		Name:                  link.Name,
		Description:           link.Description,
		CommissionType:        link.CommissionType,
		CommissionValue:       link.CommissionValue,
		Status:                effective,
		StoredStatus:          link.Status,
		StartDate:             link.StartDate,
		EndDate:               link.EndDate,
		PromotionType:         link.PromotionType,
		ApplicableProducts:    products,
		MaxUsage:              link.MaxUsage,
		CurrentUsage:          link.CurrentUsage,
		AttributionWindowDays: link.AttributionWindowDays,
		ClickCount:            link.ClickCount,
		ConversionCount:       link.ConversionCount,
		TotalCommission:       link.TotalCommission,
		CreatedAt:             link.CreatedAt,
		UpdatedAt:             link.UpdatedAt,
	}
}
