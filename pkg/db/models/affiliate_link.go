package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// UnlimitedUsage marks a link without a conversion cap.
const UnlimitedUsage = -1

// AffiliateLink is a referral code with its commission terms and cached counters.
type AffiliateLink struct {
	ID                    uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	Code                  string               `gorm:"column:code;not null;uniqueIndex:ux_affiliate_links_code"`
	Name                  string               `gorm:"column:name;not null"`
	Description           string               `gorm:"column:description;not null;default:''"`
	CommissionType        enums.CommissionType `gorm:"column:commission_type;type:text;not null"`
	CommissionValue       decimal.Decimal      `gorm:"column:commission_value;type:numeric(12,2);not null"`
	Status                enums.LinkStatus     `gorm:"column:status;type:text;not null;index"`
	StartDate             *time.Time           `gorm:"column:start_date"`
	EndDate               *time.Time           `gorm:"column:end_date"`
	PromotionType         enums.PromotionType  `gorm:"column:promotion_type;type:text;not null"`
	ApplicableProducts    dbtypes.StringList   `gorm:"column:applicable_products"`
	MaxUsage              int                  `gorm:"column:max_usage;not null;default:-1"`
	CurrentUsage          int                  `gorm:"column:current_usage;not null;default:0"`
	AttributionWindowDays *int                 `gorm:"column:attribution_window_days"`
	ClickCount            int64                `gorm:"column:click_count;not null;default:0"`
	ConversionCount       int64                `gorm:"column:conversion_count;not null;default:0"`
	TotalCommission       decimal.Decimal      `gorm:"column:total_commission;type:numeric(14,2);not null;default:0"`
	CreatedAt             time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (AffiliateLink) TableName() string { return "affiliate_links" }

func (l *AffiliateLink) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// Unlimited reports whether the link has no usage cap.
func (l AffiliateLink) Unlimited() bool {
	return l.MaxUsage == UnlimitedUsage
}

// AttributionWindow resolves the link's window, falling back to def.
func (l AffiliateLink) AttributionWindow(def time.Duration) time.Duration {
	if l.AttributionWindowDays != nil && *l.AttributionWindowDays > 0 {
		return time.Duration(*l.AttributionWindowDays) * 24 * time.Hour
	}
	return def
}
