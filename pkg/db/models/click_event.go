package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// ClickEvent is an immutable record of a visitor following an affiliate link.
// The snapshot columns freeze the link's commission terms at click time.
type ClickEvent struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	LinkID      uuid.UUID `gorm:"column:link_id;type:uuid;not null;index:ix_click_events_link_fingerprint,priority:1"`
	Fingerprint string    `gorm:"column:fingerprint;not null;index:ix_click_events_link_fingerprint,priority:2;index:ix_click_events_fingerprint"`
	OccurredAt  time.Time `gorm:"column:occurred_at;not null;index"`

	IPHash      string `gorm:"column:ip_hash;not null;default:''"`
	UserAgent   string `gorm:"column:user_agent;not null;default:''"`
	Referrer    string `gorm:"column:referrer;not null;default:''"`
	LandingPath string `gorm:"column:landing_path;not null;default:''"`

	SnapshotCommissionType     enums.CommissionType `gorm:"column:snapshot_commission_type;type:text;not null"`
	SnapshotCommissionValue    decimal.Decimal      `gorm:"column:snapshot_commission_value;type:numeric(12,2);not null"`
	SnapshotPromotionType      enums.PromotionType  `gorm:"column:snapshot_promotion_type;type:text;not null"`
	SnapshotApplicableProducts dbtypes.StringList   `gorm:"column:snapshot_applicable_products"`
	SnapshotAttributionSeconds int64                `gorm:"column:snapshot_attribution_window_seconds;not null"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ClickEvent) TableName() string { return "click_events" }

func (c *ClickEvent) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// AttributionWindow returns the frozen window as a duration.
func (c ClickEvent) AttributionWindow() time.Duration {
	return time.Duration(c.SnapshotAttributionSeconds) * time.Second
}

// Covers reports whether a purchase at t falls inside this click's window.
// The click must strictly precede the purchase.
func (c ClickEvent) Covers(t time.Time) bool {
	if !c.OccurredAt.Before(t) {
		return false
	}
	return !t.After(c.OccurredAt.Add(c.AttributionWindow()))
}
