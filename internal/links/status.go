package links

import (
	"time"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// Expiry reasons reported on link.expired events.
const (
	ExpiryReasonEndDate    = "end_date"
	ExpiryReasonUsageLimit = "usage_limit"
	ExpiryReasonStored     = "stored"
)

// EffectiveStatus derives the status callers should act on. The stored status
// is advisory: time and usage limits can expire a link before a sweep persists it.
func EffectiveStatus(link models.AffiliateLink, now time.Time) enums.LinkStatus {
	if reason := expiryReason(link, now); reason != "" {
		return enums.LinkStatusExpired
	}
	return link.Status
}

func expiryReason(link models.AffiliateLink, now time.Time) string {
	switch {
	case link.Status == enums.LinkStatusExpired:
		return ExpiryReasonStored
	case link.EndDate != nil && now.After(*link.EndDate):
		return ExpiryReasonEndDate
	case !link.Unlimited() && link.CurrentUsage >= link.MaxUsage:
		return ExpiryReasonUsageLimit
	}
	return ""
}

// AcceptsClicks reports whether a visitor may be tracked through the link at now.
// Links whose start date lies in the future are active but not yet clickable.
func AcceptsClicks(link models.AffiliateLink, now time.Time) bool {
	if EffectiveStatus(link, now) != enums.LinkStatusActive {
		return false
	}
	if link.StartDate != nil && now.Before(*link.StartDate) {
		return false
	}
	return true
}

// HasCapacity reports whether one more conversion fits under max_usage.
func HasCapacity(link models.AffiliateLink) bool {
	return link.Unlimited() || link.CurrentUsage < link.MaxUsage
}
