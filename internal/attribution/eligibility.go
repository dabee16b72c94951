package attribution

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

var hundred = decimal.NewFromInt(100)

// LineItem is one product line of a completed order.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Total returns quantity times unit price.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// EligibleAmount returns the part of the order the click's frozen terms pay
// commission on. General promotions cover the full order amount; specific ones
// only the lines whose product is listed. The result never exceeds the amount
// actually charged, so order-level discounts are not paid on.
func EligibleAmount(click models.ClickEvent, amount decimal.Decimal, items []LineItem) decimal.Decimal {
	if click.SnapshotPromotionType != enums.PromotionTypeSpecific {
		return amount
	}
	eligible := decimal.Zero
	for _, item := range items {
		if click.SnapshotApplicableProducts.Contains(strings.TrimSpace(item.ProductID)) {
			eligible = eligible.Add(item.Total())
		}
	}
	return decimal.Min(eligible, amount)
}

// CommissionAmount applies the click's frozen commission terms. Percentages
// round half to even at two decimals; fixed commissions pay once per order.
func CommissionAmount(click models.ClickEvent, eligible decimal.Decimal) decimal.Decimal {
	if !eligible.IsPositive() {
		return decimal.Zero
	}
	switch click.SnapshotCommissionType {
	case enums.CommissionTypeFixed:
		return click.SnapshotCommissionValue.RoundBank(2)
	default:
		return eligible.Mul(click.SnapshotCommissionValue).Div(hundred).RoundBank(2)
	}
}
