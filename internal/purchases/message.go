package purchases

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
)

// LineItem is one product line of a completed order.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Message is the purchase.completed body shared by the HTTP hook and the Pub/Sub consumer.
type Message struct {
	OrderID             string          `json:"order_id"`
	CustomerID          string          `json:"customer_id,omitempty"`
	CustomerFingerprint string          `json:"customer_fingerprint"`
	AffiliateCode       string          `json:"affiliate_code,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	LineItems           []LineItem      `json:"line_items,omitempty"`
	PurchasedAt         *time.Time      `json:"purchased_at,omitempty"`
}

// Purchase converts the wire message into the attribution input.
func (m Message) Purchase() attribution.Purchase {
	items := make([]attribution.LineItem, 0, len(m.LineItems))
	for _, item := range m.LineItems {
		items = append(items, attribution.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	purchase := attribution.Purchase{
		OrderID:       m.OrderID,
		CustomerID:    m.CustomerID,
		Fingerprint:   m.CustomerFingerprint,
		AffiliateCode: m.AffiliateCode,
		Amount:        m.Amount,
		LineItems:     items,
	}
	if m.PurchasedAt != nil {
		purchase.PurchasedAt = *m.PurchasedAt
	}
	return purchase
}
