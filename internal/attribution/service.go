package attribution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	"github.com/angelmondragon/affiliate-ledger/internal/ledger"
	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/metrics"
)

const candidateLimit = 100

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type attributionMetrics interface {
	IncAttribution(outcome string)
}

// Purchase is a completed order reported by checkout.
type Purchase struct {
	OrderID       string
	CustomerID    string
	Fingerprint   string
	AffiliateCode string
	Amount        decimal.Decimal
	LineItems     []LineItem
	PurchasedAt   time.Time
}

// Outcome describes what attribution did with a purchase. Result is one of the
// metrics outcome labels.
type Outcome struct {
	Result   string
	Reason   string
	Record   *models.CommissionRecord
	Click    *models.ClickEvent
	Replayed bool
}

// Attributed reports whether the purchase carries a commission record.
func (o Outcome) Attributed() bool {
	return o.Record != nil
}

// Service resolves purchases to the click that referred them.
type Service interface {
	Attribute(ctx context.Context, purchase Purchase) (*Outcome, error)
	PurchaseCompleted(ctx context.Context, purchase Purchase) (*Outcome, error)
}

type ServiceParams struct {
	Clicks  clicks.Repository
	Links   links.Repository
	Records ledger.Repository
	Ledger  ledger.Service
	DB      txRunner
	Logger  *logger.Logger
	Metrics attributionMetrics
	Now     func() time.Time
}

type service struct {
	clicks  clicks.Repository
	links   links.Repository
	records ledger.Repository
	ledger  ledger.Service
	db      txRunner
	logg    *logger.Logger
	metrics attributionMetrics
	now     func() time.Time
}

// NewService wires the conversion attributor.
func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Clicks == nil:
		return nil, fmt.Errorf("clicks repository required")
	case params.Links == nil:
		return nil, fmt.Errorf("links repository required")
	case params.Records == nil:
		return nil, fmt.Errorf("commission repository required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger service required")
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		clicks:  params.Clicks,
		links:   params.Links,
		records: params.Records,
		ledger:  params.Ledger,
		db:      params.DB,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     now,
	}, nil
}

// Attribute applies last-click-wins attribution. Soft outcomes come back as
// NO_ATTRIBUTION or USAGE_LIMIT_EXCEEDED errors; a repeated order id returns
// the existing record.
func (s *service) Attribute(ctx context.Context, purchase Purchase) (*Outcome, error) {
	purchase, err := s.normalize(purchase)
	if err != nil {
		return nil, err
	}

	if existing, err := s.records.FindByOrderID(ctx, purchase.OrderID); err == nil {
		return replayed(existing), nil
	} else if !ledger.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing commission")
	}

	click, err := s.resolveClick(ctx, purchase)
	if err != nil {
		return nil, err
	}

	eligible := EligibleAmount(*click, purchase.Amount, purchase.LineItems)
	if !eligible.IsPositive() {
		return nil, noAttribution("no eligible line items")
	}
	commission := CommissionAmount(*click, eligible)
	if !commission.IsPositive() {
		return nil, noAttribution("commission rounds to zero")
	}

	var outcome *Outcome
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)
		link, err := s.links.WithTx(tx).FindByIDForUpdate(ctx, click.LinkID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock affiliate link")
		}

		if existing, err := records.FindByOrderID(ctx, purchase.OrderID); err == nil {
			outcome = replayed(existing)
			return nil
		} else if !ledger.IsNotFound(err) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing commission")
		}
		if !links.HasCapacity(*link) {
			return pkgerrors.New(pkgerrors.CodeUsageLimitExceeded, "affiliate link usage limit reached").
				WithDetails(map[string]any{"link_id": link.ID.String(), "max_usage": link.MaxUsage})
		}

		record, err := s.ledger.CreatePending(ctx, tx, ledger.CreatePendingInput{
			Link:             link,
			ClickID:          click.ID,
			OrderID:          purchase.OrderID,
			CustomerID:       purchase.CustomerID,
			OrderAmount:      purchase.Amount,
			EligibleAmount:   eligible,
			CommissionAmount: commission,
			ConversionDate:   purchase.PurchasedAt,
		})
		if err != nil {
			return err
		}
		outcome = &Outcome{Result: metrics.OutcomeAttributed, Record: record, Click: click}
		return nil
	})
	if err != nil {
		// a concurrent delivery of the same order won the insert
		if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			if existing, findErr := s.records.FindByOrderID(ctx, purchase.OrderID); findErr == nil {
				return replayed(existing), nil
			}
		}
		return nil, err
	}
	if !outcome.Replayed {
		outcome.Click = click
	}
	return outcome, nil
}

// resolveClick picks the newest click before the purchase whose frozen window
// still covers it. Windows are per click, so an older click can win when a
// newer one has a shorter window.
func (s *service) resolveClick(ctx context.Context, purchase Purchase) (*models.ClickEvent, error) {
	var linkID *uuid.UUID
	if purchase.AffiliateCode != "" {
		link, err := s.links.FindByCode(ctx, purchase.AffiliateCode)
		if err != nil {
			if links.IsNotFound(err) {
				return nil, noAttribution("unknown affiliate code")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load affiliate link")
		}
		linkID = &link.ID
	}

	candidates, err := s.clicks.ListBefore(ctx, purchase.Fingerprint, linkID, purchase.PurchasedAt, candidateLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load candidate clicks")
	}
	for i := range candidates {
		if candidates[i].Covers(purchase.PurchasedAt) {
			return &candidates[i], nil
		}
	}
	return nil, noAttribution("no click inside an attribution window")
}

func (s *service) normalize(purchase Purchase) (Purchase, error) {
	purchase.OrderID = strings.TrimSpace(purchase.OrderID)
	purchase.CustomerID = strings.TrimSpace(purchase.CustomerID)
	purchase.Fingerprint = strings.TrimSpace(purchase.Fingerprint)
	purchase.AffiliateCode = links.NormalizeCode(purchase.AffiliateCode)

	details := map[string]string{}
	if purchase.OrderID == "" {
		details["order_id"] = "is required"
	}
	if purchase.Fingerprint == "" {
		details["fingerprint"] = "is required"
	}
	if purchase.Amount.IsNegative() {
		details["amount"] = "must not be negative"
	}
	for i, item := range purchase.LineItems {
		if item.Quantity <= 0 || item.UnitPrice.IsNegative() {
			details[fmt.Sprintf("line_items[%d]", i)] = "quantity must be positive and price non-negative"
		}
	}
	if len(details) > 0 {
		return purchase, pkgerrors.New(pkgerrors.CodeValidation, "invalid purchase").WithDetails(details)
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = s.now()
	}
	purchase.PurchasedAt = purchase.PurchasedAt.UTC()
	return purchase, nil
}

// PurchaseCompleted is the checkout-facing entry point. Soft outcomes never
// surface as errors so the order always completes; only invalid input and
// infrastructure failures are returned.
func (s *service) PurchaseCompleted(ctx context.Context, purchase Purchase) (*Outcome, error) {
	outcome, err := s.Attribute(ctx, purchase)
	if err != nil {
		if !pkgerrors.IsSoft(err) {
			s.count(metrics.OutcomeError)
			if s.logg != nil {
				logCtx := s.logg.WithOrderID(ctx, purchase.OrderID)
				s.logg.Error(logCtx, "purchase attribution failed", err)
			}
			return nil, err
		}
		typed := pkgerrors.As(err)
		outcome = &Outcome{Result: softResult(typed.Code()), Reason: typed.Message()}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"order_id": purchase.OrderID,
				"outcome":  outcome.Result,
				"reason":   outcome.Reason,
			})
			s.logg.Info(logCtx, "purchase not attributed")
		}
	} else if s.logg != nil && outcome.Record != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":      purchase.OrderID,
			"link_id":       outcome.Record.LinkID.String(),
			"commission_id": outcome.Record.ID.String(),
			"replayed":      outcome.Replayed,
		})
		s.logg.Info(logCtx, "purchase attributed")
	}
	s.count(outcome.Result)
	return outcome, nil
}

func (s *service) count(result string) {
	if s.metrics != nil {
		s.metrics.IncAttribution(result)
	}
}

func softResult(code pkgerrors.Code) string {
	if code == pkgerrors.CodeUsageLimitExceeded {
		return metrics.OutcomeUsageLimit
	}
	return metrics.OutcomeNoAttribution
}

func replayed(record *models.CommissionRecord) *Outcome {
	return &Outcome{Result: metrics.OutcomeReplayed, Record: record, Replayed: true}
}

func noAttribution(reason string) error {
	return pkgerrors.New(pkgerrors.CodeNoAttribution, reason)
}
