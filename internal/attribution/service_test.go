package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	"github.com/angelmondragon/affiliate-ledger/internal/ledger"
	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/dbtest"
	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/metrics"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox"
)

var baseNow = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	client   *db.Client
	clicks   clicks.Service
	ledger   ledger.Service
	svc      Service
	linkRepo links.Repository
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	f := &fixture{client: client, now: baseNow}
	clock := func() time.Time { return f.now }
	reg := metrics.NewAffiliateMetrics(prometheus.NewRegistry())

	f.linkRepo = links.NewRepository(client.DB())
	clickRepo := clicks.NewRepository(client.DB())
	recordRepo := ledger.NewRepository(client.DB())
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)

	var err error
	f.clicks, err = clicks.NewService(clicks.ServiceParams{
		Repository:        clickRepo,
		Links:             f.linkRepo,
		DB:                client,
		DedupWindow:       30 * time.Second,
		AttributionWindow: 30 * 24 * time.Hour,
		Now:               clock,
	})
	require.NoError(t, err)
	f.ledger, err = ledger.NewService(ledger.ServiceParams{
		Repository: recordRepo,
		Links:      f.linkRepo,
		DB:         client,
		Outbox:     emitter,
		Now:        clock,
	})
	require.NoError(t, err)
	f.svc, err = NewService(ServiceParams{
		Clicks:  clickRepo,
		Links:   f.linkRepo,
		Records: recordRepo,
		Ledger:  f.ledger,
		DB:      client,
		Metrics: reg,
		Now:     clock,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) seedLink(t *testing.T, code string, mutate func(*models.AffiliateLink)) models.AffiliateLink {
	t.Helper()
	link := models.AffiliateLink{
		ID:              uuid.New(),
		Code:            code,
		Name:            code,
		CommissionType:  enums.CommissionTypePercentage,
		CommissionValue: d("15"),
		Status:          enums.LinkStatusActive,
		PromotionType:   enums.PromotionTypeGeneral,
		MaxUsage:        models.UnlimitedUsage,
		TotalCommission: decimal.Zero,
	}
	if mutate != nil {
		mutate(&link)
	}
	require.NoError(t, f.client.DB().Create(&link).Error)
	return link
}

func (f *fixture) click(t *testing.T, code, fingerprint string) *models.ClickEvent {
	t.Helper()
	res, err := f.clicks.RecordClick(context.Background(), code, clicks.VisitorContext{Fingerprint: fingerprint})
	require.NoError(t, err)
	return res.Click
}

func (f *fixture) link(t *testing.T, id uuid.UUID) *models.AffiliateLink {
	t.Helper()
	link, err := f.linkRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return link
}

func (f *fixture) recordCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.client.DB().Model(&models.CommissionRecord{}).Count(&count).Error)
	return count
}

func TestSpecificPromotionCommission(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "REACT_BASIC_001", func(l *models.AffiliateLink) {
		l.PromotionType = enums.PromotionTypeSpecific
		l.ApplicableProducts = dbtypes.StringList{"1"}
	})
	f.click(t, link.Code, "visitor-1")

	f.now = baseNow.Add(2 * time.Hour)
	outcome, err := f.svc.Attribute(context.Background(), Purchase{
		OrderID:     "order-react",
		Fingerprint: "visitor-1",
		Amount:      d("299"),
		LineItems:   []LineItem{{ProductID: "1", Quantity: 1, UnitPrice: d("299")}},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, metrics.OutcomeAttributed, outcome.Result)
	assert.Equal(t, "44.85", outcome.Record.CommissionAmount.StringFixed(2))
	assert.Equal(t, enums.CommissionStatusPending, outcome.Record.Status)
	assert.Equal(t, int64(1), f.recordCount(t))

	stored := f.link(t, link.ID)
	assert.Equal(t, 1, stored.CurrentUsage)
	assert.Equal(t, "44.85", stored.TotalCommission.StringFixed(2))
}

func TestDiscountedOrderPaysOnChargedAmount(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "COUPON01", func(l *models.AffiliateLink) {
		l.PromotionType = enums.PromotionTypeSpecific
		l.ApplicableProducts = dbtypes.StringList{"1"}
	})
	f.click(t, link.Code, "visitor-coupon")

	f.now = baseNow.Add(time.Hour)
	outcome, err := f.svc.Attribute(context.Background(), Purchase{
		OrderID:     "order-coupon",
		Fingerprint: "visitor-coupon",
		Amount:      d("100"),
		LineItems:   []LineItem{{ProductID: "1", Quantity: 1, UnitPrice: d("299")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "100.00", outcome.Record.EligibleAmount.StringFixed(2))
	assert.Equal(t, "15.00", outcome.Record.CommissionAmount.StringFixed(2))
}

func TestGeneralPercentageRounding(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "GENERAL15", nil)
	f.click(t, link.Code, "visitor-2")
	f.now = baseNow.Add(time.Minute)

	outcome, err := f.svc.Attribute(context.Background(), Purchase{OrderID: "order-400", Fingerprint: "visitor-2", Amount: d("400")})
	require.NoError(t, err)
	assert.Equal(t, "60.00", outcome.Record.CommissionAmount.StringFixed(2))
}

func TestUsageLimitBlocksAttribution(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "CAPPED50", func(l *models.AffiliateLink) {
		l.MaxUsage = 50
		l.CurrentUsage = 49
	})
	f.click(t, link.Code, "visitor-cap")
	require.NoError(t, f.client.DB().Model(&models.AffiliateLink{}).Where("id = ?", link.ID).Update("current_usage", 50).Error)

	f.now = baseNow.Add(time.Hour)
	purchase := Purchase{OrderID: "order-cap", Fingerprint: "visitor-cap", Amount: d("100")}

	_, err := f.svc.Attribute(context.Background(), purchase)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUsageLimitExceeded))

	outcome, err := f.svc.PurchaseCompleted(context.Background(), purchase)
	require.NoError(t, err, "purchase flow never fails on soft outcomes")
	assert.Equal(t, metrics.OutcomeUsageLimit, outcome.Result)
	assert.False(t, outcome.Attributed())

	assert.Zero(t, f.recordCount(t))
	assert.Equal(t, 50, f.link(t, link.ID).CurrentUsage)
}

func TestLastClickWins(t *testing.T) {
	f := newFixture(t)
	first := f.seedLink(t, "FIRST01", nil)
	second := f.seedLink(t, "SECOND01", func(l *models.AffiliateLink) {
		l.CommissionType = enums.CommissionTypeFixed
		l.CommissionValue = d("10")
	})

	f.click(t, first.Code, "visitor-multi")
	f.now = baseNow.Add(time.Hour)
	f.click(t, second.Code, "visitor-multi")
	f.now = baseNow.Add(2 * time.Hour)

	outcome, err := f.svc.Attribute(context.Background(), Purchase{OrderID: "order-multi", Fingerprint: "visitor-multi", Amount: d("50")})
	require.NoError(t, err)
	assert.Equal(t, second.ID, outcome.Record.LinkID)
	assert.Equal(t, "10.00", outcome.Record.CommissionAmount.StringFixed(2))

	f.now = baseNow.Add(3 * time.Hour)
	coded, err := f.svc.Attribute(context.Background(), Purchase{OrderID: "order-coded", Fingerprint: "visitor-multi", AffiliateCode: "first01", Amount: d("100")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, coded.Record.LinkID, "code carried through checkout restricts candidates")
}

func TestWindowIsFrozenAtClickTime(t *testing.T) {
	f := newFixture(t)
	days := 1
	link := f.seedLink(t, "SHORTWIN", func(l *models.AffiliateLink) { l.AttributionWindowDays = &days })
	f.click(t, link.Code, "visitor-window")

	longer := 60
	require.NoError(t, f.client.DB().Model(&models.AffiliateLink{}).Where("id = ?", link.ID).Update("attribution_window_days", longer).Error)

	f.now = baseNow.Add(48 * time.Hour)
	_, err := f.svc.Attribute(context.Background(), Purchase{OrderID: "order-late", Fingerprint: "visitor-window", Amount: d("100")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNoAttribution))
}

func TestReplayAndRepeatOrders(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "REPLAY01", nil)
	f.click(t, link.Code, "visitor-replay")
	f.now = baseNow.Add(time.Minute)
	ctx := context.Background()

	purchase := Purchase{OrderID: "order-replay", Fingerprint: "visitor-replay", Amount: d("100")}
	first, err := f.svc.Attribute(ctx, purchase)
	require.NoError(t, err)

	again, err := f.svc.Attribute(ctx, purchase)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record.ID, again.Record.ID)
	assert.Equal(t, int64(1), f.recordCount(t))
	assert.Equal(t, 1, f.link(t, link.ID).CurrentUsage)

	f.now = baseNow.Add(48 * time.Hour)
	second, err := f.svc.Attribute(ctx, Purchase{OrderID: "order-second", Fingerprint: "visitor-replay", Amount: d("100")})
	require.NoError(t, err, "a returning customer inside the window is attributed again")
	assert.False(t, second.Replayed)
	assert.Equal(t, first.Record.ClickID, second.Record.ClickID)
	assert.NotEqual(t, first.Record.ID, second.Record.ID)

	_, err = f.ledger.Cancel(ctx, first.Record.ID, "refund")
	require.NoError(t, err)
	third, err := f.svc.Attribute(ctx, Purchase{OrderID: "order-third", Fingerprint: "visitor-replay", Amount: d("100")})
	require.NoError(t, err)
	assert.NotNil(t, third.Record)

	assert.Equal(t, int64(3), f.recordCount(t))
	reloaded := f.link(t, link.ID)
	assert.Equal(t, 2, reloaded.CurrentUsage)
	assert.Equal(t, int64(2), reloaded.ConversionCount)
	assert.Equal(t, "30.00", reloaded.TotalCommission.StringFixed(2))
}

func TestRepeatClickKeepsAttributingOrders(t *testing.T) {
	f := newFixture(t)
	other := f.seedLink(t, "OTHER01", nil)
	repeat := f.seedLink(t, "REPEAT01", nil)
	ctx := context.Background()

	f.click(t, other.Code, "visitor-loyal")
	f.now = baseNow.Add(time.Hour)
	f.click(t, repeat.Code, "visitor-loyal")

	f.now = baseNow.Add(2 * time.Hour)
	o3, err := f.svc.PurchaseCompleted(ctx, Purchase{OrderID: "o3", Fingerprint: "visitor-loyal", Amount: d("100")})
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeAttributed, o3.Result)
	assert.Equal(t, repeat.ID, o3.Record.LinkID)

	f.now = baseNow.Add(50 * time.Hour)
	o4, err := f.svc.PurchaseCompleted(ctx, Purchase{OrderID: "o4", Fingerprint: "visitor-loyal", Amount: d("40")})
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeAttributed, o4.Result)
	assert.Equal(t, repeat.ID, o4.Record.LinkID, "the newest click keeps winning")
	assert.Equal(t, "6.00", o4.Record.CommissionAmount.StringFixed(2))

	assert.Equal(t, int64(2), f.link(t, repeat.ID).ConversionCount)
	assert.Zero(t, f.link(t, other.ID).ConversionCount)
}

func TestNoAttributionCases(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, "SPECIFIC1", func(l *models.AffiliateLink) {
		l.PromotionType = enums.PromotionTypeSpecific
		l.ApplicableProducts = dbtypes.StringList{"course-9"}
	})
	ctx := context.Background()

	outcome, err := f.svc.PurchaseCompleted(ctx, Purchase{OrderID: "order-none", Fingerprint: "stranger", Amount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeNoAttribution, outcome.Result)

	f.click(t, link.Code, "visitor-edge")
	_, err = f.svc.Attribute(ctx, Purchase{OrderID: "order-same-instant", Fingerprint: "visitor-edge", Amount: d("10")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNoAttribution), "click must precede the purchase")

	f.now = baseNow.Add(time.Minute)
	_, err = f.svc.Attribute(ctx, Purchase{
		OrderID:     "order-ineligible",
		Fingerprint: "visitor-edge",
		Amount:      d("10"),
		LineItems:   []LineItem{{ProductID: "other", Quantity: 1, UnitPrice: d("10")}},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNoAttribution))

	_, err = f.svc.Attribute(ctx, Purchase{OrderID: "order-bad-code", Fingerprint: "visitor-edge", AffiliateCode: "NOPE99", Amount: d("10")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNoAttribution))

	_, err = f.svc.PurchaseCompleted(ctx, Purchase{Fingerprint: "visitor-edge", Amount: d("10")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "invalid input is a hard error")
	assert.Zero(t, f.recordCount(t))
}
