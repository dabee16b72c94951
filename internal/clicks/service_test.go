package clicks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/dbtest"
	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/metrics"
)

var baseNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	svc    Service
	client *db.Client
	clock  *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	client := dbtest.Open(t)
	c := &clock{now: baseNow}
	svc, err := NewService(ServiceParams{
		Repository:        NewRepository(client.DB()),
		Links:             links.NewRepository(client.DB()),
		DB:                client,
		Metrics:           metrics.NewAffiliateMetrics(prometheus.NewRegistry()),
		DedupWindow:       30 * time.Second,
		AttributionWindow: 30 * 24 * time.Hour,
		Now:               c.Now,
	})
	require.NoError(t, err)
	return fixture{svc: svc, client: client, clock: c}
}

func (f fixture) seedLink(t *testing.T, mutate func(*models.AffiliateLink)) models.AffiliateLink {
	t.Helper()
	link := models.AffiliateLink{
		ID:              uuid.New(),
		Code:            "SPRING" + uuid.NewString()[:4],
		Name:            "Spring",
		CommissionType:  enums.CommissionTypePercentage,
		CommissionValue: decimal.RequireFromString("15"),
		Status:          enums.LinkStatusActive,
		PromotionType:   enums.PromotionTypeGeneral,
		MaxUsage:        models.UnlimitedUsage,
		TotalCommission: decimal.Zero,
	}
	link.Code = links.NormalizeCode(link.Code)
	if mutate != nil {
		mutate(&link)
	}
	require.NoError(t, f.client.DB().Create(&link).Error)
	return link
}

func (f fixture) reload(t *testing.T, id uuid.UUID) models.AffiliateLink {
	t.Helper()
	var link models.AffiliateLink
	require.NoError(t, f.client.DB().Where("id = ?", id).First(&link).Error)
	return link
}

func TestRecordClickStoresSnapshotAndCounts(t *testing.T) {
	f := newFixture(t)
	days := 7
	link := f.seedLink(t, func(l *models.AffiliateLink) {
		l.PromotionType = enums.PromotionTypeSpecific
		l.ApplicableProducts = dbtypes.StringList{"course-a", "course-b"}
		l.AttributionWindowDays = &days
	})

	res, err := f.svc.RecordClick(context.Background(), link.Code, VisitorContext{
		Fingerprint: "fp-1",
		IP:          "203.0.113.7",
		UserAgent:   "Mozilla/5.0",
		LandingPath: "/courses",
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, link.ID, res.Click.LinkID)
	assert.Equal(t, HashIP("203.0.113.7"), res.Click.IPHash)
	assert.NotContains(t, res.Click.IPHash, "203.0.113.7")

	var stored models.ClickEvent
	require.NoError(t, f.client.DB().Where("id = ?", res.Click.ID).First(&stored).Error)
	assert.Equal(t, enums.CommissionTypePercentage, stored.SnapshotCommissionType)
	assert.True(t, stored.SnapshotCommissionValue.Equal(decimal.RequireFromString("15")))
	assert.Equal(t, enums.PromotionTypeSpecific, stored.SnapshotPromotionType)
	assert.ElementsMatch(t, []string{"course-a", "course-b"}, []string(stored.SnapshotApplicableProducts))
	assert.Equal(t, int64(7*24*3600), stored.SnapshotAttributionSeconds)

	assert.Equal(t, int64(1), f.reload(t, link.ID).ClickCount)
}

func TestRecordClickDeduplicatesWithinWindow(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, nil)
	ctx := context.Background()

	first, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-dup"})
	require.NoError(t, err)

	f.clock.now = baseNow.Add(10 * time.Second)
	second, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-dup"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Click.ID, second.Click.ID)
	assert.Equal(t, int64(1), f.reload(t, link.ID).ClickCount)

	other, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-other"})
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)

	f.clock.now = baseNow.Add(31 * time.Second)
	third, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-dup"})
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.NotEqual(t, first.Click.ID, third.Click.ID)
	assert.Equal(t, int64(3), f.reload(t, link.ID).ClickCount)
}

func TestRecordClickConcurrentVisitorsOnOneLink(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, nil)
	ctx := context.Background()

	const visitors = 20
	var wg sync.WaitGroup
	errs := make(chan error, visitors)
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: fmt.Sprintf("fp-burst-%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var stored int64
	require.NoError(t, f.client.DB().Model(&models.ClickEvent{}).Where("link_id = ?", link.ID).Count(&stored).Error)
	assert.Equal(t, int64(visitors), stored)
	assert.Equal(t, int64(visitors), f.reload(t, link.ID).ClickCount)
}

func TestRecordClickRejectsUnusableLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inactive := f.seedLink(t, func(l *models.AffiliateLink) { l.Status = enums.LinkStatusInactive })
	_, err := f.svc.RecordClick(ctx, inactive.Code, VisitorContext{Fingerprint: "fp"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLinkInactive))

	past := baseNow.Add(-time.Hour)
	ended := f.seedLink(t, func(l *models.AffiliateLink) { l.EndDate = &past })
	_, err = f.svc.RecordClick(ctx, ended.Code, VisitorContext{Fingerprint: "fp"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLinkInactive))

	future := baseNow.Add(time.Hour)
	pending := f.seedLink(t, func(l *models.AffiliateLink) { l.StartDate = &future })
	_, err = f.svc.RecordClick(ctx, pending.Code, VisitorContext{Fingerprint: "fp"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLinkInactive))

	exhausted := f.seedLink(t, func(l *models.AffiliateLink) { l.MaxUsage = 1; l.CurrentUsage = 1 })
	_, err = f.svc.RecordClick(ctx, exhausted.Code, VisitorContext{Fingerprint: "fp"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeLinkInactive))

	_, err = f.svc.RecordClick(ctx, "MISSING1", VisitorContext{Fingerprint: "fp"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = f.svc.RecordClick(ctx, inactive.Code, VisitorContext{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	var count int64
	require.NoError(t, f.client.DB().Model(&models.ClickEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSnapshotIsFrozenAgainstLinkEdits(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, nil)
	ctx := context.Background()

	res, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-freeze"})
	require.NoError(t, err)

	require.NoError(t, f.client.DB().Model(&models.AffiliateLink{}).
		Where("id = ?", link.ID).
		Update("commission_value", decimal.RequireFromString("40")).Error)

	var stored models.ClickEvent
	require.NoError(t, f.client.DB().Where("id = ?", res.Click.ID).First(&stored).Error)
	assert.True(t, stored.SnapshotCommissionValue.Equal(decimal.RequireFromString("15")))
	assert.Equal(t, int64(30*24*3600), stored.SnapshotAttributionSeconds)
}

func TestGetRecentClick(t *testing.T) {
	f := newFixture(t)
	link := f.seedLink(t, nil)
	ctx := context.Background()

	res, err := f.svc.RecordClick(ctx, link.Code, VisitorContext{Fingerprint: "fp-recent"})
	require.NoError(t, err)

	f.clock.now = baseNow.Add(time.Minute)
	found, err := f.svc.GetRecentClick(ctx, link.ID, "fp-recent", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, res.Click.ID, found.ID)

	_, err = f.svc.GetRecentClick(ctx, link.ID, "fp-recent", 30*time.Second)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestHashIP(t *testing.T) {
	assert.Empty(t, HashIP("  "))
	assert.Len(t, HashIP("198.51.100.1"), 64)
	assert.Equal(t, HashIP("198.51.100.1"), HashIP(" 198.51.100.1 "))
}
