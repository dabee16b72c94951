package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
)

var baseNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

type memoryCache struct {
	values map[string]string
	sets   int
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return "", errors.New("miss")
}

func (m *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	case string:
		m.values[key] = v
	}
	m.sets++
	return nil
}

func (m *memoryCache) CacheKey(parts ...string) string {
	key := "test"
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func newService(t *testing.T, cache *memoryCache) (Service, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	params := ServiceParams{
		Repository: NewRepository(client.DB()),
		Links:      links.NewRepository(client.DB()),
		DB:         client,
		Now:        func() time.Time { return baseNow },
	}
	if cache != nil {
		params.Cache = cache
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return svc, client
}

func seedLink(t *testing.T, client *db.Client, code string, commissionType enums.CommissionType) models.AffiliateLink {
	t.Helper()
	link := models.AffiliateLink{
		ID:              uuid.New(),
		Code:            code,
		Name:            code,
		CommissionType:  commissionType,
		CommissionValue: decimal.NewFromInt(10),
		Status:          enums.LinkStatusActive,
		PromotionType:   enums.PromotionTypeGeneral,
		MaxUsage:        models.UnlimitedUsage,
		TotalCommission: decimal.Zero,
	}
	require.NoError(t, client.DB().Create(&link).Error)
	return link
}

func seedClicks(t *testing.T, client *db.Client, linkID uuid.UUID, n int, at time.Time) []models.ClickEvent {
	t.Helper()
	out := make([]models.ClickEvent, 0, n)
	for i := 0; i < n; i++ {
		click := models.ClickEvent{
			LinkID:                     linkID,
			Fingerprint:                uuid.NewString(),
			OccurredAt:                 at.Add(time.Duration(i) * time.Minute),
			SnapshotCommissionType:     enums.CommissionTypeFixed,
			SnapshotCommissionValue:    decimal.NewFromInt(10),
			SnapshotPromotionType:      enums.PromotionTypeGeneral,
			SnapshotAttributionSeconds: 86400,
		}
		require.NoError(t, client.DB().Create(&click).Error)
		out = append(out, click)
	}
	return out
}

func seedRecord(t *testing.T, client *db.Client, link models.AffiliateLink, click models.ClickEvent, amount string, status enums.CommissionStatus, at time.Time) {
	t.Helper()
	record := models.CommissionRecord{
		LinkID:           link.ID,
		ClickID:          click.ID,
		OrderID:          uuid.NewString(),
		OrderAmount:      decimal.RequireFromString("100"),
		EligibleAmount:   decimal.RequireFromString("100"),
		CommissionAmount: decimal.RequireFromString(amount),
		Status:           status,
		ConversionDate:   at,
	}
	require.NoError(t, client.DB().Create(&record).Error)
}

func setCounters(t *testing.T, client *db.Client, id uuid.UUID, counters links.Counters) {
	t.Helper()
	require.NoError(t, links.NewRepository(client.DB()).UpdateCounters(context.Background(), id, counters))
}

func TestComputeLinkStatsReplaysStreams(t *testing.T) {
	svc, client := newService(t, nil)
	link := seedLink(t, client, "STATS01", enums.CommissionTypePercentage)
	clicks := seedClicks(t, client, link.ID, 4, baseNow.Add(-time.Hour))
	seedRecord(t, client, link, clicks[0], "44.85", enums.CommissionStatusPending, baseNow)
	seedRecord(t, client, link, clicks[1], "60.00", enums.CommissionStatusApproved, baseNow)
	seedRecord(t, client, link, clicks[2], "180.00", enums.CommissionStatusCancelled, baseNow)

	stats, err := svc.ComputeLinkStats(context.Background(), link.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.ClickCount)
	assert.Equal(t, int64(2), stats.ConversionCount)
	assert.Equal(t, "104.85", stats.TotalCommission.StringFixed(2))
	assert.InDelta(t, 0.5, stats.ConversionRate, 1e-9)
	assert.Equal(t, "52.42", stats.AverageCommissionPerConversion.StringFixed(2))
	assert.Equal(t, int64(1), stats.ByStatus[enums.CommissionStatusCancelled].Count)
	assert.Equal(t, int64(0), stats.ByStatus[enums.CommissionStatusPaid].Count)
}

func TestComputeLinkStatsWithoutClicks(t *testing.T) {
	svc, client := newService(t, nil)
	link := seedLink(t, client, "EMPTY01", enums.CommissionTypeFixed)

	stats, err := svc.ComputeLinkStats(context.Background(), link.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.ConversionRate)
	assert.True(t, stats.AverageCommissionPerConversion.IsZero())

	_, err = svc.ComputeLinkStats(context.Background(), uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestComputeGlobalStatsFiltersAndCaches(t *testing.T) {
	cache := &memoryCache{values: map[string]string{}}
	svc, client := newService(t, cache)
	pct := seedLink(t, client, "GLOBALP", enums.CommissionTypePercentage)
	fixed := seedLink(t, client, "GLOBALF", enums.CommissionTypeFixed)

	pctClicks := seedClicks(t, client, pct.ID, 2, baseNow.Add(-48*time.Hour))
	fixedClicks := seedClicks(t, client, fixed.ID, 3, baseNow.Add(-2*time.Hour))
	seedRecord(t, client, pct, pctClicks[0], "10.00", enums.CommissionStatusPaid, baseNow.Add(-47*time.Hour))
	seedRecord(t, client, fixed, fixedClicks[0], "5.00", enums.CommissionStatusPending, baseNow.Add(-time.Hour))

	ctx := context.Background()
	all, err := svc.ComputeGlobalStats(ctx, GlobalFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.LinkCount)
	assert.Equal(t, int64(5), all.ClickCount)
	assert.Equal(t, int64(2), all.ConversionCount)
	assert.Equal(t, "15.00", all.TotalCommission.StringFixed(2))

	commissionType := enums.CommissionTypeFixed
	onlyFixed, err := svc.ComputeGlobalStats(ctx, GlobalFilters{Links: links.ListFilters{CommissionType: &commissionType}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), onlyFixed.LinkCount)
	assert.Equal(t, int64(3), onlyFixed.ClickCount)
	assert.Equal(t, "5.00", onlyFixed.TotalCommission.StringFixed(2))

	from := baseNow.Add(-24 * time.Hour)
	recent, err := svc.ComputeGlobalStats(ctx, GlobalFilters{From: &from})
	require.NoError(t, err)
	assert.Equal(t, int64(3), recent.ClickCount)
	assert.Equal(t, int64(1), recent.ConversionCount)

	sets := cache.sets
	cached, err := svc.ComputeGlobalStats(ctx, GlobalFilters{})
	require.NoError(t, err)
	assert.Equal(t, sets, cache.sets, "second identical query is served from cache")
	assert.Equal(t, all.ClickCount, cached.ClickCount)

	to := from.Add(-time.Hour)
	_, err = svc.ComputeGlobalStats(ctx, GlobalFilters{From: &from, To: &to})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestReconcileDetectsAndRepairsDrift(t *testing.T) {
	svc, client := newService(t, nil)
	link := seedLink(t, client, "DRIFT01", enums.CommissionTypeFixed)
	clicks := seedClicks(t, client, link.ID, 3, baseNow.Add(-time.Hour))
	seedRecord(t, client, link, clicks[0], "20.00", enums.CommissionStatusApproved, baseNow)
	seedRecord(t, client, link, clicks[1], "20.00", enums.CommissionStatusCancelled, baseNow)

	exact := links.Counters{ClickCount: 3, ConversionCount: 1, CurrentUsage: 1, TotalCommission: decimal.RequireFromString("20")}
	setCounters(t, client, link.ID, exact)

	ctx := context.Background()
	drift, err := svc.Reconcile(ctx, link.ID, false)
	require.NoError(t, err)
	assert.False(t, drift.Drifted, "cached counters equal the replayed log")

	setCounters(t, client, link.ID, links.Counters{ClickCount: 7, ConversionCount: 2, CurrentUsage: 2, TotalCommission: decimal.RequireFromString("40")})
	drift, err = svc.Reconcile(ctx, link.ID, false)
	require.NoError(t, err)
	assert.True(t, drift.Drifted)
	assert.False(t, drift.Repaired)

	drifted, err := svc.ReconcileAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.True(t, drifted[0].Repaired)

	stored, err := links.NewRepository(client.DB()).FindByID(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.ClickCount)
	assert.Equal(t, 1, stored.CurrentUsage)
	assert.True(t, stored.TotalCommission.Equal(decimal.RequireFromString("20")))
}
