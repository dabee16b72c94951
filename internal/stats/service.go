package stats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/redis"
)

const defaultCacheTTL = 30 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type driftMetrics interface {
	IncDrift()
}

// StatusBreakdown is the count and amount of commissions in one status.
type StatusBreakdown struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Totals are the replayed aggregates shared by link and global stats.
// Cancelled commissions are excluded from ConversionCount and TotalCommission.
type Totals struct {
	ClickCount                     int64                                      `json:"click_count"`
	ConversionCount                int64                                      `json:"conversion_count"`
	TotalCommission                decimal.Decimal                            `json:"total_commission"`
	ConversionRate                 float64                                    `json:"conversion_rate"`
	AverageCommissionPerConversion decimal.Decimal                            `json:"average_commission_per_conversion"`
	ByStatus                       map[enums.CommissionStatus]StatusBreakdown `json:"by_status"`
}

// LinkStats are the replayed figures for one link.
type LinkStats struct {
	LinkID uuid.UUID `json:"link_id"`
	Code   string    `json:"code"`
	Totals
}

// GlobalFilters narrow global stats. Link filters use the effective status;
// From/To bound clicks by occurred_at and commissions by conversion_date.
type GlobalFilters struct {
	Links links.ListFilters
	From  *time.Time
	To    *time.Time
}

// GlobalStats aggregates every link matching the filters.
type GlobalStats struct {
	LinkCount int64 `json:"link_count"`
	Totals
}

// Drift compares a link's cached counters with the replayed streams.
type Drift struct {
	LinkID   uuid.UUID      `json:"link_id"`
	Cached   links.Counters `json:"cached"`
	Replayed links.Counters `json:"replayed"`
	Drifted  bool           `json:"drifted"`
	Repaired bool           `json:"repaired"`
}

// Service computes statistics from the event streams.
type Service interface {
	ComputeLinkStats(ctx context.Context, linkID uuid.UUID) (*LinkStats, error)
	ComputeGlobalStats(ctx context.Context, filters GlobalFilters) (*GlobalStats, error)
	Reconcile(ctx context.Context, linkID uuid.UUID, repair bool) (*Drift, error)
	ReconcileAll(ctx context.Context, repair bool) ([]Drift, error)
}

type ServiceParams struct {
	Repository Repository
	Links      links.Repository
	DB         txRunner
	Cache      redis.Cache
	CacheTTL   time.Duration
	Logger     *logger.Logger
	Metrics    driftMetrics
	Now        func() time.Time
}

type service struct {
	repo     Repository
	links    links.Repository
	db       txRunner
	cache    redis.Cache
	cacheTTL time.Duration
	logg     *logger.Logger
	metrics  driftMetrics
	now      func() time.Time
}

// NewService wires the stats aggregator. Cache is optional.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("stats repository required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("links repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	ttl := params.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:     params.Repository,
		links:    params.Links,
		db:       params.DB,
		cache:    params.Cache,
		cacheTTL: ttl,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      now,
	}, nil
}

func (s *service) ComputeLinkStats(ctx context.Context, linkID uuid.UUID) (*LinkStats, error) {
	link, err := s.links.FindByID(ctx, linkID)
	if err != nil {
		if links.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "affiliate link not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load affiliate link")
	}
	totals, err := s.replay(ctx, s.repo, Scope{LinkID: &link.ID, Now: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	return &LinkStats{LinkID: link.ID, Code: link.Code, Totals: *totals}, nil
}

func (s *service) ComputeGlobalStats(ctx context.Context, filters GlobalFilters) (*GlobalStats, error) {
	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "date range end precedes start")
	}

	key := ""
	if s.cache != nil {
		key = s.cache.CacheKey("stats", "global", fingerprintFilters(filters))
		if raw, err := s.cache.Get(ctx, key); err == nil && raw != "" {
			var cached GlobalStats
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return &cached, nil
			}
		}
	}

	linkFilters := filters.Links
	scope := Scope{LinkFilters: &linkFilters, From: filters.From, To: filters.To, Now: s.now().UTC()}
	linkCount, err := s.repo.CountLinks(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count links")
	}
	totals, err := s.replay(ctx, s.repo, scope)
	if err != nil {
		return nil, err
	}
	result := &GlobalStats{LinkCount: linkCount, Totals: *totals}

	if s.cache != nil {
		if payload, err := json.Marshal(result); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil && s.logg != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "global stats cache write failed")
			}
		}
	}
	return result, nil
}

func (s *service) replay(ctx context.Context, repo Repository, scope Scope) (*Totals, error) {
	clicks, err := repo.CountClicks(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count clicks")
	}
	rows, err := repo.CommissionTotals(ctx, scope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum commissions")
	}
	return buildTotals(clicks, rows), nil
}

func buildTotals(clicks int64, rows []StatusTotal) *Totals {
	totals := &Totals{
		ClickCount:                     clicks,
		TotalCommission:                decimal.Zero,
		AverageCommissionPerConversion: decimal.Zero,
		ByStatus:                       map[enums.CommissionStatus]StatusBreakdown{},
	}
	for _, status := range []enums.CommissionStatus{
		enums.CommissionStatusPending,
		enums.CommissionStatusApproved,
		enums.CommissionStatusPaid,
		enums.CommissionStatusCancelled,
	} {
		totals.ByStatus[status] = StatusBreakdown{Amount: decimal.Zero}
	}
	for _, row := range rows {
		amount := decimal.Zero
		if row.Amount.Valid {
			amount = row.Amount.Decimal.Round(2)
		}
		totals.ByStatus[row.Status] = StatusBreakdown{Count: row.Count, Amount: amount}
		if row.Status == enums.CommissionStatusCancelled {
			continue
		}
		totals.ConversionCount += row.Count
		totals.TotalCommission = totals.TotalCommission.Add(amount)
	}
	if totals.ClickCount > 0 {
		totals.ConversionRate = float64(totals.ConversionCount) / float64(totals.ClickCount)
	}
	if totals.ConversionCount > 0 {
		totals.AverageCommissionPerConversion = totals.TotalCommission.
			Div(decimal.NewFromInt(totals.ConversionCount)).
			RoundBank(2)
	}
	return totals
}

// Reconcile replays the streams for one link and compares them with the cached
// counters. With repair the cache is rewritten under the link lock.
func (s *service) Reconcile(ctx context.Context, linkID uuid.UUID, repair bool) (*Drift, error) {
	var drift *Drift
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		linkRepo := s.links.WithTx(tx)
		link, err := linkRepo.FindByIDForUpdate(ctx, linkID)
		if err != nil {
			if links.IsNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "affiliate link not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock affiliate link")
		}
		totals, err := s.replay(ctx, NewRepository(tx), Scope{LinkID: &link.ID, Now: s.now().UTC()})
		if err != nil {
			return err
		}
		replayed := links.Counters{
			ClickCount:      totals.ClickCount,
			ConversionCount: totals.ConversionCount,
			CurrentUsage:    int(totals.ConversionCount),
			TotalCommission: totals.TotalCommission,
		}
		cached := links.CountersOf(*link)
		drift = &Drift{
			LinkID:   link.ID,
			Cached:   cached,
			Replayed: replayed,
			Drifted:  !countersEqual(cached, replayed),
		}
		if drift.Drifted && repair {
			if err := linkRepo.UpdateCounters(ctx, link.ID, replayed); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "repair link counters")
			}
			drift.Repaired = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if drift.Drifted {
		if s.metrics != nil {
			s.metrics.IncDrift()
		}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"link_id":  drift.LinkID.String(),
				"repaired": drift.Repaired,
			})
			s.logg.Warn(logCtx, "link counters drifted from event streams")
		}
	}
	return drift, nil
}

// ReconcileAll checks every link and returns the drifted ones. A failure on one
// link does not stop the rest.
func (s *service) ReconcileAll(ctx context.Context, repair bool) ([]Drift, error) {
	ids, err := s.links.ListIDs(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list links")
	}
	var (
		drifted []Drift
		errs    error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, multierr.Append(errs, err)
		}
		drift, err := s.Reconcile(ctx, id, repair)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link %s: %w", id, err))
			continue
		}
		if drift.Drifted {
			drifted = append(drifted, *drift)
		}
	}
	return drifted, errs
}

// countersEqual compares money at the column's two-decimal scale.
func countersEqual(a, b links.Counters) bool {
	return a.ClickCount == b.ClickCount &&
		a.ConversionCount == b.ConversionCount &&
		a.CurrentUsage == b.CurrentUsage &&
		a.TotalCommission.Round(2).Equal(b.TotalCommission.Round(2))
}

func fingerprintFilters(filters GlobalFilters) string {
	raw, _ := json.Marshal(filters)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
