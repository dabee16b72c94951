package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
)

// Scope selects the slice of the click and commission streams to replay.
// A nil LinkFilters means every link.
type Scope struct {
	LinkID      *uuid.UUID
	LinkFilters *links.ListFilters
	From        *time.Time
	To          *time.Time
	Now         time.Time
}

// StatusTotal is one row of the per-status commission rollup.
type StatusTotal struct {
	Status enums.CommissionStatus
	Count  int64
	Amount decimal.NullDecimal
}

// Repository runs the read-only replay queries.
type Repository interface {
	CountLinks(ctx context.Context, scope Scope) (int64, error)
	CountClicks(ctx context.Context, scope Scope) (int64, error)
	CommissionTotals(ctx context.Context, scope Scope) ([]StatusTotal, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a stats repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CountLinks(ctx context.Context, scope Scope) (int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AffiliateLink{})
	if scope.LinkID != nil {
		query = query.Where("id = ?", *scope.LinkID)
	}
	if scope.LinkFilters != nil {
		query = links.ApplyFilters(query, *scope.LinkFilters, scope.Now)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (r *repository) CountClicks(ctx context.Context, scope Scope) (int64, error) {
	query := r.scoped(ctx, &models.ClickEvent{}, scope, "occurred_at")
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (r *repository) CommissionTotals(ctx context.Context, scope Scope) ([]StatusTotal, error) {
	query := r.scoped(ctx, &models.CommissionRecord{}, scope, "conversion_date")
	var rows []StatusTotal
	err := query.
		Select("status AS status, COUNT(*) AS count, SUM(commission_amount) AS amount").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

func (r *repository) scoped(ctx context.Context, model any, scope Scope, dateColumn string) *gorm.DB {
	query := r.db.WithContext(ctx).Model(model)
	if scope.LinkID != nil {
		query = query.Where("link_id = ?", *scope.LinkID)
	}
	if scope.LinkFilters != nil {
		sub := links.ApplyFilters(r.db.Model(&models.AffiliateLink{}).Select("id"), *scope.LinkFilters, scope.Now)
		query = query.Where("link_id IN (?)", sub)
	}
	if scope.From != nil {
		query = query.Where(dateColumn+" >= ?", scope.From.UTC())
	}
	if scope.To != nil {
		query = query.Where(dateColumn+" <= ?", scope.To.UTC())
	}
	return query
}
