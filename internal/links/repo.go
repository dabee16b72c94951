package links

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

// Repository manages persistence for affiliate links.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, link *models.AffiliateLink) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error)
	FindByCode(ctx context.Context, code string) (*models.AffiliateLink, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error)
	Save(ctx context.Context, link *models.AffiliateLink) error
	UpdateCounters(ctx context.Context, id uuid.UUID, counters Counters) error
	IncrementCounters(ctx context.Context, id uuid.UUID, delta Counters) (Counters, error)
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context, filters ListFilters, sort Sort, page pagination.OffsetParams, now time.Time) ([]models.AffiliateLink, int64, error)
	ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]models.AffiliateLink, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ErrUsageCapReached is returned by IncrementCounters when adding usage would
// take the link past its max_usage.
var ErrUsageCapReached = errors.New("affiliate link usage cap reached")

// Counters are the cached aggregates stored on the link row. As an increment
// every field is a delta and may be negative.
type Counters struct {
	ClickCount      int64           `json:"click_count"`
	ConversionCount int64           `json:"conversion_count"`
	CurrentUsage    int             `json:"current_usage"`
	TotalCommission decimal.Decimal `json:"total_commission"`
}

// CountersOf extracts the cached counters from a link.
func CountersOf(link models.AffiliateLink) Counters {
	return Counters{
		ClickCount:      link.ClickCount,
		ConversionCount: link.ConversionCount,
		CurrentUsage:    link.CurrentUsage,
		TotalCommission: link.TotalCommission,
	}
}

// ListFilters narrows link listings. Status matches the effective status.
type ListFilters struct {
	Status         *enums.LinkStatus
	CommissionType *enums.CommissionType
	PromotionType  *enums.PromotionType
	Search         string
}

// Sort describes an ORDER BY on a whitelisted column.
type Sort struct {
	Field string
	Desc  bool
}

var sortColumns = map[string]string{
	"created_at":       "created_at",
	"code":             "code",
	"name":             "name",
	"click_count":      "click_count",
	"conversion_count": "conversion_count",
	"total_commission": "total_commission",
}

// ValidSortField reports whether field can be sorted on.
func ValidSortField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a link repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, link *models.AffiliateLink) error {
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error) {
	var link models.AffiliateLink
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.AffiliateLink, error) {
	var link models.AffiliateLink
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// FindByIDForUpdate loads the link holding its row lock until the transaction
// ends. Every write that touches counters or status goes through here first.
func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error) {
	var link models.AffiliateLink
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *repository) Save(ctx context.Context, link *models.AffiliateLink) error {
	return r.db.WithContext(ctx).
		Model(&models.AffiliateLink{}).
		Where("id = ?", link.ID).
		Select("name", "description", "commission_type", "commission_value", "status",
			"start_date", "end_date", "promotion_type", "applicable_products", "max_usage",
			"attribution_window_days", "updated_at").
		Updates(link).Error
}

// UpdateCounters overwrites the counters with absolute values. Only reconcile
// repair uses it; live traffic goes through IncrementCounters.
func (r *repository) UpdateCounters(ctx context.Context, id uuid.UUID, counters Counters) error {
	return r.db.WithContext(ctx).
		Model(&models.AffiliateLink{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"click_count":      counters.ClickCount,
			"conversion_count": counters.ConversionCount,
			"current_usage":    counters.CurrentUsage,
			"total_commission": counters.TotalCommission,
			"updated_at":       time.Now().UTC(),
		}).Error
}

// IncrementCounters adds delta to the stored counters in a single statement and
// returns the values after the update. A positive usage delta only applies
// while the cap still has room.
func (r *repository) IncrementCounters(ctx context.Context, id uuid.UUID, delta Counters) (Counters, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if delta.ClickCount != 0 {
		updates["click_count"] = gorm.Expr("click_count + ?", delta.ClickCount)
	}
	if delta.ConversionCount != 0 {
		updates["conversion_count"] = gorm.Expr("conversion_count + ?", delta.ConversionCount)
	}
	if delta.CurrentUsage != 0 {
		updates["current_usage"] = gorm.Expr("current_usage + ?", delta.CurrentUsage)
	}
	if !delta.TotalCommission.IsZero() {
		updates["total_commission"] = gorm.Expr("total_commission + ?", delta.TotalCommission)
	}

	query := r.db.WithContext(ctx).Model(&models.AffiliateLink{}).Where("id = ?", id)
	if delta.CurrentUsage > 0 {
		query = query.Where("(max_usage = ? OR current_usage + ? <= max_usage)", models.UnlimitedUsage, delta.CurrentUsage)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return Counters{}, res.Error
	}
	if res.RowsAffected == 0 {
		if delta.CurrentUsage > 0 {
			if _, err := r.FindByID(ctx, id); err != nil {
				return Counters{}, err
			}
			return Counters{}, ErrUsageCapReached
		}
		return Counters{}, gorm.ErrRecordNotFound
	}

	var link models.AffiliateLink
	if err := r.db.WithContext(ctx).
		Select("click_count", "conversion_count", "current_usage", "total_commission").
		Where("id = ?", id).
		First(&link).Error; err != nil {
		return Counters{}, err
	}
	return CountersOf(link), nil
}

// MarkExpired persists the expired status if the link is still stored as active
// or inactive. It reports whether this call performed the transition.
func (r *repository) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.AffiliateLink{}).
		Where("id = ? AND status <> ?", id, enums.LinkStatusExpired).
		Updates(map[string]any{
			"status":     enums.LinkStatusExpired,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) List(ctx context.Context, filters ListFilters, sort Sort, page pagination.OffsetParams, now time.Time) ([]models.AffiliateLink, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AffiliateLink{})
	query = ApplyFilters(query, filters, now)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	column, ok := sortColumns[sort.Field]
	if !ok {
		column = "created_at"
	}
	var links []models.AffiliateLink
	err := query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: sort.Desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: sort.Desc}).
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&links).Error
	if err != nil {
		return nil, 0, err
	}
	return links, total, nil
}

const expiredPredicate = "(status = 'expired' OR (end_date IS NOT NULL AND end_date < ?) OR (max_usage <> -1 AND current_usage >= max_usage))"

// ApplyFilters narrows a query on affiliate_links. Status compares the
// effective status at now.
func ApplyFilters(query *gorm.DB, filters ListFilters, now time.Time) *gorm.DB {
	if filters.Status != nil {
		switch *filters.Status {
		case enums.LinkStatusExpired:
			query = query.Where(expiredPredicate, now)
		default:
			query = query.Where("status = ?", *filters.Status).Where("NOT "+expiredPredicate, now)
		}
	}
	if filters.CommissionType != nil {
		query = query.Where("commission_type = ?", *filters.CommissionType)
	}
	if filters.PromotionType != nil {
		query = query.Where("promotion_type = ?", *filters.PromotionType)
	}
	if search := strings.TrimSpace(filters.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("(LOWER(code) LIKE ? OR LOWER(name) LIKE ?)", like, like)
	}
	return query
}

// ListExpiryCandidates returns links still stored as active whose time or usage
// limit has passed.
func (r *repository) ListExpiryCandidates(ctx context.Context, now time.Time, limit int) ([]models.AffiliateLink, error) {
	var links []models.AffiliateLink
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.LinkStatusActive).
		Where(expiredPredicate, now).
		Order("id ASC").
		Limit(limit).
		Find(&links).Error
	return links, err
}

func (r *repository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.AffiliateLink{}).Order("created_at ASC").Pluck("id", &ids).Error
	return ids, err
}

// IsNotFound reports whether err means the link does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
