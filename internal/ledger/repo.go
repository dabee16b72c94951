package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

// Repository manages persistence for commission records and their status history.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.CommissionRecord) error
	CreateTransition(ctx context.Context, transition *models.CommissionStatusTransition) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.CommissionRecord, error)
	HasTransition(ctx context.Context, recordID uuid.UUID, to enums.CommissionStatus) (bool, error)
	UpdateStatus(ctx context.Context, record *models.CommissionRecord) error
	List(ctx context.Context, filters ListFilters, cursor *pagination.Cursor, limit int) ([]models.CommissionRecord, error)
	History(ctx context.Context, recordID uuid.UUID) ([]models.CommissionStatusTransition, error)
}

// ListFilters narrows commission listings. Date bounds apply to conversion_date
// and are inclusive.
type ListFilters struct {
	LinkID     *uuid.UUID
	Status     *enums.CommissionStatus
	OrderID    string
	CustomerID string
	From       *time.Time
	To         *time.Time
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a commission repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, record *models.CommissionRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) CreateTransition(ctx context.Context, transition *models.CommissionStatusTransition) error {
	return r.db.WithContext(ctx).Create(transition).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error) {
	var record models.CommissionRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error) {
	var record models.CommissionRecord
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID string) (*models.CommissionRecord, error) {
	var record models.CommissionRecord
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) HasTransition(ctx context.Context, recordID uuid.UUID, to enums.CommissionStatus) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.CommissionStatusTransition{}).
		Where("record_id = ? AND to_status = ?", recordID, to).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) UpdateStatus(ctx context.Context, record *models.CommissionRecord) error {
	return r.db.WithContext(ctx).
		Model(&models.CommissionRecord{}).
		Where("id = ?", record.ID).
		Select("status", "paid_date", "cancel_reason", "updated_at").
		Updates(record).Error
}

// List returns records newest conversion first. The cursor is the last row of
// the previous page.
func (r *repository) List(ctx context.Context, filters ListFilters, cursor *pagination.Cursor, limit int) ([]models.CommissionRecord, error) {
	query := r.db.WithContext(ctx).Model(&models.CommissionRecord{})
	if filters.LinkID != nil {
		query = query.Where("link_id = ?", *filters.LinkID)
	}
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.OrderID != "" {
		query = query.Where("order_id = ?", filters.OrderID)
	}
	if filters.CustomerID != "" {
		query = query.Where("customer_id = ?", filters.CustomerID)
	}
	if filters.From != nil {
		query = query.Where("conversion_date >= ?", filters.From.UTC())
	}
	if filters.To != nil {
		query = query.Where("conversion_date <= ?", filters.To.UTC())
	}
	if cursor != nil {
		at := cursor.At.UTC()
		query = query.Where("(conversion_date < ?) OR (conversion_date = ? AND id < ?)", at, at, cursor.ID)
	}

	var records []models.CommissionRecord
	err := query.
		Order("conversion_date DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// historyRank keeps same-instant transitions in lifecycle order.
const historyRank = "CASE to_status WHEN 'pending' THEN 0 WHEN 'approved' THEN 1 ELSE 2 END"

func (r *repository) History(ctx context.Context, recordID uuid.UUID) ([]models.CommissionStatusTransition, error) {
	var rows []models.CommissionStatusTransition
	err := r.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("occurred_at ASC").
		Order(historyRank).
		Find(&rows).Error
	return rows, err
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
