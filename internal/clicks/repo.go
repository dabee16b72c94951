package clicks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
)

// Repository persists click events. Rows are never updated or deleted.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, click *models.ClickEvent) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ClickEvent, error)
	FindRecent(ctx context.Context, linkID uuid.UUID, fingerprint string, since time.Time) (*models.ClickEvent, error)
	ListBefore(ctx context.Context, fingerprint string, linkID *uuid.UUID, before time.Time, limit int) ([]models.ClickEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a click repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, click *models.ClickEvent) error {
	return r.db.WithContext(ctx).Create(click).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.ClickEvent, error) {
	var click models.ClickEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&click).Error; err != nil {
		return nil, err
	}
	return &click, nil
}

// FindRecent returns the newest click for the pair at or after since.
func (r *repository) FindRecent(ctx context.Context, linkID uuid.UUID, fingerprint string, since time.Time) (*models.ClickEvent, error) {
	var click models.ClickEvent
	err := r.db.WithContext(ctx).
		Where("link_id = ? AND fingerprint = ? AND occurred_at >= ?", linkID, fingerprint, since).
		Order("occurred_at DESC").
		Order("id DESC").
		First(&click).Error
	if err != nil {
		return nil, err
	}
	return &click, nil
}

// ListBefore returns clicks for the fingerprint strictly before the given time,
// newest first, optionally restricted to one link.
func (r *repository) ListBefore(ctx context.Context, fingerprint string, linkID *uuid.UUID, before time.Time, limit int) ([]models.ClickEvent, error) {
	query := r.db.WithContext(ctx).
		Where("fingerprint = ? AND occurred_at < ?", fingerprint, before)
	if linkID != nil {
		query = query.Where("link_id = ?", *linkID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.ClickEvent
	err := query.Order("occurred_at DESC").Order("id DESC").Find(&rows).Error
	return rows, err
}

// IsNotFound reports whether err means no click matched.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
