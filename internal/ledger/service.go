package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	dbpkg "github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox/payloads"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type transitionMetrics interface {
	IncTransition(status string)
}

// Service is the commission ledger.
type Service interface {
	CreatePending(ctx context.Context, tx *gorm.DB, input CreatePendingInput) (*models.CommissionRecord, error)
	Approve(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error)
	MarkPaid(ctx context.Context, id uuid.UUID, paidDate *time.Time) (*models.CommissionRecord, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.CommissionRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error)
	List(ctx context.Context, params ListParams) (*RecordList, error)
	History(ctx context.Context, id uuid.UUID) ([]models.CommissionStatusTransition, error)
}

// CreatePendingInput describes an attributed order. Link must be the row the
// caller locked inside tx.
type CreatePendingInput struct {
	Link             *models.AffiliateLink
	ClickID          uuid.UUID
	OrderID          string
	CustomerID       string
	OrderAmount      decimal.Decimal
	EligibleAmount   decimal.Decimal
	CommissionAmount decimal.Decimal
	ConversionDate   time.Time
}

type ListParams struct {
	Filters ListFilters
	Page    pagination.Params
}

// RecordList is one cursor page of commission records.
type RecordList struct {
	Items      []models.CommissionRecord
	NextCursor string
}

type ServiceParams struct {
	Repository Repository
	Links      links.Repository
	DB         txRunner
	Outbox     outboxEmitter
	Logger     *logger.Logger
	Metrics    transitionMetrics
	Now        func() time.Time
}

type service struct {
	repo    Repository
	links   links.Repository
	db      txRunner
	outbox  outboxEmitter
	logg    *logger.Logger
	metrics transitionMetrics
	now     func() time.Time
}

// NewService wires the commission ledger.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("links repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repository,
		links:   params.Links,
		db:      params.DB,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     now,
	}, nil
}

// CreatePending records a pending commission inside the caller's transaction:
// the record, its first history row, the link counters and commission.created.
// When the conversion consumes the last unit of max_usage the link is expired
// in the same transaction.
func (s *service) CreatePending(ctx context.Context, tx *gorm.DB, input CreatePendingInput) (*models.CommissionRecord, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if input.Link == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "link required")
	}
	if strings.TrimSpace(input.OrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if input.ClickID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "click id required")
	}
	if !input.CommissionAmount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "commission amount must be positive")
	}

	repo := s.repo.WithTx(tx)
	linkRepo := s.links.WithTx(tx)
	link := input.Link
	now := s.now().UTC()

	record := &models.CommissionRecord{
		ID:               uuid.New(),
		LinkID:           link.ID,
		ClickID:          input.ClickID,
		OrderID:          strings.TrimSpace(input.OrderID),
		CustomerID:       strings.TrimSpace(input.CustomerID),
		OrderAmount:      input.OrderAmount,
		EligibleAmount:   input.EligibleAmount,
		CommissionAmount: input.CommissionAmount,
		Status:           enums.CommissionStatusPending,
		ConversionDate:   input.ConversionDate.UTC(),
	}
	if err := repo.Create(ctx, record); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_commission_records_order") || dbpkg.IsUniqueViolation(err, "ux_commission_records_link_order") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "order already attributed").
				WithDetails(map[string]string{"order_id": record.OrderID})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert commission record")
	}
	if err := repo.CreateTransition(ctx, &models.CommissionStatusTransition{
		RecordID:   record.ID,
		ToStatus:   enums.CommissionStatusPending,
		OccurredAt: now,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert commission history")
	}

	counters, err := linkRepo.IncrementCounters(ctx, link.ID, links.Counters{
		ConversionCount: 1,
		CurrentUsage:    1,
		TotalCommission: record.CommissionAmount,
	})
	if err != nil {
		if errors.Is(err, links.ErrUsageCapReached) {
			return nil, pkgerrors.New(pkgerrors.CodeUsageLimitExceeded, "affiliate link usage limit reached").
				WithDetails(map[string]any{"link_id": link.ID.String(), "max_usage": link.MaxUsage})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update link counters")
	}
	link.ClickCount = counters.ClickCount
	link.ConversionCount = counters.ConversionCount
	link.CurrentUsage = counters.CurrentUsage
	link.TotalCommission = counters.TotalCommission

	if !link.Unlimited() && link.CurrentUsage >= link.MaxUsage {
		if _, err := links.ExpireLocked(ctx, tx, s.links, s.outbox, link.ID, now); err != nil {
			return nil, err
		}
	}

	if err := s.emit(ctx, tx, *record, *link, "", ""); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncTransition(string(record.Status))
	}
	return record, nil
}

func (s *service) Approve(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error) {
	return s.transition(ctx, id, enums.CommissionStatusApproved, nil)
}

func (s *service) MarkPaid(ctx context.Context, id uuid.UUID, paidDate *time.Time) (*models.CommissionRecord, error) {
	return s.transition(ctx, id, enums.CommissionStatusPaid, func(record *models.CommissionRecord, now time.Time) error {
		paid := now
		if paidDate != nil {
			paid = paidDate.UTC()
		}
		if paid.Before(record.ConversionDate) {
			return pkgerrors.New(pkgerrors.CodeValidation, "paid date precedes conversion date")
		}
		record.PaidDate = &paid
		return nil
	})
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.CommissionRecord, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, id, enums.CommissionStatusCancelled, func(record *models.CommissionRecord, _ time.Time) error {
		if reason != "" {
			record.CancelReason = &reason
		}
		return nil
	})
}

// transition applies one state machine edge. A transition already recorded in
// the history is a no-op returning the current record; any other illegal edge
// rolls back untouched.
func (s *service) transition(ctx context.Context, id uuid.UUID, target enums.CommissionStatus, mutate func(*models.CommissionRecord, time.Time) error) (*models.CommissionRecord, error) {
	var (
		result  *models.CommissionRecord
		applied bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		linkRepo := s.links.WithTx(tx)

		current, err := repo.FindByID(ctx, id)
		if err != nil {
			return mapLookupError(err)
		}
		// link before record, matching the attribution path
		link, err := linkRepo.FindByIDForUpdate(ctx, current.LinkID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock affiliate link")
		}
		record, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return mapLookupError(err)
		}

		seen, err := repo.HasTransition(ctx, record.ID, target)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check commission history")
		}
		if seen {
			result = record
			return nil
		}
		if !record.Status.CanTransitionTo(target) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "commission status transition not allowed").
				WithDetails(map[string]string{"status": string(record.Status), "target": string(target)})
		}

		now := s.now().UTC()
		previous := record.Status
		if mutate != nil {
			if err := mutate(record, now); err != nil {
				return err
			}
		}
		record.Status = target
		record.UpdatedAt = now
		if err := repo.UpdateStatus(ctx, record); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update commission status")
		}
		from := previous
		if err := repo.CreateTransition(ctx, &models.CommissionStatusTransition{
			RecordID:   record.ID,
			FromStatus: &from,
			ToStatus:   target,
			Reason:     record.CancelReason,
			OccurredAt: now,
		}); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_commission_history_record_status") {
				return pkgerrors.New(pkgerrors.CodeConflict, "commission transition already recorded")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert commission history")
		}

		if target == enums.CommissionStatusCancelled {
			counters, err := linkRepo.IncrementCounters(ctx, link.ID, links.Counters{
				ConversionCount: -1,
				CurrentUsage:    -1,
				TotalCommission: record.CommissionAmount.Neg(),
			})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reverse link counters")
			}
			link.ConversionCount = counters.ConversionCount
			link.CurrentUsage = counters.CurrentUsage
			link.TotalCommission = counters.TotalCommission
		}

		reason := ""
		if record.CancelReason != nil {
			reason = *record.CancelReason
		}
		if err := s.emit(ctx, tx, *record, *link, previous, reason); err != nil {
			return err
		}
		result = record
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		if s.metrics != nil {
			s.metrics.IncTransition(string(target))
		}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"commission_id": result.ID.String(),
				"link_id":       result.LinkID.String(),
				"status":        string(target),
			})
			s.logg.Info(logCtx, "commission status changed")
		}
	}
	return result, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, record models.CommissionRecord, link models.AffiliateLink, previous enums.CommissionStatus, reason string) error {
	eventType, ok := enums.CommissionEventFor(record.Status)
	if !ok {
		return fmt.Errorf("no event for commission status %q", record.Status)
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateCommissionRecord,
		AggregateID:   record.ID,
		OccurredAt:    s.now().UTC(),
		Data: payloads.CommissionEvent{
			RecordID:         record.ID,
			LinkID:           link.ID,
			LinkCode:         link.Code,
			ClickID:          record.ClickID,
			OrderID:          record.OrderID,
			CustomerID:       record.CustomerID,
			OrderAmount:      record.OrderAmount,
			EligibleAmount:   record.EligibleAmount,
			CommissionAmount: record.CommissionAmount,
			Status:           record.Status,
			PreviousStatus:   previous,
			ConversionDate:   record.ConversionDate,
			PaidDate:         record.PaidDate,
			Reason:           reason,
		},
	})
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.CommissionRecord, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "commission id required")
	}
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err)
	}
	return record, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*RecordList, error) {
	cursor, err := pagination.ParseCursor(params.Page.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if params.Filters.From != nil && params.Filters.To != nil && params.Filters.To.Before(*params.Filters.From) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "date range end precedes start")
	}
	limit := pagination.NormalizeLimit(params.Page.Limit)
	rows, err := s.repo.List(ctx, params.Filters, cursor, limit+1)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list commission records")
	}

	list := &RecordList{Items: rows}
	if len(rows) > limit {
		list.Items = rows[:limit]
		last := list.Items[len(list.Items)-1]
		list.NextCursor = pagination.EncodeCursor(pagination.Cursor{At: last.ConversionDate, ID: last.ID})
	}
	return list, nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]models.CommissionStatusTransition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load commission history")
	}
	return rows, nil
}

func mapLookupError(err error) error {
	if IsNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "commission record not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load commission record")
}
