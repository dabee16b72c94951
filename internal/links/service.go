package links

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/affiliate-ledger/pkg/db"
	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox/payloads"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

const expirySweepBatch = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the link registry: creation, lookup, lifecycle and listing.
type Service interface {
	Create(ctx context.Context, input CreateLinkInput) (*models.AffiliateLink, error)
	Get(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error)
	GetByCode(ctx context.Context, code string) (*models.AffiliateLink, error)
	Update(ctx context.Context, id uuid.UUID, input UpdateLinkInput) (*models.AffiliateLink, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error)
	List(ctx context.Context, params ListParams) (*LinkList, error)
	ExpireDue(ctx context.Context) (int, error)
	EffectiveStatus(link models.AffiliateLink) enums.LinkStatus
}

// CreateLinkInput carries a new link definition. CommissionRate is the legacy
// alias for a percentage CommissionValue.
type CreateLinkInput struct {
	Code                  string
	Name                  string
	Description           string
	CommissionType        enums.CommissionType
	CommissionValue       *decimal.Decimal
	CommissionRate        *decimal.Decimal
	Status                enums.LinkStatus
	StartDate             *time.Time
	EndDate               *time.Time
	PromotionType         enums.PromotionType
	ApplicableProducts    []string
	MaxUsage              *int
	AttributionWindowDays *int
}

// UpdateLinkInput is a partial update; nil fields are left untouched.
type UpdateLinkInput struct {
	Code                  *string
	Name                  *string
	Description           *string
	CommissionType        *enums.CommissionType
	CommissionValue       *decimal.Decimal
	CommissionRate        *decimal.Decimal
	StartDate             *time.Time
	ClearStartDate        bool
	EndDate               *time.Time
	ClearEndDate          bool
	PromotionType         *enums.PromotionType
	ApplicableProducts    *[]string
	MaxUsage              *int
	AttributionWindowDays *int
}

// ListParams drives listLinks.
type ListParams struct {
	Filters ListFilters
	Sort    Sort
	Page    pagination.OffsetParams
}

// LinkList is one page of links plus the unpaged total.
type LinkList struct {
	Items  []models.AffiliateLink
	Total  int64
	Limit  int
	Offset int
}

type ServiceParams struct {
	Repository Repository
	DB         txRunner
	Outbox     outboxEmitter
	Logger     *logger.Logger
	Now        func() time.Time
}

type service struct {
	repo   Repository
	db     txRunner
	outbox outboxEmitter
	logg   *logger.Logger
	now    func() time.Time
}

// NewService wires the link registry.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
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
		repo:   params.Repository,
		db:     params.DB,
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    now,
	}, nil
}

func (s *service) EffectiveStatus(link models.AffiliateLink) enums.LinkStatus {
	return EffectiveStatus(link, s.now().UTC())
}

func (s *service) Create(ctx context.Context, input CreateLinkInput) (*models.AffiliateLink, error) {
	errs := fieldErrors{}
	commissionType, value := resolveCommission(input.CommissionType, input.CommissionValue, input.CommissionRate, errs)
	if value == nil {
		errs.add("commission_value", "is required")
		value = &decimal.Zero
	}

	status := input.Status
	if status == "" {
		status = enums.LinkStatusActive
	}
	if status != enums.LinkStatusActive && status != enums.LinkStatusInactive {
		errs.add("status", "new links start active or inactive")
	}

	promotion := input.PromotionType
	if promotion == "" {
		promotion = enums.PromotionTypeGeneral
	}
	maxUsage := models.UnlimitedUsage
	if input.MaxUsage != nil {
		maxUsage = *input.MaxUsage
	}

	link := &models.AffiliateLink{
		ID:                    uuid.New(),
		Code:                  NormalizeCode(input.Code),
		Name:                  strings.TrimSpace(input.Name),
		Description:           strings.TrimSpace(input.Description),
		CommissionType:        commissionType,
		CommissionValue:       *value,
		Status:                status,
		StartDate:             utcPtr(input.StartDate),
		EndDate:               utcPtr(input.EndDate),
		PromotionType:         promotion,
		ApplicableProducts:    dbtypes.StringList(input.ApplicableProducts),
		MaxUsage:              maxUsage,
		AttributionWindowDays: input.AttributionWindowDays,
		TotalCommission:       decimal.Zero,
	}
	validateLink(link, errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.FindByCode(ctx, link.Code); err == nil {
			return duplicateCode(link.Code)
		} else if !IsNotFound(err) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check link code")
		}
		if err := repo.Create(ctx, link); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_affiliate_links_code") {
				return duplicateCode(link.Code)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create link")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"link_id": link.ID.String(), "code": link.Code})
		s.logg.Info(logCtx, "affiliate link created")
	}
	return link, nil
}

func duplicateCode(code string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "affiliate code already exists").
		WithDetails(map[string]string{"code": code})
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "link id required")
	}
	link, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapLookupError(err)
	}
	return link, nil
}

func (s *service) GetByCode(ctx context.Context, code string) (*models.AffiliateLink, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "code required")
	}
	link, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, mapLookupError(err)
	}
	return link, nil
}

func mapLookupError(err error) error {
	if IsNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "affiliate link not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load affiliate link")
}

func (s *service) Update(ctx context.Context, id uuid.UUID, input UpdateLinkInput) (*models.AffiliateLink, error) {
	var updated *models.AffiliateLink
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		link, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return mapLookupError(err)
		}

		now := s.now().UTC()
		if EffectiveStatus(*link, now) == enums.LinkStatusExpired && touchesLimits(input) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "expired links cannot change dates or usage limits")
		}

		errs := fieldErrors{}
		applyUpdate(link, input, errs)
		validateLink(link, errs)
		if !link.Unlimited() && link.MaxUsage < link.CurrentUsage {
			errs.add("max_usage", "cannot be lower than current usage")
		}
		if err := errs.err(); err != nil {
			return err
		}
		link.UpdatedAt = now
		if err := repo.Save(ctx, link); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update link")
		}
		updated = link
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func touchesLimits(input UpdateLinkInput) bool {
	return input.StartDate != nil || input.ClearStartDate ||
		input.EndDate != nil || input.ClearEndDate ||
		input.MaxUsage != nil
}

func applyUpdate(link *models.AffiliateLink, input UpdateLinkInput, errs fieldErrors) {
	if input.Code != nil && NormalizeCode(*input.Code) != link.Code {
		errs.add("code", "is immutable")
	}
	if input.Name != nil {
		link.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		link.Description = strings.TrimSpace(*input.Description)
	}

	if input.CommissionType != nil || input.CommissionValue != nil || input.CommissionRate != nil {
		commissionType := link.CommissionType
		if input.CommissionType != nil {
			commissionType = *input.CommissionType
		} else if input.CommissionRate != nil {
			commissionType = ""
		}
		value := input.CommissionValue
		if value == nil && input.CommissionRate == nil {
			current := link.CommissionValue
			value = &current
		}
		commissionType, value = resolveCommission(commissionType, value, input.CommissionRate, errs)
		if value != nil {
			link.CommissionType = commissionType
			link.CommissionValue = *value
		}
	}

	if input.ClearStartDate {
		link.StartDate = nil
	} else if input.StartDate != nil {
		link.StartDate = utcPtr(input.StartDate)
	}
	if input.ClearEndDate {
		link.EndDate = nil
	} else if input.EndDate != nil {
		link.EndDate = utcPtr(input.EndDate)
	}
	if input.PromotionType != nil {
		link.PromotionType = *input.PromotionType
	}
	if input.ApplicableProducts != nil {
		link.ApplicableProducts = dbtypes.StringList(*input.ApplicableProducts)
	}
	if input.MaxUsage != nil {
		link.MaxUsage = *input.MaxUsage
	}
	if input.AttributionWindowDays != nil {
		days := *input.AttributionWindowDays
		link.AttributionWindowDays = &days
	}
}

func (s *service) Deactivate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error) {
	return s.transition(ctx, id, enums.LinkStatusInactive)
}

func (s *service) Reactivate(ctx context.Context, id uuid.UUID) (*models.AffiliateLink, error) {
	return s.transition(ctx, id, enums.LinkStatusActive)
}

// transition moves a link between active and inactive. Repeating the current
// status is a no-op; expired links reject both directions.
func (s *service) transition(ctx context.Context, id uuid.UUID, target enums.LinkStatus) (*models.AffiliateLink, error) {
	var result *models.AffiliateLink
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		link, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return mapLookupError(err)
		}
		now := s.now().UTC()
		current := EffectiveStatus(*link, now)
		switch {
		case current == target:
			result = link
			return nil
		case current == enums.LinkStatusExpired:
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "expired links cannot change status").
				WithDetails(map[string]string{"status": string(current), "target": string(target)})
		}

		link.Status = target
		link.UpdatedAt = now
		if err := repo.Save(ctx, link); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update link status")
		}
		result = link
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{"link_id": id.String(), "status": string(result.Status)})
		s.logg.Info(logCtx, "affiliate link status set")
	}
	return result, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*LinkList, error) {
	page := params.Page.Normalize()
	if params.Sort.Field == "" {
		params.Sort = Sort{Field: "created_at", Desc: true}
	}
	if !ValidSortField(params.Sort.Field) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported sort field").
			WithDetails(map[string]string{"sort": params.Sort.Field})
	}
	items, total, err := s.repo.List(ctx, params.Filters, params.Sort, page, s.now().UTC())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list links")
	}
	return &LinkList{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// ExpireDue persists the expired status for links whose end date or usage cap
// has passed and queues a link.expired event for each. Safe to run concurrently.
func (s *service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	candidates, err := s.repo.ListExpiryCandidates(ctx, now, expirySweepBatch)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expiry candidates")
	}

	expired := 0
	for _, candidate := range candidates {
		var changed bool
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			changed, err = ExpireLocked(ctx, tx, s.repo, s.outbox, candidate.ID, now)
			return err
		})
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// ExpireLocked re-checks and persists expiry inside tx. It is shared with the
// ledger, which expires a link in the same transaction that exhausts its usage.
func ExpireLocked(ctx context.Context, tx *gorm.DB, repo Repository, emitter outboxEmitter, id uuid.UUID, now time.Time) (bool, error) {
	r := repo.WithTx(tx)
	link, err := r.FindByIDForUpdate(ctx, id)
	if err != nil {
		return false, mapLookupError(err)
	}
	reason := expiryReason(*link, now)
	if reason == "" || reason == ExpiryReasonStored {
		return false, nil
	}
	changed, err := r.MarkExpired(ctx, link.ID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark link expired")
	}
	if !changed {
		return false, nil
	}
	event := outbox.DomainEvent{
		EventType:     enums.EventLinkExpired,
		AggregateType: enums.AggregateAffiliateLink,
		AggregateID:   link.ID,
		Version:       1,
		OccurredAt:    now,
		Data: payloads.LinkExpiredEvent{
			LinkID:       link.ID,
			Code:         link.Code,
			Reason:       reason,
			EndDate:      link.EndDate,
			MaxUsage:     link.MaxUsage,
			CurrentUsage: link.CurrentUsage,
			ExpiredAt:    now,
		},
	}
	if err := emitter.EmitIfNotExists(ctx, tx, event); err != nil {
		return false, err
	}
	return true, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
