package clicks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/affiliate-ledger/internal/links"
	dbtypes "github.com/angelmondragon/affiliate-ledger/pkg/db/types"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

const (
	maxUserAgentLen = 512
	maxReferrerLen  = 2048
	maxLandingLen   = 2048
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type clickMetrics interface {
	IncClick(deduplicated bool)
}

// VisitorContext describes the browser behind a click.
type VisitorContext struct {
	Fingerprint string
	IP          string
	UserAgent   string
	Referrer    string
	LandingPath string
}

// ClickResult is the outcome of trackClick. Deduplicated clicks return the
// original event and performed no writes.
type ClickResult struct {
	Click        *models.ClickEvent
	Link         *models.AffiliateLink
	Deduplicated bool
}

// Service records clicks against affiliate links.
type Service interface {
	RecordClick(ctx context.Context, code string, visitor VisitorContext) (*ClickResult, error)
	GetRecentClick(ctx context.Context, linkID uuid.UUID, fingerprint string, within time.Duration) (*models.ClickEvent, error)
}

type ServiceParams struct {
	Repository        Repository
	Links             links.Repository
	DB                txRunner
	Logger            *logger.Logger
	Metrics           clickMetrics
	DedupWindow       time.Duration
	AttributionWindow time.Duration
	Now               func() time.Time
}

type service struct {
	repo              Repository
	links             links.Repository
	db                txRunner
	logg              *logger.Logger
	metrics           clickMetrics
	dedupWindow       time.Duration
	attributionWindow time.Duration
	now               func() time.Time
}

// NewService wires the click tracker. AttributionWindow is the default applied
// to links that do not carry their own.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("clicks repository required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("links repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.AttributionWindow <= 0 {
		return nil, fmt.Errorf("default attribution window must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:              params.Repository,
		links:             params.Links,
		db:                params.DB,
		logg:              params.Logger,
		metrics:           params.Metrics,
		dedupWindow:       params.DedupWindow,
		attributionWindow: params.AttributionWindow,
		now:               now,
	}, nil
}

func (s *service) RecordClick(ctx context.Context, code string, visitor VisitorContext) (*ClickResult, error) {
	code = links.NormalizeCode(code)
	fingerprint := strings.TrimSpace(visitor.Fingerprint)
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "code required")
	}
	if fingerprint == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "fingerprint required")
	}

	link, err := s.links.FindByCode(ctx, code)
	if err != nil {
		if links.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "affiliate link not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load affiliate link")
	}

	var result *ClickResult
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		linkRepo := s.links.WithTx(tx)
		clickRepo := s.repo.WithTx(tx)

		locked, err := linkRepo.FindByIDForUpdate(ctx, link.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock affiliate link")
		}
		now := s.now().UTC()
		if !links.AcceptsClicks(*locked, now) {
			return pkgerrors.New(pkgerrors.CodeLinkInactive, "affiliate link is not accepting clicks").
				WithDetails(map[string]string{"code": locked.Code, "status": string(links.EffectiveStatus(*locked, now))})
		}

		if s.dedupWindow > 0 {
			existing, err := clickRepo.FindRecent(ctx, locked.ID, fingerprint, now.Add(-s.dedupWindow))
			switch {
			case err == nil:
				result = &ClickResult{Click: existing, Link: locked, Deduplicated: true}
				return nil
			case !IsNotFound(err):
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check recent clicks")
			}
		}

		click := snapshotClick(*locked, fingerprint, visitor, now, s.attributionWindow)
		if err := clickRepo.Create(ctx, click); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert click")
		}
		counters, err := linkRepo.IncrementCounters(ctx, locked.ID, links.Counters{ClickCount: 1})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment click count")
		}
		locked.ClickCount = counters.ClickCount
		result = &ClickResult{Click: click, Link: locked}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncClick(result.Deduplicated)
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"link_id":      result.Link.ID.String(),
			"click_id":     result.Click.ID.String(),
			"deduplicated": result.Deduplicated,
		})
		s.logg.Debug(logCtx, "click tracked")
	}
	return result, nil
}

// snapshotClick freezes the link's commission terms onto the click so later
// edits to the link never change how this click is attributed.
func snapshotClick(link models.AffiliateLink, fingerprint string, visitor VisitorContext, now time.Time, defaultWindow time.Duration) *models.ClickEvent {
	products := make(dbtypes.StringList, len(link.ApplicableProducts))
	copy(products, link.ApplicableProducts)
	return &models.ClickEvent{
		ID:                         uuid.New(),
		LinkID:                     link.ID,
		Fingerprint:                fingerprint,
		OccurredAt:                 now,
		IPHash:                     HashIP(visitor.IP),
		UserAgent:                  truncate(visitor.UserAgent, maxUserAgentLen),
		Referrer:                   truncate(visitor.Referrer, maxReferrerLen),
		LandingPath:                truncate(visitor.LandingPath, maxLandingLen),
		SnapshotCommissionType:     link.CommissionType,
		SnapshotCommissionValue:    link.CommissionValue,
		SnapshotPromotionType:      link.PromotionType,
		SnapshotApplicableProducts: products,
		SnapshotAttributionSeconds: int64(link.AttributionWindow(defaultWindow) / time.Second),
	}
}

func (s *service) GetRecentClick(ctx context.Context, linkID uuid.UUID, fingerprint string, within time.Duration) (*models.ClickEvent, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if linkID == uuid.Nil || fingerprint == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "link id and fingerprint required")
	}
	if within <= 0 {
		within = s.dedupWindow
	}
	click, err := s.repo.FindRecent(ctx, linkID, fingerprint, s.now().UTC().Add(-within))
	if err != nil {
		if IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no recent click")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load recent click")
	}
	return click, nil
}

// HashIP returns the hex SHA-256 of the address. Raw addresses are never stored.
func HashIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	return value[:max]
}
