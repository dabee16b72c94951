package tracking

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/affiliate-ledger/api/middleware"
	"github.com/angelmondragon/affiliate-ledger/api/responses"
	"github.com/angelmondragon/affiliate-ledger/api/validators"
	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

// FingerprintHeader lets browser integrations send the visitor fingerprint
// outside the body.
const FingerprintHeader = "X-Visitor-Fingerprint"

type trackClickRequest struct {
	Code        string `json:"code" validate:"required,max=64"`
	Fingerprint string `json:"fingerprint" validate:"max=256"`
	Referrer    string `json:"referrer"`
	LandingPath string `json:"landing_path"`
}

type trackClickResponse struct {
	ClickID              uuid.UUID `json:"click_id"`
	LinkID               uuid.UUID `json:"link_id"`
	Code                 string    `json:"code"`
	OccurredAt           time.Time `json:"occurred_at"`
	AttributionExpiresAt time.Time `json:"attribution_expires_at"`
	Deduplicated         bool      `json:"deduplicated"`
}

// TrackClick records a visitor following an affiliate link. Repeat clicks
// inside the dedup window return the original click with 200.
func TrackClick(svc clicks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "click service unavailable"))
			return
		}

		var body trackClickRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		fingerprint := strings.TrimSpace(body.Fingerprint)
		if fingerprint == "" {
			fingerprint = validators.SanitizeString(r.Header.Get(FingerprintHeader), 256)
		}
		referrer := body.Referrer
		if referrer == "" {
			referrer = r.Referer()
		}

		result, err := svc.RecordClick(r.Context(), body.Code, clicks.VisitorContext{
			Fingerprint: fingerprint,
			IP:          middleware.ClientIP(r),
			UserAgent:   r.UserAgent(),
			Referrer:    referrer,
			LandingPath: body.LandingPath,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		click := result.Click
		resp := trackClickResponse{
			ClickID:              click.ID,
			LinkID:               click.LinkID,
			Code:                 result.Link.Code,
			OccurredAt:           click.OccurredAt,
			AttributionExpiresAt: click.OccurredAt.Add(click.AttributionWindow()),
			Deduplicated:         result.Deduplicated,
		}
		status := http.StatusCreated
		if result.Deduplicated {
			status = http.StatusOK
		}
		responses.WriteSuccessStatus(w, status, resp)
	}
}
