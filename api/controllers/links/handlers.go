package links

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/affiliate-ledger/api/responses"
	"github.com/angelmondragon/affiliate-ledger/api/validators"
	internallinks "github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

const linkIDParam = "linkId"

// Create registers a new affiliate link.
func Create(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "link service unavailable"))
			return
		}

		var body createLinkRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.Create(r.Context(), body.input())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, render(svc, *link))
	}
}

// List returns one offset page of links. Sort takes a column name, prefixed
// with "-" for descending order.
func List(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "link service unavailable"))
			return
		}

		params, err := parseListParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := linkListResponse{
			Items:  make([]linkResponse, 0, len(list.Items)),
			Total:  list.Total,
			Limit:  list.Limit,
			Offset: list.Offset,
		}
		for _, link := range list.Items {
			resp.Items = append(resp.Items, render(svc, link))
		}
		responses.WriteSuccess(w, resp)
	}
}

func Get(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "link service unavailable"))
			return
		}

		id, err := validators.ParseURLUUID(r, linkIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, render(svc, *link))
	}
}

// Update applies a partial update. Code is immutable and usage-affecting
// fields are locked once the link has expired.
func Update(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "link service unavailable"))
			return
		}

		id, err := validators.ParseURLUUID(r, linkIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body updateLinkRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := svc.Update(r.Context(), id, body.input())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, render(svc, *link))
	}
}

func Deactivate(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, internallinks.Service.Deactivate)
}

func Reactivate(svc internallinks.Service, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, internallinks.Service.Reactivate)
}

type transitionFunc func(internallinks.Service, context.Context, uuid.UUID) (*models.AffiliateLink, error)

func transition(svc internallinks.Service, logg *logger.Logger, fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "link service unavailable"))
			return
		}

		id, err := validators.ParseURLUUID(r, linkIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		link, err := fn(svc, r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, render(svc, *link))
	}
}

func render(svc internallinks.Service, link models.AffiliateLink) linkResponse {
	return toLinkResponse(link, svc.EffectiveStatus(link))
}

// ParseFilters reads the link filter query parameters shared by the list and
// stats endpoints.
func ParseFilters(r *http.Request) (internallinks.ListFilters, error) {
	var filters internallinks.ListFilters
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := enums.ParseLinkStatus(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"})
		}
		filters.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("commission_type")); raw != "" {
		ct, err := enums.ParseCommissionType(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid commission_type").WithDetails(map[string]any{"field": "commission_type"})
		}
		filters.CommissionType = &ct
	}
	if raw := strings.TrimSpace(query.Get("promotion_type")); raw != "" {
		pt, err := enums.ParsePromotionType(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid promotion_type").WithDetails(map[string]any{"field": "promotion_type"})
		}
		filters.PromotionType = &pt
	}
	filters.Search = validators.SanitizeString(query.Get("search"), 128)
	return filters, nil
}

func parseListParams(r *http.Request) (internallinks.ListParams, error) {
	var params internallinks.ListParams
	filters, err := ParseFilters(r)
	if err != nil {
		return params, err
	}
	params.Filters = filters

	if raw := strings.TrimSpace(r.URL.Query().Get("sort")); raw != "" {
		field := strings.TrimPrefix(raw, "-")
		if !internallinks.ValidSortField(field) {
			return params, pkgerrors.New(pkgerrors.CodeValidation, "unsupported sort field").WithDetails(map[string]any{"field": "sort", "value": field})
		}
		params.Sort = internallinks.Sort{Field: field, Desc: strings.HasPrefix(raw, "-")}
	}

	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return params, err
	}
	offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1_000_000)
	if err != nil {
		return params, err
	}
	params.Page = pagination.OffsetParams{Limit: limit, Offset: offset}
	return params, nil
}
