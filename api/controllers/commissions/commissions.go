package commissions

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/affiliate-ledger/api/controllers/dto"
	"github.com/angelmondragon/affiliate-ledger/api/responses"
	"github.com/angelmondragon/affiliate-ledger/api/validators"
	"github.com/angelmondragon/affiliate-ledger/internal/ledger"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/pagination"
)

const commissionIDParam = "commissionId"

type listResponse struct {
	Items      []dto.Commission `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type payRequest struct {
	PaidDate *time.Time `json:"paid_date"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// List returns a cursor page of commission records, newest conversion first.
func List(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		filters, err := parseFilters(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), ledger.ListParams{
			Filters: filters,
			Page: pagination.Params{
				Limit:  limit,
				Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
			},
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := listResponse{Items: make([]dto.Commission, 0, len(list.Items)), NextCursor: list.NextCursor}
		for _, record := range list.Items {
			resp.Items = append(resp.Items, dto.NewCommission(record))
		}
		responses.WriteSuccess(w, resp)
	}
}

func Get(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, commissionIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, dto.NewCommission(*record))
	}
}

// History returns the audit trail of status changes in order.
func History(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, commissionIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.History(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"items": dto.NewStatusTransitions(rows)})
	}
}

func Approve(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, commissionIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.Approve(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, dto.NewCommission(*record))
	}
}

// Pay marks an approved commission paid. paid_date defaults to now.
func Pay(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, commissionIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body payRequest
		if err := decodeOptionalBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.MarkPaid(r.Context(), id, body.PaidDate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, dto.NewCommission(*record))
	}
}

func Cancel(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, commissionIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body cancelRequest
		if err := decodeOptionalBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		record, err := svc.Cancel(r.Context(), id, body.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, dto.NewCommission(*record))
	}
}

// decodeOptionalBody treats an empty body as an empty object.
func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	if err := validators.DecodeJSONBody(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseFilters(r *http.Request) (ledger.ListFilters, error) {
	var filters ledger.ListFilters
	query := r.URL.Query()

	linkID, err := validators.ParseQueryUUID(r, "link_id")
	if err != nil {
		return filters, err
	}
	filters.LinkID = linkID

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := enums.ParseCommissionStatus(raw)
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"})
		}
		filters.Status = &status
	}
	filters.OrderID = validators.SanitizeString(query.Get("order_id"), 128)
	filters.CustomerID = validators.SanitizeString(query.Get("customer_id"), 128)

	if filters.From, err = validators.ParseQueryTime(r, "from", false); err != nil {
		return filters, err
	}
	if filters.To, err = validators.ParseQueryTime(r, "to", true); err != nil {
		return filters, err
	}
	return filters, nil
}
