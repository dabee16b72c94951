package stats

import (
	"net/http"

	"go.uber.org/multierr"

	"github.com/angelmondragon/affiliate-ledger/api/controllers/links"
	"github.com/angelmondragon/affiliate-ledger/api/responses"
	"github.com/angelmondragon/affiliate-ledger/api/validators"
	internalstats "github.com/angelmondragon/affiliate-ledger/internal/stats"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

const linkIDParam = "linkId"

type reconcileAllResponse struct {
	Drifted  []internalstats.Drift `json:"drifted"`
	Repair   bool                  `json:"repair"`
	Failures int                   `json:"failures"`
}

// LinkStats replays the click and commission streams for one link.
func LinkStats(svc internalstats.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stats service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, linkIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ComputeLinkStats(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// GlobalStats aggregates all links matching the link filters. from/to bound
// click and conversion times.
func GlobalStats(svc internalstats.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stats service unavailable"))
			return
		}
		linkFilters, err := links.ParseFilters(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters := internalstats.GlobalFilters{Links: linkFilters}
		if filters.From, err = validators.ParseQueryTime(r, "from", false); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if filters.To, err = validators.ParseQueryTime(r, "to", true); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ComputeGlobalStats(r.Context(), filters)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Reconcile compares one link's cached counters with its event streams.
// ?repair=true rewrites drifted counters.
func Reconcile(svc internalstats.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stats service unavailable"))
			return
		}
		id, err := validators.ParseURLUUID(r, linkIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		repair, err := validators.ParseQueryBool(r, "repair", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		drift, err := svc.Reconcile(r.Context(), id, repair)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, drift)
	}
}

func ReconcileAll(svc internalstats.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stats service unavailable"))
			return
		}
		repair, err := validators.ParseQueryBool(r, "repair", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		drifted, err := svc.ReconcileAll(r.Context(), repair)
		failures := len(multierr.Errors(err))
		if err != nil && logg != nil {
			logCtx := logg.WithField(r.Context(), "failures", failures)
			logg.Error(logCtx, "reconciliation finished with failures", err)
		}
		if drifted == nil {
			drifted = []internalstats.Drift{}
		}
		responses.WriteSuccess(w, reconcileAllResponse{Drifted: drifted, Repair: repair, Failures: failures})
	}
}
