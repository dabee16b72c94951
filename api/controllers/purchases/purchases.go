package purchases

import (
	"context"
	"net/http"

	"github.com/angelmondragon/affiliate-ledger/api/controllers/dto"
	"github.com/angelmondragon/affiliate-ledger/api/responses"
	"github.com/angelmondragon/affiliate-ledger/api/validators"
	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
	internalpurchases "github.com/angelmondragon/affiliate-ledger/internal/purchases"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

type purchaseHandler interface {
	PurchaseCompleted(ctx context.Context, purchase attribution.Purchase) (*attribution.Outcome, error)
}

type outcomeResponse struct {
	Outcome    string          `json:"outcome"`
	Attributed bool            `json:"attributed"`
	Replayed   bool            `json:"replayed"`
	Reason     string          `json:"reason,omitempty"`
	Commission *dto.Commission `json:"commission,omitempty"`
}

// PurchaseCompleted is the checkout hook. Every processed purchase answers 202
// whether or not it was attributed; only malformed input and infrastructure
// failures produce errors.
func PurchaseCompleted(svc purchaseHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "attribution service unavailable"))
			return
		}

		var body internalpurchases.Message
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		outcome, err := svc.PurchaseCompleted(r.Context(), body.Purchase())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := outcomeResponse{
			Outcome:    outcome.Result,
			Attributed: outcome.Attributed(),
			Replayed:   outcome.Replayed,
			Reason:     outcome.Reason,
		}
		if outcome.Record != nil {
			commission := dto.NewCommission(*outcome.Record)
			resp.Commission = &commission
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
	}
}
