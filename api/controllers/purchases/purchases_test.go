package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/metrics"
)

type stubAttribution struct {
	got     attribution.Purchase
	outcome *attribution.Outcome
	err     error
}

func (s *stubAttribution) PurchaseCompleted(_ context.Context, purchase attribution.Purchase) (*attribution.Outcome, error) {
	s.got = purchase
	return s.outcome, s.err
}

type purchaseEnvelope struct {
	Data  outcomeResponse `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func send(t *testing.T, svc purchaseHandler, body string) (int, purchaseEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/purchases", strings.NewReader(body))
	resp := httptest.NewRecorder()
	PurchaseCompleted(svc, nil).ServeHTTP(resp, req)

	var env purchaseEnvelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return resp.Code, env
}

const purchaseBody = `{
	"order_id": "ORD-9",
	"customer_fingerprint": "fp-9",
	"amount": "100.00",
	"line_items": [{"product_id": "P1", "quantity": 2, "unit_price": "50.00"}]
}`

func TestPurchaseCompletedAttributed(t *testing.T) {
	record := &models.CommissionRecord{
		ID:               uuid.New(),
		LinkID:           uuid.New(),
		OrderID:          "ORD-9",
		CommissionAmount: decimal.RequireFromString("15.00"),
		Status:           enums.CommissionStatusPending,
	}
	svc := &stubAttribution{outcome: &attribution.Outcome{Result: metrics.OutcomeAttributed, Record: record}}

	code, env := send(t, svc, purchaseBody)
	require.Equal(t, http.StatusAccepted, code)
	require.True(t, env.Data.Attributed)
	require.Equal(t, metrics.OutcomeAttributed, env.Data.Outcome)
	require.NotNil(t, env.Data.Commission)
	require.Equal(t, record.ID, env.Data.Commission.ID)
	require.Equal(t, enums.CommissionStatusPending, env.Data.Commission.Status)

	require.Equal(t, "ORD-9", svc.got.OrderID)
	require.Equal(t, "fp-9", svc.got.Fingerprint)
	require.Len(t, svc.got.LineItems, 1)
	require.Equal(t, 2, svc.got.LineItems[0].Quantity)
}

func TestPurchaseCompletedSoftOutcomeIsAccepted(t *testing.T) {
	svc := &stubAttribution{outcome: &attribution.Outcome{Result: metrics.OutcomeNoAttribution, Reason: "no click inside an attribution window"}}

	code, env := send(t, svc, purchaseBody)
	require.Equal(t, http.StatusAccepted, code)
	require.False(t, env.Data.Attributed)
	require.Equal(t, metrics.OutcomeNoAttribution, env.Data.Outcome)
	require.Equal(t, "no click inside an attribution window", env.Data.Reason)
	require.Nil(t, env.Data.Commission)
}

func TestPurchaseCompletedErrors(t *testing.T) {
	svc := &stubAttribution{err: pkgerrors.New(pkgerrors.CodeValidation, "invalid purchase")}
	code, env := send(t, svc, purchaseBody)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(pkgerrors.CodeValidation), env.Error.Code)

	svc = &stubAttribution{err: pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("db down"), "lock affiliate link")}
	code, _ = send(t, svc, purchaseBody)
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = send(t, &stubAttribution{}, `{"order_id": 5}`)
	require.Equal(t, http.StatusBadRequest, code)
}
