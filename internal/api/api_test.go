package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loanbook/position-engine/internal/agreement"
	"github.com/loanbook/position-engine/internal/api"
	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/paydown"
	"github.com/loanbook/position-engine/internal/servicing"
	"github.com/loanbook/position-engine/internal/settlement"
	"github.com/loanbook/position-engine/internal/store"
	"github.com/loanbook/position-engine/internal/store/storetest"
)

// newTestEnv wires every service over an in-memory store.
func newTestEnv(t *testing.T) (*store.MemoryStore, http.Handler) {
	t.Helper()
	ms := store.NewMemoryStore()
	log := zerolog.Nop()
	rec := history.NewRecorder(ms)
	pd := paydown.NewProcessor(ms, rec, nil, log)

	h := api.NewHandler(
		agreement.NewService(ms, nil, log),
		settlement.NewProcessor(ms, rec, nil, log),
		pd,
		servicing.NewService(ms, pd, nil, log),
		rec,
		log,
	)
	return ms, api.NewRouter(h, api.RouterConfig{Timeout: 5 * time.Second, Logger: log})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.UserHeader, "tester")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreditAgreementEndpoints(t *testing.T) {
	ms, router := newTestEnv(t)
	fx := storetest.SeedFacility(t, ms, "1000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000", Drawn: "0"},
	)

	payload := map[string]any{
		"name":          "Bridge Facility",
		"borrower_id":   fx.Borrower.ID,
		"lender_id":     fx.Lenders["ent-A"].ID,
		"amount":        "2000000",
		"currency":      "EUR",
		"start_date":    "2025-02-01T00:00:00Z",
		"maturity_date": "2028-02-01T00:00:00Z",
		"interest_rate": "3.75",
		"facilities": []map[string]any{{
			"name":              "Revolver",
			"facility_type":     "REVOLVER",
			"commitment_amount": "2000000",
			"start_date":        "2025-02-01T00:00:00Z",
			"maturity_date":     "2027-02-01T00:00:00Z",
			"interest_type":     "FLOATING",
			"margin":            "2.25",
		}},
	}

	w := do(t, router, http.MethodPost, "/api/v1/credit-agreements", payload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created model.CreditAgreementWithRelations
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.Facilities, 1)
	assert.Equal(t, "EUR", created.Facilities[0].Currency)

	w = do(t, router, http.MethodGet, "/api/v1/credit-agreements/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPatch, "/api/v1/credit-agreements/"+created.ID, map[string]any{"currency": "USD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Cannot change currency of credit agreement with existing facilities", errorBody(t, w))

	payload["facilities"] = []map[string]any{}
	w = do(t, router, http.MethodPost, "/api/v1/credit-agreements", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "At least one facility is required", errorBody(t, w))

	w = do(t, router, http.MethodGet, "/api/v1/credit-agreements/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/facilities/"+created.Facilities[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	ms, router := newTestEnv(t)
	fx := storetest.SeedFacility(t, ms, "2000000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000000", Drawn: "1000000"},
		storetest.Holding{EntityID: "ent-B", Commitment: "1000000", Drawn: "1000000"},
	)

	w := do(t, router, http.MethodPost, "/api/v1/trades", map[string]any{
		"facility_id":      fx.FacilityID,
		"seller_entity_id": "ent-A",
		"buyer_entity_id":  "ent-B",
		"par_amount":       "200000",
		"price":            "99.5",
		"trade_date":       "2025-03-01T00:00:00Z",
		"settlement_date":  "2025-03-08T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var trade model.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trade))

	// Skipping CONFIRMED is rejected.
	w = do(t, router, http.MethodPatch, "/api/v1/trades/"+trade.ID+"/status", map[string]any{"status": "SETTLED"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Invalid status transition from PENDING to SETTLED", errorBody(t, w))

	for _, status := range []string{"CONFIRMED", "SETTLED"} {
		w = do(t, router, http.MethodPatch, "/api/v1/trades/"+trade.ID+"/status", map[string]any{"status": status})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/api/v1/trades/"+trade.ID+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed settlement.ClosedTrade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.True(t, closed.Seller.Share.Equal(storetest.D("40")))
	assert.True(t, closed.Buyer.Share.Equal(storetest.D("60")))
	assert.Equal(t, "tester", closed.Trade.ClosedBy)

	w = do(t, router, http.MethodPost, "/api/v1/trades/"+trade.ID+"/close", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Trade is already closed", errorBody(t, w))

	w = do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/facilities/%s/position-history?activity_type=TRADE&activity_id=%s", fx.FacilityID, trade.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []model.FacilityPositionHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	w = do(t, router, http.MethodGet, "/api/v1/facilities/"+fx.FacilityID+"/position-history?activity_type=LOAN&activity_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Activity type must be TRADE or SERVICING", errorBody(t, w))

	w = do(t, router, http.MethodGet, "/api/v1/facilities/"+fx.FacilityID+"/position-history?start_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/facilities/"+fx.FacilityID+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []model.TransactionHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	assert.Len(t, txs, 1)
}

func TestPaydownAndServicingOverHTTP(t *testing.T) {
	ms, router := newTestEnv(t)
	fx := storetest.SeedFacility(t, ms, "2000",
		storetest.Holding{EntityID: "ent-A", Commitment: "1000", Drawn: "600"},
		storetest.Holding{EntityID: "ent-B", Commitment: "1000", Drawn: "400"},
	)

	w := do(t, router, http.MethodPost, "/api/v1/paydowns", map[string]any{
		"loan_id":     fx.LoanID,
		"facility_id": fx.FacilityID,
		"amount":      "1100",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "Paydown amount 1100 exceeds outstanding balance 1000", errorBody(t, w))

	w = do(t, router, http.MethodPost, "/api/v1/paydowns", map[string]any{
		"loan_id":      fx.LoanID,
		"facility_id":  fx.FacilityID,
		"amount":       "100",
		"payment_date": "2025-04-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res paydown.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionID)

	w = do(t, router, http.MethodPost, "/api/v1/servicing-activities", map[string]any{
		"facility_id":   fx.FacilityID,
		"loan_id":       fx.LoanID,
		"activity_type": "PRINCIPAL_PAYMENT",
		"due_date":      "2025-06-30T00:00:00Z",
		"amount":        "200",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var act model.ServicingActivity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &act))

	for i := 0; i < 2; i++ {
		w = do(t, router, http.MethodPatch, "/api/v1/servicing-activities/"+act.ID, map[string]any{"status": "COMPLETED"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &act))
	assert.Equal(t, model.ServicingCompleted, act.Status)
	assert.Equal(t, "tester", act.CompletedBy)

	loan, err := ms.GetLoan(context.Background(), fx.LoanID)
	require.NoError(t, err)
	assert.True(t, loan.OutstandingBalance.Equal(storetest.D("700")), loan.OutstandingBalance.String())

	w = do(t, router, http.MethodPatch, "/api/v1/servicing-activities/"+act.ID, map[string]any{"status": "ARCHIVED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMalformedBody(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", errorBody(t, w))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x"), http.StatusBadRequest},
		{apperr.NotFound("Trade", "t1"), http.StatusNotFound},
		{apperr.InvalidTransition(model.TradePending, model.TradeClosed), http.StatusConflict},
		{&apperr.ExceedsOutstandingError{}, http.StatusUnprocessableEntity},
		{&apperr.InsufficientPositionError{}, http.StatusUnprocessableEntity},
		{&apperr.ConsistencyError{}, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", apperr.Validation("y")), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, api.StatusFor(tt.err), "%v", tt.err)
	}
}
