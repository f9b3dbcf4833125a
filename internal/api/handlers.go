package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/loanbook/position-engine/internal/agreement"
	"github.com/loanbook/position-engine/internal/apperr"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/model"
	"github.com/loanbook/position-engine/internal/paydown"
	"github.com/loanbook/position-engine/internal/servicing"
	"github.com/loanbook/position-engine/internal/settlement"
)

// UserHeader carries the acting user's id.
const UserHeader = "X-User-ID"

// Handler serves the /api/v1 routes.
type Handler struct {
	agreements *agreement.Service
	trades     *settlement.Processor
	paydowns   *paydown.Processor
	servicing  *servicing.Service
	history    *history.Recorder
	log        zerolog.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	agreements *agreement.Service,
	trades *settlement.Processor,
	paydowns *paydown.Processor,
	svc *servicing.Service,
	rec *history.Recorder,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		agreements: agreements,
		trades:     trades,
		paydowns:   paydowns,
		servicing:  svc,
		history:    rec,
		log:        log,
	}
}

// --- Credit agreements ---

// CreateCreditAgreement handles POST /api/v1/credit-agreements
func (h *Handler) CreateCreditAgreement(w http.ResponseWriter, r *http.Request) {
	var in agreement.CreateInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.agreements.ValidateAndCreateCreditAgreement(r.Context(), in, userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetCreditAgreement handles GET /api/v1/credit-agreements/{agreementID}
func (h *Handler) GetCreditAgreement(w http.ResponseWriter, r *http.Request) {
	out, err := h.agreements.GetCreditAgreement(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateCreditAgreement handles PATCH /api/v1/credit-agreements/{agreementID}
func (h *Handler) UpdateCreditAgreement(w http.ResponseWriter, r *http.Request) {
	var in agreement.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "agreementID")
	out, err := h.agreements.ValidateAndUpdateCreditAgreement(r.Context(), in, userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Facilities ---

// GetFacility handles GET /api/v1/facilities/{facilityID}
func (h *Handler) GetFacility(w http.ResponseWriter, r *http.Request) {
	out, err := h.agreements.GetFacility(r.Context(), chi.URLParam(r, "facilityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPositionHistory handles GET /api/v1/facilities/{facilityID}/position-history
//
// Query: lender_id, start_date, end_date (RFC 3339 or YYYY-MM-DD),
// activity_type (TRADE|SERVICING) with activity_id.
func (h *Handler) GetPositionHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := history.Query{
		FacilityID:   chi.URLParam(r, "facilityID"),
		LenderID:     q.Get("lender_id"),
		ActivityID:   q.Get("activity_id"),
		ActivityType: q.Get("activity_type"),
	}
	var err error
	if query.StartDate, err = parseDate(q.Get("start_date"), false); err != nil {
		writeError(w, "start_date must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if query.EndDate, err = parseDate(q.Get("end_date"), true); err != nil {
		writeError(w, "end_date must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	rows, err := h.history.Query(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.FacilityPositionHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetTransactions handles GET /api/v1/facilities/{facilityID}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.history.Transactions(r.Context(), chi.URLParam(r, "facilityID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.TransactionHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Trades ---

// CreateTrade handles POST /api/v1/trades
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var in settlement.CreateTradeInput
	if !decode(w, r, &in) {
		return
	}
	if in.UserID == "" {
		in.UserID = userID(r)
	}
	trade, err := h.trades.CreateTrade(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// CloseTrade handles POST /api/v1/trades/{tradeID}/close
func (h *Handler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	out, err := h.trades.CloseTrade(r.Context(), chi.URLParam(r, "tradeID"), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateTradeStatus handles PATCH /api/v1/trades/{tradeID}/status
func (h *Handler) UpdateTradeStatus(w http.ResponseWriter, r *http.Request) {
	var in settlement.UpdateTradeStatusInput
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "tradeID")
	if in.UserID == "" {
		in.UserID = userID(r)
	}
	if err := h.trades.UpdateTradeStatus(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": in.ID, "status": string(in.Status)})
}

// --- Paydowns and servicing ---

// ProcessPaydown handles POST /api/v1/paydowns
func (h *Handler) ProcessPaydown(w http.ResponseWriter, r *http.Request) {
	var req paydown.Request
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = userID(r)
	}
	res, err := h.paydowns.ProcessPaydown(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateServicingActivity handles POST /api/v1/servicing-activities
func (h *Handler) CreateServicingActivity(w http.ResponseWriter, r *http.Request) {
	var in servicing.CreateInput
	if !decode(w, r, &in) {
		return
	}
	out, err := h.servicing.CreateServicingActivity(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// UpdateServicingActivity handles PATCH /api/v1/servicing-activities/{activityID}
func (h *Handler) UpdateServicingActivity(w http.ResponseWriter, r *http.Request) {
	var in servicing.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "activityID")
	if in.CompletedBy == "" && in.Status == model.ServicingCompleted {
		in.CompletedBy = userID(r)
	}
	out, err := h.servicing.UpdateServicingActivity(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrStateTransition):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrExceedsOutstanding), errors.Is(err, apperr.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail maps err to a status. Typed errors carry a user-facing message;
// anything else is logged and reported generically.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		if !errors.Is(err, apperr.ErrConsistency) {
			msg = "internal error"
		}
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
