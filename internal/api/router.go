// Package api exposes the position engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/loanbook/position-engine/internal/metrics"
)

// RouterConfig carries the pieces NewRouter mounts beside the API handlers.
type RouterConfig struct {
	// WebSocket serves GET /api/v1/ws. Optional.
	WebSocket http.HandlerFunc

	// Timeout bounds each request's context. Zero disables it.
	Timeout time.Duration

	Logger zerolog.Logger
}

// NewRouter builds the service router: middleware, /health, /metrics and
// every /api/v1 route.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.WebSocket != nil {
			r.Get("/ws", cfg.WebSocket)
		}

		r.Post("/credit-agreements", h.CreateCreditAgreement)
		r.Get("/credit-agreements/{agreementID}", h.GetCreditAgreement)
		r.Patch("/credit-agreements/{agreementID}", h.UpdateCreditAgreement)

		r.Get("/facilities/{facilityID}", h.GetFacility)
		r.Get("/facilities/{facilityID}/position-history", h.GetPositionHistory)
		r.Get("/facilities/{facilityID}/transactions", h.GetTransactions)

		r.Post("/trades", h.CreateTrade)
		r.Post("/trades/{tradeID}/close", h.CloseTrade)
		r.Patch("/trades/{tradeID}/status", h.UpdateTradeStatus)

		r.Post("/paydowns", h.ProcessPaydown)

		r.Post("/servicing-activities", h.CreateServicingActivity)
		r.Patch("/servicing-activities/{activityID}", h.UpdateServicingActivity)
	})

	return r
}

// requestLogger logs one line per request, tagged with the chi request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
