package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/settlepay/backbone/internal/services"
)

// SupportHandler serves read-only views for support staff.
type SupportHandler struct {
	balances   *services.BalanceService
	exhaustion *services.ExhaustionRecorder
}

func NewSupportHandler(balances *services.BalanceService, exhaustion *services.ExhaustionRecorder) *SupportHandler {
	return &SupportHandler{balances: balances, exhaustion: exhaustion}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// GetBalance returns a balance snapshot
// @Summary Get balance
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param balanceId path string true "Balance ID"
// @Success 200 {object} models.Balance
// @Failure 404 {object} services.ErrorResponse
// @Router /balances/{balanceId} [get]
func (h *SupportHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.balances.Read(r.Context(), chi.URLParam(r, "balanceId"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, b)
}

// GetExhaustion summarises recent allocation failures of a merchant
// @Summary Allocation exhaustion
// @Description Failed pay-in allocations per merchant/type/bank/payment system/vip key
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param merchantId path string true "Merchant ID"
// @Param window query string false "Look-back window, e.g. 1h (default 24h)"
// @Success 200 {object} map[string]int64
// @Router /support/exhaustion/{merchantId} [get]
func (h *SupportHandler) GetExhaustion(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			services.SendErrorResponse(w, "invalid window", http.StatusBadRequest, nil)
			return
		}
		window = d
	}

	counts, err := h.exhaustion.Counts(r.Context(), chi.URLParam(r, "merchantId"), window)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"window": window.String(),
		"counts": counts,
	})
}
