package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/settlepay/backbone/internal/services"
)

type OutboundHandler struct {
	service   *services.OutboundService
	banks     *services.BankService
	validator *services.ValidationHelper
}

func NewOutboundHandler(service *services.OutboundService, banks *services.BankService) *OutboundHandler {
	return &OutboundHandler{
		service:   service,
		banks:     banks,
		validator: services.NewValidationHelper(),
	}
}

// Pickup assigns a pooled pay-out to the calling team
// @Summary Pick up pay-out
// @Description Take the oldest pay-out from the pool that fits the team's limits and filters
// @Tags outbound
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.PickupFilter false "Optional type and bank filters"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} services.ErrorResponse "Pool empty"
// @Failure 429 {object} services.ErrorResponse "Pending limit reached"
// @Router /outbound/pickup [post]
func (h *OutboundHandler) Pickup(w http.ResponseWriter, r *http.Request) {
	teamID, ok := r.Context().Value("userID").(string)
	if !ok || teamID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var f services.PickupFilter
	if r.ContentLength != 0 {
		if !services.DecodeJSONBody(w, r, &f) {
			return
		}
	}
	if err := h.validator.ValidateStruct(&f); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if unknown := h.banks.Unknown(f.Banks...); len(unknown) > 0 {
		services.SendServiceError(w, fmt.Errorf("%w: unknown bank %s", services.ErrValidation, strings.Join(unknown, ", ")))
		return
	}

	t, err := h.service.GetOutbound(r.Context(), teamID, f)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, t)
}

// Hold marks a picked-up pay-out as in progress
// @Summary Hold pay-out
// @Tags outbound
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 409 {object} services.ErrorResponse "Hold limit reached"
// @Router /outbound/{id}/hold [post]
func (h *OutboundHandler) Hold(w http.ResponseWriter, r *http.Request) {
	teamID, _ := r.Context().Value("userID").(string)

	t, err := h.service.Hold(r.Context(), teamID, chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	writeJSON(w, t)
}

// Return puts a pay-out back into the pool
// @Summary Return pay-out to pool
// @Tags outbound
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Router /outbound/{id}/return [post]
func (h *OutboundHandler) Return(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.service.ReturnToPool(r.Context(), id)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	log.Printf("[OUTBOUND] %s returned by %v", id, r.Context().Value("userID"))
	writeJSON(w, t)
}
