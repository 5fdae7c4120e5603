package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/settlepay/backbone/internal/services"
)

type PaymentLinkHandler struct {
	service *services.PaymentLinkService
}

func NewPaymentLinkHandler(service *services.PaymentLinkService) *PaymentLinkHandler {
	return &PaymentLinkHandler{service: service}
}

// Resolve opens a payment link for the payer
// @Summary Resolve payment link
// @Description Returns the channel details and amount a payer should transfer
// @Tags payment-link
// @Produce json
// @Param token path string true "Payment link token"
// @Success 200 {object} services.PaymentDetails
// @Failure 404 {object} services.ErrorResponse "Invalid or expired link"
// @Router /payment-link/{token} [get]
func (h *PaymentLinkHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.Resolve(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, services.ErrPaymentLinkInvalid) {
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		return
	}
	if err != nil {
		services.SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}
	writeJSON(w, details)
}
