package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/dto"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/middleware"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

// Stripe caps webhook payloads well below this.
const maxWebhookBytes = 1 << 20

// BillingHandler handles checkout and the Stripe webhook.
type BillingHandler struct {
	checkout service.CheckoutService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewBillingHandler(checkout service.CheckoutService, v *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{checkout: checkout, validate: v, logger: logger.With().Str("handler", "BillingHandler").Logger()}
}

// RegisterRoutes registers the billing endpoints. The webhook is
// authenticated by its Stripe signature, not by a bearer token.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /billing/checkout", authMw(http.HandlerFunc(h.Checkout)))
	mux.HandleFunc("POST /billing/webhook", h.Webhook)
}

// Checkout creates a Stripe Checkout session for a package or a plan.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req dto.CheckoutRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	url, err := h.checkout.CreateCheckoutSession(r.Context(), userID, req.Kind, req.PriceID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPrice) || errors.Is(err, service.ErrInvalidCheckoutKind) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to create checkout session")
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutResponse{URL: url})
}

// Webhook verifies and queues a Stripe event. A 5xx makes Stripe retry.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read payload")
		return
	}
	err = h.checkout.ReceiveWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, service.ErrInvalidWebhookSignal):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "signature verification failed")
	case err != nil:
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to queue event")
	default:
		w.WriteHeader(http.StatusOK)
	}
}
