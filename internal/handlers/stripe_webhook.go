package handlers

import (
	"context"
	"net/http"

	stripewebhook "github.com/gitshopapp/checkout/internal/stripe"
)

func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if h.stripeRouter == nil {
		logger.Error("stripe event router not configured")
		http.Error(w, "Webhook handler not configured", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	event, err := stripewebhook.ReadWebhookEvent(r, h.config.StripeWebhookSecret)
	if err != nil {
		logger.Error("failed to read Stripe webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}
	if event == nil || event.ID == "" {
		logger.Error("missing Stripe event ID")
		http.Error(w, "Missing event ID", http.StatusBadRequest)
		return
	}

	h.processWebhookEvent(ctx, w, "stripe", event.ID, func(ctx context.Context) error {
		return h.stripeRouter.Handle(ctx, event)
	})
}
