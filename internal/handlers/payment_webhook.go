package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/checkout/internal/cache"
	"github.com/gitshopapp/checkout/internal/observability"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/services"
)

const (
	webhookIdempotencyTTL = 24 * time.Hour
	webhookClaimTTL       = 5 * time.Minute
)

// PaymentWebhook receives processor events authenticated by an HMAC over
// the raw body.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "payment"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}
	if !h.webhooks.VerifyWebhook(body, r.Header.Get(payment.SignatureHeader)) {
		meter.Count("webhook.rejected", 1, sentry.WithAttributes(attribute.String("reason", "signature")))
		logger.Warn("payment webhook signature rejected")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := payment.ParseWebhookEvent(body)
	if err != nil {
		logger.Warn("failed to parse payment webhook", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	h.processWebhookEvent(ctx, w, "payment", event.DedupeKey(), func(ctx context.Context) error {
		return h.payments.ReconcileFromWebhook(ctx, event)
	})
}

// processWebhookEvent runs process at most once per delivery key. The key
// is claimed while processing and only marked done on success, so a failed
// delivery can be retried by the sender.
func (h *Handlers) processWebhookEvent(ctx context.Context, w http.ResponseWriter, source, key string, process func(context.Context) error) {
	logger := h.loggerFromContext(ctx).With("webhook_source", source, "delivery_key", key)
	meter := observability.MeterFromContext(ctx)
	cacheKey := cache.WebhookKey(source, key)

	claimed, err := h.cacheProvider.Claim(ctx, cacheKey, cache.StateProcessing, webhookClaimTTL)
	if err != nil {
		logger.Error("failed to claim webhook delivery", "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}
	if !claimed {
		state, _ := h.cacheProvider.Get(ctx, cacheKey)
		if state == cache.StateProcessed {
			meter.Count("webhook.duplicate", 1)
			logger.Info("webhook already processed")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		logger.Info("webhook delivery in progress elsewhere")
		http.Error(w, "Delivery in progress", http.StatusConflict)
		return
	}

	processErr := process(ctx)
	if processErr != nil && !webhookErrorIsFinal(processErr) {
		if err := h.cacheProvider.Release(ctx, cacheKey, cache.StateProcessing); err != nil {
			logger.Error("failed to release webhook claim", "error", err)
		}
		meter.Count("webhook.failed", 1)
		logger.Error("failed to process webhook", "error", processErr)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	if err := h.cacheProvider.Set(ctx, cacheKey, cache.StateProcessed, webhookIdempotencyTTL); err != nil {
		logger.Error("failed to mark webhook as processed in cache", "error", err)
	}
	if processErr != nil {
		meter.Count("webhook.ignored", 1)
		logger.Warn("webhook acknowledged without effect", "error", processErr)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	meter.Count("webhook.processed", 1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// webhookErrorIsFinal reports errors that redelivery cannot fix.
func webhookErrorIsFinal(err error) bool {
	for _, target := range []error{
		services.ErrOrderNotFound,
		services.ErrOrderNotPayable,
		services.ErrAmountMismatch,
		services.ErrValidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
