package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/observability"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/stripe"
)

type webhookReconciler interface {
	ReconcileFromWebhook(ctx context.Context, event *payment.WebhookEvent) error
}

// StripeEventRouter feeds PaymentIntent events into payment reconciliation.
type StripeEventRouter struct {
	payments webhookReconciler
	logger   *slog.Logger
}

func NewStripeEventRouter(payments webhookReconciler, logger *slog.Logger) *StripeEventRouter {
	return &StripeEventRouter{
		payments: payments,
		logger:   logger,
	}
}

func (r *StripeEventRouter) Handle(ctx context.Context, event *stripeapi.Event) error {
	span := sentry.StartSpan(
		ctx,
		"handler.stripe_router.handle",
		sentry.WithOpName("handler.stripe_router"),
		sentry.WithDescription("StripeEventRouter.Handle"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "stripe"))
	meter.Count("webhook.router.received", 1)
	recordFailed := observability.FailureRecorder(meter, "webhook.router.failed")

	if event == nil {
		recordFailed("missing_event")
		return fmt.Errorf("missing stripe event")
	}
	meter.SetAttributes(attribute.String("webhook.event_type", string(event.Type)))
	logger := logging.FromContext(ctx, r.logger)

	translated, ok, err := stripe.PaymentEvent(event)
	if err != nil {
		recordFailed("decode_failed")
		span.Status = sentry.SpanStatusInvalidArgument
		return err
	}
	if !ok && event.Type == stripe.DeclinedEventType {
		logger.Info("payment attempt declined, intent stays open for retry", "event_id", event.ID)
		meter.Count("webhook.router.declined", 1)
		span.Status = sentry.SpanStatusOK
		return nil
	}
	if !ok {
		logger.Info("unhandled Stripe event type", "type", event.Type)
		meter.Count("webhook.router.unhandled", 1)
		span.Status = sentry.SpanStatusOK
		return nil
	}

	if err := r.payments.ReconcileFromWebhook(ctx, translated); err != nil {
		recordFailed(string(translated.Type))
		span.Status = sentry.SpanStatusInternalError
		return err
	}
	meter.Count("webhook.router.processed", 1)
	span.Status = sentry.SpanStatusOK
	return nil
}
