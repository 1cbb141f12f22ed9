package stripe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/gitshopapp/checkout/internal/payment"
)

func ReadWebhookEvent(r *http.Request, secret string) (*stripeapi.Event, error) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		return nil, fmt.Errorf("missing stripe signature header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature validation failed: %w", err)
	}

	return &event, nil
}

// DeclinedEventType reports a failed attempt. The intent goes back to
// requires_payment_method and the customer may retry on it, so it does not
// affect payment state.
const DeclinedEventType stripeapi.EventType = "payment_intent.payment_failed"

// PaymentEvent translates a PaymentIntent event. ok is false for event
// types that do not affect payment state. Only a canceled intent is
// reported as a failure.
func PaymentEvent(event *stripeapi.Event) (*payment.WebhookEvent, bool, error) {
	if event == nil || event.Data == nil {
		return nil, false, fmt.Errorf("missing stripe event data")
	}

	var eventType payment.EventType
	switch event.Type {
	case "payment_intent.succeeded":
		eventType = payment.EventPaymentCaptured
	case "payment_intent.canceled":
		eventType = payment.EventPaymentFailed
	default:
		return nil, false, nil
	}

	var pi stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, false, fmt.Errorf("failed to decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, false, fmt.Errorf("payment intent id missing from event %s", event.ID)
	}

	translated := &payment.WebhookEvent{
		ID:       event.ID,
		Type:     eventType,
		IntentID: pi.ID,
		Receipt:  pi.Metadata["receipt"],
	}
	if eventType == payment.EventPaymentCaptured {
		translated.TransactionID = transactionID(&pi)
		translated.Amount = pi.AmountReceived
	} else {
		translated.Amount = pi.Amount
		translated.Reason = string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			translated.Reason = pi.LastPaymentError.Msg
		}
	}
	return translated, true, nil
}
