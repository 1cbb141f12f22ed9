// Package stripe adapts Stripe PaymentIntents to the payment provider
// contract and translates Stripe webhooks into payment events.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/checkout/internal/payment"
)

// PaymentClient creates and inspects PaymentIntents.
type PaymentClient struct {
	client *stripe.Client
}

// NewPaymentClient builds a client with Stripe's own network retries
// disabled; the payment adapter owns the retry budget.
func NewPaymentClient(secretKey string, httpClient *http.Client) *PaymentClient {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &PaymentClient{
		client: stripe.NewClient(secretKey, stripe.WithBackends(backends)),
	}
}

func (c *PaymentClient) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	if ctx == nil {
		return payment.Intent{}, fmt.Errorf("context is required")
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String("Order " + req.Receipt),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			"receipt": req.Receipt,
		},
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := c.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return payment.Intent{}, fmt.Errorf("failed to create payment intent: %w", err)
	}

	return payment.Intent{
		ID:          pi.ID,
		AmountMinor: pi.Amount,
		Currency:    strings.ToUpper(string(pi.Currency)),
	}, nil
}

func (c *PaymentClient) IntentStatus(ctx context.Context, intentID string) (payment.IntentState, error) {
	if ctx == nil {
		return payment.IntentState{}, fmt.Errorf("context is required")
	}

	pi, err := c.client.V1PaymentIntents.Retrieve(ctx, intentID, nil)
	if err != nil {
		return payment.IntentState{}, fmt.Errorf("failed to retrieve payment intent: %w", err)
	}

	return payment.IntentState{
		Status:        intentStatus(pi.Status),
		TransactionID: transactionID(pi),
		AmountMinor:   pi.AmountReceived,
	}, nil
}

// CancelIntent cancels an unpaid intent. A failed cancel is re-read so an
// intent that was already canceled counts as success.
func (c *PaymentClient) CancelIntent(ctx context.Context, intentID string) error {
	if ctx == nil {
		return fmt.Errorf("context is required")
	}

	_, err := c.client.V1PaymentIntents.Cancel(ctx, intentID, &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	})
	if err == nil {
		return nil
	}

	pi, getErr := c.client.V1PaymentIntents.Retrieve(ctx, intentID, nil)
	if getErr == nil && pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}
	return fmt.Errorf("failed to cancel payment intent: %w", err)
}

// RefundIntent refunds everything captured on the intent.
func (c *PaymentClient) RefundIntent(ctx context.Context, intentID, idempotencyKey string) error {
	if ctx == nil {
		return fmt.Errorf("context is required")
	}

	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := c.client.V1Refunds.Create(ctx, params); err != nil {
		return fmt.Errorf("failed to refund payment intent: %w", err)
	}
	return nil
}

func intentStatus(status stripe.PaymentIntentStatus) payment.IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return payment.IntentCanceled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return payment.IntentProcessing
	default:
		return payment.IntentRequiresPayment
	}
}

// transactionID prefers the settled charge and falls back to the intent.
func transactionID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID
}
