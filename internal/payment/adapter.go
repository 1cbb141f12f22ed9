// Package payment wraps an external payment processor behind a bounded,
// retry-once adapter and verifies the processor's signed callbacks.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/observability"
)

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 2
)

// GatewayError carries the provider's diagnostic. Callers must not show
// Diagnostic to end users in production.
type GatewayError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrGatewayUnavailable, e.Op, e.Diagnostic)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayUnavailable
}

type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Receipt        string
	IdempotencyKey string
}

type Intent struct {
	ID          string          `json:"intent_id"`
	Amount      decimal.Decimal `json:"amount"`
	AmountMinor int64           `json:"amount_minor"`
	Currency    string          `json:"currency"`
}

type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentFailed          IntentStatus = "failed"
	IntentCanceled        IntentStatus = "canceled"
	IntentRefunded        IntentStatus = "refunded"
)

type IntentState struct {
	Status        IntentStatus
	TransactionID string
	AmountMinor   int64
}

// Provider is the processor-specific client. CancelIntent must succeed for
// an intent that is already canceled and fail for one that has been paid.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	IntentStatus(ctx context.Context, intentID string) (IntentState, error)
	CancelIntent(ctx context.Context, intentID string) error
	RefundIntent(ctx context.Context, intentID, idempotencyKey string) error
}

type Config struct {
	Timeout       time.Duration
	SigningSecret string
	WebhookSecret string
}

type Adapter struct {
	provider      Provider
	timeout       time.Duration
	signingSecret []byte
	webhookSecret []byte
	logger        *slog.Logger
}

func NewAdapter(provider Provider, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if provider == nil {
		return nil, fmt.Errorf("payment provider is required")
	}
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("payment signing secret is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("payment webhook secret is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Adapter{
		provider:      provider,
		timeout:       timeout,
		signingSecret: []byte(cfg.SigningSecret),
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        logger,
	}, nil
}

// IdempotencyKey is stable per order so a retried create never mints a
// second remote intent.
func IdempotencyKey(orderNumber string) string {
	return "intent-" + orderNumber
}

// CreateIntent asks the provider for an intent covering amount. Each attempt
// is bounded by the configured timeout and a failed attempt is retried once.
func (a *Adapter) CreateIntent(ctx context.Context, orderNumber string, amount decimal.Decimal, currency string) (Intent, error) {
	span := sentry.StartSpan(
		ctx,
		"payment.create_intent",
		sentry.WithOpName("payment.adapter"),
		sentry.WithDescription("Adapter.CreateIntent"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := logging.FromContext(ctx, a.logger)
	meter := observability.MeterFromContext(ctx)

	req := IntentRequest{
		AmountMinor:    ToMinorUnits(amount),
		Currency:       currency,
		Receipt:        orderNumber,
		IdempotencyKey: IdempotencyKey(orderNumber),
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		intent, err := a.provider.CreateIntent(attemptCtx, req)
		cancel()
		if err == nil {
			if intent.Currency == "" {
				intent.Currency = currency
			}
			if intent.AmountMinor == 0 {
				intent.AmountMinor = req.AmountMinor
			}
			intent.Amount = FromMinorUnits(intent.AmountMinor)
			meter.Count("payment.intent.created", 1, sentry.WithAttributes(attribute.Int("attempt", attempt)))
			span.Status = sentry.SpanStatusOK
			return intent, nil
		}

		lastErr = err
		logger.Warn("payment intent creation failed", "order_number", orderNumber, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	meter.Count("payment.intent.failed", 1)
	span.Status = sentry.SpanStatusUnavailable
	return Intent{}, &GatewayError{Op: "create intent", Diagnostic: lastErr.Error(), Err: lastErr}
}

// IntentStatus reports the provider's view of an intent. It is not retried.
func (a *Adapter) IntentStatus(ctx context.Context, intentID string) (IntentState, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	state, err := a.provider.IntentStatus(ctx, intentID)
	if err != nil {
		return IntentState{}, &GatewayError{Op: "intent status", Diagnostic: err.Error(), Err: err}
	}
	return state, nil
}

// CancelIntent closes an unpaid intent so it can no longer be paid. It
// fails when the customer has already paid.
func (a *Adapter) CancelIntent(ctx context.Context, intentID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.provider.CancelIntent(ctx, intentID); err != nil {
		observability.MeterFromContext(ctx).Count("payment.intent.cancel_failed", 1)
		return &GatewayError{Op: "cancel intent", Diagnostic: err.Error(), Err: err}
	}
	observability.MeterFromContext(ctx).Count("payment.intent.canceled", 1)
	return nil
}

// RefundIntent returns the full captured amount. The idempotency key is
// derived from the intent, so repeating it never refunds twice.
func (a *Adapter) RefundIntent(ctx context.Context, intentID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.provider.RefundIntent(ctx, intentID, "refund-"+intentID); err != nil {
		observability.MeterFromContext(ctx).Count("payment.refund.failed", 1)
		return &GatewayError{Op: "refund intent", Diagnostic: err.Error(), Err: err}
	}
	observability.MeterFromContext(ctx).Count("payment.refund.issued", 1)
	return nil
}

var minorUnitFactor = decimal.NewFromInt(100)

func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitFactor).Round(0).IntPart()
}

func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
