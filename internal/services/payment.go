package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/inventory"
	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/observability"
	"github.com/gitshopapp/checkout/internal/payment"
)

// PaymentService finalizes orders from payment signals. Client redirects,
// webhooks and the stale-order sweep all decide on the locked order row, so
// duplicated or reordered signals apply at most once.
type PaymentService struct {
	store    ledgerStore
	gateway  paymentGateway
	stock    *inventory.Manager
	notifier OrderNotifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewPaymentService(store ledgerStore, gateway paymentGateway, stock *inventory.Manager, notifier OrderNotifier, logger *slog.Logger) *PaymentService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if stock == nil {
		stock = inventory.NewManager(logger)
	}
	return &PaymentService{
		store:    store,
		gateway:  gateway,
		stock:    stock,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeConfirmed
	outcomeDuplicate
	outcomeCancelled
	outcomeSkipped
	outcomeRefunded
)

func (o outcome) String() string {
	switch o {
	case outcomeConfirmed:
		return "confirmed"
	case outcomeDuplicate:
		return "duplicate"
	case outcomeCancelled:
		return "cancelled"
	case outcomeSkipped:
		return "skipped"
	case outcomeRefunded:
		return "refunded"
	default:
		return "none"
	}
}

type ConfirmPaymentInput struct {
	UserID        string
	OrderID       uuid.UUID
	IntentID      string
	TransactionID string
	Signature     string
}

// ConfirmPayment handles the client-reported completion. A repeat for an
// already paid order succeeds without side effects. A bad signature cancels
// the order with payment failed and returns ErrInvalidSignature.
func (s *PaymentService) ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.confirm",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("ConfirmPayment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	ctx, logger := logging.With(ctx, s.logger, "order_id", input.OrderID, "intent_id", input.IntentID)
	meter := observability.MeterFromContext(ctx)

	var (
		result   outcome
		rejected bool
	)
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		result, rejected = outcomeNone, false

		order, err := lockOrder(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if input.UserID != "" && order.UserID != input.UserID {
			return ErrOrderNotFound
		}
		if order.PaymentIntentID == "" || order.PaymentIntentID != input.IntentID {
			return ErrIntentMismatch
		}
		if alreadyPaid(order) {
			result = outcomeDuplicate
			return nil
		}
		if order.Status != models.StatusPending {
			return fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
		}

		if !s.gateway.VerifySignature(input.IntentID, input.TransactionID, input.Signature) {
			rejected = true
			result = outcomeCancelled
			return cancelInTx(ctx, tx, s.gateway, s.stock, order, models.PaymentFailed, "Payment signature verification failed")
		}

		result = outcomeConfirmed
		return confirmInTx(ctx, tx, order, input.TransactionID, "Payment confirmed")
	})
	if err != nil {
		span.Status = sentry.SpanStatusFailedPrecondition
		return nil, err
	}

	meter.Count("payment.confirmation", 1, sentry.WithAttributes(
		attribute.String("source", "client"),
		attribute.String("outcome", result.String()),
	))
	if rejected {
		logger.Warn("payment signature rejected, order cancelled")
		span.Status = sentry.SpanStatusPermissionDenied
		if err := s.afterCommit(ctx, input.OrderID, result); err != nil {
			logger.Warn("failed to load order for notification", "error", err)
		}
		return nil, ErrInvalidSignature
	}

	order, err := s.store.GetOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if result == outcomeConfirmed {
		logger.Info("payment confirmed", "transaction_id", input.TransactionID)
		s.notifier.OrderStatusChanged(ctx, order)
	}
	span.Status = sentry.SpanStatusOK
	return order, nil
}

// ReconcileFromWebhook applies an authenticated processor event. Orders are
// found by intent because the transaction reference is only stored once the
// payment is confirmed. An event that beats checkout to recording its intent
// is matched through the receipt instead.
func (s *PaymentService) ReconcileFromWebhook(ctx context.Context, event *payment.WebhookEvent) error {
	if event == nil {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}

	ctx, logger := logging.With(ctx, s.logger, "event_type", event.Type, "intent_id", event.IntentID)
	meter := observability.MeterFromContext(ctx)

	var (
		result  outcome
		orderID uuid.UUID
	)
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		result = outcomeNone

		order, err := lockOrderForEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		orderID = order.ID

		switch event.Type {
		case payment.EventPaymentCaptured:
			result, err = s.applyCapture(ctx, tx, order, capture{
				transactionID: event.TransactionID,
				amountMinor:   event.Amount,
				checkAmount:   true,
				description:   "Payment captured",
			})
			return err
		case payment.EventPaymentFailed:
			result, err = s.applyFailure(ctx, tx, order, event.Reason)
			return err
		default:
			return fmt.Errorf("%w: unsupported event type %q", ErrValidation, event.Type)
		}
	})
	if err != nil {
		meter.Count("payment.webhook.failed", 1, sentry.WithAttributes(attribute.String("event_type", string(event.Type))))
		return err
	}

	meter.Count("payment.confirmation", 1, sentry.WithAttributes(
		attribute.String("source", "webhook"),
		attribute.String("outcome", result.String()),
	))
	logger.Info("payment webhook reconciled", "order_id", orderID, "outcome", result.String())
	if err := s.afterCommit(ctx, orderID, result); err != nil {
		logger.Warn("failed to load order for notification", "order_id", orderID, "error", err)
	}
	return nil
}

// lockOrderForEvent finds the order an event refers to. When the intent is
// unknown but the receipt names a pending order still waiting for its
// intent, the intent is recorded on that order first.
func lockOrderForEvent(ctx context.Context, tx db.Tx, event *payment.WebhookEvent) (*models.Order, error) {
	order, err := tx.LockOrderByIntent(ctx, event.IntentID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if event.Receipt == "" {
		return nil, ErrOrderNotFound
	}

	order, err = tx.LockOrderByNumber(ctx, event.Receipt)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if order.PaymentIntentID != "" || order.Status != models.StatusPending {
		return nil, ErrOrderNotFound
	}
	if err := tx.SetPaymentIntent(ctx, order.ID, event.IntentID); err != nil {
		return nil, err
	}
	order.PaymentIntentID = event.IntentID
	return order, nil
}

// SweepResult counts what one page of a sweep did. Next is the cursor for
// the following page.
type SweepResult struct {
	Confirmed int
	Cancelled int
	Skipped   int
	Failed    int
	Seen      int
	Next      db.PendingCursor
}

// ReconcileStale settles pending orders older than ttl by asking the
// gateway what happened to their intents. Captured intents confirm the
// order; anything else except an in-flight payment cancels it. Rows held
// by another transaction are left for the next sweep. Pages start after
// the given cursor so rows that stay pending do not hide newer ones.
func (s *PaymentService) ReconcileStale(ctx context.Context, ttl time.Duration, after db.PendingCursor, limit int) (SweepResult, error) {
	result := SweepResult{Next: after}
	logger := logging.FromContext(ctx, s.logger)

	orders, err := s.store.PendingOrdersBefore(ctx, s.now().Add(-ttl), after, limit)
	if err != nil {
		return result, err
	}

	for i := range orders {
		order := &orders[i]
		result.Seen++
		result.Next = db.PendingCursor{CreatedAt: order.CreatedAt, ID: order.ID}
		got, err := s.reconcileStaleOrder(ctx, order)
		if err != nil {
			result.Failed++
			logger.Warn("failed to reconcile stale order", "order_id", order.ID, "error", err)
			continue
		}
		switch got {
		case outcomeConfirmed:
			result.Confirmed++
		case outcomeCancelled:
			result.Cancelled++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

func (s *PaymentService) reconcileStaleOrder(ctx context.Context, order *models.Order) (outcome, error) {
	var state payment.IntentState
	if order.PaymentIntentID != "" {
		var err error
		state, err = s.gateway.IntentStatus(ctx, order.PaymentIntentID)
		if err != nil {
			return outcomeSkipped, err
		}
		if state.Status == payment.IntentProcessing {
			return outcomeSkipped, nil
		}
	}

	var result outcome
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		result = outcomeSkipped

		locked, err := tx.TryLockOrder(ctx, order.ID)
		if errors.Is(err, db.ErrRowBusy) {
			return nil
		}
		if err != nil {
			return err
		}
		if locked.Status != models.StatusPending || locked.PaymentIntentID != order.PaymentIntentID {
			return nil
		}

		if state.Status == payment.IntentSucceeded {
			result, err = s.applyCapture(ctx, tx, locked, capture{
				transactionID: state.TransactionID,
				amountMinor:   state.AmountMinor,
				checkAmount:   state.AmountMinor > 0,
				description:   "Payment confirmed by reconciliation",
			})
			return err
		}

		result = outcomeCancelled
		return cancelInTx(ctx, tx, s.gateway, s.stock, locked, models.PaymentFailed, "Payment not completed in time")
	})
	if err != nil {
		return outcomeNone, err
	}
	if err := s.afterCommit(ctx, order.ID, result); err != nil {
		logging.FromContext(ctx, s.logger).Warn("failed to load order for notification", "order_id", order.ID, "error", err)
	}
	return result, nil
}

type capture struct {
	transactionID string
	amountMinor   int64
	checkAmount   bool
	description   string
}

func (s *PaymentService) applyCapture(ctx context.Context, tx db.Tx, order *models.Order, c capture) (outcome, error) {
	logger := logging.FromContext(ctx, s.logger)

	if alreadyPaid(order) {
		if order.PaymentTransactionID != "" && c.transactionID != "" && order.PaymentTransactionID != c.transactionID {
			logger.Warn("capture for paid order carries another transaction", "order_id", order.ID, "stored", order.PaymentTransactionID, "received", c.transactionID)
		}
		return outcomeDuplicate, nil
	}
	if order.Status == models.StatusCancelled {
		return s.refundLateCapture(ctx, tx, order, c)
	}
	if order.Status != models.StatusPending {
		return outcomeNone, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
	}
	if want := payment.ToMinorUnits(order.Total); c.checkAmount && c.amountMinor != want {
		logger.Warn("captured amount mismatch", "order_id", order.ID, "received", c.amountMinor, "expected", want)
		return outcomeNone, fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, c.amountMinor, want)
	}

	if err := confirmInTx(ctx, tx, order, c.transactionID, c.description); err != nil {
		return outcomeNone, err
	}
	return outcomeConfirmed, nil
}

// refundLateCapture returns money captured after the order was cancelled.
// The order stays cancelled; only its payment status moves to refunded.
func (s *PaymentService) refundLateCapture(ctx context.Context, tx db.Tx, order *models.Order, c capture) (outcome, error) {
	logger := logging.FromContext(ctx, s.logger)
	if order.PaymentStatus == models.PaymentRefunded {
		return outcomeDuplicate, nil
	}

	logger.Warn("payment captured for cancelled order, refunding", "order_id", order.ID, "transaction_id", c.transactionID)
	if err := s.gateway.RefundIntent(ctx, order.PaymentIntentID); err != nil {
		return outcomeNone, err
	}
	if err := tx.UpdateOrderState(ctx, db.StateUpdate{
		OrderID:       order.ID,
		From:          models.StatusCancelled,
		To:            models.StatusCancelled,
		PaymentStatus: models.PaymentRefunded,
		TransactionID: c.transactionID,
	}); err != nil {
		return outcomeNone, err
	}
	observability.MeterFromContext(ctx).Count("payment.late_capture.refunded", 1)
	return outcomeRefunded, nil
}

func (s *PaymentService) applyFailure(ctx context.Context, tx db.Tx, order *models.Order, reason string) (outcome, error) {
	if alreadyPaid(order) || order.Status != models.StatusPending {
		logging.FromContext(ctx, s.logger).Info("ignoring payment failure for settled order", "order_id", order.ID, "status", order.Status)
		return outcomeDuplicate, nil
	}

	description := "Payment failed"
	if reason != "" {
		description += ": " + reason
	}
	if err := cancelInTx(ctx, tx, s.gateway, s.stock, order, models.PaymentFailed, description); err != nil {
		return outcomeNone, err
	}
	return outcomeCancelled, nil
}

// afterCommit fires the best-effort notification once a confirmation or
// cancellation has committed.
func (s *PaymentService) afterCommit(ctx context.Context, orderID uuid.UUID, result outcome) error {
	if result != outcomeConfirmed && result != outcomeCancelled {
		return nil
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	s.notifier.OrderStatusChanged(ctx, order)
	return nil
}
