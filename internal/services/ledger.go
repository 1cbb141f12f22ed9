package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/inventory"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/payment"
)

// ledgerStore is implemented by *db.Store.
type ledgerStore interface {
	WithinTx(ctx context.Context, fn func(tx db.Tx) error) error
	CartItems(ctx context.Context, userID string) ([]models.CartLine, error)
	CouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	PendingOrdersBefore(ctx context.Context, cutoff time.Time, after db.PendingCursor, limit int) ([]models.Order, error)
}

// paymentGateway is implemented by *payment.Adapter.
type paymentGateway interface {
	CreateIntent(ctx context.Context, orderNumber string, amount decimal.Decimal, currency string) (payment.Intent, error)
	IntentStatus(ctx context.Context, intentID string) (payment.IntentState, error)
	CancelIntent(ctx context.Context, intentID string) error
	RefundIntent(ctx context.Context, intentID string) error
	VerifySignature(intentID, transactionID, signature string) bool
}

// OrderNotifier receives committed orders that reached a customer-visible
// status. Implementations must not block and must not fail the caller.
type OrderNotifier interface {
	OrderStatusChanged(ctx context.Context, order *models.Order)
}

type noopNotifier struct{}

func (noopNotifier) OrderStatusChanged(context.Context, *models.Order) {}

func notifiable(status models.OrderStatus) bool {
	switch status {
	case models.StatusConfirmed, models.StatusShipped, models.StatusDelivered, models.StatusCancelled:
		return true
	default:
		return false
	}
}

func lockOrder(ctx context.Context, tx db.Tx, orderID uuid.UUID) (*models.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

// compensate returns the order's reserved stock and its coupon use. Callers
// invoke it once, in the same transaction as the move to a terminal status.
func compensate(ctx context.Context, tx db.Tx, stock *inventory.Manager, order *models.Order) error {
	if err := stock.Release(ctx, tx, order.ID); err != nil {
		return err
	}
	if order.HasCoupon() {
		if err := tx.DecrementCouponUsage(ctx, order.CouponCode); err != nil {
			return err
		}
	}
	return nil
}

// cancelInTx moves a locked order to cancelled, compensating stock and
// coupon usage. A paid order becomes refunded; paymentStatus overrides
// otherwise when set.
func cancelInTx(ctx context.Context, tx db.Tx, gateway paymentGateway, stock *inventory.Manager, order *models.Order, paymentStatus models.PaymentStatus, description string) error {
	if !order.Status.CanTransitionTo(models.StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.StatusCancelled)
	}
	if err := settleIntent(ctx, gateway, order); err != nil {
		return err
	}
	if order.PaymentStatus == models.PaymentPaid {
		paymentStatus = models.PaymentRefunded
	}
	if err := compensate(ctx, tx, stock, order); err != nil {
		return err
	}
	if err := tx.UpdateOrderState(ctx, db.StateUpdate{
		OrderID:       order.ID,
		From:          order.Status,
		To:            models.StatusCancelled,
		PaymentStatus: paymentStatus,
	}); err != nil {
		return err
	}
	return tx.AppendTrackingEvent(ctx, order.ID, models.StatusCancelled, description)
}

// settleIntent closes the remote side of an order that is being cancelled
// while its row is locked. An open intent is canceled so it can no longer be
// paid, and a paid one is refunded. If the intent was paid in the meantime
// the cancel fails and so does the caller's transaction.
func settleIntent(ctx context.Context, gateway paymentGateway, order *models.Order) error {
	if order.PaymentIntentID == "" {
		return nil
	}
	switch order.PaymentStatus {
	case models.PaymentPaid:
		return gateway.RefundIntent(ctx, order.PaymentIntentID)
	case models.PaymentPending:
		return gateway.CancelIntent(ctx, order.PaymentIntentID)
	default:
		return nil
	}
}

// confirmInTx marks a locked pending order paid and confirmed.
func confirmInTx(ctx context.Context, tx db.Tx, order *models.Order, transactionID, description string) error {
	if err := tx.UpdateOrderState(ctx, db.StateUpdate{
		OrderID:       order.ID,
		From:          models.StatusPending,
		To:            models.StatusConfirmed,
		PaymentStatus: models.PaymentPaid,
		TransactionID: transactionID,
	}); err != nil {
		return err
	}
	if err := tx.AppendTrackingEvent(ctx, order.ID, models.StatusConfirmed, description); err != nil {
		return err
	}
	// Second clear; the first happened at checkout.
	return tx.ClearCart(ctx, order.UserID)
}

// alreadyPaid reports whether a confirmation signal for order is a repeat.
func alreadyPaid(order *models.Order) bool {
	return order.PaymentStatus == models.PaymentPaid || order.Status == models.StatusConfirmed
}
