package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gitshopapp/checkout/internal/crypto"
	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/models"
)

const maxTxAttempts = 3

// ErrRowBusy is returned by TryLockOrder when another transaction holds the
// row or the row does not exist.
var ErrRowBusy = errors.New("row locked by another transaction")

// querier is shared by the pool and open transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxPool is satisfied by *pgxpool.Pool and pgxmock pools.
type pgxPool interface {
	querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Tx is the ledger's view of one serializable transaction.
type Tx interface {
	CartItems(ctx context.Context, userID string) ([]models.CartLine, error)
	ClearCart(ctx context.Context, userID string) error

	DecrementStock(ctx context.Context, productID uuid.UUID, quantity int) (bool, error)
	StockLevel(ctx context.Context, productID uuid.UUID) (int, error)
	RestockOrder(ctx context.Context, orderID uuid.UUID) (int64, error)

	CouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	IncrementCouponUsage(ctx context.Context, couponID uuid.UUID) (bool, error)
	DecrementCouponUsage(ctx context.Context, code string) error

	NextOrderNumber(ctx context.Context, day time.Time) (string, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	AppendTrackingEvent(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, description string) error

	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	LockOrderByIntent(ctx context.Context, intentID string) (*models.Order, error)
	LockOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	TryLockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	SetPaymentIntent(ctx context.Context, orderID uuid.UUID, intentID string) error
	UpdateOrderState(ctx context.Context, update StateUpdate) error
}

// StateUpdate moves an order From -> To. Empty PaymentStatus and
// TransactionID leave those columns unchanged.
type StateUpdate struct {
	OrderID       uuid.UUID
	From          models.OrderStatus
	To            models.OrderStatus
	PaymentStatus models.PaymentStatus
	TransactionID string
}

type Store struct {
	pool      pgxPool
	encryptor crypto.Encryptor
	logger    *slog.Logger
}

func NewStore(pool pgxPool, encryptor crypto.Encryptor, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	return &Store{pool: pool, encryptor: encryptor, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in a serializable transaction, committing when fn
// returns nil. Serialization failures and deadlocks re-run fn from the
// start, so fn must not keep state from a previous attempt.
func (s *Store) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		logging.FromContext(ctx, s.logger).Debug("retrying serializable transaction", "attempt", attempt, "error", err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
		}
	}()

	if err = fn(&pgTx{q: tx, encryptor: s.encryptor}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// CartItems reads the user's cart outside a transaction, for previews.
func (s *Store) CartItems(ctx context.Context, userID string) ([]models.CartLine, error) {
	return cartItems(ctx, s.pool, userID)
}

func (s *Store) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return couponByCode(ctx, s.pool, code)
}

// GetOrder loads an order with its items and tracking events.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, selectOrderSQL+` WHERE id = $1`, orderID), s.encryptor)
	if err != nil {
		return nil, err
	}
	if order.Items, err = s.orderItems(ctx, orderID); err != nil {
		return nil, err
	}
	if order.Events, err = s.trackingEvents(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// PendingCursor is the position of the last pending order a sweep has
// read. The zero value starts at the oldest order.
type PendingCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// PendingOrdersBefore lists pending orders created before cutoff that sort
// after the cursor, oldest first. Rows are not locked; callers re-check
// under TryLockOrder.
func (s *Store) PendingOrdersBefore(ctx context.Context, cutoff time.Time, after PendingCursor, limit int) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, selectOrderSQL+`
		WHERE status = 'pending' AND created_at < $1
			AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, cutoff, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows, s.encryptor)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending orders: %w", err)
	}
	return orders, nil
}

func (s *Store) orderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price::text, subtotal::text
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_name, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var (
			item                models.OrderItem
			unitPrice, subtotal string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &unitPrice, &subtotal); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if item.UnitPrice, err = parseDecimal(unitPrice, "unit_price"); err != nil {
			return nil, err
		}
		if item.Subtotal, err = parseDecimal(subtotal, "subtotal"); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) trackingEvents(ctx context.Context, orderID uuid.UUID) ([]models.TrackingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, status, description, created_at
		FROM order_tracking_events
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking events: %w", err)
	}
	defer rows.Close()

	var events []models.TrackingEvent
	for rows.Next() {
		var (
			event  models.TrackingEvent
			status string
		)
		if err := rows.Scan(&event.ID, &event.OrderID, &status, &event.Description, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tracking event: %w", err)
		}
		event.Status = models.OrderStatus(status)
		events = append(events, event)
	}
	return events, rows.Err()
}
