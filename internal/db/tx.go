package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/gitshopapp/checkout/internal/crypto"
	"github.com/gitshopapp/checkout/internal/models"
)

const maxOrderNumberAttempts = 5

type pgTx struct {
	q         querier
	encryptor crypto.Encryptor
}

func cartItems(ctx context.Context, q querier, userID string) ([]models.CartLine, error) {
	rows, err := q.Query(ctx, `
		SELECT c.product_id, p.name, c.quantity, p.price::text, p.is_active
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.created_at, c.product_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var (
			line  models.CartLine
			price string
		)
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.Quantity, &price, &line.Available); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		if line.UnitPrice, err = parseDecimal(price, "price"); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cart: %w", err)
	}
	return lines, nil
}

func couponByCode(ctx context.Context, q querier, code string) (*models.Coupon, error) {
	var (
		coupon                  models.Coupon
		discountType            string
		discountValue, minOrder string
		maxUses                 pgtype.Int4
		validFrom, validUntil   pgtype.Timestamptz
	)
	err := q.QueryRow(ctx, `
		SELECT id, code, discount_type, discount_value::text, min_order_value::text,
			max_uses, usage_count, valid_from, valid_until, is_active
		FROM coupons
		WHERE lower(code) = lower($1)`, code).Scan(
		&coupon.ID, &coupon.Code, &discountType, &discountValue, &minOrder,
		&maxUses, &coupon.UsageCount, &validFrom, &validUntil, &coupon.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}

	coupon.DiscountType = models.DiscountType(discountType)
	if coupon.DiscountValue, err = parseDecimal(discountValue, "discount_value"); err != nil {
		return nil, err
	}
	if coupon.MinOrderValue, err = parseDecimal(minOrder, "min_order_value"); err != nil {
		return nil, err
	}
	if maxUses.Valid {
		limit := int(maxUses.Int32)
		coupon.MaxUses = &limit
	}
	if validFrom.Valid {
		from := validFrom.Time
		coupon.ValidFrom = &from
	}
	if validUntil.Valid {
		until := validUntil.Time
		coupon.ValidUntil = &until
	}
	return &coupon, nil
}

func (t *pgTx) CartItems(ctx context.Context, userID string) ([]models.CartLine, error) {
	return cartItems(ctx, t.q, userID)
}

func (t *pgTx) ClearCart(ctx context.Context, userID string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// DecrementStock reserves quantity only if that much stock remains.
func (t *pgTx) DecrementStock(ctx context.Context, productID uuid.UUID, quantity int) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2`, productID, quantity)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) StockLevel(ctx context.Context, productID uuid.UUID) (int, error) {
	var stock int
	err := t.q.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return stock, err
}

// RestockOrder credits every frozen line of the order back in one statement.
func (t *pgTx) RestockOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE products p
		SET stock_quantity = p.stock_quantity + oi.quantity, updated_at = now()
		FROM (
			SELECT product_id, SUM(quantity)::int AS quantity
			FROM order_items
			WHERE order_id = $1
			GROUP BY product_id
		) oi
		WHERE p.id = oi.product_id`, orderID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return couponByCode(ctx, t.q, code)
}

// IncrementCouponUsage consumes one use if the coupon is active and its
// limit still holds.
func (t *pgTx) IncrementCouponUsage(ctx context.Context, couponID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE coupons
		SET usage_count = usage_count + 1
		WHERE id = $1 AND is_active AND (max_uses IS NULL OR usage_count < max_uses)`, couponID)
	if err != nil {
		return false, fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) DecrementCouponUsage(ctx context.Context, code string) error {
	if _, err := t.q.Exec(ctx, `
		UPDATE coupons
		SET usage_count = GREATEST(usage_count - 1, 0)
		WHERE lower(code) = lower($1)`, code); err != nil {
		return fmt.Errorf("failed to roll back coupon usage: %w", err)
	}
	return nil
}

// NextOrderNumber allocates ORD-YYYYMMDD-NNNN from a per-day counter and
// skips any number already taken.
func (t *pgTx) NextOrderNumber(ctx context.Context, day time.Time) (string, error) {
	day = day.UTC()
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		var seq int
		err := t.q.QueryRow(ctx, `
			INSERT INTO order_number_sequences (day, last_value)
			VALUES ($1, 1)
			ON CONFLICT (day) DO UPDATE SET last_value = order_number_sequences.last_value + 1
			RETURNING last_value`, day.Format("2006-01-02")).Scan(&seq)
		if err != nil {
			return "", fmt.Errorf("failed to allocate order number: %w", err)
		}

		number := fmt.Sprintf("ORD-%s-%04d", day.Format("20060102"), seq)
		var taken bool
		if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, number).Scan(&taken); err != nil {
			return "", fmt.Errorf("failed to check order number: %w", err)
		}
		if !taken {
			return number, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a free order number after %d attempts", maxOrderNumberAttempts)
}

// InsertOrder writes the header and every line item. The shipping address
// is sealed to the order id.
func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return fmt.Errorf("order is required")
	}
	address, err := crypto.SealJSON(t.encryptor, order.ShippingAddress, order.ID.String())
	if err != nil {
		return fmt.Errorf("failed to seal shipping address: %w", err)
	}

	err = t.q.QueryRow(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, customer_email, status, payment_status, payment_method,
			shipping_address, region, currency, subtotal, discount, tax, shipping, total, coupon_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`,
		order.ID, order.OrderNumber, order.UserID, order.CustomerEmail,
		string(order.Status), string(order.PaymentStatus), string(order.PaymentMethod),
		address, order.Region, order.Currency,
		order.Subtotal.StringFixed(2), order.Discount.StringFixed(2), order.Tax.StringFixed(2),
		order.Shipping.StringFixed(2), order.Total.StringFixed(2), nullText(order.CouponCode),
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice.StringFixed(2), item.Subtotal.StringFixed(2),
		); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

func (t *pgTx) AppendTrackingEvent(ctx context.Context, orderID uuid.UUID, status models.OrderStatus, description string) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO order_tracking_events (order_id, status, description)
		VALUES ($1, $2, $3)`, orderID, string(status), description); err != nil {
		return fmt.Errorf("failed to append tracking event: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return scanOrder(t.q.QueryRow(ctx, selectOrderSQL+` WHERE id = $1 FOR UPDATE`, orderID), t.encryptor)
}

func (t *pgTx) LockOrderByIntent(ctx context.Context, intentID string) (*models.Order, error) {
	return scanOrder(t.q.QueryRow(ctx, selectOrderSQL+` WHERE payment_intent_id = $1 FOR UPDATE`, intentID), t.encryptor)
}

func (t *pgTx) LockOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return scanOrder(t.q.QueryRow(ctx, selectOrderSQL+` WHERE order_number = $1 FOR UPDATE`, orderNumber), t.encryptor)
}

// TryLockOrder locks the order without waiting. ErrRowBusy means another
// transaction holds it.
func (t *pgTx) TryLockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := scanOrder(t.q.QueryRow(ctx, selectOrderSQL+` WHERE id = $1 FOR UPDATE SKIP LOCKED`, orderID), t.encryptor)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrRowBusy
	}
	return order, err
}

// SetPaymentIntent records the remote intent on a pending order that has
// none yet.
func (t *pgTx) SetPaymentIntent(ctx context.Context, orderID uuid.UUID, intentID string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET payment_intent_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND payment_intent_id IS NULL`, orderID, intentID)
	if err != nil {
		return fmt.Errorf("failed to set payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected pending order without intent", models.ErrInvalidTransition)
	}
	return nil
}

// UpdateOrderState applies a transition only if the order is still in
// update.From, stamping the timestamp column for the new status.
func (t *pgTx) UpdateOrderState(ctx context.Context, update StateUpdate) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status = $2,
			payment_status = COALESCE($3, payment_status),
			payment_transaction_id = COALESCE($4, payment_transaction_id),
			confirmed_at = CASE WHEN $2 = 'confirmed' THEN now() ELSE confirmed_at END,
			shipped_at = CASE WHEN $2 = 'shipped' THEN now() ELSE shipped_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN now() ELSE delivered_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled' AND $5 <> 'cancelled' THEN now() ELSE cancelled_at END,
			returned_at = CASE WHEN $2 = 'returned' THEN now() ELSE returned_at END,
			updated_at = now()
		WHERE id = $1 AND status = $5`,
		update.OrderID, string(update.To), nullText(string(update.PaymentStatus)),
		nullText(update.TransactionID), string(update.From))
	if err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected %s", models.ErrInvalidTransition, update.From)
	}
	return nil
}
