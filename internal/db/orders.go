package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/crypto"
	"github.com/gitshopapp/checkout/internal/models"
)

const selectOrderSQL = `
	SELECT id, order_number, user_id, customer_email, status, payment_status, payment_method,
		shipping_address, region, currency,
		subtotal::text, discount::text, tax::text, shipping::text, total::text,
		coupon_code, payment_intent_id, payment_transaction_id,
		created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at, returned_at
	FROM orders`

type orderRow struct {
	Order                models.Order
	Status               string
	PaymentStatus        string
	PaymentMethod        string
	ShippingAddress      string
	Subtotal             string
	Discount             string
	Tax                  string
	Shipping             string
	Total                string
	CouponCode           pgtype.Text
	PaymentIntentID      pgtype.Text
	PaymentTransactionID pgtype.Text
	CreatedAt            pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
	ConfirmedAt          pgtype.Timestamptz
	ShippedAt            pgtype.Timestamptz
	DeliveredAt          pgtype.Timestamptz
	CancelledAt          pgtype.Timestamptz
	ReturnedAt           pgtype.Timestamptz
}

func scanOrder(row pgx.Row, encryptor crypto.Encryptor) (*models.Order, error) {
	var r orderRow
	err := row.Scan(
		&r.Order.ID, &r.Order.OrderNumber, &r.Order.UserID, &r.Order.CustomerEmail,
		&r.Status, &r.PaymentStatus, &r.PaymentMethod,
		&r.ShippingAddress, &r.Order.Region, &r.Order.Currency,
		&r.Subtotal, &r.Discount, &r.Tax, &r.Shipping, &r.Total,
		&r.CouponCode, &r.PaymentIntentID, &r.PaymentTransactionID,
		&r.CreatedAt, &r.UpdatedAt, &r.ConfirmedAt, &r.ShippedAt, &r.DeliveredAt, &r.CancelledAt, &r.ReturnedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return r.toOrder(encryptor)
}

func (r orderRow) toOrder(encryptor crypto.Encryptor) (*models.Order, error) {
	order := r.Order
	order.Status = models.OrderStatus(r.Status)
	order.PaymentStatus = models.PaymentStatus(r.PaymentStatus)
	order.PaymentMethod = models.PaymentMethod(r.PaymentMethod)

	amounts := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"subtotal", r.Subtotal, &order.Subtotal},
		{"discount", r.Discount, &order.Discount},
		{"tax", r.Tax, &order.Tax},
		{"shipping", r.Shipping, &order.Shipping},
		{"total", r.Total, &order.Total},
	}
	for _, amount := range amounts {
		parsed, err := parseDecimal(amount.value, amount.name)
		if err != nil {
			return nil, err
		}
		*amount.dst = parsed
	}

	if r.CouponCode.Valid {
		order.CouponCode = r.CouponCode.String
	}
	if r.PaymentIntentID.Valid {
		order.PaymentIntentID = r.PaymentIntentID.String
	}
	if r.PaymentTransactionID.Valid {
		order.PaymentTransactionID = r.PaymentTransactionID.String
	}
	order.CreatedAt = r.CreatedAt.Time
	order.UpdatedAt = r.UpdatedAt.Time
	if r.ConfirmedAt.Valid {
		order.ConfirmedAt = r.ConfirmedAt.Time
	}
	if r.ShippedAt.Valid {
		order.ShippedAt = r.ShippedAt.Time
	}
	if r.DeliveredAt.Valid {
		order.DeliveredAt = r.DeliveredAt.Time
	}
	if r.CancelledAt.Valid {
		order.CancelledAt = r.CancelledAt.Time
	}
	if r.ReturnedAt.Valid {
		order.ReturnedAt = r.ReturnedAt.Time
	}

	if r.ShippingAddress != "" {
		if err := crypto.OpenJSON(encryptor, r.ShippingAddress, order.ID.String(), &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("failed to open shipping address for order %s: %w", order.ID, err)
		}
	}
	return &order, nil
}

func parseDecimal(value, name string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return parsed, nil
}

func nullText(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}
