// Package pricing turns priced lines and an optional coupon into an order breakdown.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/models"
)

var ErrInvalidLine = errors.New("invalid pricing line")

var hundred = decimal.NewFromInt(100)

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Breakdown is rounded to two decimal places, half away from zero.
type Breakdown struct {
	Subtotal           decimal.Decimal `json:"subtotal"`
	Discount           decimal.Decimal `json:"discount"`
	DiscountedSubtotal decimal.Decimal `json:"discounted_subtotal"`
	Tax                decimal.Decimal `json:"tax"`
	Shipping           decimal.Decimal `json:"shipping"`
	Total              decimal.Decimal `json:"total"`
	Currency           string          `json:"currency"`
}

// LinesFromCart maps cart rows onto pricing lines in cart order.
func LinesFromCart(cart []models.CartLine) []Line {
	lines := make([]Line, 0, len(cart))
	for _, item := range cart {
		lines = append(lines, Line{UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}
	return lines
}

// Subtotal sums unit price times quantity.
func Subtotal(lines []Line) (decimal.Decimal, error) {
	subtotal := decimal.Zero
	for i, line := range lines {
		if line.Quantity < 1 {
			return decimal.Zero, fmt.Errorf("%w: line %d quantity %d", ErrInvalidLine, i, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: line %d unit price %s", ErrInvalidLine, i, line.UnitPrice)
		}
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return subtotal.Round(2), nil
}

// LineTotal is the rounded price of one line, as frozen on order items.
func LineTotal(line Line) decimal.Decimal {
	return line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
}

// Discount returns the coupon's discount on subtotal, clamped to [0, subtotal].
func Discount(subtotal decimal.Decimal, coupon *models.Coupon) decimal.Decimal {
	if coupon == nil {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch coupon.DiscountType {
	case models.DiscountPercentage:
		discount = subtotal.Mul(coupon.DiscountValue).Div(hundred)
	case models.DiscountFixed:
		discount = coupon.DiscountValue
	default:
		return decimal.Zero
	}

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	return discount.Round(2)
}

// Quote prices lines under r. It has no side effects, so preview and commit
// produce identical results for identical inputs.
func (r Rules) Quote(lines []Line, coupon *models.Coupon) (Breakdown, error) {
	subtotal, err := Subtotal(lines)
	if err != nil {
		return Breakdown{}, err
	}

	discount := Discount(subtotal, coupon)
	discounted := subtotal.Sub(discount)
	tax := discounted.Mul(r.TaxRate).Round(2)

	shipping := r.FlatShippingFee
	if discounted.IsZero() || discounted.GreaterThanOrEqual(r.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	return Breakdown{
		Subtotal:           subtotal,
		Discount:           discount,
		DiscountedSubtotal: discounted,
		Tax:                tax,
		Shipping:           shipping,
		Total:              discounted.Add(tax).Add(shipping).Round(2),
		Currency:           r.Currency,
	}, nil
}
