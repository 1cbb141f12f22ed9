package pricing

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/models"
)

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool {
	return a.Equal(b)
})

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func TestRulesQuote(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()

	tests := []struct {
		name   string
		lines  []Line
		coupon *models.Coupon
		want   Breakdown
	}{
		{
			name:  "no coupon below threshold",
			lines: []Line{{UnitPrice: d("1000"), Quantity: 2}},
			want: Breakdown{
				Subtotal:           d("2000"),
				Discount:           d("0"),
				DiscountedSubtotal: d("2000"),
				Tax:                d("360"),
				Shipping:           d("250"),
				Total:              d("2610"),
				Currency:           "INR",
			},
		},
		{
			name:   "fixed coupon stays below threshold",
			lines:  []Line{{UnitPrice: d("1000"), Quantity: 2}},
			coupon: &models.Coupon{DiscountType: models.DiscountFixed, DiscountValue: d("500")},
			want: Breakdown{
				Subtotal:           d("2000"),
				Discount:           d("500"),
				DiscountedSubtotal: d("1500"),
				Tax:                d("270"),
				Shipping:           d("250"),
				Total:              d("2020"),
				Currency:           "INR",
			},
		},
		{
			name:  "free shipping at threshold",
			lines: []Line{{UnitPrice: d("2500"), Quantity: 2}},
			want: Breakdown{
				Subtotal:           d("5000"),
				Discount:           d("0"),
				DiscountedSubtotal: d("5000"),
				Tax:                d("900"),
				Shipping:           d("0"),
				Total:              d("5900"),
				Currency:           "INR",
			},
		},
		{
			name:   "discount below threshold brings shipping back",
			lines:  []Line{{UnitPrice: d("2500"), Quantity: 2}},
			coupon: &models.Coupon{DiscountType: models.DiscountPercentage, DiscountValue: d("10")},
			want: Breakdown{
				Subtotal:           d("5000"),
				Discount:           d("500"),
				DiscountedSubtotal: d("4500"),
				Tax:                d("810"),
				Shipping:           d("250"),
				Total:              d("5560"),
				Currency:           "INR",
			},
		},
		{
			name:   "fixed coupon larger than subtotal is clamped",
			lines:  []Line{{UnitPrice: d("150"), Quantity: 2}},
			coupon: &models.Coupon{DiscountType: models.DiscountFixed, DiscountValue: d("500")},
			want: Breakdown{
				Subtotal:           d("300"),
				Discount:           d("300"),
				DiscountedSubtotal: d("0"),
				Tax:                d("0"),
				Shipping:           d("0"),
				Total:              d("0"),
				Currency:           "INR",
			},
		},
		{
			name:  "fractional prices round half away from zero",
			lines: []Line{{UnitPrice: d("333.335"), Quantity: 1}, {UnitPrice: d("0.10"), Quantity: 3}},
			want: Breakdown{
				Subtotal:           d("333.64"),
				Discount:           d("0"),
				DiscountedSubtotal: d("333.64"),
				Tax:                d("60.06"),
				Shipping:           d("250"),
				Total:              d("643.70"),
				Currency:           "INR",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := rules.Quote(tt.lines, tt.coupon)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, decimalComparer); diff != "" {
				t.Fatalf("Quote() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRulesQuote_CouponFreeTotals(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	for price := 1; price <= 4000; price += 37 {
		for qty := 1; qty <= 4; qty++ {
			lines := []Line{
				{UnitPrice: decimal.New(int64(price)*100+49, -2), Quantity: qty},
				{UnitPrice: d("19.99"), Quantity: 1},
			}
			got, err := rules.Quote(lines, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Total.Equal(got.Subtotal.Add(got.Tax).Add(got.Shipping)) {
				t.Fatalf("total %s != subtotal %s + tax %s + shipping %s", got.Total, got.Subtotal, got.Tax, got.Shipping)
			}
			if got.Subtotal.GreaterThanOrEqual(rules.FreeShippingThreshold) && !got.Shipping.IsZero() {
				t.Fatalf("expected free shipping for subtotal %s, got %s", got.Subtotal, got.Shipping)
			}
		}
	}
}

func TestDiscount_Percentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		subtotal string
		percent  string
		want     string
	}{
		{"2000", "10", "200"},
		{"999.99", "15", "150"},
		{"123.45", "33", "40.74"},
		{"100", "150", "100"},
		{"100", "-5", "0"},
		{"0", "50", "0"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.subtotal+"@"+tt.percent, func(t *testing.T) {
			t.Parallel()

			subtotal := d(tt.subtotal)
			got := Discount(subtotal, &models.Coupon{DiscountType: models.DiscountPercentage, DiscountValue: d(tt.percent)})
			if !got.Equal(d(tt.want)) {
				t.Fatalf("Discount() = %s, want %s", got, tt.want)
			}
			if got.IsNegative() || got.GreaterThan(subtotal) {
				t.Fatalf("discount %s outside [0, %s]", got, subtotal)
			}
		})
	}
}

func TestDiscount_NilAndUnknownType(t *testing.T) {
	t.Parallel()

	if got := Discount(d("100"), nil); !got.IsZero() {
		t.Fatalf("expected zero discount without coupon, got %s", got)
	}
	if got := Discount(d("100"), &models.Coupon{DiscountType: "bogus", DiscountValue: d("5")}); !got.IsZero() {
		t.Fatalf("expected zero discount for unknown type, got %s", got)
	}
}

func TestRulesQuote_InvalidLines(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	tests := []struct {
		name  string
		lines []Line
	}{
		{"zero quantity", []Line{{UnitPrice: d("10"), Quantity: 0}}},
		{"negative price", []Line{{UnitPrice: d("-1"), Quantity: 1}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := rules.Quote(tt.lines, nil)
			if !errors.Is(err, ErrInvalidLine) {
				t.Fatalf("expected ErrInvalidLine, got %v", err)
			}
		})
	}
}

func TestLinesFromCart(t *testing.T) {
	t.Parallel()

	cart := []models.CartLine{
		{ProductName: "Tea", UnitPrice: d("120.50"), Quantity: 2},
		{ProductName: "Mug", UnitPrice: d("300"), Quantity: 1},
	}
	want := []Line{
		{UnitPrice: d("120.50"), Quantity: 2},
		{UnitPrice: d("300"), Quantity: 1},
	}
	if diff := cmp.Diff(want, LinesFromCart(cart), decimalComparer); diff != "" {
		t.Fatalf("LinesFromCart() mismatch (-want +got):\n%s", diff)
	}
}
