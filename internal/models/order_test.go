package models

import "testing"

func TestOrderStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusShipped, false},
		{StatusConfirmed, StatusShipped, true},
		{StatusConfirmed, StatusPending, false},
		{StatusProcessing, StatusCancelled, true},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusCancelled, false},
		{StatusDelivered, StatusReturned, true},
		{StatusCancelled, StatusPending, false},
		{StatusReturned, StatusDelivered, false},
		{StatusConfirmed, StatusConfirmed, false},
		{OrderStatus("bogus"), StatusConfirmed, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range []OrderStatus{StatusCancelled, StatusReturned} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []OrderStatus{StatusPending, StatusConfirmed, StatusShipped, StatusDelivered} {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
	if OrderStatus("bogus").Terminal() {
		t.Fatal("unknown status must not be terminal")
	}
}

func TestCouponExhausted(t *testing.T) {
	t.Parallel()

	one := 1
	if (&Coupon{UsageCount: 5}).Exhausted() {
		t.Fatal("unlimited coupon must never be exhausted")
	}
	if (&Coupon{MaxUses: &one}).Exhausted() {
		t.Fatal("unused coupon with max_uses=1 must not be exhausted")
	}
	if !(&Coupon{MaxUses: &one, UsageCount: 1}).Exhausted() {
		t.Fatal("coupon at its limit must be exhausted")
	}
}
