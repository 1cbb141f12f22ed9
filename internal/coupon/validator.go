// Package coupon checks whether a coupon may be applied to an order.
package coupon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/models"
)

var (
	ErrNotFound          = errors.New("coupon not found")
	ErrInactive          = errors.New("coupon is inactive")
	ErrNotYetValid       = errors.New("coupon is not yet valid")
	ErrExpired           = errors.New("coupon has expired")
	ErrBelowMinimum      = errors.New("order is below the coupon minimum")
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
)

// IsCouponError reports whether err is one of the validation outcomes above.
func IsCouponError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrInactive, ErrNotYetValid, ErrExpired, ErrBelowMinimum, ErrUsageLimitReached} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// NormalizeCode makes coupon lookups case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type Validator struct {
	now func() time.Time
}

func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// NewValidatorWithClock is used by tests that pin the current time.
func NewValidatorWithClock(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate checks a fetched coupon against subtotal. A nil coupon means the
// lookup found nothing. The usage check is advisory; the conditional
// increment at commit time is authoritative.
func (v *Validator) Validate(coupon *models.Coupon, subtotal decimal.Decimal) error {
	if coupon == nil {
		return ErrNotFound
	}
	if !coupon.IsActive {
		return fmt.Errorf("%w: %s", ErrInactive, coupon.Code)
	}

	now := v.now()
	if coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom) {
		return fmt.Errorf("%w: %s starts %s", ErrNotYetValid, coupon.Code, coupon.ValidFrom.Format(time.RFC3339))
	}
	if coupon.ValidUntil != nil && now.After(*coupon.ValidUntil) {
		return fmt.Errorf("%w: %s ended %s", ErrExpired, coupon.Code, coupon.ValidUntil.Format(time.RFC3339))
	}
	if subtotal.LessThan(coupon.MinOrderValue) {
		return fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, coupon.MinOrderValue.StringFixed(2))
	}
	if coupon.Exhausted() {
		return fmt.Errorf("%w: %s", ErrUsageLimitReached, coupon.Code)
	}
	return nil
}
