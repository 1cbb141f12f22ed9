package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
	StatusReturned   OrderStatus = "returned"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusReturned},
	StatusDelivered:  {StatusReturned},
	StatusCancelled:  nil,
	StatusReturned:   nil,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransitionTo reports whether the transition table allows s -> next.
// Re-applying the current status is not a transition and returns false.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CustomerCancellable reports whether the owner may still cancel the order.
func (s OrderStatus) CustomerCancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodUPI    PaymentMethod = "upi"
	PaymentMethodWallet PaymentMethod = "wallet"
)

type Address struct {
	Name       string `json:"name" validate:"required,max=200"`
	Phone      string `json:"phone" validate:"required,max=32"`
	Line1      string `json:"line1" validate:"required,max=300"`
	Line2      string `json:"line2,omitempty" validate:"max=300"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"required,max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

type Order struct {
	ID                   uuid.UUID       `json:"id"`
	OrderNumber          string          `json:"order_number"`
	UserID               string          `json:"user_id"`
	CustomerEmail        string          `json:"customer_email"`
	Status               OrderStatus     `json:"status"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	PaymentMethod        PaymentMethod   `json:"payment_method"`
	ShippingAddress      Address         `json:"shipping_address"`
	Region               string          `json:"region,omitempty"`
	Currency             string          `json:"currency"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	Discount             decimal.Decimal `json:"discount"`
	Tax                  decimal.Decimal `json:"tax"`
	Shipping             decimal.Decimal `json:"shipping"`
	Total                decimal.Decimal `json:"total"`
	CouponCode           string          `json:"coupon_code,omitempty"`
	PaymentIntentID      string          `json:"payment_intent_id,omitempty"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ConfirmedAt          time.Time       `json:"confirmed_at"`
	ShippedAt            time.Time       `json:"shipped_at"`
	DeliveredAt          time.Time       `json:"delivered_at"`
	CancelledAt          time.Time       `json:"cancelled_at"`
	ReturnedAt           time.Time       `json:"returned_at"`
	Items                []OrderItem     `json:"items,omitempty"`
	Events               []TrackingEvent `json:"events,omitempty"`
}

func (o *Order) HasCoupon() bool {
	return o != nil && o.CouponCode != ""
}

// OrderItem is frozen at creation and never updated.
type OrderItem struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type TrackingEvent struct {
	ID          int64       `json:"id"`
	OrderID     uuid.UUID   `json:"order_id"`
	Status      OrderStatus `json:"status"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
}
