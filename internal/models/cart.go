package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CartLine is a cart row joined with the live product record.
type CartLine struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Available   bool            `json:"available"`
}
