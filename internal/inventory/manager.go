// Package inventory reserves and releases product stock for orders.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gitshopapp/checkout/internal/logging"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// Store is implemented by a transaction handle. DecrementStock must apply
// the decrement only when enough stock remains, in a single statement.
type Store interface {
	DecrementStock(ctx context.Context, productID uuid.UUID, quantity int) (bool, error)
	StockLevel(ctx context.Context, productID uuid.UUID) (int, error)
	RestockOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type Item struct {
	ProductID uuid.UUID
	Quantity  int
}

type Shortfall struct {
	ProductID uuid.UUID `json:"product_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Manager struct {
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Reserve decrements stock for every item. Quantities for the same product
// are merged and products are visited in a fixed order so concurrent
// reservations lock rows consistently. Any shortfall fails the whole
// reservation; the caller must abort its transaction so earlier decrements
// roll back.
func (m *Manager) Reserve(ctx context.Context, store Store, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	merged, err := mergeItems(items)
	if err != nil {
		return err
	}

	var shortfalls []Shortfall
	for _, item := range merged {
		ok, err := store.DecrementStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to reserve stock for %s: %w", item.ProductID, err)
		}
		if ok {
			continue
		}

		available, err := store.StockLevel(ctx, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to read stock for %s: %w", item.ProductID, err)
		}
		shortfalls = append(shortfalls, Shortfall{
			ProductID: item.ProductID,
			Requested: item.Quantity,
			Available: available,
		})
	}

	if len(shortfalls) > 0 {
		logging.FromContext(ctx, m.logger).Info("stock reservation rejected", "shortfalls", len(shortfalls))
		return &InsufficientStockError{Shortfalls: shortfalls}
	}
	return nil
}

// Release credits an order's frozen line quantities back to stock. The
// ledger calls it once per terminal transition.
func (m *Manager) Release(ctx context.Context, store Store, orderID uuid.UUID) error {
	restocked, err := store.RestockOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to release stock for order %s: %w", orderID, err)
	}
	logging.FromContext(ctx, m.logger).Info("stock released", "order_id", orderID, "products", restocked)
	return nil
}

func mergeItems(items []Item) ([]Item, error) {
	totals := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("invalid quantity %d for product %s", item.Quantity, item.ProductID)
		}
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]Item, 0, len(totals))
	for productID, quantity := range totals {
		merged = append(merged, Item{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID.String() < merged[j].ProductID.String()
	})
	return merged, nil
}
