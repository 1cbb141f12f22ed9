package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

type fakeStore struct {
	stock    map[uuid.UUID]int
	order    map[uuid.UUID][]Item
	visited  []uuid.UUID
	failWith error
}

func (f *fakeStore) DecrementStock(_ context.Context, productID uuid.UUID, quantity int) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	f.visited = append(f.visited, productID)
	if f.stock[productID] < quantity {
		return false, nil
	}
	f.stock[productID] -= quantity
	return true, nil
}

func (f *fakeStore) StockLevel(_ context.Context, productID uuid.UUID) (int, error) {
	return f.stock[productID], nil
}

func (f *fakeStore) RestockOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	items := f.order[orderID]
	for _, item := range items {
		f.stock[item.ProductID] += item.Quantity
	}
	return int64(len(items)), nil
}

var (
	productA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	productB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func TestManagerReserve(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stock: map[uuid.UUID]int{productA: 5, productB: 1}}
	manager := NewManager(nil)

	err := manager.Reserve(context.Background(), store, []Item{
		{ProductID: productB, Quantity: 1},
		{ProductID: productA, Quantity: 2},
		{ProductID: productA, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.stock[productA] != 2 || store.stock[productB] != 0 {
		t.Fatalf("unexpected stock: %v", store.stock)
	}
	if diff := cmp.Diff([]uuid.UUID{productA, productB}, store.visited); diff != "" {
		t.Fatalf("products must be reserved in id order (-want +got):\n%s", diff)
	}
}

func TestManagerReserve_ReportsEveryShortfall(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stock: map[uuid.UUID]int{productA: 1, productB: 0}}
	manager := NewManager(nil)

	err := manager.Reserve(context.Background(), store, []Item{
		{ProductID: productA, Quantity: 3},
		{ProductID: productB, Quantity: 1},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %T", err)
	}
	want := []Shortfall{
		{ProductID: productA, Requested: 3, Available: 1},
		{ProductID: productB, Requested: 1, Available: 0},
	}
	if diff := cmp.Diff(want, stockErr.Shortfalls); diff != "" {
		t.Fatalf("shortfalls mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerReserve_InvalidQuantity(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stock: map[uuid.UUID]int{productA: 5}}
	err := NewManager(nil).Reserve(context.Background(), store, []Item{{ProductID: productA, Quantity: 0}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(store.visited) != 0 {
		t.Fatal("no stock must be touched for invalid input")
	}
}

func TestManagerReserve_StoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	store := &fakeStore{stock: map[uuid.UUID]int{}, failWith: boom}
	err := NewManager(nil).Reserve(context.Background(), store, []Item{{ProductID: productA, Quantity: 1}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if errors.Is(err, ErrInsufficientStock) {
		t.Fatal("store failures must not look like stock shortfalls")
	}
}

func TestManagerRelease(t *testing.T) {
	t.Parallel()

	orderID := uuid.New()
	store := &fakeStore{
		stock: map[uuid.UUID]int{productA: 0},
		order: map[uuid.UUID][]Item{orderID: {{ProductID: productA, Quantity: 2}}},
	}

	if err := NewManager(nil).Release(context.Background(), store, orderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.stock[productA] != 2 {
		t.Fatalf("expected stock 2 after release, got %d", store.stock[productA])
	}
}
