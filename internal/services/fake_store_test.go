package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/models"
)

type fakeProduct struct {
	name   string
	price  decimal.Decimal
	stock  int
	active bool
}

type fakeCartRow struct {
	productID uuid.UUID
	quantity  int
}

type fakeState struct {
	products  map[uuid.UUID]fakeProduct
	carts     map[string][]fakeCartRow
	coupons   map[uuid.UUID]models.Coupon
	orders    map[uuid.UUID]models.Order
	events    []models.TrackingEvent
	sequences map[string]int
}

func (s *fakeState) clone() *fakeState {
	out := &fakeState{
		products:  make(map[uuid.UUID]fakeProduct, len(s.products)),
		carts:     make(map[string][]fakeCartRow, len(s.carts)),
		coupons:   make(map[uuid.UUID]models.Coupon, len(s.coupons)),
		orders:    make(map[uuid.UUID]models.Order, len(s.orders)),
		events:    append([]models.TrackingEvent(nil), s.events...),
		sequences: make(map[string]int, len(s.sequences)),
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.carts {
		out.carts[k] = append([]fakeCartRow(nil), v...)
	}
	for k, v := range s.coupons {
		out.coupons[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]models.OrderItem(nil), v.Items...)
		out.orders[k] = v
	}
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	return out
}

// fakeStore serializes transactions behind one mutex and rolls state back
// when fn fails, which is the observable behaviour of serializable
// transactions for these tests.
type fakeStore struct {
	mu    sync.Mutex
	state *fakeState
	// busy marks rows that TryLockOrder treats as locked elsewhere.
	busy map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: &fakeState{
			products:  map[uuid.UUID]fakeProduct{},
			carts:     map[string][]fakeCartRow{},
			coupons:   map[uuid.UUID]models.Coupon{},
			orders:    map[uuid.UUID]models.Order{},
			sequences: map[string]int{},
		},
		busy: map[uuid.UUID]bool{},
	}
}

func (s *fakeStore) addProduct(name, price string, stock int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.state.products[id] = fakeProduct{name: name, price: decimal.RequireFromString(price), stock: stock, active: true}
	return id
}

func (s *fakeStore) addToCart(userID string, productID uuid.UUID, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.carts[userID] = append(s.state.carts[userID], fakeCartRow{productID: productID, quantity: quantity})
}

func (s *fakeStore) addCoupon(c models.Coupon) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.state.coupons[c.ID] = c
	return c.ID
}

func (s *fakeStore) stock(productID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.products[productID].stock
}

func (s *fakeStore) coupon(id uuid.UUID) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.coupons[id]
}

func (s *fakeStore) cartSize(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.carts[userID])
}

func (s *fakeStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.orders)
}

func (s *fakeStore) eventsFor(orderID uuid.UUID, status models.OrderStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, event := range s.state.events {
		if event.OrderID == orderID && event.Status == status {
			count++
		}
	}
	return count
}

func (s *fakeStore) backdate(orderID uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.state.orders[orderID]
	order.CreatedAt = order.CreatedAt.Add(-age)
	s.state.orders[orderID] = order
}

func (s *fakeStore) WithinTx(ctx context.Context, fn func(tx db.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&fakeTx{store: s, state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *fakeStore) CartItems(ctx context.Context, userID string) ([]models.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&fakeTx{state: s.state}).CartItems(ctx, userID)
}

func (s *fakeStore) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&fakeTx{state: s.state}).CouponByCode(ctx, code)
}

func (s *fakeStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.state.orders[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	order.Items = append([]models.OrderItem(nil), order.Items...)
	for _, event := range s.state.events {
		if event.OrderID == orderID {
			order.Events = append(order.Events, event)
		}
	}
	return &order, nil
}

func (s *fakeStore) PendingOrdersBefore(ctx context.Context, cutoff time.Time, after db.PendingCursor, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, order := range s.state.orders {
		if order.Status == models.StatusPending && order.CreatedAt.Before(cutoff) && pendingAfter(order, after) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func pendingAfter(order models.Order, after db.PendingCursor) bool {
	if !order.CreatedAt.Equal(after.CreatedAt) {
		return order.CreatedAt.After(after.CreatedAt)
	}
	return order.ID.String() > after.ID.String()
}

type fakeTx struct {
	store *fakeStore
	state *fakeState
}

func (t *fakeTx) CartItems(_ context.Context, userID string) ([]models.CartLine, error) {
	var lines []models.CartLine
	for _, row := range t.state.carts[userID] {
		product := t.state.products[row.productID]
		lines = append(lines, models.CartLine{
			ProductID:   row.productID,
			ProductName: product.name,
			Quantity:    row.quantity,
			UnitPrice:   product.price,
			Available:   product.active,
		})
	}
	return lines, nil
}

func (t *fakeTx) ClearCart(_ context.Context, userID string) error {
	delete(t.state.carts, userID)
	return nil
}

func (t *fakeTx) DecrementStock(_ context.Context, productID uuid.UUID, quantity int) (bool, error) {
	product, ok := t.state.products[productID]
	if !ok || product.stock < quantity {
		return false, nil
	}
	product.stock -= quantity
	t.state.products[productID] = product
	return true, nil
}

func (t *fakeTx) StockLevel(_ context.Context, productID uuid.UUID) (int, error) {
	return t.state.products[productID].stock, nil
}

func (t *fakeTx) RestockOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	order, ok := t.state.orders[orderID]
	if !ok {
		return 0, nil
	}
	touched := map[uuid.UUID]bool{}
	for _, item := range order.Items {
		product := t.state.products[item.ProductID]
		product.stock += item.Quantity
		t.state.products[item.ProductID] = product
		touched[item.ProductID] = true
	}
	return int64(len(touched)), nil
}

func (t *fakeTx) CouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	for _, c := range t.state.coupons {
		if strings.EqualFold(c.Code, code) {
			found := c
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *fakeTx) IncrementCouponUsage(_ context.Context, couponID uuid.UUID) (bool, error) {
	c, ok := t.state.coupons[couponID]
	if !ok || !c.IsActive || c.Exhausted() {
		return false, nil
	}
	c.UsageCount++
	t.state.coupons[couponID] = c
	return true, nil
}

func (t *fakeTx) DecrementCouponUsage(_ context.Context, code string) error {
	for id, c := range t.state.coupons {
		if strings.EqualFold(c.Code, code) && c.UsageCount > 0 {
			c.UsageCount--
			t.state.coupons[id] = c
		}
	}
	return nil
}

func (t *fakeTx) NextOrderNumber(_ context.Context, day time.Time) (string, error) {
	key := day.UTC().Format("20060102")
	t.state.sequences[key]++
	return fmt.Sprintf("ORD-%s-%04d", key, t.state.sequences[key]), nil
}

func (t *fakeTx) InsertOrder(_ context.Context, order *models.Order) error {
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	stored := *order
	stored.Items = append([]models.OrderItem(nil), order.Items...)
	t.state.orders[order.ID] = stored
	return nil
}

func (t *fakeTx) AppendTrackingEvent(_ context.Context, orderID uuid.UUID, status models.OrderStatus, description string) error {
	t.state.events = append(t.state.events, models.TrackingEvent{
		ID:          int64(len(t.state.events) + 1),
		OrderID:     orderID,
		Status:      status,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (t *fakeTx) LockOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, ok := t.state.orders[orderID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &order, nil
}

func (t *fakeTx) LockOrderByIntent(_ context.Context, intentID string) (*models.Order, error) {
	for _, order := range t.state.orders {
		if order.PaymentIntentID != "" && order.PaymentIntentID == intentID {
			found := order
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *fakeTx) LockOrderByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	for _, order := range t.state.orders {
		if order.OrderNumber == orderNumber {
			found := order
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *fakeTx) TryLockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if t.store != nil && t.store.busy[orderID] {
		return nil, db.ErrRowBusy
	}
	order, err := t.LockOrder(ctx, orderID)
	if err != nil {
		return nil, db.ErrRowBusy
	}
	return order, nil
}

func (t *fakeTx) SetPaymentIntent(_ context.Context, orderID uuid.UUID, intentID string) error {
	order, ok := t.state.orders[orderID]
	if !ok || order.Status != models.StatusPending || order.PaymentIntentID != "" {
		return fmt.Errorf("%w: expected pending order without intent", models.ErrInvalidTransition)
	}
	order.PaymentIntentID = intentID
	t.state.orders[orderID] = order
	return nil
}

func (t *fakeTx) UpdateOrderState(_ context.Context, update db.StateUpdate) error {
	order, ok := t.state.orders[update.OrderID]
	if !ok || order.Status != update.From {
		return fmt.Errorf("%w: expected %s", models.ErrInvalidTransition, update.From)
	}

	now := time.Now()
	order.Status = update.To
	order.UpdatedAt = now
	if update.PaymentStatus != "" {
		order.PaymentStatus = update.PaymentStatus
	}
	if update.TransactionID != "" {
		order.PaymentTransactionID = update.TransactionID
	}
	switch update.To {
	case models.StatusConfirmed:
		order.ConfirmedAt = now
	case models.StatusShipped:
		order.ShippedAt = now
	case models.StatusDelivered:
		order.DeliveredAt = now
	case models.StatusCancelled:
		order.CancelledAt = now
	case models.StatusReturned:
		order.ReturnedAt = now
	}
	t.state.orders[update.OrderID] = order
	return nil
}
