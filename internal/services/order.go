package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gitshopapp/checkout/internal/coupon"
	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/inventory"
	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/observability"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/pricing"
)

type OrderService struct {
	store    ledgerStore
	gateway  paymentGateway
	stock    *inventory.Manager
	coupons  *coupon.Validator
	rules    *pricing.RuleSet
	notifier OrderNotifier
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewOrderService(store ledgerStore, gateway paymentGateway, stock *inventory.Manager, coupons *coupon.Validator, rules *pricing.RuleSet, notifier OrderNotifier, logger *slog.Logger) *OrderService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if coupons == nil {
		coupons = coupon.NewValidator()
	}
	if stock == nil {
		stock = inventory.NewManager(logger)
	}

	return &OrderService{
		store:    store,
		gateway:  gateway,
		stock:    stock,
		coupons:  coupons,
		rules:    rules,
		notifier: notifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		logger:   logger,
	}
}

func (s *OrderService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type CheckoutInput struct {
	UserID          string               `validate:"required,max=128"`
	CustomerEmail   string               `validate:"omitempty,email"`
	ShippingAddress models.Address       `validate:"required"`
	PaymentMethod   models.PaymentMethod `validate:"required,oneof=card upi wallet"`
	CouponCode      string               `validate:"max=64"`
	Region          string               `validate:"max=32"`
}

type CheckoutResult struct {
	Order  *models.Order  `json:"order"`
	Intent payment.Intent `json:"payment_intent"`
}

// Quote is a checkout preview. CouponError explains why a requested coupon
// was left out of the breakdown.
type Quote struct {
	Lines       []models.CartLine `json:"lines"`
	Breakdown   pricing.Breakdown `json:"breakdown"`
	CouponCode  string            `json:"coupon_code,omitempty"`
	CouponError string            `json:"coupon_error,omitempty"`
}

// Preview prices the user's current cart exactly as CreateOrder would,
// without reserving anything.
func (s *OrderService) Preview(ctx context.Context, userID, couponCode, region string) (*Quote, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}

	cart, err := s.store.CartItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	lines, _, err := checkoutLines(cart)
	if err != nil {
		return nil, err
	}

	quote := &Quote{Lines: cart}
	var applied *models.Coupon
	if code := coupon.NormalizeCode(couponCode); code != "" {
		subtotal, err := pricing.Subtotal(lines)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		found, err := s.store.CouponByCode(ctx, code)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if err := s.coupons.Validate(found, subtotal); err != nil {
			quote.CouponError = err.Error()
		} else {
			applied = found
			quote.CouponCode = found.Code
		}
	}

	quote.Breakdown, err = s.rules.For(region).Quote(lines, applied)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return quote, nil
}

// CreateOrder turns the user's cart into a pending order. Stock, coupon
// usage, the order rows and the cart clear commit together; the payment
// intent is requested after that commit so no row lock is held across the
// gateway call.
func (s *OrderService) CreateOrder(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.create",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("CreateOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	ctx, logger := logging.With(ctx, s.logger, "user_id", input.UserID)
	meter := observability.MeterFromContext(ctx)
	recordFailure := observability.FailureRecorder(meter, "checkout.failed")
	meter.Count("checkout.started", 1)

	if err := s.validateInput(input); err != nil {
		recordFailure("validation")
		return nil, err
	}

	code := coupon.NormalizeCode(input.CouponCode)
	rules := s.rules.For(input.Region)

	var order *models.Order
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		order = nil

		cart, err := tx.CartItems(ctx, input.UserID)
		if err != nil {
			return err
		}
		lines, items, err := checkoutLines(cart)
		if err != nil {
			return err
		}
		if err := s.stock.Reserve(ctx, tx, items); err != nil {
			return err
		}

		applied, err := s.applyCoupon(ctx, tx, code, lines)
		if err != nil {
			return err
		}
		breakdown, err := rules.Quote(lines, applied)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		number, err := tx.NextOrderNumber(ctx, s.now())
		if err != nil {
			return err
		}
		built := buildOrder(input, number, cart, breakdown, applied)
		if err := tx.InsertOrder(ctx, built); err != nil {
			return err
		}
		if err := tx.AppendTrackingEvent(ctx, built.ID, models.StatusPending, "Order placed"); err != nil {
			return err
		}
		if err := tx.ClearCart(ctx, input.UserID); err != nil {
			return err
		}
		order = built
		return nil
	})
	if err != nil {
		recordFailure(checkoutFailureReason(err))
		span.Status = sentry.SpanStatusFailedPrecondition
		return nil, err
	}

	logger.Info("order created", "order_id", order.ID, "order_number", order.OrderNumber, "total", order.Total.StringFixed(2))
	meter.Count("order.created", 1, sentry.WithAttributes(attribute.String("coupon", strconv.FormatBool(order.HasCoupon()))))

	if order.Total.IsZero() {
		if err := s.confirmWithoutPayment(ctx, order); err != nil {
			return nil, err
		}
		return &CheckoutResult{Order: order}, nil
	}

	intent, err := s.attachIntent(ctx, order)
	if err != nil {
		recordFailure("gateway")
		span.Status = sentry.SpanStatusUnavailable
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	return &CheckoutResult{Order: order, Intent: intent}, nil
}

// RetryPaymentIntent requests the intent for a pending order again. The
// gateway idempotency key is derived from the order number, so this never
// mints a second remote intent.
func (s *OrderService) RetryPaymentIntent(ctx context.Context, userID string, orderID uuid.UUID) (*CheckoutResult, error) {
	order, err := s.Get(ctx, orderID, userID, false)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusPending || order.PaymentStatus != models.PaymentPending {
		return nil, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
	}
	if order.PaymentIntentID != "" {
		return &CheckoutResult{Order: order, Intent: intentFor(order)}, nil
	}

	intent, err := s.attachIntent(ctx, order)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: order, Intent: intent}, nil
}

// Transition applies an administrative status change. Re-applying the
// current status is a no-op.
func (s *OrderService) Transition(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, note string) (*models.Order, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}

	ctx, logger := logging.With(ctx, s.logger, "order_id", orderID)

	var changed bool
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		changed = false

		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == next {
			return nil
		}
		if !order.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, next)
		}

		description := strings.TrimSpace(note)
		if description == "" {
			description = defaultDescription(next)
		}
		changed = true

		if next == models.StatusCancelled {
			return cancelInTx(ctx, tx, s.gateway, s.stock, order, "", description)
		}

		update := db.StateUpdate{OrderID: order.ID, From: order.Status, To: next}
		if next == models.StatusReturned && order.PaymentStatus == models.PaymentPaid {
			if order.PaymentIntentID != "" {
				if err := s.gateway.RefundIntent(ctx, order.PaymentIntentID); err != nil {
					return err
				}
			}
			update.PaymentStatus = models.PaymentRefunded
		}
		if err := tx.UpdateOrderState(ctx, update); err != nil {
			return err
		}
		return tx.AppendTrackingEvent(ctx, order.ID, next, description)
	})
	if err != nil {
		return nil, err
	}

	order, err := s.Get(ctx, orderID, "", true)
	if err != nil {
		return nil, err
	}
	if changed {
		logger.Info("order status changed", "status", next)
		if notifiable(next) {
			s.notifier.OrderStatusChanged(ctx, order)
		}
	}
	return order, nil
}

// Cancel is the customer-initiated cancellation, allowed until the order
// starts processing.
func (s *OrderService) Cancel(ctx context.Context, userID string, orderID uuid.UUID, reason string) (*models.Order, error) {
	ctx, logger := logging.With(ctx, s.logger, "order_id", orderID, "user_id", userID)

	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		if !order.Status.CustomerCancellable() {
			return fmt.Errorf("%w: order is %s", ErrCancelNotAllowed, order.Status)
		}

		description := "Cancelled by customer"
		if reason = strings.TrimSpace(reason); reason != "" {
			description += ": " + reason
		}
		return cancelInTx(ctx, tx, s.gateway, s.stock, order, "", description)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("order cancelled by customer")
	order, err := s.Get(ctx, orderID, userID, false)
	if err != nil {
		return nil, err
	}
	s.notifier.OrderStatusChanged(ctx, order)
	return order, nil
}

// Get loads an order. Non-admin callers only see their own orders.
func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID, userID string, admin bool) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if !admin && order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) validateInput(input CheckoutInput) error {
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// applyCoupon validates code against the cart subtotal and consumes one use.
// The conditional increment decides races for the last use.
func (s *OrderService) applyCoupon(ctx context.Context, tx db.Tx, code string, lines []pricing.Line) (*models.Coupon, error) {
	if code == "" {
		return nil, nil
	}

	subtotal, err := pricing.Subtotal(lines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	found, err := tx.CouponByCode(ctx, code)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err := s.coupons.Validate(found, subtotal); err != nil {
		return nil, err
	}

	ok, err := tx.IncrementCouponUsage(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coupon.ErrUsageLimitReached
	}
	return found, nil
}

// attachIntent mints the remote intent and records it on the order.
func (s *OrderService) attachIntent(ctx context.Context, order *models.Order) (payment.Intent, error) {
	logger := s.loggerFromContext(ctx)

	intent, err := s.gateway.CreateIntent(ctx, order.OrderNumber, order.Total, order.Currency)
	if err != nil {
		logger.Warn("order left pending without payment intent", "order_id", order.ID, "error", err)
		return payment.Intent{}, &IntentPendingError{OrderID: order.ID, OrderNumber: order.OrderNumber, Err: err}
	}

	err = s.store.WithinTx(ctx, func(tx db.Tx) error {
		return tx.SetPaymentIntent(ctx, order.ID, intent.ID)
	})
	if errors.Is(err, models.ErrInvalidTransition) {
		// A concurrent retry may already have stored the same intent.
		current, getErr := s.store.GetOrder(ctx, order.ID)
		if getErr != nil {
			return payment.Intent{}, getErr
		}
		// So may a capture webhook that arrived first.
		if current.PaymentIntentID != intent.ID {
			return payment.Intent{}, fmt.Errorf("%w: order is %s", ErrOrderNotPayable, current.Status)
		}
		err = nil
	}
	if err != nil {
		return payment.Intent{}, err
	}

	order.PaymentIntentID = intent.ID
	return intent, nil
}

// confirmWithoutPayment settles orders whose discount covers everything.
func (s *OrderService) confirmWithoutPayment(ctx context.Context, order *models.Order) error {
	err := s.store.WithinTx(ctx, func(tx db.Tx) error {
		locked, err := lockOrder(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.StatusPending {
			return fmt.Errorf("%w: order is %s", ErrOrderNotPayable, locked.Status)
		}
		return confirmInTx(ctx, tx, locked, "", "Order confirmed, nothing to pay")
	})
	if err != nil {
		return err
	}

	order.Status = models.StatusConfirmed
	order.PaymentStatus = models.PaymentPaid
	s.notifier.OrderStatusChanged(ctx, order)
	return nil
}

func checkoutLines(cart []models.CartLine) ([]pricing.Line, []inventory.Item, error) {
	if len(cart) == 0 {
		return nil, nil, ErrEmptyCart
	}
	items := make([]inventory.Item, 0, len(cart))
	for _, line := range cart {
		if !line.Available {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductUnavailable, line.ProductName)
		}
		items = append(items, inventory.Item{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return pricing.LinesFromCart(cart), items, nil
}

func buildOrder(input CheckoutInput, number string, cart []models.CartLine, breakdown pricing.Breakdown, applied *models.Coupon) *models.Order {
	order := &models.Order{
		ID:              uuid.New(),
		OrderNumber:     number,
		UserID:          input.UserID,
		CustomerEmail:   strings.TrimSpace(input.CustomerEmail),
		Status:          models.StatusPending,
		PaymentStatus:   models.PaymentPending,
		PaymentMethod:   input.PaymentMethod,
		ShippingAddress: input.ShippingAddress,
		Region:          strings.ToLower(strings.TrimSpace(input.Region)),
		Currency:        breakdown.Currency,
		Subtotal:        breakdown.Subtotal,
		Discount:        breakdown.Discount,
		Tax:             breakdown.Tax,
		Shipping:        breakdown.Shipping,
		Total:           breakdown.Total,
	}
	if applied != nil {
		order.CouponCode = applied.Code
	}

	order.Items = make([]models.OrderItem, 0, len(cart))
	for _, line := range cart {
		order.Items = append(order.Items, models.OrderItem{
			ID:          uuid.New(),
			OrderID:     order.ID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    pricing.LineTotal(pricing.Line{UnitPrice: line.UnitPrice, Quantity: line.Quantity}),
		})
	}
	return order
}

func intentFor(order *models.Order) payment.Intent {
	return payment.Intent{
		ID:          order.PaymentIntentID,
		Amount:      order.Total,
		AmountMinor: payment.ToMinorUnits(order.Total),
		Currency:    order.Currency,
	}
}

func defaultDescription(status models.OrderStatus) string {
	switch status {
	case models.StatusConfirmed:
		return "Order confirmed"
	case models.StatusProcessing:
		return "Order is being prepared"
	case models.StatusShipped:
		return "Order shipped"
	case models.StatusDelivered:
		return "Order delivered"
	case models.StatusCancelled:
		return "Order cancelled"
	case models.StatusReturned:
		return "Order returned"
	default:
		return string(status)
	}
}

func checkoutFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case coupon.IsCouponError(err):
		return "coupon"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
