package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/checkout/internal/cache"
	"github.com/gitshopapp/checkout/internal/config"
	"github.com/gitshopapp/checkout/internal/logging"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/services"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1 MB
	maxJSONBodyBytes    = 64 << 10
)

type orderService interface {
	Preview(ctx context.Context, userID, couponCode, region string) (*services.Quote, error)
	CreateOrder(ctx context.Context, input services.CheckoutInput) (*services.CheckoutResult, error)
	RetryPaymentIntent(ctx context.Context, userID string, orderID uuid.UUID) (*services.CheckoutResult, error)
	Transition(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, note string) (*models.Order, error)
	Cancel(ctx context.Context, userID string, orderID uuid.UUID, reason string) (*models.Order, error)
	Get(ctx context.Context, orderID uuid.UUID, userID string, admin bool) (*models.Order, error)
}

type paymentService interface {
	ConfirmPayment(ctx context.Context, input services.ConfirmPaymentInput) (*models.Order, error)
	ReconcileFromWebhook(ctx context.Context, event *payment.WebhookEvent) error
}

type webhookVerifier interface {
	VerifyWebhook(body []byte, signature string) bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the checkout JSON API.
type Handlers struct {
	config        *config.Config
	db            pinger
	orders        orderService
	payments      paymentService
	webhooks      webhookVerifier
	cacheProvider cache.Provider
	stripeRouter  *StripeEventRouter
	tokens        *TokenVerifier
	logger        *slog.Logger
}

type Dependencies struct {
	Config        *config.Config
	DB            pinger
	Orders        orderService
	Payments      paymentService
	Webhooks      webhookVerifier
	CacheProvider cache.Provider
	// StripeRouter is nil unless Stripe is the payment provider.
	StripeRouter *StripeEventRouter
	Tokens       *TokenVerifier
	Logger       *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.Orders == nil {
		return nil, fmt.Errorf("handlers dependencies: orders is required")
	}
	if deps.Payments == nil {
		return nil, fmt.Errorf("handlers dependencies: payments is required")
	}
	if deps.Webhooks == nil {
		return nil, fmt.Errorf("handlers dependencies: webhooks is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("handlers dependencies: tokens is required")
	}

	return &Handlers{
		config:        deps.Config,
		db:            deps.DB,
		orders:        deps.Orders,
		payments:      deps.Payments,
		webhooks:      deps.Webhooks,
		cacheProvider: deps.CacheProvider,
		stripeRouter:  deps.StripeRouter,
		tokens:        deps.Tokens,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", services.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON: %v", services.ErrValidation, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: request body must contain one JSON object", services.ErrValidation)
	}
	return nil
}

func orderIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(mux.Vars(r)["id"])
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid order id", services.ErrValidation)
	}
	return id, nil
}
