package handlers

import (
	"errors"
	"net/http"

	"github.com/gitshopapp/checkout/internal/coupon"
	"github.com/gitshopapp/checkout/internal/inventory"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/payment"
	"github.com/gitshopapp/checkout/internal/services"
)

type errorBody struct {
	Error      string                `json:"error"`
	Message    string                `json:"message,omitempty"`
	Shortfalls []inventory.Shortfall `json:"shortfalls,omitempty"`
	OrderID    string                `json:"order_id,omitempty"`
}

// errorResponse maps service errors to a status and a client-safe body.
// Gateway diagnostics are only exposed outside production.
func (h *Handlers) errorResponse(err error) (int, errorBody) {
	var stockErr *inventory.InsufficientStockError
	var pendingErr *services.IntentPendingError

	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: "validation_failed", Message: err.Error()}
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusNotFound, errorBody{Error: "order_not_found"}
	case errors.Is(err, services.ErrEmptyCart):
		return http.StatusUnprocessableEntity, errorBody{Error: "empty_cart", Message: "your cart is empty"}
	case errors.As(err, &stockErr):
		return http.StatusConflict, errorBody{Error: "insufficient_stock", Message: "some items are no longer available in the requested quantity", Shortfalls: stockErr.Shortfalls}
	case errors.Is(err, services.ErrProductUnavailable):
		return http.StatusConflict, errorBody{Error: "product_unavailable", Message: err.Error()}
	case errors.Is(err, coupon.ErrUsageLimitReached):
		return http.StatusConflict, errorBody{Error: "coupon_usage_limit_reached", Message: err.Error()}
	case coupon.IsCouponError(err):
		return http.StatusUnprocessableEntity, errorBody{Error: "invalid_coupon", Message: err.Error()}
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: "invalid_transition", Message: err.Error()}
	case errors.Is(err, services.ErrCancelNotAllowed):
		return http.StatusConflict, errorBody{Error: "cancel_not_allowed", Message: "this order can no longer be cancelled"}
	case errors.Is(err, services.ErrOrderNotPayable):
		return http.StatusConflict, errorBody{Error: "order_not_payable", Message: err.Error()}
	case errors.Is(err, services.ErrIntentMismatch):
		return http.StatusConflict, errorBody{Error: "intent_mismatch", Message: "the payment does not belong to this order"}
	case errors.Is(err, services.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, errorBody{Error: "amount_mismatch"}
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusPaymentRequired, errorBody{Error: "invalid_signature", Message: "payment could not be verified; the order was cancelled"}
	case errors.Is(err, payment.ErrGatewayUnavailable):
		body := errorBody{Error: "gateway_unavailable", Message: "payment is temporarily unavailable, please try again shortly"}
		if errors.As(err, &pendingErr) {
			body.OrderID = pendingErr.OrderID.String()
		}
		if !h.config.IsProduction() {
			body.Message = err.Error()
		}
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error"}
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.errorResponse(err)
	logger := h.loggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Info("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
