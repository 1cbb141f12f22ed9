package handlers

import (
	"net/http"

	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/services"
)

type previewRequest struct {
	CouponCode string `json:"coupon_code"`
	Region     string `json:"region"`
}

type checkoutRequest struct {
	ShippingAddress models.Address       `json:"shipping_address"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	CouponCode      string               `json:"coupon_code"`
	Region          string               `json:"region"`
}

// PreviewCheckout prices the caller's cart without reserving anything.
func (h *Handlers) PreviewCheckout(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())

	var req previewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	quote, err := h.orders.Preview(r.Context(), identity.UserID, req.CouponCode, req.Region)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Checkout turns the caller's cart into a pending order and returns the
// payment intent the client completes.
func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), services.CheckoutInput{
		UserID:          identity.UserID,
		CustomerEmail:   identity.Email,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		CouponCode:      req.CouponCode,
		Region:          req.Region,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
