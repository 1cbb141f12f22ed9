package handlers

import (
	"net/http"

	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/services"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
	Note   string             `json:"note"`
}

type confirmPaymentRequest struct {
	IntentID      string `json:"intent_id"`
	TransactionID string `json:"transaction_id"`
	Signature     string `json:"signature"`
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	orderID, err := orderIDFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.Get(r.Context(), orderID, identity.UserID, identity.IsAdmin())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	orderID, err := orderIDFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	order, err := h.orders.Cancel(r.Context(), identity.UserID, orderID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// RetryPaymentIntent returns the order's intent, requesting one if the
// gateway was unavailable at checkout.
func (h *Handlers) RetryPaymentIntent(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	orderID, err := orderIDFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.orders.RetryPaymentIntent(r.Context(), identity.UserID, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConfirmPayment records the client-side completion signal.
func (h *Handlers) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	orderID, err := orderIDFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req confirmPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.payments.ConfirmPayment(r.Context(), services.ConfirmPaymentInput{
		UserID:        identity.UserID,
		OrderID:       orderID,
		IntentID:      req.IntentID,
		TransactionID: req.TransactionID,
		Signature:     req.Signature,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// UpdateOrderStatus is the admin transition endpoint.
func (h *Handlers) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.orders.Transition(r.Context(), orderID, req.Status, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
