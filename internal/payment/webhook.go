package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC of the webhook body.
const SignatureHeader = "X-Payment-Signature"

var ErrInvalidWebhook = errors.New("invalid payment webhook")

type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPaymentFailed   EventType = "payment.failed"
)

// WebhookEvent is the processor's asynchronous notification. Amount is in
// minor units. Receipt is the order number the intent was created for.
type WebhookEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	IntentID      string    `json:"intent_id"`
	Receipt       string    `json:"receipt,omitempty"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason,omitempty"`
}

// DedupeKey identifies a delivery. Providers that omit an event id are
// keyed by what the event says.
func (e *WebhookEvent) DedupeKey() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s:%s:%s", e.Type, e.IntentID, e.TransactionID)
}

func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	event.IntentID = strings.TrimSpace(event.IntentID)
	event.TransactionID = strings.TrimSpace(event.TransactionID)
	event.Receipt = strings.TrimSpace(event.Receipt)
	switch event.Type {
	case EventPaymentCaptured:
		if event.TransactionID == "" {
			return nil, fmt.Errorf("%w: transaction_id is required", ErrInvalidWebhook)
		}
	case EventPaymentFailed:
	default:
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrInvalidWebhook, event.Type)
	}
	if event.IntentID == "" {
		return nil, fmt.Errorf("%w: intent_id is required", ErrInvalidWebhook)
	}
	if event.Amount < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidWebhook)
	}
	return &event, nil
}
