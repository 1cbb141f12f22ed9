package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the completion signature the processor attaches to a
// client-side payment: hex(HMAC-SHA256(secret, intent_id|transaction_id)).
func Sign(secret, intentID, transactionID string) string {
	return signHex([]byte(secret), []byte(intentID+"|"+transactionID))
}

// SignWebhook computes the webhook header value over the raw body.
func SignWebhook(secret string, body []byte) string {
	return signHex([]byte(secret), body)
}

// VerifySignature checks a client-reported completion in constant time.
func (a *Adapter) VerifySignature(intentID, transactionID, signature string) bool {
	if intentID == "" || transactionID == "" {
		return false
	}
	return verifyHex(a.signingSecret, []byte(intentID+"|"+transactionID), signature)
}

// VerifyWebhook checks the webhook signature header against the raw body.
func (a *Adapter) VerifyWebhook(body []byte, signature string) bool {
	return verifyHex(a.webhookSecret, body, signature)
}

func signHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHex(secret, message []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), provided)
}
