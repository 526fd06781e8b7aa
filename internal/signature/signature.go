// Package signature implements the HMAC-SHA256 scheme Razorpay uses to sign
// payment callbacks and webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Compute returns the hex-encoded HMAC-SHA256 of payload under secret.
func Compute(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected digest and compares it against provided in
// constant time. A mismatch is an ordinary false, not an error; callers
// decide whether it is fatal.
func Verify(payload []byte, provided string, secret []byte) bool {
	provided = strings.TrimSpace(provided)
	if provided == "" || len(secret) == 0 {
		return false
	}
	expected := Compute(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// PaymentPayload builds the signed payload for the browser callback path:
// the order and payment ids joined by a pipe, exactly as the processor
// documents it.
func PaymentPayload(orderID, paymentID string) []byte {
	return []byte(orderID + "|" + paymentID)
}
