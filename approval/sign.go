package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the hex HMAC-SHA256 token for a callback button. The message
// is length-prefixed so no (request_id, action) pair can collide with
// another by shifting the separator.
func Sign(secret, requestID, action string) string {
	msg := fmt.Sprintf("%d:%s:%d:%s", len(requestID), requestID, len(action), action)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a callback signature in constant time.
func Verify(secret, requestID, action, signature string) bool {
	want := Sign(secret, requestID, action)
	return hmac.Equal([]byte(want), []byte(signature))
}
