package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signature computes the request signature the processor expects:
// HMAC-SHA256 keyed with the secret key over refCode, API key and the
// decimal amount concatenated, hex encoded.
func Signature(secretKey, refCode, apiKey string, amount int64) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	fmt.Fprintf(mac, "%s%s%d", refCode, apiKey, amount)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallbackSignature checks a callback notification's signature:
// HMAC-SHA256 keyed with the API key over the processor's ref id. The
// comparison is constant time.
func VerifyCallbackSignature(apiKey, externalRefID, received string) bool {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(externalRefID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(received))
}
