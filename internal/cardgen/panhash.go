package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashPANHMAC computes HMAC-SHA256 over a normalized PAN. It is the lookup key for
// cards in the database; the PAN itself is never stored in clear.
func HashPANHMAC(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return h.Sum(nil)
}
