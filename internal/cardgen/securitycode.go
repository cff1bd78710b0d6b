package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/jonanatree/cyberbank/internal/expiry"
)

const serviceCode = "101"

// DeriveSecurityCode returns a reproducible 3-digit security code for a card from
// the PAN without its check digit, the YYMM expiry and a card verification key.
// Only seeding uses it; authorization compares against the stored code.
func DeriveSecurityCode(pan, yymm string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("card verification key is required")
	}
	pan = NormalizePAN(pan)
	if !ValidPAN(pan) {
		return "", fmt.Errorf("pan is not Luhn-valid")
	}
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(pan[:len(pan)-1] + "|" + yymm + "|" + serviceCode))
	sum := h.Sum(nil)

	// dynamic truncation as in HOTP
	off := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[off])&0x7f)<<24 |
		uint32(sum[off+1])<<16 |
		uint32(sum[off+2])<<8 |
		uint32(sum[off+3])
	return fmt.Sprintf("%03d", code%1000), nil
}
