package cardgen

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	minPANLen = 12
	maxPANLen = 19
)

// GeneratePAN returns a Luhn-valid PAN of totalLen digits that starts with prefix.
// Used by seeding and tests; the bank itself never issues cards.
func GeneratePAN(prefix string, totalLen int) (string, error) {
	if prefix == "" || !IsDigits(prefix) {
		return "", fmt.Errorf("prefix must be digits")
	}
	if totalLen < minPANLen || totalLen > maxPANLen {
		return "", fmt.Errorf("total length must be %d..%d", minPANLen, maxPANLen)
	}
	fill := totalLen - 1 - len(prefix)
	if fill <= 0 {
		return "", fmt.Errorf("prefix too long: %s", prefix)
	}
	digits, err := RandomDigits(fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	body := prefix + digits
	return body + luhnCheckDigit(body), nil
}

// RandomDigits returns count uniformly distributed decimal digits.
// Bytes >= 250 are rejected to avoid modulo bias.
func RandomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + (b % 10))
			}
		}
	}
	return sb.String(), nil
}

// RandomNumber returns a random number with exactly n digits (no leading zero).
func RandomNumber(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("digits must be positive")
	}
	lead, err := RandomDigits(1)
	if err != nil {
		return "", err
	}
	for lead == "0" {
		if lead, err = RandomDigits(1); err != nil {
			return "", err
		}
	}
	rest, err := RandomDigits(n - 1)
	if err != nil {
		return "", err
	}
	return lead + rest, nil
}

func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return string('0' + byte((10-(sum%10))%10))
}

// ValidPAN reports whether pan is 12..19 digits with a correct Luhn check digit.
func ValidPAN(pan string) bool {
	if l := len(pan); l < minPANLen || l > maxPANLen || !IsDigits(pan) {
		return false
	}
	return pan[len(pan)-1] == luhnCheckDigit(pan[:len(pan)-1])[0]
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskPAN keeps the first six and last four digits. Short inputs keep only the last four.
func MaskPAN(pan string) string {
	cleaned := NormalizePAN(pan)
	n := len(cleaned)
	switch {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n < 10:
		return strings.Repeat("*", n-4) + cleaned[n-4:]
	}
	return cleaned[:6] + strings.Repeat("*", n-10) + cleaned[n-4:]
}

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(s))
}
