package bank

import (
	"fmt"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
)

// Route tells whether a payment can be resolved by this bank alone.
type Route int

const (
	SameBank Route = iota + 1
	DifferentBank
)

func (r Route) String() string {
	switch r {
	case SameBank:
		return "same_bank"
	case DifferentBank:
		return "different_bank"
	}
	return "unknown"
}

// ResolveRoute compares the leading len(prefix) digits of pan with prefix.
// Malformed input is a validation error, never a default classification.
func ResolveRoute(pan, prefix string) (Route, error) {
	if prefix == "" || !cardgen.IsDigits(prefix) {
		return 0, fmt.Errorf("bank prefix %q must be digits: %w", prefix, models.ErrValidation)
	}
	pan = cardgen.NormalizePAN(pan)
	if pan == "" || !cardgen.IsDigits(pan) {
		return 0, fmt.Errorf("card number must be digits: %w", models.ErrValidation)
	}
	if len(pan) < len(prefix) {
		return 0, fmt.Errorf("card number shorter than bank prefix (%d < %d): %w", len(pan), len(prefix), models.ErrValidation)
	}
	if pan[:len(prefix)] == prefix {
		return SameBank, nil
	}
	return DifferentBank, nil
}
