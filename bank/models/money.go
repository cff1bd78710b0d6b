package models

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a currency amount in minor units (cents).
type Amount int64

// ParseAmount parses a decimal string such as "100.00" into minor units.
// More than two fractional digits is rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, ErrValidation)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than 2 decimal places: %w", s, ErrValidation)
	}
	return Amount(minor.IntPart()), nil
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*a = 0
		return nil
	}
	v, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Sufficient reports whether amount fits into balance after the already reserved sum.
func Sufficient(balance, reserved, amount Amount) bool {
	return balance-reserved-amount >= 0
}
