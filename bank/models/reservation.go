package models

import "time"

// Reservation holds payer funds between authorization and settlement.
type Reservation struct {
	ID                    string    `json:"id"`
	PaymentID             string    `json:"payment_id"`
	Amount                Amount    `json:"amount"`
	Description           string    `json:"description"`
	ClientID              string    `json:"client_id"`
	AcquirerAccountNumber string    `json:"acquirer_account_number"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

func (r *Reservation) Expired(at time.Time) bool {
	return !r.ExpiresAt.IsZero() && !at.Before(r.ExpiresAt)
}

// TotalReserved sums reservation amounts.
func TotalReserved(reservations []*Reservation) Amount {
	var sum Amount
	for _, r := range reservations {
		sum += r.Amount
	}
	return sum
}
