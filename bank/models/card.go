package models

// Card is immutable once stored; the payment flow only reads it.
type Card struct {
	PAN            string
	SecurityCode   string
	Expiration     string // MM/YY as printed on the card
	CardholderName string
	ClientID       string
}

// CardData is what the payer claims at submission time.
type CardData struct {
	PAN            string
	SecurityCode   string
	Expiration     string
	CardholderName string
}
