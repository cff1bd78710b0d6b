package models

// ClientSeed registers a payer (with a card) or a merchant (with credentials) in a
// development deployment.
type ClientSeed struct {
	ClientID       string `json:"client_id"`
	Name           string `json:"name"`
	AccountNumber  string `json:"account_number"`
	Balance        Amount `json:"balance"`
	PAN            string `json:"pan,omitempty"`
	SecurityCode   string `json:"security_code,omitempty"`
	Expiration     string `json:"expiration,omitempty"`
	CardholderName string `json:"cardholder_name,omitempty"`
	MerchantID     string `json:"merchant_id,omitempty"`
	MerchantSecret string `json:"merchant_secret,omitempty"`
}

// Card returns the seeded card, or nil for a client without one.
func (s *ClientSeed) Card() *Card {
	if s.PAN == "" {
		return nil
	}
	return &Card{
		PAN:            s.PAN,
		SecurityCode:   s.SecurityCode,
		Expiration:     s.Expiration,
		CardholderName: s.CardholderName,
	}
}
