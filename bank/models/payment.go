package models

import "time"

// PaymentRequest is sent by the merchant (or its PSP) to start a payment.
type PaymentRequest struct {
	MerchantID        string    `json:"merchant_id"`
	MerchantPassword  string    `json:"merchant_password"`
	MerchantOrderID   string    `json:"merchant_order_id"`
	MerchantTimestamp time.Time `json:"merchant_timestamp"`
	Amount            Amount    `json:"amount"`
	Description       string    `json:"description"`
	SuccessURL        string    `json:"success_url"`
	FailedURL         string    `json:"failed_url"`
	ErrorURL          string    `json:"error_url"`
}

type PaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

// CardSubmission is posted by the card-entry page.
type CardSubmission struct {
	PaymentID      string `json:"payment_id"`
	PAN            string `json:"pan"`
	SecurityCode   string `json:"security_code"`
	Expiration     string `json:"expiration"`
	CardholderName string `json:"cardholder_name"`
	Description    string `json:"description"`
	Amount         Amount `json:"amount"`
	SuccessURL     string `json:"success_url"`
	FailedURL      string `json:"failed_url"`
	ErrorURL       string `json:"error_url"`
}

func (s *CardSubmission) CardData() CardData {
	return CardData{
		PAN:            s.PAN,
		SecurityCode:   s.SecurityCode,
		Expiration:     s.Expiration,
		CardholderName: s.CardholderName,
	}
}

// ReturnURLs prefers URLs from the submission and falls back to those declared
// by the merchant when the payment was requested.
func (s *CardSubmission) ReturnURLs(declared ReturnURLs) ReturnURLs {
	urls := declared
	if s.SuccessURL != "" {
		urls.Success = s.SuccessURL
	}
	if s.FailedURL != "" {
		urls.Failed = s.FailedURL
	}
	if s.ErrorURL != "" {
		urls.Error = s.ErrorURL
	}
	return urls
}
