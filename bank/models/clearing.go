package models

import "time"

// ClearingRequest travels acquirer bank -> clearing hub -> issuer bank.
type ClearingRequest struct {
	AcquirerOrderID   string    `json:"acquirer_order_id"`
	AcquirerTimestamp time.Time `json:"acquirer_timestamp"`
	PAN               string    `json:"pan"`
	SecurityCode      string    `json:"security_code"`
	Expiration        string    `json:"expiration"`
	CardholderName    string    `json:"cardholder_name"`
	Amount            Amount    `json:"amount"`
	Description       string    `json:"description"`
	AcquirerBankID    string    `json:"acquirer_bank_id"`
	PaymentID         string    `json:"payment_id"`
	MerchantOrderID   string    `json:"merchant_order_id,omitempty"`
}

func (r *ClearingRequest) CardData() CardData {
	return CardData{
		PAN:            r.PAN,
		SecurityCode:   r.SecurityCode,
		Expiration:     r.Expiration,
		CardholderName: r.CardholderName,
	}
}

// ClearingResponse travels issuer bank -> clearing hub -> acquirer bank.
type ClearingResponse struct {
	Status            TransactionStatus `json:"status"`
	MerchantOrderID   string            `json:"merchant_order_id"`
	AcquirerOrderID   string            `json:"acquirer_order_id"`
	AcquirerTimestamp time.Time         `json:"acquirer_timestamp"`
	IssuerOrderID     string            `json:"issuer_order_id"`
	IssuerTimestamp   time.Time         `json:"issuer_timestamp"`
	PaymentID         string            `json:"payment_id"`
	Amount            Amount            `json:"amount"`
	Description       string            `json:"description"`
	Payer             string            `json:"payer"`
	PAN               string            `json:"pan"`
}

// Approved reports whether the issuer holds or has moved the payer's funds.
func (r *ClearingResponse) Approved() bool {
	return r.Status == TransactionStatusSuccess || r.Status == TransactionStatusInProgress
}

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusDelivered OutboxStatus = "DELIVERED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// OutboxEntry is a clearing request waiting for delivery to the hub.
type OutboxEntry struct {
	ID        string
	Request   ClearingRequest
	Status    OutboxStatus
	Attempts  int
	NextRunAt time.Time
	LastError string
	CreatedAt time.Time
}
