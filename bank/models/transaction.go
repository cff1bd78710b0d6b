package models

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	TransactionStatusPaymentRequested TransactionStatus = "PAYMENT_REQUESTED"
	TransactionStatusInProgress       TransactionStatus = "IN_PROGRESS"
	TransactionStatusSuccess          TransactionStatus = "SUCCESS"
	TransactionStatusFailed           TransactionStatus = "FAILED"
	TransactionStatusError            TransactionStatus = "ERROR"
)

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusError:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPaymentRequested, TransactionStatusInProgress,
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusError:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an edge of the lifecycle.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case TransactionStatusError:
		return true
	case TransactionStatusInProgress:
		return s == TransactionStatusPaymentRequested
	case TransactionStatusFailed:
		return s == TransactionStatusPaymentRequested
	case TransactionStatusSuccess:
		// a clearing response may resolve a payment that never became IN_PROGRESS locally
		return s == TransactionStatusInProgress || s == TransactionStatusPaymentRequested
	}
	return false
}

// Side tells which role of the bank a transaction record belongs to. A same-bank
// payment produces one record per side.
type Side string

const (
	SideAcquirer Side = "ACQUIRER"
	SideIssuer   Side = "ISSUER"
)

type ReturnURLs struct {
	Success string `json:"success_url"`
	Failed  string `json:"failed_url"`
	Error   string `json:"error_url"`
}

// Transaction is the audit record of one payment attempt. It is never deleted.
type Transaction struct {
	PaymentID         string            `json:"payment_id"`
	Side              Side              `json:"side"`
	MerchantOrderID   string            `json:"merchant_order_id"`
	MerchantTimestamp time.Time         `json:"merchant_timestamp"`
	Description       string            `json:"description"`
	Amount            Amount            `json:"amount"`
	Status            TransactionStatus `json:"status"`
	AcquirerOrderID   string            `json:"acquirer_order_id,omitempty"`
	AcquirerTimestamp time.Time         `json:"acquirer_timestamp,omitempty"`
	IssuerOrderID     string            `json:"issuer_order_id,omitempty"`
	IssuerTimestamp   time.Time         `json:"issuer_timestamp,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	MerchantClientID  string            `json:"merchant_client_id,omitempty"`
	URLs              ReturnURLs        `json:"urls"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Transition moves the transaction to status and records reason for failures.
func (t *Transaction) Transition(to TransactionStatus, reason string) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%s -> %s: %w", t.Status, to, ErrInvalidTransition)
	}
	t.Status = to
	if reason != "" {
		t.FailureReason = reason
	}
	return nil
}
