package models

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrCardNotFound      = errors.New("card not found")
	ErrCardDataMismatch  = errors.New("card data mismatch")
	ErrCardExpired       = errors.New("card expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownMerchant   = errors.New("unknown merchant")
	ErrUnknownPayment    = errors.New("unknown payment")
	ErrRemoteClearing    = errors.New("remote clearing failure")
	ErrInvalidTransition = errors.New("invalid status transition")
)
