package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonanatree/cyberbank/bank/models"
)

// ReserveRequest describes funds to set aside for one payment.
type ReserveRequest struct {
	PaymentID             string
	PayerClientID         string
	AcquirerAccountNumber string
	Amount                models.Amount
	Description           string
	// Records are stored together with the reservation, see Repository.ReserveFunds.
	Records []*models.Transaction
}

// FundsEngine computes available funds and creates reservations.
type FundsEngine struct {
	repo *Repository
	ttl  time.Duration
	now  func() time.Time
}

func NewFundsEngine(repo *Repository, ttl time.Duration) *FundsEngine {
	return &FundsEngine{repo: repo, ttl: ttl, now: time.Now}
}

// Available returns balance minus the sum of the payer's active reservations.
func (f *FundsEngine) Available(ctx context.Context, clientID string) (models.Amount, error) {
	balance, reserved, err := f.repo.Funds(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("loading funds of %s: %w", clientID, err)
	}
	return balance - reserved, nil
}

// Reserve atomically checks availability and records a reservation. It returns
// models.ErrInsufficientFunds when the payer cannot cover the amount.
func (f *FundsEngine) Reserve(ctx context.Context, req ReserveRequest) (*models.Reservation, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount %s must be positive: %w", req.Amount, models.ErrValidation)
	}
	now := f.now().UTC()
	res := &models.Reservation{
		ID:                    uuid.New().String(),
		PaymentID:             req.PaymentID,
		Amount:                req.Amount,
		Description:           req.Description,
		ClientID:              req.PayerClientID,
		AcquirerAccountNumber: req.AcquirerAccountNumber,
		CreatedAt:             now,
	}
	if f.ttl > 0 {
		res.ExpiresAt = now.Add(f.ttl)
	}
	if err := f.repo.ReserveFunds(ctx, res, req.Records...); err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			return nil, err
		}
		return nil, fmt.Errorf("reserving funds: %w", err)
	}
	return res, nil
}
