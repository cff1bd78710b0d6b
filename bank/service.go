package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const paymentIDDigits = 10

// Dispatcher hands a clearing request to the interbank relay. It must not block on
// the remote outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.ClearingRequest) error
}

// AuthorizationResult is either Resolved or PendingRemote.
type AuthorizationResult interface {
	authorizationResult()
}

// Resolved means this bank decided the outcome itself.
type Resolved struct {
	Transaction *models.Transaction
}

// PendingRemote means the payment was handed to the clearing hub and stays
// unresolved until a clearing response arrives.
type PendingRemote struct {
	Request     models.ClearingRequest
	Transaction *models.Transaction
}

func (Resolved) authorizationResult()      {}
func (PendingRemote) authorizationResult() {}

// ResultTransaction returns the transaction carried by r.
func ResultTransaction(r AuthorizationResult) *models.Transaction {
	switch v := r.(type) {
	case Resolved:
		return v.Transaction
	case PendingRemote:
		return v.Transaction
	}
	return nil
}

// RedirectURL picks the payer's return target from the transaction status alone.
// IN_PROGRESS maps to success even though settlement happens later.
func RedirectURL(status models.TransactionStatus, urls models.ReturnURLs) string {
	switch status {
	case models.TransactionStatusSuccess, models.TransactionStatusInProgress:
		return urls.Success
	case models.TransactionStatusFailed:
		return urls.Failed
	default:
		return urls.Error
	}
}

// Service is the authorization orchestrator. It drives one payment attempt through
// validation, routing and reservation.
type Service struct {
	repo      *Repository
	cfg       *Config
	validator *CardValidator
	funds     *FundsEngine
	relay     Dispatcher
	notify    *fanout
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedLocks
}

func NewService(logger *slog.Logger, repo *Repository, cfg *Config, relay Dispatcher, m *metrics.Collector, notifiers ...Notifier) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		repo:      repo,
		cfg:       cfg,
		validator: NewCardValidator(repo, cfg.location()),
		funds:     NewFundsEngine(repo, cfg.ReservationTTL),
		relay:     relay,
		notify:    newFanout(logger, notifiers...),
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		locks:     newKeyedLocks(),
	}
}

// RequestPayment authenticates the merchant and opens a payment in PAYMENT_REQUESTED.
// Unknown credentials are rejected before anything is stored.
func (s *Service) RequestPayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentResponse, error) {
	merchant, err := s.repo.FindMerchant(ctx, req.MerchantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, models.ErrUnknownMerchant
		}
		return nil, fmt.Errorf("finding merchant: %w", err)
	}
	if !merchant.IsMerchant() || bcrypt.CompareHashAndPassword(merchant.MerchantSecretHash, []byte(req.MerchantPassword)) != nil {
		return nil, models.ErrUnknownMerchant
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", models.ErrValidation)
	}
	if req.SuccessURL == "" || req.FailedURL == "" || req.ErrorURL == "" {
		return nil, fmt.Errorf("success, failed and error urls are required: %w", models.ErrValidation)
	}

	now := s.now().UTC()
	tx := &models.Transaction{
		Side:              models.SideAcquirer,
		MerchantOrderID:   req.MerchantOrderID,
		MerchantTimestamp: req.MerchantTimestamp,
		Description:       req.Description,
		Amount:            req.Amount,
		Status:            models.TransactionStatusPaymentRequested,
		MerchantClientID:  merchant.ID,
		URLs: models.ReturnURLs{
			Success: req.SuccessURL,
			Failed:  req.FailedURL,
			Error:   req.ErrorURL,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// payment ids are random; retry on the rare collision
	for attempt := 0; attempt < 5; attempt++ {
		id, err := cardgen.RandomNumber(paymentIDDigits)
		if err != nil {
			return nil, fmt.Errorf("generating payment id: %w", err)
		}
		tx.PaymentID = id
		err = s.repo.CreateTransaction(ctx, tx)
		if err == nil {
			s.logger.Info("payment requested",
				slog.String("payment_id", id),
				slog.String("merchant_id", req.MerchantID),
				slog.String("amount", req.Amount.String()))
			return &models.PaymentResponse{
				PaymentID:  id,
				PaymentURL: strings.TrimRight(s.cfg.PaymentPageURL, "/") + "/" + id,
			}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("creating transaction: %w", err)
		}
	}
	return nil, fmt.Errorf("could not allocate a unique payment id")
}

// SubmitCard runs a card submission for an existing payment. Re-submitting a payment
// that has already moved on returns its stored state without reserving again.
func (s *Service) SubmitCard(ctx context.Context, sub models.CardSubmission) (AuthorizationResult, error) {
	started := s.now()
	unlock := s.locks.lock(sub.PaymentID)
	defer unlock()

	tx, err := s.repo.GetTransaction(ctx, sub.PaymentID, models.SideAcquirer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("payment %s: %w", sub.PaymentID, models.ErrUnknownPayment)
		}
		return nil, fmt.Errorf("loading payment: %w", err)
	}
	if tx.Status != models.TransactionStatusPaymentRequested {
		return Resolved{Transaction: tx}, nil
	}
	if tx.AcquirerOrderID != "" {
		// already handed to the hub
		return s.pendingFromOutbox(ctx, tx)
	}

	if err := s.checkSubmission(tx, sub); err != nil {
		return nil, err
	}
	route, err := ResolveRoute(sub.PAN, s.cfg.PANPrefix)
	if err != nil {
		return nil, err
	}

	var result AuthorizationResult
	if route == SameBank {
		result, err = s.authorizeLocal(ctx, tx, sub)
	} else {
		result, err = s.handOff(ctx, tx, sub)
	}
	if err != nil {
		return nil, err
	}

	final := ResultTransaction(result)
	s.metrics.Authorization(route.String(), string(final.Status), s.now().Sub(started))
	if _, ok := result.(Resolved); ok {
		s.notify.publish(final)
	}
	return result, nil
}

func (s *Service) checkSubmission(tx *models.Transaction, sub models.CardSubmission) error {
	pan := cardgen.NormalizePAN(sub.PAN)
	if pan == "" || !cardgen.IsDigits(pan) {
		return fmt.Errorf("card number must be digits: %w", models.ErrValidation)
	}
	if len(pan) < len(s.cfg.PANPrefix) {
		return fmt.Errorf("card number shorter than bank prefix: %w", models.ErrValidation)
	}
	if strings.TrimSpace(sub.SecurityCode) == "" || strings.TrimSpace(sub.Expiration) == "" {
		return fmt.Errorf("security code and expiration are required: %w", models.ErrValidation)
	}
	if sub.Amount != 0 && sub.Amount != tx.Amount {
		return fmt.Errorf("submitted amount %s differs from requested %s: %w", sub.Amount, tx.Amount, models.ErrValidation)
	}
	return nil
}

// authorizeLocal resolves a payment whose card was issued by this bank.
func (s *Service) authorizeLocal(ctx context.Context, tx *models.Transaction, sub models.CardSubmission) (AuthorizationResult, error) {
	logger := s.logger.With(slog.String("payment_id", tx.PaymentID), slog.String("pan", cardgen.MaskPAN(sub.PAN)))

	card, err := s.validator.Validate(ctx, sub.CardData())
	if err != nil {
		if !isCardRejection(err) {
			return nil, err
		}
		logger.Info("card rejected", slog.Any("reason", err))
		return s.fail(ctx, tx, err.Error())
	}

	merchant, err := s.repo.GetClient(ctx, tx.MerchantClientID)
	if err != nil {
		return nil, fmt.Errorf("loading merchant %s: %w", tx.MerchantClientID, err)
	}

	now := s.now().UTC()
	orderID, err := cardgen.RandomNumber(paymentIDDigits)
	if err != nil {
		return nil, fmt.Errorf("generating acquirer order id: %w", err)
	}
	approved := *tx
	approved.ClientID = card.ClientID
	if err := approved.Transition(models.TransactionStatusInProgress, ""); err != nil {
		return nil, err
	}
	approved.AcquirerOrderID = orderID
	approved.AcquirerTimestamp = now
	approved.UpdatedAt = now
	mirror, err := issuerMirror(&approved, now)
	if err != nil {
		return nil, err
	}

	// the reservation and both IN_PROGRESS records land together or not at all
	_, err = s.funds.Reserve(ctx, ReserveRequest{
		PaymentID:             tx.PaymentID,
		PayerClientID:         card.ClientID,
		AcquirerAccountNumber: merchant.AccountNumber,
		Amount:                tx.Amount,
		Description:           tx.Description,
		Records:               []*models.Transaction{&approved, mirror},
	})
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		logger.Info("insufficient funds")
		tx.ClientID = card.ClientID
		result, err := s.fail(ctx, tx, models.ErrInsufficientFunds.Error())
		if err == nil {
			s.recordIssuerSide(ctx, tx, now)
		}
		return result, err
	case err != nil:
		return nil, err
	}
	s.metrics.Reservation()

	*tx = approved
	logger.Info("funds reserved", slog.String("amount", tx.Amount.String()))
	return Resolved{Transaction: tx}, nil
}

// issuerMirror builds the issuer-role record of a same-bank payment with its own
// issuer order id.
func issuerMirror(tx *models.Transaction, now time.Time) (*models.Transaction, error) {
	issuerOrderID, err := cardgen.RandomNumber(paymentIDDigits)
	if err != nil {
		return nil, fmt.Errorf("generating issuer order id: %w", err)
	}
	mirror := *tx
	mirror.Side = models.SideIssuer
	mirror.IssuerOrderID = issuerOrderID
	mirror.IssuerTimestamp = now
	mirror.CreatedAt = now
	return &mirror, nil
}

// recordIssuerSide stores the issuer-role record of a same-bank payment that was
// resolved without a reservation.
func (s *Service) recordIssuerSide(ctx context.Context, tx *models.Transaction, now time.Time) {
	mirror, err := issuerMirror(tx, now)
	if err == nil {
		err = s.repo.CreateTransaction(ctx, mirror)
	}
	if err != nil {
		s.logger.Error("recording issuer side", slog.String("payment_id", tx.PaymentID), slog.Any("err", err))
	}
}

// handOff packages the payment for the clearing hub and returns without waiting.
func (s *Service) handOff(ctx context.Context, tx *models.Transaction, sub models.CardSubmission) (AuthorizationResult, error) {
	orderID, err := cardgen.RandomNumber(paymentIDDigits)
	if err != nil {
		return nil, fmt.Errorf("generating acquirer order id: %w", err)
	}
	now := s.now().UTC()
	description := sub.Description
	if description == "" {
		description = tx.Description
	}
	req := models.ClearingRequest{
		AcquirerOrderID:   orderID,
		AcquirerTimestamp: now,
		PAN:               cardgen.NormalizePAN(sub.PAN),
		SecurityCode:      strings.TrimSpace(sub.SecurityCode),
		Expiration:        strings.TrimSpace(sub.Expiration),
		CardholderName:    sub.CardholderName,
		Amount:            tx.Amount,
		Description:       description,
		AcquirerBankID:    s.cfg.PANPrefix,
		PaymentID:         tx.PaymentID,
		MerchantOrderID:   tx.MerchantOrderID,
	}

	tx.AcquirerOrderID = orderID
	tx.AcquirerTimestamp = now
	tx.UpdatedAt = now
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("updating transaction: %w", err)
	}
	if err := s.relay.Dispatch(ctx, req); err != nil {
		s.logger.Error("dispatching clearing request", slog.String("payment_id", tx.PaymentID), slog.Any("err", err))
		if terr := tx.Transition(models.TransactionStatusError, fmt.Sprintf("dispatch: %v", err)); terr != nil {
			return nil, terr
		}
		tx.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("updating transaction: %w", err)
		}
		return Resolved{Transaction: tx}, nil
	}
	s.logger.Info("clearing request dispatched",
		slog.String("payment_id", tx.PaymentID),
		slog.String("acquirer_order_id", orderID),
		slog.String("pan", cardgen.MaskPAN(req.PAN)))
	return PendingRemote{Request: req, Transaction: tx}, nil
}

// Close waits for queued outcome notifications to be delivered.
func (s *Service) Close() {
	s.notify.close()
}

func (s *Service) pendingFromOutbox(ctx context.Context, tx *models.Transaction) (AuthorizationResult, error) {
	entries, err := s.repo.ListClearing(ctx, tx.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("loading clearing requests: %w", err)
	}
	result := PendingRemote{Transaction: tx}
	if len(entries) > 0 {
		result.Request = entries[len(entries)-1].Request
	}
	return result, nil
}

func (s *Service) fail(ctx context.Context, tx *models.Transaction, reason string) (AuthorizationResult, error) {
	if err := tx.Transition(models.TransactionStatusFailed, reason); err != nil {
		return nil, err
	}
	tx.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("updating transaction: %w", err)
	}
	return Resolved{Transaction: tx}, nil
}

// GetPayment returns every stored record of a payment.
func (s *Service) GetPayment(ctx context.Context, paymentID string) ([]*models.Transaction, error) {
	txs, err := s.repo.ListTransactions(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, models.ErrUnknownPayment
	}
	return txs, nil
}

// AccountFunds reports an account's balance together with what its owner can still spend.
type AccountFunds struct {
	Account   *models.Account `json:"account"`
	Reserved  models.Amount   `json:"reserved"`
	Available models.Amount   `json:"available"`
}

func (s *Service) GetAccountFunds(ctx context.Context, number string) (*AccountFunds, error) {
	account, err := s.repo.GetAccount(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	available, err := s.funds.Available(ctx, account.ClientID)
	if err != nil {
		return nil, err
	}
	return &AccountFunds{
		Account:   account,
		Reserved:  account.Balance - available,
		Available: available,
	}, nil
}

func isCardRejection(err error) bool {
	return errors.Is(err, models.ErrCardNotFound) ||
		errors.Is(err, models.ErrCardDataMismatch) ||
		errors.Is(err, models.ErrCardExpired)
}
