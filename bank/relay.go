package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"golang.org/x/exp/slog"
)

// Hub carries a clearing request to the clearing network. A transport that gets the
// issuer's answer on the same exchange returns it; one that only gets an
// acknowledgement returns nil and the response arrives later through
// Relay.ConsumeResponse.
type Hub interface {
	Send(ctx context.Context, req models.ClearingRequest) (*models.ClearingResponse, error)
}

const (
	relayLease      = 30 * time.Second
	relayBatch      = 20
	relayMaxBackoff = 5 * time.Minute
)

// Relay moves authorization traffic across bank boundaries. Outbound requests go
// through a persistent outbox drained by Run; inbound requests are authorized with
// the same validator and funds engine as same-bank payments.
type Relay struct {
	repo        *Repository
	cfg         *Config
	hub         Hub
	validator   *CardValidator
	funds       *FundsEngine
	notify      *fanout
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
	wake        chan struct{}
	locks       *keyedLocks
	maxAttempts int
	backoff     time.Duration
	poll        time.Duration
}

func NewRelay(logger *slog.Logger, repo *Repository, cfg *Config, hub Hub, m *metrics.Collector, notifiers ...Notifier) *Relay {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logger.With(slog.String("component", "relay"))
	r := &Relay{
		repo:        repo,
		cfg:         cfg,
		hub:         hub,
		validator:   NewCardValidator(repo, cfg.location()),
		funds:       NewFundsEngine(repo, cfg.ReservationTTL),
		notify:      newFanout(logger, notifiers...),
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		locks:       newKeyedLocks(),
		maxAttempts: cfg.RelayMaxAttempts,
		backoff:     cfg.RelayBaseBackoff,
		poll:        cfg.RelayPollInterval,
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.poll <= 0 {
		r.poll = time.Second
	}
	return r
}

// Dispatch stores req for delivery and returns without waiting for the hub.
func (r *Relay) Dispatch(ctx context.Context, req models.ClearingRequest) error {
	now := r.now().UTC()
	entry := &models.OutboxEntry{
		ID:        uuid.New().String(),
		Request:   req,
		Status:    models.OutboxStatusPending,
		NextRunAt: now,
		CreatedAt: now,
	}
	if err := r.repo.EnqueueClearing(ctx, entry); err != nil {
		return fmt.Errorf("queueing clearing request: %w", err)
	}
	r.metrics.Clearing("outbound", "queued")
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.logger.Info("relay worker started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay worker stopped")
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if _, err := r.DeliverDue(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("delivering clearing requests", slog.Any("err", err))
		}
	}
}

// DeliverDue sends every due outbox entry once and returns how many were attempted.
func (r *Relay) DeliverDue(ctx context.Context) (int, error) {
	entries, err := r.repo.ClaimDueClearing(ctx, r.now().UTC(), relayLease, relayBatch)
	if err != nil {
		return 0, fmt.Errorf("claiming outbox: %w", err)
	}
	for _, e := range entries {
		if err := r.deliver(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (r *Relay) deliver(ctx context.Context, e *models.OutboxEntry) error {
	logger := r.logger.With(slog.String("payment_id", e.Request.PaymentID), slog.String("outbox_id", e.ID))

	tx, err := r.repo.GetTransaction(ctx, e.Request.PaymentID, models.SideAcquirer)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("loading transaction: %w", err)
	}
	if tx == nil || tx.Status.IsTerminal() {
		// resolved through another path meanwhile
		e.Status = models.OutboxStatusDelivered
		return r.repo.UpdateClearing(ctx, e)
	}

	resp, err := r.hub.Send(ctx, e.Request)
	e.Attempts++
	if err != nil {
		e.LastError = err.Error()
		r.metrics.Clearing("outbound", "failed")
		if e.Attempts >= r.maxAttempts {
			logger.Error("clearing request abandoned", slog.Int("attempts", e.Attempts), slog.Any("err", err))
			e.Status = models.OutboxStatusFailed
			if err := r.repo.UpdateClearing(ctx, e); err != nil {
				return fmt.Errorf("updating outbox: %w", err)
			}
			cause := err
			if !errors.Is(cause, models.ErrRemoteClearing) {
				cause = fmt.Errorf("%w: %v", models.ErrRemoteClearing, err)
			}
			return r.abandon(ctx, e.Request.PaymentID, cause)
		}
		e.NextRunAt = r.now().UTC().Add(r.retryDelay(e.Attempts))
		logger.Info("clearing request failed, retry scheduled",
			slog.Int("attempts", e.Attempts), slog.Time("next_run_at", e.NextRunAt), slog.Any("err", err))
		return r.repo.UpdateClearing(ctx, e)
	}

	e.Status = models.OutboxStatusDelivered
	e.LastError = ""
	if err := r.repo.UpdateClearing(ctx, e); err != nil {
		return fmt.Errorf("updating outbox: %w", err)
	}
	r.metrics.Clearing("outbound", "delivered")
	logger.Info("clearing request delivered", slog.Int("attempts", e.Attempts))

	if resp != nil {
		if err := r.ConsumeResponse(ctx, *resp); err != nil {
			logger.Error("consuming clearing response", slog.Any("err", err))
		}
	}
	return nil
}

func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.backoff
	for i := 1; i < attempts && d < relayMaxBackoff; i++ {
		d *= 2
	}
	if d > relayMaxBackoff {
		d = relayMaxBackoff
	}
	return d
}

// abandon records an unrecoverable relay failure on the acquirer-side transaction.
// The transaction is read again under the payment lock since a clearing response may
// have resolved it while the hub was being called.
func (r *Relay) abandon(ctx context.Context, paymentID string, cause error) error {
	unlock := r.locks.lock(paymentID)
	defer unlock()

	tx, err := r.repo.GetTransaction(ctx, paymentID, models.SideAcquirer)
	if err != nil {
		return fmt.Errorf("loading transaction: %w", err)
	}
	if tx.Status.IsTerminal() {
		r.logger.Info("payment resolved before clearing was abandoned",
			slog.String("payment_id", paymentID), slog.String("status", string(tx.Status)))
		return nil
	}
	if err := tx.Transition(models.TransactionStatusError, cause.Error()); err != nil {
		return err
	}
	tx.UpdatedAt = r.now().UTC()
	if err := r.repo.ApplyClearingResponse(ctx, tx, "", 0); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil
		}
		return fmt.Errorf("updating transaction: %w", err)
	}
	r.notify.publish(tx)
	return nil
}

// Close waits for queued outcome notifications to be delivered.
func (r *Relay) Close() {
	r.notify.close()
}

// Authorize answers a clearing request for a card issued by this bank. Funds are
// reserved for the clearing settlement account and settled by the sweep. Asking
// again for the same payment returns the first answer.
func (r *Relay) Authorize(ctx context.Context, req models.ClearingRequest) (*models.ClearingResponse, error) {
	if req.PaymentID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("payment id and positive amount are required: %w", models.ErrValidation)
	}
	route, err := ResolveRoute(req.PAN, r.cfg.PANPrefix)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.lock(req.PaymentID)
	defer unlock()

	logger := r.logger.With(slog.String("payment_id", req.PaymentID), slog.String("pan", cardgen.MaskPAN(req.PAN)))

	if prior, err := r.repo.GetTransaction(ctx, req.PaymentID, models.SideIssuer); err == nil {
		logger.Info("repeated clearing request", slog.String("status", string(prior.Status)))
		return r.answer(req, prior, ""), nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading issuer transaction: %w", err)
	}

	now := r.now().UTC()
	issuerOrderID, err := cardgen.RandomNumber(paymentIDDigits)
	if err != nil {
		return nil, fmt.Errorf("generating issuer order id: %w", err)
	}
	tx := &models.Transaction{
		PaymentID:         req.PaymentID,
		Side:              models.SideIssuer,
		MerchantOrderID:   req.MerchantOrderID,
		Description:       req.Description,
		Amount:            req.Amount,
		Status:            models.TransactionStatusPaymentRequested,
		AcquirerOrderID:   req.AcquirerOrderID,
		AcquirerTimestamp: req.AcquirerTimestamp,
		IssuerOrderID:     issuerOrderID,
		IssuerTimestamp:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var payer string
	reserved := false
	switch {
	case route != SameBank:
		if err := tx.Transition(models.TransactionStatusFailed, "card not issued by this bank"); err != nil {
			return nil, err
		}
	default:
		card, err := r.validator.Validate(ctx, req.CardData())
		if err != nil {
			if !isCardRejection(err) {
				return nil, err
			}
			if terr := tx.Transition(models.TransactionStatusFailed, err.Error()); terr != nil {
				return nil, terr
			}
			break
		}
		tx.ClientID = card.ClientID
		if client, err := r.repo.FindClientByPAN(ctx, req.PAN); err == nil {
			payer = client.Name
		}
		approved := *tx
		if err := approved.Transition(models.TransactionStatusInProgress, ""); err != nil {
			return nil, err
		}
		_, err = r.funds.Reserve(ctx, ReserveRequest{
			PaymentID:             req.PaymentID,
			PayerClientID:         card.ClientID,
			AcquirerAccountNumber: r.cfg.ClearingSettlementAccount,
			Amount:                req.Amount,
			Description:           req.Description,
			Records:               []*models.Transaction{&approved},
		})
		switch {
		case errors.Is(err, models.ErrInsufficientFunds):
			if terr := tx.Transition(models.TransactionStatusFailed, err.Error()); terr != nil {
				return nil, terr
			}
		case err != nil:
			return nil, err
		default:
			r.metrics.Reservation()
			*tx = approved
			reserved = true
		}
	}

	if !reserved {
		if err := r.repo.CreateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("recording issuer transaction: %w", err)
		}
	}
	r.metrics.Clearing("inbound", string(tx.Status))
	logger.Info("clearing request authorized", slog.String("status", string(tx.Status)))
	return r.answer(req, tx, payer), nil
}

func (r *Relay) answer(req models.ClearingRequest, tx *models.Transaction, payer string) *models.ClearingResponse {
	if payer == "" {
		payer = tx.ClientID
	}
	return &models.ClearingResponse{
		Status:            tx.Status,
		MerchantOrderID:   req.MerchantOrderID,
		AcquirerOrderID:   req.AcquirerOrderID,
		AcquirerTimestamp: req.AcquirerTimestamp,
		IssuerOrderID:     tx.IssuerOrderID,
		IssuerTimestamp:   tx.IssuerTimestamp,
		PaymentID:         req.PaymentID,
		Amount:            tx.Amount,
		Description:       req.Description,
		Payer:             payer,
		PAN:               cardgen.NormalizePAN(req.PAN),
	}
}

// ConsumeResponse resolves an outbound payment from the issuer's answer. An approved
// answer credits the merchant immediately since the issuer already holds the funds.
// Answers for a payment that is already resolved are ignored. Only a payment that
// was handed to the hub and is still PAYMENT_REQUESTED accepts an answer, and the
// answer must carry the acquirer order id it was sent with.
func (r *Relay) ConsumeResponse(ctx context.Context, resp models.ClearingResponse) error {
	unlock := r.locks.lock(resp.PaymentID)
	defer unlock()

	tx, err := r.repo.GetTransaction(ctx, resp.PaymentID, models.SideAcquirer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("payment %s: %w", resp.PaymentID, models.ErrUnknownPayment)
		}
		return fmt.Errorf("loading transaction: %w", err)
	}
	logger := r.logger.With(slog.String("payment_id", tx.PaymentID))
	if tx.Status.IsTerminal() {
		logger.Info("ignoring clearing response for resolved payment", slog.String("status", string(tx.Status)))
		r.metrics.Clearing("response", "duplicate")
		return nil
	}
	if tx.Status != models.TransactionStatusPaymentRequested || tx.AcquirerOrderID == "" {
		r.metrics.Clearing("response", "unexpected")
		return fmt.Errorf("payment %s is not awaiting clearing: %w", tx.PaymentID, models.ErrUnknownPayment)
	}
	if resp.AcquirerOrderID != tx.AcquirerOrderID {
		r.metrics.Clearing("response", "mismatch")
		return fmt.Errorf("acquirer order id %q does not belong to payment %s: %w",
			resp.AcquirerOrderID, tx.PaymentID, models.ErrValidation)
	}

	tx.IssuerOrderID = resp.IssuerOrderID
	tx.IssuerTimestamp = resp.IssuerTimestamp
	tx.ClientID = resp.Payer
	tx.UpdatedAt = r.now().UTC()

	var (
		creditAccount string
		credit        models.Amount
	)
	switch {
	case resp.Amount != tx.Amount:
		err = tx.Transition(models.TransactionStatusError, fmt.Sprintf("clearing amount %s differs from %s", resp.Amount, tx.Amount))
	case resp.Approved():
		merchant, gerr := r.repo.GetClient(ctx, tx.MerchantClientID)
		if gerr != nil {
			return fmt.Errorf("loading merchant %s: %w", tx.MerchantClientID, gerr)
		}
		creditAccount, credit = merchant.AccountNumber, tx.Amount
		err = tx.Transition(models.TransactionStatusSuccess, "")
	case resp.Status == models.TransactionStatusFailed:
		err = tx.Transition(models.TransactionStatusFailed, "declined by issuer")
	default:
		err = tx.Transition(models.TransactionStatusError, fmt.Sprintf("unexpected clearing status %q", resp.Status))
	}
	if err != nil {
		return err
	}

	if err := r.repo.ApplyClearingResponse(ctx, tx, creditAccount, credit); err != nil {
		if errors.Is(err, ErrConflict) {
			logger.Info("clearing response already applied")
			return nil
		}
		return fmt.Errorf("applying clearing response: %w", err)
	}
	r.metrics.Clearing("response", string(tx.Status))
	logger.Info("clearing response applied", slog.String("status", string(tx.Status)), slog.String("credited", credit.String()))
	r.notify.publish(tx)
	return nil
}
