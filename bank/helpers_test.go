package bank_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonanatree/cyberbank/bank"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const (
	bankPrefix      = "421234"
	foreignPAN      = "5105105105105100"
	merchantID      = "shop"
	merchantSecret  = "secret"
	merchantAccount = "ACC-MERCHANT"
	payerAccount    = "ACC-PAYER"
)

// fakeHub records requests. failures < 0 fails forever, > 0 fails that many times.
type fakeHub struct {
	mu       sync.Mutex
	sent     []models.ClearingRequest
	failures int
	respond  func(models.ClearingRequest) *models.ClearingResponse
}

func (h *fakeHub) Send(_ context.Context, req models.ClearingRequest) (*models.ClearingResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, req)
	if h.failures != 0 {
		if h.failures > 0 {
			h.failures--
		}
		return nil, fmt.Errorf("%w: hub down", models.ErrRemoteClearing)
	}
	if h.respond != nil {
		return h.respond(req), nil
	}
	return nil, nil
}

func (h *fakeHub) requests() []models.ClearingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.ClearingRequest(nil), h.sent...)
}

func approve(status models.TransactionStatus) func(models.ClearingRequest) *models.ClearingResponse {
	return func(req models.ClearingRequest) *models.ClearingResponse {
		return &models.ClearingResponse{
			Status:            status,
			MerchantOrderID:   req.MerchantOrderID,
			AcquirerOrderID:   req.AcquirerOrderID,
			AcquirerTimestamp: req.AcquirerTimestamp,
			IssuerOrderID:     "7770001111",
			IssuerTimestamp:   time.Now().UTC(),
			PaymentID:         req.PaymentID,
			Amount:            req.Amount,
			Description:       req.Description,
			Payer:             "foreign payer",
			PAN:               req.PAN,
		}
	}
}

type fixture struct {
	repo    *bank.Repository
	cfg     *bank.Config
	hub     *fakeHub
	relay   *bank.Relay
	service *bank.Service
	card    models.Card
}

func testConfig() *bank.Config {
	cfg := bank.DefaultConfig()
	cfg.PANPrefix = bankPrefix
	cfg.RelayBaseBackoff = 0
	cfg.RelayMaxAttempts = 3
	return cfg
}

func newFixture(t *testing.T, payerBalance models.Amount, notifiers ...bank.Notifier) *fixture {
	t.Helper()
	cfg := testConfig()
	repo := bank.NewRepository()
	hub := &fakeHub{}
	logger := slog.Default()

	relay := bank.NewRelay(logger, repo, cfg, hub, nil, notifiers...)
	f := &fixture{
		repo:    repo,
		cfg:     cfg,
		hub:     hub,
		relay:   relay,
		service: bank.NewService(logger, repo, cfg, relay, nil, notifiers...),
	}
	t.Cleanup(func() {
		f.service.Close()
		f.relay.Close()
	})
	f.seedMerchant(t)
	f.card = f.seedPayer(t, "payer-1", payerAccount, payerBalance)
	f.seedClearingAccount(t)
	return f
}

func (f *fixture) seedMerchant(t *testing.T) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(merchantSecret), bcrypt.MinCost)
	require.NoError(t, err)
	err = f.repo.CreateClient(context.Background(),
		&models.Client{ID: "merchant-1", Name: "Shop", AccountNumber: merchantAccount, MerchantID: merchantID, MerchantSecretHash: hash},
		&models.Account{Number: merchantAccount},
		nil)
	require.NoError(t, err)
}

func (f *fixture) seedPayer(t *testing.T, clientID, account string, balance models.Amount) models.Card {
	t.Helper()
	pan, err := cardgen.GeneratePAN(bankPrefix, 16)
	require.NoError(t, err)
	card := models.Card{
		PAN:            pan,
		SecurityCode:   "123",
		Expiration:     expiry.CardFace(time.Now(), 3, nil),
		CardholderName: "JANE ROE",
	}
	err = f.repo.CreateClient(context.Background(),
		&models.Client{ID: clientID, Name: "Jane Roe", AccountNumber: account},
		&models.Account{Number: account, Balance: balance},
		&card)
	require.NoError(t, err)
	return card
}

func (f *fixture) seedClearingAccount(t *testing.T) {
	t.Helper()
	err := f.repo.CreateClient(context.Background(),
		&models.Client{ID: "clearing-settlement", Name: "Clearing settlement", AccountNumber: f.cfg.ClearingSettlementAccount},
		&models.Account{Number: f.cfg.ClearingSettlementAccount},
		nil)
	require.NoError(t, err)
}

func (f *fixture) requestPayment(t *testing.T, amount models.Amount) string {
	t.Helper()
	resp, err := f.service.RequestPayment(context.Background(), paymentRequest(amount))
	require.NoError(t, err)
	return resp.PaymentID
}

func paymentRequest(amount models.Amount) models.PaymentRequest {
	return models.PaymentRequest{
		MerchantID:        merchantID,
		MerchantPassword:  merchantSecret,
		MerchantOrderID:   "order-1",
		MerchantTimestamp: time.Now().UTC(),
		Amount:            amount,
		Description:       "coffee beans",
		SuccessURL:        "https://shop.test/success",
		FailedURL:         "https://shop.test/failed",
		ErrorURL:          "https://shop.test/error",
	}
}

func (f *fixture) submission(paymentID string) models.CardSubmission {
	return models.CardSubmission{
		PaymentID:      paymentID,
		PAN:            f.card.PAN,
		SecurityCode:   f.card.SecurityCode,
		Expiration:     f.card.Expiration,
		CardholderName: f.card.CardholderName,
	}
}

func (f *fixture) balance(t *testing.T, account string) models.Amount {
	t.Helper()
	a, err := f.repo.GetAccount(context.Background(), account)
	require.NoError(t, err)
	return a.Balance
}

func (f *fixture) transaction(t *testing.T, paymentID string, side models.Side) *models.Transaction {
	t.Helper()
	tx, err := f.repo.GetTransaction(context.Background(), paymentID, side)
	require.NoError(t, err)
	return tx
}

func (f *fixture) reservations(t *testing.T) []*models.Reservation {
	t.Helper()
	list, err := f.repo.ListReservations(context.Background())
	require.NoError(t, err)
	return list
}
