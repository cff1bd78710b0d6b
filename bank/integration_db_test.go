package bank_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonanatree/cyberbank/bank"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/expiry"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// openTestDB skips unless DB_DSN is provided and REPO_BACKEND=pg.
func openTestDB(t *testing.T) *bank.Repository {
	t.Helper()
	if os.Getenv("REPO_BACKEND") != "pg" {
		t.Skip("REPO_BACKEND != pg; skipping DB integration test")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set; skipping DB integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	repo := bank.NewPGRepository(db, []byte("test-pan-hash-key"))
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

func TestPGPaymentLifecycle(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	cfg := testConfig()
	merchantAcc := "M-" + suffix
	payerAcc := "P-" + suffix
	merchant := "shop-" + suffix

	hash, err := bcrypt.GenerateFromPassword([]byte(merchantSecret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, repo.CreateClient(ctx,
		&models.Client{ID: "merchant-" + suffix, Name: "Shop", AccountNumber: merchantAcc, MerchantID: merchant, MerchantSecretHash: hash},
		&models.Account{Number: merchantAcc},
		nil))

	pan, err := cardgen.GeneratePAN(bankPrefix, 16)
	require.NoError(t, err)
	card := models.Card{PAN: pan, SecurityCode: "123", Expiration: expiry.CardFace(time.Now(), 3, nil), CardholderName: "PG PAYER"}
	require.NoError(t, repo.CreateClient(ctx,
		&models.Client{ID: "payer-" + suffix, Name: "PG Payer", AccountNumber: payerAcc},
		&models.Account{Number: payerAcc, Balance: 200_00},
		&card))

	stored, err := repo.FindCard(ctx, pan)
	require.NoError(t, err)
	require.Equal(t, "payer-"+suffix, stored.ClientID)

	service := bank.NewService(slog.Default(), repo, cfg, bank.NewRelay(slog.Default(), repo, cfg, &fakeHub{}, nil), nil)

	req := paymentRequest(150_00)
	req.MerchantID = merchant
	payment, err := service.RequestPayment(ctx, req)
	require.NoError(t, err)

	sub := models.CardSubmission{PaymentID: payment.PaymentID, PAN: pan, SecurityCode: "123", Expiration: card.Expiration}
	result, err := service.SubmitCard(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusInProgress, bank.ResultTransaction(result).Status)

	// a second payment cannot spend the reserved funds
	second, err := service.RequestPayment(ctx, req)
	require.NoError(t, err)
	sub.PaymentID = second.PaymentID
	result, err = service.SubmitCard(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusFailed, bank.ResultTransaction(result).Status)

	_, err = bank.NewSweeper(slog.Default(), repo, "", nil).Sweep(ctx)
	require.NoError(t, err)

	payer, err := repo.GetAccount(ctx, payerAcc)
	require.NoError(t, err)
	require.Equal(t, models.Amount(50_00), payer.Balance)

	credited, err := repo.GetAccount(ctx, merchantAcc)
	require.NoError(t, err)
	require.Equal(t, models.Amount(150_00), credited.Balance)

	tx, err := repo.GetTransaction(ctx, payment.PaymentID, models.SideAcquirer)
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusSuccess, tx.Status)
}

func TestPGOutboxLease(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	paymentID, err := cardgen.RandomNumber(10)
	require.NoError(t, err)
	entry := &models.OutboxEntry{
		ID:        uuid.NewString(),
		Request:   models.ClearingRequest{PaymentID: paymentID, PAN: foreignPAN, Amount: 1_00},
		Status:    models.OutboxStatusPending,
		NextRunAt: now.Add(-time.Second),
		CreatedAt: now,
	}
	require.NoError(t, repo.EnqueueClearing(ctx, entry))

	claimed, err := repo.ClaimDueClearing(ctx, now, time.Minute, 1000)
	require.NoError(t, err)
	var found bool
	for _, e := range claimed {
		if e.ID == entry.ID {
			found = true
			require.Equal(t, paymentID, e.Request.PaymentID)
		}
	}
	require.True(t, found)

	// leased entries are not handed out again
	claimed, err = repo.ClaimDueClearing(ctx, now, time.Minute, 1000)
	require.NoError(t, err)
	for _, e := range claimed {
		require.NotEqual(t, entry.ID, e.ID)
	}

	entry.Status = models.OutboxStatusDelivered
	require.NoError(t, repo.UpdateClearing(ctx, entry))
	entries, err := repo.ListClearing(ctx, paymentID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, models.OutboxStatusDelivered, entries[0].Status)
}
