package bank_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jonanatree/cyberbank/bank"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/devclient"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const issuerPrefix = "510510"

func startBank(t *testing.T, prefix string, configure func(*bank.Config)) *bank.App {
	t.Helper()
	cfg := bank.DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.ISO8583Addr = "127.0.0.1:0"
	cfg.PANPrefix = prefix
	cfg.SettlementSchedule = ""
	cfg.RelayBaseBackoff = 10 * time.Millisecond
	cfg.RelayPollInterval = 20 * time.Millisecond
	if configure != nil {
		configure(cfg)
	}

	app := bank.NewApp(slog.Default(), cfg)
	require.NoError(t, app.Start())
	t.Cleanup(app.Shutdown)
	return app
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTwoBanksClearAndSettle(t *testing.T) {
	links := []struct {
		name string
		link func(cfg *bank.Config, issuer *bank.App)
	}{
		{"json over http", func(cfg *bank.Config, issuer *bank.App) {
			cfg.CounterpartBankURL = "http://" + issuer.Addr
		}},
		{"iso8583", func(cfg *bank.Config, issuer *bank.App) {
			cfg.ClearingHubAddr = issuer.ISO8583ServerAddr
		}},
	}

	for _, link := range links {
		t.Run(link.name, func(t *testing.T) {
			ctx := context.Background()

			issuer := startBank(t, issuerPrefix, nil)
			acquirer := startBank(t, bankPrefix, func(cfg *bank.Config) { link.link(cfg, issuer) })

			// payer banks with the issuer, merchant with the acquirer
			pan, err := cardgen.GeneratePAN(issuerPrefix, 16)
			require.NoError(t, err)
			card := models.Card{PAN: pan, SecurityCode: "456", Expiration: expiry.CardFace(time.Now(), 2, nil), CardholderName: "ALEX DOE"}
			require.NoError(t, issuer.Repository().CreateClient(ctx,
				&models.Client{ID: "payer-b", Name: "Alex Doe", AccountNumber: "B-PAYER"},
				&models.Account{Number: "B-PAYER", Balance: 300_00},
				&card))

			hash, err := bcrypt.GenerateFromPassword([]byte(merchantSecret), bcrypt.MinCost)
			require.NoError(t, err)
			require.NoError(t, acquirer.Repository().CreateClient(ctx,
				&models.Client{ID: "merchant-a", Name: "Shop", AccountNumber: "A-MERCHANT", MerchantID: merchantID, MerchantSecretHash: hash},
				&models.Account{Number: "A-MERCHANT"},
				nil))

			acquirerURL := "http://" + acquirer.Addr
			issuerURL := "http://" + issuer.Addr

			var payment models.PaymentResponse
			require.Equal(t, http.StatusOK, postJSON(t, acquirerURL+"/payment/", paymentRequest(120_00), &payment))

			var reply submitCardReply
			require.Equal(t, http.StatusOK, postJSON(t, acquirerURL+"/payment/withCard", models.CardSubmission{
				PaymentID:      payment.PaymentID,
				PAN:            card.PAN,
				SecurityCode:   card.SecurityCode,
				Expiration:     card.Expiration,
				CardholderName: card.CardholderName,
			}, &reply))
			require.True(t, reply.Pending)
			require.Equal(t, models.TransactionStatusPaymentRequested, reply.Status)

			// the relay worker delivers and the issuer answers on the same exchange
			require.Eventually(t, func() bool {
				var txs []models.Transaction
				if getJSON(t, acquirerURL+"/payment/"+payment.PaymentID, &txs) != http.StatusOK {
					return false
				}
				return len(txs) == 1 && txs[0].Status == models.TransactionStatusSuccess
			}, 5*time.Second, 20*time.Millisecond)

			var merchantFunds bank.AccountFunds
			require.Equal(t, http.StatusOK, getJSON(t, acquirerURL+"/accounts/A-MERCHANT", &merchantFunds))
			require.Equal(t, models.Amount(120_00), merchantFunds.Account.Balance)

			var payerFunds bank.AccountFunds
			require.Equal(t, http.StatusOK, getJSON(t, issuerURL+"/accounts/B-PAYER", &payerFunds))
			require.Equal(t, models.Amount(300_00), payerFunds.Account.Balance)
			require.Equal(t, models.Amount(180_00), payerFunds.Available)

			var report bank.SweepReport
			require.Equal(t, http.StatusOK, postJSON(t, issuerURL+"/dev/settlement/sweep", nil, &report))
			require.Equal(t, 1, report.Settled)

			require.Equal(t, http.StatusOK, getJSON(t, issuerURL+"/accounts/B-PAYER", &payerFunds))
			require.Equal(t, models.Amount(180_00), payerFunds.Account.Balance)
			require.Equal(t, models.Amount(180_00), payerFunds.Available)

			settlement, err := issuer.Repository().GetAccount(ctx, bank.DefaultConfig().ClearingSettlementAccount)
			require.NoError(t, err)
			require.Equal(t, models.Amount(120_00), settlement.Balance)
		})
	}
}

func TestAppHealthAndMetrics(t *testing.T) {
	app := startBank(t, bankPrefix, nil)
	base := "http://" + app.Addr

	require.Equal(t, http.StatusOK, getJSON(t, base+"/-/live", nil))
	require.Equal(t, http.StatusOK, getJSON(t, base+"/-/ready", nil))

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppWithoutClearingLinkMarksForeignPaymentsAsError(t *testing.T) {
	app := startBank(t, bankPrefix, func(cfg *bank.Config) { cfg.RelayMaxAttempts = 1 })
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte(merchantSecret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, app.Repository().CreateClient(ctx,
		&models.Client{ID: "merchant-a", Name: "Shop", AccountNumber: "A-MERCHANT", MerchantID: merchantID, MerchantSecretHash: hash},
		&models.Account{Number: "A-MERCHANT"},
		nil))

	base := "http://" + app.Addr
	var payment models.PaymentResponse
	require.Equal(t, http.StatusOK, postJSON(t, base+"/payment/", paymentRequest(10_00), &payment))

	var reply submitCardReply
	require.Equal(t, http.StatusOK, postJSON(t, base+"/payment/withCard", models.CardSubmission{
		PaymentID:    payment.PaymentID,
		PAN:          foreignPAN,
		SecurityCode: "123",
		Expiration:   "12/30",
	}, &reply))
	require.True(t, reply.Pending)

	require.Eventually(t, func() bool {
		var txs []models.Transaction
		return getJSON(t, base+"/payment/"+payment.PaymentID, &txs) == http.StatusOK &&
			len(txs) == 1 && txs[0].Status == models.TransactionStatusError
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDevSeedClient(t *testing.T) {
	app := startBank(t, bankPrefix, nil)
	ctx := context.Background()
	dev := devclient.New("http://"+app.Addr, nil)

	pan, err := cardgen.GeneratePAN(bankPrefix, 16)
	require.NoError(t, err)
	payer := models.ClientSeed{
		ClientID:      "seeded-payer",
		Name:          "Sam Seed",
		AccountNumber: "S-PAYER",
		Balance:       75_00,
		PAN:           pan,
		SecurityCode:  "808",
		Expiration:    expiry.CardFace(time.Now(), 2, nil),
	}
	require.NoError(t, dev.SeedClient(ctx, payer))
	require.Error(t, dev.SeedClient(ctx, payer), "duplicate client")

	card, err := app.Repository().FindCard(ctx, pan)
	require.NoError(t, err)
	require.Equal(t, "seeded-payer", card.ClientID)

	require.NoError(t, dev.SeedClient(ctx, models.ClientSeed{
		ClientID:       "seeded-shop",
		Name:           "Seed Shop",
		AccountNumber:  "S-SHOP",
		MerchantID:     "seed-shop",
		MerchantSecret: "pw",
	}))
	merchant, err := app.Repository().FindMerchant(ctx, "seed-shop")
	require.NoError(t, err)
	require.True(t, merchant.IsMerchant())

	foreign := payer
	foreign.ClientID, foreign.AccountNumber, foreign.PAN = "foreign", "S-FOREIGN", foreignPAN
	require.Error(t, dev.SeedClient(ctx, foreign))

	report, err := dev.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, report["settled"])
}
