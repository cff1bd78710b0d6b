package iso8583

import (
	"context"
	"testing"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/moov-io/iso8583"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testRequest() models.ClearingRequest {
	return models.ClearingRequest{
		AcquirerOrderID:   "5550001111",
		AcquirerTimestamp: time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		PAN:               "5105105105105100",
		SecurityCode:      "123",
		Expiration:        "12/30",
		CardholderName:    "JANE ROE",
		Amount:            100_00,
		Description:       "order #42",
		AcquirerBankID:    "421234",
		PaymentID:         "1234567890",
		MerchantOrderID:   "M-42",
	}
}

func TestRequestSurvivesPacking(t *testing.T) {
	req := testRequest()
	msg, err := EncodeRequest(req, "000001")
	require.NoError(t, err)

	packed, err := msg.Pack()
	require.NoError(t, err)

	unpacked := iso8583.NewMessage(Spec)
	require.NoError(t, unpacked.Unpack(packed))

	got, err := DecodeRequest(unpacked)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestResponseStatusFallsBackToResponseCode(t *testing.T) {
	request, err := EncodeRequest(testRequest(), "000002")
	require.NoError(t, err)

	msg, err := EncodeResponse(request, models.ClearingResponse{PaymentID: "1234567890", Amount: 100_00}, CodeInsufficientFunds)
	require.NoError(t, err)

	resp, err := DecodeResponse(msg)
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusFailed, resp.Status)
	require.Equal(t, "1234567890", resp.PaymentID)
}

func TestCodeForStatus(t *testing.T) {
	require.Equal(t, CodeApproved, CodeForStatus(models.TransactionStatusInProgress, ""))
	require.Equal(t, CodeInsufficientFunds, CodeForStatus(models.TransactionStatusFailed, models.ErrInsufficientFunds.Error()))
	require.Equal(t, CodeDoNotHonor, CodeForStatus(models.TransactionStatusFailed, "card data mismatch"))
	require.Equal(t, CodeSystemError, CodeForStatus(models.TransactionStatusError, ""))
}

type stubAuthorizer struct {
	got []models.ClearingRequest
}

func (a *stubAuthorizer) Authorize(_ context.Context, req models.ClearingRequest) (*models.ClearingResponse, error) {
	a.got = append(a.got, req)
	return &models.ClearingResponse{
		Status:            models.TransactionStatusInProgress,
		MerchantOrderID:   req.MerchantOrderID,
		AcquirerOrderID:   req.AcquirerOrderID,
		AcquirerTimestamp: req.AcquirerTimestamp,
		IssuerOrderID:     "9990001111",
		IssuerTimestamp:   time.Date(2024, 5, 1, 10, 30, 1, 0, time.UTC),
		PaymentID:         req.PaymentID,
		Amount:            req.Amount,
		Description:       req.Description,
		Payer:             "Jane Roe",
		PAN:               req.PAN,
	}, nil
}

func TestClientServerExchange(t *testing.T) {
	logger := slog.Default()
	authorizer := &stubAuthorizer{}

	srv := NewServer(logger, "127.0.0.1:0", authorizer)
	require.NoError(t, srv.Start())
	defer srv.Close()

	client := NewClient(logger, srv.Addr, 2*time.Second)
	defer client.Close()

	req := testRequest()
	resp, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, authorizer.got, 1)
	require.Equal(t, req, authorizer.got[0])

	require.Equal(t, models.TransactionStatusInProgress, resp.Status)
	require.Equal(t, "9990001111", resp.IssuerOrderID)
	require.Equal(t, "Jane Roe", resp.Payer)
	require.Equal(t, req.Amount, resp.Amount)
	require.Equal(t, req.AcquirerOrderID, resp.AcquirerOrderID)
	require.True(t, resp.Approved())
}

func TestClientReportsUnreachableHub(t *testing.T) {
	logger := slog.Default()
	client := NewClient(logger, "127.0.0.1:1", 200*time.Millisecond)

	_, err := client.Send(context.Background(), testRequest())
	require.ErrorIs(t, err, models.ErrRemoteClearing)
}
