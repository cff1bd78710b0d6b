package iso8583

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/encoding"
	"github.com/moov-io/iso8583/field"
	"github.com/moov-io/iso8583/network"
	"github.com/moov-io/iso8583/padding"
	"github.com/moov-io/iso8583/prefix"
)

const (
	mtiAuthorizationRequest  = "0100"
	mtiAuthorizationResponse = "0110"
)

// field numbers used on the clearing link
const (
	fieldPAN             = 2
	fieldAmount          = 4
	fieldSTAN            = 11
	fieldExpiration      = 14
	fieldAcquirerBankID  = 32
	fieldPaymentID       = 37
	fieldResponseCode    = 39
	fieldDescription     = 104
	fieldAcquirerOrderID = 112
	fieldAcquirerTime    = 113
	fieldIssuerOrderID   = 114
	fieldIssuerTime      = 115
	fieldCardholderName  = 116
	fieldSecurityCode    = 117
	fieldPayer           = 118
	fieldStatus          = 119
	fieldMerchantOrderID = 120
)

// response codes (field 39)
const (
	CodeApproved          = "00"
	CodeDoNotHonor        = "05"
	CodeInvalidCard       = "14"
	CodeFormatError       = "30"
	CodeInsufficientFunds = "51"
	CodeSystemError       = "96"
)

func llvar(length int, desc string) field.Field {
	return field.NewString(&field.Spec{
		Length:      length,
		Description: desc,
		Enc:         encoding.ASCII,
		Pref:        prefix.ASCII.LL,
	})
}

func lllvar(length int, desc string) field.Field {
	return field.NewString(&field.Spec{
		Length:      length,
		Description: desc,
		Enc:         encoding.ASCII,
		Pref:        prefix.ASCII.LLL,
	})
}

// Spec is the message layout spoken between this bank and the clearing hub.
var Spec = &iso8583.MessageSpec{
	Name: "Bank Clearing Link",
	Fields: map[int]field.Field{
		0: field.NewString(&field.Spec{
			Length:      4,
			Description: "Message Type Indicator",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		1: field.NewBitmap(&field.Spec{
			Length:      8,
			Description: "Bitmap",
			Enc:         encoding.BytesToASCIIHex,
			Pref:        prefix.Hex.Fixed,
		}),
		fieldPAN: llvar(19, "Primary Account Number"),
		fieldAmount: field.NewNumeric(&field.Spec{
			Length:      12,
			Description: "Amount, minor units",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
			Pad:         padding.Left('0'),
		}),
		fieldSTAN: field.NewString(&field.Spec{
			Length:      6,
			Description: "Systems Trace Audit Number",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
			Pad:         padding.Left('0'),
		}),
		fieldExpiration: field.NewString(&field.Spec{
			Length:      4,
			Description: "Expiration Date (YYMM)",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldAcquirerBankID: llvar(11, "Acquiring Institution Identification Code"),
		fieldPaymentID: field.NewString(&field.Spec{
			Length:      12,
			Description: "Retrieval Reference Number (payment id)",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
			Pad:         padding.Left('0'),
		}),
		fieldResponseCode: field.NewString(&field.Spec{
			Length:      2,
			Description: "Response Code",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		fieldDescription:     lllvar(255, "Order Description"),
		fieldAcquirerOrderID: lllvar(32, "Acquirer Order ID"),
		fieldAcquirerTime:    lllvar(40, "Acquirer Timestamp"),
		fieldIssuerOrderID:   lllvar(32, "Issuer Order ID"),
		fieldIssuerTime:      lllvar(40, "Issuer Timestamp"),
		fieldCardholderName:  lllvar(99, "Cardholder Name"),
		fieldSecurityCode:    lllvar(4, "Card Security Code"),
		fieldPayer:           lllvar(99, "Payer"),
		fieldStatus:          lllvar(20, "Transaction Status"),
		fieldMerchantOrderID: lllvar(64, "Merchant Order ID"),
	},
}

func readMessageLength(r io.Reader) (int, error) {
	header := network.NewBinary2BytesHeader()
	n, err := header.ReadFrom(r)
	if err != nil {
		return n, err
	}
	return header.Length(), nil
}

func writeMessageLength(w io.Writer, length int) (int, error) {
	header := network.NewBinary2BytesHeader()
	header.SetLength(length)
	n, err := header.WriteTo(w)
	if err != nil {
		return n, fmt.Errorf("writing message header: %w", err)
	}
	return n, nil
}

type fieldSetter struct {
	msg *iso8583.Message
	err error
}

// set writes non-empty values and remembers the first error.
func (s *fieldSetter) set(id int, value string) {
	if s.err != nil || value == "" {
		return
	}
	if err := s.msg.Field(id, value); err != nil {
		s.err = fmt.Errorf("setting field %d: %w", id, err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// cardFaceToYYMM converts the printed MM/YY into the YYMM wire form; anything else
// is sent as is and rejected by the issuer's validator.
func cardFaceToYYMM(face string) string {
	if len(face) == 5 && face[2] == '/' {
		return face[3:] + face[:2]
	}
	return face
}

func yymmToCardFace(yymm string) string {
	if len(yymm) == 4 {
		return yymm[2:] + "/" + yymm[:2]
	}
	return yymm
}

// EncodeRequest builds an authorization request message. stan must be unique per
// open connection.
func EncodeRequest(req models.ClearingRequest, stan string) (*iso8583.Message, error) {
	msg := iso8583.NewMessage(Spec)
	msg.MTI(mtiAuthorizationRequest)
	s := &fieldSetter{msg: msg}
	s.set(fieldPAN, req.PAN)
	s.set(fieldAmount, strconv.FormatInt(int64(req.Amount), 10))
	s.set(fieldSTAN, stan)
	s.set(fieldExpiration, cardFaceToYYMM(req.Expiration))
	s.set(fieldAcquirerBankID, req.AcquirerBankID)
	s.set(fieldPaymentID, req.PaymentID)
	s.set(fieldDescription, req.Description)
	s.set(fieldAcquirerOrderID, req.AcquirerOrderID)
	s.set(fieldAcquirerTime, formatTime(req.AcquirerTimestamp))
	s.set(fieldCardholderName, req.CardholderName)
	s.set(fieldSecurityCode, req.SecurityCode)
	s.set(fieldMerchantOrderID, req.MerchantOrderID)
	if s.err != nil {
		return nil, s.err
	}
	return msg, nil
}

// DecodeRequest reads an authorization request message.
func DecodeRequest(msg *iso8583.Message) (models.ClearingRequest, error) {
	var req models.ClearingRequest
	mti, err := msg.GetMTI()
	if err != nil {
		return req, fmt.Errorf("getting MTI: %w", err)
	}
	if mti != mtiAuthorizationRequest {
		return req, fmt.Errorf("unexpected MTI %s", mti)
	}
	g := &fieldGetter{msg: msg}
	req.PAN = g.get(fieldPAN)
	req.Amount = models.Amount(g.int(fieldAmount))
	req.Expiration = yymmToCardFace(g.get(fieldExpiration))
	req.AcquirerBankID = g.get(fieldAcquirerBankID)
	req.PaymentID = trimPaymentID(g.get(fieldPaymentID))
	req.Description = g.get(fieldDescription)
	req.AcquirerOrderID = g.get(fieldAcquirerOrderID)
	req.AcquirerTimestamp = g.time(fieldAcquirerTime)
	req.CardholderName = g.get(fieldCardholderName)
	req.SecurityCode = g.get(fieldSecurityCode)
	req.MerchantOrderID = g.get(fieldMerchantOrderID)
	return req, g.err
}

// EncodeResponse builds the authorization response to request.
func EncodeResponse(request *iso8583.Message, resp models.ClearingResponse, code string) (*iso8583.Message, error) {
	stan, err := request.GetString(fieldSTAN)
	if err != nil {
		return nil, fmt.Errorf("getting STAN: %w", err)
	}
	msg := iso8583.NewMessage(Spec)
	msg.MTI(mtiAuthorizationResponse)
	s := &fieldSetter{msg: msg}
	s.set(fieldPAN, resp.PAN)
	s.set(fieldAmount, strconv.FormatInt(int64(resp.Amount), 10))
	s.set(fieldSTAN, stan)
	s.set(fieldPaymentID, resp.PaymentID)
	s.set(fieldResponseCode, code)
	s.set(fieldDescription, resp.Description)
	s.set(fieldAcquirerOrderID, resp.AcquirerOrderID)
	s.set(fieldAcquirerTime, formatTime(resp.AcquirerTimestamp))
	s.set(fieldIssuerOrderID, resp.IssuerOrderID)
	s.set(fieldIssuerTime, formatTime(resp.IssuerTimestamp))
	s.set(fieldPayer, resp.Payer)
	s.set(fieldStatus, string(resp.Status))
	s.set(fieldMerchantOrderID, resp.MerchantOrderID)
	if s.err != nil {
		return nil, s.err
	}
	return msg, nil
}

// DecodeResponse reads an authorization response message. A response without an
// explicit status gets one derived from the response code.
func DecodeResponse(msg *iso8583.Message) (models.ClearingResponse, error) {
	var resp models.ClearingResponse
	mti, err := msg.GetMTI()
	if err != nil {
		return resp, fmt.Errorf("getting MTI: %w", err)
	}
	if mti != mtiAuthorizationResponse {
		return resp, fmt.Errorf("unexpected MTI %s", mti)
	}
	g := &fieldGetter{msg: msg}
	resp.PAN = g.get(fieldPAN)
	resp.Amount = models.Amount(g.int(fieldAmount))
	resp.PaymentID = trimPaymentID(g.get(fieldPaymentID))
	resp.Description = g.get(fieldDescription)
	resp.AcquirerOrderID = g.get(fieldAcquirerOrderID)
	resp.AcquirerTimestamp = g.time(fieldAcquirerTime)
	resp.IssuerOrderID = g.get(fieldIssuerOrderID)
	resp.IssuerTimestamp = g.time(fieldIssuerTime)
	resp.Payer = g.get(fieldPayer)
	resp.MerchantOrderID = g.get(fieldMerchantOrderID)
	resp.Status = models.TransactionStatus(g.get(fieldStatus))
	code := g.get(fieldResponseCode)
	if g.err != nil {
		return resp, g.err
	}
	if resp.Status == "" {
		resp.Status = StatusForCode(code)
	}
	return resp, nil
}

// CodeForStatus maps an authorization outcome to a response code.
func CodeForStatus(status models.TransactionStatus, reason string) string {
	switch status {
	case models.TransactionStatusInProgress, models.TransactionStatusSuccess:
		return CodeApproved
	case models.TransactionStatusFailed:
		switch reason {
		case models.ErrInsufficientFunds.Error():
			return CodeInsufficientFunds
		case models.ErrCardNotFound.Error():
			return CodeInvalidCard
		}
		return CodeDoNotHonor
	}
	return CodeSystemError
}

func StatusForCode(code string) models.TransactionStatus {
	switch code {
	case CodeApproved:
		return models.TransactionStatusInProgress
	case CodeDoNotHonor, CodeInvalidCard, CodeInsufficientFunds:
		return models.TransactionStatusFailed
	}
	return models.TransactionStatusError
}

// the payment id travels zero padded in a fixed field
func trimPaymentID(s string) string {
	for len(s) > 10 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

type fieldGetter struct {
	msg *iso8583.Message
	err error
}

// get returns "" for absent fields.
func (g *fieldGetter) get(id int) string {
	if g.err != nil {
		return ""
	}
	if _, ok := g.msg.GetFields()[id]; !ok {
		return ""
	}
	v, err := g.msg.GetString(id)
	if err != nil {
		g.err = fmt.Errorf("getting field %d: %w", id, err)
	}
	return v
}

func (g *fieldGetter) int(id int) int64 {
	s := g.get(id)
	if s == "" || g.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		g.err = fmt.Errorf("field %d: %w", id, err)
	}
	return n
}

func (g *fieldGetter) time(id int) time.Time {
	s := g.get(id)
	if g.err != nil {
		return time.Time{}
	}
	t, err := parseTime(s)
	if err != nil {
		g.err = fmt.Errorf("field %d: %w", id, err)
	}
	return t
}
