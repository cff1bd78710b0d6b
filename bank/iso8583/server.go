package iso8583

import (
	"context"
	"errors"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583-connection/server"
	"golang.org/x/exp/slog"
)

// Authorizer answers clearing requests for cards issued by this bank.
type Authorizer interface {
	Authorize(ctx context.Context, req models.ClearingRequest) (*models.ClearingResponse, error)
}

// Server accepts authorization requests from the clearing hub.
type Server struct {
	Addr string

	addr       string
	authorizer Authorizer
	logger     *slog.Logger
	server     *server.Server
}

func NewServer(logger *slog.Logger, addr string, authorizer Authorizer) *Server {
	return &Server{
		addr:       addr,
		authorizer: authorizer,
		logger:     logger.With(slog.String("component", "iso8583-server")),
	}
}

func (s *Server) Start() error {
	srv := server.New(Spec, readMessageLength, writeMessageLength,
		connection.InboundMessageHandler(s.handleMessage),
	)
	if err := srv.Start(s.addr); err != nil {
		return err
	}
	s.Addr = srv.Addr
	s.server = srv
	s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
	return nil
}

func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.server.Close()
	return nil
}

func (s *Server) handleMessage(c *connection.Connection, message *iso8583.Message) {
	req, err := DecodeRequest(message)
	if err != nil {
		s.logger.Error("decoding authorization request", slog.Any("err", err))
		s.reply(c, message, models.ClearingResponse{Status: models.TransactionStatusError}, CodeFormatError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.authorizer.Authorize(ctx, req)
	if err != nil {
		s.logger.Error("authorizing request", slog.String("payment_id", req.PaymentID), slog.Any("err", err))
		code := CodeSystemError
		if errors.Is(err, models.ErrValidation) {
			code = CodeFormatError
		}
		s.reply(c, message, models.ClearingResponse{
			Status:            models.TransactionStatusError,
			PaymentID:         req.PaymentID,
			Amount:            req.Amount,
			AcquirerOrderID:   req.AcquirerOrderID,
			AcquirerTimestamp: req.AcquirerTimestamp,
			MerchantOrderID:   req.MerchantOrderID,
		}, code)
		return
	}
	s.reply(c, message, *resp, CodeForStatus(resp.Status, ""))
}

func (s *Server) reply(c *connection.Connection, request *iso8583.Message, resp models.ClearingResponse, code string) {
	msg, err := EncodeResponse(request, resp, code)
	if err != nil {
		s.logger.Error("encoding authorization response", slog.Any("err", err))
		return
	}
	if err := c.Reply(msg); err != nil {
		s.logger.Error("replying to authorization request", slog.Any("err", err))
	}
}
