package iso8583

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	connection "github.com/moov-io/iso8583-connection"
	"golang.org/x/exp/slog"
)

// Client sends clearing requests to the hub over a persistent ISO 8583 connection
// and returns the issuer's answer.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn *connection.Connection
	stan uint32
}

func NewClient(logger *slog.Logger, addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:    addr,
		timeout: timeout,
		logger:  logger.With(slog.String("iso8583_hub", addr)),
	}
}

// Connect opens the connection. Send connects on demand, so calling it is optional.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked()
	return err
}

func (c *Client) connectLocked() (*connection.Connection, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := connection.New(c.addr, Spec, readMessageLength, writeMessageLength,
		connection.SendTimeout(c.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating iso8583 connection: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("connected to clearing hub")
	return conn, nil
}

func (c *Client) nextSTAN() string {
	n := atomic.AddUint32(&c.stan, 1) % 1000000
	return fmt.Sprintf("%06d", n)
}

// Send implements the relay's Hub. Transport failures drop the connection so that
// the next attempt reconnects.
func (c *Client) Send(ctx context.Context, req models.ClearingRequest) (*models.ClearingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn, err := c.connectLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRemoteClearing, err)
	}

	msg, err := EncodeRequest(req, c.nextSTAN())
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", models.ErrRemoteClearing, err)
	}
	reply, err := conn.Send(msg)
	if err != nil {
		c.drop(conn)
		return nil, fmt.Errorf("%w: sending request: %v", models.ErrRemoteClearing, err)
	}
	resp, err := DecodeResponse(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", models.ErrRemoteClearing, err)
	}
	if resp.PaymentID != req.PaymentID {
		return nil, fmt.Errorf("%w: response for payment %s, expected %s", models.ErrRemoteClearing, resp.PaymentID, req.PaymentID)
	}
	return &resp, nil
}

func (c *Client) drop(conn *connection.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
