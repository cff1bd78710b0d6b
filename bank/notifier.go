package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"golang.org/x/exp/slog"
)

// OutcomeEvent is what the merchant's PSP and the event stream learn about a payment.
type OutcomeEvent struct {
	PaymentID         string                   `json:"payment_id"`
	MerchantOrderID   string                   `json:"merchant_order_id"`
	AcquirerOrderID   string                   `json:"acquirer_order_id"`
	AcquirerTimestamp time.Time                `json:"acquirer_timestamp"`
	Amount            models.Amount            `json:"amount"`
	Description       string                   `json:"description"`
	Status            models.TransactionStatus `json:"status"`
	FailureReason     string                   `json:"failure_reason,omitempty"`
}

func newOutcomeEvent(t *models.Transaction) OutcomeEvent {
	return OutcomeEvent{
		PaymentID:         t.PaymentID,
		MerchantOrderID:   t.MerchantOrderID,
		AcquirerOrderID:   t.AcquirerOrderID,
		AcquirerTimestamp: t.AcquirerTimestamp,
		Amount:            t.Amount,
		Description:       t.Description,
		Status:            t.Status,
		FailureReason:     t.FailureReason,
	}
}

// Notifier is told about every resolved acquirer-side transaction.
type Notifier interface {
	Notify(ctx context.Context, event OutcomeEvent) error
}

// EventPublisher is satisfied by *events.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// PSPNotifier posts outcomes to the merchant's payment service provider.
type PSPNotifier struct {
	url  string
	http *http.Client
}

func NewPSPNotifier(url string, hc *http.Client) *PSPNotifier {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &PSPNotifier{url: url, http: hc}
}

func (n *PSPNotifier) Notify(ctx context.Context, event OutcomeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building psp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting outcome: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("psp status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// StreamNotifier publishes outcomes as events keyed by payment id.
type StreamNotifier struct {
	publisher EventPublisher
}

func NewStreamNotifier(p EventPublisher) *StreamNotifier {
	return &StreamNotifier{publisher: p}
}

func (n *StreamNotifier) Notify(ctx context.Context, event OutcomeEvent) error {
	return n.publisher.Publish(ctx, event.PaymentID, event)
}

const (
	notifyQueueSize = 256
	notifyTimeout   = 10 * time.Second
)

// fanout delivers outcomes to every notifier from a background worker and logs
// failures. Publishing never waits on a notifier, and a failed or dropped
// notification never changes the outcome of a payment.
type fanout struct {
	logger    *slog.Logger
	notifiers []Notifier
	queue     chan OutcomeEvent
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newFanout(logger *slog.Logger, notifiers ...Notifier) *fanout {
	f := &fanout{logger: logger, notifiers: notifiers}
	if len(notifiers) > 0 {
		f.queue = make(chan OutcomeEvent, notifyQueueSize)
		f.done = make(chan struct{})
		go f.run()
	}
	return f
}

func (f *fanout) run() {
	defer close(f.done)
	for event := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		for _, n := range f.notifiers {
			if err := n.Notify(ctx, event); err != nil {
				f.logger.Error("notifying outcome", slog.String("payment_id", event.PaymentID), slog.Any("err", err))
			}
		}
		cancel()
	}
}

// publish queues the outcome of t. A full queue drops the event.
func (f *fanout) publish(t *models.Transaction) {
	if f == nil || f.queue == nil {
		return
	}
	event := newOutcomeEvent(t)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- event:
	default:
		f.logger.Error("notification queue full, outcome dropped", slog.String("payment_id", t.PaymentID))
	}
}

// close stops accepting outcomes and waits until the queued ones are delivered.
func (f *fanout) close() {
	if f == nil || f.queue == nil {
		return
	}
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	<-f.done
}
