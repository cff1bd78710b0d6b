package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
)

// SweepReport summarizes one settlement run.
type SweepReport struct {
	Settled  int           `json:"settled"`
	Released int           `json:"released"`
	Skipped  int           `json:"skipped"`
	Amount   models.Amount `json:"amount"`
}

// Sweeper turns reservations into ledger movements on a schedule. Each reservation
// is settled as one atomic unit so an interrupted sweep never loses funds.
type Sweeper struct {
	repo     *Repository
	schedule string
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	// one sweep at a time, scheduled or manual
	running sync.Mutex

	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewSweeper(logger *slog.Logger, repo *Repository, schedule string, m *metrics.Collector) *Sweeper {
	return &Sweeper{
		repo:     repo,
		schedule: schedule,
		metrics:  m,
		logger:   logger.With(slog.String("component", "settlement")),
		now:      time.Now,
	}
}

// Sweep settles every reservation whose payment is IN_PROGRESS and releases expired
// reservations that cannot be settled. Running it again without new reservations
// moves nothing.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var report SweepReport
	reservations, err := s.repo.ListReservations(ctx)
	if err != nil {
		return report, fmt.Errorf("listing reservations: %w", err)
	}

	var errs []error
	for _, res := range reservations {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		now := s.now().UTC()
		logger := s.logger.With(slog.String("reservation_id", res.ID), slog.String("payment_id", res.PaymentID))

		settled, err := s.repo.SettleReservation(ctx, res.ID, now)
		switch {
		case err == nil:
			report.Settled++
			report.Amount += settled.Amount
			s.metrics.Settlement("settled", int64(settled.Amount))
			logger.Info("reservation settled",
				slog.String("amount", settled.Amount.String()),
				slog.String("acquirer_account", settled.AcquirerAccountNumber))
		case errors.Is(err, ErrNotFound):
			// retired by a concurrent run
		case errors.Is(err, ErrNotSettleable):
			if !res.Expired(now) {
				report.Skipped++
				continue
			}
			if err := s.repo.ReleaseReservation(ctx, res.ID); err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, fmt.Errorf("releasing %s: %w", res.ID, err))
				continue
			}
			report.Released++
			s.metrics.Settlement("released", 0)
			logger.Info("expired reservation released", slog.String("amount", res.Amount.String()))
		default:
			s.metrics.Settlement("error", 0)
			logger.Error("settling reservation", slog.Any("err", err))
			errs = append(errs, fmt.Errorf("settling %s: %w", res.ID, err))
		}
	}
	return report, errors.Join(errs...)
}

// Start runs Sweep on the configured cron schedule until Stop.
func (s *Sweeper) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		report, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("settlement sweep", slog.Any("err", err))
		}
		if report.Settled+report.Released > 0 {
			s.logger.Info("settlement sweep finished",
				slog.Int("settled", report.Settled),
				slog.Int("released", report.Released),
				slog.String("amount", report.Amount.String()))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("settlement schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.Info("settlement scheduled", slog.String("schedule", s.schedule))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
}
