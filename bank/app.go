package bank

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	bank8583 "github.com/jonanatree/cyberbank/bank/iso8583"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/events"
	"github.com/jonanatree/cyberbank/internal/metrics"
	"github.com/jonanatree/cyberbank/internal/middleware"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"
)

const clearingClientID = "clearing-settlement"

// App is the main application, it contains all the components of the bank
// and is responsible for starting and stopping them.
type App struct {
	srv               *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	logger            *slog.Logger
	config            *Config

	repo          *Repository
	service       *Service
	relay         *Relay
	sweeper       *Sweeper
	iso8583Server io.Closer
	closers       []io.Closer
	stopWorkers   context.CancelFunc
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "bank"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	repository, err := a.openRepository()
	if err != nil {
		return err
	}
	a.repo = repository

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repository.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := a.ensureSettlementAccount(ctx); err != nil {
		return err
	}

	collector := metrics.New()
	notifiers := a.notifiers()

	hub := a.hub()
	a.relay = NewRelay(a.logger, repository, a.config, hub, collector, notifiers...)
	a.service = NewService(a.logger, repository, a.config, a.relay, collector, notifiers...)
	a.sweeper = NewSweeper(a.logger, repository, a.config.SettlementSchedule, collector)

	if a.config.ISO8583Addr != "" {
		iso8583Server := bank8583.NewServer(a.logger, a.config.ISO8583Addr, a.relay)
		if err := iso8583Server.Start(); err != nil {
			return fmt.Errorf("starting iso8583 server: %w", err)
		}
		a.ISO8583ServerAddr = iso8583Server.Addr
		a.iso8583Server = iso8583Server
	}

	workers, stop := context.WithCancel(context.Background())
	a.stopWorkers = stop
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.relay.Run(workers)
	}()
	if a.config.SettlementSchedule != "" {
		if err := a.sweeper.Start(); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)

	api := NewAPI(a.service, a.relay)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", collector.Handler())
	a.appendDevRoutes(router)

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) openRepository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "", "mem":
		return NewRepository(), nil
	case "pg":
		if a.config.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.closers = append(a.closers, db)
		return NewPGRepository(db, []byte(a.config.PANHashKey)), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

// ensureSettlementAccount creates the account credited when foreign acquirers'
// reservations are settled.
func (a *App) ensureSettlementAccount(ctx context.Context) error {
	number := a.config.ClearingSettlementAccount
	if number == "" {
		return nil
	}
	_, err := a.repo.GetAccount(ctx, number)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("loading settlement account: %w", err)
	}
	err = a.repo.CreateClient(ctx,
		&models.Client{ID: clearingClientID, Name: "Clearing settlement", AccountNumber: number},
		&models.Account{Number: number},
		nil)
	if err != nil && !errors.Is(err, ErrConflict) {
		return fmt.Errorf("creating settlement account: %w", err)
	}
	return nil
}

func (a *App) notifiers() []Notifier {
	var out []Notifier
	if a.config.PSPURL != "" {
		out = append(out, NewPSPNotifier(a.config.PSPURL, nil))
	}
	if len(a.config.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(a.config.KafkaBrokers, a.config.KafkaTopic)
		a.closers = append(a.closers, publisher)
		out = append(out, NewStreamNotifier(publisher))
	}
	return out
}

func (a *App) hub() Hub {
	if a.config.ClearingHubAddr != "" {
		client := bank8583.NewClient(a.logger, a.config.ClearingHubAddr, 10*time.Second)
		a.closers = append(a.closers, client)
		return client
	}
	if endpoint := hubEndpoint(a.config); endpoint != "" {
		return NewHTTPHub(endpoint, nil)
	}
	return unconfiguredHub{}
}

type unconfiguredHub struct{}

func (unconfiguredHub) Send(context.Context, models.ClearingRequest) (*models.ClearingResponse, error) {
	return nil, fmt.Errorf("%w: no clearing hub configured", models.ErrRemoteClearing)
}

// Repository exposes the ledger store, used to seed clients in tests and dev runs.
func (a *App) Repository() *Repository {
	return a.repo
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		a.srv.Shutdown(context.Background())
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.stopWorkers != nil {
		a.stopWorkers()
	}
	if a.iso8583Server != nil {
		if err := a.iso8583Server.Close(); err != nil {
			a.logger.Error("closing iso8583 server", "err", err)
		}
	}

	a.wg.Wait()

	if a.service != nil {
		a.service.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}

	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Error("closing resource", "err", err)
		}
	}

	a.logger.Info("app stopped")
}
