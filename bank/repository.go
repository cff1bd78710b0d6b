package bank

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jonanatree/cyberbank/bank/models"
	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrConflict      = fmt.Errorf("conflict")
	ErrNotSettleable = fmt.Errorf("reservation not settleable")
)

type txKey struct {
	paymentID string
	side      models.Side
}

// Repository is the ledger store. Without a database it keeps everything in memory
// (tests and local runs); with one it uses PostgreSQL. Operations that move funds
// are single atomic units in both modes.
type Repository struct {
	mu           sync.RWMutex
	clients      map[string]*models.Client
	accounts     map[string]*models.Account
	cards        map[string]*models.Card
	transactions map[txKey]*models.Transaction
	reservations map[string]*models.Reservation
	outbox       map[string]*models.OutboxEntry

	db      *sql.DB
	hashKey []byte
}

func NewRepository() *Repository {
	return &Repository{
		clients:      make(map[string]*models.Client),
		accounts:     make(map[string]*models.Account),
		cards:        make(map[string]*models.Card),
		transactions: make(map[txKey]*models.Transaction),
		reservations: make(map[string]*models.Reservation),
		outbox:       make(map[string]*models.OutboxEntry),
	}
}

// NewPGRepository constructs a db-backed repository. hashKey peppers the PAN hash
// used as the card lookup key.
func NewPGRepository(db *sql.DB, hashKey []byte) *Repository {
	return &Repository{db: db, hashKey: hashKey}
}

// EnsureSchema creates the bank schema when missing. No-op in memory mode.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// CreateClient stores a client with its account and, for payers, its card.
func (r *Repository) CreateClient(ctx context.Context, client *models.Client, account *models.Account, card *models.Card) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.clients[client.ID]; ok {
			return fmt.Errorf("client %s: %w", client.ID, ErrConflict)
		}
		if _, ok := r.accounts[account.Number]; ok {
			return fmt.Errorf("account %s: %w", account.Number, ErrConflict)
		}
		c := *client
		if c.MerchantID != "" {
			for _, other := range r.clients {
				if other.MerchantID == c.MerchantID {
					return fmt.Errorf("merchant %s: %w", c.MerchantID, ErrConflict)
				}
			}
		}
		if card != nil {
			pan := cardgen.NormalizePAN(card.PAN)
			if _, ok := r.cards[pan]; ok {
				return fmt.Errorf("card number exists: %w", ErrConflict)
			}
			k := *card
			k.PAN = pan
			k.ClientID = client.ID
			r.cards[pan] = &k
			c.PAN = pan
		}
		a := *account
		a.ClientID = client.ID
		r.clients[c.ID] = &c
		r.accounts[a.Number] = &a
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO bank.clients(client_id, name, account_number, merchant_id, merchant_secret_hash)
        VALUES ($1,$2,$3,$4,$5)
    `, client.ID, client.Name, account.Number, nullString(client.MerchantID), client.MerchantSecretHash)
	if err != nil {
		return mapWriteErr(err)
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO bank.accounts(account_number, client_id, balance) VALUES ($1,$2,$3)
    `, account.Number, client.ID, int64(account.Balance))
	if err != nil {
		return mapWriteErr(err)
	}
	if card != nil {
		pan := cardgen.NormalizePAN(card.PAN)
		bin := pan
		if len(bin) > 8 {
			bin = bin[:8]
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO bank.cards(pan_hash, bin, last4, security_code, expiration, cardholder_name, client_id)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
        `, cardgen.HashPANHMAC(pan, r.hashKey), bin, cardgen.LastN(pan, 4), card.SecurityCode, card.Expiration, card.CardholderName, client.ID)
		if err != nil {
			return mapWriteErr(err)
		}
	}
	return tx.Commit()
}

func (r *Repository) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		c, ok := r.clients[clientID]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *c
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT client_id, name, account_number, coalesce(merchant_id,''), merchant_secret_hash
          FROM bank.clients WHERE client_id=$1
    `, clientID)
	return scanClient(row)
}

// FindMerchant returns the client registered under merchantID.
func (r *Repository) FindMerchant(ctx context.Context, merchantID string) (*models.Client, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, c := range r.clients {
			if c.MerchantID != "" && c.MerchantID == merchantID {
				cp := *c
				return &cp, nil
			}
		}
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT client_id, name, account_number, coalesce(merchant_id,''), merchant_secret_hash
          FROM bank.clients WHERE merchant_id=$1
    `, merchantID)
	return scanClient(row)
}

// FindClientByPAN returns the owner of the card with the given PAN.
func (r *Repository) FindClientByPAN(ctx context.Context, pan string) (*models.Client, error) {
	pan = cardgen.NormalizePAN(pan)
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		card, ok := r.cards[pan]
		if !ok {
			return nil, ErrNotFound
		}
		c, ok := r.clients[card.ClientID]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *c
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT c.client_id, c.name, c.account_number, coalesce(c.merchant_id,''), c.merchant_secret_hash
          FROM bank.clients c JOIN bank.cards k ON k.client_id = c.client_id
         WHERE k.pan_hash=$1
    `, cardgen.HashPANHMAC(pan, r.hashKey))
	client, err := scanClient(row)
	if err != nil {
		return nil, err
	}
	client.PAN = pan
	return client, nil
}

func (r *Repository) FindCard(ctx context.Context, pan string) (*models.Card, error) {
	pan = cardgen.NormalizePAN(pan)
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		c, ok := r.cards[pan]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *c
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT security_code, expiration, cardholder_name, client_id
          FROM bank.cards WHERE pan_hash=$1
    `, cardgen.HashPANHMAC(pan, r.hashKey))
	card := &models.Card{PAN: pan}
	if err := row.Scan(&card.SecurityCode, &card.Expiration, &card.CardholderName, &card.ClientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return card, nil
}

func (r *Repository) GetAccount(ctx context.Context, number string) (*models.Account, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		a, ok := r.accounts[number]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *a
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT account_number, client_id, balance FROM bank.accounts WHERE account_number=$1`, number)
	var a models.Account
	var balance int64
	if err := row.Scan(&a.Number, &a.ClientID, &balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Balance = models.Amount(balance)
	return &a, nil
}

// Credit adds amount to an account outside of any payment (deposits, funding).
func (r *Repository) Credit(ctx context.Context, number string, amount models.Amount) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		a, ok := r.accounts[number]
		if !ok {
			return ErrNotFound
		}
		a.Balance += amount
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE bank.accounts SET balance = balance + $2, updated_at = now() WHERE account_number=$1
    `, number, int64(amount))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TotalBalance sums all account balances. Settlement must never change it.
func (r *Repository) TotalBalance(ctx context.Context) (models.Amount, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var sum models.Amount
		for _, a := range r.accounts {
			sum += a.Balance
		}
		return sum, nil
	}
	var sum int64
	if err := r.db.QueryRowContext(ctx, `SELECT coalesce(sum(balance),0) FROM bank.accounts`).Scan(&sum); err != nil {
		return 0, err
	}
	return models.Amount(sum), nil
}

func (r *Repository) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		key := txKey{t.PaymentID, t.Side}
		if _, ok := r.transactions[key]; ok {
			return fmt.Errorf("payment %s/%s: %w", t.PaymentID, t.Side, ErrConflict)
		}
		cp := *t
		r.transactions[key] = &cp
		return nil
	}
	return insertTransaction(ctx, r.db, t)
}

func insertTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO bank.transactions(payment_id, side, merchant_order_id, merchant_timestamp, description, amount, status,
            acquirer_order_id, acquirer_timestamp, issuer_order_id, issuer_timestamp, client_id, merchant_client_id,
            success_url, failed_url, error_url, failure_reason, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
    `, t.PaymentID, string(t.Side), t.MerchantOrderID, nullTime(t.MerchantTimestamp), t.Description, int64(t.Amount), string(t.Status),
		t.AcquirerOrderID, nullTime(t.AcquirerTimestamp), t.IssuerOrderID, nullTime(t.IssuerTimestamp), t.ClientID, t.MerchantClientID,
		t.URLs.Success, t.URLs.Failed, t.URLs.Error, t.FailureReason, t.CreatedAt, t.UpdatedAt)
	return mapWriteErr(err)
}

func (r *Repository) GetTransaction(ctx context.Context, paymentID string, side models.Side) (*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		t, ok := r.transactions[txKey{paymentID, side}]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *t
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, selectTransaction+` WHERE payment_id=$1 AND side=$2`, paymentID, string(side))
	return scanTransaction(row)
}

// ListTransactions returns every record of a payment (both sides when present).
func (r *Repository) ListTransactions(ctx context.Context, paymentID string) ([]*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.Transaction
		for _, side := range []models.Side{models.SideAcquirer, models.SideIssuer} {
			if t, ok := r.transactions[txKey{paymentID, side}]; ok {
				cp := *t
				out = append(out, &cp)
			}
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, selectTransaction+` WHERE payment_id=$1 ORDER BY side`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransaction persists the mutable lifecycle fields of t.
func (r *Repository) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		key := txKey{t.PaymentID, t.Side}
		if _, ok := r.transactions[key]; !ok {
			return ErrNotFound
		}
		cp := *t
		r.transactions[key] = &cp
		return nil
	}
	return updateTransaction(ctx, r.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	res, err := db.ExecContext(ctx, `
        UPDATE bank.transactions
           SET status=$3, acquirer_order_id=$4, acquirer_timestamp=$5, issuer_order_id=$6, issuer_timestamp=$7,
               client_id=$8, failure_reason=$9, amount=$10, updated_at=$11
         WHERE payment_id=$1 AND side=$2
    `, t.PaymentID, string(t.Side), string(t.Status), t.AcquirerOrderID, nullTime(t.AcquirerTimestamp), t.IssuerOrderID,
		nullTime(t.IssuerTimestamp), t.ClientID, t.FailureReason, int64(t.Amount), t.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

const selectTransaction = `
    SELECT payment_id, side, merchant_order_id, merchant_timestamp, description, amount, status,
           acquirer_order_id, acquirer_timestamp, issuer_order_id, issuer_timestamp, client_id, merchant_client_id,
           success_url, failed_url, error_url, failure_reason, created_at, updated_at
      FROM bank.transactions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t                           models.Transaction
		side, status                string
		amount                      int64
		merchantTS, acqTS, issuerTS sql.NullTime
	)
	err := row.Scan(&t.PaymentID, &side, &t.MerchantOrderID, &merchantTS, &t.Description, &amount, &status,
		&t.AcquirerOrderID, &acqTS, &t.IssuerOrderID, &issuerTS, &t.ClientID, &t.MerchantClientID,
		&t.URLs.Success, &t.URLs.Failed, &t.URLs.Error, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Side = models.Side(side)
	t.Status = models.TransactionStatus(status)
	t.Amount = models.Amount(amount)
	t.MerchantTimestamp = merchantTS.Time
	t.AcquirerTimestamp = acqTS.Time
	t.IssuerTimestamp = issuerTS.Time
	return &t, nil
}

func scanClient(row scanner) (*models.Client, error) {
	var c models.Client
	if err := row.Scan(&c.ID, &c.Name, &c.AccountNumber, &c.MerchantID, &c.MerchantSecretHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func sortReservations(list []*models.Reservation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapWriteErr(err error) error {
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
