package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonanatree/cyberbank/bank/models"
)

// ReserveFunds checks available funds and records the reservation as one unit scoped
// to the payer: available = balance - sum(active reservations); rejects with
// models.ErrInsufficientFunds when available - amount < 0.
//
// records are written in the same unit. Each one is inserted, or replaces a stored
// record that is still PAYMENT_REQUESTED; any other stored status is ErrConflict and
// nothing is written.
func (r *Repository) ReserveFunds(ctx context.Context, res *models.Reservation, records ...*models.Transaction) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		client, ok := r.clients[res.ClientID]
		if !ok {
			return fmt.Errorf("payer %s: %w", res.ClientID, ErrNotFound)
		}
		account, ok := r.accounts[client.AccountNumber]
		if !ok {
			return fmt.Errorf("payer account %s: %w", client.AccountNumber, ErrNotFound)
		}
		if !models.Sufficient(account.Balance, r.reservedLocked(res.ClientID), res.Amount) {
			return models.ErrInsufficientFunds
		}
		if _, ok := r.reservations[res.ID]; ok {
			return fmt.Errorf("reservation %s: %w", res.ID, ErrConflict)
		}
		for _, t := range records {
			stored, ok := r.transactions[txKey{t.PaymentID, t.Side}]
			if ok && stored.Status != models.TransactionStatusPaymentRequested {
				return fmt.Errorf("payment %s/%s already %s: %w", t.PaymentID, t.Side, stored.Status, ErrConflict)
			}
		}
		cp := *res
		r.reservations[res.ID] = &cp
		for _, t := range records {
			tcp := *t
			r.transactions[txKey{t.PaymentID, t.Side}] = &tcp
		}
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return err
	}

	// the payer account row lock serializes concurrent reservations for the same payer
	var balance int64
	err = tx.QueryRowContext(ctx, `
        SELECT a.balance
          FROM bank.accounts a JOIN bank.clients c ON c.account_number = a.account_number
         WHERE c.client_id=$1
           FOR UPDATE OF a
    `, res.ClientID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("payer %s: %w", res.ClientID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	var reserved int64
	if err := tx.QueryRowContext(ctx, `
        SELECT coalesce(sum(amount),0) FROM bank.reservations WHERE client_id=$1
    `, res.ClientID).Scan(&reserved); err != nil {
		return err
	}
	if !models.Sufficient(models.Amount(balance), models.Amount(reserved), res.Amount) {
		return models.ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO bank.reservations(reservation_id, payment_id, client_id, acquirer_account_number, amount, description, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, res.ID, res.PaymentID, res.ClientID, res.AcquirerAccountNumber, int64(res.Amount), res.Description, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return mapWriteErr(err)
	}
	for _, t := range records {
		if err := storePendingTransaction(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// storePendingTransaction inserts t or overwrites a stored copy still in PAYMENT_REQUESTED.
func storePendingTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	var status string
	err := tx.QueryRowContext(ctx, `
        SELECT status FROM bank.transactions WHERE payment_id=$1 AND side=$2 FOR UPDATE
    `, t.PaymentID, string(t.Side)).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return insertTransaction(ctx, tx, t)
	case err != nil:
		return err
	case models.TransactionStatus(status) != models.TransactionStatusPaymentRequested:
		return fmt.Errorf("payment %s/%s already %s: %w", t.PaymentID, t.Side, status, ErrConflict)
	}
	return updateTransaction(ctx, tx, t)
}

func (r *Repository) reservedLocked(clientID string) models.Amount {
	var sum models.Amount
	for _, res := range r.reservations {
		if res.ClientID == clientID {
			sum += res.Amount
		}
	}
	return sum
}

// Funds returns the payer's balance and the sum of its active reservations.
func (r *Repository) Funds(ctx context.Context, clientID string) (balance, reserved models.Amount, err error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		client, ok := r.clients[clientID]
		if !ok {
			return 0, 0, ErrNotFound
		}
		account, ok := r.accounts[client.AccountNumber]
		if !ok {
			return 0, 0, ErrNotFound
		}
		return account.Balance, r.reservedLocked(clientID), nil
	}
	var b, s int64
	err = r.db.QueryRowContext(ctx, `
        SELECT a.balance,
               (SELECT coalesce(sum(amount),0) FROM bank.reservations WHERE client_id=c.client_id)
          FROM bank.accounts a JOIN bank.clients c ON c.account_number = a.account_number
         WHERE c.client_id=$1
    `, clientID).Scan(&b, &s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return models.Amount(b), models.Amount(s), nil
}

// ListReservations returns every active reservation, oldest first.
func (r *Repository) ListReservations(ctx context.Context) ([]*models.Reservation, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.Reservation, 0, len(r.reservations))
		for _, res := range r.reservations {
			cp := *res
			out = append(out, &cp)
		}
		sortReservations(out)
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT reservation_id, payment_id, client_id, acquirer_account_number, amount, description, created_at, expires_at
          FROM bank.reservations ORDER BY created_at, reservation_id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Reservation
	for rows.Next() {
		var res models.Reservation
		var amount int64
		if err := rows.Scan(&res.ID, &res.PaymentID, &res.ClientID, &res.AcquirerAccountNumber, &amount, &res.Description, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, err
		}
		res.Amount = models.Amount(amount)
		out = append(out, &res)
	}
	return out, rows.Err()
}

// SettleReservation converts a reservation into a ledger movement: debit payer,
// credit the acquirer account, retire the reservation and move the linked
// IN_PROGRESS transactions to SUCCESS. All or nothing. Returns ErrNotSettleable when
// no linked transaction is IN_PROGRESS and ErrNotFound when already retired.
func (r *Repository) SettleReservation(ctx context.Context, reservationID string, now time.Time) (*models.Reservation, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		res, ok := r.reservations[reservationID]
		if !ok {
			return nil, ErrNotFound
		}
		var linked []*models.Transaction
		for _, side := range []models.Side{models.SideAcquirer, models.SideIssuer} {
			if t, ok := r.transactions[txKey{res.PaymentID, side}]; ok && t.Status == models.TransactionStatusInProgress {
				linked = append(linked, t)
			}
		}
		if len(linked) == 0 {
			return nil, ErrNotSettleable
		}
		client, ok := r.clients[res.ClientID]
		if !ok {
			return nil, fmt.Errorf("payer %s: %w", res.ClientID, ErrNotFound)
		}
		payer, ok := r.accounts[client.AccountNumber]
		if !ok {
			return nil, fmt.Errorf("payer account %s: %w", client.AccountNumber, ErrNotFound)
		}
		acquirer, ok := r.accounts[res.AcquirerAccountNumber]
		if !ok {
			return nil, fmt.Errorf("acquirer account %s: %w", res.AcquirerAccountNumber, ErrNotFound)
		}
		payer.Balance -= res.Amount
		acquirer.Balance += res.Amount
		for _, t := range linked {
			t.Status = models.TransactionStatusSuccess
			t.UpdatedAt = now
		}
		delete(r.reservations, reservationID)
		cp := *res
		return &cp, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '5s'`); err != nil {
		return nil, err
	}
	var res models.Reservation
	var amount int64
	err = tx.QueryRowContext(ctx, `
        SELECT reservation_id, payment_id, client_id, acquirer_account_number, amount, description, created_at, expires_at
          FROM bank.reservations WHERE reservation_id=$1 FOR UPDATE
    `, reservationID).Scan(&res.ID, &res.PaymentID, &res.ClientID, &res.AcquirerAccountNumber, &amount, &res.Description, &res.CreatedAt, &res.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.Amount = models.Amount(amount)

	upd, err := tx.ExecContext(ctx, `
        UPDATE bank.transactions SET status='SUCCESS', updated_at=$2
         WHERE payment_id=$1 AND status='IN_PROGRESS'
    `, res.PaymentID, now)
	if err != nil {
		return nil, err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return nil, ErrNotSettleable
	}
	debit, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts SET balance = balance - $2, updated_at = now()
         WHERE account_number = (SELECT account_number FROM bank.clients WHERE client_id=$1)
    `, res.ClientID, amount)
	if err != nil {
		return nil, err
	}
	if n, _ := debit.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("payer %s: %w", res.ClientID, ErrNotFound)
	}
	credit, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts SET balance = balance + $2, updated_at = now() WHERE account_number=$1
    `, res.AcquirerAccountNumber, amount)
	if err != nil {
		return nil, err
	}
	if n, _ := credit.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("acquirer account %s: %w", res.AcquirerAccountNumber, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bank.reservations WHERE reservation_id=$1`, res.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReleaseReservation retires a reservation without moving funds.
func (r *Repository) ReleaseReservation(ctx context.Context, reservationID string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.reservations[reservationID]; !ok {
			return ErrNotFound
		}
		delete(r.reservations, reservationID)
		return nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM bank.reservations WHERE reservation_id=$1`, reservationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyClearingResponse stores the resolved acquirer-side transaction and, when
// credit > 0, credits creditAccount in the same unit. Only a stored transaction still
// in PAYMENT_REQUESTED can be resolved this way; anything else is ErrConflict so a
// duplicate response cannot credit twice and a resolved payment is never overwritten.
func (r *Repository) ApplyClearingResponse(ctx context.Context, t *models.Transaction, creditAccount string, credit models.Amount) error {
	key := txKey{t.PaymentID, t.Side}
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		stored, ok := r.transactions[key]
		if !ok {
			return ErrNotFound
		}
		if stored.Status != models.TransactionStatusPaymentRequested {
			return fmt.Errorf("payment %s already %s: %w", t.PaymentID, stored.Status, ErrConflict)
		}
		if credit > 0 {
			account, ok := r.accounts[creditAccount]
			if !ok {
				return fmt.Errorf("acquirer account %s: %w", creditAccount, ErrNotFound)
			}
			account.Balance += credit
		}
		cp := *t
		r.transactions[key] = &cp
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var status string
	err = tx.QueryRowContext(ctx, `
        SELECT status FROM bank.transactions WHERE payment_id=$1 AND side=$2 FOR UPDATE
    `, t.PaymentID, string(t.Side)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.TransactionStatus(status) != models.TransactionStatusPaymentRequested {
		return fmt.Errorf("payment %s already %s: %w", t.PaymentID, status, ErrConflict)
	}
	if err := updateTransaction(ctx, tx, t); err != nil {
		return err
	}
	if credit > 0 {
		res, err := tx.ExecContext(ctx, `
            UPDATE bank.accounts SET balance = balance + $2, updated_at = now() WHERE account_number=$1
        `, creditAccount, int64(credit))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("acquirer account %s: %w", creditAccount, ErrNotFound)
		}
	}
	return tx.Commit()
}

// EnqueueClearing stores an outbound clearing request for the relay worker.
func (r *Repository) EnqueueClearing(ctx context.Context, e *models.OutboxEntry) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.outbox[e.ID]; ok {
			return ErrConflict
		}
		cp := *e
		r.outbox[e.ID] = &cp
		return nil
	}
	payload, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Errorf("encoding clearing request: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO bank.clearing_outbox(outbox_id, payment_id, request, status, attempts, next_run_at, last_error, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, e.ID, e.Request.PaymentID, payload, string(e.Status), e.Attempts, e.NextRunAt, e.LastError, e.CreatedAt)
	return mapWriteErr(err)
}

// ClaimDueClearing returns up to limit pending entries due at now and leases them
// until now+lease so that concurrent workers do not send the same entry twice.
func (r *Repository) ClaimDueClearing(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxEntry, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		var out []*models.OutboxEntry
		for _, e := range r.outbox {
			if e.Status != models.OutboxStatusPending || e.NextRunAt.After(now) {
				continue
			}
			out = append(out, e)
		}
		sortOutbox(out)
		if len(out) > limit {
			out = out[:limit]
		}
		claimed := make([]*models.OutboxEntry, 0, len(out))
		for _, e := range out {
			e.NextRunAt = now.Add(lease)
			cp := *e
			claimed = append(claimed, &cp)
		}
		return claimed, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        UPDATE bank.clearing_outbox SET next_run_at = $2
         WHERE outbox_id IN (
               SELECT outbox_id FROM bank.clearing_outbox
                WHERE status='PENDING' AND next_run_at <= $1
                ORDER BY next_run_at
                LIMIT $3 FOR UPDATE SKIP LOCKED)
        RETURNING outbox_id, request, status, attempts, next_run_at, last_error, created_at
    `, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var payload []byte
		var status string
		if err := rows.Scan(&e.ID, &payload, &status, &e.Attempts, &e.NextRunAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Request); err != nil {
			return nil, fmt.Errorf("decoding clearing request %s: %w", e.ID, err)
		}
		e.Status = models.OutboxStatus(status)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOutbox(out)
	return out, nil
}

func (r *Repository) UpdateClearing(ctx context.Context, e *models.OutboxEntry) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.outbox[e.ID]; !ok {
			return ErrNotFound
		}
		cp := *e
		r.outbox[e.ID] = &cp
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE bank.clearing_outbox SET status=$2, attempts=$3, next_run_at=$4, last_error=$5 WHERE outbox_id=$1
    `, e.ID, string(e.Status), e.Attempts, e.NextRunAt, e.LastError)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClearing returns outbox entries for a payment.
func (r *Repository) ListClearing(ctx context.Context, paymentID string) ([]*models.OutboxEntry, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.OutboxEntry
		for _, e := range r.outbox {
			if e.Request.PaymentID == paymentID {
				cp := *e
				out = append(out, &cp)
			}
		}
		sortOutbox(out)
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT outbox_id, request, status, attempts, next_run_at, last_error, created_at
          FROM bank.clearing_outbox WHERE payment_id=$1 ORDER BY created_at
    `, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var payload []byte
		var status string
		if err := rows.Scan(&e.ID, &payload, &status, &e.Attempts, &e.NextRunAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Request); err != nil {
			return nil, fmt.Errorf("decoding clearing request %s: %w", e.ID, err)
		}
		e.Status = models.OutboxStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func sortOutbox(list []*models.OutboxEntry) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
}
