/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. All idempotency and ordering guarantees live in the SQL: inserts
 * absorb duplicates with ON CONFLICT DO NOTHING, status transitions are
 * guarded by `status = 'pending'`, and balance snapshots are guarded by a
 * compare-and-set on the account's as_of ledger timestamp. Two concurrent
 * deliveries for the same account therefore serialize on the row and the
 * loser becomes a no-op.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetAccount retrieves a projected account by its ledger account id.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID domain.ID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT account_id, customer_id, account_type, currency, account_name,
		       debits_pending, debits_posted, credits_pending, credits_posted,
		       as_of, created_at, updated_at
		FROM accounts
		WHERE account_id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.CustomerID,
		&account.AccountType,
		&account.Currency,
		&account.AccountName,
		&account.DebitsPending,
		&account.DebitsPosted,
		&account.CreditsPending,
		&account.CreditsPosted,
		&account.AsOf,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateAccountIfAbsent inserts a new account row, absorbing duplicates.
func (r *PostgresRepository) CreateAccountIfAbsent(ctx context.Context, account *domain.Account) (bool, error) {
	query := `
		INSERT INTO accounts (
			account_id, customer_id, account_type, currency, account_name,
			debits_pending, debits_posted, credits_pending, credits_posted,
			as_of, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (account_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		account.AccountID,
		account.CustomerID,
		account.AccountType,
		account.Currency,
		account.AccountName,
		account.DebitsPending,
		account.DebitsPosted,
		account.CreditsPending,
		account.CreditsPosted,
		account.AsOf,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyAccountSnapshot copies snapshot balances onto the account row unless
// the row already reflects a newer ledger timestamp.
func (r *PostgresRepository) ApplyAccountSnapshot(ctx context.Context, snapshot *domain.AccountSnapshot) (bool, error) {
	query := `
		UPDATE accounts
		SET debits_pending = $2,
		    debits_posted = $3,
		    credits_pending = $4,
		    credits_posted = $5,
		    as_of = $6,
		    updated_at = NOW()
		WHERE account_id = $1 AND as_of <= $6
	`
	tag, err := r.db.Exec(ctx, query,
		snapshot.ID,
		snapshot.DebitsPending,
		snapshot.DebitsPosted,
		snapshot.CreditsPending,
		snapshot.CreditsPosted,
		int64(snapshot.Timestamp),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetTransfer retrieves the projected record for a ledger transfer id.
func (r *PostgresRepository) GetTransfer(ctx context.Context, transferID domain.ID) (*domain.TransferRecord, error) {
	var record domain.TransferRecord
	query := `
		SELECT transfer_id, COALESCE(resolved_by, ''), transfer_type, status, amount, ledger,
		       debit_account_id, credit_account_id, timeout_at, ledger_timestamp,
		       created_at, updated_at
		FROM ledger_transfers
		WHERE transfer_id = $1
	`
	err := r.db.QueryRow(ctx, query, transferID).Scan(
		&record.TransferID,
		&record.ResolvedBy,
		&record.TransferType,
		&record.Status,
		&record.Amount,
		&record.Ledger,
		&record.DebitAccountID,
		&record.CreditAccountID,
		&record.TimeoutAt,
		&record.LedgerTimestamp,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &record, nil
}

// InsertTransfer records a pending or complete transfer exactly once.
func (r *PostgresRepository) InsertTransfer(ctx context.Context, record *domain.TransferRecord) (bool, error) {
	query := `
		INSERT INTO ledger_transfers (
			transfer_id, transfer_type, status, amount, ledger,
			debit_account_id, credit_account_id, timeout_at, ledger_timestamp,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (transfer_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		record.TransferID,
		record.TransferType,
		record.Status,
		record.Amount,
		record.Ledger,
		record.DebitAccountID,
		record.CreditAccountID,
		record.TimeoutAt,
		int64(record.LedgerTimestamp),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResolvePendingTransfer finalizes a pending transfer. The status guard makes
// replays and races with other workers no-ops.
func (r *PostgresRepository) ResolvePendingTransfer(ctx context.Context, pendingID domain.ID, resolutionID domain.ID, status domain.TransferStatus, ledgerTimestamp uint64) (bool, error) {
	query := `
		UPDATE ledger_transfers
		SET status = $2,
		    resolved_by = $3,
		    ledger_timestamp = GREATEST(ledger_timestamp, $4),
		    updated_at = NOW()
		WHERE transfer_id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, pendingID, status, resolutionID, int64(ledgerTimestamp))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireOverduePendings force-expires pending transfers whose ledger timeout
// elapsed, and expires the payments that were initiated against them, in one
// transaction.
func (r *PostgresRepository) ExpireOverduePendings(ctx context.Context, asOf time.Time) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_transfers
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND timeout_at IS NOT NULL AND timeout_at <= $1
	`, asOf)
	if err != nil {
		return 0, err
	}
	expired := tag.RowsAffected()

	if expired > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE payments
			SET status = 'expired', updated_at = NOW()
			WHERE status = 'initiated'
			  AND transfer_id IN (
				SELECT transfer_id FROM ledger_transfers
				WHERE status = 'expired' AND timeout_at IS NOT NULL AND timeout_at <= $1
			  )
		`, asOf)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return expired, nil
}

// GetLoan retrieves the loan aggregate for a ledger account id.
func (r *PostgresRepository) GetLoan(ctx context.Context, accountID domain.ID) (*domain.LoanAccount, error) {
	var loan domain.LoanAccount
	query := `
		SELECT account_id, customer_id, currency, principal_outstanding,
		       funded_total, repaid_total, status, created_at, updated_at
		FROM loan_accounts
		WHERE account_id = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&loan.AccountID,
		&loan.CustomerID,
		&loan.Currency,
		&loan.PrincipalOutstanding,
		&loan.FundedTotal,
		&loan.RepaidTotal,
		&loan.Status,
		&loan.CreatedAt,
		&loan.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

// CreateLoanIfAbsent inserts a new loan aggregate, absorbing duplicates.
func (r *PostgresRepository) CreateLoanIfAbsent(ctx context.Context, loan *domain.LoanAccount) (bool, error) {
	query := `
		INSERT INTO loan_accounts (
			account_id, customer_id, currency, principal_outstanding,
			funded_total, repaid_total, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (account_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		loan.AccountID,
		loan.CustomerID,
		loan.Currency,
		loan.PrincipalOutstanding,
		loan.FundedTotal,
		loan.RepaidTotal,
		loan.Status,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyLoanFunding increases outstanding principal exactly once per entry id.
func (r *PostgresRepository) ApplyLoanFunding(ctx context.Context, accountID domain.ID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error) {
	return r.applyLoanEntry(ctx, accountID, entryID, "funding", amount, ledgerTimestamp)
}

// ApplyLoanPayment reduces outstanding principal exactly once per entry id,
// closing the loan when it reaches zero.
func (r *PostgresRepository) ApplyLoanPayment(ctx context.Context, accountID domain.ID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error) {
	return r.applyLoanEntry(ctx, accountID, entryID, "payment", amount, ledgerTimestamp)
}

func (r *PostgresRepository) applyLoanEntry(ctx context.Context, accountID domain.ID, entryID domain.ID, direction string, amount int64, ledgerTimestamp uint64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// The entry row is the idempotency key: a duplicate delivery conflicts
	// here and the principal update never runs twice.
	tag, err := tx.Exec(ctx, `
		INSERT INTO loan_entries (entry_id, account_id, direction, amount, ledger_timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (entry_id) DO NOTHING
	`, entryID, accountID, direction, amount, int64(ledgerTimestamp))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var update string
	if direction == "funding" {
		update = `
			UPDATE loan_accounts
			SET principal_outstanding = principal_outstanding + $2,
			    funded_total = funded_total + $2,
			    status = 'open',
			    updated_at = NOW()
			WHERE account_id = $1
		`
	} else {
		update = `
			UPDATE loan_accounts
			SET principal_outstanding = principal_outstanding - $2,
			    repaid_total = repaid_total + $2,
			    status = CASE WHEN principal_outstanding - $2 <= 0 THEN 'closed' ELSE status END,
			    updated_at = NOW()
			WHERE account_id = $1
		`
	}
	tag, err = tx.Exec(ctx, update, accountID, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("loan entry %s: %w", entryID, ErrLoanNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetPayment retrieves a payment by its originating ledger transfer id.
func (r *PostgresRepository) GetPayment(ctx context.Context, transferID domain.ID) (*domain.Payment, error) {
	var payment domain.Payment
	query := `
		SELECT id, transfer_id, rail, status, amount, currency,
		       debit_account_id, credit_account_id, ledger_timestamp,
		       created_at, updated_at
		FROM payments
		WHERE transfer_id = $1
	`
	err := r.db.QueryRow(ctx, query, transferID).Scan(
		&payment.ID,
		&payment.TransferID,
		&payment.Rail,
		&payment.Status,
		&payment.Amount,
		&payment.Currency,
		&payment.DebitAccountID,
		&payment.CreditAccountID,
		&payment.LedgerTimestamp,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// InsertPayment records a payment exactly once per ledger transfer id.
func (r *PostgresRepository) InsertPayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	query := `
		INSERT INTO payments (
			id, transfer_id, rail, status, amount, currency,
			debit_account_id, credit_account_id, ledger_timestamp,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (transfer_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		payment.ID,
		payment.TransferID,
		payment.Rail,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.DebitAccountID,
		payment.CreditAccountID,
		int64(payment.LedgerTimestamp),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdatePaymentStatus transitions an initiated payment to a settlement status.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, transferID domain.ID, status domain.PaymentStatus, ledgerTimestamp uint64) (bool, error) {
	query := `
		UPDATE payments
		SET status = $2,
		    ledger_timestamp = GREATEST(ledger_timestamp, $3),
		    updated_at = NOW()
		WHERE transfer_id = $1 AND status = 'initiated'
	`
	tag, err := r.db.Exec(ctx, query, transferID, status, int64(ledgerTimestamp))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ParkEvent persists an awaiting-pending delivery. Re-deliveries of an
// already-parked transfer are absorbed.
func (r *PostgresRepository) ParkEvent(ctx context.Context, event *domain.ParkedEvent) error {
	query := `
		INSERT INTO parked_events (
			id, routing_key, transfer_id, pending_id, payload,
			attempts, first_seen_at, next_retry_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transfer_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.RoutingKey,
		event.TransferID,
		event.PendingID,
		event.Payload,
		event.Attempts,
		event.FirstSeenAt,
		event.NextRetryAt,
	)
	return err
}

// DueParkedEvents lists parked events whose retry time has arrived, oldest first.
func (r *PostgresRepository) DueParkedEvents(ctx context.Context, now time.Time, limit int) ([]domain.ParkedEvent, error) {
	query := `
		SELECT id, routing_key, transfer_id, pending_id, payload,
		       attempts, first_seen_at, next_retry_at
		FROM parked_events
		WHERE next_retry_at <= $1
		ORDER BY first_seen_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ParkedEvent
	for rows.Next() {
		var event domain.ParkedEvent
		if err := rows.Scan(
			&event.ID,
			&event.RoutingKey,
			&event.TransferID,
			&event.PendingID,
			&event.Payload,
			&event.Attempts,
			&event.FirstSeenAt,
			&event.NextRetryAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// RescheduleParkedEvent records a failed replay attempt and its next retry time.
func (r *PostgresRepository) RescheduleParkedEvent(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE parked_events SET attempts = $2, next_retry_at = $3 WHERE id = $1
	`, id, attempts, nextRetryAt)
	return err
}

// DeleteParkedEvent removes a parked event after it applied or dead-lettered.
func (r *PostgresRepository) DeleteParkedEvent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM parked_events WHERE id = $1`, id)
	return err
}

// CountParkedEvents reports the awaiting-pending backlog for health signals.
func (r *PostgresRepository) CountParkedEvents(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM parked_events`).Scan(&count)
	return count, err
}

// InsertDeadLetter persists an event that exhausted its processing budget.
func (r *PostgresRepository) InsertDeadLetter(ctx context.Context, event *domain.DeadLetterEvent) error {
	query := `
		INSERT INTO dead_letter_events (id, routing_key, payload, reason, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.RoutingKey,
		event.Payload,
		event.Reason,
		event.Attempts,
	)
	return err
}

// Ping verifies database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
