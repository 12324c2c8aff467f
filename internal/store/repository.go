/**
 * @description
 * This file defines the `Repository` interface: the contract for all
 * projection-state access the CDC pipeline needs. Keeping the interface here
 * decouples the projectors and dispatcher from the PostgreSQL implementation
 * and lets tests substitute in-memory stubs.
 *
 * @notes
 * - Mutating methods that return a bool report whether the write applied.
 *   `false` with a nil error means the write was a no-op: either a duplicate
 *   delivery (row already exists / already terminal) or a stale snapshot.
 *   Callers rely on this to satisfy the idempotency contract without any
 *   separate processed-event log.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrLoanNotFound     = errors.New("loan not found")
	ErrPaymentNotFound  = errors.New("payment not found")
)

// Repository defines the set of methods for interacting with the projection store.
type Repository interface {
	// Account projection
	GetAccount(ctx context.Context, accountID domain.ID) (*domain.Account, error)
	CreateAccountIfAbsent(ctx context.Context, account *domain.Account) (bool, error)
	// ApplyAccountSnapshot copies the snapshot's balances onto the account row
	// iff the account exists and the snapshot is not older than the row's
	// as_of timestamp (compare-and-set on the ledger sequence).
	ApplyAccountSnapshot(ctx context.Context, snapshot *domain.AccountSnapshot) (bool, error)

	// Transfer state machine
	GetTransfer(ctx context.Context, transferID domain.ID) (*domain.TransferRecord, error)
	// InsertTransfer records a pending or complete transfer; duplicate
	// transfer ids are absorbed (applied == false).
	InsertTransfer(ctx context.Context, record *domain.TransferRecord) (bool, error)
	// ResolvePendingTransfer moves a pending transfer to a terminal status.
	// The guard `status = 'pending'` makes replays no-ops.
	ResolvePendingTransfer(ctx context.Context, pendingID domain.ID, resolutionID domain.ID, status domain.TransferStatus, ledgerTimestamp uint64) (bool, error)
	// ExpireOverduePendings force-expires pending transfers whose ledger
	// timeout elapsed without a terminal event being observed.
	ExpireOverduePendings(ctx context.Context, asOf time.Time) (int64, error)

	// Loan projection
	GetLoan(ctx context.Context, accountID domain.ID) (*domain.LoanAccount, error)
	CreateLoanIfAbsent(ctx context.Context, loan *domain.LoanAccount) (bool, error)
	// ApplyLoanFunding / ApplyLoanPayment adjust principal exactly once per
	// entry id (the posting transfer's id) inside a single transaction.
	ApplyLoanFunding(ctx context.Context, accountID domain.ID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error)
	ApplyLoanPayment(ctx context.Context, accountID domain.ID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error)

	// Payment projection
	GetPayment(ctx context.Context, transferID domain.ID) (*domain.Payment, error)
	InsertPayment(ctx context.Context, payment *domain.Payment) (bool, error)
	// UpdatePaymentStatus transitions an initiated payment to a settlement
	// status; already-settled rows absorb replays.
	UpdatePaymentStatus(ctx context.Context, transferID domain.ID, status domain.PaymentStatus, ledgerTimestamp uint64) (bool, error)

	// Awaiting-pending sub-state
	ParkEvent(ctx context.Context, event *domain.ParkedEvent) error
	DueParkedEvents(ctx context.Context, now time.Time, limit int) ([]domain.ParkedEvent, error)
	RescheduleParkedEvent(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error
	DeleteParkedEvent(ctx context.Context, id uuid.UUID) error
	CountParkedEvents(ctx context.Context) (int64, error)

	// Dead-letter channel
	InsertDeadLetter(ctx context.Context, event *domain.DeadLetterEvent) error

	// Ping verifies store connectivity for readiness checks.
	Ping(ctx context.Context) error
}
