package app

// In-memory store.Repository for projector tests. Mirrors the write guards of
// the PostgreSQL implementation: inserts absorb duplicate ids, status
// transitions require the pending/initiated state, and snapshot writes
// compare-and-set on the ledger timestamp.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

type memRepo struct {
	mu          sync.Mutex
	accounts    map[domain.ID]*domain.Account
	transfers   map[domain.ID]*domain.TransferRecord
	loans       map[domain.ID]*domain.LoanAccount
	loanEntries map[domain.ID]bool
	payments    map[domain.ID]*domain.Payment
	parked      map[uuid.UUID]*domain.ParkedEvent
	deadLetters []*domain.DeadLetterEvent
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts:    make(map[domain.ID]*domain.Account),
		transfers:   make(map[domain.ID]*domain.TransferRecord),
		loans:       make(map[domain.ID]*domain.LoanAccount),
		loanEntries: make(map[domain.ID]bool),
		payments:    make(map[domain.ID]*domain.Payment),
		parked:      make(map[uuid.UUID]*domain.ParkedEvent),
	}
}

var _ store.Repository = (*memRepo)(nil)

func (m *memRepo) GetAccount(ctx context.Context, accountID domain.ID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *memRepo) CreateAccountIfAbsent(ctx context.Context, account *domain.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.AccountID]; ok {
		return false, nil
	}
	copied := *account
	m.accounts[account.AccountID] = &copied
	return true, nil
}

func (m *memRepo) ApplyAccountSnapshot(ctx context.Context, snapshot *domain.AccountSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[snapshot.ID]
	if !ok {
		return false, nil
	}
	if snapshot.Timestamp < account.AsOf {
		return false, nil
	}
	account.DebitsPending = snapshot.DebitsPending
	account.DebitsPosted = snapshot.DebitsPosted
	account.CreditsPending = snapshot.CreditsPending
	account.CreditsPosted = snapshot.CreditsPosted
	account.AsOf = snapshot.Timestamp
	account.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) GetTransfer(ctx context.Context, transferID domain.ID) (*domain.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memRepo) InsertTransfer(ctx context.Context, record *domain.TransferRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[record.TransferID]; ok {
		return false, nil
	}
	copied := *record
	m.transfers[record.TransferID] = &copied
	return true, nil
}

func (m *memRepo) ResolvePendingTransfer(ctx context.Context, pendingID, resolutionID domain.ID, status domain.TransferStatus, ledgerTimestamp uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.transfers[pendingID]
	if !ok || record.Status != domain.TransferStatusPending {
		return false, nil
	}
	record.Status = status
	record.ResolvedBy = resolutionID
	record.LedgerTimestamp = ledgerTimestamp
	record.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) ExpireOverduePendings(ctx context.Context, asOf time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired int64
	for _, record := range m.transfers {
		if record.Status != domain.TransferStatusPending || record.TimeoutAt == nil || record.TimeoutAt.After(asOf) {
			continue
		}
		record.Status = domain.TransferStatusExpired
		record.UpdatedAt = asOf
		expired++
		if payment, ok := m.payments[record.TransferID]; ok && payment.Status == domain.PaymentStatusInitiated {
			payment.Status = domain.PaymentStatusExpired
			payment.UpdatedAt = asOf
		}
	}
	return expired, nil
}

func (m *memRepo) GetLoan(ctx context.Context, accountID domain.ID) (*domain.LoanAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[accountID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	copied := *loan
	return &copied, nil
}

func (m *memRepo) CreateLoanIfAbsent(ctx context.Context, loan *domain.LoanAccount) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[loan.AccountID]; ok {
		return false, nil
	}
	copied := *loan
	m.loans[loan.AccountID] = &copied
	return true, nil
}

func (m *memRepo) ApplyLoanFunding(ctx context.Context, accountID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loanEntries[entryID] {
		return false, nil
	}
	loan, ok := m.loans[accountID]
	if !ok {
		return false, store.ErrLoanNotFound
	}
	m.loanEntries[entryID] = true
	loan.PrincipalOutstanding += amount
	loan.FundedTotal += amount
	loan.Status = domain.LoanStatusOpen
	loan.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) ApplyLoanPayment(ctx context.Context, accountID, entryID domain.ID, amount int64, ledgerTimestamp uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loanEntries[entryID] {
		return false, nil
	}
	loan, ok := m.loans[accountID]
	if !ok {
		return false, store.ErrLoanNotFound
	}
	m.loanEntries[entryID] = true
	loan.PrincipalOutstanding -= amount
	loan.RepaidTotal += amount
	if loan.PrincipalOutstanding <= 0 {
		loan.Status = domain.LoanStatusClosed
	}
	loan.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) GetPayment(ctx context.Context, transferID domain.ID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[transferID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (m *memRepo) InsertPayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.TransferID]; ok {
		return false, nil
	}
	copied := *payment
	m.payments[payment.TransferID] = &copied
	return true, nil
}

func (m *memRepo) UpdatePaymentStatus(ctx context.Context, transferID domain.ID, status domain.PaymentStatus, ledgerTimestamp uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[transferID]
	if !ok || payment.Status != domain.PaymentStatusInitiated {
		return false, nil
	}
	payment.Status = status
	payment.LedgerTimestamp = ledgerTimestamp
	payment.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRepo) ParkEvent(ctx context.Context, event *domain.ParkedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.parked {
		if existing.TransferID == event.TransferID {
			return nil
		}
	}
	copied := *event
	m.parked[event.ID] = &copied
	return nil
}

func (m *memRepo) DueParkedEvents(ctx context.Context, now time.Time, limit int) ([]domain.ParkedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]domain.ParkedEvent, 0, len(m.parked))
	for _, event := range m.parked {
		if len(due) >= limit {
			break
		}
		if !event.NextRetryAt.After(now) {
			due = append(due, *event)
		}
	}
	return due, nil
}

func (m *memRepo) RescheduleParkedEvent(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event, ok := m.parked[id]; ok {
		event.Attempts = attempts
		event.NextRetryAt = nextRetryAt
	}
	return nil
}

func (m *memRepo) DeleteParkedEvent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parked, id)
	return nil
}

func (m *memRepo) CountParkedEvents(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.parked)), nil
}

func (m *memRepo) InsertDeadLetter(ctx context.Context, event *domain.DeadLetterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.deadLetters = append(m.deadLetters, &copied)
	return nil
}

func (m *memRepo) Ping(ctx context.Context) error { return nil }
