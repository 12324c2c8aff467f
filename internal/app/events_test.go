package app

// Event builders shared by the projector tests.

import (
	"context"
	"testing"

	"github.com/corebank/ledger-cdc-service/internal/domain"
)

func snapshotFor(id domain.ID, ts uint64) *domain.AccountSnapshot {
	return &domain.AccountSnapshot{
		ID:         id,
		UserData64: 42,
		Code:       1,
		Timestamp:  ts,
	}
}

func buildEvent(kind domain.EventKind, transferType domain.TransferType, transferID, pendingID domain.ID, amount int64, ts uint64) *domain.TransferEvent {
	return &domain.TransferEvent{
		Kind:      kind,
		Timestamp: ts,
		Ledger:    840,
		Transfer: domain.Transfer{
			ID:         transferID,
			Amount:     amount,
			PendingID:  pendingID,
			UserData64: 42,
			UserData32: uint32(transferType),
			Timestamp:  ts,
		},
		DebitAccount:  snapshotFor("101", ts),
		CreditAccount: snapshotFor("102", ts),
	}
}

func seedAccount(t *testing.T, repo *memRepo, id domain.ID) {
	t.Helper()
	created, err := repo.CreateAccountIfAbsent(context.Background(), &domain.Account{
		AccountID:   id,
		CustomerID:  "42",
		AccountType: domain.AccountTypeDeposit,
		Currency:    "USD",
	})
	if err != nil || !created {
		t.Fatalf("seed account %s: created=%v err=%v", id, created, err)
	}
}

func seedAccounts(t *testing.T, repo *memRepo, ids ...domain.ID) {
	t.Helper()
	for _, id := range ids {
		seedAccount(t, repo, id)
	}
}
