/**
 * @description
 * This file implements the account projector: the domain handler that owns
 * the Account aggregate and the transfer state machine. It applies every
 * transfer type, creating accounts when an INITIAL_DEPOSIT references an
 * unknown account id and copying the event's point-in-time balance snapshots
 * onto the account rows.
 *
 * @notes
 * - Idempotency and ordering live in the store: transfer inserts absorb
 *   duplicate ids, status transitions are guarded on `pending`, and balance
 *   writes compare-and-set on the snapshot's ledger timestamp. This handler
 *   only decides which writes to attempt.
 * - A resolution event whose pending transfer is not yet projected returns
 *   ErrAwaitingPending; the dispatcher parks the delivery and the reconciler
 *   replays it once the pending event lands.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// AccountProjector projects transfer events onto Account aggregates and the
// transfer state machine.
type AccountProjector struct {
	repo store.Repository
}

// NewAccountProjector creates the account projector.
func NewAccountProjector(repo store.Repository) *AccountProjector {
	return &AccountProjector{repo: repo}
}

func (p *AccountProjector) Name() string { return "account_projector" }

// HandleTransferEvent applies one ledger transfer event to the account projection.
func (p *AccountProjector) HandleTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	switch event.Kind {
	case domain.EventSinglePhase:
		return p.applyOpening(ctx, event, domain.TransferStatusComplete)
	case domain.EventTwoPhasePending:
		return p.applyOpening(ctx, event, domain.TransferStatusPending)
	default:
		return p.applyResolution(ctx, event)
	}
}

// applyOpening handles the two event kinds that introduce a transfer:
// single_phase (immediately terminal) and two_phase_pending.
func (p *AccountProjector) applyOpening(ctx context.Context, event *domain.TransferEvent, status domain.TransferStatus) error {
	if err := p.ensureAccounts(ctx, event); err != nil {
		return err
	}

	record := &domain.TransferRecord{
		TransferID:      event.Transfer.ID,
		TransferType:    event.TransferType(),
		Status:          status,
		Amount:          event.Transfer.Amount,
		Ledger:          event.Ledger,
		DebitAccountID:  event.DebitAccount.ID,
		CreditAccountID: event.CreditAccount.ID,
		LedgerTimestamp: event.Transfer.Timestamp,
	}
	if status == domain.TransferStatusPending && event.Transfer.Timeout > 0 {
		timeoutAt := domain.LedgerTime(event.Transfer.Timestamp).Add(time.Duration(event.Transfer.Timeout) * time.Second)
		record.TimeoutAt = &timeoutAt
	}

	// A duplicate delivery conflicts on the transfer id and applies nothing.
	if _, err := p.repo.InsertTransfer(ctx, record); err != nil {
		return fmt.Errorf("insert transfer %s: %w", record.TransferID, err)
	}

	return p.applySnapshots(ctx, event)
}

// applyResolution finalizes a pending transfer from a posted/voided/expired event.
func (p *AccountProjector) applyResolution(ctx context.Context, event *domain.TransferEvent) error {
	pending, err := p.repo.GetTransfer(ctx, event.Transfer.PendingID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			// The pending event may simply not have been applied yet.
			return cdc.ErrAwaitingPending
		}
		return fmt.Errorf("lookup pending transfer %s: %w", event.Transfer.PendingID, err)
	}

	if pending.Status == domain.TransferStatusPending {
		status := resolutionStatus(event.Kind)
		if _, err := p.repo.ResolvePendingTransfer(ctx, pending.TransferID, event.Transfer.ID, status, event.Transfer.Timestamp); err != nil {
			return fmt.Errorf("resolve transfer %s: %w", pending.TransferID, err)
		}
	}
	// Already terminal: a replayed resolution is a no-op by contract.

	return p.applySnapshots(ctx, event)
}

// ensureAccounts provisions the accounts an INITIAL_DEPOSIT references. For
// every other transfer type, account existence is verified when snapshots
// apply; creation is never inferred from ordinary traffic.
func (p *AccountProjector) ensureAccounts(ctx context.Context, event *domain.TransferEvent) error {
	if event.TransferType() != domain.TransferInitialDeposit {
		return nil
	}
	for _, snapshot := range []*domain.AccountSnapshot{event.DebitAccount, event.CreditAccount} {
		account := accountFromSnapshot(snapshot, event.Ledger)
		if _, err := p.repo.CreateAccountIfAbsent(ctx, account); err != nil {
			return fmt.Errorf("create account %s: %w", account.AccountID, err)
		}
	}
	return nil
}

// applySnapshots copies both account snapshots onto their rows. A write that
// does not apply is either a stale delivery (discarded) or a reference to an
// account the projection has never provisioned (permanent failure).
func (p *AccountProjector) applySnapshots(ctx context.Context, event *domain.TransferEvent) error {
	for _, snapshot := range []*domain.AccountSnapshot{event.DebitAccount, event.CreditAccount} {
		applied, err := p.repo.ApplyAccountSnapshot(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("apply snapshot for account %s: %w", snapshot.ID, err)
		}
		if applied {
			continue
		}
		if _, err := p.repo.GetAccount(ctx, snapshot.ID); err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return cdc.Permanent(fmt.Errorf("transfer %s references unknown account %s", event.Transfer.ID, snapshot.ID))
			}
			return fmt.Errorf("lookup account %s: %w", snapshot.ID, err)
		}
		// Account exists with a newer as_of: out-of-order delivery, discard.
	}
	return nil
}

func resolutionStatus(kind domain.EventKind) domain.TransferStatus {
	switch kind {
	case domain.EventTwoPhaseVoided:
		return domain.TransferStatusVoided
	case domain.EventTwoPhaseExpired:
		return domain.TransferStatusExpired
	default:
		return domain.TransferStatusPosted
	}
}

func accountFromSnapshot(snapshot *domain.AccountSnapshot, ledger uint32) *domain.Account {
	return &domain.Account{
		AccountID:      snapshot.ID,
		CustomerID:     strconv.FormatUint(snapshot.UserData64, 10),
		AccountType:    domain.AccountTypeFromCode(snapshot.Code),
		Currency:       domain.LedgerCurrency(ledger),
		DebitsPending:  snapshot.DebitsPending,
		DebitsPosted:   snapshot.DebitsPosted,
		CreditsPending: snapshot.CreditsPending,
		CreditsPosted:  snapshot.CreditsPosted,
		AsOf:           snapshot.Timestamp,
	}
}
