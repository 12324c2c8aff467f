/**
 * @description
 * This file implements the loan projector. It consumes LOAN_FUNDING and
 * LOAN_PAYMENT transfers and maintains the loan aggregate: outstanding
 * principal grows when funding posts and shrinks when payments post, and the
 * loan closes once principal reaches zero. Pending-stage events reserve
 * nothing here; principal only moves on single_phase or two_phase_posted.
 *
 * @notes
 * - The projector relies on the account projector having written the transfer
 *   record first (it registers earlier on the same routing keys), so a posted
 *   event can recover the original pending amount when the ledger encodes
 *   "post the full amount" as zero.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// LoanProjector projects loan funding and repayment onto loan aggregates.
type LoanProjector struct {
	repo store.Repository
}

// NewLoanProjector creates the loan projector.
func NewLoanProjector(repo store.Repository) *LoanProjector {
	return &LoanProjector{repo: repo}
}

func (p *LoanProjector) Name() string { return "loan_projector" }

// HandleTransferEvent applies one ledger transfer event to the loan projection.
func (p *LoanProjector) HandleTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	transferType := event.TransferType()
	if transferType != domain.TransferLoanFunding && transferType != domain.TransferLoanPayment {
		return nil
	}

	switch event.Kind {
	case domain.EventSinglePhase:
		if err := p.ensureLoan(ctx, event, transferType); err != nil {
			return err
		}
		return p.applyEntry(ctx, event, transferType, event.Transfer.ID, event.Transfer.Amount)
	case domain.EventTwoPhasePending:
		// Reserving funds moves no principal; just make sure the aggregate
		// exists so the posting can apply.
		return p.ensureLoan(ctx, event, transferType)
	case domain.EventTwoPhasePosted:
		pending, err := p.repo.GetTransfer(ctx, event.Transfer.PendingID)
		if err != nil {
			if errors.Is(err, store.ErrTransferNotFound) {
				return cdc.ErrAwaitingPending
			}
			return fmt.Errorf("lookup pending transfer %s: %w", event.Transfer.PendingID, err)
		}
		amount := event.Transfer.Amount
		if amount == 0 {
			// Zero on a posted event means the full pending amount.
			amount = pending.Amount
		}
		return p.applyEntry(ctx, event, transferType, event.Transfer.ID, amount)
	default:
		// Voided and expired reservations never touched principal.
		return nil
	}
}

// loanAccountID picks the loan-side account: funding debits the loan
// receivable, payments credit it.
func loanAccountID(event *domain.TransferEvent, transferType domain.TransferType) domain.ID {
	if transferType == domain.TransferLoanFunding {
		return event.DebitAccount.ID
	}
	return event.CreditAccount.ID
}

func loanSnapshot(event *domain.TransferEvent, transferType domain.TransferType) *domain.AccountSnapshot {
	if transferType == domain.TransferLoanFunding {
		return event.DebitAccount
	}
	return event.CreditAccount
}

func (p *LoanProjector) ensureLoan(ctx context.Context, event *domain.TransferEvent, transferType domain.TransferType) error {
	if transferType != domain.TransferLoanFunding {
		// A payment against a loan that was never funded is a referential
		// integrity violation, surfaced when the entry applies.
		return nil
	}
	snapshot := loanSnapshot(event, transferType)
	loan := &domain.LoanAccount{
		AccountID:  snapshot.ID,
		CustomerID: strconv.FormatUint(snapshot.UserData64, 10),
		Currency:   domain.LedgerCurrency(event.Ledger),
		Status:     domain.LoanStatusOpen,
	}
	if _, err := p.repo.CreateLoanIfAbsent(ctx, loan); err != nil {
		return fmt.Errorf("create loan %s: %w", loan.AccountID, err)
	}
	return nil
}

func (p *LoanProjector) applyEntry(ctx context.Context, event *domain.TransferEvent, transferType domain.TransferType, entryID domain.ID, amount int64) error {
	accountID := loanAccountID(event, transferType)

	var err error
	if transferType == domain.TransferLoanFunding {
		_, err = p.repo.ApplyLoanFunding(ctx, accountID, entryID, amount, event.Transfer.Timestamp)
	} else {
		_, err = p.repo.ApplyLoanPayment(ctx, accountID, entryID, amount, event.Transfer.Timestamp)
	}
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			return cdc.Permanent(fmt.Errorf("transfer %s references unknown loan account %s", event.Transfer.ID, accountID))
		}
		return fmt.Errorf("apply loan entry %s: %w", entryID, err)
	}
	// applied == false is a duplicate delivery; the entry row absorbed it.
	return nil
}
