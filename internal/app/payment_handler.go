/**
 * @description
 * This file implements the payment projector. It consumes payment-rail
 * transfers (ACH, wire, external, and customer transfers) and maintains one
 * Payment row per originating ledger transfer with a settlement status
 * derived from the two-phase lifecycle: pending reserves become `initiated`
 * payments, postings settle them, voids return them, and expiries lapse them.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/domain"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// PaymentProjector projects payment-rail transfers onto Payment rows.
type PaymentProjector struct {
	repo store.Repository
}

// NewPaymentProjector creates the payment projector.
func NewPaymentProjector(repo store.Repository) *PaymentProjector {
	return &PaymentProjector{repo: repo}
}

func (p *PaymentProjector) Name() string { return "payment_projector" }

func isPaymentRail(transferType domain.TransferType) bool {
	switch transferType {
	case domain.TransferCustomer, domain.TransferACHCredit, domain.TransferACHDebit,
		domain.TransferWire, domain.TransferExternalCredit, domain.TransferExternalDebit:
		return true
	}
	return false
}

// HandleTransferEvent applies one ledger transfer event to the payment projection.
func (p *PaymentProjector) HandleTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	transferType := event.TransferType()
	if !isPaymentRail(transferType) {
		return nil
	}

	switch event.Kind {
	case domain.EventTwoPhasePending:
		return p.insertPayment(ctx, event, domain.PaymentStatusInitiated)
	case domain.EventSinglePhase:
		return p.insertPayment(ctx, event, domain.PaymentStatusSettled)
	default:
		return p.settlePayment(ctx, event)
	}
}

func (p *PaymentProjector) insertPayment(ctx context.Context, event *domain.TransferEvent, status domain.PaymentStatus) error {
	payment := &domain.Payment{
		ID:              uuid.New(),
		TransferID:      event.Transfer.ID,
		Rail:            event.TransferType(),
		Status:          status,
		Amount:          event.Transfer.Amount,
		Currency:        domain.LedgerCurrency(event.Ledger),
		DebitAccountID:  event.DebitAccount.ID,
		CreditAccountID: event.CreditAccount.ID,
		LedgerTimestamp: event.Transfer.Timestamp,
	}
	// Duplicate deliveries conflict on the transfer id and apply nothing.
	if _, err := p.repo.InsertPayment(ctx, payment); err != nil {
		return fmt.Errorf("insert payment for transfer %s: %w", payment.TransferID, err)
	}
	return nil
}

func (p *PaymentProjector) settlePayment(ctx context.Context, event *domain.TransferEvent) error {
	status := paymentResolutionStatus(event.Kind)
	applied, err := p.repo.UpdatePaymentStatus(ctx, event.Transfer.PendingID, status, event.Transfer.Timestamp)
	if err != nil {
		return fmt.Errorf("update payment for transfer %s: %w", event.Transfer.PendingID, err)
	}
	if applied {
		return nil
	}
	if _, err := p.repo.GetPayment(ctx, event.Transfer.PendingID); err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			// The initiating pending event has not been projected yet.
			return cdc.ErrAwaitingPending
		}
		return fmt.Errorf("lookup payment for transfer %s: %w", event.Transfer.PendingID, err)
	}
	// Payment already settled: replayed resolution, no-op.
	return nil
}

func paymentResolutionStatus(kind domain.EventKind) domain.PaymentStatus {
	switch kind {
	case domain.EventTwoPhaseVoided:
		return domain.PaymentStatusReturned
	case domain.EventTwoPhaseExpired:
		return domain.PaymentStatusExpired
	default:
		return domain.PaymentStatusSettled
	}
}
