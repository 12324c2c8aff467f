/**
 * @description
 * This file defines the read-side domain models projected from the ledger's
 * CDC stream. Every aggregate here is derived strictly by folding transfer
 * events; nothing is created or mutated from user input. Amounts are `int64`
 * in the smallest currency unit, matching the ledger.
 *
 * @notes
 * - Each account keeps a denormalized copy of its ledger balances together
 *   with the ledger timestamp (`AsOf`) of the snapshot that produced them.
 *   Writers compare `AsOf` before applying, so stale deliveries are no-ops.
 * - TransferRecord carries the two-phase state machine:
 *   pending -> posted | voided | expired, with single-phase transfers landing
 *   directly in the terminal `complete` status.
 */

package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AccountType classifies a projected account.
type AccountType string

const (
	AccountTypeDeposit AccountType = "DEPOSIT"
	AccountTypeLoan    AccountType = "LOAN"
	AccountTypeCredit  AccountType = "CREDIT"
)

// AccountTypeFromCode maps the ledger's account code onto a domain account
// type. Unknown codes default to DEPOSIT; the ledger is authoritative and the
// projection must not reject accounts it merely does not classify.
func AccountTypeFromCode(code uint16) AccountType {
	switch code {
	case 2:
		return AccountTypeLoan
	case 3:
		return AccountTypeCredit
	default:
		return AccountTypeDeposit
	}
}

// LedgerCurrency resolves a ledger partition id to its currency. Partitions
// are keyed by ISO 4217 numeric codes.
func LedgerCurrency(ledger uint32) string {
	switch ledger {
	case 840:
		return "USD"
	case 978:
		return "EUR"
	case 826:
		return "GBP"
	case 566:
		return "NGN"
	default:
		return strconv.FormatUint(uint64(ledger), 10)
	}
}

// Account is the read-side projection of one ledger account.
type Account struct {
	AccountID      ID          `json:"account_id"`
	CustomerID     string      `json:"customer_id"`
	AccountType    AccountType `json:"account_type"`
	Currency       string      `json:"currency"`
	AccountName    *string     `json:"account_name,omitempty"`
	DebitsPending  int64       `json:"debits_pending"`
	DebitsPosted   int64       `json:"debits_posted"`
	CreditsPending int64       `json:"credits_pending"`
	CreditsPosted  int64       `json:"credits_posted"`
	AsOf           uint64      `json:"as_of"` // ledger timestamp of the applied snapshot
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TransferStatus is the projected lifecycle state of a ledger transfer.
type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusPosted   TransferStatus = "posted"
	TransferStatusVoided   TransferStatus = "voided"
	TransferStatusExpired  TransferStatus = "expired"
	TransferStatusComplete TransferStatus = "complete" // single-phase, no pending stage
)

// Terminal reports whether the status absorbs further lifecycle events.
func (s TransferStatus) Terminal() bool {
	return s != TransferStatusPending
}

// TransferRecord is the projected state of one ledger transfer. Rows are keyed
// by the ledger transfer id, so duplicate deliveries collapse into no-ops.
type TransferRecord struct {
	TransferID      ID             `json:"transfer_id"`
	ResolvedBy      ID             `json:"resolved_by,omitempty"` // id of the posted/voided/expired transfer that finalized this pending transfer
	TransferType    TransferType   `json:"transfer_type"`
	Status          TransferStatus `json:"status"`
	Amount          int64          `json:"amount"`
	Ledger          uint32         `json:"ledger"`
	DebitAccountID  ID             `json:"debit_account_id"`
	CreditAccountID ID             `json:"credit_account_id"`
	TimeoutAt       *time.Time     `json:"timeout_at,omitempty"` // pending transfers only
	LedgerTimestamp uint64         `json:"ledger_timestamp"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// LoanStatus is the lifecycle of a projected loan aggregate.
type LoanStatus string

const (
	LoanStatusOpen   LoanStatus = "open"
	LoanStatusClosed LoanStatus = "closed"
)

// LoanAccount tracks principal for a loan, funded and repaid exclusively by
// LOAN_FUNDING and LOAN_PAYMENT transfers.
type LoanAccount struct {
	AccountID            ID         `json:"account_id"`
	CustomerID           string     `json:"customer_id"`
	Currency             string     `json:"currency"`
	PrincipalOutstanding int64      `json:"principal_outstanding"`
	FundedTotal          int64      `json:"funded_total"`
	RepaidTotal          int64      `json:"repaid_total"`
	Status               LoanStatus `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// PaymentStatus is the settlement state of a projected payment.
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusSettled   PaymentStatus = "settled"
	PaymentStatusReturned  PaymentStatus = "returned"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// Payment is the projected state of one payment-rail transfer (ACH, wire,
// external, or customer transfer). Keyed by the originating ledger transfer
// id: for two-phase payments that is the pending transfer's id.
type Payment struct {
	ID              uuid.UUID     `json:"id"`
	TransferID      ID            `json:"transfer_id"`
	Rail            TransferType  `json:"rail"`
	Status          PaymentStatus `json:"status"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	DebitAccountID  ID            `json:"debit_account_id"`
	CreditAccountID ID            `json:"credit_account_id"`
	LedgerTimestamp uint64        `json:"ledger_timestamp"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ParkedEvent is a delivery waiting for its causally-prior pending event. It
// is the persisted form of the awaiting-pending sub-state: visible, bounded,
// and replayed by the reconciler until it applies or ages out.
type ParkedEvent struct {
	ID          uuid.UUID `json:"id"`
	RoutingKey  string    `json:"routing_key"`
	TransferID  ID        `json:"transfer_id"`
	PendingID   ID        `json:"pending_id"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// DeadLetterEvent is an event that exhausted its processing budget. Dead
// letters are persisted for reconciliation and are never silently discarded.
type DeadLetterEvent struct {
	ID         uuid.UUID `json:"id"`
	RoutingKey string    `json:"routing_key"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// LedgerTime converts a ledger-assigned nanosecond timestamp to wall time.
func LedgerTime(ts uint64) time.Time {
	return time.Unix(0, int64(ts)).UTC()
}
