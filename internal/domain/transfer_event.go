/**
 * @description
 * This file defines the wire schema for the ledger's change-data-capture feed.
 * Every message on the CDC exchange is a JSON-encoded TransferEvent: one ledger
 * transfer plus point-in-time snapshots of the two accounts it touched, taken
 * immediately after the transfer applied at the ledger. Events are immutable
 * facts; the service only ever decodes them, never produces them.
 *
 * @dependencies
 * - encoding/json, errors, fmt, strconv: Standard Go libraries.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedEvent marks a CDC message that can never be processed: required
// fields are missing, mis-shaped, or carry unrecognized enum values. Malformed
// events are rejected without retry.
var ErrMalformedEvent = errors.New("malformed transfer event")

// EventKind is the lifecycle stage of the transfer described by an event.
type EventKind string

const (
	EventSinglePhase     EventKind = "single_phase"
	EventTwoPhasePending EventKind = "two_phase_pending"
	EventTwoPhasePosted  EventKind = "two_phase_posted"
	EventTwoPhaseVoided  EventKind = "two_phase_voided"
	EventTwoPhaseExpired EventKind = "two_phase_expired"
)

// Valid reports whether the kind is one of the five recognized lifecycle stages.
func (k EventKind) Valid() bool {
	switch k {
	case EventSinglePhase, EventTwoPhasePending, EventTwoPhasePosted, EventTwoPhaseVoided, EventTwoPhaseExpired:
		return true
	}
	return false
}

// Resolution reports whether the event finalizes an earlier pending transfer
// (posted, voided, or expired) and therefore must carry a pending_id.
func (k EventKind) Resolution() bool {
	switch k {
	case EventTwoPhasePosted, EventTwoPhaseVoided, EventTwoPhaseExpired:
		return true
	}
	return false
}

// TransferType is the domain tag the ledger carries in a transfer's
// user_data_32 field. It selects which projector logic applies and is part of
// the immutable fact; it is never recomputed downstream.
type TransferType uint32

const (
	TransferCustomer       TransferType = 1
	TransferInitialDeposit TransferType = 2
	TransferACHCredit      TransferType = 3
	TransferACHDebit       TransferType = 4
	TransferWire           TransferType = 5
	TransferLoanFunding    TransferType = 6
	TransferLoanPayment    TransferType = 7
	TransferExternalCredit TransferType = 8
	TransferExternalDebit  TransferType = 9
)

var transferTypeNames = map[TransferType]string{
	TransferCustomer:       "CUSTOMER_TRANSFER",
	TransferInitialDeposit: "INITIAL_DEPOSIT",
	TransferACHCredit:      "ACH_CREDIT",
	TransferACHDebit:       "ACH_DEBIT",
	TransferWire:           "WIRE_TRANSFER",
	TransferLoanFunding:    "LOAN_FUNDING",
	TransferLoanPayment:    "LOAN_PAYMENT",
	TransferExternalCredit: "EXTERNAL_CREDIT",
	TransferExternalDebit:  "EXTERNAL_DEBIT",
}

func (t TransferType) Valid() bool {
	_, ok := transferTypeNames[t]
	return ok
}

func (t TransferType) String() string {
	if name, ok := transferTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// ID is a ledger-assigned 128-bit identifier carried as a decimal string.
// The CDC feed encodes an absent id as the JSON number zero, so decoding
// accepts both strings and integers and normalizes zero to the empty string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty id", ErrMalformedEvent)
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: id: %v", ErrMalformedEvent, err)
		}
		if s == "0" {
			s = ""
		}
		*id = ID(s)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: id must be a string or unsigned integer", ErrMalformedEvent)
	}
	if n == 0 {
		*id = ""
		return nil
	}
	*id = ID(strconv.FormatUint(n, 10))
	return nil
}

func (id ID) IsZero() bool { return id == "" }

func (id ID) String() string { return string(id) }

// Transfer is the ledger transfer embedded in a CDC event. The id is globally
// unique and immutable; pending_id links a resolution event back to the
// two_phase_pending transfer it finalizes.
type Transfer struct {
	ID          ID     `json:"id"`
	Amount      int64  `json:"amount"`
	PendingID   ID     `json:"pending_id"`
	UserData128 string `json:"user_data_128"`
	UserData64  uint64 `json:"user_data_64"`
	UserData32  uint32 `json:"user_data_32"`
	Timeout     uint32 `json:"timeout"`
	Code        uint16 `json:"code"`
	Flags       uint16 `json:"flags"`
	Timestamp   uint64 `json:"timestamp"`
}

// AccountSnapshot is the state of one ledger account as observed immediately
// after the transfer applied. Balances are totals, not deltas: debits and
// credits are monotonically non-decreasing except that a void/expire releases
// the pending amounts its originating transfer reserved.
type AccountSnapshot struct {
	ID             ID     `json:"id"`
	DebitsPending  int64  `json:"debits_pending"`
	DebitsPosted   int64  `json:"debits_posted"`
	CreditsPending int64  `json:"credits_pending"`
	CreditsPosted  int64  `json:"credits_posted"`
	UserData128    string `json:"user_data_128"`
	UserData64     uint64 `json:"user_data_64"`
	UserData32     uint32 `json:"user_data_32"`
	Code           uint16 `json:"code"`
	Flags          uint16 `json:"flags"`
	Timestamp      uint64 `json:"timestamp"`
}

// TransferEvent is one immutable fact from the ledger's CDC stream.
type TransferEvent struct {
	Kind          EventKind        `json:"type"`
	Timestamp     uint64           `json:"timestamp"`
	Ledger        uint32           `json:"ledger"`
	Transfer      Transfer         `json:"transfer"`
	DebitAccount  *AccountSnapshot `json:"debit_account"`
	CreditAccount *AccountSnapshot `json:"credit_account"`
}

// TransferType extracts the domain tag from the transfer's user_data_32.
func (e *TransferEvent) TransferType() TransferType {
	return TransferType(e.Transfer.UserData32)
}

// DecodeTransferEvent parses and validates a raw CDC message body. Any failure
// wraps ErrMalformedEvent; such messages can never succeed and must not be
// redelivered.
func DecodeTransferEvent(body []byte) (*TransferEvent, error) {
	var event TransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Validate enforces the structural invariants of the wire schema.
func (e *TransferEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unrecognized event type %q", ErrMalformedEvent, e.Kind)
	}
	if e.Transfer.ID.IsZero() {
		return fmt.Errorf("%w: transfer id is required", ErrMalformedEvent)
	}
	if e.Transfer.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrMalformedEvent, e.Transfer.Amount)
	}
	// Resolution events may carry amount zero, meaning the full pending amount.
	if !e.Kind.Resolution() && e.Transfer.Amount == 0 {
		return fmt.Errorf("%w: zero amount on %s transfer", ErrMalformedEvent, e.Kind)
	}
	if e.Kind.Resolution() && e.Transfer.PendingID.IsZero() {
		return fmt.Errorf("%w: %s event missing pending_id", ErrMalformedEvent, e.Kind)
	}
	if !e.Kind.Resolution() && !e.Transfer.PendingID.IsZero() {
		return fmt.Errorf("%w: unexpected pending_id on %s event", ErrMalformedEvent, e.Kind)
	}
	if !e.TransferType().Valid() {
		return fmt.Errorf("%w: unrecognized transfer type tag %d", ErrMalformedEvent, e.Transfer.UserData32)
	}
	if e.DebitAccount == nil || e.CreditAccount == nil {
		return fmt.Errorf("%w: both account snapshots are required", ErrMalformedEvent)
	}
	if e.DebitAccount.ID.IsZero() || e.CreditAccount.ID.IsZero() {
		return fmt.Errorf("%w: account snapshot missing id", ErrMalformedEvent)
	}
	return nil
}
