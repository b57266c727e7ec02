/*
record.go - Immutable ledger records

PURPOSE:
  TxRecord is the single persisted entity. Every balance change - a pending
  transaction being opened, refunded, voided or settled - is one appended
  row. Rows are never updated or deleted; all account state is a fold over
  the ordered sequence.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, records cannot be modified
  3. ORDERED: tx_id is assigned monotonically by the store; ordering by
     tx_id is the canonical event order within an account
  4. CHAINED: every record's hash links it to its predecessor (hashchain.go)

GROUPS:
  A PENDING_CREATE roots a group. SETTLE, REFUND and VOID records point back
  at their root via RefTxID. A group accepts further events only while its
  latest StatusAfter is PENDING or PARTIALLY_REFUNDED.
*/
package ledger

import "time"

// AccountID identifies one ledger account. Opaque; the engine issues UUIDs.
type AccountID string

// TxID is the store-assigned monotonically increasing record identifier.
// Zero is never a valid id; it marks "no reference".
type TxID uint64

// Kind discriminates ledger events.
type Kind string

const (
	KindPendingCreate Kind = "pending_create"
	KindSettle        Kind = "settle"
	KindRefund        Kind = "refund"
	KindVoid          Kind = "void"
)

// Status is a pending group's state immediately after an event.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSettled           Status = "settled"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusFullyRefunded     Status = "fully_refunded"
	StatusVoided            Status = "voided"
)

// Terminal reports whether a group in this status accepts further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusFullyRefunded, StatusVoided:
		return true
	}
	return false
}

// TxRecord is one immutable ledger event.
//
// Amount is the delta applied by this event, signed credit-positive /
// debit-negative:
//   - PENDING_CREATE: the full signed amount, applied to the pending balance
//   - REFUND / VOID:  the returned portion, opposite sign of the root,
//     applied to the pending balance
//   - SETTLE: the remaining un-refunded portion, same sign as the root,
//     moved from pending into settled
type TxRecord struct {
	ID        TxID
	AccountID AccountID
	Kind      Kind
	Amount    Amount

	// RefTxID points at the PENDING_CREATE this event acts on.
	// Zero for PENDING_CREATE itself.
	RefTxID TxID

	// StatusAfter is the group status immediately after this event.
	StatusAfter Status

	// IdempotencyKey is unique across the whole ledger. The engine generates
	// one when the caller does not supply it.
	IdempotencyKey string

	// PrevAccountTxID is the caller's last-known tx for the account, used
	// for optimistic locking. Zero when the caller opted out.
	PrevAccountTxID TxID

	// Hash chains this record to its predecessor in the same account.
	Hash string

	CreatedAt time.Time
}

// Account is a convenience row; balances are always derived from records,
// never read from here.
type Account struct {
	ID        AccountID
	Name      string
	CreatedAt time.Time
}
