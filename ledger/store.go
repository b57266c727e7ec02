/*
store.go - Persistence interface for the append-only record log

PURPOSE:
  Defines the contract between the engine and the database. Implementations
  exist for memory (ledger/store), SQLite (store/sqlite) and PostgreSQL
  (store/postgres).

APPEND-ONLY CONTRACT:
  - Append() is the only write to the record log. No Update or Delete
    methods exist.
  - Append assigns the next monotonically increasing tx_id, enforces the
    ledger-wide idempotency-key uniqueness, and compare-and-swaps on the
    account head: if the head moved past expectedHead since the engine read
    its snapshot, the append fails with ErrConcurrentModification and
    nothing is written. Registration of the idempotency key and the record
    insert are the same atomic unit.

SNAPSHOTS:
  Load returns an immutable copy of the account's full sequence in tx_id
  order. Readers never observe a partially appended record.
*/
package ledger

import "context"

// Store handles persistence of accounts and records.
// IMPORTANT: the record log is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// CreateAccount persists an account row. Fails with ErrAccountExists
	// when the name is already taken.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount looks up an account by id.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// Append persists rec atomically, assigning its TxID.
	//
	// expectedHead is the last tx_id of rec's account as observed by the
	// caller (zero when the account log is empty). If the stored head
	// differs, nothing is written and ErrConcurrentModification is
	// returned. If rec.IdempotencyKey is already registered, nothing is
	// written and ErrDuplicateIdempotencyKey is returned.
	Append(ctx context.Context, rec TxRecord, expectedHead TxID) (TxRecord, error)

	// Load returns the account's full record sequence, tx_id ascending.
	Load(ctx context.Context, id AccountID) ([]TxRecord, error)

	// FindByID returns a single record by tx_id.
	FindByID(ctx context.Context, id TxID) (TxRecord, bool, error)

	// FindByIdempotencyKey returns the record registered under key.
	FindByIdempotencyKey(ctx context.Context, key string) (TxRecord, bool, error)
}
