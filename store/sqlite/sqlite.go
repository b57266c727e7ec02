/*
Package sqlite provides the SQLite-backed Store implementation.

PURPOSE:
  Persists the append-only record log and the accounts convenience table.
  The same patterns apply to PostgreSQL (store/postgres) - only dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements exist against the records table
  - tx_id is the AUTOINCREMENT rowid, so ordering by tx_id is the canonical
    event order and ids are never reused
  - idempotency_key carries a UNIQUE constraint; registration of the key and
    the record insert are the same INSERT

HEAD COMPARE-AND-SWAP:
  Append runs inside a single transaction: it reads the account's current
  head (MAX(tx_id)), rejects the write with ErrConcurrentModification when
  it differs from the head the engine validated against, and inserts.
  Combined with WAL mode this gives one-writer-at-a-time semantics without
  blocking readers.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil { ... }
  defer store.Close()
  engine := ledger.NewEngine(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/funds-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Append-only record log. No UPDATE, no DELETE.
	CREATE TABLE IF NOT EXISTS records (
		tx_id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		ref_tx_id INTEGER REFERENCES records(tx_id),
		status_after TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		prev_account_tx_id INTEGER,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_account_tx
		ON records(account_id, tx_id);
	CREATE INDEX IF NOT EXISTS idx_records_ref
		ON records(ref_tx_id) WHERE ref_tx_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, created_at) VALUES (?, ?, ?)`,
		string(acct.ID), acct.Name, acct.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var (
		acct      ledger.Account
		rawID     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = ?`, string(id),
	).Scan(&rawID, &acct.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, &ledger.NotFoundError{Kind: "account", Ref: string(id)}
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	acct.ID = ledger.AccountID(rawID)
	acct.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return acct, nil
}

// =============================================================================
// RECORD LOG
// =============================================================================

// Append persists rec in one transaction, compare-and-swapping on the
// account head and assigning the next tx_id.
func (s *Store) Append(ctx context.Context, rec ledger.TxRecord, expectedHead ledger.TxID) (ledger.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var head uint64
	err = sqlTx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(tx_id), 0) FROM records WHERE account_id = ?`,
		string(rec.AccountID),
	).Scan(&head)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to read account head: %w", err)
	}
	if ledger.TxID(head) != expectedHead {
		return ledger.TxRecord{}, ledger.ErrConcurrentModification
	}

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO records
		(account_id, kind, amount, ref_tx_id, status_after,
		 idempotency_key, prev_account_tx_id, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.AccountID),
		string(rec.Kind),
		rec.Amount.String(),
		nullTxID(rec.RefTxID),
		string(rec.StatusAfter),
		rec.IdempotencyKey,
		nullTxID(rec.PrevAccountTxID),
		rec.Hash,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.TxRecord{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.TxRecord{}, fmt.Errorf("failed to append record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to read assigned tx_id: %w", err)
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to commit append: %w", err)
	}

	rec.ID = ledger.TxID(id)
	return rec, nil
}

func (s *Store) Load(ctx context.Context, id ledger.AccountID) ([]ledger.TxRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+
		` WHERE account_id = ? ORDER BY tx_id ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []ledger.TxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) FindByID(ctx context.Context, id ledger.TxID) (ledger.TxRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE tx_id = ?`, uint64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TxRecord{}, false, nil
	}
	if err != nil {
		return ledger.TxRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TxRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE idempotency_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TxRecord{}, false, nil
	}
	if err != nil {
		return ledger.TxRecord{}, false, err
	}
	return rec, true, nil
}

// =============================================================================
// SCANNING
// =============================================================================

const selectRecords = `
	SELECT tx_id, account_id, kind, amount, ref_tx_id, status_after,
	       idempotency_key, prev_account_tx_id, hash, created_at
	FROM records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.TxRecord, error) {
	var (
		rec       ledger.TxRecord
		txID      uint64
		accountID string
		kind      string
		amount    string
		refTxID   sql.NullInt64
		status    string
		prevTxID  sql.NullInt64
		createdAt string
	)
	if err := row.Scan(&txID, &accountID, &kind, &amount, &refTxID,
		&status, &rec.IdempotencyKey, &prevTxID, &rec.Hash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.TxRecord{}, err
		}
		return ledger.TxRecord{}, fmt.Errorf("failed to scan record: %w", err)
	}

	value, err := parseStoredAmount(amount)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}

	rec.ID = ledger.TxID(txID)
	rec.AccountID = ledger.AccountID(accountID)
	rec.Kind = ledger.Kind(kind)
	rec.Amount = value
	if refTxID.Valid {
		rec.RefTxID = ledger.TxID(refTxID.Int64)
	}
	rec.StatusAfter = ledger.Status(status)
	if prevTxID.Valid {
		rec.PrevAccountTxID = ledger.TxID(prevTxID.Int64)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("corrupt timestamp %q: %w", createdAt, err)
	}
	return rec, nil
}

// parseStoredAmount round-trips the exact stored form; the scale was already
// enforced before the write, so no precision check is applied here.
func parseStoredAmount(s string) (ledger.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Amount{}, err
	}
	return ledger.Amount{Value: d}, nil
}

func nullTxID(id ledger.TxID) any {
	if id == 0 {
		return nil
	}
	return uint64(id)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
