/*
Package postgres provides the PostgreSQL-backed Store implementation.

Same schema and contract as store/sqlite, but the head compare-and-swap is
enforced with a row lock on the account (SELECT ... FOR UPDATE) instead of a
process-wide mutex, so multiple server processes can share one database.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/funds-ledger/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store using PostgreSQL via pgx.
type Store struct {
	db *pgxpool.Pool
}

// New constructs a Store over an existing connection pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool for databaseURL and ensures the schema exists.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	-- Append-only record log. No UPDATE, no DELETE.
	CREATE TABLE IF NOT EXISTS records (
		tx_id BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		ref_tx_id BIGINT REFERENCES records(tx_id),
		status_after TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		prev_account_tx_id BIGINT,
		hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_account_tx
		ON records(account_id, tx_id);
	CREATE INDEX IF NOT EXISTS idx_records_ref
		ON records(ref_tx_id) WHERE ref_tx_id IS NOT NULL;
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, name, created_at) VALUES ($1, $2, $3)`,
		string(acct.ID), acct.Name, acct.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ledger.ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var (
		acct  ledger.Account
		rawID string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = $1`, string(id),
	).Scan(&rawID, &acct.Name, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, &ledger.NotFoundError{Kind: "account", Ref: string(id)}
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	acct.ID = ledger.AccountID(rawID)
	return acct, nil
}

// =============================================================================
// RECORD LOG
// =============================================================================

// Append locks the account row, verifies the head the engine validated
// against, and inserts. The key registration and the insert are the same
// statement; a duplicate key aborts the whole unit.
func (s *Store) Append(ctx context.Context, rec ledger.TxRecord, expectedHead ledger.TxID) (ledger.TxRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// Serializes appends per account across all processes.
	var lockedID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, string(rec.AccountID),
	).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.TxRecord{}, &ledger.NotFoundError{Kind: "account", Ref: string(rec.AccountID)}
	}
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to lock account: %w", err)
	}

	var head uint64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(tx_id), 0) FROM records WHERE account_id = $1`,
		string(rec.AccountID),
	).Scan(&head)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to read account head: %w", err)
	}
	if ledger.TxID(head) != expectedHead {
		return ledger.TxRecord{}, ledger.ErrConcurrentModification
	}

	var assigned uint64
	err = tx.QueryRow(ctx, `
		INSERT INTO records
		(account_id, kind, amount, ref_tx_id, status_after,
		 idempotency_key, prev_account_tx_id, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING tx_id`,
		string(rec.AccountID),
		string(rec.Kind),
		rec.Amount.String(),
		nullTxID(rec.RefTxID),
		string(rec.StatusAfter),
		rec.IdempotencyKey,
		nullTxID(rec.PrevAccountTxID),
		rec.Hash,
		rec.CreatedAt.UTC(),
	).Scan(&assigned)
	if isUniqueViolation(err) {
		return ledger.TxRecord{}, ledger.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to append record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.TxRecord{}, fmt.Errorf("failed to commit append: %w", err)
	}

	rec.ID = ledger.TxID(assigned)
	return rec, nil
}

func (s *Store) Load(ctx context.Context, id ledger.AccountID) ([]ledger.TxRecord, error) {
	rows, err := s.db.Query(ctx, selectRecords+
		` WHERE account_id = $1 ORDER BY tx_id ASC`, string(id))
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
	rec, err := scanRecord(s.db.QueryRow(ctx, selectRecords+` WHERE tx_id = $1`, uint64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.TxRecord{}, false, nil
	}
	if err != nil {
		return ledger.TxRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (ledger.TxRecord, bool, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectRecords+` WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
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
	SELECT tx_id, account_id, kind, amount::text, ref_tx_id, status_after,
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
		refTxID   *int64
		status    string
		prevTxID  *int64
		createdAt time.Time
	)
	if err := row.Scan(&txID, &accountID, &kind, &amount, &refTxID,
		&status, &rec.IdempotencyKey, &prevTxID, &rec.Hash, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.TxRecord{}, err
		}
		return ledger.TxRecord{}, fmt.Errorf("failed to scan record: %w", err)
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return ledger.TxRecord{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}

	rec.ID = ledger.TxID(txID)
	rec.AccountID = ledger.AccountID(accountID)
	rec.Kind = ledger.Kind(kind)
	rec.Amount = ledger.Amount{Value: value}
	if refTxID != nil {
		rec.RefTxID = ledger.TxID(*refTxID)
	}
	rec.StatusAfter = ledger.Status(status)
	if prevTxID != nil {
		rec.PrevAccountTxID = ledger.TxID(*prevTxID)
	}
	rec.CreatedAt = createdAt
	return rec, nil
}

func nullTxID(id ledger.TxID) any {
	if id == 0 {
		return nil
	}
	return uint64(id)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
