// Package store provides the in-memory Store implementation, used by tests
// and the dev-mode server.
package store

import (
	"context"
	"sync"

	"github.com/warp/funds-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger in process memory. All invariants the SQL
// stores enforce with constraints are enforced here under one RWMutex:
// monotonic tx_id assignment, idempotency-key uniqueness, and the
// compare-and-swap on each account's head.
type Memory struct {
	mu          sync.RWMutex
	accounts    map[ledger.AccountID]ledger.Account
	names       map[string]ledger.AccountID
	byAccount   map[ledger.AccountID][]ledger.TxRecord
	byID        map[ledger.TxID]ledger.TxRecord
	idempotency map[string]ledger.TxID
	nextID      ledger.TxID
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		names:       make(map[string]ledger.AccountID),
		byAccount:   make(map[ledger.AccountID][]ledger.TxRecord),
		byID:        make(map[ledger.TxID]ledger.TxRecord),
		idempotency: make(map[string]ledger.TxID),
		nextID:      1,
	}
}

func (m *Memory) CreateAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.names[acct.Name]; taken {
		return ledger.ErrAccountExists
	}
	if _, taken := m.accounts[acct.ID]; taken {
		return ledger.ErrAccountExists
	}
	m.accounts[acct.ID] = acct
	m.names[acct.Name] = acct.ID
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, &ledger.NotFoundError{Kind: "account", Ref: string(id)}
	}
	return acct, nil
}

// Append assigns the next tx_id and persists rec, all under one lock so the
// head check, the key registration and the insert are a single atomic unit.
func (m *Memory) Append(_ context.Context, rec ledger.TxRecord, expectedHead ledger.TxID) (ledger.TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[rec.AccountID]; !ok {
		return ledger.TxRecord{}, &ledger.NotFoundError{Kind: "account", Ref: string(rec.AccountID)}
	}
	if rec.IdempotencyKey != "" {
		if _, exists := m.idempotency[rec.IdempotencyKey]; exists {
			return ledger.TxRecord{}, ledger.ErrDuplicateIdempotencyKey
		}
	}

	head := ledger.TxID(0)
	if seq := m.byAccount[rec.AccountID]; len(seq) > 0 {
		head = seq[len(seq)-1].ID
	}
	if head != expectedHead {
		return ledger.TxRecord{}, ledger.ErrConcurrentModification
	}

	rec.ID = m.nextID
	m.nextID++

	m.byAccount[rec.AccountID] = append(m.byAccount[rec.AccountID], rec)
	m.byID[rec.ID] = rec
	if rec.IdempotencyKey != "" {
		m.idempotency[rec.IdempotencyKey] = rec.ID
	}
	return rec, nil
}

func (m *Memory) Load(_ context.Context, id ledger.AccountID) ([]ledger.TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Copy so callers never observe later appends through the slice.
	result := make([]ledger.TxRecord, len(m.byAccount[id]))
	copy(result, m.byAccount[id])
	return result, nil
}

func (m *Memory) FindByID(_ context.Context, id ledger.TxID) (ledger.TxRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	return rec, ok, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (ledger.TxRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[key]
	if !ok {
		return ledger.TxRecord{}, false, nil
	}
	return m.byID[id], true, nil
}

// Tamper overwrites a stored record in place. It exists ONLY so integrity
// tests can simulate out-of-band corruption; nothing in the engine calls it.
func (m *Memory) Tamper(id ledger.TxID, mutate func(*ledger.TxRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return
	}
	mutate(&rec)
	m.byID[id] = rec
	seq := m.byAccount[rec.AccountID]
	for i := range seq {
		if seq[i].ID == id {
			seq[i] = rec
			break
		}
	}
}
