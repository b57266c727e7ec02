/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the ledger's domain
  model from the external contract. Validation tags are enforced in
  handlers via go-playground/validator.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
*/
package api

import (
	"time"

	"github.com/warp/funds-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest provisions a new account.
type CreateAccountRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

// CreatePendingRequest opens a pending transaction on an account.
// Amount is an unsigned decimal string; Direction carries the sign.
type CreatePendingRequest struct {
	Amount         string `json:"amount" validate:"required"`
	Direction      string `json:"direction" validate:"required,oneof=credit debit"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PrevTxID       uint64 `json:"prev_tx_id,omitempty"`
}

// SettleRequest finalizes a pending transaction.
type SettleRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PrevTxID       uint64 `json:"prev_tx_id,omitempty"`
}

// RefundRequest partially or fully refunds a pending transaction.
type RefundRequest struct {
	Amount         string `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PrevTxID       uint64 `json:"prev_tx_id,omitempty"`
}

// VoidRequest cancels a pending transaction.
type VoidRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PrevTxID       uint64 `json:"prev_tx_id,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents an account.
type AccountDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// TxRecordDTO represents one ledger record.
type TxRecordDTO struct {
	TxID           uint64 `json:"tx_id"`
	AccountID      string `json:"account_id"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	RefTxID        uint64 `json:"ref_tx_id,omitempty"`
	StatusAfter    string `json:"status_after"`
	IdempotencyKey string `json:"idempotency_key"`
	PrevTxID       uint64 `json:"prev_tx_id,omitempty"`
	Hash           string `json:"hash"`
	CreatedAt      string `json:"created_at"`

	// Replayed marks a response answered from the log for a duplicate
	// idempotency key.
	Replayed bool `json:"replayed,omitempty"`
}

// BalanceDTO is the settled/pending/available triple.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Settled   string `json:"settled"`
	Pending   string `json:"pending"`
	Available string `json:"available"`
}

// VerifyDTO reports the outcome of a chain verification.
type VerifyDTO struct {
	AccountID string `json:"account_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func accountDTO(acct ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(acct.ID),
		Name:      acct.Name,
		CreatedAt: acct.CreatedAt.Format(time.RFC3339Nano),
	}
}

func recordDTO(rec ledger.TxRecord, replayed bool) TxRecordDTO {
	return TxRecordDTO{
		TxID:           uint64(rec.ID),
		AccountID:      string(rec.AccountID),
		Kind:           string(rec.Kind),
		Amount:         rec.Amount.String(),
		RefTxID:        uint64(rec.RefTxID),
		StatusAfter:    string(rec.StatusAfter),
		IdempotencyKey: rec.IdempotencyKey,
		PrevTxID:       uint64(rec.PrevAccountTxID),
		Hash:           rec.Hash,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339Nano),
		Replayed:       replayed,
	}
}

func balanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		AccountID: string(b.AccountID),
		Settled:   b.Settled.String(),
		Pending:   b.Pending.String(),
		Available: b.Available.String(),
	}
}
