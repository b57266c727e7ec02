/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds in one place. Every validation failure is detected before
  any append, so the log never contains a partially applied event. Structured
  errors carry the offending account/tx so callers can act on them.

ERROR CATEGORIES:
  1. Request errors    - invalid amounts, unknown references
  2. State errors      - events applied to terminal or wrong-status groups
  3. Concurrency errors - optimistic-lock and head-moved conflicts (retryable)
  4. Integrity errors  - hash-chain verification failures

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

  var stale *ledger.StaleReferenceError
  if errors.As(err, &stale) { retryFrom(stale.Head) }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for amounts that are malformed, exceed the
	// currency scale, or are not strictly positive where a positive sum is
	// required.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is the over-spend guard: a pending debit would
	// drive the available balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState is returned when an event targets a group whose latest
	// status no longer accepts it.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrExcessiveRefund is returned when cumulative refunds would exceed the
	// original pending magnitude.
	ErrExcessiveRefund = errors.New("refund exceeds remaining amount")

	// ErrNotFound is returned when a referenced account or transaction does
	// not exist, or when a referenced tx is not a PENDING_CREATE.
	ErrNotFound = errors.New("not found")

	// ErrAccountExists is returned when an account name is already taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrStaleReference is returned when the caller-supplied prev_tx_id no
	// longer matches the account head. Safe to retry after re-reading.
	ErrStaleReference = errors.New("stale transaction reference")

	// ErrConcurrentModification is returned when the store observes the
	// account head moving between validation and append. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrChainIntegrity is reported by verification when a stored hash does
	// not match the recomputed chain. Never silently repaired.
	ErrChainIntegrity = errors.New("hash chain integrity violation")

	// ErrIdempotencyConflict is returned in strict mode when an idempotency
	// key is replayed with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// ErrDuplicateIdempotencyKey is the store-level signal that a key is
	// already registered. The engine translates it into a replayed result.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports why an amount was rejected.
type InvalidAmountError struct {
	Input  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Input, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientFundsError details an over-spend rejection.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidStateError reports an event applied to a group that no longer
// accepts it.
type InvalidStateError struct {
	TxID   TxID
	Status Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %d is %s and accepts no further events", e.TxID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ExcessiveRefundError reports a refund beyond the remaining magnitude.
type ExcessiveRefundError struct {
	TxID      TxID
	Remaining Amount
	Requested Amount
}

func (e *ExcessiveRefundError) Error() string {
	return fmt.Sprintf("refund of %s exceeds remaining %s on transaction %d",
		e.Requested, e.Remaining, e.TxID)
}

func (e *ExcessiveRefundError) Unwrap() error { return ErrExcessiveRefund }

// NotFoundError identifies the missing reference.
type NotFoundError struct {
	Kind string // "account" or "transaction"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StaleReferenceError reports an optimistic-lock miss.
type StaleReferenceError struct {
	AccountID AccountID
	Supplied  TxID
	Head      TxID
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale reference on account %s: supplied %d, head is %d",
		e.AccountID, e.Supplied, e.Head)
}

func (e *StaleReferenceError) Unwrap() error { return ErrStaleReference }

// ChainIntegrityError pinpoints the first record whose stored hash diverges
// from the recomputed chain.
type ChainIntegrityError struct {
	AccountID AccountID
	TxID      TxID
	Expected  string
	Actual    string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation on account %s at tx %d: expected %s, stored %s",
		e.AccountID, e.TxID, e.Expected, e.Actual)
}

func (e *ChainIntegrityError) Unwrap() error { return ErrChainIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the caller should re-read state and resubmit.
// These are the only errors retried automatically.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStaleReference)
}

// IsClientError reports whether the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExcessiveRefund) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrIdempotencyConflict)
}

// IsNotFound reports whether the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
