/*
state.go - Account state as a pure fold over the record sequence

PURPOSE:
  Balances and group statuses are never stored; they are derived by replaying
  an account's records in tx_id order. This is the "projection" side of the
  engine: FoldRecords is the single reducer, and every read operation
  (balance, history, status checks before a write) goes through it.

WHY A FOLD?
  - The log is the only source of truth; a stored balance can desync, a
    fold cannot
  - "Why is the balance X?" is always answerable from history
  - Validation and append use the same snapshot, so invariants hold under
    concurrency (engine.go serializes per account)
*/
package ledger

// GroupState tracks one pending transaction and everything applied to it.
type GroupState struct {
	Root     TxRecord
	Status   Status
	Refunded Amount // cumulative refunded magnitude, never negative
}

// Remaining is the un-refunded magnitude still held by the group.
func (g *GroupState) Remaining() Amount {
	return g.Root.Amount.Abs().Sub(g.Refunded)
}

// AccountState is the projection of one account at the log head.
type AccountState struct {
	AccountID AccountID
	Settled   Amount
	Pending   Amount
	HeadID    TxID
	HeadHash  string
	Groups    map[TxID]*GroupState
	Records   []TxRecord
}

// Available is settled plus pending. Pending debits reduce it immediately.
func (s *AccountState) Available() Amount {
	return s.Settled.Add(s.Pending)
}

// Group returns the group state rooted at id, or nil.
func (s *AccountState) Group(id TxID) *GroupState {
	return s.Groups[id]
}

// FoldRecords replays records (full account sequence, tx_id ascending) into
// an AccountState. The reducer mirrors the append rules in engine.go:
//
//	PENDING_CREATE  pending += amount
//	REFUND, VOID    pending += amount   (amount carries the opposite sign)
//	SETTLE          pending -= amount; settled += amount
func FoldRecords(accountID AccountID, records []TxRecord) *AccountState {
	state := &AccountState{
		AccountID: accountID,
		Settled:   ZeroAmount(),
		Pending:   ZeroAmount(),
		HeadHash:  GenesisHash,
		Groups:    make(map[TxID]*GroupState),
		Records:   records,
	}

	for _, rec := range records {
		switch rec.Kind {
		case KindPendingCreate:
			state.Pending = state.Pending.Add(rec.Amount)
			state.Groups[rec.ID] = &GroupState{
				Root:     rec,
				Status:   StatusPending,
				Refunded: ZeroAmount(),
			}

		case KindRefund:
			state.Pending = state.Pending.Add(rec.Amount)
			if g := state.Groups[rec.RefTxID]; g != nil {
				g.Refunded = g.Refunded.Add(rec.Amount.Abs())
				if g.Remaining().IsZero() {
					g.Status = StatusFullyRefunded
				} else {
					g.Status = StatusPartiallyRefunded
				}
			}

		case KindVoid:
			state.Pending = state.Pending.Add(rec.Amount)
			if g := state.Groups[rec.RefTxID]; g != nil {
				g.Refunded = g.Refunded.Add(rec.Amount.Abs())
				g.Status = StatusVoided
			}

		case KindSettle:
			state.Pending = state.Pending.Sub(rec.Amount)
			state.Settled = state.Settled.Add(rec.Amount)
			if g := state.Groups[rec.RefTxID]; g != nil {
				g.Status = StatusSettled
			}
		}

		state.HeadID = rec.ID
		state.HeadHash = rec.Hash
	}

	return state
}

// Balance is the read-side summary returned to callers.
type Balance struct {
	AccountID AccountID
	Settled   Amount
	Pending   Amount
	Available Amount
}

// BalanceOf projects a fold into the caller-facing balance triple.
func BalanceOf(state *AccountState) Balance {
	return Balance{
		AccountID: state.AccountID,
		Settled:   state.Settled,
		Pending:   state.Pending,
		Available: state.Available(),
	}
}
