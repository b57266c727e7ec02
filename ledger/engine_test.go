package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/funds-ledger/ledger"
	"github.com/warp/funds-ledger/ledger/store"
	"github.com/warp/funds-ledger/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithLogger(logging.Discard())}, opts...)
	return ledger.NewEngine(mem, opts...), mem
}

func newFundedAccount(t *testing.T, e *ledger.Engine, funds string) ledger.Account {
	t.Helper()
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "acct-"+funds+"-"+t.Name())
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount(funds),
	})
	require.NoError(t, err)

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.NoError(t, err)
	return acct
}

func requireBalance(t *testing.T, e *ledger.Engine, id ledger.AccountID, settled, pending, available string) {
	t.Helper()
	b, err := e.Balance(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, b.Settled.Equal(ledger.MustAmount(settled)),
		"settled: want %s, got %s", settled, b.Settled)
	assert.True(t, b.Pending.Equal(ledger.MustAmount(pending)),
		"pending: want %s, got %s", pending, b.Pending)
	assert.True(t, b.Available.Equal(ledger.MustAmount(available)),
		"available: want %s, got %s", available, b.Available)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestCreateAccount_StartsEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)
	require.NotEmpty(t, acct.ID)

	requireBalance(t, e, acct.ID, "0", "0", "0")

	history, err := e.History(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCreateAccount_DuplicateNameRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	_, err = e.CreateAccount(ctx, "jim")
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestBalance_UnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Balance(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// PENDING CREATE
// =============================================================================

func TestCreatePending_CreditRaisesPendingBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("30.00"),
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, ledger.KindPendingCreate, res.Record.Kind)
	assert.Equal(t, ledger.StatusPending, res.Record.StatusAfter)

	// Credit is pending, not settled, until settlement.
	requireBalance(t, e, acct.ID, "0", "30.00", "30.00")
}

func TestCreatePending_DebitReducesAvailableImmediately(t *testing.T) {
	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")

	_, err := e.CreatePending(context.Background(), ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("50.00").Neg(),
	})
	require.NoError(t, err)

	requireBalance(t, e, acct.ID, "100.00", "-50.00", "50.00")
}

func TestCreatePending_OverspendRejected(t *testing.T) {
	// GIVEN: account with available balance 100.00
	// WHEN:  creating a pending debit of 150.00
	// THEN:  InsufficientFunds, and the balance is untouched

	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	_, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("150.00").Neg(),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(ledger.MustAmount("100.00")))

	requireBalance(t, e, acct.ID, "100.00", "0", "100.00")
}

func TestCreatePending_PendingDebitsCountAgainstAvailable(t *testing.T) {
	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	_, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("80.00").Neg(),
	})
	require.NoError(t, err)

	// Only 20.00 is still available even though nothing settled yet.
	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("30.00").Neg(),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestCreatePending_InvalidAmounts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.ZeroAmount(),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "zero amount moves nothing")

	tooPrecise, err := ledger.ParseAmount("10.123", 3)
	require.NoError(t, err)
	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    tooPrecise,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "three fractional digits at scale two")
}

func TestCreatePending_UnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.CreatePending(context.Background(), ledger.CreatePendingRequest{
		AccountID: "missing",
		Amount:    ledger.MustAmount("10.00"),
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// SETTLE
// =============================================================================

func TestSettle_MovesPendingIntoSettled(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("100.00"),
	})
	require.NoError(t, err)

	settled, err := e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, settled.Record.StatusAfter)
	assert.Equal(t, res.Record.ID, settled.Record.RefTxID)

	requireBalance(t, e, acct.ID, "100.00", "0", "100.00")
}

func TestSettle_TwiceFails(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("100.00"),
	})
	require.NoError(t, err)

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.NoError(t, err)

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	var state *ledger.InvalidStateError
	require.ErrorAs(t, err, &state)
	assert.Equal(t, ledger.StatusSettled, state.Status)
}

func TestSettle_UnknownOrNonRootTx(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: 42})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("10.00"),
	})
	require.NoError(t, err)
	settleRes, err := e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.NoError(t, err)

	// A SETTLE record is not a group root.
	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: settleRes.Record.ID})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// REFUND
// =============================================================================

func TestRefund_PartialThenFull(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("30.00"),
	})
	require.NoError(t, err)

	partial, err := e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyRefunded, partial.Record.StatusAfter)
	requireBalance(t, e, acct.ID, "0", "20.00", "20.00")

	full, err := e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("20.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFullyRefunded, full.Record.StatusAfter)
	requireBalance(t, e, acct.ID, "0", "0", "0")

	// Fully refunded is terminal.
	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestRefund_NeverExceedsOriginal(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("30.00"),
	})
	require.NoError(t, err)

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("25.00"),
	})
	require.NoError(t, err)

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("10.00"),
	})
	require.ErrorIs(t, err, ledger.ErrExcessiveRefund)

	var excessive *ledger.ExcessiveRefundError
	require.ErrorAs(t, err, &excessive)
	assert.True(t, excessive.Remaining.Equal(ledger.MustAmount("5.00")))

	// The rejected refund appended nothing.
	history, err := e.History(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRefund_RequiresPositiveAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)
	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("30.00"),
	})
	require.NoError(t, err)

	for _, amount := range []ledger.Amount{ledger.ZeroAmount(), ledger.MustAmount("5.00").Neg()} {
		_, err = e.Refund(ctx, ledger.RefundRequest{TxID: res.Record.ID, Amount: amount})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}
}

func TestSettle_AfterPartialRefund_SettlesOnlyRemaining(t *testing.T) {
	// GIVEN: a pending debit of 50.00 against settled funds of 100.00
	// WHEN:  refunding 20.00 and then settling
	// THEN:  only the remaining 30.00 settles and pending returns to zero

	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("50.00").Neg(),
	})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "100.00", "-50.00", "50.00")

	refund, err := e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("20.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyRefunded, refund.Record.StatusAfter)
	requireBalance(t, e, acct.ID, "100.00", "-30.00", "70.00")

	settled, err := e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	require.NoError(t, err)
	assert.True(t, settled.Record.Amount.Equal(ledger.MustAmount("30.00").Neg()))
	requireBalance(t, e, acct.ID, "70.00", "0", "70.00")

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("1.00"),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestRefund_CreditSpentAgainstCannotGoNegative(t *testing.T) {
	// GIVEN: a pending credit of 50.00 with a pending debit of 40.00
	//        admitted against it (available 10.00)
	// WHEN:  refunding 20.00 of the credit
	// THEN:  InsufficientFunds; available never goes negative

	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	credit, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("50.00"),
	})
	require.NoError(t, err)

	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("40.00").Neg(),
	})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "0", "10.00", "10.00")

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   credit.Record.ID,
		Amount: ledger.MustAmount("20.00"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(ledger.MustAmount("10.00")))

	// The rejected refund appended nothing.
	requireBalance(t, e, acct.ID, "0", "10.00", "10.00")

	// A refund within the uncommitted part of the credit is fine.
	res, err := e.Refund(ctx, ledger.RefundRequest{
		TxID:   credit.Record.ID,
		Amount: ledger.MustAmount("10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyRefunded, res.Record.StatusAfter)
	requireBalance(t, e, acct.ID, "0", "0", "0")
}

// =============================================================================
// VOID
// =============================================================================

func TestVoid_CancelsRemainingMagnitude(t *testing.T) {
	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("40.00").Neg(),
	})
	require.NoError(t, err)

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   res.Record.ID,
		Amount: ledger.MustAmount("15.00"),
	})
	require.NoError(t, err)

	voided, err := e.Void(ctx, ledger.VoidRequest{TxID: res.Record.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, voided.Record.StatusAfter)
	requireBalance(t, e, acct.ID, "100.00", "0", "100.00")

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestVoid_CreditSpentAgainstCannotGoNegative(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	credit, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("50.00"),
	})
	require.NoError(t, err)

	debit, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("40.00").Neg(),
	})
	require.NoError(t, err)

	// Voiding the credit would pull out all 50.00 while only 10.00 is
	// still uncommitted.
	_, err = e.Void(ctx, ledger.VoidRequest{TxID: credit.Record.ID})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	requireBalance(t, e, acct.ID, "0", "10.00", "10.00")

	// Once the debit is gone the credit can be voided in full.
	_, err = e.Void(ctx, ledger.VoidRequest{TxID: debit.Record.ID})
	require.NoError(t, err)
	_, err = e.Void(ctx, ledger.VoidRequest{TxID: credit.Record.ID})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "0", "0", "0")
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestIdempotency_ReplayAppendsNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	req := ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("30.00"),
		IdempotencyKey: "k1",
	}

	first, err := e.CreatePending(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.CreatePending(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record, second.Record)

	history, err := e.History(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	requireBalance(t, e, acct.ID, "0", "30.00", "30.00")
}

func TestIdempotency_KeyIsLedgerWide(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("30.00"),
		IdempotencyKey: "shared",
	})
	require.NoError(t, err)

	// Default mode identifies the request by key alone: a different
	// operation replaying the key gets the original record back.
	replayed, err := e.Settle(ctx, ledger.SettleRequest{
		TxID:           res.Record.ID,
		IdempotencyKey: "shared",
	})
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, res.Record, replayed.Record)
}

func TestIdempotency_StrictModeFlagsConflicts(t *testing.T) {
	e, _ := newTestEngine(t, ledger.WithStrictIdempotency())
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("30.00"),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	// Same key, same payload: replay.
	same, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("30.00"),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, same.Replayed)

	// Same key, different payload: conflict.
	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("31.00"),
		IdempotencyKey: "k1",
	})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)
}

// =============================================================================
// OPTIMISTIC LOCKING
// =============================================================================

func TestOptimisticLock_StaleReferenceRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	first, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("10.00"),
	})
	require.NoError(t, err)

	// Matching head: accepted.
	second, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("10.00"),
		PrevTxID:  first.Record.ID,
	})
	require.NoError(t, err)

	// first is no longer the head.
	_, err = e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("10.00"),
		PrevTxID:  first.Record.ID,
	})
	require.ErrorIs(t, err, ledger.ErrStaleReference)
	assert.True(t, ledger.IsRetryable(err))

	var stale *ledger.StaleReferenceError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, second.Record.ID, stale.Head)
}

func TestOptimisticLock_OmittedMeansOptOut(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
			AccountID: acct.ID,
			Amount:    ledger.MustAmount("10.00"),
		})
		require.NoError(t, err)
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentSettles_ExactlyOneWins(t *testing.T) {
	// GIVEN: one pending transaction
	// WHEN:  many goroutines race to settle it
	// THEN:  exactly one SETTLE is appended; the rest fail with InvalidState

	e, _ := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)
	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("100.00"),
	})
	require.NoError(t, err)

	const contenders = 16
	errs := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Settle(ctx, ledger.SettleRequest{TxID: res.Record.ID})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, wins)

	history, err := e.History(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentDebits_NeverOverspend(t *testing.T) {
	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	// 10 racing debits of 30.00 against 100.00: at most 3 can be admitted.
	const contenders = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
				AccountID: acct.ID,
				Amount:    ledger.MustAmount("30.00").Neg(),
			})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	requireBalance(t, e, acct.ID, "100.00", "-90.00", "10.00")
}

func TestConcurrentModification_SurfacedFromStore(t *testing.T) {
	// Simulates a second writer process moving the head between the
	// engine's snapshot and its append by going through the store directly.
	e, mem := newTestEngine(t)
	ctx := context.Background()

	acct, err := e.CreateAccount(ctx, "jim")
	require.NoError(t, err)
	res, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID: acct.ID,
		Amount:    ledger.MustAmount("10.00"),
	})
	require.NoError(t, err)

	rec := ledger.TxRecord{
		AccountID:      acct.ID,
		Kind:           ledger.KindPendingCreate,
		Amount:         ledger.MustAmount("5.00"),
		StatusAfter:    ledger.StatusPending,
		IdempotencyKey: "other-writer",
		CreatedAt:      res.Record.CreatedAt,
	}
	rec.Hash = ledger.ChainHash(rec, res.Record.Hash)

	// Stale expected head: the store refuses the write.
	_, err = mem.Append(ctx, rec, 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Correct head: accepted.
	_, err = mem.Append(ctx, rec, res.Record.ID)
	require.NoError(t, err)
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestScenario_PendingRefundSettleLifecycle(t *testing.T) {
	// The full lifecycle: fund an account, open a pending debit, partially
	// refund it, settle the remainder, and verify the chain throughout.

	e, _ := newTestEngine(t)
	acct := newFundedAccount(t, e, "100.00")
	ctx := context.Background()

	tx1, err := e.CreatePending(ctx, ledger.CreatePendingRequest{
		AccountID:      acct.ID,
		Amount:         ledger.MustAmount("50.00").Neg(),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "100.00", "-50.00", "50.00")

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   tx1.Record.ID,
		Amount: ledger.MustAmount("20.00"),
	})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "100.00", "-30.00", "70.00")

	_, err = e.Settle(ctx, ledger.SettleRequest{TxID: tx1.Record.ID})
	require.NoError(t, err)
	requireBalance(t, e, acct.ID, "70.00", "0", "70.00")

	_, err = e.Refund(ctx, ledger.RefundRequest{
		TxID:   tx1.Record.ID,
		Amount: ledger.MustAmount("1.00"),
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	require.NoError(t, e.VerifyIntegrity(ctx, acct.ID))

	// Fold-consistency: available == settled + pending after every event.
	history, err := e.History(ctx, acct.ID)
	require.NoError(t, err)
	for i := range history {
		state := ledger.FoldRecords(acct.ID, history[:i+1])
		assert.True(t, state.Available().Equal(state.Settled.Add(state.Pending)))
	}
}
