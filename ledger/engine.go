/*
engine.go - The ledger engine: validation, state machine, appends

PURPOSE:
  Engine is the only writer. Every mutating operation follows the same
  shape: resolve the target account, take that account's lock, answer
  idempotent replays, fold the log into a snapshot, validate invariants
  against that snapshot, build the next record with its chain hash, and
  append it through the store's compare-and-swap on the account head.

STATE MACHINE (per pending group):
  PENDING             -> SETTLED | PARTIALLY_REFUNDED | FULLY_REFUNDED | VOIDED
  PARTIALLY_REFUNDED  -> PARTIALLY_REFUNDED | FULLY_REFUNDED | SETTLED | VOIDED
  SETTLED, FULLY_REFUNDED, VOIDED are terminal.

  Settling a partially refunded group settles only the remaining
  un-refunded magnitude.

CONCURRENCY:
  A lazily built mutex arena keyed by account id serializes
  read-validate-append per aggregate; unrelated accounts never contend.
  The store's expectedHead check covers writers outside this process:
  one contender appends, the other fails with ErrConcurrentModification
  and is expected to retry.

IDEMPOTENCY:
  Keys are unique across the whole ledger. A replayed key returns the
  original record tagged Replayed without touching the log. By default the
  key alone identifies the request; strict mode additionally compares the
  replayed payload and fails with ErrIdempotencyConflict on mismatch.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine orchestrates all ledger operations over a Store.
type Engine struct {
	store  Store
	logger *slog.Logger
	scale  int32
	strict bool
	now    func() time.Time

	mu    sync.Mutex
	locks map[AccountID]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithScale sets the currency's fractional precision.
func WithScale(scale int32) Option { return func(e *Engine) { e.scale = scale } }

// WithStrictIdempotency makes replays with a different payload fail with
// ErrIdempotencyConflict instead of returning the original result.
func WithStrictIdempotency() Option { return func(e *Engine) { e.strict = true } }

// WithClock overrides the timestamp source. Test hook.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine builds an Engine on top of store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		scale:  DefaultScale,
		now:    time.Now,
		locks:  make(map[AccountID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// timestamp truncates to microseconds so a record's CreatedAt survives a
// TIMESTAMPTZ round-trip; the chain hash covers this field, so the stored
// form and the recomputed form must be byte-identical.
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// lockAccount returns the mutex guarding one account's read-validate-append
// cycle, creating it on first use.
func (e *Engine) lockAccount(id AccountID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// CreatePendingRequest opens a pending transaction. Amount is signed:
// credit positive, debit negative.
type CreatePendingRequest struct {
	AccountID      AccountID
	Amount         Amount
	IdempotencyKey string
	PrevTxID       TxID // optimistic lock; zero opts out
}

// SettleRequest finalizes the remaining magnitude of a pending transaction.
type SettleRequest struct {
	TxID           TxID
	IdempotencyKey string
	PrevTxID       TxID
}

// RefundRequest returns part or all of a pending transaction.
// Amount is a strictly positive magnitude.
type RefundRequest struct {
	TxID           TxID
	Amount         Amount
	IdempotencyKey string
	PrevTxID       TxID
}

// VoidRequest cancels a still-pending transaction in full.
type VoidRequest struct {
	TxID           TxID
	IdempotencyKey string
	PrevTxID       TxID
}

// Result is the outcome of a mutating operation. Replayed marks a duplicate
// idempotency key answered from the log; the payload semantics are identical
// either way.
type Result struct {
	Record   TxRecord
	Replayed bool
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount provisions a new account with zero balances.
// Names are unique across the ledger.
func (e *Engine) CreateAccount(ctx context.Context, name string) (Account, error) {
	acct := Account{
		ID:        AccountID(uuid.NewString()),
		Name:      name,
		CreatedAt: e.timestamp(),
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	e.logger.Info("account created",
		slog.String("account_id", string(acct.ID)),
		slog.String("name", name))
	return acct, nil
}

// GetAccount looks up an account by id.
func (e *Engine) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	return e.store.GetAccount(ctx, id)
}

// =============================================================================
// MUTATING OPERATIONS
// =============================================================================

// CreatePending appends a PENDING_CREATE. A pending debit reduces the
// available balance immediately and is rejected with ErrInsufficientFunds
// when it would drive it negative; settled balance is untouched until
// settlement.
func (e *Engine) CreatePending(ctx context.Context, req CreatePendingRequest) (Result, error) {
	if err := e.checkAmount(req.Amount); err != nil {
		return Result{}, err
	}
	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		return Result{}, err
	}

	lock := e.lockAccount(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else if res, ok, err := e.replay(ctx, key, func(rec TxRecord) bool {
		return rec.Kind == KindPendingCreate &&
			rec.AccountID == req.AccountID &&
			rec.Amount.Equal(req.Amount)
	}); ok || err != nil {
		return res, err
	}

	state, err := e.snapshot(ctx, req.AccountID)
	if err != nil {
		return Result{}, err
	}
	if err := checkHead(state, req.PrevTxID); err != nil {
		return Result{}, err
	}

	if err := checkAvailable(state, req.AccountID, req.Amount); err != nil {
		return Result{}, err
	}

	rec := TxRecord{
		AccountID:       req.AccountID,
		Kind:            KindPendingCreate,
		Amount:          req.Amount,
		StatusAfter:     StatusPending,
		IdempotencyKey:  key,
		PrevAccountTxID: req.PrevTxID,
		CreatedAt:       e.timestamp(),
	}
	return e.append(ctx, rec, state)
}

// Settle appends a SETTLE for the remaining un-refunded magnitude, moving it
// from the pending balance into the settled balance.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (Result, error) {
	root, err := e.groupRoot(ctx, req.TxID)
	if err != nil {
		return Result{}, err
	}

	lock := e.lockAccount(root.AccountID)
	lock.Lock()
	defer lock.Unlock()

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else if res, ok, rerr := e.replay(ctx, key, func(rec TxRecord) bool {
		return rec.Kind == KindSettle && rec.RefTxID == req.TxID
	}); ok || rerr != nil {
		return res, rerr
	}

	state, err := e.snapshot(ctx, root.AccountID)
	if err != nil {
		return Result{}, err
	}
	if err := checkHead(state, req.PrevTxID); err != nil {
		return Result{}, err
	}

	group := state.Group(req.TxID)
	if group == nil {
		return Result{}, &NotFoundError{Kind: "transaction", Ref: fmt.Sprint(req.TxID)}
	}
	if group.Status.Terminal() {
		return Result{}, &InvalidStateError{TxID: req.TxID, Status: group.Status}
	}

	rec := TxRecord{
		AccountID:       root.AccountID,
		Kind:            KindSettle,
		Amount:          withSignOf(root.Amount, group.Remaining()),
		RefTxID:         req.TxID,
		StatusAfter:     StatusSettled,
		IdempotencyKey:  key,
		PrevAccountTxID: req.PrevTxID,
		CreatedAt:       e.timestamp(),
	}
	return e.append(ctx, rec, state)
}

// Refund returns amount of a pending transaction. Funds simply cease to be
// pending; nothing is settled. Cumulative refunds never exceed the original
// magnitude. Refunding a credit that other pendings already spent against
// fails with ErrInsufficientFunds rather than driving the available balance
// negative.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if err := e.checkMagnitude(req.Amount); err != nil {
		return Result{}, err
	}

	root, err := e.groupRoot(ctx, req.TxID)
	if err != nil {
		return Result{}, err
	}

	lock := e.lockAccount(root.AccountID)
	lock.Lock()
	defer lock.Unlock()

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else if res, ok, rerr := e.replay(ctx, key, func(rec TxRecord) bool {
		return rec.Kind == KindRefund &&
			rec.RefTxID == req.TxID &&
			rec.Amount.Abs().Equal(req.Amount)
	}); ok || rerr != nil {
		return res, rerr
	}

	state, err := e.snapshot(ctx, root.AccountID)
	if err != nil {
		return Result{}, err
	}
	if err := checkHead(state, req.PrevTxID); err != nil {
		return Result{}, err
	}

	group := state.Group(req.TxID)
	if group == nil {
		return Result{}, &NotFoundError{Kind: "transaction", Ref: fmt.Sprint(req.TxID)}
	}
	if group.Status.Terminal() {
		return Result{}, &InvalidStateError{TxID: req.TxID, Status: group.Status}
	}
	if req.Amount.GreaterThan(group.Remaining()) {
		return Result{}, &ExcessiveRefundError{
			TxID:      req.TxID,
			Remaining: group.Remaining(),
			Requested: req.Amount,
		}
	}

	delta := withSignOf(root.Amount, req.Amount).Neg()
	if err := checkAvailable(state, root.AccountID, delta); err != nil {
		return Result{}, err
	}

	status := StatusPartiallyRefunded
	if group.Refunded.Add(req.Amount).Equal(root.Amount.Abs()) {
		status = StatusFullyRefunded
	}

	rec := TxRecord{
		AccountID:       root.AccountID,
		Kind:            KindRefund,
		Amount:          delta,
		RefTxID:         req.TxID,
		StatusAfter:     status,
		IdempotencyKey:  key,
		PrevAccountTxID: req.PrevTxID,
		CreatedAt:       e.timestamp(),
	}
	return e.append(ctx, rec, state)
}

// Void cancels a still-pending transaction with no settlement intent,
// returning its full remaining magnitude. Like Refund, voiding a credit
// that other pendings already spent against fails with ErrInsufficientFunds.
func (e *Engine) Void(ctx context.Context, req VoidRequest) (Result, error) {
	root, err := e.groupRoot(ctx, req.TxID)
	if err != nil {
		return Result{}, err
	}

	lock := e.lockAccount(root.AccountID)
	lock.Lock()
	defer lock.Unlock()

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else if res, ok, rerr := e.replay(ctx, key, func(rec TxRecord) bool {
		return rec.Kind == KindVoid && rec.RefTxID == req.TxID
	}); ok || rerr != nil {
		return res, rerr
	}

	state, err := e.snapshot(ctx, root.AccountID)
	if err != nil {
		return Result{}, err
	}
	if err := checkHead(state, req.PrevTxID); err != nil {
		return Result{}, err
	}

	group := state.Group(req.TxID)
	if group == nil {
		return Result{}, &NotFoundError{Kind: "transaction", Ref: fmt.Sprint(req.TxID)}
	}
	if group.Status.Terminal() {
		return Result{}, &InvalidStateError{TxID: req.TxID, Status: group.Status}
	}

	delta := withSignOf(root.Amount, group.Remaining()).Neg()
	if err := checkAvailable(state, root.AccountID, delta); err != nil {
		return Result{}, err
	}

	rec := TxRecord{
		AccountID:       root.AccountID,
		Kind:            KindVoid,
		Amount:          delta,
		RefTxID:         req.TxID,
		StatusAfter:     StatusVoided,
		IdempotencyKey:  key,
		PrevAccountTxID: req.PrevTxID,
		CreatedAt:       e.timestamp(),
	}
	return e.append(ctx, rec, state)
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Balance folds the account's log into its settled/pending/available triple.
func (e *Engine) Balance(ctx context.Context, id AccountID) (Balance, error) {
	state, err := e.snapshotChecked(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return BalanceOf(state), nil
}

// History returns the account's full record sequence, tx_id ascending.
func (e *Engine) History(ctx context.Context, id AccountID) ([]TxRecord, error) {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Load(ctx, id)
}

// VerifyIntegrity recomputes the account's hash chain and compares it to the
// stored hashes. Pure read; never gates writes, never repairs.
func (e *Engine) VerifyIntegrity(ctx context.Context, id AccountID) error {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return err
	}
	records, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	return VerifyChain(id, records)
}

// GetRecord returns a single record by tx_id.
func (e *Engine) GetRecord(ctx context.Context, id TxID) (TxRecord, error) {
	rec, ok, err := e.store.FindByID(ctx, id)
	if err != nil {
		return TxRecord{}, err
	}
	if !ok {
		return TxRecord{}, &NotFoundError{Kind: "transaction", Ref: fmt.Sprint(id)}
	}
	return rec, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// checkAmount validates a signed operation amount: nonzero magnitude within
// the currency scale.
func (e *Engine) checkAmount(a Amount) error {
	if a.IsZero() {
		return &InvalidAmountError{Input: a.String(), Reason: "must move a strictly positive sum"}
	}
	if a.Value.Exponent() < -e.scale {
		return &InvalidAmountError{Input: a.String(), Reason: "exceeds currency precision"}
	}
	return nil
}

// checkMagnitude validates a strictly positive magnitude (refund amounts).
func (e *Engine) checkMagnitude(a Amount) error {
	if !a.IsPositive() {
		return &InvalidAmountError{Input: a.String(), Reason: "must move a strictly positive sum"}
	}
	if a.Value.Exponent() < -e.scale {
		return &InvalidAmountError{Input: a.String(), Reason: "exceeds currency precision"}
	}
	return nil
}

// groupRoot resolves a tx_id to its PENDING_CREATE root.
func (e *Engine) groupRoot(ctx context.Context, id TxID) (TxRecord, error) {
	rec, ok, err := e.store.FindByID(ctx, id)
	if err != nil {
		return TxRecord{}, err
	}
	if !ok || rec.Kind != KindPendingCreate {
		return TxRecord{}, &NotFoundError{Kind: "transaction", Ref: fmt.Sprint(id)}
	}
	return rec, nil
}

// replay answers a duplicate idempotency key from the log. match is the
// payload-equality predicate applied only in strict mode.
func (e *Engine) replay(ctx context.Context, key string, match func(TxRecord) bool) (Result, bool, error) {
	rec, ok, err := e.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	if !ok {
		return Result{}, false, nil
	}
	if e.strict && !match(rec) {
		return Result{}, true, ErrIdempotencyConflict
	}
	e.logger.Debug("idempotent replay",
		slog.String("idempotency_key", key),
		slog.Uint64("tx_id", uint64(rec.ID)))
	return Result{Record: rec, Replayed: true}, true, nil
}

func (e *Engine) snapshot(ctx context.Context, id AccountID) (*AccountState, error) {
	records, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return FoldRecords(id, records), nil
}

func (e *Engine) snapshotChecked(ctx context.Context, id AccountID) (*AccountState, error) {
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.snapshot(ctx, id)
}

// checkAvailable rejects a delta that would drive the account's available
// balance negative. Guards pending debits, and refunds or voids of a credit
// whose funds other pendings already spent against. Positive deltas always
// pass.
func checkAvailable(state *AccountState, id AccountID, delta Amount) error {
	if delta.IsNegative() && state.Available().Add(delta).IsNegative() {
		return &InsufficientFundsError{
			AccountID: id,
			Available: state.Available(),
			Requested: delta.Abs(),
		}
	}
	return nil
}

// checkHead enforces the caller's optimistic lock against the snapshot head.
func checkHead(state *AccountState, prev TxID) error {
	if prev != 0 && prev != state.HeadID {
		return &StaleReferenceError{
			AccountID: state.AccountID,
			Supplied:  prev,
			Head:      state.HeadID,
		}
	}
	return nil
}

// append seals rec against the snapshot head and writes it through the
// store's compare-and-swap. A duplicate-key race with another process is
// answered as a replay; the log is untouched either way.
func (e *Engine) append(ctx context.Context, rec TxRecord, state *AccountState) (Result, error) {
	rec.Hash = ChainHash(rec, state.HeadHash)

	stored, err := e.store.Append(ctx, rec, state.HeadID)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			existing, ok, ferr := e.store.FindByIdempotencyKey(ctx, rec.IdempotencyKey)
			if ferr == nil && ok {
				return Result{Record: existing, Replayed: true}, nil
			}
		}
		return Result{}, err
	}

	e.logger.Info("record appended",
		slog.String("account_id", string(stored.AccountID)),
		slog.Uint64("tx_id", uint64(stored.ID)),
		slog.String("kind", string(stored.Kind)),
		slog.String("amount", stored.Amount.String()),
		slog.String("status_after", string(stored.StatusAfter)))
	return Result{Record: stored}, nil
}

// withSignOf returns magnitude carrying root's sign.
func withSignOf(root Amount, magnitude Amount) Amount {
	if root.IsNegative() {
		return magnitude.Neg()
	}
	return magnitude
}
