/*
handlers.go - HTTP API handlers for the ledger

PURPOSE:
  Exposes the ledger engine via a JSON API. Handlers parse and validate
  requests, delegate to the engine, and map the ledger error taxonomy onto
  HTTP statuses. No ledger logic lives here.

ENDPOINTS:
  POST /api/accounts                        Create account
  GET  /api/accounts/{id}                   Account details
  GET  /api/accounts/{id}/balance           Settled/pending/available
  GET  /api/accounts/{id}/transactions      Full history, tx_id ascending
  GET  /api/accounts/{id}/verify            Hash-chain verification
  POST /api/accounts/{id}/transactions      Open a pending transaction
  GET  /api/transactions/{txID}             Single record
  POST /api/transactions/{txID}/settle      Settle remaining magnitude
  POST /api/transactions/{txID}/refund      Partial/full refund
  POST /api/transactions/{txID}/void        Cancel a pending transaction

ERROR MAPPING:
  400 invalid amounts / malformed requests
  404 unknown account or transaction
  409 invalid state, excessive refund, duplicate name, idempotency
      conflict, concurrent modification (retryable)
  412 stale prev_tx_id reference (retryable)
  422 insufficient funds
  500 everything else
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/funds-ledger/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Scale    int32
	Logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler creates a handler around engine.
func NewHandler(engine *ledger.Engine, scale int32, logger *slog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Scale:    scale,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount provisions a new account with zero balances.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	acct, err := h.Engine.CreateAccount(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountDTO(acct))
}

// GetAccount returns account details.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.GetAccount(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountDTO(acct))
}

// GetBalance returns the settled/pending/available triple.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Engine.Balance(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceDTO(balance))
}

// ListTransactions returns the account's history, tx_id ascending.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.Engine.History(r.Context(), accountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	dtos := make([]TxRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = recordDTO(rec, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyIntegrity recomputes the account's hash chain.
func (h *Handler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	id := accountParam(r)
	err := h.Engine.VerifyIntegrity(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, VerifyDTO{AccountID: string(id), OK: true})
	case errors.Is(err, ledger.ErrChainIntegrity):
		writeJSON(w, http.StatusOK, VerifyDTO{AccountID: string(id), OK: false, Error: err.Error()})
	default:
		h.writeError(w, err)
	}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreatePending opens a pending transaction.
func (h *Handler) CreatePending(w http.ResponseWriter, r *http.Request) {
	var req CreatePendingRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := ledger.ParseAmount(req.Amount, h.Scale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if amount.IsNegative() {
		h.writeError(w, &ledger.InvalidAmountError{Input: req.Amount, Reason: "must be unsigned; use direction"})
		return
	}
	if req.Direction == "debit" {
		amount = amount.Neg()
	}

	result, err := h.Engine.CreatePending(r.Context(), ledger.CreatePendingRequest{
		AccountID:      accountParam(r),
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		PrevTxID:       ledger.TxID(req.PrevTxID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeResult(w, result)
}

// GetTransaction returns a single record.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := txParam(w, r)
	if !ok {
		return
	}
	rec, err := h.Engine.GetRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordDTO(rec, false))
}

// Settle finalizes the remaining magnitude of a pending transaction.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := txParam(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.Settle(r.Context(), ledger.SettleRequest{
		TxID:           id,
		IdempotencyKey: req.IdempotencyKey,
		PrevTxID:       ledger.TxID(req.PrevTxID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeResult(w, result)
}

// Refund returns part or all of a pending transaction.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := txParam(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := ledger.ParseAmount(req.Amount, h.Scale)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.Engine.Refund(r.Context(), ledger.RefundRequest{
		TxID:           id,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		PrevTxID:       ledger.TxID(req.PrevTxID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeResult(w, result)
}

// Void cancels a still-pending transaction.
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	id, ok := txParam(w, r)
	if !ok {
		return
	}
	var req VoidRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Engine.Void(r.Context(), ledger.VoidRequest{
		TxID:           id,
		IdempotencyKey: req.IdempotencyKey,
		PrevTxID:       ledger.TxID(req.PrevTxID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeResult(w, result)
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

func txParam(w http.ResponseWriter, r *http.Request) (ledger.TxID, bool) {
	raw := chi.URLParam(r, "txID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{
			Error: "invalid transaction id " + raw,
			Kind:  "bad_request",
		})
		return 0, false
	}
	return ledger.TxID(id), true
}

// decode parses and validates a JSON body. An empty body is allowed for
// request types whose fields are all optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: "invalid JSON body", Kind: "bad_request"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: err.Error(), Kind: "bad_request"})
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, result ledger.Result) {
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, recordDTO(result.Record, result.Replayed))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the ledger error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		status, kind = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAccountExists):
		status, kind = http.StatusConflict, "account_exists"
	case errors.Is(err, ledger.ErrInvalidState):
		status, kind = http.StatusConflict, "invalid_state"
	case errors.Is(err, ledger.ErrExcessiveRefund):
		status, kind = http.StatusConflict, "excessive_refund"
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		status, kind = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ledger.ErrConcurrentModification):
		status, kind = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ledger.ErrStaleReference):
		status, kind = http.StatusPreconditionFailed, "stale_reference"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, kind = http.StatusUnprocessableEntity, "insufficient_funds"
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, ErrorDTO{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: ledger.IsRetryable(err),
	})
}
