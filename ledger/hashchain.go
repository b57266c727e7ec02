/*
hashchain.go - Tamper evidence over the append-only log

PURPOSE:
  Every record's hash commits to its own business fields and to the hash of
  the previous record in the same account's chain. Editing or reordering any
  persisted record invalidates every hash downstream of it.

SCOPE:
  The digest covers the fields known before the store assigns the record id:
  account, kind, amount, group reference, status, idempotency key, optimistic
  lock reference and timestamp. Verification is a read-side fold and never
  gates writes; mismatches are reported, never repaired.
*/
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash seeds each account's chain before its first record.
const GenesisHash = "genesis"

// ChainHash computes the digest linking rec to prevHash.
// The record's own ID and Hash fields are not part of the digest input.
// Every field is length-prefixed in the preimage, so a separator character
// inside the caller-supplied idempotency key cannot shift field boundaries
// and make two different records hash alike.
func ChainHash(rec TxRecord, prevHash string) string {
	h := sha256.New()
	for _, field := range []string{
		string(rec.AccountID),
		string(rec.Kind),
		rec.Amount.String(),
		strconv.FormatUint(uint64(rec.RefTxID), 10),
		string(rec.StatusAfter),
		rec.IdempotencyKey,
		strconv.FormatUint(uint64(rec.PrevAccountTxID), 10),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		prevHash,
	} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the account's chain over records (which must be the
// full sequence in tx_id order) and compares against the stored hashes.
// Returns a ChainIntegrityError pointing at the first divergent record.
func VerifyChain(accountID AccountID, records []TxRecord) error {
	prev := GenesisHash
	for _, rec := range records {
		expected := ChainHash(rec, prev)
		if rec.Hash != expected {
			return &ChainIntegrityError{
				AccountID: accountID,
				TxID:      rec.ID,
				Expected:  expected,
				Actual:    rec.Hash,
			}
		}
		prev = rec.Hash
	}
	return nil
}
