// Package store defines the persistence interface for the custody service.
// Two logical collections back the contract: transactions, with unique
// partial indexes on hash and opid, and accounts, keyed by address with a
// unique index on paymentId. Idempotency is enforced through these unique
// indexes rather than in-process locking: concurrent duplicate writers race
// to insert and the loser observes ErrDuplicate.
package store

import (
	"context"
	"errors"

	"github.com/custodia/cpg/lib/tx"
)

// Errors returned by implementations.
var (
	// ErrNotFound signals an absent document.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate signals a unique-index violation on insert.
	ErrDuplicate = errors.New("store: duplicate key")
)

// DB defines the methods the orchestrator and projector require.
type DB interface {
	// TxCreate inserts a transaction, returning ErrDuplicate when its opid
	// or hash already exists.
	TxCreate(ctx context.Context, t *tx.Tx) error
	// TxByOpID fetches a transaction by idempotency key.
	TxByOpID(ctx context.Context, opid string) (*tx.Tx, error)
	// TxByHash fetches a transaction by ledger hash.
	TxByHash(ctx context.Context, hash string) (*tx.Tx, error)
	// TxReplace overwrites all fields of the identified transaction with t,
	// keeping the identity. Used by the "latest intent wins" policy for
	// repeated operation ids.
	TxReplace(ctx context.Context, id string, t *tx.Tx) (bool, error)
	// TxUpdate applies the non-nil fields of u to the identified
	// transaction.
	TxUpdate(ctx context.Context, id string, u TxUpdate) (bool, error)
	// TxUpdateByHash applies the non-nil fields of u to the transaction
	// with the given hash.
	TxUpdateByHash(ctx context.Context, hash string, u TxUpdate) (bool, error)
	// TxCompleteSent atomically flips the Sent transaction with the given
	// hash to Completed, filling timestamp, block and page. Returns false
	// when no Sent transaction matches, so replays cannot regress status.
	TxCompleteSent(ctx context.Context, hash string, timestamp, block int64, page string) (bool, error)
	// TxDelete removes a transaction (bounce rollback only).
	TxDelete(ctx context.Context, id string) error
	// TxBounceCandidates lists transactions owing a bounce (bounced == 0).
	TxBounceCandidates(ctx context.Context) ([]*tx.Tx, error)
	// TxCountByBounceTags counts bounce transactions carrying any of the
	// given tags, for collision checking.
	TxCountByBounceTags(ctx context.Context, tags []uint32) (int64, error)
	// TxPending lists hashes and statuses of not yet terminal transactions
	// so the wallet can refresh them after a restart.
	TxPending(ctx context.Context) ([]PendingTx, error)
	// TxLastPage returns the chain position of the most recent transaction
	// carrying one, used as the low-water-mark for resumed scanning.
	TxLastPage(ctx context.Context) (string, error)
	// TxHistory unwinds completed transactions into per-leg rows matching
	// the query, ordered by timestamp ascending.
	TxHistory(ctx context.Context, q HistoryQuery) ([]HistoryItem, error)

	// AccountCreate starts observing an address; false when it already is.
	AccountCreate(ctx context.Context, a Account) (bool, error)
	// AccountDelete stops observing an address; false when unknown.
	AccountDelete(ctx context.Context, address string) (bool, error)
	// AccountsByPaymentIDs fetches observed accounts by payment id.
	AccountsByPaymentIDs(ctx context.Context, paymentIDs []string) ([]Account, error)
	// AccountsWithBalance pages through accounts with a positive balance,
	// ordered by address.
	AccountsWithBalance(ctx context.Context, offset, limit int64) ([]Account, error)
	// AccountCredit atomically increments the balance of the account with
	// the given payment id; amount may be negative for sweeps. A
	// non-negative block updates the account's last credited position.
	// Returns false when no such account is observed.
	AccountCredit(ctx context.Context, paymentID string, amount, block int64) (bool, error)
}
