package store

import "github.com/custodia/cpg/lib/tx"

// Account is an observed address/tag pair. Balance is adjusted only through
// atomic increments so concurrent credits remain safe.
type Account struct {
	Address   string `json:"_id" bson:"_id"`
	PaymentID string `json:"paymentId" bson:"paymentId"`
	Balance   int64  `json:"balance" bson:"balance"`
	Block     int64  `json:"block,omitempty" bson:"block,omitempty"`
}

// PendingTx is the minimal projection of a not yet terminal transaction,
// handed to the wallet at boot so it can refresh statuses.
type PendingTx struct {
	Hash   string    `json:"hash" bson:"hash"`
	Status tx.Status `json:"status" bson:"status"`
}

// OpBackfill carries a per-leg fee/id backfill for TxUpdate.
type OpBackfill struct {
	Index int
	Fee   int64
	ID    string
}

// TxUpdate is a partial transaction update; nil fields are left untouched.
type TxUpdate struct {
	Status    *tx.Status
	Hash      *string
	Timestamp *int64
	Block     *int64
	Page      *string
	Error     *string
	Bounced   *uint32
	Observing *bool
	Ops       []OpBackfill
}

// HistoryDirection selects which side of a leg a history query matches.
type HistoryDirection int

// History directions.
const (
	HistoryFrom HistoryDirection = iota
	HistoryTo
)

// HistoryQuery selects per-leg history rows. Only completed transactions are
// returned; bounce bookkeeping rows are excluded unless IncludeBounces is
// set. AfterTimestamp implements the hash-based continuation cursor: the
// caller resolves the cursor hash to its timestamp first.
type HistoryQuery struct {
	Direction      HistoryDirection
	Address        string
	PaymentID      string
	AfterTimestamp int64
	Limit          int64
	IncludeBounces bool
}

// HistoryItem is one unwound transaction leg.
type HistoryItem struct {
	OpID            string  `json:"opid" bson:"opid"`
	Hash            string  `json:"hash" bson:"hash"`
	Timestamp       int64   `json:"timestamp" bson:"timestamp"`
	From            string  `json:"from" bson:"from"`
	To              string  `json:"to" bson:"to"`
	SourcePaymentID string  `json:"sourcePaymentId" bson:"sourcePaymentId"`
	PaymentID       string  `json:"paymentId" bson:"paymentId"`
	Amount          int64   `json:"amount" bson:"amount"`
	Bounce          *uint32 `json:"bounce,omitempty" bson:"bounce,omitempty"`
	Bounced         *uint32 `json:"bounced,omitempty" bson:"bounced,omitempty"`
}
