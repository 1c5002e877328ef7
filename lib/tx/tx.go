// Package tx defines the transaction and operation value objects shared by the
// custody and signing services. A Tx aggregates one or more Operations (legs)
// and carries the bookkeeping fields the orchestrator and the chain-event
// projector maintain.
package tx

// Status is the lifecycle state of a transaction.
type Status string

// Transaction statuses. Completed and Failed are terminal.
const (
	StatusInitial   Status = "initial"   // just created, not broadcast
	StatusSent      Status = "sent"      // broadcast to the ledger
	StatusLocked    Status = "locked"    // confirmed but funds not spendable yet
	StatusCompleted Status = "completed" // confirmed and settled
	StatusFailed    Status = "failed"    // failed with Error populated
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is one leg of a transfer: from one ledger address to another, with
// optional sub-account tags on either side. Fee and ID are backfilled once the
// ledger reports them.
type Operation struct {
	ID              string `json:"id,omitempty" bson:"id,omitempty"`
	From            string `json:"from" bson:"from"`
	To              string `json:"to" bson:"to"`
	Asset           string `json:"asset" bson:"asset"`
	Amount          int64  `json:"amount" bson:"amount"`
	Fee             int64  `json:"fee" bson:"fee"`
	SourcePaymentID string `json:"sourcePaymentId" bson:"sourcePaymentId"`
	PaymentID       string `json:"paymentId" bson:"paymentId"`
}

// Eq reports structural equality on (from, to, paymentId, sourcePaymentId).
// It is used to correlate client-declared legs with chain-reported legs after
// submission, so amount, fee and id are deliberately excluded.
func (o Operation) Eq(other Operation) bool {
	return o.From == other.From && o.To == other.To &&
		o.PaymentID == other.PaymentID && o.SourcePaymentID == other.SourcePaymentID
}

// Tx is a transfer aggregate. The bounce fields implement the return protocol
// for unidentifiable deposits:
//
//   - Bounce is set only on generated return transactions and holds the random
//     anti-replay source tag.
//   - Bounced is nil when the transaction is not a bounce candidate, zero when
//     a bounce is owed but not yet created, and non-zero (the covering bounce's
//     tag) once the bounce transaction exists. The generator never issues tag 0.
type Tx struct {
	ID         string      `json:"_id" bson:"_id"`
	OpID       string      `json:"opid,omitempty" bson:"opid,omitempty"`
	Priority   int         `json:"priority" bson:"priority"`
	Unlock     int         `json:"unlock" bson:"unlock"`
	Operations []Operation `json:"operations" bson:"operations"`
	Hash       string      `json:"hash,omitempty" bson:"hash,omitempty"`
	Block      int64       `json:"block" bson:"block"`
	Page       string      `json:"page,omitempty" bson:"page,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	Error      string      `json:"error,omitempty" bson:"error,omitempty"`
	Status     Status      `json:"status" bson:"status"`
	Bounce     *uint32     `json:"bounce,omitempty" bson:"bounce,omitempty"`
	Bounced    *uint32     `json:"bounced,omitempty" bson:"bounced,omitempty"`
	Observing  bool        `json:"observing,omitempty" bson:"observing,omitempty"`

	// Incoming marks chain events for deposits. Event-delivery only, never
	// persisted.
	Incoming bool `json:"-" bson:"-"`
}

// New returns an empty transaction in Initial status with priority, unlock and
// block unset (-1).
func New() *Tx {
	return &Tx{
		Priority: -1,
		Unlock:   -1,
		Block:    -1,
		Status:   StatusInitial,
	}
}

// AddPayment appends a leg to the transaction and returns a pointer to it so
// the caller can backfill fee and id later.
func (t *Tx) AddPayment(from, to, asset string, amount int64, sourcePaymentID, paymentID string) *Operation {
	t.Operations = append(t.Operations, Operation{
		From:            from,
		To:              to,
		Asset:           asset,
		Amount:          amount,
		SourcePaymentID: sourcePaymentID,
		PaymentID:       paymentID,
	})

	return &t.Operations[len(t.Operations)-1]
}

// Amount is the sum of all operation amounts.
func (t *Tx) Amount() (sum int64) {
	for _, o := range t.Operations {
		sum += o.Amount
	}

	return sum
}

// Fees is the sum of all operation fees.
func (t *Tx) Fees() (sum int64) {
	for _, o := range t.Operations {
		sum += o.Fee
	}

	return sum
}

// DWHW reports whether the transaction is a deposit-wallet to hot-wallet
// sweep: every leg is self-to-self with a source tag and no destination tag.
// Such transactions require no on-chain action, only local accounting.
func (t *Tx) DWHW() bool {
	if len(t.Operations) == 0 {
		return false
	}

	for _, o := range t.Operations {
		if o.From != o.To || o.SourcePaymentID == "" || o.PaymentID != "" {
			return false
		}
	}

	return true
}

// SourceAmount returns the amount of the first leg originating from address,
// or 0 when no such leg exists.
func (t *Tx) SourceAmount(address string) int64 {
	for _, o := range t.Operations {
		if o.From == address {
			return o.Amount
		}
	}

	return 0
}

// DestinationAmount returns the amount of the first leg targeting address, or
// 0 when no such leg exists.
func (t *Tx) DestinationAmount(address string) int64 {
	for _, o := range t.Operations {
		if o.To == address {
			return o.Amount
		}
	}

	return 0
}

// NeedsBounce reports whether a bounce is owed but not yet created.
func (t *Tx) NeedsBounce() bool {
	return t.Bounced != nil && *t.Bounced == 0
}

// Uint32Ptr is a small helper for the nullable bounce fields.
func Uint32Ptr(v uint32) *uint32 { return &v }
