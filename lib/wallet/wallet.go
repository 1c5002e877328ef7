// Package wallet defines the ledger wallet contract that every chain backend
// implements. The custody service drives a view wallet (no key material), the
// signing service drives a sign wallet (key material, no network). Backends
// deliver chain events by writing observed transactions to an injected
// channel, which the custody projector consumes.
package wallet

import (
	"context"

	"github.com/custodia/cpg/lib/tx"
)

// Status is the lifecycle state of a wallet instance.
type Status string

// Wallet statuses.
const (
	StatusInitial Status = "initial"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// NopeContext is the sentinel transaction context used for deposit-wallet to
// hot-wallet sweeps: no on-chain transaction is needed, so the signing
// service recognizes this value and echoes it back unsigned.
const NopeContext = "nope"

// Capabilities describes chain-specific features of a backend.
type Capabilities struct {
	// ManyOutputs reports whether one transaction can carry several legs.
	ManyOutputs bool
	// Separator joins base address and payment id in the public address
	// format; empty when the chain has no address extension.
	Separator string
	// ExtensionName is the user-facing name of the payment id field.
	ExtensionName string
	// ViewKeyNeeded reports whether view-wallet initialization requires a
	// view key in addition to the address.
	ViewKeyNeeded bool
}

// Unsigned is the result of transaction construction: an opaque chain-specific
// context to be signed, plus the ledger's view of the legs when available so
// fees and leg ids can be merged back by structural equality.
type Unsigned struct {
	Context string
	Tx      *tx.Tx
}

// SyncData is the payload produced by ConstructFullSyncData. Round-tripping it
// through sign and submit realigns local tracking state without moving funds.
type SyncData struct {
	Outputs string
}

// Submit is the outcome of submitting one signed transaction. For bounce
// transactions submitted alongside a main transaction, ID carries the internal
// transaction id and Err any per-bounce failure.
type Submit struct {
	ID        string
	Hash      string
	Timestamp int64
	Block     int64
	Page      string
	Err       error
}

// Wallet is the contract between the orchestrator and a chain backend.
//
// CreateUnsignedTransaction and SubmitSignedTransaction report expected
// business conditions (not enough funds, amount too low, sync required, retry
// required) as *Error values so the orchestrator can branch on the kind;
// anything else is a fatal failure.
type Wallet interface {
	// InitViewWallet connects to the node, catches up with the ledger and
	// returns the confirmed balance. It must set StatusReady only after
	// both connectivity and balance retrieval succeed; the implementation
	// retries with exponential backoff before surfacing an error.
	InitViewWallet(ctx context.Context, address, viewKey string) (int64, error)

	// InitSignWallet loads key material. Purely local, no network.
	InitSignWallet(address, key string) error

	// Close releases node connections and stops background refreshing.
	Close() error

	Status() Status
	Address() string
	Capabilities() Capabilities

	CurrentBalance(ctx context.Context) (int64, error)
	CurrentBlock(ctx context.Context) (int64, error)

	// AddressDecode splits a public address into base address and payment
	// id; ok is false when the string is not a valid address.
	AddressDecode(s string) (address, paymentID string, ok bool)
	// AddressEncode joins base address and payment id into the public
	// address format.
	AddressEncode(address, paymentID string) string
	// AddressCreate derives a deposit address for the given payment id,
	// generating a random id when empty.
	AddressCreate(paymentID string) (string, error)

	// CreateUnsignedTransaction builds the unsigned context for t. Bounce
	// transactions may be bundled into the same construction call on
	// chains that support it; chains that cannot batch them ignore the
	// slice. Amounts must be validated before touching the ledger.
	CreateUnsignedTransaction(ctx context.Context, t *tx.Tx, bounces []*tx.Tx) (*Unsigned, error)

	// ConstructFullSyncData produces the resynchronization payload for
	// view/spend ledgers whose tracking state has diverged.
	ConstructFullSyncData() (*SyncData, error)

	// SignTransaction signs an unsigned context. Pure and offline.
	SignTransaction(unsigned string) (string, error)

	// SubmitSignedTransaction broadcasts a signed blob. The first return
	// value is the main transaction's outcome, the second the outcomes of
	// any bounce transactions submitted alongside it.
	SubmitSignedTransaction(ctx context.Context, signed string) (Submit, []Submit, error)
}
