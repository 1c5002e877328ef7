// Package stellar implements the wallet contract for the Stellar network.
// Sub-accounts are addressed with text memos, joined to the base address with
// a "+" separator. The view wallet streams payments from horizon and feeds
// them to the projector channel; the sign wallet holds the ed25519 seed and
// never touches the network.
package stellar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"github.com/custodia/cpg/lib/retry"
	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

const (
	// reserve is the minimum balance (in stroops) an account must keep: two
	// base reserve entries of 0.5 XLM each.
	reserve = 10_000_000

	// memoMaxLen is the text memo limit imposed by the protocol.
	memoMaxLen = 28

	separator = "+"

	txTimeout = 300 // seconds until a built transaction expires
)

// Config carries the chain-specific settings of a Stellar wallet.
type Config struct {
	Node      string
	Testnet   bool
	RefreshMS int
	TimeoutMS int
}

// Stellar implements wallet.Wallet against a horizon node.
type Stellar struct {
	cfg        Config
	log        *zap.SugaredLogger
	client     *horizonclient.Client
	passphrase string

	mu      sync.Mutex
	status  wallet.Status
	address string
	kp      *keypair.Full

	balance atomic.Int64
	block   atomic.Int64

	events   chan<- *tx.Tx
	lastPage string

	pmu     sync.Mutex
	pending map[string]struct{}

	refreshing atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New returns an uninitialized Stellar wallet. Pending hashes are replayed and
// lastPage resumes payment streaming after a restart; both may be empty for
// sign wallets.
func New(cfg Config, log *zap.SugaredLogger, events chan<- *tx.Tx, pending []store.PendingTx, lastPage string) *Stellar {
	s := &Stellar{
		cfg:        cfg,
		log:        log,
		status:     wallet.StatusInitial,
		events:     events,
		lastPage:   lastPage,
		pending:    map[string]struct{}{},
		passphrase: network.PublicNetworkPassphrase,
	}

	if cfg.Testnet {
		s.passphrase = network.TestNetworkPassphrase
	}

	for _, p := range pending {
		if p.Hash != "" {
			s.pending[p.Hash] = struct{}{}
		}
	}

	return s
}

func (s *Stellar) setStatus(st wallet.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the wallet lifecycle state.
func (s *Stellar) Status() wallet.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Address returns the wallet base address.
func (s *Stellar) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.address
}

// Capabilities describes the Stellar address extension scheme.
func (s *Stellar) Capabilities() wallet.Capabilities {
	return wallet.Capabilities{
		ManyOutputs:   true,
		Separator:     separator,
		ExtensionName: "memo",
		ViewKeyNeeded: false,
	}
}

// InitViewWallet connects to horizon, fetches the confirmed balance and starts
// the payment stream and the refresh loop. Stellar accounts need no view key;
// a supplied one is ignored.
func (s *Stellar) InitViewWallet(ctx context.Context, address, viewKey string) (int64, error) {
	if !strkey.IsValidEd25519PublicKey(address) {
		return 0, wallet.Errf(wallet.KindValidation, "invalid address %s", address)
	}

	if viewKey != "" {
		s.log.Debugw("view key not needed on this chain, ignoring")
	}

	s.mu.Lock()
	s.address = address
	s.status = wallet.StatusLoading
	s.mu.Unlock()

	s.client = &horizonclient.Client{
		HorizonURL: s.cfg.Node,
		HTTP:       &http.Client{Timeout: time.Duration(s.cfg.TimeoutMS) * time.Millisecond},
	}

	var balance int64

	err := retry.Backoff(ctx, func() error {
		var err error
		balance, err = s.fetchBalance()

		return err
	}, retry.DefaultRule)
	if err != nil {
		s.setStatus(wallet.StatusError)

		return 0, wallet.Errf(wallet.KindConnection, "cannot reach node %s: %v", s.cfg.Node, err)
	}

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.stream(bg)
	go s.refreshLoop(bg)

	s.setStatus(wallet.StatusReady)
	s.log.Infow("view wallet ready", "address", address, "balance", amount.StringFromInt64(balance))

	return balance, nil
}

// InitSignWallet loads the signing keypair. Purely local.
func (s *Stellar) InitSignWallet(address, key string) error {
	kp, err := keypair.ParseFull(key)
	if err != nil {
		return wallet.E(wallet.KindValidation, "invalid private key")
	}

	if address != "" && kp.Address() != address {
		return wallet.E(wallet.KindValidation, "private key does not match address")
	}

	s.mu.Lock()
	s.kp = kp
	s.address = kp.Address()
	s.status = wallet.StatusReady
	s.mu.Unlock()

	return nil
}

// Close stops the stream and refresh goroutines.
func (s *Stellar) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}

	s.setStatus(wallet.StatusInitial)

	return nil
}

func (s *Stellar) fetchBalance() (int64, error) {
	acc, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: s.Address()})
	if err != nil {
		return 0, err
	}

	native, err := acc.GetNativeBalance()
	if err != nil {
		return 0, err
	}

	v, err := amount.ParseInt64(native)
	if err != nil {
		return 0, err
	}

	s.balance.Store(v)

	return v, nil
}

// CurrentBalance returns the confirmed balance, hitting the node.
func (s *Stellar) CurrentBalance(ctx context.Context) (int64, error) {
	v, err := s.fetchBalance()
	if err != nil {
		return 0, wallet.Errf(wallet.KindConnection, "cannot fetch balance: %v", err)
	}

	return v, nil
}

// CurrentBlock returns the latest ledger sequence known to the node.
func (s *Stellar) CurrentBlock(ctx context.Context) (int64, error) {
	root, err := s.client.Root()
	if err != nil {
		return 0, wallet.Errf(wallet.KindConnection, "cannot fetch ledger: %v", err)
	}

	return int64(root.HorizonSequence), nil
}

// stream follows the account's payments from the last recorded paging token,
// reconnecting with backoff when horizon drops the connection.
func (s *Stellar) stream(ctx context.Context) {
	defer s.wg.Done()

	req := horizonclient.OperationRequest{
		ForAccount: s.Address(),
		Cursor:     s.lastPage,
	}

	for ctx.Err() == nil {
		err := s.client.StreamPayments(ctx, req, func(op operations.Operation) {
			if page := s.handleOperation(ctx, op); page != "" {
				req.Cursor = page
			}
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warnw("payment stream interrupted, reconnecting", "err", err)

			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
	}
}

// handleOperation turns one streamed horizon operation into a projector event
// and returns its paging token.
func (s *Stellar) handleOperation(ctx context.Context, op operations.Operation) string {
	var (
		base             operations.Base
		from, to, native string
	)

	switch o := op.(type) {
	case operations.Payment:
		if o.Asset.Type != "native" {
			return o.PagingToken()
		}

		base, from, to, native = o.Base, o.From, o.To, o.Amount
	case operations.CreateAccount:
		base, from, to, native = o.Base, o.Funder, o.Account, o.StartingBalance
	default:
		return ""
	}

	if !base.TransactionSuccessful {
		return base.PagingToken()
	}

	amt, err := amount.ParseInt64(native)
	if err != nil {
		s.log.Errorw("unparseable operation amount", "op", base.ID, "amount", native)

		return base.PagingToken()
	}

	s.emit(ctx, base, from, to, amt)

	return base.PagingToken()
}

func (s *Stellar) emit(ctx context.Context, base operations.Base, from, to string, amt int64) {
	// memo and fee live on the enclosing transaction
	var (
		memo string
		fee  int64
	)

	err := retry.Backoff(ctx, func() error {
		txn, err := s.client.TransactionDetail(base.TransactionHash)
		if err != nil {
			return err
		}

		if txn.MemoType == "text" {
			memo = txn.Memo
		}
		fee = txn.FeeCharged

		return nil
	}, retry.DefaultRule)
	if err != nil {
		s.log.Errorw("cannot fetch transaction detail", "hash", base.TransactionHash, "err", err)

		return
	}

	t := tx.New()
	t.Hash = base.TransactionHash
	t.Page = base.PagingToken()
	t.Timestamp = base.LedgerCloseTime.UnixMilli()
	t.Status = tx.StatusCompleted
	t.Incoming = from != s.Address()

	if id, err := strconv.ParseInt(base.ID, 10, 64); err == nil {
		// horizon operation ids embed the ledger sequence in the high bits
		t.Block = id >> 32
		s.block.Store(t.Block)
	}

	leg := t.AddPayment(from, to, "native", amt, "", memo)
	if !t.Incoming {
		leg.Fee = fee
	}

	s.pmu.Lock()
	delete(s.pending, t.Hash)
	s.pmu.Unlock()

	select {
	case s.events <- t:
	case <-ctx.Done():
	}
}

// refreshLoop periodically re-reads the balance and replays still pending
// hashes, so transactions missed while the stream was down are settled.
func (s *Stellar) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.RefreshMS) * time.Millisecond)
	defer ticker.Stop()

	s.replayPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.refreshing.CompareAndSwap(false, true) {
			continue
		}

		if _, err := s.fetchBalance(); err != nil {
			s.log.Warnw("balance refresh failed", "err", err)
		}

		s.replayPending(ctx)
		s.refreshing.Store(false)
	}
}

func (s *Stellar) replayPending(ctx context.Context) {
	s.pmu.Lock()
	hashes := make([]string, 0, len(s.pending))
	for h := range s.pending {
		hashes = append(hashes, h)
	}
	s.pmu.Unlock()

	for _, hash := range hashes {
		page, err := s.client.Payments(horizonclient.OperationRequest{ForTransaction: hash})
		if err != nil {
			if !horizonclient.IsNotFoundError(err) {
				s.log.Warnw("cannot replay pending transaction", "hash", hash, "err", err)
			}

			continue
		}

		for _, rec := range page.Embedded.Records {
			s.handleOperation(ctx, rec)
		}
	}
}

// AddressDecode splits base+memo public addresses.
func (s *Stellar) AddressDecode(addr string) (string, string, bool) {
	parts := strings.SplitN(addr, separator, 2)
	if !strkey.IsValidEd25519PublicKey(parts[0]) {
		return "", "", false
	}

	if len(parts) == 1 {
		return parts[0], "", true
	}

	if parts[1] == "" || len(parts[1]) > memoMaxLen {
		return "", "", false
	}

	return parts[0], parts[1], true
}

// AddressEncode joins a base address and a memo.
func (s *Stellar) AddressEncode(address, paymentID string) string {
	if paymentID == "" {
		return address
	}

	return address + separator + paymentID
}

// AddressCreate derives a deposit address on the wallet account, generating a
// random memo when none is given.
func (s *Stellar) AddressCreate(paymentID string) (string, error) {
	addr := s.Address()
	if addr == "" {
		return "", wallet.E(wallet.KindException, "wallet not initialized")
	}

	if paymentID == "" {
		var buf [14]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", wallet.Errf(wallet.KindException, "cannot generate memo: %v", err)
		}

		paymentID = hex.EncodeToString(buf[:])
	}

	if len(paymentID) > memoMaxLen {
		return "", wallet.Errf(wallet.KindValidation, "memo exceeds %d characters", memoMaxLen)
	}

	return s.AddressEncode(addr, paymentID), nil
}

// CreateUnsignedTransaction builds the transaction envelope for t. Bounce
// transactions cannot share the envelope, each would need its own memo, so
// they are left for separate submission.
func (s *Stellar) CreateUnsignedTransaction(ctx context.Context, t *tx.Tx, bounces []*tx.Tx) (*wallet.Unsigned, error) {
	if len(bounces) > 0 {
		s.log.Warnw("bounce transactions cannot be batched on this chain", "count", len(bounces))
	}

	if len(t.Operations) == 0 {
		return nil, wallet.E(wallet.KindValidation, "transaction has no operations")
	}

	memo := ""

	for _, o := range t.Operations {
		if o.Amount <= 0 {
			return nil, wallet.Errf(wallet.KindNotEnoughAmount, "operation amount %d below minimum", o.Amount)
		}

		if o.Asset != "native" {
			return nil, wallet.Errf(wallet.KindValidation, "unsupported asset %s", o.Asset)
		}

		if o.PaymentID != "" {
			if memo != "" && memo != o.PaymentID {
				return nil, wallet.E(wallet.KindValidation, "one memo per transaction")
			}

			memo = o.PaymentID
		}
	}

	baseFee := int64(txnbuild.MinBaseFee)
	if t.Priority > 0 {
		baseFee *= int64(t.Priority)
	}

	total := t.Amount() + baseFee*int64(len(t.Operations))
	if total+reserve > s.balance.Load() {
		return nil, wallet.Errf(wallet.KindNotEnoughFunds, "need %d, have %d spendable",
			total, s.balance.Load()-reserve)
	}

	source, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: s.Address()})
	if err != nil {
		return nil, wallet.Errf(wallet.KindConnection, "cannot load source account: %v", err)
	}

	ops := make([]txnbuild.Operation, 0, len(t.Operations))
	echo := *t

	for i, o := range t.Operations {
		echo.Operations[i].Fee = baseFee

		_, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: o.To})
		if horizonclient.IsNotFoundError(err) {
			ops = append(ops, &txnbuild.CreateAccount{
				Destination: o.To,
				Amount:      amount.StringFromInt64(o.Amount),
			})

			continue
		}

		if err != nil {
			return nil, wallet.Errf(wallet.KindConnection, "cannot resolve destination %s: %v", o.To, err)
		}

		ops = append(ops, &txnbuild.Payment{
			Destination: o.To,
			Amount:      amount.StringFromInt64(o.Amount),
			Asset:       txnbuild.NativeAsset{},
		})
	}

	params := txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              baseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeout)},
	}
	if memo != "" {
		params.Memo = txnbuild.MemoText(memo)
	}

	built, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, wallet.Errf(wallet.KindException, "cannot build transaction: %v", err)
	}

	b64, err := built.Base64()
	if err != nil {
		return nil, wallet.Errf(wallet.KindException, "cannot encode transaction: %v", err)
	}

	return &wallet.Unsigned{Context: b64, Tx: &echo}, nil
}

// ConstructFullSyncData is not applicable to account-model ledgers: the node
// keeps the authoritative balance and no output tracking can diverge.
func (s *Stellar) ConstructFullSyncData() (*wallet.SyncData, error) {
	return nil, wallet.E(wallet.KindException, "sync data not applicable to account ledgers")
}

// SignTransaction signs a base64 envelope with the loaded keypair. Offline.
func (s *Stellar) SignTransaction(unsigned string) (string, error) {
	s.mu.Lock()
	kp := s.kp
	s.mu.Unlock()

	if kp == nil {
		return "", wallet.E(wallet.KindException, "sign wallet not initialized")
	}

	generic, err := txnbuild.TransactionFromXDR(unsigned)
	if err != nil {
		return "", wallet.Errf(wallet.KindValidation, "cannot parse transaction: %v", err)
	}

	built, ok := generic.Transaction()
	if !ok {
		return "", wallet.E(wallet.KindValidation, "unsupported envelope type")
	}

	signed, err := built.Sign(s.passphrase, kp)
	if err != nil {
		return "", wallet.Errf(wallet.KindException, "cannot sign transaction: %v", err)
	}

	return signed.Base64()
}

// SubmitSignedTransaction broadcasts a signed envelope and maps horizon result
// codes to the error taxonomy.
func (s *Stellar) SubmitSignedTransaction(ctx context.Context, signed string) (wallet.Submit, []wallet.Submit, error) {
	resp, err := s.client.SubmitTransactionXDR(signed)
	if err != nil {
		return wallet.Submit{}, nil, s.submitError(err)
	}

	return wallet.Submit{
		Hash:      resp.Hash,
		Timestamp: resp.LedgerCloseTime.UnixMilli(),
		Block:     int64(resp.Ledger),
		Page:      resp.PT,
	}, nil, nil
}

func (s *Stellar) submitError(err error) error {
	herr := horizonclient.GetError(err)
	if herr == nil {
		return wallet.Errf(wallet.KindConnection, "cannot submit transaction: %v", err)
	}

	if herr.Problem.Status == http.StatusGatewayTimeout {
		return wallet.E(wallet.KindRetryRequired, "submission timed out")
	}

	codes, cerr := herr.ResultCodes()
	if cerr != nil {
		return wallet.Errf(wallet.KindException, "submission rejected: %v", errors.WithMessage(err, herr.Problem.Detail))
	}

	switch codes.TransactionCode {
	case "tx_bad_seq", "tx_insufficient_fee":
		return wallet.Errf(wallet.KindRetryRequired, "transient rejection: %s", codes.TransactionCode)
	case "tx_insufficient_balance":
		return wallet.E(wallet.KindNotEnoughFunds, "insufficient balance")
	}

	for _, oc := range codes.OperationCodes {
		switch oc {
		case "op_underfunded":
			return wallet.E(wallet.KindNotEnoughFunds, "source underfunded")
		case "op_low_reserve":
			return wallet.E(wallet.KindNotEnoughAmount, "amount below destination reserve")
		case "op_no_destination":
			return wallet.E(wallet.KindValidation, "destination account does not exist")
		}
	}

	return wallet.Errf(wallet.KindException, "submission rejected: tx=%s ops=%v", codes.TransactionCode, codes.OperationCodes)
}
