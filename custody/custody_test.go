package custody

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/custodia/cpg/lib/config"
	"github.com/custodia/cpg/lib/msg"
	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

// memStore is an in-memory store.DB honoring the same uniqueness rules as the
// real implementations: opid and hash are unique among transactions, paymentId
// among accounts.
type memStore struct {
	mu   sync.Mutex
	txs  map[string]*tx.Tx
	acct map[string]*store.Account
	seq  int
}

func newMemStore() *memStore {
	return &memStore{
		txs:  make(map[string]*tx.Tx),
		acct: make(map[string]*store.Account),
	}
}

func copyTx(t *tx.Tx) *tx.Tx {
	c := *t
	c.Operations = append([]tx.Operation(nil), t.Operations...)

	return &c
}

func (m *memStore) TxCreate(ctx context.Context, t *tx.Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ex := range m.txs {
		if (t.OpID != "" && ex.OpID == t.OpID) || (t.Hash != "" && ex.Hash == t.Hash) {
			return store.ErrDuplicate
		}
	}

	if t.ID == "" {
		m.seq++
		t.ID = "tx-" + strconv.Itoa(m.seq)
	}

	m.txs[t.ID] = copyTx(t)

	return nil
}

func (m *memStore) TxByOpID(ctx context.Context, opid string) (*tx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ex := range m.txs {
		if ex.OpID == opid {
			return copyTx(ex), nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *memStore) TxByHash(ctx context.Context, hash string) (*tx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ex := range m.txs {
		if ex.Hash == hash && hash != "" {
			return copyTx(ex), nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *memStore) TxReplace(ctx context.Context, id string, t *tx.Tx) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[id]; !ok {
		return false, nil
	}

	c := copyTx(t)
	c.ID = id
	m.txs[id] = c

	return true, nil
}

func applyUpdate(t *tx.Tx, u store.TxUpdate) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Hash != nil {
		t.Hash = *u.Hash
	}
	if u.Timestamp != nil {
		t.Timestamp = *u.Timestamp
	}
	if u.Block != nil {
		t.Block = *u.Block
	}
	if u.Page != nil {
		t.Page = *u.Page
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.Bounced != nil {
		t.Bounced = u.Bounced
	}
	if u.Observing != nil {
		t.Observing = *u.Observing
	}
	for _, op := range u.Ops {
		if op.Index >= 0 && op.Index < len(t.Operations) {
			t.Operations[op.Index].Fee = op.Fee
			t.Operations[op.Index].ID = op.ID
		}
	}
}

func (m *memStore) TxUpdate(ctx context.Context, id string, u store.TxUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, nil
	}

	applyUpdate(t, u)

	return true, nil
}

func (m *memStore) TxUpdateByHash(ctx context.Context, hash string, u store.TxUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.txs {
		if t.Hash == hash && hash != "" {
			applyUpdate(t, u)

			return true, nil
		}
	}

	return false, nil
}

func (m *memStore) TxCompleteSent(ctx context.Context, hash string, timestamp, block int64, page string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.txs {
		if t.Hash == hash && t.Status == tx.StatusSent {
			t.Status = tx.StatusCompleted
			t.Timestamp = timestamp
			t.Block = block
			t.Page = page

			return true, nil
		}
	}

	return false, nil
}

func (m *memStore) TxDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.txs, id)

	return nil
}

func (m *memStore) TxBounceCandidates(ctx context.Context) ([]*tx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*tx.Tx

	for _, t := range m.txs {
		if t.Bounced != nil && *t.Bounced == 0 {
			out = append(out, copyTx(t))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *memStore) TxCountByBounceTags(ctx context.Context, tags []uint32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64

	for _, t := range m.txs {
		if t.Bounce == nil {
			continue
		}

		for _, tag := range tags {
			if *t.Bounce == tag {
				n++
			}
		}
	}

	return n, nil
}

func (m *memStore) TxPending(ctx context.Context) ([]store.PendingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.PendingTx

	for _, t := range m.txs {
		if t.Hash != "" && !t.Status.Terminal() {
			out = append(out, store.PendingTx{Hash: t.Hash, Status: t.Status})
		}
	}

	return out, nil
}

func (m *memStore) TxLastPage(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		page string
		ts   int64
	)

	for _, t := range m.txs {
		if t.Page != "" && t.Timestamp >= ts {
			page, ts = t.Page, t.Timestamp
		}
	}

	return page, nil
}

func (m *memStore) TxHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []store.HistoryItem

	for _, t := range m.txs {
		if t.Status != tx.StatusCompleted || t.Timestamp <= q.AfterTimestamp {
			continue
		}

		if t.Bounce != nil && !q.IncludeBounces {
			continue
		}

		for _, op := range t.Operations {
			match := op.From == q.Address && op.SourcePaymentID == q.PaymentID
			if q.Direction == store.HistoryTo {
				match = op.To == q.Address && op.PaymentID == q.PaymentID
			}

			if !match {
				continue
			}

			rows = append(rows, store.HistoryItem{
				OpID:            t.OpID,
				Hash:            t.Hash,
				Timestamp:       t.Timestamp,
				From:            op.From,
				To:              op.To,
				SourcePaymentID: op.SourcePaymentID,
				PaymentID:       op.PaymentID,
				Amount:          op.Amount,
				Bounce:          t.Bounce,
				Bounced:         t.Bounced,
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	if q.Limit > 0 && int64(len(rows)) > q.Limit {
		rows = rows[:q.Limit]
	}

	return rows, nil
}

func (m *memStore) AccountCreate(ctx context.Context, a store.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.acct[a.Address]; ok {
		return false, nil
	}

	m.acct[a.Address] = &a

	return true, nil
}

func (m *memStore) AccountDelete(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.acct[address]; !ok {
		return false, nil
	}

	delete(m.acct, address)

	return true, nil
}

func (m *memStore) AccountsByPaymentIDs(ctx context.Context, paymentIDs []string) ([]store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Account

	for _, a := range m.acct {
		for _, pid := range paymentIDs {
			if a.PaymentID == pid {
				out = append(out, *a)

				break
			}
		}
	}

	return out, nil
}

func (m *memStore) AccountsWithBalance(ctx context.Context, offset, limit int64) ([]store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Account

	for _, a := range m.acct {
		if a.Balance > 0 {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	if offset >= int64(len(out)) {
		return nil, nil
	}

	out = out[offset:]
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (m *memStore) AccountCredit(ctx context.Context, paymentID string, amount, block int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.acct {
		if a.PaymentID == paymentID {
			a.Balance += amount
			if block >= 0 {
				a.Block = block
			}

			return true, nil
		}
	}

	return false, nil
}

// fakeWallet is a deterministic chain backend. Addresses are base "G..."
// strings optionally extended with "+tag".
type fakeWallet struct {
	status  wallet.Status
	address string

	createCalls int
	createErr   error

	submitResult  wallet.Submit
	submitBounces []wallet.Submit
	submitErr     error

	syncOutputs string
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		status:      wallet.StatusReady,
		address:     "GHOT",
		syncOutputs: "sync-blob",
	}
}

func (w *fakeWallet) InitViewWallet(ctx context.Context, address, viewKey string) (int64, error) {
	w.address = address
	w.status = wallet.StatusReady

	return 0, nil
}

func (w *fakeWallet) InitSignWallet(address, key string) error {
	w.address = address
	w.status = wallet.StatusReady

	return nil
}

func (w *fakeWallet) Close() error          { return nil }
func (w *fakeWallet) Status() wallet.Status { return w.status }
func (w *fakeWallet) Address() string       { return w.address }

func (w *fakeWallet) Capabilities() wallet.Capabilities {
	return wallet.Capabilities{ManyOutputs: true, Separator: "+", ExtensionName: "memo"}
}

func (w *fakeWallet) CurrentBalance(ctx context.Context) (int64, error) { return 0, nil }
func (w *fakeWallet) CurrentBlock(ctx context.Context) (int64, error)   { return 0, nil }

func (w *fakeWallet) AddressDecode(s string) (string, string, bool) {
	parts := strings.SplitN(s, "+", 2)
	if !strings.HasPrefix(parts[0], "G") {
		return "", "", false
	}

	if len(parts) == 1 {
		return parts[0], "", true
	}

	return parts[0], parts[1], true
}

func (w *fakeWallet) AddressEncode(address, paymentID string) string {
	if paymentID == "" {
		return address
	}

	return address + "+" + paymentID
}

func (w *fakeWallet) AddressCreate(paymentID string) (string, error) {
	return w.address + "+" + paymentID, nil
}

func (w *fakeWallet) CreateUnsignedTransaction(ctx context.Context, t *tx.Tx, bounces []*tx.Tx) (*wallet.Unsigned, error) {
	w.createCalls++

	if w.createErr != nil {
		return nil, w.createErr
	}

	// echo the legs back with ledger-assigned fee and id, like a node would
	echo := copyTx(t)
	for i := range echo.Operations {
		echo.Operations[i].Fee = 10
		echo.Operations[i].ID = "ledger-op"
	}

	return &wallet.Unsigned{Context: "ctx-" + t.OpID, Tx: echo}, nil
}

func (w *fakeWallet) ConstructFullSyncData() (*wallet.SyncData, error) {
	return &wallet.SyncData{Outputs: w.syncOutputs}, nil
}

func (w *fakeWallet) SignTransaction(unsigned string) (string, error) {
	return "signed:" + unsigned, nil
}

func (w *fakeWallet) SubmitSignedTransaction(ctx context.Context, signed string) (wallet.Submit, []wallet.Submit, error) {
	if w.submitErr != nil {
		return wallet.Submit{}, w.submitBounces, w.submitErr
	}

	return w.submitResult, w.submitBounces, nil
}

// fakeBroker counts published events.
type fakeBroker struct {
	mu     sync.Mutex
	events []msg.Event
}

func (b *fakeBroker) Setup() error { return nil }
func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) PublishTx(chain string, e msg.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)

	return nil
}

func (b *fakeBroker) published() []msg.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]msg.Event(nil), b.events...)
}

func testConfig() config.ServiceConfig {
	pri := 1

	return config.ServiceConfig{
		Chain:      "stellar",
		AssetID:    "XLM",
		AssetName:  "Stellar Lumen",
		AssetOpKey: "native",
		Bounce:     "0",
		TxPriority: &pri,
	}
}

func newTestCustody(db store.DB, w wallet.Wallet, mb msg.Broker) *Custody {
	c := New(testConfig(), zap.NewNop().Sugar(), "mem", db, mb, nil)
	c.wallet = w

	return c
}
