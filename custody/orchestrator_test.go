package custody

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

func TestCreateTxWalletNotReady(t *testing.T) {
	w := newFakeWallet()
	w.status = wallet.StatusLoading
	c := newTestCustody(newMemStore(), w, nil)

	_, err := c.CreateTx(context.Background(), &TxRequest{OperationID: "op-1", AssetID: "XLM"}, ShapeSingle)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "wallet", ve.Key)
}

func TestCreateTxValidation(t *testing.T) {
	w := newFakeWallet()
	c := newTestCustody(newMemStore(), w, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   TxRequest
		shape Shape
		key   string
	}{
		{"missing opid", TxRequest{AssetID: "XLM"}, ShapeSingle, "operationId"},
		{"wrong asset", TxRequest{OperationID: "op", AssetID: "BTC"}, ShapeSingle, "assetId"},
		{"bad from", TxRequest{OperationID: "op", AssetID: "XLM", FromAddress: "bogus", ToAddress: "GB"}, ShapeSingle, "fromAddress"},
		{"not wallet originated", TxRequest{OperationID: "op", AssetID: "XLM", FromAddress: "GOTHER", ToAddress: "GB", Amount: 1}, ShapeSingle, "fromAddress"},
		{"include fee", TxRequest{OperationID: "op", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB", Amount: 1, IncludeFee: true}, ShapeSingle, "includeFee"},
		{"inputs required", TxRequest{OperationID: "op", AssetID: "XLM", ToAddress: "GHOT"}, ShapeManyInputs, "inputs"},
		{"inputs not wallet targeted", TxRequest{OperationID: "op", AssetID: "XLM", ToAddress: "GOTHER", Inputs: []TxInput{{FromAddress: "GA", Amount: 1}}}, ShapeManyInputs, "toAddress"},
		{"outputs required", TxRequest{OperationID: "op", AssetID: "XLM", FromAddress: "GHOT"}, ShapeManyOutputs, "outputs"},
		{"outputs not wallet originated", TxRequest{OperationID: "op", AssetID: "XLM", FromAddress: "GOTHER", Outputs: []TxOutput{{ToAddress: "GB", Amount: 1}}}, ShapeManyOutputs, "fromAddress"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateTx(ctx, &tc.req, tc.shape)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.key, ve.Key)
		})
	}
}

func TestCreateTxZeroAmountRejectedBeforeLedger(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)

	_, err := c.CreateTx(context.Background(), &TxRequest{
		OperationID: "op-1",
		AssetID:     "XLM",
		FromAddress: "GHOT",
		ToAddress:   "GB+42",
		Amount:      0,
	}, ShapeSingle)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, codeAmountIsTooSmall, ve.businessCode())
	assert.Zero(t, w.createCalls, "ledger must not be consulted for a zero amount")
	assert.Empty(t, ms.txs, "no row may be created")
}

func TestCreateTxSingle(t *testing.T) {
	w := newFakeWallet()
	c := newTestCustody(newMemStore(), w, nil)

	trx, err := c.CreateTx(context.Background(), &TxRequest{
		OperationID: "op-1",
		AssetID:     "XLM",
		FromAddress: "GHOT",
		ToAddress:   "GB+42",
		Amount:      500,
	}, ShapeSingle)
	require.NoError(t, err)

	require.Len(t, trx.Operations, 1)
	assert.Equal(t, tx.Operation{From: "GHOT", To: "GB", Asset: "native", Amount: 500, PaymentID: "42"}, trx.Operations[0])
	assert.Equal(t, "op-1", trx.OpID)
	assert.Equal(t, 1, trx.Priority, "configured priority applies")
	assert.Equal(t, tx.StatusInitial, trx.Status)
}

func TestProcessTxConstructsAndCommits(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)

	ret, err := c.ProcessTx(ctx, trx)
	require.NoError(t, err)
	assert.Equal(t, "ctx-op-1", ret.TransactionContext)
	assert.Empty(t, ret.ErrorCode)

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, tx.StatusInitial, stored.Status)
	assert.Equal(t, int64(10), stored.Operations[0].Fee, "ledger fee merged back")
	assert.Equal(t, "ledger-op", stored.Operations[0].ID)
}

func TestProcessTxIdempotentOverwrite(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	req := &TxRequest{OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500}

	first, err := c.CreateTx(ctx, req, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, first)
	require.NoError(t, err)

	// simulate a broadcast giving the row a hash
	hash := "deadbeef"
	status := tx.StatusInitial
	_, err = ms.TxUpdate(ctx, first.ID, store.TxUpdate{Hash: &hash, Status: &status})
	require.NoError(t, err)

	// same operation id again with different intent
	req.Amount = 900

	second, err := c.CreateTx(ctx, req, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identity survives the overwrite")

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), stored.Operations[0].Amount, "latest intent wins")
	assert.Empty(t, stored.Hash, "hash resets on overwrite")
	assert.Len(t, ms.txs, 1)
}

func TestProcessTxNotEnoughFunds(t *testing.T) {
	w := newFakeWallet()
	w.createErr = wallet.E(wallet.KindNotEnoughFunds, "insufficient")
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)

	ret, err := c.ProcessTx(ctx, trx)
	require.NoError(t, err, "expected business outcome, not a failure")
	assert.Equal(t, codeNotEnoughBalance, ret.ErrorCode)
	assert.Empty(t, ms.txs, "rejected constructions leave no row behind")
}

func TestProcessTxSyncRequired(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	c.syncRequired.Store(true)

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)

	ret, err := c.ProcessTx(ctx, trx)
	require.NoError(t, err)
	assert.Equal(t, "sync-blob", ret.TransactionContext)
	assert.False(t, c.syncRequired.Load(), "latch clears after the sync payload is handed out")
	assert.Zero(t, w.createCalls, "no construction while a sync is owed")

	// next construction goes back to the normal path
	trx2, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-2", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)

	ret, err = c.ProcessTx(ctx, trx2)
	require.NoError(t, err)
	assert.Equal(t, "ctx-op-2", ret.TransactionContext)
}

func TestSweepValidation(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	_, err := ms.AccountCreate(ctx, store.Account{Address: "GHOT+55", PaymentID: "55", Balance: 100})
	require.NoError(t, err)

	sweep := func(amount int64, pid string) (*tx.Tx, error) {
		return c.CreateTx(ctx, &TxRequest{
			OperationID: "op-1",
			AssetID:     "XLM",
			ToAddress:   "GHOT",
			Inputs:      []TxInput{{FromAddress: "GHOT+" + pid, Amount: amount}},
		}, ShapeManyInputs)
	}

	// unobserved source tag
	_, err = sweep(50, "99")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "operations", ve.Key)

	// amount above tracked balance
	_, err = sweep(200, "55")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, codeNotEnoughBalance, ve.businessCode())
	assert.Empty(t, ms.txs, "no row may be created for a rejected sweep")

	// within balance
	trx, err := sweep(100, "55")
	require.NoError(t, err)
	assert.True(t, trx.DWHW())
}

func TestSweepBroadcastConservation(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	mb := &fakeBroker{}
	c := newTestCustody(ms, w, mb)
	ctx := context.Background()

	_, err := ms.AccountCreate(ctx, store.Account{Address: "GHOT+55", PaymentID: "55", Balance: 500})
	require.NoError(t, err)

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1",
		AssetID:     "XLM",
		ToAddress:   "GHOT",
		Inputs:      []TxInput{{FromAddress: "GHOT+55", Amount: 200}},
	}, ShapeManyInputs)
	require.NoError(t, err)

	ret, err := c.ProcessTx(ctx, trx)
	require.NoError(t, err)
	assert.Equal(t, wallet.NopeContext, ret.TransactionContext, "sweeps need no ledger transaction")
	assert.Zero(t, w.createCalls)

	code, _, err := c.Broadcast(ctx, "op-1", wallet.NopeContext)
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	accounts, err := ms.AccountsByPaymentIDs(ctx, []string{"55"})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(300), accounts[0].Balance, "swept amount debited exactly once")

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, tx.StatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.Hash, "sweeps get a synthetic hash")
	assert.True(t, stored.Observing)

	require.Len(t, mb.published(), 1)
	assert.Equal(t, "completed", mb.published()[0].Status)
}

func TestBroadcastUnknownAndRepeated(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	code, _, err := c.Broadcast(ctx, "nope", "blob")
	require.NoError(t, err)
	assert.Equal(t, 204, code)

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, trx)
	require.NoError(t, err)

	w.submitResult = wallet.Submit{Hash: "abc123", Timestamp: 1700000000000, Block: 7, Page: "p7"}

	code, _, err = c.Broadcast(ctx, "op-1", "signed-blob")
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, tx.StatusSent, stored.Status)
	assert.Equal(t, "abc123", stored.Hash)

	// a second broadcast of the same operation conflicts
	code, _, err = c.Broadcast(ctx, "op-1", "signed-blob")
	require.NoError(t, err)
	assert.Equal(t, 409, code)
}

func TestBroadcastSyncRequiredLatches(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, trx)
	require.NoError(t, err)

	w.submitErr = wallet.E(wallet.KindSyncRequired, "view state diverged")

	code, ret, err := c.Broadcast(ctx, "op-1", "signed-blob")
	require.NoError(t, err)
	assert.Equal(t, 499, code)
	assert.Equal(t, "unknown", ret.ErrorCode)
	assert.True(t, c.syncRequired.Load())

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, tx.StatusInitial, stored.Status, "retryable outcomes must not fail the row")
}

func TestBroadcastNotEnoughFundsFailsRow(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, trx)
	require.NoError(t, err)

	w.submitErr = wallet.E(wallet.KindNotEnoughFunds, "insufficient")

	code, ret, err := c.Broadcast(ctx, "op-1", "signed-blob")
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.Equal(t, codeNotEnoughBalance, ret.ErrorCode)

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, tx.StatusFailed, stored.Status)
}

func TestFindTx(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	_, found, err := c.FindTx(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)

	trx, err := c.CreateTx(ctx, &TxRequest{
		OperationID: "op-1", AssetID: "XLM", FromAddress: "GHOT", ToAddress: "GB+42", Amount: 500,
	}, ShapeSingle)
	require.NoError(t, err)
	_, err = c.ProcessTx(ctx, trx)
	require.NoError(t, err)

	// not broadcast yet
	_, found, err = c.FindTx(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, found)

	w.submitResult = wallet.Submit{Hash: "abc123", Timestamp: 1700000000000}
	_, _, err = c.Broadcast(ctx, "op-1", "signed-blob")
	require.NoError(t, err)

	body, found, err := c.FindTx(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "inProgress", body.State)
	assert.Equal(t, "500", body.Amount)
	assert.Equal(t, "abc123", body.Hash)

	// completion flips the state
	ok, err := ms.TxCompleteSent(ctx, "abc123", 1700000001000, 9, "p9")
	require.NoError(t, err)
	require.True(t, ok)

	body, found, err = c.FindTx(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", body.State)
}

func TestStopObserving(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	ok, err := c.StopObserving(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	trx := tx.New()
	trx.OpID = "op-1"
	trx.Observing = true
	require.NoError(t, ms.TxCreate(ctx, trx))

	ok, err = c.StopObserving(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := ms.TxByOpID(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, stored.Observing)
}

func TestHistory(t *testing.T) {
	w := newFakeWallet()
	ms := newMemStore()
	c := newTestCustody(ms, w, nil)
	ctx := context.Background()

	deposit := tx.New()
	deposit.OpID = "op-1"
	deposit.Hash = "h1"
	deposit.Status = tx.StatusCompleted
	deposit.Timestamp = 1700000000000
	deposit.AddPayment("GEXT", "GHOT", "native", 300, "", "77")
	require.NoError(t, ms.TxCreate(ctx, deposit))

	bounce := tx.New()
	bounce.Hash = "h2"
	bounce.Status = tx.StatusCompleted
	bounce.Timestamp = 1700000001000
	bounce.Bounce = tx.Uint32Ptr(4242)
	bounce.AddPayment("GHOT", "GEXT", "native", 300, "4242", "77")
	require.NoError(t, ms.TxCreate(ctx, bounce))

	_, err := c.History(ctx, store.HistoryTo, "bogus", 100, "", false)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "address", ve.Key)

	rows, err := c.History(ctx, store.HistoryTo, "GHOT+77", 100, "", false)
	require.NoError(t, err)
	require.Len(t, rows, 1, "bounce rows stay hidden by default")
	assert.Equal(t, "op-1", rows[0].OperationID)
	assert.Equal(t, "GEXT", rows[0].FromAddress)
	assert.Equal(t, "GHOT+77", rows[0].ToAddress)
	assert.Equal(t, "300", rows[0].Amount)
	assert.Equal(t, "2023-11-14T22:13:20Z", rows[0].Timestamp)
	assert.Nil(t, rows[0].Bounce)

	// bounce rows surface only on request, from the wallet's side
	rows, err = c.History(ctx, store.HistoryFrom, "GHOT+4242", 100, "", false)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = c.History(ctx, store.HistoryFrom, "GHOT+4242", 100, "", true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Bounce)
	assert.Equal(t, uint32(4242), *rows[0].Bounce)

	// unknown continuation cursor
	_, err = c.History(ctx, store.HistoryTo, "GHOT+77", 100, "unknown-hash", false)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "afterHash", ve.Key)

	// cursor skips everything up to and including h1
	rows, err = c.History(ctx, store.HistoryTo, "GHOT+77", 100, "h1", false)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
