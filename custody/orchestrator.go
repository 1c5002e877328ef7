package custody

import (
	"context"
	"strconv"
	"time"

	"github.com/custodia/cpg/lib/msg"
	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

// Shape selects one of the three construction request forms.
type Shape string

// Construction shapes.
const (
	ShapeSingle      Shape = "single"
	ShapeManyInputs  Shape = "many-inputs"
	ShapeManyOutputs Shape = "many-outputs"
)

// Business error codes returned to callers as values, not failures.
const (
	codeNotEnoughBalance = "notEnoughBalance"
	codeAmountIsTooSmall = "amountIsTooSmall"
)

// ValidationError is a request rejection tied to a body or path key. The key
// "wallet" signals a not-yet-ready service rather than a bad request.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Key + " " + e.Message
}

// businessCode returns the error code when e is one of the two expected
// business outcomes, empty otherwise.
func (e *ValidationError) businessCode() string {
	if e.Key == codeNotEnoughBalance || e.Key == codeAmountIsTooSmall {
		return e.Key
	}

	return ""
}

// TxInput is one source leg of a many-inputs request.
type TxInput struct {
	FromAddress string `json:"fromAddress"`
	Amount      int64  `json:"amount,string"`
}

// TxOutput is one destination leg of a many-outputs request.
type TxOutput struct {
	ToAddress string `json:"toAddress"`
	Amount    int64  `json:"amount,string"`
}

// TxRequest is the construction request body shared by all three shapes.
type TxRequest struct {
	OperationID string     `json:"operationId"`
	AssetID     string     `json:"assetId"`
	FromAddress string     `json:"fromAddress"`
	ToAddress   string     `json:"toAddress"`
	Amount      int64      `json:"amount,string"`
	IncludeFee  bool       `json:"includeFee"`
	Inputs      []TxInput  `json:"inputs"`
	Outputs     []TxOutput `json:"outputs"`
}

// TxResult is the construction/broadcast response body: either an opaque
// transaction context to be signed, or an expected business error code.
type TxResult struct {
	TransactionContext string `json:"transactionContext,omitempty"`
	ErrorCode          string `json:"errorCode,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
}

// CreateTx validates the request for the given shape and builds the
// transaction aggregate. DW to HW sweeps are pre-validated against locally
// tracked balances before any ledger interaction.
func (c *Custody) CreateTx(ctx context.Context, req *TxRequest, shape Shape) (*tx.Tx, error) {
	w, err := c.walletReady()
	if err != nil {
		return nil, err
	}

	if req.OperationID == "" {
		return nil, &ValidationError{Key: "operationId", Message: "is required"}
	}

	if req.AssetID != c.cfg.AssetID {
		return nil, &ValidationError{Key: "assetId", Message: "must be equal to " + c.cfg.AssetID}
	}

	t := tx.New()
	t.OpID = req.OperationID

	switch shape {
	case ShapeManyInputs:
		toAddr, toPid, ok := w.AddressDecode(req.ToAddress)
		if !ok {
			return nil, &ValidationError{Key: "toAddress", Message: "must be a valid " + c.cfg.Chain + " address"}
		}

		if req.ToAddress != w.Address() {
			return nil, &ValidationError{Key: "toAddress", Message: "Only wallet-targeted transactions with multiple inputs supported"}
		}

		if len(req.Inputs) == 0 {
			return nil, &ValidationError{Key: "inputs", Message: "is required"}
		}

		c.log.Infow("constructing multiple inputs tx", "opid", req.OperationID)

		for _, in := range req.Inputs {
			fromAddr, fromPid, ok := w.AddressDecode(in.FromAddress)
			if !ok {
				return nil, &ValidationError{Key: "inputs", Message: "must have valid addresses"}
			}

			t.AddPayment(fromAddr, toAddr, c.cfg.AssetOpKey, in.Amount, fromPid, toPid)
		}

	case ShapeManyOutputs:
		fromAddr, fromPid, ok := w.AddressDecode(req.FromAddress)
		if !ok {
			return nil, &ValidationError{Key: "fromAddress", Message: "must be a valid " + c.cfg.Chain + " address"}
		}

		if req.FromAddress != w.Address() {
			return nil, &ValidationError{Key: "fromAddress", Message: "Only wallet-originated transactions with multiple outputs supported"}
		}

		if len(req.Outputs) == 0 {
			return nil, &ValidationError{Key: "outputs", Message: "is required"}
		}

		c.log.Infow("constructing multiple outputs tx", "opid", req.OperationID)

		for _, out := range req.Outputs {
			toAddr, toPid, ok := w.AddressDecode(out.ToAddress)
			if !ok {
				return nil, &ValidationError{Key: "outputs", Message: "must have valid addresses"}
			}

			t.AddPayment(fromAddr, toAddr, c.cfg.AssetOpKey, out.Amount, fromPid, toPid)
		}

	default: // single
		fromAddr, fromPid, ok := w.AddressDecode(req.FromAddress)
		if !ok {
			return nil, &ValidationError{Key: "fromAddress", Message: "must be a valid " + c.cfg.Chain + " address"}
		}

		toAddr, toPid, okTo := w.AddressDecode(req.ToAddress)
		if !okTo {
			return nil, &ValidationError{Key: "toAddress", Message: "must be a valid " + c.cfg.Chain + " address"}
		}

		if fromAddr != w.Address() {
			return nil, &ValidationError{Key: "fromAddress", Message: "Only wallet-originated transactions supported"}
		}

		if req.IncludeFee {
			return nil, &ValidationError{Key: "includeFee", Message: "Only added fees supported"}
		}

		c.log.Infow("constructing 1-to-1 tx", "opid", req.OperationID)

		t.AddPayment(fromAddr, toAddr, c.cfg.AssetOpKey, req.Amount, fromPid, toPid)
	}

	for _, o := range t.Operations {
		if o.Amount <= 0 {
			return nil, &ValidationError{Key: codeAmountIsTooSmall, Message: "Amount must be greater than 0"}
		}
	}

	if c.cfg.TxPriority != nil {
		t.Priority = *c.cfg.TxPriority
	}

	if c.cfg.TxUnlock != nil {
		t.Unlock = *c.cfg.TxUnlock
	}

	if t.DWHW() {
		if err := c.validateSweep(ctx, t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// validateSweep checks a DW to HW sweep against the locally tracked balances:
// every referenced source tag must be observed and hold at least the declared
// amount.
func (c *Custody) validateSweep(ctx context.Context, t *tx.Tx) error {
	pids := make([]string, 0, len(t.Operations))
	for _, o := range t.Operations {
		pids = append(pids, o.SourcePaymentID)
	}

	accounts, err := c.db.AccountsByPaymentIDs(ctx, pids)
	if err != nil {
		return wallet.Errf(wallet.KindDB, "cannot fetch balances: %v", err)
	}

	byPid := make(map[string]store.Account, len(accounts))
	for _, a := range accounts {
		byPid[a.PaymentID] = a
	}

	for _, o := range t.Operations {
		a, ok := byPid[o.SourcePaymentID]
		if !ok {
			return &ValidationError{Key: "operations", Message: "address not observed: " + o.SourcePaymentID}
		}

		if o.Amount > a.Balance {
			return &ValidationError{Key: codeNotEnoughBalance, Message: "Amount for " + a.Address + " is greater than address balance"}
		}
	}

	return nil
}

// ProcessTx runs the processing phase for a constructed transaction: resolve
// the transaction context (no-op sweep, normal construction with bounce
// bundling, or sync-recovery payload) and commit the row idempotently.
func (c *Custody) ProcessTx(ctx context.Context, t *tx.Tx) (*TxResult, error) {
	var ret *TxResult

	switch {
	case t.DWHW():
		c.log.Debugw("dwhw case, no ledger call", "opid", t.OpID)

		ret = &TxResult{TransactionContext: wallet.NopeContext}

	case !c.syncRequired.Load():
		c.log.Debugw("sync not required", "opid", t.OpID)

		var err error
		if ret, err = c.construct(ctx, t); err != nil {
			return nil, err
		}

		if ret.ErrorCode != "" {
			return ret, nil
		}

	default:
		c.log.Debugw("sync required, constructing sync payload", "opid", t.OpID)

		w, err := c.walletReady()
		if err != nil {
			return nil, err
		}

		sync, err := w.ConstructFullSyncData()
		if err != nil {
			return nil, err
		}

		c.syncRequired.Store(false)

		ret = &TxResult{TransactionContext: sync.Outputs}
	}

	if err := c.commitTx(ctx, t); err != nil {
		return nil, err
	}

	return ret, nil
}

// construct invokes the backend, bundling pending bounce transactions, and
// falls back to the sync payload when the backend reports divergence.
func (c *Custody) construct(ctx context.Context, t *tx.Tx) (*TxResult, error) {
	w, err := c.walletReady()
	if err != nil {
		return nil, err
	}

	sources, bounces, err := c.collectBounces(ctx)
	if err != nil {
		c.log.Errorw("bounce generation failed, continuing without", "err", err)

		sources, bounces = nil, nil
	}

	unsigned, err := w.CreateUnsignedTransaction(ctx, t, bounces)

	if wallet.IsKind(err, wallet.KindSyncRequired) {
		c.log.Warnw("sync of wallets required")

		sync, serr := w.ConstructFullSyncData()
		if serr != nil {
			return nil, serr
		}

		c.syncRequired.Store(false)

		return &TxResult{TransactionContext: sync.Outputs}, nil
	}

	if err != nil {
		c.log.Warnw("error creating tx", "opid", t.OpID, "err", err)
		c.rollbackBounces(ctx, sources, bounces)

		switch wallet.KindOf(err) {
		case wallet.KindNotEnoughFunds:
			return &TxResult{ErrorCode: codeNotEnoughBalance}, nil
		case wallet.KindNotEnoughAmount:
			return &TxResult{ErrorCode: codeAmountIsTooSmall}, nil
		}

		return nil, err
	}

	// merge ledger-assigned fees and leg ids back by structural equality
	if unsigned.Tx != nil {
		mergeOps(t, unsigned.Tx)
	}

	for _, b := range bounces {
		if _, err := c.db.TxReplace(ctx, b.ID, b); err != nil {
			c.log.Warnw("error updating bounce tx after construction", "id", b.ID, "err", err)
		}
	}

	c.log.Debugw("created tx", "opid", t.OpID)

	return &TxResult{TransactionContext: unsigned.Context}, nil
}

func mergeOps(t, ledger *tx.Tx) {
	for i := range t.Operations {
		for _, x := range ledger.Operations {
			if !t.Operations[i].Eq(x) {
				continue
			}

			if x.ID != "" {
				t.Operations[i].ID = x.ID
			}

			if x.Fee != 0 {
				t.Operations[i].Fee = x.Fee
			}

			break
		}
	}
}

// commitTx inserts the transaction by operation id. A duplicate means the
// same operation id was used before: the existing row is overwritten with the
// fresh construction, hash reset. Latest intent wins.
func (c *Custody) commitTx(ctx context.Context, t *tx.Tx) error {
	err := c.db.TxCreate(ctx, t)
	if err == nil {
		return nil
	}

	if err != store.ErrDuplicate {
		return wallet.Errf(wallet.KindDB, "failed to create transaction: %v", err)
	}

	existing, err := c.db.TxByOpID(ctx, t.OpID)
	if err != nil {
		return wallet.Errf(wallet.KindDB, "failed to load existing transaction: %v", err)
	}

	c.log.Warnw("overwriting existing tx with new data", "opid", t.OpID, "id", existing.ID)

	fresh := *t
	fresh.Hash = ""

	updated, err := c.db.TxReplace(ctx, existing.ID, &fresh)
	if err != nil || !updated {
		return wallet.Errf(wallet.KindDB, "failed to overwrite transaction %s: %v", t.OpID, err)
	}

	t.ID = existing.ID

	return nil
}

// Broadcast ingests a signing result: settles DW to HW sweeps locally,
// submits everything else through the backend. The returned status is the
// HTTP code the handler replies with.
func (c *Custody) Broadcast(ctx context.Context, opid, signed string) (int, *TxResult, error) {
	if _, err := c.walletReady(); err != nil {
		return 0, nil, err
	}

	t, err := c.db.TxByOpID(ctx, opid)
	if err == store.ErrNotFound {
		c.log.Warnw("won't broadcast tx, no such tx", "opid", opid)

		return 204, nil, nil
	}

	if err != nil {
		return 0, nil, wallet.Errf(wallet.KindDB, "cannot fetch transaction: %v", err)
	}

	if t.Status != tx.StatusInitial {
		return 409, nil, nil
	}

	if t.DWHW() {
		return c.settleSweep(ctx, t)
	}

	return c.submit(ctx, t, signed)
}

// settleSweep completes a DW to HW transaction with local accounting only:
// the observed sub-balances are debited and the row is completed with a
// synthetic hash.
func (c *Custody) settleSweep(ctx context.Context, t *tx.Tx) (int, *TxResult, error) {
	c.log.Infow("skipping broadcast, dwhw", "opid", t.OpID)

	for _, o := range t.Operations {
		ok, err := c.db.AccountCredit(ctx, o.SourcePaymentID, -o.Amount, -1)
		if err != nil || !ok {
			return 0, nil, wallet.Errf(wallet.KindDB, "failed to debit %s / %s by %d", o.From, o.SourcePaymentID, o.Amount)
		}
	}

	now := time.Now().UnixMilli()
	hash := strconv.FormatInt(now, 10)
	status := tx.StatusCompleted
	observing := true

	if _, err := c.db.TxUpdate(ctx, t.ID, store.TxUpdate{
		Status:    &status,
		Hash:      &hash,
		Timestamp: &now,
		Observing: &observing,
	}); err != nil {
		return 0, nil, wallet.Errf(wallet.KindDB, "failed to complete sweep %s: %v", t.OpID, err)
	}

	c.publish(t.OpID, hash, string(status), t.Amount(), 0, false, now)
	c.log.Infow("successfully completed tx", "opid", t.OpID)

	return 200, &TxResult{}, nil
}

func (c *Custody) submit(ctx context.Context, t *tx.Tx, signed string) (int, *TxResult, error) {
	w, err := c.walletReady()
	if err != nil {
		return 0, nil, err
	}

	now := time.Now().UnixMilli()

	result, bounceResults, err := w.SubmitSignedTransaction(ctx, signed)
	c.settleBounces(ctx, bounceResults)

	if err != nil {
		c.log.Warnw("error submitting tx", "opid", t.OpID, "err", err)

		switch wallet.KindOf(err) {
		case wallet.KindSyncRequired:
			// next construction does a full sync round trip first
			c.syncRequired.Store(true)

			return 499, &TxResult{ErrorCode: "unknown", ErrorMessage: "Please retry transaction later"}, nil

		case wallet.KindRetryRequired:
			return 499, &TxResult{ErrorCode: "unknown", ErrorMessage: "Please retry transaction later"}, nil

		case wallet.KindNotEnoughFunds, wallet.KindNotEnoughAmount:
			code := codeNotEnoughBalance
			if wallet.KindOf(err) == wallet.KindNotEnoughAmount {
				code = codeAmountIsTooSmall
			}

			c.failTx(ctx, t.ID, code, now)

			return 200, &TxResult{ErrorCode: code}, nil
		}

		c.failTx(ctx, t.ID, err.Error(), now)

		return 0, nil, err
	}

	if result.Hash == "" {
		return 0, nil, wallet.E(wallet.KindException, "neither hash nor error returned by submission")
	}

	status := tx.StatusSent
	observing := true
	ts := result.Timestamp
	if ts == 0 {
		ts = now
	}

	u := store.TxUpdate{Status: &status, Hash: &result.Hash, Timestamp: &ts, Observing: &observing}
	if result.Page != "" {
		u.Page = &result.Page
	}
	if result.Block > 0 {
		u.Block = &result.Block
	}

	if ok, err := c.db.TxUpdate(ctx, t.ID, u); err != nil || !ok {
		c.log.Errorw("couldn't update tx with sent status, restart server for tx to update its status",
			"opid", t.OpID, "err", err)
	} else {
		c.log.Infow("successfully submitted tx", "opid", t.OpID)
	}

	c.publish(t.OpID, result.Hash, string(status), t.Amount(), t.Fees(), false, ts)

	return 200, &TxResult{}, nil
}

func (c *Custody) failTx(ctx context.Context, id, reason string, now int64) {
	status := tx.StatusFailed
	observing := true

	if _, err := c.db.TxUpdate(ctx, id, store.TxUpdate{
		Status:    &status,
		Error:     &reason,
		Timestamp: &now,
		Observing: &observing,
	}); err != nil {
		c.log.Errorw("failed to mark tx failed", "id", id, "err", err)
	}
}

// settleBounces persists the per-bounce submission outcomes reported
// alongside a main transaction.
func (c *Custody) settleBounces(ctx context.Context, results []wallet.Submit) {
	for _, b := range results {
		if b.ID == "" {
			continue
		}

		now := b.Timestamp
		if now == 0 {
			now = time.Now().UnixMilli()
		}

		u := store.TxUpdate{Timestamp: &now}
		if b.Page != "" {
			u.Page = &b.Page
		}
		if b.Block > 0 {
			u.Block = &b.Block
		}

		if b.Err != nil {
			status := tx.StatusFailed
			reason := b.Err.Error()
			u.Status = &status
			u.Error = &reason

			c.log.Errorw("error during bounce submission", "id", b.ID, "err", b.Err)
		} else {
			status := tx.StatusSent
			observing := true
			u.Status = &status
			u.Hash = &b.Hash
			u.Observing = &observing
		}

		if _, err := c.db.TxUpdate(ctx, b.ID, u); err != nil {
			c.log.Errorw("error during bounce saving", "id", b.ID, "err", err)
		}
	}
}

// BroadcastedTx is the status projection returned by the broadcast query
// endpoints.
type BroadcastedTx struct {
	OperationID string `json:"operationId"`
	State       string `json:"state"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Hash        string `json:"hash,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// FindTx projects a broadcast transaction's state for the caller. The second
// return value is false when no broadcast transaction matches (replied 204).
func (c *Custody) FindTx(ctx context.Context, opid string) (*BroadcastedTx, bool, error) {
	if _, err := c.walletReady(); err != nil {
		return nil, false, err
	}

	t, err := c.db.TxByOpID(ctx, opid)
	if err == store.ErrNotFound {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, wallet.Errf(wallet.KindDB, "cannot fetch transaction: %v", err)
	}

	if !t.Observing || t.Bounce != nil || t.Status == tx.StatusInitial {
		c.log.Warnw("didn't find broadcasted tx", "opid", opid)

		return nil, false, nil
	}

	state := "inProgress"

	switch t.Status {
	case tx.StatusFailed:
		state = "failed"
	case tx.StatusCompleted:
		state = "completed"
	}

	body := &BroadcastedTx{
		OperationID: opid,
		State:       state,
		Timestamp:   t.Timestamp,
		Amount:      strconv.FormatInt(t.Amount(), 10),
		Fee:         strconv.FormatInt(t.Fees(), 10),
		Hash:        t.Hash,
		Error:       t.Error,
	}

	if t.Error != "" {
		body.ErrorCode = "unknown"
	}

	return body, true, nil
}

// StopObserving removes a broadcast transaction from the observing list.
func (c *Custody) StopObserving(ctx context.Context, opid string) (bool, error) {
	observing := false

	t, err := c.db.TxByOpID(ctx, opid)
	if err == store.ErrNotFound {
		return false, nil
	}

	if err != nil {
		return false, wallet.Errf(wallet.KindDB, "cannot fetch transaction: %v", err)
	}

	return c.db.TxUpdate(ctx, t.ID, store.TxUpdate{Observing: &observing})
}

// HistoryRow is one per-leg history entry returned to the caller.
type HistoryRow struct {
	OperationID string  `json:"operationId"`
	Timestamp   string  `json:"timestamp"`
	FromAddress string  `json:"fromAddress"`
	ToAddress   string  `json:"toAddress"`
	AssetID     string  `json:"assetId"`
	Amount      string  `json:"amount"`
	Hash        string  `json:"hash"`
	Bounce      *uint32 `json:"bounce,omitempty"`
	Bounced     *uint32 `json:"bounced,omitempty"`
}

// History returns the per-leg history of completed transactions touching the
// given address, paged by an opaque hash continuation cursor.
func (c *Custody) History(ctx context.Context, dir store.HistoryDirection, address string, take int64, afterHash string, bounces bool) ([]HistoryRow, error) {
	w, err := c.walletReady()
	if err != nil {
		return nil, err
	}

	addr, pid, ok := w.AddressDecode(address)
	if !ok {
		return nil, &ValidationError{Key: "address", Message: "must be a valid " + c.cfg.Chain + " address"}
	}

	q := store.HistoryQuery{
		Direction:      dir,
		Address:        addr,
		PaymentID:      pid,
		Limit:          take,
		IncludeBounces: bounces,
	}

	if afterHash != "" {
		prev, err := c.db.TxByHash(ctx, afterHash)
		if err == store.ErrNotFound {
			return nil, &ValidationError{Key: "afterHash", Message: "No transaction with such hash found in history"}
		}

		if err != nil {
			return nil, wallet.Errf(wallet.KindDB, "cannot resolve history cursor: %v", err)
		}

		q.AfterTimestamp = prev.Timestamp
	}

	items, err := c.db.TxHistory(ctx, q)
	if err != nil {
		return nil, wallet.Errf(wallet.KindDB, "cannot fetch history: %v", err)
	}

	rows := make([]HistoryRow, 0, len(items))

	for _, it := range items {
		row := HistoryRow{
			OperationID: it.OpID,
			Timestamp:   time.UnixMilli(it.Timestamp).UTC().Format(time.RFC3339),
			AssetID:     c.cfg.AssetID,
			Amount:      strconv.FormatInt(it.Amount, 10),
			Hash:        it.Hash,
		}

		if dir == store.HistoryFrom {
			row.FromAddress = address
			row.ToAddress = w.AddressEncode(it.To, it.PaymentID)
		} else {
			row.FromAddress = w.AddressEncode(it.From, it.SourcePaymentID)
			row.ToAddress = address
		}

		if bounces {
			row.Bounce = it.Bounce
			row.Bounced = it.Bounced
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// publish pushes a transaction event to the broker when one is configured.
func (c *Custody) publish(opid, hash, status string, amount, fee int64, incoming bool, ts int64) {
	if c.mb == nil {
		return
	}

	if err := c.mb.PublishTx(c.cfg.Chain, msg.Event{
		Chain:       c.cfg.Chain,
		Hash:        hash,
		OperationID: opid,
		Status:      status,
		Amount:      amount,
		Fee:         fee,
		Incoming:    incoming,
		Timestamp:   ts,
	}); err != nil {
		c.log.Warnw("error publishing tx event", "hash", hash, "err", err)
	}
}
