package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/wallet"
)

// errorResponse is the error body returned to clients.
type errorResponse struct {
	ErrorMessage string            `json:"errorMessage"`
	ModelErrors  map[string]string `json:"modelErrors,omitempty"`
}

func reply(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)

	if body != nil {
		_ = json.NewEncoder(rw).Encode(body)
	}
}

// replyError maps errors to status codes: wallet-not-ready to 503, request
// validation to 400, everything else to 500.
func (c *Custody) replyError(rw http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.Key == "wallet" {
			reply(rw, http.StatusServiceUnavailable, errorResponse{ErrorMessage: ve.Message})

			return
		}

		reply(rw, http.StatusBadRequest, errorResponse{
			ErrorMessage: "Validation failed",
			ModelErrors:  map[string]string{ve.Key: ve.Message},
		})

		return
	}

	c.log.Errorw("request failed", "uri", r.RequestURI, "err", err)
	reply(rw, http.StatusInternalServerError, errorResponse{ErrorMessage: string(wallet.KindOf(err))})
}

func (c *Custody) isAliveHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, map[string]interface{}{
		"name":            c.cfg.ServiceName,
		"version":         c.cfg.Version,
		"isDebug":         c.cfg.Testnet,
		"contractVersion": "1.1.0",
	})
}

func (c *Custody) capabilitiesHandler(rw http.ResponseWriter, r *http.Request) {
	caps := wallet.Capabilities{}
	if w := c.Wallet(); w != nil {
		caps = w.Capabilities()
	}

	reply(rw, http.StatusOK, map[string]interface{}{
		"isTransactionsRebuildingSupported": false,
		"areManyInputsSupported":            true,
		"areManyOutputsSupported":           caps.ManyOutputs,
		"isPublicAddressExtensionRequired":  caps.Separator != "",
	})
}

func (c *Custody) constantsHandler(rw http.ResponseWriter, r *http.Request) {
	caps := wallet.Capabilities{}
	if w := c.Wallet(); w != nil {
		caps = w.Capabilities()
	}

	if caps.Separator == "" {
		c.replyError(rw, r, &ValidationError{
			Key:     "publicAddressExtension",
			Message: "Not applicable for blockchains without address extensions",
		})

		return
	}

	reply(rw, http.StatusOK, map[string]interface{}{
		"publicAddressExtension": map[string]string{
			"separator":   caps.Separator,
			"displayName": caps.ExtensionName,
		},
	})
}

type assetBody struct {
	AssetID  string `json:"assetId"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	Accuracy int    `json:"accuracy"`
}

func (c *Custody) asset() assetBody {
	return assetBody{
		AssetID:  c.cfg.AssetID,
		Name:     c.cfg.AssetName,
		Accuracy: c.cfg.AssetAccuracy,
	}
}

func (c *Custody) assetsHandler(rw http.ResponseWriter, r *http.Request) {
	if _, err := takeParam(r); err != nil {
		c.replyError(rw, r, err)

		return
	}

	if r.URL.Query().Get("continuation") != "" {
		c.replyError(rw, r, &ValidationError{Key: "continuation", Message: "is invalid"})

		return
	}

	reply(rw, http.StatusOK, map[string]interface{}{
		"continuation": nil,
		"items":        []assetBody{c.asset()},
	})
}

func (c *Custody) assetHandler(rw http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["assetId"] != c.cfg.AssetID {
		reply(rw, http.StatusNoContent, nil)

		return
	}

	reply(rw, http.StatusOK, c.asset())
}

func (c *Custody) addressValidityHandler(rw http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	valid := false
	if w := c.Wallet(); w != nil {
		_, _, valid = w.AddressDecode(address)
	}

	c.log.Infow("address validity check", "address", address, "valid", valid)
	reply(rw, http.StatusOK, map[string]bool{"isValid": valid})
}

// initializeHandler performs credential-less boot: wallet credentials are
// accepted once over the API instead of config. 400 once initialized.
func (c *Custody) initializeHandler(rw http.ResponseWriter, r *http.Request) {
	if c.Wallet() != nil {
		c.replyError(rw, r, &ValidationError{
			Key:     "api",
			Message: "Already initialized, remove related keys from json settings & env to use this endpoint",
		})

		return
	}

	var body struct {
		WalletAddress string `json:"WalletAddress"`
		WalletViewKey string `json:"WalletViewKey"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WalletAddress == "" {
		c.replyError(rw, r, &ValidationError{Key: "WalletAddress", Message: "is required"})

		return
	}

	if err := c.ResetWallet(r.Context(), body.WalletAddress, body.WalletViewKey); err != nil {
		c.replyError(rw, r, err)

		return
	}

	reply(rw, http.StatusOK, nil)
}

func takeParam(r *http.Request) (int64, error) {
	take, err := strconv.ParseInt(r.URL.Query().Get("take"), 10, 64)
	if err != nil || take <= 0 || take >= 1000 {
		return 0, &ValidationError{Key: "take", Message: "must be a number between 1 and 999"}
	}

	return take, nil
}

func (c *Custody) balancesHandler(rw http.ResponseWriter, r *http.Request) {
	if _, err := c.walletReady(); err != nil {
		c.replyError(rw, r, err)

		return
	}

	take, err := takeParam(r)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	var offset int64
	if cont := r.URL.Query().Get("continuation"); cont != "" {
		if offset, err = strconv.ParseInt(cont, 10, 64); err != nil || offset <= 0 {
			c.replyError(rw, r, &ValidationError{Key: "continuation", Message: "must be an int-in-string"})

			return
		}
	}

	accounts, err := c.db.AccountsWithBalance(r.Context(), offset, take)
	if err != nil {
		c.replyError(rw, r, wallet.Errf(wallet.KindDB, "cannot fetch balances: %v", err))

		return
	}

	type balanceBody struct {
		Address string `json:"address"`
		AssetID string `json:"assetId"`
		Balance string `json:"balance"`
		Block   string `json:"block,omitempty"`
	}

	items := make([]balanceBody, 0, len(accounts))

	for _, a := range accounts {
		b := balanceBody{Address: a.Address, AssetID: c.cfg.AssetID, Balance: strconv.FormatInt(a.Balance, 10)}
		if a.Block > 0 {
			b.Block = strconv.FormatInt(a.Block, 10)
		}

		items = append(items, b)
	}

	var continuation interface{}
	if int64(len(accounts)) == take {
		continuation = strconv.FormatInt(offset+take, 10)
	}

	c.log.Infow("balances listed", "count", len(items), "take", take, "continuation", continuation)
	reply(rw, http.StatusOK, map[string]interface{}{"continuation": continuation, "items": items})
}

// observeHandler starts observation of the balance of an address. 409 when
// already observing.
func (c *Custody) observeHandler(rw http.ResponseWriter, r *http.Request) {
	w, err := c.walletReady()
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	address := mux.Vars(r)["address"]

	base, pid, ok := w.AddressDecode(address)
	if !ok {
		c.replyError(rw, r, &ValidationError{Key: "address", Message: "must be a valid " + c.cfg.Chain + " address"})

		return
	}

	if base != w.Address() {
		c.replyError(rw, r, &ValidationError{Key: "address", Message: "Only wallet address & subaddresses supported"})

		return
	}

	created, err := c.db.AccountCreate(r.Context(), store.Account{Address: address, PaymentID: pid})
	if err != nil {
		c.replyError(rw, r, wallet.Errf(wallet.KindDB, "cannot create account: %v", err))

		return
	}

	if !created {
		c.log.Warnw("didn't start observing address", "address", address)
		reply(rw, http.StatusConflict, nil)

		return
	}

	c.log.Infow("started observing", "address", address)
	reply(rw, http.StatusOK, nil)
}

// unobserveHandler stops observation of the balance of an address. 204 when
// not on the observe list.
func (c *Custody) unobserveHandler(rw http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	deleted, err := c.db.AccountDelete(r.Context(), address)
	if err != nil {
		c.replyError(rw, r, wallet.Errf(wallet.KindDB, "cannot delete account: %v", err))

		return
	}

	if !deleted {
		c.log.Warnw("didn't remove address", "address", address)
		reply(rw, http.StatusNoContent, nil)

		return
	}

	c.log.Infow("removed address", "address", address)
	reply(rw, http.StatusOK, nil)
}

// txHandler runs construction and processing for one of the three shapes.
func (c *Custody) txHandler(shape Shape) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req TxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			c.replyError(rw, r, &ValidationError{Key: "body", Message: "must be valid json"})

			return
		}

		t, err := c.CreateTx(r.Context(), &req, shape)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				if code := ve.businessCode(); code != "" {
					reply(rw, http.StatusOK, &TxResult{ErrorCode: code})

					return
				}
			}

			c.replyError(rw, r, err)

			return
		}

		res, err := c.ProcessTx(r.Context(), t)
		if err != nil {
			c.replyError(rw, r, err)

			return
		}

		reply(rw, http.StatusOK, res)
	}
}

func (c *Custody) broadcastHandler(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationID       string `json:"operationId"`
		SignedTransaction string `json:"signedTransaction"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OperationID == "" || body.SignedTransaction == "" {
		c.replyError(rw, r, &ValidationError{Key: "operationId", Message: "operationId and signedTransaction are required"})

		return
	}

	status, res, err := c.Broadcast(r.Context(), body.OperationID, body.SignedTransaction)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	if res == nil {
		reply(rw, status, nil)

		return
	}

	reply(rw, status, res)
}

func (c *Custody) findTxHandler(rw http.ResponseWriter, r *http.Request) {
	opid := mux.Vars(r)["operationId"]

	body, found, err := c.FindTx(r.Context(), opid)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	if !found {
		reply(rw, http.StatusNoContent, nil)

		return
	}

	c.log.Infow("found tx", "opid", opid)
	reply(rw, http.StatusOK, body)
}

func (c *Custody) stopObservingHandler(rw http.ResponseWriter, r *http.Request) {
	opid := mux.Vars(r)["operationId"]

	updated, err := c.StopObserving(r.Context(), opid)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	if !updated {
		c.log.Warnw("didn't remove tx from observing list", "opid", opid)
		reply(rw, http.StatusNoContent, nil)

		return
	}

	c.log.Infow("not observing tx", "opid", opid)
	reply(rw, http.StatusOK, nil)
}

func (c *Custody) historyHandler(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	take, err := takeParam(r)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	dir := store.HistoryFrom
	if vars["direction"] == "to" {
		dir = store.HistoryTo
	}

	bounces, _ := strconv.ParseBool(r.URL.Query().Get("bounces"))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rows, err := c.History(ctx, dir, vars["address"], take, r.URL.Query().Get("afterHash"), bounces)
	if err != nil {
		c.replyError(rw, r, err)

		return
	}

	reply(rw, http.StatusOK, rows)
}

func (c *Custody) okHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, nil)
}

func (c *Custody) notImplementedHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusNotImplemented, nil)
}
