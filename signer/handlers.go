package signer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/custodia/cpg/lib/wallet"
)

var errWalletNotReady = errors.New("Wallet is not ready yet, please try again later")

type errorResponse struct {
	ErrorMessage string `json:"errorMessage"`
}

func reply(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)

	if body != nil {
		_ = json.NewEncoder(rw).Encode(body)
	}
}

func (s *Signer) replyError(rw http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errWalletNotReady) {
		reply(rw, http.StatusServiceUnavailable, errorResponse{ErrorMessage: err.Error()})

		return
	}

	var we *wallet.Error
	if errors.As(err, &we) && we.Kind == wallet.KindValidation {
		reply(rw, http.StatusBadRequest, errorResponse{ErrorMessage: we.What})

		return
	}

	s.log.Errorw("request failed", "uri", r.RequestURI, "err", err)
	reply(rw, http.StatusInternalServerError, errorResponse{ErrorMessage: string(wallet.KindOf(err))})
}

func (s *Signer) isAliveHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, map[string]interface{}{
		"name":    s.cfg.ServiceName,
		"version": s.cfg.Version,
		"isDebug": s.cfg.Testnet,
	})
}

// initializeHandler performs credential-less boot. 400 once initialized.
func (s *Signer) initializeHandler(rw http.ResponseWriter, r *http.Request) {
	if s.Wallet() != nil {
		reply(rw, http.StatusBadRequest, errorResponse{
			ErrorMessage: "Already initialized, remove related keys from json settings & env to use this endpoint",
		})

		return
	}

	var body struct {
		WalletAddress    string `json:"WalletAddress"`
		WalletViewKey    string `json:"WalletViewKey"`
		WalletPrivateKey string `json:"WalletPrivateKey"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.WalletAddress == "" || body.WalletPrivateKey == "" {
		reply(rw, http.StatusBadRequest, errorResponse{ErrorMessage: "WalletAddress and WalletPrivateKey are required"})

		return
	}

	if err := s.ResetWallet(body.WalletAddress, body.WalletPrivateKey); err != nil {
		s.replyError(rw, r, err)

		return
	}

	reply(rw, http.StatusOK, nil)
}

// walletsHandler derives a deposit address for the given payment id. The
// returned private key is the operator key: all deposit addresses share it.
func (s *Signer) walletsHandler(rw http.ResponseWriter, r *http.Request) {
	w, err := s.walletReady()
	if err != nil {
		s.replyError(rw, r, err)

		return
	}

	var body struct {
		PaymentID string `json:"paymentId"`
	}

	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&body)

	address, err := w.AddressCreate(body.PaymentID)
	if err != nil {
		s.replyError(rw, r, err)

		return
	}

	s.wmu.Lock()
	pk := s.privateKey
	s.wmu.Unlock()

	s.log.Infow("derived deposit address", "address", address)
	reply(rw, http.StatusOK, map[string]string{
		"privateKey":    pk,
		"publicAddress": address,
	})
}

// signHandler signs a transaction context offline. The no-op sweep sentinel
// is echoed back unsigned.
func (s *Signer) signHandler(rw http.ResponseWriter, r *http.Request) {
	w, err := s.walletReady()
	if err != nil {
		s.replyError(rw, r, err)

		return
	}

	var body struct {
		PrivateKeys        []string `json:"privateKeys"`
		TransactionContext string   `json:"transactionContext"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TransactionContext == "" {
		reply(rw, http.StatusBadRequest, errorResponse{ErrorMessage: "transactionContext is required"})

		return
	}

	if len(body.PrivateKeys) != 1 {
		reply(rw, http.StatusBadRequest, errorResponse{ErrorMessage: "privateKeys must have 1 private key"})

		return
	}

	// DW => HW sweeps need no signature
	if body.TransactionContext == wallet.NopeContext {
		reply(rw, http.StatusOK, map[string]string{"signedTransaction": wallet.NopeContext})

		return
	}

	signed, err := w.SignTransaction(body.TransactionContext)
	if err != nil {
		s.log.Errorw("exception in sign wallet", "err", err)
		s.replyError(rw, r, err)

		return
	}

	if signed == "" {
		s.replyError(rw, r, wallet.E(wallet.KindException, "wallet returned no signed transaction data"))

		return
	}

	reply(rw, http.StatusOK, map[string]string{"signedTransaction": signed})
}
