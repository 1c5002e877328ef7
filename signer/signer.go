// Package signer implements the key-holding half of the payment gateway. It
// is stateless with respect to history: it derives deposit addresses and
// signs transaction contexts offline, never touching the persistence store or
// the network.
package signer

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/custodia/cpg/lib/config"
	"github.com/custodia/cpg/lib/wallet"
)

// WalletFactory builds a chain backend for offline signing.
type WalletFactory func() wallet.Wallet

// Signer contains the data necessary to deliver the service.
type Signer struct {
	cfg       config.ServiceConfig
	log       *zap.SugaredLogger
	newWallet WalletFactory

	wmu        sync.Mutex
	wallet     wallet.Wallet
	privateKey string

	s  *http.Server
	ss *http.Server
	sc chan struct{}
}

// New returns a pointer to a new Signer service.
func New(cfg config.ServiceConfig, log *zap.SugaredLogger, factory WalletFactory) *Signer {
	return &Signer{
		cfg:       cfg,
		log:       log,
		newWallet: factory,
	}
}

// Start loads the signing key when configured; otherwise the wallet stays nil
// until POST /api/initialize supplies credentials.
func (s *Signer) Start() error {
	if s.cfg.WalletAddress == "" || s.cfg.WalletPrivateKey == "" {
		s.log.Infow("wallet credentials not configured, waiting for initialize call")

		return nil
	}

	return s.ResetWallet(s.cfg.WalletAddress, s.cfg.WalletPrivateKey)
}

// ResetWallet loads key material into a fresh backend instance. Purely local.
func (s *Signer) ResetWallet(address, privateKey string) error {
	s.log.Infow("preparing sign wallet")

	w := s.newWallet()
	if err := w.InitSignWallet(address, privateKey); err != nil {
		return err
	}

	s.wmu.Lock()
	s.wallet = w
	s.privateKey = privateKey
	s.wmu.Unlock()

	return nil
}

// Wallet returns the current backend instance, which may be nil before
// initialization.
func (s *Signer) Wallet() wallet.Wallet {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	return s.wallet
}

func (s *Signer) walletReady() (wallet.Wallet, error) {
	w := s.Wallet()
	if w == nil || w.Status() != wallet.StatusReady {
		return nil, errWalletNotReady
	}

	return w, nil
}

// Stop shuts down the http servers and closes the wallet.
func (s *Signer) Stop() {
	if s.s != nil {
		if err := s.s.Shutdown(context.Background()); err != nil {
			s.log.Errorw("error in http server shutdown", "err", err)
		}
	}

	if s.ss != nil {
		if err := s.ss.Shutdown(context.Background()); err != nil {
			s.log.Errorw("error in https server shutdown", "err", err)
		}
	}

	if s.sc != nil {
		close(s.sc)
	}

	if w := s.Wallet(); w != nil {
		if err := w.Close(); err != nil {
			s.log.Errorw("error closing wallet", "err", err)
		}
	}
}
