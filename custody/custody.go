// Package custody implements the balance-tracking half of the payment
// gateway. It holds only view credentials, orchestrates the
// construct/sign/broadcast transaction lifecycle, generates bounce
// transactions for unidentifiable deposits and projects chain events into
// durable balances and history.
package custody

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/custodia/cpg/lib/config"
	"github.com/custodia/cpg/lib/msg"
	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/store/db"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

// eventBuffer sizes the chain-event channel. The backend must never block on
// emission for long; the projector drains continuously.
const eventBuffer = 256

// WalletFactory builds a chain backend wired to the given event channel, with
// the pending transactions and last chain position to resume scanning from.
type WalletFactory func(events chan<- *tx.Tx, pending []store.PendingTx, lastPage string) wallet.Wallet

// Custody contains the data necessary to deliver the service.
type Custody struct {
	cfg       config.ServiceConfig
	log       *zap.SugaredLogger
	dbtype    string
	db        store.DB
	mb        msg.Broker // nil when no broker is configured
	newWallet WalletFactory

	events chan *tx.Tx
	done   chan struct{} // closed when the projector drains out

	wmu    sync.Mutex
	wallet wallet.Wallet

	// syncRequired is latched on a submit-time sync signal and cleared by
	// the next successful full-sync round trip.
	syncRequired atomic.Bool

	s  *http.Server
	ss *http.Server
	sc chan struct{}
}

// New returns a pointer to a new Custody service.
func New(cfg config.ServiceConfig, log *zap.SugaredLogger, dbtype string, dbConn store.DB, mb msg.Broker, factory WalletFactory) *Custody {
	return &Custody{
		cfg:       cfg,
		log:       log,
		dbtype:    dbtype,
		db:        dbConn,
		mb:        mb,
		newWallet: factory,
		events:    make(chan *tx.Tx, eventBuffer),
		done:      make(chan struct{}),
	}
}

// Start launches the projector and, when credentials are configured,
// initializes the view wallet. Without configured credentials the wallet
// stays nil until POST /api/initialize supplies them.
func (c *Custody) Start(ctx context.Context) error {
	go c.manageEvents()

	if c.cfg.WalletAddress == "" {
		c.log.Infow("wallet credentials not configured, waiting for initialize call")

		return nil
	}

	return c.ResetWallet(ctx, c.cfg.WalletAddress, c.cfg.WalletViewKey)
}

// ResetWallet builds a fresh backend instance seeded with the pending
// transactions and last known chain position, then initializes it in the
// background so the API comes up while the ledger catch-up runs.
func (c *Custody) ResetWallet(ctx context.Context, address, viewKey string) error {
	pending, err := c.db.TxPending(ctx)
	if err != nil {
		return err
	}

	lastPage, err := c.db.TxLastPage(ctx)
	if err != nil {
		return err
	}

	c.log.Infow("bootstrapping wallet", "pending", len(pending), "lastPage", lastPage)

	w := c.newWallet(c.events, pending, lastPage)

	c.wmu.Lock()
	c.wallet = w
	c.wmu.Unlock()

	go func() {
		balance, err := w.InitViewWallet(context.Background(), address, viewKey)
		if err != nil {
			c.log.Errorw("view wallet initialization failed", "err", err)

			return
		}

		c.log.Infow("view wallet initialized", "balance", balance)
	}()

	return nil
}

// Wallet returns the current backend instance, which may be nil before
// initialization.
func (c *Custody) Wallet() wallet.Wallet {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.wallet
}

// walletReady returns the backend when it is usable, or a validation error
// the handlers translate into 503.
func (c *Custody) walletReady() (wallet.Wallet, error) {
	w := c.Wallet()
	if w == nil || w.Status() != wallet.StatusReady {
		return nil, &ValidationError{Key: "wallet", Message: "Wallet is not ready yet, please try again later"}
	}

	return w, nil
}

// Stop shuts down the http servers and closes the wallet, the event pipeline,
// the message broker and the database, in that order. The wallet is drained
// before the store so late events never race a closed handle.
func (c *Custody) Stop() {
	if c.s != nil {
		if err := c.s.Shutdown(context.Background()); err != nil {
			c.log.Errorw("error in http server shutdown", "err", err)
		}
	}

	if c.ss != nil {
		if err := c.ss.Shutdown(context.Background()); err != nil {
			c.log.Errorw("error in https server shutdown", "err", err)
		}
	}

	if c.sc != nil {
		close(c.sc)
	}

	if w := c.Wallet(); w != nil {
		if err := w.Close(); err != nil {
			c.log.Errorw("error closing wallet", "err", err)
		}
	}

	close(c.events)
	<-c.done

	if c.mb != nil {
		if err := c.mb.Close(); err != nil {
			c.log.Errorw("error closing message broker", "err", err)
		}
	}

	if c.db != nil {
		err := db.Close(c.dbtype, c.db)
		c.log.Infow("disconnected database", "dbtype", c.dbtype, "err", err)
	}
}
