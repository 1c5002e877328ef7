package custody

import (
	"context"

	"github.com/google/uuid"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
)

// manageEvents drains the chain-event channel until the service shuts down.
// Events are delivered at least once; every projection path below is
// idempotent and errors are logged, never propagated, because this runs
// outside any request's failure domain.
func (c *Custody) manageEvents() {
	defer close(c.done)

	c.log.Infow("start consuming chain events")

	for t := range c.events {
		c.onTxEvent(context.Background(), t)
	}

	c.log.Infow("stop consuming chain events")
}

func (c *Custody) onTxEvent(ctx context.Context, info *tx.Tx) {
	c.log.Infow("new tx event", "hash", info.Hash, "status", info.Status, "incoming", info.Incoming)

	switch info.Status {
	case tx.StatusInitial, tx.StatusSent:
		// shouldn't happen, backends only report observed chain state
		return

	case tx.StatusFailed, tx.StatusLocked:
		status := info.Status
		if _, err := c.db.TxUpdateByHash(ctx, info.Hash, store.TxUpdate{Status: &status}); err != nil {
			c.log.Errorw("failed to update tx status", "hash", info.Hash, "err", err)
		}

		return
	}

	if info.Incoming {
		c.onIncoming(ctx, info)

		return
	}

	c.onOutgoing(ctx, info)
}

// onIncoming records a deposit. The unique hash index makes replays a no-op:
// a duplicate insert means the deposit was already credited.
func (c *Custody) onIncoming(ctx context.Context, info *tx.Tx) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	err := c.db.TxCreate(ctx, info)
	if err == store.ErrDuplicate {
		c.log.Infow("already processed tx", "hash", info.Hash)

		return
	}

	if err != nil {
		c.log.Errorw("failed to record incoming tx", "hash", info.Hash, "err", err)

		return
	}

	walletAddr := ""
	if w := c.Wallet(); w != nil {
		walletAddr = w.Address()
	}

	// untagged deposits to the wallet cannot be attributed; owe them a bounce
	if c.cfg.BounceEnabled() {
		for _, op := range info.Operations {
			if op.PaymentID == "" && op.To == walletAddr {
				c.flagBounce(ctx, info)

				return
			}
		}
	}

	tagged := make([]tx.Operation, 0, len(info.Operations))
	for _, op := range info.Operations {
		if op.PaymentID != "" && op.To == walletAddr {
			tagged = append(tagged, op)
		}
	}

	for _, op := range tagged {
		ok, err := c.db.AccountCredit(ctx, op.PaymentID, op.Amount, info.Block)
		if err != nil {
			c.log.Errorw("failed to credit account", "paymentId", op.PaymentID, "err", err)

			continue
		}

		if ok {
			c.log.Infow("new cash-in", "to", op.To, "paymentId", op.PaymentID, "amount", op.Amount, "asset", op.Asset)

			continue
		}

		c.log.Warnw("no such account observed, didn't credit",
			"to", op.To, "paymentId", op.PaymentID, "amount", op.Amount)

		// the bounce sentinel tag funds the hot wallet and must never bounce
		if c.cfg.BounceEnabled() && c.cfg.Bounce != op.PaymentID && len(tagged) == 1 {
			c.flagBounce(ctx, info)
		}
	}

	c.publish("", info.Hash, string(info.Status), info.Amount(), info.Fees(), true, info.Timestamp)
}

func (c *Custody) flagBounce(ctx context.Context, info *tx.Tx) {
	c.log.Warnw("new bounce required", "hash", info.Hash)

	if _, err := c.db.TxUpdate(ctx, info.ID, store.TxUpdate{Bounced: tx.Uint32Ptr(0)}); err != nil {
		c.log.Warnw("bounce required but failed to update db", "hash", info.Hash, "err", err)
	}
}

// onOutgoing confirms a transaction this service broadcast: the Sent row
// flips to Completed with chain position filled in. A row lost to a restart
// is re-inserted as history. Ledger-assigned fees and leg ids are backfilled
// onto legs not yet carrying one, matched structurally.
func (c *Custody) onOutgoing(ctx context.Context, info *tx.Tx) {
	updated, err := c.db.TxCompleteSent(ctx, info.Hash, info.Timestamp, info.Block, info.Page)
	if err != nil {
		c.log.Errorw("failed to complete tx", "hash", info.Hash, "err", err)

		return
	}

	var known *tx.Tx

	if updated {
		c.log.Debugw("updated tx with completed status", "hash", info.Hash)

		known, err = c.db.TxByHash(ctx, info.Hash)
		if err != nil {
			c.log.Errorw("failed to reload completed tx", "hash", info.Hash, "err", err)

			return
		}
	} else {
		c.log.Debugw("already updated tx with completed status", "hash", info.Hash)

		known, err = c.db.TxByHash(ctx, info.Hash)
		if err == store.ErrNotFound {
			c.log.Warnw("no transaction with hash found, storing for history", "hash", info.Hash)

			if info.ID == "" {
				info.ID = uuid.NewString()
			}

			if err := c.db.TxCreate(ctx, info); err != nil && err != store.ErrDuplicate {
				c.log.Errorw("failed to create outgoing tx", "hash", info.Hash, "err", err)
			}

			return
		}

		if err != nil {
			c.log.Errorw("failed to fetch tx", "hash", info.Hash, "err", err)

			return
		}
	}

	var ops []store.OpBackfill

	for _, op := range info.Operations {
		if op.Fee == 0 && op.ID == "" {
			continue
		}

		for i, ex := range known.Operations {
			if ex.ID == "" && ex.Eq(op) {
				ops = append(ops, store.OpBackfill{Index: i, Fee: op.Fee, ID: op.ID})

				break
			}
		}
	}

	if len(ops) > 0 {
		if ok, err := c.db.TxUpdateByHash(ctx, info.Hash, store.TxUpdate{Ops: ops}); err != nil || !ok {
			c.log.Warnw("failed to backfill operations", "hash", info.Hash, "err", err)
		}
	}

	if updated {
		c.publish(known.OpID, info.Hash, string(tx.StatusCompleted), known.Amount(), known.Fees(), false, info.Timestamp)
	}
}
