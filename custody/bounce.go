package custody

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
)

// bounceRounds bounds the optimistic tag-collision loop. Tags are 32-bit
// random values, so more than a couple of rounds means something is wrong
// with the tag space, not bad luck.
const bounceRounds = 8

// randTag draws a random non-zero 32-bit tag. Zero is reserved as the "bounce
// owed" marker.
func randTag() (uint32, error) {
	var buf [4]byte

	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}

		if v := binary.BigEndian.Uint32(buf[:]); v != 0 {
			return v, nil
		}
	}
}

// collectBounces replays transactions flagged as owing a bounce: for each one
// it synthesizes a return transaction reversing every leg, carrying a freshly
// generated source tag. The tags must not collide with in-flight bounce tags
// or observed account tags; on detection the whole candidate batch is
// regenerated. Created bounce rows are persisted and the sources marked with
// the covering tag.
func (c *Custody) collectBounces(ctx context.Context) ([]*tx.Tx, []*tx.Tx, error) {
	if !c.cfg.BounceEnabled() {
		return nil, nil, nil
	}

	sources, err := c.db.TxBounceCandidates(ctx)
	if err != nil {
		return nil, nil, wallet.Errf(wallet.KindDB, "cannot list bounce candidates: %v", err)
	}

	if len(sources) == 0 {
		return nil, nil, nil
	}

	hashes := make([]string, len(sources))
	for i, s := range sources {
		hashes[i] = s.Hash
	}

	c.log.Infow("going to bounce transactions", "count", len(sources), "hashes", hashes)

	var bounces []*tx.Tx

	for round := 0; ; round++ {
		if round == bounceRounds {
			return nil, nil, wallet.E(wallet.KindException, "could not allocate unique bounce tags")
		}

		bounces = bounces[:0]
		tags := make([]uint32, 0, len(sources))
		pids := make([]string, 0, len(sources))

		for _, src := range sources {
			tag, err := randTag()
			if err != nil {
				return nil, nil, wallet.Errf(wallet.KindException, "cannot generate bounce tag: %v", err)
			}

			b := tx.New()
			b.ID = uuid.NewString()
			b.Bounce = tx.Uint32Ptr(tag)
			src.Bounced = tx.Uint32Ptr(tag)

			for _, op := range src.Operations {
				b.AddPayment(op.To, op.From, op.Asset, op.Amount,
					strconv.FormatUint(uint64(tag), 10), op.SourcePaymentID)
			}

			bounces = append(bounces, b)
			tags = append(tags, tag)
			pids = append(pids, strconv.FormatUint(uint64(tag), 10))
		}

		n, err := c.db.TxCountByBounceTags(ctx, tags)
		if err != nil {
			return nil, nil, wallet.Errf(wallet.KindDB, "cannot check bounce tags: %v", err)
		}

		accounts, err := c.db.AccountsByPaymentIDs(ctx, pids)
		if err != nil {
			return nil, nil, wallet.Errf(wallet.KindDB, "cannot check account tags: %v", err)
		}

		if n == 0 && len(accounts) == 0 {
			break
		}
	}

	for _, b := range bounces {
		if err := c.db.TxCreate(ctx, b); err != nil {
			return nil, nil, wallet.Errf(wallet.KindDB, "cannot create bounce tx: %v", err)
		}
	}

	for _, src := range sources {
		if _, err := c.db.TxUpdate(ctx, src.ID, store.TxUpdate{Bounced: src.Bounced}); err != nil {
			c.log.Warnw("failed to mark source as bounced", "id", src.ID, "err", err)
		}
	}

	return sources, bounces, nil
}

// rollbackBounces undoes a bounce batch after a failed construction: sources
// go back to owing a bounce and the generated rows are removed, so no
// orphaned state survives the failure.
func (c *Custody) rollbackBounces(ctx context.Context, sources, bounces []*tx.Tx) {
	for _, src := range sources {
		if _, err := c.db.TxUpdate(ctx, src.ID, store.TxUpdate{Bounced: tx.Uint32Ptr(0)}); err != nil {
			c.log.Errorw("failed to roll back bounce flag", "id", src.ID, "err", err)
		}
	}

	for _, b := range bounces {
		if err := c.db.TxDelete(ctx, b.ID); err != nil {
			c.log.Errorw("failed to delete bounce tx", "id", b.ID, "err", err)
		}
	}
}
