// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
)

const connectTimeout = 5 * time.Second

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c        *mgo.Client
	txs      *mgo.Collection
	accounts *mgo.Collection
}

// New returns a Mongo store connected to the specified MongoDB uri. The
// database name is taken from the uri path, defaulting to "cpg". Unique
// partial indexes on opid/hash and a unique index on paymentId are created on
// connect; they are what makes idempotent inserts race-safe.
func New(uri string) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create mongo client for %s", uri)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "error connecting to mongo DB")
	}

	name := "cpg"
	if i := strings.Index(uri, "://"); i != -1 {
		if j := strings.IndexByte(uri[i+3:], '/'); j != -1 {
			n := uri[i+3+j+1:]
			if k := strings.IndexByte(n, '?'); k != -1 {
				n = n[:k]
			}
			if n != "" {
				name = n
			}
		}
	}

	db := c.Database(name)
	m := &Mongo{
		c:        c,
		txs:      db.Collection("transactions"),
		accounts: db.Collection("accounts"),
	}

	if err = m.ensureIndexes(ctx); err != nil {
		return nil, errors.Wrap(err, "error creating indexes")
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.txs.Indexes().CreateMany(ctx, []mgo.IndexModel{
		{
			Keys: bson.D{{Key: "opid", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"opid": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "hash", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"hash": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return err
	}

	_, err = m.accounts.Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys:    bson.D{{Key: "paymentId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return err
}

// CloseMongo will close the database connection. Must be called at
// termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

// TxCreate inserts a transaction, mapping unique-index violations to
// store.ErrDuplicate.
func (m *Mongo) TxCreate(ctx context.Context, t *tx.Tx) error {
	if _, err := m.txs.InsertOne(ctx, t); err != nil {
		if mgo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}

		return errors.Wrap(err, "could not insert transaction")
	}

	return nil
}

func (m *Mongo) txOne(ctx context.Context, filter bson.M) (*tx.Tx, error) {
	var t tx.Tx

	err := m.txs.FindOne(ctx, filter).Decode(&t)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, errors.Wrap(err, "could not fetch transaction")
	}

	return &t, nil
}

// TxByOpID fetches a transaction by idempotency key.
func (m *Mongo) TxByOpID(ctx context.Context, opid string) (*tx.Tx, error) {
	return m.txOne(ctx, bson.M{"opid": opid})
}

// TxByHash fetches a transaction by ledger hash.
func (m *Mongo) TxByHash(ctx context.Context, hash string) (*tx.Tx, error) {
	return m.txOne(ctx, bson.M{"hash": hash})
}

// TxReplace overwrites the identified transaction with t, keeping identity.
func (m *Mongo) TxReplace(ctx context.Context, id string, t *tx.Tx) (bool, error) {
	copy := *t
	copy.ID = id

	res, err := m.txs.ReplaceOne(ctx, bson.M{"_id": id}, &copy)
	if err != nil {
		return false, errors.Wrap(err, "could not replace transaction")
	}

	return res.ModifiedCount > 0, nil
}

func setFields(u store.TxUpdate) bson.M {
	set := bson.M{}

	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.Hash != nil {
		set["hash"] = *u.Hash
	}
	if u.Timestamp != nil {
		set["timestamp"] = *u.Timestamp
	}
	if u.Block != nil {
		set["block"] = *u.Block
	}
	if u.Page != nil {
		set["page"] = *u.Page
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	if u.Bounced != nil {
		set["bounced"] = *u.Bounced
	}
	if u.Observing != nil {
		set["observing"] = *u.Observing
	}

	for _, op := range u.Ops {
		prefix := "operations." + strconv.Itoa(op.Index) + "."
		if op.Fee != 0 {
			set[prefix+"fee"] = op.Fee
		}
		if op.ID != "" {
			set[prefix+"id"] = op.ID
		}
	}

	return set
}

func (m *Mongo) txUpdate(ctx context.Context, filter bson.M, u store.TxUpdate) (bool, error) {
	set := setFields(u)
	if len(set) == 0 {
		return false, nil
	}

	res, err := m.txs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, errors.Wrap(err, "could not update transaction")
	}

	return res.ModifiedCount > 0, nil
}

// TxUpdate applies the non-nil fields of u to the identified transaction.
func (m *Mongo) TxUpdate(ctx context.Context, id string, u store.TxUpdate) (bool, error) {
	return m.txUpdate(ctx, bson.M{"_id": id}, u)
}

// TxUpdateByHash applies the non-nil fields of u by ledger hash.
func (m *Mongo) TxUpdateByHash(ctx context.Context, hash string, u store.TxUpdate) (bool, error) {
	return m.txUpdate(ctx, bson.M{"hash": hash}, u)
}

// TxCompleteSent flips the Sent transaction with the given hash to Completed.
func (m *Mongo) TxCompleteSent(ctx context.Context, hash string, timestamp, block int64, page string) (bool, error) {
	set := bson.M{"status": tx.StatusCompleted, "timestamp": timestamp}
	if block >= 0 {
		set["block"] = block
	}
	if page != "" {
		set["page"] = page
	}

	res, err := m.txs.UpdateOne(ctx,
		bson.M{"hash": hash, "status": tx.StatusSent},
		bson.M{"$set": set})
	if err != nil {
		return false, errors.Wrap(err, "could not complete transaction")
	}

	return res.ModifiedCount > 0, nil
}

// TxDelete removes a transaction.
func (m *Mongo) TxDelete(ctx context.Context, id string) error {
	_, err := m.txs.DeleteOne(ctx, bson.M{"_id": id})

	return errors.Wrap(err, "could not delete transaction")
}

// TxBounceCandidates lists transactions owing a bounce.
func (m *Mongo) TxBounceCandidates(ctx context.Context) ([]*tx.Tx, error) {
	cur, err := m.txs.Find(ctx, bson.M{"bounced": 0})
	if err != nil {
		return nil, errors.Wrap(err, "could not list bounce candidates")
	}
	defer cur.Close(ctx)

	var out []*tx.Tx

	for cur.Next(ctx) {
		var t tx.Tx
		if err = cur.Decode(&t); err != nil {
			return nil, errors.Wrap(err, "could not decode bounce candidate")
		}

		out = append(out, &t)
	}

	return out, cur.Err()
}

// TxCountByBounceTags counts bounce transactions carrying any of the tags.
func (m *Mongo) TxCountByBounceTags(ctx context.Context, tags []uint32) (int64, error) {
	n, err := m.txs.CountDocuments(ctx, bson.M{"bounce": bson.M{"$in": tags}})

	return n, errors.Wrap(err, "could not count bounce tags")
}

// TxPending lists hashes and statuses of not yet terminal transactions.
func (m *Mongo) TxPending(ctx context.Context) ([]store.PendingTx, error) {
	cur, err := m.txs.Find(ctx,
		bson.M{"status": bson.M{"$in": []tx.Status{tx.StatusInitial, tx.StatusSent, tx.StatusLocked}}},
		options.Find().SetProjection(bson.M{"hash": 1, "status": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "could not list pending transactions")
	}
	defer cur.Close(ctx)

	var out []store.PendingTx

	for cur.Next(ctx) {
		var p store.PendingTx
		if err = cur.Decode(&p); err != nil {
			return nil, errors.Wrap(err, "could not decode pending transaction")
		}

		out = append(out, p)
	}

	return out, cur.Err()
}

// TxLastPage returns the chain position of the most recent transaction.
func (m *Mongo) TxLastPage(ctx context.Context) (string, error) {
	var t tx.Tx

	err := m.txs.FindOne(ctx,
		bson.M{"page": bson.M{"$exists": true, "$ne": ""}},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})).Decode(&t)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return "", nil
	}

	if err != nil {
		return "", errors.Wrap(err, "could not fetch last page")
	}

	return t.Page, nil
}

// TxHistory unwinds completed transactions into per-leg rows.
func (m *Mongo) TxHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	match := bson.M{"status": tx.StatusCompleted}
	legMatch := bson.M{}

	if !q.IncludeBounces {
		match["bounce"] = bson.M{"$exists": false}
		match["bounced"] = bson.M{"$exists": false}
	}

	if q.Direction == store.HistoryFrom {
		match["operations.from"] = q.Address
		legMatch["operations.from"] = q.Address
		if q.PaymentID != "" {
			match["operations.sourcePaymentId"] = q.PaymentID
			legMatch["operations.sourcePaymentId"] = q.PaymentID
		}
	} else {
		match["operations.to"] = q.Address
		legMatch["operations.to"] = q.Address
		if q.PaymentID != "" {
			match["operations.paymentId"] = q.PaymentID
			legMatch["operations.paymentId"] = q.PaymentID
		}
	}

	if q.AfterTimestamp > 0 {
		match["timestamp"] = bson.M{"$gt": q.AfterTimestamp}
	}

	pipeline := []bson.M{
		{"$match": match},
		{"$sort": bson.M{"timestamp": 1}},
		{"$unwind": "$operations"},
		{"$match": legMatch},
		{"$limit": q.Limit},
		{"$project": bson.M{
			"opid":            1,
			"hash":            1,
			"timestamp":       1,
			"bounce":          1,
			"bounced":         1,
			"from":            "$operations.from",
			"to":              "$operations.to",
			"sourcePaymentId": "$operations.sourcePaymentId",
			"paymentId":       "$operations.paymentId",
			"amount":          "$operations.amount",
		}},
	}

	cur, err := m.txs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "could not aggregate history")
	}
	defer cur.Close(ctx)

	var out []store.HistoryItem

	for cur.Next(ctx) {
		var h store.HistoryItem
		if err = cur.Decode(&h); err != nil {
			return nil, errors.Wrap(err, "could not decode history row")
		}

		out = append(out, h)
	}

	return out, cur.Err()
}

// AccountCreate starts observing an address.
func (m *Mongo) AccountCreate(ctx context.Context, a store.Account) (bool, error) {
	if _, err := m.accounts.InsertOne(ctx, a); err != nil {
		if mgo.IsDuplicateKeyError(err) {
			return false, nil
		}

		return false, errors.Wrap(err, "could not insert account")
	}

	return true, nil
}

// AccountDelete stops observing an address.
func (m *Mongo) AccountDelete(ctx context.Context, address string) (bool, error) {
	res, err := m.accounts.DeleteOne(ctx, bson.M{"_id": address})
	if err != nil {
		return false, errors.Wrap(err, "could not delete account")
	}

	return res.DeletedCount > 0, nil
}

// AccountsByPaymentIDs fetches observed accounts by payment id.
func (m *Mongo) AccountsByPaymentIDs(ctx context.Context, paymentIDs []string) ([]store.Account, error) {
	cur, err := m.accounts.Find(ctx, bson.M{"paymentId": bson.M{"$in": paymentIDs}})
	if err != nil {
		return nil, errors.Wrap(err, "could not list accounts")
	}
	defer cur.Close(ctx)

	var out []store.Account

	for cur.Next(ctx) {
		var a store.Account
		if err = cur.Decode(&a); err != nil {
			return nil, errors.Wrap(err, "could not decode account")
		}

		out = append(out, a)
	}

	return out, cur.Err()
}

// AccountsWithBalance pages through accounts with a positive balance.
func (m *Mongo) AccountsWithBalance(ctx context.Context, offset, limit int64) ([]store.Account, error) {
	cur, err := m.accounts.Find(ctx, bson.M{"balance": bson.M{"$gt": 0}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetSkip(offset).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "could not list balances")
	}
	defer cur.Close(ctx)

	var out []store.Account

	for cur.Next(ctx) {
		var a store.Account
		if err = cur.Decode(&a); err != nil {
			return nil, errors.Wrap(err, "could not decode account")
		}

		out = append(out, a)
	}

	return out, cur.Err()
}

// AccountCredit atomically increments the balance of an observed account.
func (m *Mongo) AccountCredit(ctx context.Context, paymentID string, amount, block int64) (bool, error) {
	update := bson.M{"$inc": bson.M{"balance": amount}}
	if block >= 0 {
		update["$set"] = bson.M{"block": block}
	}

	res, err := m.accounts.UpdateOne(ctx, bson.M{"paymentId": paymentID}, update)
	if err != nil {
		return false, errors.Wrap(err, "could not credit account")
	}

	return res.ModifiedCount > 0, nil
}
