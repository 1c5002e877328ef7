// Package postgres implements the store interface for PostgreSQL. Transaction
// legs are held in a jsonb column so both stores keep the same document shape;
// the unique constraints on opid, hash and payment_id mirror the mongo
// indexes and carry the same idempotency duties.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/tx"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id         text PRIMARY KEY,
	opid       text UNIQUE,
	hash       text UNIQUE,
	status     text NOT NULL,
	priority   bigint NOT NULL,
	unlock     bigint NOT NULL,
	block      bigint NOT NULL,
	page       text NOT NULL DEFAULT '',
	timestamp  bigint NOT NULL DEFAULT 0,
	error      text NOT NULL DEFAULT '',
	bounce     bigint,
	bounced    bigint,
	observing  boolean NOT NULL DEFAULT false,
	operations jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	address    text PRIMARY KEY,
	payment_id text UNIQUE NOT NULL,
	balance    bigint NOT NULL DEFAULT 0,
	block      bigint NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS transactions_bounced_idx ON transactions (bounced) WHERE bounced IS NOT NULL;
`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New opens a connection to the specified PostgreSQL instance and ensures the
// schema exists.
func New(conn string) (*Postgres, error) {
	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open postgres connection for %s", conn)
	}

	if err = db.Ping(); err != nil {
		return nil, errors.Wrap(err, "error connecting to postgres DB")
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "error creating schema")
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close the database connection. Must be called at
// termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullable maps empty strings and sentinel numbers to SQL NULL / defaults on
// the way in and back on the way out.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullU32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func u32Ptr(n sql.NullInt64) *uint32 {
	if !n.Valid {
		return nil
	}

	return tx.Uint32Ptr(uint32(n.Int64))
}

const txColumns = `id, opid, hash, status, priority, unlock, block, page, timestamp, error, bounce, bounced, observing, operations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(r rowScanner) (*tx.Tx, error) {
	var (
		t              tx.Tx
		opid, hash     sql.NullString
		bounce         sql.NullInt64
		bounced        sql.NullInt64
		ops            []byte
		status         string
		priority, lock int64
	)

	err := r.Scan(&t.ID, &opid, &hash, &status, &priority, &lock, &t.Block,
		&t.Page, &t.Timestamp, &t.Error, &bounce, &bounced, &t.Observing, &ops)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, errors.Wrap(err, "could not scan transaction")
	}

	t.OpID = opid.String
	t.Hash = hash.String
	t.Status = tx.Status(status)
	t.Priority = int(priority)
	t.Unlock = int(lock)
	t.Bounce = u32Ptr(bounce)
	t.Bounced = u32Ptr(bounced)

	if err = json.Unmarshal(ops, &t.Operations); err != nil {
		return nil, errors.Wrap(err, "could not decode operations")
	}

	return &t, nil
}

// TxCreate inserts a transaction, mapping unique violations to
// store.ErrDuplicate.
func (p *Postgres) TxCreate(ctx context.Context, t *tx.Tx) error {
	ops, err := json.Marshal(t.Operations)
	if err != nil {
		return errors.Wrap(err, "could not encode operations")
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, nullStr(t.OpID), nullStr(t.Hash), string(t.Status), t.Priority, t.Unlock,
		t.Block, t.Page, t.Timestamp, t.Error, nullU32(t.Bounce), nullU32(t.Bounced),
		t.Observing, ops)
	if isDuplicate(err) {
		return store.ErrDuplicate
	}

	return errors.Wrap(err, "could not insert transaction")
}

// TxByOpID fetches a transaction by idempotency key.
func (p *Postgres) TxByOpID(ctx context.Context, opid string) (*tx.Tx, error) {
	return scanTx(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE opid = $1`, opid))
}

// TxByHash fetches a transaction by ledger hash.
func (p *Postgres) TxByHash(ctx context.Context, hash string) (*tx.Tx, error) {
	return scanTx(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE hash = $1`, hash))
}

// TxReplace overwrites the identified transaction with t, keeping identity.
func (p *Postgres) TxReplace(ctx context.Context, id string, t *tx.Tx) (bool, error) {
	ops, err := json.Marshal(t.Operations)
	if err != nil {
		return false, errors.Wrap(err, "could not encode operations")
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE transactions SET opid = $2, hash = $3, status = $4, priority = $5,
		 unlock = $6, block = $7, page = $8, timestamp = $9, error = $10,
		 bounce = $11, bounced = $12, observing = $13, operations = $14
		 WHERE id = $1`,
		id, nullStr(t.OpID), nullStr(t.Hash), string(t.Status), t.Priority, t.Unlock,
		t.Block, t.Page, t.Timestamp, t.Error, nullU32(t.Bounce), nullU32(t.Bounced),
		t.Observing, ops)
	if err != nil {
		return false, errors.Wrap(err, "could not replace transaction")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

func (p *Postgres) txUpdate(ctx context.Context, key, value string, u store.TxUpdate) (bool, error) {
	var (
		set  []string
		args []interface{}
	)

	args = append(args, value)
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, col+" = $"+strconv.Itoa(len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Hash != nil {
		add("hash", nullStr(*u.Hash))
	}
	if u.Timestamp != nil {
		add("timestamp", *u.Timestamp)
	}
	if u.Block != nil {
		add("block", *u.Block)
	}
	if u.Page != nil {
		add("page", *u.Page)
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.Bounced != nil {
		add("bounced", int64(*u.Bounced))
	}
	if u.Observing != nil {
		add("observing", *u.Observing)
	}

	if len(u.Ops) == 0 {
		if len(set) == 0 {
			return false, nil
		}

		res, err := p.db.ExecContext(ctx,
			`UPDATE transactions SET `+strings.Join(set, ", ")+` WHERE `+key+` = $1`, args...)
		if err != nil {
			return false, errors.Wrap(err, "could not update transaction")
		}

		n, _ := res.RowsAffected()

		return n > 0, nil
	}

	// Leg backfill needs a read-modify-write of the jsonb document.
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "could not begin transaction")
	}
	defer dbtx.Rollback()

	var raw []byte

	err = dbtx.QueryRowContext(ctx,
		`SELECT operations FROM transactions WHERE `+key+` = $1 FOR UPDATE`, value).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, errors.Wrap(err, "could not lock transaction")
	}

	var legs []tx.Operation
	if err = json.Unmarshal(raw, &legs); err != nil {
		return false, errors.Wrap(err, "could not decode operations")
	}

	for _, op := range u.Ops {
		if op.Index < 0 || op.Index >= len(legs) {
			continue
		}
		if op.Fee != 0 {
			legs[op.Index].Fee = op.Fee
		}
		if op.ID != "" {
			legs[op.Index].ID = op.ID
		}
	}

	if raw, err = json.Marshal(legs); err != nil {
		return false, errors.Wrap(err, "could not encode operations")
	}

	add("operations", raw)

	res, err := dbtx.ExecContext(ctx,
		`UPDATE transactions SET `+strings.Join(set, ", ")+` WHERE `+key+` = $1`, args...)
	if err != nil {
		return false, errors.Wrap(err, "could not update transaction")
	}

	if err = dbtx.Commit(); err != nil {
		return false, errors.Wrap(err, "could not commit update")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// TxUpdate applies the non-nil fields of u to the identified transaction.
func (p *Postgres) TxUpdate(ctx context.Context, id string, u store.TxUpdate) (bool, error) {
	return p.txUpdate(ctx, "id", id, u)
}

// TxUpdateByHash applies the non-nil fields of u by ledger hash.
func (p *Postgres) TxUpdateByHash(ctx context.Context, hash string, u store.TxUpdate) (bool, error) {
	return p.txUpdate(ctx, "hash", hash, u)
}

// TxCompleteSent flips the Sent transaction with the given hash to Completed.
func (p *Postgres) TxCompleteSent(ctx context.Context, hash string, timestamp, block int64, page string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE transactions SET status = $2, timestamp = $3,
		 block = CASE WHEN $4 >= 0 THEN $4 ELSE block END,
		 page = CASE WHEN $5 <> '' THEN $5 ELSE page END
		 WHERE hash = $1 AND status = $6`,
		hash, string(tx.StatusCompleted), timestamp, block, page, string(tx.StatusSent))
	if err != nil {
		return false, errors.Wrap(err, "could not complete transaction")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// TxDelete removes a transaction.
func (p *Postgres) TxDelete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)

	return errors.Wrap(err, "could not delete transaction")
}

func (p *Postgres) txMany(ctx context.Context, query string, args ...interface{}) ([]*tx.Tx, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not query transactions")
	}
	defer rows.Close()

	var out []*tx.Tx

	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// TxBounceCandidates lists transactions owing a bounce.
func (p *Postgres) TxBounceCandidates(ctx context.Context) ([]*tx.Tx, error) {
	return p.txMany(ctx, `SELECT `+txColumns+` FROM transactions WHERE bounced = 0`)
}

// TxCountByBounceTags counts bounce transactions carrying any of the tags.
func (p *Postgres) TxCountByBounceTags(ctx context.Context, tags []uint32) (int64, error) {
	vals := make([]int64, len(tags))
	for i, v := range tags {
		vals[i] = int64(v)
	}

	var n int64

	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transactions WHERE bounce = ANY($1)`, pq.Array(vals)).Scan(&n)

	return n, errors.Wrap(err, "could not count bounce tags")
}

// TxPending lists hashes and statuses of not yet terminal transactions.
func (p *Postgres) TxPending(ctx context.Context) ([]store.PendingTx, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT coalesce(hash, ''), status FROM transactions WHERE status = ANY($1)`,
		pq.Array([]string{string(tx.StatusInitial), string(tx.StatusSent), string(tx.StatusLocked)}))
	if err != nil {
		return nil, errors.Wrap(err, "could not list pending transactions")
	}
	defer rows.Close()

	var out []store.PendingTx

	for rows.Next() {
		var (
			pt     store.PendingTx
			status string
		)

		if err = rows.Scan(&pt.Hash, &status); err != nil {
			return nil, errors.Wrap(err, "could not scan pending transaction")
		}

		pt.Status = tx.Status(status)
		out = append(out, pt)
	}

	return out, rows.Err()
}

// TxLastPage returns the chain position of the most recent transaction.
func (p *Postgres) TxLastPage(ctx context.Context) (string, error) {
	var page string

	err := p.db.QueryRowContext(ctx,
		`SELECT page FROM transactions WHERE page <> '' ORDER BY timestamp DESC LIMIT 1`).Scan(&page)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	return page, errors.Wrap(err, "could not fetch last page")
}

// TxHistory unwinds completed transactions into per-leg rows.
func (p *Postgres) TxHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryItem, error) {
	var (
		cond []string
		args []interface{}
	)

	add := func(c string, v interface{}) {
		args = append(args, v)
		cond = append(cond, strings.Replace(c, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	cond = append(cond, `t.status = '`+string(tx.StatusCompleted)+`'`)

	if !q.IncludeBounces {
		cond = append(cond, `t.bounce IS NULL`, `t.bounced IS NULL`)
	}

	if q.Direction == store.HistoryFrom {
		add(`op->>'from' = ?`, q.Address)
		if q.PaymentID != "" {
			add(`op->>'sourcePaymentId' = ?`, q.PaymentID)
		}
	} else {
		add(`op->>'to' = ?`, q.Address)
		if q.PaymentID != "" {
			add(`op->>'paymentId' = ?`, q.PaymentID)
		}
	}

	if q.AfterTimestamp > 0 {
		add(`t.timestamp > ?`, q.AfterTimestamp)
	}

	args = append(args, q.Limit)

	query := `SELECT coalesce(t.opid, ''), coalesce(t.hash, ''), t.timestamp,
		 coalesce(op->>'from', ''), coalesce(op->>'to', ''),
		 coalesce(op->>'sourcePaymentId', ''), coalesce(op->>'paymentId', ''),
		 coalesce((op->>'amount')::bigint, 0), t.bounce, t.bounced
		 FROM transactions t, jsonb_array_elements(t.operations) op
		 WHERE ` + strings.Join(cond, " AND ") +
		` ORDER BY t.timestamp ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not query history")
	}
	defer rows.Close()

	var out []store.HistoryItem

	for rows.Next() {
		var (
			item            store.HistoryItem
			bounce, bounced sql.NullInt64
		)

		if err = rows.Scan(&item.OpID, &item.Hash, &item.Timestamp, &item.From,
			&item.To, &item.SourcePaymentID, &item.PaymentID, &item.Amount,
			&bounce, &bounced); err != nil {
			return nil, errors.Wrap(err, "could not scan history row")
		}

		item.Bounce = u32Ptr(bounce)
		item.Bounced = u32Ptr(bounced)
		out = append(out, item)
	}

	return out, rows.Err()
}

// AccountCreate starts observing an address.
func (p *Postgres) AccountCreate(ctx context.Context, a store.Account) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (address, payment_id, balance, block)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		a.Address, a.PaymentID, a.Balance, a.Block)
	if err != nil {
		return false, errors.Wrap(err, "could not insert account")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// AccountDelete stops observing an address.
func (p *Postgres) AccountDelete(ctx context.Context, address string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE address = $1`, address)
	if err != nil {
		return false, errors.Wrap(err, "could not delete account")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}

// AccountsByPaymentIDs fetches observed accounts by payment id.
func (p *Postgres) AccountsByPaymentIDs(ctx context.Context, paymentIDs []string) ([]store.Account, error) {
	return p.accounts(ctx,
		`SELECT address, payment_id, balance, block FROM accounts WHERE payment_id = ANY($1)`,
		pq.Array(paymentIDs))
}

// AccountsWithBalance pages through accounts with a positive balance.
func (p *Postgres) AccountsWithBalance(ctx context.Context, offset, limit int64) ([]store.Account, error) {
	return p.accounts(ctx,
		`SELECT address, payment_id, balance, block FROM accounts
		 WHERE balance > 0 ORDER BY address OFFSET $1 LIMIT $2`, offset, limit)
}

func (p *Postgres) accounts(ctx context.Context, query string, args ...interface{}) ([]store.Account, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not query accounts")
	}
	defer rows.Close()

	var out []store.Account

	for rows.Next() {
		var a store.Account
		if err = rows.Scan(&a.Address, &a.PaymentID, &a.Balance, &a.Block); err != nil {
			return nil, errors.Wrap(err, "could not scan account")
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

// AccountCredit atomically increments the balance of an observed account.
func (p *Postgres) AccountCredit(ctx context.Context, paymentID string, amount, block int64) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $2,
		 block = CASE WHEN $3 >= 0 THEN $3 ELSE block END
		 WHERE payment_id = $1`, paymentID, amount, block)
	if err != nil {
		return false, errors.Wrap(err, "could not credit account")
	}

	n, _ := res.RowsAffected()

	return n > 0, nil
}
