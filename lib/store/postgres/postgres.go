// Package postgres implements the ledger for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed" // schema
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tarancss/custody/lib/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	return &Postgres{db: db}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func isDup(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func textArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const txColumns = `id, kind, coin, sender, recipient, amount, fee, status, tx_hash, nonce, trace, past_hashes,
	manual_resend, created_at, submitted_at, confirmed_at, block_height, request_id, line_item_id, version`

func scanTransaction(s scanner) (store.Transaction, error) {
	var t store.Transaction
	var kind, status string
	var nonce, height int64
	var past pq.StringArray
	var submitted, confirmed sql.NullTime

	err := s.Scan(&t.ID, &kind, &t.Coin, &t.Sender, &t.Recipient, &t.Amount, &t.Fee, &status, &t.TxHash, &nonce,
		&t.Trace, &past, &t.ManualResend, &t.CreatedAt, &submitted, &confirmed, &height, &t.RequestID, &t.LineItemID,
		&t.Version)
	if err != nil {
		return t, err
	}
	t.Kind, t.Status = store.Kind(kind), store.Status(status)
	t.Nonce, t.BlockHeight = uint64(nonce), uint64(height)
	t.CreatedAt = t.CreatedAt.UTC()
	if len(past) > 0 {
		t.PastHashes = []string(past)
	}
	if submitted.Valid {
		t.SubmittedAt = submitted.Time.UTC()
	}
	if confirmed.Valid {
		t.ConfirmedAt = confirmed.Time.UTC()
	}
	return t, nil
}

// InsertTransaction saves a new transaction.
func (p *Postgres) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	if t.ID == "" {
		t.ID = store.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, string(t.Kind), t.Coin, t.Sender, t.Recipient, t.Amount, t.Fee, string(t.Status), t.TxHash,
		int64(t.Nonce), t.Trace, textArray(t.PastHashes), t.ManualResend, t.CreatedAt, nullTime(t.SubmittedAt),
		nullTime(t.ConfirmedAt), int64(t.BlockHeight), t.RequestID, t.LineItemID, t.Version)
	if isDup(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("could not insert transaction in db: %w", err)
	}
	return nil
}

// Transaction loads a transaction by id.
func (p *Postgres) Transaction(ctx context.Context, id string) (store.Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, store.ErrNotFound
	}
	return t, err
}

func (p *Postgres) exists(ctx context.Context, query string, args ...interface{}) (ok bool, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (`+query+`)`, args...).Scan(&ok)
	return
}

// HashExists looks for hash among current and superseded hashes.
func (p *Postgres) HashExists(ctx context.Context, hash string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM transactions WHERE tx_hash = $1 OR past_hashes @> ARRAY[$1]::text[]`, hash)
}

// LineItemTransactionExists reports whether a transaction pays the given line item.
func (p *Postgres) LineItemTransactionExists(ctx context.Context, requestID, itemID string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM transactions WHERE request_id = $1 AND line_item_id = $2`, requestID, itemID)
}

// ActiveTraceExists reports whether a non failed transaction holds trace.
func (p *Postgres) ActiveTraceExists(ctx context.Context, trace string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM transactions WHERE trace = $1 AND status <> $2`, trace,
		string(store.StatusFailed))
}

// PendingTransactions returns pending transactions of coin ordered by sender and nonce.
func (p *Postgres) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE coin = $1 AND status = $2
		ORDER BY sender, nonce, created_at`, coin, string(store.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountPending counts pending transactions of coin.
func (p *Postgres) CountPending(ctx context.Context, coin string) (n int, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions WHERE coin = $1 AND status = $2`, coin,
		string(store.StatusPending)).Scan(&n)
	return
}

// UpdateTransaction replaces t when the stored version matches.
func (p *Postgres) UpdateTransaction(ctx context.Context, t *store.Transaction) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET kind = $3, coin = $4, sender = $5, recipient = $6,
		amount = $7, fee = $8, status = $9, tx_hash = $10, nonce = $11, trace = $12, past_hashes = $13,
		manual_resend = $14, submitted_at = $15, confirmed_at = $16, block_height = $17, request_id = $18,
		line_item_id = $19, version = version + 1
		WHERE id = $1 AND version = $2`,
		t.ID, t.Version, string(t.Kind), t.Coin, t.Sender, t.Recipient, t.Amount, t.Fee, string(t.Status), t.TxHash,
		int64(t.Nonce), t.Trace, textArray(t.PastHashes), t.ManualResend, nullTime(t.SubmittedAt),
		nullTime(t.ConfirmedAt), int64(t.BlockHeight), t.RequestID, t.LineItemID)
	if isDup(err) {
		return false, store.ErrDuplicate
	}
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, err
	}
	t.Version++
	return true, nil
}

// InsertWithdrawRequest saves a new request and its line items atomically.
func (p *Postgres) InsertWithdrawRequest(ctx context.Context, r *store.WithdrawRequest) (err error) {
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO withdraw_requests (id, coin, hot_address, total_amount, estimate_fee,
		approval, fully_sent, created_at, version) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Coin, r.HotAddress, r.TotalAmount, r.EstimateFee, string(r.Approval), r.FullySent, r.CreatedAt,
		r.Version)
	if isDup(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("could not insert withdraw request in db: %w", err)
	}

	for i := range r.Items {
		if r.Items[i].ID == "" {
			r.Items[i].ID = store.NewID()
		}
		it := r.Items[i]
		if _, err = tx.ExecContext(ctx, `INSERT INTO line_items (id, request_id, position, recipient, amount, trace,
			sent, tx_hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, r.ID, i, it.Recipient, it.Amount, it.Trace, it.Sent, it.TxHash); err != nil {
			return fmt.Errorf("could not insert line item in db: %w", err)
		}
	}

	return tx.Commit()
}

const requestColumns = `id, coin, hot_address, total_amount, estimate_fee, approval, fully_sent, created_at, version`

func scanRequest(s scanner) (store.WithdrawRequest, error) {
	var r store.WithdrawRequest
	var approval string
	err := s.Scan(&r.ID, &r.Coin, &r.HotAddress, &r.TotalAmount, &r.EstimateFee, &approval, &r.FullySent,
		&r.CreatedAt, &r.Version)
	r.Approval = store.Approval(approval)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func (p *Postgres) items(ctx context.Context, requestID string) ([]store.LineItem, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, recipient, amount, trace, sent, tx_hash FROM line_items
		WHERE request_id = $1 ORDER BY position`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LineItem
	for rows.Next() {
		var it store.LineItem
		if err = rows.Scan(&it.ID, &it.Recipient, &it.Amount, &it.Trace, &it.Sent, &it.TxHash); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// WithdrawRequest loads a request with its line items.
func (p *Postgres) WithdrawRequest(ctx context.Context, id string) (store.WithdrawRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM withdraw_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.Items, err = p.items(ctx, id)
	return r, err
}

// DispatchableWithdrawRequests returns approved requests of coin not fully sent, oldest first.
func (p *Postgres) DispatchableWithdrawRequests(ctx context.Context, coin string) ([]store.WithdrawRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM withdraw_requests
		WHERE coin = $1 AND approval = $2 AND NOT fully_sent ORDER BY created_at`, coin, string(store.ApprovalApproved))
	if err != nil {
		return nil, err
	}

	var out []store.WithdrawRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Items, err = p.items(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnsentTraceExists reports whether an unsent line item of a live request holds trace.
func (p *Postgres) UnsentTraceExists(ctx context.Context, trace string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM line_items li JOIN withdraw_requests r ON r.id = li.request_id
		WHERE li.trace = $1 AND NOT li.sent AND r.approval <> $2 AND NOT r.fully_sent`,
		trace, string(store.ApprovalRejected))
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetApproval moves the approval of request id from -> to.
func (p *Postgres) SetApproval(ctx context.Context, id string, from, to store.Approval) (bool, error) {
	return affected(p.db.ExecContext(ctx, `UPDATE withdraw_requests SET approval = $3, version = version + 1
		WHERE id = $1 AND approval = $2`, id, string(from), string(to)))
}

// MarkLineItemSent flags the line item as sent if it is not yet.
func (p *Postgres) MarkLineItemSent(ctx context.Context, requestID, itemID string) (bool, error) {
	return affected(p.db.ExecContext(ctx, `UPDATE line_items SET sent = TRUE
		WHERE request_id = $1 AND id = $2 AND NOT sent`, requestID, itemID))
}

// LineItem returns one line item as stored.
func (p *Postgres) LineItem(ctx context.Context, requestID, itemID string) (store.LineItem, error) {
	var it store.LineItem
	err := p.db.QueryRowContext(ctx, `SELECT id, recipient, amount, trace, sent, tx_hash FROM line_items
		WHERE request_id = $1 AND id = $2`, requestID, itemID).
		Scan(&it.ID, &it.Recipient, &it.Amount, &it.Trace, &it.Sent, &it.TxHash)
	if errors.Is(err, sql.ErrNoRows) {
		return it, store.ErrNotFound
	}
	return it, err
}

// SetLineItemHash records the hash the line item was sent with.
func (p *Postgres) SetLineItemHash(ctx context.Context, requestID, itemID, hash string) error {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE line_items SET tx_hash = $3 WHERE request_id = $1 AND id = $2`,
		requestID, itemID, hash))
	if err == nil && !ok {
		err = store.ErrNotFound
	}
	return err
}

// UpdateWithdrawProgress writes total and fullySent when the stored version matches.
func (p *Postgres) UpdateWithdrawProgress(ctx context.Context, r *store.WithdrawRequest) (bool, error) {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE withdraw_requests SET total_amount = $3, fully_sent = $4,
		version = version + 1 WHERE id = $1 AND version = $2`, r.ID, r.Version, r.TotalAmount, r.FullySent))
	if ok {
		r.Version++
	}
	return ok, err
}

// InsertAddress saves a new address.
func (p *Postgres) InsertAddress(ctx context.Context, a store.Address) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO addresses (coin, address, use, idx, key, unsent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, a.Coin, a.Address, string(a.Use), int64(a.Index), a.Key, a.Unsent,
		a.CreatedAt)
	if isDup(err) {
		return store.ErrDuplicate
	}
	return err
}

func scanAddress(s scanner) (store.Address, error) {
	var a store.Address
	var use string
	var idx int64
	err := s.Scan(&a.Coin, &a.Address, &use, &idx, &a.Key, &a.Unsent, &a.CreatedAt)
	a.Use, a.Index = store.Use(use), uint32(idx)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

// Address loads an address of coin.
func (p *Postgres) Address(ctx context.Context, coin, address string) (store.Address, error) {
	a, err := scanAddress(p.db.QueryRowContext(ctx, `SELECT coin, address, use, idx, key, unsent, created_at
		FROM addresses WHERE coin = $1 AND address = $2`, coin, address))
	if errors.Is(err, sql.ErrNoRows) {
		return a, store.ErrNotFound
	}
	return a, err
}

// Addresses returns the addresses of coin with the given use, ordered by index.
func (p *Postgres) Addresses(ctx context.Context, coin string, use store.Use) ([]store.Address, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT coin, address, use, idx, key, unsent, created_at FROM addresses
		WHERE coin = $1 AND use = $2 ORDER BY idx`, coin, string(use))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAddresses counts the addresses of coin.
func (p *Postgres) CountAddresses(ctx context.Context, coin string) (n int, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT count(*) FROM addresses WHERE coin = $1`, coin).Scan(&n)
	return
}

func (p *Postgres) incUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	ok, err := affected(p.db.ExecContext(ctx, `UPDATE addresses SET unsent = unsent + $3 WHERE coin = $1 AND address = $2`,
		coin, address, amount))
	if err == nil && !ok {
		err = store.ErrNotFound
	}
	return err
}

// AddUnsent increments the unsent accumulator of an address.
func (p *Postgres) AddUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return p.incUnsent(ctx, coin, address, amount)
}

// SubUnsent decrements the unsent accumulator of an address.
func (p *Postgres) SubUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return p.incUnsent(ctx, coin, address, amount.Neg())
}

// Cursor loads the cursor of chain.
func (p *Postgres) Cursor(ctx context.Context, chain string) (store.ChainCursor, error) {
	var c store.ChainCursor
	var h int64
	err := p.db.QueryRowContext(ctx, `SELECT chain, height, updated_at FROM chain_cursors WHERE chain = $1`, chain).
		Scan(&c.Chain, &h, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, store.ErrNotFound
	}
	c.Height, c.UpdatedAt = uint64(h), c.UpdatedAt.UTC()
	return c, err
}

// InitCursor creates the cursor of chain unless it exists.
func (p *Postgres) InitCursor(ctx context.Context, chain string, height uint64) (bool, error) {
	return affected(p.db.ExecContext(ctx, `INSERT INTO chain_cursors (chain, height, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (chain) DO NOTHING`, chain, int64(height)))
}

// AdvanceCursor moves the cursor forward if it is still at from.
func (p *Postgres) AdvanceCursor(ctx context.Context, chain string, from, to uint64) (bool, error) {
	if to <= from {
		return false, nil
	}
	return affected(p.db.ExecContext(ctx, `UPDATE chain_cursors SET height = $3, updated_at = now()
		WHERE chain = $1 AND height = $2`, chain, int64(from), int64(to)))
}

// EnqueueBlockUnits creates pending units for [from, to].
func (p *Postgres) EnqueueBlockUnits(ctx context.Context, chain string, from, to uint64) error {
	if to < from {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO block_units (chain, height, status, updated_at)
		SELECT $1, h, $4, now() FROM generate_series($2::bigint, $3::bigint) AS h
		ON CONFLICT (chain, height) DO NOTHING`, chain, int64(from), int64(to), string(store.UnitPending))
	return err
}

// NextBlockUnits returns pending units of chain, lowest heights first.
func (p *Postgres) NextBlockUnits(ctx context.Context, chain string, limit int) ([]store.BlockUnit, error) {
	q := `SELECT chain, height, status, updated_at FROM block_units WHERE chain = $1 AND status = $2 ORDER BY height`
	args := []interface{}{chain, string(store.UnitPending)}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.BlockUnit
	for rows.Next() {
		var u store.BlockUnit
		var h int64
		var status string
		if err = rows.Scan(&u.Chain, &h, &status, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Height, u.Status, u.UpdatedAt = uint64(h), store.UnitStatus(status), u.UpdatedAt.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetBlockUnitStatus moves a unit from -> to.
func (p *Postgres) SetBlockUnitStatus(ctx context.Context, chain string, height uint64, from, to store.UnitStatus) (bool, error) {
	return affected(p.db.ExecContext(ctx, `UPDATE block_units SET status = $4, updated_at = now()
		WHERE chain = $1 AND height = $2 AND status = $3`, chain, int64(height), string(from), string(to)))
}

// ResetProcessingUnits returns every processing unit of chain to pending.
func (p *Postgres) ResetProcessingUnits(ctx context.Context, chain string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE block_units SET status = $3, updated_at = now()
		WHERE chain = $1 AND status = $2`, chain, string(store.UnitProcessing), string(store.UnitPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertFailedNotification queues n.
func (p *Postgres) InsertFailedNotification(ctx context.Context, n *store.FailedNotification) error {
	if n.ID == "" {
		n.ID = store.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO failed_notifications (id, url, payload, created_at)
		VALUES ($1, $2, $3, $4)`, n.ID, n.URL, n.Payload, n.CreatedAt)
	return err
}

// FailedNotifications returns up to limit queued notifications, oldest first.
func (p *Postgres) FailedNotifications(ctx context.Context, limit int) ([]store.FailedNotification, error) {
	q := `SELECT id, url, payload, created_at FROM failed_notifications ORDER BY created_at`
	var args []interface{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FailedNotification
	for rows.Next() {
		var n store.FailedNotification
		if err = rows.Scan(&n.ID, &n.URL, &n.Payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteFailedNotification removes a queued notification.
func (p *Postgres) DeleteFailedNotification(ctx context.Context, id string) error {
	ok, err := affected(p.db.ExecContext(ctx, `DELETE FROM failed_notifications WHERE id = $1`, id))
	if err == nil && !ok {
		err = store.ErrNotFound
	}
	return err
}

// InsertApproved stores an allowance record.
func (p *Postgres) InsertApproved(ctx context.Context, a *store.Approved) error {
	if a.ID == "" {
		a.ID = store.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO approvals (id, coin, owner, spender, amount, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, a.ID, a.Coin, a.Owner, a.Spender, a.Amount, a.TxHash, a.CreatedAt)
	if isDup(err) {
		return store.ErrDuplicate
	}
	return err
}
