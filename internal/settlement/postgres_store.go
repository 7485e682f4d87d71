package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/order"
)

// PostgresStore persists orders, transactions and refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, listing_id, items, total, currency, status,
	method_kind, due_on_delivery, version, created_at, updated_at`

const transactionColumns = `id, order_id, kind, amount, currency, status, gateway_ref,
	failure_reason, due_on_delivery, escrow_id, proposal_id, non_monetary, settled_at,
	version, created_at, updated_at`

const refundColumns = `id, transaction_id, order_id, amount, currency, gateway_ref,
	reason, actor, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, $9, $10, 1, $11, $12)`,
		o.ID, o.BuyerID, o.SellerID, nullString(o.ListingID), items, money.Format(o.Total),
		string(o.Currency), string(o.Status), nullString(string(o.MethodKind)), o.DueOnDelivery,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.Version = 1
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *order.Order) error {
	if err := updateOrder(ctx, p.db, o); err != nil {
		return err
	}
	o.Version++
	return nil
}

// updateOrder writes the mutable order fields. Line items and totals are
// fixed at checkout.
func updateOrder(ctx context.Context, db execer, o *order.Order) error {
	result, err := db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, method_kind = $2, due_on_delivery = $3, updated_at = $4,
			version = version + 1
		WHERE id = $5 AND version = $6`,
		string(o.Status), nullString(string(o.MethodKind)), o.DueOnDelivery, o.UpdatedAt,
		o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return checkVersioned(ctx, db, result, "orders", o.ID, order.ErrOrderNotFound)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetTransactionByEscrow(ctx context.Context, escrowID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE escrow_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, escrowID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Commit(ctx context.Context, o *order.Order, t *Transaction) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if o != nil {
		if err := updateOrder(ctx, dbTx, o); err != nil {
			return err
		}
	}
	if t != nil {
		if t.Version == 0 {
			err = insertTransaction(ctx, dbTx, t)
		} else {
			err = updateTransaction(ctx, dbTx, t)
		}
		if err != nil {
			return err
		}
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if o != nil {
		o.Version++
	}
	if t != nil {
		t.Version++
	}
	return nil
}

func insertTransaction(ctx context.Context, db execer, t *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)`,
		t.ID, t.OrderID, string(t.Kind), money.Format(t.Amount), string(t.Currency), string(t.Status),
		nullString(t.GatewayRef), nullString(t.FailureReason), t.DueOnDelivery, nullString(t.EscrowID),
		nullString(t.ProposalID), t.NonMonetary, nullTime(t.SettledAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		// transactions_active_order is a partial unique index over
		// initiated and processing rows.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSettlementInProgress.Withf("order %s already has an active transaction", t.OrderID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// updateTransaction writes the status fields. Kind, amount and the
// kind-specific references are fixed at insert.
func updateTransaction(ctx context.Context, db execer, t *Transaction) error {
	result, err := db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, gateway_ref = $2, failure_reason = $3, settled_at = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		string(t.Status), nullString(t.GatewayRef), nullString(t.FailureReason), nullTime(t.SettledAt),
		t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return checkVersioned(ctx, db, result, "transactions", t.ID, ErrTransactionNotFound)
}

func (p *PostgresStore) SaveRefund(ctx context.Context, o *order.Order, r *Refund) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9)`,
		r.ID, r.TransactionID, r.OrderID, money.Format(r.Amount), string(r.Currency),
		r.GatewayRef, r.Reason, r.Actor, r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNotRefundable.Withf("transaction %s is already refunded", r.TransactionID)
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	if o != nil {
		if err := updateOrder(ctx, dbTx, o); err != nil {
			return err
		}
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if o != nil {
		o.Version++
	}
	return nil
}

func (p *PostgresStore) GetRefund(ctx context.Context, transactionID string) (*Refund, error) {
	r := &Refund{}
	var amount, currency string
	err := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE transaction_id = $1`, transactionID).
		Scan(&r.ID, &r.TransactionID, &r.OrderID, &amount, &currency, &r.GatewayRef, &r.Reason, &r.Actor, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Amount, err = money.Parse(amount); err != nil {
		return nil, fmt.Errorf("refund %s: %w", r.ID, err)
	}
	r.Currency = money.Currency(currency)
	return r, nil
}

// checkVersioned turns a zero-row versioned update into NotFound or a
// concurrent modification.
func checkVersioned(ctx context.Context, db execer, result sql.Result, table, id string, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return apperr.ErrConcurrentModification.Withf("%s %s was modified concurrently", table, id)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*order.Order, error) {
	o := &order.Order{}
	var (
		listingID, methodKind   sql.NullString
		items                   []byte
		total, currency, status string
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &listingID, &items, &total, &currency, &status,
		&methodKind, &o.DueOnDelivery, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Total, err = money.Parse(total); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("order %s: decode line items: %w", o.ID, err)
		}
	}
	o.ListingID = listingID.String
	o.Currency = money.Currency(currency)
	o.Status = order.Status(status)
	o.MethodKind = methods.Kind(methodKind.String)
	return o, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		gatewayRef, failureReason      sql.NullString
		escrowID, proposalID           sql.NullString
		settledAt                      sql.NullTime
		kind, amount, currency, status string
	)
	err := s.Scan(
		&t.ID, &t.OrderID, &kind, &amount, &currency, &status, &gatewayRef,
		&failureReason, &t.DueOnDelivery, &escrowID, &proposalID, &t.NonMonetary, &settledAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = money.Parse(amount); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	t.Kind = methods.Kind(kind)
	t.Currency = money.Currency(currency)
	t.Status = Status(status)
	t.GatewayRef = gatewayRef.String
	t.FailureReason = failureReason.String
	t.EscrowID = escrowID.String
	t.ProposalID = proposalID.String
	if settledAt.Valid {
		ts := settledAt.Time
		t.SettledAt = &ts
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
