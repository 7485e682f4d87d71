package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

// PostgresStore persists escrow accounts and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, order_id, buyer_id, seller_id, amount, currency, state,
	funded_at, delivered_at, review_window_ends, released_at, released_by,
	dispute_id, version, created_at, updated_at`

const disputeColumns = `id, escrow_id, order_id, raised_by, reason, resolution,
	resolution_notes, resolved_by, resolved_at, version, created_at, updated_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15)`,
		a.ID, a.OrderID, a.BuyerID, a.SellerID, money.Format(a.Amount), string(a.Currency), string(a.State),
		nullTime(a.FundedAt), nullTime(a.DeliveredAt), nullTime(a.ReviewWindowEnds), nullTime(a.ReleasedAt),
		nullString(string(a.ReleasedBy)), nullString(a.DisputeID), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		// escrow_accounts_active_order is a partial unique index over
		// non-terminal states.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrActiveEscrowExists.Withf("order %s already has an active escrow account", a.OrderID)
		}
		return fmt.Errorf("insert escrow account: %w", err)
	}
	a.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return a, err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	if err := updateAccount(ctx, p.db, a); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (p *PostgresStore) SaveWithDispute(ctx context.Context, a *Account, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateAccount(ctx, tx, a); err != nil {
		return err
	}
	if d.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO disputes (`+disputeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
			d.ID, d.EscrowID, d.OrderID, d.RaisedBy, d.Reason, string(d.Resolution),
			nullString(d.ResolutionNotes), nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
			d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert dispute: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE disputes SET
				resolution = $1, resolution_notes = $2, resolved_by = $3,
				resolved_at = $4, updated_at = $5, version = version + 1
			WHERE id = $6 AND version = $7`,
			string(d.Resolution), nullString(d.ResolutionNotes), nullString(d.ResolvedBy),
			nullTime(d.ResolvedAt), d.UpdatedAt, d.ID, d.Version,
		)
		if err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}
		if err := checkVersioned(ctx, tx, result, "disputes", d.ID, ErrDisputeNotFound); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version++
	d.Version++
	return nil
}

func updateAccount(ctx context.Context, db execer, a *Account) error {
	result, err := db.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			state = $1, funded_at = $2, delivered_at = $3, review_window_ends = $4,
			released_at = $5, released_by = $6, dispute_id = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(a.State), nullTime(a.FundedAt), nullTime(a.DeliveredAt), nullTime(a.ReviewWindowEnds),
		nullTime(a.ReleasedAt), nullString(string(a.ReleasedBy)), nullString(a.DisputeID), a.UpdatedAt,
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update escrow account: %w", err)
	}
	return checkVersioned(ctx, db, result, "escrow_accounts", a.ID, ErrEscrowNotFound)
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

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListPendingDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE resolution = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM escrow_accounts
		WHERE state = 'funded'
		  AND review_window_ends IS NOT NULL
		  AND review_window_ends <= $1
		ORDER BY review_window_ends ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAccounts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	a := &Account{}
	var (
		amount, currency, state string
		fundedAt, deliveredAt   sql.NullTime
		windowEnds, releasedAt  sql.NullTime
		releasedBy, disputeID   sql.NullString
	)
	err := s.Scan(
		&a.ID, &a.OrderID, &a.BuyerID, &a.SellerID, &amount, &currency, &state,
		&fundedAt, &deliveredAt, &windowEnds, &releasedAt, &releasedBy,
		&disputeID, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Amount, err = money.Parse(amount); err != nil {
		return nil, fmt.Errorf("escrow %s: %w", a.ID, err)
	}
	a.Currency = money.Currency(currency)
	a.State = State(state)
	a.FundedAt = timePtr(fundedAt)
	a.DeliveredAt = timePtr(deliveredAt)
	a.ReviewWindowEnds = timePtr(windowEnds)
	a.ReleasedAt = timePtr(releasedAt)
	a.ReleasedBy = Trigger(releasedBy.String)
	a.DisputeID = disputeID.String
	return a, nil
}

func scanAccounts(rows *sql.Rows) ([]*Account, error) {
	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		resolution        string
		notes, resolvedBy sql.NullString
		resolvedAt        sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.OrderID, &d.RaisedBy, &d.Reason, &resolution,
		&notes, &resolvedBy, &resolvedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Resolution = Resolution(resolution)
	d.ResolutionNotes = notes.String
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
