package barter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

// PostgresStore persists barter proposals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed proposal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const proposalColumns = `id, proposer_id, recipient_id, target_listing_id, order_id,
	offer_description, offer_estimated_value, offer_message, state, parent_id,
	counter_round, responded_at, responded_by, version, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, prop *Proposal) error {
	if err := insertProposal(ctx, p.db, prop); err != nil {
		return err
	}
	prop.Version = 1
	return nil
}

func insertProposal(ctx context.Context, db execer, prop *Proposal) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO barter_proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, $9, $10, $11, $12, $13, 1, $14, $15)`,
		prop.ID, prop.ProposerID, prop.RecipientID, prop.TargetListingID, nullString(prop.OrderID),
		prop.Offer.Description, money.Format(prop.Offer.EstimatedValue), nullString(prop.Offer.Message),
		string(prop.State), nullString(prop.ParentID), prop.CounterRound,
		nullTime(prop.RespondedAt), nullString(prop.RespondedBy), prop.CreatedAt, prop.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert barter proposal: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM barter_proposals WHERE id = $1`, id)
	prop, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	return prop, err
}

func (p *PostgresStore) Update(ctx context.Context, prop *Proposal) error {
	if err := updateProposal(ctx, p.db, prop); err != nil {
		return err
	}
	prop.Version++
	return nil
}

// updateProposal never touches the offer columns or created_at.
func updateProposal(ctx context.Context, db execer, prop *Proposal) error {
	result, err := db.ExecContext(ctx, `
		UPDATE barter_proposals SET
			state = $1, responded_at = $2, responded_by = $3, updated_at = $4,
			version = version + 1
		WHERE id = $5 AND version = $6`,
		string(prop.State), nullTime(prop.RespondedAt), nullString(prop.RespondedBy), prop.UpdatedAt,
		prop.ID, prop.Version,
	)
	if err != nil {
		return fmt.Errorf("update barter proposal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM barter_proposals WHERE id = $1)`, prop.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrProposalNotFound
	}
	return apperr.ErrConcurrentModification.Withf("proposal %s was modified concurrently", prop.ID)
}

func (p *PostgresStore) Counter(ctx context.Context, original, counter *Proposal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateProposal(ctx, tx, original); err != nil {
		return err
	}
	if err := insertProposal(ctx, tx, counter); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	original.Version++
	counter.Version = 1
	return nil
}

func (p *PostgresStore) GetByParent(ctx context.Context, parentID string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM barter_proposals WHERE parent_id = $1`, parentID)
	prop, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	return prop, err
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error) {
	return p.query(ctx, `
		SELECT `+proposalColumns+` FROM barter_proposals
		WHERE target_listing_id = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2`, listingID, limit)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Proposal, error) {
	return p.query(ctx, `
		SELECT `+proposalColumns+` FROM barter_proposals
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `
		SELECT `+proposalColumns+` FROM barter_proposals
		WHERE state = 'proposed' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Proposal
	for rows.Next() {
		prop, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prop)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(s scanner) (*Proposal, error) {
	prop := &Proposal{}
	var (
		orderID, message, parentID sql.NullString
		respondedBy                sql.NullString
		respondedAt                sql.NullTime
		value, state               string
	)
	err := s.Scan(
		&prop.ID, &prop.ProposerID, &prop.RecipientID, &prop.TargetListingID, &orderID,
		&prop.Offer.Description, &value, &message, &state, &parentID,
		&prop.CounterRound, &respondedAt, &respondedBy, &prop.Version, &prop.CreatedAt, &prop.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if prop.Offer.EstimatedValue, err = money.Parse(value); err != nil {
		return nil, fmt.Errorf("proposal %s: %w", prop.ID, err)
	}
	prop.OrderID = orderID.String
	prop.Offer.Message = message.String
	prop.State = State(state)
	prop.ParentID = parentID.String
	prop.RespondedBy = respondedBy.String
	if respondedAt.Valid {
		t := respondedAt.Time
		prop.RespondedAt = &t
	}
	return prop, nil
}

// PostgresDirectory reads listing ownership from the listings table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed listing directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Put registers or replaces a listing.
func (d *PostgresDirectory) Put(ctx context.Context, l *Listing) error {
	if l.ID == "" || l.OwnerID == "" {
		return apperr.Validationf("listing id and owner are required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO listings (id, owner_id, title, price)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2))
		ON CONFLICT (id) DO UPDATE SET owner_id = $2, title = $3, price = $4::NUMERIC(20,2)`,
		l.ID, l.OwnerID, l.Title, money.Format(l.Price),
	)
	return err
}

func (d *PostgresDirectory) GetListing(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var price string
	err := d.db.QueryRowContext(ctx, `SELECT id, owner_id, title, price FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.OwnerID, &l.Title, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound.Withf("listing %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if l.Price, err = money.Parse(price); err != nil {
		return nil, fmt.Errorf("listing %s: %w", id, err)
	}
	return l, nil
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

var (
	_ Store            = (*PostgresStore)(nil)
	_ ListingDirectory = (*PostgresDirectory)(nil)
)
