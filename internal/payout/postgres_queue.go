package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/shopspring/decimal"
)

// PostgresQueue persists payout instructions in PostgreSQL. The unique
// constraint on dedupe_key makes Enqueue idempotent across replicas.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a PostgreSQL-backed payout queue.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

const instructionColumns = `id, dedupe_key, direction, payee_id, amount, currency,
	source_type, source_id, order_id, status, created_at`

func (q *PostgresQueue) Enqueue(ctx context.Context, inst *Instruction) (bool, error) {
	if err := inst.Validate(); err != nil {
		return false, err
	}
	if inst.Status == "" {
		inst.Status = StatusQueued
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO payout_instructions (`+instructionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		inst.ID, inst.Key, string(inst.Direction), inst.PayeeID, inst.Amount.StringFixed(2),
		inst.Currency, string(inst.SourceType), inst.SourceID, nullString(inst.OrderID),
		string(inst.Status), inst.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	existing, err := q.GetByKey(ctx, inst.Key)
	if err != nil {
		return false, err
	}
	*inst = *existing
	return false, nil
}

func (q *PostgresQueue) GetByKey(ctx context.Context, key string) (*Instruction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+instructionColumns+` FROM payout_instructions WHERE dedupe_key = $1`, key)
	inst, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (q *PostgresQueue) ListQueued(ctx context.Context, after *pagination.Cursor, limit int) ([]*Instruction, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = q.db.QueryContext(ctx, `
			SELECT `+instructionColumns+` FROM payout_instructions
			WHERE status = 'queued'
			ORDER BY created_at ASC, id ASC
			LIMIT $1`, limit)
	} else {
		rows, err = q.db.QueryContext(ctx, `
			SELECT `+instructionColumns+` FROM payout_instructions
			WHERE status = 'queued' AND (created_at, id) > ($1, $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3`, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Instruction
	for rows.Next() {
		inst, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInstruction(s scanner) (*Instruction, error) {
	inst := &Instruction{}
	var (
		direction, sourceType, status, amount string
		orderID                               sql.NullString
	)
	if err := s.Scan(&inst.ID, &inst.Key, &direction, &inst.PayeeID, &amount, &inst.Currency,
		&sourceType, &inst.SourceID, &orderID, &status, &inst.CreatedAt); err != nil {
		return nil, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	inst.Amount = amt
	inst.Direction = Direction(direction)
	inst.SourceType = SourceType(sourceType)
	inst.Status = Status(status)
	inst.OrderID = orderID.String
	return inst, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
