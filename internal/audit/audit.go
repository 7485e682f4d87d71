// Package audit records an append-only trail of custody decisions: every
// escrow transition and dispute action, with prior state, new state, actor,
// and timestamp, so money movement can be reconstructed after the fact.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/logging"
)

// EntityType names the kind of record an entry describes.
type EntityType string

const (
	EntityEscrow      EntityType = "escrow"
	EntityDispute     EntityType = "dispute"
	EntityTransaction EntityType = "transaction"
	EntityProposal    EntityType = "barter_proposal"
)

// Entry is a single audit record. Entries are never updated or deleted.
type Entry struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	PriorState string     `json:"priorState"`
	NewState   string     `json:"newState"`
	Actor      string     `json:"actor"`
	Reason     string     `json:"reason,omitempty"`
	RequestID  string     `json:"requestId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

var ErrInvalidEntry = errors.New("audit entry requires entity id, new state and actor")

// Logger persists audit entries.
type Logger interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, entityID string, limit int) ([]*Entry, error)
}

// Record stamps entry with now and the request ID on ctx, then appends it.
// It runs after the transition it describes has committed, so failures are
// logged for operators instead of returned.
func Record(ctx context.Context, trail Logger, logger *slog.Logger, now time.Time, entry *Entry) {
	entry.CreatedAt = now
	entry.RequestID = logging.RequestID(ctx)
	if err := trail.Append(ctx, entry); err != nil {
		logger.Error("CRITICAL: audit entry not recorded",
			"entityType", entry.EntityType, "entityId", entry.EntityID,
			"newState", entry.NewState, "error", err)
	}
}

func validate(e *Entry) error {
	if e.EntityID == "" || e.NewState == "" || e.Actor == "" {
		return ErrInvalidEntry
	}
	return nil
}

// --- MemoryLog ---

// MemoryLog is an in-memory audit trail for demo/development mode.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryLog creates an empty in-memory audit trail.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *entry
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, &cp)
	entry.ID = cp.ID
	return nil
}

func (m *MemoryLog) List(_ context.Context, entityID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EntityID == entityID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- PostgresLog ---

// PostgresLog writes audit entries to PostgreSQL. The audit_log table has
// no UPDATE or DELETE grants in production.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates an audit logger backed by PostgreSQL.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return l.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, prior_state, new_state, actor, reason, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(entry.EntityType), entry.EntityID, entry.PriorState, entry.NewState,
		entry.Actor, nullString(entry.Reason), nullString(entry.RequestID), entry.CreatedAt,
	).Scan(&entry.ID)
}

func (l *PostgresLog) List(ctx context.Context, entityID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, prior_state, new_state, actor, reason, request_id, created_at
		FROM audit_log
		WHERE entity_id = $1
		ORDER BY id ASC
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var entityType string
		var reason, requestID sql.NullString
		if err := rows.Scan(&e.ID, &entityType, &e.EntityID, &e.PriorState, &e.NewState,
			&e.Actor, &reason, &requestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntityType = EntityType(entityType)
		e.Reason = reason.String
		e.RequestID = requestID.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
