package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instruction(id, key string) *Instruction {
	return &Instruction{
		ID:         id,
		Key:        key,
		Direction:  ToSeller,
		PayeeID:    "usr_seller",
		Amount:     money.MustParse("250.00"),
		Currency:   "USD",
		SourceType: SourceEscrow,
		SourceID:   "esc_1",
	}
}

func TestMemoryQueue_DeduplicatesByKey(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	key := KeyFor(SourceEscrow, "esc_1")

	created, err := q.Enqueue(ctx, instruction("pay_1", key))
	require.NoError(t, err)
	assert.True(t, created)

	dup := instruction("pay_2", key)
	dup.Direction = ToBuyer
	created, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "pay_1", dup.ID, "duplicate should be replaced by stored instruction")
	assert.Equal(t, ToSeller, dup.Direction)

	queued, err := q.ListQueued(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestMemoryQueue_RejectsInvalid(t *testing.T) {
	q := NewMemoryQueue()
	bad := instruction("pay_1", "escrow:esc_1")
	bad.Amount = money.Zero

	_, err := q.Enqueue(context.Background(), bad)
	assert.True(t, errors.Is(err, ErrInvalidInstruction))
}

func TestMemoryQueue_GetByKey(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.GetByKey(ctx, "escrow:missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = q.Enqueue(ctx, instruction("pay_1", "escrow:esc_1"))
	require.NoError(t, err)
	got, err := q.GetByKey(ctx, "escrow:esc_1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "250.00", money.Format(got.Amount))
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "escrow:esc_1", KeyFor(SourceEscrow, "esc_1"))
	assert.Equal(t, "transaction:txn_1", KeyFor(SourceTransaction, "txn_1"))
}

func TestMemoryQueue_ListQueuedAfterCursor(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"pay_1", "pay_2", "pay_3"} {
		inst := instruction(id, KeyFor(SourceEscrow, id))
		inst.CreatedAt = start.Add(time.Duration(i) * time.Minute)
		_, err := q.Enqueue(ctx, inst)
		require.NoError(t, err)
	}

	first, err := q.ListQueued(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "pay_1", first[0].ID)

	rest, err := q.ListQueued(ctx, &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "pay_3", rest[0].ID)
}
