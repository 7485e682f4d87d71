//go:build integration

package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/order"
	"github.com/mbd888/settlehub/internal/testutil"
)

func pgOrder(id string, now time.Time) *order.Order {
	return &order.Order{
		ID:        id,
		BuyerID:   "usr_buyer",
		SellerID:  "usr_seller",
		ListingID: "lst_1",
		Items: []order.LineItem{
			{SKU: "sku-1", Description: "lamp", Quantity: 2, UnitPrice: money.MustParse("62.50")},
		},
		Total:     money.MustParse("125.00"),
		Currency:  money.USD,
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func pgTransaction(id, orderID string, kind methods.Kind, now time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		OrderID:   orderID,
		Kind:      kind,
		Amount:    money.MustParse("125.00"),
		Currency:  money.USD,
		Status:    StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_OrderRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("ord_pg_1", now)
	require.NoError(t, store.CreateOrder(ctx, o))
	assert.Equal(t, int64(1), o.Version)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, money.Equal(o.Total, got.Total))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "sku-1", got.Items[0].SKU)
	assert.True(t, money.Equal(money.MustParse("62.50"), got.Items[0].UnitPrice))
	assert.True(t, now.Equal(got.CreatedAt))

	got.Status = order.StatusAwaitingPayment
	got.MethodKind = methods.CashOnDelivery
	got.DueOnDelivery = true
	require.NoError(t, store.UpdateOrder(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	o.Status = order.StatusCancelled
	assert.ErrorIs(t, store.UpdateOrder(ctx, o), apperr.ErrConcurrentModification)

	_, err = store.GetOrder(ctx, "ord_missing")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestPostgresStore_CommitEnforcesOneActiveTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("ord_pg_2", now)
	require.NoError(t, store.CreateOrder(ctx, o))

	o.Status = order.StatusAwaitingPayment
	o.MethodKind = methods.Card
	first := pgTransaction("txn_pg_1", o.ID, methods.Card, now)
	require.NoError(t, store.Commit(ctx, o, first))
	assert.Equal(t, int64(2), o.Version)
	assert.Equal(t, int64(1), first.Version)

	second := pgTransaction("txn_pg_2", o.ID, methods.Wallet, now)
	assert.ErrorIs(t, store.Commit(ctx, nil, second), ErrSettlementInProgress)

	first.Status = StatusFailed
	first.FailureReason = ReasonDeclined
	require.NoError(t, store.Commit(ctx, nil, first))

	// Once the first attempt failed a new one may start.
	require.NoError(t, store.Commit(ctx, nil, second))

	txs, err := store.ListTransactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, StatusFailed, txs[0].Status)
	assert.Equal(t, ReasonDeclined, txs[0].FailureReason)
}

func TestPostgresStore_CommitRollsBackOnStaleOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("ord_pg_3", now)
	require.NoError(t, store.CreateOrder(ctx, o))
	stale := *o
	stale.Version = 7
	stale.Status = order.StatusAwaitingPayment

	tx := pgTransaction("txn_pg_3", o.ID, methods.Card, now)
	assert.ErrorIs(t, store.Commit(ctx, &stale, tx), apperr.ErrConcurrentModification)

	_, err := store.GetTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound, "transaction insert must roll back with the order update")
}

func TestPostgresStore_EscrowLookupAndRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("ord_pg_4", now)
	require.NoError(t, store.CreateOrder(ctx, o))

	tx := pgTransaction("txn_pg_4", o.ID, methods.Escrow, now)
	tx.EscrowID = "esc_pg_4"
	require.NoError(t, store.Commit(ctx, nil, tx))

	byEscrow, err := store.GetTransactionByEscrow(ctx, "esc_pg_4")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byEscrow.ID)

	tx.Status = StatusSettled
	tx.SettledAt = &now
	require.NoError(t, store.Commit(ctx, nil, tx))

	r := &Refund{
		ID:            "ref_pg_1",
		TransactionID: tx.ID,
		OrderID:       o.ID,
		Amount:        tx.Amount,
		Currency:      money.USD,
		GatewayRef:    "re_mem_0001",
		Reason:        "damaged",
		Actor:         "usr_seller",
		CreatedAt:     now,
	}
	require.NoError(t, store.SaveRefund(ctx, nil, r))

	dup := *r
	dup.ID = "ref_pg_2"
	assert.ErrorIs(t, store.SaveRefund(ctx, nil, &dup), ErrNotRefundable)

	got, err := store.GetRefund(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "ref_pg_1", got.ID)
	assert.True(t, money.Equal(tx.Amount, got.Amount))

	_, err = store.GetRefund(ctx, "txn_missing")
	assert.ErrorIs(t, err, ErrRefundNotFound)
}

func TestPostgresStore_EscrowReusedAfterFailedTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := pgOrder("ord_pg_5", now)
	require.NoError(t, store.CreateOrder(ctx, o))

	declined := pgTransaction("txn_pg_5a", o.ID, methods.Escrow, now)
	declined.EscrowID = "esc_pg_5"
	declined.Status = StatusFailed
	declined.FailureReason = ReasonDeclined
	require.NoError(t, store.Commit(ctx, nil, declined))

	retry := pgTransaction("txn_pg_5b", o.ID, methods.Escrow, now.Add(time.Second))
	retry.EscrowID = "esc_pg_5"
	require.NoError(t, store.Commit(ctx, nil, retry))

	latest, err := store.GetTransactionByEscrow(ctx, "esc_pg_5")
	require.NoError(t, err)
	assert.Equal(t, retry.ID, latest.ID)

	second := pgTransaction("txn_pg_5c", o.ID, methods.Escrow, now.Add(2*time.Second))
	second.EscrowID = "esc_pg_5"
	second.Status = StatusSettled
	second.SettledAt = &now
	assert.Error(t, store.Commit(ctx, nil, second), "one live transaction per escrow account")
}
