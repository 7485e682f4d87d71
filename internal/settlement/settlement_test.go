package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/barter"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/order"
	"github.com/mbd888/settlehub/internal/payout"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer    = "usr_buyer"
	seller   = "usr_seller"
	admin    = "usr_admin"
	stranger = "usr_stranger"
)

type fixture struct {
	engine  *Engine
	store   *MemoryStore
	gw      *gateway.MemoryGateway
	escrows *escrow.Service
	barters *barter.Service
	payouts *payout.MemoryQueue
	audit   *audit.MemoryLog
	notes   *notify.Recorder
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	roles := identity.NewManager(identity.NewMemoryStore())
	require.NoError(t, roles.GrantRole(ctx, buyer, identity.RoleBuyer))
	require.NoError(t, roles.GrantRole(ctx, seller, identity.RoleSeller))
	require.NoError(t, roles.GrantRole(ctx, admin, identity.RoleAdmin))

	listings := barter.NewMemoryDirectory()
	require.NoError(t, listings.Put(ctx, &barter.Listing{
		ID: "lst_1", OwnerID: seller, Title: "Vintage lamp", Price: money.MustParse("35.00"),
	}))

	registry, err := methods.NewRegistry(
		methods.DefaultMethods(money.MustParse("100.00"), money.MustParse("100.00")),
		methods.DefaultDisplay())
	require.NoError(t, err)

	f := &fixture{
		store:   NewMemoryStore(),
		gw:      gateway.NewMemoryGateway(),
		payouts: payout.NewMemoryQueue(),
		audit:   audit.NewMemoryLog(),
		notes:   &notify.Recorder{},
		clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	ids := &idgen.Sequence{}
	client := gateway.NewClient(f.gw, logger).
		WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}).
		WithTimeout(50 * time.Millisecond)

	f.escrows = escrow.NewService(escrow.NewMemoryStore(), f.audit, f.payouts, logger).
		WithClock(f.clock).WithIDs(ids).WithNotifier(f.notes)
	f.barters = barter.NewService(barter.NewMemoryStore(), listings, roles, f.audit, logger).
		WithClock(f.clock).WithIDs(ids).WithNotifier(f.notes)
	f.engine = NewEngine(f.store, registry, client, f.escrows, f.barters, f.payouts, roles, f.audit, logger).
		WithClock(f.clock).WithIDs(ids).WithNotifier(f.notes)
	f.escrows.SetObserver(f.engine)
	f.barters.SetObserver(f.engine)
	return f
}

func (f *fixture) order(t *testing.T, total string) *order.Order {
	t.Helper()
	o, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		BuyerID:   buyer,
		SellerID:  seller,
		ListingID: "lst_1",
		Total:     money.MustParse(total),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) selectCard(t *testing.T, o *order.Order, token string) *Selection {
	t.Helper()
	sel, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Card, MethodToken: token,
	})
	require.NoError(t, err)
	return sel
}

func (f *fixture) selectEscrow(t *testing.T, o *order.Order, token string) *Selection {
	t.Helper()
	sel, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Escrow, MethodToken: token,
	})
	require.NoError(t, err)
	return sel
}

func (f *fixture) status(t *testing.T, orderID string) order.Status {
	t.Helper()
	o, err := f.engine.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) queued(t *testing.T) []*payout.Instruction {
	t.Helper()
	q, err := f.payouts.ListQueued(context.Background(), nil, 100)
	require.NoError(t, err)
	return q
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "125.00")

	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, money.USD, o.Currency)
	assert.Equal(t, int64(1), o.Version)
	assert.Contains(t, f.notes.Kinds(), notify.OrderCreated)

	_, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		BuyerID: buyer, SellerID: buyer, Total: money.MustParse("10.00"),
	})
	assert.ErrorIs(t, err, order.ErrInvalidOrder)
}

func TestEscrowCheckout_ReleasedOnBuyerConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "125.00")

	sel := f.selectEscrow(t, o, gateway.TokenApprove)
	require.NotNil(t, sel.Escrow)
	assert.Equal(t, escrow.StateFunded, sel.Escrow.State)
	assert.Equal(t, StatusSettled, sel.Transaction.Status)
	assert.Equal(t, "pi_mem_0001", sel.Transaction.GatewayRef)
	assert.Equal(t, sel.Escrow.ID, sel.Transaction.EscrowID)
	assert.Equal(t, order.StatusPaymentSettled, sel.Order.Status)
	assert.Equal(t, 1, f.gw.Captured())
	assert.Empty(t, f.queued(t), "escrow funding pays nobody")

	acct, err := f.escrows.Release(ctx, sel.Escrow.ID, escrow.TriggerBuyer, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleasedToSeller, acct.State)
	assert.Equal(t, order.StatusCompleted, f.status(t, o.ID))

	q := f.queued(t)
	require.Len(t, q, 1)
	assert.Equal(t, payout.ToSeller, q[0].Direction)
	assert.Equal(t, seller, q[0].PayeeID)
	assert.True(t, money.Equal(money.MustParse("125.00"), q[0].Amount))

	_, err = f.escrows.Release(ctx, sel.Escrow.ID, escrow.TriggerBuyer, buyer)
	assert.ErrorIs(t, err, escrow.ErrAlreadyReleased)
	assert.Len(t, f.queued(t), 1)
}

func TestEscrow_RequiresGatewayCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "150.00")

	_, err := f.engine.SelectMethod(ctx, SelectRequest{OrderID: o.ID, Actor: buyer, Method: methods.Escrow})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	accts, err := f.escrows.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, accts)
	assert.Equal(t, 0, f.gw.Calls())

	sel := f.selectEscrow(t, o, gateway.TokenApprove)
	assert.Equal(t, escrow.StateFunded, sel.Escrow.State)
	assert.Equal(t, 1, f.gw.Captured())

	acct, err := f.escrows.Release(ctx, sel.Escrow.ID, escrow.TriggerBuyer, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleasedToSeller, acct.State)
	q := f.queued(t)
	require.Len(t, q, 1)
	assert.True(t, money.Equal(money.MustParse("150.00"), q[0].Amount))
	assert.Equal(t, 1, f.gw.Captured(), "release pays out only what was captured")
}

func TestEscrow_DeclineKeepsAccountForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "80.00")

	declined := f.selectEscrow(t, o, gateway.TokenDecline)
	assert.Equal(t, StatusFailed, declined.Transaction.Status)
	assert.Equal(t, "card_declined", declined.Transaction.FailureReason)
	assert.Equal(t, order.StatusAwaitingPayment, declined.Order.Status)
	require.NotNil(t, declined.Escrow)
	assert.Equal(t, escrow.StateCreated, declined.Escrow.State)

	sel := f.selectEscrow(t, o, gateway.TokenApprove)
	assert.Equal(t, declined.Escrow.ID, sel.Escrow.ID)
	assert.Equal(t, escrow.StateFunded, sel.Escrow.State)
	assert.Equal(t, StatusSettled, sel.Transaction.Status)

	accts, err := f.escrows.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, accts, 1)

	latest, err := f.store.GetTransactionByEscrow(ctx, sel.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, sel.Transaction.ID, latest.ID)
}

func TestEscrow_ConfirmFundsPendingCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "90.00")

	sel := f.selectEscrow(t, o, gateway.TokenPending)
	assert.Equal(t, StatusProcessing, sel.Transaction.Status)
	assert.Equal(t, escrow.StateCreated, sel.Escrow.State)

	_, err := f.engine.Confirm(ctx, sel.Transaction.ID, gateway.Result{
		Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("89.00"),
	})
	assert.ErrorIs(t, err, ErrAmountMismatch)
	acct, err := f.escrows.Get(ctx, sel.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCreated, acct.State)

	result := gateway.Result{Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("90.00")}
	for i := 0; i < 2; i++ {
		tx, err := f.engine.Confirm(ctx, sel.Transaction.ID, result)
		require.NoError(t, err)
		assert.Equal(t, StatusSettled, tx.Status)
	}
	acct, err = f.escrows.Get(ctx, sel.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateFunded, acct.State)
	assert.Equal(t, order.StatusPaymentSettled, f.status(t, o.ID))
	assert.Empty(t, f.queued(t))
}

func TestEscrow_CancelledOrderIsNeverFunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "150.00")
	sel := f.selectEscrow(t, o, gateway.TokenPending)

	_, err := f.engine.Cancel(ctx, o.ID, buyer)
	require.NoError(t, err)

	late := gateway.Result{Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("150.00")}
	tx, err := f.engine.Confirm(ctx, sel.Transaction.ID, late)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, ReasonCancelled, tx.FailureReason)

	acct, err := f.escrows.Get(ctx, sel.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCreated, acct.State)
	_, err = f.escrows.Release(ctx, acct.ID, escrow.TriggerBuyer, buyer)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	assert.Equal(t, 1, f.gw.Refunded())
	r, err := f.engine.GetRefund(ctx, sel.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, money.Equal(money.MustParse("150.00"), r.Amount))
	assert.Empty(t, f.queued(t))
	assert.Equal(t, order.StatusCancelled, f.status(t, o.ID))
}

func TestEscrow_FundedOrderCancelRequiresDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "70.00")
	sel := f.selectEscrow(t, o, gateway.TokenApprove)

	_, err := f.engine.Cancel(ctx, o.ID, buyer)
	assert.ErrorIs(t, err, ErrRefundRequired)
	assert.Contains(t, err.Error(), sel.Escrow.ID)

	_, err = f.engine.Refund(ctx, sel.Transaction.ID, seller, "")
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Equal(t, order.StatusPaymentSettled, f.status(t, o.ID))
}

// conflictingStore fails the next n commits the way a concurrent writer would.
type conflictingStore struct {
	*MemoryStore
	n int
}

func (s *conflictingStore) Commit(ctx context.Context, o *order.Order, tx *Transaction) error {
	if s.n > 0 {
		s.n--
		return apperr.ErrConcurrentModification.Withf("order changed concurrently")
	}
	return s.MemoryStore.Commit(ctx, o, tx)
}

func TestEscrow_RetryAfterFailedCommitReusesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")
	f.engine.store = &conflictingStore{MemoryStore: f.store, n: 1}

	_, err := f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Escrow, MethodToken: gateway.TokenApprove,
	})
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
	assert.Equal(t, order.StatusPending, f.status(t, o.ID))
	accts, err := f.escrows.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, 0, f.gw.Calls())

	sel := f.selectEscrow(t, o, gateway.TokenApprove)
	assert.Equal(t, accts[0].ID, sel.Escrow.ID)
	assert.Equal(t, escrow.StateFunded, sel.Escrow.State)
	assert.Equal(t, order.StatusPaymentSettled, sel.Order.Status)
}

func TestCashOnDelivery_SettlesImmediately(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "40.00")

	sel, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.CashOnDelivery,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSettled, sel.Transaction.Status)
	assert.True(t, sel.Transaction.DueOnDelivery)
	assert.Empty(t, sel.Transaction.EscrowID)
	assert.Nil(t, sel.Escrow)
	assert.Equal(t, order.StatusFulfilling, sel.Order.Status)
	assert.True(t, sel.Order.DueOnDelivery)
	assert.Empty(t, f.queued(t))
	assert.Equal(t, 0, f.gw.Calls())
}

func TestCashOnDelivery_OverCeiling(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "150.00")

	_, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.CashOnDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, order.StatusPending, f.status(t, o.ID))
}

func TestSelectMethod_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")

	_, err := f.engine.SelectMethod(ctx, SelectRequest{OrderID: o.ID, Actor: seller, Method: methods.Escrow})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.engine.SelectMethod(ctx, SelectRequest{OrderID: o.ID, Actor: buyer, Method: "crypto"})
	assert.ErrorIs(t, err, methods.ErrUnknownMethod)

	_, err = f.engine.SelectMethod(ctx, SelectRequest{OrderID: o.ID, Actor: buyer, Method: methods.Card})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.engine.SelectMethod(ctx, SelectRequest{OrderID: "ord_missing", Actor: buyer, Method: methods.Escrow})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	_, err = f.engine.SelectMethod(ctx, SelectRequest{OrderID: o.ID, Actor: buyer, Method: methods.Escrow})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	f.selectEscrow(t, o, gateway.TokenPending)
	_, err = f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Escrow, MethodToken: gateway.TokenApprove,
	})
	assert.ErrorIs(t, err, ErrSettlementInProgress)
}

func TestCard_CaptureSettlesAndQueuesPayout(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "60.00")

	sel := f.selectCard(t, o, gateway.TokenApprove)
	assert.Equal(t, StatusSettled, sel.Transaction.Status)
	assert.Equal(t, "pi_mem_0001", sel.Transaction.GatewayRef)
	assert.Equal(t, order.StatusPaymentSettled, sel.Order.Status)

	q := f.queued(t)
	require.Len(t, q, 1)
	assert.Equal(t, payout.KeyFor(payout.SourceTransaction, sel.Transaction.ID), q[0].Key)
	assert.Contains(t, f.notes.Kinds(), notify.TransactionSettled)
}

func TestCard_DeclineReopensOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "60.00")

	sel := f.selectCard(t, o, gateway.TokenDecline)
	assert.Equal(t, StatusFailed, sel.Transaction.Status)
	assert.Equal(t, "card_declined", sel.Transaction.FailureReason)
	assert.Equal(t, order.StatusAwaitingPayment, sel.Order.Status)
	assert.Empty(t, f.queued(t))

	retried := f.selectCard(t, o, gateway.TokenApprove)
	assert.Equal(t, StatusSettled, retried.Transaction.Status)

	txs, err := f.engine.ListTransactions(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, StatusFailed, txs[0].Status)
	assert.Equal(t, StatusSettled, txs[1].Status)
}

func TestCard_UnknownOutcomeFailsTransaction(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "60.00")
	f.gw.FailNext(3)

	_, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Card, MethodToken: gateway.TokenApprove,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))

	txs, err := f.engine.ListTransactions(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, StatusFailed, txs[0].Status)
	assert.Equal(t, ReasonGatewayError, txs[0].FailureReason)
	assert.Equal(t, order.StatusAwaitingPayment, f.status(t, o.ID))
}

func TestConfirm_RepeatedResultIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")
	sel := f.selectCard(t, o, gateway.TokenApprove)

	result := gateway.Result{
		Reference: sel.Transaction.GatewayRef,
		Status:    gateway.StatusSucceeded,
		Amount:    money.MustParse("60.00"),
	}
	for i := 0; i < 3; i++ {
		tx, err := f.engine.Confirm(ctx, sel.Transaction.ID, result)
		require.NoError(t, err)
		assert.Equal(t, StatusSettled, tx.Status)
	}
	assert.Len(t, f.queued(t), 1)
	assert.Equal(t, 1, f.gw.Captured())

	entries, err := f.audit.List(ctx, sel.Transaction.ID, 100)
	require.NoError(t, err)
	settled := 0
	for _, e := range entries {
		if e.NewState == string(StatusSettled) {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
}

func TestConfirm_ContradictionIsInconsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")
	sel := f.selectCard(t, o, gateway.TokenApprove)

	_, err := f.engine.Confirm(ctx, sel.Transaction.ID, gateway.Result{
		Reference: sel.Transaction.GatewayRef, Status: gateway.StatusDeclined,
	})
	assert.ErrorIs(t, err, apperr.ErrInconsistentState)

	tx, err := f.engine.GetTransaction(ctx, sel.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, tx.Status)
}

func TestConfirm_PendingThenSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")

	sel := f.selectCard(t, o, gateway.TokenPending)
	assert.Equal(t, StatusProcessing, sel.Transaction.Status)
	assert.Equal(t, "pi_mem_0001", sel.Transaction.GatewayRef)
	assert.Equal(t, order.StatusAwaitingPayment, sel.Order.Status)

	_, err := f.engine.Confirm(ctx, sel.Transaction.ID, gateway.Result{
		Reference: "pi_other", Status: gateway.StatusSucceeded,
	})
	assert.ErrorIs(t, err, apperr.ErrInconsistentState)

	_, err = f.engine.Confirm(ctx, sel.Transaction.ID, gateway.Result{
		Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("59.00"),
	})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	tx, err := f.engine.Confirm(ctx, sel.Transaction.ID, gateway.Result{
		Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("60.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, tx.Status)
	assert.Equal(t, order.StatusPaymentSettled, f.status(t, o.ID))
}

func TestConfirm_RejectsNonGatewayKinds(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "40.00")
	sel, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.CashOnDelivery,
	})
	require.NoError(t, err)

	_, err = f.engine.Confirm(context.Background(), sel.Transaction.ID, gateway.Result{
		Reference: "pi_x", Status: gateway.StatusSucceeded,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.engine.Confirm(context.Background(), sel.Transaction.ID, gateway.Result{Status: "maybe"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCancel_LateCaptureIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")
	sel := f.selectCard(t, o, gateway.TokenPending)

	cancelled, err := f.engine.Cancel(ctx, o.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)

	tx, err := f.engine.GetTransaction(ctx, sel.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, ReasonCancelled, tx.FailureReason)

	late := gateway.Result{Reference: "pi_mem_0001", Status: gateway.StatusSucceeded, Amount: money.MustParse("60.00")}
	for i := 0; i < 2; i++ {
		tx, err = f.engine.Confirm(ctx, sel.Transaction.ID, late)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, tx.Status)
	}
	assert.Equal(t, 1, f.gw.Refunded())
	r, err := f.engine.GetRefund(ctx, sel.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, SystemActor, r.Actor)
	assert.Empty(t, f.queued(t))
	assert.Equal(t, order.StatusCancelled, f.status(t, o.ID))
}

func TestCancel_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.order(t, "60.00")
	_, err := f.engine.Cancel(ctx, o.ID, stranger)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	f.selectCard(t, o, gateway.TokenApprove)
	_, err = f.engine.Cancel(ctx, o.ID, buyer)
	assert.ErrorIs(t, err, ErrRefundRequired)

	other := f.order(t, "20.00")
	_, err = f.engine.Cancel(ctx, other.ID, admin)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, other.ID, buyer)
	assert.ErrorIs(t, err, order.ErrOrderClosed)
}

func TestCancel_CashOnDeliveryOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "40.00")
	_, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.CashOnDelivery,
	})
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(context.Background(), o.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "60.00")
	sel := f.selectCard(t, o, gateway.TokenApprove)

	_, err := f.engine.Refund(ctx, sel.Transaction.ID, buyer, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	r, err := f.engine.Refund(ctx, sel.Transaction.ID, seller, "item out of stock")
	require.NoError(t, err)
	assert.Equal(t, "item out of stock", r.Reason)
	assert.True(t, money.Equal(money.MustParse("60.00"), r.Amount))
	assert.Equal(t, order.StatusCancelled, f.status(t, o.ID))
	assert.Contains(t, f.notes.Kinds(), notify.TransactionRefunded)

	again, err := f.engine.Refund(ctx, sel.Transaction.ID, admin, "")
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, 1, f.gw.Refunded())

	tx, err := f.engine.GetTransaction(ctx, sel.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, tx.Status)
}

func TestRefund_NotRefundable(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "40.00")
	sel, err := f.engine.SelectMethod(context.Background(), SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.CashOnDelivery,
	})
	require.NoError(t, err)

	_, err = f.engine.Refund(context.Background(), sel.Transaction.ID, seller, "")
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestBarter_AcceptCompletesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "35.00")

	sel, err := f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Barter,
		Offer: &barter.Offer{Description: "Hand-thrown vase", EstimatedValue: money.MustParse("30.00")},
	})
	require.NoError(t, err)
	require.NotNil(t, sel.Proposal)
	assert.Nil(t, sel.Transaction)
	assert.Equal(t, order.StatusPending, sel.Order.Status)
	assert.Equal(t, o.ID, sel.Proposal.OrderID)

	_, err = f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Escrow, MethodToken: gateway.TokenApprove,
	})
	assert.ErrorIs(t, err, ErrSettlementInProgress)

	_, err = f.barters.Respond(ctx, sel.Proposal.ID, barter.RespondRequest{Action: barter.ActionAccept, By: seller})
	require.NoError(t, err)

	assert.Equal(t, order.StatusCompleted, f.status(t, o.ID))
	txs, err := f.engine.ListTransactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, methods.Barter, txs[0].Kind)
	assert.Equal(t, StatusSettled, txs[0].Status)
	assert.True(t, txs[0].NonMonetary)
	assert.Equal(t, sel.Proposal.ID, txs[0].ProposalID)
	assert.True(t, money.Equal(money.MustParse("30.00"), txs[0].Amount))
	assert.Empty(t, f.queued(t))
}

func TestBarter_ListingMustBelongToSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, CreateOrderRequest{
		BuyerID: buyer, SellerID: admin, ListingID: "lst_1", Total: money.MustParse("35.00"),
	})
	require.NoError(t, err)

	_, err = f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Barter,
		Offer: &barter.Offer{Description: "Hand-thrown vase", EstimatedValue: money.MustParse("30.00")},
	})
	assert.ErrorIs(t, err, barter.ErrListingOwner)
	assert.Equal(t, order.StatusPending, f.status(t, o.ID))

	open, err := f.barters.OpenForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestBarter_RejectReopensOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "35.00")

	sel, err := f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Barter,
		Offer: &barter.Offer{Description: "Bike lights", EstimatedValue: money.MustParse("20.00")},
	})
	require.NoError(t, err)

	_, err = f.barters.Respond(ctx, sel.Proposal.ID, barter.RespondRequest{Action: barter.ActionReject, By: seller})
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingPayment, f.status(t, o.ID))

	card := f.selectCard(t, o, gateway.TokenApprove)
	assert.Equal(t, StatusSettled, card.Transaction.Status)
}

func TestBarter_CancelWithdrawsOpenProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "35.00")

	sel, err := f.engine.SelectMethod(ctx, SelectRequest{
		OrderID: o.ID, Actor: buyer, Method: methods.Barter,
		Offer: &barter.Offer{Description: "Bike lights", EstimatedValue: money.MustParse("20.00")},
	})
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, o.ID, buyer)
	require.NoError(t, err)

	p, err := f.barters.Get(ctx, sel.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, barter.StateWithdrawn, p.State)
	assert.Equal(t, order.StatusCancelled, f.status(t, o.ID))
}

func TestCanView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "10.00")

	assert.True(t, f.engine.CanView(ctx, o, buyer))
	assert.True(t, f.engine.CanView(ctx, o, seller))
	assert.True(t, f.engine.CanView(ctx, o, admin))
	assert.False(t, f.engine.CanView(ctx, o, stranger))
	assert.False(t, f.engine.CanView(ctx, o, ""))
}

func TestTransaction_Validate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := func(kind methods.Kind) Transaction {
		return Transaction{
			ID: "txn_1", OrderID: "ord_1", Kind: kind, Amount: money.MustParse("10.00"),
			Currency: money.USD, Status: StatusProcessing,
		}
	}
	tests := []struct {
		name  string
		tx    func() Transaction
		valid bool
	}{
		{"card processing", func() Transaction { return base(methods.Card) }, true},
		{"card with ref", func() Transaction { tx := base(methods.Card); tx.GatewayRef = "pi_1"; return tx }, true},
		{"escrow needs account", func() Transaction { return base(methods.Escrow) }, false},
		{"escrow with account", func() Transaction { tx := base(methods.Escrow); tx.EscrowID = "esc_1"; return tx }, true},
		{"escrow with ref", func() Transaction {
			tx := base(methods.Escrow)
			tx.EscrowID = "esc_1"
			tx.GatewayRef = "pi_1"
			return tx
		}, true},
		{"cod needs due on delivery", func() Transaction { return base(methods.CashOnDelivery) }, false},
		{"cod with ref", func() Transaction {
			tx := base(methods.CashOnDelivery)
			tx.DueOnDelivery = true
			tx.GatewayRef = "pi_1"
			return tx
		}, false},
		{"card due on delivery", func() Transaction { tx := base(methods.Card); tx.DueOnDelivery = true; return tx }, false},
		{"barter needs proposal", func() Transaction { tx := base(methods.Barter); tx.NonMonetary = true; return tx }, false},
		{"barter complete", func() Transaction {
			tx := base(methods.Barter)
			tx.NonMonetary = true
			tx.ProposalID = "prp_1"
			return tx
		}, true},
		{"failed needs reason", func() Transaction { tx := base(methods.Card); tx.Status = StatusFailed; return tx }, false},
		{"reason without failure", func() Transaction { tx := base(methods.Card); tx.FailureReason = "x"; return tx }, false},
		{"settled needs timestamp", func() Transaction { tx := base(methods.Card); tx.Status = StatusSettled; return tx }, false},
		{"settled", func() Transaction {
			tx := base(methods.Card)
			tx.Status = StatusSettled
			tx.SettledAt = &now
			return tx
		}, true},
		{"zero amount", func() Transaction { tx := base(methods.Card); tx.Amount = money.Zero; return tx }, false},
		{"unknown kind", func() Transaction { return base("crypto") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := tt.tx()
			err := tx.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransaction)
			}
		})
	}
}

func TestMemoryStore_OneActiveTransactionPerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "10.00")
	now := f.clock.Now()

	first := f.engine.newTransaction(o, methods.Card, now)
	require.NoError(t, f.store.Commit(ctx, nil, first))
	second := f.engine.newTransaction(o, methods.Wallet, now)
	assert.ErrorIs(t, f.store.Commit(ctx, nil, second), ErrSettlementInProgress)

	stale := *o
	stale.Version = 0
	stale.UpdatedAt = now
	assert.ErrorIs(t, f.store.Commit(ctx, &stale, nil), apperr.ErrConcurrentModification)
}
