package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/barter"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/order"
	"github.com/mbd888/settlehub/internal/payout"
	"github.com/mbd888/settlehub/internal/syncutil"
	"github.com/mbd888/settlehub/internal/traces"
)

// SystemActor is recorded for transitions nobody initiated directly.
const SystemActor = "system"

// Payments is the gateway surface the engine calls. Satisfied by
// *gateway.Client.
type Payments interface {
	Capture(ctx context.Context, req gateway.CaptureRequest) (gateway.Result, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (gateway.Result, error)
}

// Custody holds escrowed funds. Satisfied by *escrow.Service.
type Custody interface {
	Open(ctx context.Context, req escrow.OpenRequest) (*escrow.Account, error)
	Get(ctx context.Context, id string) (*escrow.Account, error)
	Fund(ctx context.Context, id string, captured money.Amount, actor string) (*escrow.Account, error)
}

// Negotiator runs barter negotiations. Satisfied by *barter.Service.
type Negotiator interface {
	Propose(ctx context.Context, req barter.ProposeRequest) (*barter.Proposal, error)
	Respond(ctx context.Context, id string, req barter.RespondRequest) (*barter.Outcome, error)
	OpenForOrder(ctx context.Context, orderID string) (*barter.Proposal, error)
}

// CreateOrderRequest starts checkout.
type CreateOrderRequest struct {
	BuyerID   string           `json:"buyerId"`
	SellerID  string           `json:"sellerId" binding:"required"`
	ListingID string           `json:"listingId"`
	Items     []order.LineItem `json:"items"`
	Total     money.Amount     `json:"total"`
	Currency  money.Currency   `json:"currency"`
}

// SelectRequest chooses how an order settles. MethodToken is required for
// card, wallet and escrow, Offer for barter.
type SelectRequest struct {
	OrderID     string        `json:"-"`
	Actor       string        `json:"-"`
	Method      methods.Kind  `json:"method" binding:"required"`
	MethodToken string        `json:"methodToken,omitempty"`
	Offer       *barter.Offer `json:"offer,omitempty"`
}

// Selection is the outcome of SelectMethod: a transaction (with its escrow
// account for escrow) or a barter proposal.
type Selection struct {
	Order       *order.Order     `json:"order"`
	Transaction *Transaction     `json:"transaction,omitempty"`
	Escrow      *escrow.Account  `json:"escrow,omitempty"`
	Proposal    *barter.Proposal `json:"proposal,omitempty"`
}

// Engine coordinates settlement of orders.
type Engine struct {
	store      Store
	registry   *methods.Registry
	payments   Payments
	escrows    Custody
	barters    Negotiator
	payouts    payout.Queue
	roles      identity.RoleChecker
	audit      audit.Logger
	notifier   notify.Sink
	clock      clock.Clock
	ids        idgen.Generator
	currency   money.Currency
	logger     *slog.Logger
	locks      *syncutil.ContextKeyedMutex
	strategies map[methods.Kind]Strategy
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, registry *methods.Registry, payments Payments, escrows Custody, barters Negotiator,
	payouts payout.Queue, roles identity.RoleChecker, auditLog audit.Logger, logger *slog.Logger) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		payments: payments,
		escrows:  escrows,
		barters:  barters,
		payouts:  payouts,
		roles:    roles,
		audit:    auditLog,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		ids:      idgen.Random{},
		currency: money.DefaultCurrency,
		logger:   logger,
		locks:    syncutil.NewContextKeyedMutex(),
	}
	e.strategies = map[methods.Kind]Strategy{
		methods.Card:           gatewayStrategy{e: e, kind: methods.Card},
		methods.Wallet:         gatewayStrategy{e: e, kind: methods.Wallet},
		methods.CashOnDelivery: codStrategy{e: e},
		methods.Escrow:         escrowStrategy{e: e},
		methods.Barter:         barterStrategy{e: e},
	}
	return e
}

// WithClock sets the time source.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// WithIDs sets the ID generator.
func (e *Engine) WithIDs(g idgen.Generator) *Engine {
	e.ids = g
	return e
}

// WithNotifier sets the notification sink.
func (e *Engine) WithNotifier(n notify.Sink) *Engine {
	e.notifier = n
	return e
}

// WithCurrency sets the currency for orders that do not name one.
func (e *Engine) WithCurrency(c money.Currency) *Engine {
	if c != "" {
		e.currency = c
	}
	return e
}

// CreateOrder starts checkout with a pending order.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	now := e.clock.Now()
	o := &order.Order{
		ID:        e.ids.New("ord_"),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ListingID: req.ListingID,
		Items:     req.Items,
		Total:     money.Round(req.Total),
		Currency:  req.Currency,
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.Currency == "" {
		o.Currency = e.currency
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	e.notifier.Publish(notify.OrderCreated, orderPayload(o))
	e.logger.Info("order created", "orderId", o.ID, "buyer", o.BuyerID, "total", money.Format(o.Total))
	return o, nil
}

// SelectMethod validates the method against the order and dispatches to
// its strategy.
func (e *Engine) SelectMethod(ctx context.Context, req SelectRequest) (*Selection, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.SelectMethod",
		traces.OrderID(req.OrderID), traces.MethodKind(string(req.Method)))
	sel, err := e.selectMethod(ctx, req)
	traces.End(span, err)
	return sel, err
}

func (e *Engine) selectMethod(ctx context.Context, req SelectRequest) (*Selection, error) {
	strategy, ok := e.strategies[req.Method]
	if !ok {
		return nil, methods.ErrUnknownMethod.Withf("unknown payment method %q", req.Method)
	}

	unlock, err := e.lock(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	o, err := e.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := e.checkSelectable(ctx, o, req.Actor); err != nil {
		unlock()
		return nil, err
	}
	if _, err := e.registry.IsEligible(req.Method, o.Total); err != nil {
		unlock()
		return nil, err
	}
	sel, next, err := strategy.Initiate(ctx, o, req)
	unlock()
	if err != nil {
		return nil, err
	}
	if next != nil {
		return next(ctx)
	}
	return sel, nil
}

// checkSelectable rejects orders that are closed, past payment, or already
// mid-settlement.
func (e *Engine) checkSelectable(ctx context.Context, o *order.Order, actor string) error {
	if o.IsClosed() {
		return order.ErrOrderClosed.Withf("order %s is %s", o.ID, o.Status)
	}
	if actor != o.BuyerID {
		return apperr.ErrUnauthorized.Withf("only the buyer selects a settlement method")
	}
	if o.Status != order.StatusPending && o.Status != order.StatusAwaitingPayment {
		return apperr.ErrInvalidState.Withf("order %s is %s", o.ID, o.Status)
	}
	txs, err := e.store.ListTransactions(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.IsActive() {
			return ErrSettlementInProgress.Withf("transaction %s is %s", tx.ID, tx.Status)
		}
	}
	open, err := e.barters.OpenForOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if open != nil {
		return ErrSettlementInProgress.Withf("barter proposal %s is open", open.ID)
	}
	return nil
}

// Confirm applies a gateway result to a card, wallet or escrow transaction.
// A successful escrow capture funds the custody account. Repeating the
// recorded outcome is a no-op; contradicting it fails with
// apperr.ErrInconsistentState.
func (e *Engine) Confirm(ctx context.Context, txID string, result gateway.Result) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Confirm", traces.TransactionID(txID))
	tx, err := e.confirm(ctx, txID, result)
	traces.End(span, err)
	return tx, err
}

func (e *Engine) confirm(ctx context.Context, txID string, result gateway.Result) (*Transaction, error) {
	switch result.Status {
	case gateway.StatusSucceeded, gateway.StatusDeclined, gateway.StatusPending:
	default:
		return nil, apperr.Validationf("unknown gateway status %q", result.Status)
	}
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.Kind.CapturesFunds() {
		return nil, apperr.ErrInvalidState.Withf("%s transactions are not confirmed through the gateway", tx.Kind)
	}

	unlock, err := e.lock(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if tx, err = e.store.GetTransaction(ctx, txID); err != nil {
		unlock()
		return nil, err
	}
	if tx.Status.IsTerminal() {
		unlock()
		return e.confirmTerminal(ctx, tx, result)
	}
	if tx.GatewayRef != "" && result.Reference != "" && result.Reference != tx.GatewayRef {
		unlock()
		return nil, e.inconsistent(tx, result)
	}

	now := e.clock.Now()
	if result.Status == gateway.StatusPending {
		if result.Reference == "" || tx.GatewayRef != "" {
			unlock()
			return tx, nil
		}
		tx.GatewayRef = result.Reference
		tx.UpdatedAt = now
		err := e.commit(ctx, nil, tx)
		unlock()
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
	if result.Succeeded() && !result.Amount.IsZero() && !money.Equal(result.Amount, tx.Amount) {
		unlock()
		return nil, ErrAmountMismatch.Withf("gateway captured %s, transaction is %s",
			money.Format(result.Amount), money.Format(tx.Amount))
	}

	o, err := e.store.GetOrder(ctx, tx.OrderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if result.Succeeded() && tx.EscrowID != "" {
		if err := e.fundEscrow(ctx, tx, result); err != nil {
			unlock()
			return nil, err
		}
	}
	prior := tx.Status
	if result.Succeeded() {
		err = tx.settle(result.Reference, now)
		if err == nil {
			err = o.TransitionTo(order.StatusPaymentSettled, now)
		}
	} else {
		err = tx.fail(result.FailureReason, result.Reference, now)
		if err == nil {
			err = o.TransitionTo(order.StatusAwaitingPayment, now)
		}
	}
	if err == nil {
		err = e.commit(ctx, o, tx)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	e.afterSettlement(ctx, o, tx, prior, SystemActor, string(result.Status))
	return tx, nil
}

// fundEscrow moves the transaction's custody account to funded with the
// captured amount. An account already funded by an earlier attempt is left
// as is. Must hold the order lock.
func (e *Engine) fundEscrow(ctx context.Context, tx *Transaction, result gateway.Result) error {
	acct, err := e.escrows.Get(ctx, tx.EscrowID)
	if err != nil {
		return err
	}
	switch acct.State {
	case escrow.StateFunded:
		return nil
	case escrow.StateCreated:
	default:
		return apperr.ErrInconsistentState.Withf("escrow %s is %s while transaction %s is %s",
			acct.ID, acct.State, tx.ID, tx.Status)
	}
	captured := result.Amount
	if captured.IsZero() {
		captured = tx.Amount
	}
	if _, err := e.escrows.Fund(ctx, acct.ID, captured, SystemActor); err != nil {
		e.logger.Error("gateway captured escrow funds but account not funded",
			"transactionId", tx.ID, "escrowId", acct.ID, "gatewayRef", result.Reference, "error", err)
		return err
	}
	return nil
}

// confirmTerminal handles a result arriving for a settled or failed
// transaction.
func (e *Engine) confirmTerminal(ctx context.Context, tx *Transaction, result gateway.Result) (*Transaction, error) {
	switch {
	case result.Status == gateway.StatusPending:
		return tx, nil
	case tx.recordedOutcome().Equivalent(result):
		return tx, nil
	case tx.Status == StatusFailed && !result.Succeeded():
		return tx, nil
	case tx.Status == StatusFailed && tx.FailureReason == ReasonCancelled:
		if err := e.compensate(ctx, tx, result); err != nil {
			return nil, err
		}
		return tx, nil
	}
	return nil, e.inconsistent(tx, result)
}

func (e *Engine) inconsistent(tx *Transaction, result gateway.Result) error {
	metrics.TransactionsTotal.WithLabelValues(string(tx.Kind), "inconsistent").Inc()
	e.logger.Error("CRITICAL: gateway result contradicts recorded transaction",
		"transactionId", tx.ID, "orderId", tx.OrderID,
		"recordedStatus", tx.Status, "recordedRef", tx.GatewayRef,
		"resultStatus", result.Status, "resultRef", result.Reference)
	return apperr.ErrInconsistentState.Withf("transaction %s is %s but gateway reports %s (ref %s)",
		tx.ID, tx.Status, result.Status, result.Reference)
}

// compensate refunds a capture that completed after its transaction was
// cancelled. The refund key is derived from the transaction, so repeated
// confirmations refund once.
func (e *Engine) compensate(ctx context.Context, tx *Transaction, result gateway.Result) error {
	if _, err := e.store.GetRefund(ctx, tx.ID); err == nil {
		return nil
	}
	amount := tx.Amount
	if !result.Amount.IsZero() {
		amount = result.Amount
	}
	res, err := e.payments.Refund(ctx, gateway.RefundRequest{
		Reference:      result.Reference,
		Amount:         amount,
		Currency:       tx.Currency,
		IdempotencyKey: idgen.IdempotencyKey(tx.ID, "compensate"),
	})
	if err == nil && !res.Succeeded() {
		err = apperr.ErrExternal.Withf("gateway reported compensating refund %s", res.Status)
	}
	if err != nil {
		e.logger.Error("CRITICAL: late capture on cancelled transaction not refunded",
			"transactionId", tx.ID, "gatewayRef", result.Reference, "amount", money.Format(amount), "error", err)
		return err
	}

	r := &Refund{
		ID:            e.ids.New("ref_"),
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Amount:        amount,
		Currency:      tx.Currency,
		GatewayRef:    res.Reference,
		Reason:        "capture completed after cancellation",
		Actor:         SystemActor,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.store.SaveRefund(ctx, nil, r); err != nil {
		if errors.Is(err, ErrNotRefundable) {
			return nil
		}
		e.logger.Error("CRITICAL: compensating refund issued but not recorded",
			"transactionId", tx.ID, "refundRef", res.Reference, "error", err)
		return err
	}
	e.logger.Warn("refunded capture that completed after cancellation",
		"transactionId", tx.ID, "orderId", tx.OrderID, "amount", money.Format(amount))
	e.afterRefund(ctx, tx, r)
	return nil
}

// failUnknown fails a transaction whose gateway outcome stayed unknown
// after bounded retries, reopening the order for another method.
func (e *Engine) failUnknown(ctx context.Context, orderID, txID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() {
		return nil
	}
	o, err := e.store.GetOrder(ctx, tx.OrderID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	prior := tx.Status
	if err := tx.fail(ReasonGatewayError, "", now); err != nil {
		return err
	}
	if !o.IsClosed() {
		if err := o.TransitionTo(order.StatusAwaitingPayment, now); err != nil {
			return err
		}
	} else {
		o = nil
	}
	if err := e.commit(ctx, o, tx); err != nil {
		return err
	}
	e.afterSettlement(ctx, o, tx, prior, SystemActor, cause.Error())
	return nil
}

// Cancel cancels an open order. Active transactions fail with reason
// "cancelled"; a settled capture must be refunded instead, and funded
// escrow goes back to the buyer only through a dispute. An open barter
// negotiation is withdrawn.
func (e *Engine) Cancel(ctx context.Context, orderID, actor string) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Cancel", traces.OrderID(orderID))
	o, err := e.cancel(ctx, orderID, actor)
	traces.End(span, err)
	return o, err
}

func (e *Engine) cancel(ctx context.Context, orderID, actor string) (*order.Order, error) {
	unlock, err := e.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if o.IsClosed() {
		unlock()
		return nil, order.ErrOrderClosed.Withf("order %s is %s", o.ID, o.Status)
	}
	if err := e.authorizeParty(ctx, o, actor, o.BuyerID, o.SellerID); err != nil {
		unlock()
		return nil, err
	}

	txs, err := e.store.ListTransactions(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	var active *Transaction
	for _, tx := range txs {
		switch {
		case tx.IsActive():
			active = tx
		case tx.Status == StatusSettled && tx.Kind == methods.Escrow:
			unlock()
			return nil, ErrRefundRequired.Withf("escrow %s is funded; dispute it to release funds to the buyer", tx.EscrowID)
		case tx.Status == StatusSettled && tx.Kind != methods.CashOnDelivery:
			unlock()
			return nil, ErrRefundRequired.Withf("%s transaction %s is settled", tx.Kind, tx.ID)
		}
	}

	now := e.clock.Now()
	var prior Status
	if active != nil {
		prior = active.Status
		if err := active.fail(ReasonCancelled, "", now); err != nil {
			unlock()
			return nil, err
		}
	}
	if err := o.TransitionTo(order.StatusCancelled, now); err != nil {
		unlock()
		return nil, err
	}
	err = e.commit(ctx, o, active)
	unlock()
	if err != nil {
		return nil, err
	}

	if active != nil {
		e.afterSettlement(ctx, nil, active, prior, actor, ReasonCancelled)
	}
	e.notifier.Publish(notify.OrderCancelled, orderPayload(o))
	e.logger.Info("order cancelled", "orderId", o.ID, "actor", actor)

	if p, err := e.barters.OpenForOrder(ctx, o.ID); err != nil {
		e.logger.Warn("could not look up open barter for cancelled order", "orderId", o.ID, "error", err)
	} else if p != nil {
		_, err := e.barters.Respond(ctx, p.ID, barter.RespondRequest{Action: barter.ActionWithdraw, By: p.ProposerID})
		if err != nil {
			e.logger.Warn("barter proposal left open on cancelled order", "orderId", o.ID, "proposalId", p.ID, "error", err)
		}
	}
	return o, nil
}

// Refund returns a settled card or wallet capture and cancels the order.
// The transaction stays settled; the refund is recorded beside it.
func (e *Engine) Refund(ctx context.Context, txID, actor, reason string) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Refund", traces.TransactionID(txID))
	r, err := e.refund(ctx, txID, actor, reason)
	traces.End(span, err)
	return r, err
}

func (e *Engine) refund(ctx context.Context, txID, actor, reason string) (*Refund, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !tx.Kind.UsesGateway() || tx.Status != StatusSettled {
		return nil, ErrNotRefundable.Withf("%s transaction %s is %s", tx.Kind, tx.ID, tx.Status)
	}
	if existing, err := e.store.GetRefund(ctx, tx.ID); err == nil {
		return existing, nil
	}
	o, err := e.store.GetOrder(ctx, tx.OrderID)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeParty(ctx, o, actor, o.SellerID); err != nil {
		return nil, err
	}
	if o.IsClosed() {
		return nil, order.ErrOrderClosed.Withf("order %s is %s", o.ID, o.Status)
	}
	if reason == "" {
		reason = "refund requested"
	}

	res, err := e.payments.Refund(ctx, gateway.RefundRequest{
		Reference:      tx.GatewayRef,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		IdempotencyKey: idgen.IdempotencyKey(tx.ID, "refund"),
	})
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, apperr.ErrExternal.Withf("gateway reported refund %s: %s", res.Status, res.FailureReason)
	}

	unlock, err := e.lock(context.WithoutCancel(ctx), tx.OrderID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	r := &Refund{
		ID:            e.ids.New("ref_"),
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		GatewayRef:    res.Reference,
		Reason:        reason,
		Actor:         actor,
		CreatedAt:     now,
	}
	if o, err = e.store.GetOrder(ctx, tx.OrderID); err != nil {
		unlock()
		return nil, err
	}
	if o.IsClosed() {
		o = nil
	} else if err := o.TransitionTo(order.StatusCancelled, now); err != nil {
		unlock()
		return nil, err
	}
	err = e.store.SaveRefund(ctx, o, r)
	unlock()
	if errors.Is(err, ErrNotRefundable) {
		return e.store.GetRefund(ctx, tx.ID)
	}
	if err != nil {
		e.logger.Error("CRITICAL: gateway refund issued but not recorded",
			"transactionId", tx.ID, "refundRef", res.Reference, "error", err)
		return nil, err
	}

	e.afterRefund(ctx, tx, r)
	if o != nil {
		e.notifier.Publish(notify.OrderCancelled, orderPayload(o))
	}
	return r, nil
}

// EscrowReleased finalizes the order: completed when the seller is paid,
// cancelled when the buyer is refunded.
func (e *Engine) EscrowReleased(ctx context.Context, acct *escrow.Account) error {
	unlock, err := e.lock(ctx, acct.OrderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, acct.OrderID)
	if err != nil {
		return err
	}
	if o.IsClosed() {
		return nil
	}
	if tx, err := e.store.GetTransactionByEscrow(ctx, acct.ID); err != nil || tx.Status != StatusSettled {
		e.logger.Error("CRITICAL: escrow released without a settled transaction",
			"escrowId", acct.ID, "orderId", o.ID, "error", err)
	}
	next := order.StatusCompleted
	if acct.State == escrow.StateReleasedToBuyer {
		next = order.StatusCancelled
	}
	if err := o.TransitionTo(next, e.clock.Now()); err != nil {
		return err
	}
	if err := e.commit(ctx, o, nil); err != nil {
		return err
	}
	if next == order.StatusCancelled {
		e.notifier.Publish(notify.OrderCancelled, orderPayload(o))
	}
	e.logger.Info("order finalized by escrow release", "orderId", o.ID, "escrowId", acct.ID, "status", o.Status)
	return nil
}

// BarterResolved finalizes a barter order. Accepted proposals settle a
// non-monetary transaction valued at the offer's estimate; rejected or
// withdrawn ones reopen the order for another method.
func (e *Engine) BarterResolved(ctx context.Context, p *barter.Proposal) error {
	if p.OrderID == "" || p.State == barter.StateCountered {
		return nil
	}
	unlock, err := e.lock(ctx, p.OrderID)
	if err != nil {
		return err
	}
	o, err := e.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		unlock()
		return err
	}
	if o.IsClosed() {
		unlock()
		return nil
	}

	now := e.clock.Now()
	switch p.State {
	case barter.StateAccepted:
		tx := &Transaction{
			ID:          e.ids.New("txn_"),
			OrderID:     o.ID,
			Kind:        methods.Barter,
			Amount:      p.Offer.EstimatedValue,
			Currency:    o.Currency,
			Status:      StatusInitiated,
			ProposalID:  p.ID,
			NonMonetary: true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = tx.settle("", now)
		if err == nil {
			err = o.TransitionTo(order.StatusCompleted, now)
		}
		if err == nil {
			err = e.commit(ctx, o, tx)
		}
		unlock()
		if err != nil {
			return err
		}
		e.afterSettlement(ctx, o, tx, StatusInitiated, p.RespondedBy, "barter "+p.ID+" accepted")
		return nil
	case barter.StateRejected, barter.StateWithdrawn:
		err = o.TransitionTo(order.StatusAwaitingPayment, now)
		if err == nil {
			err = e.commit(ctx, o, nil)
		}
		unlock()
		return err
	}
	unlock()
	return nil
}

// GetOrder returns an order by ID.
func (e *Engine) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return e.store.GetOrder(ctx, id)
}

// GetTransaction returns a transaction by ID.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ListTransactions returns an order's transactions, oldest first.
func (e *Engine) ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, orderID)
}

// GetRefund returns the refund recorded for a transaction.
func (e *Engine) GetRefund(ctx context.Context, txID string) (*Refund, error) {
	return e.store.GetRefund(ctx, txID)
}

// CanView reports whether actor may read the order.
func (e *Engine) CanView(ctx context.Context, o *order.Order, actor string) bool {
	return e.authorizeParty(ctx, o, actor, o.BuyerID, o.SellerID) == nil
}

func (e *Engine) newTransaction(o *order.Order, kind methods.Kind, now time.Time) *Transaction {
	return &Transaction{
		ID:        e.ids.New("txn_"),
		OrderID:   o.ID,
		Kind:      kind,
		Amount:    o.Total,
		Currency:  o.Currency,
		Status:    StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// chooseMethod records the selected kind and moves the order to next.
func (e *Engine) chooseMethod(o *order.Order, kind methods.Kind, next order.Status, now time.Time) error {
	if err := o.TransitionTo(next, now); err != nil {
		return err
	}
	o.MethodKind = kind
	o.DueOnDelivery = false
	o.UpdatedAt = now
	return nil
}

// commit validates tx and writes o and tx together.
func (e *Engine) commit(ctx context.Context, o *order.Order, tx *Transaction) error {
	if tx != nil {
		if err := tx.Validate(); err != nil {
			return err
		}
	}
	err := e.store.Commit(ctx, o, tx)
	if err != nil && apperr.KindOf(err) == apperr.KindConflict {
		metrics.ConflictsTotal.WithLabelValues("order").Inc()
	}
	return err
}

// authorizeParty admits the listed parties and admins.
func (e *Engine) authorizeParty(ctx context.Context, o *order.Order, actor string, parties ...string) error {
	if actor == "" {
		return apperr.ErrUnauthorized.Withf("actor is required")
	}
	for _, p := range parties {
		if actor == p {
			return nil
		}
	}
	ok, err := e.roles.HasRole(ctx, actor, identity.RoleAdmin)
	if err != nil {
		return apperr.ErrExternal.Withf("role check failed").Wrap(err)
	}
	if !ok {
		return apperr.ErrUnauthorized.Withf("actor is not a party to order %s", o.ID)
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, orderID string) (func(), error) {
	return e.locks.LockContext(ctx, "order:"+orderID)
}

// afterSettlement runs the effects of a committed transaction transition:
// audit entry, metrics, seller payout for captures, and notification.
func (e *Engine) afterSettlement(ctx context.Context, o *order.Order, tx *Transaction, prior Status, actor, reason string) {
	e.recordTx(ctx, tx, prior, actor, reason)
	metrics.TransactionsTotal.WithLabelValues(string(tx.Kind), string(tx.Status)).Inc()

	payload := transactionPayload(tx)
	if tx.Status != StatusSettled {
		e.notifier.Publish(notify.TransactionFailed, payload)
		return
	}
	if tx.Kind.UsesGateway() && o != nil {
		e.enqueuePayout(ctx, o, tx)
	}
	e.notifier.Publish(notify.TransactionSettled, payload)
}

func (e *Engine) enqueuePayout(ctx context.Context, o *order.Order, tx *Transaction) {
	inst := &payout.Instruction{
		ID:         e.ids.New("pay_"),
		Key:        payout.KeyFor(payout.SourceTransaction, tx.ID),
		Direction:  payout.ToSeller,
		PayeeID:    o.SellerID,
		Amount:     tx.Amount,
		Currency:   string(tx.Currency),
		SourceType: payout.SourceTransaction,
		SourceID:   tx.ID,
		OrderID:    o.ID,
		CreatedAt:  e.clock.Now(),
	}
	created, err := e.payouts.Enqueue(ctx, inst)
	switch {
	case err != nil:
		e.logger.Error("CRITICAL: transaction settled but payout not queued",
			"transactionId", tx.ID, "amount", money.Format(tx.Amount), "error", err)
	case created:
		metrics.PayoutsEnqueuedTotal.WithLabelValues(string(inst.Direction)).Inc()
	}
}

func (e *Engine) afterRefund(ctx context.Context, tx *Transaction, r *Refund) {
	audit.Record(ctx, e.audit, e.logger, e.clock.Now(), &audit.Entry{
		EntityType: audit.EntityTransaction,
		EntityID:   tx.ID,
		PriorState: string(tx.Status),
		NewState:   "refunded",
		Actor:      r.Actor,
		Reason:     r.Reason,
	})
	metrics.TransactionsTotal.WithLabelValues(string(tx.Kind), "refunded").Inc()
	payload := transactionPayload(tx)
	payload["refundId"] = r.ID
	payload["refundRef"] = r.GatewayRef
	e.notifier.Publish(notify.TransactionRefunded, payload)
}

func (e *Engine) recordTx(ctx context.Context, tx *Transaction, prior Status, actor, reason string) {
	if actor == "" {
		actor = SystemActor
	}
	audit.Record(ctx, e.audit, e.logger, e.clock.Now(), &audit.Entry{
		EntityType: audit.EntityTransaction,
		EntityID:   tx.ID,
		PriorState: string(prior),
		NewState:   string(tx.Status),
		Actor:      actor,
		Reason:     reason,
	})
}

func orderPayload(o *order.Order) notify.Payload {
	return notify.Payload{
		"orderId":  o.ID,
		"buyerId":  o.BuyerID,
		"sellerId": o.SellerID,
		"status":   string(o.Status),
		"total":    money.Format(o.Total),
		"currency": string(o.Currency),
	}
}

func transactionPayload(tx *Transaction) notify.Payload {
	return notify.Payload{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"kind":          string(tx.Kind),
		"status":        string(tx.Status),
		"amount":        money.Format(tx.Amount),
		"currency":      string(tx.Currency),
		"dueOnDelivery": tx.DueOnDelivery,
		"failureReason": tx.FailureReason,
	}
}
