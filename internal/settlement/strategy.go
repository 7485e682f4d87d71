package settlement

import (
	"context"
	"strings"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/barter"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/order"
)

// Continuation finishes a selection after the order lock is released.
type Continuation func(ctx context.Context) (*Selection, error)

// Strategy settles an order through one method kind. Initiate runs under
// the order lock with an open, eligible order. Work that must not hold the
// lock, such as gateway calls, is returned as a Continuation.
type Strategy interface {
	Initiate(ctx context.Context, o *order.Order, req SelectRequest) (*Selection, Continuation, error)
}

// gatewayStrategy captures card and wallet payments.
type gatewayStrategy struct {
	e    *Engine
	kind methods.Kind
}

func (s gatewayStrategy) Initiate(ctx context.Context, o *order.Order, req SelectRequest) (*Selection, Continuation, error) {
	token := strings.TrimSpace(req.MethodToken)
	if token == "" {
		return nil, nil, apperr.Validationf("methodToken is required for %s", s.kind)
	}

	now := s.e.clock.Now()
	tx := s.e.newTransaction(o, s.kind, now)
	if err := tx.markProcessing(now); err != nil {
		return nil, nil, err
	}
	if err := s.e.chooseMethod(o, s.kind, order.StatusAwaitingPayment, now); err != nil {
		return nil, nil, err
	}
	if err := s.e.commit(ctx, o, tx); err != nil {
		return nil, nil, err
	}
	s.e.recordTx(ctx, tx, StatusInitiated, req.Actor, "capture requested")

	return nil, func(ctx context.Context) (*Selection, error) {
		return s.e.capture(ctx, o, tx, token)
	}, nil
}

// capture calls the gateway outside the order lock and applies the result.
// Card, wallet and escrow share it.
func (e *Engine) capture(ctx context.Context, o *order.Order, tx *Transaction, token string) (*Selection, error) {
	res, err := e.payments.Capture(ctx, gateway.CaptureRequest{
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		MethodToken:    token,
		IdempotencyKey: idgen.IdempotencyKey(tx.ID, "capture"),
		Description:    "order " + o.ID,
		Metadata:       map[string]string{"order_id": o.ID, "transaction_id": tx.ID},
	})
	if err != nil {
		e.logger.Error("gateway capture failed after retries",
			"orderId", o.ID, "transactionId", tx.ID, "error", err)
		if ferr := e.failUnknown(ctx, o.ID, tx.ID, err); ferr != nil {
			e.logger.Error("transaction left processing after gateway failure",
				"transactionId", tx.ID, "error", ferr)
		}
		return nil, err
	}

	settled, err := e.Confirm(ctx, tx.ID, res)
	if err != nil {
		return nil, err
	}
	current, err := e.store.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Order: current, Transaction: settled}
	if settled.EscrowID != "" {
		if sel.Escrow, err = e.escrows.Get(ctx, settled.EscrowID); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

// codStrategy settles immediately with payment due on delivery.
type codStrategy struct{ e *Engine }

func (s codStrategy) Initiate(ctx context.Context, o *order.Order, req SelectRequest) (*Selection, Continuation, error) {
	now := s.e.clock.Now()
	tx := s.e.newTransaction(o, methods.CashOnDelivery, now)
	tx.DueOnDelivery = true
	if err := tx.settle("", now); err != nil {
		return nil, nil, err
	}
	if err := s.e.chooseMethod(o, methods.CashOnDelivery, order.StatusFulfilling, now); err != nil {
		return nil, nil, err
	}
	o.DueOnDelivery = true
	if err := s.e.commit(ctx, o, tx); err != nil {
		return nil, nil, err
	}

	sel := &Selection{Order: o, Transaction: tx}
	return sel, func(ctx context.Context) (*Selection, error) {
		s.e.afterSettlement(ctx, o, tx, StatusInitiated, req.Actor, "due on delivery")
		return sel, nil
	}, nil
}

// escrowStrategy opens a custody account and captures the order total into
// it. The transaction settles once the capture funds the account.
type escrowStrategy struct{ e *Engine }

func (s escrowStrategy) Initiate(ctx context.Context, o *order.Order, req SelectRequest) (*Selection, Continuation, error) {
	token := strings.TrimSpace(req.MethodToken)
	if token == "" {
		return nil, nil, apperr.Validationf("methodToken is required for %s", methods.Escrow)
	}

	acct, err := s.e.escrows.Open(ctx, escrow.OpenRequest{
		OrderID:  o.ID,
		BuyerID:  o.BuyerID,
		SellerID: o.SellerID,
		Amount:   o.Total,
		Currency: o.Currency,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.e.clock.Now()
	tx := s.e.newTransaction(o, methods.Escrow, now)
	tx.EscrowID = acct.ID
	if err := tx.markProcessing(now); err != nil {
		return nil, nil, err
	}
	if err := s.e.chooseMethod(o, methods.Escrow, order.StatusAwaitingPayment, now); err != nil {
		return nil, nil, err
	}
	if err := s.e.commit(ctx, o, tx); err != nil {
		s.e.logger.Warn("escrow opened but settlement not recorded; account is reused on retry",
			"orderId", o.ID, "escrowId", acct.ID, "error", err)
		return nil, nil, err
	}
	s.e.recordTx(ctx, tx, StatusInitiated, req.Actor, "escrow capture requested")

	return nil, func(ctx context.Context) (*Selection, error) {
		return s.e.capture(ctx, o, tx, token)
	}, nil
}

// barterStrategy opens a negotiation instead of a transaction. The order
// stays pending until the proposal chain resolves.
type barterStrategy struct{ e *Engine }

func (s barterStrategy) Initiate(ctx context.Context, o *order.Order, req SelectRequest) (*Selection, Continuation, error) {
	if req.Offer == nil {
		return nil, nil, barter.ErrInvalidOffer.Withf("an offer is required for barter")
	}
	if o.ListingID == "" {
		return nil, nil, order.ErrInvalidOrder.Withf("barter requires the order's listing")
	}

	p, err := s.e.barters.Propose(ctx, barter.ProposeRequest{
		ProposerID:      o.BuyerID,
		TargetListingID: o.ListingID,
		OrderID:         o.ID,
		Offer:           *req.Offer,
		RecipientID:     o.SellerID,
	})
	if err != nil {
		return nil, nil, err
	}

	now := s.e.clock.Now()
	if err := s.e.chooseMethod(o, methods.Barter, order.StatusPending, now); err != nil {
		return nil, nil, err
	}
	if err := s.e.commit(ctx, o, nil); err != nil {
		s.e.logger.Error("barter proposed but order not updated",
			"orderId", o.ID, "proposalId", p.ID, "error", err)
		return nil, nil, err
	}
	return &Selection{Order: o, Proposal: p}, nil, nil
}
