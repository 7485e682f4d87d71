// Package settlement finalizes how an order's value moves: captured through
// the payment gateway, held in escrow, deferred to delivery, or exchanged
// through barter.
//
// The Engine validates the chosen method against the registry, hands the
// order to the strategy for that kind and records the resulting
// Transaction. Escrow and barter report back through observer callbacks.
package settlement

import (
	"context"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/order"
)

var (
	ErrTransactionNotFound  = apperr.New(apperr.KindNotFound, "transaction_not_found", "transaction not found")
	ErrRefundNotFound       = apperr.New(apperr.KindNotFound, "refund_not_found", "refund not found")
	ErrInvalidTransaction   = apperr.New(apperr.KindValidation, "invalid_transaction", "transaction fields do not match its kind and status")
	ErrSettlementInProgress = apperr.New(apperr.KindConflict, "settlement_in_progress", "order already has a settlement in progress")
	ErrRefundRequired       = apperr.New(apperr.KindConflict, "refund_required", "settled transactions cannot be cancelled; refund instead")
	ErrNotRefundable        = apperr.New(apperr.KindConflict, "not_refundable", "transaction cannot be refunded")
	ErrAmountMismatch       = apperr.New(apperr.KindValidation, "amount_mismatch", "captured amount does not match the transaction")
)

// Status of a transaction.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true once the transaction can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Failure reasons recorded by the engine itself.
const (
	ReasonCancelled    = "cancelled"
	ReasonGatewayError = "gateway_error"
	ReasonDeclined     = "declined"
)

// Transaction is the settlement record of an order. Which optional fields
// may be set depends on Kind and Status; Validate enforces the combination.
type Transaction struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"orderId"`
	Kind          methods.Kind   `json:"kind"`
	Amount        money.Amount   `json:"amount"`
	Currency      money.Currency `json:"currency"`
	Status        Status         `json:"status"`
	GatewayRef    string         `json:"gatewayRef,omitempty"`    // card, wallet, escrow
	FailureReason string         `json:"failureReason,omitempty"` // failed
	DueOnDelivery bool           `json:"dueOnDelivery,omitempty"` // cash_on_delivery
	EscrowID      string         `json:"escrowId,omitempty"`      // escrow
	ProposalID    string         `json:"proposalId,omitempty"`    // barter
	NonMonetary   bool           `json:"nonMonetary,omitempty"`   // barter
	SettledAt     *time.Time     `json:"settledAt,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Validate checks that only the fields valid for the transaction's kind
// and status are set.
func (t *Transaction) Validate() error {
	if !t.Kind.Valid() {
		return ErrInvalidTransaction.Withf("unknown kind %q", t.Kind)
	}
	if t.OrderID == "" {
		return ErrInvalidTransaction.Withf("orderId is required")
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidTransaction.Withf("amount must be positive")
	}
	switch t.Status {
	case StatusInitiated, StatusProcessing, StatusSettled, StatusFailed:
	default:
		return ErrInvalidTransaction.Withf("unknown status %q", t.Status)
	}

	switch {
	case t.GatewayRef != "" && !t.Kind.CapturesFunds():
		return ErrInvalidTransaction.Withf("%s transactions carry no gateway reference", t.Kind)
	case t.GatewayRef != "" && t.Status == StatusInitiated:
		return ErrInvalidTransaction.Withf("gateway reference is set only once processing")
	case (t.FailureReason != "") != (t.Status == StatusFailed):
		return ErrInvalidTransaction.Withf("failure reason is set exactly when failed")
	case t.DueOnDelivery != (t.Kind == methods.CashOnDelivery):
		return ErrInvalidTransaction.Withf("due on delivery is set exactly for cash on delivery")
	case (t.EscrowID != "") != (t.Kind == methods.Escrow):
		return ErrInvalidTransaction.Withf("escrow id is set exactly for escrow")
	case (t.ProposalID != "") != (t.Kind == methods.Barter):
		return ErrInvalidTransaction.Withf("proposal id is set exactly for barter")
	case t.NonMonetary != (t.Kind == methods.Barter):
		return ErrInvalidTransaction.Withf("only barter transactions are non-monetary")
	case (t.SettledAt != nil) != (t.Status == StatusSettled):
		return ErrInvalidTransaction.Withf("settledAt is set exactly when settled")
	}
	return nil
}

// IsActive reports whether the transaction still awaits an outcome.
func (t *Transaction) IsActive() bool { return !t.Status.IsTerminal() }

func (t *Transaction) markProcessing(now time.Time) error {
	if t.Status != StatusInitiated {
		return apperr.ErrInvalidState.Withf("transaction %s is %s", t.ID, t.Status)
	}
	t.Status = StatusProcessing
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) settle(ref string, now time.Time) error {
	if t.Status.IsTerminal() {
		return apperr.ErrInvalidState.Withf("transaction %s is %s", t.ID, t.Status)
	}
	if ref != "" {
		t.GatewayRef = ref
	}
	t.Status = StatusSettled
	t.SettledAt = &now
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) fail(reason, ref string, now time.Time) error {
	if t.Status.IsTerminal() {
		return apperr.ErrInvalidState.Withf("transaction %s is %s", t.ID, t.Status)
	}
	if reason == "" {
		reason = ReasonDeclined
	}
	if ref != "" && t.Kind.CapturesFunds() {
		t.GatewayRef = ref
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.UpdatedAt = now
	return nil
}

// recordedOutcome is the gateway result the transaction's terminal status
// corresponds to.
func (t *Transaction) recordedOutcome() gateway.Result {
	r := gateway.Result{Reference: t.GatewayRef, Status: gateway.StatusDeclined}
	if t.Status == StatusSettled {
		r.Status = gateway.StatusSucceeded
	}
	return r
}

// Refund returns a settled capture to the buyer.
type Refund struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	OrderID       string         `json:"orderId"`
	Amount        money.Amount   `json:"amount"`
	Currency      money.Currency `json:"currency"`
	GatewayRef    string         `json:"gatewayRef"`
	Reason        string         `json:"reason"`
	Actor         string         `json:"actor"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Store persists orders, transactions and refunds. Order and transaction
// writes are optimistic: an update succeeds only when the stored Version
// equals the argument's Version, and increments it.
type Store interface {
	order.Store

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// GetTransactionByEscrow returns the latest transaction for an account.
	GetTransactionByEscrow(ctx context.Context, escrowID string) (*Transaction, error)
	// ListTransactions returns an order's transactions, oldest first.
	ListTransactions(ctx context.Context, orderID string) ([]*Transaction, error)
	// Commit writes o and tx in one atomic step. Either may be nil. A
	// transaction with Version 0 is inserted; inserting a second active
	// transaction for an order fails with ErrSettlementInProgress.
	Commit(ctx context.Context, o *order.Order, tx *Transaction) error
	// SaveRefund inserts r and, when non-nil, updates o in one atomic step.
	// A second refund for the same transaction fails with ErrNotRefundable.
	SaveRefund(ctx context.Context, o *order.Order, r *Refund) error
	GetRefund(ctx context.Context, transactionID string) (*Refund, error)
}
