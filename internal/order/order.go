// Package order defines the marketplace order as seen by settlement and
// the store contract it is persisted through.
package order

import (
	"context"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/methods"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/shopspring/decimal"
)

// Status of an order.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaymentSettled  Status = "payment_settled"
	StatusFulfilling      Status = "fulfilling"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal returns true if no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// allowed lists the transitions settlement may apply.
var allowed = map[Status][]Status{
	StatusPending:         {StatusAwaitingPayment, StatusFulfilling, StatusCompleted, StatusCancelled},
	StatusAwaitingPayment: {StatusPending, StatusPaymentSettled, StatusFulfilling, StatusCompleted, StatusCancelled},
	StatusPaymentSettled:  {StatusFulfilling, StatusCompleted, StatusCancelled},
	StatusFulfilling:      {StatusCompleted, StatusCancelled},
}

var (
	ErrOrderNotFound = apperr.New(apperr.KindNotFound, "order_not_found", "order not found")
	ErrOrderClosed   = apperr.New(apperr.KindConflict, "order_closed", "order is completed or cancelled")
	ErrInvalidOrder  = apperr.New(apperr.KindValidation, "invalid_order", "invalid order")
)

// LineItem is one purchased item.
type LineItem struct {
	SKU         string       `json:"sku"`
	Description string       `json:"description"`
	Quantity    int          `json:"quantity"`
	UnitPrice   money.Amount `json:"unitPrice"`
}

// Subtotal is quantity × unit price.
func (li LineItem) Subtotal() money.Amount {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is a checkout record.
type Order struct {
	ID            string         `json:"id"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId"`
	ListingID     string         `json:"listingId,omitempty"`
	Items         []LineItem     `json:"items,omitempty"`
	Total         money.Amount   `json:"total"`
	Currency      money.Currency `json:"currency"`
	Status        Status         `json:"status"`
	MethodKind    methods.Kind   `json:"methodKind,omitempty"`
	DueOnDelivery bool           `json:"dueOnDelivery,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Validate checks the order's static fields.
func (o *Order) Validate() error {
	switch {
	case o.BuyerID == "":
		return ErrInvalidOrder.Withf("buyerId is required")
	case o.SellerID == "":
		return ErrInvalidOrder.Withf("sellerId is required")
	case o.BuyerID == o.SellerID:
		return ErrInvalidOrder.Withf("buyer and seller must differ")
	case !o.Total.IsPositive():
		return ErrInvalidOrder.Withf("order total must be positive")
	}
	if len(o.Items) == 0 {
		return nil
	}
	sum := money.Zero
	for i, li := range o.Items {
		if li.Quantity <= 0 {
			return ErrInvalidOrder.Withf("item %d: quantity must be positive", i)
		}
		if li.UnitPrice.IsNegative() {
			return ErrInvalidOrder.Withf("item %d: unit price must not be negative", i)
		}
		sum = sum.Add(li.Subtotal())
	}
	if !money.Equal(sum, o.Total) {
		return ErrInvalidOrder.Withf("order total %s does not match line items %s", money.Format(o.Total), money.Format(sum))
	}
	return nil
}

// IsClosed reports whether the order can no longer change.
func (o *Order) IsClosed() bool { return o.Status.IsTerminal() }

// TransitionTo moves the order to next. Moving to the current status is a
// no-op.
func (o *Order) TransitionTo(next Status, now time.Time) error {
	if o.IsClosed() {
		return ErrOrderClosed.Withf("order %s is %s", o.ID, o.Status)
	}
	if o.Status == next {
		return nil
	}
	for _, s := range allowed[o.Status] {
		if s == next {
			o.Status = next
			o.UpdatedAt = now
			return nil
		}
	}
	return apperr.ErrInvalidState.Withf("order %s cannot move from %s to %s", o.ID, o.Status, next)
}

// Store persists orders with optimistic versioning. UpdateOrder succeeds
// only when the stored Version equals o.Version and increments it.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
}
