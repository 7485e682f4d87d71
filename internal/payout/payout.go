// Package payout holds the queue of money movements owed after escrow
// release, dispute resolution, or card settlement. Executing payouts is
// handled by a separate worker; this package only records what is owed,
// exactly once per source.
package payout

import (
	"context"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/pagination"
)

// Direction says who receives the funds.
type Direction string

const (
	ToSeller Direction = "to_seller"
	ToBuyer  Direction = "to_buyer"
)

// SourceType names the record that produced the instruction.
type SourceType string

const (
	SourceEscrow      SourceType = "escrow"
	SourceTransaction SourceType = "transaction"
)

// Status of an instruction. The queue only ever writes StatusQueued.
type Status string

const (
	StatusQueued Status = "queued"
	StatusPaid   Status = "paid"
)

var ErrInvalidInstruction = apperr.New(apperr.KindValidation, "invalid_payout", "invalid payout instruction")

// Instruction is a queued money movement.
type Instruction struct {
	ID         string       `json:"id"`
	Key        string       `json:"key"`
	Direction  Direction    `json:"direction"`
	PayeeID    string       `json:"payeeId"`
	Amount     money.Amount `json:"amount"`
	Currency   string       `json:"currency"`
	SourceType SourceType   `json:"sourceType"`
	SourceID   string       `json:"sourceId"`
	OrderID    string       `json:"orderId,omitempty"`
	Status     Status       `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// KeyFor returns the deduplication key for a source record. One source
// produces at most one payout, whichever path releases it.
func KeyFor(source SourceType, sourceID string) string {
	return string(source) + ":" + sourceID
}

// Validate checks required fields.
func (i *Instruction) Validate() error {
	switch {
	case i.Key == "":
		return ErrInvalidInstruction.Withf("payout key is required")
	case i.PayeeID == "":
		return ErrInvalidInstruction.Withf("payee is required")
	case i.Direction != ToSeller && i.Direction != ToBuyer:
		return ErrInvalidInstruction.Withf("unknown direction %q", i.Direction)
	case !i.Amount.IsPositive():
		return ErrInvalidInstruction.Withf("payout amount must be positive")
	}
	return nil
}

// Queue persists payout instructions.
type Queue interface {
	// Enqueue stores inst unless an instruction with the same Key exists.
	// It reports whether a new instruction was stored; a duplicate is not
	// an error and inst is overwritten with the stored instruction.
	Enqueue(ctx context.Context, inst *Instruction) (bool, error)
	GetByKey(ctx context.Context, key string) (*Instruction, error)
	// ListQueued returns queued instructions oldest first, starting after
	// the cursor position when after is non-nil.
	ListQueued(ctx context.Context, after *pagination.Cursor, limit int) ([]*Instruction, error)
}

var ErrNotFound = apperr.New(apperr.KindNotFound, "payout_not_found", "payout instruction not found")
