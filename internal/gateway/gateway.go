// Package gateway is the boundary to the external payment gateway: card
// and wallet captures and refunds.
//
// A Gateway reports a business outcome (succeeded, declined, pending) as a
// Result and returns an error only when the outcome is unknown (timeout,
// transport failure, provider outage). Callers go through Client, which
// adds the per-attempt timeout, bounded retries and circuit breaking.
package gateway

import (
	"context"
	"errors"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

// Status is the outcome reported by the gateway.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusDeclined  Status = "declined"
	StatusPending   Status = "pending" // final outcome arrives later through Confirm
)

// CaptureRequest asks the gateway to authorize and capture in one step.
type CaptureRequest struct {
	Amount         money.Amount
	Currency       money.Currency
	MethodToken    string // tokenized card or wallet reference; never raw card data
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// RefundRequest asks the gateway to return a captured amount.
type RefundRequest struct {
	Reference      string // gateway reference of the original capture
	Amount         money.Amount
	Currency       money.Currency
	IdempotencyKey string
}

// Result is a gateway outcome.
type Result struct {
	Reference     string       `json:"reference"`
	Status        Status       `json:"status"`
	Amount        money.Amount `json:"amount"`
	FailureReason string       `json:"failureReason,omitempty"`
}

// Succeeded reports whether the gateway moved the money.
func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }

// Equivalent reports whether two results describe the same outcome.
// Used to make repeated confirmations idempotent.
func (r Result) Equivalent(o Result) bool {
	return r.Status == o.Status && r.Reference == o.Reference
}

// Gateway is the payment provider interface.
type Gateway interface {
	Name() string
	AuthorizeAndCapture(ctx context.Context, req CaptureRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}

var (
	ErrUnavailable    = apperr.New(apperr.KindExternal, "gateway_unavailable", "payment gateway unavailable")
	ErrTimeout        = apperr.New(apperr.KindExternal, "gateway_timeout", "payment gateway timed out")
	ErrInvalidRequest = apperr.New(apperr.KindValidation, "gateway_invalid_request", "payment gateway rejected the request")
	ErrMissingIdemKey = apperr.New(apperr.KindValidation, "missing_idempotency_key", "gateway calls require an idempotency key")
	errTransient      = errors.New("transient gateway failure")
)

func validateCapture(req CaptureRequest) error {
	if req.IdempotencyKey == "" {
		return ErrMissingIdemKey
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidRequest.Withf("capture amount must be positive")
	}
	if req.MethodToken == "" {
		return ErrInvalidRequest.Withf("payment method token is required")
	}
	return nil
}

func validateRefund(req RefundRequest) error {
	if req.IdempotencyKey == "" {
		return ErrMissingIdemKey
	}
	if req.Reference == "" {
		return ErrInvalidRequest.Withf("refund requires the capture reference")
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidRequest.Withf("refund amount must be positive")
	}
	return nil
}
