package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway captures and refunds through Stripe PaymentIntents.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed gateway. backends may be nil to
// use the default HTTP backends.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, backends)}
}

func (g *StripeGateway) Name() string { return "stripe" }

// AuthorizeAndCapture creates and confirms a PaymentIntent in one call.
// The idempotency key makes a retried call after a timeout return the
// original PaymentIntent instead of charging twice.
func (g *StripeGateway) AuthorizeAndCapture(ctx context.Context, req CaptureRequest) (Result, error) {
	if err := validateCapture(req); err != nil {
		return Result{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.ToMinor(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(string(req.Currency))),
		PaymentMethod: stripe.String(req.MethodToken),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return classifyStripeError(err)
	}

	result := Result{
		Reference: pi.ID,
		Amount:    money.FromMinor(pi.Amount, req.Currency),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		result.Status = StatusPending
	default:
		result.Status = StatusDeclined
		result.FailureReason = "payment_intent_" + string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			result.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return result, nil
}

// Refund returns funds for a captured PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if err := validateRefund(req); err != nil {
		return Result{}, err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Reference),
		Amount:        stripe.Int64(money.ToMinor(req.Amount, req.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return classifyStripeError(err)
	}

	result := Result{
		Reference: r.ID,
		Amount:    money.FromMinor(r.Amount, req.Currency),
	}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		result.Status = StatusSucceeded
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		result.Status = StatusPending
	default:
		result.Status = StatusDeclined
		result.FailureReason = "refund_" + string(r.Status)
	}
	return result, nil
}

// classifyStripeError turns card errors into declined results, request
// errors into permanent failures, and everything else into retryable ones.
func classifyStripeError(err error) (Result, error) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return Result{}, fmt.Errorf("%w: %v", errTransient, err)
	}

	switch {
	case se.Type == stripe.ErrorTypeCard:
		reason := string(se.Code)
		if se.DeclineCode != "" {
			reason = string(se.DeclineCode)
		}
		if reason == "" {
			reason = se.Msg
		}
		return Result{Status: StatusDeclined, FailureReason: reason}, nil
	case se.Type == stripe.ErrorTypeInvalidRequest, se.Type == stripe.ErrorTypeIdempotency:
		return Result{}, retry.Permanent(ErrInvalidRequest.Withf("stripe: %s", se.Msg).Wrap(err))
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= 500:
		return Result{}, fmt.Errorf("%w: stripe %d: %s", errTransient, se.HTTPStatusCode, se.Msg)
	case se.HTTPStatusCode >= 400:
		return Result{}, retry.Permanent(ErrInvalidRequest.Withf("stripe: %s", se.Msg).Wrap(err))
	default:
		return Result{}, fmt.Errorf("%w: %v", errTransient, err)
	}
}
