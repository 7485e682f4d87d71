package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/circuitbreaker"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/retry"
	"github.com/mbd888/settlehub/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds a single gateway attempt.
const DefaultTimeout = 30 * time.Second

// Client wraps a Gateway with a per-attempt timeout, bounded retries and a
// circuit breaker keyed by provider name. Retries reuse the caller's
// idempotency key, so a retried capture never charges twice.
type Client struct {
	gw      Gateway
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient creates a client with default timeout, retry policy and breaker.
func NewClient(gw Gateway, logger *slog.Logger) *Client {
	return &Client{
		gw:      gw,
		timeout: DefaultTimeout,
		policy:  retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// WithTimeout sets the per-attempt timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithPolicy sets the retry policy.
func (c *Client) WithPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Provider returns the underlying gateway name.
func (c *Client) Provider() string { return c.gw.Name() }

// Circuit reports the breaker state for the provider.
func (c *Client) Circuit() circuitbreaker.Snapshot {
	return c.breaker.Snapshot(c.gw.Name())
}

// ResetCircuit force-closes the provider's breaker.
func (c *Client) ResetCircuit() {
	c.breaker.Reset(c.gw.Name())
}

// Capture authorizes and captures. A decline is a Result, not an error;
// an error means the outcome is unknown after all attempts.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	return c.call(ctx, "capture", req.IdempotencyKey, func(ctx context.Context) (Result, error) {
		return c.gw.AuthorizeAndCapture(ctx, req)
	})
}

// Refund returns funds for a prior capture.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	return c.call(ctx, "refund", req.IdempotencyKey, func(ctx context.Context) (Result, error) {
		return c.gw.Refund(ctx, req)
	})
}

func (c *Client) call(ctx context.Context, op, idemKey string, fn func(context.Context) (Result, error)) (result Result, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op,
		attribute.String("gateway.provider", c.gw.Name()),
		attribute.String("gateway.idempotency_key", idemKey),
	)
	defer func() { traces.End(span, err) }()

	start := time.Now()
	policy := c.policy
	policy.OnRetry = func(attempt int, err error) {
		metrics.GatewayRetriesTotal.WithLabelValues(op).Inc()
		c.logger.Warn("gateway call failed, retrying",
			"provider", c.gw.Name(), "operation", op, "attempt", attempt, "error", err)
	}

	err = retry.Do(ctx, policy, func(attempt int) error {
		berr := c.breaker.Execute(c.gw.Name(), countable, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			r, err := fn(attemptCtx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return ErrTimeout.Wrap(err)
				}
				if apperr.KindOf(err) == apperr.KindValidation {
					return retry.Permanent(err)
				}
				return err
			}
			result = r
			return nil
		})
		if errors.Is(berr, circuitbreaker.ErrOpen) {
			return retry.Permanent(ErrUnavailable.Wrap(berr))
		}
		return berr
	})

	outcome := string(result.Status)
	if err != nil {
		outcome = "error"
		if apperr.KindOf(err) == "" {
			err = ErrUnavailable.Wrap(err)
		}
	}
	metrics.GatewayCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	return result, err
}

// countable reports whether err should count against the provider's
// breaker. Rejected requests are the caller's fault, not an outage.
func countable(err error) bool {
	var pe *retry.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	return apperr.KindOf(err) != apperr.KindValidation
}
