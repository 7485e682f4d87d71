package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Test tokens understood by MemoryGateway.
const (
	TokenApprove = "tok_approve"
	TokenDecline = "tok_decline"
	TokenPending = "tok_pending"
	TokenHang    = "tok_hang" // blocks until the context is done
)

// MemoryGateway is an in-process gateway for demo mode and tests. It
// honors idempotency keys the way a real provider does: repeating a key
// returns the stored outcome without moving money again.
type MemoryGateway struct {
	mu       sync.Mutex
	captures map[string]Result // by idempotency key
	refunds  map[string]Result
	calls    int
	failNext int
	seq      int
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		captures: make(map[string]Result),
		refunds:  make(map[string]Result),
	}
}

func (g *MemoryGateway) Name() string { return "memory" }

// FailNext makes the next n calls return a transient error before
// reaching the idempotency table.
func (g *MemoryGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// Calls returns how many requests reached the gateway.
func (g *MemoryGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Captured returns how many distinct captures moved money.
func (g *MemoryGateway) Captured() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.captures {
		if r.Succeeded() {
			n++
		}
	}
	return n
}

// Refunded returns how many distinct refunds were issued.
func (g *MemoryGateway) Refunded() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func (g *MemoryGateway) AuthorizeAndCapture(ctx context.Context, req CaptureRequest) (Result, error) {
	if err := validateCapture(req); err != nil {
		return Result{}, err
	}
	if req.MethodToken == TokenHang {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failNext > 0 {
		g.failNext--
		return Result{}, fmt.Errorf("%w: simulated outage", errTransient)
	}
	if r, ok := g.captures[req.IdempotencyKey]; ok {
		return r, nil
	}

	g.seq++
	r := Result{Reference: fmt.Sprintf("pi_mem_%04d", g.seq), Amount: req.Amount}
	switch {
	case req.MethodToken == TokenDecline || strings.HasPrefix(req.MethodToken, "tok_decline_"):
		r.Status = StatusDeclined
		r.FailureReason = "card_declined"
	case req.MethodToken == TokenPending:
		r.Status = StatusPending
	default:
		r.Status = StatusSucceeded
	}
	g.captures[req.IdempotencyKey] = r
	return r, nil
}

func (g *MemoryGateway) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if err := validateRefund(req); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.failNext > 0 {
		g.failNext--
		return Result{}, fmt.Errorf("%w: simulated outage", errTransient)
	}
	if r, ok := g.refunds[req.IdempotencyKey]; ok {
		return r, nil
	}

	g.seq++
	r := Result{Reference: fmt.Sprintf("re_mem_%04d", g.seq), Status: StatusSucceeded, Amount: req.Amount}
	g.refunds[req.IdempotencyKey] = r
	return r, nil
}
