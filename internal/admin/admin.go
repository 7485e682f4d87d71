// Package admin provides operator endpoints for settlement housekeeping:
// inspecting the payout queue and the processor circuit, forcing the
// background sweeps, and managing roles and API keys.
package admin

import (
	"context"

	"github.com/mbd888/settlehub/internal/circuitbreaker"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/mbd888/settlehub/internal/payout"
)

// PayoutLister pages through queued payout instructions.
type PayoutLister interface {
	ListQueued(ctx context.Context, after *pagination.Cursor, limit int) ([]*payout.Instruction, error)
}

// EscrowSweeper releases escrows whose review window has lapsed.
type EscrowSweeper interface {
	AutoRelease(ctx context.Context) (int, error)
}

// BarterSweeper withdraws proposals that outlived their TTL.
type BarterSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// GatewayCircuit exposes the payment processor's circuit breaker.
type GatewayCircuit interface {
	Provider() string
	Circuit() circuitbreaker.Snapshot
	ResetCircuit()
}

// AccessManager grants roles and issues API keys.
type AccessManager interface {
	GrantRole(ctx context.Context, userID string, role identity.Role) error
	RevokeRole(ctx context.Context, userID string, role identity.Role) error
	GenerateKey(ctx context.Context, userID, name string) (string, *identity.APIKey, error)
}

// RoleRequest grants a role to a user.
type RoleRequest struct {
	Role identity.Role `json:"role" binding:"required"`
}

// KeyRequest issues an API key.
type KeyRequest struct {
	Name string `json:"name"`
}
