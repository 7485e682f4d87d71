// Package dispute lets administrators force a disputed escrow account into
// a terminal release.
//
// Only accounts in the disputed state with a pending dispute can be
// resolved. The release and the recorded resolution are committed together;
// payout and order finalization follow through the escrow service.
package dispute

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/syncutil"
	"github.com/mbd888/settlehub/internal/traces"
)

// ErrInvalidDirection is returned for a direction other than buyer or seller.
var ErrInvalidDirection = apperr.New(apperr.KindValidation, "invalid_direction", "direction must be buyer or seller")

// Direction names who receives the held funds.
type Direction string

const (
	ToBuyer  Direction = "buyer"
	ToSeller Direction = "seller"
)

// Resolution maps a direction onto the dispute outcome it records.
func (d Direction) Resolution() (escrow.Resolution, error) {
	switch d {
	case ToBuyer:
		return escrow.ResolvedForBuyer, nil
	case ToSeller:
		return escrow.ResolvedForSeller, nil
	}
	return "", ErrInvalidDirection.Withf("unknown direction %q", d)
}

// Releaser runs the effects of a committed escrow release.
type Releaser interface {
	CompleteRelease(ctx context.Context, acct *escrow.Account, prior escrow.State, actor, reason string)
}

// Resolver applies administrative dispute resolutions.
type Resolver struct {
	store    escrow.Store
	releaser Releaser
	roles    identity.RoleChecker
	audit    audit.Logger
	notifier notify.Sink
	clock    clock.Clock
	logger   *slog.Logger
	locks    syncutil.KeyedMutex
}

// NewResolver creates a resolver over the escrow store.
func NewResolver(store escrow.Store, releaser Releaser, roles identity.RoleChecker, auditLog audit.Logger, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		releaser: releaser,
		roles:    roles,
		audit:    auditLog,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		logger:   logger,
	}
}

// WithClock sets the time source.
func (r *Resolver) WithClock(c clock.Clock) *Resolver {
	r.clock = c
	return r
}

// WithNotifier sets the notification sink.
func (r *Resolver) WithNotifier(n notify.Sink) *Resolver {
	r.notifier = n
	return r
}

// Resolve releases the disputed account in the given direction and records
// the resolution. A dispute resolves at most once.
func (r *Resolver) Resolve(ctx context.Context, disputeID string, direction Direction, notes, adminID string) (*escrow.Account, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	acct, err := r.resolve(ctx, disputeID, direction, notes, adminID)
	traces.End(span, err)
	return acct, err
}

func (r *Resolver) resolve(ctx context.Context, disputeID string, direction Direction, notes, adminID string) (*escrow.Account, error) {
	ok, err := r.roles.HasRole(ctx, adminID, identity.RoleAdmin)
	if err != nil {
		return nil, apperr.ErrExternal.Withf("role check failed").Wrap(err)
	}
	if !ok {
		return nil, apperr.ErrUnauthorized.Withf("resolving disputes requires the admin role")
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperr.Validationf("resolution notes are required")
	}
	resolution, err := direction.Resolution()
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(disputeID)
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !d.IsPending() {
		unlock()
		return nil, escrow.ErrAlreadyResolved.Withf("dispute %s was %s", disputeID, d.Resolution)
	}
	acct, err := r.store.Get(ctx, d.EscrowID)
	if err != nil {
		unlock()
		return nil, err
	}
	if acct.State != escrow.StateDisputed {
		unlock()
		return nil, apperr.ErrInvalidState.Withf("escrow %s is %s, not disputed", acct.ID, acct.State)
	}

	now := r.clock.Now()
	prior := acct.State
	if err := acct.Release(direction == ToBuyer, escrow.TriggerAdmin, now); err != nil {
		unlock()
		return nil, err
	}
	d.Resolution = resolution
	d.ResolutionNotes = notes
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	d.UpdatedAt = now

	err = r.store.SaveWithDispute(ctx, acct, d)
	unlock()
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			metrics.ConflictsTotal.WithLabelValues("dispute").Inc()
		}
		return nil, err
	}

	audit.Record(ctx, r.audit, r.logger, r.clock.Now(), &audit.Entry{
		EntityType: audit.EntityDispute,
		EntityID:   d.ID,
		PriorState: string(escrow.ResolutionPending),
		NewState:   string(resolution),
		Actor:      adminID,
		Reason:     notes,
	})
	metrics.DisputesTotal.WithLabelValues(string(resolution)).Inc()
	r.releaser.CompleteRelease(ctx, acct, prior, adminID, notes)
	r.notifier.Publish(notify.DisputeResolved, notify.Payload{
		"disputeId":  d.ID,
		"escrowId":   acct.ID,
		"orderId":    acct.OrderID,
		"resolution": string(resolution),
		"resolvedBy": adminID,
		"buyerId":    acct.BuyerID,
		"sellerId":   acct.SellerID,
	})
	r.logger.Info("dispute resolved",
		"disputeId", d.ID, "escrowId", acct.ID, "resolution", resolution, "admin", adminID)
	return acct, nil
}

// Get returns a dispute by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*escrow.Dispute, error) {
	return r.store.GetDispute(ctx, id)
}

// ListPending returns disputes awaiting an admin, oldest first.
func (r *Resolver) ListPending(ctx context.Context, limit int) ([]*escrow.Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.store.ListPendingDisputes(ctx, limit)
}

// History returns the audit trail of a dispute, oldest first.
func (r *Resolver) History(ctx context.Context, id string, limit int) ([]*audit.Entry, error) {
	if _, err := r.store.GetDispute(ctx, id); err != nil {
		return nil, err
	}
	return r.audit.List(ctx, id, limit)
}
