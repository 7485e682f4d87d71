package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/escrow"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/payout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "usr_buyer"
	seller = "usr_seller"
	admin  = "usr_admin"
)

type fixture struct {
	escrow   *escrow.Service
	resolver *Resolver
	store    *escrow.MemoryStore
	clock    *clock.Fake
	payouts  *payout.MemoryQueue
	audit    *audit.MemoryLog
	notes    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	roles := identity.NewManager(identity.NewMemoryStore())
	require.NoError(t, roles.GrantRole(context.Background(), admin, identity.RoleAdmin))

	f := &fixture{
		store:   escrow.NewMemoryStore(),
		clock:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		payouts: payout.NewMemoryQueue(),
		audit:   audit.NewMemoryLog(),
		notes:   &notify.Recorder{},
	}
	f.escrow = escrow.NewService(f.store, f.audit, f.payouts, logging.Discard()).
		WithClock(f.clock).
		WithIDs(&idgen.Sequence{}).
		WithNotifier(f.notes)
	f.resolver = NewResolver(f.store, f.escrow, roles, f.audit, logging.Discard()).
		WithClock(f.clock).
		WithNotifier(f.notes)
	return f
}

// disputed returns an account funded with 60.00 and disputed by raisedBy.
func (f *fixture) disputed(t *testing.T, raisedBy string) (*escrow.Account, *escrow.Dispute) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.escrow.Open(ctx, escrow.OpenRequest{
		OrderID:  "ord_1",
		BuyerID:  buyer,
		SellerID: seller,
		Amount:   money.MustParse("60.00"),
		Currency: money.USD,
	})
	require.NoError(t, err)
	_, err = f.escrow.Fund(ctx, acct.ID, money.MustParse("60.00"), buyer)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	acct, d, err := f.escrow.Dispute(ctx, acct.ID, raisedBy, "item not as described")
	require.NoError(t, err)
	return acct, d
}

func TestResolve_ForBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputed(t, seller)

	acct, err := f.resolver.Resolve(ctx, d.ID, ToBuyer, "seller shipped the wrong item", admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleasedToBuyer, acct.State)
	assert.Equal(t, escrow.TriggerAdmin, acct.ReleasedBy)

	stored, err := f.resolver.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.ResolvedForBuyer, stored.Resolution)
	assert.Equal(t, "seller shipped the wrong item", stored.ResolutionNotes)
	assert.Equal(t, admin, stored.ResolvedBy)
	assert.NotNil(t, stored.ResolvedAt)

	inst, err := f.payouts.GetByKey(ctx, payout.KeyFor(payout.SourceEscrow, acct.ID))
	require.NoError(t, err)
	assert.Equal(t, payout.ToBuyer, inst.Direction)
	assert.Equal(t, buyer, inst.PayeeID)
	assert.True(t, money.Equal(money.MustParse("60.00"), inst.Amount))

	assert.Contains(t, f.notes.Kinds(), notify.DisputeResolved)
	assert.Contains(t, f.notes.Kinds(), notify.EscrowReleased)
}

func TestResolve_ForSeller(t *testing.T) {
	f := newFixture(t)
	_, d := f.disputed(t, buyer)

	acct, err := f.resolver.Resolve(context.Background(), d.ID, ToSeller, "tracking shows delivery", admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleasedToSeller, acct.State)

	inst, err := f.payouts.GetByKey(context.Background(), payout.KeyFor(payout.SourceEscrow, acct.ID))
	require.NoError(t, err)
	assert.Equal(t, payout.ToSeller, inst.Direction)
}

func TestResolve_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputed(t, seller)

	_, err := f.resolver.Resolve(ctx, d.ID, ToBuyer, "refund the buyer", admin)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, d.ID, ToSeller, "changed my mind", admin)
	assert.True(t, errors.Is(err, escrow.ErrAlreadyResolved), "got %v", err)

	acct, err := f.escrow.Get(ctx, d.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleasedToBuyer, acct.State)

	stored, _ := f.resolver.Get(ctx, d.ID)
	assert.Equal(t, escrow.ResolvedForBuyer, stored.Resolution)
	assert.Equal(t, "refund the buyer", stored.ResolutionNotes)

	queued, _ := f.payouts.ListQueued(ctx, nil, 10)
	assert.Len(t, queued, 1)
}

func TestResolve_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputed(t, buyer)

	_, err := f.resolver.Resolve(ctx, d.ID, ToBuyer, "I am the buyer", buyer)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	stored, _ := f.resolver.Get(ctx, d.ID)
	assert.True(t, stored.IsPending())
}

func TestResolve_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, d := f.disputed(t, buyer)

	_, err := f.resolver.Resolve(ctx, d.ID, ToBuyer, "   ", admin)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.resolver.Resolve(ctx, d.ID, Direction("split"), "half each", admin)
	assert.True(t, errors.Is(err, ErrInvalidDirection))

	_, err = f.resolver.Resolve(ctx, "dsp_missing", ToBuyer, "notes", admin)
	assert.True(t, errors.Is(err, escrow.ErrDisputeNotFound))

	acct, _ := f.escrow.Get(ctx, d.EscrowID)
	assert.Equal(t, escrow.StateDisputed, acct.State)
}

func TestAutoReleaseSkipsDisputedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, d := f.disputed(t, buyer)

	f.clock.Advance(30 * 24 * time.Hour)
	n, err := f.escrow.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := f.resolver.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)
	assert.Equal(t, acct.ID, pending[0].EscrowID)
}

func TestResolve_AuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := logging.WithRequestID(context.Background(), "req_resolve")
	acct, d := f.disputed(t, seller)

	_, err := f.resolver.Resolve(ctx, d.ID, ToBuyer, "refund", admin)
	require.NoError(t, err)

	entries, err := f.resolver.History(ctx, d.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(escrow.ResolutionPending), entries[0].NewState)
	assert.Equal(t, string(escrow.ResolvedForBuyer), entries[1].NewState)
	assert.Equal(t, admin, entries[1].Actor)
	assert.Equal(t, "req_resolve", entries[1].RequestID)

	escrowEntries, err := f.escrow.History(ctx, acct.ID, 10)
	require.NoError(t, err)
	last := escrowEntries[len(escrowEntries)-1]
	assert.Equal(t, string(escrow.StateDisputed), last.PriorState)
	assert.Equal(t, string(escrow.StateReleasedToBuyer), last.NewState)
}
