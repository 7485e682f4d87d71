//go:build integration

package barter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/testutil"
)

func newPGService(t *testing.T) (*Service, *PostgresStore, *clock.Fake) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	listings := NewPostgresDirectory(db)
	require.NoError(t, listings.Put(ctx, &Listing{
		ID: "lst_1", OwnerID: seller, Title: "Vintage lamp", Price: money.MustParse("35.00"),
	}))

	ids := identity.NewPostgresStore(db)
	roles := identity.NewManager(ids)
	require.NoError(t, roles.GrantRole(ctx, buyer, identity.RoleBuyer))
	require.NoError(t, roles.GrantRole(ctx, seller, identity.RoleSeller))

	store := NewPostgresStore(db)
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(store, listings, roles, audit.NewPostgresLog(db), logging.Discard()).
		WithClock(fake).
		WithIDs(&idgen.Sequence{})
	return svc, store, fake
}

func TestPostgres_CounterChain(t *testing.T) {
	svc, store, fake := newPGService(t)
	ctx := context.Background()

	original, err := svc.Propose(ctx, ProposeRequest{
		ProposerID:      buyer,
		TargetListingID: "lst_1",
		Offer:           Offer{Description: "basket of produce", EstimatedValue: money.MustParse("30.00")},
	})
	require.NoError(t, err)

	fake.Advance(time.Hour)
	out, err := svc.Respond(ctx, original.ID, RespondRequest{
		Action:  ActionCounter,
		By:      seller,
		Counter: counterOffer("produce plus jam", "35.00"),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Counter)

	stored, err := store.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCountered, stored.State)
	assert.Equal(t, "basket of produce", stored.Offer.Description)
	assert.True(t, money.Equal(money.MustParse("30.00"), stored.Offer.EstimatedValue))

	child, err := store.GetByParent(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Counter.ID, child.ID)
	assert.Equal(t, buyer, child.RecipientID)
	assert.Equal(t, 1, child.CounterRound)

	chain, err := svc.Chain(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	_, err = svc.Respond(ctx, child.ID, RespondRequest{Action: ActionAccept, By: buyer})
	require.NoError(t, err)

	listed, err := store.ListByListing(ctx, "lst_1", 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestPostgres_ExpireStale(t *testing.T) {
	svc, store, fake := newPGService(t)
	ctx := context.Background()

	p, err := svc.Propose(ctx, ProposeRequest{
		ProposerID:      buyer,
		TargetListingID: "lst_1",
		Offer:           Offer{Description: "bike repair", EstimatedValue: money.MustParse("20.00")},
	})
	require.NoError(t, err)

	fake.Advance(DefaultTTL)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawn, stored.State)
	assert.Equal(t, SystemActor, stored.RespondedBy)
}

func TestPostgres_StaleProposalUpdate(t *testing.T) {
	svc, store, _ := newPGService(t)
	ctx := context.Background()

	p, err := svc.Propose(ctx, ProposeRequest{
		ProposerID:      buyer,
		TargetListingID: "lst_1",
		Offer:           Offer{Description: "bike repair", EstimatedValue: money.MustParse("20.00")},
	})
	require.NoError(t, err)

	stale := *p
	stale.Version = 9
	stale.State = StateRejected
	assert.True(t, errors.Is(store.Update(ctx, &stale), apperr.ErrConcurrentModification))
}
