package barter

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/syncutil"
	"github.com/mbd888/settlehub/internal/traces"
)

// Service implements barter negotiation.
type Service struct {
	store    Store
	listings ListingDirectory
	roles    identity.RoleChecker
	audit    audit.Logger
	observer ResolutionObserver
	notifier notify.Sink
	clock    clock.Clock
	ids      idgen.Generator
	ttl      time.Duration
	rounds   int
	logger   *slog.Logger
	locks    syncutil.KeyedMutex
}

// NewService creates a new barter service.
func NewService(store Store, listings ListingDirectory, roles identity.RoleChecker, auditLog audit.Logger, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		listings: listings,
		roles:    roles,
		audit:    auditLog,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		ids:      idgen.Random{},
		ttl:      DefaultTTL,
		rounds:   MaxCounterRounds,
		logger:   logger,
	}
}

// WithClock sets the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithIDs sets the ID generator.
func (s *Service) WithIDs(g idgen.Generator) *Service {
	s.ids = g
	return s
}

// WithTTL overrides DefaultTTL.
func (s *Service) WithTTL(d time.Duration) *Service {
	if d > 0 {
		s.ttl = d
	}
	return s
}

// WithMaxCounterRounds overrides MaxCounterRounds.
func (s *Service) WithMaxCounterRounds(n int) *Service {
	if n > 0 {
		s.rounds = n
	}
	return s
}

// WithNotifier sets the notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// SetObserver registers the party told about resolutions.
func (s *Service) SetObserver(o ResolutionObserver) {
	s.observer = o
}

// Propose opens a proposal addressed to the listing owner.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	if req.ProposerID == "" {
		return nil, apperr.Validationf("proposerId is required")
	}
	if err := req.Offer.Validate(); err != nil {
		return nil, err
	}
	listing, err := s.listings.GetListing(ctx, req.TargetListingID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID == req.ProposerID {
		return nil, ErrOwnListing
	}
	if req.RecipientID != "" && listing.OwnerID != req.RecipientID {
		return nil, ErrListingOwner.Withf("listing %s is not owned by %s", listing.ID, req.RecipientID)
	}

	now := s.clock.Now()
	p := &Proposal{
		ID:              s.ids.New("brt_"),
		ProposerID:      req.ProposerID,
		RecipientID:     listing.OwnerID,
		TargetListingID: listing.ID,
		OrderID:         req.OrderID,
		Offer:           normalizeOffer(req.Offer),
		State:           StateProposed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	s.record(ctx, p.ID, "", StateProposed, p.ProposerID, p.Offer.Description)
	metrics.BarterProposalsTotal.WithLabelValues(string(StateProposed)).Inc()
	s.notifier.Publish(notify.BarterProposed, proposalPayload(p))
	return p, nil
}

// Respond applies an action to an open proposal. Accept, reject and counter
// belong to the recipient, who must hold the role for their side of the
// listing; withdraw belongs to the proposer.
func (s *Service) Respond(ctx context.Context, id string, req RespondRequest) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "barter.Respond", traces.ProposalID(id))
	out, err := s.respond(ctx, id, req)
	traces.End(span, err)
	return out, err
}

func (s *Service) respond(ctx context.Context, id string, req RespondRequest) (*Outcome, error) {
	switch req.Action {
	case ActionAccept, ActionReject, ActionCounter, ActionWithdraw:
	default:
		return nil, ErrUnknownAction.Withf("unknown barter action %q", req.Action)
	}
	if req.Action == ActionCounter {
		if req.Counter == nil {
			return nil, ErrInvalidOffer.Withf("counter offer is required")
		}
		if err := req.Counter.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := s.locks.Lock(id)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if p.State.IsTerminal() {
		unlock()
		return nil, apperr.ErrInvalidState.Withf("proposal %s is %s", id, p.State)
	}
	if err := s.authorize(ctx, p, req); err != nil {
		unlock()
		return nil, err
	}

	now := s.clock.Now()
	out := &Outcome{Proposal: p}
	switch req.Action {
	case ActionAccept:
		p.respond(StateAccepted, req.By, now)
		err = s.store.Update(ctx, p)
	case ActionReject:
		p.respond(StateRejected, req.By, now)
		err = s.store.Update(ctx, p)
	case ActionWithdraw:
		p.respond(StateWithdrawn, req.By, now)
		err = s.store.Update(ctx, p)
	case ActionCounter:
		if p.CounterRound+1 > s.rounds {
			unlock()
			return nil, ErrMaxCounterRounds.Withf("proposal %s is at round %d of %d", id, p.CounterRound, s.rounds)
		}
		counter := &Proposal{
			ID:              s.ids.New("brt_"),
			ProposerID:      p.RecipientID,
			RecipientID:     p.ProposerID,
			TargetListingID: p.TargetListingID,
			OrderID:         p.OrderID,
			Offer:           normalizeOffer(*req.Counter),
			State:           StateProposed,
			ParentID:        p.ID,
			CounterRound:    p.CounterRound + 1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		p.respond(StateCountered, req.By, now)
		err = s.store.Counter(ctx, p, counter)
		out.Counter = counter
	}
	unlock()
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			metrics.ConflictsTotal.WithLabelValues("barter_proposal").Inc()
		}
		return nil, err
	}

	s.afterResponse(ctx, p, out.Counter)
	return out, nil
}

// authorize enforces who may take each action.
func (s *Service) authorize(ctx context.Context, p *Proposal, req RespondRequest) error {
	if req.Action == ActionWithdraw {
		if req.By != p.ProposerID {
			return apperr.ErrUnauthorized.Withf("only the proposer can withdraw")
		}
		return nil
	}
	if req.By != p.RecipientID {
		return apperr.ErrUnauthorized.Withf("only the recipient can %s", req.Action)
	}
	role := recipientRole(p)
	ok, err := s.roles.HasRole(ctx, req.By, role)
	if err != nil {
		return apperr.ErrExternal.Withf("role check failed").Wrap(err)
	}
	if !ok {
		return apperr.ErrUnauthorized.Withf("%s requires the %s role", req.Action, role)
	}
	return nil
}

// recipientRole is the role the recipient acts in. Root proposals go to the
// listing owner; each counter swaps the parties.
func recipientRole(p *Proposal) identity.Role {
	if p.CounterRound%2 == 0 {
		return identity.RoleSeller
	}
	return identity.RoleBuyer
}

func (s *Service) afterResponse(ctx context.Context, p *Proposal, counter *Proposal) {
	s.record(ctx, p.ID, StateProposed, p.State, p.RespondedBy, "")
	metrics.BarterProposalsTotal.WithLabelValues(string(p.State)).Inc()

	switch p.State {
	case StateAccepted:
		s.notifier.Publish(notify.BarterAccepted, proposalPayload(p))
	case StateRejected:
		s.notifier.Publish(notify.BarterRejected, proposalPayload(p))
	case StateWithdrawn:
		s.notifier.Publish(notify.BarterWithdrawn, proposalPayload(p))
	case StateCountered:
		s.record(ctx, counter.ID, "", StateProposed, counter.ProposerID, "counter to "+p.ID)
		metrics.BarterProposalsTotal.WithLabelValues(string(StateProposed)).Inc()
		payload := proposalPayload(counter)
		payload["parentId"] = p.ID
		s.notifier.Publish(notify.BarterCountered, payload)
	}

	if s.observer != nil {
		if err := s.observer.BarterResolved(ctx, p); err != nil {
			s.logger.Error("barter resolved but order not updated",
				"proposalId", p.ID, "orderId", p.OrderID, "state", p.State, "error", err)
		}
	}
}

// ExpireStale withdraws proposals open longer than the TTL. Returns the
// number expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListStale(ctx, s.clock.Now().Add(-s.ttl), 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range stale {
		if err := s.expire(ctx, p.ID); err != nil {
			s.logger.Warn("failed to expire barter proposal", "proposalId", p.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if p.State.IsTerminal() {
		unlock()
		return nil
	}
	p.respond(StateWithdrawn, SystemActor, s.clock.Now())
	err = s.store.Update(ctx, p)
	unlock()
	if err != nil {
		return err
	}
	s.afterResponse(ctx, p, nil)
	return nil
}

// Get returns a proposal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Proposal, error) {
	return s.store.Get(ctx, id)
}

// Chain returns the negotiation containing id, from the root proposal to
// the latest counter.
func (s *Service) Chain(ctx context.Context, id string) ([]*Proposal, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := 0; p.ParentID != "" && i <= s.rounds; i++ {
		if p, err = s.store.Get(ctx, p.ParentID); err != nil {
			return nil, err
		}
	}

	chain := []*Proposal{p}
	for i := 0; i < s.rounds; i++ {
		next, err := s.store.GetByParent(ctx, p.ID)
		if apperr.KindOf(err) == apperr.KindNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		p = next
	}
	return chain, nil
}

// ListByListing returns proposals on a listing, newest first.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByListing(ctx, listingID, limit)
}

// OpenForOrder returns the open proposal tied to an order, or nil.
func (s *Service) OpenForOrder(ctx context.Context, orderID string) (*Proposal, error) {
	proposals, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, p := range proposals {
		if p.State == StateProposed {
			return p, nil
		}
	}
	return nil, nil
}

func (s *Service) record(ctx context.Context, id string, prior, next State, actor, reason string) {
	audit.Record(ctx, s.audit, s.logger, s.clock.Now(), &audit.Entry{
		EntityType: audit.EntityProposal,
		EntityID:   id,
		PriorState: string(prior),
		NewState:   string(next),
		Actor:      actor,
		Reason:     reason,
	})
}

func normalizeOffer(o Offer) Offer {
	return Offer{
		Description:    o.Description,
		EstimatedValue: money.Round(o.EstimatedValue),
		Message:        o.Message,
	}
}

func proposalPayload(p *Proposal) notify.Payload {
	return notify.Payload{
		"proposalId":     p.ID,
		"proposerId":     p.ProposerID,
		"recipientId":    p.RecipientID,
		"listingId":      p.TargetListingID,
		"orderId":        p.OrderID,
		"state":          string(p.State),
		"estimatedValue": money.Format(p.Offer.EstimatedValue),
		"counterRound":   p.CounterRound,
	}
}
