// Package escrow holds buyer funds in custody until the buyer confirms
// receipt, the review window lapses, or an admin resolves a dispute.
//
// Flow:
//  1. Settlement opens an account for an order → created
//  2. Captured funds arrive → funded, review window starts
//  3. Seller marks delivery → review window restarts
//  4. Buyer confirms, or the window lapses → released_to_seller
//  5. Buyer or seller disputes inside the window → disputed
//  6. Admin resolves the dispute → released_to_buyer or released_to_seller
//
// Release never moves money directly; it enqueues a payout instruction.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/audit"
	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/mbd888/settlehub/internal/payout"
	"github.com/mbd888/settlehub/internal/syncutil"
	"github.com/mbd888/settlehub/internal/traces"
)

var (
	ErrEscrowNotFound     = apperr.New(apperr.KindNotFound, "escrow_not_found", "escrow account not found")
	ErrDisputeNotFound    = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrAmountMismatch     = apperr.New(apperr.KindValidation, "amount_mismatch", "captured amount does not match escrow amount")
	ErrAlreadyReleased    = apperr.New(apperr.KindConflict, "already_released", "escrow funds were already released")
	ErrAlreadyResolved    = apperr.New(apperr.KindConflict, "already_resolved", "dispute was already resolved")
	ErrWindowExpired      = apperr.New(apperr.KindWindowExpired, "review_window_expired", "review window has ended")
	ErrWindowOpen         = apperr.New(apperr.KindConflict, "review_window_open", "review window has not ended")
	ErrActiveEscrowExists = apperr.New(apperr.KindConflict, "active_escrow_exists", "order already has an active escrow account")
	ErrNotParticipant     = apperr.New(apperr.KindAuthorization, "not_participant", "actor is not a party to this escrow")
	ErrInvalidTrigger     = apperr.New(apperr.KindValidation, "invalid_release_trigger", "invalid release trigger")
)

// State of an escrow account.
type State string

const (
	StateCreated          State = "created"
	StateFunded           State = "funded"
	StateDisputed         State = "disputed"
	StateReleasedToSeller State = "released_to_seller"
	StateReleasedToBuyer  State = "released_to_buyer"
)

// IsTerminal returns true once funds have left custody.
func (s State) IsTerminal() bool {
	return s == StateReleasedToSeller || s == StateReleasedToBuyer
}

// Trigger records what caused a release.
type Trigger string

const (
	TriggerBuyer   Trigger = "buyer"
	TriggerTimeout Trigger = "timeout"
	TriggerAdmin   Trigger = "admin"
)

// Resolution of a dispute.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolvedForBuyer  Resolution = "resolved_for_buyer"
	ResolvedForSeller Resolution = "resolved_for_seller"
)

// DefaultReviewWindow is how long a funded account waits for a dispute
// before releasing to the seller.
const DefaultReviewWindow = 7 * 24 * time.Hour

// SystemActor is recorded for transitions nobody initiated directly.
const SystemActor = "system"

// Account is an escrow custody record.
type Account struct {
	ID               string         `json:"id"`
	OrderID          string         `json:"orderId"`
	BuyerID          string         `json:"buyerId"`
	SellerID         string         `json:"sellerId"`
	Amount           money.Amount   `json:"amount"`
	Currency         money.Currency `json:"currency"`
	State            State          `json:"state"`
	FundedAt         *time.Time     `json:"fundedAt,omitempty"`
	DeliveredAt      *time.Time     `json:"deliveredAt,omitempty"`
	ReviewWindowEnds *time.Time     `json:"reviewWindowEnds,omitempty"`
	ReleasedAt       *time.Time     `json:"releasedAt,omitempty"`
	ReleasedBy       Trigger        `json:"releasedBy,omitempty"`
	DisputeID        string         `json:"disputeId,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (a *Account) IsParticipant(userID string) bool {
	return userID != "" && (userID == a.BuyerID || userID == a.SellerID)
}

// WindowEnded reports whether the review window has lapsed.
func (a *Account) WindowEnded(now time.Time) bool {
	return a.ReviewWindowEnds != nil && !now.Before(*a.ReviewWindowEnds)
}

// Release moves a funded or disputed account to its terminal state. It is
// the only place terminal states are assigned.
func (a *Account) Release(toBuyer bool, by Trigger, now time.Time) error {
	if a.State.IsTerminal() {
		return ErrAlreadyReleased.Withf("escrow %s is %s", a.ID, a.State)
	}
	switch {
	case a.State == StateFunded && !toBuyer && (by == TriggerBuyer || by == TriggerTimeout):
	case a.State == StateDisputed && by == TriggerAdmin:
	default:
		return apperr.ErrInvalidState.Withf("escrow %s cannot be released from %s by %s", a.ID, a.State, by)
	}
	if toBuyer {
		a.State = StateReleasedToBuyer
	} else {
		a.State = StateReleasedToSeller
	}
	a.ReleasedAt = &now
	a.ReleasedBy = by
	a.UpdatedAt = now
	return nil
}

// Dispute is raised against a funded account and resolved by an admin.
type Dispute struct {
	ID              string     `json:"id"`
	EscrowID        string     `json:"escrowId"`
	OrderID         string     `json:"orderId"`
	RaisedBy        string     `json:"raisedBy"`
	Reason          string     `json:"reason"`
	Resolution      Resolution `json:"resolution"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsPending reports whether the dispute awaits resolution.
func (d *Dispute) IsPending() bool { return d.Resolution == ResolutionPending }

// Store persists escrow accounts and disputes. Writes are optimistic: an
// update succeeds only when the stored Version equals the Version on the
// argument, and increments it.
type Store interface {
	// Create inserts a new account with Version 1. Fails with
	// ErrActiveEscrowExists when the order already has a non-terminal account.
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Account, error)
	Update(ctx context.Context, acct *Account) error
	// SaveWithDispute commits the account and the dispute together. A
	// dispute with Version 0 is inserted, otherwise updated.
	SaveWithDispute(ctx context.Context, acct *Account, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListPendingDisputes(ctx context.Context, limit int) ([]*Dispute, error)
	// ListReleasable returns funded accounts whose review window ended at
	// or before now.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// Observer is told when custody ends so the order can be finalized.
type Observer interface {
	EscrowReleased(ctx context.Context, acct *Account) error
}

// OpenRequest contains the parameters for opening an account.
type OpenRequest struct {
	OrderID  string
	BuyerID  string
	SellerID string
	Amount   money.Amount
	Currency money.Currency
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	audit    audit.Logger
	payouts  payout.Queue
	notifier notify.Sink
	observer Observer
	clock    clock.Clock
	ids      idgen.Generator
	window   time.Duration
	logger   *slog.Logger
	locks    syncutil.KeyedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, auditLog audit.Logger, payouts payout.Queue, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		audit:    auditLog,
		payouts:  payouts,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		ids:      idgen.Random{},
		window:   DefaultReviewWindow,
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

// WithReviewWindow overrides DefaultReviewWindow.
func (s *Service) WithReviewWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithNotifier sets the notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// SetObserver registers the party told about release. Set
// after construction because the observer usually depends on this service.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// Open creates an account in the created state. An order whose earlier
// account was never funded gets that account back when the terms match.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Account, error) {
	switch {
	case req.OrderID == "":
		return nil, apperr.Validationf("orderId is required")
	case req.BuyerID == "" || req.SellerID == "":
		return nil, apperr.Validationf("buyer and seller are required")
	case req.BuyerID == req.SellerID:
		return nil, apperr.Validationf("buyer and seller must differ")
	case !req.Amount.IsPositive():
		return nil, apperr.Validationf("escrow amount must be positive")
	}

	now := s.clock.Now()
	acct := &Account{
		ID:        s.ids.New("esc_"),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    money.Round(req.Amount),
		Currency:  req.Currency,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, acct); err != nil {
		if !errors.Is(err, ErrActiveEscrowExists) {
			return nil, err
		}
		if existing := s.unfunded(ctx, acct); existing != nil {
			return existing, nil
		}
		return nil, err
	}

	s.record(ctx, audit.EntityEscrow, acct.ID, "", string(StateCreated), SystemActor, "opened for order "+acct.OrderID)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateCreated), "open").Inc()
	s.notifier.Publish(notify.EscrowOpened, accountPayload(acct))
	return acct, nil
}

// unfunded returns the order's created account if it has the same parties
// and amount as want.
func (s *Service) unfunded(ctx context.Context, want *Account) *Account {
	accts, err := s.store.ListByOrder(ctx, want.OrderID)
	if err != nil {
		s.logger.Warn("could not look up existing escrow", "orderId", want.OrderID, "error", err)
		return nil
	}
	for _, a := range accts {
		if a.State == StateCreated && a.BuyerID == want.BuyerID && a.SellerID == want.SellerID &&
			a.Currency == want.Currency && money.Equal(a.Amount, want.Amount) {
			return a
		}
	}
	return nil
}

// Fund moves a created account to funded. The captured amount must equal
// the account amount exactly.
func (s *Service) Fund(ctx context.Context, id string, captured money.Amount, actor string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id), traces.Amount(money.Format(captured)))
	acct, err := s.fund(ctx, id, captured, actor)
	traces.End(span, err)
	return acct, err
}

func (s *Service) fund(ctx context.Context, id string, captured money.Amount, actor string) (*Account, error) {
	unlock := s.locks.Lock(id)
	acct, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if acct.State.IsTerminal() {
		unlock()
		return nil, ErrAlreadyReleased.Withf("escrow %s is %s", id, acct.State)
	}
	if acct.State != StateCreated {
		unlock()
		return nil, apperr.ErrInvalidState.Withf("escrow %s is already %s", id, acct.State)
	}
	if !money.Equal(captured, acct.Amount) {
		unlock()
		return nil, ErrAmountMismatch.Withf("captured %s, escrow requires %s", money.Format(captured), money.Format(acct.Amount))
	}

	now := s.clock.Now()
	ends := now.Add(s.window)
	acct.State = StateFunded
	acct.FundedAt = &now
	acct.ReviewWindowEnds = &ends
	acct.UpdatedAt = now
	if err := s.update(ctx, acct); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	s.record(ctx, audit.EntityEscrow, acct.ID, string(StateCreated), string(StateFunded), actorOr(actor), "captured "+money.Format(captured))
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateFunded), "capture").Inc()
	s.notifier.Publish(notify.EscrowFunded, accountPayload(acct))
	return acct, nil
}

// MarkDelivered records delivery and restarts the review window from the
// delivery time. Only the seller may mark delivery, and only once.
func (s *Service) MarkDelivered(ctx context.Context, id, actor string) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != acct.SellerID {
		return nil, ErrNotParticipant.Withf("only the seller can mark delivery")
	}
	if acct.State.IsTerminal() {
		return nil, ErrAlreadyReleased.Withf("escrow %s is %s", id, acct.State)
	}
	if acct.State != StateFunded || acct.DeliveredAt != nil {
		return nil, apperr.ErrInvalidState.Withf("escrow %s cannot be marked delivered", id)
	}

	now := s.clock.Now()
	ends := now.Add(s.window)
	acct.DeliveredAt = &now
	acct.ReviewWindowEnds = &ends
	acct.UpdatedAt = now
	if err := s.update(ctx, acct); err != nil {
		return nil, err
	}

	s.record(ctx, audit.EntityEscrow, acct.ID, string(StateFunded), string(StateFunded), actor,
		"delivered; review window ends "+ends.Format(time.RFC3339))
	s.notifier.Publish(notify.EscrowDelivered, accountPayload(acct))
	return acct, nil
}

// Dispute moves a funded account to disputed and opens a pending dispute.
// Buyer or seller may dispute while the review window is open.
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (*Account, *Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id))
	acct, d, err := s.dispute(ctx, id, actor, reason)
	traces.End(span, err)
	return acct, d, err
}

func (s *Service) dispute(ctx context.Context, id, actor, reason string) (*Account, *Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, apperr.Validationf("dispute reason is required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !acct.IsParticipant(actor) {
		return nil, nil, ErrNotParticipant
	}
	if acct.State.IsTerminal() {
		return nil, nil, ErrAlreadyReleased.Withf("escrow %s is %s; disputes cannot reopen released funds", id, acct.State)
	}
	if acct.State != StateFunded {
		return nil, nil, apperr.ErrInvalidState.Withf("escrow %s cannot be disputed from %s", id, acct.State)
	}
	now := s.clock.Now()
	if acct.WindowEnded(now) {
		return nil, nil, ErrWindowExpired.Withf("review window for escrow %s ended at %s", id, acct.ReviewWindowEnds.Format(time.RFC3339))
	}

	d := &Dispute{
		ID:         s.ids.New("dsp_"),
		EscrowID:   acct.ID,
		OrderID:    acct.OrderID,
		RaisedBy:   actor,
		Reason:     reason,
		Resolution: ResolutionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	acct.State = StateDisputed
	acct.DisputeID = d.ID
	acct.UpdatedAt = now

	if err := s.store.SaveWithDispute(ctx, acct, d); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			metrics.ConflictsTotal.WithLabelValues("escrow").Inc()
		}
		return nil, nil, err
	}

	s.record(ctx, audit.EntityEscrow, acct.ID, string(StateFunded), string(StateDisputed), actor, reason)
	s.record(ctx, audit.EntityDispute, d.ID, "", string(ResolutionPending), actor, reason)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateDisputed), "dispute").Inc()
	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	s.notifier.Publish(notify.EscrowDisputed, notify.Payload{
		"escrowId":  acct.ID,
		"orderId":   acct.OrderID,
		"disputeId": d.ID,
		"raisedBy":  actor,
		"buyerId":   acct.BuyerID,
		"sellerId":  acct.SellerID,
		"reason":    reason,
	})
	return acct, d, nil
}

// Release pays a funded account out to the seller. by=buyer requires the
// buyer; by=timeout requires the review window to have ended. Admin
// releases go through dispute resolution.
func (s *Service) Release(ctx context.Context, id string, by Trigger, actor string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	acct, err := s.release(ctx, id, by, actor)
	traces.End(span, err)
	return acct, err
}

func (s *Service) release(ctx context.Context, id string, by Trigger, actor string) (*Account, error) {
	if by != TriggerBuyer && by != TriggerTimeout {
		return nil, ErrInvalidTrigger.Withf("release by %q is not supported; admins resolve disputes instead", by)
	}

	unlock := s.locks.Lock(id)
	acct, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if acct.State.IsTerminal() {
		unlock()
		return nil, ErrAlreadyReleased.Withf("escrow %s is %s", id, acct.State)
	}
	now := s.clock.Now()
	switch by {
	case TriggerBuyer:
		if actor != acct.BuyerID {
			unlock()
			return nil, ErrNotParticipant.Withf("only the buyer can confirm receipt")
		}
	case TriggerTimeout:
		if acct.State == StateFunded && !acct.WindowEnded(now) {
			unlock()
			return nil, ErrWindowOpen.Withf("escrow %s review window has not ended", id)
		}
		actor = SystemActor
	}

	prior := acct.State
	if err := acct.Release(false, by, now); err != nil {
		unlock()
		return nil, err
	}
	if err := s.update(ctx, acct); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	reason := "buyer confirmed receipt"
	if by == TriggerTimeout {
		reason = "review window elapsed"
	}
	s.CompleteRelease(ctx, acct, prior, actor, reason)
	return acct, nil
}

// CompleteRelease runs the effects of a committed release: audit entry,
// payout instruction, notification and observer. It never fails; problems
// are logged for operators.
func (s *Service) CompleteRelease(ctx context.Context, acct *Account, prior State, actor, reason string) {
	s.record(ctx, audit.EntityEscrow, acct.ID, string(prior), string(acct.State), actor, reason)
	metrics.EscrowTransitionsTotal.WithLabelValues(string(acct.State), string(acct.ReleasedBy)).Inc()
	if acct.FundedAt != nil && acct.ReleasedAt != nil {
		metrics.EscrowCustodySeconds.Observe(acct.ReleasedAt.Sub(*acct.FundedAt).Seconds())
	}

	inst := &payout.Instruction{
		ID:         s.ids.New("pay_"),
		Key:        payout.KeyFor(payout.SourceEscrow, acct.ID),
		Direction:  payout.ToSeller,
		PayeeID:    acct.SellerID,
		Amount:     acct.Amount,
		Currency:   string(acct.Currency),
		SourceType: payout.SourceEscrow,
		SourceID:   acct.ID,
		OrderID:    acct.OrderID,
		CreatedAt:  s.clock.Now(),
	}
	if acct.State == StateReleasedToBuyer {
		inst.Direction = payout.ToBuyer
		inst.PayeeID = acct.BuyerID
	}
	created, err := s.payouts.Enqueue(ctx, inst)
	switch {
	case err != nil:
		s.logger.Error("CRITICAL: escrow released but payout not queued",
			"escrowId", acct.ID, "direction", inst.Direction, "amount", money.Format(acct.Amount), "error", err)
	case created:
		metrics.PayoutsEnqueuedTotal.WithLabelValues(string(inst.Direction)).Inc()
	}

	payload := accountPayload(acct)
	payload["releasedBy"] = string(acct.ReleasedBy)
	s.notifier.Publish(notify.EscrowReleased, payload)

	if s.observer != nil {
		if err := s.observer.EscrowReleased(ctx, acct); err != nil {
			s.logger.Error("escrow released but order not finalized",
				"escrowId", acct.ID, "orderId", acct.OrderID, "error", err)
		}
	}
}

// AutoRelease releases every funded account whose review window has ended.
// Returns the number released.
func (s *Service) AutoRelease(ctx context.Context) (int, error) {
	due, err := s.store.ListReleasable(ctx, s.clock.Now(), 100)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, acct := range due {
		if _, err := s.Release(ctx, acct.ID, TriggerTimeout, SystemActor); err != nil {
			s.logger.Warn("failed to auto-release escrow", "escrowId", acct.ID, "error", err)
			continue
		}
		released++
		s.logger.Info("auto-released escrow",
			"escrowId", acct.ID, "seller", acct.SellerID, "amount", money.Format(acct.Amount))
	}
	return released, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns every account opened for an order, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Account, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// History returns the audit trail of an account, oldest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*audit.Entry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, id, limit)
}

func (s *Service) update(ctx context.Context, acct *Account) error {
	err := s.store.Update(ctx, acct)
	if err != nil && apperr.KindOf(err) == apperr.KindConflict {
		metrics.ConflictsTotal.WithLabelValues("escrow").Inc()
	}
	return err
}

// record appends an audit entry after a committed transition.
func (s *Service) record(ctx context.Context, entity audit.EntityType, id, prior, next, actor, reason string) {
	audit.Record(ctx, s.audit, s.logger, s.clock.Now(), &audit.Entry{
		EntityType: entity,
		EntityID:   id,
		PriorState: prior,
		NewState:   next,
		Actor:      actor,
		Reason:     reason,
	})
}

func actorOr(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}

func accountPayload(a *Account) notify.Payload {
	return notify.Payload{
		"escrowId": a.ID,
		"orderId":  a.OrderID,
		"buyerId":  a.BuyerID,
		"sellerId": a.SellerID,
		"state":    string(a.State),
		"amount":   money.Format(a.Amount),
		"currency": string(a.Currency),
	}
}
