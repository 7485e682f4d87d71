// Package barter negotiates non-monetary exchanges against a listing.
//
// Flow:
//  1. A buyer proposes an offer (description + estimated value) on a listing
//  2. The listing owner accepts, rejects, or counters
//  3. A counter creates a new proposal with the parties swapped (max 5 rounds)
//  4. The proposer may withdraw while the proposal is open
//  5. Stale proposals are withdrawn by the expiry timer
//
// Resolutions are reported to settlement, which finalizes the order.
package barter

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
)

var (
	ErrProposalNotFound = apperr.New(apperr.KindNotFound, "proposal_not_found", "barter proposal not found")
	ErrListingNotFound  = apperr.New(apperr.KindNotFound, "listing_not_found", "listing not found")
	ErrInvalidOffer     = apperr.New(apperr.KindValidation, "invalid_offer", "invalid barter offer")
	ErrOwnListing       = apperr.New(apperr.KindValidation, "own_listing", "cannot propose a barter on your own listing")
	ErrListingOwner     = apperr.New(apperr.KindValidation, "listing_owner_mismatch", "listing is not owned by the expected recipient")
	ErrUnknownAction    = apperr.New(apperr.KindValidation, "unknown_action", "unknown barter action")
	ErrMaxCounterRounds = apperr.New(apperr.KindConflict, "max_counter_rounds", "maximum counter-offer rounds exceeded")
)

// State of a proposal. Everything except proposed is terminal.
type State string

const (
	StateProposed  State = "proposed"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCountered State = "countered"
	StateWithdrawn State = "withdrawn"
)

// IsTerminal returns true if the proposal can no longer be answered.
func (s State) IsTerminal() bool { return s != StateProposed }

// Action is a response to an open proposal.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionCounter  Action = "counter"
	ActionWithdraw Action = "withdraw"
)

const (
	// MaxCounterRounds bounds the length of a negotiation chain.
	MaxCounterRounds = 5
	// DefaultTTL is how long a proposal stays open before expiry.
	DefaultTTL = 72 * time.Hour
	// SystemActor responds on behalf of the expiry timer.
	SystemActor = "system"
)

// Offer is what the proposer gives in exchange for the listing.
type Offer struct {
	Description    string       `json:"description"`
	EstimatedValue money.Amount `json:"estimatedValue"`
	Message        string       `json:"message,omitempty"`
}

// Validate checks the offer fields.
func (o Offer) Validate() error {
	if strings.TrimSpace(o.Description) == "" {
		return ErrInvalidOffer.Withf("offer description is required")
	}
	if !o.EstimatedValue.IsPositive() {
		return ErrInvalidOffer.Withf("estimated value must be positive")
	}
	return nil
}

// Proposal is one offer in a negotiation chain. Offer and CreatedAt are
// fixed at creation; responses change only State, RespondedAt, RespondedBy
// and Version.
type Proposal struct {
	ID              string     `json:"id"`
	ProposerID      string     `json:"proposerId"`
	RecipientID     string     `json:"recipientId"`
	TargetListingID string     `json:"targetListingId"`
	OrderID         string     `json:"orderId,omitempty"`
	Offer           Offer      `json:"offer"`
	State           State      `json:"state"`
	ParentID        string     `json:"parentId,omitempty"`
	CounterRound    int        `json:"counterRound"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	RespondedBy     string     `json:"respondedBy,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// respond moves an open proposal to a terminal state.
func (p *Proposal) respond(next State, by string, now time.Time) {
	p.State = next
	p.RespondedAt = &now
	p.RespondedBy = by
	p.UpdatedAt = now
}

// Listing is the minimal view of a marketplace listing barter needs.
type Listing struct {
	ID      string       `json:"id"`
	OwnerID string       `json:"ownerId"`
	Title   string       `json:"title,omitempty"`
	Price   money.Amount `json:"price"`
}

// ListingDirectory resolves listing ownership.
type ListingDirectory interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
}

// ResolutionObserver is told when a proposal leaves the proposed state.
type ResolutionObserver interface {
	BarterResolved(ctx context.Context, p *Proposal) error
}

// Store persists proposals with optimistic versioning.
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	// Update writes the response fields of p. Offer and CreatedAt are
	// never rewritten.
	Update(ctx context.Context, p *Proposal) error
	// Counter marks original countered and inserts counter in one commit.
	Counter(ctx context.Context, original, counter *Proposal) error
	GetByParent(ctx context.Context, parentID string) (*Proposal, error)
	ListByListing(ctx context.Context, listingID string, limit int) ([]*Proposal, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Proposal, error)
	// ListStale returns open proposals created at or before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Proposal, error)
}

// ProposeRequest contains the parameters for a new proposal.
type ProposeRequest struct {
	ProposerID      string `json:"proposerId"`
	TargetListingID string `json:"targetListingId" binding:"required"`
	OrderID         string `json:"orderId"`
	Offer           Offer  `json:"offer"`
	RecipientID     string `json:"-"` // when set, must own the listing
}

// RespondRequest answers an open proposal. Counter is required for
// ActionCounter and ignored otherwise.
type RespondRequest struct {
	Action  Action `json:"action" binding:"required"`
	By      string `json:"by"`
	Counter *Offer `json:"counter,omitempty"`
}

// Outcome is the result of Respond. Counter is set only for counters.
type Outcome struct {
	Proposal *Proposal `json:"proposal"`
	Counter  *Proposal `json:"counter,omitempty"`
}
