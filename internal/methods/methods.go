// Package methods is the static catalog of settlement methods and their
// eligibility rules.
//
// Eligibility and ranking data live on Method; presentation metadata
// (labels, icons) lives in a separate Display map that eligibility never
// reads.
package methods

import (
	"sort"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/shopspring/decimal"
)

// Kind identifies a settlement method.
type Kind string

const (
	Escrow         Kind = "escrow"
	Card           Kind = "card"
	Wallet         Kind = "wallet"
	CashOnDelivery Kind = "cash_on_delivery"
	Barter         Kind = "barter"
)

// canonicalOrder breaks ranking ties so output is deterministic.
var canonicalOrder = map[Kind]int{
	Escrow:         0,
	Card:           1,
	Wallet:         2,
	CashOnDelivery: 3,
	Barter:         4,
}

// Valid reports whether k is a known method kind.
func (k Kind) Valid() bool {
	_, ok := canonicalOrder[k]
	return ok
}

// UsesGateway reports whether k settles directly against the payment
// gateway, so refunds and seller payouts follow the capture.
func (k Kind) UsesGateway() bool {
	return k == Card || k == Wallet
}

// CapturesFunds reports whether selecting k takes a gateway capture. Escrow
// captures too, but holds the money in custody until release.
func (k Kind) CapturesFunds() bool {
	return k.UsesGateway() || k == Escrow
}

var (
	ErrInvalidTotal     = apperr.New(apperr.KindValidation, "invalid_total", "order total must be a non-negative amount")
	ErrUnknownMethod    = apperr.New(apperr.KindValidation, "unknown_method", "unknown payment method")
	ErrMethodIneligible = apperr.New(apperr.KindValidation, "method_ineligible", "payment method is not eligible for this order")
	ErrDuplicateMethod  = apperr.New(apperr.KindValidation, "duplicate_method", "payment method kind configured twice")
)

// FeeSchedule is a percentage plus a fixed amount.
type FeeSchedule struct {
	Percent decimal.Decimal `json:"percent"`
	Fixed   money.Amount    `json:"fixed"`
}

// Method is a configured settlement method.
type Method struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Ranking   int           `json:"ranking"` // ascending = preferred
	MaxAmount *money.Amount `json:"maxAmount,omitempty"`
	Fees      FeeSchedule   `json:"fees"`
}

// Fee returns the fee charged on amount, rounded to cents.
func (m Method) Fee(amount money.Amount) money.Amount {
	pct := amount.Mul(m.Fees.Percent).Div(decimal.NewFromInt(100))
	return money.Round(pct.Add(m.Fees.Fixed))
}

// Allows reports whether total is within the method's ceiling.
func (m Method) Allows(total money.Amount) bool {
	return m.MaxAmount == nil || m.MaxAmount.GreaterThanOrEqual(total)
}

// Display is presentation metadata for a method.
type Display struct {
	Label       string `json:"label"`
	Icon        string `json:"icon"`
	Description string `json:"description,omitempty"`
}

// Registry holds the configured methods.
type Registry struct {
	methods []Method
	display map[Kind]Display
}

// NewRegistry validates and stores the method catalog.
func NewRegistry(methods []Method, display map[Kind]Display) (*Registry, error) {
	seen := make(map[Kind]bool, len(methods))
	for _, m := range methods {
		if !m.Kind.Valid() {
			return nil, ErrUnknownMethod.Withf("unknown payment method %q", m.Kind)
		}
		if seen[m.Kind] {
			return nil, ErrDuplicateMethod.Withf("payment method %q configured twice", m.Kind)
		}
		seen[m.Kind] = true
	}
	if display == nil {
		display = map[Kind]Display{}
	}
	return &Registry{methods: append([]Method(nil), methods...), display: display}, nil
}

// Eligible returns the methods usable for total, sorted by ranking then
// canonical kind order. Pure: identical input gives identical output.
func (r *Registry) Eligible(total money.Amount) ([]Method, error) {
	if total.IsNegative() {
		return nil, ErrInvalidTotal.Withf("order total %s must not be negative", total.String())
	}

	eligible := make([]Method, 0, len(r.methods))
	for _, m := range r.methods {
		if m.Allows(total) {
			eligible = append(eligible, m)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Ranking != eligible[j].Ranking {
			return eligible[i].Ranking < eligible[j].Ranking
		}
		return canonicalOrder[eligible[i].Kind] < canonicalOrder[eligible[j].Kind]
	})
	return eligible, nil
}

// IsEligible returns the method for kind if it is eligible for total.
func (r *Registry) IsEligible(kind Kind, total money.Amount) (Method, error) {
	m, ok := r.Lookup(kind)
	if !ok {
		return Method{}, ErrUnknownMethod.Withf("unknown payment method %q", kind)
	}
	if total.IsNegative() {
		return Method{}, ErrInvalidTotal
	}
	if !m.Allows(total) {
		return Method{}, ErrMethodIneligible.Withf("%s is not available for orders over %s", kind, money.Format(*m.MaxAmount))
	}
	return m, nil
}

// Lookup returns the configured method for kind.
func (r *Registry) Lookup(kind Kind) (Method, bool) {
	for _, m := range r.methods {
		if m.Kind == kind {
			return m, true
		}
	}
	return Method{}, false
}

// Display returns presentation metadata for kind.
func (r *Registry) Display(kind Kind) Display {
	if d, ok := r.display[kind]; ok {
		return d
	}
	return Display{Label: string(kind)}
}

// DefaultMethods is the standard catalog. Cash on delivery and barter are
// capped by configured ceilings.
func DefaultMethods(codCeiling, barterCeiling money.Amount) []Method {
	cod := codCeiling
	barter := barterCeiling
	return []Method{
		{ID: "pm_escrow", Kind: Escrow, Ranking: 1, Fees: FeeSchedule{Percent: decimal.RequireFromString("1.5")}},
		{ID: "pm_card", Kind: Card, Ranking: 1, Fees: FeeSchedule{Percent: decimal.RequireFromString("2.9"), Fixed: money.MustParse("0.30")}},
		{ID: "pm_wallet", Kind: Wallet, Ranking: 2, Fees: FeeSchedule{Percent: decimal.RequireFromString("2.5")}},
		{ID: "pm_cod", Kind: CashOnDelivery, Ranking: 3, MaxAmount: &cod, Fees: FeeSchedule{Fixed: money.MustParse("1.00")}},
		{ID: "pm_barter", Kind: Barter, Ranking: 4, MaxAmount: &barter},
	}
}

// DefaultDisplay is the presentation metadata for DefaultMethods.
func DefaultDisplay() map[Kind]Display {
	return map[Kind]Display{
		Escrow:         {Label: "Escrow", Icon: "shield", Description: "Funds held until you confirm receipt"},
		Card:           {Label: "Credit / debit card", Icon: "credit-card"},
		Wallet:         {Label: "Digital wallet", Icon: "wallet"},
		CashOnDelivery: {Label: "Cash on delivery", Icon: "banknote"},
		Barter:         {Label: "Propose a trade", Icon: "repeat"},
	}
}

// ParseKind validates a kind from user input.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", ErrUnknownMethod.Withf("unknown payment method %q", s)
	}
	return k, nil
}
