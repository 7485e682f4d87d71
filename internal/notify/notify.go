// Package notify defines the notification sink the settlement subsystems
// publish lifecycle events to. Publishing never blocks and never fails the
// operation that triggered it.
package notify

import (
	"log/slog"
	"sync"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	OrderCreated        Kind = "order.created"
	OrderCancelled      Kind = "order.cancelled"
	TransactionSettled  Kind = "transaction.settled"
	TransactionFailed   Kind = "transaction.failed"
	TransactionRefunded Kind = "transaction.refunded"
	EscrowOpened        Kind = "escrow.opened"
	EscrowFunded        Kind = "escrow.funded"
	EscrowDelivered     Kind = "escrow.delivered"
	EscrowDisputed      Kind = "escrow.disputed"
	EscrowReleased      Kind = "escrow.released"
	DisputeResolved     Kind = "dispute.resolved"
	BarterProposed      Kind = "barter.proposed"
	BarterCountered     Kind = "barter.countered"
	BarterAccepted      Kind = "barter.accepted"
	BarterRejected      Kind = "barter.rejected"
	BarterWithdrawn     Kind = "barter.withdrawn"
)

// Payload carries event data. Amounts are formatted strings.
type Payload map[string]interface{}

// Sink receives notifications.
type Sink interface {
	Publish(kind Kind, payload Payload)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Publish(Kind, Payload) {}

// Fanout publishes to every sink. A panicking sink is logged and skipped.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a sink that forwards to all of sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Publish(kind Kind, payload Payload) {
	for _, s := range f.sinks {
		f.publishOne(s, kind, payload)
	}
}

func (f *Fanout) publishOne(s Sink, kind Kind, payload Payload) {
	defer func() {
		if r := recover(); r != nil && f.logger != nil {
			f.logger.Error("notification sink panicked", "kind", kind, "panic", r)
		}
	}()
	s.Publish(kind, payload)
}

// Recorder keeps published notifications in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is a captured notification.
type Recorded struct {
	Kind    Kind
	Payload Payload
}

func (r *Recorder) Publish(kind Kind, payload Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Kind: kind, Payload: payload})
}

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Kinds returns the published kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}
