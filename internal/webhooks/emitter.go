package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
)

var forwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlehub",
	Subsystem: "webhook",
	Name:      "notifications_forwarded_total",
	Help:      "Settlement notifications handed to the webhook dispatcher by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(forwardedTotal)
}

// dispatchTimeout bounds the subscription lookup; deliveries run detached.
const dispatchTimeout = 5 * time.Second

// Emitter forwards settlement notifications to webhook subscribers.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

var _ notify.Sink = (*Emitter)(nil)

// NewEmitter creates a notify.Sink backed by d.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// Publish builds an event envelope for kind and dispatches it. Failures
// are logged and counted, never returned to the settlement flow.
func (e *Emitter) Publish(kind notify.Kind, payload notify.Payload) {
	if e == nil || e.d == nil {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      kind,
		Timestamp: e.now().UTC(),
		Data:      payload,
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		forwardedTotal.WithLabelValues(string(kind), "error").Inc()
		e.logger.Warn("webhook dispatch failed", "event_id", event.ID, "kind", kind, "error", err)
		return
	}
	forwardedTotal.WithLabelValues(string(kind), "ok").Inc()
}
