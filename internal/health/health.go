// Package health aggregates liveness of the database, the payment
// processor circuit and the background sweeps behind GET /health.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry. Each checker gets at most
// two seconds.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		statuses[i] = nc.check(cctx)
		cancel()
		statuses[i].Name = nc.name
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// DBChecker pings a database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Loop is a background job that can report liveness.
type Loop interface {
	Running() bool
	LastRun() time.Time
}

// LoopChecker reports a background sweep as unhealthy when its loop has
// exited or its last pass is older than maxAge. A loop that has not
// completed a pass yet is healthy while running.
func LoopChecker(l Loop, maxAge time.Duration) Checker {
	return func(ctx context.Context) Status {
		if !l.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		last := l.LastRun()
		if maxAge > 0 && !last.IsZero() && time.Since(last) > maxAge {
			return Status{Healthy: false, Detail: "last pass " + last.UTC().Format(time.RFC3339)}
		}
		return Status{Healthy: true}
	}
}

// GatewayChecker reports the payment processor unhealthy while its
// circuit is open. A half-open circuit is probing and counts as healthy.
func GatewayChecker(state func() string) Checker {
	return func(ctx context.Context) Status {
		st := state()
		if st == "open" {
			return Status{Healthy: false, Detail: "circuit open"}
		}
		return Status{Healthy: true, Detail: st}
	}
}
