// Package sweeper runs the periodic maintenance passes of the settlement
// engine: releasing escrows whose review window lapsed and expiring barter
// proposals that outlived their TTL.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlehub/internal/metrics"
)

// Func performs one pass and reports how many entities it settled.
type Func func(ctx context.Context) (int, error)

// Sweeper calls a Func on a fixed interval until stopped.
type Sweeper struct {
	job      string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed pass
}

// New creates a sweeper for job. A non-positive interval defaults to one minute.
func New(job string, interval time.Duration, fn Func, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		job:      job,
		interval: interval,
		fn:       fn,
		logger:   logger.With("job", job),
		stop:     make(chan struct{}),
	}
}

// Job returns the job name used in logs and metrics.
func (s *Sweeper) Job() string { return s.job }

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// LastRun returns when the last pass completed, or the zero time.
func (s *Sweeper) LastRun() time.Time {
	n := s.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs the loop until ctx is cancelled or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce performs a single pass. Panics are recovered and counted.
func (s *Sweeper) RunOnce(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues(s.job, "panic").Inc()
			s.logger.Error("panic in sweep", "panic", fmt.Sprint(r))
			err = fmt.Errorf("sweep %s panicked: %v", s.job, r)
		}
	}()

	n, err = s.fn(ctx)
	s.lastRun.Store(time.Now().UnixNano())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(s.job, "error").Inc()
		s.logger.Warn("sweep failed", "swept", n, "error", err)
		return n, err
	}
	metrics.SweepRunsTotal.WithLabelValues(s.job, "ok").Inc()
	if n > 0 {
		metrics.SweptItemsTotal.WithLabelValues(s.job).Add(float64(n))
		s.logger.Info("sweep completed", "swept", n)
	}
	return n, nil
}
