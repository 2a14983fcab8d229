/*
scheduler.go - Periodic Sammel cycles

PURPOSE:
  Enqueues one Sammel cycle per doctor with open Sammel units and clears
  claims abandoned by crashed workers.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - The cycle request id is derived from doctor and day, so a tick that
    runs twice a day enqueues nothing new
  - Only enqueues: the cycles themselves run on the worker pool

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - StaleAfter: Age after which a claim is considered abandoned
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  s := NewScheduler(store, dispatcher, metrics, logger)
  s.Start()
  // ... later
  s.Stop()
*/
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
	"github.com/warp/sammel-billing/metrics"
	"golang.org/x/sync/errgroup"
)

// CycleEnqueuer enqueues Sammel cycles. *Dispatcher is the implementation.
type CycleEnqueuer interface {
	SammelCycle(ctx context.Context, doctorID ledger.DoctorID, at time.Time) (billing.GenerationRequest, error)
}

// Scheduler drives periodic Sammel cycles.
type Scheduler struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Enabled    bool
	// Fanout bounds concurrent enqueues per tick.
	Fanout int

	store   billing.Store
	enqueue CycleEnqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(store billing.Store, enqueue CycleEnqueuer, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Interval:   time.Hour,
		StaleAfter: 15 * time.Minute,
		Enabled:    true,
		Fanout:     8,
		store:      store,
		enqueue:    enqueue,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		clock:      time.Now,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.logger.Info("started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Enqueued      int
	Failed        int
	StaleReleased int
}

// RunNow performs one pass: stale claim sweep, then cycle enqueue.
func (s *Scheduler) RunNow(ctx context.Context) TickResult {
	var res TickResult
	now := s.clock()

	if s.StaleAfter > 0 {
		n, err := s.store.ReleaseStaleClaims(ctx, now.Add(-s.StaleAfter))
		if err != nil {
			s.logger.Error("stale claim sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Warn("released stale claims", "count", n)
			s.metrics.StaleClaims(n)
		}
		res.StaleReleased = n
	}

	doctors, err := s.store.DoctorsWithOpenSammel(ctx)
	if err != nil {
		s.logger.Error("list doctors failed", "error", err)
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if s.Fanout > 0 {
		g.SetLimit(s.Fanout)
	}
	for _, doctor := range doctors {
		g.Go(func() error {
			_, err := s.enqueue.SammelCycle(gctx, doctor, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One doctor's failure does not stop the others.
				s.logger.Error("enqueue sammel cycle failed", "doctor_id", doctor, "error", err)
				res.Failed++
				return nil
			}
			res.Enqueued++
			return nil
		})
	}
	_ = g.Wait()

	if res.Enqueued > 0 || res.Failed > 0 {
		s.logger.Info("tick completed", "enqueued", res.Enqueued, "failed", res.Failed)
	}
	return res
}
