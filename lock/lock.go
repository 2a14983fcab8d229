/*
Package lock provides leased mutual exclusion across worker processes.

PURPOSE:
  Generation jobs for the same doctor must never mutate the ledger
  concurrently, and invoice numbers must be allocated one at a time.
  Jobs run in separate processes, so the mutex lives in a shared backend
  (Redis in production).

LEASES:
  A lock is held through a Lease with a hard expiry (TTL). While held the
  lease is extended every ExtendInterval. If an extension fails and the
  lease runs out, it is lost: the lease context is cancelled with cause
  ErrLeaseLost, so any commit running under it aborts and the job is
  retried.

ACQUISITION:
  Bounded wait: RetryCount attempts after the first, RetryDelay apart,
  each delay randomized by up to RetryJitter. A lock acquired too slowly
  to be useful (less than zero validity after drift) is released again.

	validity = TTL - acquisitionTime - (TTL * DriftFactor + 2ms)

EXAMPLE:
  lease, err := locker.Acquire(ctx, "doctor:d-42")
  if err != nil {
      return err
  }
  defer lease.Release(context.Background())
  err = store.WithTx(lease.Context(), ...)
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotAcquired is returned when the lock could not be taken within the
	// configured attempts.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrLeaseLost is the cancellation cause of a lease context whose lock
	// expired or was taken over.
	ErrLeaseLost = errors.New("lock lease lost")

	// ErrNotHeld is returned by Release when the lock had already expired.
	ErrNotHeld = errors.New("lock not held")
)

// =============================================================================
// BACKEND
// =============================================================================

// Backend stores lock ownership. Every operation is atomic in the backend.
type Backend interface {
	// TryAcquire sets key to token with ttl if key is free.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Extend resets the ttl of key if it still holds token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release deletes key if it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

type Options struct {
	TTL            time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	RetryJitter    time.Duration
	DriftFactor    float64
	ExtendInterval time.Duration // zero disables extension
	Prefix         string
}

func DefaultOptions() Options {
	return Options{
		TTL:            30 * time.Second,
		RetryCount:     32,
		RetryDelay:     200 * time.Millisecond,
		RetryJitter:    100 * time.Millisecond,
		DriftFactor:    0.01,
		ExtendInterval: 10 * time.Second,
		Prefix:         "billing:lock:",
	}
}

func (o Options) drift() time.Duration {
	return time.Duration(float64(o.TTL)*o.DriftFactor) + 2*time.Millisecond
}

// WaitObserver receives how long each acquisition waited.
type WaitObserver interface {
	ObserveLockWait(key string, acquired bool, waited time.Duration)
}

// =============================================================================
// LOCKER
// =============================================================================

type Locker struct {
	backend  Backend
	opts     Options
	logger   *slog.Logger
	observer WaitObserver
}

func New(backend Backend, opts Options, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{backend: backend, opts: opts, logger: logger.With("component", "lock")}
}

// WithObserver sets the wait observer.
func (l *Locker) WithObserver(o WaitObserver) *Locker {
	l.observer = o
	return l
}

// Acquire takes the lock for key or returns ErrNotAcquired. The lease
// context derives from ctx.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	full := l.opts.Prefix + key
	token := uuid.NewString()
	begin := time.Now()

	var lastErr error
	for attempt := 0; attempt <= l.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := l.sleep(ctx); err != nil {
				l.observe(key, false, begin)
				return nil, err
			}
		}

		start := time.Now()
		ok, err := l.backend.TryAcquire(ctx, full, token, l.opts.TTL)
		if err != nil {
			lastErr = err
			l.logger.Warn("lock backend error", "key", key, "attempt", attempt, "error", err)
			continue
		}
		if !ok {
			continue
		}

		validity := l.opts.TTL - time.Since(start) - l.opts.drift()
		if validity <= 0 {
			_, _ = l.backend.Release(context.WithoutCancel(ctx), full, token)
			continue
		}

		l.observe(key, true, begin)
		return newLease(ctx, l, full, token, start.Add(l.opts.TTL-l.opts.drift())), nil
	}

	l.observe(key, false, begin)
	if lastErr != nil {
		return nil, fmt.Errorf("lock %s: %w", key, errors.Join(ErrNotAcquired, lastErr))
	}
	return nil, fmt.Errorf("lock %s: %w", key, ErrNotAcquired)
}

func (l *Locker) sleep(ctx context.Context) error {
	d := l.opts.RetryDelay
	if l.opts.RetryJitter > 0 {
		d += rand.N(l.opts.RetryJitter)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Locker) observe(key string, acquired bool, begin time.Time) {
	if l.observer != nil {
		l.observer.ObserveLockWait(key, acquired, time.Since(begin))
	}
}

// =============================================================================
// LEASE
// =============================================================================

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	token  string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	validUntil time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newLease(parent context.Context, l *Locker, key, token string, validUntil time.Time) *Lease {
	ctx, cancel := context.WithCancelCause(parent)
	lease := &Lease{
		locker:     l,
		key:        key,
		token:      token,
		ctx:        ctx,
		cancel:     cancel,
		validUntil: validUntil,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go lease.keepAlive()
	return lease
}

// Context is cancelled when the lease is released or lost. After a loss
// context.Cause returns ErrLeaseLost.
func (ls *Lease) Context() context.Context { return ls.ctx }

// Key returns the backend key, prefix included.
func (ls *Lease) Key() string { return ls.key }

// Err returns ErrLeaseLost once the lease was lost, nil otherwise.
func (ls *Lease) Err() error {
	if errors.Is(context.Cause(ls.ctx), ErrLeaseLost) {
		return ErrLeaseLost
	}
	return nil
}

func (ls *Lease) until() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.validUntil
}

func (ls *Lease) keepAlive() {
	defer close(ls.done)

	opts := ls.locker.opts
	expiry := time.NewTimer(time.Until(ls.until()))
	defer expiry.Stop()

	var tick <-chan time.Time
	if opts.ExtendInterval > 0 {
		ticker := time.NewTicker(opts.ExtendInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ls.stop:
			return
		case <-ls.ctx.Done():
			return
		case <-expiry.C:
			ls.lose("expired")
			return
		case <-tick:
			start := time.Now()
			ok, err := ls.locker.backend.Extend(ls.ctx, ls.key, ls.token, opts.TTL)
			switch {
			case err != nil:
				ls.locker.logger.Warn("lock extension failed", "key", ls.key, "error", err)
			case !ok:
				ls.lose("taken over")
				return
			default:
				next := start.Add(opts.TTL - opts.drift())
				ls.mu.Lock()
				ls.validUntil = next
				ls.mu.Unlock()
				if !expiry.Stop() {
					select {
					case <-expiry.C:
					default:
					}
				}
				expiry.Reset(time.Until(next))
			}
		}
	}
}

func (ls *Lease) lose(reason string) {
	ls.locker.logger.Error("lock lease lost", "key", ls.key, "reason", reason)
	ls.cancel(ErrLeaseLost)
}

// Release stops extension and frees the lock. Returns ErrNotHeld if the
// lock had already expired or was taken over.
func (ls *Lease) Release(ctx context.Context) error {
	ls.stopOnce.Do(func() { close(ls.stop) })
	<-ls.done
	lost := ls.Err()
	ls.cancel(context.Canceled)

	ok, err := ls.locker.backend.Release(ctx, ls.key, ls.token)
	if err != nil {
		return fmt.Errorf("release %s: %w", ls.key, err)
	}
	if !ok || lost != nil {
		return fmt.Errorf("release %s: %w", ls.key, ErrNotHeld)
	}
	return nil
}
