package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/billing/store"
	"github.com/warp/sammel-billing/events"
	"github.com/warp/sammel-billing/ledger"
	"github.com/warp/sammel-billing/lock"
	"github.com/warp/sammel-billing/logger"
	"github.com/warp/sammel-billing/metrics"
	"github.com/warp/sammel-billing/worker"
)

// =============================================================================
// HARNESS
// =============================================================================

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishInvoiceEmitted(ctx context.Context, e events.InvoiceEmitted) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockPublisher) Close() error { return nil }

// steppingClock advances one minute per reading.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type harness struct {
	ctx    context.Context
	store  *store.Memory
	gen    *worker.Generator
	pub    *mockPublisher
	clock  *steppingClock
	locks  *lock.Memory
	locker *lock.Locker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, worker.Options{})
}

// newHarnessWith wraps the memory store with wrap when set and applies
// opts.MaxAttempts.
func newHarnessWith(t *testing.T, wrap func(billing.Store) billing.Store, extra worker.Options) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		store: store.NewMemory(),
		pub:   &mockPublisher{},
		clock: &steppingClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.pub.On("PublishInvoiceEmitted", mock.Anything, mock.Anything).Return(nil).Maybe()

	opts := lock.DefaultOptions()
	opts.TTL = 5 * time.Second
	opts.ExtendInterval = time.Second
	opts.RetryCount = 2000
	opts.RetryDelay = time.Millisecond
	opts.RetryJitter = time.Millisecond
	h.locks = lock.NewMemory()
	h.locker = lock.New(h.locks, opts, logger.Discard())

	var st billing.Store = h.store
	if wrap != nil {
		st = wrap(h.store)
	}

	var seq atomic.Int64
	h.gen = worker.NewGenerator(st, h.locker, h.pub, metrics.New(prometheus.NewRegistry()), logger.Discard(), worker.Options{
		Pricing:     billing.Pricing{TaxRate: decimal.RequireFromString("0.22"), DueDays: 30, Currency: "EUR"},
		Clock:       h.clock.Now,
		NewID:       func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) },
		MaxAttempts: extra.MaxAttempts,
	})
	return h
}

// hookedStore runs beforeTx ahead of every transaction and
// beforeInsertInvoice inside it, before the invoice row is written.
type hookedStore struct {
	billing.Store
	beforeTx            func()
	beforeInsertInvoice func(ctx context.Context)
}

func (s *hookedStore) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	if s.beforeTx != nil {
		s.beforeTx()
	}
	return s.Store.WithTx(ctx, func(tx billing.Tx) error {
		return fn(hookedTx{Tx: tx, before: s.beforeInsertInvoice})
	})
}

type hookedTx struct {
	billing.Tx
	before func(ctx context.Context)
}

func (tx hookedTx) InsertInvoice(ctx context.Context, inv billing.Invoice) error {
	if tx.before != nil {
		tx.before(ctx)
	}
	return tx.Tx.InsertInvoice(ctx, inv)
}

func swabUnit(id string, doctor ledger.DoctorID, qty int64) billing.BillingUnit {
	return billing.BillingUnit{
		ID:         billing.UnitID(id),
		CaseID:     "case-" + billing.CaseID(id),
		DoctorID:   doctor,
		Kind:       billing.UnitSammel,
		Status:     billing.StatusCreated,
		Generation: 1,
		Materials: []billing.Material{{
			ItemCode:       "SWAB",
			Quantity:       decimal.NewFromInt(qty),
			RoundingFactor: decimal.NewFromInt(5),
			Description:    "Swab",
			UnitPrice:      decimal.NewFromInt(2),
		}},
	}
}

func standardUnit(id string, doctor ledger.DoctorID, amount string) billing.BillingUnit {
	return billing.BillingUnit{
		ID:         billing.UnitID(id),
		CaseID:     "case-" + billing.CaseID(id),
		DoctorID:   doctor,
		Kind:       billing.UnitStandard,
		Status:     billing.StatusCreated,
		Generation: 1,
		Amount:     decimal.RequireFromString(amount),
	}
}

func (h *harness) save(t *testing.T, units ...billing.BillingUnit) {
	t.Helper()
	require.NoError(t, h.store.SaveUnits(h.ctx, units))
}

func (h *harness) unit(t *testing.T, id billing.UnitID) billing.BillingUnit {
	t.Helper()
	units, err := h.store.GetUnits(h.ctx, []billing.UnitID{id})
	require.NoError(t, err)
	return units[0]
}

func (h *harness) cycle(t *testing.T, doctor ledger.DoctorID, id string) worker.Outcome {
	t.Helper()
	out, err := h.gen.RunSammelCycle(h.ctx, billing.GenerationRequest{ID: billing.RequestID(id), DoctorID: doctor})
	require.NoError(t, err)
	return out
}

func (h *harness) seedRemainder(t *testing.T, doctor ledger.DoctorID, remainder int64) {
	t.Helper()
	cp := ledger.Checkpoint{
		ID:        "cp-seed",
		DoctorID:  doctor,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Kind:      ledger.KindEmission,
		Consumptions: []ledger.ConsumptionLine{{
			ItemCode:                "SWAB",
			RoundingFactor:          decimal.NewFromInt(5),
			TotalAmount:             decimal.NewFromInt(remainder),
			TotalAmountWithPrevious: decimal.NewFromInt(remainder),
			BillingAmount:           decimal.Zero,
			UsedAmount:              decimal.Zero,
			Remainder:               decimal.NewFromInt(remainder),
			Description:             "Swab",
		}},
	}
	require.NoError(t, h.store.WithTx(h.ctx, func(tx billing.Tx) error {
		return tx.InsertCheckpoint(h.ctx, cp)
	}))
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msg ...string) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s %v", want, got, msg)
}

// =============================================================================
// SAMMEL CYCLE
// =============================================================================

func TestSammelCycle_BillsWholePacksAndCarriesRemainder(t *testing.T) {
	// GIVEN: 3 then 9 swabs consumed, packs of 5, 3 already carried
	// WHEN: The cycle runs over the 9
	// THEN: 10 are billed and 2 carried forward

	h := newHarness(t)
	h.seedRemainder(t, "doc-1", 3)
	h.save(t, swabUnit("u1", "doc-1", 9))

	out := h.cycle(t, "doc-1", "req-1")

	assert.Equal(t, billing.RequestCompleted, out.Status)

	inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSammel, inv.Type)
	assert.Equal(t, "2026-000001", inv.Number)
	assert.Equal(t, out.CheckpointID, inv.SammelCheckpointRef)
	require.Len(t, inv.Lines, 1)
	assertDecimal(t, "10", inv.Lines[0].Quantity)
	assertDecimal(t, "20", inv.Net)
	assertDecimal(t, "24.40", inv.Total)

	latest, err := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, out.CheckpointID, latest.ID)
	assertDecimal(t, "2", latest.Remainder("SWAB"))
	assert.Equal(t, string(inv.ID), latest.InvoiceID)

	u := h.unit(t, "u1")
	assert.Equal(t, billing.StatusEmitted, u.Status)
	assert.Equal(t, inv.ID, u.InvoiceID)
	assert.False(t, u.ElaborationInProgress, "claim is cleared by the commit")

	h.pub.AssertNumberOfCalls(t, "PublishInvoiceEmitted", 1)
}

func TestSammelCycle_RedeliveryIsNoOp(t *testing.T) {
	// GIVEN: A completed cycle
	// WHEN: The same job is delivered again
	// THEN: The stored outcome is returned and nothing is written twice

	h := newHarness(t)
	h.save(t, swabUnit("u1", "doc-1", 10))

	first := h.cycle(t, "doc-1", "req-1")
	second := h.cycle(t, "doc-1", "req-1")

	assert.Equal(t, first, second)

	chain, err := h.store.ListCheckpoints(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	h.pub.AssertNumberOfCalls(t, "PublishInvoiceEmitted", 1)

	req, err := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, req.Attempts)
}

func TestSammelCycle_BelowFactorIsNoContent(t *testing.T) {
	// GIVEN: 3 swabs consumed, packs of 5
	// WHEN: The cycle runs
	// THEN: Nothing is written and the unit stays open for the next cycle

	h := newHarness(t)
	h.save(t, swabUnit("u1", "doc-1", 3))

	out := h.cycle(t, "doc-1", "day-1")

	assert.Equal(t, billing.RequestNoContent, out.Status)
	assert.Empty(t, out.InvoiceID)
	latest, err := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	u := h.unit(t, "u1")
	assert.Equal(t, billing.StatusCreated, u.Status)
	assert.False(t, u.ElaborationInProgress)

	// WHEN: 9 more are consumed before the next cycle
	h.save(t, swabUnit("u2", "doc-1", 9))
	out = h.cycle(t, "doc-1", "day-2")

	// THEN: Both units are billed together, 10 billed and 2 carried
	require.Equal(t, billing.RequestCompleted, out.Status)
	inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, []billing.UnitID{"u1", "u2"}, inv.BillObjRefs)
	assertDecimal(t, "10", inv.Lines[0].Quantity)

	latest, err = h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	assertDecimal(t, "2", latest.Remainder("SWAB"))
	h.pub.AssertNumberOfCalls(t, "PublishInvoiceEmitted", 1)
}

func TestSammelCycle_NothingOpenIsNoContent(t *testing.T) {
	h := newHarness(t)

	out := h.cycle(t, "doc-1", "req-1")

	assert.Equal(t, billing.RequestNoContent, out.Status)
	req, err := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, billing.RequestNoContent, req.Status)
}

func TestSammelCycle_SkipsUnitsClaimedByAnotherJob(t *testing.T) {
	// GIVEN: u1 is held by a running standard job
	h := newHarness(t)
	h.save(t, swabUnit("u1", "doc-1", 5), swabUnit("u2", "doc-1", 5))
	_, err := h.store.ClaimUnits(h.ctx, []billing.UnitID{"u1"}, "other-job", time.Now())
	require.NoError(t, err)

	// WHEN: The cycle runs
	out := h.cycle(t, "doc-1", "req-1")

	// THEN: Only u2 is billed, u1 keeps its owner
	inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, []billing.UnitID{"u2"}, inv.BillObjRefs)

	u1 := h.unit(t, "u1")
	assert.Equal(t, billing.StatusCreated, u1.Status)
	assert.Equal(t, "other-job", u1.ClaimedBy)
}

func TestSammelCycle_DoctorsAreIndependent(t *testing.T) {
	h := newHarness(t)
	h.save(t, swabUnit("a1", "doc-a", 5), swabUnit("b1", "doc-b", 7))

	outA := h.cycle(t, "doc-a", "req-a")
	outB := h.cycle(t, "doc-b", "req-b")

	invA, err := h.store.GetInvoice(h.ctx, outA.InvoiceID)
	require.NoError(t, err)
	invB, err := h.store.GetInvoice(h.ctx, outB.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, []billing.UnitID{"a1"}, invA.BillObjRefs)
	assert.Equal(t, []billing.UnitID{"b1"}, invB.BillObjRefs)

	cpB, err := h.store.LatestCheckpoint(h.ctx, "doc-b")
	require.NoError(t, err)
	assertDecimal(t, "2", cpB.Remainder("SWAB"))
}

func TestSammelCycle_ConcurrentJobsForOneDoctorBillOnce(t *testing.T) {
	// GIVEN: 3 swabs carried, 10 more consumed, four cycles racing for doc-1
	// WHEN: They run in parallel under different request ids
	// THEN: One emission bills 10, the others find nothing left

	h := newHarness(t)
	h.seedRemainder(t, "doc-1", 3)
	h.save(t, swabUnit("u1", "doc-1", 9), swabUnit("u2", "doc-1", 1))

	const jobs = 4
	outs := make([]worker.Outcome, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.gen.RunSammelCycle(h.ctx, billing.GenerationRequest{
				ID:       billing.RequestID(fmt.Sprintf("req-%d", i)),
				DoctorID: "doc-1",
			})
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	var completed []worker.Outcome
	for _, out := range outs {
		switch out.Status {
		case billing.RequestCompleted:
			completed = append(completed, out)
		default:
			assert.Equal(t, billing.RequestNoContent, out.Status)
		}
	}
	require.Len(t, completed, 1)

	chain, err := h.store.ListCheckpoints(h.ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, ledger.CheckpointID("cp-seed"), chain[0].ID)
	assert.Equal(t, completed[0].CheckpointID, chain[1].ID)

	before, err := h.store.CheckpointBefore(h.ctx, chain[1].ID)
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, ledger.CheckpointID("cp-seed"), before.ID, "the emission builds on the seed")
	assertDecimal(t, "3", chain[1].Remainder("SWAB"))

	inv, err := h.store.GetInvoice(h.ctx, completed[0].InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, []billing.UnitID{"u1", "u2"}, inv.BillObjRefs)
	assertDecimal(t, "10", inv.Lines[0].Quantity)
	h.pub.AssertNumberOfCalls(t, "PublishInvoiceEmitted", 1)
}

func TestSammelCycle_LeaseLostDuringCommitRollsBack(t *testing.T) {
	// GIVEN: The doctor lock is taken away while the commit is writing
	var h *harness
	var evicted atomic.Bool
	h = newHarnessWith(t, func(st billing.Store) billing.Store {
		return &hookedStore{Store: st, beforeInsertInvoice: func(ctx context.Context) {
			if evicted.Swap(true) {
				return
			}
			h.locks.Evict(lock.DefaultOptions().Prefix + worker.DoctorKey("doc-1"))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}}
	}, worker.Options{})
	h.save(t, swabUnit("u1", "doc-1", 10))

	// WHEN: The cycle runs
	_, err := h.gen.RunSammelCycle(h.ctx, billing.GenerationRequest{ID: "req-1", DoctorID: "doc-1"})

	// THEN: Nothing of the commit is visible and the job is left to retry
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, billing.IsFatal(err))

	latest, lerr := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, lerr)
	assert.Nil(t, latest)

	u := h.unit(t, "u1")
	assert.Equal(t, billing.StatusCreated, u.Status)
	assert.False(t, u.ElaborationInProgress, "claims are released")
	assert.Empty(t, u.ClaimedBy)

	trail, terr := h.store.ListTransitions(h.ctx, "u1")
	require.NoError(t, terr)
	assert.Empty(t, trail)

	req, rerr := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, rerr)
	assert.Equal(t, billing.RequestPending, req.Status)
	h.pub.AssertNotCalled(t, "PublishInvoiceEmitted", mock.Anything, mock.Anything)

	// WHEN: The job is retried
	out := h.cycle(t, "doc-1", "req-1")

	// THEN: It starts from a clean slate, the first number included
	require.Equal(t, billing.RequestCompleted, out.Status)
	inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "2026-000001", inv.Number)
	assert.Equal(t, billing.StatusEmitted, h.unit(t, "u1").Status)
}

func TestSammelCycle_PublishFailureKeepsCommit(t *testing.T) {
	h := newHarness(t)
	h.pub = &mockPublisher{}
	h.pub.On("PublishInvoiceEmitted", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	h.save(t, swabUnit("u1", "doc-1", 5))

	// Rebuild with the failing publisher
	opts := lock.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	gen := worker.NewGenerator(h.store, lock.New(lock.NewMemory(), opts, logger.Discard()), h.pub, nil, logger.Discard(), worker.Options{
		Clock: h.clock.Now,
	})

	out, err := gen.RunSammelCycle(h.ctx, billing.GenerationRequest{ID: "req-1", DoctorID: "doc-1"})

	require.NoError(t, err)
	assert.Equal(t, billing.RequestCompleted, out.Status)
	assert.Equal(t, billing.StatusEmitted, h.unit(t, "u1").Status)
	h.pub.AssertExpectations(t)
}

// =============================================================================
// STANDARD INVOICE
// =============================================================================

func TestStandardInvoice_EmitsOneLinePerUnit(t *testing.T) {
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"), standardUnit("s2", "doc-1", "50.50"))

	out, err := h.gen.RunStandardInvoice(h.ctx, billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1", "s2"}})
	require.NoError(t, err)

	inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStandard, inv.Type)
	assert.Len(t, inv.Lines, 2)
	assertDecimal(t, "150.50", inv.Net)
	assert.Empty(t, inv.SammelCheckpointRef)

	for _, id := range []billing.UnitID{"s1", "s2"} {
		trail, err := h.store.ListTransitions(h.ctx, id)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, billing.StatusCreated, trail[0].From)
		assert.Equal(t, billing.StatusEmitted, trail[0].To)
		assert.Equal(t, billing.RequestID("req-1"), trail[0].RequestID)
	}
}

func TestStandardInvoice_FatalErrorFailsRequestAndReleasesClaims(t *testing.T) {
	// GIVEN: A standard job that names a Sammel unit
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"), swabUnit("p1", "doc-1", 5))

	// WHEN: It runs
	_, err := h.gen.RunStandardInvoice(h.ctx, billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1", "p1"}})

	// THEN: It fails for good and leaves no claim behind
	assert.ErrorIs(t, err, billing.ErrUnitKindMismatch)
	assert.True(t, billing.IsFatal(err))

	req, gerr := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, gerr)
	assert.Equal(t, billing.RequestFailed, req.Status)
	assert.NotEmpty(t, req.Error)

	for _, id := range []billing.UnitID{"s1", "p1"} {
		u := h.unit(t, id)
		assert.False(t, u.ElaborationInProgress, "unit %s", id)
		assert.Equal(t, billing.StatusCreated, u.Status)
	}
}

func TestStandardInvoice_ClaimConflictIsRetried(t *testing.T) {
	// GIVEN: s1 is held by another job
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"))
	_, err := h.store.ClaimUnits(h.ctx, []billing.UnitID{"s1"}, "other-job", time.Now())
	require.NoError(t, err)

	// WHEN: The job runs
	req := billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1"}}
	_, err = h.gen.RunStandardInvoice(h.ctx, req)

	// THEN: The error is retryable and the request stays pending
	require.ErrorIs(t, err, billing.ErrUnitAlreadyClaimed)
	assert.False(t, billing.IsFatal(err))
	stored, gerr := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, gerr)
	assert.Equal(t, billing.RequestPending, stored.Status)
	assert.Equal(t, "other-job", h.unit(t, "s1").ClaimedBy, "another job's claim is untouched")

	// WHEN: The other job lets go and the job is retried
	require.NoError(t, h.store.ReleaseClaims(h.ctx, "other-job"))
	out, err := h.gen.RunStandardInvoice(h.ctx, req)

	// THEN: It completes on the second attempt
	require.NoError(t, err)
	assert.Equal(t, billing.RequestCompleted, out.Status)
	stored, _ = h.store.GetRequest(h.ctx, "req-1")
	assert.Equal(t, 2, stored.Attempts)
}

func TestStandardInvoice_OverlappingDeliveriesKeepCompletedRequest(t *testing.T) {
	// GIVEN: Two deliveries of the same job, both held at the request lock
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"))
	held, err := h.locker.Acquire(h.ctx, "request:req-1")
	require.NoError(t, err)

	req := billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1"}}
	outs := make([]worker.Outcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = h.gen.RunStandardInvoice(h.ctx, req)
		}(i)
	}

	// WHEN: The lock is let go and both run one after the other
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, held.Release(h.ctx))
	wg.Wait()

	// THEN: Both report the one invoice and the request stays completed
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, billing.RequestCompleted, outs[0].Status)
	assert.Equal(t, outs[0].InvoiceID, outs[1].InvoiceID)

	stored, err := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, billing.RequestCompleted, stored.Status)
	assert.Equal(t, outs[0].InvoiceID, stored.InvoiceID)
	assert.Empty(t, stored.Error)

	u := h.unit(t, "s1")
	assert.Equal(t, billing.StatusEmitted, u.Status)
	assert.Equal(t, stored.InvoiceID, u.InvoiceID)
	h.pub.AssertNumberOfCalls(t, "PublishInvoiceEmitted", 1)
}

func TestStandardInvoice_SweptClaimAbortsCommit(t *testing.T) {
	// GIVEN: The stale claim sweep frees s1 mid-job and another job claims it
	var h *harness
	var swept atomic.Bool
	h = newHarnessWith(t, func(st billing.Store) billing.Store {
		return &hookedStore{Store: st, beforeTx: func() {
			if swept.Swap(true) {
				return
			}
			_, err := h.store.ReleaseStaleClaims(h.ctx, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			_, err = h.store.ClaimUnits(h.ctx, []billing.UnitID{"s1"}, "other-job", time.Now())
			require.NoError(t, err)
		}}
	}, worker.Options{})
	h.save(t, standardUnit("s1", "doc-1", "100"))

	// WHEN: The job commits
	_, err := h.gen.RunStandardInvoice(h.ctx, billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1"}})

	// THEN: The commit is refused and the other job's claim is untouched
	require.ErrorIs(t, err, billing.ErrConcurrentModification)
	assert.True(t, billing.IsRetryable(err))

	u := h.unit(t, "s1")
	assert.Equal(t, billing.StatusCreated, u.Status)
	assert.Equal(t, "other-job", u.ClaimedBy)
	assert.Empty(t, u.InvoiceID)

	req, rerr := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, rerr)
	assert.Equal(t, billing.RequestPending, req.Status)
}

func TestStandardInvoice_ClaimConflictsStopAfterMaxAttempts(t *testing.T) {
	// GIVEN: s1 held by another job for good, two attempts allowed
	h := newHarnessWith(t, nil, worker.Options{MaxAttempts: 2})
	h.save(t, standardUnit("s1", "doc-1", "100"))
	_, err := h.store.ClaimUnits(h.ctx, []billing.UnitID{"s1"}, "other-job", time.Now())
	require.NoError(t, err)
	req := billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1"}}

	// WHEN: The job runs twice
	_, first := h.gen.RunStandardInvoice(h.ctx, req)
	_, second := h.gen.RunStandardInvoice(h.ctx, req)

	// THEN: The first is retried, the second fails the request for good
	assert.True(t, billing.IsRetryable(first))
	require.ErrorIs(t, second, billing.ErrAttemptsExhausted)
	assert.ErrorIs(t, second, billing.ErrUnitAlreadyClaimed)
	assert.True(t, billing.IsFatal(second))
	assert.False(t, billing.IsRetryable(second))

	stored, gerr := h.store.GetRequest(h.ctx, "req-1")
	require.NoError(t, gerr)
	assert.Equal(t, billing.RequestFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, "other-job", h.unit(t, "s1").ClaimedBy)
}

func TestInvoiceNumbers_GapFreeUnderConcurrency(t *testing.T) {
	// GIVEN: Twelve standard jobs and four Sammel cycles
	// WHEN: All run concurrently
	// THEN: Numbers are 1..16 without gaps or duplicates

	h := newHarness(t)
	var jobs []func() (worker.Outcome, error)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("s%02d", i)
		h.save(t, standardUnit(id, "doc-1", "10"))
		req := billing.GenerationRequest{ID: billing.RequestID("std-" + id), UnitIDs: []billing.UnitID{billing.UnitID(id)}}
		jobs = append(jobs, func() (worker.Outcome, error) { return h.gen.RunStandardInvoice(h.ctx, req) })
	}
	for i := 0; i < 4; i++ {
		doctor := ledger.DoctorID(fmt.Sprintf("doc-%d", i))
		h.save(t, swabUnit(fmt.Sprintf("p%d", i), doctor, 5))
		req := billing.GenerationRequest{ID: billing.RequestID("cycle-" + doctor), DoctorID: doctor}
		jobs = append(jobs, func() (worker.Outcome, error) { return h.gen.RunSammelCycle(h.ctx, req) })
	}

	var wg sync.WaitGroup
	outs := make([]worker.Outcome, len(jobs))
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job func() (worker.Outcome, error)) {
			defer wg.Done()
			out, err := job()
			assert.NoError(t, err)
			outs[i] = out
		}(i, job)
	}
	wg.Wait()

	var seqs []int
	for _, out := range outs {
		inv, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
		require.NoError(t, err)
		assert.Equal(t, billing.FormatNumber(2026, inv.Seq), inv.Number)
		seqs = append(seqs, inv.Seq)
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		assert.Equal(t, i+1, seq)
	}
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

func TestCreditNote_SammelCancellationCorrectsLedgerAndResetsUnits(t *testing.T) {
	// GIVEN: Remainder 3, 9 consumed, 10 billed, 2 carried
	h := newHarness(t)
	h.seedRemainder(t, "doc-1", 3)
	h.save(t, swabUnit("u1", "doc-1", 9))
	emitted := h.cycle(t, "doc-1", "cycle-1")

	// WHEN: The invoice is cancelled
	out, err := h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-1", OriginalInvoiceID: emitted.InvoiceID})
	require.NoError(t, err)

	// THEN: The correction restores 3 and gives back the overbilled unit
	correction, err := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, out.CheckpointID, correction.ID)
	assert.Equal(t, ledger.KindCorrection, correction.Kind)
	assert.Equal(t, emitted.CheckpointID, correction.ReversesID)
	assertDecimal(t, "4", correction.Remainder("SWAB"))

	// AND: The invoice is cancelled and the credit note mirrors it
	original, err := h.store.GetInvoice(h.ctx, emitted.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, original.Status)

	credit, err := h.store.GetInvoice(h.ctx, out.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceCreditNote, credit.Type)
	assert.Equal(t, original.ID, credit.OriginalInvoiceID)
	assert.True(t, original.Total.Neg().Equal(credit.Total), "credit %s vs original %s", credit.Total, original.Total)
	assert.Equal(t, "2026-000002", credit.Number)

	// AND: The unit is open again under a new generation
	u := h.unit(t, "u1")
	assert.Equal(t, billing.StatusCreated, u.Status)
	assert.Equal(t, 2, u.Generation)
	assert.Empty(t, u.InvoiceID)

	trail, err := h.store.ListTransitions(h.ctx, "u1")
	require.NoError(t, err)
	var steps []string
	for _, tr := range trail {
		steps = append(steps, string(tr.From)+">"+string(tr.To))
	}
	assert.Equal(t, []string{"CREATED>EMITTED", "EMITTED>CANCELLED", "CANCELLED>CREATED"}, steps)

	// WHEN: The next cycle runs
	rebilled := h.cycle(t, "doc-1", "cycle-2")

	// THEN: The re-opened usage is billed again on top of the corrected balance
	require.Equal(t, billing.RequestCompleted, rebilled.Status)
	latest, err := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	assertDecimal(t, "3", latest.Remainder("SWAB"))
	assert.Equal(t, billing.StatusEmitted, h.unit(t, "u1").Status)
}

func TestCreditNote_PartialSammelCancellationAllowedOnce(t *testing.T) {
	// GIVEN: Two units billed together on one Sammel invoice
	h := newHarness(t)
	h.save(t, swabUnit("u1", "doc-1", 5), swabUnit("u2", "doc-1", 5))
	emitted := h.cycle(t, "doc-1", "cycle-1")

	// WHEN: u1 alone is cancelled
	_, err := h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{
		ID:                "credit-1",
		OriginalInvoiceID: emitted.InvoiceID,
		UnitIDs:           []billing.UnitID{"u1"},
	})
	require.NoError(t, err)

	// THEN: The invoice is partially cancelled, u2 stays billed
	original, err := h.store.GetInvoice(h.ctx, emitted.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPartiallyCancelled, original.Status)
	assert.Equal(t, billing.StatusCreated, h.unit(t, "u1").Status)
	assert.Equal(t, billing.StatusEmitted, h.unit(t, "u2").Status)

	latest, err := h.store.LatestCheckpoint(h.ctx, "doc-1")
	require.NoError(t, err)
	assertDecimal(t, "5", latest.Remainder("SWAB"), "u2's consumption returns to the balance")

	// WHEN: u2 is cancelled afterwards
	_, err = h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{
		ID:                "credit-2",
		OriginalInvoiceID: emitted.InvoiceID,
		UnitIDs:           []billing.UnitID{"u2"},
	})

	// THEN: The second reversal is refused for good
	assert.ErrorIs(t, err, billing.ErrAlreadyReversed)
	req, gerr := h.store.GetRequest(h.ctx, "credit-2")
	require.NoError(t, gerr)
	assert.Equal(t, billing.RequestFailed, req.Status)
}

func TestCreditNote_StandardInvoicePartialThenRest(t *testing.T) {
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"), standardUnit("s2", "doc-1", "40"))
	emitted, err := h.gen.RunStandardInvoice(h.ctx, billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1", "s2"}})
	require.NoError(t, err)

	first, err := h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-1", OriginalInvoiceID: emitted.InvoiceID, UnitIDs: []billing.UnitID{"s2"}})
	require.NoError(t, err)
	credit, err := h.store.GetInvoice(h.ctx, first.InvoiceID)
	require.NoError(t, err)
	assertDecimal(t, "-40", credit.Net)
	assert.Empty(t, first.CheckpointID, "standard invoices do not touch the ledger")

	_, err = h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-2", OriginalInvoiceID: emitted.InvoiceID})
	require.NoError(t, err)

	original, err := h.store.GetInvoice(h.ctx, emitted.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, original.Status)
	assert.Equal(t, billing.StatusCreated, h.unit(t, "s1").Status)
}

func TestCreditNote_OfCreditNoteIsRejected(t *testing.T) {
	h := newHarness(t)
	h.save(t, standardUnit("s1", "doc-1", "100"))
	emitted, err := h.gen.RunStandardInvoice(h.ctx, billing.GenerationRequest{ID: "req-1", UnitIDs: []billing.UnitID{"s1"}})
	require.NoError(t, err)
	credit, err := h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-1", OriginalInvoiceID: emitted.InvoiceID})
	require.NoError(t, err)

	_, err = h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-2", OriginalInvoiceID: credit.InvoiceID})

	assert.ErrorIs(t, err, billing.ErrNotCreditable)
}

func TestCreditNote_UnknownInvoiceIsFatal(t *testing.T) {
	h := newHarness(t)

	_, err := h.gen.RunCreditNote(h.ctx, billing.GenerationRequest{ID: "credit-1", OriginalInvoiceID: "nope"})

	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
	assert.True(t, billing.IsFatal(err))
}
