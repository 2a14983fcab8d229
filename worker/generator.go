/*
Package worker runs invoice generation jobs.

PURPOSE:
  The Generator is the only place that commits billing state. Each job
  (a Sammel cycle for one doctor, a standard invoice, a credit note)
  runs start to finish in its own goroutine and shares nothing in memory
  with other jobs.

JOB STEPS (Sammel cycle):
  1. Skip if the request already completed (redelivery)
  2. Acquire the doctor lock, check the request again under it
  3. Claim the doctor's open Sammel units
  4. Filter usage already incorporated in a checkpoint
  5. Nothing billable: record NO_CONTENT, release claims, stop
  6. Compute the checkpoint, build the invoice
  7. Under the invoice-number lock, commit in one transaction:
     checkpoint, invoice and number, unit transitions, claim clear,
     request state
  8. Publish InvoiceEmitted

FAILURE:
  Any error before the commit leaves nothing visible and releases the
  job's claims. Errors for which billing.IsFatal holds mark the request
  FAILED and are not retried; everything else is retried by the queue.
  A lost lock lease cancels the commit's context, so the transaction
  rolls back. A job that keeps failing with retryable errors is marked
  FAILED after Options.MaxAttempts runs.

SEE ALSO:
  - tasks.go: asynq handlers around the Generator
  - scheduler.go: Periodic Sammel cycles and stale claim sweep
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/events"
	"github.com/warp/sammel-billing/ledger"
	"github.com/warp/sammel-billing/lock"
	"github.com/warp/sammel-billing/metrics"
)

// InvoiceNumberKey serializes invoice number allocation across workers.
const InvoiceNumberKey = "invoice-number"

// DoctorKey is the lock scope of a doctor's ledger.
func DoctorKey(id ledger.DoctorID) string { return "doctor:" + string(id) }

func invoiceKey(id billing.InvoiceID) string { return "invoice:" + string(id) }

func requestKey(id billing.RequestID) string { return "request:" + string(id) }

// DefaultMaxAttempts bounds the runs of one request.
const DefaultMaxAttempts = 25

// errAlreadyDone aborts a job whose request completed concurrently.
var errAlreadyDone = errors.New("request already completed")

type Options struct {
	Pricing    billing.Pricing
	Correction ledger.CorrectionOptions
	Clock      func() time.Time
	NewID      func() string

	// MaxAttempts caps the runs of a request, retryable failures included.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
}

type Generator struct {
	store     billing.Store
	locker    *lock.Locker
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
}

func NewGenerator(store billing.Store, locker *lock.Locker, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Generator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:     store,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "generator"),
		opts:      opts,
	}
}

// Outcome is the result of a job.
type Outcome struct {
	Status       billing.RequestStatus
	InvoiceID    billing.InvoiceID
	CheckpointID ledger.CheckpointID
}

func outcomeOf(r billing.GenerationRequest) Outcome {
	return Outcome{Status: r.Status, InvoiceID: r.InvoiceID, CheckpointID: r.CheckpointID}
}

// =============================================================================
// JOB ENTRY POINTS
// =============================================================================

// RunSammelCycle bills the doctor's open Sammel usage.
func (g *Generator) RunSammelCycle(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	req.Kind = billing.RequestSammelCycle
	if req.DoctorID == "" {
		return Outcome{}, fmt.Errorf("sammel cycle %s: %w", req.ID, billing.ErrMultiDoctorInvoice)
	}
	return g.run(ctx, req, g.sammelCycle)
}

// RunStandardInvoice bills req.UnitIDs on one standard invoice.
func (g *Generator) RunStandardInvoice(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	req.Kind = billing.RequestStandardInvoice
	if len(req.UnitIDs) == 0 {
		return Outcome{}, fmt.Errorf("standard invoice %s: %w", req.ID, billing.ErrUnitNotFound)
	}
	return g.run(ctx, req, g.standardInvoice)
}

// RunCreditNote cancels req.UnitIDs (all when empty) of
// req.OriginalInvoiceID and resets them for re-billing.
func (g *Generator) RunCreditNote(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	req.Kind = billing.RequestCreditNote
	return g.run(ctx, req, g.creditNote)
}

type jobFunc func(ctx context.Context, req billing.GenerationRequest) (Outcome, error)

// run wraps a job with request bookkeeping, claim release and metrics.
func (g *Generator) run(ctx context.Context, req billing.GenerationRequest, job jobFunc) (Outcome, error) {
	log := g.logger.With("request_id", req.ID, "kind", req.Kind, "doctor_id", req.DoctorID)
	now := g.opts.Clock()

	existing, err := g.store.GetRequest(ctx, req.ID)
	switch {
	case err == nil && existing.Done():
		log.Info("request already completed, skipping", "status", existing.Status)
		g.metrics.Job(string(req.Kind), "duplicate")
		return outcomeOf(existing), nil
	case err == nil:
		req.CreatedAt = existing.CreatedAt
		req.Attempts = existing.Attempts + 1
	case errors.Is(err, billing.ErrRequestNotFound):
		req.CreatedAt = now
		req.Attempts = 1
	default:
		return Outcome{}, fmt.Errorf("load request %s: %w", req.ID, err)
	}
	req.Status = billing.RequestPending
	req.Error = ""
	req.UpdatedAt = now
	if err := g.store.SaveRequest(ctx, req); err != nil {
		return Outcome{}, fmt.Errorf("save request %s: %w", req.ID, err)
	}

	out, err := job(ctx, req)
	if err == nil {
		log.Info("job finished", "status", out.Status, "invoice_id", out.InvoiceID, "checkpoint_id", out.CheckpointID)
		g.metrics.Job(string(req.Kind), string(out.Status))
		return out, nil
	}

	// Claims and request state must be recorded even when ctx is gone.
	bg := context.WithoutCancel(ctx)
	if rerr := g.store.ReleaseClaims(bg, string(req.ID)); rerr != nil {
		log.Error("release claims failed", "error", rerr)
	}

	if errors.Is(err, errAlreadyDone) {
		done, gerr := g.store.GetRequest(bg, req.ID)
		if gerr == nil {
			g.metrics.Job(string(req.Kind), "duplicate")
			return outcomeOf(done), nil
		}
	}

	if !billing.IsFatal(err) && req.Attempts >= g.opts.MaxAttempts {
		err = fmt.Errorf("%w after %d attempts: %w", billing.ErrAttemptsExhausted, req.Attempts, err)
	}

	req.Error = err.Error()
	req.UpdatedAt = g.opts.Clock()
	outcome := "retry"
	if billing.IsFatal(err) {
		req.Status = billing.RequestFailed
		outcome = "failed"
		log.Error("job failed", "error", err)
	} else {
		log.Warn("job failed, will retry", "error", err, "attempt", req.Attempts)
	}
	if serr := g.store.SaveRequest(bg, req); serr != nil {
		log.Error("save request failed", "error", serr)
	}
	g.metrics.Job(string(req.Kind), outcome)
	return Outcome{Status: req.Status}, err
}

// =============================================================================
// SAMMEL CYCLE
// =============================================================================

func (g *Generator) sammelCycle(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	lease, err := g.locker.Acquire(ctx, DoctorKey(req.DoctorID))
	if err != nil {
		return Outcome{}, err
	}
	defer g.release(lease)
	ctx = lease.Context()
	if err := ensurePending(ctx, g.store, req.ID); err != nil {
		return Outcome{}, err
	}

	owner := string(req.ID)
	now := g.opts.Clock()

	units, err := g.store.ClaimSammelUnits(ctx, req.DoctorID, owner, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim units: %w", err)
	}

	incorporated, err := g.store.IncorporatedSources(ctx, req.DoctorID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load incorporated sources: %w", err)
	}
	emittable := ledger.FilterEmittable(billing.UsageOf(units), incorporated)
	if len(emittable) == 0 {
		return g.noContent(ctx, req, units)
	}

	previous, err := g.store.LatestCheckpoint(ctx, req.DoctorID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	var previousLines []ledger.ConsumptionLine
	if previous != nil {
		previousLines = previous.Consumptions
	}

	cp, err := ledger.ComputeCheckpoint(emittable, previousLines, req.DoctorID)
	if err != nil {
		return Outcome{}, err
	}
	if len(cp.Billable()) == 0 {
		return g.noContent(ctx, req, units)
	}

	billed, idle := splitBySources(units, cp.SourceIDs)
	invoiceID := billing.InvoiceID(g.opts.NewID())
	cp = cp.Stamp(ledger.CheckpointID(g.opts.NewID()), now, string(invoiceID))

	inv, err := billing.NewSammelInvoice(billing.Draft{ID: invoiceID, CreatedAt: now}, cp, emittable, billed, g.opts.Pricing)
	if err != nil {
		return Outcome{}, err
	}

	err = g.commit(ctx, &inv, func(ctx context.Context, tx billing.Tx) error {
		latest, err := tx.LatestCheckpoint(ctx, req.DoctorID)
		if err != nil {
			return err
		}
		if checkpointID(latest) != checkpointID(previous) {
			return fmt.Errorf("doctor %s ledger moved: %w", req.DoctorID, billing.ErrConcurrentModification)
		}
		if err := holdsClaims(ctx, tx, owner, units); err != nil {
			return err
		}
		if err := tx.InsertCheckpoint(ctx, cp); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		for _, u := range billed {
			if err := g.transition(ctx, tx, req.ID, u, func(u *billing.BillingUnit) error { return u.Emit(inv.ID, now) }); err != nil {
				return err
			}
		}
		for _, u := range idle {
			u.Release()
			if err := tx.UpdateUnit(ctx, u); err != nil {
				return err
			}
		}
		req.Status = billing.RequestCompleted
		req.InvoiceID = inv.ID
		req.CheckpointID = cp.ID
		req.UpdatedAt = now
		return tx.SaveRequest(ctx, req)
	}, req.ID)
	if err != nil {
		return Outcome{}, err
	}

	g.metrics.Checkpoint(string(cp.Kind))
	g.emitted(ctx, inv)
	return Outcome{Status: billing.RequestCompleted, InvoiceID: inv.ID, CheckpointID: cp.ID}, nil
}

// noContent clears the claims and records the outcome. Units stay CREATED.
func (g *Generator) noContent(ctx context.Context, req billing.GenerationRequest, units []billing.BillingUnit) (Outcome, error) {
	now := g.opts.Clock()
	err := g.store.WithTx(ctx, func(tx billing.Tx) error {
		if err := ensurePending(ctx, tx, req.ID); err != nil {
			return err
		}
		if err := holdsClaims(ctx, tx, string(req.ID), units); err != nil {
			return err
		}
		for _, u := range units {
			u.Release()
			if err := tx.UpdateUnit(ctx, u); err != nil {
				return err
			}
		}
		req.Status = billing.RequestNoContent
		req.UpdatedAt = now
		return tx.SaveRequest(ctx, req)
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: billing.RequestNoContent}, nil
}

// splitBySources separates units with usage in sources from the rest.
func splitBySources(units []billing.BillingUnit, sources []ledger.SourceID) (billed, idle []billing.BillingUnit) {
	in := make(map[ledger.SourceID]bool, len(sources))
	for _, s := range sources {
		in[s] = true
	}
	for _, u := range units {
		hit := false
		for _, r := range u.UsageRecords() {
			if in[r.SourceID] {
				hit = true
				break
			}
		}
		if hit {
			billed = append(billed, u)
		} else {
			idle = append(idle, u)
		}
	}
	return billed, idle
}

func checkpointID(cp *ledger.Checkpoint) ledger.CheckpointID {
	if cp == nil {
		return ""
	}
	return cp.ID
}

// =============================================================================
// STANDARD INVOICE
// =============================================================================

func (g *Generator) standardInvoice(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	lease, err := g.locker.Acquire(ctx, requestKey(req.ID))
	if err != nil {
		return Outcome{}, err
	}
	defer g.release(lease)
	ctx = lease.Context()
	if err := ensurePending(ctx, g.store, req.ID); err != nil {
		return Outcome{}, err
	}

	now := g.opts.Clock()
	units, err := g.store.ClaimUnits(ctx, req.UnitIDs, string(req.ID), now)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim units: %w", err)
	}

	invoiceID := billing.InvoiceID(g.opts.NewID())
	inv, err := billing.NewStandardInvoice(billing.Draft{ID: invoiceID, CreatedAt: now}, units, g.opts.Pricing)
	if err != nil {
		return Outcome{}, err
	}

	err = g.commit(ctx, &inv, func(ctx context.Context, tx billing.Tx) error {
		if err := holdsClaims(ctx, tx, string(req.ID), units); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		for _, u := range units {
			if err := g.transition(ctx, tx, req.ID, u, func(u *billing.BillingUnit) error { return u.Emit(inv.ID, now) }); err != nil {
				return err
			}
		}
		req.Status = billing.RequestCompleted
		req.InvoiceID = inv.ID
		req.UpdatedAt = now
		return tx.SaveRequest(ctx, req)
	}, req.ID)
	if err != nil {
		return Outcome{}, err
	}

	g.emitted(ctx, inv)
	return Outcome{Status: billing.RequestCompleted, InvoiceID: inv.ID}, nil
}

// =============================================================================
// CREDIT NOTE
// =============================================================================

func (g *Generator) creditNote(ctx context.Context, req billing.GenerationRequest) (Outcome, error) {
	original, err := g.store.GetInvoice(ctx, req.OriginalInvoiceID)
	if err != nil {
		return Outcome{}, err
	}

	scope := invoiceKey(original.ID)
	if original.Type == billing.InvoiceSammel {
		scope = DoctorKey(original.DoctorID)
	}
	lease, err := g.locker.Acquire(ctx, scope)
	if err != nil {
		return Outcome{}, err
	}
	defer g.release(lease)
	ctx = lease.Context()
	if err := ensurePending(ctx, g.store, req.ID); err != nil {
		return Outcome{}, err
	}
	now := g.opts.Clock()

	// Re-read under the lock
	original, err = g.store.GetInvoice(ctx, req.OriginalInvoiceID)
	if err != nil {
		return Outcome{}, err
	}
	units, err := g.store.GetUnits(ctx, original.BillObjRefs)
	if err != nil {
		return Outcome{}, err
	}
	plan, err := billing.PlanCancellation(original, units, req.UnitIDs, now)
	if err != nil {
		return Outcome{}, err
	}

	creditID := billing.InvoiceID(g.opts.NewID())
	var correction *ledger.Checkpoint
	if original.Type == billing.InvoiceSammel {
		cp, err := g.correct(ctx, original, plan.Cancelled, creditID, now)
		if err != nil {
			return Outcome{}, err
		}
		correction = &cp
	}
	credit := billing.NewCreditNote(billing.Draft{ID: creditID, CreatedAt: now}, original, plan.Cancelled, correction, g.opts.Pricing)

	err = g.commit(ctx, &credit, func(ctx context.Context, tx billing.Tx) error {
		if correction != nil {
			if err := tx.InsertCheckpoint(ctx, *correction); err != nil {
				return err
			}
		}
		if err := tx.InsertInvoice(ctx, credit); err != nil {
			return err
		}
		if err := tx.UpdateInvoiceStatus(ctx, original.ID, plan.Invoice.Status); err != nil {
			return err
		}
		for _, u := range plan.Cancelled {
			// Cancellation and reset are recorded in the same commit as the
			// correction, so the unit is never re-billable against a stale
			// balance.
			if err := tx.AppendTransition(ctx, billing.NewTransition(u, plan.From[u.ID], req.ID, now)); err != nil {
				return err
			}
			if err := g.transition(ctx, tx, req.ID, u, func(u *billing.BillingUnit) error { return u.ResetForRebilling(now) }); err != nil {
				return err
			}
		}
		req.Status = billing.RequestCompleted
		req.InvoiceID = credit.ID
		if correction != nil {
			req.CheckpointID = correction.ID
		}
		req.UpdatedAt = now
		return tx.SaveRequest(ctx, req)
	}, req.ID)
	if err != nil {
		return Outcome{}, err
	}

	if correction != nil {
		g.metrics.Checkpoint(string(correction.Kind))
	}
	g.emitted(ctx, credit)
	return Outcome{Status: billing.RequestCompleted, InvoiceID: credit.ID, CheckpointID: req.CheckpointID}, nil
}

// correct computes the correction checkpoint for a Sammel invoice.
func (g *Generator) correct(ctx context.Context, original billing.Invoice, cancelled []billing.BillingUnit, creditID billing.InvoiceID, now time.Time) (ledger.Checkpoint, error) {
	cancelledCp, err := g.store.GetCheckpoint(ctx, original.SammelCheckpointRef)
	if err != nil {
		return ledger.Checkpoint{}, fmt.Errorf("invoice %s: %w", original.ID, err)
	}
	lastBefore, err := g.store.CheckpointBefore(ctx, cancelledCp.ID)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	current, err := g.store.LatestCheckpoint(ctx, original.DoctorID)
	if err != nil {
		return ledger.Checkpoint{}, err
	}

	correction, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled:        cancelledCp,
		LastBefore:       lastBefore,
		Current:          current,
		CancelledRecords: billing.UsageOf(cancelled),
	}, g.opts.Correction)
	if err != nil {
		return ledger.Checkpoint{}, err
	}
	return correction.Stamp(ledger.CheckpointID(g.opts.NewID()), now, string(creditID)), nil
}

// =============================================================================
// COMMIT HELPERS
// =============================================================================

// commit allocates inv's number under the global number lock and runs
// writes in the same transaction.
func (g *Generator) commit(ctx context.Context, inv *billing.Invoice, writes func(context.Context, billing.Tx) error, requestID billing.RequestID) error {
	lease, err := g.locker.Acquire(ctx, InvoiceNumberKey)
	if err != nil {
		return err
	}
	defer g.release(lease)
	ctx = lease.Context()

	return g.store.WithTx(ctx, func(tx billing.Tx) error {
		if err := ensurePending(ctx, tx, requestID); err != nil {
			return err
		}
		year := inv.CreatedAt.Year()
		seq, err := tx.NextInvoiceNumber(ctx, year)
		if err != nil {
			return err
		}
		inv.Year = year
		inv.Seq = seq
		inv.Number = billing.FormatNumber(year, seq)
		return writes(ctx, tx)
	})
}

// ensurePending returns errAlreadyDone once id completed, e.g. by an
// overlapping delivery of the same job.
func ensurePending(ctx context.Context, r billing.Reader, id billing.RequestID) error {
	stored, err := r.GetRequest(ctx, id)
	if err != nil && !errors.Is(err, billing.ErrRequestNotFound) {
		return err
	}
	if err == nil && stored.Done() {
		return errAlreadyDone
	}
	return nil
}

// holdsClaims fails when a unit was released or taken over since owner
// claimed it, e.g. by the stale claim sweep.
func holdsClaims(ctx context.Context, tx billing.Tx, owner string, units []billing.BillingUnit) error {
	if len(units) == 0 {
		return nil
	}
	current, err := tx.GetUnits(ctx, billing.UnitIDs(units))
	if err != nil {
		return err
	}
	for _, u := range current {
		if !u.ElaborationInProgress || u.ClaimedBy != owner {
			return fmt.Errorf("unit %s no longer claimed by %s: %w", u.ID, owner, billing.ErrConcurrentModification)
		}
	}
	return nil
}

// transition applies change to u, persists it and appends the audit row.
func (g *Generator) transition(ctx context.Context, tx billing.Tx, requestID billing.RequestID, u billing.BillingUnit, change func(*billing.BillingUnit) error) error {
	from := u.Status
	if err := change(&u); err != nil {
		return err
	}
	if err := tx.UpdateUnit(ctx, u); err != nil {
		return err
	}
	return tx.AppendTransition(ctx, billing.NewTransition(u, from, requestID, u.UpdatedAt))
}

func (g *Generator) release(lease *lock.Lease) {
	if err := lease.Release(context.Background()); err != nil {
		g.logger.Warn("lock release failed", "key", lease.Key(), "error", err)
	}
}

// emitted publishes the event of a committed invoice. A publish failure
// does not undo the commit.
func (g *Generator) emitted(ctx context.Context, inv billing.Invoice) {
	g.metrics.Invoice(string(inv.Type))
	if g.publisher == nil {
		return
	}
	if err := g.publisher.PublishInvoiceEmitted(context.WithoutCancel(ctx), events.FromInvoice(inv)); err != nil {
		g.logger.Error("publish invoice event failed", "invoice_id", inv.ID, "error", err)
	}
}
