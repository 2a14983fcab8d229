package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
)

// Task types.
const (
	TypeSammelCycle     = "billing:sammel:cycle"
	TypeStandardInvoice = "billing:invoice:generate"
	TypeCreditNote      = "billing:invoice:credit_note"
)

// JobPayload is the task payload of every job type. The request row holds
// the rest.
type JobPayload struct {
	RequestID         billing.RequestID `json:"request_id"`
	DoctorID          ledger.DoctorID   `json:"doctor_id,omitempty"`
	UnitIDs           []billing.UnitID  `json:"unit_ids,omitempty"`
	OriginalInvoiceID billing.InvoiceID `json:"original_invoice_id,omitempty"`
}

func payloadOf(r billing.GenerationRequest) JobPayload {
	return JobPayload{
		RequestID:         r.ID,
		DoctorID:          r.DoctorID,
		UnitIDs:           r.UnitIDs,
		OriginalInvoiceID: r.OriginalInvoiceID,
	}
}

func (p JobPayload) request() billing.GenerationRequest {
	return billing.GenerationRequest{
		ID:                p.RequestID,
		DoctorID:          p.DoctorID,
		UnitIDs:           p.UnitIDs,
		OriginalInvoiceID: p.OriginalInvoiceID,
	}
}

// =============================================================================
// TASK PROCESSOR - asynq handlers
// =============================================================================

// Runner executes jobs. *Generator is the implementation.
type Runner interface {
	RunSammelCycle(ctx context.Context, req billing.GenerationRequest) (Outcome, error)
	RunStandardInvoice(ctx context.Context, req billing.GenerationRequest) (Outcome, error)
	RunCreditNote(ctx context.Context, req billing.GenerationRequest) (Outcome, error)
}

type TaskProcessor struct {
	runner Runner
	logger *slog.Logger
}

func NewTaskProcessor(runner Runner, logger *slog.Logger) *TaskProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskProcessor{runner: runner, logger: logger}
}

// NewServeMux registers the job handlers.
func NewServeMux(p *TaskProcessor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSammelCycle, p.HandleSammelCycleTask)
	mux.HandleFunc(TypeStandardInvoice, p.HandleStandardInvoiceTask)
	mux.HandleFunc(TypeCreditNote, p.HandleCreditNoteTask)
	return mux
}

func (p *TaskProcessor) HandleSammelCycleTask(ctx context.Context, t *asynq.Task) error {
	return p.handle(ctx, t, p.runner.RunSammelCycle)
}

func (p *TaskProcessor) HandleStandardInvoiceTask(ctx context.Context, t *asynq.Task) error {
	return p.handle(ctx, t, p.runner.RunStandardInvoice)
}

func (p *TaskProcessor) HandleCreditNoteTask(ctx context.Context, t *asynq.Task) error {
	return p.handle(ctx, t, p.runner.RunCreditNote)
}

func (p *TaskProcessor) handle(ctx context.Context, t *asynq.Task, run func(context.Context, billing.GenerationRequest) (Outcome, error)) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if payload.RequestID == "" {
		return fmt.Errorf("%s payload without request id: %w", t.Type(), asynq.SkipRetry)
	}

	out, err := run(ctx, payload.request())
	if err == nil {
		p.logger.Debug("task done", "type", t.Type(), "request_id", payload.RequestID, "status", out.Status)
		return nil
	}
	if billing.IsFatal(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// =============================================================================
// DISPATCHER - Records requests and enqueues their jobs
// =============================================================================

// Enqueuer is the subset of *asynq.Client used.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DispatchOptions control how jobs are enqueued.
type DispatchOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Dispatcher turns intents into persisted requests and queued jobs. The
// request id is the asynq task id, so enqueueing the same intent twice
// yields one job.
type Dispatcher struct {
	client Enqueuer
	store  billing.Store
	opts   DispatchOptions
	clock  func() time.Time
	logger *slog.Logger
}

func NewDispatcher(client Enqueuer, store billing.Store, opts DispatchOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, store: store, opts: opts, clock: time.Now, logger: logger}
}

// SammelCycle enqueues doctorID's cycle for the day of at.
func (d *Dispatcher) SammelCycle(ctx context.Context, doctorID ledger.DoctorID, at time.Time) (billing.GenerationRequest, error) {
	if doctorID == "" {
		return billing.GenerationRequest{}, billing.ErrMultiDoctorInvoice
	}
	return d.dispatch(ctx, TypeSammelCycle, billing.GenerationRequest{
		ID:       billing.SammelCycleRequestID(doctorID, at),
		Kind:     billing.RequestSammelCycle,
		DoctorID: doctorID,
	})
}

// StandardInvoice enqueues invoicing of unitIDs.
func (d *Dispatcher) StandardInvoice(ctx context.Context, unitIDs []billing.UnitID) (billing.GenerationRequest, error) {
	units, err := d.store.GetUnits(ctx, unitIDs)
	if err != nil {
		return billing.GenerationRequest{}, err
	}
	if len(units) == 0 {
		return billing.GenerationRequest{}, billing.ErrUnitNotFound
	}
	for _, u := range units {
		if u.Kind != billing.UnitStandard {
			return billing.GenerationRequest{}, fmt.Errorf("unit %s: %w", u.ID, billing.ErrUnitKindMismatch)
		}
	}
	doctor, _ := billing.SingleDoctor(units)
	return d.dispatch(ctx, TypeStandardInvoice, billing.GenerationRequest{
		ID:       billing.StandardInvoiceRequestID(units),
		Kind:     billing.RequestStandardInvoice,
		DoctorID: doctor,
		UnitIDs:  unitIDs,
	})
}

// CreditNote enqueues cancellation of unitIDs (all when empty) of invoiceID.
func (d *Dispatcher) CreditNote(ctx context.Context, invoiceID billing.InvoiceID, unitIDs []billing.UnitID) (billing.GenerationRequest, error) {
	inv, err := d.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return billing.GenerationRequest{}, err
	}
	if inv.Type == billing.InvoiceCreditNote {
		return billing.GenerationRequest{}, billing.ErrNotCreditable
	}
	for _, id := range unitIDs {
		if !inv.References(id) {
			return billing.GenerationRequest{}, fmt.Errorf("unit %s: %w", id, billing.ErrUnitNotOnInvoice)
		}
	}
	return d.dispatch(ctx, TypeCreditNote, billing.GenerationRequest{
		ID:                billing.CreditNoteRequestID(invoiceID, unitIDs),
		Kind:              billing.RequestCreditNote,
		DoctorID:          inv.DoctorID,
		UnitIDs:           unitIDs,
		OriginalInvoiceID: invoiceID,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, taskType string, req billing.GenerationRequest) (billing.GenerationRequest, error) {
	existing, err := d.store.GetRequest(ctx, req.ID)
	switch {
	case err == nil && existing.Status != billing.RequestPending:
		// Completed, empty or failed for good. Fatal errors are
		// structural, a new run would fail the same way.
		return existing, nil
	case err == nil:
		req = existing
	case errors.Is(err, billing.ErrRequestNotFound):
		now := d.clock()
		req.Status = billing.RequestPending
		req.CreatedAt = now
		req.UpdatedAt = now
		if err := d.store.SaveRequest(ctx, req); err != nil {
			return billing.GenerationRequest{}, fmt.Errorf("save request %s: %w", req.ID, err)
		}
	default:
		return billing.GenerationRequest{}, fmt.Errorf("load request %s: %w", req.ID, err)
	}

	b, err := json.Marshal(payloadOf(req))
	if err != nil {
		return billing.GenerationRequest{}, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(string(req.ID))}
	if d.opts.Queue != "" {
		opts = append(opts, asynq.Queue(d.opts.Queue))
	}
	if d.opts.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(d.opts.MaxRetry))
	}
	if d.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(d.opts.Timeout))
	}

	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(taskType, b), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		d.logger.Debug("job already enqueued", "request_id", req.ID, "type", taskType)
	case err != nil:
		return billing.GenerationRequest{}, fmt.Errorf("enqueue %s: %w", req.ID, err)
	default:
		d.logger.Info("job enqueued", "request_id", req.ID, "type", taskType)
	}
	return req, nil
}
