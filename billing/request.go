package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// GENERATION REQUEST - One generation job and its outcome
// =============================================================================

type RequestID string

type RequestKind string

const (
	RequestStandardInvoice RequestKind = "standard_invoice"
	RequestSammelCycle     RequestKind = "sammel_cycle"
	RequestCreditNote      RequestKind = "credit_note"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestNoContent RequestStatus = "NO_CONTENT"
	RequestFailed    RequestStatus = "FAILED"
)

// GenerationRequest is the persisted record of one job. Its ID is the job
// id, so a redelivered job finds the outcome of an earlier run.
type GenerationRequest struct {
	ID       RequestID
	Kind     RequestKind
	DoctorID ledger.DoctorID
	UnitIDs  []UnitID

	// OriginalInvoiceID is the invoice a credit note cancels.
	OriginalInvoiceID InvoiceID

	Status       RequestStatus
	InvoiceID    InvoiceID           // invoice or credit note produced
	CheckpointID ledger.CheckpointID // checkpoint produced
	Error        string
	Attempts     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether the request reached an outcome that must not be
// recomputed.
func (r GenerationRequest) Done() bool {
	return r.Status == RequestCompleted || r.Status == RequestNoContent
}

// requestNamespace scopes deterministic request ids.
var requestNamespace = uuid.MustParse("6f1c8d2e-4b7a-4f0e-9a51-3c2d7e8b9f10")

func deterministicID(prefix string, parts ...string) RequestID {
	return RequestID(prefix + ":" + uuid.NewSHA1(requestNamespace, []byte(strings.Join(parts, "|"))).String())
}

// SammelCycleRequestID is the job id of doctorID's cycle on day. At most
// one cycle per doctor per day is enqueued.
func SammelCycleRequestID(doctorID ledger.DoctorID, day time.Time) RequestID {
	return deterministicID("sammel", string(doctorID), day.UTC().Format("2006-01-02"))
}

// StandardInvoiceRequestID is the job id for invoicing units. The unit
// generation is part of the id, so re-billing after a reset is a new job.
func StandardInvoiceRequestID(units []BillingUnit) RequestID {
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = fmt.Sprintf("%s@%d", u.ID, u.Generation)
	}
	sort.Strings(parts)
	return deterministicID("invoice", parts...)
}

// CreditNoteRequestID is the job id for cancelling unitIDs of invoiceID.
func CreditNoteRequestID(invoiceID InvoiceID, unitIDs []UnitID) RequestID {
	return deterministicID("credit", append([]string{string(invoiceID)}, sortedIDs(unitIDs)...)...)
}

func sortedIDs(ids []UnitID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// UNIT TRANSITION AUDIT - Append-only
// =============================================================================

// UnitTransition records one status change of a unit.
type UnitTransition struct {
	ID         string
	UnitID     UnitID
	Generation int
	From       Status
	To         Status
	InvoiceID  InvoiceID
	RequestID  RequestID
	At         time.Time
}

// NewTransition builds the audit row for a unit that moved from from.
func NewTransition(u BillingUnit, from Status, requestID RequestID, at time.Time) UnitTransition {
	return UnitTransition{
		ID:         uuid.NewString(),
		UnitID:     u.ID,
		Generation: u.Generation,
		From:       from,
		To:         u.Status,
		InvoiceID:  u.InvoiceID,
		RequestID:  requestID,
		At:         at,
	}
}
