/*
Package billing holds the billable units, invoices and their lifecycle.

PURPOSE:
  A BillingUnit is one billable item of a surgical case: either a standard
  case line, billed on its own invoice, or a Sammel unit whose materials
  feed the doctor's consumption ledger. Units move through a small state
  machine while invoices and credit notes are generated for them.

STATE MACHINE:

	  CREATED ──claim──▶ (claimed) ──emit──▶ EMITTED
	     ▲                   │                  │
	     │              no content          credit note
	     │                   ▼                  ▼
	     │               CREATED         CANCELLED / PARTIALLY_CANCELLED
	     │                                      │
	     └──────────── reset (Generation+1) ────┘

  The claim is the ElaborationInProgress flag. It is set by an atomic
  conditional update in the store and is the only unit field written
  outside the doctor lock.

LIFECYCLE INSTANCES:
  Resetting a cancelled unit to CREATED starts a new lifecycle instance:
  Generation is incremented, so the unit's usage records get new source
  ids and the ledger treats them as never billed.

SEE ALSO:
  - state.go: Transition tables and unit/invoice transitions
  - invoice.go: Invoice construction from checkpoints and units
  - store.go: Persistence contract
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type CaseID string
type InvoiceID string

// =============================================================================
// STATUS - Shared by units and invoices
// =============================================================================

type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusEmitted            Status = "EMITTED"
	StatusCancelled          Status = "CANCELLED"
	StatusPartiallyCancelled Status = "PARTIALLY_CANCELLED"
)

// =============================================================================
// BILLING UNIT
// =============================================================================

type UnitKind string

const (
	UnitStandard UnitKind = "standard" // Billed on a standard invoice
	UnitSammel   UnitKind = "sammel"   // Materials billed through the ledger
)

// Material is one material consumed by a unit.
type Material struct {
	ItemCode       ledger.ItemCode
	Quantity       decimal.Decimal
	RoundingFactor decimal.Decimal
	Description    string
	UnitPrice      decimal.Decimal
}

// BillingUnit is one billable line item tied to one case.
type BillingUnit struct {
	ID       UnitID
	CaseID   CaseID
	DoctorID ledger.DoctorID
	Kind     UnitKind
	Status   Status

	// Claim. Set while a generation job owns the unit.
	ElaborationInProgress bool
	ClaimedBy             string
	ClaimedAt             time.Time

	// Generation counts lifecycle instances, starting at 1.
	Generation int

	// InvoiceID is the invoice the unit was last emitted on.
	InvoiceID InvoiceID

	// Amount is the case amount billed on a standard invoice.
	Amount    decimal.Decimal
	Materials []Material

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceID identifies the idx-th material of this lifecycle instance.
func (u BillingUnit) SourceID(idx int) ledger.SourceID {
	return ledger.SourceID(fmt.Sprintf("%s#%d:%d", u.ID, u.Generation, idx))
}

// UsageRecords derives the ledger input of a unit's materials.
func (u BillingUnit) UsageRecords() []ledger.UsageRecord {
	out := make([]ledger.UsageRecord, 0, len(u.Materials))
	for i, m := range u.Materials {
		out = append(out, ledger.UsageRecord{
			ItemCode:       m.ItemCode,
			DoctorID:       u.DoctorID,
			Quantity:       m.Quantity,
			SourceID:       u.SourceID(i),
			RoundingFactor: m.RoundingFactor,
			Description:    m.Description,
			UnitPrice:      m.UnitPrice,
		})
	}
	return out
}

// IsClaimed reports whether a job other than owner holds the unit.
func (u BillingUnit) IsClaimed(owner string) bool {
	return u.ElaborationInProgress && u.ClaimedBy != owner
}

// UsageOf collects the usage records of units.
func UsageOf(units []BillingUnit) []ledger.UsageRecord {
	var out []ledger.UsageRecord
	for _, u := range units {
		out = append(out, u.UsageRecords()...)
	}
	return out
}

// UnitIDs returns the ids of units in order.
func UnitIDs(units []BillingUnit) []UnitID {
	out := make([]UnitID, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceType string

const (
	InvoiceStandard   InvoiceType = "STANDARD"
	InvoiceSammel     InvoiceType = "SAMMEL"
	InvoiceCreditNote InvoiceType = "CREDIT_NOTE"
)

// Invoice aggregates billing units into a numbered document.
//
// INVARIANTS:
//   - A Sammel invoice references exactly one doctor and one checkpoint.
//   - The referenced checkpoint is never modified. Cancelling the invoice
//     appends a correction checkpoint and a credit note.
type Invoice struct {
	ID     InvoiceID
	Number string
	Year   int
	Seq    int
	Type   InvoiceType
	Status Status

	DoctorID    ledger.DoctorID
	BillObjRefs []UnitID

	SammelCheckpointRef ledger.CheckpointID
	OriginalInvoiceID   InvoiceID

	Lines    []InvoiceLine
	Net      decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
	Currency string

	DueDate   time.Time
	CreatedAt time.Time
}

// InvoiceLine is one priced row of an invoice.
type InvoiceLine struct {
	UnitID      UnitID // Standard lines only
	ItemCode    ledger.ItemCode
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// References reports whether the invoice bills unit id.
func (inv Invoice) References(id UnitID) bool {
	for _, ref := range inv.BillObjRefs {
		if ref == id {
			return true
		}
	}
	return false
}

// FormatNumber renders the per-year invoice number.
func FormatNumber(year, seq int) string {
	return fmt.Sprintf("%d-%06d", year, seq)
}
