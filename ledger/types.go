/*
Package ledger provides the Sammel consumption ledger.

PURPOSE:
  Bulk-supply ("Sammel") materials are billed per doctor in whole units.
  A doctor consumes 3 swabs this month, the swab is sold in packs of 5:
  nothing is billed yet, 3 swabs are carried forward. Next month 9 more
  are consumed: 12 available, 10 billed, 2 carried forward.

  This package is the pure computation behind that: given this period's
  usage and the previous checkpoint, it produces the next checkpoint. It
  also reverses a checkpoint when the invoice that produced it is
  cancelled, and decides which usage records are new.

KEY CONCEPTS IN THIS FILE (types.go):
  - UsageRecord: One material consumed by one billable unit
  - Checkpoint: Immutable snapshot of a doctor's balance at a point in time
  - ConsumptionLine: Per-item-code row inside a Checkpoint

DESIGN PRINCIPLES:
  1. Immutability: Checkpoints are never modified, only superseded
  2. Precision: Uses decimal.Decimal, never float64
  3. Purity: No I/O, no clock, no ids generated here
  4. Explicit scope: The doctor is always a parameter, never ambient state

SEE ALSO:
  - ledger.go: ComputeCheckpoint and rounding
  - eligibility.go: FilterEmittable
  - correction.go: ReverseCheckpoint
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DoctorID string
type ItemCode string
type SourceID string
type CheckpointID string

// =============================================================================
// USAGE RECORD - One consumed material
// =============================================================================

// UsageRecord is one material consumed by a case or prescription.
// Immutable once created. SourceID identifies the record across its whole
// lifetime and is what eligibility is tracked by.
type UsageRecord struct {
	ItemCode       ItemCode
	DoctorID       DoctorID
	Quantity       decimal.Decimal
	SourceID       SourceID
	RoundingFactor decimal.Decimal // zero means unrounded
	Description    string
	UnitPrice      decimal.Decimal
}

// ParseRoundingFactor converts a raw reference-table value into a factor.
// Missing, non-numeric or negative values mean "no rounding".
func ParseRoundingFactor(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// CHECKPOINT - Immutable ledger snapshot for one doctor
// =============================================================================

type CheckpointKind string

const (
	KindEmission   CheckpointKind = "emission"   // Produced by a generation cycle
	KindCorrection CheckpointKind = "correction" // Produced by cancelling an emission
)

// Checkpoint is the doctor's material balance at CreatedAt.
//
// INVARIANTS:
//   - Never updated after insert. Corrections are new checkpoints.
//   - The most recently created checkpoint is the current balance.
type Checkpoint struct {
	ID        CheckpointID
	DoctorID  DoctorID
	CreatedAt time.Time
	Kind      CheckpointKind

	// InvoiceID is the invoice (or credit note) whose generation produced
	// this checkpoint.
	InvoiceID string

	// ReversesID is set on correction checkpoints.
	ReversesID CheckpointID

	Consumptions []ConsumptionLine

	// SourceIDs are the usage records incorporated by this checkpoint.
	// Empty for corrections.
	SourceIDs []SourceID
}

// Line returns the consumption line for code, if present.
func (c *Checkpoint) Line(code ItemCode) (ConsumptionLine, bool) {
	if c == nil {
		return ConsumptionLine{}, false
	}
	for _, l := range c.Consumptions {
		if l.ItemCode == code {
			return l, true
		}
	}
	return ConsumptionLine{}, false
}

// Remainder returns the carried remainder for code, zero if absent.
func (c *Checkpoint) Remainder(code ItemCode) decimal.Decimal {
	l, ok := c.Line(code)
	if !ok {
		return decimal.Zero
	}
	return l.Remainder
}

// Billable returns the lines that bill something this cycle.
func (c *Checkpoint) Billable() []ConsumptionLine {
	var out []ConsumptionLine
	for _, l := range c.Consumptions {
		if l.BillingAmount.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Stamp assigns identity and creation time. Computation functions leave
// both empty so that they stay deterministic.
func (c Checkpoint) Stamp(id CheckpointID, at time.Time, invoiceID string) Checkpoint {
	c.ID = id
	c.CreatedAt = at
	c.InvoiceID = invoiceID
	return c
}

// =============================================================================
// CONSUMPTION LINE
// =============================================================================

// ConsumptionLine is the balance of one item code inside a Checkpoint.
//
// For emission checkpoints:
//
//	TotalAmountWithPrevious = TotalAmount + previous Remainder
//	BillingAmount           = floor(TotalAmountWithPrevious / factor) * factor
//	Remainder               = TotalAmountWithPrevious - BillingAmount
//
// For correction checkpoints TotalAmount and UsedAmount hold the reversed
// (negated) amounts and TotalAmountWithPrevious equals the new Remainder.
type ConsumptionLine struct {
	ItemCode                ItemCode
	RoundingFactor          decimal.Decimal
	TotalAmount             decimal.Decimal
	TotalAmountWithPrevious decimal.Decimal
	BillingAmount           decimal.Decimal
	UsedAmount              decimal.Decimal
	Remainder               decimal.Decimal
	Description             string
}

// Carried returns the line as it appears in a checkpoint that did not
// touch the code: same remainder, no new consumption.
func (l ConsumptionLine) Carried() ConsumptionLine {
	return ConsumptionLine{
		ItemCode:                l.ItemCode,
		RoundingFactor:          l.RoundingFactor,
		TotalAmount:             decimal.Zero,
		TotalAmountWithPrevious: l.Remainder,
		BillingAmount:           decimal.Zero,
		UsedAmount:              decimal.Zero,
		Remainder:               l.Remainder,
		Description:             l.Description,
	}
}
