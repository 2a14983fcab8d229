/*
ledger.go - Checkpoint computation and unit rounding

PURPOSE:
  Turns one cycle of usage into the doctor's next Checkpoint. Whole
  rounding units are billed, the fraction is carried to the next cycle.

ROUNDING RULE:
  factor > 0:
    billing   = floor(totalWithPrevious / factor) * factor
    remainder = totalWithPrevious - billing        (0 <= remainder < factor)
  factor = 0 (unrounded):
    billing   = totalWithPrevious
    remainder = 0

EXAMPLE:
  previous remainder 3 for item A, factor 5, this cycle consumes 9:
    totalWithPrevious = 12, billing = 10, remainder = 2

CARRY-FORWARD:
  Codes present in the previous checkpoint but not consumed this cycle are
  carried forward unchanged. The ledger is total-preserving: for every code,
  the sum of UsedAmount over a chain of emissions plus the last Remainder
  equals everything ever consumed.

SEE ALSO:
  - eligibility.go: Which records go into a computation
  - correction.go: Undoing an emission
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// RoundDown splits amount into the billable whole-unit part and the
// remainder for the given factor.
func RoundDown(amount, factor decimal.Decimal) (billing, remainder decimal.Decimal) {
	if !factor.IsPositive() {
		return amount, decimal.Zero
	}
	units := amount.Div(factor).Floor()
	billing = units.Mul(factor)
	return billing, amount.Sub(billing)
}

type accumulator struct {
	total       decimal.Decimal
	factor      decimal.Decimal
	description string
}

// ComputeCheckpoint produces the next checkpoint for doctorID from this
// cycle's usage and the previous checkpoint's lines.
//
// The returned checkpoint has no ID or CreatedAt; use Stamp. The function is
// pure: the same inputs always produce the same output, regardless of the
// order of records.
func ComputeCheckpoint(records []UsageRecord, previous []ConsumptionLine, doctorID DoctorID) (Checkpoint, error) {
	acc := make(map[ItemCode]*accumulator)
	sources := make([]SourceID, 0, len(records))

	for _, r := range records {
		if r.DoctorID != doctorID {
			return Checkpoint{}, &RecordError{SourceID: r.SourceID, ItemCode: r.ItemCode, Err: ErrDoctorMismatch}
		}
		if r.Quantity.IsNegative() {
			return Checkpoint{}, &RecordError{SourceID: r.SourceID, ItemCode: r.ItemCode, Err: ErrNegativeQuantity}
		}
		factor := r.RoundingFactor
		if factor.IsNegative() {
			factor = decimal.Zero
		}

		a, ok := acc[r.ItemCode]
		if !ok {
			a = &accumulator{total: decimal.Zero, factor: factor}
			acc[r.ItemCode] = a
		} else if !a.factor.Equal(factor) {
			return Checkpoint{}, &RecordError{SourceID: r.SourceID, ItemCode: r.ItemCode, Err: ErrFactorConflict}
		}
		a.total = a.total.Add(r.Quantity)
		// smallest non-empty description wins, independent of record order
		if r.Description != "" && (a.description == "" || r.Description < a.description) {
			a.description = r.Description
		}
		sources = append(sources, r.SourceID)
	}

	prev := make(map[ItemCode]ConsumptionLine, len(previous))
	for _, l := range previous {
		prev[l.ItemCode] = l
	}

	lines := make([]ConsumptionLine, 0, len(acc)+len(previous))
	for code, a := range acc {
		previousRemainder := decimal.Zero
		description := a.description
		if p, ok := prev[code]; ok {
			previousRemainder = p.Remainder
			if description == "" {
				description = p.Description
			}
		}

		withPrevious := a.total.Add(previousRemainder)
		billing, remainder := RoundDown(withPrevious, a.factor)

		used := billing
		if a.factor.IsZero() {
			used = withPrevious
		}

		lines = append(lines, ConsumptionLine{
			ItemCode:                code,
			RoundingFactor:          a.factor,
			TotalAmount:             a.total,
			TotalAmountWithPrevious: withPrevious,
			BillingAmount:           billing,
			UsedAmount:              used,
			Remainder:               remainder,
			Description:             description,
		})
	}

	for _, l := range previous {
		if _, touched := acc[l.ItemCode]; touched {
			continue
		}
		lines = append(lines, l.Carried())
	}

	sortLines(lines)
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	return Checkpoint{
		DoctorID:     doctorID,
		Kind:         KindEmission,
		Consumptions: lines,
		SourceIDs:    sources,
	}, nil
}

func sortLines(lines []ConsumptionLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemCode < lines[j].ItemCode })
}
