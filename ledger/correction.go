/*
correction.go - Reversing an emission checkpoint

PURPOSE:
  When an invoice tied to a checkpoint is cancelled, the ledger must be
  wound back. Checkpoints are never edited: a new correction checkpoint is
  appended and becomes the doctor's current balance.

FORMULA (per item code touched by the cancelled emission):
  newRemainder = lastRemainderBeforeCancelled
               - (consumedInCancelledPeriod - usedInCancelledPeriod)

  Codes the cancelled emission did not touch are carried forward unchanged
  from the doctor's current checkpoint.

  A touched code is rebuilt from lastRemainderBeforeCancelled alone. What
  a later emission left in that code's remainder is replaced, not added.

REMAINDER ABOVE FACTOR:
  When the cancelled emission billed more than was consumed, the new
  remainder grows and may exceed the rounding factor:
    last remainder 3, consumed 9, used 10  =>  3 - (9 - 10) = 4
  That is the expected arithmetic. CorrectionOptions.ClampRemainder bounds
  the result to [0, factor) for deployments that want it.

ORDERING:
  The caller must run this after the cancelled units were validated as
  cancellable and before they are reset for re-billing, and must pass the
  doctor's latest checkpoint as current (re-fetched under the doctor lock).
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CorrectionOptions tunes ReverseCheckpoint.
type CorrectionOptions struct {
	// ClampRemainder raises negative remainders to zero and drops whole
	// units from remainders at or above the factor, so the result lies in
	// [0, factor). Off by default: the literal formula is applied.
	ClampRemainder bool
}

// CorrectionInput holds everything ReverseCheckpoint needs.
type CorrectionInput struct {
	// Cancelled is the emission being reversed.
	Cancelled Checkpoint

	// LastBefore is the checkpoint that preceded Cancelled for the same
	// doctor. Nil when Cancelled was the first.
	LastBefore *Checkpoint

	// Current is the doctor's latest checkpoint. Nil means Cancelled.
	Current *Checkpoint

	// CancelledRecords are the usage records of the cancelled units. Only
	// records the cancelled checkpoint incorporated are considered. When
	// empty the whole emission is reversed using its own totals.
	CancelledRecords []UsageRecord
}

// ReverseCheckpoint computes the correction checkpoint for a cancelled
// emission. Pure: no ID or CreatedAt is assigned.
func ReverseCheckpoint(in CorrectionInput, opts CorrectionOptions) (Checkpoint, error) {
	cancelled := in.Cancelled
	if cancelled.Kind != KindEmission {
		return Checkpoint{}, fmt.Errorf("reverse %s: %w", cancelled.ID, ErrNotEmission)
	}
	if in.LastBefore != nil && in.LastBefore.DoctorID != cancelled.DoctorID {
		return Checkpoint{}, fmt.Errorf("reverse %s: previous checkpoint %s: %w", cancelled.ID, in.LastBefore.ID, ErrDoctorMismatch)
	}
	current := in.Current
	if current == nil {
		current = &cancelled
	}
	if current.DoctorID != cancelled.DoctorID {
		return Checkpoint{}, fmt.Errorf("reverse %s: current checkpoint %s: %w", cancelled.ID, current.ID, ErrDoctorMismatch)
	}

	consumed, err := consumedByCode(cancelled, in.CancelledRecords)
	if err != nil {
		return Checkpoint{}, err
	}

	lines := make([]ConsumptionLine, 0, len(current.Consumptions)+len(consumed))
	for code, amount := range consumed {
		line, _ := cancelled.Line(code)
		newRemainder := in.LastBefore.Remainder(code).Sub(amount.Sub(line.UsedAmount))
		if opts.ClampRemainder {
			newRemainder = clamp(newRemainder, line.RoundingFactor)
		}
		lines = append(lines, ConsumptionLine{
			ItemCode:                code,
			RoundingFactor:          line.RoundingFactor,
			TotalAmount:             amount.Neg(),
			TotalAmountWithPrevious: newRemainder,
			BillingAmount:           decimal.Zero,
			UsedAmount:              line.UsedAmount.Neg(),
			Remainder:               newRemainder,
			Description:             line.Description,
		})
	}

	for _, l := range current.Consumptions {
		if _, touched := consumed[l.ItemCode]; touched {
			continue
		}
		lines = append(lines, l.Carried())
	}

	sortLines(lines)

	return Checkpoint{
		DoctorID:     cancelled.DoctorID,
		Kind:         KindCorrection,
		ReversesID:   cancelled.ID,
		Consumptions: lines,
	}, nil
}

// consumedByCode returns, per touched item code, how much the cancelled
// units had consumed.
func consumedByCode(cancelled Checkpoint, records []UsageRecord) (map[ItemCode]decimal.Decimal, error) {
	out := make(map[ItemCode]decimal.Decimal)

	if len(records) == 0 {
		for _, l := range cancelled.Consumptions {
			if l.TotalAmount.IsZero() {
				continue // carried line, not touched by this emission
			}
			out[l.ItemCode] = l.TotalAmount
		}
		return out, nil
	}

	incorporated := make(map[SourceID]bool, len(cancelled.SourceIDs))
	for _, s := range cancelled.SourceIDs {
		incorporated[s] = true
	}
	for _, r := range records {
		if !incorporated[r.SourceID] {
			continue
		}
		if r.DoctorID != cancelled.DoctorID {
			return nil, &RecordError{SourceID: r.SourceID, ItemCode: r.ItemCode, Err: ErrDoctorMismatch}
		}
		if _, ok := cancelled.Line(r.ItemCode); !ok {
			continue
		}
		out[r.ItemCode] = out[r.ItemCode].Add(r.Quantity)
	}
	return out, nil
}

func clamp(remainder, factor decimal.Decimal) decimal.Decimal {
	if !factor.IsPositive() {
		return decimal.Zero
	}
	if remainder.IsNegative() {
		return decimal.Zero
	}
	_, r := RoundDown(remainder, factor)
	return r
}
