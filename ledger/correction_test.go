package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/sammel-billing/ledger"
)

// emit computes an emission and stamps it so it can be reversed.
func emit(t *testing.T, id string, records []ledger.UsageRecord, previous *ledger.Checkpoint) ledger.Checkpoint {
	t.Helper()
	var prevLines []ledger.ConsumptionLine
	if previous != nil {
		prevLines = previous.Consumptions
	}
	cp, err := ledger.ComputeCheckpoint(records, prevLines, "D")
	require.NoError(t, err)
	cp.ID = ledger.CheckpointID(id)
	return cp
}

func seed(code, remainder, factor string) *ledger.Checkpoint {
	return &ledger.Checkpoint{
		ID:           "cp-0",
		DoctorID:     "D",
		Kind:         ledger.KindEmission,
		Consumptions: []ledger.ConsumptionLine{remainderLine(code, remainder, factor)},
	}
}

func TestReverseCheckpoint_OverbilledEmissionGrowsRemainder(t *testing.T) {
	// GIVEN: Remainder 3 for A (factor 5), then an emission consuming 9 that billed 10
	// WHEN: That emission is cancelled
	// THEN: New remainder = 3 - (9 - 10) = 4

	before := seed("A", "3", "5")
	cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "9", "5", "s1")}, before)

	corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled:  cancelled,
		LastBefore: before,
	}, ledger.CorrectionOptions{})
	require.NoError(t, err)

	line := mustLine(t, corr, "A")
	assertDecimal(t, "-9", line.TotalAmount, "reversed consumption")
	assertDecimal(t, "-10", line.UsedAmount, "reversed used")
	assertDecimal(t, "0", line.BillingAmount, "billing")
	assertDecimal(t, "4", line.Remainder, "remainder")
	assertDecimal(t, "4", line.TotalAmountWithPrevious, "total with previous")
	assert.Equal(t, ledger.KindCorrection, corr.Kind)
	assert.Equal(t, ledger.CheckpointID("cp-1"), corr.ReversesID)
	assert.Empty(t, corr.SourceIDs)
}

func TestReverseCheckpoint_RoundTripRestoresRemainder(t *testing.T) {
	// GIVEN: Emissions whose consumption is all billed (consumed == used)
	// WHEN: The emission is reversed
	// THEN: Every remainder equals the one before the emission

	cases := []struct {
		name    string
		factor  string
		prev    string
		consume string
	}{
		{"whole packs", "5", "2", "10"},
		{"unrounded", "", "0", "1.5"},
		{"nothing consumed", "5", "4", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := seed("A", tc.prev, tc.factor)
			cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", tc.consume, tc.factor, "s1")}, before)

			corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
				Cancelled:        cancelled,
				LastBefore:       before,
				CancelledRecords: []ledger.UsageRecord{usage("D", "A", tc.consume, tc.factor, "s1")},
			}, ledger.CorrectionOptions{})
			require.NoError(t, err)

			assertDecimal(t, tc.prev, corr.Remainder("A"), "restored remainder")
		})
	}
}

func TestReverseCheckpoint_FirstEmissionHasNoPrevious(t *testing.T) {
	cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "10", "5", "s1")}, nil)

	corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{Cancelled: cancelled}, ledger.CorrectionOptions{})
	require.NoError(t, err)

	assertDecimal(t, "0", corr.Remainder("A"), "remainder")
}

func TestReverseCheckpoint_UntouchedCodesCarriedFromCurrent(t *testing.T) {
	// GIVEN: cp-1 consumed A; a later cp-2 consumed B
	// WHEN: cp-1 is cancelled with cp-2 as the current checkpoint
	// THEN: A is corrected, B keeps cp-2's remainder

	before := seed("A", "0", "5")
	cp1 := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "10", "5", "s1")}, before)
	cp2 := emit(t, "cp-2", []ledger.UsageRecord{usage("D", "B", "7", "5", "s2")}, &cp1)

	corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled:  cp1,
		LastBefore: before,
		Current:    &cp2,
	}, ledger.CorrectionOptions{})
	require.NoError(t, err)
	require.Len(t, corr.Consumptions, 2)

	b := mustLine(t, corr, "B")
	assertDecimal(t, "2", b.Remainder, "B carried")
	assertDecimal(t, "0", b.TotalAmount, "B untouched")

	a := mustLine(t, corr, "A")
	assertDecimal(t, "-10", a.TotalAmount, "A reversed")
	assertDecimal(t, "0", a.Remainder, "A restored")
}

func TestReverseCheckpoint_TouchedCodeRebuiltFromLastBefore(t *testing.T) {
	// GIVEN: cp-1 consumed 9 A (3 carried, 10 billed, 2 left); a later cp-2
	//        consumed 4 more A (5 billed, 1 left)
	// WHEN: cp-1 is cancelled with cp-2 as the current checkpoint
	// THEN: A's remainder is 3 - (9 - 10) = 4; cp-2's remainder of 1 is
	//       not part of the result

	before := seed("A", "3", "5")
	cp1 := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "9", "5", "s1")}, before)
	cp2 := emit(t, "cp-2", []ledger.UsageRecord{usage("D", "A", "4", "5", "s2")}, &cp1)
	assertDecimal(t, "1", mustLine(t, cp2, "A").Remainder, "current remainder")

	corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled:  cp1,
		LastBefore: before,
		Current:    &cp2,
	}, ledger.CorrectionOptions{})
	require.NoError(t, err)

	require.Len(t, corr.Consumptions, 1)
	a := mustLine(t, corr, "A")
	assertDecimal(t, "4", a.Remainder, "rebuilt from the checkpoint before cp-1")
	assertDecimal(t, "-9", a.TotalAmount, "only cp-1 is reversed")
}

func TestReverseCheckpoint_IgnoresRecordsNotIncorporated(t *testing.T) {
	before := seed("A", "0", "5")
	cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "5", "5", "s1")}, before)

	corr, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled:  cancelled,
		LastBefore: before,
		CancelledRecords: []ledger.UsageRecord{
			usage("D", "A", "5", "5", "s1"),
			usage("D", "A", "3", "5", "s-later"),
		},
	}, ledger.CorrectionOptions{})
	require.NoError(t, err)

	line := mustLine(t, corr, "A")
	assertDecimal(t, "-5", line.TotalAmount, "only incorporated usage reversed")
	assertDecimal(t, "0", line.Remainder, "remainder")
}

func TestReverseCheckpoint_Clamp(t *testing.T) {
	t.Run("above factor folds whole units", func(t *testing.T) {
		// 4 - (1 - 5) = 8, clamped to 8 mod 5 = 3
		before := seed("A", "4", "5")
		cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "1", "5", "s1")}, before)
		in := ledger.CorrectionInput{Cancelled: cancelled, LastBefore: before}

		literal, err := ledger.ReverseCheckpoint(in, ledger.CorrectionOptions{})
		require.NoError(t, err)
		assertDecimal(t, "8", literal.Remainder("A"), "literal")

		clamped, err := ledger.ReverseCheckpoint(in, ledger.CorrectionOptions{ClampRemainder: true})
		require.NoError(t, err)
		assertDecimal(t, "3", clamped.Remainder("A"), "clamped")
	})

	t.Run("negative raised to zero", func(t *testing.T) {
		// 0 - (3 - 0) = -3, clamped to 0
		before := seed("A", "0", "5")
		cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "3", "5", "s1")}, before)
		in := ledger.CorrectionInput{Cancelled: cancelled, LastBefore: before}

		literal, err := ledger.ReverseCheckpoint(in, ledger.CorrectionOptions{})
		require.NoError(t, err)
		assertDecimal(t, "-3", literal.Remainder("A"), "literal")

		clamped, err := ledger.ReverseCheckpoint(in, ledger.CorrectionOptions{ClampRemainder: true})
		require.NoError(t, err)
		assertDecimal(t, "0", clamped.Remainder("A"), "clamped")
	})
}

func TestReverseCheckpoint_RejectsCorrection(t *testing.T) {
	_, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{
		Cancelled: ledger.Checkpoint{ID: "cp-9", DoctorID: "D", Kind: ledger.KindCorrection},
	}, ledger.CorrectionOptions{})
	assert.ErrorIs(t, err, ledger.ErrNotEmission)
}

func TestReverseCheckpoint_RejectsForeignCurrent(t *testing.T) {
	cancelled := emit(t, "cp-1", []ledger.UsageRecord{usage("D", "A", "5", "5", "s1")}, nil)
	other := ledger.Checkpoint{ID: "cp-x", DoctorID: "OTHER", Kind: ledger.KindEmission}

	_, err := ledger.ReverseCheckpoint(ledger.CorrectionInput{Cancelled: cancelled, Current: &other}, ledger.CorrectionOptions{})
	assert.ErrorIs(t, err, ledger.ErrDoctorMismatch)
}
