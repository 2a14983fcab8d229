package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDoctorMismatch is returned when a usage record or checkpoint belongs
	// to a different doctor than the one being computed.
	ErrDoctorMismatch = errors.New("usage belongs to a different doctor")

	// ErrNegativeQuantity is returned for a usage record with quantity < 0.
	ErrNegativeQuantity = errors.New("negative usage quantity")

	// ErrFactorConflict is returned when records of the same item code carry
	// different rounding factors in one computation.
	ErrFactorConflict = errors.New("conflicting rounding factors")

	// ErrNotEmission is returned when a correction is requested for a
	// checkpoint that was not produced by an emission.
	ErrNotEmission = errors.New("checkpoint is not an emission")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// RecordError points at the usage record that made a computation fail.
type RecordError struct {
	SourceID SourceID
	ItemCode ItemCode
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("usage record %s (%s): %v", e.SourceID, e.ItemCode, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
