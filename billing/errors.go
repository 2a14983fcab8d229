package billing

import (
	"errors"
	"fmt"

	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnitNotFound is returned when a referenced billing unit doesn't exist.
	ErrUnitNotFound = errors.New("billing unit not found")

	// ErrInvoiceNotFound is returned when a referenced invoice doesn't exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrCheckpointNotFound is returned when a referenced checkpoint doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrRequestNotFound is returned for an unknown generation request.
	ErrRequestNotFound = errors.New("generation request not found")

	// ErrMultiDoctorInvoice is returned when a Sammel invoice would cover
	// units of more than one doctor.
	ErrMultiDoctorInvoice = errors.New("sammel invoice must reference exactly one doctor")

	// ErrDoubleDoctorAssignment is returned when a unit is assigned to more
	// than one doctor, or reassigned to another one.
	ErrDoubleDoctorAssignment = errors.New("unit assigned to more than one doctor")

	// ErrUnitAlreadyClaimed is returned when another job holds a unit.
	ErrUnitAlreadyClaimed = errors.New("billing unit claimed by another job")

	// ErrUnitNotOnInvoice is returned when a credit note names a unit the
	// invoice does not bill.
	ErrUnitNotOnInvoice = errors.New("unit is not billed by this invoice")

	// ErrAlreadyReversed is returned for a second credit note on a Sammel
	// invoice: its checkpoint can only be reversed once.
	ErrAlreadyReversed = errors.New("sammel checkpoint already reversed")

	// ErrNotCreditable is returned for a credit note on a credit note.
	ErrNotCreditable = errors.New("invoice cannot be credited")

	// ErrUnitKindMismatch is returned when a unit is billed on an invoice
	// type it does not belong to.
	ErrUnitKindMismatch = errors.New("unit kind does not match invoice type")

	// ErrDuplicateInvoiceNumber is returned when a number is allocated twice.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")

	// ErrConcurrentModification is returned when a conditional write finds
	// the row changed underneath it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAttemptsExhausted wraps the last error of a request that ran out
	// of attempts.
	ErrAttemptsExhausted = errors.New("generation attempts exhausted")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string // "unit" or "invoice"
	ID     string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: %s -> %s not allowed", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ClaimError lists the units another job holds.
type ClaimError struct {
	Units []UnitID
	Owner string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("units %v claimed by %s", e.Units, e.Owner)
}

func (e *ClaimError) Unwrap() error { return ErrUnitAlreadyClaimed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal returns true if retrying the job cannot succeed: a structural
// precondition is violated or a reference cannot be resolved.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrMultiDoctorInvoice) ||
		errors.Is(err, ErrDoubleDoctorAssignment) ||
		errors.Is(err, ErrUnitNotOnInvoice) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrNotCreditable) ||
		errors.Is(err, ErrUnitKindMismatch) ||
		errors.Is(err, ledger.ErrDoctorMismatch) ||
		errors.Is(err, ledger.ErrNegativeQuantity) ||
		errors.Is(err, ledger.ErrFactorConflict) ||
		errors.Is(err, ledger.ErrNotEmission) ||
		errors.Is(err, ErrAttemptsExhausted)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAttemptsExhausted) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrUnitAlreadyClaimed) ||
		errors.Is(err, ErrDuplicateInvoiceNumber)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}
