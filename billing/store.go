/*
store.go - Persistence contract for units, invoices and checkpoints

PURPOSE:
  Defines the interface between the generation worker and the database.
  Checkpoints and unit transitions are append-only. Billing units have one
  mutable status and claim row. Invoices are written once and only their
  status changes.

ATOMIC COMMIT:
  Everything a job produces is written through WithTx: checkpoint,
  invoice and number, unit transitions, claim clear and request state.
  Either all of it is visible or none of it is. The request row is part of
  the commit, which is what makes a redelivered job a no-op.

CLAIMS:
  ClaimUnits and ClaimSammelUnits are atomic conditional updates and run
  outside any lock. A unit claimed by another owner is never returned.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - worker/generator.go: The only writer
*/
package billing

import (
	"context"
	"time"

	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// READER - Queries usable inside and outside a transaction
// =============================================================================

type Reader interface {
	// LatestCheckpoint returns the doctor's current checkpoint, nil if none.
	LatestCheckpoint(ctx context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error)

	// GetCheckpoint returns ErrCheckpointNotFound for an unknown id.
	GetCheckpoint(ctx context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error)

	// CheckpointBefore returns the checkpoint preceding id in its doctor's
	// chain, nil when id is the first.
	CheckpointBefore(ctx context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error)

	// ListCheckpoints returns the doctor's chain, oldest first.
	ListCheckpoints(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error)

	// IncorporatedSources returns every source id the doctor's chain holds.
	IncorporatedSources(ctx context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error)

	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// GetUnits returns units in the order of ids, ErrUnitNotFound if any
	// is missing.
	GetUnits(ctx context.Context, ids []UnitID) ([]BillingUnit, error)

	GetRequest(ctx context.Context, id RequestID) (GenerationRequest, error)

	ListTransitions(ctx context.Context, unitID UnitID) ([]UnitTransition, error)
}

// =============================================================================
// TX - Writes of one atomic commit
// =============================================================================

type Tx interface {
	Reader

	// InsertCheckpoint appends a checkpoint. Never updated afterwards.
	InsertCheckpoint(ctx context.Context, cp ledger.Checkpoint) error

	InsertInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoiceStatus is the only mutation of a stored invoice.
	UpdateInvoiceStatus(ctx context.Context, id InvoiceID, status Status) error

	// NextInvoiceNumber allocates the next sequence of year. Gap-free as
	// long as the caller serializes allocation and the commit succeeds.
	NextInvoiceNumber(ctx context.Context, year int) (int, error)

	// UpdateUnit writes the unit's status, claim, generation and invoice.
	UpdateUnit(ctx context.Context, u BillingUnit) error

	SaveRequest(ctx context.Context, r GenerationRequest) error

	AppendTransition(ctx context.Context, t UnitTransition) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// SaveUnits inserts new units and refreshes CREATED, unclaimed ones.
	// Returns ErrDoubleDoctorAssignment if a stored unit has another
	// doctor.
	SaveUnits(ctx context.Context, units []BillingUnit) error

	// ClaimUnits claims every id for owner or none of them. Units held by
	// another owner fail with a *ClaimError.
	ClaimUnits(ctx context.Context, ids []UnitID, owner string, at time.Time) ([]BillingUnit, error)

	// ClaimSammelUnits claims the doctor's CREATED Sammel units not held by
	// another owner.
	ClaimSammelUnits(ctx context.Context, doctorID ledger.DoctorID, owner string, at time.Time) ([]BillingUnit, error)

	// ReleaseClaims clears every claim held by owner.
	ReleaseClaims(ctx context.Context, owner string) error

	// ReleaseStaleClaims clears claims taken before cutoff.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error)

	// DoctorsWithOpenSammel lists doctors having CREATED Sammel units.
	DoctorsWithOpenSammel(ctx context.Context) ([]ledger.DoctorID, error)

	// SaveRequest writes a request outside a commit, e.g. PENDING or FAILED.
	// A COMPLETED or NO_CONTENT row is left as is.
	SaveRequest(ctx context.Context, r GenerationRequest) error

	// WithTx runs fn in a transaction, rolled back if fn returns an error.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
