package billing

import (
	"time"
)

// =============================================================================
// TRANSITION TABLES
// =============================================================================

var unitTransitions = map[Status][]Status{
	StatusCreated:            {StatusEmitted},
	StatusEmitted:            {StatusCancelled, StatusPartiallyCancelled},
	StatusPartiallyCancelled: {StatusCancelled},
	StatusCancelled:          {StatusCreated}, // reset for re-billing only
}

var invoiceTransitions = map[Status][]Status{
	StatusEmitted:            {StatusCancelled, StatusPartiallyCancelled},
	StatusPartiallyCancelled: {StatusPartiallyCancelled, StatusCancelled},
}

func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// UNIT TRANSITIONS
// =============================================================================

// Transition moves the unit to status to, or returns a *TransitionError.
func (u *BillingUnit) Transition(to Status, at time.Time) error {
	if !allowed(unitTransitions, u.Status, to) {
		return &TransitionError{Entity: "unit", ID: string(u.ID), From: u.Status, To: to}
	}
	u.Status = to
	u.UpdatedAt = at
	return nil
}

// Claim marks the unit as owned by owner. Re-claiming by the same owner
// succeeds, so a redelivered job picks up its own units.
func (u *BillingUnit) Claim(owner string, at time.Time) error {
	if u.Status != StatusCreated {
		return &TransitionError{Entity: "unit", ID: string(u.ID), From: u.Status, To: StatusCreated}
	}
	if u.IsClaimed(owner) {
		return &ClaimError{Units: []UnitID{u.ID}, Owner: u.ClaimedBy}
	}
	u.ElaborationInProgress = true
	u.ClaimedBy = owner
	u.ClaimedAt = at
	return nil
}

// Release clears the claim.
func (u *BillingUnit) Release() {
	u.ElaborationInProgress = false
	u.ClaimedBy = ""
	u.ClaimedAt = time.Time{}
}

// Emit records the unit as billed on invoiceID and clears the claim.
func (u *BillingUnit) Emit(invoiceID InvoiceID, at time.Time) error {
	if err := u.Transition(StatusEmitted, at); err != nil {
		return err
	}
	u.InvoiceID = invoiceID
	u.Release()
	return nil
}

// ResetForRebilling starts a new lifecycle instance of a cancelled unit.
func (u *BillingUnit) ResetForRebilling(at time.Time) error {
	if err := u.Transition(StatusCreated, at); err != nil {
		return err
	}
	u.Generation++
	u.InvoiceID = ""
	u.Release()
	return nil
}

// =============================================================================
// INVOICE TRANSITIONS
// =============================================================================

// Transition moves the invoice to status to, or returns a *TransitionError.
func (inv *Invoice) Transition(to Status) error {
	if !allowed(invoiceTransitions, inv.Status, to) {
		return &TransitionError{Entity: "invoice", ID: string(inv.ID), From: inv.Status, To: to}
	}
	inv.Status = to
	return nil
}

// =============================================================================
// CANCELLATION PLAN
// =============================================================================

// CancellationPlan is the validated outcome of cancelling units of an
// invoice, before anything is persisted.
type CancellationPlan struct {
	Invoice   Invoice       // with its new status
	Cancelled []BillingUnit // status CANCELLED, in BillObjRefs order
	From      map[UnitID]Status
}

// PlanCancellation validates cancelling unitIDs of inv. units must be the
// invoice's current units. An empty unitIDs cancels every unit still
// emitted on the invoice.
//
// The invoice becomes CANCELLED when no unit remains emitted on it and
// PARTIALLY_CANCELLED otherwise.
func PlanCancellation(inv Invoice, units []BillingUnit, unitIDs []UnitID, at time.Time) (CancellationPlan, error) {
	if inv.Type == InvoiceCreditNote {
		return CancellationPlan{}, ErrNotCreditable
	}
	if inv.Type == InvoiceSammel && inv.Status != StatusEmitted {
		return CancellationPlan{}, ErrAlreadyReversed
	}

	byID := make(map[UnitID]BillingUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	selected := make(map[UnitID]bool, len(unitIDs))
	for _, id := range unitIDs {
		if !inv.References(id) {
			return CancellationPlan{}, &unitRefError{unit: id, invoice: inv.ID}
		}
		selected[id] = true
	}

	plan := CancellationPlan{From: make(map[UnitID]Status)}
	remaining := 0
	for _, ref := range inv.BillObjRefs {
		u, ok := byID[ref]
		if !ok {
			return CancellationPlan{}, &unitRefError{unit: ref, invoice: inv.ID, missing: true}
		}
		onInvoice := u.Status == StatusEmitted && u.InvoiceID == inv.ID
		cancel := selected[ref] || (len(unitIDs) == 0 && onInvoice)
		if !cancel {
			if onInvoice {
				remaining++
			}
			continue
		}
		if !onInvoice {
			return CancellationPlan{}, &TransitionError{Entity: "unit", ID: string(u.ID), From: u.Status, To: StatusCancelled}
		}
		plan.From[u.ID] = u.Status
		if err := u.Transition(StatusCancelled, at); err != nil {
			return CancellationPlan{}, err
		}
		plan.Cancelled = append(plan.Cancelled, u)
	}
	if len(plan.Cancelled) == 0 {
		return CancellationPlan{}, &TransitionError{Entity: "invoice", ID: string(inv.ID), From: inv.Status, To: StatusCancelled}
	}

	target := StatusCancelled
	if remaining > 0 {
		target = StatusPartiallyCancelled
	}
	if err := inv.Transition(target); err != nil {
		return CancellationPlan{}, err
	}
	plan.Invoice = inv
	return plan, nil
}

type unitRefError struct {
	unit    UnitID
	invoice InvoiceID
	missing bool
}

func (e *unitRefError) Error() string {
	if e.missing {
		return "invoice " + string(e.invoice) + ": unit " + string(e.unit) + " not found"
	}
	return "invoice " + string(e.invoice) + ": unit " + string(e.unit) + " not billed"
}

func (e *unitRefError) Unwrap() error {
	if e.missing {
		return ErrUnitNotFound
	}
	return ErrUnitNotOnInvoice
}
