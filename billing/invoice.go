/*
invoice.go - Building invoices and credit notes

PURPOSE:
  Turns a computed checkpoint (Sammel) or a set of units (standard) into
  priced invoice lines. Numbering, identity and persistence are left to
  the caller, which allocates them inside its commit.

PRICING:
  Sammel lines bill the checkpoint's BillingAmount per item code at the
  unit price carried by the cycle's usage records. Standard lines bill
  each unit's Amount. Tax is Net * TaxRate rounded to cents. Credit notes
  negate the lines they reverse.
*/
package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sammel-billing/ledger"
)

// Pricing is the injected tax and payment configuration.
type Pricing struct {
	TaxRate  decimal.Decimal
	DueDays  int
	Currency string
}

// Draft carries the identity fields assigned by the caller.
type Draft struct {
	ID        InvoiceID
	CreatedAt time.Time
}

// SingleDoctor returns the doctor all units belong to.
func SingleDoctor(units []BillingUnit) (ledger.DoctorID, error) {
	if len(units) == 0 {
		return "", ErrUnitNotFound
	}
	doctor := units[0].DoctorID
	for _, u := range units[1:] {
		if u.DoctorID != doctor {
			return "", ErrMultiDoctorInvoice
		}
	}
	return doctor, nil
}

// NewSammelInvoice prices the billable lines of cp. units are the Sammel
// units whose usage cp incorporated.
func NewSammelInvoice(d Draft, cp ledger.Checkpoint, records []ledger.UsageRecord, units []BillingUnit, p Pricing) (Invoice, error) {
	doctor, err := SingleDoctor(units)
	if err != nil {
		return Invoice{}, err
	}
	if doctor != cp.DoctorID {
		return Invoice{}, ErrMultiDoctorInvoice
	}
	for _, u := range units {
		if u.Kind != UnitSammel {
			return Invoice{}, ErrUnitKindMismatch
		}
	}

	prices := priceByCode(records)
	var lines []InvoiceLine
	for _, l := range cp.Billable() {
		price := prices[l.ItemCode]
		lines = append(lines, InvoiceLine{
			ItemCode:    l.ItemCode,
			Description: l.Description,
			Quantity:    l.BillingAmount,
			UnitPrice:   price,
			Amount:      l.BillingAmount.Mul(price),
		})
	}

	inv := Invoice{
		ID:                  d.ID,
		Type:                InvoiceSammel,
		Status:              StatusEmitted,
		DoctorID:            doctor,
		BillObjRefs:         UnitIDs(units),
		SammelCheckpointRef: cp.ID,
		Lines:               lines,
		CreatedAt:           d.CreatedAt,
	}
	applyTotals(&inv, p)
	return inv, nil
}

// NewStandardInvoice bills each unit's Amount on one line.
func NewStandardInvoice(d Draft, units []BillingUnit, p Pricing) (Invoice, error) {
	if len(units) == 0 {
		return Invoice{}, ErrUnitNotFound
	}
	doctor, err := SingleDoctor(units)
	if err != nil {
		doctor = "" // standard invoices may span doctors
	}

	lines := make([]InvoiceLine, 0, len(units))
	for _, u := range units {
		if u.Kind != UnitStandard {
			return Invoice{}, ErrUnitKindMismatch
		}
		lines = append(lines, InvoiceLine{
			UnitID:      u.ID,
			Description: "case " + string(u.CaseID),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   u.Amount,
			Amount:      u.Amount,
		})
	}

	inv := Invoice{
		ID:          d.ID,
		Type:        InvoiceStandard,
		Status:      StatusEmitted,
		DoctorID:    doctor,
		BillObjRefs: UnitIDs(units),
		Lines:       lines,
		CreatedAt:   d.CreatedAt,
	}
	applyTotals(&inv, p)
	return inv, nil
}

// NewCreditNote reverses the cancelled part of original.
//
// For a standard invoice the lines of the cancelled units are negated. For
// a Sammel invoice the lines of every item code the correction checkpoint
// reversed are negated: the correction returns all of their billed units
// to the ledger.
func NewCreditNote(d Draft, original Invoice, cancelled []BillingUnit, correction *ledger.Checkpoint, p Pricing) Invoice {
	var lines []InvoiceLine
	switch original.Type {
	case InvoiceSammel:
		for _, l := range original.Lines {
			cl, ok := correction.Line(l.ItemCode)
			if !ok || cl.UsedAmount.IsZero() {
				continue
			}
			lines = append(lines, negate(l))
		}
	default:
		ids := make(map[UnitID]bool, len(cancelled))
		for _, u := range cancelled {
			ids[u.ID] = true
		}
		for _, l := range original.Lines {
			if ids[l.UnitID] {
				lines = append(lines, negate(l))
			}
		}
	}

	inv := Invoice{
		ID:                d.ID,
		Type:              InvoiceCreditNote,
		Status:            StatusEmitted,
		DoctorID:          original.DoctorID,
		BillObjRefs:       UnitIDs(cancelled),
		OriginalInvoiceID: original.ID,
		Lines:             lines,
		CreatedAt:         d.CreatedAt,
	}
	if correction != nil {
		inv.SammelCheckpointRef = correction.ID
	}
	applyTotals(&inv, p)
	return inv
}

func negate(l InvoiceLine) InvoiceLine {
	l.Quantity = l.Quantity.Neg()
	l.Amount = l.Amount.Neg()
	return l
}

func applyTotals(inv *Invoice, p Pricing) {
	net := decimal.Zero
	for _, l := range inv.Lines {
		net = net.Add(l.Amount)
	}
	inv.Net = net
	inv.Tax = net.Mul(p.TaxRate).Round(2)
	inv.Total = inv.Net.Add(inv.Tax)
	inv.Currency = p.Currency
	inv.DueDate = inv.CreatedAt.AddDate(0, 0, p.DueDays)
}

// priceByCode picks one unit price per item code: the first non-zero price
// in source id order.
func priceByCode(records []ledger.UsageRecord) map[ledger.ItemCode]decimal.Decimal {
	sorted := append([]ledger.UsageRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	out := make(map[ledger.ItemCode]decimal.Decimal)
	for _, r := range sorted {
		if _, ok := out[r.ItemCode]; ok || r.UnitPrice.IsZero() {
			continue
		}
		out[r.ItemCode] = r.UnitPrice
	}
	return out
}
