/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Decimals are rendered as JSON strings ("24.40"), never floats.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// StandardInvoiceRequest asks for one invoice over the given units.
type StandardInvoiceRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

// CreditNoteRequest cancels units of an invoice. Empty UnitIDs cancels
// every unit.
type CreditNoteRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

// SammelCycleRequest optionally pins the cycle day.
type SammelCycleRequest struct {
	At string `json:"at,omitempty"` // RFC3339
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// GenerationRequestDTO is the state of one generation job.
type GenerationRequestDTO struct {
	ID                string   `json:"id"`
	Kind              string   `json:"kind"`
	Status            string   `json:"status"`
	DoctorID          string   `json:"doctor_id,omitempty"`
	UnitIDs           []string `json:"unit_ids,omitempty"`
	OriginalInvoiceID string   `json:"original_invoice_id,omitempty"`
	InvoiceID         string   `json:"invoice_id,omitempty"`
	CheckpointID      string   `json:"checkpoint_id,omitempty"`
	Error             string   `json:"error,omitempty"`
	Attempts          int      `json:"attempts"`
	CreatedAt         string   `json:"created_at,omitempty"`
	UpdatedAt         string   `json:"updated_at,omitempty"`
}

// InvoiceDTO represents an invoice or credit note.
type InvoiceDTO struct {
	ID                  string           `json:"id"`
	Number              string           `json:"number"`
	Type                string           `json:"type"`
	Status              string           `json:"status"`
	DoctorID            string           `json:"doctor_id,omitempty"`
	BillObjRefs         []string         `json:"bill_obj_refs"`
	SammelCheckpointRef string           `json:"sammel_checkpoint_ref,omitempty"`
	OriginalInvoiceID   string           `json:"original_invoice_id,omitempty"`
	Lines               []InvoiceLineDTO `json:"lines"`
	Net                 decimal.Decimal  `json:"net"`
	Tax                 decimal.Decimal  `json:"tax"`
	Total               decimal.Decimal  `json:"total"`
	Currency            string           `json:"currency"`
	DueDate             string           `json:"due_date,omitempty"`
	CreatedAt           string           `json:"created_at"`
}

type InvoiceLineDTO struct {
	UnitID      string          `json:"unit_id,omitempty"`
	ItemCode    string          `json:"item_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// CheckpointDTO represents one ledger checkpoint.
type CheckpointDTO struct {
	ID           string               `json:"id"`
	DoctorID     string               `json:"doctor_id"`
	Kind         string               `json:"kind"`
	InvoiceID    string               `json:"invoice_id,omitempty"`
	ReversesID   string               `json:"reverses_id,omitempty"`
	CreatedAt    string               `json:"created_at"`
	Consumptions []ConsumptionLineDTO `json:"consumptions"`
	SourceIDs    []string             `json:"source_ids,omitempty"`
}

type ConsumptionLineDTO struct {
	ItemCode                string          `json:"item_code"`
	RoundingFactor          decimal.Decimal `json:"rounding_factor"`
	TotalAmount             decimal.Decimal `json:"total_amount"`
	TotalAmountWithPrevious decimal.Decimal `json:"total_amount_with_previous"`
	BillingAmount           decimal.Decimal `json:"billing_amount"`
	UsedAmount              decimal.Decimal `json:"used_amount"`
	Remainder               decimal.Decimal `json:"remainder"`
	Description             string          `json:"description,omitempty"`
}

// SnapshotResultDTO lists the units stored from a snapshot.
type SnapshotResultDTO struct {
	CaseID string    `json:"case_id"`
	Units  []UnitDTO `json:"units"`
	Count  int       `json:"count"`
}

type UnitDTO struct {
	ID         string `json:"id"`
	DoctorID   string `json:"doctor_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Generation int    `json:"generation"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toRequestDTO(r billing.GenerationRequest) GenerationRequestDTO {
	units := make([]string, len(r.UnitIDs))
	for i, id := range r.UnitIDs {
		units[i] = string(id)
	}
	return GenerationRequestDTO{
		ID:                string(r.ID),
		Kind:              string(r.Kind),
		Status:            string(r.Status),
		DoctorID:          string(r.DoctorID),
		UnitIDs:           units,
		OriginalInvoiceID: string(r.OriginalInvoiceID),
		InvoiceID:         string(r.InvoiceID),
		CheckpointID:      string(r.CheckpointID),
		Error:             r.Error,
		Attempts:          r.Attempts,
		CreatedAt:         formatTime(r.CreatedAt),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	refs := make([]string, len(inv.BillObjRefs))
	for i, id := range inv.BillObjRefs {
		refs[i] = string(id)
	}
	lines := make([]InvoiceLineDTO, len(inv.Lines))
	for i, l := range inv.Lines {
		lines[i] = InvoiceLineDTO{
			UnitID:      string(l.UnitID),
			ItemCode:    string(l.ItemCode),
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Amount,
		}
	}
	return InvoiceDTO{
		ID:                  string(inv.ID),
		Number:              inv.Number,
		Type:                string(inv.Type),
		Status:              string(inv.Status),
		DoctorID:            string(inv.DoctorID),
		BillObjRefs:         refs,
		SammelCheckpointRef: string(inv.SammelCheckpointRef),
		OriginalInvoiceID:   string(inv.OriginalInvoiceID),
		Lines:               lines,
		Net:                 inv.Net,
		Tax:                 inv.Tax,
		Total:               inv.Total,
		Currency:            inv.Currency,
		DueDate:             formatTime(inv.DueDate),
		CreatedAt:           formatTime(inv.CreatedAt),
	}
}

func toCheckpointDTO(cp ledger.Checkpoint) CheckpointDTO {
	lines := make([]ConsumptionLineDTO, len(cp.Consumptions))
	for i, l := range cp.Consumptions {
		lines[i] = ConsumptionLineDTO{
			ItemCode:                string(l.ItemCode),
			RoundingFactor:          l.RoundingFactor,
			TotalAmount:             l.TotalAmount,
			TotalAmountWithPrevious: l.TotalAmountWithPrevious,
			BillingAmount:           l.BillingAmount,
			UsedAmount:              l.UsedAmount,
			Remainder:               l.Remainder,
			Description:             l.Description,
		}
	}
	sources := make([]string, len(cp.SourceIDs))
	for i, s := range cp.SourceIDs {
		sources[i] = string(s)
	}
	return CheckpointDTO{
		ID:           string(cp.ID),
		DoctorID:     string(cp.DoctorID),
		Kind:         string(cp.Kind),
		InvoiceID:    cp.InvoiceID,
		ReversesID:   string(cp.ReversesID),
		CreatedAt:    formatTime(cp.CreatedAt),
		Consumptions: lines,
		SourceIDs:    sources,
	}
}

func toUnitDTO(u billing.BillingUnit) UnitDTO {
	return UnitDTO{
		ID:         string(u.ID),
		DoctorID:   string(u.DoctorID),
		Kind:       string(u.Kind),
		Status:     string(u.Status),
		Generation: u.Generation,
	}
}
