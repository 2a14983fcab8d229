/*
Package snapshot converts case billing snapshots into billing units.

PURPOSE:
  The snapshot assembler collects a case, its contract and the relevant
  reference-table rows and hands over one JSON document. This package
  turns that document into BillingUnits. It never looks anything up on
  its own: reference data arrives resolved, or through a typed Resolver.

JSON SCHEMA:
  {
    "case_id": "case-881",
    "doctor_ids": ["doc-12"],
    "units": [
      {"id": "bo-1", "kind": "standard", "amount": "1250.00"},
      {
        "id": "pc-7",
        "kind": "sammel",
        "materials": [
          {"item_code": "SWAB", "quantity": 3, "rounding_factor": "5",
           "description": "Sterile swab", "unit_price": "0.80"}
        ]
      }
    ]
  }

ROUNDING FACTOR:
  Accepted as a JSON number or a numeric string. Anything else (missing,
  null, "box", negative) means unrounded. When absent, the Resolver is
  asked for the item code's reference value.

DOCTOR ASSIGNMENT:
  A unit takes its own doctor_id or, failing that, the case's single
  doctor. A Sammel unit that would be assigned to more than one doctor is
  rejected with billing.ErrDoubleDoctorAssignment.
*/
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
)

var (
	// ErrInvalidSnapshot is returned for a malformed document.
	ErrInvalidSnapshot = errors.New("invalid billing snapshot")

	// ErrMissingDoctor is returned when a unit cannot be assigned a doctor.
	ErrMissingDoctor = errors.New("unit has no doctor")
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CaseJSON struct {
	CaseID    string     `json:"case_id"`
	DoctorIDs []string   `json:"doctor_ids"`
	Units     []UnitJSON `json:"units"`
}

type UnitJSON struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	DoctorID  string          `json:"doctor_id,omitempty"`
	DoctorIDs []string        `json:"doctor_ids,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Materials []MaterialJSON  `json:"materials,omitempty"`
}

type MaterialJSON struct {
	ItemCode       string          `json:"item_code"`
	Quantity       decimal.Decimal `json:"quantity"`
	RoundingFactor json.RawMessage `json:"rounding_factor,omitempty"`
	Description    string          `json:"description,omitempty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

// =============================================================================
// RESOLVER - Typed reference-table capability
// =============================================================================

// Resolver supplies reference values the snapshot left out.
type Resolver interface {
	// RoundingFactor returns the raw reference value for code, ok false
	// when the table has no row.
	RoundingFactor(ctx context.Context, code ledger.ItemCode) (raw string, ok bool, err error)
}

// StaticResolver serves rounding factors from a fixed table.
type StaticResolver map[ledger.ItemCode]string

func (s StaticResolver) RoundingFactor(_ context.Context, code ledger.ItemCode) (string, bool, error) {
	raw, ok := s[code]
	return raw, ok, nil
}

// =============================================================================
// PARSER
// =============================================================================

type Parser struct {
	resolver Resolver
	now      func() time.Time
}

// NewParser creates a parser. resolver may be nil.
func NewParser(resolver Resolver, now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{resolver: resolver, now: now}
}

// Parse converts one snapshot document into CREATED billing units.
func (p *Parser) Parse(ctx context.Context, data []byte) ([]billing.BillingUnit, error) {
	var doc CaseJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return p.Convert(ctx, doc)
}

// Convert builds units from a decoded snapshot.
func (p *Parser) Convert(ctx context.Context, doc CaseJSON) ([]billing.BillingUnit, error) {
	if doc.CaseID == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidSnapshot)
	}

	now := p.now()
	seen := make(map[string]bool, len(doc.Units))
	units := make([]billing.BillingUnit, 0, len(doc.Units))
	for _, uj := range doc.Units {
		if uj.ID == "" {
			return nil, fmt.Errorf("%w: unit id is required", ErrInvalidSnapshot)
		}
		if seen[uj.ID] {
			return nil, fmt.Errorf("%w: duplicate unit %s", ErrInvalidSnapshot, uj.ID)
		}
		seen[uj.ID] = true

		u, err := p.convertUnit(ctx, doc, uj)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", uj.ID, err)
		}
		u.CreatedAt = now
		u.UpdatedAt = now
		units = append(units, u)
	}
	return units, nil
}

func (p *Parser) convertUnit(ctx context.Context, doc CaseJSON, uj UnitJSON) (billing.BillingUnit, error) {
	kind := billing.UnitKind(uj.Kind)
	if kind != billing.UnitStandard && kind != billing.UnitSammel {
		return billing.BillingUnit{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSnapshot, uj.Kind)
	}

	doctor, err := assignDoctor(doc, uj, kind)
	if err != nil {
		return billing.BillingUnit{}, err
	}

	u := billing.BillingUnit{
		ID:         billing.UnitID(uj.ID),
		CaseID:     billing.CaseID(doc.CaseID),
		DoctorID:   doctor,
		Kind:       kind,
		Status:     billing.StatusCreated,
		Generation: 1,
		Amount:     uj.Amount,
	}
	if uj.Amount.IsNegative() {
		return billing.BillingUnit{}, fmt.Errorf("%w: negative amount", ErrInvalidSnapshot)
	}

	for _, mj := range uj.Materials {
		if mj.ItemCode == "" {
			return billing.BillingUnit{}, fmt.Errorf("%w: material without item_code", ErrInvalidSnapshot)
		}
		if mj.Quantity.IsNegative() {
			return billing.BillingUnit{}, fmt.Errorf("material %s: %w", mj.ItemCode, ledger.ErrNegativeQuantity)
		}
		factor, err := p.factor(ctx, mj)
		if err != nil {
			return billing.BillingUnit{}, err
		}
		u.Materials = append(u.Materials, billing.Material{
			ItemCode:       ledger.ItemCode(mj.ItemCode),
			Quantity:       mj.Quantity,
			RoundingFactor: factor,
			Description:    mj.Description,
			UnitPrice:      mj.UnitPrice,
		})
	}
	return u, nil
}

func assignDoctor(doc CaseJSON, uj UnitJSON, kind billing.UnitKind) (ledger.DoctorID, error) {
	candidates := uj.DoctorIDs
	if uj.DoctorID != "" {
		candidates = append([]string{uj.DoctorID}, candidates...)
	}
	if len(candidates) == 0 {
		candidates = doc.DoctorIDs
	}

	distinct := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		dup := false
		for _, d := range distinct {
			if d == c {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, c)
		}
	}

	switch {
	case len(distinct) == 0:
		return "", ErrMissingDoctor
	case len(distinct) > 1 && kind == billing.UnitSammel:
		return "", fmt.Errorf("doctors %v: %w", distinct, billing.ErrDoubleDoctorAssignment)
	case len(distinct) > 1:
		return "", fmt.Errorf("%w: ambiguous doctor %v", ErrInvalidSnapshot, distinct)
	}
	return ledger.DoctorID(distinct[0]), nil
}

func (p *Parser) factor(ctx context.Context, mj MaterialJSON) (decimal.Decimal, error) {
	raw := bytes.TrimSpace(mj.RoundingFactor)
	if len(raw) == 0 {
		if p.resolver == nil {
			return decimal.Zero, nil
		}
		ref, ok, err := p.resolver.RoundingFactor(ctx, ledger.ItemCode(mj.ItemCode))
		if err != nil {
			return decimal.Zero, fmt.Errorf("resolve rounding factor %s: %w", mj.ItemCode, err)
		}
		if !ok {
			return decimal.Zero, nil
		}
		return ledger.ParseRoundingFactor(ref), nil
	}
	return ParseFactorJSON(raw), nil
}

// ParseFactorJSON reads a rounding factor given as a JSON number or
// numeric string. Anything else is zero.
func ParseFactorJSON(raw json.RawMessage) decimal.Decimal {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ledger.ParseRoundingFactor(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return ledger.ParseRoundingFactor(n.String())
	}
	return decimal.Zero
}
