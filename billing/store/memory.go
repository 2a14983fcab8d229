// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	memoryState
}

type memoryState struct {
	checkpoints []ledger.Checkpoint // insertion order
	units       map[billing.UnitID]billing.BillingUnit
	invoices    map[billing.InvoiceID]billing.Invoice
	numbers     map[string]billing.InvoiceID
	sequences   map[int]int
	requests    map[billing.RequestID]billing.GenerationRequest
	transitions []billing.UnitTransition
}

var _ billing.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{memoryState: memoryState{
		units:     make(map[billing.UnitID]billing.BillingUnit),
		invoices:  make(map[billing.InvoiceID]billing.Invoice),
		numbers:   make(map[string]billing.InvoiceID),
		sequences: make(map[int]int),
		requests:  make(map[billing.RequestID]billing.GenerationRequest),
	}}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) LatestCheckpoint(ctx context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestCheckpoint(doctorID), nil
}

func (m *Memory) GetCheckpoint(ctx context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCheckpoint(id)
}

func (m *Memory) CheckpointBefore(ctx context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpointBefore(id)
}

func (m *Memory) ListCheckpoints(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain(doctorID), nil
}

func (m *Memory) IncorporatedSources(ctx context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.IncorporatedSources(m.chain(doctorID)), nil
}

func (m *Memory) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoice(id)
}

func (m *Memory) GetUnits(ctx context.Context, ids []billing.UnitID) ([]billing.BillingUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUnits(ids)
}

func (m *Memory) GetRequest(ctx context.Context, id billing.RequestID) (billing.GenerationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequest(id)
}

func (m *Memory) ListTransitions(ctx context.Context, unitID billing.UnitID) ([]billing.UnitTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransitions(unitID), nil
}

// =============================================================================
// UNITS AND CLAIMS
// =============================================================================

func (m *Memory) SaveUnits(ctx context.Context, units []billing.BillingUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range units {
		existing, ok := m.units[u.ID]
		if ok && existing.DoctorID != u.DoctorID {
			return fmt.Errorf("unit %s: %w", u.ID, billing.ErrDoubleDoctorAssignment)
		}
	}
	for _, u := range units {
		existing, ok := m.units[u.ID]
		if !ok {
			m.units[u.ID] = u
			continue
		}
		if existing.Status != billing.StatusCreated || existing.ElaborationInProgress {
			continue // owned by the lifecycle now
		}
		existing.CaseID = u.CaseID
		existing.Kind = u.Kind
		existing.Amount = u.Amount
		existing.Materials = u.Materials
		existing.UpdatedAt = u.UpdatedAt
		m.units[u.ID] = existing
	}
	return nil
}

func (m *Memory) ClaimUnits(ctx context.Context, ids []billing.UnitID, owner string, at time.Time) ([]billing.BillingUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	units, err := m.getUnits(ids)
	if err != nil {
		return nil, err
	}
	// Check everything first so a failure claims nothing
	for i := range units {
		probe := units[i]
		if err := probe.Claim(owner, at); err != nil {
			return nil, err
		}
	}
	for i := range units {
		_ = units[i].Claim(owner, at)
		m.units[units[i].ID] = units[i]
	}
	return units, nil
}

func (m *Memory) ClaimSammelUnits(ctx context.Context, doctorID ledger.DoctorID, owner string, at time.Time) ([]billing.BillingUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []billing.BillingUnit
	for _, u := range m.units {
		if u.DoctorID != doctorID || u.Kind != billing.UnitSammel {
			continue
		}
		if err := u.Claim(owner, at); err != nil {
			continue
		}
		m.units[u.ID] = u
		claimed = append(claimed, u)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (m *Memory) ReleaseClaims(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, u := range m.units {
		if u.ElaborationInProgress && u.ClaimedBy == owner {
			u.Release()
			m.units[id] = u
		}
	}
	return nil
}

func (m *Memory) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, u := range m.units {
		if u.ElaborationInProgress && u.ClaimedAt.Before(cutoff) {
			u.Release()
			m.units[id] = u
			n++
		}
	}
	return n, nil
}

func (m *Memory) DoctorsWithOpenSammel(ctx context.Context) ([]ledger.DoctorID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.DoctorID]bool)
	var out []ledger.DoctorID
	for _, u := range m.units {
		if u.Kind == billing.UnitSammel && u.Status == billing.StatusCreated && !seen[u.DoctorID] {
			seen[u.DoctorID] = true
			out = append(out, u.DoctorID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) SaveRequest(ctx context.Context, r billing.GenerationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRequest(r)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.memoryState = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.memoryState = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() memoryState {
	s := memoryState{
		checkpoints: append([]ledger.Checkpoint(nil), m.checkpoints...),
		units:       make(map[billing.UnitID]billing.BillingUnit, len(m.units)),
		invoices:    make(map[billing.InvoiceID]billing.Invoice, len(m.invoices)),
		numbers:     make(map[string]billing.InvoiceID, len(m.numbers)),
		sequences:   make(map[int]int, len(m.sequences)),
		requests:    make(map[billing.RequestID]billing.GenerationRequest, len(m.requests)),
		transitions: append([]billing.UnitTransition(nil), m.transitions...),
	}
	for k, v := range m.units {
		s.units[k] = v
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	for k, v := range m.numbers {
		s.numbers[k] = v
	}
	for k, v := range m.sequences {
		s.sequences[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	return s
}

// txView runs with the parent's write lock held.
type txView struct {
	m *Memory
}

func (tv *txView) LatestCheckpoint(_ context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error) {
	return tv.m.latestCheckpoint(doctorID), nil
}

func (tv *txView) GetCheckpoint(_ context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error) {
	return tv.m.getCheckpoint(id)
}

func (tv *txView) CheckpointBefore(_ context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	return tv.m.checkpointBefore(id)
}

func (tv *txView) ListCheckpoints(_ context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error) {
	return tv.m.chain(doctorID), nil
}

func (tv *txView) IncorporatedSources(_ context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error) {
	return ledger.IncorporatedSources(tv.m.chain(doctorID)), nil
}

func (tv *txView) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return tv.m.getInvoice(id)
}

func (tv *txView) GetUnits(_ context.Context, ids []billing.UnitID) ([]billing.BillingUnit, error) {
	return tv.m.getUnits(ids)
}

func (tv *txView) GetRequest(_ context.Context, id billing.RequestID) (billing.GenerationRequest, error) {
	return tv.m.getRequest(id)
}

func (tv *txView) ListTransitions(_ context.Context, unitID billing.UnitID) ([]billing.UnitTransition, error) {
	return tv.m.listTransitions(unitID), nil
}

func (tv *txView) InsertCheckpoint(_ context.Context, cp ledger.Checkpoint) error {
	if _, err := tv.m.getCheckpoint(cp.ID); err == nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, billing.ErrConcurrentModification)
	}
	tv.m.checkpoints = append(tv.m.checkpoints, cp)
	return nil
}

func (tv *txView) InsertInvoice(_ context.Context, inv billing.Invoice) error {
	if _, ok := tv.m.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s: %w", inv.ID, billing.ErrConcurrentModification)
	}
	if inv.Number != "" {
		if _, taken := tv.m.numbers[inv.Number]; taken {
			return fmt.Errorf("invoice number %s: %w", inv.Number, billing.ErrDuplicateInvoiceNumber)
		}
		tv.m.numbers[inv.Number] = inv.ID
	}
	tv.m.invoices[inv.ID] = inv
	return nil
}

func (tv *txView) UpdateInvoiceStatus(_ context.Context, id billing.InvoiceID, status billing.Status) error {
	inv, ok := tv.m.invoices[id]
	if !ok {
		return fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	inv.Status = status
	tv.m.invoices[id] = inv
	return nil
}

func (tv *txView) NextInvoiceNumber(_ context.Context, year int) (int, error) {
	tv.m.sequences[year]++
	return tv.m.sequences[year], nil
}

func (tv *txView) UpdateUnit(_ context.Context, u billing.BillingUnit) error {
	if _, ok := tv.m.units[u.ID]; !ok {
		return fmt.Errorf("unit %s: %w", u.ID, billing.ErrUnitNotFound)
	}
	tv.m.units[u.ID] = u
	return nil
}

func (tv *txView) SaveRequest(_ context.Context, r billing.GenerationRequest) error {
	tv.m.saveRequest(r)
	return nil
}

func (tv *txView) AppendTransition(_ context.Context, t billing.UnitTransition) error {
	tv.m.transitions = append(tv.m.transitions, t)
	return nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds m.mu
// =============================================================================

// saveRequest never overwrites a completed request.
func (s *memoryState) saveRequest(r billing.GenerationRequest) {
	if stored, ok := s.requests[r.ID]; ok && stored.Done() {
		return
	}
	s.requests[r.ID] = r
}

// chain returns the doctor's checkpoints by CreatedAt, insertion order on ties.
func (s *memoryState) chain(doctorID ledger.DoctorID) []ledger.Checkpoint {
	var out []ledger.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.DoctorID == doctorID {
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryState) latestCheckpoint(doctorID ledger.DoctorID) *ledger.Checkpoint {
	chain := s.chain(doctorID)
	if len(chain) == 0 {
		return nil
	}
	return &chain[len(chain)-1]
}

func (s *memoryState) getCheckpoint(id ledger.CheckpointID) (ledger.Checkpoint, error) {
	for _, cp := range s.checkpoints {
		if cp.ID == id {
			return cp, nil
		}
	}
	return ledger.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, billing.ErrCheckpointNotFound)
}

func (s *memoryState) checkpointBefore(id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	cp, err := s.getCheckpoint(id)
	if err != nil {
		return nil, err
	}
	chain := s.chain(cp.DoctorID)
	for i := range chain {
		if chain[i].ID != id {
			continue
		}
		if i == 0 {
			return nil, nil
		}
		return &chain[i-1], nil
	}
	return nil, nil
}

func (s *memoryState) getInvoice(id billing.InvoiceID) (billing.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return inv, nil
}

func (s *memoryState) getUnits(ids []billing.UnitID) ([]billing.BillingUnit, error) {
	out := make([]billing.BillingUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := s.units[id]
		if !ok {
			return nil, fmt.Errorf("unit %s: %w", id, billing.ErrUnitNotFound)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *memoryState) getRequest(id billing.RequestID) (billing.GenerationRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return billing.GenerationRequest{}, fmt.Errorf("request %s: %w", id, billing.ErrRequestNotFound)
	}
	return r, nil
}

func (s *memoryState) listTransitions(unitID billing.UnitID) []billing.UnitTransition {
	var out []billing.UnitTransition
	for _, t := range s.transitions {
		if t.UnitID == unitID {
			out = append(out, t)
		}
	}
	return out
}
