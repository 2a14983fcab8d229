/*
Package sqlstore implements billing.Store on database/sql.

PURPOSE:
  One implementation of the billing persistence contract shared by the
  SQLite and PostgreSQL drivers. Queries are written with ? placeholders
  and rebound for the dialect. Each driver package owns its schema.

KEY TABLES:
  billing_units:       One row per unit: status, claim, generation
  checkpoints:         Append-only ledger snapshots, ordered by created_at, seq
  checkpoint_lines:    Per item code balance of a checkpoint
  checkpoint_sources:  Usage records incorporated, unique per doctor
  invoices:            Written once, only status changes
  invoice_sequences:   Last allocated number per year
  generation_requests: Job outcomes for idempotency
  unit_transitions:    Append-only status audit

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on checkpoints, checkpoint_lines, unit_transitions
  - checkpoint_sources (doctor_id, source_id) is the primary key: a usage
    record can be incorporated once per doctor, whatever the application
    does

CLAIMS:
  Claims are conditional UPDATEs (status = CREATED and unclaimed or held
  by the same owner), so they are safe across processes.

SEE ALSO:
  - billing/store.go: Interface definitions
  - store/sqlite: Embedded driver
  - store/postgres: Server driver
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/sammel-billing/billing"
	"github.com/warp/sammel-billing/ledger"
)

// =============================================================================
// DIALECT
// =============================================================================

// Dialect captures what differs between drivers.
type Dialect struct {
	Name string

	// Numbered rewrites ? placeholders as $1, $2, ...
	Numbered bool

	// TextTime stores timestamps as fixed-width UTC text.
	TextTime bool

	// SerializeWrites guards writes with a process-wide mutex.
	SerializeWrites bool

	// IsUniqueViolation reports a unique constraint error.
	IsUniqueViolation func(error) bool
}

var SQLite = Dialect{
	Name:              "sqlite",
	TextTime:          true,
	SerializeWrites:   true,
	IsUniqueViolation: isUniqueConstraintError,
}

var Postgres = Dialect{
	Name:              "postgres",
	Numbered:          true,
	IsUniqueViolation: isUniqueConstraintError,
}

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if d.TextTime {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

// =============================================================================
// STORE
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) *Store {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = isUniqueConstraintError
	}
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) lock() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) q() *queries { return &queries{q: s.db, d: s.dialect} }

// queries runs statements against the db or a transaction.
type queries struct {
	q querier
	d Dialect
}

func (qs *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return qs.q.ExecContext(ctx, qs.d.rebind(query), args...)
}

func (qs *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return qs.q.QueryContext(ctx, qs.d.rebind(query), args...)
}

func (qs *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return qs.q.QueryRowContext(ctx, qs.d.rebind(query), args...)
}

// =============================================================================
// READS (billing.Reader)
// =============================================================================

func (s *Store) LatestCheckpoint(ctx context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error) {
	defer s.rlock()()
	return s.q().latestCheckpoint(ctx, doctorID)
}

func (s *Store) GetCheckpoint(ctx context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error) {
	defer s.rlock()()
	return s.q().getCheckpoint(ctx, id)
}

func (s *Store) CheckpointBefore(ctx context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	defer s.rlock()()
	return s.q().checkpointBefore(ctx, id)
}

func (s *Store) ListCheckpoints(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error) {
	defer s.rlock()()
	return s.q().listCheckpoints(ctx, doctorID)
}

func (s *Store) IncorporatedSources(ctx context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error) {
	defer s.rlock()()
	return s.q().incorporatedSources(ctx, doctorID)
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	defer s.rlock()()
	return s.q().getInvoice(ctx, id)
}

func (s *Store) GetUnits(ctx context.Context, ids []billing.UnitID) ([]billing.BillingUnit, error) {
	defer s.rlock()()
	return s.q().getUnits(ctx, ids)
}

func (s *Store) GetRequest(ctx context.Context, id billing.RequestID) (billing.GenerationRequest, error) {
	defer s.rlock()()
	return s.q().getRequest(ctx, id)
}

func (s *Store) ListTransitions(ctx context.Context, unitID billing.UnitID) ([]billing.UnitTransition, error) {
	defer s.rlock()()
	return s.q().listTransitions(ctx, unitID)
}

// =============================================================================
// UNITS AND CLAIMS
// =============================================================================

func (s *Store) SaveUnits(ctx context.Context, units []billing.BillingUnit) error {
	return s.WithTx(ctx, func(tx billing.Tx) error {
		qs := tx.(*txStore).queries
		for _, u := range units {
			if err := qs.saveUnit(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ClaimUnits(ctx context.Context, ids []billing.UnitID, owner string, at time.Time) ([]billing.BillingUnit, error) {
	var claimed []billing.BillingUnit
	err := s.WithTx(ctx, func(tx billing.Tx) error {
		qs := tx.(*txStore).queries
		units, err := qs.getUnits(ctx, ids)
		if err != nil {
			return err
		}
		for i := range units {
			probe := units[i]
			if err := probe.Claim(owner, at); err != nil {
				return err
			}
		}
		for i := range units {
			res, err := qs.exec(ctx, `
				UPDATE billing_units
				SET elaboration_in_progress = ?, claimed_by = ?, claimed_at = ?
				WHERE id = ? AND status = ? AND (elaboration_in_progress = ? OR claimed_by = ?)
			`, true, owner, qs.d.timeArg(at), units[i].ID, billing.StatusCreated, false, owner)
			if err != nil {
				return fmt.Errorf("claim unit %s: %w", units[i].ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return &billing.ClaimError{Units: []billing.UnitID{units[i].ID}}
			}
			_ = units[i].Claim(owner, at)
		}
		claimed = units
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ClaimSammelUnits(ctx context.Context, doctorID ledger.DoctorID, owner string, at time.Time) ([]billing.BillingUnit, error) {
	var claimed []billing.BillingUnit
	err := s.WithTx(ctx, func(tx billing.Tx) error {
		qs := tx.(*txStore).queries
		_, err := qs.exec(ctx, `
			UPDATE billing_units
			SET elaboration_in_progress = ?, claimed_by = ?, claimed_at = ?
			WHERE doctor_id = ? AND kind = ? AND status = ?
			  AND (elaboration_in_progress = ? OR claimed_by = ?)
		`, true, owner, qs.d.timeArg(at), doctorID, billing.UnitSammel, billing.StatusCreated, false, owner)
		if err != nil {
			return fmt.Errorf("claim sammel units: %w", err)
		}
		claimed, err = qs.queryUnits(ctx, `
			SELECT `+unitColumns+` FROM billing_units
			WHERE doctor_id = ? AND kind = ? AND status = ? AND claimed_by = ?
			ORDER BY id
		`, doctorID, billing.UnitSammel, billing.StatusCreated, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, owner string) error {
	defer s.lock()()
	_, err := s.q().exec(ctx, `
		UPDATE billing_units
		SET elaboration_in_progress = ?, claimed_by = NULL, claimed_at = NULL
		WHERE elaboration_in_progress = ? AND claimed_by = ?
	`, false, true, owner)
	if err != nil {
		return fmt.Errorf("release claims of %s: %w", owner, err)
	}
	return nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.lock()()
	res, err := s.q().exec(ctx, `
		UPDATE billing_units
		SET elaboration_in_progress = ?, claimed_by = NULL, claimed_at = NULL
		WHERE elaboration_in_progress = ? AND claimed_at < ?
	`, false, true, s.dialect.timeArg(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DoctorsWithOpenSammel(ctx context.Context) ([]ledger.DoctorID, error) {
	defer s.rlock()()
	rows, err := s.q().query(ctx, `
		SELECT DISTINCT doctor_id FROM billing_units
		WHERE kind = ? AND status = ?
		ORDER BY doctor_id
	`, billing.UnitSammel, billing.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var out []ledger.DoctorID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, ledger.DoctorID(id))
	}
	return out, rows.Err()
}

func (s *Store) SaveRequest(ctx context.Context, r billing.GenerationRequest) error {
	defer s.lock()()
	return s.q().saveRequest(ctx, r)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	defer s.lock()()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: &queries{q: sqlTx, d: s.dialect}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txStore struct {
	*queries
}

var _ billing.Tx = (*txStore)(nil)

func (ts *txStore) LatestCheckpoint(ctx context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error) {
	return ts.latestCheckpoint(ctx, doctorID)
}

func (ts *txStore) GetCheckpoint(ctx context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error) {
	return ts.getCheckpoint(ctx, id)
}

func (ts *txStore) CheckpointBefore(ctx context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	return ts.checkpointBefore(ctx, id)
}

func (ts *txStore) ListCheckpoints(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error) {
	return ts.listCheckpoints(ctx, doctorID)
}

func (ts *txStore) IncorporatedSources(ctx context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error) {
	return ts.incorporatedSources(ctx, doctorID)
}

func (ts *txStore) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return ts.getInvoice(ctx, id)
}

func (ts *txStore) GetUnits(ctx context.Context, ids []billing.UnitID) ([]billing.BillingUnit, error) {
	return ts.getUnits(ctx, ids)
}

func (ts *txStore) GetRequest(ctx context.Context, id billing.RequestID) (billing.GenerationRequest, error) {
	return ts.getRequest(ctx, id)
}

func (ts *txStore) ListTransitions(ctx context.Context, unitID billing.UnitID) ([]billing.UnitTransition, error) {
	return ts.listTransitions(ctx, unitID)
}

func (ts *txStore) SaveRequest(ctx context.Context, r billing.GenerationRequest) error {
	return ts.saveRequest(ctx, r)
}

func (ts *txStore) InsertCheckpoint(ctx context.Context, cp ledger.Checkpoint) error {
	_, err := ts.exec(ctx, `
		INSERT INTO checkpoints (id, doctor_id, kind, invoice_id, reverses_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.DoctorID, cp.Kind, nullString(cp.InvoiceID), nullString(string(cp.ReversesID)), ts.d.timeArg(cp.CreatedAt))
	if err != nil {
		if ts.d.IsUniqueViolation(err) {
			return fmt.Errorf("checkpoint %s: %w", cp.ID, billing.ErrConcurrentModification)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	for _, l := range cp.Consumptions {
		_, err := ts.exec(ctx, `
			INSERT INTO checkpoint_lines
			(checkpoint_id, item_code, rounding_factor, total_amount, total_amount_with_previous,
			 billing_amount, used_amount, remainder, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, l.ItemCode, l.RoundingFactor, l.TotalAmount, l.TotalAmountWithPrevious,
			l.BillingAmount, l.UsedAmount, l.Remainder, l.Description)
		if err != nil {
			return fmt.Errorf("insert checkpoint line %s: %w", l.ItemCode, err)
		}
	}

	for _, src := range cp.SourceIDs {
		_, err := ts.exec(ctx, `
			INSERT INTO checkpoint_sources (doctor_id, source_id, checkpoint_id)
			VALUES (?, ?, ?)
		`, cp.DoctorID, src, cp.ID)
		if err != nil {
			if ts.d.IsUniqueViolation(err) {
				return fmt.Errorf("source %s already incorporated: %w", src, billing.ErrConcurrentModification)
			}
			return fmt.Errorf("insert checkpoint source: %w", err)
		}
	}
	return nil
}

func (ts *txStore) InsertInvoice(ctx context.Context, inv billing.Invoice) error {
	refs, err := json.Marshal(inv.BillObjRefs)
	if err != nil {
		return err
	}
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	_, err = ts.exec(ctx, `
		INSERT INTO invoices
		(id, number, year, seq, type, status, doctor_id, bill_obj_refs_json, sammel_checkpoint_ref,
		 original_invoice_id, lines_json, net, tax, total, currency, due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.Number, inv.Year, inv.Seq, inv.Type, inv.Status, nullString(string(inv.DoctorID)),
		string(refs), nullString(string(inv.SammelCheckpointRef)), nullString(string(inv.OriginalInvoiceID)),
		string(lines), inv.Net, inv.Tax, inv.Total, inv.Currency, ts.d.timeArg(inv.DueDate), ts.d.timeArg(inv.CreatedAt))
	if err != nil {
		if ts.d.IsUniqueViolation(err) {
			return fmt.Errorf("invoice %s number %s: %w", inv.ID, inv.Number, billing.ErrDuplicateInvoiceNumber)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.Status) error {
	res, err := ts.exec(ctx, `UPDATE invoices SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	return nil
}

func (ts *txStore) NextInvoiceNumber(ctx context.Context, year int) (int, error) {
	var seq int
	err := ts.queryRow(ctx, `
		INSERT INTO invoice_sequences (year, last_seq) VALUES (?, 1)
		ON CONFLICT (year) DO UPDATE SET last_seq = invoice_sequences.last_seq + 1
		RETURNING last_seq
	`, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate invoice number %d: %w", year, err)
	}
	return seq, nil
}

func (ts *txStore) UpdateUnit(ctx context.Context, u billing.BillingUnit) error {
	res, err := ts.exec(ctx, `
		UPDATE billing_units
		SET status = ?, elaboration_in_progress = ?, claimed_by = ?, claimed_at = ?,
		    generation = ?, invoice_id = ?, updated_at = ?
		WHERE id = ?
	`, u.Status, u.ElaborationInProgress, nullString(u.ClaimedBy), ts.d.timeArg(u.ClaimedAt),
		u.Generation, nullString(string(u.InvoiceID)), ts.d.timeArg(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update unit %s: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unit %s: %w", u.ID, billing.ErrUnitNotFound)
	}
	return nil
}

func (ts *txStore) AppendTransition(ctx context.Context, t billing.UnitTransition) error {
	_, err := ts.exec(ctx, `
		INSERT INTO unit_transitions
		(id, unit_id, generation, from_status, to_status, invoice_id, request_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UnitID, t.Generation, t.From, t.To, nullString(string(t.InvoiceID)), nullString(string(t.RequestID)), ts.d.timeArg(t.At))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// =============================================================================
// CHECKPOINT QUERIES
// =============================================================================

const checkpointColumns = `id, doctor_id, kind, invoice_id, reverses_id, created_at, seq`

type checkpointRow struct {
	cp  ledger.Checkpoint
	seq int64
}

func (qs *queries) scanCheckpoints(ctx context.Context, query string, args ...any) ([]checkpointRow, error) {
	rows, err := qs.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpointRow
	for rows.Next() {
		var (
			r                   checkpointRow
			invoiceID, reverses sql.NullString
			createdAt           timeValue
		)
		if err := rows.Scan(&r.cp.ID, &r.cp.DoctorID, &r.cp.Kind, &invoiceID, &reverses, &createdAt, &r.seq); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		r.cp.InvoiceID = invoiceID.String
		r.cp.ReversesID = ledger.CheckpointID(reverses.String)
		r.cp.CreatedAt = createdAt.Time
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Lines and sources after the cursor is closed: a single-connection
	// database cannot run two queries at once.
	rows.Close()
	for i := range out {
		if err := qs.fillCheckpoint(ctx, &out[i].cp); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (qs *queries) fillCheckpoint(ctx context.Context, cp *ledger.Checkpoint) error {
	rows, err := qs.query(ctx, `
		SELECT item_code, rounding_factor, total_amount, total_amount_with_previous,
		       billing_amount, used_amount, remainder, description
		FROM checkpoint_lines WHERE checkpoint_id = ? ORDER BY item_code
	`, cp.ID)
	if err != nil {
		return fmt.Errorf("query checkpoint lines: %w", err)
	}
	for rows.Next() {
		var l ledger.ConsumptionLine
		if err := rows.Scan(&l.ItemCode, &l.RoundingFactor, &l.TotalAmount, &l.TotalAmountWithPrevious,
			&l.BillingAmount, &l.UsedAmount, &l.Remainder, &l.Description); err != nil {
			rows.Close()
			return fmt.Errorf("scan checkpoint line: %w", err)
		}
		cp.Consumptions = append(cp.Consumptions, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = qs.query(ctx, `
		SELECT source_id FROM checkpoint_sources WHERE checkpoint_id = ? ORDER BY source_id
	`, cp.ID)
	if err != nil {
		return fmt.Errorf("query checkpoint sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return fmt.Errorf("scan checkpoint source: %w", err)
		}
		cp.SourceIDs = append(cp.SourceIDs, ledger.SourceID(src))
	}
	return rows.Err()
}

func (qs *queries) latestCheckpoint(ctx context.Context, doctorID ledger.DoctorID) (*ledger.Checkpoint, error) {
	rows, err := qs.scanCheckpoints(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE doctor_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1
	`, doctorID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0].cp, nil
}

func (qs *queries) getCheckpointRow(ctx context.Context, id ledger.CheckpointID) (checkpointRow, error) {
	rows, err := qs.scanCheckpoints(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return checkpointRow{}, err
	}
	if len(rows) == 0 {
		return checkpointRow{}, fmt.Errorf("checkpoint %s: %w", id, billing.ErrCheckpointNotFound)
	}
	return rows[0], nil
}

func (qs *queries) getCheckpoint(ctx context.Context, id ledger.CheckpointID) (ledger.Checkpoint, error) {
	r, err := qs.getCheckpointRow(ctx, id)
	return r.cp, err
}

func (qs *queries) checkpointBefore(ctx context.Context, id ledger.CheckpointID) (*ledger.Checkpoint, error) {
	cur, err := qs.getCheckpointRow(ctx, id)
	if err != nil {
		return nil, err
	}
	at := qs.d.timeArg(cur.cp.CreatedAt)
	rows, err := qs.scanCheckpoints(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE doctor_id = ? AND (created_at < ? OR (created_at = ? AND seq < ?))
		ORDER BY created_at DESC, seq DESC LIMIT 1
	`, cur.cp.DoctorID, at, at, cur.seq)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0].cp, nil
}

func (qs *queries) listCheckpoints(ctx context.Context, doctorID ledger.DoctorID) ([]ledger.Checkpoint, error) {
	rows, err := qs.scanCheckpoints(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE doctor_id = ? ORDER BY created_at, seq
	`, doctorID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Checkpoint, len(rows))
	for i, r := range rows {
		out[i] = r.cp
	}
	return out, nil
}

func (qs *queries) incorporatedSources(ctx context.Context, doctorID ledger.DoctorID) (ledger.SourceSet, error) {
	rows, err := qs.query(ctx, `
		SELECT source_id, checkpoint_id FROM checkpoint_sources WHERE doctor_id = ?
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	set := make(ledger.SourceSet)
	for rows.Next() {
		var src, cp string
		if err := rows.Scan(&src, &cp); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		set[ledger.SourceID(src)] = ledger.CheckpointID(cp)
	}
	return set, rows.Err()
}

// =============================================================================
// UNIT QUERIES
// =============================================================================

const unitColumns = `id, case_id, doctor_id, kind, status, elaboration_in_progress, claimed_by, claimed_at,
	generation, invoice_id, amount, materials_json, created_at, updated_at`

func (qs *queries) queryUnits(ctx context.Context, query string, args ...any) ([]billing.BillingUnit, error) {
	rows, err := qs.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []billing.BillingUnit
	for rows.Next() {
		var (
			u                    billing.BillingUnit
			claimedBy, invoiceID sql.NullString
			claimedAt            timeValue
			createdAt, updatedAt timeValue
			materials            string
		)
		err := rows.Scan(&u.ID, &u.CaseID, &u.DoctorID, &u.Kind, &u.Status, &u.ElaborationInProgress,
			&claimedBy, &claimedAt, &u.Generation, &invoiceID, &u.Amount, &materials, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.ClaimedBy = claimedBy.String
		u.ClaimedAt = claimedAt.Time
		u.InvoiceID = billing.InvoiceID(invoiceID.String)
		u.CreatedAt = createdAt.Time
		u.UpdatedAt = updatedAt.Time
		if materials != "" {
			if err := json.Unmarshal([]byte(materials), &u.Materials); err != nil {
				return nil, fmt.Errorf("decode materials of %s: %w", u.ID, err)
			}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// getUnits returns units in the order of ids.
func (qs *queries) getUnits(ctx context.Context, ids []billing.UnitID) ([]billing.BillingUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	units, err := qs.queryUnits(ctx, `SELECT `+unitColumns+` FROM billing_units WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[billing.UnitID]billing.BillingUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	out := make([]billing.BillingUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unit %s: %w", id, billing.ErrUnitNotFound)
		}
		out = append(out, u)
	}
	return out, nil
}

// saveUnit inserts u, or refreshes the stored unit while it is CREATED and
// unclaimed.
func (qs *queries) saveUnit(ctx context.Context, u billing.BillingUnit) error {
	materials, err := json.Marshal(u.Materials)
	if err != nil {
		return err
	}

	existing, err := qs.getUnits(ctx, []billing.UnitID{u.ID})
	switch {
	case errors.Is(err, billing.ErrUnitNotFound):
		_, err = qs.exec(ctx, `
			INSERT INTO billing_units
			(id, case_id, doctor_id, kind, status, elaboration_in_progress, claimed_by, claimed_at,
			 generation, invoice_id, amount, materials_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, u.ID, u.CaseID, u.DoctorID, u.Kind, u.Status, u.ElaborationInProgress, nullString(u.ClaimedBy),
			qs.d.timeArg(u.ClaimedAt), u.Generation, nullString(string(u.InvoiceID)), u.Amount, string(materials),
			qs.d.timeArg(u.CreatedAt), qs.d.timeArg(u.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert unit %s: %w", u.ID, err)
		}
		return nil
	case err != nil:
		return err
	}

	stored := existing[0]
	if stored.DoctorID != u.DoctorID {
		return fmt.Errorf("unit %s: %w", u.ID, billing.ErrDoubleDoctorAssignment)
	}
	if stored.Status != billing.StatusCreated || stored.ElaborationInProgress {
		return nil // owned by the lifecycle now
	}
	_, err = qs.exec(ctx, `
		UPDATE billing_units
		SET case_id = ?, kind = ?, amount = ?, materials_json = ?, updated_at = ?
		WHERE id = ?
	`, u.CaseID, u.Kind, u.Amount, string(materials), qs.d.timeArg(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("refresh unit %s: %w", u.ID, err)
	}
	return nil
}

// =============================================================================
// INVOICE, REQUEST AND AUDIT QUERIES
// =============================================================================

func (qs *queries) getInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	var (
		inv                          billing.Invoice
		doctor, checkpoint, original sql.NullString
		refs, lines                  string
		dueDate, createdAt           timeValue
	)
	err := qs.queryRow(ctx, `
		SELECT id, number, year, seq, type, status, doctor_id, bill_obj_refs_json, sammel_checkpoint_ref,
		       original_invoice_id, lines_json, net, tax, total, currency, due_date, created_at
		FROM invoices WHERE id = ?
	`, id).Scan(&inv.ID, &inv.Number, &inv.Year, &inv.Seq, &inv.Type, &inv.Status, &doctor, &refs, &checkpoint,
		&original, &lines, &inv.Net, &inv.Tax, &inv.Total, &inv.Currency, &dueDate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, billing.ErrInvoiceNotFound)
	}
	if err != nil {
		return billing.Invoice{}, fmt.Errorf("get invoice %s: %w", id, err)
	}
	inv.DoctorID = ledger.DoctorID(doctor.String)
	inv.SammelCheckpointRef = ledger.CheckpointID(checkpoint.String)
	inv.OriginalInvoiceID = billing.InvoiceID(original.String)
	inv.DueDate = dueDate.Time
	inv.CreatedAt = createdAt.Time
	if err := json.Unmarshal([]byte(refs), &inv.BillObjRefs); err != nil {
		return billing.Invoice{}, fmt.Errorf("decode refs of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(lines), &inv.Lines); err != nil {
		return billing.Invoice{}, fmt.Errorf("decode lines of %s: %w", id, err)
	}
	return inv, nil
}

// saveRequest upserts r. A completed row is never overwritten.
func (qs *queries) saveRequest(ctx context.Context, r billing.GenerationRequest) error {
	units, err := json.Marshal(r.UnitIDs)
	if err != nil {
		return err
	}
	_, err = qs.exec(ctx, `
		INSERT INTO generation_requests
		(id, kind, doctor_id, unit_ids_json, original_invoice_id, status, invoice_id, checkpoint_id,
		 error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			invoice_id = excluded.invoice_id,
			checkpoint_id = excluded.checkpoint_id,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
		WHERE generation_requests.status NOT IN (?, ?)
	`, r.ID, r.Kind, nullString(string(r.DoctorID)), string(units), nullString(string(r.OriginalInvoiceID)),
		r.Status, nullString(string(r.InvoiceID)), nullString(string(r.CheckpointID)), r.Error, r.Attempts,
		qs.d.timeArg(r.CreatedAt), qs.d.timeArg(r.UpdatedAt),
		billing.RequestCompleted, billing.RequestNoContent)
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (qs *queries) getRequest(ctx context.Context, id billing.RequestID) (billing.GenerationRequest, error) {
	var (
		r                             billing.GenerationRequest
		doctor, original, invoice, cp sql.NullString
		units                         string
		createdAt, updatedAt          timeValue
	)
	err := qs.queryRow(ctx, `
		SELECT id, kind, doctor_id, unit_ids_json, original_invoice_id, status, invoice_id, checkpoint_id,
		       error, attempts, created_at, updated_at
		FROM generation_requests WHERE id = ?
	`, id).Scan(&r.ID, &r.Kind, &doctor, &units, &original, &r.Status, &invoice, &cp,
		&r.Error, &r.Attempts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.GenerationRequest{}, fmt.Errorf("request %s: %w", id, billing.ErrRequestNotFound)
	}
	if err != nil {
		return billing.GenerationRequest{}, fmt.Errorf("get request %s: %w", id, err)
	}
	r.DoctorID = ledger.DoctorID(doctor.String)
	r.OriginalInvoiceID = billing.InvoiceID(original.String)
	r.InvoiceID = billing.InvoiceID(invoice.String)
	r.CheckpointID = ledger.CheckpointID(cp.String)
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	if units != "" && units != "null" {
		if err := json.Unmarshal([]byte(units), &r.UnitIDs); err != nil {
			return billing.GenerationRequest{}, fmt.Errorf("decode units of %s: %w", id, err)
		}
	}
	return r, nil
}

func (qs *queries) listTransitions(ctx context.Context, unitID billing.UnitID) ([]billing.UnitTransition, error) {
	rows, err := qs.query(ctx, `
		SELECT id, unit_id, generation, from_status, to_status, invoice_id, request_id, at
		FROM unit_transitions WHERE unit_id = ? ORDER BY seq
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []billing.UnitTransition
	for rows.Next() {
		var (
			t                billing.UnitTransition
			invoice, request sql.NullString
			at               timeValue
		)
		if err := rows.Scan(&t.ID, &t.UnitID, &t.Generation, &t.From, &t.To, &invoice, &request, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.InvoiceID = billing.InvoiceID(invoice.String)
		t.RequestID = billing.RequestID(request.String)
		t.At = at.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeValue scans a timestamp stored as text or as a native type.
type timeValue struct {
	Time time.Time
}

func (t *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t *timeValue) parse(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
