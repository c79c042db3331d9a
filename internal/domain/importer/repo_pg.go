package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/legacy-import/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// legacyMapTables maps entity types to their legacy id map table.
var legacyMapTables = map[string]string{
	EntityPatient:    "legacy_patient_map",
	EntityTreatment:  "legacy_treatment_map",
	EntityPayment:    "legacy_payment_map",
	EntityOdontogram: "legacy_odontogram_map",
	EntityDocument:   "legacy_document_map",
}

// PGStore writes imports into a practice schema.
type PGStore struct {
	pool       *pgxpool.Pool
	practiceID string
	migrations fs.FS
}

func NewPGStore(pool *pgxpool.Pool, practiceID string, migrations fs.FS) *PGStore {
	return &PGStore{pool: pool, practiceID: practiceID, migrations: migrations}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// Acquire returns a context carrying a connection scoped to the practice
// schema. Callers release it when done.
func (s *PGStore) Acquire(ctx context.Context) (context.Context, func(), error) {
	if db.ConnFromContext(ctx) != nil {
		return ctx, func() {}, nil
	}
	return db.AcquirePractice(ctx, s.pool, s.practiceID)
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := db.EnsurePracticeSchema(ctx, s.pool, s.practiceID, s.migrations); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) HasCompletedImport(ctx context.Context) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM import_runs WHERE status = 'completed')
			OR EXISTS (SELECT 1 FROM patients WHERE legacy_id IS NOT NULL)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prior import: %w", err)
	}
	return exists, nil
}

// =========== Runs ===========

func (s *PGStore) CreateRun(ctx context.Context, run *ImportRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO import_runs (id, source_path, status)
		VALUES ($1, $2, $3)
		RETURNING started_at`,
		run.ID, run.SourcePath, string(run.Status)).Scan(&run.StartedAt)
}

func (s *PGStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, errText *string, metrics map[string]any) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE import_runs SET status = $2::text,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			error = COALESCE($3, error),
			metrics = COALESCE($4, metrics),
			updated_at = NOW()
		WHERE id = $1`,
		id, string(status), errText, metrics)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: not found", id)
	}
	return nil
}

func (s *PGStore) ListRuns(ctx context.Context, limit int) ([]*ImportRun, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, source_path, status, started_at, completed_at, error, metrics
		FROM import_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*ImportRun
	for rows.Next() {
		var r ImportRun
		var status string
		if err := rows.Scan(&r.ID, &r.SourcePath, &status, &r.StartedAt, &r.CompletedAt, &r.Error, &r.Metrics); err != nil {
			return nil, err
		}
		r.Status = RunStatus(status)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// =========== Transactions ===========

// WithTx runs fn in a transaction on the practice connection, or on a pool
// connection when ctx carries none. A transaction already in ctx is joined.
func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, tx, err := db.WithTx(ctx)
	if errors.Is(err, db.ErrNoConn) {
		tx, err = s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		txCtx = db.ContextWithTx(ctx, tx)
	} else if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err = fn(txCtx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Savepoint runs fn inside a nested transaction so a failed statement rolls
// back only its own work.
func (s *PGStore) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	outer := db.TxFromContext(ctx)
	if outer == nil {
		return s.WithTx(ctx, fn)
	}
	sp, err := outer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(db.ContextWithTx(ctx, sp)); err != nil {
		_ = sp.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// =========== Clinical rows ===========

func (s *PGStore) UpsertPatient(ctx context.Context, runID uuid.UUID, p *PatientDTO) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, legacy_id, import_run_id, first_name, last_name,
			document_type, document_number, phone, email, address, city, postal_code,
			birth_date, gender, blood_type, allergies, medical_notes, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (legacy_id) DO UPDATE SET
			import_run_id = EXCLUDED.import_run_id,
			first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			document_type = EXCLUDED.document_type, document_number = EXCLUDED.document_number,
			phone = EXCLUDED.phone, email = EXCLUDED.email, address = EXCLUDED.address,
			city = EXCLUDED.city, postal_code = EXCLUDED.postal_code,
			birth_date = EXCLUDED.birth_date, gender = EXCLUDED.gender,
			blood_type = EXCLUDED.blood_type, allergies = EXCLUDED.allergies,
			medical_notes = EXCLUDED.medical_notes, raw_data = EXCLUDED.raw_data,
			updated_at = NOW()
		RETURNING id`,
		uuid.New(), p.LegacyID, runID, p.FirstName, p.LastName,
		p.DocumentType, p.DocumentNumber, p.Phone, p.Email, p.Address, p.City, p.PostalCode,
		p.BirthDate, p.Gender, p.BloodType, p.Allergies, p.MedicalNotes, p.RawData).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert patient %s: %w", deref(p.LegacyID), err)
	}
	return id, nil
}

func (s *PGStore) UpsertTreatment(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, t *TreatmentDTO) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatments (id, patient_id, legacy_id, import_run_id, name, description,
			tooth_number, sector, status, total_cost, paid_amount, balance,
			planned_date, started_date, completed_date, notes, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (legacy_id, import_run_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, name = EXCLUDED.name,
			description = EXCLUDED.description, tooth_number = EXCLUDED.tooth_number,
			sector = EXCLUDED.sector, status = EXCLUDED.status,
			total_cost = EXCLUDED.total_cost, paid_amount = EXCLUDED.paid_amount,
			balance = EXCLUDED.balance, planned_date = EXCLUDED.planned_date,
			started_date = EXCLUDED.started_date, completed_date = EXCLUDED.completed_date,
			notes = EXCLUDED.notes, raw_data = EXCLUDED.raw_data, updated_at = NOW()
		RETURNING id`,
		uuid.New(), patientID, t.LegacyID, runID, t.Name, t.Description,
		t.ToothNumber, t.Sector, string(t.Status), t.TotalCost, t.PaidAmount, t.Balance,
		t.PlannedDate, t.StartedDate, t.CompletedDate, t.Notes, t.RawData).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert treatment %s: %w", deref(t.LegacyID), err)
	}
	return id, nil
}

func (s *PGStore) InsertPayment(ctx context.Context, runID uuid.UUID, treatmentID, patientID *uuid.UUID, p *PaymentDTO) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, treatment_id, patient_id, legacy_id, import_run_id,
			amount, payment_date, payment_method, notes, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		id, treatmentID, patientID, p.LegacyID, runID,
		p.Amount, p.PaymentDate, p.PaymentMethod, p.Notes, p.RawData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert payment %s: %w", deref(p.LegacyID), err)
	}
	return id, nil
}

func (s *PGStore) InsertOdontogram(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, o *OdontogramDTO) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO odontograms (id, patient_id, legacy_id, import_run_id,
			tooth_number, condition, notes, color, date, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		id, patientID, o.LegacyID, runID,
		o.ToothNumber, o.Condition, o.Notes, o.Color, o.Date, o.RawData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert odontogram %s: %w", deref(o.LegacyID), err)
	}
	return id, nil
}

func (s *PGStore) UpsertDocument(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, d *ClinicalHistoryDocumentDTO, metadata map[string]any) (uuid.UUID, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	var id uuid.UUID
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_history_documents (id, patient_id, legacy_patient_key, filename,
			content, checksum, size_bytes, truncated, metadata, import_run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (filename, import_run_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, content = EXCLUDED.content,
			checksum = EXCLUDED.checksum, size_bytes = EXCLUDED.size_bytes,
			truncated = EXCLUDED.truncated, metadata = EXCLUDED.metadata
		RETURNING id`,
		uuid.New(), patientID, d.LegacyKey, d.Filename,
		d.Content, d.Checksum, d.SizeBytes, d.Truncated, metadata, runID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert document %s: %w", d.Filename, err)
	}
	return id, nil
}

func (s *PGStore) RecordLegacyMapping(ctx context.Context, entity, legacyID string, newID, runID uuid.UUID) error {
	table, ok := legacyMapTables[entity]
	if !ok {
		return fmt.Errorf("no legacy map for entity %q", entity)
	}
	_, err := s.conn(ctx).Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (legacy_id, new_id, run_id) VALUES ($1, $2, $3)
		ON CONFLICT (legacy_id, run_id) DO NOTHING`, table),
		legacyID, newID, runID)
	if err != nil {
		return fmt.Errorf("record %s mapping %s: %w", entity, legacyID, err)
	}
	return nil
}

func (s *PGStore) InsertAnomaly(ctx context.Context, runID uuid.UUID, a Anomaly) error {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO import_anomalies (id, run_id, severity, entity_type, legacy_ref, message, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.New(), runID, string(a.Severity), a.EntityType, a.LegacyRef, a.Message, details)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

type clearStep struct {
	dst *int64
	sql string
}

// ClearImported removes every imported row and legacy map entry and marks
// completed runs as cleared, in one transaction.
func (s *PGStore) ClearImported(ctx context.Context) (*ClearResult, error) {
	res := &ClearResult{}
	steps := []clearStep{
		{&res.Payments, `DELETE FROM payments WHERE import_run_id IS NOT NULL`},
		{&res.Treatments, `DELETE FROM treatments WHERE import_run_id IS NOT NULL`},
		{&res.Odontograms, `DELETE FROM odontograms WHERE import_run_id IS NOT NULL`},
		{&res.Documents, `DELETE FROM clinical_history_documents WHERE import_run_id IS NOT NULL`},
		{&res.Patients, `DELETE FROM patients WHERE import_run_id IS NOT NULL OR legacy_id IS NOT NULL`},
	}
	for _, table := range legacyMapTables {
		steps = append(steps, clearStep{&res.Mappings, "DELETE FROM " + table})
	}
	steps = append(steps, clearStep{&res.Runs,
		`UPDATE import_runs SET status = 'cleared', updated_at = NOW() WHERE status = 'completed'`})

	err := s.WithTx(ctx, func(ctx context.Context) error {
		for _, st := range steps {
			tag, err := s.conn(ctx).Exec(ctx, st.sql)
			if err != nil {
				return fmt.Errorf("clear imported data: %w", err)
			}
			*st.dst += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
