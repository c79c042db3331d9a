package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle of an import run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCleared    RunStatus = "cleared"
)

// ImportRun maps to the import_runs table.
type ImportRun struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	SourcePath  string         `db:"source_path" json:"source_path"`
	Status      RunStatus      `db:"status" json:"status"`
	StartedAt   time.Time      `db:"started_at" json:"started_at"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Error       *string        `db:"error" json:"error,omitempty"`
	Metrics     map[string]any `db:"metrics" json:"metrics,omitempty"`
}

// ClearResult counts the rows removed by ClearImported.
type ClearResult struct {
	Patients    int64 `json:"patients"`
	Treatments  int64 `json:"treatments"`
	Payments    int64 `json:"payments"`
	Odontograms int64 `json:"odontograms"`
	Documents   int64 `json:"documents"`
	Mappings    int64 `json:"mappings"`
	Runs        int64 `json:"runs"`
}

// Store is the destination of an import. Writes made with a context
// returned inside WithTx or Savepoint join that transaction.
type Store interface {
	// Acquire scopes ctx to the destination; release must be called.
	Acquire(ctx context.Context) (context.Context, func(), error)
	EnsureSchema(ctx context.Context) error
	HasCompletedImport(ctx context.Context) (bool, error)

	CreateRun(ctx context.Context, run *ImportRun) error
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, errText *string, metrics map[string]any) error
	ListRuns(ctx context.Context, limit int) ([]*ImportRun, error)

	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error

	UpsertPatient(ctx context.Context, runID uuid.UUID, p *PatientDTO) (uuid.UUID, error)
	UpsertTreatment(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, t *TreatmentDTO) (uuid.UUID, error)
	InsertPayment(ctx context.Context, runID uuid.UUID, treatmentID, patientID *uuid.UUID, p *PaymentDTO) (uuid.UUID, error)
	InsertOdontogram(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, o *OdontogramDTO) (uuid.UUID, error)
	UpsertDocument(ctx context.Context, runID uuid.UUID, patientID *uuid.UUID, d *ClinicalHistoryDocumentDTO, metadata map[string]any) (uuid.UUID, error)
	RecordLegacyMapping(ctx context.Context, entity, legacyID string, newID, runID uuid.UUID) error
	InsertAnomaly(ctx context.Context, runID uuid.UUID, a Anomaly) error

	ClearImported(ctx context.Context) (*ClearResult, error)
}
