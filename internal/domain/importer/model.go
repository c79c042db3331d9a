package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity types used in issues, anomalies and legacy maps.
const (
	EntityPatient    = "patient"
	EntityTreatment  = "treatment"
	EntityPayment    = "payment"
	EntityOdontogram = "odontogram"
	EntityDocument   = "clinical_history"
	EntitySystem     = "system"
)

// balanceTolerance is the allowed drift between money figures.
const balanceTolerance = 0.01

// Severity ranks an issue or anomaly. Only Error and Critical block an import.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity prevents persistence.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// RecordMetadata ties a DTO back to the legacy row it came from.
type RecordMetadata struct {
	SourceTable string    `json:"source_table"`
	SourceFile  string    `json:"source_file"`
	RowIndex    int       `json:"row_index"`
	LegacyKey   string    `json:"legacy_key,omitempty"`
	ContentHash string    `json:"content_hash"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// HashRow returns the SHA-256 of a raw row with its columns in sorted order.
func HashRow(row map[string]string) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(row[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TreatmentStatus is the normalized lifecycle of a treatment.
type TreatmentStatus string

const (
	StatusPending    TreatmentStatus = "pending"
	StatusInProgress TreatmentStatus = "in_progress"
	StatusCompleted  TreatmentStatus = "completed"
	StatusCancelled  TreatmentStatus = "cancelled"
	StatusUnknown    TreatmentStatus = "unknown"
)

// ParseTreatmentStatus maps the status spellings found in legacy tables.
func ParseTreatmentStatus(v string) TreatmentStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pendiente", "por hacer", "pending", "0":
		return StatusPending
	case "en tratamiento", "en proceso", "in progress", "1":
		return StatusInProgress
	case "terminado", "finalizado", "completed", "2":
		return StatusCompleted
	case "cancelado", "cancelled", "3":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// ---------------------------------------------------------------------------
// DTOs
// ---------------------------------------------------------------------------

// PatientDTO is one normalized patient with its reconciled children.
type PatientDTO struct {
	TempID         uuid.UUID         `json:"temp_id"`
	LegacyID       *string           `json:"legacy_id,omitempty"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	DocumentType   *string           `json:"document_type,omitempty"`
	DocumentNumber *string           `json:"document_number,omitempty"`
	Phone          *string           `json:"phone,omitempty"`
	Email          *string           `json:"email,omitempty"`
	Address        *string           `json:"address,omitempty"`
	City           *string           `json:"city,omitempty"`
	PostalCode     *string           `json:"postal_code,omitempty"`
	BirthDate      *string           `json:"birth_date,omitempty"`
	Gender         *string           `json:"gender,omitempty"`
	BloodType      *string           `json:"blood_type,omitempty"`
	Allergies      *string           `json:"allergies,omitempty"`
	MedicalNotes   *string           `json:"medical_notes,omitempty"`
	RawData        map[string]string `json:"raw_data"`
	Meta           RecordMetadata    `json:"meta"`

	Treatments     []*TreatmentDTO               `json:"treatments"`
	Odontograms    []*OdontogramDTO              `json:"odontograms"`
	OrphanPayments []*PaymentDTO                 `json:"orphan_payments"`
	Documents      []*ClinicalHistoryDocumentDTO `json:"-"`
}

// Key is the normalized legacy key used to resolve children: the legacy id,
// else the document number.
func (p *PatientDTO) Key() string {
	if p.LegacyID != nil {
		if k := NormalizeLegacyKey(*p.LegacyID); k != "" {
			return k
		}
	}
	if p.DocumentNumber != nil {
		return NormalizeLegacyKey(*p.DocumentNumber)
	}
	return ""
}

func (p *PatientDTO) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// HasMinimumData reports whether both name parts are present.
func (p *PatientDTO) HasMinimumData() bool {
	return strings.TrimSpace(p.FirstName) != "" && strings.TrimSpace(p.LastName) != ""
}

// TreatmentDTO is one normalized treatment.
type TreatmentDTO struct {
	TempID        uuid.UUID         `json:"temp_id"`
	LegacyID      *string           `json:"legacy_id,omitempty"`
	PatientKey    *string           `json:"patient_key,omitempty"`
	PatientTempID uuid.UUID         `json:"patient_temp_id"`
	Name          string            `json:"name"`
	Description   *string           `json:"description,omitempty"`
	ToothNumber   *string           `json:"tooth_number,omitempty"`
	Sector        *string           `json:"sector,omitempty"`
	Status        TreatmentStatus   `json:"status"`
	TotalCost     float64           `json:"total_cost"`
	PaidAmount    float64           `json:"paid_amount"`
	Balance       float64           `json:"balance"`
	PlannedDate   *string           `json:"planned_date,omitempty"`
	StartedDate   *string           `json:"started_date,omitempty"`
	CompletedDate *string           `json:"completed_date,omitempty"`
	Notes         *string           `json:"notes,omitempty"`
	RawData       map[string]string `json:"raw_data"`
	Meta          RecordMetadata    `json:"meta"`

	// RecordedBalance is the balance column as found in the legacy row.
	RecordedBalance *float64 `json:"recorded_balance,omitempty"`
	// PaidRecorded is set when the legacy row carried a paid column.
	PaidRecorded bool          `json:"-"`
	Payments     []*PaymentDTO `json:"payments"`
}

// Key is the normalized legacy treatment key.
func (t *TreatmentDTO) Key() string {
	if t.LegacyID == nil {
		return ""
	}
	return NormalizeLegacyKey(*t.LegacyID)
}

// PaymentsTotal sums the attached payments.
func (t *TreatmentDTO) PaymentsTotal() float64 {
	var sum float64
	for _, p := range t.Payments {
		sum += p.Amount
	}
	return sum
}

// RecalculateBalance sets Balance to TotalCost - PaidAmount. When the legacy
// row carried no paid figure, the attached payments stand in for it.
func (t *TreatmentDTO) RecalculateBalance() {
	if !t.PaidRecorded && len(t.Payments) > 0 {
		t.PaidAmount = t.PaymentsTotal()
	}
	t.Balance = roundCents(t.TotalCost - t.PaidAmount)
}

// BalanceConsistent reports whether Balance matches TotalCost - PaidAmount.
func (t *TreatmentDTO) BalanceConsistent() bool {
	return math.Abs(t.Balance-(t.TotalCost-t.PaidAmount)) <= balanceTolerance
}

// PaymentDTO is one normalized payment.
type PaymentDTO struct {
	TempID          uuid.UUID         `json:"temp_id"`
	LegacyID        *string           `json:"legacy_id,omitempty"`
	TreatmentKey    *string           `json:"treatment_key,omitempty"`
	PatientKey      *string           `json:"patient_key,omitempty"`
	TreatmentTempID uuid.UUID         `json:"treatment_temp_id"`
	PatientTempID   uuid.UUID         `json:"patient_temp_id"`
	Amount          float64           `json:"amount"`
	PaymentDate     *string           `json:"payment_date,omitempty"`
	PaymentMethod   *string           `json:"payment_method,omitempty"`
	Notes           *string           `json:"notes,omitempty"`
	RawData         map[string]string `json:"raw_data"`
	Meta            RecordMetadata    `json:"meta"`
}

// OdontogramDTO is one tooth chart entry.
type OdontogramDTO struct {
	TempID        uuid.UUID         `json:"temp_id"`
	LegacyID      *string           `json:"legacy_id,omitempty"`
	PatientKey    *string           `json:"patient_key,omitempty"`
	PatientTempID uuid.UUID         `json:"patient_temp_id"`
	ToothNumber   string            `json:"tooth_number"`
	Condition     string            `json:"condition"`
	Color         *string           `json:"color,omitempty"`
	Notes         *string           `json:"notes,omitempty"`
	Date          *string           `json:"date,omitempty"`
	RawData       map[string]string `json:"raw_data"`
	Meta          RecordMetadata    `json:"meta"`
}

// ClinicalHistoryDocumentDTO is one loose history file resolved to a patient.
type ClinicalHistoryDocumentDTO struct {
	LegacyKey     string    `json:"legacy_key"`
	PatientTempID uuid.UUID `json:"patient_temp_id"`
	Filename      string    `json:"filename"`
	SourcePath    string    `json:"source_path"`
	Format        string    `json:"format"`
	Content       string    `json:"-"`
	Checksum      string    `json:"checksum"`
	SizeBytes     int64     `json:"size_bytes"`
	Truncated     bool      `json:"truncated"`
}

// ---------------------------------------------------------------------------
// Ledgers
// ---------------------------------------------------------------------------

// Anomaly is a structural irregularity found while reconciling or persisting.
// Anomalies are persisted to the import_anomalies ledger.
type Anomaly struct {
	Severity   Severity       `json:"severity"`
	EntityType string         `json:"entity_type"`
	LegacyRef  *string        `json:"legacy_ref,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// ValidationIssue is a data-quality finding about one entity.
type ValidationIssue struct {
	Severity   Severity `json:"severity"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id,omitempty"`
	Field      string   `json:"field"`
	Message    string   `json:"message"`
	RawValue   *string  `json:"raw_value,omitempty"`
}

func newIssue(sev Severity, entity string, id uuid.UUID, field, msg string) ValidationIssue {
	iss := ValidationIssue{Severity: sev, EntityType: entity, Field: field, Message: msg}
	if id != uuid.Nil {
		iss.EntityID = id.String()
	}
	return iss
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
