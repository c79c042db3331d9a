package importer

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	previewSampleSize  = 50
	previewWarningsCap = 100
)

// Preview is what the operator reviews before confirming an import.
type Preview struct {
	Summary    PreviewSummary   `json:"summary"`
	Sample     []PatientPreview `json:"sample_patients"`
	Report     ValidationReport `json:"validation_report"`
	Anomalies  []Anomaly        `json:"anomalies"`
	CanProceed bool             `json:"can_proceed"`
}

type PreviewSummary struct {
	TotalPatients         int     `json:"total_patients"`
	PatientsWithData      int     `json:"patients_with_data"`
	PatientsEmpty         int     `json:"patients_empty"`
	TotalTreatments       int     `json:"total_treatments"`
	TreatmentsPending     int     `json:"treatments_pending"`
	TreatmentsInProgress  int     `json:"treatments_in_progress"`
	TreatmentsCompleted   int     `json:"treatments_completed"`
	TreatmentsCancelled   int     `json:"treatments_cancelled"`
	TreatmentsUnknown     int     `json:"treatments_unknown"`
	TotalPayments         int     `json:"total_payments"`
	TotalRevenue          float64 `json:"total_revenue"`
	TotalOutstanding      float64 `json:"total_outstanding"`
	TotalOdontograms      int     `json:"total_odontograms"`
	TotalDocuments        int     `json:"total_documents"`
	OrphanTreatments      int     `json:"orphan_treatments"`
	PatientOrphanPayments int     `json:"patient_orphan_payments"`
	OrphanPayments        int     `json:"orphan_payments"`
	OrphanOdontograms     int     `json:"orphan_odontograms"`
}

type PatientPreview struct {
	TempID          uuid.UUID `json:"temp_id"`
	FullName        string    `json:"full_name"`
	Document        *string   `json:"document,omitempty"`
	Phone           *string   `json:"phone,omitempty"`
	TreatmentsCount int       `json:"treatments_count"`
	TotalBilled     float64   `json:"total_billed"`
	TotalPaid       float64   `json:"total_paid"`
	Balance         float64   `json:"balance"`
	HasIssues       bool      `json:"has_issues"`
}

// ValidationReport splits issues for review: critical and error issues are
// listed in full, warnings only up to a cap.
type ValidationReport struct {
	IsValid        bool     `json:"is_valid"`
	CriticalIssues []string `json:"critical_issues"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
	TotalIssues    int      `json:"total_issues"`
}

// BuildPreview summarizes a reconciled graph and its validation result.
func BuildPreview(g *Graph, v *ValidationResult) *Preview {
	return &Preview{
		Summary:    summarize(g),
		Sample:     samplePatients(g.Patients, v, previewSampleSize),
		Report:     buildReport(v),
		Anomalies:  g.Anomalies,
		CanProceed: v.CanProceed(),
	}
}

func summarize(g *Graph) PreviewSummary {
	counts := g.Counts()
	s := PreviewSummary{
		TotalPatients:         counts.Patients,
		TotalOdontograms:      counts.Odontograms,
		TotalDocuments:        counts.Documents,
		OrphanTreatments:      counts.OrphanTreatments,
		PatientOrphanPayments: counts.PatientOrphanPayments,
		OrphanPayments:        counts.OrphanPayments,
		OrphanOdontograms:     counts.OrphanOdontograms,
	}
	for _, p := range g.Patients {
		if p.HasMinimumData() {
			s.PatientsWithData++
		}
		for _, t := range p.Treatments {
			s.TotalTreatments++
			switch t.Status {
			case StatusPending:
				s.TreatmentsPending++
			case StatusInProgress:
				s.TreatmentsInProgress++
			case StatusCompleted:
				s.TreatmentsCompleted++
			case StatusCancelled:
				s.TreatmentsCancelled++
			default:
				s.TreatmentsUnknown++
			}
			s.TotalPayments += len(t.Payments)
			s.TotalRevenue += t.PaidAmount
			s.TotalOutstanding += t.Balance
		}
	}
	s.PatientsEmpty = s.TotalPatients - s.PatientsWithData
	s.TotalRevenue = roundCents(s.TotalRevenue)
	s.TotalOutstanding = roundCents(s.TotalOutstanding)
	return s
}

func samplePatients(patients []*PatientDTO, v *ValidationResult, limit int) []PatientPreview {
	flagged := make(map[string]bool)
	for _, iss := range v.Issues {
		if iss.Severity != SeverityInfo && iss.EntityID != "" {
			flagged[iss.EntityID] = true
		}
	}

	n := min(limit, len(patients))
	out := make([]PatientPreview, 0, n)
	for _, p := range patients[:n] {
		pp := PatientPreview{
			TempID:          p.TempID,
			FullName:        p.FullName(),
			Document:        p.DocumentNumber,
			Phone:           p.Phone,
			TreatmentsCount: len(p.Treatments),
			HasIssues:       flagged[p.TempID.String()],
		}
		for _, t := range p.Treatments {
			pp.TotalBilled += t.TotalCost
			pp.TotalPaid += t.PaidAmount
			if flagged[t.TempID.String()] {
				pp.HasIssues = true
			}
		}
		pp.TotalBilled = roundCents(pp.TotalBilled)
		pp.TotalPaid = roundCents(pp.TotalPaid)
		pp.Balance = roundCents(pp.TotalBilled - pp.TotalPaid)
		out = append(out, pp)
	}
	return out
}

func buildReport(v *ValidationResult) ValidationReport {
	r := ValidationReport{
		IsValid:        v.CanProceed(),
		CriticalIssues: []string{},
		Errors:         []string{},
		Warnings:       []string{},
		TotalIssues:    len(v.Issues),
	}
	for _, iss := range v.Issues {
		line := fmt.Sprintf("[%s] %s: %s", iss.EntityType, iss.Field, iss.Message)
		switch iss.Severity {
		case SeverityCritical:
			r.CriticalIssues = append(r.CriticalIssues, line)
		case SeverityError:
			r.Errors = append(r.Errors, line)
		case SeverityWarning:
			if len(r.Warnings) < previewWarningsCap {
				r.Warnings = append(r.Warnings, line)
			}
		}
	}
	return r
}
