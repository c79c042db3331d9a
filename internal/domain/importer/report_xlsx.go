package importer

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary   = "Summary"
	sheetPatients  = "Patients"
	sheetIssues    = "Issues"
	sheetAnomalies = "Anomalies"
)

var patientSheetHeader = []string{
	"Temp ID", "Full Name", "Document", "Phone",
	"Treatments", "Billed", "Paid", "Balance", "Has Issues",
}

var issueSheetHeader = []string{"Severity", "Message"}

var anomalySheetHeader = []string{"Severity", "Entity", "Legacy Ref", "Message"}

// WriteWorkbook renders a preview as an operator workbook.
func WriteWorkbook(w io.Writer, p *Preview) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("rename default sheet: %w", err)
	}
	if err := writeSummarySheet(f, p, headerStyle); err != nil {
		return err
	}

	rows := make([][]any, 0, len(p.Sample))
	for _, pp := range p.Sample {
		rows = append(rows, []any{
			pp.TempID.String(), pp.FullName, deref(pp.Document), deref(pp.Phone),
			pp.TreatmentsCount, pp.TotalBilled, pp.TotalPaid, pp.Balance, yesNo(pp.HasIssues),
		})
	}
	if err := writeSheet(f, sheetPatients, patientSheetHeader, rows, headerStyle); err != nil {
		return err
	}

	rows = rows[:0]
	for _, line := range p.Report.CriticalIssues {
		rows = append(rows, []any{string(SeverityCritical), line})
	}
	for _, line := range p.Report.Errors {
		rows = append(rows, []any{string(SeverityError), line})
	}
	for _, line := range p.Report.Warnings {
		rows = append(rows, []any{string(SeverityWarning), line})
	}
	if err := writeSheet(f, sheetIssues, issueSheetHeader, rows, headerStyle); err != nil {
		return err
	}

	rows = rows[:0]
	for _, a := range p.Anomalies {
		rows = append(rows, []any{string(a.Severity), a.EntityType, deref(a.LegacyRef), a.Message})
	}
	if err := writeSheet(f, sheetAnomalies, anomalySheetHeader, rows, headerStyle); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, p *Preview, headerStyle int) error {
	s := p.Summary
	rows := [][]any{
		{"Can proceed", yesNo(p.CanProceed)},
		{"Total patients", s.TotalPatients},
		{"Patients with data", s.PatientsWithData},
		{"Patients without data", s.PatientsEmpty},
		{"Total treatments", s.TotalTreatments},
		{"Pending", s.TreatmentsPending},
		{"In progress", s.TreatmentsInProgress},
		{"Completed", s.TreatmentsCompleted},
		{"Cancelled", s.TreatmentsCancelled},
		{"Unknown status", s.TreatmentsUnknown},
		{"Total payments", s.TotalPayments},
		{"Total revenue", s.TotalRevenue},
		{"Outstanding", s.TotalOutstanding},
		{"Odontogram entries", s.TotalOdontograms},
		{"History documents", s.TotalDocuments},
		{"Orphan treatments", s.OrphanTreatments},
		{"Patient orphan payments", s.PatientOrphanPayments},
		{"Orphan payments", s.OrphanPayments},
		{"Orphan odontograms", s.OrphanOdontograms},
		{"Critical issues", len(p.Report.CriticalIssues)},
		{"Errors", len(p.Report.Errors)},
		{"Total issues", p.Report.TotalIssues},
	}
	return fillSheet(f, sheetSummary, []string{"Metric", "Value"}, rows, headerStyle)
}

func writeSheet(f *excelize.File, name string, header []string, rows [][]any, headerStyle int) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	return fillSheet(f, name, header, rows, headerStyle)
}

func fillSheet(f *excelize.File, name string, header []string, rows [][]any, headerStyle int) error {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(name, "A1", &cells); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(name, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", name, err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", name, i+2, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(name, "A", lastCol, 20)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
