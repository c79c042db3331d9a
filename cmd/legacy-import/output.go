package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ehr/legacy-import/internal/domain/importer"
	"github.com/ehr/legacy-import/internal/legacy/pxdb"
	"github.com/ehr/legacy-import/internal/platform/db"
)

// maxCell truncates wide values in row dumps.
const maxCell = 40

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, t *pxdb.Table, rows int) {
	d := t.Diagnostics
	fmt.Fprintf(w, "Table:       %s (%s)\n", t.Name, t.File)
	fmt.Fprintf(w, "Reader:      %s\n", d.Reader)
	fmt.Fprintf(w, "Encoding:    %s (code page 0x%02X)\n", d.Encoding, d.CodePage)
	fmt.Fprintf(w, "Records:     %d declared, %d read, %d deleted, %d failed\n", d.Declared, d.Read, d.Deleted, d.Failed)
	fmt.Fprintf(w, "Record size: %d bytes, %d key field(s)\n", d.RecordSize, d.KeyFields)
	if d.MemoFile != "" {
		fmt.Fprintf(w, "Memo file:   %s\n", d.MemoFile)
	}

	fmt.Fprintf(w, "\n%-4s %-30s %-12s %s\n", "#", "FIELD", "TYPE", "SIZE")
	fmt.Fprintln(w, "---- ------------------------------ ------------ ----")
	for i, f := range t.Fields {
		fmt.Fprintf(w, "%-4d %-30s %-12s %d\n", i+1, f.Name, f.TypeName(), f.Size)
	}

	if rows <= 0 || len(t.Rows) == 0 {
		return
	}
	fmt.Fprintln(w)
	names := t.FieldNames()
	for i, row := range t.Rows {
		if i >= rows {
			break
		}
		fmt.Fprintf(w, "Row %d\n", i+1)
		for _, n := range names {
			fmt.Fprintf(w, "  %-30s %s\n", n, clip(row[n], maxCell))
		}
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printPreview(w io.Writer, p *importer.Preview) {
	s := p.Summary
	fmt.Fprintln(w, "Import preview")
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "Patients:     %d (%d with data, %d empty)\n", s.TotalPatients, s.PatientsWithData, s.PatientsEmpty)
	fmt.Fprintf(w, "Treatments:   %d (pending %d, in progress %d, completed %d, cancelled %d, unknown %d)\n",
		s.TotalTreatments, s.TreatmentsPending, s.TreatmentsInProgress, s.TreatmentsCompleted, s.TreatmentsCancelled, s.TreatmentsUnknown)
	fmt.Fprintf(w, "Payments:     %d\n", s.TotalPayments)
	fmt.Fprintf(w, "Revenue:      %.2f\n", s.TotalRevenue)
	fmt.Fprintf(w, "Outstanding:  %.2f\n", s.TotalOutstanding)
	fmt.Fprintf(w, "Odontograms:  %d\n", s.TotalOdontograms)
	fmt.Fprintf(w, "Histories:    %d\n", s.TotalDocuments)
	fmt.Fprintf(w, "Orphans:      %d treatments, %d payments without patient, %d payments, %d odontograms\n",
		s.OrphanTreatments, s.PatientOrphanPayments, s.OrphanPayments, s.OrphanOdontograms)

	r := p.Report
	fmt.Fprintf(w, "\nValidation: %d issue(s), %d critical, %d error(s), %d warning(s) shown\n",
		r.TotalIssues, len(r.CriticalIssues), len(r.Errors), len(r.Warnings))
	printList(w, "CRITICAL", r.CriticalIssues)
	printList(w, "ERROR", r.Errors)
	printList(w, "WARNING", r.Warnings)

	if len(p.Anomalies) > 0 {
		bySeverity := map[importer.Severity]int{}
		for _, a := range p.Anomalies {
			bySeverity[a.Severity]++
		}
		fmt.Fprintf(w, "\nAnomalies: %d (critical %d, error %d, warning %d, info %d)\n", len(p.Anomalies),
			bySeverity[importer.SeverityCritical], bySeverity[importer.SeverityError],
			bySeverity[importer.SeverityWarning], bySeverity[importer.SeverityInfo])
	}

	if p.CanProceed {
		fmt.Fprintln(w, "\nResult: APPROVED")
	} else {
		fmt.Fprintln(w, "\nResult: REJECTED (resolve critical issues and errors before importing)")
	}
}

func printList(w io.Writer, label string, items []string) {
	for _, it := range items {
		fmt.Fprintf(w, "  [%s] %s\n", label, it)
	}
}

func printResult(w io.Writer, r *importer.PersistResult) {
	fmt.Fprintf(w, "\nImport %s completed in %dms\n", r.RunID, r.DurationMS)
	fmt.Fprintf(w, "  patients     %d\n", r.Patients)
	fmt.Fprintf(w, "  treatments   %d\n", r.Treatments)
	fmt.Fprintf(w, "  payments     %d\n", r.Payments)
	fmt.Fprintf(w, "  odontograms  %d\n", r.Odontograms)
	fmt.Fprintf(w, "  histories    %d (%d truncated, %d failed)\n", r.Documents, r.DocumentsTruncated, r.DocumentsFailed)
	fmt.Fprintf(w, "  anomalies    %d\n", r.Anomalies)
}

func printRuns(w io.Writer, runs []*importer.ImportRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No import runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s %-12s %-20s %s\n", "RUN", "STATUS", "STARTED AT", "SOURCE")
	fmt.Fprintln(w, "------------------------------------ ------------ -------------------- ------")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s %-12s %-20s %s\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.SourcePath)
		if r.Error != nil {
			fmt.Fprintf(w, "  error: %s\n", *r.Error)
		}
	}
}

func printClear(w io.Writer, r *importer.ClearResult) {
	fmt.Fprintln(w, "Imported data cleared:")
	fmt.Fprintf(w, "  patients     %d\n", r.Patients)
	fmt.Fprintf(w, "  treatments   %d\n", r.Treatments)
	fmt.Fprintf(w, "  payments     %d\n", r.Payments)
	fmt.Fprintf(w, "  odontograms  %d\n", r.Odontograms)
	fmt.Fprintf(w, "  histories    %d\n", r.Documents)
	fmt.Fprintf(w, "  mappings     %d\n", r.Mappings)
	fmt.Fprintf(w, "  runs         %d\n", r.Runs)
}

func printMigrations(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
