package importer

import (
	"fmt"
	"math"
	"strings"
)

// minDocumentLength is below which a document number is suspicious.
const minDocumentLength = 6

// ValidationResult is the issue ledger of one validation pass.
type ValidationResult struct {
	Issues        []ValidationIssue `json:"issues"`
	CriticalCount int               `json:"critical_count"`
	ErrorCount    int               `json:"error_count"`
	WarningCount  int               `json:"warning_count"`
	InfoCount     int               `json:"info_count"`
}

// Add appends issues and updates the counters.
func (r *ValidationResult) Add(issues ...ValidationIssue) {
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityCritical:
			r.CriticalCount++
		case SeverityError:
			r.ErrorCount++
		case SeverityWarning:
			r.WarningCount++
		default:
			r.InfoCount++
		}
		r.Issues = append(r.Issues, iss)
	}
}

// CanProceed is true iff there are no critical and no error issues.
func (r *ValidationResult) CanProceed() bool {
	return r.CriticalCount == 0 && r.ErrorCount == 0
}

// Summary is a one-line verdict for logs and the CLI.
func (r *ValidationResult) Summary() string {
	verdict := "APPROVED"
	if !r.CanProceed() {
		verdict = "REJECTED"
	}
	return fmt.Sprintf("validation: %s | critical: %d | errors: %d | warnings: %d",
		verdict, r.CriticalCount, r.ErrorCount, r.WarningCount)
}

// Validate runs field-level, domain and cross-entity checks over the graph.
func Validate(g *Graph) *ValidationResult {
	res := &ValidationResult{}
	for _, p := range g.Patients {
		res.Add(validatePatient(p)...)
		for _, t := range p.Treatments {
			res.Add(validateTreatment(t)...)
			for _, pay := range t.Payments {
				res.Add(validatePayment(pay)...)
			}
			res.Add(validatePaymentsConsistency(t)...)
		}
		for _, pay := range p.OrphanPayments {
			res.Add(validatePayment(pay)...)
		}
	}
	for _, t := range g.OrphanTreatments {
		res.Add(validateTreatment(t)...)
	}
	for _, pay := range g.OrphanPayments {
		res.Add(validatePayment(pay)...)
	}
	res.Add(validateDuplicateDocuments(g.Patients)...)
	return res
}

func patientLabel(p *PatientDTO) string {
	switch {
	case p.FullName() != "":
		return p.FullName()
	case deref(p.DocumentNumber) != "":
		return "doc " + *p.DocumentNumber
	case deref(p.LegacyID) != "":
		return "legacy id " + *p.LegacyID
	}
	return "unknown patient"
}

func validatePatient(p *PatientDTO) []ValidationIssue {
	var issues []ValidationIssue
	warn := func(field, msg string) {
		issues = append(issues, newIssue(SeverityWarning, EntityPatient, p.TempID, field, msg))
	}
	info := func(field, msg string) {
		issues = append(issues, newIssue(SeverityInfo, EntityPatient, p.TempID, field, msg))
	}
	label := patientLabel(p)

	if strings.TrimSpace(p.FirstName) == "" {
		warn("first_name", fmt.Sprintf("[%s] first name is missing", label))
	}
	if strings.TrimSpace(p.LastName) == "" {
		warn("last_name", fmt.Sprintf("[%s] last name is missing", label))
	}
	if p.LegacyID == nil {
		warn("legacy_id", fmt.Sprintf("[%s] patient has no legacy id", label))
	}

	switch {
	case p.DocumentNumber == nil:
		warn("document_number", fmt.Sprintf("patient without document: %s", label))
	case strings.TrimSpace(*p.DocumentNumber) == "":
		warn("document_number", "document number is empty")
	case len(*p.DocumentNumber) < minDocumentLength:
		iss := newIssue(SeverityWarning, EntityPatient, p.TempID, "document_number",
			fmt.Sprintf("document number suspiciously short: '%s'", *p.DocumentNumber))
		iss.RawValue = p.DocumentNumber
		issues = append(issues, iss)
	}

	if p.Email != nil && *p.Email != "" && (!strings.Contains(*p.Email, "@") || !strings.Contains(*p.Email, ".")) {
		iss := newIssue(SeverityWarning, EntityPatient, p.TempID, "email",
			fmt.Sprintf("malformed email: '%s'", *p.Email))
		iss.RawValue = p.Email
		issues = append(issues, iss)
	}

	switch {
	case p.Phone == nil:
		info("phone", fmt.Sprintf("patient without phone: %s", label))
	case *p.Phone == "":
		warn("phone", "phone is empty")
	}

	if p.BirthDate == nil {
		info("birth_date", "birth date not available")
	}
	if n := len(p.OrphanPayments); n > 0 {
		warn("orphan_payments", fmt.Sprintf("patient has %d payments without a treatment", n))
	}
	return issues
}

func validateTreatment(t *TreatmentDTO) []ValidationIssue {
	var issues []ValidationIssue
	add := func(sev Severity, field, msg string) {
		issues = append(issues, newIssue(sev, EntityTreatment, t.TempID, field, msg))
	}

	if strings.TrimSpace(t.Name) == "" {
		add(SeverityError, "name", "treatment name is required")
	}
	if t.LegacyID == nil {
		add(SeverityWarning, "legacy_id", "treatment has no legacy key; traceability is lost")
	}
	if t.TotalCost < 0 {
		add(SeverityError, "total_cost", fmt.Sprintf("negative cost: %.2f", t.TotalCost))
	}
	if t.PaidAmount < 0 {
		add(SeverityError, "paid_amount", fmt.Sprintf("negative paid amount: %.2f", t.PaidAmount))
	}
	if t.PaidAmount > t.TotalCost+balanceTolerance {
		add(SeverityWarning, "paid_amount",
			fmt.Sprintf("paid amount (%.2f) exceeds total cost (%.2f)", t.PaidAmount, t.TotalCost))
	}

	expected := t.TotalCost - t.PaidAmount
	if !t.BalanceConsistent() {
		add(SeverityWarning, "balance",
			fmt.Sprintf("inconsistent balance: recorded %.2f, computed %.2f", t.Balance, expected))
	} else if t.RecordedBalance != nil && math.Abs(*t.RecordedBalance-expected) > balanceTolerance {
		add(SeverityWarning, "balance",
			fmt.Sprintf("legacy balance %.2f differs from computed %.2f", *t.RecordedBalance, expected))
	}

	if t.Status == StatusUnknown {
		add(SeverityWarning, "status", "unknown or unrecognized treatment status")
	}
	if t.Status == StatusCompleted && t.Balance > balanceTolerance {
		add(SeverityWarning, "status",
			fmt.Sprintf("treatment completed with outstanding balance: %.2f", t.Balance))
	}
	return issues
}

func validatePayment(p *PaymentDTO) []ValidationIssue {
	var issues []ValidationIssue
	if p.Amount <= 0 {
		issues = append(issues, newIssue(SeverityError, EntityPayment, p.TempID, "amount",
			fmt.Sprintf("invalid payment amount: %.2f", p.Amount)))
	}
	if p.TreatmentKey == nil {
		issues = append(issues, newIssue(SeverityWarning, EntityPayment, p.TempID, "treatment_key",
			"payment has no legacy treatment reference"))
	}
	if p.PaymentDate == nil {
		issues = append(issues, newIssue(SeverityWarning, EntityPayment, p.TempID, "payment_date",
			"payment has no date"))
	}
	return issues
}

func validatePaymentsConsistency(t *TreatmentDTO) []ValidationIssue {
	if len(t.Payments) == 0 {
		if t.PaidAmount > 0 {
			return []ValidationIssue{newIssue(SeverityWarning, EntityTreatment, t.TempID, "payments",
				fmt.Sprintf("treatment reports %.2f paid but has no payments", t.PaidAmount))}
		}
		return nil
	}
	sum := t.PaymentsTotal()
	if diff := math.Abs(sum - t.PaidAmount); diff > balanceTolerance {
		return []ValidationIssue{newIssue(SeverityWarning, EntityTreatment, t.TempID, "payments",
			fmt.Sprintf("payments sum (%.2f) does not match recorded paid amount (%.2f); difference %.2f",
				sum, t.PaidAmount, diff))}
	}
	return nil
}

func validateDuplicateDocuments(patients []*PatientDTO) []ValidationIssue {
	var issues []ValidationIssue
	seen := make(map[string]*PatientDTO)
	for _, p := range patients {
		doc := deref(p.DocumentNumber)
		if doc == "" {
			continue
		}
		if other, ok := seen[doc]; ok {
			iss := newIssue(SeverityWarning, EntityPatient, p.TempID, "document_number",
				fmt.Sprintf("document '%s' shared by %s and %s", doc, p.FullName(), other.FullName()))
			iss.RawValue = strPtr(doc)
			issues = append(issues, iss)
			continue
		}
		seen[doc] = p
	}
	return issues
}
