package importer

import (
	"errors"
	"strings"
	"testing"

	"github.com/ehr/legacy-import/internal/legacy/pxdb"
)

func TestClassify_AssignsEveryRole(t *testing.T) {
	tables := sampleTables()
	c, err := Classify(tables)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[Role]string{
		RolePatients:    "PACIENTE",
		RoleTreatments:  "TRATAMIENTOS",
		RolePayments:    "PAGOS",
		RoleOdontograms: "ODONTOGRAMA",
	}
	for role, name := range want {
		got := c.Table(role)
		if got == nil {
			t.Errorf("role %s: no table assigned", role)
			continue
		}
		if got.Name != name {
			t.Errorf("role %s: expected %s, got %s", role, name, got.Name)
		}
	}
}

func TestClassify_ReportsAmbiguousTable(t *testing.T) {
	c, err := Classify(sampleTables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, iss := range c.Issues {
		if iss.Severity != SeverityInfo {
			t.Errorf("classifier issues must be info, got %s: %s", iss.Severity, iss.Message)
		}
		if strings.Contains(iss.Message, "ODONTOGRAMA matches several roles") {
			found = true
		}
	}
	if !found {
		t.Error("expected an info issue for the odontogram table matching several roles")
	}
}

func TestClassify_MissingOptionalRoles(t *testing.T) {
	c, err := Classify([]*pxdb.Table{patientsTable([]string{"P1", "Ana", "Gómez"})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Treatments != nil || c.Payments != nil || c.Odontograms != nil {
		t.Error("expected only the patients role to be assigned")
	}
	missing := 0
	for _, iss := range c.Issues {
		if strings.HasPrefix(iss.Message, "no table matches role") {
			missing++
		}
	}
	if missing != 3 {
		t.Errorf("expected 3 missing-role issues, got %d", missing)
	}
}

func TestClassify_NoPatientsTable(t *testing.T) {
	c, err := Classify([]*pxdb.Table{treatmentsTable()})
	if !errors.Is(err, ErrNoPatientsTable) {
		t.Fatalf("expected ErrNoPatientsTable, got %v", err)
	}
	if c == nil || c.Treatments == nil {
		t.Error("expected the treatments table to be classified anyway")
	}
}

func TestClassify_TablesWithSameName(t *testing.T) {
	a := patientsTable([]string{"P1", "Ana", "Gómez"})
	b := treatmentsTable([]string{"T1", "P1", "Limpieza", "10"})
	b.Name = a.Name

	c, err := Classify([]*pxdb.Table{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Patients != a || c.Treatments != b {
		t.Error("tables sharing a name must be scored independently")
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		table   *pxdb.Table
		qualify bool
	}{
		{"patients", RolePatients, patientsTable(), true},
		{"patients without id column", RolePatients, newTable("X", []string{"NOMBRE", "TELEFONO"}), false},
		{"treatments", RoleTreatments, treatmentsTable(), true},
		{"treatments penalized by patient key", RoleTreatments, newTable("X", []string{"CLAVPAC", "TRATAMIENTO", "COSTO"}), false},
		{"payments", RolePayments, paymentsTable(), true},
		{"payments without amount or key", RolePayments, newTable("X", []string{"FECHA", "NOTA"}), false},
		{"odontograms", RoleOdontograms, odontogramTable(), true},
		{"odontograms below threshold", RoleOdontograms, newTable("X", []string{"COLOR", "ESTADO"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Score(tt.role, tt.table)
			if ok != tt.qualify {
				t.Errorf("expected qualify=%v, got %v", tt.qualify, ok)
			}
		})
	}
}
