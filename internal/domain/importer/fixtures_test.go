package importer

import (
	"time"

	"github.com/ehr/legacy-import/internal/legacy/pxdb"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// newTable builds an in-memory table; each row lists values in field order.
func newTable(name string, fields []string, rows ...[]string) *pxdb.Table {
	t := &pxdb.Table{File: name + ".DB", Name: name}
	for _, f := range fields {
		t.Fields = append(t.Fields, pxdb.Field{Name: f, Type: pxdb.TypeAlpha, Size: 40})
	}
	for _, r := range rows {
		row := pxdb.Row{}
		for i, f := range fields {
			if i < len(r) {
				row[f] = r[i]
			} else {
				row[f] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func patientsTable(rows ...[]string) *pxdb.Table {
	return newTable("PACIENTE", []string{"CLAVPAC", "NOMBRE", "APELLIDO", "TELEFONO", "EMAIL"}, rows...)
}

func treatmentsTable(rows ...[]string) *pxdb.Table {
	return newTable("TRATAMIENTOS", []string{"NOTRAT", "PACIENTE", "TRATAMIENTO", "COSTO", "PAGADO", "ESTADO"}, rows...)
}

func paymentsTable(rows ...[]string) *pxdb.Table {
	return newTable("PAGOS", []string{"NOPAGO", "CLAVETRATAM", "CLAVEPAC", "MONTO", "FECHA"}, rows...)
}

func odontogramTable(rows ...[]string) *pxdb.Table {
	return newTable("ODONTOGRAMA", []string{"CLAVEPAC", "DIENTE", "TIPO", "COLOR"}, rows...)
}

// sampleTables is a small consistent clinic: two patients, three
// treatments, three payments (one referencing an unknown treatment) and two
// odontogram entries.
func sampleTables() []*pxdb.Table {
	return []*pxdb.Table{
		patientsTable(
			[]string{"p001", "Ana María", "Gómez", "(555) 123-4567", "Ana@Mail.com"},
			[]string{"P002", "Luis", "Pérez", "555 987 6543", ""},
		),
		treatmentsTable(
			[]string{"T1", "P001", "Limpieza", "100,00", "", "terminado"},
			[]string{"T2", "P001", "Endodoncia", "500", "", "pendiente"},
			[]string{"T3", "P002", "Extracción", "80.50", "80.50", "en tratamiento"},
		),
		paymentsTable(
			[]string{"1", "T1", "P001", "100", "01/02/2020"},
			[]string{"2", "T2", "P001", "200", "03/02/2020"},
			[]string{"3", "T9", "P002", "50", "04/02/2020"},
		),
		odontogramTable(
			[]string{"P001", "11", "caries", "rojo"},
			[]string{"P002", "36", "corona", "azul"},
		),
	}
}

// sampleGraph runs classify, transform and reconcile over sampleTables.
func sampleGraph() *Graph {
	c, err := Classify(sampleTables())
	if err != nil {
		panic(err)
	}
	return Reconcile(Transform(c, fixedNow))
}

func findPatient(g *Graph, legacyID string) *PatientDTO {
	for _, p := range g.Patients {
		if deref(p.LegacyID) == legacyID {
			return p
		}
	}
	return nil
}
