package importer

import (
	"fmt"
	"strings"

	"github.com/ehr/legacy-import/internal/legacy/pxdb"
)

// Role is what a legacy table holds.
type Role string

const (
	RolePatients    Role = "patients"
	RoleTreatments  Role = "treatments"
	RolePayments    Role = "payments"
	RoleOdontograms Role = "odontograms"
)

// roleOrder is the order in which tables are claimed. A table claimed by an
// earlier role is not offered to later ones.
var roleOrder = []Role{RolePatients, RoleTreatments, RolePayments, RoleOdontograms}

// fieldRule adds weight to a table for every field whose lower-cased name
// matches. With once set, it scores at most one field per table.
type fieldRule struct {
	match  func(name string) bool
	weight int
	once   bool
}

// tableRule scores a table as a whole (field count, row count, penalties).
type tableRule func(t *pxdb.Table) int

type roleRules struct {
	fields []fieldRule
	tables []tableRule
	// require, when set, must hold for the table to qualify at all.
	require func(t *pxdb.Table) bool
	// threshold is the score a table must exceed.
	threshold int
}

func contains(subs ...string) func(string) bool {
	return func(name string) bool {
		for _, s := range subs {
			if strings.Contains(name, s) {
				return true
			}
		}
		return false
	}
}

func equals(v string) func(string) bool {
	return func(name string) bool { return name == v }
}

func all(preds ...func(string) bool) func(string) bool {
	return func(name string) bool {
		for _, p := range preds {
			if !p(name) {
				return false
			}
		}
		return true
	}
}

func anyOf(preds ...func(string) bool) func(string) bool {
	return func(name string) bool {
		for _, p := range preds {
			if p(name) {
				return true
			}
		}
		return false
	}
}

func not(pred func(string) bool) func(string) bool {
	return func(name string) bool { return !pred(name) }
}

func hasField(t *pxdb.Table, pred func(string) bool) bool {
	for _, f := range t.Fields {
		if pred(strings.ToLower(f.Name)) {
			return true
		}
	}
	return false
}

var (
	nameLike      = contains("nombre", "name")
	patientIDLike = anyOf(contains("clavpac", "clavepac", "clavedoc", "document", "doc", "registro", "reg", "id_pac", "patient", "paciente"), equals("id"))
	patientLike   = contains("clavpac", "clavepac")
)

var classificationRules = map[Role]roleRules{
	RolePatients: {
		fields: []fieldRule{
			{match: nameLike, weight: 5},
			{match: contains("clavpac", "clavepac"), weight: 4},
			{match: contains("clavedoc", "document", "doc"), weight: 3},
			{match: contains("registro", "reg"), weight: 3},
			{match: contains("sexo", "genero", "gender"), weight: 2},
			{match: contains("direccion", "domicilio", "address"), weight: 2},
			{match: contains("telefono", "phone"), weight: 2},
			{match: contains("email", "correo", "mail"), weight: 2},
		},
		tables: []tableRule{
			func(t *pxdb.Table) int {
				if len(t.Fields) >= 15 {
					return 3
				}
				return 0
			},
			func(t *pxdb.Table) int {
				if len(t.Rows) >= 100 {
					return 3
				}
				return 0
			},
		},
		require: func(t *pxdb.Table) bool {
			return hasField(t, nameLike) && hasField(t, patientIDLike)
		},
		threshold: 0,
	},
	RoleTreatments: {
		fields: []fieldRule{
			{match: anyOf(contains("notrat"), all(contains("trat"), contains("id"))), weight: 10},
			{match: contains("descripcio"), weight: 5},
			{match: contains("precio", "honorario"), weight: 5},
			{match: contains("referencia"), weight: 3},
			{match: contains("categoria", "tipo"), weight: 3},
			{match: contains("tratamiento", "treatment"), weight: 4},
			{match: contains("procedimiento", "procedure"), weight: 4},
			{match: contains("costo", "cost"), weight: 3},
		},
		tables: []tableRule{
			func(t *pxdb.Table) int {
				if hasField(t, patientLike) || (len(t.Fields) > 10 && hasField(t, contains("nombre"))) {
					return -20
				}
				return 0
			},
		},
		threshold: 5,
	},
	RolePayments: {
		fields: []fieldRule{
			{match: contains("pago", "payment"), weight: 5, once: true},
			{match: all(contains("clave"), contains("pac", "tratam")), weight: 3, once: true},
			{match: contains("fecha", "date"), weight: 2, once: true},
			{match: contains("monto", "amount", "importe"), weight: 2, once: true},
		},
		require: func(t *pxdb.Table) bool {
			return hasField(t, contains("pago", "payment", "monto", "amount")) ||
				hasField(t, all(contains("clave"), contains("pac", "tratam")))
		},
		threshold: 0,
	},
	RoleOdontograms: {
		fields: []fieldRule{
			{match: contains("diente", "tooth"), weight: 5},
			{match: contains("clavepac", "clavpac"), weight: 3},
			{match: contains("tipo", "color"), weight: 2},
			{match: contains("avance", "estado"), weight: 2},
		},
		threshold: 4,
	},
}

// Score returns the weight of t for role, and whether t qualifies at all.
func Score(role Role, t *pxdb.Table) (int, bool) {
	rules, ok := classificationRules[role]
	if !ok {
		return 0, false
	}
	if rules.require != nil && !rules.require(t) {
		return 0, false
	}

	score := 0
	for _, r := range rules.fields {
		for _, f := range t.Fields {
			if r.match(strings.ToLower(f.Name)) {
				score += r.weight
				if r.once {
					break
				}
			}
		}
	}
	for _, r := range rules.tables {
		score += r(t)
	}
	return score, score > rules.threshold
}

// Classification assigns at most one table to each role.
type Classification struct {
	Patients    *pxdb.Table
	Treatments  *pxdb.Table
	Payments    *pxdb.Table
	Odontograms *pxdb.Table
	Scores      map[string]map[Role]int
	Issues      []ValidationIssue
}

// Table returns the table assigned to role, or nil.
func (c *Classification) Table(role Role) *pxdb.Table {
	switch role {
	case RolePatients:
		return c.Patients
	case RoleTreatments:
		return c.Treatments
	case RolePayments:
		return c.Payments
	case RoleOdontograms:
		return c.Odontograms
	}
	return nil
}

func (c *Classification) set(role Role, t *pxdb.Table) {
	switch role {
	case RolePatients:
		c.Patients = t
	case RoleTreatments:
		c.Treatments = t
	case RolePayments:
		c.Payments = t
	case RoleOdontograms:
		c.Odontograms = t
	}
}

// Classify picks the best-scoring table for each role. Ties keep the first
// table in input order. Missing roles and tables that qualify for several
// roles are reported as Info issues. Only a missing patients table is fatal.
func Classify(tables []*pxdb.Table) (*Classification, error) {
	c := &Classification{Scores: make(map[string]map[Role]int)}

	byTable := make(map[*pxdb.Table]map[Role]int)
	qualifies := make(map[*pxdb.Table][]Role)
	for _, t := range tables {
		scores := make(map[Role]int)
		for _, role := range roleOrder {
			s, ok := Score(role, t)
			if ok {
				scores[role] = s
				qualifies[t] = append(qualifies[t], role)
			}
		}
		byTable[t] = scores
		c.Scores[t.Name] = scores
	}

	claimed := make(map[*pxdb.Table]Role)
	for _, role := range roleOrder {
		var best *pxdb.Table
		bestScore := 0
		for _, t := range tables {
			s, ok := byTable[t][role]
			if !ok {
				continue
			}
			if _, taken := claimed[t]; taken {
				continue
			}
			if best == nil || s > bestScore {
				best, bestScore = t, s
			}
		}
		if best == nil {
			c.Issues = append(c.Issues, ValidationIssue{
				Severity:   SeverityInfo,
				EntityType: EntitySystem,
				Field:      "tables",
				Message:    fmt.Sprintf("no table matches role %s", role),
			})
			continue
		}
		claimed[best] = role
		c.set(role, best)
	}

	for _, t := range tables {
		roles := qualifies[t]
		if len(roles) < 2 {
			continue
		}
		names := make([]string, len(roles))
		for i, r := range roles {
			names[i] = string(r)
		}
		assigned := "none"
		if r, ok := claimed[t]; ok {
			assigned = string(r)
		}
		c.Issues = append(c.Issues, ValidationIssue{
			Severity:   SeverityInfo,
			EntityType: EntitySystem,
			Field:      "tables",
			Message: fmt.Sprintf("table %s matches several roles (%s); assigned to %s",
				t.Name, strings.Join(names, ", "), assigned),
		})
	}

	c.Issues = append(c.Issues, ValidationIssue{
		Severity:   SeverityInfo,
		EntityType: EntitySystem,
		Field:      "tables",
		Message: fmt.Sprintf("tables identified - patients: %s, treatments: %s, payments: %s, odontograms: %s",
			tableName(c.Patients), tableName(c.Treatments), tableName(c.Payments), tableName(c.Odontograms)),
	})

	if c.Patients == nil {
		return c, ErrNoPatientsTable
	}
	return c, nil
}

func tableName(t *pxdb.Table) string {
	if t == nil {
		return "none"
	}
	return t.Name
}
