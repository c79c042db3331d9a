package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/legacy-import/internal/legacy/pxdb"
)

const (
	placeholderFirstName = "Paciente"
	placeholderLastName  = "Sin datos"
)

// columnRule assigns a column value to a DTO field when the lower-cased
// column name matches. For each column the first matching rule wins.
type columnRule[T any] struct {
	match  func(key string) bool
	assign func(dst *T, value string)
}

func applyRules[T any](rules []columnRule[T], dst *T, t *pxdb.Table, row pxdb.Row) {
	for _, f := range t.Fields {
		key := strings.ToLower(f.Name)
		value := strings.TrimSpace(row[f.Name])
		for _, r := range rules {
			if r.match(key) {
				r.assign(dst, value)
				break
			}
		}
	}
}

// setIfEmpty stores v in *dst unless *dst already holds a value or v is empty.
func setIfEmpty(dst **string, v string) {
	if v == "" || (*dst != nil && **dst != "") {
		return
	}
	*dst = &v
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ---------------------------------------------------------------------------
// Column rules
// ---------------------------------------------------------------------------

var (
	patientRefLike   = contains("clavepac", "clavpac", "paciente", "patient", "id_pac")
	treatmentRefLike = all(contains("clavetratam", "tratam", "treatment", "consecutivo", "notrat"), not(contains("clavepac", "clavpac")))
)

var patientRules = []columnRule[PatientDTO]{
	{contains("tipo_doc", "tipodoc"), func(p *PatientDTO, v string) { p.DocumentType = optional(strings.ToUpper(v)) }},
	{all(contains("nombre"), not(contains("apellido"))), func(p *PatientDTO, v string) { p.FirstName = CollapseSpaces(v) }},
	{contains("apellido"), func(p *PatientDTO, v string) { p.LastName = CollapseSpaces(v) }},
	{contains("documento", "dni", "cedula"), func(p *PatientDTO, v string) { p.DocumentNumber = strPtr(NormalizeDocument(v)) }},
	{contains("clavpac", "clavepac"), func(p *PatientDTO, v string) {
		setIfEmpty(&p.LegacyID, v)
		setIfEmpty(&p.DocumentNumber, NormalizeDocument(v))
	}},
	{contains("clavedoc", "doc"), func(p *PatientDTO, v string) { setIfEmpty(&p.DocumentNumber, NormalizeDocument(v)) }},
	{contains("registro"), func(p *PatientDTO, v string) { setIfEmpty(&p.DocumentNumber, NormalizeDocument(v)) }},
	{contains("telefono", "phone", "celular"), func(p *PatientDTO, v string) { p.Phone = strPtr(NormalizePhone(v)) }},
	{contains("email", "correo", "mail"), func(p *PatientDTO, v string) { p.Email = strPtr(NormalizeEmail(v)) }},
	{contains("direccion", "address", "domicilio"), func(p *PatientDTO, v string) { p.Address = strPtr(CollapseSpaces(v)) }},
	{contains("ciudad", "city", "localidad"), func(p *PatientDTO, v string) { p.City = strPtr(CollapseSpaces(v)) }},
	{anyOf(equals("cp"), contains("postal", "codpos")), func(p *PatientDTO, v string) { p.PostalCode = optional(v) }},
	{contains("fecha_nac", "fechanac", "nacimiento", "birth"), func(p *PatientDTO, v string) { p.BirthDate = ParseLegacyDate(v) }},
	{contains("sexo", "genero", "gender"), func(p *PatientDTO, v string) { p.Gender = strPtr(NormalizeGender(v)) }},
	{contains("sangre", "blood"), func(p *PatientDTO, v string) { p.BloodType = optional(strings.ToUpper(v)) }},
	{contains("alergia", "allergy"), func(p *PatientDTO, v string) { p.Allergies = strPtr(v) }},
	{contains("observ", "notas", "notes"), func(p *PatientDTO, v string) { p.MedicalNotes = optional(v) }},
	{anyOf(equals("id"), contains("id_pac", "patient_id")), func(p *PatientDTO, v string) { p.LegacyID = optional(v) }},
}

var treatmentRules = []columnRule[TreatmentDTO]{
	{anyOf(equals("id"), contains("id_trat", "notrat", "clavetratam")), func(t *TreatmentDTO, v string) { t.LegacyID = optional(v) }},
	{patientRefLike, func(t *TreatmentDTO, v string) { t.PatientKey = optional(v) }},
	{contains("descripcio", "description"), func(t *TreatmentDTO, v string) { t.Description = optional(v) }},
	{contains("nombre", "tratamiento", "treatment", "concepto"), func(t *TreatmentDTO, v string) { t.Name = CollapseSpaces(v) }},
	{contains("pieza", "tooth", "diente"), func(t *TreatmentDTO, v string) { t.ToothNumber = optional(v) }},
	{contains("sector", "cuadrante"), func(t *TreatmentDTO, v string) { t.Sector = optional(v) }},
	{contains("estado", "status", "avance"), func(t *TreatmentDTO, v string) { t.Status = ParseTreatmentStatus(v) }},
	{contains("pagado", "paid", "abonado"), func(t *TreatmentDTO, v string) {
		t.PaidAmount = ParseCurrency(v)
		t.PaidRecorded = v != ""
	}},
	{contains("saldo", "balance", "debe"), func(t *TreatmentDTO, v string) {
		if v != "" {
			b := ParseCurrency(v)
			t.RecordedBalance = &b
		}
	}},
	{contains("costo", "precio", "total", "honorario"), func(t *TreatmentDTO, v string) { t.TotalCost = ParseCurrency(v) }},
	{contains("programad", "planead", "planned"), func(t *TreatmentDTO, v string) { t.PlannedDate = ParseLegacyDate(v) }},
	{contains("termin", "finaliz", "completed"), func(t *TreatmentDTO, v string) { t.CompletedDate = ParseLegacyDate(v) }},
	{contains("fecha", "inicio", "date"), func(t *TreatmentDTO, v string) { t.StartedDate = ParseLegacyDate(v) }},
	{contains("observ", "nota", "notes"), func(t *TreatmentDTO, v string) { t.Notes = optional(v) }},
}

var paymentRules = []columnRule[PaymentDTO]{
	{anyOf(equals("id"), contains("id_pago", "nopago")), func(p *PaymentDTO, v string) { p.LegacyID = optional(v) }},
	{treatmentRefLike, func(p *PaymentDTO, v string) { p.TreatmentKey = optional(v) }},
	{patientRefLike, func(p *PaymentDTO, v string) { p.PatientKey = optional(v) }},
	{contains("monto", "amount", "importe", "pago", "abono"), func(p *PaymentDTO, v string) { p.Amount = ParseCurrency(v) }},
	{contains("fecha", "date"), func(p *PaymentDTO, v string) { p.PaymentDate = ParseLegacyDate(v) }},
	{contains("metodo", "method", "forma"), func(p *PaymentDTO, v string) { p.PaymentMethod = optional(v) }},
	{contains("concepto", "observ", "nota"), func(p *PaymentDTO, v string) { p.Notes = optional(v) }},
}

var odontogramRules = []columnRule[OdontogramDTO]{
	{equals("id"), func(o *OdontogramDTO, v string) { o.LegacyID = optional(v) }},
	{patientRefLike, func(o *OdontogramDTO, v string) { o.PatientKey = optional(v) }},
	{contains("nodiente", "diente", "tooth", "pieza"), func(o *OdontogramDTO, v string) { o.ToothNumber = v }},
	{contains("tipo", "condition", "notrata"), func(o *OdontogramDTO, v string) { o.Condition = v }},
	{contains("color", "colour"), func(o *OdontogramDTO, v string) { o.Color = optional(v) }},
	{contains("concepto", "notes", "observ"), func(o *OdontogramDTO, v string) { o.Notes = optional(v) }},
	{contains("fecha", "date"), func(o *OdontogramDTO, v string) { o.Date = ParseLegacyDate(v) }},
}

// ---------------------------------------------------------------------------
// Transform
// ---------------------------------------------------------------------------

// TransformResult holds the flat DTO lists of one pass. Children carry the
// legacy keys of their parents; attachment is left to Reconcile.
type TransformResult struct {
	Patients    []*PatientDTO
	Treatments  []*TreatmentDTO
	Payments    []*PaymentDTO
	Odontograms []*OdontogramDTO
	Issues      []ValidationIssue
}

// Rows returns the number of DTOs produced.
func (r *TransformResult) Rows() int {
	return len(r.Patients) + len(r.Treatments) + len(r.Payments) + len(r.Odontograms)
}

// Transform maps every row of the classified tables to DTOs. A row that
// cannot be mapped is dropped with a Warning issue.
func Transform(c *Classification, now time.Time) *TransformResult {
	res := &TransformResult{}
	if c == nil || c.Patients == nil {
		return res
	}

	forEachRow(c.Patients, EntityPatient, res, func(row pxdb.Row, meta RecordMetadata) {
		p := &PatientDTO{TempID: uuid.New(), RawData: row, Meta: meta}
		applyRules(patientRules, p, c.Patients, row)
		fillPatientName(p)
		p.Meta.LegacyKey = p.Key()
		res.Patients = append(res.Patients, p)
	})

	if t := c.Treatments; t != nil {
		forEachRow(t, EntityTreatment, res, func(row pxdb.Row, meta RecordMetadata) {
			tr := &TreatmentDTO{TempID: uuid.New(), Status: StatusPending, RawData: row, Meta: meta}
			applyRules(treatmentRules, tr, t, row)
			tr.Meta.LegacyKey = tr.Key()
			res.Treatments = append(res.Treatments, tr)
		})
	}

	if t := c.Payments; t != nil {
		forEachRow(t, EntityPayment, res, func(row pxdb.Row, meta RecordMetadata) {
			p := &PaymentDTO{TempID: uuid.New(), RawData: row, Meta: meta}
			applyRules(paymentRules, p, t, row)
			if p.LegacyID != nil {
				p.Meta.LegacyKey = NormalizeLegacyKey(*p.LegacyID)
			}
			res.Payments = append(res.Payments, p)
		})
	}

	if t := c.Odontograms; t != nil {
		forEachRow(t, EntityOdontogram, res, func(row pxdb.Row, meta RecordMetadata) {
			o := &OdontogramDTO{TempID: uuid.New(), RawData: row, Meta: meta}
			applyRules(odontogramRules, o, t, row)
			if o.LegacyID != nil {
				o.Meta.LegacyKey = NormalizeLegacyKey(*o.LegacyID)
			}
			res.Odontograms = append(res.Odontograms, o)
		})
	}

	stamp(res, now)
	return res
}

func forEachRow(t *pxdb.Table, entity string, res *TransformResult, fn func(pxdb.Row, RecordMetadata)) {
	for i, row := range t.Rows {
		if blankRow(row) {
			res.Issues = append(res.Issues, ValidationIssue{
				Severity:   SeverityWarning,
				EntityType: entity,
				Field:      "row",
				Message:    fmt.Sprintf("row %d of %s has no values; skipped", i, t.Name),
			})
			continue
		}
		fn(row, RecordMetadata{
			SourceTable: t.Name,
			SourceFile:  t.File,
			RowIndex:    i,
			ContentHash: HashRow(row),
		})
	}
}

func stamp(res *TransformResult, now time.Time) {
	for _, p := range res.Patients {
		p.Meta.ExtractedAt = now
	}
	for _, t := range res.Treatments {
		t.Meta.ExtractedAt = now
	}
	for _, p := range res.Payments {
		p.Meta.ExtractedAt = now
	}
	for _, o := range res.Odontograms {
		o.Meta.ExtractedAt = now
	}
}

func blankRow(row pxdb.Row) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// fillPatientName guarantees non-empty name parts. A single full-name column
// is split on its last word; otherwise the legacy id, then the document
// number, then a fixed placeholder stand in.
func fillPatientName(p *PatientDTO) {
	if p.LastName == "" && p.FirstName != "" {
		parts := strings.Fields(p.FirstName)
		if len(parts) >= 2 {
			p.LastName = parts[len(parts)-1]
			p.FirstName = strings.Join(parts[:len(parts)-1], " ")
		} else {
			p.LastName = placeholderFirstName
		}
	}
	if p.FirstName == "" && p.LastName != "" {
		p.FirstName = placeholderFirstName
	}
	if p.FirstName != "" {
		return
	}

	p.FirstName = placeholderFirstName
	switch {
	case deref(p.LegacyID) != "":
		p.LastName = "#" + *p.LegacyID
	case deref(p.DocumentNumber) != "":
		p.LastName = *p.DocumentNumber
	default:
		p.LastName = placeholderLastName
	}
}
