package importer

import (
	"fmt"

	"github.com/google/uuid"
)

// Graph is the reconciled patient graph. Every transformed row appears
// exactly once: nested under its parent or in one orphan collection. A
// patient or treatment row repeating an earlier legacy key survives only in
// the details of its anomaly.
type Graph struct {
	Patients          []*PatientDTO    `json:"patients"`
	OrphanTreatments  []*TreatmentDTO  `json:"orphan_treatments"`
	OrphanPayments    []*PaymentDTO    `json:"orphan_payments"`
	OrphanOdontograms []*OdontogramDTO `json:"orphan_odontograms"`
	Anomalies         []Anomaly        `json:"anomalies"`
}

// Counts reports the number of entities in the graph.
type Counts struct {
	Patients              int `json:"patients"`
	Treatments            int `json:"treatments"`
	Payments              int `json:"payments"`
	Odontograms           int `json:"odontograms"`
	Documents             int `json:"documents"`
	OrphanTreatments      int `json:"orphan_treatments"`
	PatientOrphanPayments int `json:"patient_orphan_payments"`
	OrphanPayments        int `json:"orphan_payments"`
	OrphanOdontograms     int `json:"orphan_odontograms"`
}

func (g *Graph) Counts() Counts {
	c := Counts{
		Patients:          len(g.Patients),
		OrphanTreatments:  len(g.OrphanTreatments),
		OrphanPayments:    len(g.OrphanPayments),
		OrphanOdontograms: len(g.OrphanOdontograms),
	}
	for _, p := range g.Patients {
		c.Treatments += len(p.Treatments)
		c.Odontograms += len(p.Odontograms)
		c.PatientOrphanPayments += len(p.OrphanPayments)
		c.Documents += len(p.Documents)
		for _, t := range p.Treatments {
			c.Payments += len(t.Payments)
		}
	}
	for _, t := range g.OrphanTreatments {
		c.Payments += len(t.Payments)
	}
	return c
}

// treatmentRef locates a nested treatment two levels down.
type treatmentRef struct {
	patientID   uuid.UUID
	treatmentID uuid.UUID
}

// reconciler holds the lookup maps of one Reconcile call.
type reconciler struct {
	graph          *Graph
	patientByKey   map[string]uuid.UUID
	patientIndex   map[uuid.UUID]int
	treatmentByKey map[string]treatmentRef
	treatmentIndex map[uuid.UUID]int
	// treatmentSeen and paymentSeen hold the first temp id per legacy key,
	// orphans included.
	treatmentSeen map[string]uuid.UUID
	paymentSeen   map[string]uuid.UUID
}

// Reconcile attaches children to their parents by normalized legacy key.
// Unresolved treatments and odontograms become global orphans; payments fall
// back from treatment to patient before becoming global orphans. Each
// orphaning and each repeated patient, treatment or payment key yields
// exactly one anomaly. Repeated patient and treatment rows are excluded;
// repeated payments are kept.
// Treatment balances are recomputed once all payments are attached.
func Reconcile(tr *TransformResult) *Graph {
	r := &reconciler{
		graph:          &Graph{},
		patientByKey:   make(map[string]uuid.UUID),
		patientIndex:   make(map[uuid.UUID]int),
		treatmentByKey: make(map[string]treatmentRef),
		treatmentIndex: make(map[uuid.UUID]int),
		treatmentSeen:  make(map[string]uuid.UUID),
		paymentSeen:    make(map[string]uuid.UUID),
	}

	for _, p := range tr.Patients {
		r.addPatient(p)
	}
	for _, t := range tr.Treatments {
		r.addTreatment(t)
	}
	for _, p := range tr.Payments {
		r.addPayment(p)
	}
	for _, o := range tr.Odontograms {
		r.addOdontogram(o)
	}

	for _, p := range r.graph.Patients {
		for _, t := range p.Treatments {
			t.RecalculateBalance()
		}
	}
	for _, t := range r.graph.OrphanTreatments {
		t.RecalculateBalance()
	}
	return r.graph
}

func (r *reconciler) patient(key string) (*PatientDTO, bool) {
	id, ok := r.patientByKey[key]
	if !ok {
		return nil, false
	}
	return r.graph.Patients[r.patientIndex[id]], true
}

func (r *reconciler) addPatient(p *PatientDTO) {
	key := p.Key()
	if key != "" {
		if firstID, dup := r.patientByKey[key]; dup {
			r.anomaly(SeverityCritical, EntityPatient, key,
				fmt.Sprintf("duplicate legacy patient key %s; row %d of %s excluded", key, p.Meta.RowIndex, p.Meta.SourceTable),
				map[string]any{
					"legacy_key":        key,
					"kept_temp_id":      firstID.String(),
					"duplicate_temp_id": p.TempID.String(),
					"row_index":         p.Meta.RowIndex,
					"source_table":      p.Meta.SourceTable,
					"content_hash":      p.Meta.ContentHash,
					"raw_data":          p.RawData,
				})
			return
		}
		r.patientByKey[key] = p.TempID
	}
	r.patientIndex[p.TempID] = len(r.graph.Patients)
	r.graph.Patients = append(r.graph.Patients, p)
}

func (r *reconciler) addTreatment(t *TreatmentDTO) {
	pkey := NormalizeLegacyKey(deref(t.PatientKey))
	key := t.Key()
	if key != "" {
		if firstID, dup := r.treatmentSeen[key]; dup {
			r.anomaly(SeverityCritical, EntityTreatment, key,
				fmt.Sprintf("duplicate legacy treatment key %s; row %d of %s excluded", key, t.Meta.RowIndex, t.Meta.SourceTable),
				map[string]any{
					"legacy_key":        key,
					"kept_temp_id":      firstID.String(),
					"duplicate_temp_id": t.TempID.String(),
					"patient_key":       pkey,
					"row_index":         t.Meta.RowIndex,
					"source_table":      t.Meta.SourceTable,
					"content_hash":      t.Meta.ContentHash,
					"raw_data":          t.RawData,
				})
			return
		}
		r.treatmentSeen[key] = t.TempID
	}

	parent, ok := r.patient(pkey)
	if !ok {
		r.orphanAnomaly(EntityTreatment, key, t.Meta, "treatment has no resolvable patient", map[string]any{
			"patient_key": pkey,
		})
		r.graph.OrphanTreatments = append(r.graph.OrphanTreatments, t)
		return
	}

	t.PatientTempID = parent.TempID
	r.treatmentIndex[t.TempID] = len(parent.Treatments)
	parent.Treatments = append(parent.Treatments, t)
	if key != "" {
		r.treatmentByKey[key] = treatmentRef{patientID: parent.TempID, treatmentID: t.TempID}
	}
}

// notePaymentKey records a Warning when a payment repeats an earlier legacy
// id. The row is still imported; only the first keeps the legacy mapping.
func (r *reconciler) notePaymentKey(p *PaymentDTO) {
	key := NormalizeLegacyKey(deref(p.LegacyID))
	if key == "" {
		return
	}
	firstID, dup := r.paymentSeen[key]
	if !dup {
		r.paymentSeen[key] = p.TempID
		return
	}
	r.anomaly(SeverityWarning, EntityPayment, key,
		fmt.Sprintf("duplicate legacy payment id %s; row %d of %s imported without legacy mapping", key, p.Meta.RowIndex, p.Meta.SourceTable),
		map[string]any{
			"legacy_key":        key,
			"kept_temp_id":      firstID.String(),
			"duplicate_temp_id": p.TempID.String(),
			"row_index":         p.Meta.RowIndex,
			"source_table":      p.Meta.SourceTable,
			"content_hash":      p.Meta.ContentHash,
		})
}

func (r *reconciler) addPayment(p *PaymentDTO) {
	r.notePaymentKey(p)
	tkey := NormalizeLegacyKey(deref(p.TreatmentKey))
	pkey := NormalizeLegacyKey(deref(p.PatientKey))

	if ref, ok := r.treatmentByKey[tkey]; ok && tkey != "" {
		parent := r.graph.Patients[r.patientIndex[ref.patientID]]
		t := parent.Treatments[r.treatmentIndex[ref.treatmentID]]
		p.TreatmentTempID = t.TempID
		p.PatientTempID = parent.TempID
		t.Payments = append(t.Payments, p)
		return
	}

	details := map[string]any{"treatment_key": tkey, "patient_key": pkey}
	if parent, ok := r.patient(pkey); ok {
		p.PatientTempID = parent.TempID
		parent.OrphanPayments = append(parent.OrphanPayments, p)
		r.orphanAnomaly(EntityPayment, p.Meta.LegacyKey, p.Meta,
			"payment treatment not resolved; kept under its patient", details)
		return
	}

	r.graph.OrphanPayments = append(r.graph.OrphanPayments, p)
	r.orphanAnomaly(EntityPayment, p.Meta.LegacyKey, p.Meta,
		"payment has no resolvable treatment or patient", details)
}

func (r *reconciler) addOdontogram(o *OdontogramDTO) {
	pkey := NormalizeLegacyKey(deref(o.PatientKey))
	if parent, ok := r.patient(pkey); ok {
		o.PatientTempID = parent.TempID
		parent.Odontograms = append(parent.Odontograms, o)
		return
	}
	r.graph.OrphanOdontograms = append(r.graph.OrphanOdontograms, o)
	r.orphanAnomaly(EntityOdontogram, o.Meta.LegacyKey, o.Meta,
		"odontogram has no resolvable patient", map[string]any{"patient_key": pkey})
}

func (r *reconciler) orphanAnomaly(entity, legacyKey string, meta RecordMetadata, msg string, details map[string]any) {
	details["row_index"] = meta.RowIndex
	details["source_table"] = meta.SourceTable
	r.anomaly(SeverityWarning, entity, legacyKey, msg, details)
}

func (r *reconciler) anomaly(sev Severity, entity, legacyKey, msg string, details map[string]any) {
	a := Anomaly{Severity: sev, EntityType: entity, Message: msg, Details: details}
	if legacyKey != "" {
		a.LegacyRef = strPtr(legacyKey)
	}
	r.graph.Anomalies = append(r.graph.Anomalies, a)
}
