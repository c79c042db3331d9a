package importer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/legacy-import/internal/platform/progress"
)

// -- Mock Repositories --

type storedPayment struct {
	ID          uuid.UUID
	TreatmentID *uuid.UUID
	PatientID   *uuid.UUID
	Payment     PaymentDTO
}

type storedOdontogram struct {
	PatientID *uuid.UUID
	Entry     OdontogramDTO
}

type storedDocument struct {
	ID        uuid.UUID
	PatientID *uuid.UUID
	Doc       ClinicalHistoryDocumentDTO
	Metadata  map[string]any
}

type storedTreatment struct {
	ID        uuid.UUID
	PatientID *uuid.UUID
	Treatment TreatmentDTO
}

// mockState is everything a transaction can roll back.
type mockState struct {
	runs        map[uuid.UUID]ImportRun
	patients    map[string]uuid.UUID
	patientRows int
	treatments  map[string]storedTreatment
	payments    []storedPayment
	odontograms []storedOdontogram
	documents   map[string]storedDocument
	mappings    map[string]uuid.UUID
	anomalies   []Anomaly
}

func (s mockState) clone() mockState {
	return mockState{
		runs:        maps.Clone(s.runs),
		patients:    maps.Clone(s.patients),
		patientRows: s.patientRows,
		treatments:  maps.Clone(s.treatments),
		payments:    slices.Clone(s.payments),
		odontograms: slices.Clone(s.odontograms),
		documents:   maps.Clone(s.documents),
		mappings:    maps.Clone(s.mappings),
		anomalies:   slices.Clone(s.anomalies),
	}
}

type mockStore struct {
	mu sync.Mutex
	mockState

	// failure injection
	maxDocumentBytes int
	failPatient      string
	failEnsure       error
	failStatus       RunStatus

	ensureCalls  int
	acquireCalls int
	released     int
}

func newMockStore() *mockStore {
	return &mockStore{mockState: mockState{
		runs:       make(map[uuid.UUID]ImportRun),
		patients:   make(map[string]uuid.UUID),
		treatments: make(map[string]storedTreatment),
		documents:  make(map[string]storedDocument),
		mappings:   make(map[string]uuid.UUID),
	}}
}

func (m *mockStore) Acquire(ctx context.Context) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	return ctx, func() {
		m.mu.Lock()
		m.released++
		m.mu.Unlock()
	}, nil
}

func (m *mockStore) EnsureSchema(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCalls++
	return m.failEnsure
}

func (m *mockStore) HasCompletedImport(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Status == RunCompleted {
			return true, nil
		}
	}
	return len(m.patients) > 0, nil
}

func (m *mockStore) CreateRun(_ context.Context, run *ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.New()
	run.StartedAt = time.Now()
	m.runs[run.ID] = *run
	return nil
}

func (m *mockStore) UpdateRunStatus(_ context.Context, id uuid.UUID, status RunStatus, errText *string, metrics map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if m.failStatus != "" && status == m.failStatus {
		return fmt.Errorf("update run %s: connection reset", id)
	}
	r.Status = status
	if errText != nil {
		r.Error = errText
	}
	if metrics != nil {
		r.Metrics = metrics
	}
	m.runs[id] = r
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, limit int) ([]*ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ImportRun
	for _, r := range m.runs {
		r := r
		out = append(out, &r)
	}
	slices.SortFunc(out, func(a, b *ImportRun) int { return b.StartedAt.Compare(a.StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// transact snapshots the state and restores it when fn fails.
func (m *mockStore) transact(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	snapshot := m.mockState.clone()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.mockState = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.transact(ctx, fn)
}

func (m *mockStore) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.transact(ctx, fn)
}

func (m *mockStore) UpsertPatient(_ context.Context, _ uuid.UUID, p *PatientDTO) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	legacy := deref(p.LegacyID)
	if m.failPatient != "" && legacy == m.failPatient {
		return uuid.Nil, fmt.Errorf("insert patient %s: constraint violation", legacy)
	}
	if id, ok := m.patients[legacy]; ok && legacy != "" {
		return id, nil
	}
	id := uuid.New()
	if legacy != "" {
		m.patients[legacy] = id
	}
	m.patientRows++
	return id, nil
}

func (m *mockStore) UpsertTreatment(_ context.Context, _ uuid.UUID, patientID *uuid.UUID, t *TreatmentDTO) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deref(t.LegacyID)
	if key == "" {
		key = t.TempID.String()
	}
	if existing, ok := m.treatments[key]; ok {
		existing.PatientID = patientID
		existing.Treatment = *t
		m.treatments[key] = existing
		return existing.ID, nil
	}
	id := uuid.New()
	m.treatments[key] = storedTreatment{ID: id, PatientID: patientID, Treatment: *t}
	return id, nil
}

func (m *mockStore) InsertPayment(_ context.Context, _ uuid.UUID, treatmentID, patientID *uuid.UUID, p *PaymentDTO) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.payments = append(m.payments, storedPayment{ID: id, TreatmentID: treatmentID, PatientID: patientID, Payment: *p})
	return id, nil
}

func (m *mockStore) InsertOdontogram(_ context.Context, _ uuid.UUID, patientID *uuid.UUID, o *OdontogramDTO) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.odontograms = append(m.odontograms, storedOdontogram{PatientID: patientID, Entry: *o})
	return uuid.New(), nil
}

func (m *mockStore) UpsertDocument(_ context.Context, _ uuid.UUID, patientID *uuid.UUID, d *ClinicalHistoryDocumentDTO, metadata map[string]any) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxDocumentBytes > 0 && len(d.Content) > m.maxDocumentBytes {
		return uuid.Nil, fmt.Errorf("document %s exceeds %d bytes", d.Filename, m.maxDocumentBytes)
	}
	id := uuid.New()
	m.documents[d.Filename] = storedDocument{ID: id, PatientID: patientID, Doc: *d, Metadata: metadata}
	return id, nil
}

func (m *mockStore) RecordLegacyMapping(_ context.Context, entity, legacyID string, newID, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entity + "/" + legacyID
	if _, ok := m.mappings[key]; !ok {
		m.mappings[key] = newID
	}
	return nil
}

func (m *mockStore) InsertAnomaly(_ context.Context, _ uuid.UUID, a Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, a)
	return nil
}

func (m *mockStore) ClearImported(_ context.Context) (*ClearResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &ClearResult{
		Patients:    int64(m.patientRows),
		Treatments:  int64(len(m.treatments)),
		Payments:    int64(len(m.payments)),
		Odontograms: int64(len(m.odontograms)),
		Documents:   int64(len(m.documents)),
		Mappings:    int64(len(m.mappings)),
	}
	for id, r := range m.runs {
		if r.Status == RunCompleted {
			r.Status = RunCleared
			m.runs[id] = r
			res.Runs++
		}
	}
	m.patients = make(map[string]uuid.UUID)
	m.patientRows = 0
	m.treatments = make(map[string]storedTreatment)
	m.payments = nil
	m.odontograms = nil
	m.documents = make(map[string]storedDocument)
	m.mappings = make(map[string]uuid.UUID)
	return res, nil
}

func (m *mockStore) runsWithStatus(status RunStatus) []ImportRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ImportRun
	for _, r := range m.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

// -- Tests --

func TestPersist_WritesGraph(t *testing.T) {
	store := newMockStore()
	rec := &recordingNotifier{}
	p := NewPersister(store, zerolog.Nop(), WithNotifier(rec))

	res, err := p.Persist(context.Background(), sampleGraph(), "/legacy/data")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Patients != 2 || res.Treatments != 3 || res.Payments != 3 || res.Odontograms != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if res.Anomalies != 1 {
		t.Errorf("expected the reconciler anomaly in the ledger, got %d", res.Anomalies)
	}
	if store.acquireCalls != 1 || store.released != 1 {
		t.Errorf("expected one acquire and release, got %d/%d", store.acquireCalls, store.released)
	}

	runs := store.runsWithStatus(RunCompleted)
	if len(runs) != 1 {
		t.Fatalf("expected 1 completed run, got %d", len(runs))
	}
	if runs[0].ID != res.RunID || runs[0].SourcePath != "/legacy/data" {
		t.Errorf("unexpected run: %+v", runs[0])
	}
	if runs[0].Metrics["patients"] != 2 {
		t.Errorf("expected metrics on the completed run, got %v", runs[0].Metrics)
	}

	for _, key := range []string{"patient/p001", "patient/P002", "treatment/T1", "payment/3"} {
		if _, ok := store.mappings[key]; !ok {
			t.Errorf("expected legacy mapping %s", key)
		}
	}

	stages := rec.stages()
	if len(stages) == 0 || stages[len(stages)-1] != progress.StagePersisting {
		t.Errorf("expected persisting progress events, got %v", stages)
	}
}

func TestPersist_Balances(t *testing.T) {
	store := newMockStore()
	if _, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), sampleGraph(), "src"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]float64{"T1": 0, "T2": 300, "T3": 0}
	for key, balance := range want {
		st, ok := store.treatments[key]
		if !ok {
			t.Fatalf("treatment %s not stored", key)
		}
		if st.Treatment.Balance != balance {
			t.Errorf("%s: expected balance %.2f, got %.2f", key, balance, st.Treatment.Balance)
		}
		if st.PatientID == nil {
			t.Errorf("%s: expected a patient reference", key)
		}
	}
}

func TestPersist_PatientOrphanPaymentHasNoTreatment(t *testing.T) {
	store := newMockStore()
	if _, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), sampleGraph(), "src"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sp := range store.payments {
		if deref(sp.Payment.LegacyID) != "3" {
			continue
		}
		if sp.TreatmentID != nil || sp.PatientID == nil {
			t.Errorf("patient-orphan payment must have a patient and no treatment: %+v", sp)
		}
		return
	}
	t.Fatal("payment 3 not stored")
}

func TestPersist_GuardRejectsSecondImport(t *testing.T) {
	store := newMockStore()
	p := NewPersister(store, zerolog.Nop())
	ctx := context.Background()

	if _, err := p.Persist(ctx, sampleGraph(), "src"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	runsBefore := len(store.runs)
	paymentsBefore := len(store.payments)

	_, err := p.Persist(ctx, sampleGraph(), "src")
	if !errors.Is(err, ErrPriorImport) {
		t.Fatalf("expected ErrPriorImport, got %v", err)
	}
	if len(store.runs) != runsBefore || len(store.payments) != paymentsBefore {
		t.Error("a rejected import must not write anything")
	}
	if err := p.Guard(ctx); !errors.Is(err, ErrPriorImport) {
		t.Errorf("expected guard to keep rejecting, got %v", err)
	}
}

func TestPersist_GuardCountsLegacyPatients(t *testing.T) {
	store := newMockStore()
	store.patients["X1"] = uuid.New()
	if err := NewPersister(store, zerolog.Nop()).Guard(context.Background()); !errors.Is(err, ErrPriorImport) {
		t.Errorf("patients with legacy ids must block a new import, got %v", err)
	}
}

func TestPersist_EmptyGraph(t *testing.T) {
	store := newMockStore()
	_, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), &Graph{}, "src")
	if !errors.Is(err, ErrNoPatients) {
		t.Fatalf("expected ErrNoPatients, got %v", err)
	}
	if store.ensureCalls != 0 || len(store.runs) != 0 {
		t.Error("an empty graph must not touch the store")
	}
}

func TestPersist_SchemaFailure(t *testing.T) {
	store := newMockStore()
	store.failEnsure = errors.New("permission denied")
	_, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), sampleGraph(), "src")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected the schema error, got %v", err)
	}
	if len(store.runs) != 0 {
		t.Error("no run may be recorded when the schema cannot be ensured")
	}
}

func TestPersist_RollbackMarksRunFailed(t *testing.T) {
	store := newMockStore()
	store.failPatient = "P002"

	_, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), sampleGraph(), "src")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "constraint violation") {
		t.Errorf("expected the store error to be wrapped, got %v", err)
	}

	if store.patientRows != 0 || len(store.treatments) != 0 || len(store.payments) != 0 || len(store.anomalies) != 0 {
		t.Error("a failed run must leave no rows behind")
	}
	failed := store.runsWithStatus(RunFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed run, got %d", len(failed))
	}
	if failed[0].Error == nil || !strings.Contains(*failed[0].Error, "constraint violation") {
		t.Errorf("expected the error text on the run, got %v", failed[0].Error)
	}
}

func TestPersist_CompletionRollsBackWithData(t *testing.T) {
	store := newMockStore()
	store.failStatus = RunCompleted

	_, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), sampleGraph(), "src")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected the status error, got %v", err)
	}
	if store.patientRows != 0 || len(store.treatments) != 0 || len(store.anomalies) != 0 {
		t.Error("rows must not survive when the run cannot be marked completed")
	}
	if len(store.runsWithStatus(RunCompleted)) != 0 || len(store.runsWithStatus(RunFailed)) != 1 {
		t.Errorf("expected the run marked failed, got %+v", store.runs)
	}
}

func TestPersist_StoredRowsMatchGraph(t *testing.T) {
	c := classifyOrFail(t,
		patientsTable(
			[]string{"P001", "Ana", "Gómez"},
			[]string{"P002", "Luis", "Pérez"},
		),
		treatmentsTable(
			[]string{"T1", "P001", "Limpieza", "100"},
			[]string{"T1", "P002", "Corona", "900"},
			[]string{"T2", "P404", "Extracción", "50"},
		),
		paymentsTable(
			[]string{"7", "T1", "P001", "30", "01/02/2020"},
			[]string{"7", "T1", "P001", "20", "02/02/2020"},
			[]string{"8", "T9", "P002", "10", "03/02/2020"},
		),
	)
	g := Reconcile(Transform(c, fixedNow))
	counts := g.Counts()
	store := newMockStore()

	res, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), g, "src")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := len(store.treatments), counts.Treatments+counts.OrphanTreatments; got != want || res.Treatments != want {
		t.Errorf("expected %d stored treatments, got %d rows (reported %d)", want, got, res.Treatments)
	}
	if got, want := len(store.payments), counts.Payments+counts.PatientOrphanPayments+counts.OrphanPayments; got != want || res.Payments != want {
		t.Errorf("expected %d stored payments, got %d rows (reported %d)", want, got, res.Payments)
	}
	if store.patientRows != counts.Patients || res.Patients != counts.Patients {
		t.Errorf("expected %d patients, got %d rows (reported %d)", counts.Patients, store.patientRows, res.Patients)
	}

	ana := findPatient(g, "P001")
	st := store.treatments["T1"]
	if st.Treatment.Name != "Limpieza" || st.PatientID == nil {
		t.Fatalf("expected T1 stored from its first row, got %+v", st)
	}
	if len(ana.Treatments) != 1 || len(ana.Treatments[0].Payments) != 2 {
		t.Fatalf("expected both payments under the kept T1, got %+v", ana.Treatments)
	}
	first := ana.Treatments[0].Payments[0]
	var firstID uuid.UUID
	for _, sp := range store.payments {
		if sp.Payment.TempID == first.TempID {
			firstID = sp.ID
		}
	}
	if got := store.mappings[EntityPayment+"/7"]; got != firstID || got == uuid.Nil {
		t.Errorf("payment 7 must map to its first row, got %s want %s", got, firstID)
	}

	if res.Anomalies != len(g.Anomalies) || len(store.anomalies) != len(g.Anomalies) {
		t.Errorf("expected %d anomalies in the ledger, got %d", len(g.Anomalies), len(store.anomalies))
	}
}

func TestRunWriter_MapLegacyKeepsFirst(t *testing.T) {
	store := newMockStore()
	w := &runWriter{store: store, runID: uuid.New(), res: &PersistResult{}, logger: zerolog.Nop()}
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{first, second} {
		if err := w.mapLegacy(ctx, EntityPayment, strPtr("7"), id); err != nil {
			t.Fatalf("map: %v", err)
		}
	}
	if err := w.mapLegacy(ctx, EntityTreatment, strPtr("7"), second); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := w.mapLegacy(ctx, EntityPayment, nil, second); err != nil {
		t.Fatalf("map nil: %v", err)
	}

	if store.mappings[EntityPayment+"/7"] != first {
		t.Error("the first row must keep the payment mapping")
	}
	if store.mappings[EntityTreatment+"/7"] != second {
		t.Error("the same id under another entity must be mapped")
	}
	if len(store.mappings) != 2 {
		t.Errorf("expected 2 mappings, got %d", len(store.mappings))
	}
}

func graphWithDocument(content string) *Graph {
	g := sampleGraph()
	ana := findPatient(g, "p001")
	g.AttachDocuments([]*ClinicalHistoryDocumentDTO{{
		LegacyKey:     "P001",
		PatientTempID: ana.TempID,
		Filename:      "P001.txt",
		Format:        "txt",
		Content:       content,
		SizeBytes:     int64(len(content)),
	}})
	return g
}

func TestPersist_DocumentStoredTruncatedOnRetry(t *testing.T) {
	store := newMockStore()
	store.maxDocumentBytes = 10
	p := NewPersister(store, zerolog.Nop(), WithTruncateBytes(8))

	res, err := p.Persist(context.Background(), graphWithDocument("ñandú y más texto clínico"), "src")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Documents != 1 || res.DocumentsTruncated != 1 || res.DocumentsFailed != 0 {
		t.Errorf("unexpected document counts: %+v", res)
	}

	doc, ok := store.documents["P001.txt"]
	if !ok {
		t.Fatal("truncated document not stored")
	}
	if !doc.Doc.Truncated || len(doc.Doc.Content) > 8 {
		t.Errorf("expected truncated content, got %q", doc.Doc.Content)
	}
	if doc.Metadata["original_error"] == nil || doc.Metadata["original_bytes"] == nil {
		t.Errorf("expected retry metadata, got %v", doc.Metadata)
	}
	if _, ok := store.mappings[EntityDocument+"/P001.txt"]; !ok {
		t.Error("expected a legacy mapping keyed by filename")
	}

	warnings := 0
	for _, a := range store.anomalies {
		if a.EntityType == EntityDocument && a.Severity == SeverityWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("expected 1 truncation warning, got %d", warnings)
	}
}

func TestPersist_DocumentFailureDoesNotAbortRun(t *testing.T) {
	store := newMockStore()
	store.maxDocumentBytes = 2
	p := NewPersister(store, zerolog.Nop(), WithTruncateBytes(4))

	res, err := p.Persist(context.Background(), graphWithDocument("contenido largo"), "src")
	if err != nil {
		t.Fatalf("a document failure must not fail the run: %v", err)
	}
	if res.DocumentsFailed != 1 || res.Documents != 0 || res.Patients != 2 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if len(store.documents) != 0 {
		t.Error("the failed document must not be stored")
	}

	var found *Anomaly
	for i, a := range store.anomalies {
		if a.EntityType == EntityDocument {
			found = &store.anomalies[i]
		}
	}
	if found == nil || found.Severity != SeverityError {
		t.Fatalf("expected an error anomaly for the document, got %+v", found)
	}
	if found.Details["original_error"] == nil || found.Details["retry_error"] == nil {
		t.Errorf("expected both errors in the details, got %v", found.Details)
	}
	if len(store.runsWithStatus(RunCompleted)) != 1 {
		t.Error("run must complete")
	}
}

func TestPersist_GlobalOrphansHaveNullParents(t *testing.T) {
	c := classifyOrFail(t,
		patientsTable([]string{"P1", "Ana", "Gómez"}),
		treatmentsTable([]string{"T1", "P404", "Limpieza", "10"}),
		paymentsTable([]string{"1", "T404", "P404", "5", "01/01/2020"}),
		odontogramTable([]string{"P404", "11", "caries", ""}),
	)
	g := Reconcile(Transform(c, fixedNow))
	store := newMockStore()

	res, err := NewPersister(store, zerolog.Nop()).Persist(context.Background(), g, "src")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrphanTreatments != 1 || res.OrphanPayments != 1 || res.OrphanOdontograms != 1 {
		t.Errorf("unexpected orphan counts: %+v", res)
	}
	if st := store.treatments["T1"]; st.PatientID != nil {
		t.Error("orphan treatment must have no patient")
	}
	if sp := store.payments[0]; sp.TreatmentID != nil || sp.PatientID != nil {
		t.Error("global orphan payment must have no parents")
	}
	if so := store.odontograms[0]; so.PatientID != nil {
		t.Error("orphan odontogram must have no patient")
	}
	if res.Anomalies != 3 {
		t.Errorf("expected 3 orphan anomalies in the ledger, got %d", res.Anomalies)
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hola", 10, "hola"},
		{"hola", 2, "ho"},
		{"ñandú", 1, ""},
		{"ñandú", 3, "ña"},
		{"añb", 2, "a"},
	}
	for _, tt := range tests {
		if got := truncateUTF8(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
