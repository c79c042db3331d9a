package importer

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/legacy-import/internal/platform/metrics"
	"github.com/ehr/legacy-import/internal/platform/progress"
)

// DefaultTruncateBytes is the content length kept when a history document
// is retried after a failed insert.
const DefaultTruncateBytes = 64 * 1024

// progressEvery is how many patients are written between progress events.
const progressEvery = 50

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithNotifier sets the progress notifier.
func WithNotifier(n progress.Notifier) PersisterOption {
	return func(p *Persister) { p.notifier = n }
}

// WithTruncateBytes sets the truncated retry length for history documents.
func WithTruncateBytes(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.truncateBytes = n
		}
	}
}

// Persister writes a reconciled graph into a Store in one transaction.
type Persister struct {
	store         Store
	notifier      progress.Notifier
	truncateBytes int
	logger        zerolog.Logger
}

func NewPersister(store Store, logger zerolog.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:         store,
		notifier:      progress.Nop,
		truncateBytes: DefaultTruncateBytes,
		logger:        logger.With().Str("component", "persister").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PersistResult counts what one run wrote.
type PersistResult struct {
	RunID              uuid.UUID `json:"run_id"`
	Patients           int       `json:"patients"`
	Treatments         int       `json:"treatments"`
	Payments           int       `json:"payments"`
	Odontograms        int       `json:"odontograms"`
	Documents          int       `json:"documents"`
	DocumentsTruncated int       `json:"documents_truncated"`
	DocumentsFailed    int       `json:"documents_failed"`
	OrphanTreatments   int       `json:"orphan_treatments"`
	OrphanPayments     int       `json:"orphan_payments"`
	OrphanOdontograms  int       `json:"orphan_odontograms"`
	Anomalies          int       `json:"anomalies"`
	DurationMS         int64     `json:"duration_ms"`
}

// Metrics is the summary stored on the completed run.
func (r *PersistResult) Metrics() map[string]any {
	return map[string]any{
		"patients":            r.Patients,
		"treatments":          r.Treatments,
		"payments":            r.Payments,
		"odontograms":         r.Odontograms,
		"documents":           r.Documents,
		"documents_truncated": r.DocumentsTruncated,
		"documents_failed":    r.DocumentsFailed,
		"orphan_treatments":   r.OrphanTreatments,
		"orphan_payments":     r.OrphanPayments,
		"orphan_odontograms":  r.OrphanOdontograms,
		"anomalies":           r.Anomalies,
		"duration_ms":         r.DurationMS,
	}
}

// Guard refuses when a previous import already succeeded. It never writes.
func (p *Persister) Guard(ctx context.Context) error {
	prior, err := p.store.HasCompletedImport(ctx)
	if err != nil {
		return err
	}
	if prior {
		return ErrPriorImport
	}
	return nil
}

// Persist ensures the schema, checks the guard, records a run and writes
// the graph inside a single transaction that also marks the run completed.
// Any failure rolls the transaction back and marks the run failed. History documents are expected to be
// attached to their patients already.
func (p *Persister) Persist(ctx context.Context, g *Graph, sourcePath string) (*PersistResult, error) {
	if len(g.Patients) == 0 {
		return nil, ErrNoPatients
	}
	start := time.Now()

	if err := p.store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, release, err := p.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := p.Guard(ctx); err != nil {
		return nil, err
	}

	run := &ImportRun{SourcePath: sourcePath, Status: RunPending}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log := p.logger.With().Str("run_id", run.ID.String()).Logger()
	log.Info().Str("source", sourcePath).Int("patients", len(g.Patients)).Msg("persisting import")

	w := &runWriter{
		store:         p.store,
		runID:         run.ID,
		truncateBytes: p.truncateBytes,
		res:           &PersistResult{RunID: run.ID},
		logger:        log,
	}
	var ledger []Anomaly
	err = p.store.WithTx(ctx, func(ctx context.Context) error {
		if err := p.store.UpdateRunStatus(ctx, run.ID, RunInProgress, nil, nil); err != nil {
			return err
		}
		total := len(g.Patients)
		for i, pat := range g.Patients {
			if err := w.writePatient(ctx, pat); err != nil {
				return err
			}
			if (i+1)%progressEvery == 0 || i+1 == total {
				p.notify(ctx, run.ID, fmt.Sprintf("persisted %d of %d patients", i+1, total), i+1, total)
			}
		}
		if err := w.writeOrphans(ctx, g); err != nil {
			return err
		}
		ledger = append(append([]Anomaly{}, g.Anomalies...), w.anomalies...)
		if err := w.writeAnomalies(ctx, ledger); err != nil {
			return err
		}
		w.res.DurationMS = time.Since(start).Milliseconds()
		return p.store.UpdateRunStatus(ctx, run.ID, RunCompleted, nil, w.res.Metrics())
	})

	if err != nil {
		msg := err.Error()
		if uerr := p.store.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, RunFailed, &msg, nil); uerr != nil {
			log.Error().Err(uerr).Msg("failed to mark run as failed")
		}
		metrics.ImportRunsTotal.WithLabelValues(string(RunFailed)).Inc()
		log.Error().Err(err).Msg("import rolled back")
		return nil, fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	res := w.res
	metrics.ImportRunsTotal.WithLabelValues(string(RunCompleted)).Inc()
	metrics.RecordsPersisted.WithLabelValues(EntityPatient).Add(float64(res.Patients))
	metrics.RecordsPersisted.WithLabelValues(EntityTreatment).Add(float64(res.Treatments))
	metrics.RecordsPersisted.WithLabelValues(EntityPayment).Add(float64(res.Payments))
	metrics.RecordsPersisted.WithLabelValues(EntityOdontogram).Add(float64(res.Odontograms))
	metrics.RecordsPersisted.WithLabelValues(EntityDocument).Add(float64(res.Documents))
	for _, a := range ledger {
		metrics.AnomaliesTotal.WithLabelValues(string(a.Severity)).Inc()
	}

	log.Info().
		Int("patients", res.Patients).
		Int("treatments", res.Treatments).
		Int("payments", res.Payments).
		Int("documents", res.Documents).
		Int("anomalies", res.Anomalies).
		Int64("duration_ms", res.DurationMS).
		Msg("import completed")
	return res, nil
}

func (p *Persister) notify(ctx context.Context, runID uuid.UUID, msg string, current, total int) {
	p.notifier.Notify(ctx, progress.Event{
		Stage:   progress.StagePersisting,
		Message: msg,
		Current: current,
		Total:   total,
		RunID:   runID.String(),
		At:      time.Now(),
	})
}

// runWriter carries the state of one persistence transaction.
type runWriter struct {
	store         Store
	runID         uuid.UUID
	truncateBytes int
	res           *PersistResult
	anomalies     []Anomaly
	logger        zerolog.Logger
	// mapped holds the legacy ids already mapped in this run, per entity.
	mapped map[string]map[string]struct{}
}

// mapLegacy records the legacy id of a written row. The first row written
// for a legacy id keeps the mapping; later rows with the same id are
// reported by reconciliation and left unmapped.
func (w *runWriter) mapLegacy(ctx context.Context, entity string, legacyID *string, newID uuid.UUID) error {
	if legacyID == nil || *legacyID == "" {
		return nil
	}
	if w.mapped == nil {
		w.mapped = make(map[string]map[string]struct{})
	}
	seen, ok := w.mapped[entity]
	if !ok {
		seen = make(map[string]struct{})
		w.mapped[entity] = seen
	}
	if _, dup := seen[*legacyID]; dup {
		w.logger.Debug().Str("entity", entity).Str("legacy_id", *legacyID).Msg("legacy id already mapped in this run")
		return nil
	}
	seen[*legacyID] = struct{}{}
	return w.store.RecordLegacyMapping(ctx, entity, *legacyID, newID, w.runID)
}

func (w *runWriter) writePatient(ctx context.Context, pat *PatientDTO) error {
	id, err := w.store.UpsertPatient(ctx, w.runID, pat)
	if err != nil {
		return err
	}
	w.res.Patients++
	if err := w.mapLegacy(ctx, EntityPatient, pat.LegacyID, id); err != nil {
		return err
	}

	for _, t := range pat.Treatments {
		if err := w.writeTreatment(ctx, &id, t); err != nil {
			return err
		}
	}
	for _, pay := range pat.OrphanPayments {
		if err := w.writePayment(ctx, nil, &id, pay); err != nil {
			return err
		}
	}
	for _, o := range pat.Odontograms {
		if err := w.writeOdontogram(ctx, &id, o); err != nil {
			return err
		}
	}
	for _, d := range pat.Documents {
		w.writeDocument(ctx, id, d)
	}
	return nil
}

func (w *runWriter) writeTreatment(ctx context.Context, patientID *uuid.UUID, t *TreatmentDTO) error {
	id, err := w.store.UpsertTreatment(ctx, w.runID, patientID, t)
	if err != nil {
		return err
	}
	w.res.Treatments++
	if err := w.mapLegacy(ctx, EntityTreatment, t.LegacyID, id); err != nil {
		return err
	}
	for _, pay := range t.Payments {
		if err := w.writePayment(ctx, &id, patientID, pay); err != nil {
			return err
		}
	}
	return nil
}

func (w *runWriter) writePayment(ctx context.Context, treatmentID, patientID *uuid.UUID, pay *PaymentDTO) error {
	id, err := w.store.InsertPayment(ctx, w.runID, treatmentID, patientID, pay)
	if err != nil {
		return err
	}
	w.res.Payments++
	return w.mapLegacy(ctx, EntityPayment, pay.LegacyID, id)
}

func (w *runWriter) writeOdontogram(ctx context.Context, patientID *uuid.UUID, o *OdontogramDTO) error {
	id, err := w.store.InsertOdontogram(ctx, w.runID, patientID, o)
	if err != nil {
		return err
	}
	w.res.Odontograms++
	return w.mapLegacy(ctx, EntityOdontogram, o.LegacyID, id)
}

// writeDocument stores one history document in a savepoint. On failure it
// retries once with truncated content; a second failure becomes an Error
// anomaly and the run continues.
func (w *runWriter) writeDocument(ctx context.Context, patientID uuid.UUID, d *ClinicalHistoryDocumentDTO) {
	firstErr := w.upsertDocument(ctx, patientID, d, nil)
	if firstErr == nil {
		w.res.Documents++
		return
	}

	truncated := *d
	truncated.Content = truncateUTF8(d.Content, w.truncateBytes)
	truncated.Truncated = true
	meta := map[string]any{
		"original_error": firstErr.Error(),
		"original_bytes": len(d.Content),
	}
	retryErr := w.upsertDocument(ctx, patientID, &truncated, meta)
	if retryErr == nil {
		w.res.Documents++
		w.res.DocumentsTruncated++
		w.logger.Warn().Err(firstErr).Str("file", d.Filename).Msg("history document stored truncated")
		w.anomalies = append(w.anomalies, Anomaly{
			Severity:   SeverityWarning,
			EntityType: EntityDocument,
			LegacyRef:  strPtr(d.LegacyKey),
			Message:    fmt.Sprintf("history document %s stored truncated to %d bytes", d.Filename, len(truncated.Content)),
			Details: map[string]any{
				"file":           d.Filename,
				"original_error": firstErr.Error(),
				"original_bytes": len(d.Content),
			},
		})
		return
	}

	w.res.DocumentsFailed++
	w.logger.Error().Err(retryErr).Str("file", d.Filename).Msg("history document could not be stored")
	w.anomalies = append(w.anomalies, Anomaly{
		Severity:   SeverityError,
		EntityType: EntityDocument,
		LegacyRef:  strPtr(d.LegacyKey),
		Message:    fmt.Sprintf("history document %s could not be stored", d.Filename),
		Details: map[string]any{
			"file":           d.Filename,
			"original_error": firstErr.Error(),
			"retry_error":    retryErr.Error(),
		},
	})
}

func (w *runWriter) upsertDocument(ctx context.Context, patientID uuid.UUID, d *ClinicalHistoryDocumentDTO, meta map[string]any) error {
	return w.store.Savepoint(ctx, func(ctx context.Context) error {
		id, err := w.store.UpsertDocument(ctx, w.runID, &patientID, d, meta)
		if err != nil {
			return err
		}
		return w.store.RecordLegacyMapping(ctx, EntityDocument, d.Filename, id, w.runID)
	})
}

// writeOrphans stores records without a resolvable parent with null parent
// references. Their Warning anomalies come from reconciliation.
func (w *runWriter) writeOrphans(ctx context.Context, g *Graph) error {
	for _, t := range g.OrphanTreatments {
		if err := w.writeTreatment(ctx, nil, t); err != nil {
			return err
		}
		w.res.OrphanTreatments++
	}
	for _, pay := range g.OrphanPayments {
		if err := w.writePayment(ctx, nil, nil, pay); err != nil {
			return err
		}
		w.res.OrphanPayments++
	}
	for _, o := range g.OrphanOdontograms {
		if err := w.writeOdontogram(ctx, nil, o); err != nil {
			return err
		}
		w.res.OrphanOdontograms++
	}
	return nil
}

func (w *runWriter) writeAnomalies(ctx context.Context, anomalies []Anomaly) error {
	for _, a := range anomalies {
		if err := w.store.InsertAnomaly(ctx, w.runID, a); err != nil {
			return err
		}
		w.res.Anomalies++
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.Clone(s[:cut])
}
