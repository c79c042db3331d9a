package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/legacy-import/internal/legacy/pxdb"
	"github.com/ehr/legacy-import/internal/platform/metrics"
	"github.com/ehr/legacy-import/internal/platform/progress"
)

// DefaultPreviewRowLimit caps rows per table in preview-only sessions.
const DefaultPreviewRowLimit = 5

// SessionState is where a session is in the pipeline.
type SessionState string

const (
	StateLoading    SessionState = "loading"
	StateLoaded     SessionState = "loaded"
	StateValidated  SessionState = "validated"
	StatePersisting SessionState = "persisting"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
)

// StartOptions selects the source directory and read mode.
type StartOptions struct {
	Dir         string `json:"dir"`
	PreviewOnly bool   `json:"preview_only"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProgress sets the notifier for stage events.
func WithProgress(n progress.Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithPreviewRowLimit sets the row cap used by preview-only sessions.
func WithPreviewRowLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.previewRowLimit = n
		}
	}
}

// Manager runs import sessions and holds the current one. Starting a new
// session replaces the previous one.
type Manager struct {
	reader          pxdb.Reader
	collector       *Collector
	persister       *Persister
	notifier        progress.Notifier
	previewRowLimit int
	logger          zerolog.Logger

	mu      sync.Mutex
	current *Session
	cancel  context.CancelFunc
}

func NewManager(reader pxdb.Reader, collector *Collector, persister *Persister, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		reader:          reader,
		collector:       collector,
		persister:       persister,
		notifier:        progress.Nop,
		previewRowLimit: DefaultPreviewRowLimit,
		logger:          logger.With().Str("component", "importer").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start reads, classifies, transforms and reconciles the tables in
// opts.Dir, then collects clinical histories. The new session becomes
// current as soon as it starts so Status and Cancel can reach it; Current
// reports ErrLoading until it has loaded.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("source directory is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:          uuid.New(),
		Dir:         opts.Dir,
		PreviewOnly: opts.PreviewOnly,
		StartedAt:   time.Now(),
		m:           m,
		state:       StateLoading,
	}
	s.logger = m.logger.With().Str("session_id", s.ID.String()).Logger()

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.current, m.cancel = s, cancel
	m.mu.Unlock()

	if err := s.load(ctx); err != nil {
		m.drop(s)
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	return s, nil
}

// Current returns the session in progress once it has loaded.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	if m.current.loading() {
		return nil, ErrLoading
	}
	return m.current, nil
}

// CurrentStatus reports the current session, including one still loading.
func (m *Manager) CurrentStatus() (SessionStatus, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return SessionStatus{}, ErrNoSession
	}
	return s.Status(), nil
}

// Cancel aborts the current session between stages and forgets it. A
// session already persisting runs to commit or rollback.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.logger.Info().Str("session_id", m.current.ID.String()).Msg("import session cancelled")
	m.current, m.cancel = nil, nil
	return true
}

func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current, m.cancel = nil, nil
	}
}

// Clear removes previously imported data so a new import may run.
func (m *Manager) Clear(ctx context.Context) (*ClearResult, error) {
	store := m.persister.store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	ctx, release, err := store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := store.ClearImported(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Warn().
		Int64("patients", res.Patients).
		Int64("runs", res.Runs).
		Msg("imported data cleared")
	return res, nil
}

// Runs lists the most recent import runs.
func (m *Manager) Runs(ctx context.Context, limit int) ([]*ImportRun, error) {
	store := m.persister.store
	ctx, release, err := store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return store.ListRuns(ctx, limit)
}

// Inventory counts the legacy word-processor files under dir that still
// need conversion.
func (m *Manager) Inventory(dir string) (*Inventory, error) {
	historyDir := DefaultHistoryDir
	if m.collector != nil {
		historyDir = m.collector.cfg.HistoryDir
	}
	return TakeInventory(dir, historyDir)
}

func (m *Manager) notify(ctx context.Context, stage progress.Stage, msg string, current, total int) {
	m.notifier.Notify(ctx, progress.Event{
		Stage:   stage,
		Message: msg,
		Current: current,
		Total:   total,
		At:      time.Now(),
	})
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session is one pass of the pipeline over a source directory.
type Session struct {
	ID          uuid.UUID
	Dir         string
	PreviewOnly bool
	StartedAt   time.Time

	m      *Manager
	logger zerolog.Logger

	mu             sync.Mutex
	state          SessionState
	tables         *pxdb.DirResult
	classification *Classification
	transformed    *TransformResult
	graph          *Graph
	validation     *ValidationResult
	result         *PersistResult
	err            error
}

func (s *Session) loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLoading
}

func observeStage(stage progress.Stage, start time.Time) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (s *Session) load(ctx context.Context) error {
	m := s.m

	start := time.Now()
	m.notify(ctx, progress.StageReading, fmt.Sprintf("reading tables in %s", s.Dir), 0, 0)
	opts := pxdb.Options{}
	if s.PreviewOnly {
		opts.Limit = m.previewRowLimit
	}
	tables, err := pxdb.ReadDir(ctx, m.reader, s.Dir, opts, func(i, n int, file string) {
		m.notify(ctx, progress.StageReading, "reading "+file, i, n)
	})
	if err != nil {
		return fmt.Errorf("read tables: %w", err)
	}
	for _, te := range tables.Errors {
		s.logger.Warn().Str("file", te.File).Str("error", te.Err).Msg("table skipped")
	}
	observeStage(progress.StageReading, start)
	if err := ctx.Err(); err != nil {
		return err
	}

	start = time.Now()
	m.notify(ctx, progress.StageTransforming, "classifying tables", 0, 0)
	c, err := Classify(tables.Tables)
	if err != nil {
		return err
	}
	tr := Transform(c, time.Now())
	m.notify(ctx, progress.StageTransforming, fmt.Sprintf("transformed %d rows", tr.Rows()), tr.Rows(), tr.Rows())
	g := Reconcile(tr)
	if err := ctx.Err(); err != nil {
		return err
	}

	if !s.PreviewOnly && m.collector != nil {
		docs, anomalies, err := m.collector.Collect(ctx, s.Dir, g.Patients)
		if err != nil {
			return err
		}
		g.AttachDocuments(docs)
		g.Anomalies = append(g.Anomalies, anomalies...)
	}
	observeStage(progress.StageTransforming, start)

	counts := g.Counts()
	s.logger.Info().
		Int("tables", len(tables.Tables)).
		Int("patients", counts.Patients).
		Int("treatments", counts.Treatments).
		Int("payments", counts.Payments).
		Int("documents", counts.Documents).
		Int("anomalies", len(g.Anomalies)).
		Bool("preview_only", s.PreviewOnly).
		Msg("import session loaded")

	s.mu.Lock()
	s.tables, s.classification, s.transformed, s.graph = tables, c, tr, g
	s.state = StateLoaded
	s.mu.Unlock()
	return nil
}

// Validate runs the validator and merges classifier and transformer issues
// into the result. It may be called again; the latest result wins.
func (s *Session) Validate(ctx context.Context) *ValidationResult {
	start := time.Now()
	s.m.notify(ctx, progress.StageValidating, "validating graph", 0, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	res := &ValidationResult{}
	res.Add(s.classification.Issues...)
	res.Add(s.transformed.Issues...)
	v := Validate(s.graph)
	res.Add(v.Issues...)

	s.validation = res
	if s.state == StateLoaded {
		s.state = StateValidated
	}
	observeStage(progress.StageValidating, start)
	s.logger.Info().Msg(res.Summary())
	return res
}

// Preview summarizes the session for operator review, validating first if
// needed.
func (s *Session) Preview(ctx context.Context) *Preview {
	s.mu.Lock()
	v := s.validation
	s.mu.Unlock()
	if v == nil {
		v = s.Validate(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return BuildPreview(s.graph, v)
}

// Confirm persists the session. Persistence ignores cancellation of ctx
// once it has started.
func (s *Session) Confirm(ctx context.Context) (*PersistResult, error) {
	s.mu.Lock()
	switch {
	case s.state == StatePersisting:
		s.mu.Unlock()
		return nil, ErrPersisting
	case s.validation == nil:
		s.mu.Unlock()
		return nil, ErrNotValidated
	case !s.validation.CanProceed():
		s.mu.Unlock()
		return nil, ErrBlocked
	case s.PreviewOnly:
		s.mu.Unlock()
		return nil, ErrPreviewOnly
	}
	prev := s.state
	s.state = StatePersisting
	g := s.graph
	s.mu.Unlock()

	start := time.Now()
	s.m.notify(ctx, progress.StagePersisting, "writing to destination", 0, len(g.Patients))
	res, err := s.m.persister.Persist(context.WithoutCancel(ctx), g, s.Dir)
	observeStage(progress.StagePersisting, start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrPriorImport) || errors.Is(err, ErrNoPatients) {
			s.state = prev
		} else {
			s.state, s.err = StateFailed, err
		}
		return nil, err
	}
	s.state, s.result = StateCompleted, res
	s.m.notify(ctx, progress.StageComplete, fmt.Sprintf("imported %d patients", res.Patients), res.Patients, res.Patients)
	return res, nil
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	ID          uuid.UUID         `json:"id"`
	Dir         string            `json:"dir"`
	PreviewOnly bool              `json:"preview_only"`
	State       SessionState      `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	Tables      int               `json:"tables"`
	TableErrors []pxdb.TableError `json:"table_errors"`
	Counts      Counts            `json:"counts"`
	Anomalies   int               `json:"anomalies"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Result      *PersistResult    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() SessionStatus {
	st := SessionStatus{
		ID:          s.ID,
		Dir:         s.Dir,
		PreviewOnly: s.PreviewOnly,
		State:       s.state,
		StartedAt:   s.StartedAt,
		TableErrors: []pxdb.TableError{},
		Validation:  s.validation,
		Result:      s.result,
	}
	if s.tables != nil {
		st.Tables = len(s.tables.Tables)
		st.TableErrors = append(st.TableErrors, s.tables.Errors...)
	}
	if s.graph != nil {
		st.Counts = s.graph.Counts()
		st.Anomalies = len(s.graph.Anomalies)
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// debugTable describes a table without its rows.
type debugTable struct {
	File        string           `json:"file"`
	Name        string           `json:"name"`
	Fields      []pxdb.Field     `json:"fields"`
	Diagnostics pxdb.Diagnostics `json:"diagnostics"`
	Scores      map[Role]int     `json:"scores"`
	SampleRow   pxdb.Row         `json:"sample_row,omitempty"`
}

// debugSampleSize is how many patients a debug dump includes.
const debugSampleSize = 10

// Debug dumps the session internals as indented JSON.
func (s *Session) Debug() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dump := struct {
		Status         SessionStatus     `json:"status"`
		Tables         []debugTable      `json:"tables"`
		Classification map[Role]string   `json:"classification"`
		Issues         []ValidationIssue `json:"transform_issues"`
		Anomalies      []Anomaly         `json:"anomalies"`
		Patients       []*PatientDTO     `json:"sample_patients"`
	}{
		Status:         s.statusLocked(),
		Classification: map[Role]string{},
		Anomalies:      []Anomaly{},
		Patients:       []*PatientDTO{},
	}

	if s.tables != nil {
		for _, t := range s.tables.Tables {
			dt := debugTable{File: t.File, Name: t.Name, Fields: t.Fields, Diagnostics: t.Diagnostics}
			if s.classification != nil {
				dt.Scores = s.classification.Scores[t.Name]
			}
			if len(t.Rows) > 0 {
				dt.SampleRow = t.Rows[0]
			}
			dump.Tables = append(dump.Tables, dt)
		}
	}
	if c := s.classification; c != nil {
		for _, role := range roleOrder {
			dump.Classification[role] = tableName(c.Table(role))
		}
	}
	if s.transformed != nil {
		dump.Issues = s.transformed.Issues
	}
	if s.graph != nil {
		dump.Anomalies = append(dump.Anomalies, s.graph.Anomalies...)
		dump.Patients = append(dump.Patients, s.graph.Patients[:min(debugSampleSize, len(s.graph.Patients))]...)
	}
	return json.MarshalIndent(dump, "", "  ")
}
