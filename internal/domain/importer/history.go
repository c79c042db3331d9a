package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ehr/legacy-import/internal/platform/metrics"
)

// DefaultHistoryDir is where the legacy system keeps clinical histories,
// relative to the source root.
const DefaultHistoryDir = "GALENO~1/Historias Clinicas"

var historyExtensions = map[string]bool{".txt": true, ".rtf": true, ".doc": true, ".docx": true}

// CollectorConfig bounds the collector.
type CollectorConfig struct {
	HistoryDir string
	MaxBytes   int64
	Workers    int
}

// Collector reads loose clinical-history files and resolves them to
// patients. Files are processed in parallel; results are merged in
// discovery order.
type Collector struct {
	cfg       CollectorConfig
	converter Converter
	logger    zerolog.Logger
}

// NewCollector builds a collector. A nil converter makes every legacy
// word-processor file fail with an Error anomaly.
func NewCollector(cfg CollectorConfig, converter Converter, logger zerolog.Logger) *Collector {
	if cfg.HistoryDir == "" {
		cfg.HistoryDir = DefaultHistoryDir
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if converter == nil {
		converter = unavailableConverter{err: ErrConverterUnavailable}
	}
	return &Collector{
		cfg:       cfg,
		converter: converter,
		logger:    logger.With().Str("component", "history").Logger(),
	}
}

// historyFile is one discovered document, already resolved to its preferred
// variant (a converted .txt sibling wins over the original).
type historyFile struct {
	path string
	name string
	ext  string
}

type fileResult struct {
	doc     *ClinicalHistoryDocumentDTO
	anomaly *Anomaly
}

// Collect discovers history files under root and returns the documents that
// resolved to a known patient, plus one anomaly per skipped or failed file.
// Only context cancellation aborts the batch.
func (c *Collector) Collect(ctx context.Context, root string, patients []*PatientDTO) ([]*ClinicalHistoryDocumentDTO, []Anomaly, error) {
	dir := filepath.Join(root, filepath.FromSlash(c.cfg.HistoryDir))
	files, err := discoverHistory(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		c.logger.Info().Str("dir", dir).Msg("no clinical history files found")
		return nil, nil, nil
	}

	index := indexPatients(patients)
	results := make([]fileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.process(gctx, f, index)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("collect clinical histories: %w", err)
	}

	var docs []*ClinicalHistoryDocumentDTO
	var anomalies []Anomaly
	for _, r := range results {
		switch {
		case r.doc != nil:
			docs = append(docs, r.doc)
			metrics.HistoryDocuments.WithLabelValues("resolved").Inc()
		case r.anomaly != nil && r.anomaly.Severity == SeverityWarning:
			anomalies = append(anomalies, *r.anomaly)
			metrics.HistoryDocuments.WithLabelValues("unmatched").Inc()
		case r.anomaly != nil:
			anomalies = append(anomalies, *r.anomaly)
			metrics.HistoryDocuments.WithLabelValues("failed").Inc()
		}
	}
	c.logger.Info().
		Int("files", len(files)).
		Int("documents", len(docs)).
		Int("anomalies", len(anomalies)).
		Int("workers", c.cfg.Workers).
		Msg("clinical histories collected")
	return docs, anomalies, nil
}

func (c *Collector) process(ctx context.Context, f historyFile, index map[string]*PatientDTO) fileResult {
	key := LegacyKeyFromFilename(f.name)
	fail := func(sev Severity, msg string, err error) fileResult {
		details := map[string]any{"file": f.name, "path": f.path}
		if err != nil {
			details["error"] = err.Error()
		}
		a := Anomaly{Severity: sev, EntityType: EntityDocument, Message: msg, Details: details}
		if key != "" {
			a.LegacyRef = strPtr(key)
		}
		return fileResult{anomaly: &a}
	}

	patient, ok := index[key]
	if !ok || key == "" {
		return fail(SeverityWarning, fmt.Sprintf("no patient matches history file %s", f.name), nil)
	}

	info, err := os.Stat(f.path)
	if err != nil {
		return fail(SeverityError, fmt.Sprintf("cannot stat %s", f.name), err)
	}
	if c.cfg.MaxBytes > 0 && info.Size() > c.cfg.MaxBytes {
		return fail(SeverityError, fmt.Sprintf("history file %s too large (%d bytes, limit %d)", f.name, info.Size(), c.cfg.MaxBytes), nil)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fail(SeverityError, fmt.Sprintf("cannot read %s", f.name), err)
	}
	sum := sha256.Sum256(data)

	var content string
	switch f.ext {
	case ".txt":
		content = decodeLegacyText(data)
	case ".rtf":
		content = StripRTF(decodeLegacyText(data))
	default:
		content, err = c.converter.Convert(ctx, f.path)
		if err != nil {
			c.logger.Warn().Err(err).Str("file", f.name).Msg("document conversion failed")
			return fail(SeverityError, fmt.Sprintf("cannot convert %s", f.name), err)
		}
	}

	return fileResult{doc: &ClinicalHistoryDocumentDTO{
		LegacyKey:     key,
		PatientTempID: patient.TempID,
		Filename:      f.name,
		SourcePath:    f.path,
		Format:        strings.TrimPrefix(f.ext, "."),
		Content:       strings.TrimSpace(content),
		Checksum:      hex.EncodeToString(sum[:]),
		SizeBytes:     info.Size(),
	}}
}

// discoverHistory lists candidate files in lexical order, one per stem,
// preferring a .txt sibling. Lock files and unknown extensions are skipped.
// A missing directory is not an error. The walk runs on one goroutine and
// stops at the next entry once ctx is done.
func discoverHistory(ctx context.Context, dir string) ([]historyFile, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var order []string
	byStem := make(map[string]historyFile)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || isLockFile(name) {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !historyExtensions[ext] {
			return nil
		}
		stem := strings.ToLower(strings.TrimSuffix(path, filepath.Ext(path)))
		f := historyFile{path: path, name: name, ext: ext}
		prev, seen := byStem[stem]
		if !seen {
			order = append(order, stem)
			byStem[stem] = f
		} else if ext == ".txt" && prev.ext != ".txt" {
			byStem[stem] = f
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	files := make([]historyFile, 0, len(order))
	for _, stem := range order {
		files = append(files, byStem[stem])
	}
	return files, nil
}

// indexPatients maps every folded identifier of a patient (legacy key,
// document number, both name orders) to it. Identifiers shared by two
// patients are dropped.
func indexPatients(patients []*PatientDTO) map[string]*PatientDTO {
	index := make(map[string]*PatientDTO)
	ambiguous := make(map[string]bool)
	add := func(k string, p *PatientDTO) {
		k = FoldKey(k)
		if k == "" || ambiguous[k] {
			return
		}
		if other, ok := index[k]; ok && other != p {
			delete(index, k)
			ambiguous[k] = true
			return
		}
		index[k] = p
	}
	for _, p := range patients {
		add(deref(p.LegacyID), p)
		add(deref(p.DocumentNumber), p)
		add(p.FirstName+p.LastName, p)
		add(p.LastName+p.FirstName, p)
	}
	return index
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldKey removes accents and every non-alphanumeric rune, then uppercases.
func FoldKey(s string) string {
	folded, _, err := transform.String(foldMarks, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, folded))
}

// LegacyKeyFromFilename derives the patient key encoded in a history file
// name (its stem).
func LegacyKeyFromFilename(name string) string {
	return FoldKey(strings.TrimSuffix(name, filepath.Ext(name)))
}

// decodeLegacyText reads UTF-8 when valid, else Windows-1252.
func decodeLegacyText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// rtfSkipGroups are destinations whose content is not document text.
var rtfSkipGroups = map[string]bool{
	"fonttbl": true, "colortbl": true, "stylesheet": true, "info": true,
	"pict": true, "header": true, "footer": true, "listtable": true,
	"listoverridetable": true, "generator": true,
}

// StripRTF removes RTF control words and groups, keeping the text. \par and
// \line become newlines, \tab a tab, and \'hh escapes are read as
// Windows-1252.
func StripRTF(s string) string {
	var out strings.Builder
	depth := 0
	skipDepth := -1 // group depth being skipped, -1 when none

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch ch {
		case '{':
			depth++
			continue
		case '}':
			if depth == skipDepth {
				skipDepth = -1
			}
			depth--
			continue
		case '\r', '\n':
			continue
		case '\\':
		default:
			if skipDepth < 0 {
				out.WriteByte(ch)
			}
			continue
		}

		// control sequence
		if i+1 >= len(s) {
			break
		}
		next := s[i+1]
		switch {
		case next == '\\' || next == '{' || next == '}':
			if skipDepth < 0 {
				out.WriteByte(next)
			}
			i++
		case next == '*':
			if skipDepth < 0 {
				skipDepth = depth
			}
			i++
		case next == '\'':
			if i+3 < len(s) {
				var b [1]byte
				if _, err := hex.Decode(b[:], []byte(s[i+2:i+4])); err == nil && skipDepth < 0 {
					r, _ := charmap.Windows1252.NewDecoder().Bytes(b[:])
					out.Write(r)
				}
			}
			i += 3
		case isASCIILetter(next):
			j := i + 1
			for j < len(s) && isASCIILetter(s[j]) {
				j++
			}
			word := s[i+1 : j]
			if j < len(s) && (s[j] == '-' || isASCIIDigit(s[j])) {
				j++
				for j < len(s) && isASCIIDigit(s[j]) {
					j++
				}
			}
			if j < len(s) && s[j] == ' ' {
				j++
			}
			i = j - 1
			if rtfSkipGroups[word] && skipDepth < 0 {
				skipDepth = depth
			}
			if skipDepth >= 0 {
				continue
			}
			switch word {
			case "par", "line":
				out.WriteByte('\n')
			case "tab":
				out.WriteByte('\t')
			}
		default:
			i++
		}
	}
	return strings.TrimSpace(out.String())
}

func isASCIILetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
func isASCIIDigit(b byte) bool  { return b >= '0' && b <= '9' }

// AttachDocuments nests collected documents under their patients.
func (g *Graph) AttachDocuments(docs []*ClinicalHistoryDocumentDTO) {
	byID := make(map[uuid.UUID]*PatientDTO, len(g.Patients))
	for _, p := range g.Patients {
		byID[p.TempID] = p
	}
	for _, d := range docs {
		if p, ok := byID[d.PatientTempID]; ok {
			p.Documents = append(p.Documents, d)
		}
	}
}
