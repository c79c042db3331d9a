package pxdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"

	"github.com/ehr/legacy-import/internal/platform/metrics"
)

// Reader decodes one table file.
type Reader interface {
	Name() string
	ReadTable(ctx context.Context, path string, opts Options) (*Table, error)
}

// SelectReader returns the native reader when its binary resolves on PATH,
// and the pure decoder otherwise.
func SelectReader(nativeCmd string, logger zerolog.Logger) Reader {
	pure := NewPureReader(logger)
	if nativeCmd == "" {
		return pure
	}
	native, err := NewNativeReader(nativeCmd, logger)
	if err != nil {
		logger.Debug().Err(err).Str("command", nativeCmd).Msg("native reader not available, using pure decoder")
		return pure
	}
	return native
}

// ---------------------------------------------------------------------------
// Pure decoder
// ---------------------------------------------------------------------------

// PureReader decodes table files without external tools.
type PureReader struct {
	logger zerolog.Logger
}

// NewPureReader creates a PureReader.
func NewPureReader(logger zerolog.Logger) *PureReader {
	return &PureReader{logger: logger.With().Str("component", "pxdb").Logger()}
}

func (r *PureReader) Name() string { return "pure" }

// Inspect parses only the header of a table file.
func Inspect(path string) (*Header, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	return parseHeader(path, buf)
}

// ReadTable decodes the header and live records of path. Records that fail
// to decode are dropped, logged and counted in Diagnostics.Failed.
func (r *PureReader) ReadTable(ctx context.Context, path string, opts Options) (*Table, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	h, err := parseHeader(path, buf)
	if err != nil {
		return nil, err
	}
	memo, err := openMemo(path)
	if err != nil {
		return nil, fmt.Errorf("open memo for %s: %w", path, err)
	}

	enc, encName := EncodingFor(h.CodePage)
	t := newTable(path, h)
	t.Diagnostics.Reader = r.Name()
	t.Diagnostics.Encoding = encName
	if memo != nil {
		t.Diagnostics.MemoFile = filepath.Base(memo.path)
	}

	log := r.logger.With().Str("table", t.Name).Logger()
	done := func() bool {
		if opts.Limit > 0 && len(t.Rows) >= opts.Limit {
			return true
		}
		return t.Diagnostics.Read+t.Diagnostics.Failed >= h.NumRecords
	}

	visit := func(index int, rec []byte) {
		if rec[0] == 0 || allZero(rec) {
			t.Diagnostics.Deleted++
			return
		}
		row, err := decodeRecord(h, rec, enc, memo)
		if err != nil {
			t.Diagnostics.Failed++
			log.Warn().Err(err).Int("record", index).Msg("dropping undecodable record")
			return
		}
		t.Rows = append(t.Rows, row)
		t.Diagnostics.Read++
	}

	index := 0
	if h.BlockSize > 0 {
		perBlock := (h.BlockSize - blockHeaderSize) / h.RecordSize
		for start := h.HeaderSize; start+blockHeaderSize <= len(buf) && !done(); start += h.BlockSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			addSize := int16(binary.LittleEndian.Uint16(buf[start+4:]))
			if addSize < 0 {
				continue
			}
			n := int(addSize)/h.RecordSize + 1
			if n > perBlock {
				n = perBlock
			}
			for i := 0; i < n && !done(); i++ {
				off := start + blockHeaderSize + i*h.RecordSize
				if off+h.RecordSize > len(buf) {
					t.Diagnostics.Truncated = true
					break
				}
				visit(index, buf[off:off+h.RecordSize])
				index++
			}
		}
	} else {
		for off := h.HeaderSize + blockHeaderSize; !done(); off += h.RecordSize {
			if off+h.RecordSize > len(buf) {
				t.Diagnostics.Truncated = off < len(buf)
				break
			}
			if index%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			visit(index, buf[off:off+h.RecordSize])
			index++
		}
	}

	if t.Diagnostics.Read+t.Diagnostics.Failed < h.NumRecords && opts.Limit == 0 {
		t.Diagnostics.Truncated = true
	}

	log.Info().
		Int("declared", h.NumRecords).
		Int("read", t.Diagnostics.Read).
		Int("deleted", t.Diagnostics.Deleted).
		Int("failed", t.Diagnostics.Failed).
		Str("encoding", encName).
		Msg("table decoded")

	return t, nil
}

func newTable(path string, h *Header) *Table {
	base := filepath.Base(path)
	return &Table{
		File:   base,
		Name:   strings.TrimSuffix(base, filepath.Ext(base)),
		Fields: h.Fields,
		Diagnostics: Diagnostics{
			RecordSize:   h.RecordSize,
			HeaderSize:   h.HeaderSize,
			FieldCount:   len(h.Fields),
			KeyFields:    h.KeyFields,
			CodePage:     h.CodePage,
			Declared:     h.NumRecords,
			BlockSize:    h.BlockSize,
			UnnamedField: h.Unnamed,
		},
	}
}

func decodeRecord(h *Header, rec []byte, enc encoding.Encoding, memo *memoFile) (Row, error) {
	row := make(Row, len(h.Fields))
	pos := 0
	for _, f := range h.Fields {
		if pos+f.Size > len(rec) {
			return nil, fmt.Errorf("field %s overruns record", f.Name)
		}
		v, err := decodeValue(f, rec[pos:pos+f.Size], enc, memo)
		if err != nil {
			return nil, err
		}
		row[f.Name] = v
		pos += f.Size
	}
	return row, nil
}

// ---------------------------------------------------------------------------
// Directory scan
// ---------------------------------------------------------------------------

// TableError records a table that could not be read.
type TableError struct {
	File string `json:"file"`
	Err  string `json:"error"`
}

// DirResult is the outcome of reading every table in a directory.
type DirResult struct {
	Tables []*Table     `json:"tables"`
	Errors []TableError `json:"errors"`
}

// ListTables returns the table files of dir, sorted by name.
func ListTables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".db") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadDir reads every table in dir. A table that fails is reported in
// Errors and the remaining tables are still read. onTable, when set, is
// called before each table.
func ReadDir(ctx context.Context, r Reader, dir string, opts Options, onTable func(i, n int, file string)) (*DirResult, error) {
	paths, err := ListTables(dir)
	if err != nil {
		return nil, err
	}
	res := &DirResult{}
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onTable != nil {
			onTable(i+1, len(paths), filepath.Base(p))
		}
		t, err := r.ReadTable(ctx, p, opts)
		if err != nil {
			metrics.TablesRead.WithLabelValues(r.Name(), "failed").Inc()
			res.Errors = append(res.Errors, TableError{File: filepath.Base(p), Err: err.Error()})
			continue
		}
		metrics.TablesRead.WithLabelValues(r.Name(), "ok").Inc()
		res.Tables = append(res.Tables, t)
	}
	return res, nil
}
