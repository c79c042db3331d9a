package pxdb

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// NativeReader dumps tables through the pxview tool from pxlib. Field
// definitions still come from the pure header parser so both readers report
// the same schema.
type NativeReader struct {
	bin    string
	logger zerolog.Logger
}

// NewNativeReader resolves cmd on PATH.
func NewNativeReader(cmd string, logger zerolog.Logger) (*NativeReader, error) {
	bin, err := exec.LookPath(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
	}
	return &NativeReader{bin: bin, logger: logger.With().Str("component", "pxdb-native").Logger()}, nil
}

func (r *NativeReader) Name() string { return "native" }

// ReadTable runs the dumper in CSV mode and maps its columns onto the
// header's fields by position.
func (r *NativeReader) ReadTable(ctx context.Context, path string, opts Options) (*Table, error) {
	h, err := Inspect(path)
	if err != nil {
		return nil, err
	}
	_, encName := EncodingFor(h.CodePage)

	args := []string{"--csv"}
	if mb := findSibling(path, ".mb"); mb != "" {
		args = append(args, "--blobfile="+mb)
	}
	args = append(args, path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s on %s: %w: %s", r.bin, path, err, strings.TrimSpace(stderr.String()))
	}

	t := newTable(path, h)
	t.Diagnostics.Reader = r.Name()
	t.Diagnostics.Encoding = encName

	cr := csv.NewReader(&stdout)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	first := true
	for index := 0; ; index++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Diagnostics.Failed++
			r.logger.Warn().Err(err).Str("table", t.Name).Int("record", index).Msg("dropping unparsable line")
			continue
		}
		if first {
			first = false
			if looksLikeHeader(rec, h.Fields) {
				continue
			}
		}
		if len(rec) != len(h.Fields) {
			t.Diagnostics.Failed++
			r.logger.Warn().Str("table", t.Name).Int("record", index).
				Int("columns", len(rec)).Int("fields", len(h.Fields)).Msg("dropping record with wrong column count")
			continue
		}
		row := make(Row, len(rec))
		for i, v := range rec {
			row[h.Fields[i].Name] = cleanText(v)
		}
		t.Rows = append(t.Rows, row)
		t.Diagnostics.Read++
		if opts.Limit > 0 && len(t.Rows) >= opts.Limit {
			break
		}
	}

	return t, nil
}

func looksLikeHeader(rec []string, fields []Field) bool {
	if len(rec) != len(fields) {
		return false
	}
	for i, v := range rec {
		name := strings.TrimSpace(v)
		if j := strings.IndexByte(name, ','); j >= 0 {
			name = name[:j]
		}
		if !strings.EqualFold(name, fields[i].Name) {
			return false
		}
	}
	return true
}
