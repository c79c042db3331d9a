package pxdb

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
)

// MemoBlockSize is the fixed block size of the companion memo file.
const MemoBlockSize = 4096

// memoFile holds the companion .MB file of a table, if any.
type memoFile struct {
	path string
	data []byte
}

// openMemo loads the memo sibling of a table path. A missing file yields nil.
func openMemo(tablePath string) (*memoFile, error) {
	path := findSibling(tablePath, ".mb")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &memoFile{path: path, data: data}, nil
}

// read returns the text starting at block index ptr up to the first NUL.
// Block zero is the memo file header, so a zero pointer is null.
func (m *memoFile) read(ptr uint32, enc encoding.Encoding) string {
	if m == nil || ptr == 0 {
		return ""
	}
	off := int64(ptr) * MemoBlockSize
	if off >= int64(len(m.data)) {
		return ""
	}
	chunk := m.data[off:]
	if i := indexNul(chunk); i >= 0 {
		chunk = chunk[:i]
	}
	return decodeText(enc, chunk)
}

// findSibling looks for a file next to path with the same stem and the given
// extension, matching the extension case-insensitively.
func findSibling(path, ext string) string {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.EqualFold(filepath.Ext(name), ext) &&
			strings.EqualFold(strings.TrimSuffix(name, filepath.Ext(name)), stem) {
			return filepath.Join(dir, name)
		}
	}
	return ""
}
