package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ErrConverterUnavailable is returned when the document converter binary
// cannot be found.
var ErrConverterUnavailable = errors.New("document converter unavailable")

// Converter extracts plain text from a legacy word-processor document.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// CommandConverter runs an office suite in headless mode to convert a
// document to text in a scratch directory.
type CommandConverter struct {
	bin string
}

// NewCommandConverter resolves cmd on PATH.
func NewCommandConverter(cmd string) (*CommandConverter, error) {
	bin, err := exec.LookPath(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConverterUnavailable, err)
	}
	return &CommandConverter{bin: bin}, nil
}

func (c *CommandConverter) Convert(ctx context.Context, path string) (string, error) {
	out, err := os.MkdirTemp("", "legacy-doc-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(out)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, "--headless", "--convert-to", "txt:Text", "--outdir", out, path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("convert %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	data, err := os.ReadFile(filepath.Join(out, stem+".txt"))
	if err != nil {
		return "", fmt.Errorf("read converted %s: %w", stem, err)
	}
	return decodeLegacyText(data), nil
}

// unavailableConverter reports a per-file error when no converter resolved.
type unavailableConverter struct{ err error }

func (u unavailableConverter) Convert(context.Context, string) (string, error) { return "", u.err }

// Inventory describes the legacy word-processor files awaiting conversion.
type Inventory struct {
	Dir     string   `json:"dir"`
	Count   int      `json:"count"`
	TotalMB float64  `json:"total_mb"`
	Samples []string `json:"samples"`
}

const inventorySamples = 5

// TakeInventory walks the history directory under root and counts .doc
// files, skipping editor lock files. A missing directory yields an empty
// inventory.
func TakeInventory(root, historyDir string) (*Inventory, error) {
	dir := filepath.Join(root, filepath.FromSlash(historyDir))
	inv := &Inventory{Dir: dir, Samples: []string{}}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return inv, nil
	}

	var total int64
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isLockFile(d.Name()) || !strings.EqualFold(filepath.Ext(d.Name()), ".doc") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		names = append(names, d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Strings(names)
	inv.Count = len(names)
	inv.TotalMB = float64(total) / (1024 * 1024)
	inv.Samples = append(inv.Samples, names[:min(inventorySamples, len(names))]...)
	return inv, nil
}

func isLockFile(name string) bool {
	return strings.HasPrefix(name, "~$")
}
