// Package registry discovers model files on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// LoadDir scans a directory for *.gguf files and builds a registry from
// filenames. ID is the full filename; Path is the absolute file path.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		models = append(models, types.Model{
			ID:     name,
			Name:   name,
			Path:   p,
			Quant:  quantFromName(name),
			SizeMB: fsutil.FileSizeMB(p),
		})
	}
	return models, nil
}

// quantFromName extracts a quantization suffix like q4_k_m from the
// filename, empty when absent.
func quantFromName(name string) string {
	base := strings.TrimSuffix(strings.ToLower(name), ".gguf")
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		idx = strings.LastIndex(base, "-")
	}
	if idx < 0 {
		return ""
	}
	tail := base[idx+1:]
	if strings.HasPrefix(tail, "q") || strings.HasPrefix(tail, "f16") || strings.HasPrefix(tail, "f32") {
		return strings.ToUpper(tail)
	}
	return ""
}
