package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pagewatch/api/internal/util"
)

// FS stores payloads as files under a base directory. Locators look like
// file:///base/kind/id.
type FS struct {
	baseDir string
}

func NewFS(baseDir string) (*FS, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve payload dir: %w", err)
	}
	return &FS{baseDir: abs}, nil
}

func (f *FS) Schemes() []string {
	return []string{"file"}
}

func (f *FS) Read(_ context.Context, locator string) ([]byte, error) {
	path := strings.TrimPrefix(locator, "file://")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", locator, err, ErrUnavailable)
	}
	return body, nil
}

func (f *FS) Write(_ context.Context, kind string, body []byte) (string, error) {
	dir := filepath.Join(f.baseDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create payload subdir: %w", err)
	}
	path := filepath.Join(dir, util.NewID(""))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize payload: %w", err)
	}
	return "file://" + path, nil
}
